package vmm

import (
	"math"

	"pebble/kernel"
	"pebble/kernel/mem"
	"pebble/kernel/mem/pmm"
)

// ErrMisaligned is returned when a page is requested at an address that is
// not aligned to its size class.
var ErrMisaligned = &kernel.Error{Module: "vmm", Message: "page address is not aligned to its size class"}

// Page describes an aligned block of virtual memory of a particular size
// class.
type Page struct {
	addr  mem.VirtualAddress
	class mem.SizeClass
}

// InvalidPage is returned by constructors that fail.
var InvalidPage = Page{addr: mem.VirtualAddress(math.MaxUint64), class: mem.Class4K}

// NewPage returns the page of the given size class starting at addr.
func NewPage(addr mem.VirtualAddress, class mem.SizeClass) (Page, *kernel.Error) {
	if !class.Valid() {
		return InvalidPage, pmm.ErrInvalidSizeClass
	}

	if !addr.IsAligned(class.Size()) {
		return InvalidPage, ErrMisaligned
	}

	return Page{addr: addr, class: class}, nil
}

// PageContaining returns the page of the given size class that contains addr.
func PageContaining(addr mem.VirtualAddress, class mem.SizeClass) Page {
	return Page{addr: addr.AlignDown(class.Size()), class: class}
}

// Address returns the virtual address of the first byte in the page.
func (p Page) Address() mem.VirtualAddress {
	return p.addr
}

// Class returns the page's size class.
func (p Page) Class() mem.SizeClass {
	return p.class
}

// Size returns the number of bytes covered by the page.
func (p Page) Size() mem.Size {
	return p.class.Size()
}

// Next returns the page of the same size class that immediately follows p.
func (p Page) Next() Page {
	return Page{addr: p.addr.Offset(p.class.Size()), class: p.class}
}

// Contains returns true if addr falls inside the page.
func (p Page) Contains(addr mem.VirtualAddress) bool {
	return addr >= p.addr && uint64(addr-p.addr) < uint64(p.class.Size())
}

// PageRange is the half-open run of consecutive pages [Start, Start+Count)
// sharing Start's size class.
type PageRange struct {
	Start Page
	Count uint64
}

// NewPageRange returns the pages from start (inclusive) to end (exclusive).
// Both pages must use the same size class; an end before start yields an
// empty range.
func NewPageRange(start, end Page) PageRange {
	if end.class != start.class || end.addr <= start.addr {
		return PageRange{Start: start}
	}

	return PageRange{
		Start: start,
		Count: uint64(end.addr-start.addr) >> start.class.Shift(),
	}
}

// Len returns the number of pages in the range.
func (r PageRange) Len() uint64 {
	return r.Count
}

// Class returns the size class of the pages in the range.
func (r PageRange) Class() mem.SizeClass {
	return r.Start.class
}

// At returns the i-th page of the range. It does not check i against Len.
func (r PageRange) At(i uint64) Page {
	return Page{
		addr:  r.Start.addr + mem.VirtualAddress(i<<r.Start.class.Shift()),
		class: r.Start.class,
	}
}

// Iter returns a new iterator positioned at the first page.
func (r PageRange) Iter() *PageIterator {
	return &PageIterator{r: r}
}

// PageIterator walks the pages of a PageRange in ascending order.
type PageIterator struct {
	r    PageRange
	next uint64
}

// Next returns the next page of the range and true, or false once the range
// is exhausted.
func (it *PageIterator) Next() (Page, bool) {
	if it.next >= it.r.Count {
		return InvalidPage, false
	}

	p := it.r.At(it.next)
	it.next++
	return p, true
}
