// Package addrspace manages task address spaces. An address space pairs a
// page table that shares the kernel half with the kernel page table and the
// memory objects mapped into its lower half.
package addrspace

import (
	"pebble/kernel"
	"pebble/kernel/kfmt"
	"pebble/kernel/mem"
	"pebble/kernel/mem/pmm"
	"pebble/kernel/mem/vmm"
	"pebble/kernel/sync"
)

var (
	// ErrObjectOverlap is returned when mapping a memory object whose
	// range overlaps an object that is already mapped.
	ErrObjectOverlap = &kernel.Error{Module: "addrspace", Message: "memory object overlaps an existing mapping"}

	// ErrObjectNotMapped is returned when unmapping a memory object that
	// is not mapped into the address space.
	ErrObjectNotMapped = &kernel.Error{Module: "addrspace", Message: "memory object is not mapped"}
)

// AddressSpace is a task address space. It is safe for concurrent use.
type AddressSpace struct {
	lock    sync.Spinlock
	table   *vmm.PageDirectoryTable
	objects []*MemoryObject
}

// New creates an empty address space whose kernel half is shared with
// kernelTable.
func New(kernelTable *vmm.PageDirectoryTable, alloc pmm.FrameAllocator) (*AddressSpace, *kernel.Error) {
	table, err := vmm.NewForAddressSpace(kernelTable, alloc)
	if err != nil {
		return nil, err
	}

	return &AddressSpace{table: table}, nil
}

// Table returns the page table backing the address space.
func (as *AddressSpace) Table() *vmm.PageDirectoryTable {
	return as.table
}

// MapMemoryObject maps obj into the address space. Tables needed by the
// mapping are obtained from alloc. If any page cannot be mapped, the pages
// mapped so far are removed again and the address space is left unchanged.
// The same object may be mapped into several address spaces; its frames are
// shared between them.
func (as *AddressSpace) MapMemoryObject(obj *MemoryObject, alloc pmm.FrameAllocator) *kernel.Error {
	as.lock.Acquire()
	defer as.lock.Release()

	for _, other := range as.objects {
		if other == obj || other.overlaps(obj) {
			return ErrObjectOverlap
		}
	}

	obj.lock.Acquire()
	defer obj.lock.Release()

	if obj.released {
		return ErrObjectReleased
	}

	var err *kernel.Error
	if obj.device {
		if err = as.table.MapArea(obj.virt, obj.phys, obj.size, obj.flags, alloc); err != nil {
			as.unmapRange(obj.virt, obj.end())
		}
	} else {
		page := vmm.PageContaining(obj.virt, mem.Class4K)
		for _, frame := range obj.frames {
			if err = as.table.Map(page, frame, obj.flags, alloc); err != nil {
				as.unmapRange(obj.virt, page.Address())
				break
			}
			page = page.Next()
		}
	}

	if err != nil {
		return err
	}

	obj.mappings++
	as.objects = append(as.objects, obj)
	return nil
}

// UnmapMemoryObject removes the mappings for obj. The object keeps its
// frames even when no address space maps it any more; call Release to
// return them.
func (as *AddressSpace) UnmapMemoryObject(obj *MemoryObject) *kernel.Error {
	as.lock.Acquire()
	defer as.lock.Release()

	for i, other := range as.objects {
		if other != obj {
			continue
		}

		as.unmapRange(obj.virt, obj.end())
		as.objects = append(as.objects[:i], as.objects[i+1:]...)

		obj.lock.Acquire()
		obj.mappings--
		obj.lock.Release()
		return nil
	}

	return ErrObjectNotMapped
}

// Translate returns the physical address that virt maps to.
func (as *AddressSpace) Translate(virt mem.VirtualAddress) (mem.PhysicalAddress, bool) {
	as.lock.Acquire()
	defer as.lock.Release()

	return as.table.Translate(virt)
}

// SwitchTo makes this address space the active one.
func (as *AddressSpace) SwitchTo() {
	as.lock.Acquire()
	defer as.lock.Release()

	as.table.SwitchTo()
}

// Destroy tears down the address space: its page table is released and
// every memory object loses the mapping it had here. Objects that are not
// mapped by any other address space are released and their frames returned
// to alloc. The active address space cannot be destroyed.
func (as *AddressSpace) Destroy(alloc pmm.FrameAllocator) *kernel.Error {
	as.lock.Acquire()
	defer as.lock.Release()

	if err := as.table.Destroy(alloc); err != nil {
		return err
	}

	var released int
	for _, obj := range as.objects {
		obj.lock.Acquire()
		obj.mappings--
		if obj.mappings == 0 && !obj.device {
			obj.releaseLocked(alloc)
			released++
		}
		obj.lock.Release()
	}

	kfmt.Printf("[addrspace] destroyed address space with %d memory objects (%d released)\n", len(as.objects), released)
	as.objects = nil
	return nil
}

// unmapRange removes every mapping in [start, end).
func (as *AddressSpace) unmapRange(start, end mem.VirtualAddress) {
	for addr := start; addr < end; {
		mapping, found := as.table.Lookup(addr)
		if !found {
			addr = addr.Offset(mem.PageSize)
			continue
		}

		class := mapping.Frame.Class()
		page := vmm.PageContaining(addr, class)
		as.table.Unmap(page)
		addr = page.Address().Offset(class.Size())
	}
}
