package pmm

import "pebble/kernel/mem"

// FrameRange is the half-open run of consecutive frames [Start, Start+Count)
// sharing Start's size class.
type FrameRange struct {
	Start Frame
	Count uint64
}

// NewFrameRange returns the frames from start (inclusive) to end
// (exclusive). Both frames must use the same size class; an end before start
// yields an empty range.
func NewFrameRange(start, end Frame) FrameRange {
	if end.class != start.class || end.addr <= start.addr {
		return FrameRange{Start: start}
	}

	return FrameRange{
		Start: start,
		Count: uint64(end.addr-start.addr) >> start.class.Shift(),
	}
}

// Len returns the number of frames in the range.
func (r FrameRange) Len() uint64 {
	return r.Count
}

// Class returns the size class of the frames in the range.
func (r FrameRange) Class() mem.SizeClass {
	return r.Start.class
}

// At returns the i-th frame of the range. It does not check i against Len.
func (r FrameRange) At(i uint64) Frame {
	return Frame{
		addr:  r.Start.addr + mem.PhysicalAddress(i<<r.Start.class.Shift()),
		class: r.Start.class,
	}
}

// Iter returns a new iterator positioned at the first frame. Each call returns
// an independent cursor so a range can be walked any number of times.
func (r FrameRange) Iter() *FrameIterator {
	return &FrameIterator{r: r}
}

// FrameIterator walks the frames of a FrameRange in ascending order.
type FrameIterator struct {
	r    FrameRange
	next uint64
}

// Next returns the next frame of the range and true, or false once the range
// is exhausted.
func (it *FrameIterator) Next() (Frame, bool) {
	if it.next >= it.r.Count {
		return InvalidFrame, false
	}

	f := it.r.At(it.next)
	it.next++
	return f, true
}
