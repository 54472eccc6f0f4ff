// Package pmm contains the physical memory frame vocabulary and the contract
// that physical frame allocators implement.
package pmm

import (
	"math"

	"pebble/kernel"
	"pebble/kernel/mem"
)

var (
	// ErrMisaligned is returned when a frame is requested at an address
	// that is not aligned to its size class.
	ErrMisaligned = &kernel.Error{Module: "pmm", Message: "frame address is not aligned to its size class"}

	// ErrInvalidSizeClass is returned for unsupported size classes.
	ErrInvalidSizeClass = &kernel.Error{Module: "pmm", Message: "invalid frame size class"}
)

// Frame describes an aligned block of physical memory of a particular size
// class.
type Frame struct {
	addr  mem.PhysicalAddress
	class mem.SizeClass
}

// InvalidFrame is returned by frame allocators when they fail to reserve the
// requested frame.
var InvalidFrame = Frame{addr: mem.PhysicalAddress(math.MaxUint64), class: mem.Class4K}

// NewFrame returns the frame of the given size class starting at addr.
func NewFrame(addr mem.PhysicalAddress, class mem.SizeClass) (Frame, *kernel.Error) {
	if !class.Valid() {
		return InvalidFrame, ErrInvalidSizeClass
	}

	if !addr.IsAligned(class.Size()) {
		return InvalidFrame, ErrMisaligned
	}

	return Frame{addr: addr, class: class}, nil
}

// FrameContaining returns the frame of the given size class that contains
// addr. Unaligned addresses are rounded down to the frame start.
func FrameContaining(addr mem.PhysicalAddress, class mem.SizeClass) Frame {
	return Frame{addr: addr.AlignDown(class.Size()), class: class}
}

// FrameFromIndex returns the 4K frame with the given frame number.
func FrameFromIndex(index uint64) Frame {
	return Frame{addr: mem.PhysicalAddress(index << mem.PageShift), class: mem.Class4K}
}

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical address of the first byte in the frame.
func (f Frame) Address() mem.PhysicalAddress {
	return f.addr
}

// Class returns the frame's size class.
func (f Frame) Class() mem.SizeClass {
	return f.class
}

// Size returns the number of bytes covered by the frame.
func (f Frame) Size() mem.Size {
	return f.class.Size()
}

// Index returns the number of the 4K frame at the start of f.
func (f Frame) Index() uint64 {
	return uint64(f.addr) >> mem.PageShift
}

// Next returns the frame of the same size class that immediately follows f.
func (f Frame) Next() Frame {
	return Frame{addr: f.addr.Offset(f.class.Size()), class: f.class}
}

// Contains returns true if addr falls inside the frame.
func (f Frame) Contains(addr mem.PhysicalAddress) bool {
	return addr >= f.addr && uint64(addr-f.addr) < uint64(f.class.Size())
}
