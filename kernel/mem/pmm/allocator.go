package pmm

import (
	"pebble/kernel"
	"pebble/kernel/mem"
)

// FrameAllocator is implemented by physical frame allocators. Allocators are
// shared by every address space and must serialize access to their own state.
type FrameAllocator interface {
	// AllocFrame reserves a free frame of the requested size class. It
	// returns InvalidFrame and an error when no such frame is available.
	AllocFrame(class mem.SizeClass) (Frame, *kernel.Error)

	// FreeFrame returns a frame previously obtained from AllocFrame.
	FreeFrame(frame Frame) *kernel.Error
}
