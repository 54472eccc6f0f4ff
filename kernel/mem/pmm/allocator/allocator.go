// Package allocator implements the physical frame allocators used by the
// kernel: a boot-time allocator that can only hand out frames and a bitmap
// allocator that takes over once its bookkeeping has been set up.
package allocator

import (
	"sync/atomic"

	"pebble/kernel"
	"pebble/kernel/kfmt"
	"pebble/kernel/mem/physmem"
	"pebble/kernel/mem/pmm"
	"pebble/multiboot"
)

var (
	// ErrAlreadyInitialized is returned by Init when the frame allocator
	// has already been set up.
	ErrAlreadyInitialized = &kernel.Error{Module: "pmm", Message: "frame allocator already initialized"}

	errNotInitialized = &kernel.Error{Module: "pmm", Message: "frame allocator used before initialization"}

	// initState is 0 before Init is called, 1 while Init runs and 2 once
	// frameAllocator has been published.
	initState uint32

	// frameAllocator is the system-wide frame allocator.
	frameAllocator *BitmapAllocator
)

// NewEarlyAllocator returns the boot memory allocator used while the kernel
// page table is being built. Frames used by the kernel image (as described by
// the ELF sections in info, linked at kernelVMA) are never handed out.
func NewEarlyAllocator(info *multiboot.Info, kernelVMA uintptr) *BootMemAllocator {
	reserved := KernelImageRanges(info.ElfSections(), kernelVMA)
	if len(reserved) == 0 {
		kfmt.Printf("[pmm] warning: no kernel image sections reported by the bootloader\n")
	}

	early := NewBootMemAllocator(info, reserved)
	early.printMemoryMap(info)
	return early
}

// Init sets up the kernel physical memory allocation sub-system. The bitmap
// allocator takes over from early: every frame early has handed out so far,
// and every range it excludes, stays reserved. memory must be usable for the
// rest of the kernel's lifetime. Init may only be called once; later calls
// return ErrAlreadyInitialized.
func Init(info *multiboot.Info, memory physmem.Memory, early *BootMemAllocator) *kernel.Error {
	if !atomic.CompareAndSwapUint32(&initState, 0, 1) {
		return ErrAlreadyInitialized
	}

	alloc, err := NewBitmapAllocator(info, memory, early, early.reserved)
	if err != nil {
		atomic.StoreUint32(&initState, 0)
		return err
	}

	frameAllocator = alloc
	atomic.StoreUint32(&initState, 2)
	return nil
}

// Frames returns the system-wide frame allocator. Calling Frames before Init
// has completed is fatal.
func Frames() pmm.FrameAllocator {
	if atomic.LoadUint32(&initState) != 2 {
		kfmt.Panic(errNotInitialized)
		return nil
	}

	return frameAllocator
}
