package allocator

import (
	"pebble/kernel"
	"pebble/kernel/kfmt"
	"pebble/kernel/mem"
	"pebble/kernel/mem/pmm"
	"pebble/multiboot"
)

var (
	errBootAllocOutOfMemory     = &kernel.Error{Module: "boot_mem_alloc", Message: "out of memory"}
	errBootAllocUnsupportedSize = &kernel.Error{Module: "boot_mem_alloc", Message: "only 4K frames can be allocated"}
	errBootAllocFree            = &kernel.Error{Module: "boot_mem_alloc", Message: "frames cannot be freed"}
)

// BootMemAllocator implements a rudimentary physical memory allocator which is
// used to bootstrap the kernel.
//
// The allocator walks the available memory regions reported by the bootloader
// in address order and returns the next free frame, skipping over frames
// occupied by the kernel image. Allocations are tracked via the address of the
// next candidate frame.
//
// Due to the way that the allocator works, it is not possible to free
// allocated frames. Once the kernel is properly initialized, the allocated
// frames are handed over to the BitmapAllocator which does support freeing.
type BootMemAllocator struct {
	regions  []PhysRange
	reserved []PhysRange

	// next is the lowest address that may be returned by the next call
	// to AllocFrame.
	next mem.PhysicalAddress

	// allocCount tracks the total number of allocated frames.
	allocCount uint64
}

// NewBootMemAllocator returns an allocator serving the available memory
// regions in info minus the reserved ranges.
func NewBootMemAllocator(info *multiboot.Info, reserved []PhysRange) *BootMemAllocator {
	return &BootMemAllocator{
		regions:  AvailableRegions(info),
		reserved: reserved,
	}
}

// AllocFrame reserves the next available 4K frame. It returns an error if no
// more memory can be allocated or if a larger size class is requested.
func (alloc *BootMemAllocator) AllocFrame(class mem.SizeClass) (pmm.Frame, *kernel.Error) {
	if class != mem.Class4K {
		return pmm.InvalidFrame, errBootAllocUnsupportedSize
	}

	for _, region := range alloc.regions {
		candidate := region.Start
		if alloc.next > candidate {
			candidate = alloc.next
		}

		for uint64(candidate)+uint64(mem.PageSize) <= uint64(region.End) {
			if r, hit := alloc.reservedRangeAt(candidate); hit {
				candidate = r.End
				continue
			}

			alloc.next = candidate.Offset(mem.PageSize)
			alloc.allocCount++
			return pmm.FrameContaining(candidate, mem.Class4K), nil
		}
	}

	return pmm.InvalidFrame, errBootAllocOutOfMemory
}

// FreeFrame always fails; see BootMemAllocator.
func (alloc *BootMemAllocator) FreeFrame(_ pmm.Frame) *kernel.Error {
	return errBootAllocFree
}

// AllocCount returns the number of frames handed out so far.
func (alloc *BootMemAllocator) AllocCount() uint64 {
	return alloc.allocCount
}

func (alloc *BootMemAllocator) reservedRangeAt(addr mem.PhysicalAddress) (PhysRange, bool) {
	for _, r := range alloc.reserved {
		if r.Contains(addr) {
			return r, true
		}
	}
	return PhysRange{}, false
}

// printMemoryMap prints out the system's memory map as reported by the
// bootloader and the physical ranges occupied by the kernel image.
func (alloc *BootMemAllocator) printMemoryMap(info *multiboot.Info) {
	kfmt.Printf("[boot_mem_alloc] system memory map:\n")
	var totalFree mem.Size
	info.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		kfmt.Printf("\t[0x%10x - 0x%10x], size: %10d, type: %s\n", region.PhysAddress, region.PhysAddress+region.Length, region.Length, region.Type.String())

		if region.Type == multiboot.MemAvailable {
			totalFree += mem.Size(region.Length)
		}
		return true
	})
	kfmt.Printf("[boot_mem_alloc] available memory: %dKb\n", uint64(totalFree/mem.Kb))

	var kernelSize mem.Size
	for _, r := range alloc.reserved {
		kfmt.Printf("[boot_mem_alloc] kernel image at 0x%x - 0x%x\n", uintptr(r.Start), uintptr(r.End))
		kernelSize += r.Size()
	}
	kfmt.Printf("[boot_mem_alloc] reserved pages: %d\n", uint64(kernelSize>>mem.PageShift))
}
