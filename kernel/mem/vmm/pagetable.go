// Package vmm implements virtual memory management: the mapping flags, the
// virtual page vocabulary and the page tables that tie pages to physical
// frames.
package vmm

import (
	"pebble/kernel"
	"pebble/kernel/mem"
	"pebble/kernel/mem/pmm"
)

var (
	// ErrAlreadyMapped is returned when mapping a page that already
	// resolves to a frame. Callers that want to replace a mapping must
	// unmap the page first.
	ErrAlreadyMapped = &kernel.Error{Module: "vmm", Message: "page is already mapped"}

	// ErrUninitializedTable is raised when operating on a page table that
	// was not created by NewKernelPDT or NewForAddressSpace.
	ErrUninitializedTable = &kernel.Error{Module: "vmm", Message: "page table is not initialized"}

	// ErrKernelSpaceMapping is returned when a task page table is asked to
	// modify the kernel half of the address space.
	ErrKernelSpaceMapping = &kernel.Error{Module: "vmm", Message: "kernel address space can only be modified through the kernel page table"}

	// ErrSizeClassMismatch is returned when a page and a frame of
	// different size classes are mapped together.
	ErrSizeClassMismatch = &kernel.Error{Module: "vmm", Message: "page and frame size classes differ"}

	// ErrRangeLengthMismatch is returned when mapping a page range onto a
	// frame range of a different length.
	ErrRangeLengthMismatch = &kernel.Error{Module: "vmm", Message: "page and frame ranges have different lengths"}

	// ErrMisalignedArea is returned by MapArea when the virtual or physical
	// start address is not page-aligned.
	ErrMisalignedArea = &kernel.Error{Module: "vmm", Message: "area start addresses must be page-aligned"}
)

// Mapper establishes single page mappings.
type Mapper interface {
	// Map establishes a mapping between page and frame using the supplied
	// flags. Frames for intermediate tables are obtained from alloc.
	Map(page Page, frame pmm.Frame, flags Flags, alloc pmm.FrameAllocator) *kernel.Error
}

// PageTable is implemented by the paging structures of an address space.
type PageTable interface {
	Mapper

	// SwitchTo installs the page table on the current processor.
	SwitchTo()

	// Translate returns the physical address that virtAddr maps to.
	Translate(virtAddr mem.VirtualAddress) (mem.PhysicalAddress, bool)

	// MapRange maps each page in pages to the frame at the same position
	// in frames.
	MapRange(pages PageRange, frames pmm.FrameRange, flags Flags, alloc pmm.FrameAllocator) *kernel.Error

	// MapArea maps size bytes of physical memory starting at phys to the
	// virtual addresses starting at virt using the largest pages that fit.
	MapArea(virt mem.VirtualAddress, phys mem.PhysicalAddress, size mem.Size, flags Flags, alloc pmm.FrameAllocator) *kernel.Error

	// Unmap removes the mapping for page and returns the frame it pointed
	// to. The frame is not released to any allocator.
	Unmap(page Page) (pmm.Frame, bool)
}

// MapRange maps pages onto frames pairwise, in order, using m. It stops at
// the first failing pair and returns its error; pairs before it stay mapped
// and pairs after it are not attempted. Ranges of different lengths are
// rejected before anything is mapped.
func MapRange(m Mapper, pages PageRange, frames pmm.FrameRange, flags Flags, alloc pmm.FrameAllocator) *kernel.Error {
	if pages.Len() != frames.Len() {
		return ErrRangeLengthMismatch
	}

	pageIt, frameIt := pages.Iter(), frames.Iter()
	for {
		page, ok := pageIt.Next()
		if !ok {
			return nil
		}

		frame, _ := frameIt.Next()
		if err := m.Map(page, frame, flags, alloc); err != nil {
			return err
		}
	}
}

// MapPolicy selects how Map treats pages that are already mapped.
type MapPolicy uint8

const (
	// RejectExisting fails with ErrAlreadyMapped whenever the page
	// already resolves to a frame.
	RejectExisting MapPolicy = iota

	// UpdateSameFrame allows remapping a page to the frame it already
	// points to; the mapping flags are replaced in place. Remapping to a
	// different frame still fails with ErrAlreadyMapped.
	UpdateSameFrame
)
