// Package kmain brings up kernel memory management: it builds the kernel
// page table, installs it on the boot processor and hands physical memory to
// the frame allocator.
package kmain

import (
	"pebble/kernel"
	"pebble/kernel/kfmt"
	"pebble/kernel/mem"
	"pebble/kernel/mem/physmem"
	"pebble/kernel/mem/pmm"
	"pebble/kernel/mem/pmm/allocator"
	"pebble/kernel/mem/vmm"
	"pebble/multiboot"
)

const mapPolicyOption = "vmm.mappolicy"

var (
	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}

	// Mocked by tests; the system-wide allocator can only be set up once.
	allocatorInitFn = allocator.Init
)

// Boot builds the kernel page table, maps the kernel image (linked at
// kernelVMA) and a direct map of all available physical memory at
// mem.KernelPhysicalMapBase, activates the new table and then hands physical
// memory over to the frame allocator.
//
// Until the switch, frames are obtained from a boot memory allocator and
// accessed through early, which must be valid under the page table that is
// active on entry. From the switch onwards physical memory is accessed
// through direct, which must be valid under the new table.
func Boot(info *multiboot.Info, early, direct physmem.Memory, kernelVMA uintptr) (*vmm.PageDirectoryTable, *kernel.Error) {
	bootAlloc := allocator.NewEarlyAllocator(info, kernelVMA)
	window := physmem.NewWindow(early)

	pdt, err := vmm.NewKernelPDT(window, bootAlloc)
	if err != nil {
		return nil, err
	}

	if info.BootCmdLine()[mapPolicyOption] == "update" {
		kfmt.Printf("[kmain] remapping the same frame is allowed for kernel pages\n")
		pdt.SetMapPolicy(vmm.UpdateSameFrame)
	}

	if err = vmm.MapKernelImage(pdt, info.ElfSections(), kernelVMA, bootAlloc); err != nil {
		return nil, err
	}

	if err = mapPhysicalMemory(pdt, info, bootAlloc); err != nil {
		return nil, err
	}

	pdt.SwitchTo()
	window.Retarget(direct)
	kfmt.Printf("[kmain] kernel page table installed at 0x%x\n", uint64(pdt.Root().Address()))

	if err = allocatorInitFn(info, direct, bootAlloc); err != nil {
		return nil, err
	}

	return pdt, nil
}

// mapPhysicalMemory maps every available memory region at its
// mem.KernelPhysicalMapBase alias.
func mapPhysicalMemory(pdt *vmm.PageDirectoryTable, info *multiboot.Info, alloc pmm.FrameAllocator) *kernel.Error {
	var total mem.Size
	for _, region := range allocator.AvailableRegions(info) {
		if err := pdt.MapArea(region.Start.InKernelSpace(), region.Start, region.Size(), vmm.Flags{Writable: true, Cached: true}, alloc); err != nil {
			return err
		}
		total += region.Size()
	}

	kfmt.Printf("[kmain] direct-mapped %dKb of physical memory\n", uint64(total/mem.Kb))
	return nil
}

// Kmain is the only Go symbol that is visible (exported) from the rt0
// initialization code. The rt0 code passes the address of the multiboot info
// payload provided by the bootloader and the virtual address the kernel was
// linked at.
//
// Kmain is not expected to return. If it does, the rt0 code will halt the CPU.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelVMA uintptr) {
	info, err := multiboot.InfoFromPointer(multibootInfoPtr)
	if err != nil {
		kfmt.Panic(err)
		return
	}

	if name := info.BootLoaderName(); name != "" {
		kfmt.Printf("[kmain] booted by %s\n", name)
	}

	if _, kErr := Boot(info, physmem.IdentityMap{}, physmem.DirectMap{}, kernelVMA); kErr != nil {
		kfmt.Panic(kErr)
		return
	}

	// Use kfmt.Panic instead of panic to prevent the compiler from
	// treating kfmt.Panic as dead-code and eliminating it.
	kfmt.Panic(errKmainReturned)
}
