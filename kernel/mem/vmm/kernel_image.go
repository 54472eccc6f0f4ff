package vmm

import (
	"sort"

	"pebble/kernel"
	"pebble/kernel/kfmt"
	"pebble/kernel/mem"
	"pebble/kernel/mem/pmm"
	"pebble/multiboot"
)

// MapKernelImage establishes mappings for the allocated sections of the
// loaded kernel image that are linked at or above kernelVMA. Each section is
// mapped onto the physical memory at (address - kernelVMA) using flags that
// match its ELF attributes: non-executable sections are mapped NX and
// writable sections RW. Pages shared by more than one section get the
// coalesced flags of all of them.
func MapKernelImage(pdt *PageDirectoryTable, sections *multiboot.ElfSectionsTag, kernelVMA uintptr, alloc pmm.FrameAllocator) *kernel.Error {
	pdt.checkInitialized()

	if sections == nil {
		return nil
	}

	pageFlags := make(map[mem.VirtualAddress]Flags)
	for it := sections.Sections(); ; {
		section, ok := it.Next()
		if !ok {
			break
		}

		// Ignore sections not using the kernel's VMA
		if !section.IsAllocated() || section.Size() == 0 || section.Address() < kernelVMA {
			continue
		}

		secFlags := section.Flags()
		flags := DefaultFlags()
		flags.Writable = secFlags&multiboot.ElfSectionWritable != 0
		flags.Executable = secFlags&multiboot.ElfSectionExecutable != 0

		start := mem.VirtualAddress(section.Address())
		pages := NewPageRange(
			PageContaining(start, mem.Class4K),
			PageContaining(start.Offset(section.Size()).AlignUp(mem.PageSize), mem.Class4K),
		)
		for pageIt := pages.Iter(); ; {
			page, ok := pageIt.Next()
			if !ok {
				break
			}

			if existing, seen := pageFlags[page.Address()]; seen {
				pageFlags[page.Address()] = existing.Coalesce(flags)
				continue
			}
			pageFlags[page.Address()] = flags
		}
	}

	addrs := make([]mem.VirtualAddress, 0, len(pageFlags))
	for addr := range pageFlags {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })

	for _, addr := range addrs {
		page := PageContaining(addr, mem.Class4K)
		frame := pmm.FrameContaining(mem.PhysicalAddress(uintptr(addr)-kernelVMA), mem.Class4K)
		if err := pdt.Map(page, frame, pageFlags[addr], alloc); err != nil {
			return err
		}
	}

	kfmt.Printf("[vmm] mapped %d kernel image pages\n", len(addrs))
	return nil
}
