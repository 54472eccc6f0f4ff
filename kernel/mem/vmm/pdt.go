package vmm

import (
	"unsafe"

	"pebble/kernel"
	"pebble/kernel/cpu"
	"pebble/kernel/kfmt"
	"pebble/kernel/mem"
	"pebble/kernel/mem/physmem"
	"pebble/kernel/mem/pmm"
)

var (
	// activePDTFn is used by tests to override calls to cpu.ActivePDT.
	activePDTFn = cpu.ActivePDT

	// switchPDTFn is used by tests to override calls to cpu.SwitchPDT.
	switchPDTFn = cpu.SwitchPDT

	// flushTLBEntryFn is used by tests to override calls to
	// cpu.FlushTLBEntry.
	flushTLBEntryFn = cpu.FlushTLBEntry

	// ErrDestroyActiveTable is returned when destroying the page table
	// that is installed on the current processor.
	ErrDestroyActiveTable = &kernel.Error{Module: "vmm", Message: "cannot destroy the active page table"}

	errDestroyKernelTable = &kernel.Error{Module: "vmm", Message: "attempt to destroy the kernel page table"}
)

// Mapping describes the frame and flags a virtual address resolves to.
type Mapping struct {
	Frame pmm.Frame
	Flags Flags
}

// PageDirectoryTable describes the top-most table in a 4-level paging scheme
// together with every table reachable from it. The tables live in physical
// frames which are accessed through a physmem.Memory.
//
// The zero value is not usable; tables are created by NewKernelPDT and
// NewForAddressSpace.
type PageDirectoryTable struct {
	memory physmem.Memory
	root   pmm.Frame
	kernel bool
	policy MapPolicy
}

var _ PageTable = (*PageDirectoryTable)(nil)

// NewKernelPDT creates the kernel page table. Every top-level entry in the
// kernel half of the address space is populated up front so that the tables
// below it can be shared with each address space created later on.
func NewKernelPDT(memory physmem.Memory, alloc pmm.FrameAllocator) (*PageDirectoryTable, *kernel.Error) {
	pdt := &PageDirectoryTable{memory: memory, kernel: true}

	root, err := pdt.allocTable(alloc)
	if err != nil {
		return nil, err
	}
	pdt.root = root

	rootTable := pdt.table(root.Address())
	for index := kernelHalfIndex; index < entriesPerTable; index++ {
		frame, err := pdt.allocTable(alloc)
		if err != nil {
			pdt.freeSubtables(alloc, root.Address(), 0, kernelHalfIndex, index)
			_ = alloc.FreeFrame(root)
			return nil, err
		}

		rootTable[index].SetFrame(frame)
		rootTable[index].SetFlags(FlagPresent | FlagRW)
	}

	return pdt, nil
}

// NewForAddressSpace creates a page table for a new address space. The
// kernel half of the address space is shared with kernelTable so kernel
// mappings resolve identically after switching to the new table, including
// mappings added to kernelTable later on.
func NewForAddressSpace(kernelTable *PageDirectoryTable, alloc pmm.FrameAllocator) (*PageDirectoryTable, *kernel.Error) {
	kernelTable.checkInitialized()

	pdt := &PageDirectoryTable{memory: kernelTable.memory}
	root, err := pdt.allocTable(alloc)
	if err != nil {
		return nil, err
	}
	pdt.root = root

	copy(
		pdt.table(root.Address())[kernelHalfIndex:],
		kernelTable.table(kernelTable.root.Address())[kernelHalfIndex:],
	)

	return pdt, nil
}

// Root returns the frame holding the top-level table.
func (pdt *PageDirectoryTable) Root() pmm.Frame {
	pdt.checkInitialized()
	return pdt.root
}

// SetMapPolicy selects how Map handles pages that are already mapped.
func (pdt *PageDirectoryTable) SetMapPolicy(policy MapPolicy) {
	pdt.checkInitialized()
	pdt.policy = policy
}

// SwitchTo installs this page table on the current processor.
func (pdt *PageDirectoryTable) SwitchTo() {
	pdt.checkInitialized()
	switchPDTFn(uintptr(pdt.root.Address()))
}

// Lookup returns the frame and flags of the mapping covering virtAddr.
func (pdt *PageDirectoryTable) Lookup(virtAddr mem.VirtualAddress) (Mapping, bool) {
	pdt.checkInitialized()

	var (
		mapping Mapping
		found   bool
	)

	pdt.walk(virtAddr, func(level uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			return false
		}

		if level == pageLevels-1 || pte.HasFlags(FlagHugePage) {
			mapping = Mapping{Frame: pte.Frame(classForLevel(level)), Flags: flagsFromEntry(*pte)}
			found = true
			return false
		}

		return true
	})

	return mapping, found
}

// Translate returns the physical address that virtAddr maps to.
func (pdt *PageDirectoryTable) Translate(virtAddr mem.VirtualAddress) (mem.PhysicalAddress, bool) {
	mapping, found := pdt.Lookup(virtAddr)
	if !found {
		return 0, false
	}

	return mapping.Frame.Address().Offset(virtAddr.PageOffset(mapping.Frame.Class())), true
}

// Map establishes a mapping between page and frame. Any tables needed to
// reach the page's level are obtained from alloc before the page table is
// modified; if an allocation fails the frames obtained so far are released
// and the page table is left untouched.
//
// Map fails with ErrAlreadyMapped if the page, or a larger page covering it,
// is already mapped (subject to the table's MapPolicy) or if a huge page is
// requested over a range that already contains smaller mappings. Empty
// lower-level tables found where a huge page is requested are released.
func (pdt *PageDirectoryTable) Map(page Page, frame pmm.Frame, flags Flags, alloc pmm.FrameAllocator) *kernel.Error {
	pdt.checkInitialized()

	if page.Class() != frame.Class() {
		return ErrSizeClassMismatch
	}

	if !pdt.kernel && inKernelHalf(page.Address()) {
		return ErrKernelSpaceMapping
	}

	var (
		leaf     = leafLevel(page.Class())
		missing  uint8
		existing *pageTableEntry
		err      *kernel.Error
	)

	pdt.walk(page.Address(), func(level uint8, pte *pageTableEntry) bool {
		switch {
		case !pte.HasFlags(FlagPresent):
			missing = leaf - level
			return false
		case level == leaf:
			existing = pte
			return false
		case pte.HasFlags(FlagHugePage):
			err = ErrAlreadyMapped
			return false
		}
		return true
	})

	if err != nil {
		return err
	}

	if existing != nil {
		switch {
		case leaf == pageLevels-1 || existing.HasFlags(FlagHugePage):
			if pdt.policy != UpdateSameFrame || existing.Address() != frame.Address() {
				return ErrAlreadyMapped
			}
		case !pdt.tableIsEmpty(existing.Address(), leaf+1):
			return ErrAlreadyMapped
		default:
			pdt.freeSubtables(alloc, existing.Address(), leaf+1, 0, entriesPerTable)
			_ = alloc.FreeFrame(existing.Frame(mem.Class4K))
			*existing = 0
		}
	}

	var tables [pageLevels]pmm.Frame
	for i := uint8(0); i < missing; i++ {
		if tables[i], err = pdt.allocTable(alloc); err != nil {
			for j := uint8(0); j < i; j++ {
				_ = alloc.FreeFrame(tables[j])
			}
			return err
		}
	}

	intermediateFlags := FlagPresent | FlagRW
	if flags.UserAccessible {
		intermediateFlags |= FlagUserAccessible
	}

	nextTable := 0
	pdt.walk(page.Address(), func(level uint8, pte *pageTableEntry) bool {
		if level == leaf {
			// A same-frame update keeps the accessed and dirty state.
			pte.ClearFlags(^(FlagAccessed | FlagDirty))
			pte.SetFrame(frame)
			pte.SetFlags(FlagPresent | flags.entryFlags())
			if leaf != pageLevels-1 {
				pte.SetFlags(FlagHugePage)
			}
			if pdt.kernel && inKernelHalf(page.Address()) {
				pte.SetFlags(FlagGlobal)
			}
			return false
		}

		if !pte.HasFlags(FlagPresent) {
			*pte = 0
			pte.SetFrame(tables[nextTable])
			nextTable++
		}
		pte.SetFlags(intermediateFlags)
		return true
	})

	pdt.flush(page.Address())
	return nil
}

// MapRange maps pages onto frames pairwise using Map. See MapRange.
func (pdt *PageDirectoryTable) MapRange(pages PageRange, frames pmm.FrameRange, flags Flags, alloc pmm.FrameAllocator) *kernel.Error {
	pdt.checkInitialized()
	return MapRange(pdt, pages, frames, flags, alloc)
}

// MapArea maps size bytes (rounded up to a multiple of mem.PageSize) of
// physical memory starting at phys to the virtual addresses starting at virt.
// 1G and 2M pages are used wherever both addresses are suitably aligned and
// enough bytes remain; 4K pages are used otherwise. Mapping stops at the
// first error.
func (pdt *PageDirectoryTable) MapArea(virt mem.VirtualAddress, phys mem.PhysicalAddress, size mem.Size, flags Flags, alloc pmm.FrameAllocator) *kernel.Error {
	pdt.checkInitialized()

	if !virt.IsAligned(mem.PageSize) || !phys.IsAligned(mem.PageSize) {
		return ErrMisalignedArea
	}

	for remaining := size.AlignUp(mem.PageSize); remaining > 0; {
		class := areaPageClass(virt, phys, remaining)
		if err := pdt.Map(PageContaining(virt, class), pmm.FrameContaining(phys, class), flags, alloc); err != nil {
			return err
		}

		virt, phys, remaining = virt.Offset(class.Size()), phys.Offset(class.Size()), remaining-class.Size()
	}

	return nil
}

// areaPageClass returns the largest size class usable for the next page of
// an area.
func areaPageClass(virt mem.VirtualAddress, phys mem.PhysicalAddress, remaining mem.Size) mem.SizeClass {
	for _, class := range [...]mem.SizeClass{mem.Class1G, mem.Class2M} {
		if virt.IsAligned(class.Size()) && phys.IsAligned(class.Size()) && remaining >= class.Size() {
			return class
		}
	}
	return mem.Class4K
}

// Unmap removes the mapping for page and returns the frame it pointed to.
// It returns false if the page is not mapped with the page's size class.
// Tables emptied by Unmap are kept until the page table is destroyed.
func (pdt *PageDirectoryTable) Unmap(page Page) (pmm.Frame, bool) {
	pdt.checkInitialized()

	if !pdt.kernel && inKernelHalf(page.Address()) {
		return pmm.InvalidFrame, false
	}

	var (
		leaf  = leafLevel(page.Class())
		entry *pageTableEntry
	)

	pdt.walk(page.Address(), func(level uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			return false
		}

		if level == leaf {
			if leaf == pageLevels-1 || pte.HasFlags(FlagHugePage) {
				entry = pte
			}
			return false
		}

		return !pte.HasFlags(FlagHugePage)
	})

	if entry == nil {
		return pmm.InvalidFrame, false
	}

	frame := entry.Frame(page.Class())
	*entry = 0
	pdt.flush(page.Address())
	return frame, true
}

// Destroy releases the tables used by this page table to alloc. Frames that
// mapped pages point to are not released. Tables in the kernel half are
// shared with the kernel page table and are left alone. Destroying the
// kernel page table is fatal.
func (pdt *PageDirectoryTable) Destroy(alloc pmm.FrameAllocator) *kernel.Error {
	pdt.checkInitialized()

	if pdt.kernel {
		kfmt.Panic(errDestroyKernelTable)
		return errDestroyKernelTable
	}

	if pdt.isActive() {
		return ErrDestroyActiveTable
	}

	pdt.freeSubtables(alloc, pdt.root.Address(), 0, 0, kernelHalfIndex)
	_ = alloc.FreeFrame(pdt.root)
	*pdt = PageDirectoryTable{}
	return nil
}

// checkInitialized halts the kernel if pdt is not a fully constructed table.
func (pdt *PageDirectoryTable) checkInitialized() {
	if pdt == nil || pdt.memory == nil {
		kfmt.Panic(ErrUninitializedTable)
	}
}

func (pdt *PageDirectoryTable) isActive() bool {
	return activePDTFn() == uintptr(pdt.root.Address())
}

// flush invalidates the TLB entry for virtAddr if the change is visible to
// the current processor. Kernel half changes are visible from every table.
func (pdt *PageDirectoryTable) flush(virtAddr mem.VirtualAddress) {
	if pdt.isActive() || (pdt.kernel && inKernelHalf(virtAddr)) {
		flushTLBEntryFn(uintptr(virtAddr))
	}
}

// allocTable obtains a cleared frame for a page table.
func (pdt *PageDirectoryTable) allocTable(alloc pmm.FrameAllocator) (pmm.Frame, *kernel.Error) {
	frame, err := alloc.AllocFrame(mem.Class4K)
	if err != nil {
		return pmm.InvalidFrame, err
	}

	physmem.Zero(pdt.memory, frame.Address(), mem.PageSize)
	return frame, nil
}

// table returns the entries of the table stored at tableAddr.
func (pdt *PageDirectoryTable) table(tableAddr mem.PhysicalAddress) []pageTableEntry {
	b := pdt.memory.Bytes(tableAddr, mem.PageSize)
	return unsafe.Slice((*pageTableEntry)(unsafe.Pointer(&b[0])), entriesPerTable)
}

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level and page table entry as its
// arguments. If the function returns false, then the page walk is aborted.
type pageTableWalker func(pteLevel uint8, pte *pageTableEntry) bool

// walk performs a page table walk for the given virtual address. It calls the
// supplied walkFn with the page table entry that corresponds to each page
// table level. The walk ends when walkFn returns false or when it reaches an
// entry that is not present or maps a huge page.
func (pdt *PageDirectoryTable) walk(virtAddr mem.VirtualAddress, walkFn pageTableWalker) {
	tableAddr := pdt.root.Address()
	for level := uint8(0); level < pageLevels; level++ {
		pte := &pdt.table(tableAddr)[tableIndex(virtAddr, level)]
		if !walkFn(level, pte) || !pte.HasFlags(FlagPresent) || pte.HasFlags(FlagHugePage) {
			return
		}

		tableAddr = pte.Address()
	}
}

// tableIsEmpty returns true if no page is mapped through the table at
// tableAddr, which lives at the given level.
func (pdt *PageDirectoryTable) tableIsEmpty(tableAddr mem.PhysicalAddress, level uint8) bool {
	for _, pte := range pdt.table(tableAddr) {
		if !pte.HasFlags(FlagPresent) {
			continue
		}

		if level == pageLevels-1 || pte.HasFlags(FlagHugePage) || !pdt.tableIsEmpty(pte.Address(), level+1) {
			return false
		}
	}
	return true
}

// freeSubtables releases the tables referenced by entries [first, last) of
// the table at tableAddr along with every table below them and clears those
// entries.
func (pdt *PageDirectoryTable) freeSubtables(alloc pmm.FrameAllocator, tableAddr mem.PhysicalAddress, level uint8, first, last int) {
	if level == pageLevels-1 {
		return
	}

	table := pdt.table(tableAddr)
	for index := first; index < last; index++ {
		pte := table[index]
		if !pte.HasFlags(FlagPresent) || pte.HasFlags(FlagHugePage) {
			continue
		}

		pdt.freeSubtables(alloc, pte.Address(), level+1, 0, entriesPerTable)
		_ = alloc.FreeFrame(pte.Frame(mem.Class4K))
		table[index] = 0
	}
}
