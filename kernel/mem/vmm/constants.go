package vmm

import "pebble/kernel/mem"

const (
	// pageLevels indicates the number of page levels supported by the
	// 4-level paging scheme.
	pageLevels = 4

	// entriesPerTable is the number of entries in a table of any level.
	entriesPerTable = 1 << 9

	// kernelHalfIndex is the first top-level table entry covering the
	// kernel half of the address space. Entries from this index onwards
	// are shared by every address space.
	kernelHalfIndex = entriesPerTable / 2

	// ptePhysPageMask is a mask that allows us to extract the physical memory
	// address pointed to by a page table entry. Bits 12-51 contain the
	// physical memory address.
	ptePhysPageMask = uint64(0x000ffffffffff000)
)

var (
	// pageLevelBits defines the number of virtual address bits that
	// correspond to each page level. Each level uses 9 bits which amounts
	// to 512 entries per table.
	pageLevelBits = [pageLevels]uint8{
		9,
		9,
		9,
		9,
	}

	// pageLevelShifts defines the shift required to access each page table
	// component of a virtual address.
	pageLevelShifts = [pageLevels]uint8{
		39,
		30,
		21,
		12,
	}
)

// leafLevel returns the table level whose entries map pages of class.
func leafLevel(class mem.SizeClass) uint8 {
	return pageLevels - 1 - uint8(class)
}

// classForLevel returns the size class of pages mapped by entries at level.
func classForLevel(level uint8) mem.SizeClass {
	return mem.SizeClass(pageLevels - 1 - level)
}

// tableIndex returns the index of the entry for virtAddr in a table of the
// given level.
func tableIndex(virtAddr mem.VirtualAddress, level uint8) uintptr {
	return (uintptr(virtAddr) >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)
}

// inKernelHalf returns true if virtAddr is covered by the shared top-level
// entries.
func inKernelHalf(virtAddr mem.VirtualAddress) bool {
	return tableIndex(virtAddr, 0) >= kernelHalfIndex
}
