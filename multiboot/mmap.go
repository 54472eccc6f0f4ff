package multiboot

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// mmapEntrySize is the size of the memory map entry fields this package
// understands. Bootloaders may use a larger stride.
const mmapEntrySize = 24

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs

	// Any value >= memUnknown will be mapped to MemReserved.
	memUnknown
)

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	case MemAcpiReclaimable:
		return "ACPI (reclaimable)"
	case MemNvs:
		return "NVS"
	default:
		return "unknown"
	}
}

// MemoryMapEntry describes a memory region entry, namely its physical address,
// its length and its type.
type MemoryMapEntry struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this entry.
	Type MemoryEntryType
}

// MemRegionVisitor defines a visitor function that gets invoked by
// VisitMemRegions for each memory region provided by the boot loader. The
// visitor must return true to continue or false to abort the scan.
type MemRegionVisitor func(*MemoryMapEntry) bool

// parseMemoryMap decodes the memory map tag payload: an entry size and entry
// version followed by fixed-stride entries.
func parseMemoryMap(payload []byte) ([]MemoryMapEntry, error) {
	if len(payload) < 8 {
		return nil, errors.Wrapf(ErrMalformedTag, "memory map header truncated (%d bytes)", len(payload))
	}

	entrySize := binary.LittleEndian.Uint32(payload)
	if entrySize < mmapEntrySize {
		return nil, errors.Wrapf(ErrMalformedTag, "memory map entry size %d is smaller than %d", entrySize, mmapEntrySize)
	}

	var entries []MemoryMapEntry
	for offset := uint64(8); offset+uint64(entrySize) <= uint64(len(payload)); offset += uint64(entrySize) {
		entry := MemoryMapEntry{
			PhysAddress: binary.LittleEndian.Uint64(payload[offset:]),
			Length:      binary.LittleEndian.Uint64(payload[offset+8:]),
			Type:        MemoryEntryType(binary.LittleEndian.Uint32(payload[offset+16:])),
		}

		// Mark unknown entry types as reserved
		if entry.Type == 0 || entry.Type >= memUnknown {
			entry.Type = MemReserved
		}

		entries = append(entries, entry)
	}

	return entries, nil
}

// VisitMemRegions invokes visitor for each memory region reported by the
// bootloader until the visitor returns false.
func (info *Info) VisitMemRegions(visitor MemRegionVisitor) {
	for i := range info.memoryMap {
		entry := info.memoryMap[i]
		if !visitor(&entry) {
			return
		}
	}
}
