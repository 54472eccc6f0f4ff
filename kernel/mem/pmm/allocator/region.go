package allocator

import (
	"math"
	"sort"

	"pebble/kernel/mem"
	"pebble/multiboot"
)

// PhysRange is the half-open physical address range [Start, End).
type PhysRange struct {
	Start, End mem.PhysicalAddress
}

// Contains returns true if addr falls inside the range.
func (r PhysRange) Contains(addr mem.PhysicalAddress) bool {
	return addr >= r.Start && addr < r.End
}

// Overlaps returns true if r and other share at least one byte.
func (r PhysRange) Overlaps(other PhysRange) bool {
	return r.Start < other.End && other.Start < r.End
}

// Size returns the number of bytes in the range.
func (r PhysRange) Size() mem.Size {
	if r.End <= r.Start {
		return 0
	}
	return mem.Size(r.End - r.Start)
}

// KernelImageRanges returns the physical memory occupied by the allocated
// sections of the kernel image. Sections linked at or above kernelVMA are
// loaded at (address - kernelVMA). The returned ranges are page-aligned,
// sorted and non-overlapping; they are the frames that no allocator may hand
// out.
func KernelImageRanges(sections *multiboot.ElfSectionsTag, kernelVMA uintptr) []PhysRange {
	if sections == nil {
		return nil
	}

	var ranges []PhysRange
	for it := sections.Sections(); ; {
		section, ok := it.Next()
		if !ok {
			break
		}

		if !section.IsAllocated() || section.Size() == 0 {
			continue
		}

		addr := section.Address()
		if addr >= kernelVMA {
			addr -= kernelVMA
		}

		start := mem.PhysicalAddress(addr)
		ranges = append(ranges, PhysRange{
			Start: start.AlignDown(mem.PageSize),
			End:   start.Offset(section.Size()).AlignUp(mem.PageSize),
		})
	}

	return mergeRanges(ranges)
}

// mergeRanges sorts ranges and joins the ones that overlap or touch.
func mergeRanges(ranges []PhysRange) []PhysRange {
	if len(ranges) < 2 {
		return ranges
	}

	sort.Slice(ranges, func(i, j int) bool { return ranges[i].Start < ranges[j].Start })

	merged := ranges[:1]
	for _, r := range ranges[1:] {
		last := &merged[len(merged)-1]
		if r.Start <= last.End {
			if r.End > last.End {
				last.End = r.End
			}
			continue
		}
		merged = append(merged, r)
	}

	return merged
}

// AvailableRegions returns the page-aligned available memory regions
// reported by the bootloader, sorted by address. Reported addresses may not
// be page-aligned; the start is rounded up and the end rounded down. Regions
// extending past the top of the address space are truncated there. These
// are exactly the regions the allocators hand out frames from.
func AvailableRegions(info *multiboot.Info) []PhysRange {
	var regions []PhysRange
	info.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable {
			return true
		}

		end := region.PhysAddress + region.Length
		if end < region.PhysAddress {
			end = math.MaxUint64
		}

		r := PhysRange{
			Start: mem.PhysicalAddress(region.PhysAddress).AlignUp(mem.PageSize),
			End:   mem.PhysicalAddress(end).AlignDown(mem.PageSize),
		}

		// Ignore regions smaller than a single page
		if r.Start >= mem.PhysicalAddress(region.PhysAddress) && r.End > r.Start {
			regions = append(regions, r)
		}
		return true
	})

	sort.Slice(regions, func(i, j int) bool { return regions[i].Start < regions[j].Start })
	return regions
}
