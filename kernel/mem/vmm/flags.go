package vmm

// Flags describes the access permissions and caching policy of a mapping
// independently of the hardware page table encoding.
type Flags struct {
	Writable       bool
	Executable     bool
	UserAccessible bool
	Cached         bool
}

// DefaultFlags returns the flags of a read-only, non-executable, kernel-only,
// cached mapping. It is the identity element for Coalesce.
func DefaultFlags() Flags {
	return Flags{Cached: true}
}

// Coalesce returns the flags required by a mapping shared by two users with
// flags f and other. Permissions are the union of both; the mapping is cached
// only if both allow it.
func (f Flags) Coalesce(other Flags) Flags {
	return Flags{
		Writable:       f.Writable || other.Writable,
		Executable:     f.Executable || other.Executable,
		UserAccessible: f.UserAccessible || other.UserAccessible,
		Cached:         f.Cached && other.Cached,
	}
}

// entryFlags encodes f as page table entry flags. FlagPresent is not included.
func (f Flags) entryFlags() PageTableEntryFlag {
	var flags PageTableEntryFlag
	if f.Writable {
		flags |= FlagRW
	}
	if !f.Executable {
		flags |= FlagNoExecute
	}
	if f.UserAccessible {
		flags |= FlagUserAccessible
	}
	if !f.Cached {
		flags |= FlagDoNotCache | FlagWriteThroughCaching
	}
	return flags
}

// flagsFromEntry decodes the permissions of a leaf page table entry.
func flagsFromEntry(pte pageTableEntry) Flags {
	return Flags{
		Writable:       pte.HasFlags(FlagRW),
		Executable:     !pte.HasFlags(FlagNoExecute),
		UserAccessible: pte.HasFlags(FlagUserAccessible),
		Cached:         !pte.HasAnyFlag(FlagDoNotCache|FlagWriteThroughCaching),
	}
}
