package multiboot

import (
	"bytes"
	"encoding/binary"
	"unicode/utf8"

	"github.com/pkg/errors"

	"pebble/kernel"
	"pebble/kernel/kfmt"
	"pebble/kernel/mem"
	"pebble/kernel/mem/physmem"
)

const (
	// elfTagHeaderSize is the size of the ELF sections tag header: tag
	// type, tag size, section count, entry size and string table index.
	elfTagHeaderSize = 20

	// elfSectionSize is the size of a 64-bit ELF section header.
	elfSectionSize = 64
)

var (
	errUnknownSectionType      = &kernel.Error{Module: "multiboot", Message: "unknown ELF section type"}
	errSectionNameOutOfRange   = &kernel.Error{Module: "multiboot", Message: "ELF section name index is outside the string table"}
	errUnterminatedSectionName = &kernel.Error{Module: "multiboot", Message: "ELF section name is not NUL-terminated"}
	errInvalidSectionName      = &kernel.Error{Module: "multiboot", Message: "ELF section name is not valid UTF-8"}
)

// ElfSectionType classifies the contents of an ELF section.
type ElfSectionType uint32

// nolint
const (
	ElfSectionUnused ElfSectionType = iota
	ElfSectionProgram
	ElfSectionLinkerSymbolTable
	ElfSectionStringTable
	ElfSectionRelaRelocation
	ElfSectionSymbolHashTable
	ElfSectionDynamicLinkingTable
	ElfSectionNote
	ElfSectionUninitialized
	ElfSectionRelRelocation
	ElfSectionReserved
	ElfSectionDynamicLoaderSymbolTable

	// Types in [ElfSectionEnvironmentSpecific, ElfSectionProcessorSpecific)
	// are reserved for environment-specific use.
	ElfSectionEnvironmentSpecific ElfSectionType = 0x60000000

	// Types in [ElfSectionProcessorSpecific, 0x80000000) are reserved for
	// processor-specific use.
	ElfSectionProcessorSpecific ElfSectionType = 0x70000000

	elfSectionReservedEnd ElfSectionType = 0x80000000
)

// ElfSectionFlag defines an attribute of an ELF section.
type ElfSectionFlag uint64

const (
	// ElfSectionWritable marks the section as writable.
	ElfSectionWritable ElfSectionFlag = 1 << iota

	// ElfSectionAllocated means that this section occupies memory during
	// program execution.
	ElfSectionAllocated

	// ElfSectionExecutable marks the section as executable.
	ElfSectionExecutable

	elfSectionKnownFlags = ElfSectionWritable | ElfSectionAllocated | ElfSectionExecutable
)

// ElfSection is an owned copy of a 64-bit ELF section header.
type ElfSection struct {
	nameIndex uint32
	typ       uint32
	flags     uint64
	addr      uint64
	offset    uint64
	size      uint64
	link      uint32
	info      uint32
	addrAlign uint64
	entrySize uint64
}

func decodeElfSection(b []byte) ElfSection {
	return ElfSection{
		nameIndex: binary.LittleEndian.Uint32(b[0:]),
		typ:       binary.LittleEndian.Uint32(b[4:]),
		flags:     binary.LittleEndian.Uint64(b[8:]),
		addr:      binary.LittleEndian.Uint64(b[16:]),
		offset:    binary.LittleEndian.Uint64(b[24:]),
		size:      binary.LittleEndian.Uint64(b[32:]),
		link:      binary.LittleEndian.Uint32(b[40:]),
		info:      binary.LittleEndian.Uint32(b[44:]),
		addrAlign: binary.LittleEndian.Uint64(b[48:]),
		entrySize: binary.LittleEndian.Uint64(b[56:]),
	}
}

// NameIndex returns the offset of the section name in the string table.
func (s ElfSection) NameIndex() uint32 { return s.nameIndex }

// RawType returns the undecoded section type.
func (s ElfSection) RawType() uint32 { return s.typ }

// Type classifies the section. Types outside every known value and reserved
// range indicate corrupted boot data and are fatal.
func (s ElfSection) Type() ElfSectionType {
	t := ElfSectionType(s.typ)
	switch {
	case t <= ElfSectionDynamicLoaderSymbolTable:
		return t
	case t >= ElfSectionEnvironmentSpecific && t < ElfSectionProcessorSpecific:
		return ElfSectionEnvironmentSpecific
	case t >= ElfSectionProcessorSpecific && t < elfSectionReservedEnd:
		return ElfSectionProcessorSpecific
	}

	kfmt.Panic(errUnknownSectionType)
	return ElfSectionUnused
}

// Flags returns the known attribute bits of the section. Any other bits set
// by the bootloader are dropped.
func (s ElfSection) Flags() ElfSectionFlag {
	return ElfSectionFlag(s.flags) & elfSectionKnownFlags
}

// IsAllocated returns true if the section occupies memory while the kernel
// runs.
func (s ElfSection) IsAllocated() bool {
	return s.Flags()&ElfSectionAllocated != 0
}

// Address returns the load address of the section.
func (s ElfSection) Address() uintptr { return uintptr(s.addr) }

// Offset returns the offset of the section in the kernel image file.
func (s ElfSection) Offset() uint64 { return s.offset }

// Size returns the section size in bytes.
func (s ElfSection) Size() mem.Size { return mem.Size(s.size) }

// Link returns the section header table index link.
func (s ElfSection) Link() uint32 { return s.link }

// Info returns the type-dependent extra section information.
func (s ElfSection) Info() uint32 { return s.info }

// AddrAlign returns the required section alignment.
func (s ElfSection) AddrAlign() uint64 { return s.addrAlign }

// EntrySize returns the size of each entry for sections holding fixed-size
// entries.
func (s ElfSection) EntrySize() uint64 { return s.entrySize }

// ElfSectionsTag describes the sections of the loaded kernel image.
type ElfSectionsTag struct {
	entrySize        uint32
	stringTableIndex uint32
	sections         []ElfSection
}

// parseElfSections decodes an ELF sections tag. The tag slice includes the
// tag type and size words.
func parseElfSections(tag []byte) (*ElfSectionsTag, error) {
	if len(tag) < elfTagHeaderSize {
		return nil, errors.Wrapf(ErrMalformedTag, "ELF sections header truncated (%d bytes)", len(tag))
	}

	count := binary.LittleEndian.Uint32(tag[8:])
	t := &ElfSectionsTag{
		entrySize:        binary.LittleEndian.Uint32(tag[12:]),
		stringTableIndex: binary.LittleEndian.Uint32(tag[16:]),
	}

	if count == 0 {
		return t, nil
	}

	switch {
	case t.entrySize < elfSectionSize:
		return nil, errors.Wrapf(ErrMalformedTag, "ELF section entry size %d is smaller than %d", t.entrySize, elfSectionSize)
	case uint64(count)*uint64(t.entrySize) > uint64(len(tag)-elfTagHeaderSize):
		return nil, errors.Wrapf(ErrMalformedTag, "%d ELF sections of %d bytes exceed tag size %d", count, t.entrySize, len(tag))
	case t.stringTableIndex >= count:
		return nil, errors.Wrapf(ErrMalformedTag, "string table index %d out of range [0, %d)", t.stringTableIndex, count)
	}

	t.sections = make([]ElfSection, count)
	for i := range t.sections {
		offset := elfTagHeaderSize + uint64(i)*uint64(t.entrySize)
		t.sections[i] = decodeElfSection(tag[offset : offset+elfSectionSize])
	}

	return t, nil
}

// NumSections returns the number of section records in the tag, including
// unused ones.
func (t *ElfSectionsTag) NumSections() int {
	return len(t.sections)
}

// EntrySize returns the stride between section records.
func (t *ElfSectionsTag) EntrySize() uint32 {
	return t.entrySize
}

// StringTableIndex returns the index of the section holding section names.
func (t *ElfSectionsTag) StringTableIndex() uint32 {
	return t.stringTableIndex
}

// Sections returns a new iterator over the sections in the tag.
func (t *ElfSectionsTag) Sections() *ElfSectionIter {
	return &ElfSectionIter{sections: t.sections}
}

// StringTable copies the contents of the string table section out of
// physical memory.
func (t *ElfSectionsTag) StringTable(m physmem.Memory) StringTable {
	if len(t.sections) == 0 {
		return nil
	}

	strtab := t.sections[t.stringTableIndex]
	src := m.Bytes(mem.PhysicalAddress(strtab.addr), mem.Size(strtab.size))
	return StringTable(append([]byte(nil), src...))
}

// ElfSectionVisitor is invoked by VisitElfSections for each section.
type ElfSectionVisitor func(name string, section ElfSection)

// VisitElfSections invokes visitor for every section in the tag along with
// its name.
func (t *ElfSectionsTag) VisitElfSections(m physmem.Memory, visitor ElfSectionVisitor) {
	strtab := t.StringTable(m)
	for it := t.Sections(); ; {
		section, ok := it.Next()
		if !ok {
			return
		}
		visitor(strtab.SectionName(section), section)
	}
}

// ElfSectionIter walks the sections of an ElfSectionsTag in order. Unused
// sections are never returned. An iterator cannot be rewound; call
// ElfSectionsTag.Sections to start over.
type ElfSectionIter struct {
	sections []ElfSection
	next     int
}

// Next returns the next section. The second return value is false once the
// iterator is exhausted.
func (it *ElfSectionIter) Next() (ElfSection, bool) {
	for it.next < len(it.sections) {
		section := it.sections[it.next]
		it.next++
		if section.typ != uint32(ElfSectionUnused) {
			return section, true
		}
	}

	return ElfSection{}, false
}

// StringTable holds NUL-terminated ELF section names.
type StringTable []byte

// SectionName returns the name of section s. A name that starts outside the
// table, lacks a NUL terminator or is not valid UTF-8 is fatal.
func (st StringTable) SectionName(s ElfSection) string {
	if uint64(s.nameIndex) >= uint64(len(st)) {
		kfmt.Panic(errSectionNameOutOfRange)
		return ""
	}

	name := st[s.nameIndex:]
	end := bytes.IndexByte(name, 0)
	if end < 0 {
		kfmt.Panic(errUnterminatedSectionName)
		return ""
	}

	if !utf8.Valid(name[:end]) {
		kfmt.Panic(errInvalidSectionName)
		return ""
	}

	return string(name[:end])
}
