// Package multiboottest assembles multiboot2 information blocks for tests of
// code that consumes the multiboot package.
package multiboottest

import "encoding/binary"

// Tag types understood by Builder.
const (
	tagEnd         = 0
	tagCmdLine     = 1
	tagMemoryMap   = 6
	tagFramebuffer = 8
	tagElfSections = 9
)

// Memory region types.
const (
	MemAvailable = 1
	MemReserved  = 2
)

// ELF section types and flags.
const (
	SectionUnused      = 0
	SectionProgram     = 1
	SectionStringTable = 3
	SectionNoBits      = 8

	FlagWritable   = 0x1
	FlagAllocated  = 0x2
	FlagExecutable = 0x4
)

// MemoryRegion is a memory map entry.
type MemoryRegion struct {
	Base, Length uint64
	Type         uint32
}

// Section is an ELF section header.
type Section struct {
	NameIndex uint32
	Type      uint32
	Flags     uint64
	Addr      uint64
	Size      uint64
}

// Builder accumulates tags. The zero value is ready to use.
type Builder struct {
	body []byte
}

func (b *Builder) tag(tType uint32, payload []byte) *Builder {
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:], tType)
	binary.LittleEndian.PutUint32(hdr[4:], uint32(len(hdr)+len(payload)))
	b.body = append(b.body, hdr[:]...)
	b.body = append(b.body, payload...)
	for len(b.body)%8 != 0 {
		b.body = append(b.body, 0)
	}
	return b
}

// CmdLine adds a boot command line tag.
func (b *Builder) CmdLine(cmdLine string) *Builder {
	return b.tag(tagCmdLine, append([]byte(cmdLine), 0))
}

// MemoryMap adds a memory map tag listing regions.
func (b *Builder) MemoryMap(regions ...MemoryRegion) *Builder {
	payload := make([]byte, 8, 8+24*len(regions))
	binary.LittleEndian.PutUint32(payload, 24)
	for _, r := range regions {
		var rec [24]byte
		binary.LittleEndian.PutUint64(rec[0:], r.Base)
		binary.LittleEndian.PutUint64(rec[8:], r.Length)
		binary.LittleEndian.PutUint32(rec[16:], r.Type)
		payload = append(payload, rec[:]...)
	}
	return b.tag(tagMemoryMap, payload)
}

// ElfSections adds an ELF sections tag. strtabIndex is the index of the
// section holding section names.
func (b *Builder) ElfSections(strtabIndex uint32, sections ...Section) *Builder {
	payload := make([]byte, 12, 12+64*len(sections))
	binary.LittleEndian.PutUint32(payload[0:], uint32(len(sections)))
	binary.LittleEndian.PutUint32(payload[4:], 64)
	binary.LittleEndian.PutUint32(payload[8:], strtabIndex)
	for _, s := range sections {
		var rec [64]byte
		binary.LittleEndian.PutUint32(rec[0:], s.NameIndex)
		binary.LittleEndian.PutUint32(rec[4:], s.Type)
		binary.LittleEndian.PutUint64(rec[8:], s.Flags)
		binary.LittleEndian.PutUint64(rec[16:], s.Addr)
		binary.LittleEndian.PutUint64(rec[32:], s.Size)
		payload = append(payload, rec[:]...)
	}
	return b.tag(tagElfSections, payload)
}

// Framebuffer adds a 32bpp RGB framebuffer tag.
func (b *Builder) Framebuffer(addr uint64, pitch, width, height uint32) *Builder {
	payload := make([]byte, 30)
	binary.LittleEndian.PutUint64(payload[0:], addr)
	binary.LittleEndian.PutUint32(payload[8:], pitch)
	binary.LittleEndian.PutUint32(payload[12:], width)
	binary.LittleEndian.PutUint32(payload[16:], height)
	payload[20] = 32
	payload[21] = 1
	copy(payload[24:], []byte{16, 8, 8, 8, 0, 8})
	return b.tag(tagFramebuffer, payload)
}

// Build returns the information block terminated by an end tag.
func (b *Builder) Build() []byte {
	b.tag(tagEnd, nil)
	out := make([]byte, 8, 8+len(b.body))
	binary.LittleEndian.PutUint32(out, uint32(8+len(b.body)))
	return append(out, b.body...)
}
