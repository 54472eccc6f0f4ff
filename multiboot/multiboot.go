// Package multiboot parses the multiboot2 information block handed to the
// kernel by the bootloader. Parse validates the whole block up front and
// copies every tag it understands into owned structures; nothing returned by
// this package aliases the bootloader-provided memory.
package multiboot

import (
	"encoding/binary"
	"strings"
	"unsafe"

	"github.com/pkg/errors"

	"pebble/kernel"
)

type tagType uint32

// nolint
const (
	tagMbSectionEnd tagType = iota
	tagBootCmdLine
	tagBootLoaderName
	tagModules
	tagBasicMemoryInfo
	tagBiosBootDevice
	tagMemoryMap
	tagVbeInfo
	tagFramebufferInfo
	tagElfSymbols
	tagApmTable
)

const (
	// infoHeaderSize is the size of the fixed header (total size and
	// reserved words) that precedes the first tag.
	infoHeaderSize = 8

	// tagHeaderSize is the size of the type/size header of each tag.
	tagHeaderSize = 8

	// tagAlignment is the alignment of every tag start.
	tagAlignment = 8
)

var (
	// ErrMalformedInfo is the cause of errors about the info block as a
	// whole (truncated block, missing end tag).
	ErrMalformedInfo = &kernel.Error{Module: "multiboot", Message: "malformed multiboot info block"}

	// ErrMalformedTag is the cause of errors about the contents of an
	// individual tag.
	ErrMalformedTag = &kernel.Error{Module: "multiboot", Message: "malformed multiboot tag"}
)

// Info holds the parsed contents of a multiboot2 information block.
type Info struct {
	totalSize   uint32
	cmdLine     string
	cmdLineKV   map[string]string
	loaderName  string
	memoryMap   []MemoryMapEntry
	framebuffer *FramebufferInfo
	elfSections *ElfSectionsTag
}

// InfoFromPointer parses the information block that the bootloader placed at
// ptr. It is meant to be called once from the kernel entry point.
func InfoFromPointer(ptr uintptr) (*Info, error) {
	totalSize := *(*uint32)(unsafe.Pointer(ptr))
	return Parse(unsafe.Slice((*byte)(unsafe.Pointer(ptr)), int(totalSize)))
}

// Parse validates data as a multiboot2 information block and returns its
// parsed contents. The declared total size must fit in data, every tag must
// lie inside the block and the tag list must be terminated by an end tag.
func Parse(data []byte) (*Info, error) {
	if len(data) < infoHeaderSize {
		return nil, errors.Wrapf(ErrMalformedInfo, "info block is %d bytes long; header requires %d", len(data), infoHeaderSize)
	}

	info := &Info{totalSize: binary.LittleEndian.Uint32(data)}
	if info.totalSize < infoHeaderSize || uint64(info.totalSize) > uint64(len(data)) {
		return nil, errors.Wrapf(ErrMalformedInfo, "declared size %d does not fit in %d byte block", info.totalSize, len(data))
	}
	data = data[:info.totalSize]

	for offset := uint32(infoHeaderSize); ; {
		if offset+tagHeaderSize > info.totalSize {
			return nil, errors.Wrapf(ErrMalformedInfo, "tag list is not terminated by an end tag")
		}

		tType := tagType(binary.LittleEndian.Uint32(data[offset:]))
		tSize := binary.LittleEndian.Uint32(data[offset+4:])
		if tSize < tagHeaderSize || uint64(offset)+uint64(tSize) > uint64(info.totalSize) {
			return nil, errors.Wrapf(ErrMalformedTag, "tag %d at offset %d declares size %d", tType, offset, tSize)
		}

		if tType == tagMbSectionEnd {
			return info, nil
		}

		if err := info.parseTag(tType, data[offset:offset+tSize]); err != nil {
			return nil, errors.Wrapf(err, "tag %d at offset %d", tType, offset)
		}

		// Tags are aligned at 8-byte aligned addresses
		offset += (tSize + tagAlignment - 1) &^ (tagAlignment - 1)
	}
}

// parseTag decodes a single tag. The tag slice includes the tag header.
func (info *Info) parseTag(tType tagType, tag []byte) error {
	var err error

	switch tType {
	case tagBootCmdLine:
		info.cmdLine = cString(tag[tagHeaderSize:])
	case tagBootLoaderName:
		info.loaderName = cString(tag[tagHeaderSize:])
	case tagMemoryMap:
		info.memoryMap, err = parseMemoryMap(tag[tagHeaderSize:])
	case tagFramebufferInfo:
		info.framebuffer, err = parseFramebufferInfo(tag[tagHeaderSize:])
	case tagElfSymbols:
		info.elfSections, err = parseElfSections(tag)
	}

	return err
}

// TotalSize returns the size of the information block in bytes.
func (info *Info) TotalSize() uint32 {
	return info.totalSize
}

// BootLoaderName returns the name reported by the bootloader, if any.
func (info *Info) BootLoaderName() string {
	return info.loaderName
}

// ElfSections returns the ELF sections tag describing the loaded kernel image
// or nil if the bootloader did not supply one.
func (info *Info) ElfSections() *ElfSectionsTag {
	return info.elfSections
}

// BootCmdLine returns the command line key-value pairs passed to the kernel.
// Arguments without a value map to themselves.
func (info *Info) BootCmdLine() map[string]string {
	if info.cmdLineKV != nil {
		return info.cmdLineKV
	}

	info.cmdLineKV = make(map[string]string)
	for _, pair := range strings.Fields(info.cmdLine) {
		kv := strings.Split(pair, "=")
		switch len(kv) {
		case 2: // foo=bar
			info.cmdLineKV[kv[0]] = kv[1]
		case 1: // nofoo
			info.cmdLineKV[kv[0]] = kv[0]
		}
	}

	return info.cmdLineKV
}

// cString returns the contents of the NUL-terminated string at the start of
// b. If b contains no NUL the whole slice is used.
func cString(b []byte) string {
	for i, ch := range b {
		if ch == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
