package multiboot

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/pkg/errors"

	"pebble/kernel/cpu"
)

// infoBuilder assembles multiboot information blocks for tests.
type infoBuilder struct {
	body []byte
}

func (b *infoBuilder) tag(tType tagType, payload []byte) *infoBuilder {
	var hdr [tagHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:], uint32(tType))
	binary.LittleEndian.PutUint32(hdr[4:], uint32(tagHeaderSize+len(payload)))
	b.body = append(b.body, hdr[:]...)
	b.body = append(b.body, payload...)
	for len(b.body)%tagAlignment != 0 {
		b.body = append(b.body, 0)
	}
	return b
}

// build returns the block terminated with an end tag.
func (b *infoBuilder) build() []byte {
	b.tag(tagMbSectionEnd, nil)
	out := make([]byte, infoHeaderSize, infoHeaderSize+len(b.body))
	binary.LittleEndian.PutUint32(out, uint32(infoHeaderSize+len(b.body)))
	return append(out, b.body...)
}

func mmapPayload(entrySize uint32, entries ...MemoryMapEntry) []byte {
	out := make([]byte, 8)
	binary.LittleEndian.PutUint32(out, entrySize)
	for _, e := range entries {
		rec := make([]byte, entrySize)
		binary.LittleEndian.PutUint64(rec[0:], e.PhysAddress)
		binary.LittleEndian.PutUint64(rec[8:], e.Length)
		binary.LittleEndian.PutUint32(rec[16:], uint32(e.Type))
		out = append(out, rec...)
	}
	return out
}

func expectHalt(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		if r := recover(); r != cpu.ErrHalted {
			t.Fatalf("expected code to halt the cpu; recovered %v", r)
		}
	}()
	fn()
}

func TestParseErrors(t *testing.T) {
	valid := new(infoBuilder).tag(tagBootCmdLine, []byte("foo\x00")).build()

	unterminated := append([]byte(nil), valid[:len(valid)-tagHeaderSize]...)
	binary.LittleEndian.PutUint32(unterminated, uint32(len(unterminated)))

	oversizedTag := append([]byte(nil), valid...)
	binary.LittleEndian.PutUint32(oversizedTag[infoHeaderSize+4:], 4096)

	undersizedTag := append([]byte(nil), valid...)
	binary.LittleEndian.PutUint32(undersizedTag[infoHeaderSize+4:], 4)

	truncatedSize := append([]byte(nil), valid...)
	binary.LittleEndian.PutUint32(truncatedSize, uint32(len(valid)+8))

	specs := []struct {
		descr    string
		data     []byte
		expCause error
	}{
		{"short header", valid[:4], ErrMalformedInfo},
		{"declared size larger than block", truncatedSize, ErrMalformedInfo},
		{"declared size smaller than header", []byte{4, 0, 0, 0, 0, 0, 0, 0}, ErrMalformedInfo},
		{"missing end tag", unterminated, ErrMalformedInfo},
		{"tag exceeds block", oversizedTag, ErrMalformedTag},
		{"tag smaller than its header", undersizedTag, ErrMalformedTag},
		{"bad mmap entry size", new(infoBuilder).tag(tagMemoryMap, mmapPayload(16)).build(), ErrMalformedTag},
		{"truncated framebuffer", new(infoBuilder).tag(tagFramebufferInfo, make([]byte, 10)).build(), ErrMalformedTag},
	}

	for _, spec := range specs {
		t.Run(spec.descr, func(t *testing.T) {
			info, err := Parse(spec.data)
			if info != nil {
				t.Error("expected Parse to return a nil Info")
			}
			if cause := errors.Cause(err); cause != spec.expCause {
				t.Fatalf("expected error cause %v; got %v", spec.expCause, err)
			}
		})
	}
}

func TestParseCopiesBlock(t *testing.T) {
	data := new(infoBuilder).
		tag(tagBootCmdLine, []byte("consoleFont=terminus10x18 noquiet\x00")).
		tag(tagBootLoaderName, []byte("GRUB 2.02\x00")).
		build()

	info, err := Parse(data)
	if err != nil {
		t.Fatal(err)
	}

	// Scribble over the original block; parsed data must not change.
	for i := range data {
		data[i] = 0xff
	}

	if exp, got := uint32(len(data)), info.TotalSize(); got != exp {
		t.Errorf("expected total size %d; got %d", exp, got)
	}

	if exp, got := "GRUB 2.02", info.BootLoaderName(); got != exp {
		t.Errorf("expected loader name %q; got %q", exp, got)
	}

	exp := map[string]string{"consoleFont": "terminus10x18", "noquiet": "noquiet"}
	got := info.BootCmdLine()
	if len(got) != len(exp) {
		t.Fatalf("expected cmdline %v; got %v", exp, got)
	}
	for k, v := range exp {
		if got[k] != v {
			t.Errorf("expected cmdline key %q to be %q; got %q", k, v, got[k])
		}
	}
}

func TestParseSkipsUnknownTags(t *testing.T) {
	data := new(infoBuilder).
		tag(tagApmTable, bytes.Repeat([]byte{0xaa}, 13)).
		tag(tagBootLoaderName, []byte("loader\x00")).
		build()

	info, err := Parse(data)
	if err != nil {
		t.Fatal(err)
	}

	if got := info.BootLoaderName(); got != "loader" {
		t.Fatalf("expected loader name to be parsed after unaligned tag; got %q", got)
	}

	if info.ElfSections() != nil || info.FramebufferInfo() != nil {
		t.Fatal("expected missing tags to be reported as nil")
	}
}

func TestVisitMemRegions(t *testing.T) {
	entries := []MemoryMapEntry{
		{PhysAddress: 0, Length: 654336, Type: MemAvailable},
		{PhysAddress: 654336, Length: 1024, Type: MemReserved},
		{PhysAddress: 1048576, Length: 133038080, Type: MemAvailable},
		{PhysAddress: 134086656, Length: 131072, Type: MemAcpiReclaimable},
		{PhysAddress: 4294705152, Length: 262144, Type: MemoryEntryType(42)},
	}

	info, err := Parse(new(infoBuilder).tag(tagMemoryMap, mmapPayload(32, entries...)).build())
	if err != nil {
		t.Fatal(err)
	}

	var visited []MemoryMapEntry
	info.VisitMemRegions(func(e *MemoryMapEntry) bool {
		visited = append(visited, *e)
		return true
	})

	if len(visited) != len(entries) {
		t.Fatalf("expected %d regions; got %d", len(entries), len(visited))
	}

	for i, exp := range entries {
		if exp.Type == MemoryEntryType(42) {
			exp.Type = MemReserved
		}
		if visited[i] != exp {
			t.Errorf("[entry %d] expected %+v; got %+v", i, exp, visited[i])
		}
	}

	var count int
	info.VisitMemRegions(func(_ *MemoryMapEntry) bool {
		count++
		return false
	})
	if count != 1 {
		t.Fatalf("expected visitor to abort after first region; visited %d", count)
	}
}

func TestMemoryEntryTypeString(t *testing.T) {
	specs := []struct {
		t   MemoryEntryType
		exp string
	}{
		{MemAvailable, "available"},
		{MemReserved, "reserved"},
		{MemAcpiReclaimable, "ACPI (reclaimable)"},
		{MemNvs, "NVS"},
		{memUnknown, "unknown"},
	}

	for specIndex, spec := range specs {
		if got := spec.t.String(); got != spec.exp {
			t.Errorf("[spec %d] expected %q; got %q", specIndex, spec.exp, got)
		}
	}
}

func TestFramebufferInfo(t *testing.T) {
	payload := make([]byte, 32)
	binary.LittleEndian.PutUint64(payload[0:], 0xfd000000)
	binary.LittleEndian.PutUint32(payload[8:], 4096)
	binary.LittleEndian.PutUint32(payload[12:], 1024)
	binary.LittleEndian.PutUint32(payload[16:], 768)
	payload[20] = 32
	payload[21] = uint8(FramebufferTypeRGB)
	copy(payload[24:], []byte{16, 8, 8, 8, 0, 8})

	info, err := Parse(new(infoBuilder).tag(tagFramebufferInfo, payload).build())
	if err != nil {
		t.Fatal(err)
	}

	fb := info.FramebufferInfo()
	if fb == nil {
		t.Fatal("expected framebuffer info")
	}

	if fb.PhysAddr != 0xfd000000 || fb.Pitch != 4096 || fb.Width != 1024 || fb.Height != 768 || fb.Bpp != 32 {
		t.Fatalf("unexpected framebuffer info %+v", fb)
	}

	if exp, got := uint64(4096*768), fb.Size(); got != exp {
		t.Errorf("expected framebuffer size %d; got %d", exp, got)
	}

	exp := FramebufferRGBColorInfo{16, 8, 8, 8, 0, 8}
	if got := fb.RGBColorInfo(); got == nil || *got != exp {
		t.Errorf("expected color info %+v; got %+v", exp, got)
	}

	fb.Type = FramebufferTypeEGA
	if fb.RGBColorInfo() != nil {
		t.Error("expected nil color info for EGA framebuffer")
	}
}
