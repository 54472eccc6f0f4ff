package physmem

import (
	"pebble/kernel"
	"pebble/kernel/mem"
)

var errArenaOutOfBounds = &kernel.Error{Module: "physmem", Message: "physical access outside of arena"}

// Arena emulates a block of physical RAM starting at Base. It backs
// physical memory accesses when the kernel runs hosted (tests, tooling).
type Arena struct {
	// Base is the physical address of the first byte of the arena.
	Base mem.PhysicalAddress

	data []byte
}

// Size returns the number of bytes in the arena.
func (a *Arena) Size() mem.Size {
	return mem.Size(len(a.data))
}

// Bytes implements Memory. Accesses outside the arena panic with
// errArenaOutOfBounds.
func (a *Arena) Bytes(addr mem.PhysicalAddress, size mem.Size) []byte {
	if addr < a.Base || uint64(size) > uint64(len(a.data)) || uint64(addr-a.Base) > uint64(len(a.data))-uint64(size) {
		panic(errArenaOutOfBounds)
	}

	start := uintptr(addr - a.Base)
	return a.data[start : start+uintptr(size) : start+uintptr(size)]
}
