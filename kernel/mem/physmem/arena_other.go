//go:build !unix

package physmem

import (
	"unsafe"

	"pebble/kernel/mem"
)

// NewArena reserves size bytes of zeroed memory to act as the physical
// memory range [base, base+size).
func NewArena(base mem.PhysicalAddress, size mem.Size) (*Arena, error) {
	// Over-allocate so the arena can start on a page boundary.
	buf := make([]byte, size+mem.PageSize)
	skip := (uintptr(mem.PageSize) - uintptr(unsafe.Pointer(&buf[0]))&uintptr(mem.PageSize-1)) & uintptr(mem.PageSize-1)
	return &Arena{Base: base, data: buf[skip : skip+uintptr(size)]}, nil
}

// Close releases the memory backing the arena.
func (a *Arena) Close() error {
	a.data = nil
	return nil
}
