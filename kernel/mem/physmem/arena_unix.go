//go:build unix

package physmem

import (
	"golang.org/x/sys/unix"

	"pebble/kernel/mem"
)

// NewArena reserves size bytes of zeroed anonymous memory to act as the
// physical memory range [base, base+size). The mapping is page aligned so
// that table and bitmap words inside it are naturally aligned.
func NewArena(base mem.PhysicalAddress, size mem.Size) (*Arena, error) {
	data, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, err
	}

	return &Arena{Base: base, data: data}, nil
}

// Close releases the memory backing the arena.
func (a *Arena) Close() error {
	if a.data == nil {
		return nil
	}

	err := unix.Munmap(a.data)
	a.data = nil
	return err
}
