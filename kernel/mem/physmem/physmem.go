// Package physmem provides byte-level access to physical memory. Paging
// structures and allocator metadata live in physical frames; this package is
// how the kernel reaches them.
package physmem

import (
	"unsafe"

	"pebble/kernel/mem"
)

// Memory exposes a window onto physical memory.
type Memory interface {
	// Bytes returns a slice aliasing size bytes of physical memory
	// starting at addr. Writes to the slice modify physical memory.
	Bytes(addr mem.PhysicalAddress, size mem.Size) []byte
}

// DirectMap accesses physical memory through the kernel's direct physical
// memory map at mem.KernelPhysicalMapBase. It is only usable once that map
// has been installed.
type DirectMap struct{}

// Bytes implements Memory.
func (DirectMap) Bytes(addr mem.PhysicalAddress, size mem.Size) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr.InKernelSpace()))), int(size))
}

// IdentityMap accesses physical memory at the virtual address equal to its
// physical address. The rt0 code identity maps the available physical memory
// before calling into Go, so IdentityMap is usable until the kernel page
// table is installed.
type IdentityMap struct{}

// Bytes implements Memory.
func (IdentityMap) Bytes(addr mem.PhysicalAddress, size mem.Size) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), int(size))
}

// Window forwards accesses to the Memory it currently targets. Code that
// builds paging structures before they are activated reaches physical memory
// through a Window and retargets it once the new mappings are live. Slices
// returned by Bytes alias the target at the time of the call.
type Window struct {
	target Memory
}

// NewWindow returns a Window targeting m.
func NewWindow(m Memory) *Window {
	return &Window{target: m}
}

// Retarget directs all following accesses to m.
func (w *Window) Retarget(m Memory) {
	w.target = m
}

// Bytes implements Memory.
func (w *Window) Bytes(addr mem.PhysicalAddress, size mem.Size) []byte {
	return w.target.Bytes(addr, size)
}

// Zero clears size bytes of physical memory starting at addr. Instead of a
// byte loop it performs log2(size) copy calls which works well for the
// page-sized blocks it is used with.
func Zero(m Memory, addr mem.PhysicalAddress, size mem.Size) {
	if size == 0 {
		return
	}

	target := m.Bytes(addr, size)
	target[0] = 0
	for index := 1; index < len(target); index *= 2 {
		copy(target[index:], target[:index])
	}
}

// Uint64s returns the physical memory block at addr as a slice of 64-bit
// words. The address must be 8-byte aligned.
func Uint64s(m Memory, addr mem.PhysicalAddress, size mem.Size) []uint64 {
	b := m.Bytes(addr, size)
	if len(b) < 8 {
		return nil
	}
	return unsafe.Slice((*uint64)(unsafe.Pointer(&b[0])), len(b)>>3)
}
