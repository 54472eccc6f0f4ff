// Package cpu models the processor state that the memory subsystem depends
// on: the active page directory register, TLB invalidation and halting.
//
// The register file is kept in software so that the memory subsystem can be
// exercised outside ring 0; an architecture port swaps the bodies of these
// functions for the privileged instructions (mov cr3, invlpg, hlt).
package cpu

import (
	"sync/atomic"

	"pebble/kernel"
)

// ErrHalted is the panic value raised by Halt.
var ErrHalted = &kernel.Error{Module: "cpu", Message: "processor halted"}

// Core holds the paging-related registers of a single processor.
type Core struct {
	// pdt holds the physical address of the active top-level page table
	// (CR3 on amd64).
	pdt uint64

	// tlbFlushes counts single-entry TLB invalidations.
	tlbFlushes uint64

	// tlbFlushAll counts full TLB flushes caused by PDT switches.
	tlbFlushAll uint64
}

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB.
func (c *Core) SwitchPDT(pdtPhysAddr uintptr) {
	atomic.StoreUint64(&c.pdt, uint64(pdtPhysAddr))
	atomic.AddUint64(&c.tlbFlushAll, 1)
}

// ActivePDT returns the physical address of the currently active page table.
func (c *Core) ActivePDT() uintptr {
	return uintptr(atomic.LoadUint64(&c.pdt))
}

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func (c *Core) FlushTLBEntry(_ uintptr) {
	atomic.AddUint64(&c.tlbFlushes, 1)
}

// TLBFlushCount returns the number of single-entry and full TLB flushes
// performed by this core.
func (c *Core) TLBFlushCount() (entries, full uint64) {
	return atomic.LoadUint64(&c.tlbFlushes), atomic.LoadUint64(&c.tlbFlushAll)
}

// bootCore is the processor executing the kernel. Only a single core is
// brought up.
var bootCore Core

// Current returns the core executing the caller.
func Current() *Core { return &bootCore }

// SwitchPDT installs the page directory at pdtPhysAddr on the current core.
func SwitchPDT(pdtPhysAddr uintptr) { bootCore.SwitchPDT(pdtPhysAddr) }

// ActivePDT returns the physical address of the page directory that is
// active on the current core.
func ActivePDT() uintptr { return bootCore.ActivePDT() }

// FlushTLBEntry flushes the TLB entry for virtAddr on the current core.
func FlushTLBEntry(virtAddr uintptr) { bootCore.FlushTLBEntry(virtAddr) }

// Halt stops instruction execution on the current core. It never returns;
// the executing goroutine unwinds with ErrHalted.
func Halt() {
	panic(ErrHalted)
}
