package vmm

import (
	"math"
	"testing"

	"pebble/kernel"
	"pebble/kernel/cpu"
	"pebble/kernel/mem"
	"pebble/kernel/mem/physmem"
	"pebble/kernel/mem/pmm"
)

var (
	errTestOutOfMemory = &kernel.Error{Module: "test", Message: "out of memory"}
	errTestDoubleFree  = &kernel.Error{Module: "test", Message: "double free"}
)

// testAllocator hands out 4K frames from [next, end) and keeps track of the
// frames that have not been freed yet.
type testAllocator struct {
	next, end mem.PhysicalAddress

	// failAfter makes AllocFrame fail once that many frames have been
	// handed out. A negative value disables failures.
	failAfter int

	allocCount int
	live       map[mem.PhysicalAddress]bool
	freed      []pmm.Frame
}

func newTestAllocator(start, end mem.PhysicalAddress) *testAllocator {
	return &testAllocator{next: start, end: end, failAfter: -1, live: make(map[mem.PhysicalAddress]bool)}
}

func (a *testAllocator) AllocFrame(class mem.SizeClass) (pmm.Frame, *kernel.Error) {
	if class != mem.Class4K || a.next >= a.end || (a.failAfter >= 0 && a.allocCount >= a.failAfter) {
		return pmm.InvalidFrame, errTestOutOfMemory
	}

	frame := pmm.FrameContaining(a.next, mem.Class4K)
	a.next = a.next.Offset(mem.PageSize)
	a.allocCount++
	a.live[frame.Address()] = true
	return frame, nil
}

func (a *testAllocator) FreeFrame(frame pmm.Frame) *kernel.Error {
	if !a.live[frame.Address()] {
		return errTestDoubleFree
	}
	delete(a.live, frame.Address())
	a.freed = append(a.freed, frame)
	return nil
}

// fakeCPU records the effects of paging-related instructions.
type fakeCPU struct {
	active  uintptr
	flushes []uintptr
}

func mockCPU(t *testing.T) *fakeCPU {
	c := &fakeCPU{active: math.MaxUint64}

	origActivePDT, origSwitchPDT, origFlushTLBEntry := activePDTFn, switchPDTFn, flushTLBEntryFn
	t.Cleanup(func() {
		activePDTFn, switchPDTFn, flushTLBEntryFn = origActivePDT, origSwitchPDT, origFlushTLBEntry
	})

	activePDTFn = func() uintptr { return c.active }
	switchPDTFn = func(addr uintptr) { c.active = addr }
	flushTLBEntryFn = func(addr uintptr) { c.flushes = append(c.flushes, addr) }
	return c
}

// newTestKernelPDT returns a kernel page table whose tables live in an
// arena covering physical memory [0, 4M).
func newTestKernelPDT(t *testing.T) (*PageDirectoryTable, *testAllocator, *fakeCPU) {
	t.Helper()

	c := mockCPU(t)
	arena, err := physmem.NewArena(0, 4*mem.Mb)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = arena.Close() })

	alloc := newTestAllocator(0, mem.PhysicalAddress(4*mem.Mb))
	pdt, kErr := NewKernelPDT(arena, alloc)
	if kErr != nil {
		t.Fatal(kErr)
	}

	return pdt, alloc, c
}

func mustPage(t *testing.T, addr uintptr, class mem.SizeClass) Page {
	t.Helper()
	page, err := NewPage(mem.VirtualAddress(addr), class)
	if err != nil {
		t.Fatalf("NewPage(0x%x, %s): %v", addr, class, err)
	}
	return page
}

func mustFrame(t *testing.T, addr uintptr, class mem.SizeClass) pmm.Frame {
	t.Helper()
	frame, err := pmm.NewFrame(mem.PhysicalAddress(addr), class)
	if err != nil {
		t.Fatalf("NewFrame(0x%x, %s): %v", addr, class, err)
	}
	return frame
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
