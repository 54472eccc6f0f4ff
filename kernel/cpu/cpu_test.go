package cpu

import "testing"

func TestCorePDT(t *testing.T) {
	var c Core

	if got := c.ActivePDT(); got != 0 {
		t.Fatalf("expected a fresh core to report PDT 0; got 0x%x", got)
	}

	c.SwitchPDT(0x1000)
	c.SwitchPDT(0x42000)
	if exp, got := uintptr(0x42000), c.ActivePDT(); got != exp {
		t.Fatalf("expected active PDT to be 0x%x; got 0x%x", exp, got)
	}

	c.FlushTLBEntry(0xdead000)
	entries, full := c.TLBFlushCount()
	if entries != 1 || full != 2 {
		t.Fatalf("expected 1 entry flush and 2 full flushes; got %d and %d", entries, full)
	}
}

func TestPackageLevelHelpers(t *testing.T) {
	defer func(orig uintptr) {
		SwitchPDT(orig)
	}(ActivePDT())

	SwitchPDT(0x7000)
	if got := Current().ActivePDT(); got != 0x7000 {
		t.Fatalf("expected current core PDT to be 0x7000; got 0x%x", got)
	}

	before, _ := Current().TLBFlushCount()
	FlushTLBEntry(0x1000)
	if after, _ := Current().TLBFlushCount(); after != before+1 {
		t.Fatalf("expected FlushTLBEntry to be recorded on the current core")
	}
}

func TestHalt(t *testing.T) {
	defer func() {
		if r := recover(); r != ErrHalted {
			t.Fatalf("expected Halt to panic with ErrHalted; got %v", r)
		}
	}()

	Halt()
	t.Fatal("expected Halt not to return")
}
