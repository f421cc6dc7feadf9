package a20

import (
	"testing"

	"github.com/tinyrange/nem/internal/chipset"
)

type forcer struct {
	emulated map[uint64]bool
	calls    int
}

func (f *forcer) ForceEmulationOnly(addr uint64, on bool) error {
	if f.emulated == nil {
		f.emulated = make(map[uint64]bool)
	}
	f.calls++
	f.emulated[addr] = on
	return nil
}

func (f *forcer) count() int {
	n := 0
	for _, on := range f.emulated {
		if on {
			n++
		}
	}
	return n
}

func TestDisableForcesWholeWindow(t *testing.T) {
	f := &forcer{}
	s := New(f, Options{}, nil)

	if err := s.SetGate(false); err != nil {
		t.Fatalf("SetGate: %v", err)
	}
	if got := f.count(); got != 16 {
		t.Fatalf("%d pages forced, want 16", got)
	}
	if !s.Emulated(0x10fff0) || s.Emulated(0x110000) || s.Emulated(0xffff0) {
		t.Fatalf("Emulated window bounds wrong")
	}
	if !s.CanExecute() {
		t.Fatalf("non-strict shim refuses execution after forcing")
	}

	f.calls = 0
	s.SetGate(false)
	if f.calls != 0 {
		t.Fatalf("repeated disable forced pages again")
	}

	s.SetGate(true)
	if got := f.count(); got != 0 {
		t.Fatalf("%d pages still forced after enable", got)
	}
	if s.Emulated(0x100000) {
		t.Fatalf("window emulated with gate enabled")
	}
}

func TestStrictRefusesExecution(t *testing.T) {
	s := New(&forcer{}, Options{Strict: true}, nil)
	if !s.CanExecute() {
		t.Fatalf("strict shim refuses with gate enabled")
	}
	s.SetGate(false)
	if s.CanExecute() {
		t.Fatalf("strict shim executes with gate disabled")
	}
}

func TestLockedIgnoresGuest(t *testing.T) {
	f := &forcer{}
	s := New(f, Options{Locked: true}, nil)
	s.SetGate(false)
	if !s.Enabled() || f.calls != 0 {
		t.Fatalf("locked gate changed: enabled=%v calls=%d", s.Enabled(), f.calls)
	}
}

func TestPort92(t *testing.T) {
	f := &forcer{}
	s := New(f, Options{}, nil)
	resets := 0
	b := chipset.NewBuilder()
	if err := b.RegisterDevice("port92", NewPort92(s, func() { resets++ })); err != nil {
		t.Fatalf("RegisterDevice: %v", err)
	}
	cs := b.Build()

	buf := []byte{0}
	cs.HandlePIO(0x92, buf, false)
	if buf[0]&port92A20 == 0 {
		t.Fatalf("port 0x92 reads gate disabled after reset: %#x", buf[0])
	}

	cs.HandlePIO(0x92, []byte{0}, true)
	if s.Enabled() {
		t.Fatalf("clearing bit 1 left the gate enabled")
	}
	cs.HandlePIO(0x92, buf, false)
	if buf[0]&port92A20 != 0 {
		t.Fatalf("read back %#x", buf[0])
	}

	cs.HandlePIO(0x92, []byte{port92A20 | port92Reset}, true)
	cs.HandlePIO(0x92, []byte{port92A20 | port92Reset}, true)
	if resets != 1 || !s.Enabled() {
		t.Fatalf("resets=%d enabled=%v", resets, s.Enabled())
	}
}
