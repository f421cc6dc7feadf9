package irq

import (
	"errors"
	"fmt"
	"testing"

	"github.com/tinyrange/nem/internal/hv"
	"github.com/tinyrange/nem/internal/hv/hvtest"
	"github.com/tinyrange/nem/internal/nem/cpu"
	"github.com/tinyrange/nem/internal/nem/statesync"
)

type fakeController struct {
	pending []uint8
	tpr     uint8
	acked   []uint8
}

func (f *fakeController) NextPendingVector() (uint8, bool) {
	if len(f.pending) == 0 {
		return 0, false
	}
	return f.pending[0], true
}

func (f *fakeController) Acknowledge(v uint8) error {
	if len(f.pending) == 0 || f.pending[0] != v {
		return fmt.Errorf("vector %#x not pending", v)
	}
	f.pending = f.pending[1:]
	f.acked = append(f.acked, v)
	return nil
}

func (f *fakeController) TPR() uint8 { return f.tpr }

func setup(t *testing.T, rflags, interruptState uint64) (*hvtest.Partition, *cpu.Context, *statesync.Engine) {
	t.Helper()
	part := hvtest.New(1)
	part.SetRegister(0, hv.RegisterRflags, hv.Register64(rflags))
	part.SetRegister(0, hv.RegisterInterruptState, hv.Register64(interruptState))
	return part, cpu.New(), statesync.New(part, 0, nil, nil)
}

func TestNoPendingInterruptsSkipsImport(t *testing.T) {
	part, c, eng := setup(t, 0x202, 0)
	a := New(0, eng, nil, nil, nil)
	w, err := a.Arbitrate(c)
	if err != nil || w != 0 {
		t.Fatalf("Arbitrate = %#x, %v", w, err)
	}
	if calls := part.Calls(); calls.Get != 0 {
		t.Fatalf("imported registers with nothing pending")
	}
}

func TestSMIUnsupported(t *testing.T) {
	_, c, eng := setup(t, 0x202, 0)
	c.Force.Set(cpu.ForceSMI)
	if _, err := New(0, eng, nil, nil, nil).Arbitrate(c); !errors.Is(err, ErrSMIUnsupported) {
		t.Fatalf("Arbitrate error = %v", err)
	}
}

func TestNMIInjected(t *testing.T) {
	_, c, eng := setup(t, 0, 0)
	c.Force.Set(cpu.ForceNMI)
	w, err := New(0, eng, nil, nil, nil).Arbitrate(c)
	if err != nil || w != 0 {
		t.Fatalf("Arbitrate = %#x, %v", w, err)
	}
	if c.PendingEvent.Type != hv.PendingEventNMI || c.Force.Any(cpu.ForceNMI) {
		t.Fatalf("nmi not injected: event=%+v force=%#x", c.PendingEvent, c.Force.Load())
	}
}

func TestNMIBlockedRequestsWindow(t *testing.T) {
	for _, state := range []uint64{1, 2} {
		_, c, eng := setup(t, 0x202, state)
		c.Force.Set(cpu.ForceNMI)
		w, err := New(0, eng, nil, nil, nil).Arbitrate(c)
		if err != nil {
			t.Fatalf("Arbitrate: %v", err)
		}
		if !w.NMI() || c.EventPending() || !c.Force.Any(cpu.ForceNMI) {
			t.Fatalf("state %d: window=%#x event=%+v", state, uint8(w), c.PendingEvent)
		}
		if c.Window != w {
			t.Fatalf("window not recorded in context")
		}
	}

	// A blocked NMI also holds back a deliverable hardware interrupt.
	_, c, eng := setup(t, 0x202, 2)
	pic := &fakeController{pending: []uint8{0x20}}
	c.Force.Set(cpu.ForceNMI | cpu.ForceInterruptPIC)
	w, err := New(0, eng, pic, nil, nil).Arbitrate(c)
	if err != nil {
		t.Fatalf("Arbitrate: %v", err)
	}
	if w != cpu.WindowNMI {
		t.Fatalf("window = %#x, want nmi only", uint8(w))
	}
	if c.EventPending() || len(pic.acked) != 0 {
		t.Fatalf("interrupt injected behind a pending nmi: event=%+v acked=%v", c.PendingEvent, pic.acked)
	}
	if !c.Force.Any(cpu.ForceInterruptPIC) {
		t.Fatalf("pic flag cleared")
	}
}

func TestHostHeldInterruptionBlocksInjection(t *testing.T) {
	_, c, eng := setup(t, 0x202, 0)
	pic := &fakeController{pending: []uint8{0x20}}
	a := New(0, eng, pic, nil, nil)

	c.CopyFromHeader(&hv.ExitHeader{Rflags: 0x202, InterruptionPending: true})
	c.Force.Set(cpu.ForceInterruptPIC | cpu.ForceNMI)
	w, err := a.Arbitrate(c)
	if err != nil {
		t.Fatalf("Arbitrate: %v", err)
	}
	if w != cpu.WindowNMI || c.EventPending() {
		t.Fatalf("nmi: window=%#x event=%+v", uint8(w), c.PendingEvent)
	}
	c.Force.Clear(cpu.ForceNMI)

	w, err = a.Arbitrate(c)
	if err != nil {
		t.Fatalf("Arbitrate: %v", err)
	}
	if !w.Regular() || c.EventPending() || len(pic.acked) != 0 {
		t.Fatalf("overwrote the host's event: window=%#x event=%+v acked=%v", uint8(w), c.PendingEvent, pic.acked)
	}

	// The next exit reports the delivery complete.
	c.Externalize(cpu.GroupAll)
	c.CopyFromHeader(&hv.ExitHeader{Rflags: 0x202})
	if _, err := a.Arbitrate(c); err != nil {
		t.Fatalf("Arbitrate: %v", err)
	}
	if c.PendingEvent.Vector != 0x20 || len(pic.acked) != 1 {
		t.Fatalf("event=%+v acked=%v", c.PendingEvent, pic.acked)
	}
}

func TestInterruptsDisabledLeavesStateAlone(t *testing.T) {
	tests := []struct {
		name   string
		rflags uint64
		state  uint64
	}{
		{"if clear", 0x2, 0},
		{"shadow", 0x202, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, c, eng := setup(t, tt.rflags, tt.state)
			pic := &fakeController{pending: []uint8{0x20}}
			c.Force.Set(cpu.ForceInterruptPIC)

			w, err := New(0, eng, pic, nil, nil).Arbitrate(c)
			if err != nil {
				t.Fatalf("Arbitrate: %v", err)
			}
			if !w.Regular() || w.Threshold() != 0 {
				t.Fatalf("window = %#x", uint8(w))
			}
			if c.EventPending() || len(pic.acked) != 0 {
				t.Fatalf("interrupt injected with interrupts blocked")
			}
			if c.Dirty() != 0 {
				t.Fatalf("registers modified: %s", c.Dirty())
			}
			if !c.Force.Any(cpu.ForceInterruptPIC) {
				t.Fatalf("pending flag cleared")
			}
		})
	}
}

func TestPICDelivery(t *testing.T) {
	_, c, eng := setup(t, 0x202, 0)
	pic := &fakeController{pending: []uint8{0x20, 0x21}}
	c.Force.Set(cpu.ForceInterruptPIC)
	a := New(0, eng, pic, nil, nil)

	w, err := a.Arbitrate(c)
	if err != nil {
		t.Fatalf("Arbitrate: %v", err)
	}
	if c.PendingEvent.Type != hv.PendingEventExtInt || c.PendingEvent.Vector != 0x20 {
		t.Fatalf("event = %+v", c.PendingEvent)
	}
	if !w.Regular() || !c.Force.Any(cpu.ForceInterruptPIC) {
		t.Fatalf("second vector not waited for: window=%#x", uint8(w))
	}

	// The slot is taken until the next exit.
	w, _ = a.Arbitrate(c)
	if len(pic.acked) != 1 || !w.Regular() {
		t.Fatalf("injected into a busy slot: acked=%v", pic.acked)
	}

	c.Externalize(cpu.GroupAll)
	if _, err := a.Arbitrate(c); err != nil {
		t.Fatalf("Arbitrate: %v", err)
	}
	if c.PendingEvent.Vector != 0x21 || c.Force.Any(cpu.ForceInterruptPIC) {
		t.Fatalf("event=%+v force=%#x", c.PendingEvent, c.Force.Load())
	}
}

func TestEmptyAPICFallsBackToPIC(t *testing.T) {
	_, c, eng := setup(t, 0x202, 0)
	pic := &fakeController{pending: []uint8{0x08}}
	apic := &fakeController{}
	c.Force.Set(cpu.ForceInterruptPIC | cpu.ForceInterruptAPIC)

	if _, err := New(0, eng, pic, apic, nil).Arbitrate(c); err != nil {
		t.Fatalf("Arbitrate: %v", err)
	}
	if c.PendingEvent.Vector != 0x08 || c.Force.Any(cpu.ForceInterruptAPIC) {
		t.Fatalf("event=%+v force=%#x", c.PendingEvent, c.Force.Load())
	}
}

func TestTPRMasking(t *testing.T) {
	for v := 0x10; v <= 0xff; v += 0x07 {
		for _, tpr := range []uint8{0x00, 0x20, 0x4f, 0x80, 0xf0} {
			_, c, eng := setup(t, 0x202, 0)
			apic := &fakeController{pending: []uint8{uint8(v)}, tpr: tpr}
			c.Force.Set(cpu.ForceInterruptAPIC)

			w, err := New(0, eng, nil, apic, nil).Arbitrate(c)
			if err != nil {
				t.Fatalf("Arbitrate: %v", err)
			}
			masked := uint8(v)>>4 <= tpr>>4
			if masked {
				if c.EventPending() || len(apic.acked) != 0 {
					t.Fatalf("v=%#x tpr=%#x: injected a masked vector", v, tpr)
				}
				if !w.Regular() || w.Threshold() != uint8(v)>>4 {
					t.Fatalf("v=%#x tpr=%#x: window=%#x", v, tpr, uint8(w))
				}
			} else if c.PendingEvent.Vector != uint8(v) {
				t.Fatalf("v=%#x tpr=%#x: event=%+v", v, tpr, c.PendingEvent)
			}
		}
	}
}
