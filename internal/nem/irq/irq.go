// Package irq decides, once per run-loop iteration, whether a pending NMI or
// external interrupt can be injected into a virtual CPU, and otherwise which
// interrupt window to ask the host for.
package irq

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/nem/internal/nem/cpu"
)

// ErrSMIUnsupported is returned when a system management interrupt is
// pending. SMI delivery is not implemented.
var ErrSMIUnsupported = errors.New("irq: SMI delivery is not supported")

// Controller is an interrupt controller device model.
type Controller interface {
	// NextPendingVector returns the highest priority pending vector without
	// acknowledging it.
	NextPendingVector() (vector uint8, ok bool)
	// Acknowledge moves vector from pending to in service.
	Acknowledge(vector uint8) error
	// TPR returns the task priority register. Controllers without a notion
	// of priority return 0.
	TPR() uint8
}

// LocalEventSink receives local APIC events the host reports when it
// emulates the APIC itself.
type LocalEventSink interface {
	EOI(cpu int, vector uint8) error
	InitSipi(cpu int, icr uint64) error
}

// Importer fetches register groups from the host. statesync.Engine
// implements it.
type Importer interface {
	Import(c *cpu.Context, mask cpu.Group) error
}

type Stats struct {
	NMIInjected     uint64
	ExtIntInjected  uint64
	MaskedByTPR     uint64
	WindowRequested uint64
}

// Arbiter serves one virtual CPU.
type Arbiter struct {
	index int
	sync  Importer
	pic   Controller
	apic  Controller
	log   *slog.Logger

	stats Stats
}

// New returns an arbiter. Either controller may be nil when the platform
// lacks it.
func New(index int, sync Importer, pic, apic Controller, log *slog.Logger) *Arbiter {
	if log == nil {
		log = slog.Default()
	}
	return &Arbiter{index: index, sync: sync, pic: pic, apic: apic, log: log}
}

func (a *Arbiter) Stats() Stats { return a.stats }

// Arbitrate injects at most one event and records the window request for the
// coming run in c.Window.
func (a *Arbiter) Arbitrate(c *cpu.Context) (cpu.WindowRequest, error) {
	w, err := a.arbitrate(c)
	if err != nil {
		return 0, err
	}
	if w != 0 {
		a.stats.WindowRequested++
	}
	c.Window = w
	return w, nil
}

func (a *Arbiter) arbitrate(c *cpu.Context) (cpu.WindowRequest, error) {
	force := c.Force.Load()
	if force&cpu.ForceSMI != 0 {
		return 0, ErrSMIUnsupported
	}
	if force&cpu.ForceInterrupts == 0 {
		return 0, nil
	}

	if err := a.sync.Import(c, cpu.GroupRflags|cpu.GroupInhibit); err != nil {
		return 0, fmt.Errorf("irq: import interrupt state: %w", err)
	}

	// Only one event fits in the injection slot, and the host keeps an
	// interrupted delivery in it until the next entry. Anything else waits
	// for the next exit.
	busy := c.EventPending() || c.InterruptionPending

	// A pending NMI holds back every hardware interrupt until it is
	// delivered.
	if force&cpu.ForceNMI != 0 {
		if !busy && !c.InterruptShadow && !c.NMIBlocked {
			c.InjectNMI()
			c.Force.Clear(cpu.ForceNMI)
			a.stats.NMIInjected++
			a.log.Debug("irq: nmi injected", "cpu", a.index)
			return 0, nil
		}
		return cpu.WindowNMI, nil
	}

	if force&(cpu.ForceInterruptPIC|cpu.ForceInterruptAPIC) == 0 {
		return 0, nil
	}
	if busy || c.Rflags&cpu.FlagIF == 0 || c.InterruptShadow {
		return cpu.WindowRegular, nil
	}

	if force&cpu.ForceInterruptAPIC != 0 {
		if a.apic == nil {
			c.Force.Clear(cpu.ForceInterruptAPIC)
		} else if v, ok := a.apic.NextPendingVector(); !ok {
			c.Force.Clear(cpu.ForceInterruptAPIC)
		} else {
			tpr := a.apic.TPR()
			if v>>4 <= tpr>>4 {
				a.stats.MaskedByTPR++
				return cpu.WindowRegular.WithThreshold(v>>4), nil
			}
			return a.deliver(c, a.apic, cpu.ForceInterruptAPIC, v)
		}
	}

	if force&cpu.ForceInterruptPIC != 0 {
		if a.pic == nil {
			c.Force.Clear(cpu.ForceInterruptPIC)
		} else if v, ok := a.pic.NextPendingVector(); !ok {
			c.Force.Clear(cpu.ForceInterruptPIC)
		} else {
			return a.deliver(c, a.pic, cpu.ForceInterruptPIC, v)
		}
	}
	return 0, nil
}

func (a *Arbiter) deliver(c *cpu.Context, src Controller, flag cpu.ForceFlags, v uint8) (cpu.WindowRequest, error) {
	if err := src.Acknowledge(v); err != nil {
		return 0, fmt.Errorf("irq: acknowledge vector %#x: %w", v, err)
	}
	c.InjectExtInt(v)
	a.stats.ExtIntInjected++
	a.log.Debug("irq: interrupt injected", "cpu", a.index, "vector", v)

	if _, more := src.NextPendingVector(); more {
		return cpu.WindowRegular, nil
	}
	c.Force.Clear(flag)
	return 0, nil
}
