package main

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/nem/internal/nem/cpu"
	"github.com/tinyrange/nem/internal/nem/dispatch"
)

// deviceBus completes port and memory-mapped accesses. chipset.Chipset
// implements it.
type deviceBus interface {
	dispatch.PortBus
	HandleMMIO(addr uint64, data []byte, isWrite bool) error
}

// scriptedEmulator completes instructions from a list of outcomes. With the
// list exhausted the CPU halts.
type scriptedEmulator struct {
	index int
	steps []EmuStep
	bus   deviceBus
	log   *slog.Logger

	executed int
}

var _ dispatch.Emulator = &scriptedEmulator{}

func (e *scriptedEmulator) ExecuteOne(c *cpu.Context, prefetched []byte) (dispatch.EmuStatus, error) {
	if err := c.Require(cpu.GroupEmulator); err != nil {
		return 0, err
	}
	if len(e.steps) == 0 {
		e.log.Debug("nemreplay: emulator script exhausted", "cpu", e.index, "rip", fmt.Sprintf("%#x", c.Rip))
		return dispatch.EmuHalt, nil
	}
	step := e.steps[0]
	e.steps = e.steps[1:]
	e.executed++

	status, err := parseEmuStatus(step.Status)
	if err != nil {
		return 0, err
	}

	if step.IO != nil {
		if err := e.access(c, step.IO, func(data []byte, write bool) error {
			return e.bus.HandlePIO(step.IO.Port, data, write)
		}); err != nil {
			return 0, err
		}
	}
	if step.MMIO != nil {
		if err := e.access(c, step.MMIO, func(data []byte, write bool) error {
			return e.bus.HandleMMIO(step.MMIO.Addr, data, write)
		}); err != nil {
			return 0, err
		}
	}
	if step.Rax != nil {
		c.SetGPR(cpu.RAX, *step.Rax)
	}
	if step.Rip != nil {
		c.SetRip(*step.Rip)
	} else if status == dispatch.EmuDone {
		c.AdvanceRip(uint8(len(prefetched)))
	}

	e.log.Debug("nemreplay: emulated", "cpu", e.index, "status", status, "rip", fmt.Sprintf("%#x", c.Rip))
	return status, nil
}

// access performs io through handle. A read is merged into RAX.
func (e *scriptedEmulator) access(c *cpu.Context, io *EmuIO, handle func(data []byte, write bool) error) error {
	size := io.Size
	if size == 0 {
		size = 1
	}
	data := make([]byte, size)
	if io.Write {
		for i := range data {
			data[i] = byte(io.Value >> (8 * i))
		}
		return handle(data, true)
	}
	if err := handle(data, false); err != nil {
		return err
	}
	var v uint64
	for i := range data {
		v |= uint64(data[i]) << (8 * i)
	}
	mask := uint64(1)<<(8*uint(size)) - 1
	c.SetGPR(cpu.RAX, c.GPR[cpu.RAX]&^mask|v)
	return nil
}

// hypercalls answers every hypercall with a zero status.
type hypercalls struct {
	log *slog.Logger
}

func (h hypercalls) Hypercall(c *cpu.Context) (bool, error) {
	h.log.Info("nemreplay: hypercall", "code", fmt.Sprintf("%#x", c.GPR[cpu.RAX]))
	c.SetGPR(cpu.RAX, 0)
	return true, nil
}

// eventLog records local APIC events reported by the host.
type eventLog struct {
	log *slog.Logger
}

func (l eventLog) EOI(cpu int, vector uint8) error {
	l.log.Info("nemreplay: apic eoi", "cpu", cpu, "vector", vector)
	return nil
}

func (l eventLog) InitSipi(cpu int, icr uint64) error {
	l.log.Info("nemreplay: apic init/sipi", "cpu", cpu, "icr", fmt.Sprintf("%#x", icr))
	return nil
}
