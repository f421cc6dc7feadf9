package dispatch

import (
	"errors"
	"fmt"

	"github.com/tinyrange/nem/internal/chipset"
	"github.com/tinyrange/nem/internal/hv"
	"github.com/tinyrange/nem/internal/nem/cpu"
)

func (d *Dispatcher) ioPort(c *cpu.Context, e *hv.ExitIOPort) (Action, error) {
	// String and repeated forms walk guest memory; the emulator owns them.
	if e.String || e.Rep {
		return d.emulate(c, e.Kind(), e.InstructionBytes)
	}
	if e.Size != 1 && e.Size != 2 && e.Size != 4 {
		return 0, fatal(MalformedExit, e.Kind(), "port %#x access size %d", e.Port, e.Size)
	}
	if e.InstructionLength == 0 {
		return 0, fatal(MalformedExit, e.Kind(), "port %#x exit without instruction length", e.Port)
	}

	var buf [4]byte
	data := buf[:e.Size]

	if e.Write {
		for i := range data {
			data[i] = byte(e.Rax >> (8 * i))
		}
		if err := d.cfg.Bus.HandlePIO(e.Port, data, true); err != nil {
			if !errors.Is(err, chipset.ErrUnassignedPort) {
				return 0, &FatalError{Kind: InternalError, Exit: e.Kind(), Err: err}
			}
			d.log.Debug("dispatch: write to unassigned port dropped", "port", fmt.Sprintf("%#x", e.Port))
		}
	} else {
		for i := range data {
			data[i] = 0xff
		}
		if err := d.cfg.Bus.HandlePIO(e.Port, data, false); err != nil {
			if !errors.Is(err, chipset.ErrUnassignedPort) {
				return 0, &FatalError{Kind: InternalError, Exit: e.Kind(), Err: err}
			}
			for i := range data {
				data[i] = 0xff
			}
		}
		var v uint64
		for i := range data {
			v |= uint64(data[i]) << (8 * i)
		}
		rax := e.Rax
		switch e.Size {
		case 4:
			rax = v
		case 2:
			rax = rax&^0xffff | v
		case 1:
			rax = rax&^0xff | v
		}
		c.SetGPR(cpu.RAX, rax)
	}

	if err := d.advance(c, &e.ExitHeader); err != nil {
		return 0, &FatalError{Kind: InternalError, Exit: e.Kind(), Err: err}
	}
	return Resume, nil
}
