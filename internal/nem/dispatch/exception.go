package dispatch

import (
	"errors"
	"fmt"

	"github.com/tinyrange/nem/internal/hv"
	"github.com/tinyrange/nem/internal/nem/cpu"
)

const (
	backdoorPort  = 0x5658
	backdoorMagic = 0x564d5868
)

var errNoEventSink = errors.New("no local event sink configured")

// isHypercall matches VMCALL (0f 01 c1) and VMMCALL (0f 01 d9).
func isHypercall(b []byte) bool {
	return len(b) >= 3 && b[0] == 0x0f && b[1] == 0x01 && (b[2] == 0xc1 || b[2] == 0xd9)
}

// isPortIn matches IN AL/AX/EAX, DX with an optional operand size prefix.
func isPortIn(b []byte) bool {
	for len(b) > 0 && b[0] == 0x66 {
		b = b[1:]
	}
	return len(b) > 0 && (b[0] == 0xec || b[0] == 0xed)
}

func (d *Dispatcher) exception(c *cpu.Context, e *hv.ExitException) (Action, error) {
	switch e.Vector {
	case hv.VectorUD:
		if d.cfg.Options.Hypercalls && d.cfg.Hypercalls != nil && isHypercall(e.InstructionBytes) {
			if err := d.cfg.Sync.Import(c, cpu.GroupGPRs); err != nil {
				return 0, &FatalError{Kind: InternalError, Exit: e.Kind(), Err: err}
			}
			handled, err := d.cfg.Hypercalls.Hypercall(c)
			if err != nil {
				return 0, &FatalError{Kind: InternalError, Exit: e.Kind(), Err: fmt.Errorf("hypercall: %w", err)}
			}
			if handled {
				d.stats.Hypercalls++
				c.MarkDirty(cpu.GroupGPRs)
				h := e.ExitHeader
				h.InstructionLength = 3
				if err := d.advance(c, &h); err != nil {
					return 0, &FatalError{Kind: InternalError, Exit: e.Kind(), Err: err}
				}
				return Resume, nil
			}
		}
	case hv.VectorGP:
		if d.cfg.Options.VMwareBackdoor {
			if isPortIn(e.InstructionBytes) {
				if err := d.cfg.Sync.Import(c, cpu.GroupRax|cpu.GroupRdx); err != nil {
					return 0, &FatalError{Kind: InternalError, Exit: e.Kind(), Err: err}
				}
				if uint16(c.GPR[cpu.RDX]) == backdoorPort && uint32(c.GPR[cpu.RAX]) == backdoorMagic {
					return d.emulate(c, e.Kind(), e.InstructionBytes)
				}
			}
		}
	}
	return d.reinject(c, e)
}

func (d *Dispatcher) reinject(c *cpu.Context, e *hv.ExitException) (Action, error) {
	d.stats.Reinjected++
	if e.Vector == hv.VectorPF {
		c.Cr2 = e.Parameter
		c.MarkDirty(cpu.GroupCr2)
	}
	var length uint8
	if e.Vector == hv.VectorBP {
		length = e.InstructionLength
	}
	c.InjectException(e.Vector, e.ErrorCode, e.HasErrorCode, length)
	return Resume, nil
}

// unrecoverable gives the emulator one instruction before the exit is
// declared a triple fault.
func (d *Dispatcher) unrecoverable(c *cpu.Context, e *hv.ExitUnrecoverable) (Action, error) {
	return d.emulate(c, e.Kind(), nil)
}

func (d *Dispatcher) interruptWindow(c *cpu.Context, e *hv.ExitInterruptWindow) (Action, error) {
	c.RegisteredWindow = 0
	return Resume, nil
}

func (d *Dispatcher) apicEOI(c *cpu.Context, e *hv.ExitApicEOI) (Action, error) {
	if d.cfg.Events == nil {
		return 0, &FatalError{Kind: InternalError, Exit: e.Kind(), Err: errNoEventSink}
	}
	if err := d.cfg.Events.EOI(d.cfg.Index, e.Vector); err != nil {
		return 0, &FatalError{Kind: InternalError, Exit: e.Kind(), Err: err}
	}
	return Resume, nil
}

func (d *Dispatcher) apicInitSipi(c *cpu.Context, e *hv.ExitApicInitSipi) (Action, error) {
	if d.cfg.Events == nil {
		return 0, &FatalError{Kind: InternalError, Exit: e.Kind(), Err: errNoEventSink}
	}
	if err := d.cfg.Events.InitSipi(d.cfg.Index, e.ICR); err != nil {
		return 0, &FatalError{Kind: InternalError, Exit: e.Kind(), Err: err}
	}
	return Resume, nil
}

func (d *Dispatcher) halt(c *cpu.Context, e *hv.ExitHalt) (Action, error) {
	return Halt, nil
}

func (d *Dispatcher) unsupported(c *cpu.Context, e *hv.ExitUnsupported) (Action, error) {
	return 0, fatal(UnrecognizedExit, e.Kind(), "unsupported feature %#x (parameter %#x)", e.Feature, e.Parameter)
}
