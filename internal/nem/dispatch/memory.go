package dispatch

import (
	"github.com/tinyrange/nem/internal/hv"
	"github.com/tinyrange/nem/internal/nem/cpu"
	"github.com/tinyrange/nem/internal/nem/gpa"
)

func (d *Dispatcher) memoryAccess(c *cpu.Context, e *hv.ExitMemoryAccess) (Action, error) {
	if d.cfg.A20 != nil && d.cfg.A20.Emulated(e.GPA) {
		return d.emulate(c, e.Kind(), e.InstructionBytes)
	}

	out, err := d.cfg.Pages.Ensure(e.GPA, e.Access)
	if err != nil {
		return 0, &FatalError{Kind: MappingFailure, Exit: e.Kind(), Err: err}
	}
	switch out {
	case gpa.Satisfied, gpa.Mapped:
		return Resume, nil
	case gpa.Emulate:
		return d.emulate(c, e.Kind(), e.InstructionBytes)
	default:
		return 0, fatal(InternalError, e.Kind(), "unknown page outcome %s", out)
	}
}

