package dispatch

import (
	"github.com/tinyrange/nem/internal/hv"
	"github.com/tinyrange/nem/internal/nem/cpu"
)

func (d *Dispatcher) cpuid(c *cpu.Context, e *hv.ExitCPUID) (Action, error) {
	// Hot CPUID sites are usually polling loops and go to the emulator.
	if n := d.cfg.Options.CPUIDEmulationThreshold; n > 0 {
		if len(d.cpuidHistory) >= maxCPUIDHistory {
			clear(d.cpuidHistory)
		}
		d.cpuidHistory[e.Rip]++
		if d.cpuidHistory[e.Rip] >= n {
			delete(d.cpuidHistory, e.Rip)
			d.stats.CPUIDEmulated++
			return d.emulate(c, e.Kind(), nil)
		}
	}

	c.SetGPR(cpu.RAX, e.DefaultRax&0xffffffff)
	c.SetGPR(cpu.RCX, e.DefaultRcx&0xffffffff)
	c.SetGPR(cpu.RDX, e.DefaultRdx&0xffffffff)
	c.SetGPR(cpu.RBX, e.DefaultRbx&0xffffffff)
	if err := d.advance(c, &e.ExitHeader); err != nil {
		return 0, &FatalError{Kind: InternalError, Exit: e.Kind(), Err: err}
	}
	return Resume, nil
}
