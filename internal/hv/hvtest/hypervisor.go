package hvtest

import (
	"fmt"

	"github.com/tinyrange/nem/internal/hv"
)

// Hypervisor hands out scripted partitions and reports fixed capabilities.
type Hypervisor struct {
	Caps hv.Capabilities

	// Partitions lists every partition created so far.
	Partitions []*Partition
}

var _ hv.Hypervisor = &Hypervisor{}

// NewHypervisor returns a host that claims every capability the core uses.
func NewHypervisor() *Hypervisor {
	return &Hypervisor{
		Caps: hv.Capabilities{
			Present:        true,
			Version:        "v10.0.22621",
			MsrExits:       true,
			CpuidExits:     true,
			ExceptionExits: true,
			DirtyTracking:  true,
		},
	}
}

func (h *Hypervisor) Architecture() hv.CpuArchitecture { return hv.ArchitectureX86_64 }

func (h *Hypervisor) Capabilities() (hv.Capabilities, error) { return h.Caps, nil }

func (h *Hypervisor) NewPartition(cpuCount int) (hv.Partition, error) {
	if !h.Caps.Present {
		return nil, hv.ErrHypervisorUnsupported
	}
	if cpuCount <= 0 {
		return nil, fmt.Errorf("hvtest: invalid cpu count %d", cpuCount)
	}
	p := New(cpuCount)
	if h.Caps.DirtyTracking {
		p.EnableDirtyTracking()
	}
	h.Partitions = append(h.Partitions, p)
	return p, nil
}

func (h *Hypervisor) Close() error {
	for _, p := range h.Partitions {
		p.Close()
	}
	return nil
}
