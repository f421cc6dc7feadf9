//go:build !(windows && amd64)

package whp

import (
	"fmt"
	"runtime"

	"github.com/tinyrange/nem/internal/hv"
)

var errUnsupported = fmt.Errorf("whp: %w on %s/%s", hv.ErrHypervisorUnsupported, runtime.GOOS, runtime.GOARCH)

// Hypervisor is unavailable off windows/amd64.
type Hypervisor struct{}

var _ hv.Hypervisor = &Hypervisor{}

// Open always fails with hv.ErrHypervisorUnsupported.
func Open(Options) (*Hypervisor, error) { return nil, errUnsupported }

func (h *Hypervisor) Architecture() hv.CpuArchitecture { return hv.ArchitectureInvalid }

func (h *Hypervisor) Capabilities() (hv.Capabilities, error) { return hv.Capabilities{}, nil }

func (h *Hypervisor) NewPartition(int) (hv.Partition, error) { return nil, errUnsupported }

func (h *Hypervisor) Close() error { return nil }
