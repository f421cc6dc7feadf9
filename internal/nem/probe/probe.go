// Package probe decides at start-up whether the host can run the core.
package probe

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tinyrange/nem/internal/hv"
	"github.com/tinyrange/nem/internal/nem/config"
	"golang.org/x/mod/semver"
)

var (
	ErrHostUnavailable  = errors.New("probe: hypervisor platform unavailable")
	ErrHostIncompatible = errors.New("probe: hypervisor platform incompatible")
)

// Check queries h and validates its capabilities against cfg.
func Check(h hv.Hypervisor, cfg config.Config) (hv.Capabilities, error) {
	if h == nil {
		return hv.Capabilities{}, ErrHostUnavailable
	}
	if arch := h.Architecture(); arch != hv.ArchitectureX86_64 {
		return hv.Capabilities{}, fmt.Errorf("%w: architecture %s", ErrHostIncompatible, arch)
	}
	caps, err := h.Capabilities()
	if err != nil {
		return hv.Capabilities{}, fmt.Errorf("%w: %w", ErrHostUnavailable, err)
	}
	if err := CheckCapabilities(caps, cfg); err != nil {
		return caps, err
	}
	return caps, nil
}

// Open wraps a host constructor so that "not on this platform" surfaces as
// ErrHostUnavailable.
func Open(open func() (hv.Hypervisor, error), cfg config.Config) (hv.Hypervisor, hv.Capabilities, error) {
	h, err := open()
	if err != nil {
		return nil, hv.Capabilities{}, fmt.Errorf("%w: %w", ErrHostUnavailable, err)
	}
	caps, err := Check(h, cfg)
	if err != nil {
		h.Close()
		return nil, hv.Capabilities{}, err
	}
	return h, caps, nil
}

func CheckCapabilities(caps hv.Capabilities, cfg config.Config) error {
	if !caps.Present {
		return ErrHostUnavailable
	}

	var missing []string
	if !caps.MsrExits {
		missing = append(missing, "msr exits")
	}
	if !caps.CpuidExits {
		missing = append(missing, "cpuid exits")
	}
	if !caps.ExceptionExits {
		missing = append(missing, "exception exits")
	}
	if cfg.HostEmulatedAPIC && !caps.ApicEmulation {
		missing = append(missing, "apic emulation")
	}
	if cfg.DirtyTracking && !caps.DirtyTracking {
		missing = append(missing, "dirty tracking")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrHostIncompatible, strings.Join(missing, ", "))
	}

	if cfg.MinHostVersion != "" {
		version := caps.Version
		if version != "" && version[0] != 'v' {
			version = "v" + version
		}
		if !semver.IsValid(version) {
			return fmt.Errorf("%w: unparseable host version %q", ErrHostIncompatible, caps.Version)
		}
		if semver.Compare(version, cfg.MinHostVersion) < 0 {
			return fmt.Errorf("%w: host version %s is older than %s", ErrHostIncompatible, version, cfg.MinHostVersion)
		}
	}
	return nil
}
