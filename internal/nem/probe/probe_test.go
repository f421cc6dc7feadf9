package probe

import (
	"errors"
	"testing"

	"github.com/tinyrange/nem/internal/hv"
	"github.com/tinyrange/nem/internal/hv/hvtest"
	"github.com/tinyrange/nem/internal/nem/config"
)

func TestCheckCapabilities(t *testing.T) {
	full := hvtest.NewHypervisor().Caps

	tests := []struct {
		name   string
		mutate func(*hv.Capabilities, *config.Config)
		want   error
	}{
		{"default host", func(*hv.Capabilities, *config.Config) {}, nil},
		{"absent", func(c *hv.Capabilities, _ *config.Config) { c.Present = false }, ErrHostUnavailable},
		{"no msr exits", func(c *hv.Capabilities, _ *config.Config) { c.MsrExits = false }, ErrHostIncompatible},
		{"no exception exits", func(c *hv.Capabilities, _ *config.Config) { c.ExceptionExits = false }, ErrHostIncompatible},
		{"old host", func(c *hv.Capabilities, _ *config.Config) { c.Version = "10.0.17134" }, ErrHostIncompatible},
		{"exact minimum", func(c *hv.Capabilities, _ *config.Config) { c.Version = "v10.0.17763" }, nil},
		{"garbage version", func(c *hv.Capabilities, _ *config.Config) { c.Version = "unknown" }, ErrHostIncompatible},
		{"no version gate", func(c *hv.Capabilities, cfg *config.Config) {
			c.Version = ""
			cfg.MinHostVersion = ""
		}, nil},
		{"apic emulation wanted", func(c *hv.Capabilities, cfg *config.Config) { cfg.HostEmulatedAPIC = true }, ErrHostIncompatible},
		{"dirty tracking wanted", func(c *hv.Capabilities, cfg *config.Config) {
			c.DirtyTracking = false
			cfg.DirtyTracking = true
		}, ErrHostIncompatible},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			caps := full
			cfg := config.Default()
			tt.mutate(&caps, &cfg)
			err := CheckCapabilities(caps, cfg)
			if tt.want == nil {
				if err != nil {
					t.Fatalf("CheckCapabilities: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Fatalf("CheckCapabilities = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestOpen(t *testing.T) {
	h, caps, err := Open(func() (hv.Hypervisor, error) { return hvtest.NewHypervisor(), nil }, config.Default())
	if err != nil || h == nil || !caps.Present {
		t.Fatalf("Open = %v, %+v, %v", h, caps, err)
	}

	_, _, err = Open(func() (hv.Hypervisor, error) { return nil, hv.ErrHypervisorUnsupported }, config.Default())
	if !errors.Is(err, ErrHostUnavailable) || !errors.Is(err, hv.ErrHypervisorUnsupported) {
		t.Fatalf("Open on unsupported platform = %v", err)
	}

	old := hvtest.NewHypervisor()
	old.Caps.Version = "v6.3.9600"
	if _, _, err := Open(func() (hv.Hypervisor, error) { return old, nil }, config.Default()); !errors.Is(err, ErrHostIncompatible) {
		t.Fatalf("Open on old host = %v", err)
	}
}
