// Package a20 keeps the legacy high memory area out of the host partition
// while the guest has the A20 gate disabled, so that the instruction
// emulator can apply the 20-bit address wrap.
package a20

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

const (
	// WindowStart and WindowEnd bound the high memory area: the 64KiB above
	// 1MiB that aliases low memory when address line 20 is masked.
	WindowStart uint64 = 0x100000
	WindowEnd   uint64 = 0x110000

	pageSize = 0x1000
)

// PageForcer pins pages to emulation. gpa.Machine implements it.
type PageForcer interface {
	ForceEmulationOnly(addr uint64, on bool) error
}

type Options struct {
	// Locked fixes the gate enabled for the VM lifetime; guest requests to
	// change it are ignored.
	Locked bool
	// Strict refuses hardware execution entirely while the gate is disabled.
	Strict bool
}

// Shim tracks the A20 gate and forces the window pages accordingly.
type Shim struct {
	pages PageForcer
	opts  Options
	log   *slog.Logger

	mu      sync.Mutex // serialises gate changes
	enabled atomic.Bool
	forced  atomic.Bool // window fully pinned to emulation
}

// New returns a shim with the gate enabled, as after reset.
func New(pages PageForcer, opts Options, log *slog.Logger) *Shim {
	if log == nil {
		log = slog.Default()
	}
	s := &Shim{pages: pages, opts: opts, log: log}
	s.enabled.Store(true)
	return s
}

// Enabled reports whether address line 20 is passed through.
func (s *Shim) Enabled() bool { return s.enabled.Load() }

// Locked reports whether the gate is fixed.
func (s *Shim) Locked() bool { return s.opts.Locked }

// InWindow reports whether addr lies in the high memory area.
func InWindow(addr uint64) bool {
	return addr >= WindowStart && addr < WindowEnd
}

// Emulated reports whether an access to addr must be emulated because of
// the gate state.
func (s *Shim) Emulated(addr uint64) bool {
	return !s.enabled.Load() && InWindow(addr)
}

// SetGate applies a guest request to open or close the gate.
func (s *Shim) SetGate(enabled bool) error {
	if s.opts.Locked {
		s.log.Debug("a20: gate change ignored, locked", "enabled", enabled)
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.enabled.Load() == enabled && (enabled || s.forced.Load()) {
		return nil
	}
	s.enabled.Store(enabled)

	if !enabled {
		s.forced.Store(false)
		for page := WindowStart; page < WindowEnd; page += pageSize {
			if err := s.pages.ForceEmulationOnly(page, true); err != nil {
				return fmt.Errorf("a20: force %#x to emulation: %w", page, err)
			}
		}
		s.forced.Store(true)
		s.log.Debug("a20: gate disabled")
		return nil
	}

	s.forced.Store(false)
	for page := WindowStart; page < WindowEnd; page += pageSize {
		if err := s.pages.ForceEmulationOnly(page, false); err != nil {
			return fmt.Errorf("a20: release %#x: %w", page, err)
		}
	}
	s.log.Debug("a20: gate enabled")
	return nil
}

// CanExecute reports whether the guest may run on the host. With the gate
// disabled that needs a non-strict configuration and a fully forced window.
func (s *Shim) CanExecute() bool {
	if s.enabled.Load() {
		return true
	}
	return !s.opts.Strict && s.forced.Load()
}
