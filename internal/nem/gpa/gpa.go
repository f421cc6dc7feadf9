// Package gpa mirrors what the host partition grants for each guest-physical
// page and moves pages between states with the host's map and unmap calls.
//
// A page is only ever remapped through Unmapped: the host does not support
// changing the backing or protection of a live mapping in place.
package gpa

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/tinyrange/nem/internal/hv"
	"github.com/tinyrange/nem/internal/timeslice"
)

const (
	PageShift = 12
	PageSize  = 1 << PageShift
	PageMask  = PageSize - 1
)

var (
	// ErrMapFailed wraps a host refusal to map a page. It is fatal.
	ErrMapFailed = errors.New("gpa: map failed")

	ErrDirtyTrackingUnsupported = errors.New("gpa: dirty tracking not supported by host")
)

var (
	tsMap   = timeslice.RegisterKind("gpa_map", 0)
	tsUnmap = timeslice.RegisterKind("gpa_unmap", 0)
)

// PageState is what the host currently grants for a page. States are
// ordered: a larger state covers every access a smaller one does.
type PageState uint8

const (
	Unmapped PageState = iota
	Readable
	Writable
)

func (s PageState) String() string {
	switch s {
	case Unmapped:
		return "unmapped"
	case Readable:
		return "readable"
	case Writable:
		return "writable"
	default:
		return fmt.Sprintf("PageState(%d)", uint8(s))
	}
}

// Covers reports whether a page in state s can serve access.
func (s PageState) Covers(access hv.AccessType) bool {
	return s >= required(access)
}

func required(access hv.AccessType) PageState {
	if access == hv.AccessWrite {
		return Writable
	}
	return Readable
}

// Prot is the protection the memory manager allows for a page.
type Prot uint8

const (
	ProtRead Prot = 1 << iota
	ProtWrite
	ProtExecute

	ProtNone Prot = 0
	ProtRW        = ProtRead | ProtWrite
	ProtRWX       = ProtRead | ProtWrite | ProtExecute
	ProtRX        = ProtRead | ProtExecute
)

func (p Prot) allows(access hv.AccessType) bool {
	switch access {
	case hv.AccessRead:
		return p&ProtRead != 0
	case hv.AccessWrite:
		return p&ProtWrite != 0
	case hv.AccessExecute:
		return p&ProtExecute != 0
	default:
		return false
	}
}

// PageInfo is the memory manager's view of a page. A nil Backing means the
// page has no RAM behind it and every access goes through the emulator.
type PageInfo struct {
	Backing []byte
	Prot    Prot
}

func (i PageInfo) same(o PageInfo) bool {
	if i.Prot != o.Prot || len(i.Backing) != len(o.Backing) {
		return false
	}
	if len(i.Backing) == 0 {
		return (i.Backing == nil) == (o.Backing == nil)
	}
	return &i.Backing[0] == &o.Backing[0]
}

// PageEntry is the per-page record owned by the memory manager. State never
// exceeds what the host last granted.
type PageEntry struct {
	State PageState
	Info  PageInfo

	// EmulationOnly pages are never mapped; accesses always go through the
	// instruction emulator.
	EmulationOnly bool
	// TrackDirty pages are mapped with host write tracking.
	TrackDirty bool
}

// MemoryManager owns the page entries and their locking. WithPage runs fn
// with the entry of the page containing gpa, atomically with respect to any
// other WithPage on the same page.
type MemoryManager interface {
	WithPage(gpa uint64, fn func(e *PageEntry) error) error
}

// Outcome is the result of Ensure.
type Outcome uint8

const (
	// Satisfied means the page already covered the access.
	Satisfied Outcome = iota
	// Mapped means the page was (re)mapped and the access can be retried.
	Mapped
	// Emulate means the access cannot be served by a mapping.
	Emulate
)

func (o Outcome) String() string {
	switch o {
	case Satisfied:
		return "satisfied"
	case Mapped:
		return "mapped"
	case Emulate:
		return "emulate"
	default:
		return fmt.Sprintf("Outcome(%d)", uint8(o))
	}
}

type Stats struct {
	Maps           uint64
	Unmaps         uint64
	UnmapFailures  uint64
	EmulatedAccess uint64
}

type counters struct {
	maps           atomic.Uint64
	unmaps         atomic.Uint64
	unmapFailures  atomic.Uint64
	emulatedAccess atomic.Uint64
}

// Machine drives page states for one partition. It is shared by every
// virtual CPU; all per-page serialisation comes from the memory manager.
type Machine struct {
	part    hv.Partition
	mem     MemoryManager
	tracker hv.DirtyTracker
	log     *slog.Logger

	stats counters
}

// New returns a machine over part. When part implements hv.DirtyTracker,
// QueryDirty is available.
func New(part hv.Partition, mem MemoryManager, log *slog.Logger) *Machine {
	if log == nil {
		log = slog.Default()
	}
	m := &Machine{
		part: part,
		mem:  mem,
		log:  log,
	}
	if t, ok := part.(hv.DirtyTracker); ok {
		m.tracker = t
	}
	return m
}

func (m *Machine) Stats() Stats {
	return Stats{
		Maps:           m.stats.maps.Load(),
		Unmaps:         m.stats.unmaps.Load(),
		UnmapFailures:  m.stats.unmapFailures.Load(),
		EmulatedAccess: m.stats.emulatedAccess.Load(),
	}
}

// Ensure makes the page containing addr cover access, or reports that the
// access has to be emulated.
func (m *Machine) Ensure(addr uint64, access hv.AccessType) (Outcome, error) {
	page := addr &^ PageMask
	outcome := Emulate
	err := m.mem.WithPage(page, func(e *PageEntry) error {
		var err error
		outcome, err = m.ensure(page, e, access)
		return err
	})
	if err != nil {
		return Emulate, err
	}
	if outcome == Emulate {
		m.stats.emulatedAccess.Add(1)
	}
	return outcome, nil
}

func (m *Machine) ensure(page uint64, e *PageEntry, access hv.AccessType) (Outcome, error) {
	if e.EmulationOnly {
		m.unmapLocked(page, e)
		return Emulate, nil
	}
	// Checked before the cached state: a Readable page is not mapped
	// executable unless its protection allows it.
	if len(e.Info.Backing) < PageSize || !e.Info.Prot.allows(access) {
		return Emulate, nil
	}
	if e.State.Covers(access) {
		return Satisfied, nil
	}

	m.unmapLocked(page, e)

	want := required(access)
	flags := hv.MapRead
	if want == Writable {
		flags |= hv.MapWrite
	}
	if e.Info.Prot&ProtExecute != 0 {
		flags |= hv.MapExecute
	}
	if e.TrackDirty {
		flags |= hv.MapTrackDirty
	}

	start := time.Now()
	if err := m.part.MapGPARange(e.Info.Backing[:PageSize], page, flags); err != nil {
		return Emulate, fmt.Errorf("%w: gpa %#x flags %s: %w", ErrMapFailed, page, flags, err)
	}
	timeslice.Record(tsMap, time.Since(start))
	m.stats.maps.Add(1)
	e.State = want

	m.log.Debug("gpa: mapped", "gpa", fmt.Sprintf("%#x", page), "state", want.String())
	return Mapped, nil
}

// unmapLocked drops the host mapping of a page. A host failure is logged and
// the page is still treated as Unmapped; the next map supersedes it.
func (m *Machine) unmapLocked(page uint64, e *PageEntry) {
	if e.State == Unmapped {
		return
	}
	start := time.Now()
	if err := m.part.UnmapGPARange(page, PageSize); err != nil {
		m.stats.unmapFailures.Add(1)
		m.log.Warn("gpa: unmap failed", "gpa", fmt.Sprintf("%#x", page), "state", e.State.String(), "err", err)
	} else {
		timeslice.Record(tsUnmap, time.Since(start))
		m.stats.unmaps.Add(1)
	}
	e.State = Unmapped
}

// Unmap drops the mapping of the page containing addr. Unmapping an
// Unmapped page issues no host call.
func (m *Machine) Unmap(addr uint64) error {
	page := addr &^ PageMask
	return m.mem.WithPage(page, func(e *PageEntry) error {
		m.unmapLocked(page, e)
		return nil
	})
}

// PageChanged installs new backing or protection for a page. Any change
// passes through Unmapped; the next access maps the new backing.
func (m *Machine) PageChanged(addr uint64, info PageInfo) error {
	page := addr &^ PageMask
	return m.mem.WithPage(page, func(e *PageEntry) error {
		if e.Info.same(info) {
			return nil
		}
		m.unmapLocked(page, e)
		e.Info = info
		return nil
	})
}

// ForceEmulationOnly marks the page containing addr as never mapped, or
// releases it again.
func (m *Machine) ForceEmulationOnly(addr uint64, on bool) error {
	page := addr &^ PageMask
	return m.mem.WithPage(page, func(e *PageEntry) error {
		e.EmulationOnly = on
		if on {
			m.unmapLocked(page, e)
		}
		return nil
	})
}

// ResetRange returns every page in [addr, addr+size) to Unmapped, as done on
// VM reset, memory unregistration or region remapping.
func (m *Machine) ResetRange(addr, size uint64) error {
	if size == 0 {
		return nil
	}
	start := addr &^ PageMask
	end := addr + size
	if end < addr {
		return fmt.Errorf("gpa: reset range %#x+%#x overflows", addr, size)
	}
	for page := start; page < end; page += PageSize {
		if err := m.Unmap(page); err != nil {
			return fmt.Errorf("gpa: reset %#x: %w", page, err)
		}
		if page+PageSize < page {
			break
		}
	}
	return nil
}

// QueryDirty returns and clears the host's write bitmap for a range. Bit n
// covers the n-th page.
func (m *Machine) QueryDirty(addr, size uint64) ([]uint64, error) {
	if m.tracker == nil {
		return nil, ErrDirtyTrackingUnsupported
	}
	bitmap, err := m.tracker.QueryDirtyBitmap(addr&^PageMask, size)
	if err != nil {
		return nil, fmt.Errorf("gpa: query dirty %#x+%#x: %w", addr, size, err)
	}
	return bitmap, nil
}

// State returns the cached state of the page containing addr.
func (m *Machine) State(addr uint64) (PageState, error) {
	var s PageState
	err := m.mem.WithPage(addr&^PageMask, func(e *PageEntry) error {
		s = e.State
		return nil
	})
	return s, err
}
