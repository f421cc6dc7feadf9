// Package runloop drives one virtual CPU: it arbitrates interrupts, pushes
// local state to the host, enters the guest and hands every exit to the
// dispatcher until something needs the caller's attention.
package runloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/tinyrange/nem/internal/hv"
	"github.com/tinyrange/nem/internal/nem/cpu"
	"github.com/tinyrange/nem/internal/nem/dispatch"
	"github.com/tinyrange/nem/internal/timeslice"
)

var (
	tsPrepare = timeslice.RegisterKind("nem_prepare", 0)
	tsGuest   = timeslice.RegisterKind("nem_guest", timeslice.SliceFlagGuestTime)
	tsHandle  = func() (ids [hv.ExitKindCount]timeslice.TimesliceID) {
		for k := range ids {
			ids[k] = timeslice.RegisterKind("nem_exit_"+hv.ExitKind(k).String(), 0)
		}
		return
	}()
)

// RunState is the cancellation state machine shared between the owning
// goroutine and Cancel.
type RunState uint32

const (
	Idle RunState = iota
	Executing
	ExecutingCancelPending
)

func (s RunState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Executing:
		return "executing"
	case ExecutingCancelPending:
		return "executing_cancel_pending"
	default:
		return fmt.Sprintf("RunState(%d)", uint32(s))
	}
}

// Status says why RunOnce stopped looping.
type Status uint8

const (
	Halted Status = iota
	NeedsEmulation
	Pending
	Canceled
	Rescheduled
)

func (s Status) String() string {
	switch s {
	case Halted:
		return "halted"
	case NeedsEmulation:
		return "needs_emulation"
	case Pending:
		return "pending"
	case Canceled:
		return "canceled"
	case Rescheduled:
		return "rescheduled"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

// Result of one iteration. Status is only meaningful when Continue is false.
type Result struct {
	Continue bool
	Status   Status
}

func stop(s Status) Result { return Result{Status: s} }

// Timer reports the next deadline of the timer subsystem. ok is false when
// nothing is armed.
type Timer interface {
	NextDeadlineHint() (deadline time.Time, ok bool)
}

// Arbiter is satisfied by irq.Arbiter.
type Arbiter interface {
	Arbitrate(c *cpu.Context) (cpu.WindowRequest, error)
}

// Syncer is satisfied by statesync.Engine.
type Syncer interface {
	NeedsExport(c *cpu.Context) bool
	Export(c *cpu.Context) error
}

// Gate is satisfied by a20.Shim.
type Gate interface {
	CanExecute() bool
}

// Handler is satisfied by dispatch.Dispatcher.
type Handler interface {
	Handle(c *cpu.Context, exit hv.ExitContext) (dispatch.Action, error)
}

type Config struct {
	Index     int
	Partition hv.Partition
	Context   *cpu.Context

	// HostEmulatedAPIC skips interrupt arbitration; the host delivers
	// interrupts itself.
	HostEmulatedAPIC bool

	Arbiter    Arbiter
	Sync       Syncer
	A20        Gate
	Dispatcher Handler
	Timer      Timer

	// Now defaults to time.Now.
	Now func() time.Time
	Log *slog.Logger
}

type Stats struct {
	Iterations uint64
	Runs       uint64
	Exports    uint64
	Canceled   uint64
	Pending    uint64
}

// Controller owns the run loop of one virtual CPU. Everything except Cancel
// and State must be called from a single goroutine.
type Controller struct {
	cfg   Config
	log   *slog.Logger
	state atomic.Uint32
	rec   *timeslice.Recorder

	stats Stats
}

func New(cfg Config) (*Controller, error) {
	switch {
	case cfg.Partition == nil:
		return nil, fmt.Errorf("runloop: partition is nil")
	case cfg.Context == nil:
		return nil, fmt.Errorf("runloop: cpu context is nil")
	case cfg.Sync == nil:
		return nil, fmt.Errorf("runloop: state sync is nil")
	case cfg.Dispatcher == nil:
		return nil, fmt.Errorf("runloop: dispatcher is nil")
	case cfg.Arbiter == nil && !cfg.HostEmulatedAPIC:
		return nil, fmt.Errorf("runloop: interrupt arbiter is nil")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		cfg: cfg,
		log: log.With("cpu", cfg.Index),
		rec: timeslice.NewRecorder(),
	}, nil
}

func (c *Controller) State() RunState { return RunState(c.state.Load()) }

func (c *Controller) Context() *cpu.Context { return c.cfg.Context }

func (c *Controller) Stats() Stats { return c.stats }

// Cancel stops a run in progress or keeps the next one from starting. It
// may be called from any goroutine, any number of times.
func (c *Controller) Cancel() error {
	for {
		switch RunState(c.state.Load()) {
		case Idle:
			if c.state.CompareAndSwap(uint32(Idle), uint32(ExecutingCancelPending)) {
				return nil
			}
		case Executing:
			if c.state.CompareAndSwap(uint32(Executing), uint32(ExecutingCancelPending)) {
				if err := c.cfg.Partition.CancelVirtualCPU(c.cfg.Index); err != nil {
					return fmt.Errorf("runloop: cancel cpu %d: %w", c.cfg.Index, err)
				}
				return nil
			}
		case ExecutingCancelPending:
			return nil
		}
	}
}

// pending reports forced actions that must return control to the caller.
func (c *Controller) pending() bool {
	if c.cfg.Context.Force.Any(cpu.ForceAsyncExit) {
		return true
	}
	if c.cfg.Timer != nil {
		if deadline, ok := c.cfg.Timer.NextDeadlineHint(); ok && !deadline.After(c.cfg.Now()) {
			return true
		}
	}
	return false
}

// RunOnce performs one iteration. Errors are fatal for the VM; a
// *dispatch.FatalError is passed through wrapped.
func (c *Controller) RunOnce() (Result, error) {
	ctx := c.cfg.Context
	c.stats.Iterations++
	c.rec.Record(timeslice.InvalidTimesliceID)

	if !c.cfg.HostEmulatedAPIC {
		if _, err := c.cfg.Arbiter.Arbitrate(ctx); err != nil {
			return Result{}, fmt.Errorf("runloop: cpu %d: arbitrate: %w", c.cfg.Index, err)
		}
	}

	if c.cfg.A20 != nil && !c.cfg.A20.CanExecute() {
		return stop(NeedsEmulation), nil
	}

	if c.cfg.Sync.NeedsExport(ctx) {
		if err := c.cfg.Sync.Export(ctx); err != nil {
			return Result{}, fmt.Errorf("runloop: cpu %d: export: %w", c.cfg.Index, err)
		}
		c.stats.Exports++
	}

	if c.pending() {
		c.stats.Pending++
		return stop(Pending), nil
	}

	if !c.state.CompareAndSwap(uint32(Idle), uint32(Executing)) {
		c.state.CompareAndSwap(uint32(ExecutingCancelPending), uint32(Idle))
		c.stats.Canceled++
		return stop(Canceled), nil
	}
	c.rec.Record(tsPrepare)

	exit, err := c.cfg.Partition.RunVirtualCPU(c.cfg.Index)
	c.state.Swap(uint32(Idle))
	c.rec.Record(tsGuest)
	c.stats.Runs++

	if err != nil {
		if errors.Is(err, hv.ErrCanceled) {
			c.stats.Canceled++
			return stop(Canceled), nil
		}
		return Result{}, fmt.Errorf("runloop: cpu %d: run: %w", c.cfg.Index, err)
	}
	if exit == nil {
		return Result{}, fmt.Errorf("runloop: cpu %d: run returned no exit", c.cfg.Index)
	}

	// Everything the host ran with is authoritative again.
	ctx.Externalize(cpu.GroupAll)
	ctx.CopyFromHeader(exit.Header())

	kind := exit.Kind()
	action, err := c.cfg.Dispatcher.Handle(ctx, exit)
	if kind < hv.ExitKindCount {
		c.rec.Record(tsHandle[kind])
	}
	if err != nil {
		return Result{}, fmt.Errorf("runloop: cpu %d: %w", c.cfg.Index, err)
	}
	c.log.Debug("runloop: exit handled", "kind", kind, "action", action, "rip", fmt.Sprintf("%#x", ctx.Rip))

	switch action {
	case dispatch.Resume, dispatch.ResumeAfterEmulatedInstruction:
		if c.pending() {
			c.stats.Pending++
			return stop(Pending), nil
		}
		return Result{Continue: true}, nil
	case dispatch.Halt:
		return stop(Halted), nil
	case dispatch.NeedsReschedule:
		return stop(Rescheduled), nil
	default:
		return Result{}, fmt.Errorf("runloop: cpu %d: unknown action %s", c.cfg.Index, action)
	}
}

// Run loops RunOnce on the calling goroutine, locked to its OS thread, until
// an iteration returns. Cancelling ctx cancels the virtual CPU.
func (c *Controller) Run(ctx context.Context) (Status, error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	stopCancel := context.AfterFunc(ctx, func() {
		if err := c.Cancel(); err != nil {
			c.log.Warn("runloop: cancel on context done failed", "error", err)
		}
	})
	defer stopCancel()

	for {
		res, err := c.RunOnce()
		if err != nil {
			return 0, err
		}
		if !res.Continue {
			return res.Status, nil
		}
	}
}
