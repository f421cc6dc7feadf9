// Package statesync moves register groups between a virtual CPU's local
// context and the host partition.
package statesync

import (
	"errors"
	"fmt"
	"log/slog"
	"math/bits"

	"github.com/tinyrange/nem/internal/hv"
	"github.com/tinyrange/nem/internal/nem/cpu"
)

// PagingObserver is told when an import reveals a new paging configuration.
type PagingObserver interface {
	PagingModeChanged(cr0, cr4, efer uint64) error
	PagingRootChanged(cr3 uint64) error
}

// RegisterError names the register the host refused during a batched
// transfer. Register is RegisterInvalid when no single register could be
// blamed.
type RegisterError struct {
	Op       string
	Register hv.Register
	Err      error
}

func (e *RegisterError) Error() string {
	if e.Register == hv.RegisterInvalid {
		return fmt.Sprintf("statesync: %s registers: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("statesync: %s register %s: %v", e.Op, e.Register, e.Err)
}

func (e *RegisterError) Unwrap() error { return e.Err }

// Stats counts host transfers.
type Stats struct {
	Imports          uint64
	Exports          uint64
	ImportedGroups   uint64
	ExportedGroups   uint64
	WindowOnlyExport uint64
}

// Engine synchronises one virtual CPU.
type Engine struct {
	part     hv.Partition
	index    int
	observer PagingObserver
	log      *slog.Logger

	stats Stats
}

// New returns an engine for virtual CPU index of part. observer may be nil.
func New(part hv.Partition, index int, observer PagingObserver, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		part:     part,
		index:    index,
		observer: observer,
		log:      log,
	}
}

func (e *Engine) Stats() Stats { return e.stats }

// Import fetches every group of mask still held by the host in one batched
// call. Groups already local, dirty ones included, are left alone.
func (e *Engine) Import(c *cpu.Context, mask cpu.Group) error {
	missing := c.Externalized & mask
	if missing == 0 {
		return nil
	}

	oldCr0, oldCr3, oldCr4, oldEfer := c.Cr0, c.Cr3, c.Cr4, c.Efer

	bindings := cpu.BindingsFor(missing)
	names := make([]hv.Register, len(bindings))
	values := make([]hv.RegisterValue, len(bindings))
	for i, b := range bindings {
		names[i] = b.Register
	}

	if err := e.part.GetRegisters(e.index, names, values); err != nil {
		return e.diagnose("get", names, err)
	}

	for i, b := range bindings {
		if err := b.Set(c, values[i]); err != nil {
			return &RegisterError{Op: "get", Register: b.Register, Err: err}
		}
	}
	c.Imported(missing)

	e.stats.Imports++
	e.stats.ImportedGroups += uint64(bits.OnesCount64(uint64(missing)))
	e.log.Debug("statesync: import", "cpu", e.index, "groups", missing.String())

	return e.notifyPaging(missing, oldCr0, oldCr3, oldCr4, oldEfer, c)
}

func (e *Engine) notifyPaging(imported cpu.Group, oldCr0, oldCr3, oldCr4, oldEfer uint64, c *cpu.Context) error {
	if e.observer == nil {
		return nil
	}
	if imported&(cpu.GroupCr0|cpu.GroupCr4|cpu.GroupEfer) != 0 &&
		(c.Cr0 != oldCr0 || c.Cr4 != oldCr4 || c.Efer != oldEfer) {
		if err := e.observer.PagingModeChanged(c.Cr0, c.Cr4, c.Efer); err != nil {
			return fmt.Errorf("statesync: paging mode change: %w", err)
		}
	}
	if imported&cpu.GroupCr3 != 0 && c.Cr3 != oldCr3 {
		if err := e.observer.PagingRootChanged(c.Cr3); err != nil {
			return fmt.Errorf("statesync: paging root change: %w", err)
		}
	}
	return nil
}

// NeedsExport reports whether the host copy is behind the local one.
func (e *Engine) NeedsExport(c *cpu.Context) bool {
	return c.Dirty() != 0 || c.Window != c.RegisteredWindow
}

// Export pushes every dirty group, the pending event and a changed window
// request in one batched call. The local copy stays authoritative afterwards.
func (e *Engine) Export(c *cpu.Context) error {
	dirty := c.Dirty()
	bindings := cpu.BindingsFor(dirty)
	windowChanged := c.Window != c.RegisteredWindow

	names := make([]hv.Register, 0, len(bindings)+1)
	values := make([]hv.RegisterValue, 0, len(bindings)+1)
	for _, b := range bindings {
		names = append(names, b.Register)
		values = append(values, b.Get(c))
	}
	if windowChanged {
		names = append(names, hv.RegisterDeliverabilityNotifications)
		values = append(values, hv.DeliverabilityValue{
			NMI:       c.Window.NMI(),
			Interrupt: c.Window.Regular(),
			Priority:  c.Window.Threshold(),
		})
	}
	if len(names) == 0 {
		return nil
	}

	if err := e.part.SetRegisters(e.index, names, values); err != nil {
		return e.diagnoseSet(names, values, err)
	}

	c.Exported(dirty)
	c.RegisteredWindow = c.Window

	e.stats.Exports++
	e.stats.ExportedGroups += uint64(bits.OnesCount64(uint64(dirty)))
	if dirty == 0 {
		e.stats.WindowOnlyExport++
	}
	e.log.Debug("statesync: export", "cpu", e.index, "groups", dirty.String(), "window", windowChanged)
	return nil
}

// diagnose repeats a failed batched read one register at a time to name the
// culprit. The outcome is still a failure.
func (e *Engine) diagnose(op string, names []hv.Register, batchErr error) error {
	value := make([]hv.RegisterValue, 1)
	for _, name := range names {
		if err := e.part.GetRegisters(e.index, []hv.Register{name}, value); err != nil {
			e.log.Warn("statesync: register rejected", "cpu", e.index, "op", op, "register", name.String(), "err", err)
			return &RegisterError{Op: op, Register: name, Err: errors.Join(batchErr, err)}
		}
	}
	return &RegisterError{Op: op, Err: batchErr}
}

func (e *Engine) diagnoseSet(names []hv.Register, values []hv.RegisterValue, batchErr error) error {
	for i, name := range names {
		if err := e.part.SetRegisters(e.index, names[i:i+1], values[i:i+1]); err != nil {
			e.log.Warn("statesync: register rejected", "cpu", e.index, "op", "set", "register", name.String(), "err", err)
			return &RegisterError{Op: "set", Register: name, Err: errors.Join(batchErr, err)}
		}
	}
	return &RegisterError{Op: "set", Err: batchErr}
}

