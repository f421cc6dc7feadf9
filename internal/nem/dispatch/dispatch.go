// Package dispatch routes every exit a virtual CPU reports to the handler for
// its kind. Handlers import only the register groups they need and either
// complete the exit locally or hand one instruction to the emulator.
package dispatch

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/nem/internal/hv"
	"github.com/tinyrange/nem/internal/nem/cpu"
	"github.com/tinyrange/nem/internal/nem/gpa"
	"github.com/tinyrange/nem/internal/nem/irq"
	"github.com/tinyrange/nem/internal/nem/statesync"
)

// Action tells the run loop how to continue after an exit.
type Action uint8

const (
	Resume Action = iota
	ResumeAfterEmulatedInstruction
	Halt
	NeedsReschedule
)

func (a Action) String() string {
	switch a {
	case Resume:
		return "resume"
	case ResumeAfterEmulatedInstruction:
		return "resume_after_emulated_instruction"
	case Halt:
		return "halt"
	case NeedsReschedule:
		return "needs_reschedule"
	default:
		return fmt.Sprintf("Action(%d)", uint8(a))
	}
}

// FatalKind classifies an exit the core cannot recover from.
type FatalKind uint8

const (
	InternalError FatalKind = iota
	TripleFault
	MappingFailure
	UnrecognizedExit
	MalformedExit
)

func (k FatalKind) String() string {
	switch k {
	case InternalError:
		return "internal_error"
	case TripleFault:
		return "triple_fault"
	case MappingFailure:
		return "mapping_failure"
	case UnrecognizedExit:
		return "unrecognized_exit"
	case MalformedExit:
		return "malformed_exit"
	default:
		return fmt.Sprintf("FatalKind(%d)", uint8(k))
	}
}

// FatalError ends execution of the whole VM.
type FatalError struct {
	Kind FatalKind
	Exit hv.ExitKind
	Err  error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("dispatch: fatal %s on %s exit: %v", e.Kind, e.Exit, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

func fatal(kind FatalKind, exit hv.ExitKind, format string, args ...any) *FatalError {
	return &FatalError{Kind: kind, Exit: exit, Err: fmt.Errorf(format, args...)}
}

// EmuStatus is the outcome of one emulated instruction.
type EmuStatus uint8

const (
	EmuDone EmuStatus = iota
	// EmuHalt means the instruction halted the CPU.
	EmuHalt
	// EmuReschedule means the instruction needs work outside this thread,
	// such as a device access that cannot complete here.
	EmuReschedule
	// EmuUnrecoverable means the CPU shut down, for example on a triple
	// fault.
	EmuUnrecoverable
)

func (s EmuStatus) String() string {
	switch s {
	case EmuDone:
		return "done"
	case EmuHalt:
		return "halt"
	case EmuReschedule:
		return "reschedule"
	case EmuUnrecoverable:
		return "unrecoverable"
	default:
		return fmt.Sprintf("EmuStatus(%d)", uint8(s))
	}
}

// Emulator executes one guest instruction. The context has every group of
// cpu.GroupEmulator imported. prefetched holds instruction bytes the host
// already fetched and may be nil.
type Emulator interface {
	ExecuteOne(c *cpu.Context, prefetched []byte) (EmuStatus, error)
}

// HypercallProvider services VMCALL and VMMCALL. It reports false when the
// guest may not issue the call, in which case #UD is delivered instead.
type HypercallProvider interface {
	Hypercall(c *cpu.Context) (handled bool, err error)
}

// PortBus completes port I/O. chipset.Chipset implements it.
type PortBus interface {
	HandlePIO(port uint16, data []byte, isWrite bool) error
}

// Pages is the guest-physical page state machine. gpa.Machine implements it.
type Pages interface {
	Ensure(addr uint64, access hv.AccessType) (gpa.Outcome, error)
}

// A20 reports addresses the A20 gate forces through the emulator.
type A20 interface {
	Emulated(addr uint64) bool
}

// Syncer imports register groups. statesync.Engine implements it.
type Syncer interface {
	Import(c *cpu.Context, mask cpu.Group) error
}

type Options struct {
	// CPUIDEmulationThreshold routes a CPUID exit through the emulator once
	// the same RIP has exited that many times. Zero disables it.
	CPUIDEmulationThreshold int
	Hypercalls              bool
	VMwareBackdoor          bool
}

// Config gathers the collaborators of a Dispatcher. Hypercalls, Events,
// Paging and A20 may be nil.
type Config struct {
	Index      int
	Sync       Syncer
	Pages      Pages
	A20        A20
	Bus        PortBus
	Emulator   Emulator
	Hypercalls HypercallProvider
	Events     irq.LocalEventSink
	Paging     statesync.PagingObserver
	Options    Options
	Log        *slog.Logger
}

type Stats struct {
	Exits         [hv.ExitKindCount]uint64
	Emulated      uint64
	CPUIDEmulated uint64
	Hypercalls    uint64
	InjectedGP    uint64
	Reinjected    uint64
}

// Dispatcher handles the exits of one virtual CPU.
type Dispatcher struct {
	cfg Config
	log *slog.Logger

	cpuidHistory map[uint64]int

	stats Stats
}

const maxCPUIDHistory = 256

func New(cfg Config) *Dispatcher {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		cfg:          cfg,
		log:          log,
		cpuidHistory: make(map[uint64]int),
	}
}

func (d *Dispatcher) Stats() Stats { return d.stats }

type handler func(d *Dispatcher, c *cpu.Context, exit hv.ExitContext) (Action, error)

// on adapts a handler for one concrete exit type, rejecting any other
// payload as malformed.
func on[T hv.ExitContext](fn func(d *Dispatcher, c *cpu.Context, e T) (Action, error)) handler {
	return func(d *Dispatcher, c *cpu.Context, exit hv.ExitContext) (Action, error) {
		e, ok := exit.(T)
		if !ok {
			return 0, fatal(MalformedExit, exit.Kind(), "unexpected payload %T", exit)
		}
		return fn(d, c, e)
	}
}

var handlers = [hv.ExitKindCount]handler{
	hv.ExitKindMemoryAccess:    on((*Dispatcher).memoryAccess),
	hv.ExitKindIOPort:          on((*Dispatcher).ioPort),
	hv.ExitKindCPUID:           on((*Dispatcher).cpuid),
	hv.ExitKindMSR:             on((*Dispatcher).msr),
	hv.ExitKindException:       on((*Dispatcher).exception),
	hv.ExitKindInterruptWindow: on((*Dispatcher).interruptWindow),
	hv.ExitKindUnrecoverable:   on((*Dispatcher).unrecoverable),
	hv.ExitKindApicEOI:         on((*Dispatcher).apicEOI),
	hv.ExitKindApicInitSipi:    on((*Dispatcher).apicInitSipi),
	hv.ExitKindHalt:            on((*Dispatcher).halt),
	hv.ExitKindUnsupported:     on((*Dispatcher).unsupported),
}

// Handle consumes one exit. The exit header must already be copied into c.
// Errors are always *FatalError.
func (d *Dispatcher) Handle(c *cpu.Context, exit hv.ExitContext) (Action, error) {
	if exit == nil {
		return 0, fatal(MalformedExit, hv.ExitKindInvalid, "nil exit")
	}
	kind := exit.Kind()
	if kind >= hv.ExitKindCount || handlers[kind] == nil {
		return 0, fatal(UnrecognizedExit, kind, "no handler for exit kind %d", uint8(kind))
	}
	d.stats.Exits[kind]++
	return handlers[kind](d, c, exit)
}

// emulate hands one instruction to the emulator.
func (d *Dispatcher) emulate(c *cpu.Context, kind hv.ExitKind, prefetched []byte) (Action, error) {
	if err := d.cfg.Sync.Import(c, cpu.GroupEmulator); err != nil {
		return 0, &FatalError{Kind: InternalError, Exit: kind, Err: err}
	}
	status, err := d.cfg.Emulator.ExecuteOne(c, prefetched)
	if err != nil {
		return 0, &FatalError{Kind: InternalError, Exit: kind, Err: fmt.Errorf("emulator: %w", err)}
	}
	d.stats.Emulated++

	if status == EmuUnrecoverable {
		return 0, fatal(TripleFault, kind, "emulator reported an unrecoverable state at rip %#x", c.Rip)
	}
	// The emulator writes fields directly; push everything it could touch.
	c.MarkDirty(cpu.GroupEmulator)

	switch status {
	case EmuDone:
		return ResumeAfterEmulatedInstruction, nil
	case EmuHalt:
		return Halt, nil
	case EmuReschedule:
		return NeedsReschedule, nil
	default:
		return 0, fatal(InternalError, kind, "emulator returned %s", status)
	}
}

// advance steps over the instruction that caused the exit.
func (d *Dispatcher) advance(c *cpu.Context, h *hv.ExitHeader) error {
	if h.InterruptShadow {
		if err := d.cfg.Sync.Import(c, cpu.GroupInhibit); err != nil {
			return err
		}
	}
	c.AdvanceRip(h.InstructionLength)
	return nil
}
