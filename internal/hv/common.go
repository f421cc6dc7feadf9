package hv

import (
	"errors"
	"fmt"
	"io"
)

var (
	ErrVMHalted              = errors.New("virtual machine halted")
	ErrHypervisorUnsupported = errors.New("hypervisor unsupported on this platform")

	// ErrCanceled is returned by Partition.RunVirtualCPU when the run was
	// stopped by CancelVirtualCPU. It is the only run failure that is not fatal.
	ErrCanceled = errors.New("virtual processor run canceled")

	ErrUnsupportedRegister = errors.New("unsupported register")
)

type CpuArchitecture string

const (
	ArchitectureInvalid CpuArchitecture = "invalid"
	ArchitectureX86_64  CpuArchitecture = "x86_64"
)

type RegisterValue interface {
	isRegisterValue()
}

type Register64 uint64

func (r Register64) isRegisterValue() {}

// SegmentValue is a cached segment descriptor.
type SegmentValue struct {
	Base       uint64
	Limit      uint32
	Selector   uint16
	Attributes uint16
}

func (SegmentValue) isRegisterValue() {}

// TableValue is a descriptor table register (GDTR/IDTR).
type TableValue struct {
	Base  uint64
	Limit uint16
}

func (TableValue) isRegisterValue() {}

// PendingEventType selects how a PendingEventValue is delivered on entry.
type PendingEventType uint8

const (
	PendingEventNone PendingEventType = iota
	PendingEventException
	PendingEventNMI
	PendingEventExtInt
)

func (t PendingEventType) String() string {
	switch t {
	case PendingEventNone:
		return "none"
	case PendingEventException:
		return "exception"
	case PendingEventNMI:
		return "nmi"
	case PendingEventExtInt:
		return "extint"
	default:
		return fmt.Sprintf("PendingEventType(%d)", uint8(t))
	}
}

// PendingEventValue is the write-only event injection register. Reading it
// back always yields PendingEventNone once the host consumed it.
type PendingEventValue struct {
	Type              PendingEventType
	Vector            uint8
	HasErrorCode      bool
	ErrorCode         uint32
	InstructionLength uint8
}

func (PendingEventValue) isRegisterValue() {}

// DeliverabilityValue asks the host to exit once an NMI or a regular
// interrupt above Priority becomes deliverable.
type DeliverabilityValue struct {
	NMI       bool
	Interrupt bool
	Priority  uint8
}

func (DeliverabilityValue) isRegisterValue() {}

type Register uint32

const (
	RegisterInvalid Register = iota

	RegisterRax
	RegisterRcx
	RegisterRdx
	RegisterRbx
	RegisterRsp
	RegisterRbp
	RegisterRsi
	RegisterRdi
	RegisterR8
	RegisterR9
	RegisterR10
	RegisterR11
	RegisterR12
	RegisterR13
	RegisterR14
	RegisterR15
	RegisterRip
	RegisterRflags

	RegisterEs
	RegisterCs
	RegisterSs
	RegisterDs
	RegisterFs
	RegisterGs
	RegisterLdtr
	RegisterTr
	RegisterIdtr
	RegisterGdtr

	RegisterCr0
	RegisterCr2
	RegisterCr3
	RegisterCr4
	RegisterCr8

	RegisterDr0
	RegisterDr1
	RegisterDr2
	RegisterDr3
	RegisterDr6
	RegisterDr7

	RegisterEfer
	RegisterKernelGsBase
	RegisterApicBase
	RegisterPat
	RegisterSysenterCs
	RegisterSysenterEip
	RegisterSysenterEsp
	RegisterStar
	RegisterLstar
	RegisterCstar
	RegisterSfmask
	RegisterTscAux

	// Bit 0 is the interrupt shadow, bit 1 is NMI masking.
	RegisterInterruptState
	RegisterPendingEvent
	RegisterDeliverabilityNotifications

	registerCount
)

var registerNames = [registerCount]string{
	RegisterInvalid: "invalid",
	RegisterRax:     "rax", RegisterRcx: "rcx", RegisterRdx: "rdx", RegisterRbx: "rbx",
	RegisterRsp: "rsp", RegisterRbp: "rbp", RegisterRsi: "rsi", RegisterRdi: "rdi",
	RegisterR8: "r8", RegisterR9: "r9", RegisterR10: "r10", RegisterR11: "r11",
	RegisterR12: "r12", RegisterR13: "r13", RegisterR14: "r14", RegisterR15: "r15",
	RegisterRip: "rip", RegisterRflags: "rflags",
	RegisterEs: "es", RegisterCs: "cs", RegisterSs: "ss", RegisterDs: "ds",
	RegisterFs: "fs", RegisterGs: "gs", RegisterLdtr: "ldtr", RegisterTr: "tr",
	RegisterIdtr: "idtr", RegisterGdtr: "gdtr",
	RegisterCr0: "cr0", RegisterCr2: "cr2", RegisterCr3: "cr3", RegisterCr4: "cr4", RegisterCr8: "cr8",
	RegisterDr0: "dr0", RegisterDr1: "dr1", RegisterDr2: "dr2", RegisterDr3: "dr3",
	RegisterDr6: "dr6", RegisterDr7: "dr7",
	RegisterEfer:         "efer",
	RegisterKernelGsBase: "kernel_gs_base",
	RegisterApicBase:     "apic_base",
	RegisterPat:          "pat",
	RegisterSysenterCs:   "sysenter_cs",
	RegisterSysenterEip:  "sysenter_eip",
	RegisterSysenterEsp:  "sysenter_esp",
	RegisterStar:         "star",
	RegisterLstar:        "lstar",
	RegisterCstar:        "cstar",
	RegisterSfmask:       "sfmask",
	RegisterTscAux:       "tsc_aux",

	RegisterInterruptState:              "interrupt_state",
	RegisterPendingEvent:                "pending_event",
	RegisterDeliverabilityNotifications: "deliverability_notifications",
}

// Valid reports whether r names a register the core knows about.
func (r Register) Valid() bool {
	return r > RegisterInvalid && r < registerCount
}

func (r Register) String() string {
	if r < registerCount {
		return registerNames[r]
	}
	return fmt.Sprintf("Register(%d)", uint32(r))
}

// MapFlags are the protections granted for a guest-physical range.
type MapFlags uint32

const (
	MapRead MapFlags = 1 << iota
	MapWrite
	MapExecute
	MapTrackDirty
)

func (f MapFlags) String() string {
	var s []byte
	for _, b := range []struct {
		flag MapFlags
		c    byte
	}{{MapRead, 'r'}, {MapWrite, 'w'}, {MapExecute, 'x'}, {MapTrackDirty, 'd'}} {
		if f&b.flag != 0 {
			s = append(s, b.c)
		} else {
			s = append(s, '-')
		}
	}
	return string(s)
}

// Partition is the opaque per-VM container provided by the host platform.
//
// All methods except CancelVirtualCPU must be called from the goroutine that
// owns the referenced virtual CPU. CancelVirtualCPU may be called from any
// goroutine, any number of times.
type Partition interface {
	io.Closer

	CreateVirtualCPU(index int) error
	DeleteVirtualCPU(index int) error

	// RunVirtualCPU blocks until the virtual CPU exits. A canceled run
	// reports ErrCanceled.
	RunVirtualCPU(index int) (ExitContext, error)
	CancelVirtualCPU(index int) error

	GetRegisters(index int, names []Register, values []RegisterValue) error
	SetRegisters(index int, names []Register, values []RegisterValue) error

	MapGPARange(backing []byte, gpa uint64, flags MapFlags) error
	UnmapGPARange(gpa uint64, size uint64) error
}

// DirtyTracker is implemented by partitions that can report pages written
// since the previous query for ranges mapped with MapTrackDirty.
type DirtyTracker interface {
	QueryDirtyBitmap(gpa uint64, size uint64) ([]uint64, error)
}

// Capabilities describes what the host platform offers.
type Capabilities struct {
	Present bool
	Version string

	MsrExits       bool
	CpuidExits     bool
	ExceptionExits bool
	ApicEmulation  bool
	DirtyTracking  bool
}

type Hypervisor interface {
	io.Closer

	Architecture() CpuArchitecture
	Capabilities() (Capabilities, error)

	NewPartition(cpuCount int) (Partition, error)
}
