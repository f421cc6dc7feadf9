//go:build windows && amd64

package bindings

import (
	"fmt"
	"unsafe"
)

// RunVPExitReason mirrors WHV_RUN_VP_EXIT_REASON.
type RunVPExitReason uint32

const (
	RunVPExitReasonNone                   RunVPExitReason = 0x00000000
	RunVPExitReasonMemoryAccess           RunVPExitReason = 0x00000001
	RunVPExitReasonX64IoPortAccess        RunVPExitReason = 0x00000002
	RunVPExitReasonUnrecoverableException RunVPExitReason = 0x00000004
	RunVPExitReasonInvalidVpRegisterValue RunVPExitReason = 0x00000005
	RunVPExitReasonUnsupportedFeature     RunVPExitReason = 0x00000006
	RunVPExitReasonX64InterruptWindow     RunVPExitReason = 0x00000007
	RunVPExitReasonX64Halt                RunVPExitReason = 0x00000008
	RunVPExitReasonX64ApicEoi             RunVPExitReason = 0x00000009

	RunVPExitReasonX64MsrAccess        RunVPExitReason = 0x00001000
	RunVPExitReasonX64Cpuid            RunVPExitReason = 0x00001001
	RunVPExitReasonException           RunVPExitReason = 0x00001002
	RunVPExitReasonX64Rdtsc            RunVPExitReason = 0x00001003
	RunVPExitReasonX64ApicSmiTrap      RunVPExitReason = 0x00001004
	RunVPExitReasonHypercall           RunVPExitReason = 0x00001005
	RunVPExitReasonX64ApicInitSipiTrap RunVPExitReason = 0x00001006

	RunVPExitReasonCanceled RunVPExitReason = 0x00002001
)

func (r RunVPExitReason) String() string {
	switch r {
	case RunVPExitReasonNone:
		return "None"
	case RunVPExitReasonMemoryAccess:
		return "MemoryAccess"
	case RunVPExitReasonX64IoPortAccess:
		return "X64IoPortAccess"
	case RunVPExitReasonUnrecoverableException:
		return "UnrecoverableException"
	case RunVPExitReasonInvalidVpRegisterValue:
		return "InvalidVpRegisterValue"
	case RunVPExitReasonUnsupportedFeature:
		return "UnsupportedFeature"
	case RunVPExitReasonX64InterruptWindow:
		return "X64InterruptWindow"
	case RunVPExitReasonX64Halt:
		return "X64Halt"
	case RunVPExitReasonX64ApicEoi:
		return "X64ApicEoi"
	case RunVPExitReasonX64MsrAccess:
		return "X64MsrAccess"
	case RunVPExitReasonX64Cpuid:
		return "X64Cpuid"
	case RunVPExitReasonException:
		return "Exception"
	case RunVPExitReasonX64Rdtsc:
		return "X64Rdtsc"
	case RunVPExitReasonX64ApicSmiTrap:
		return "X64ApicSmiTrap"
	case RunVPExitReasonHypercall:
		return "Hypercall"
	case RunVPExitReasonX64ApicInitSipiTrap:
		return "X64ApicInitSipiTrap"
	case RunVPExitReasonCanceled:
		return "Canceled"
	default:
		return fmt.Sprintf("Unknown(%#x)", uint32(r))
	}
}

// VPExitContext mirrors WHV_VP_EXIT_CONTEXT.
type VPExitContext struct {
	ExecutionState       uint16
	InstructionLengthCr8 uint8
	Reserved             uint8
	Reserved2            uint32
	Cs                   X64SegmentRegister
	Rip                  uint64
	Rflags               uint64
}

// RunVPExitContext mirrors WHV_RUN_VP_EXIT_CONTEXT. It is 224 bytes on
// amd64: a 48 byte header followed by the per-reason union.
type RunVPExitContext struct {
	ExitReason RunVPExitReason
	Reserved   uint32
	VpContext  VPExitContext
	payload    [176]byte
}

// MemoryAccessContext mirrors WHV_MEMORY_ACCESS_CONTEXT.
type MemoryAccessContext struct {
	InstructionByteCount uint8
	Reserved             [3]uint8
	InstructionBytes     [16]uint8
	AccessInfo           uint32
	Gpa                  GuestPhysicalAddress
	Gva                  GuestVirtualAddress
}

// X64IOPortAccessContext mirrors WHV_X64_IO_PORT_ACCESS_CONTEXT.
type X64IOPortAccessContext struct {
	InstructionByteCount uint8
	Reserved             [3]uint8
	InstructionBytes     [16]uint8
	AccessInfo           uint32
	Port                 uint16
	Reserved2            [3]uint16
	Rax                  uint64
	Rcx                  uint64
	Rsi                  uint64
	Rdi                  uint64
	Ds                   X64SegmentRegister
	Es                   X64SegmentRegister
}

// X64MsrAccessContext mirrors WHV_X64_MSR_ACCESS_CONTEXT.
type X64MsrAccessContext struct {
	AccessInfo uint32
	MsrNumber  uint32
	Rax        uint64
	Rdx        uint64
}

// X64CpuidAccessContext mirrors WHV_X64_CPUID_ACCESS_CONTEXT.
type X64CpuidAccessContext struct {
	Rax              uint64
	Rcx              uint64
	Rdx              uint64
	Rbx              uint64
	DefaultResultRax uint64
	DefaultResultRcx uint64
	DefaultResultRdx uint64
	DefaultResultRbx uint64
}

// VPExceptionContext mirrors WHV_VP_EXCEPTION_CONTEXT.
type VPExceptionContext struct {
	InstructionByteCount uint8
	Reserved             [3]uint8
	InstructionBytes     [16]uint8
	ExceptionInfo        uint32
	ExceptionType        uint8
	Reserved2            [3]uint8
	ErrorCode            uint32
	ExceptionParameter   uint64
}

// X64UnsupportedFeatureContext mirrors WHV_X64_UNSUPPORTED_FEATURE_CONTEXT.
type X64UnsupportedFeatureContext struct {
	FeatureCode      uint32
	Reserved         uint32
	FeatureParameter uint64
}

// X64InterruptionDeliverableContext mirrors WHV_X64_INTERRUPTION_DELIVERABLE_CONTEXT.
type X64InterruptionDeliverableContext struct {
	DeliverableType uint32
}

// X64ApicEoiContext mirrors WHV_X64_APIC_EOI_CONTEXT.
type X64ApicEoiContext struct {
	InterruptVector uint32
}

// X64ApicInitSipiContext mirrors WHV_X64_APIC_INIT_SIPI_CONTEXT.
type X64ApicInitSipiContext struct {
	ApicIcr uint64
}

func payload[T any](c *RunVPExitContext) *T {
	return (*T)(unsafe.Pointer(&c.payload[0]))
}

func (c *RunVPExitContext) MemoryAccess() *MemoryAccessContext {
	return payload[MemoryAccessContext](c)
}

func (c *RunVPExitContext) IoPortAccess() *X64IOPortAccessContext {
	return payload[X64IOPortAccessContext](c)
}

func (c *RunVPExitContext) MsrAccess() *X64MsrAccessContext {
	return payload[X64MsrAccessContext](c)
}

func (c *RunVPExitContext) CpuidAccess() *X64CpuidAccessContext {
	return payload[X64CpuidAccessContext](c)
}

func (c *RunVPExitContext) VpException() *VPExceptionContext {
	return payload[VPExceptionContext](c)
}

func (c *RunVPExitContext) UnsupportedFeature() *X64UnsupportedFeatureContext {
	return payload[X64UnsupportedFeatureContext](c)
}

func (c *RunVPExitContext) InterruptWindow() *X64InterruptionDeliverableContext {
	return payload[X64InterruptionDeliverableContext](c)
}

func (c *RunVPExitContext) ApicEoi() *X64ApicEoiContext {
	return payload[X64ApicEoiContext](c)
}

func (c *RunVPExitContext) ApicInitSipi() *X64ApicInitSipiContext {
	return payload[X64ApicInitSipiContext](c)
}
