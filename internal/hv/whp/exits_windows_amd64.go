//go:build windows && amd64

package whp

import (
	"fmt"

	"github.com/tinyrange/nem/internal/hv"
	"github.com/tinyrange/nem/internal/hv/whp/bindings"
)

func segment(s bindings.X64SegmentRegister) hv.SegmentValue {
	return hv.SegmentValue{Base: s.Base, Limit: s.Limit, Selector: s.Selector, Attributes: s.Attributes}
}

func header(vp *bindings.VPExitContext) hv.ExitHeader {
	h := decodeHeader(vp.ExecutionState, vp.InstructionLengthCr8)
	h.Cs = segment(vp.Cs)
	h.Rip = vp.Rip
	h.Rflags = vp.Rflags
	return h
}

// convertExit turns a WHV_RUN_VP_EXIT_CONTEXT into the matching hv exit.
func convertExit(exit *bindings.RunVPExitContext) (hv.ExitContext, error) {
	h := header(&exit.VpContext)

	switch exit.ExitReason {
	case bindings.RunVPExitReasonCanceled:
		return nil, hv.ErrCanceled

	case bindings.RunVPExitReasonMemoryAccess:
		mem := exit.MemoryAccess()
		access, unmapped := decodeMemoryAccess(mem.AccessInfo)
		return &hv.ExitMemoryAccess{
			ExitHeader:       h,
			GPA:              uint64(mem.Gpa),
			GVA:              uint64(mem.Gva),
			Access:           access,
			GPAUnmapped:      unmapped,
			InstructionBytes: instructionBytes(mem.InstructionByteCount, mem.InstructionBytes),
		}, nil

	case bindings.RunVPExitReasonX64IoPortAccess:
		io := exit.IoPortAccess()
		info := decodeIOAccess(io.AccessInfo)
		return &hv.ExitIOPort{
			ExitHeader:       h,
			Port:             io.Port,
			Size:             info.size,
			Write:            info.write,
			String:           info.string,
			Rep:              info.rep,
			Rax:              io.Rax,
			Rcx:              io.Rcx,
			Rsi:              io.Rsi,
			Rdi:              io.Rdi,
			Ds:               segment(io.Ds),
			Es:               segment(io.Es),
			InstructionBytes: instructionBytes(io.InstructionByteCount, io.InstructionBytes),
		}, nil

	case bindings.RunVPExitReasonX64Cpuid:
		c := exit.CpuidAccess()
		return &hv.ExitCPUID{
			ExitHeader: h,
			Rax:        c.Rax,
			Rcx:        c.Rcx,
			Rdx:        c.Rdx,
			Rbx:        c.Rbx,
			DefaultRax: c.DefaultResultRax,
			DefaultRcx: c.DefaultResultRcx,
			DefaultRdx: c.DefaultResultRdx,
			DefaultRbx: c.DefaultResultRbx,
		}, nil

	case bindings.RunVPExitReasonX64MsrAccess:
		m := exit.MsrAccess()
		return &hv.ExitMSR{
			ExitHeader: h,
			Msr:        m.MsrNumber,
			Write:      m.AccessInfo&1 != 0,
			Rax:        m.Rax,
			Rdx:        m.Rdx,
		}, nil

	case bindings.RunVPExitReasonException:
		e := exit.VpException()
		return &hv.ExitException{
			ExitHeader:       h,
			Vector:           e.ExceptionType,
			HasErrorCode:     e.ExceptionInfo&1 != 0,
			ErrorCode:        e.ErrorCode,
			Parameter:        e.ExceptionParameter,
			InstructionBytes: instructionBytes(e.InstructionByteCount, e.InstructionBytes),
		}, nil

	case bindings.RunVPExitReasonX64InterruptWindow:
		return &hv.ExitInterruptWindow{
			ExitHeader: h,
			Type:       windowType(exit.InterruptWindow().DeliverableType),
		}, nil

	case bindings.RunVPExitReasonUnrecoverableException:
		return &hv.ExitUnrecoverable{ExitHeader: h}, nil

	case bindings.RunVPExitReasonX64ApicEoi:
		return &hv.ExitApicEOI{ExitHeader: h, Vector: uint8(exit.ApicEoi().InterruptVector)}, nil

	case bindings.RunVPExitReasonX64ApicInitSipiTrap:
		return &hv.ExitApicInitSipi{ExitHeader: h, ICR: exit.ApicInitSipi().ApicIcr}, nil

	case bindings.RunVPExitReasonX64Halt:
		return &hv.ExitHalt{ExitHeader: h}, nil

	case bindings.RunVPExitReasonUnsupportedFeature:
		f := exit.UnsupportedFeature()
		return &hv.ExitUnsupported{ExitHeader: h, Feature: f.FeatureCode, Parameter: f.FeatureParameter}, nil

	case bindings.RunVPExitReasonInvalidVpRegisterValue:
		return nil, fmt.Errorf("whp: invalid register state at rip %#x", h.Rip)

	default:
		return nil, fmt.Errorf("whp: unexpected exit reason %s", exit.ExitReason)
	}
}
