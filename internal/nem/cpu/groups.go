package cpu

import (
	"math/bits"
	"strings"
)

// Group is a set of registers that move between the host partition and the
// local context together.
type Group uint64

const (
	GroupRax Group = 1 << iota
	GroupRcx
	GroupRdx
	GroupRbx
	GroupRsp
	GroupRbp
	GroupRsi
	GroupRdi
	GroupR8R15
	GroupRip
	GroupRflags

	GroupEs
	GroupCs
	GroupSs
	GroupDs
	GroupFs
	GroupGs
	GroupLdtr
	GroupTr
	GroupIdtr
	GroupGdtr

	GroupCr0
	GroupCr2
	GroupCr3
	GroupCr4
	GroupCr8

	GroupDr0Dr3
	GroupDr6
	GroupDr7

	GroupEfer
	GroupKernelGsBase
	GroupSyscallMsrs
	GroupSysenterMsrs
	GroupTscAux
	GroupOtherMsrs

	// GroupInhibit is the interrupt shadow and NMI blocking state.
	GroupInhibit

	// GroupEvent is the write-only pending event injection.
	GroupEvent

	groupEnd
)

const (
	GroupGPRs = GroupRax | GroupRcx | GroupRdx | GroupRbx | GroupRsp | GroupRbp |
		GroupRsi | GroupRdi | GroupR8R15

	GroupSegments    = GroupEs | GroupCs | GroupSs | GroupDs | GroupFs | GroupGs
	GroupTables      = GroupLdtr | GroupTr | GroupIdtr | GroupGdtr
	GroupControlRegs = GroupCr0 | GroupCr2 | GroupCr3 | GroupCr4
	GroupDebugRegs   = GroupDr0Dr3 | GroupDr6 | GroupDr7
	GroupMsrs        = GroupEfer | GroupKernelGsBase | GroupSyscallMsrs |
		GroupSysenterMsrs | GroupTscAux | GroupOtherMsrs

	// GroupPagingMode is what decides how guest-virtual addresses translate.
	GroupPagingMode = GroupCr0 | GroupCr3 | GroupCr4 | GroupEfer

	// GroupHeader is what every exit reports without a register fetch.
	GroupHeader = GroupRip | GroupRflags | GroupCs | GroupCr8

	// GroupEmulator is what the instruction emulator needs to decode and
	// execute one instruction in any mode.
	GroupEmulator = GroupGPRs | GroupRip | GroupRflags | GroupSegments |
		GroupTables | GroupControlRegs | GroupEfer | GroupInhibit

	GroupAll = groupEnd - 1
)

var groupNames = []string{
	"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi", "r8-r15", "rip", "rflags",
	"es", "cs", "ss", "ds", "fs", "gs", "ldtr", "tr", "idtr", "gdtr",
	"cr0", "cr2", "cr3", "cr4", "cr8",
	"dr0-dr3", "dr6", "dr7",
	"efer", "kernel_gs_base", "syscall_msrs", "sysenter_msrs", "tsc_aux", "other_msrs",
	"inhibit", "event",
}

func (g Group) String() string {
	if g == 0 {
		return "none"
	}
	if g&GroupAll == GroupAll {
		return "all"
	}
	var parts []string
	for v := uint64(g); v != 0; v &= v - 1 {
		i := bits.TrailingZeros64(v)
		if i < len(groupNames) {
			parts = append(parts, groupNames[i])
		}
	}
	return strings.Join(parts, "|")
}
