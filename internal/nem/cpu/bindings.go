package cpu

import (
	"fmt"

	"github.com/tinyrange/nem/internal/hv"
)

// Binding ties one host register name to the context field it mirrors and
// the group it moves with. Import and export both walk Bindings, so a
// register can never be pushed without also being fetchable.
type Binding struct {
	Register hv.Register
	Group    Group

	Get func(c *Context) hv.RegisterValue
	Set func(c *Context, v hv.RegisterValue) error
}

func valueTypeError(r hv.Register, v hv.RegisterValue) error {
	return fmt.Errorf("cpu: register %s: unexpected value type %T", r, v)
}

func u64(r hv.Register, g Group, field func(c *Context) *uint64) Binding {
	return Binding{
		Register: r,
		Group:    g,
		Get:      func(c *Context) hv.RegisterValue { return hv.Register64(*field(c)) },
		Set: func(c *Context, v hv.RegisterValue) error {
			val, ok := v.(hv.Register64)
			if !ok {
				return valueTypeError(r, v)
			}
			*field(c) = uint64(val)
			return nil
		},
	}
}

func seg(r hv.Register, g Group, field func(c *Context) *hv.SegmentValue) Binding {
	return Binding{
		Register: r,
		Group:    g,
		Get:      func(c *Context) hv.RegisterValue { return *field(c) },
		Set: func(c *Context, v hv.RegisterValue) error {
			val, ok := v.(hv.SegmentValue)
			if !ok {
				return valueTypeError(r, v)
			}
			*field(c) = val
			return nil
		},
	}
}

func table(r hv.Register, g Group, field func(c *Context) *hv.TableValue) Binding {
	return Binding{
		Register: r,
		Group:    g,
		Get:      func(c *Context) hv.RegisterValue { return *field(c) },
		Set: func(c *Context, v hv.RegisterValue) error {
			val, ok := v.(hv.TableValue)
			if !ok {
				return valueTypeError(r, v)
			}
			*field(c) = val
			return nil
		},
	}
}

func gpr(r hv.Register, idx int) Binding {
	return u64(r, gprGroup(idx), func(c *Context) *uint64 { return &c.GPR[idx] })
}

var Bindings = []Binding{
	gpr(hv.RegisterRax, RAX),
	gpr(hv.RegisterRcx, RCX),
	gpr(hv.RegisterRdx, RDX),
	gpr(hv.RegisterRbx, RBX),
	gpr(hv.RegisterRsp, RSP),
	gpr(hv.RegisterRbp, RBP),
	gpr(hv.RegisterRsi, RSI),
	gpr(hv.RegisterRdi, RDI),
	gpr(hv.RegisterR8, R8),
	gpr(hv.RegisterR9, R9),
	gpr(hv.RegisterR10, R10),
	gpr(hv.RegisterR11, R11),
	gpr(hv.RegisterR12, R12),
	gpr(hv.RegisterR13, R13),
	gpr(hv.RegisterR14, R14),
	gpr(hv.RegisterR15, R15),
	u64(hv.RegisterRip, GroupRip, func(c *Context) *uint64 { return &c.Rip }),
	u64(hv.RegisterRflags, GroupRflags, func(c *Context) *uint64 { return &c.Rflags }),

	seg(hv.RegisterEs, GroupEs, func(c *Context) *hv.SegmentValue { return &c.Seg[SegES] }),
	seg(hv.RegisterCs, GroupCs, func(c *Context) *hv.SegmentValue { return &c.Seg[SegCS] }),
	seg(hv.RegisterSs, GroupSs, func(c *Context) *hv.SegmentValue { return &c.Seg[SegSS] }),
	seg(hv.RegisterDs, GroupDs, func(c *Context) *hv.SegmentValue { return &c.Seg[SegDS] }),
	seg(hv.RegisterFs, GroupFs, func(c *Context) *hv.SegmentValue { return &c.Seg[SegFS] }),
	seg(hv.RegisterGs, GroupGs, func(c *Context) *hv.SegmentValue { return &c.Seg[SegGS] }),
	seg(hv.RegisterLdtr, GroupLdtr, func(c *Context) *hv.SegmentValue { return &c.Ldtr }),
	seg(hv.RegisterTr, GroupTr, func(c *Context) *hv.SegmentValue { return &c.Tr }),
	table(hv.RegisterIdtr, GroupIdtr, func(c *Context) *hv.TableValue { return &c.Idtr }),
	table(hv.RegisterGdtr, GroupGdtr, func(c *Context) *hv.TableValue { return &c.Gdtr }),

	u64(hv.RegisterCr0, GroupCr0, func(c *Context) *uint64 { return &c.Cr0 }),
	u64(hv.RegisterCr2, GroupCr2, func(c *Context) *uint64 { return &c.Cr2 }),
	u64(hv.RegisterCr3, GroupCr3, func(c *Context) *uint64 { return &c.Cr3 }),
	u64(hv.RegisterCr4, GroupCr4, func(c *Context) *uint64 { return &c.Cr4 }),
	u64(hv.RegisterCr8, GroupCr8, func(c *Context) *uint64 { return &c.Cr8 }),

	u64(hv.RegisterDr0, GroupDr0Dr3, func(c *Context) *uint64 { return &c.Dr[0] }),
	u64(hv.RegisterDr1, GroupDr0Dr3, func(c *Context) *uint64 { return &c.Dr[1] }),
	u64(hv.RegisterDr2, GroupDr0Dr3, func(c *Context) *uint64 { return &c.Dr[2] }),
	u64(hv.RegisterDr3, GroupDr0Dr3, func(c *Context) *uint64 { return &c.Dr[3] }),
	u64(hv.RegisterDr6, GroupDr6, func(c *Context) *uint64 { return &c.Dr6 }),
	u64(hv.RegisterDr7, GroupDr7, func(c *Context) *uint64 { return &c.Dr7 }),

	u64(hv.RegisterEfer, GroupEfer, func(c *Context) *uint64 { return &c.Efer }),
	u64(hv.RegisterKernelGsBase, GroupKernelGsBase, func(c *Context) *uint64 { return &c.KernelGsBase }),
	u64(hv.RegisterStar, GroupSyscallMsrs, func(c *Context) *uint64 { return &c.Star }),
	u64(hv.RegisterLstar, GroupSyscallMsrs, func(c *Context) *uint64 { return &c.Lstar }),
	u64(hv.RegisterCstar, GroupSyscallMsrs, func(c *Context) *uint64 { return &c.Cstar }),
	u64(hv.RegisterSfmask, GroupSyscallMsrs, func(c *Context) *uint64 { return &c.Sfmask }),
	u64(hv.RegisterSysenterCs, GroupSysenterMsrs, func(c *Context) *uint64 { return &c.SysenterCs }),
	u64(hv.RegisterSysenterEip, GroupSysenterMsrs, func(c *Context) *uint64 { return &c.SysenterEip }),
	u64(hv.RegisterSysenterEsp, GroupSysenterMsrs, func(c *Context) *uint64 { return &c.SysenterEsp }),
	u64(hv.RegisterTscAux, GroupTscAux, func(c *Context) *uint64 { return &c.TscAux }),
	u64(hv.RegisterPat, GroupOtherMsrs, func(c *Context) *uint64 { return &c.Pat }),
	u64(hv.RegisterApicBase, GroupOtherMsrs, func(c *Context) *uint64 { return &c.ApicBase }),

	{
		Register: hv.RegisterInterruptState,
		Group:    GroupInhibit,
		Get: func(c *Context) hv.RegisterValue {
			var v hv.Register64
			if c.InterruptShadow {
				v |= 1
			}
			if c.NMIBlocked {
				v |= 2
			}
			return v
		},
		Set: func(c *Context, v hv.RegisterValue) error {
			val, ok := v.(hv.Register64)
			if !ok {
				return valueTypeError(hv.RegisterInterruptState, v)
			}
			c.InterruptShadow = val&1 != 0
			c.NMIBlocked = val&2 != 0
			return nil
		},
	},
	{
		Register: hv.RegisterPendingEvent,
		Group:    GroupEvent,
		Get:      func(c *Context) hv.RegisterValue { return c.PendingEvent },
		Set: func(c *Context, v hv.RegisterValue) error {
			val, ok := v.(hv.PendingEventValue)
			if !ok {
				return valueTypeError(hv.RegisterPendingEvent, v)
			}
			c.PendingEvent = val
			return nil
		},
	},
}

// BindingsFor returns the bindings of every register in mask, in table order.
func BindingsFor(mask Group) []Binding {
	var out []Binding
	for _, b := range Bindings {
		if b.Group&mask != 0 {
			out = append(out, b)
		}
	}
	return out
}
