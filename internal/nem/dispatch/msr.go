package dispatch

import (
	"fmt"

	"github.com/tinyrange/nem/internal/hv"
	"github.com/tinyrange/nem/internal/nem/cpu"
)

const (
	MsrApicBase     uint32 = 0x0000001b
	MsrSysenterCs   uint32 = 0x00000174
	MsrSysenterEsp  uint32 = 0x00000175
	MsrSysenterEip  uint32 = 0x00000176
	MsrPat          uint32 = 0x00000277
	MsrEfer         uint32 = 0xc0000080
	MsrStar         uint32 = 0xc0000081
	MsrLstar        uint32 = 0xc0000082
	MsrCstar        uint32 = 0xc0000083
	MsrSfmask       uint32 = 0xc0000084
	MsrFsBase       uint32 = 0xc0000100
	MsrGsBase       uint32 = 0xc0000101
	MsrKernelGsBase uint32 = 0xc0000102
	MsrTscAux       uint32 = 0xc0000103
)

const (
	eferSCE   uint64 = 1 << 0
	eferLME   uint64 = 1 << 8
	eferLMA   uint64 = 1 << 10
	eferNXE   uint64 = 1 << 11
	eferFFXSR uint64 = 1 << 14

	eferWritable = eferSCE | eferLME | eferNXE | eferFFXSR
)

// msrEntry describes one MSR the core services. A nil set makes the MSR
// read-only; set reports false to have the write fault with #GP.
type msrEntry struct {
	group cpu.Group
	get   func(c *cpu.Context) uint64
	set   func(c *cpu.Context, v uint64) bool
}

func field(p func(c *cpu.Context) *uint64, valid func(v uint64) bool) msrEntry {
	return msrEntry{
		get: func(c *cpu.Context) uint64 { return *p(c) },
		set: func(c *cpu.Context, v uint64) bool {
			if valid != nil && !valid(v) {
				return false
			}
			*p(c) = v
			return true
		},
	}
}

func withGroup(g cpu.Group, e msrEntry) msrEntry {
	e.group = g
	return e
}

func canonical(v uint64) bool {
	return uint64(int64(v<<16)>>16) == v
}

func validPat(v uint64) bool {
	for i := 0; i < 8; i++ {
		switch (v >> (8 * i)) & 0xff {
		case 0, 1, 4, 5, 6, 7:
		default:
			return false
		}
	}
	return true
}

var msrTable = map[uint32]msrEntry{
	MsrEfer: {
		group: cpu.GroupEfer,
		get:   func(c *cpu.Context) uint64 { return c.Efer },
		set: func(c *cpu.Context, v uint64) bool {
			if v&^(eferWritable|eferLMA) != 0 {
				return false
			}
			c.Efer = v&eferWritable | c.Efer&eferLMA
			return true
		},
	},
	MsrStar:         withGroup(cpu.GroupSyscallMsrs, field(func(c *cpu.Context) *uint64 { return &c.Star }, nil)),
	MsrLstar:        withGroup(cpu.GroupSyscallMsrs, field(func(c *cpu.Context) *uint64 { return &c.Lstar }, canonical)),
	MsrCstar:        withGroup(cpu.GroupSyscallMsrs, field(func(c *cpu.Context) *uint64 { return &c.Cstar }, canonical)),
	MsrSfmask:       withGroup(cpu.GroupSyscallMsrs, field(func(c *cpu.Context) *uint64 { return &c.Sfmask }, func(v uint64) bool { return v>>32 == 0 })),
	MsrKernelGsBase: withGroup(cpu.GroupKernelGsBase, field(func(c *cpu.Context) *uint64 { return &c.KernelGsBase }, canonical)),
	MsrSysenterCs:   withGroup(cpu.GroupSysenterMsrs, field(func(c *cpu.Context) *uint64 { return &c.SysenterCs }, nil)),
	MsrSysenterEsp:  withGroup(cpu.GroupSysenterMsrs, field(func(c *cpu.Context) *uint64 { return &c.SysenterEsp }, canonical)),
	MsrSysenterEip:  withGroup(cpu.GroupSysenterMsrs, field(func(c *cpu.Context) *uint64 { return &c.SysenterEip }, canonical)),
	MsrTscAux:       withGroup(cpu.GroupTscAux, field(func(c *cpu.Context) *uint64 { return &c.TscAux }, func(v uint64) bool { return v>>32 == 0 })),
	MsrPat:          withGroup(cpu.GroupOtherMsrs, field(func(c *cpu.Context) *uint64 { return &c.Pat }, validPat)),
	MsrApicBase:     withGroup(cpu.GroupOtherMsrs, field(func(c *cpu.Context) *uint64 { return &c.ApicBase }, nil)),
	MsrFsBase:       withGroup(cpu.GroupFs, field(func(c *cpu.Context) *uint64 { return &c.Seg[cpu.SegFS].Base }, canonical)),
	MsrGsBase:       withGroup(cpu.GroupGs, field(func(c *cpu.Context) *uint64 { return &c.Seg[cpu.SegGS].Base }, canonical)),
}

func (d *Dispatcher) msr(c *cpu.Context, e *hv.ExitMSR) (Action, error) {
	entry, ok := msrTable[e.Msr]
	if e.CPL != 0 || !ok {
		if !ok {
			d.log.Debug("dispatch: unknown msr", "msr", fmt.Sprintf("%#x", e.Msr), "write", e.Write)
		}
		d.stats.InjectedGP++
		c.InjectGP()
		return Resume, nil
	}

	if err := d.cfg.Sync.Import(c, entry.group); err != nil {
		return 0, &FatalError{Kind: InternalError, Exit: e.Kind(), Err: err}
	}

	if e.Write {
		value := e.Rdx<<32 | e.Rax&0xffffffff
		if entry.set == nil || !entry.set(c, value) {
			d.stats.InjectedGP++
			c.InjectGP()
			return Resume, nil
		}
		c.MarkDirty(entry.group)
		if e.Msr == MsrEfer && d.cfg.Paging != nil {
			if err := d.cfg.Sync.Import(c, cpu.GroupPagingMode); err != nil {
				return 0, &FatalError{Kind: InternalError, Exit: e.Kind(), Err: err}
			}
			if err := d.cfg.Paging.PagingModeChanged(c.Cr0, c.Cr4, c.Efer); err != nil {
				return 0, &FatalError{Kind: InternalError, Exit: e.Kind(), Err: err}
			}
		}
	} else {
		v := entry.get(c)
		c.SetGPR(cpu.RAX, v&0xffffffff)
		c.SetGPR(cpu.RDX, v>>32)
	}

	if err := d.advance(c, &e.ExitHeader); err != nil {
		return 0, &FatalError{Kind: InternalError, Exit: e.Kind(), Err: err}
	}
	return Resume, nil
}
