package statesync

import (
	"errors"
	"testing"

	"github.com/tinyrange/nem/internal/hv"
	"github.com/tinyrange/nem/internal/hv/hvtest"
	"github.com/tinyrange/nem/internal/nem/cpu"
)

type pagingEvents struct {
	modes []uint64
	roots []uint64
}

func (p *pagingEvents) PagingModeChanged(cr0, cr4, efer uint64) error {
	p.modes = append(p.modes, cr0)
	return nil
}

func (p *pagingEvents) PagingRootChanged(cr3 uint64) error {
	p.roots = append(p.roots, cr3)
	return nil
}

// fill gives every register of the context a distinct value.
func fill(c *cpu.Context) {
	for i := range c.GPR {
		c.GPR[i] = 0x100 + uint64(i)
	}
	c.Rip = 0x200
	c.Rflags = 0x202
	for i := range c.Seg {
		c.Seg[i] = hv.SegmentValue{Base: uint64(i) << 12, Limit: 0xffff, Selector: uint16(i * 8), Attributes: 0x93}
	}
	c.Ldtr = hv.SegmentValue{Selector: 0x30}
	c.Tr = hv.SegmentValue{Selector: 0x38, Attributes: 0x8b}
	c.Gdtr = hv.TableValue{Base: 0x1000, Limit: 0x3f}
	c.Idtr = hv.TableValue{Base: 0x2000, Limit: 0xfff}
	c.Cr0, c.Cr2, c.Cr3, c.Cr4, c.Cr8 = 0x80000011, 0x300, 0x4000, 0x20, 2
	c.Dr = [4]uint64{1, 2, 3, 4}
	c.Dr6, c.Dr7 = 0xffff0ff0, 0x400
	c.Efer = 0x500
	c.KernelGsBase = 0x600
	c.Star, c.Lstar, c.Cstar, c.Sfmask = 7, 8, 9, 10
	c.SysenterCs, c.SysenterEip, c.SysenterEsp = 11, 12, 13
	c.TscAux = 14
	c.Pat = 0x0007040600070406
	c.ApicBase = 0xfee00900
	c.InterruptShadow = true
	c.NMIBlocked = true
	c.PendingEvent = hv.PendingEventValue{Type: hv.PendingEventException, Vector: hv.VectorGP, HasErrorCode: true}
}

func TestExportImportRoundTrip(t *testing.T) {
	for g := cpu.Group(1); g&cpu.GroupAll != 0; g <<= 1 {
		t.Run(g.String(), func(t *testing.T) {
			part := hvtest.New(1)
			eng := New(part, 0, nil, nil)

			src := cpu.New()
			fill(src)
			src.MarkDirty(g)
			if err := eng.Export(src); err != nil {
				t.Fatalf("export: %v", err)
			}
			if src.Dirty() != 0 {
				t.Fatalf("dirty after export: %s", src.Dirty())
			}

			dst := cpu.New()
			if err := eng.Import(dst, g); err != nil {
				t.Fatalf("import: %v", err)
			}
			if dst.Externalized&g != 0 {
				t.Fatalf("group still externalized after import")
			}

			for _, b := range cpu.BindingsFor(g) {
				want := b.Get(src)
				if g == cpu.GroupEvent {
					want = hv.PendingEventValue{}
				}
				if got := b.Get(dst); got != want {
					t.Errorf("%s: got %+v, want %+v", b.Register, got, want)
				}
			}
		})
	}
}

func TestImportSkipsLocalGroups(t *testing.T) {
	part := hvtest.New(1)
	part.SetRegister(0, hv.RegisterRax, hv.Register64(1))
	eng := New(part, 0, nil, nil)

	c := cpu.New()
	c.SetGPR(cpu.RAX, 42)
	if err := eng.Import(c, cpu.GroupRax|cpu.GroupRcx); err != nil {
		t.Fatalf("import: %v", err)
	}
	if c.GPR[cpu.RAX] != 42 {
		t.Fatalf("dirty rax overwritten: %d", c.GPR[cpu.RAX])
	}
	if c.Dirty() != cpu.GroupRax {
		t.Fatalf("dirty = %s", c.Dirty())
	}

	part.ResetCalls()
	if err := eng.Import(c, cpu.GroupRax|cpu.GroupRcx); err != nil {
		t.Fatalf("import: %v", err)
	}
	if calls := part.Calls(); calls.Get != 0 {
		t.Fatalf("resident import issued %d host calls", calls.Get)
	}
}

func TestExportOnlyWindow(t *testing.T) {
	part := hvtest.New(1)
	eng := New(part, 0, nil, nil)

	c := cpu.New()
	if eng.NeedsExport(c) {
		t.Fatalf("fresh context needs export")
	}
	c.Window = cpu.WindowRegular.WithThreshold(5)
	if !eng.NeedsExport(c) {
		t.Fatalf("changed window does not need export")
	}
	if err := eng.Export(c); err != nil {
		t.Fatalf("export: %v", err)
	}
	got := part.Register(0, hv.RegisterDeliverabilityNotifications)
	want := hv.DeliverabilityValue{Interrupt: true, Priority: 5}
	if got != want {
		t.Fatalf("deliverability = %+v, want %+v", got, want)
	}
	if c.RegisteredWindow != c.Window || eng.NeedsExport(c) {
		t.Fatalf("window not registered")
	}
	if s := eng.Stats(); s.WindowOnlyExport != 1 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestExportNamesFailingRegister(t *testing.T) {
	part := hvtest.New(1)
	part.FailRegister = hv.RegisterCr4
	eng := New(part, 0, nil, nil)

	c := cpu.New()
	c.Imported(cpu.GroupControlRegs)
	c.MarkDirty(cpu.GroupCr0 | cpu.GroupCr4)

	err := eng.Export(c)
	var regErr *RegisterError
	if !errors.As(err, &regErr) {
		t.Fatalf("export error = %v, want RegisterError", err)
	}
	if regErr.Register != hv.RegisterCr4 || regErr.Op != "set" {
		t.Fatalf("blamed %s/%s", regErr.Op, regErr.Register)
	}
	if c.Dirty() == 0 {
		t.Fatalf("failed export cleared dirty groups")
	}
}

func TestImportNotifiesPaging(t *testing.T) {
	part := hvtest.New(1)
	part.SetRegister(0, hv.RegisterCr0, hv.Register64(0x80000001))
	part.SetRegister(0, hv.RegisterCr3, hv.Register64(0x9000))
	obs := &pagingEvents{}
	eng := New(part, 0, obs, nil)

	c := cpu.New()
	if err := eng.Import(c, cpu.GroupPagingMode); err != nil {
		t.Fatalf("import: %v", err)
	}
	if len(obs.modes) != 1 || obs.modes[0] != 0x80000001 {
		t.Fatalf("mode notifications = %v", obs.modes)
	}
	if len(obs.roots) != 1 || obs.roots[0] != 0x9000 {
		t.Fatalf("root notifications = %v", obs.roots)
	}

	c.Externalize(cpu.GroupAll)
	if err := eng.Import(c, cpu.GroupPagingMode); err != nil {
		t.Fatalf("import: %v", err)
	}
	if len(obs.modes) != 1 || len(obs.roots) != 1 {
		t.Fatalf("unchanged paging state notified again: %v %v", obs.modes, obs.roots)
	}
}
