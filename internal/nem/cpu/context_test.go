package cpu

import (
	"errors"
	"testing"

	"github.com/tinyrange/nem/internal/hv"
)

func TestEveryGroupHasBindings(t *testing.T) {
	for g := Group(1); g < groupEnd; g <<= 1 {
		if len(BindingsFor(g)) == 0 {
			t.Errorf("group %s has no register bindings", g)
		}
	}
}

func TestBindingsRegisterUnique(t *testing.T) {
	seen := make(map[hv.Register]bool)
	for _, b := range Bindings {
		if seen[b.Register] {
			t.Fatalf("register %s bound twice", b.Register)
		}
		seen[b.Register] = true
	}
}

func TestBindingsGetSetSymmetric(t *testing.T) {
	src := New()
	for i := range src.GPR {
		src.GPR[i] = uint64(i) * 0x1111
	}
	src.Rip = 0xfff0
	src.Seg[SegDS] = hv.SegmentValue{Base: 0x1000, Limit: 0xffff, Selector: 0x100, Attributes: 0x93}
	src.Gdtr = hv.TableValue{Base: 0x5000, Limit: 0x27}
	src.Efer = 0x500
	src.InterruptShadow = true
	src.PendingEvent = hv.PendingEventValue{Type: hv.PendingEventExtInt, Vector: 0x30}

	dst := New()
	for _, b := range Bindings {
		if err := b.Set(dst, b.Get(src)); err != nil {
			t.Fatalf("set %s: %v", b.Register, err)
		}
	}

	if dst.GPR != src.GPR || dst.Rip != src.Rip || dst.Seg != src.Seg || dst.Gdtr != src.Gdtr ||
		dst.Efer != src.Efer || dst.InterruptShadow != src.InterruptShadow || dst.PendingEvent != src.PendingEvent {
		t.Fatalf("copied context differs: %+v vs %+v", dst, src)
	}
}

func TestBindingRejectsWrongValueType(t *testing.T) {
	b := BindingsFor(GroupCs)[0]
	if err := b.Set(New(), hv.Register64(1)); err == nil {
		t.Fatalf("expected type error setting segment from Register64")
	}
}

func TestRequire(t *testing.T) {
	c := New()
	if err := c.Require(GroupRip); !errors.Is(err, ErrExternalized) {
		t.Fatalf("Require on fresh context = %v, want ErrExternalized", err)
	}
	c.Imported(GroupRip)
	if err := c.Require(GroupRip); err != nil {
		t.Fatalf("Require after import: %v", err)
	}
}

func TestMarkDirtyMakesLocalAuthoritative(t *testing.T) {
	c := New()
	c.SetGPR(R9, 7)
	if c.Dirty() != GroupR8R15 {
		t.Fatalf("dirty = %s, want r8-r15", c.Dirty())
	}
	if c.Externalized&GroupR8R15 != 0 {
		t.Fatalf("r8-r15 still externalized after write")
	}
	c.Exported(GroupR8R15)
	if c.Dirty() != 0 {
		t.Fatalf("dirty after export = %s", c.Dirty())
	}
	c.SetGPR(RAX, 1)
	c.Externalize(GroupAll)
	if c.Dirty() != 0 || c.Externalized != GroupAll {
		t.Fatalf("externalize did not reset state: dirty=%s ext=%s", c.Dirty(), c.Externalized)
	}
}

func TestAdvanceRipClearsShadowAndRF(t *testing.T) {
	c := New()
	c.Imported(GroupRip | GroupRflags | GroupInhibit)
	c.Rip = 0x1000
	c.Rflags = FlagRF | FlagIF
	c.InterruptShadow = true

	c.AdvanceRip(2)

	if c.Rip != 0x1002 {
		t.Fatalf("rip = %#x", c.Rip)
	}
	if c.Rflags&FlagRF != 0 || c.InterruptShadow {
		t.Fatalf("RF or shadow not cleared: rflags=%#x shadow=%v", c.Rflags, c.InterruptShadow)
	}
	want := GroupRip | GroupRflags | GroupInhibit
	if c.Dirty() != want {
		t.Fatalf("dirty = %s, want %s", c.Dirty(), want)
	}
}

func TestCopyFromHeader(t *testing.T) {
	c := New()
	c.CopyFromHeader(&hv.ExitHeader{Rip: 0x7c00, Rflags: 2, Cs: hv.SegmentValue{Selector: 0x8}, Cr8: 3})
	if err := c.Require(GroupHeader); err != nil {
		t.Fatalf("header groups not local: %v", err)
	}
	if c.Externalized&GroupRax == 0 {
		t.Fatalf("rax should still be externalized")
	}
	if c.Rip != 0x7c00 || c.Seg[SegCS].Selector != 0x8 || c.Cr8 != 3 {
		t.Fatalf("header not copied: %+v", c)
	}
	if c.InterruptionPending {
		t.Fatalf("interruption pending without the header flag")
	}

	c.CopyFromHeader(&hv.ExitHeader{InterruptionPending: true})
	if !c.InterruptionPending {
		t.Fatalf("interrupted delivery not carried over")
	}
	c.CopyFromHeader(&hv.ExitHeader{})
	if c.InterruptionPending {
		t.Fatalf("interrupted delivery outlived the next exit")
	}
}

func TestInjectGP(t *testing.T) {
	c := New()
	c.InjectGP()
	if !c.EventPending() {
		t.Fatalf("no pending event after InjectGP")
	}
	ev := c.PendingEvent
	if ev.Type != hv.PendingEventException || ev.Vector != hv.VectorGP || !ev.HasErrorCode || ev.ErrorCode != 0 {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestCPL(t *testing.T) {
	tests := []struct {
		name   string
		cr0    uint64
		rflags uint64
		cs     uint16
		want   uint8
	}{
		{"real mode", 0, 0, 0x23, 0},
		{"protected ring 3", 1, 0, 0x23, 3},
		{"protected ring 0", 1, 0, 0x08, 0},
		{"v86", 1, FlagVM, 0x08, 3},
	}
	for _, tt := range tests {
		c := New()
		c.Cr0 = tt.cr0
		c.Rflags = tt.rflags
		c.Seg[SegCS].Selector = tt.cs
		if got := c.CPL(); got != tt.want {
			t.Errorf("%s: CPL = %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestForceFlags(t *testing.T) {
	var f Force
	f.Set(ForceNMI | ForceTimer)
	if !f.Any(ForceAsyncExit) || !f.Any(ForceNMI) {
		t.Fatalf("flags not set: %#x", f.Load())
	}
	f.Clear(ForceTimer)
	if f.Any(ForceAsyncExit) {
		t.Fatalf("timer still set: %#x", f.Load())
	}
}

func TestWindowThreshold(t *testing.T) {
	w := WindowRegular.WithThreshold(0x3)
	if !w.Regular() || w.NMI() || w.Threshold() != 3 {
		t.Fatalf("window = %#x", uint8(w))
	}
	w = w.WithThreshold(0xa) | WindowNMI
	if w.Threshold() != 0xa || !w.NMI() {
		t.Fatalf("window = %#x", uint8(w))
	}
}
