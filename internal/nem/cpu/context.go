// Package cpu holds the local copy of one virtual CPU's architectural state
// and the bookkeeping of which parts of it currently live in the host.
package cpu

import (
	"errors"
	"fmt"

	"github.com/tinyrange/nem/internal/hv"
)

var ErrExternalized = errors.New("register group not imported")

// General purpose register indices, in x86 encoding order.
const (
	RAX = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

// Segment register indices, in x86 encoding order.
const (
	SegES = iota
	SegCS
	SegSS
	SegDS
	SegFS
	SegGS
)

// RFLAGS bits used by the core.
const (
	FlagTF uint64 = 1 << 8
	FlagIF uint64 = 1 << 9
	FlagRF uint64 = 1 << 16
	FlagVM uint64 = 1 << 17
)

// Context is the local guest CPU context of one virtual CPU.
//
// Externalized tracks groups whose authoritative value is in the host
// partition. Reading a field of an externalized group is invalid; use
// Require to check. Every local modification must be recorded with MarkDirty
// (the setters below do this) so the next export pushes it.
type Context struct {
	GPR    [16]uint64
	Rip    uint64
	Rflags uint64

	Seg  [6]hv.SegmentValue
	Ldtr hv.SegmentValue
	Tr   hv.SegmentValue
	Gdtr hv.TableValue
	Idtr hv.TableValue

	Cr0 uint64
	Cr2 uint64
	Cr3 uint64
	Cr4 uint64
	Cr8 uint64

	Dr  [4]uint64
	Dr6 uint64
	Dr7 uint64

	Efer         uint64
	KernelGsBase uint64
	Star         uint64
	Lstar        uint64
	Cstar        uint64
	Sfmask       uint64
	SysenterCs   uint64
	SysenterEip  uint64
	SysenterEsp  uint64
	TscAux       uint64
	Pat          uint64
	ApicBase     uint64

	InterruptShadow bool
	NMIBlocked      bool

	// InterruptionPending is set when the last exit interrupted the
	// delivery of an event. The host re-delivers it on the next entry.
	InterruptionPending bool

	PendingEvent hv.PendingEventValue

	// Window is the deliverability request computed for the coming run.
	Window WindowRequest
	// RegisteredWindow is the request the host currently holds.
	RegisteredWindow WindowRequest

	Externalized Group
	dirty        Group

	Force Force
}

// New returns a context whose state is entirely held by the host.
func New() *Context {
	return &Context{Externalized: GroupAll}
}

// Require reports ErrExternalized when any group in g must be imported first.
func (c *Context) Require(g Group) error {
	if missing := c.Externalized & g; missing != 0 {
		return fmt.Errorf("cpu: %s: %w", missing, ErrExternalized)
	}
	return nil
}

// Dirty returns the groups modified locally since the last export.
func (c *Context) Dirty() Group { return c.dirty }

// MarkDirty records a local modification of g. The local copy of g becomes
// authoritative. Multi-register groups must be imported before a partial
// write.
func (c *Context) MarkDirty(g Group) {
	c.dirty |= g
	c.Externalized &^= g
}

// Exported clears the dirty bits of g after a successful push to the host.
func (c *Context) Exported(g Group) {
	c.dirty &^= g
}

// Imported marks g as locally valid after a successful fetch from the host.
func (c *Context) Imported(g Group) {
	c.Externalized &^= g
}

// Externalize hands g back to the host, dropping any local modification.
func (c *Context) Externalize(g Group) {
	c.Externalized |= g
	c.dirty &^= g
}

// CopyFromHeader refreshes the state every exit reports.
func (c *Context) CopyFromHeader(h *hv.ExitHeader) {
	c.Rip = h.Rip
	c.Rflags = h.Rflags
	c.Seg[SegCS] = h.Cs
	c.Cr8 = uint64(h.Cr8)
	c.InterruptionPending = h.InterruptionPending
	c.Imported(GroupHeader)
}

func (c *Context) SetGPR(reg int, v uint64) {
	c.GPR[reg] = v
	c.MarkDirty(gprGroup(reg))
}

func (c *Context) SetRip(v uint64) {
	c.Rip = v
	c.MarkDirty(GroupRip)
}

// AdvanceRip steps over an instruction completed on the guest's behalf:
// RIP moves forward, RF and any interrupt shadow are cleared.
func (c *Context) AdvanceRip(n uint8) {
	c.SetRip(c.Rip + uint64(n))
	if c.Rflags&FlagRF != 0 {
		c.Rflags &^= FlagRF
		c.MarkDirty(GroupRflags)
	}
	if c.Externalized&GroupInhibit == 0 && c.InterruptShadow {
		c.InterruptShadow = false
		c.MarkDirty(GroupInhibit)
	}
}

// InjectException queues an exception for delivery on the next entry.
func (c *Context) InjectException(vector uint8, errorCode uint32, hasErrorCode bool, length uint8) {
	c.PendingEvent = hv.PendingEventValue{
		Type:              hv.PendingEventException,
		Vector:            vector,
		HasErrorCode:      hasErrorCode,
		ErrorCode:         errorCode,
		InstructionLength: length,
	}
	c.MarkDirty(GroupEvent)
}

// InjectGP queues #GP(0).
func (c *Context) InjectGP() {
	c.InjectException(hv.VectorGP, 0, true, 0)
}

func (c *Context) InjectNMI() {
	c.PendingEvent = hv.PendingEventValue{Type: hv.PendingEventNMI, Vector: hv.VectorNMI}
	c.MarkDirty(GroupEvent)
}

func (c *Context) InjectExtInt(vector uint8) {
	c.PendingEvent = hv.PendingEventValue{Type: hv.PendingEventExtInt, Vector: vector}
	c.MarkDirty(GroupEvent)
}

// EventPending reports whether an injection waits for the next entry.
func (c *Context) EventPending() bool {
	return c.Externalized&GroupEvent == 0 && c.PendingEvent.Type != hv.PendingEventNone
}

// CPL derives the current privilege level from CS and the mode bits.
func (c *Context) CPL() uint8 {
	if c.Cr0&1 == 0 {
		return 0
	}
	if c.Rflags&FlagVM != 0 {
		return 3
	}
	return uint8(c.Seg[SegCS].Selector & 3)
}

func gprGroup(reg int) Group {
	if reg >= R8 {
		return GroupR8R15
	}
	return GroupRax << reg
}
