package cpu

import "sync/atomic"

// ForceFlags are actions requested of a virtual CPU, possibly from another
// goroutine, that must be looked at before the next entry.
type ForceFlags uint32

const (
	ForceInterruptPIC ForceFlags = 1 << iota
	ForceInterruptAPIC
	ForceNMI
	ForceSMI
	ForceExitRequest
	ForceTimer

	ForceInterrupts = ForceInterruptPIC | ForceInterruptAPIC | ForceNMI | ForceSMI
	// ForceAsyncExit are requests that make the run loop return instead of
	// entering the guest.
	ForceAsyncExit = ForceExitRequest | ForceTimer
)

type Force struct {
	v atomic.Uint32
}

func (f *Force) Set(flags ForceFlags) {
	f.v.Or(uint32(flags))
}

func (f *Force) Clear(flags ForceFlags) {
	f.v.And(^uint32(flags))
}

func (f *Force) Load() ForceFlags {
	return ForceFlags(f.v.Load())
}

func (f *Force) Any(flags ForceFlags) bool {
	return f.Load()&flags != 0
}

// WindowRequest asks the host for an exit once an interrupt class becomes
// deliverable. Bits 4-7 hold the priority class a regular interrupt must
// exceed; zero means any.
type WindowRequest uint8

const (
	WindowNMI WindowRequest = 1 << iota
	WindowRegular
)

func (w WindowRequest) WithThreshold(class uint8) WindowRequest {
	return w&^0xf0 | WindowRequest(class&0xf)<<4
}

func (w WindowRequest) Threshold() uint8 {
	return uint8(w >> 4)
}

func (w WindowRequest) NMI() bool     { return w&WindowNMI != 0 }
func (w WindowRequest) Regular() bool { return w&WindowRegular != 0 }
