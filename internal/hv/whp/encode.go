// Package whp implements hv.Hypervisor on the Windows Hypervisor Platform.
//
// The bitfield layouts of WinHvPlatformDefs.h are decoded here, without
// build constraints, so they can be checked on any host.
package whp

import (
	"fmt"

	"github.com/tinyrange/nem/internal/hv"
)

// WHV_X64_PENDING_INTERRUPTION_TYPE
const (
	interruptionTypeInterrupt = 0
	interruptionTypeNMI       = 2
	interruptionTypeException = 3
)

// encodePendingInterruption packs ev into WHV_X64_PENDING_INTERRUPTION_REGISTER.
func encodePendingInterruption(ev hv.PendingEventValue) (uint64, error) {
	var typ uint64
	switch ev.Type {
	case hv.PendingEventNone:
		return 0, nil
	case hv.PendingEventException:
		typ = interruptionTypeException
	case hv.PendingEventNMI:
		typ = interruptionTypeNMI
	case hv.PendingEventExtInt:
		typ = interruptionTypeInterrupt
	default:
		return 0, fmt.Errorf("whp: unknown pending event type %s", ev.Type)
	}
	v := uint64(1) | typ<<1 | uint64(ev.InstructionLength&0xf)<<5 | uint64(ev.Vector)<<16
	if ev.HasErrorCode {
		v |= 1<<4 | uint64(ev.ErrorCode)<<32
	}
	return v, nil
}

func decodePendingInterruption(v uint64) hv.PendingEventValue {
	if v&1 == 0 {
		return hv.PendingEventValue{}
	}
	ev := hv.PendingEventValue{
		Vector:            uint8(v >> 16),
		InstructionLength: uint8(v>>5) & 0xf,
	}
	switch (v >> 1) & 0x7 {
	case interruptionTypeException:
		ev.Type = hv.PendingEventException
	case interruptionTypeNMI:
		ev.Type = hv.PendingEventNMI
	default:
		ev.Type = hv.PendingEventExtInt
	}
	if v&(1<<4) != 0 {
		ev.HasErrorCode = true
		ev.ErrorCode = uint32(v >> 32)
	}
	return ev
}

// encodeDeliverability packs d into WHV_X64_DELIVERABILITY_NOTIFICATIONS_REGISTER.
func encodeDeliverability(d hv.DeliverabilityValue) uint64 {
	var v uint64
	if d.NMI {
		v |= 1
	}
	if d.Interrupt {
		v |= 1<<1 | uint64(d.Priority&0xf)<<2
	}
	return v
}

func decodeDeliverability(v uint64) hv.DeliverabilityValue {
	return hv.DeliverabilityValue{
		NMI:       v&1 != 0,
		Interrupt: v&2 != 0,
		Priority:  uint8(v>>2) & 0xf,
	}
}

// decodeHeader unpacks WHV_VP_EXIT_CONTEXT.ExecutionState and the
// InstructionLength/Cr8 byte.
func decodeHeader(state uint16, lengthCr8 uint8) hv.ExitHeader {
	return hv.ExitHeader{
		CPL:                 uint8(state & 0x3),
		InterruptionPending: state&(1<<6) != 0,
		InterruptShadow:     state&(1<<12) != 0,
		InstructionLength:   lengthCr8 & 0xf,
		Cr8:                 lengthCr8 >> 4,
	}
}

// decodeMemoryAccess unpacks WHV_MEMORY_ACCESS_INFO.
func decodeMemoryAccess(info uint32) (hv.AccessType, bool) {
	access := hv.AccessType(info & 0x3)
	if access > hv.AccessExecute {
		access = hv.AccessRead
	}
	return access, info&(1<<2) != 0
}

// ioAccess is WHV_X64_IO_PORT_ACCESS_INFO.
type ioAccess struct {
	write  bool
	size   uint8
	string bool
	rep    bool
}

func decodeIOAccess(info uint32) ioAccess {
	return ioAccess{
		write:  info&1 != 0,
		size:   uint8(info>>1) & 0x7,
		string: info&(1<<4) != 0,
		rep:    info&(1<<5) != 0,
	}
}

// windowType converts WHV_X64_INTERRUPTION_DELIVERABLE_CONTEXT.DeliverableType.
func windowType(deliverable uint32) hv.WindowType {
	if deliverable == interruptionTypeNMI {
		return hv.WindowNMI
	}
	return hv.WindowInterrupt
}

// instructionBytes copies the prefetched bytes reported with an exit.
func instructionBytes(count uint8, raw [16]byte) []byte {
	if count == 0 {
		return nil
	}
	if count > uint8(len(raw)) {
		count = uint8(len(raw))
	}
	return append([]byte(nil), raw[:count]...)
}

func exceptionBitmap(vectors ...uint8) uint64 {
	var bm uint64
	for _, v := range vectors {
		bm |= 1 << v
	}
	return bm
}

// interceptedVectors returns the exception exit bitmap for a partition.
func interceptedVectors(gp bool) uint64 {
	bm := exceptionBitmap(hv.VectorDB, hv.VectorBP, hv.VectorUD)
	if gp {
		bm |= exceptionBitmap(hv.VectorGP)
	}
	return bm
}

// mapFlags converts hv.MapFlags to WHV_MAP_GPA_RANGE_FLAGS.
func mapFlags(f hv.MapFlags) uint32 {
	var out uint32
	if f&hv.MapRead != 0 {
		out |= 0x1
	}
	if f&hv.MapWrite != 0 {
		out |= 0x2
	}
	if f&hv.MapExecute != 0 {
		out |= 0x4
	}
	if f&hv.MapTrackDirty != 0 {
		out |= 0x8
	}
	return out
}
