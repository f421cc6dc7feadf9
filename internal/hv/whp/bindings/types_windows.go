//go:build windows && amd64

package bindings

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

// HRESULT represents a Windows error/success code returned from WinHv APIs.
type HRESULT int32

// Failed reports whether the HRESULT indicates failure.
func (hr HRESULT) Failed() bool { return hr < 0 }

// Err converts the HRESULT into a Go error. It returns nil when the code
// represents success.
func (hr HRESULT) Err() error {
	if !hr.Failed() {
		return nil
	}
	return HRESULTError(hr)
}

// HRESULTError wraps a failing HRESULT value and implements the error interface.
type HRESULTError HRESULT

func (e HRESULTError) Error() string {
	return fmt.Sprintf("HRESULT %#08x: %s", uint32(e), windows.Errno(uint32(e)&0xffff).Error())
}

// PartitionHandle mirrors WHV_PARTITION_HANDLE.
type PartitionHandle windows.Handle

// GuestPhysicalAddress mirrors WHV_GUEST_PHYSICAL_ADDRESS.
type GuestPhysicalAddress uint64

// GuestVirtualAddress mirrors WHV_GUEST_VIRTUAL_ADDRESS.
type GuestVirtualAddress uint64

// CapabilityCode mirrors WHV_CAPABILITY_CODE.
type CapabilityCode uint32

const (
	CapabilityCodeHypervisorPresent CapabilityCode = 0x00000000
	CapabilityCodeFeatures          CapabilityCode = 0x00000001
	CapabilityCodeExtendedVmExits   CapabilityCode = 0x00000002
)

// CapabilityFeatures mirrors WHV_CAPABILITY_FEATURES.
type CapabilityFeatures uint64

const (
	CapabilityFeaturePartialUnmap       CapabilityFeatures = 1 << 0
	CapabilityFeatureLocalApicEmulation CapabilityFeatures = 1 << 1
	CapabilityFeatureXsave              CapabilityFeatures = 1 << 2
	CapabilityFeatureDirtyPageTracking  CapabilityFeatures = 1 << 3
)

// ExtendedVmExits mirrors WHV_EXTENDED_VM_EXITS.
type ExtendedVmExits uint64

const (
	ExtendedVmExitX64Cpuid        ExtendedVmExits = 1 << 0
	ExtendedVmExitX64Msr          ExtendedVmExits = 1 << 1
	ExtendedVmExitException       ExtendedVmExits = 1 << 2
	ExtendedVmExitX64ApicInitSipi ExtendedVmExits = 1 << 6
)

// PartitionPropertyCode mirrors WHV_PARTITION_PROPERTY_CODE.
type PartitionPropertyCode uint32

const (
	PartitionPropertyCodeExtendedVmExits        PartitionPropertyCode = 0x00000001
	PartitionPropertyCodeExceptionExitBitmap    PartitionPropertyCode = 0x00000002
	PartitionPropertyCodeLocalApicEmulationMode PartitionPropertyCode = 0x00001005
	PartitionPropertyCodeProcessorCount         PartitionPropertyCode = 0x00001fff
)

// LocalApicEmulationMode mirrors WHV_X64_LOCAL_APIC_EMULATION_MODE.
type LocalApicEmulationMode uint32

const (
	LocalApicEmulationModeNone   LocalApicEmulationMode = 0
	LocalApicEmulationModeXApic  LocalApicEmulationMode = 1
	LocalApicEmulationModeX2Apic LocalApicEmulationMode = 2
)

// MapGPARangeFlags mirrors WHV_MAP_GPA_RANGE_FLAGS.
type MapGPARangeFlags uint32

const (
	MapGPARangeFlagNone       MapGPARangeFlags = 0
	MapGPARangeFlagRead       MapGPARangeFlags = 0x00000001
	MapGPARangeFlagWrite      MapGPARangeFlags = 0x00000002
	MapGPARangeFlagExecute    MapGPARangeFlags = 0x00000004
	MapGPARangeFlagTrackDirty MapGPARangeFlags = 0x00000008
)

// RegisterName mirrors WHV_REGISTER_NAME.
type RegisterName uint32

const (
	RegisterRax    RegisterName = 0x00000000
	RegisterRcx    RegisterName = 0x00000001
	RegisterRdx    RegisterName = 0x00000002
	RegisterRbx    RegisterName = 0x00000003
	RegisterRsp    RegisterName = 0x00000004
	RegisterRbp    RegisterName = 0x00000005
	RegisterRsi    RegisterName = 0x00000006
	RegisterRdi    RegisterName = 0x00000007
	RegisterR8     RegisterName = 0x00000008
	RegisterR9     RegisterName = 0x00000009
	RegisterR10    RegisterName = 0x0000000A
	RegisterR11    RegisterName = 0x0000000B
	RegisterR12    RegisterName = 0x0000000C
	RegisterR13    RegisterName = 0x0000000D
	RegisterR14    RegisterName = 0x0000000E
	RegisterR15    RegisterName = 0x0000000F
	RegisterRip    RegisterName = 0x00000010
	RegisterRflags RegisterName = 0x00000011

	RegisterEs   RegisterName = 0x00000012
	RegisterCs   RegisterName = 0x00000013
	RegisterSs   RegisterName = 0x00000014
	RegisterDs   RegisterName = 0x00000015
	RegisterFs   RegisterName = 0x00000016
	RegisterGs   RegisterName = 0x00000017
	RegisterLdtr RegisterName = 0x00000018
	RegisterTr   RegisterName = 0x00000019
	RegisterIdtr RegisterName = 0x0000001A
	RegisterGdtr RegisterName = 0x0000001B

	RegisterCr0 RegisterName = 0x0000001C
	RegisterCr2 RegisterName = 0x0000001D
	RegisterCr3 RegisterName = 0x0000001E
	RegisterCr4 RegisterName = 0x0000001F
	RegisterCr8 RegisterName = 0x00000020

	RegisterDr0 RegisterName = 0x00000021
	RegisterDr1 RegisterName = 0x00000022
	RegisterDr2 RegisterName = 0x00000023
	RegisterDr3 RegisterName = 0x00000024
	RegisterDr6 RegisterName = 0x00000025
	RegisterDr7 RegisterName = 0x00000026

	RegisterEfer         RegisterName = 0x00002001
	RegisterKernelGsBase RegisterName = 0x00002002
	RegisterApicBase     RegisterName = 0x00002003
	RegisterPat          RegisterName = 0x00002004
	RegisterSysenterCs   RegisterName = 0x00002005
	RegisterSysenterEip  RegisterName = 0x00002006
	RegisterSysenterEsp  RegisterName = 0x00002007
	RegisterStar         RegisterName = 0x00002008
	RegisterLstar        RegisterName = 0x00002009
	RegisterCstar        RegisterName = 0x0000200A
	RegisterSfmask       RegisterName = 0x0000200B
	RegisterTscAux       RegisterName = 0x0000207B

	RegisterPendingInterruption         RegisterName = 0x80000000
	RegisterInterruptState              RegisterName = 0x80000001
	RegisterDeliverabilityNotifications RegisterName = 0x80000004
)

// X64SegmentRegister mirrors WHV_X64_SEGMENT_REGISTER.
type X64SegmentRegister struct {
	Base       uint64
	Limit      uint32
	Selector   uint16
	Attributes uint16
}

// X64TableRegister mirrors WHV_X64_TABLE_REGISTER.
type X64TableRegister struct {
	Pad   [3]uint16
	Limit uint16
	Base  uint64
}

// RegisterValue mirrors WHV_REGISTER_VALUE, a 16 byte union.
type RegisterValue struct {
	Low64  uint64
	High64 uint64
}

// Uint64RegisterValue returns a value holding a 64-bit register.
func Uint64RegisterValue(val uint64) RegisterValue {
	return RegisterValue{Low64: val}
}

// AsSegment interprets the union as a segment register.
func (v *RegisterValue) AsSegment() *X64SegmentRegister {
	return (*X64SegmentRegister)(unsafe.Pointer(v))
}

// AsTable interprets the union as a table register.
func (v *RegisterValue) AsTable() *X64TableRegister {
	return (*X64TableRegister)(unsafe.Pointer(v))
}
