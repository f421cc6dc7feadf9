//go:build windows && amd64

package bindings

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	modWinHvPlatform = windows.NewLazySystemDLL("winhvplatform.dll")

	procWHvGetCapability = modWinHvPlatform.NewProc("WHvGetCapability")

	procWHvCreatePartition      = modWinHvPlatform.NewProc("WHvCreatePartition")
	procWHvSetupPartition       = modWinHvPlatform.NewProc("WHvSetupPartition")
	procWHvDeletePartition      = modWinHvPlatform.NewProc("WHvDeletePartition")
	procWHvSetPartitionProperty = modWinHvPlatform.NewProc("WHvSetPartitionProperty")

	procWHvMapGpaRange              = modWinHvPlatform.NewProc("WHvMapGpaRange")
	procWHvUnmapGpaRange            = modWinHvPlatform.NewProc("WHvUnmapGpaRange")
	procWHvQueryGpaRangeDirtyBitmap = modWinHvPlatform.NewProc("WHvQueryGpaRangeDirtyBitmap")

	procWHvCreateVirtualProcessor       = modWinHvPlatform.NewProc("WHvCreateVirtualProcessor")
	procWHvDeleteVirtualProcessor       = modWinHvPlatform.NewProc("WHvDeleteVirtualProcessor")
	procWHvRunVirtualProcessor          = modWinHvPlatform.NewProc("WHvRunVirtualProcessor")
	procWHvCancelRunVirtualProcessor    = modWinHvPlatform.NewProc("WHvCancelRunVirtualProcessor")
	procWHvGetVirtualProcessorRegisters = modWinHvPlatform.NewProc("WHvGetVirtualProcessorRegisters")
	procWHvSetVirtualProcessorRegisters = modWinHvPlatform.NewProc("WHvSetVirtualProcessorRegisters")
)

// Load reports whether winhvplatform.dll and its entry points are present.
func Load() error {
	if err := modWinHvPlatform.Load(); err != nil {
		return err
	}
	return procWHvRunVirtualProcessor.Find()
}

// All WinHv entry points return an HRESULT in the first result register.
func call(proc *windows.LazyProc, args ...uintptr) error {
	if err := proc.Find(); err != nil {
		return err
	}
	r1, _, _ := proc.Call(args...)
	return HRESULT(int32(uint32(r1))).Err()
}

// GetCapability wraps WHvGetCapability.
func GetCapability(code CapabilityCode, buffer unsafe.Pointer, bufferSize uint32) (uint32, error) {
	var written uint32
	err := call(procWHvGetCapability,
		uintptr(code),
		uintptr(buffer),
		uintptr(bufferSize),
		uintptr(unsafe.Pointer(&written)),
	)
	return written, err
}

// GetCapabilityValue reads a fixed size capability into a T.
func GetCapabilityValue[T any](code CapabilityCode) (T, error) {
	var value T
	_, err := GetCapability(code, unsafe.Pointer(&value), uint32(unsafe.Sizeof(value)))
	return value, err
}

func IsHypervisorPresent() (bool, error) {
	present, err := GetCapabilityValue[uint32](CapabilityCodeHypervisorPresent)
	if err != nil {
		return false, fmt.Errorf("WHvGetCapability: %w", err)
	}
	return present != 0, nil
}

// CreatePartition wraps WHvCreatePartition.
func CreatePartition() (PartitionHandle, error) {
	var handle PartitionHandle
	err := call(procWHvCreatePartition, uintptr(unsafe.Pointer(&handle)))
	return handle, err
}

// SetupPartition wraps WHvSetupPartition.
func SetupPartition(partition PartitionHandle) error {
	return call(procWHvSetupPartition, uintptr(partition))
}

// DeletePartition wraps WHvDeletePartition.
func DeletePartition(partition PartitionHandle) error {
	return call(procWHvDeletePartition, uintptr(partition))
}

// SetPartitionProperty wraps WHvSetPartitionProperty for a fixed size value.
func SetPartitionProperty[T any](partition PartitionHandle, code PartitionPropertyCode, value T) error {
	return call(procWHvSetPartitionProperty,
		uintptr(partition),
		uintptr(code),
		uintptr(unsafe.Pointer(&value)),
		uintptr(unsafe.Sizeof(value)),
	)
}

// MapGPARange wraps WHvMapGpaRange.
func MapGPARange(partition PartitionHandle, source unsafe.Pointer, guestAddress GuestPhysicalAddress, sizeInBytes uint64, flags MapGPARangeFlags) error {
	return call(procWHvMapGpaRange,
		uintptr(partition),
		uintptr(source),
		uintptr(guestAddress),
		uintptr(sizeInBytes),
		uintptr(flags),
	)
}

// UnmapGPARange wraps WHvUnmapGpaRange.
func UnmapGPARange(partition PartitionHandle, guestAddress GuestPhysicalAddress, sizeInBytes uint64) error {
	return call(procWHvUnmapGpaRange,
		uintptr(partition),
		uintptr(guestAddress),
		uintptr(sizeInBytes),
	)
}

// QueryGpaRangeDirtyBitmap wraps WHvQueryGpaRangeDirtyBitmap.
func QueryGpaRangeDirtyBitmap(partition PartitionHandle, guestAddress GuestPhysicalAddress, rangeSize uint64, bitmap []uint64) error {
	var ptr unsafe.Pointer
	if len(bitmap) > 0 {
		ptr = unsafe.Pointer(&bitmap[0])
	}
	return call(procWHvQueryGpaRangeDirtyBitmap,
		uintptr(partition),
		uintptr(guestAddress),
		uintptr(rangeSize),
		uintptr(ptr),
		uintptr(len(bitmap)*8),
	)
}

// CreateVirtualProcessor wraps WHvCreateVirtualProcessor.
func CreateVirtualProcessor(partition PartitionHandle, vpIndex uint32) error {
	return call(procWHvCreateVirtualProcessor, uintptr(partition), uintptr(vpIndex), 0)
}

// DeleteVirtualProcessor wraps WHvDeleteVirtualProcessor.
func DeleteVirtualProcessor(partition PartitionHandle, vpIndex uint32) error {
	return call(procWHvDeleteVirtualProcessor, uintptr(partition), uintptr(vpIndex))
}

// RunVirtualProcessor wraps WHvRunVirtualProcessor.
func RunVirtualProcessor(partition PartitionHandle, vpIndex uint32, exit *RunVPExitContext) error {
	return call(procWHvRunVirtualProcessor,
		uintptr(partition),
		uintptr(vpIndex),
		uintptr(unsafe.Pointer(exit)),
		unsafe.Sizeof(*exit),
	)
}

// CancelRunVirtualProcessor wraps WHvCancelRunVirtualProcessor.
func CancelRunVirtualProcessor(partition PartitionHandle, vpIndex uint32) error {
	return call(procWHvCancelRunVirtualProcessor, uintptr(partition), uintptr(vpIndex), 0)
}

func checkRegisterLengths(names []RegisterName, values []RegisterValue) error {
	if len(values) < len(names) {
		return fmt.Errorf("whp: register value slice (%d) smaller than names (%d)", len(values), len(names))
	}
	return nil
}

// GetVirtualProcessorRegisters wraps WHvGetVirtualProcessorRegisters.
func GetVirtualProcessorRegisters(partition PartitionHandle, vpIndex uint32, names []RegisterName, values []RegisterValue) error {
	if err := checkRegisterLengths(names, values); err != nil {
		return err
	}
	if len(names) == 0 {
		return nil
	}
	return call(procWHvGetVirtualProcessorRegisters,
		uintptr(partition),
		uintptr(vpIndex),
		uintptr(unsafe.Pointer(&names[0])),
		uintptr(len(names)),
		uintptr(unsafe.Pointer(&values[0])),
	)
}

// SetVirtualProcessorRegisters wraps WHvSetVirtualProcessorRegisters.
func SetVirtualProcessorRegisters(partition PartitionHandle, vpIndex uint32, names []RegisterName, values []RegisterValue) error {
	if err := checkRegisterLengths(names, values); err != nil {
		return err
	}
	if len(names) == 0 {
		return nil
	}
	return call(procWHvSetVirtualProcessorRegisters,
		uintptr(partition),
		uintptr(vpIndex),
		uintptr(unsafe.Pointer(&names[0])),
		uintptr(len(names)),
		uintptr(unsafe.Pointer(&values[0])),
	)
}
