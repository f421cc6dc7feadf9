//go:build windows && amd64

package whp

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/tinyrange/nem/internal/hv"
	"github.com/tinyrange/nem/internal/hv/whp/bindings"
)

// Hypervisor is the WinHvPlatform host.
type Hypervisor struct {
	opts Options
	log  *slog.Logger
}

var _ hv.Hypervisor = &Hypervisor{}

// Open loads winhvplatform.dll. A missing DLL or an absent hypervisor is
// reported as hv.ErrHypervisorUnsupported.
func Open(opts Options) (*Hypervisor, error) {
	if err := bindings.Load(); err != nil {
		return nil, fmt.Errorf("whp: %w: %v", hv.ErrHypervisorUnsupported, err)
	}
	present, err := bindings.IsHypervisorPresent()
	if err != nil {
		return nil, fmt.Errorf("whp: %w", err)
	}
	if !present {
		return nil, fmt.Errorf("whp: %w: hypervisor not present", hv.ErrHypervisorUnsupported)
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	return &Hypervisor{opts: opts, log: log}, nil
}

func (h *Hypervisor) Architecture() hv.CpuArchitecture { return hv.ArchitectureX86_64 }

// Capabilities implements hv.Hypervisor.
func (h *Hypervisor) Capabilities() (hv.Capabilities, error) {
	present, err := bindings.IsHypervisorPresent()
	if err != nil {
		return hv.Capabilities{}, fmt.Errorf("whp: %w", err)
	}
	caps := hv.Capabilities{Present: present}
	if !present {
		return caps, nil
	}

	features, err := bindings.GetCapabilityValue[bindings.CapabilityFeatures](bindings.CapabilityCodeFeatures)
	if err != nil {
		return caps, fmt.Errorf("whp: query features: %w", err)
	}
	exits, err := bindings.GetCapabilityValue[bindings.ExtendedVmExits](bindings.CapabilityCodeExtendedVmExits)
	if err != nil {
		return caps, fmt.Errorf("whp: query extended exits: %w", err)
	}

	caps.MsrExits = exits&bindings.ExtendedVmExitX64Msr != 0
	caps.CpuidExits = exits&bindings.ExtendedVmExitX64Cpuid != 0
	caps.ExceptionExits = exits&bindings.ExtendedVmExitException != 0
	caps.ApicEmulation = features&bindings.CapabilityFeatureLocalApicEmulation != 0
	caps.DirtyTracking = features&bindings.CapabilityFeatureDirtyPageTracking != 0

	v := windows.RtlGetVersion()
	caps.Version = fmt.Sprintf("v%d.%d.%d", v.MajorVersion, v.MinorVersion, v.BuildNumber)
	return caps, nil
}

// NewPartition implements hv.Hypervisor.
func (h *Hypervisor) NewPartition(cpuCount int) (hv.Partition, error) {
	if cpuCount <= 0 {
		return nil, fmt.Errorf("whp: invalid cpu count %d", cpuCount)
	}
	handle, err := bindings.CreatePartition()
	if err != nil {
		return nil, fmt.Errorf("whp: CreatePartition failed: %w", err)
	}
	p := &Partition{
		handle: handle,
		log:    h.log,
		vcpus:  make(map[int]struct{}),
	}
	if err := h.configure(handle, cpuCount); err != nil {
		bindings.DeletePartition(handle)
		return nil, err
	}
	if err := bindings.SetupPartition(handle); err != nil {
		bindings.DeletePartition(handle)
		return nil, fmt.Errorf("whp: SetupPartition failed: %w", err)
	}
	h.log.Debug("whp: partition created", "cpus", cpuCount, "apic", h.opts.LocalApicEmulation)
	return p, nil
}

func (h *Hypervisor) configure(handle bindings.PartitionHandle, cpuCount int) error {
	if err := bindings.SetPartitionProperty(handle, bindings.PartitionPropertyCodeProcessorCount, uint32(cpuCount)); err != nil {
		return fmt.Errorf("whp: set processor count: %w", err)
	}

	exits := bindings.ExtendedVmExitX64Cpuid | bindings.ExtendedVmExitX64Msr | bindings.ExtendedVmExitException
	if h.opts.LocalApicEmulation {
		exits |= bindings.ExtendedVmExitX64ApicInitSipi
	}
	if err := bindings.SetPartitionProperty(handle, bindings.PartitionPropertyCodeExtendedVmExits, exits); err != nil {
		return fmt.Errorf("whp: set extended exits: %w", err)
	}

	if err := bindings.SetPartitionProperty(handle, bindings.PartitionPropertyCodeExceptionExitBitmap, interceptedVectors(h.opts.InterceptGP)); err != nil {
		return fmt.Errorf("whp: set exception bitmap: %w", err)
	}

	if h.opts.LocalApicEmulation {
		if err := bindings.SetPartitionProperty(handle, bindings.PartitionPropertyCodeLocalApicEmulationMode, bindings.LocalApicEmulationModeXApic); err != nil {
			return fmt.Errorf("whp: enable local apic emulation: %w", err)
		}
	}
	return nil
}

func (h *Hypervisor) Close() error { return nil }

// Partition is one WinHv partition.
type Partition struct {
	handle bindings.PartitionHandle
	log    *slog.Logger

	mu     sync.Mutex
	vcpus  map[int]struct{}
	closed bool
}

var (
	_ hv.Partition    = &Partition{}
	_ hv.DirtyTracker = &Partition{}
)

func (p *Partition) CreateVirtualCPU(index int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.vcpus[index]; ok {
		return fmt.Errorf("whp: vcpu %d already exists", index)
	}
	if err := bindings.CreateVirtualProcessor(p.handle, uint32(index)); err != nil {
		return fmt.Errorf("whp: CreateVirtualProcessor %d failed: %w", index, err)
	}
	p.vcpus[index] = struct{}{}
	return nil
}

func (p *Partition) DeleteVirtualCPU(index int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.vcpus[index]; !ok {
		return fmt.Errorf("whp: vcpu %d does not exist", index)
	}
	delete(p.vcpus, index)
	if err := bindings.DeleteVirtualProcessor(p.handle, uint32(index)); err != nil {
		return fmt.Errorf("whp: DeleteVirtualProcessor %d failed: %w", index, err)
	}
	return nil
}

// RunVirtualCPU implements hv.Partition.
func (p *Partition) RunVirtualCPU(index int) (hv.ExitContext, error) {
	var exit bindings.RunVPExitContext
	if err := bindings.RunVirtualProcessor(p.handle, uint32(index), &exit); err != nil {
		return nil, fmt.Errorf("whp: RunVirtualProcessor failed: %w", err)
	}
	return convertExit(&exit)
}

// CancelVirtualCPU implements hv.Partition. It is safe from any goroutine.
func (p *Partition) CancelVirtualCPU(index int) error {
	if err := bindings.CancelRunVirtualProcessor(p.handle, uint32(index)); err != nil {
		return fmt.Errorf("whp: CancelRunVirtualProcessor failed: %w", err)
	}
	return nil
}

// GetRegisters implements hv.Partition.
func (p *Partition) GetRegisters(index int, names []hv.Register, values []hv.RegisterValue) error {
	if len(values) < len(names) {
		return fmt.Errorf("whp: %d values for %d registers", len(values), len(names))
	}
	whpNames, err := registerNames(names)
	if err != nil {
		return err
	}
	raw := make([]bindings.RegisterValue, len(names))
	if err := bindings.GetVirtualProcessorRegisters(p.handle, uint32(index), whpNames, raw); err != nil {
		return fmt.Errorf("whp: GetVirtualProcessorRegisters failed: %w", err)
	}
	for i, reg := range names {
		values[i] = fromRegisterValue(reg, &raw[i])
	}
	return nil
}

// SetRegisters implements hv.Partition.
func (p *Partition) SetRegisters(index int, names []hv.Register, values []hv.RegisterValue) error {
	if len(values) < len(names) {
		return fmt.Errorf("whp: %d values for %d registers", len(values), len(names))
	}
	whpNames, err := registerNames(names)
	if err != nil {
		return err
	}
	raw := make([]bindings.RegisterValue, len(names))
	for i, reg := range names {
		if raw[i], err = toRegisterValue(reg, values[i]); err != nil {
			return err
		}
	}
	if err := bindings.SetVirtualProcessorRegisters(p.handle, uint32(index), whpNames, raw); err != nil {
		return fmt.Errorf("whp: SetVirtualProcessorRegisters failed: %w", err)
	}
	return nil
}

// MapGPARange implements hv.Partition.
func (p *Partition) MapGPARange(backing []byte, gpa uint64, flags hv.MapFlags) error {
	if len(backing) == 0 {
		return errors.New("whp: map of empty range")
	}
	if err := bindings.MapGPARange(
		p.handle,
		unsafe.Pointer(&backing[0]),
		bindings.GuestPhysicalAddress(gpa),
		uint64(len(backing)),
		bindings.MapGPARangeFlags(mapFlags(flags)),
	); err != nil {
		return fmt.Errorf("whp: MapGPARange %#x (%s) failed: %w", gpa, flags, err)
	}
	return nil
}

// UnmapGPARange implements hv.Partition.
func (p *Partition) UnmapGPARange(gpa uint64, size uint64) error {
	if err := bindings.UnmapGPARange(p.handle, bindings.GuestPhysicalAddress(gpa), size); err != nil {
		return fmt.Errorf("whp: UnmapGPARange %#x failed: %w", gpa, err)
	}
	return nil
}

// QueryDirtyBitmap implements hv.DirtyTracker. Bit i of the result covers
// the page at gpa + i*4096.
func (p *Partition) QueryDirtyBitmap(gpa uint64, size uint64) ([]uint64, error) {
	pages := (size + 0xfff) >> 12
	bitmap := make([]uint64, (pages+63)/64)
	if err := bindings.QueryGpaRangeDirtyBitmap(p.handle, bindings.GuestPhysicalAddress(gpa), size, bitmap); err != nil {
		return nil, fmt.Errorf("whp: QueryGpaRangeDirtyBitmap %#x failed: %w", gpa, err)
	}
	return bitmap, nil
}

// Close deletes the partition and every virtual processor in it.
func (p *Partition) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	for index := range p.vcpus {
		if err := bindings.DeleteVirtualProcessor(p.handle, uint32(index)); err != nil {
			p.log.Warn("whp: delete vcpu failed", "vcpu", index, "error", err)
		}
	}
	p.vcpus = nil
	if err := bindings.DeletePartition(p.handle); err != nil {
		return fmt.Errorf("whp: DeletePartition failed: %w", err)
	}
	return nil
}
