// Package hvtest provides an in-process host partition driven by scripted
// exits. It keeps a register file per virtual CPU, records every mapping and
// counts host calls so callers can assert on what crossed the host boundary.
package hvtest

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/tinyrange/nem/internal/hv"
)

const pageSize = 4096

var (
	ErrNoSuchCPU   = errors.New("hvtest: no such virtual cpu")
	ErrCPURunning  = errors.New("hvtest: virtual cpu already running")
	ErrCPUExists   = errors.New("hvtest: virtual cpu already exists")
	ErrClosed      = errors.New("hvtest: partition closed")
	ErrNotTracking = errors.New("hvtest: dirty tracking not enabled")
)

// Step is one scripted return of RunVirtualCPU.
type Step struct {
	// Exit is returned after its header has been refreshed from the register
	// file, the way the host reports the state it stopped in.
	Exit hv.ExitContext
	// Err, when set, is returned instead of Exit.
	Err error
	// Block makes the run wait for CancelVirtualCPU and report hv.ErrCanceled.
	Block bool
	// Guest runs before the exit is produced, standing in for guest execution.
	Guest func(regs Registers)
}

// Registers is the register file of one virtual CPU as the host sees it.
type Registers map[hv.Register]hv.RegisterValue

func (r Registers) Get64(name hv.Register) uint64 {
	v, _ := r[name].(hv.Register64)
	return uint64(v)
}

func (r Registers) Set64(name hv.Register, v uint64) {
	r[name] = hv.Register64(v)
}

// Mapping is a guest-physical range currently granted by the partition.
type Mapping struct {
	GPA     uint64
	Size    uint64
	Flags   hv.MapFlags
	Backing []byte
}

// Calls counts host primitives issued against the partition.
type Calls struct {
	Run    int
	Cancel int
	Get    int
	Set    int
	Map    int
	Unmap  int
}

type vcpu struct {
	regs    Registers
	script  []Step
	cancel  chan struct{}
	running bool

	injected []hv.PendingEventValue
}

// Partition is a scripted hv.Partition. The zero value is not usable; call
// New.
type Partition struct {
	mu       sync.Mutex
	closed   bool
	cpus     map[int]*vcpu
	mappings map[uint64]Mapping
	calls    Calls

	tracking bool
	dirty    map[uint64]bool

	// FailMap and FailUnmap inject host failures for the given address.
	FailMap   func(gpa uint64) error
	FailUnmap func(gpa uint64) error
	// FailRegister makes every Get/SetRegisters batch containing it fail.
	FailRegister hv.Register
}

var (
	_ hv.Partition    = &Partition{}
	_ hv.DirtyTracker = &Partition{}
)

// New returns a partition with virtual CPUs 0 to cpuCount-1 already created.
func New(cpuCount int) *Partition {
	p := &Partition{
		cpus:     make(map[int]*vcpu),
		mappings: make(map[uint64]Mapping),
		dirty:    make(map[uint64]bool),
	}
	for i := 0; i < cpuCount; i++ {
		p.cpus[i] = newVCPU()
	}
	return p
}

func newVCPU() *vcpu {
	return &vcpu{
		regs:   make(Registers),
		cancel: make(chan struct{}, 1),
	}
}

// EnableDirtyTracking makes QueryDirtyBitmap available.
func (p *Partition) EnableDirtyTracking() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracking = true
}

// Script appends steps to the run script of a virtual CPU.
func (p *Partition) Script(index int, steps ...Step) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cpu := p.cpus[index]
	if cpu == nil {
		panic(fmt.Sprintf("hvtest: script for unknown cpu %d", index))
	}
	cpu.script = append(cpu.script, steps...)
}

// Remaining reports how many scripted steps have not run yet.
func (p *Partition) Remaining(index int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cpu := p.cpus[index]; cpu != nil {
		return len(cpu.script)
	}
	return 0
}

// Calls returns a snapshot of the call counters.
func (p *Partition) Calls() Calls {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// ResetCalls zeroes the call counters.
func (p *Partition) ResetCalls() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = Calls{}
}

// Mappings returns the granted ranges ordered by address.
func (p *Partition) Mappings() []Mapping {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Mapping, 0, len(p.mappings))
	for _, m := range p.mappings {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GPA < out[j].GPA })
	return out
}

// MappingAt returns the range granted at exactly gpa.
func (p *Partition) MappingAt(gpa uint64) (Mapping, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.mappings[gpa]
	return m, ok
}

// Register reads the host copy of a register without counting a call.
func (p *Partition) Register(index int, name hv.Register) hv.RegisterValue {
	p.mu.Lock()
	defer p.mu.Unlock()
	cpu := p.cpus[index]
	if cpu == nil {
		return nil
	}
	return cpu.read(name)
}

// SetRegister writes the host copy of a register without counting a call.
func (p *Partition) SetRegister(index int, name hv.Register, value hv.RegisterValue) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cpu := p.cpus[index]; cpu != nil {
		cpu.regs[name] = value
	}
}

// Injected returns every event the virtual CPU consumed on entry.
func (p *Partition) Injected(index int) []hv.PendingEventValue {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cpu := p.cpus[index]; cpu != nil {
		return append([]hv.PendingEventValue(nil), cpu.injected...)
	}
	return nil
}

// MarkDirty records a guest write to the page containing gpa.
func (p *Partition) MarkDirty(gpa uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dirty[gpa&^(pageSize-1)] = true
}

// Close implements hv.Partition.
func (p *Partition) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.mappings = make(map[uint64]Mapping)
	return nil
}

// CreateVirtualCPU implements hv.Partition.
func (p *Partition) CreateVirtualCPU(index int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if _, ok := p.cpus[index]; ok {
		return fmt.Errorf("%w: %d", ErrCPUExists, index)
	}
	p.cpus[index] = newVCPU()
	return nil
}

// DeleteVirtualCPU implements hv.Partition.
func (p *Partition) DeleteVirtualCPU(index int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.cpus[index]; !ok {
		return fmt.Errorf("%w: %d", ErrNoSuchCPU, index)
	}
	delete(p.cpus, index)
	return nil
}

// RunVirtualCPU implements hv.Partition.
func (p *Partition) RunVirtualCPU(index int) (hv.ExitContext, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	cpu := p.cpus[index]
	if cpu == nil {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %d", ErrNoSuchCPU, index)
	}
	if cpu.running {
		p.mu.Unlock()
		return nil, ErrCPURunning
	}
	p.calls.Run++

	// A cancel that arrived while the CPU was outside the host is latched
	// and ends the next run immediately.
	select {
	case <-cpu.cancel:
		p.mu.Unlock()
		return nil, hv.ErrCanceled
	default:
	}

	cpu.enter()

	var step Step
	if len(cpu.script) > 0 {
		step = cpu.script[0]
		cpu.script = cpu.script[1:]
	} else {
		step = Step{Exit: &hv.ExitHalt{}}
	}

	if step.Block {
		cpu.running = true
		p.mu.Unlock()
		<-cpu.cancel
		p.mu.Lock()
		cpu.running = false
		p.mu.Unlock()
		return nil, hv.ErrCanceled
	}

	if step.Guest != nil {
		step.Guest(cpu.regs)
	}
	defer p.mu.Unlock()

	if step.Err != nil {
		return nil, step.Err
	}
	if step.Exit == nil {
		return nil, fmt.Errorf("hvtest: step without exit for cpu %d", index)
	}
	cpu.fillHeader(step.Exit.Header())
	// The deliverability registration holds until the window it asked for
	// opens.
	if step.Exit.Kind() == hv.ExitKindInterruptWindow {
		delete(cpu.regs, hv.RegisterDeliverabilityNotifications)
	}
	return step.Exit, nil
}

// CancelVirtualCPU implements hv.Partition.
func (p *Partition) CancelVirtualCPU(index int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	cpu := p.cpus[index]
	if cpu == nil {
		return fmt.Errorf("%w: %d", ErrNoSuchCPU, index)
	}
	p.calls.Cancel++
	select {
	case cpu.cancel <- struct{}{}:
	default:
	}
	return nil
}

// GetRegisters implements hv.Partition.
func (p *Partition) GetRegisters(index int, names []hv.Register, values []hv.RegisterValue) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls.Get++
	cpu, err := p.batch(index, names, values)
	if err != nil {
		return err
	}
	for i, name := range names {
		values[i] = cpu.read(name)
	}
	return nil
}

// SetRegisters implements hv.Partition.
func (p *Partition) SetRegisters(index int, names []hv.Register, values []hv.RegisterValue) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls.Set++
	cpu, err := p.batch(index, names, values)
	if err != nil {
		return err
	}
	for i, name := range names {
		if values[i] == nil {
			return fmt.Errorf("hvtest: register %s: nil value", name)
		}
	}
	for i, name := range names {
		cpu.regs[name] = values[i]
	}
	return nil
}

func (p *Partition) batch(index int, names []hv.Register, values []hv.RegisterValue) (*vcpu, error) {
	cpu := p.cpus[index]
	if cpu == nil {
		return nil, fmt.Errorf("%w: %d", ErrNoSuchCPU, index)
	}
	if len(names) != len(values) {
		return nil, fmt.Errorf("hvtest: %d names but %d values", len(names), len(values))
	}
	for _, name := range names {
		if !name.Valid() {
			return nil, fmt.Errorf("hvtest: %s: %w", name, hv.ErrUnsupportedRegister)
		}
		if p.FailRegister != hv.RegisterInvalid && name == p.FailRegister {
			return nil, fmt.Errorf("hvtest: register %s rejected", name)
		}
	}
	return cpu, nil
}

// MapGPARange implements hv.Partition. Overlapping an existing grant fails,
// as the host requires an unmap before any change of backing or protection.
func (p *Partition) MapGPARange(backing []byte, gpa uint64, flags hv.MapFlags) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls.Map++
	size := uint64(len(backing))
	if size == 0 || size%pageSize != 0 || gpa%pageSize != 0 {
		return fmt.Errorf("hvtest: map gpa %#x size %#x: unaligned", gpa, size)
	}
	if p.FailMap != nil {
		if err := p.FailMap(gpa); err != nil {
			return err
		}
	}
	for _, m := range p.mappings {
		if gpa < m.GPA+m.Size && m.GPA < gpa+size {
			return fmt.Errorf("hvtest: map gpa %#x overlaps grant at %#x", gpa, m.GPA)
		}
	}
	p.mappings[gpa] = Mapping{GPA: gpa, Size: size, Flags: flags, Backing: backing}
	return nil
}

// UnmapGPARange implements hv.Partition.
func (p *Partition) UnmapGPARange(gpa uint64, size uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls.Unmap++
	for start, m := range p.mappings {
		if m.GPA >= gpa && m.GPA+m.Size <= gpa+size {
			delete(p.mappings, start)
		}
	}
	// An injected failure still drops the range: it models the host
	// rejecting an unmap of a page it no longer considers mapped.
	if p.FailUnmap != nil {
		return p.FailUnmap(gpa)
	}
	return nil
}

// QueryDirtyBitmap implements hv.DirtyTracker. Bit n of the result covers the
// n-th page of the range. Queried pages are clean afterwards.
func (p *Partition) QueryDirtyBitmap(gpa uint64, size uint64) ([]uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.tracking {
		return nil, ErrNotTracking
	}
	pages := (size + pageSize - 1) / pageSize
	bitmap := make([]uint64, (pages+63)/64)
	for i := uint64(0); i < pages; i++ {
		page := gpa&^(pageSize-1) + i*pageSize
		if p.dirty[page] {
			bitmap[i/64] |= 1 << (i % 64)
			delete(p.dirty, page)
		}
	}
	return bitmap, nil
}

// enter consumes the state the host only honours for one entry.
func (c *vcpu) enter() {
	if ev, ok := c.regs[hv.RegisterPendingEvent].(hv.PendingEventValue); ok && ev.Type != hv.PendingEventNone {
		c.injected = append(c.injected, ev)
	}
	delete(c.regs, hv.RegisterPendingEvent)
}

func (c *vcpu) read(name hv.Register) hv.RegisterValue {
	switch name {
	case hv.RegisterPendingEvent:
		return hv.PendingEventValue{}
	}
	if v, ok := c.regs[name]; ok {
		return v
	}
	return zeroValue(name)
}

func (c *vcpu) fillHeader(h *hv.ExitHeader) {
	cs, _ := c.read(hv.RegisterCs).(hv.SegmentValue)
	h.Cs = cs
	h.Rip = c.regs.Get64(hv.RegisterRip)
	h.Rflags = c.regs.Get64(hv.RegisterRflags)
	h.Cr8 = uint8(c.regs.Get64(hv.RegisterCr8))
	h.InterruptShadow = c.regs.Get64(hv.RegisterInterruptState)&1 != 0
	if c.regs.Get64(hv.RegisterCr0)&1 != 0 {
		h.CPL = uint8(cs.Selector & 3)
	} else {
		h.CPL = 0
	}
}

func zeroValue(name hv.Register) hv.RegisterValue {
	switch name {
	case hv.RegisterEs, hv.RegisterCs, hv.RegisterSs, hv.RegisterDs,
		hv.RegisterFs, hv.RegisterGs, hv.RegisterLdtr, hv.RegisterTr:
		return hv.SegmentValue{}
	case hv.RegisterIdtr, hv.RegisterGdtr:
		return hv.TableValue{}
	case hv.RegisterPendingEvent:
		return hv.PendingEventValue{}
	case hv.RegisterDeliverabilityNotifications:
		return hv.DeliverabilityValue{}
	default:
		return hv.Register64(0)
	}
}
