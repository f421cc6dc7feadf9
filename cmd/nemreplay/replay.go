package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/bits"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/nem/internal/chipset"
	"github.com/tinyrange/nem/internal/devices/hpet"
	"github.com/tinyrange/nem/internal/devices/pic"
	"github.com/tinyrange/nem/internal/hv"
	"github.com/tinyrange/nem/internal/hv/hvtest"
	"github.com/tinyrange/nem/internal/nem/a20"
	"github.com/tinyrange/nem/internal/nem/cpu"
	"github.com/tinyrange/nem/internal/nem/dispatch"
	"github.com/tinyrange/nem/internal/nem/gpa"
	"github.com/tinyrange/nem/internal/nem/guestmem"
	"github.com/tinyrange/nem/internal/nem/irq"
	"github.com/tinyrange/nem/internal/nem/probe"
	"github.com/tinyrange/nem/internal/nem/runloop"
	"github.com/tinyrange/nem/internal/nem/statesync"
)

type replayOptions struct {
	Log *slog.Logger
	// Progress is told how many scripted exits were consumed. It is called
	// from every virtual CPU goroutine.
	Progress func(n int)
	// Now is the clock seen by the HPET and the run loop. It defaults to
	// time.Now.
	Now func() time.Time
}

type CPUReport struct {
	Index    int
	Status   runloop.Status
	Run      runloop.Stats
	Dispatch dispatch.Stats
	IRQ      irq.Stats
	Sync     statesync.Stats
	Emulated int
	Resets   int
	Injected []hv.PendingEventValue
}

type Report struct {
	CPUs       []CPUReport
	Pages      gpa.Stats
	PIC        pic.Stats
	HPET       *hpet.Stats
	Host       hvtest.Calls
	Debug      []byte
	DirtyPages int
	PIO, MMIO  uint64
}

type vcpu struct {
	index int
	part  *hvtest.Partition
	ctx   *cpu.Context
	sync  *statesync.Engine
	arb   *irq.Arbiter
	disp  *dispatch.Dispatcher
	emu   *scriptedEmulator
	ctrl  *runloop.Controller
	log   *slog.Logger

	total    int
	consumed int
	progress func(n int)

	timer *hpet.Device
	irqs  []IRQEvent
	raise func(IRQEvent)
	// dirty holds, per scripted exit, the pages the guest wrote before it.
	dirty [][]uint64

	status runloop.Status
	resets int
}

// replay runs sc to completion on a scripted host partition.
func replay(ctx context.Context, sc *Scenario, opts replayOptions) (*Report, error) {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	cfg := sc.CoreConfig()
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	host := hvtest.NewHypervisor()
	host.Caps.DirtyTracking = cfg.DirtyTracking
	defer host.Close()
	if _, err := probe.Check(host, cfg); err != nil {
		return nil, err
	}
	part, err := host.NewPartition(len(sc.CPUs))
	if err != nil {
		return nil, fmt.Errorf("nemreplay: create partition: %w", err)
	}
	hp := part.(*hvtest.Partition)

	mem := guestmem.New(log)
	defer mem.Close()
	for _, m := range sc.Memory {
		if m.MMIO {
			_, err = mem.AddMMIO(m.GPA, m.Size)
		} else {
			prot, _ := parseProt(m.Prot)
			_, err = mem.AddRAM(m.GPA, m.Size, prot, m.TrackDirty)
		}
		if err != nil {
			return nil, fmt.Errorf("nemreplay: memory %#x: %w", m.GPA, err)
		}
	}
	if sc.HPET {
		if _, err := mem.AddMMIO(hpet.DefaultBase, gpa.PageSize); err != nil {
			return nil, fmt.Errorf("nemreplay: hpet window: %w", err)
		}
	}
	pages := gpa.New(part, mem, log)
	shim := a20.New(pages, cfg.A20Options(), log)

	vcpus := make([]*vcpu, len(sc.CPUs))

	dualPIC := pic.New()
	debug := chipset.NewDebugPort(sc.DebugPort)
	port92 := a20.NewPort92(shim, func() {
		for _, v := range vcpus {
			v.ctx.Force.Set(cpu.ForceExitRequest)
		}
	})

	devices := []struct {
		name string
		dev  chipset.Device
	}{
		{"pic", dualPIC},
		{"port92", port92},
		{"debug", debug},
	}
	var timer *hpet.Device
	if sc.HPET {
		timer = hpet.New(hpet.DefaultBase, dualPIC, now, log)
		devices = append(devices, struct {
			name string
			dev  chipset.Device
		}{"hpet", timer})
	}

	b := chipset.NewBuilder()
	for _, dev := range devices {
		if err := b.RegisterDevice(dev.name, dev.dev); err != nil {
			return nil, fmt.Errorf("nemreplay: %w", err)
		}
	}
	bus := b.Build()
	if err := bus.Start(); err != nil {
		return nil, fmt.Errorf("nemreplay: start chipset: %w", err)
	}
	defer bus.Stop()

	if err := initPIC(bus); err != nil {
		return nil, err
	}

	for i, script := range sc.CPUs {
		v, err := newVCPU(i, hp, script, cfg.HostEmulatedAPIC, deps{
			pages: pages, mem: mem, shim: shim, bus: bus, opts: cfg.DispatchOptions(), log: log,
			timer: timer, now: now,
		}, dualPIC)
		if err != nil {
			return nil, err
		}
		v.progress = opts.Progress
		vcpus[i] = v
	}

	// The PIC output is wired to the first virtual CPU only.
	boot := vcpus[0]
	dualPIC.SetReadyLine(chipset.LineInterruptFromFunc(func(level bool) {
		if !level {
			boot.ctx.Force.Clear(cpu.ForceInterruptPIC)
			return
		}
		boot.ctx.Force.Set(cpu.ForceInterruptPIC)
		if err := boot.ctrl.Cancel(); err != nil {
			log.Warn("nemreplay: kick failed", "error", err)
		}
	}))

	boot.raise = func(ev IRQEvent) { dualPIC.SetIRQ(ev.Line, ev.Level) }
	var timers []*time.Timer
	for _, ev := range sc.IRQs {
		if ev.After == 0 {
			boot.irqs = append(boot.irqs, ev)
			continue
		}
		timers = append(timers, time.AfterFunc(ev.After, func() { boot.raise(ev) }))
	}
	defer func() {
		for _, t := range timers {
			t.Stop()
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	for _, v := range vcpus {
		g.Go(func() error {
			return v.run(gctx)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	report := &Report{
		Pages: pages.Stats(),
		PIC:   dualPIC.Stats(),
		Host:  hp.Calls(),
		Debug: debug.Bytes(),
	}
	report.PIO, report.MMIO = bus.Accesses()
	if timer != nil {
		st := timer.Stats()
		report.HPET = &st
	}
	for _, m := range sc.Memory {
		if !m.TrackDirty {
			continue
		}
		bitmap, err := pages.QueryDirty(m.GPA, m.Size)
		if err != nil {
			return nil, fmt.Errorf("nemreplay: query dirty %#x: %w", m.GPA, err)
		}
		for _, word := range bitmap {
			report.DirtyPages += bits.OnesCount64(word)
		}
	}
	for _, v := range vcpus {
		report.CPUs = append(report.CPUs, CPUReport{
			Index:    v.index,
			Status:   v.status,
			Run:      v.ctrl.Stats(),
			Dispatch: v.disp.Stats(),
			IRQ:      v.arb.Stats(),
			Sync:     v.sync.Stats(),
			Emulated: v.emu.executed,
			Resets:   v.resets,
			Injected: hp.Injected(v.index),
		})
	}
	return report, nil
}

// initPIC programs both controllers the way firmware does: edge
// triggered, cascaded on line 2, vectors 0x20 and 0x70.
func initPIC(bus *chipset.Chipset) error {
	for _, w := range []struct {
		port  uint16
		value byte
	}{
		{pic.PrimaryCommandPort, 0x11}, {pic.PrimaryDataPort, 0x20}, {pic.PrimaryDataPort, 0x04}, {pic.PrimaryDataPort, 0x01},
		{pic.SecondaryCommandPort, 0x11}, {pic.SecondaryDataPort, 0x70}, {pic.SecondaryDataPort, 0x02}, {pic.SecondaryDataPort, 0x01},
	} {
		if err := bus.HandlePIO(w.port, []byte{w.value}, true); err != nil {
			return fmt.Errorf("nemreplay: init pic: %w", err)
		}
	}
	return nil
}

type deps struct {
	pages *gpa.Machine
	mem   *guestmem.Memory
	shim  *a20.Shim
	bus   *chipset.Chipset
	opts  dispatch.Options
	log   *slog.Logger
	timer *hpet.Device
	now   func() time.Time
}

func newVCPU(index int, part *hvtest.Partition, script CPUScript, hostAPIC bool, d deps, picCtl irq.Controller) (*vcpu, error) {
	part.SetRegister(index, hv.RegisterRip, hv.Register64(script.Rip))
	part.SetRegister(index, hv.RegisterRflags, hv.Register64(script.Rflags))
	part.SetRegister(index, hv.RegisterCr0, hv.Register64(script.Cr0))

	v := &vcpu{
		index: index,
		part:  part,
		ctx:   cpu.New(),
		total: len(script.Exits),
		log:   d.log,
	}
	steps := make([]hvtest.Step, 0, len(script.Exits))
	for _, e := range script.Exits {
		step, err := e.step()
		if err != nil {
			return nil, fmt.Errorf("nemreplay: cpu %d: %w", index, err)
		}
		steps = append(steps, step)
		v.dirty = append(v.dirty, e.Dirty)
	}
	part.Script(index, steps...)

	v.sync = statesync.New(part, index, d.mem, d.log)
	if index == 0 {
		v.timer = d.timer
	} else {
		picCtl = nil
	}
	v.arb = irq.New(index, v.sync, picCtl, nil, d.log)
	v.emu = &scriptedEmulator{index: index, steps: script.Emulate, bus: d.bus, log: d.log}
	v.disp = dispatch.New(dispatch.Config{
		Index:      index,
		Sync:       v.sync,
		Pages:      d.pages,
		A20:        d.shim,
		Bus:        d.bus,
		Emulator:   v.emu,
		Hypercalls: hypercalls{log: d.log},
		Events:     eventLog{log: d.log},
		Paging:     d.mem,
		Options:    d.opts,
		Log:        d.log,
	})

	cfg := runloop.Config{
		Index:            index,
		Partition:        part,
		Context:          v.ctx,
		HostEmulatedAPIC: hostAPIC,
		Arbiter:          v.arb,
		Sync:             v.sync,
		A20:              d.shim,
		Dispatcher:       v.disp,
		Now:              d.now,
		Log:              d.log,
	}
	if v.timer != nil {
		cfg.Timer = v.timer
	}
	ctrl, err := runloop.New(cfg)
	if err != nil {
		return nil, err
	}
	v.ctrl = ctrl
	return v, nil
}

// run drives the virtual CPU until its script is consumed and it halts.
func (v *vcpu) run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	stop := context.AfterFunc(ctx, func() {
		if err := v.ctrl.Cancel(); err != nil {
			v.log.Warn("nemreplay: cancel failed", "cpu", v.index, "error", err)
		}
	})
	defer stop()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		v.fireIRQs()
		res, err := v.ctrl.RunOnce()
		v.advance()
		if err != nil {
			var fatal *dispatch.FatalError
			if errors.As(err, &fatal) {
				v.log.Error("nemreplay: fatal exit", "cpu", v.index, "kind", fatal.Kind, "exit", fatal.Exit)
			}
			return err
		}
		if res.Continue {
			continue
		}
		v.status = res.Status

		switch res.Status {
		case runloop.Halted:
			if v.part.Remaining(v.index) == 0 {
				return nil
			}
		case runloop.NeedsEmulation:
			halted, err := v.emulateOne()
			if err != nil {
				return err
			}
			if halted {
				return nil
			}
		case runloop.Pending:
			if v.ctx.Force.Any(cpu.ForceExitRequest) {
				v.resets++
				v.log.Info("nemreplay: reset requested", "cpu", v.index)
			}
			if v.timer != nil {
				v.timer.Poll()
			}
			v.ctx.Force.Clear(cpu.ForceAsyncExit)
		case runloop.Canceled, runloop.Rescheduled:
		}
	}
}

// emulateOne executes an instruction the host may not run, as when the A20
// gate is closed in strict mode.
func (v *vcpu) emulateOne() (bool, error) {
	if err := v.sync.Import(v.ctx, cpu.GroupEmulator); err != nil {
		return false, fmt.Errorf("nemreplay: cpu %d: %w", v.index, err)
	}
	status, err := v.emu.ExecuteOne(v.ctx, nil)
	if err != nil {
		return false, fmt.Errorf("nemreplay: cpu %d: emulator: %w", v.index, err)
	}
	v.ctx.MarkDirty(cpu.GroupEmulator)
	switch status {
	case dispatch.EmuUnrecoverable:
		return false, fmt.Errorf("nemreplay: cpu %d: unrecoverable state at rip %#x", v.index, v.ctx.Rip)
	case dispatch.EmuHalt:
		return true, nil
	}
	return false, nil
}

// fireIRQs raises the lines due at the current script position.
func (v *vcpu) fireIRQs() {
	rest := v.irqs[:0]
	for _, ev := range v.irqs {
		if ev.AtExit <= v.consumed {
			v.log.Debug("nemreplay: irq", "line", ev.Line, "level", ev.Level)
			v.raise(ev)
			continue
		}
		rest = append(rest, ev)
	}
	v.irqs = rest
}

func (v *vcpu) advance() {
	consumed := v.total - v.part.Remaining(v.index)
	for i := v.consumed; i < consumed; i++ {
		for _, addr := range v.dirty[i] {
			v.part.MarkDirty(addr)
		}
	}
	if n := consumed - v.consumed; n > 0 && v.progress != nil {
		v.progress(n)
	}
	v.consumed = consumed
}
