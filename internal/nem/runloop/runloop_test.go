package runloop

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/tinyrange/nem/internal/chipset"
	"github.com/tinyrange/nem/internal/hv"
	"github.com/tinyrange/nem/internal/hv/hvtest"
	"github.com/tinyrange/nem/internal/nem/cpu"
	"github.com/tinyrange/nem/internal/nem/dispatch"
	"github.com/tinyrange/nem/internal/nem/gpa"
	"github.com/tinyrange/nem/internal/nem/guestmem"
	"github.com/tinyrange/nem/internal/nem/irq"
	"github.com/tinyrange/nem/internal/nem/statesync"
)

type fakePIC struct {
	mu      sync.Mutex
	pending []uint8
}

func (p *fakePIC) NextPendingVector() (uint8, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pending) == 0 {
		return 0, false
	}
	return p.pending[0], true
}

func (p *fakePIC) Acknowledge(v uint8) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pending) == 0 || p.pending[0] != v {
		return errors.New("not pending")
	}
	p.pending = p.pending[1:]
	return nil
}

func (p *fakePIC) TPR() uint8 { return 0 }

type nopEmulator struct{}

func (nopEmulator) ExecuteOne(c *cpu.Context, prefetched []byte) (dispatch.EmuStatus, error) {
	return dispatch.EmuDone, nil
}

type fixedTimer struct{ deadline time.Time }

func (t fixedTimer) NextDeadlineHint() (time.Time, bool) { return t.deadline, !t.deadline.IsZero() }

type closedGate struct{}

func (closedGate) CanExecute() bool { return false }

type fixture struct {
	part  *hvtest.Partition
	pic   *fakePIC
	debug *chipset.DebugPort
	ctl   *Controller
}

func newFixture(t *testing.T, configure func(*Config)) *fixture {
	t.Helper()
	f := &fixture{
		part:  hvtest.New(1),
		pic:   &fakePIC{},
		debug: chipset.NewDebugPort(0xe9),
	}
	f.part.SetRegister(0, hv.RegisterRip, hv.Register64(0x1000))
	f.part.SetRegister(0, hv.RegisterRflags, hv.Register64(0x202))

	mem := guestmem.New(nil)
	t.Cleanup(func() { mem.Close() })
	if _, err := mem.AddRAM(0, 0x10000, gpa.ProtRWX, false); err != nil {
		t.Fatalf("AddRAM: %v", err)
	}

	b := chipset.NewBuilder()
	if err := b.RegisterDevice("debug", f.debug); err != nil {
		t.Fatalf("RegisterDevice: %v", err)
	}

	eng := statesync.New(f.part, 0, mem, nil)
	cfg := Config{
		Partition: f.part,
		Context:   cpu.New(),
		Arbiter:   irq.New(0, eng, f.pic, nil, nil),
		Sync:      eng,
		Dispatcher: dispatch.New(dispatch.Config{
			Sync:     eng,
			Pages:    gpa.New(f.part, mem, nil),
			Bus:      b.Build(),
			Emulator: nopEmulator{},
		}),
	}
	if configure != nil {
		configure(&cfg)
	}
	ctl, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.ctl = ctl
	return f
}

func TestNewRequiresArbiter(t *testing.T) {
	part := hvtest.New(1)
	cfg := Config{
		Partition:  part,
		Context:    cpu.New(),
		Sync:       statesync.New(part, 0, nil, nil),
		Dispatcher: dispatch.New(dispatch.Config{}),
	}
	if _, err := New(cfg); err == nil {
		t.Fatalf("New without arbiter succeeded")
	}
	cfg.HostEmulatedAPIC = true
	if _, err := New(cfg); err != nil {
		t.Fatalf("New with host emulated apic: %v", err)
	}
}

func TestRunUntilHalt(t *testing.T) {
	f := newFixture(t, nil)
	f.part.Script(0,
		hvtest.Step{Exit: &hv.ExitIOPort{ExitHeader: hv.ExitHeader{InstructionLength: 1}, Port: 0xe9, Size: 1, Write: true, Rax: 'h'}},
		hvtest.Step{Exit: &hv.ExitIOPort{ExitHeader: hv.ExitHeader{InstructionLength: 1}, Port: 0xe9, Size: 1, Write: true, Rax: 'i'}},
		hvtest.Step{Exit: &hv.ExitHalt{}},
	)

	status, err := f.ctl.Run(context.Background())
	if err != nil || status != Halted {
		t.Fatalf("Run = %s, %v", status, err)
	}
	if got := f.debug.Bytes(); !bytes.Equal(got, []byte("hi")) {
		t.Fatalf("debug output = %q", got)
	}
	if rip := f.part.Register(0, hv.RegisterRip).(hv.Register64); rip != 0x1002 {
		t.Fatalf("host rip = %#x", uint64(rip))
	}
	if s := f.ctl.State(); s != Idle {
		t.Fatalf("state = %s", s)
	}
	if s := f.ctl.Stats(); s.Runs != 3 || s.Exports != 2 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestCancelBeforeRun(t *testing.T) {
	f := newFixture(t, nil)
	for i := 0; i < 3; i++ {
		if err := f.ctl.Cancel(); err != nil {
			t.Fatalf("Cancel: %v", err)
		}
	}
	if s := f.ctl.State(); s != ExecutingCancelPending {
		t.Fatalf("state after cancel = %s", s)
	}

	res, err := f.ctl.RunOnce()
	if err != nil || res.Continue || res.Status != Canceled {
		t.Fatalf("RunOnce = %+v, %v", res, err)
	}
	if calls := f.part.Calls(); calls.Run != 0 || calls.Cancel != 0 {
		t.Fatalf("calls = %+v", calls)
	}
	if s := f.ctl.State(); s != Idle {
		t.Fatalf("state = %s", s)
	}

	res, err = f.ctl.RunOnce()
	if err != nil || res.Status != Halted {
		t.Fatalf("RunOnce after cancel = %+v, %v", res, err)
	}
}

func waitForState(t *testing.T, ctl *Controller, want RunState) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for ctl.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("state stuck at %s, want %s", ctl.State(), want)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestCancelDuringRun(t *testing.T) {
	f := newFixture(t, nil)
	f.part.Script(0, hvtest.Step{Block: true})

	done := make(chan Status, 1)
	go func() {
		status, err := f.ctl.Run(context.Background())
		if err != nil {
			t.Errorf("Run: %v", err)
		}
		done <- status
	}()

	waitForState(t, f.ctl, Executing)
	if err := f.ctl.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	select {
	case status := <-done:
		if status != Canceled {
			t.Fatalf("status = %s", status)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not return after cancel")
	}
	waitForState(t, f.ctl, Idle)
}

func TestCancellationLiveness(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 50; i++ {
		f := newFixture(t, nil)
		f.part.Script(0, hvtest.Step{Block: true})

		done := make(chan Status, 1)
		go func() {
			status, _ := f.ctl.Run(context.Background())
			done <- status
		}()

		time.Sleep(time.Duration(rng.Intn(200)) * time.Microsecond)
		var wg sync.WaitGroup
		for j := 0; j < 4; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := f.ctl.Cancel(); err != nil {
					t.Errorf("Cancel: %v", err)
				}
			}()
		}
		wg.Wait()

		select {
		case status := <-done:
			if status != Canceled {
				t.Fatalf("iteration %d: status = %s", i, status)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("iteration %d: run did not return", i)
		}
		// A cancel that lost the race with the return stays latched for the
		// next run.
		if s := f.ctl.State(); s == Executing {
			t.Fatalf("iteration %d: state = %s after return", i, s)
		}
	}
}

func TestContextCancelStopsRun(t *testing.T) {
	f := newFixture(t, nil)
	f.part.Script(0, hvtest.Step{Block: true})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for f.ctl.State() != Executing {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()
	status, err := f.ctl.Run(ctx)
	if err != nil || status != Canceled {
		t.Fatalf("Run = %s, %v", status, err)
	}
}

func TestForcedExitReturnsPending(t *testing.T) {
	f := newFixture(t, nil)
	f.ctl.Context().Force.Set(cpu.ForceExitRequest)
	res, err := f.ctl.RunOnce()
	if err != nil || res.Status != Pending {
		t.Fatalf("RunOnce = %+v, %v", res, err)
	}
	if calls := f.part.Calls(); calls.Run != 0 {
		t.Fatalf("entered the guest with an exit request pending")
	}
}

func TestTimerDeadline(t *testing.T) {
	now := time.Unix(1000, 0)
	clock := func() time.Time { return now }

	f := newFixture(t, func(cfg *Config) {
		cfg.Timer = fixedTimer{deadline: now.Add(-time.Millisecond)}
		cfg.Now = clock
	})
	if res, _ := f.ctl.RunOnce(); res.Status != Pending {
		t.Fatalf("expired deadline: %+v", res)
	}

	f = newFixture(t, func(cfg *Config) {
		cfg.Timer = fixedTimer{deadline: now.Add(time.Second)}
		cfg.Now = clock
	})
	if res, _ := f.ctl.RunOnce(); res.Status != Halted {
		t.Fatalf("future deadline: %+v", res)
	}
}

func TestClosedGateNeedsEmulation(t *testing.T) {
	f := newFixture(t, func(cfg *Config) { cfg.A20 = closedGate{} })
	res, err := f.ctl.RunOnce()
	if err != nil || res.Status != NeedsEmulation {
		t.Fatalf("RunOnce = %+v, %v", res, err)
	}
	if calls := f.part.Calls(); calls.Run != 0 {
		t.Fatalf("entered the guest with the gate closed")
	}
}

func TestDirtyStateExportedBeforeRun(t *testing.T) {
	f := newFixture(t, nil)
	f.ctl.Context().Imported(cpu.GroupRax)
	f.ctl.Context().SetGPR(cpu.RAX, 0xcafe)

	if _, err := f.ctl.RunOnce(); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if rax := f.part.Register(0, hv.RegisterRax).(hv.Register64); rax != 0xcafe {
		t.Fatalf("host rax = %#x", uint64(rax))
	}
	if d := f.ctl.Context().Dirty(); d != 0 {
		t.Fatalf("dirty after run = %s", d)
	}
}

func TestInterruptInjectedOnEntry(t *testing.T) {
	f := newFixture(t, nil)
	f.pic.pending = []uint8{0x20}
	f.ctl.Context().Force.Set(cpu.ForceInterruptPIC)

	if _, err := f.ctl.RunOnce(); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	injected := f.part.Injected(0)
	if len(injected) != 1 || injected[0].Type != hv.PendingEventExtInt || injected[0].Vector != 0x20 {
		t.Fatalf("injected = %+v", injected)
	}
	if f.ctl.Context().Force.Any(cpu.ForceInterruptPIC) {
		t.Fatalf("pic flag still set with nothing pending")
	}
}

func TestInterruptedDeliveryIsNotOverwritten(t *testing.T) {
	f := newFixture(t, nil)
	f.part.Script(0,
		hvtest.Step{Exit: &hv.ExitIOPort{ExitHeader: hv.ExitHeader{InstructionLength: 1, InterruptionPending: true}, Port: 0xe9, Size: 1, Write: true, Rax: 'x'}},
		hvtest.Step{Exit: &hv.ExitHalt{}},
	)
	if res, err := f.ctl.RunOnce(); err != nil || !res.Continue {
		t.Fatalf("RunOnce = %+v, %v", res, err)
	}

	f.pic.pending = []uint8{0x20}
	f.ctl.Context().Force.Set(cpu.ForceInterruptPIC)
	if res, err := f.ctl.RunOnce(); err != nil || res.Status != Halted {
		t.Fatalf("RunOnce = %+v, %v", res, err)
	}
	if injected := f.part.Injected(0); len(injected) != 0 {
		t.Fatalf("injected over the host's event: %+v", injected)
	}
	if len(f.pic.pending) != 1 {
		t.Fatalf("vector acknowledged while the slot was held")
	}

	if _, err := f.ctl.RunOnce(); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if injected := f.part.Injected(0); len(injected) != 1 || injected[0].Vector != 0x20 {
		t.Fatalf("injected = %+v", injected)
	}
}

func TestHostFailureIsFatal(t *testing.T) {
	f := newFixture(t, nil)
	boom := errors.New("boom")
	f.part.Script(0, hvtest.Step{Err: boom})
	if _, err := f.ctl.RunOnce(); !errors.Is(err, boom) {
		t.Fatalf("RunOnce error = %v", err)
	}
	if s := f.ctl.State(); s != Idle {
		t.Fatalf("state = %s", s)
	}
}

func TestDispatchFatalPropagates(t *testing.T) {
	f := newFixture(t, nil)
	f.part.Script(0, hvtest.Step{Exit: &hv.ExitUnsupported{Feature: 7}})
	_, err := f.ctl.RunOnce()
	var fe *dispatch.FatalError
	if !errors.As(err, &fe) || fe.Kind != dispatch.UnrecognizedExit {
		t.Fatalf("RunOnce error = %v", err)
	}
}

func TestSMIIsFatal(t *testing.T) {
	f := newFixture(t, nil)
	f.ctl.Context().Force.Set(cpu.ForceSMI)
	if _, err := f.ctl.RunOnce(); !errors.Is(err, irq.ErrSMIUnsupported) {
		t.Fatalf("RunOnce error = %v", err)
	}
}
