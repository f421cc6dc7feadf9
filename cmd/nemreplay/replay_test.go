package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tinyrange/nem/internal/hv"
	"github.com/tinyrange/nem/internal/nem/dispatch"
	"github.com/tinyrange/nem/internal/nem/runloop"
)

func quietLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mustReplay(t *testing.T, doc string) *Report {
	t.Helper()
	sc, err := ParseScenario([]byte(doc))
	if err != nil {
		t.Fatalf("ParseScenario: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	report, err := replay(ctx, sc, replayOptions{Log: quietLog()})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	return report
}

func TestReplayDebugPort(t *testing.T) {
	r := mustReplay(t, `
cpus:
  - rip: 0x1000
    exits:
      - {kind: io_port, port: 0x402, write: true, rax: 0x48, length: 1}
      - {kind: io_port, port: 0x402, write: true, rax: 0x69, length: 1}
`)
	if string(r.Debug) != "Hi" {
		t.Fatalf("debug port = %q", r.Debug)
	}
	c := r.CPUs[0]
	if c.Status != runloop.Halted {
		t.Fatalf("status = %s", c.Status)
	}
	if n := c.Dispatch.Exits[hv.ExitKindIOPort]; n != 2 {
		t.Fatalf("io exits = %d", n)
	}
	// Two scripted exits and the halt that ends the script.
	if r.Host.Run != 3 {
		t.Fatalf("host runs = %d", r.Host.Run)
	}
	if c.Run.Exports == 0 {
		t.Fatalf("advanced rip was never exported")
	}
}

func TestReplayPICInterrupt(t *testing.T) {
	r := mustReplay(t, `
irqs:
  - {line: 1, level: true}
cpus:
  - rip: 0x1000
    rflags: 0x202
    exits:
      - {kind: io_port, port: 0x402, write: true, rax: 0x2e, length: 1}
`)
	c := r.CPUs[0]
	if c.IRQ.ExtIntInjected != 1 {
		t.Fatalf("stats = %+v", c.IRQ)
	}
	if len(c.Injected) != 1 {
		t.Fatalf("injected = %+v", c.Injected)
	}
	if ev := c.Injected[0]; ev.Type != hv.PendingEventExtInt || ev.Vector != 0x21 {
		t.Fatalf("event = %+v", ev)
	}
	if r.PIC.Acknowledged != 1 {
		t.Fatalf("pic = %+v", r.PIC)
	}
}

func TestReplayInterruptsDisabled(t *testing.T) {
	r := mustReplay(t, `
irqs:
  - {line: 1, level: true}
cpus:
  - rip: 0x1000
    exits:
      - {kind: io_port, port: 0x402, write: true, rax: 0x2e, length: 1}
`)
	c := r.CPUs[0]
	if len(c.Injected) != 0 {
		t.Fatalf("injected with IF clear: %+v", c.Injected)
	}
	if c.IRQ.WindowRequested == 0 {
		t.Fatalf("no interrupt window requested")
	}
}

func TestReplayA20Strict(t *testing.T) {
	r := mustReplay(t, `
config:
  a20:
    strict: true
cpus:
  - rip: 0x7c00
    exits:
      - {kind: io_port, port: 0x92, write: true, rax: 0x0, length: 1}
    emulate:
      - io: {port: 0x92, write: true, value: 0x2}
`)
	c := r.CPUs[0]
	if c.Emulated != 1 {
		t.Fatalf("emulated = %d", c.Emulated)
	}
	if c.Status != runloop.Halted {
		t.Fatalf("status = %s", c.Status)
	}
}

func TestReplayFastReset(t *testing.T) {
	r := mustReplay(t, `
cpus:
  - exits:
      - {kind: io_port, port: 0x92, write: true, rax: 0x3, length: 1}
  - exits:
      - {kind: halt}
`)
	if r.CPUs[0].Resets != 1 {
		t.Fatalf("resets = %d", r.CPUs[0].Resets)
	}
	if r.CPUs[0].Run.Pending == 0 {
		t.Fatalf("reset request never returned to the caller")
	}
}

func TestReplayMemory(t *testing.T) {
	r := mustReplay(t, `
config:
  dirtyTracking: true
memory:
  - {gpa: 0x0, size: 0x10000, prot: rw, trackDirty: true}
  - {gpa: 0xfee00000, size: 0x1000, mmio: true}
cpus:
  - rip: 0x1000
    exits:
      - {kind: memory_access, gpa: 0x2000, access: write, unmapped: true, dirty: [0x2000]}
      - {kind: memory_access, gpa: 0xfee00020, access: read, bytes: "8b 00", length: 2}
    emulate:
      - rax: 0x14
`)
	if r.Pages.Maps == 0 {
		t.Fatalf("pages = %+v", r.Pages)
	}
	if r.CPUs[0].Emulated != 1 {
		t.Fatalf("mmio read was not emulated")
	}
	if r.DirtyPages != 1 {
		t.Fatalf("dirty pages = %d", r.DirtyPages)
	}
}

func TestReplayHypercall(t *testing.T) {
	r := mustReplay(t, `
cpus:
  - rip: 0x1000
    exits:
      - {kind: exception, vector: 6, bytes: "0f 01 c1", guest: {rax: 0x99}}
`)
	if n := r.CPUs[0].Dispatch.Hypercalls; n != 1 {
		t.Fatalf("hypercalls = %d", n)
	}
	if n := r.CPUs[0].Dispatch.Reinjected; n != 0 {
		t.Fatalf("hypercall reinjected as #UD")
	}
}

func TestReplayMultipleCPUs(t *testing.T) {
	r := mustReplay(t, `
cpus:
  - exits:
      - {kind: io_port, port: 0x402, write: true, rax: 0x61, length: 1}
  - exits:
      - {kind: io_port, port: 0x402, write: true, rax: 0x62, length: 1}
`)
	if len(r.Debug) != 2 || !bytes.Contains(r.Debug, []byte("a")) || !bytes.Contains(r.Debug, []byte("b")) {
		t.Fatalf("debug port = %q", r.Debug)
	}
	for _, c := range r.CPUs {
		if c.Status != runloop.Halted {
			t.Fatalf("cpu %d status = %s", c.Index, c.Status)
		}
	}
}

func TestReplayFatalExit(t *testing.T) {
	sc, err := ParseScenario([]byte(`
cpus:
  - exits:
      - {kind: unsupported_feature, feature: 7}
`))
	if err != nil {
		t.Fatal(err)
	}
	_, err = replay(context.Background(), sc, replayOptions{Log: quietLog()})
	var fatal *dispatch.FatalError
	if !errors.As(err, &fatal) {
		t.Fatalf("err = %v", err)
	}
	if fatal.Kind != dispatch.UnrecognizedExit {
		t.Fatalf("kind = %s", fatal.Kind)
	}
}

func TestReplayBlockedUntilDeadline(t *testing.T) {
	sc, err := ParseScenario([]byte(`
cpus:
  - exits:
      - {kind: blocked}
`))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = replay(ctx, sc, replayOptions{Log: quietLog()})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
}

// steppingClock moves forward a millisecond every time it is read.
type steppingClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

func TestReplayHPETInterrupt(t *testing.T) {
	sc, err := ParseScenario([]byte(`
hpet: true
cpus:
  - rip: 0x1000
    rflags: 0x202
    exits:
      - {kind: memory_access, gpa: 0xfed00108, access: write, bytes: "89 08", length: 2}
      - {kind: memory_access, gpa: 0xfed00100, access: write, bytes: "89 08", length: 2}
      - {kind: memory_access, gpa: 0xfed00010, access: write, bytes: "89 08", length: 2}
      - {kind: io_port, port: 0x402, write: true, rax: 0x2e, length: 1}
    emulate:
      - mmio: {addr: 0xfed00108, size: 8, write: true, value: 0x10}
      - mmio: {addr: 0xfed00100, size: 8, write: true, value: 0x4}
      - mmio: {addr: 0xfed00010, size: 8, write: true, value: 0x3}
`))
	if err != nil {
		t.Fatalf("ParseScenario: %v", err)
	}
	clock := &steppingClock{t: time.Unix(1000, 0)}
	r, err := replay(context.Background(), sc, replayOptions{Log: quietLog(), Now: clock.Now})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if r.HPET == nil || r.HPET.Writes != 3 || r.HPET.Fired[0] != 1 {
		t.Fatalf("hpet = %+v", r.HPET)
	}
	c := r.CPUs[0]
	if c.Emulated != 3 {
		t.Fatalf("emulated = %d", c.Emulated)
	}
	// Legacy replacement routes timer 0 to line 0, vector 0x20.
	if len(c.Injected) != 1 || c.Injected[0].Vector != 0x20 {
		t.Fatalf("injected = %+v", c.Injected)
	}
	if c.Run.Pending == 0 {
		t.Fatalf("timer deadline never returned to the caller")
	}
}

func TestReplayProgress(t *testing.T) {
	sc, err := ParseScenario([]byte(`
cpus:
  - exits:
      - {kind: cpuid, rax: 1}
      - {kind: msr, msr: 0x10}
      - {kind: interrupt_window}
  - exits:
      - {kind: apic_eoi, vector: 0x30}
`))
	if err != nil {
		t.Fatal(err)
	}
	var done atomic.Int64
	r, err := replay(context.Background(), sc, replayOptions{
		Log:      quietLog(),
		Progress: func(n int) { done.Add(int64(n)) },
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if got := done.Load(); got != int64(sc.Exits()) {
		t.Fatalf("progress = %d, want %d", got, sc.Exits())
	}

	var out strings.Builder
	printReport(&out, sc, r, time.Millisecond)
	for _, want := range []string{"cpu 0: status=halted", "exit cpuid", "exit apic_eoi"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("report lacks %q:\n%s", want, out.String())
		}
	}
}
