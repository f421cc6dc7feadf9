package main

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tinyrange/nem/internal/hv"
	"github.com/tinyrange/nem/internal/nem/config"
)

func TestScenarioDefaults(t *testing.T) {
	sc, err := ParseScenario([]byte(`
cpus:
  - rip: 0x7c00
    exits:
      - kind: io_port
        port: 0x80
        write: true
        length: 2
`))
	if err != nil {
		t.Fatalf("ParseScenario: %v", err)
	}
	if sc.DebugPort != defaultDebugPort {
		t.Fatalf("debug port = %#x", sc.DebugPort)
	}
	if sc.CPUs[0].Rflags != 0x2 {
		t.Fatalf("rflags = %#x", sc.CPUs[0].Rflags)
	}
	if sc.CPUs[0].Exits[0].Size != 1 {
		t.Fatalf("io size = %d", sc.CPUs[0].Exits[0].Size)
	}
	if got, want := sc.CoreConfig(), config.Default(); got != want {
		t.Fatalf("config = %+v, want defaults", got)
	}
	if sc.Exits() != 1 {
		t.Fatalf("exits = %d", sc.Exits())
	}
}

func TestScenarioInlineConfig(t *testing.T) {
	sc, err := ParseScenario([]byte(`
config:
  a20:
    strict: true
  cpuid:
    emulationThreshold: 4
cpus:
  - {}
`))
	if err != nil {
		t.Fatalf("ParseScenario: %v", err)
	}
	cfg := sc.CoreConfig()
	if !cfg.A20.Strict || cfg.CPUID.EmulationThreshold != 4 {
		t.Fatalf("config = %+v", cfg)
	}
	if cfg.LogLevel != config.DefaultLogLevel {
		t.Fatalf("defaults not applied under inline config: %+v", cfg)
	}

	_, err = ParseScenario([]byte(`
config:
  a20:
    strict: true
    locked: true
cpus:
  - {}
`))
	if !errors.Is(err, config.ErrInvalid) {
		t.Fatalf("conflicting a20 options: %v", err)
	}
}

func TestScenarioRejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"no cpus", `name: empty`, "no cpus"},
		{"unknown field", "cpus:\n  - bogus: 1\n", "field bogus not found"},
		{"unknown kind", "cpus:\n  - exits:\n      - kind: vmcall\n", `unknown exit kind "vmcall"`},
		{"bad bytes", "cpus:\n  - exits:\n      - kind: exception\n        bytes: zz\n", "bytes"},
		{"unaligned memory", "memory:\n  - gpa: 0x10\n    size: 0x1000\ncpus:\n  - {}\n", "not page aligned"},
		{"bad prot", "memory:\n  - gpa: 0\n    size: 0x1000\n    prot: rq\ncpus:\n  - {}\n", "unknown flag"},
		{"dirty without tracking", "memory:\n  - gpa: 0\n    size: 0x1000\n    trackDirty: true\ncpus:\n  - {}\n", "dirtyTracking is off"},
		{"bad status", "cpus:\n  - emulate:\n      - status: crash\n", `unknown emulation status "crash"`},
		{"bad irq line", "irqs:\n  - line: 16\ncpus:\n  - {}\n", "line 16"},
		{"wide mmio", "cpus:\n  - emulate:\n      - mmio: {addr: 0xfed00000, size: 16}\n", "mmio size 16"},
		{"bad guest register", "cpus:\n  - exits:\n      - kind: halt\n        guest: {xmm0: 1}\n", "xmm0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.doc))
			if err == nil {
				t.Fatalf("accepted")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestExitSpecStep(t *testing.T) {
	code := uint32(0x10)
	step, err := ExitSpec{Kind: "exception", Vector: hv.VectorGP, ErrorCode: &code, Bytes: "66 ed", Length: 2}.step()
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	ex, ok := step.Exit.(*hv.ExitException)
	if !ok {
		t.Fatalf("exit = %T", step.Exit)
	}
	if !ex.HasErrorCode || ex.ErrorCode != 0x10 || ex.InstructionLength != 2 {
		t.Fatalf("exception = %+v", ex)
	}
	if len(ex.InstructionBytes) != 2 || ex.InstructionBytes[1] != 0xed {
		t.Fatalf("bytes = % x", ex.InstructionBytes)
	}

	step, err = ExitSpec{Kind: "blocked"}.step()
	if err != nil || !step.Block {
		t.Fatalf("blocked step = %+v, %v", step, err)
	}

	step, err = ExitSpec{Kind: "interrupt_window", Window: "nmi"}.step()
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if w := step.Exit.(*hv.ExitInterruptWindow); w.Type != hv.WindowNMI {
		t.Fatalf("window = %v", w.Type)
	}
}

func TestLoadScenarioName(t *testing.T) {
	path := filepath.Join(t.TempDir(), "boot-sector.yaml")
	if err := os.WriteFile(path, []byte("cpus:\n  - {}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	sc, err := LoadScenario(path)
	if err != nil {
		t.Fatalf("LoadScenario: %v", err)
	}
	if sc.Name != "boot-sector" {
		t.Fatalf("name = %q", sc.Name)
	}

	if _, err := LoadScenario(filepath.Join(t.TempDir(), "missing.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("missing file: %v", err)
	}
}
