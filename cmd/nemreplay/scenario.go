package main

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/nem/internal/hv"
	"github.com/tinyrange/nem/internal/hv/hvtest"
	"github.com/tinyrange/nem/internal/nem/config"
	"github.com/tinyrange/nem/internal/nem/dispatch"
	"github.com/tinyrange/nem/internal/nem/gpa"
)

const defaultDebugPort = 0x402

var errScenario = errors.New("scenario: invalid")

// Scenario describes a machine and the exits its virtual CPUs take.
type Scenario struct {
	Name string `yaml:"name"`

	// Config is an inline nem.yaml document.
	Config yaml.Node `yaml:"config"`

	Memory    []MemoryRegion `yaml:"memory"`
	DebugPort uint16         `yaml:"debugPort"`
	// HPET maps a timer at 0xfed00000 and drives the first CPU's deadline.
	HPET bool        `yaml:"hpet"`
	IRQs []IRQEvent  `yaml:"irqs"`
	CPUs []CPUScript `yaml:"cpus"`

	core config.Config
}

type MemoryRegion struct {
	GPA        uint64 `yaml:"gpa"`
	Size       uint64 `yaml:"size"`
	Prot       string `yaml:"prot"`
	MMIO       bool   `yaml:"mmio"`
	TrackDirty bool   `yaml:"trackDirty"`
}

// IRQEvent raises or lowers a PIC line. With After set it fires from a
// timer; otherwise the first virtual CPU fires it once it has consumed
// AtExit scripted exits.
type IRQEvent struct {
	Line   uint8         `yaml:"line"`
	Level  bool          `yaml:"level"`
	After  time.Duration `yaml:"after"`
	AtExit int           `yaml:"atExit"`
}

type CPUScript struct {
	Rip    uint64 `yaml:"rip"`
	Rflags uint64 `yaml:"rflags"`
	Cr0    uint64 `yaml:"cr0"`

	Exits   []ExitSpec `yaml:"exits"`
	Emulate []EmuStep  `yaml:"emulate"`
}

// ExitSpec is one scripted host exit. Kind is an hv.ExitKind name or
// "blocked", which parks the virtual CPU until it is kicked.
type ExitSpec struct {
	Kind   string `yaml:"kind"`
	Length uint8  `yaml:"length"`
	Bytes  string `yaml:"bytes"`

	GPA      uint64 `yaml:"gpa"`
	Access   string `yaml:"access"`
	Unmapped bool   `yaml:"unmapped"`

	Port   uint16 `yaml:"port"`
	Size   uint8  `yaml:"size"`
	Write  bool   `yaml:"write"`
	String bool   `yaml:"string"`
	Rep    bool   `yaml:"rep"`

	Rax uint64 `yaml:"rax"`
	Rcx uint64 `yaml:"rcx"`
	Rdx uint64 `yaml:"rdx"`
	Rbx uint64 `yaml:"rbx"`

	Msr uint32 `yaml:"msr"`

	Vector    uint8   `yaml:"vector"`
	ErrorCode *uint32 `yaml:"errorCode"`

	Window string `yaml:"window"`
	ICR    uint64 `yaml:"icr"`

	Feature uint32 `yaml:"feature"`

	// Guest sets host registers before the exit is reported, standing in
	// for what the guest computed.
	Guest map[string]uint64 `yaml:"guest"`
	// Dirty lists pages the guest wrote before the exit.
	Dirty []uint64 `yaml:"dirty"`
}

// EmuStep is the outcome of one emulated instruction.
type EmuStep struct {
	Status string  `yaml:"status"`
	Rip    *uint64 `yaml:"rip"`
	Rax    *uint64 `yaml:"rax"`
	IO     *EmuIO  `yaml:"io"`
	MMIO   *EmuIO  `yaml:"mmio"`
}

// EmuIO is a port or memory-mapped access the emulated instruction
// performs. Addr applies to mmio only.
type EmuIO struct {
	Port  uint16 `yaml:"port"`
	Addr  uint64 `yaml:"addr"`
	Size  uint8  `yaml:"size"`
	Write bool   `yaml:"write"`
	Value uint64 `yaml:"value"`
}

func DecodeScenario(r io.Reader) (*Scenario, error) {
	var sc Scenario
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&sc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("scenario: parse: %w", err)
	}
	if err := sc.normalize(); err != nil {
		return nil, err
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

func ParseScenario(data []byte) (*Scenario, error) {
	return DecodeScenario(bytes.NewReader(data))
}

func LoadScenario(path string) (*Scenario, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("scenario: open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	sc, err := DecodeScenario(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	if sc.Name == "" {
		sc.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return sc, nil
}

// CoreConfig returns the decoded inline configuration.
func (s *Scenario) CoreConfig() config.Config { return s.core }

func (s *Scenario) normalize() error {
	if s.DebugPort == 0 {
		s.DebugPort = defaultDebugPort
	}
	for i := range s.Memory {
		if s.Memory[i].Prot == "" && !s.Memory[i].MMIO {
			s.Memory[i].Prot = "rwx"
		}
	}
	for i := range s.CPUs {
		if s.CPUs[i].Rflags == 0 {
			s.CPUs[i].Rflags = 0x2
		}
		for j := range s.CPUs[i].Exits {
			e := &s.CPUs[i].Exits[j]
			if e.Kind == hv.ExitKindIOPort.String() && e.Size == 0 {
				e.Size = 1
			}
		}
	}

	s.core = config.Default()
	if s.Config.Kind == 0 {
		return nil
	}
	raw, err := yaml.Marshal(&s.Config)
	if err != nil {
		return fmt.Errorf("scenario: config: %w", err)
	}
	if s.core, err = config.Parse(raw); err != nil {
		return fmt.Errorf("scenario: %w", err)
	}
	return nil
}

// Validate reports the first problem with s.
func (s *Scenario) Validate() error {
	if len(s.CPUs) == 0 {
		return fmt.Errorf("%w: no cpus", errScenario)
	}
	for i, m := range s.Memory {
		if m.Size == 0 || m.GPA&gpa.PageMask != 0 || m.Size&gpa.PageMask != 0 {
			return fmt.Errorf("%w: memory[%d] %#x+%#x is not page aligned", errScenario, i, m.GPA, m.Size)
		}
		if m.MMIO && m.TrackDirty {
			return fmt.Errorf("%w: memory[%d] mmio cannot track dirty pages", errScenario, i)
		}
		if m.TrackDirty && !s.core.DirtyTracking {
			return fmt.Errorf("%w: memory[%d] tracks dirty pages but config.dirtyTracking is off", errScenario, i)
		}
		if _, err := parseProt(m.Prot); err != nil {
			return fmt.Errorf("%w: memory[%d]: %w", errScenario, i, err)
		}
	}
	for i, ev := range s.IRQs {
		if ev.Line > 15 {
			return fmt.Errorf("%w: irqs[%d]: line %d", errScenario, i, ev.Line)
		}
		if ev.After < 0 || ev.AtExit < 0 {
			return fmt.Errorf("%w: irqs[%d]: negative trigger", errScenario, i)
		}
	}
	for i, c := range s.CPUs {
		for j, e := range c.Exits {
			if _, err := e.step(); err != nil {
				return fmt.Errorf("%w: cpus[%d].exits[%d]: %w", errScenario, i, j, err)
			}
		}
		for j, e := range c.Emulate {
			if _, err := parseEmuStatus(e.Status); err != nil {
				return fmt.Errorf("%w: cpus[%d].emulate[%d]: %w", errScenario, i, j, err)
			}
			if e.IO != nil && e.IO.Size != 0 && e.IO.Size != 1 && e.IO.Size != 2 && e.IO.Size != 4 {
				return fmt.Errorf("%w: cpus[%d].emulate[%d]: io size %d", errScenario, i, j, e.IO.Size)
			}
			if e.MMIO != nil && e.MMIO.Size > 8 {
				return fmt.Errorf("%w: cpus[%d].emulate[%d]: mmio size %d", errScenario, i, j, e.MMIO.Size)
			}
		}
	}
	return nil
}

// Exits returns the total number of scripted exits.
func (s *Scenario) Exits() int {
	n := 0
	for _, c := range s.CPUs {
		n += len(c.Exits)
	}
	return n
}

func parseProt(s string) (gpa.Prot, error) {
	var p gpa.Prot
	for _, r := range s {
		switch r {
		case 'r':
			p |= gpa.ProtRead
		case 'w':
			p |= gpa.ProtWrite
		case 'x':
			p |= gpa.ProtExecute
		case '-':
		default:
			return 0, fmt.Errorf("prot %q: unknown flag %q", s, r)
		}
	}
	return p, nil
}

func parseEmuStatus(s string) (dispatch.EmuStatus, error) {
	if s == "" {
		return dispatch.EmuDone, nil
	}
	for _, st := range []dispatch.EmuStatus{dispatch.EmuDone, dispatch.EmuHalt, dispatch.EmuReschedule, dispatch.EmuUnrecoverable} {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown emulation status %q", s)
}

func parseExitKind(s string) (hv.ExitKind, error) {
	for k := hv.ExitKindInvalid + 1; k < hv.ExitKindCount; k++ {
		if k.String() == s {
			return k, nil
		}
	}
	return hv.ExitKindInvalid, fmt.Errorf("unknown exit kind %q", s)
}

func parseAccess(s string) (hv.AccessType, error) {
	switch s {
	case "", "read":
		return hv.AccessRead, nil
	case "write":
		return hv.AccessWrite, nil
	case "execute":
		return hv.AccessExecute, nil
	}
	return 0, fmt.Errorf("unknown access %q", s)
}

var guestRegisters = map[string]hv.Register{
	"rax":    hv.RegisterRax,
	"rcx":    hv.RegisterRcx,
	"rdx":    hv.RegisterRdx,
	"rbx":    hv.RegisterRbx,
	"rip":    hv.RegisterRip,
	"rflags": hv.RegisterRflags,
	"cr0":    hv.RegisterCr0,
	"cr3":    hv.RegisterCr3,
	"cr4":    hv.RegisterCr4,
	"efer":   hv.RegisterEfer,
}

// step converts e into the host partition's script form.
func (e ExitSpec) step() (hvtest.Step, error) {
	if e.Kind == "blocked" {
		return hvtest.Step{Block: true}, nil
	}
	kind, err := parseExitKind(e.Kind)
	if err != nil {
		return hvtest.Step{}, err
	}
	raw, err := hex.DecodeString(strings.ReplaceAll(e.Bytes, " ", ""))
	if err != nil {
		return hvtest.Step{}, fmt.Errorf("bytes %q: %w", e.Bytes, err)
	}
	if len(raw) > 16 {
		return hvtest.Step{}, fmt.Errorf("%d instruction bytes, at most 16", len(raw))
	}
	if len(raw) == 0 {
		raw = nil
	}
	header := hv.ExitHeader{InstructionLength: e.Length}

	var exit hv.ExitContext
	switch kind {
	case hv.ExitKindMemoryAccess:
		access, err := parseAccess(e.Access)
		if err != nil {
			return hvtest.Step{}, err
		}
		exit = &hv.ExitMemoryAccess{ExitHeader: header, GPA: e.GPA, Access: access, GPAUnmapped: e.Unmapped, InstructionBytes: raw}
	case hv.ExitKindIOPort:
		exit = &hv.ExitIOPort{
			ExitHeader:       header,
			Port:             e.Port,
			Size:             e.Size,
			Write:            e.Write,
			String:           e.String,
			Rep:              e.Rep,
			Rax:              e.Rax,
			Rcx:              e.Rcx,
			InstructionBytes: raw,
		}
	case hv.ExitKindCPUID:
		exit = &hv.ExitCPUID{ExitHeader: header, Rax: e.Rax, Rcx: e.Rcx, DefaultRax: e.Rax, DefaultRcx: e.Rcx, DefaultRdx: e.Rdx, DefaultRbx: e.Rbx}
	case hv.ExitKindMSR:
		exit = &hv.ExitMSR{ExitHeader: header, Msr: e.Msr, Write: e.Write, Rax: e.Rax, Rdx: e.Rdx}
	case hv.ExitKindException:
		ex := &hv.ExitException{ExitHeader: header, Vector: e.Vector, InstructionBytes: raw}
		if e.ErrorCode != nil {
			ex.HasErrorCode = true
			ex.ErrorCode = *e.ErrorCode
		}
		exit = ex
	case hv.ExitKindInterruptWindow:
		w := hv.WindowInterrupt
		switch e.Window {
		case "", "interrupt":
		case "nmi":
			w = hv.WindowNMI
		default:
			return hvtest.Step{}, fmt.Errorf("unknown window %q", e.Window)
		}
		exit = &hv.ExitInterruptWindow{ExitHeader: header, Type: w}
	case hv.ExitKindUnrecoverable:
		exit = &hv.ExitUnrecoverable{ExitHeader: header}
	case hv.ExitKindApicEOI:
		exit = &hv.ExitApicEOI{ExitHeader: header, Vector: e.Vector}
	case hv.ExitKindApicInitSipi:
		exit = &hv.ExitApicInitSipi{ExitHeader: header, ICR: e.ICR}
	case hv.ExitKindHalt:
		exit = &hv.ExitHalt{ExitHeader: header}
	case hv.ExitKindUnsupported:
		exit = &hv.ExitUnsupported{ExitHeader: header, Feature: e.Feature}
	}

	step := hvtest.Step{Exit: exit}
	if len(e.Guest) > 0 {
		regs := make(map[hv.Register]uint64, len(e.Guest))
		for name, v := range e.Guest {
			reg, ok := guestRegisters[name]
			if !ok {
				return hvtest.Step{}, fmt.Errorf("unknown guest register %q", name)
			}
			regs[reg] = v
		}
		step.Guest = func(r hvtest.Registers) {
			for reg, v := range regs {
				r.Set64(reg, v)
			}
		}
	}
	return step, nil
}
