// Package config loads the execution core's YAML configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/tinyrange/nem/internal/nem/a20"
	"github.com/tinyrange/nem/internal/nem/dispatch"
	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"
)

const (
	DefaultFilename           = "nem.yaml"
	DefaultEmulationThreshold = 32
	DefaultMinHostVersion     = "v10.0.17763"
	DefaultLogLevel           = "info"
)

var ErrInvalid = errors.New("config: invalid")

type Config struct {
	// HostEmulatedAPIC leaves interrupt delivery to the host.
	HostEmulatedAPIC bool `yaml:"hostEmulatedApic"`

	A20        A20Config        `yaml:"a20"`
	CPUID      CPUIDConfig      `yaml:"cpuid"`
	Exceptions ExceptionsConfig `yaml:"exceptions"`

	DirtyTracking  bool   `yaml:"dirtyTracking"`
	MinHostVersion string `yaml:"minHostVersion"`
	LogLevel       string `yaml:"logLevel"`
}

type A20Config struct {
	Locked bool `yaml:"locked"`
	Strict bool `yaml:"strict"`
}

type CPUIDConfig struct {
	// EmulationThreshold is how often one CPUID site may exit before it is
	// routed through the emulator. Zero disables the heuristic.
	EmulationThreshold int `yaml:"emulationThreshold"`
}

type ExceptionsConfig struct {
	Hypercalls     bool `yaml:"hypercalls"`
	VMwareBackdoor bool `yaml:"vmwareBackdoor"`
}

// Default returns the configuration used for keys a file leaves out.
func Default() Config {
	return Config{
		CPUID: CPUIDConfig{EmulationThreshold: DefaultEmulationThreshold},
		Exceptions: ExceptionsConfig{
			Hypercalls:     true,
			VMwareBackdoor: true,
		},
		MinHostVersion: DefaultMinHostVersion,
		LogLevel:       DefaultLogLevel,
	}
}

func (c *Config) normalize() {
	if c.MinHostVersion != "" && c.MinHostVersion[0] != 'v' {
		c.MinHostVersion = "v" + c.MinHostVersion
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
}

// Validate reports the first problem with c.
func (c Config) Validate() error {
	if c.CPUID.EmulationThreshold < 0 {
		return fmt.Errorf("%w: cpuid.emulationThreshold %d is negative", ErrInvalid, c.CPUID.EmulationThreshold)
	}
	if c.MinHostVersion != "" && !semver.IsValid(c.MinHostVersion) {
		return fmt.Errorf("%w: minHostVersion %q is not a version", ErrInvalid, c.MinHostVersion)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	if c.A20.Locked && c.A20.Strict {
		return fmt.Errorf("%w: a20.locked and a20.strict are exclusive", ErrInvalid)
	}
	return nil
}

// Level parses LogLevel.
func (c Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("%w: logLevel %q", ErrInvalid, c.LogLevel)
	}
	return level, nil
}

func (c Config) DispatchOptions() dispatch.Options {
	return dispatch.Options{
		CPUIDEmulationThreshold: c.CPUID.EmulationThreshold,
		Hypercalls:              c.Exceptions.Hypercalls,
		VMwareBackdoor:          c.Exceptions.VMwareBackdoor,
	}
}

func (c Config) A20Options() a20.Options {
	return a20.Options{Locked: c.A20.Locked, Strict: c.A20.Strict}
}

// Decode reads a YAML document from r on top of the defaults. Unknown keys
// are rejected.
func Decode(r io.Reader) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("config: parse: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func Parse(data []byte) (Config, error) {
	return Decode(bytes.NewReader(data))
}

func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	cfg, err := Decode(f)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return cfg, nil
}

// Write stores cfg at path, creating its directory.
func Write(path string, cfg Config) error {
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: create dir: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("config: create %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(&cfg); err != nil {
		return fmt.Errorf("config: encode %s: %w", filepath.Base(path), err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("config: close %s: %w", filepath.Base(path), err)
	}
	return nil
}
