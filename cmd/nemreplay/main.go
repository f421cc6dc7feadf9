// Command nemreplay drives the execution core against a scripted host
// partition, or probes the real host platform.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/tinyrange/nem/internal/hv"
	"github.com/tinyrange/nem/internal/hv/whp"
	"github.com/tinyrange/nem/internal/nem/config"
	"github.com/tinyrange/nem/internal/nem/probe"
	"github.com/tinyrange/nem/internal/timeslice"
)

func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	scenarioPath := fs.String("scenario", "", "Scenario file to replay")
	configPath := fs.String("config", "", "Core configuration file, replacing the scenario's inline config")
	logLevel := fs.String("log-level", "", "Log level, overriding the configuration")
	tracePath := fs.String("trace", "", "Write timeslice records to this file")
	probeHost := fs.Bool("probe", false, "Probe the host hypervisor platform and exit")
	quiet := fs.Bool("quiet", false, "Do not show a progress bar")
	timeout := fs.Duration("timeout", 30*time.Second, "Abort the replay after this long")

	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}

	if *probeHost {
		cfg := config.Default()
		if *configPath != "" {
			var err error
			if cfg, err = config.Load(*configPath); err != nil {
				fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
				os.Exit(1)
			}
		}
		log := newLogger(cfg, *logLevel)
		if err := runProbe(os.Stdout, cfg, log); err != nil {
			fmt.Fprintf(os.Stderr, "probe failed: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if *scenarioPath == "" {
		fs.Usage()
		os.Exit(1)
	}

	sc, err := LoadScenario(*scenarioPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load scenario: %v\n", err)
		os.Exit(1)
	}
	if *configPath != "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
			os.Exit(1)
		}
		sc.core = cfg
		if err := sc.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "scenario does not fit config: %v\n", err)
			os.Exit(1)
		}
	}
	log := newLogger(sc.CoreConfig(), *logLevel)

	if *tracePath != "" {
		f, err := os.Create(*tracePath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to create trace file: %v\n", err)
			os.Exit(1)
		}
		rec, err := timeslice.StartRecording(f)
		if err != nil {
			f.Close()
			fmt.Fprintf(os.Stderr, "failed to start recording: %v\n", err)
			os.Exit(1)
		}
		defer func() {
			if err := rec.Close(); err != nil {
				log.Warn("nemreplay: close trace", "error", err)
			}
			f.Close()
		}()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, *timeout)
	defer cancelTimeout()

	opts := replayOptions{Log: log}
	if !*quiet && term.IsTerminal(int(os.Stderr.Fd())) {
		bar := progressbar.Default(int64(sc.Exits()), sc.Name)
		defer bar.Close()
		opts.Progress = func(n int) { bar.Add(n) }
	}

	start := time.Now()
	report, err := replay(ctx, sc, opts)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			fmt.Fprintf(os.Stderr, "replay timed out after %s\n", *timeout)
		} else {
			fmt.Fprintf(os.Stderr, "replay failed: %v\n", err)
		}
		os.Exit(1)
	}
	elapsed := time.Since(start)

	printReport(os.Stdout, sc, report, elapsed)
}

func newLogger(cfg config.Config, override string) *slog.Logger {
	level, err := cfg.Level()
	if err != nil {
		level = slog.LevelInfo
	}
	if override != "" {
		if err := level.UnmarshalText([]byte(override)); err != nil {
			fmt.Fprintf(os.Stderr, "invalid log level %q\n", override)
			os.Exit(1)
		}
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)
	return log
}

func runProbe(w io.Writer, cfg config.Config, log *slog.Logger) error {
	h, caps, err := probe.Open(func() (hv.Hypervisor, error) {
		h, err := whp.Open(whp.Options{
			LocalApicEmulation: cfg.HostEmulatedAPIC,
			InterceptGP:        cfg.Exceptions.VMwareBackdoor,
			Log:                log,
		})
		if err != nil {
			return nil, err
		}
		return h, nil
	}, cfg)
	if err != nil {
		return err
	}
	defer h.Close()

	fmt.Fprintf(w, "host:            %s\n", caps.Version)
	fmt.Fprintf(w, "msr exits:       %t\n", caps.MsrExits)
	fmt.Fprintf(w, "cpuid exits:     %t\n", caps.CpuidExits)
	fmt.Fprintf(w, "exception exits: %t\n", caps.ExceptionExits)
	fmt.Fprintf(w, "apic emulation:  %t\n", caps.ApicEmulation)
	fmt.Fprintf(w, "dirty tracking:  %t\n", caps.DirtyTracking)
	return nil
}

func printReport(w io.Writer, sc *Scenario, r *Report, elapsed time.Duration) {
	fmt.Fprintf(w, "scenario %s: %d cpus, %d exits in %s\n", sc.Name, len(r.CPUs), sc.Exits(), elapsed)
	for _, c := range r.CPUs {
		fmt.Fprintf(w, "cpu %d: status=%s iterations=%d runs=%d exports=%d canceled=%d pending=%d emulated=%d resets=%d\n",
			c.Index, c.Status, c.Run.Iterations, c.Run.Runs, c.Run.Exports, c.Run.Canceled, c.Run.Pending, c.Emulated, c.Resets)
		for kind, n := range c.Dispatch.Exits {
			if n != 0 {
				fmt.Fprintf(w, "  exit %-24s %d\n", hv.ExitKind(kind), n)
			}
		}
		fmt.Fprintf(w, "  hypercalls=%d injected-gp=%d reinjected=%d cpuid-emulated=%d\n",
			c.Dispatch.Hypercalls, c.Dispatch.InjectedGP, c.Dispatch.Reinjected, c.Dispatch.CPUIDEmulated)
		fmt.Fprintf(w, "  extint=%d nmi=%d masked-by-tpr=%d windows=%d\n",
			c.IRQ.ExtIntInjected, c.IRQ.NMIInjected, c.IRQ.MaskedByTPR, c.IRQ.WindowRequested)
		for _, ev := range c.Injected {
			fmt.Fprintf(w, "  injected %s vector=%#x\n", ev.Type, ev.Vector)
		}
	}
	fmt.Fprintf(w, "pages: maps=%d unmaps=%d unmap-failures=%d emulated=%d dirty=%d\n",
		r.Pages.Maps, r.Pages.Unmaps, r.Pages.UnmapFailures, r.Pages.EmulatedAccess, r.DirtyPages)
	fmt.Fprintf(w, "chipset: pio=%d mmio=%d pic-acks=%d spurious=%d\n", r.PIO, r.MMIO, r.PIC.Acknowledged, r.PIC.Spurious)
	if r.HPET != nil {
		fmt.Fprintf(w, "hpet: reads=%d writes=%d fired=%v\n", r.HPET.Reads, r.HPET.Writes, r.HPET.Fired)
	}
	fmt.Fprintf(w, "host: runs=%d cancels=%d\n", r.Host.Run, r.Host.Cancel)
	if len(r.Debug) > 0 {
		fmt.Fprintf(w, "debug port: %q\n", r.Debug)
	}
	for _, k := range timeslice.Snapshot() {
		fmt.Fprintf(w, "% 32s count=% 8d total=% 14s\n", k.Name, k.Count, k.Total)
	}
}
