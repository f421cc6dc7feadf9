// Package hpet emulates the High Precision Event Timer. The main counter
// advances on the caller's clock; nothing runs in the background. The owner
// calls Poll once NextDeadlineHint has passed.
package hpet

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tinyrange/nem/internal/chipset"
)

// InterruptSink receives timer interrupts. devices/pic.DualPIC implements it.
type InterruptSink interface {
	SetIRQ(line uint8, level bool)
}

const (
	DefaultBase    uint64 = 0xfed00000
	MMIOWindowSize uint64 = 0x400

	clockPeriodFemtoseconds = 10_000_000 // 10ns
	clockPeriod             = 10 * time.Nanosecond
	vendorID                = 0x8086
	numTimers               = 3

	timerConfIntType     uint64 = 1 << 1
	timerConfIntEnable   uint64 = 1 << 2
	timerConfPeriodic    uint64 = 1 << 3
	timerConfPeriodicCap uint64 = 1 << 4
	timerConfSizeCap     uint64 = 1 << 5
	timerConfValSet      uint64 = 1 << 6
	timerConf32Bit       uint64 = 1 << 8

	timerConfIntRouteShift uint64 = 9
	timerConfIntRouteMask  uint64 = 0x1f << timerConfIntRouteShift

	timerConfFSBEnable uint64 = 1 << 14

	timerWritableMask = timerConfIntType | timerConfIntEnable | timerConfPeriodic |
		timerConfValSet | timerConf32Bit | timerConfIntRouteMask | timerConfFSBEnable

	legacyReplacementCap = uint64(1 << 15)

	genConfigEnable = 1 << 0
	genConfigLegacy = 1 << 1

	regGenCap      = 0x000
	regGenConfig   = 0x010
	regIntStatus   = 0x020
	regMainCounter = 0x0f0
	regTimerConfig = 0x100
	timerStride    = 0x20
)

type timer struct {
	config     uint64
	caps       uint64
	comparator uint64
	period     uint64
	fsbRoute   uint64
}

// armed reports whether the timer will fire once the counter moves on.
func (t *timer) armed(counter uint64) bool {
	if t.config&timerConfIntEnable == 0 || t.config&timerConfFSBEnable != 0 {
		return false
	}
	return t.config&timerConfPeriodic != 0 && t.period != 0 || counter < t.comparator
}

type Stats struct {
	Reads  uint64
	Writes uint64
	Fired  [numTimers]uint64
}

type Device struct {
	base uint64
	sink InterruptSink
	now  func() time.Time
	log  *slog.Logger

	mu            sync.Mutex
	generalConfig uint64
	intStatus     uint64
	counter       uint64
	lastUpdate    time.Time
	timers        [numTimers]timer
	stats         Stats
}

var (
	_ chipset.Device      = &Device{}
	_ chipset.MmioHandler = &Device{}
)

// New returns an HPET at base. now defaults to time.Now.
func New(base uint64, sink InterruptSink, now func() time.Time, log *slog.Logger) *Device {
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = slog.Default()
	}
	d := &Device{base: base, sink: sink, now: now, log: log}
	d.resetLocked()
	return d
}

func (d *Device) resetLocked() {
	d.generalConfig = 0
	d.intStatus = 0
	d.counter = 0
	d.lastUpdate = d.now()
	for i := range d.timers {
		caps := timerConfPeriodicCap | timerConfSizeCap | uint64(0xffffffff)<<32
		d.timers[i] = timer{caps: caps, config: caps}
	}
}

func (d *Device) Start() error { return nil }
func (d *Device) Stop() error  { return nil }

func (d *Device) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resetLocked()
	return nil
}

func (d *Device) SupportsPortIO() *chipset.PortIOIntercept { return nil }

func (d *Device) SupportsMmio() *chipset.MmioIntercept {
	return &chipset.MmioIntercept{
		Regions: []chipset.MmioRegion{{Address: d.base, Size: MMIOWindowSize}},
		Handler: d,
	}
}

func (d *Device) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

func (d *Device) enabled() bool { return d.generalConfig&genConfigEnable != 0 }

// ReadMMIO implements chipset.MmioHandler.
func (d *Device) ReadMMIO(addr uint64, data []byte) error {
	if len(data) > 8 {
		return fmt.Errorf("hpet: invalid read size %d", len(data))
	}
	d.mu.Lock()
	fired := d.advanceLocked(d.now())
	d.stats.Reads++

	offset := addr - d.base
	var val uint64
	switch {
	case offset == regGenCap:
		val = uint64(clockPeriodFemtoseconds)<<32 | uint64(vendorID)<<16 | 1<<13 | (numTimers - 1) | legacyReplacementCap
	case offset == regGenConfig:
		val = d.generalConfig
	case offset == regIntStatus:
		val = d.intStatus
	case offset == regMainCounter:
		val = d.counter
	case offset >= regTimerConfig:
		if t := d.timerAt(offset); t != nil {
			switch (offset - regTimerConfig) % timerStride {
			case 0x00:
				val = t.config
			case 0x08:
				val = t.comparator
			case 0x10:
				val = t.fsbRoute
			}
		}
	}
	d.mu.Unlock()
	d.raise(fired)

	for i := range data {
		data[i] = byte(val >> (i * 8))
	}
	return nil
}

// WriteMMIO implements chipset.MmioHandler.
func (d *Device) WriteMMIO(addr uint64, data []byte) error {
	if len(data) > 8 {
		return fmt.Errorf("hpet: invalid write size %d", len(data))
	}
	var val uint64
	for i := range data {
		val |= uint64(data[i]) << (i * 8)
	}

	d.mu.Lock()
	now := d.now()
	fired := d.advanceLocked(now)
	d.stats.Writes++

	offset := addr - d.base
	switch {
	case offset == regGenConfig:
		wasEnabled := d.enabled()
		d.generalConfig = val & (genConfigEnable | genConfigLegacy)
		if d.enabled() && !wasEnabled {
			d.lastUpdate = now
		}
		d.log.Debug("hpet: general config", "enable", d.enabled(), "legacy", d.generalConfig&genConfigLegacy != 0)
	case offset == regIntStatus:
		d.intStatus &^= val
	case offset == regMainCounter:
		d.counter = val
		d.lastUpdate = now
	case offset >= regTimerConfig:
		t := d.timerAt(offset)
		if t == nil {
			break
		}
		switch (offset - regTimerConfig) % timerStride {
		case 0x00:
			t.config = val&timerWritableMask | t.caps
			if t.config&timerConf32Bit != 0 {
				t.comparator &= 0xffffffff
				t.period &= 0xffffffff
			}
		case 0x08:
			if t.config&timerConf32Bit != 0 {
				val &= 0xffffffff
			}
			t.comparator = val
			t.period = val
		case 0x10:
			t.fsbRoute = val
		}
	}
	d.mu.Unlock()
	d.raise(fired)
	return nil
}

func (d *Device) timerAt(offset uint64) *timer {
	idx := (offset - regTimerConfig) / timerStride
	if idx >= numTimers {
		return nil
	}
	return &d.timers[idx]
}

// Poll advances the counter to the current time and delivers every
// comparator it passed.
func (d *Device) Poll() {
	d.mu.Lock()
	fired := d.advanceLocked(d.now())
	d.mu.Unlock()
	d.raise(fired)
}

// NextDeadlineHint reports when the earliest armed comparator fires.
func (d *Device) NextDeadlineHint() (time.Time, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.enabled() {
		return time.Time{}, false
	}
	var next uint64
	found := false
	for i := range d.timers {
		t := &d.timers[i]
		if !t.armed(d.counter) {
			continue
		}
		cmp := t.comparator
		if cmp <= d.counter {
			// A periodic timer behind the counter fires on the next poll.
			cmp = d.counter
		}
		if !found || cmp < next {
			next, found = cmp, true
		}
	}
	if !found {
		return time.Time{}, false
	}
	return d.lastUpdate.Add(time.Duration(next-d.counter) * clockPeriod), true
}

// advanceLocked moves the counter to now and returns the lines to pulse.
func (d *Device) advanceLocked(now time.Time) []uint8 {
	if now.Before(d.lastUpdate) {
		d.lastUpdate = now
		return nil
	}
	if !d.enabled() {
		d.lastUpdate = now
		return nil
	}
	prev := d.counter
	ticks := uint64(now.Sub(d.lastUpdate) / clockPeriod)
	d.counter += ticks
	d.lastUpdate = d.lastUpdate.Add(time.Duration(ticks) * clockPeriod)
	return d.checkTimersLocked(prev)
}

func (d *Device) checkTimersLocked(prev uint64) []uint8 {
	var lines []uint8
	current := d.counter
	for i := range d.timers {
		t := &d.timers[i]
		// FSB delivery is not implemented.
		if t.config&timerConfIntEnable == 0 || t.config&timerConfFSBEnable != 0 {
			continue
		}

		if t.config&timerConfPeriodic == 0 || t.period == 0 {
			if prev < t.comparator && current >= t.comparator {
				lines = append(lines, d.fireLocked(i, t))
			}
			continue
		}

		fired := false
		for current >= t.comparator {
			fired = true
			t.comparator += t.period
		}
		if fired {
			lines = append(lines, d.fireLocked(i, t))
		}
	}
	return lines
}

func (d *Device) fireLocked(idx int, t *timer) uint8 {
	d.intStatus |= 1 << idx
	d.stats.Fired[idx]++
	line := d.routeLocked(idx, t)
	d.log.Debug("hpet: timer fired", "timer", idx, "line", line)
	return line
}

func (d *Device) routeLocked(idx int, t *timer) uint8 {
	if d.generalConfig&genConfigLegacy != 0 {
		switch idx {
		case 0:
			return 0
		case 1:
			return 8
		}
	}
	return uint8((t.config & timerConfIntRouteMask) >> timerConfIntRouteShift)
}

// raise pulses each line outside the device lock.
func (d *Device) raise(lines []uint8) {
	if d.sink == nil {
		return
	}
	for _, line := range lines {
		d.sink.SetIRQ(line, true)
		d.sink.SetIRQ(line, false)
	}
}
