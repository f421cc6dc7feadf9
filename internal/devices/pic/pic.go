// Package pic is a pair of cascaded 8259A interrupt controllers exposed both
// as a port I/O device and as an interrupt source for the arbiter.
package pic

import (
	"fmt"
	"math/bits"
	"sync"

	"github.com/tinyrange/nem/internal/chipset"
	"github.com/tinyrange/nem/internal/nem/irq"
)

const (
	PrimaryCommandPort   uint16 = 0x20
	PrimaryDataPort      uint16 = 0x21
	SecondaryCommandPort uint16 = 0xa0
	SecondaryDataPort    uint16 = 0xa1
	PrimaryELCRPort      uint16 = 0x4d0
	SecondaryELCRPort    uint16 = 0x4d1

	cascadeIRQ  = 2
	irqMask     = 0x7
	spuriousIRQ = 7
)

type Stats struct {
	Spurious     uint64
	Acknowledged uint64
	PerIRQ       [16]uint64
}

// DualPIC implements the classic pair of cascaded 8259A controllers.
type DualPIC struct {
	mu    sync.Mutex
	ready chipset.LineInterrupt
	pics  [2]*pic
	stats Stats
}

var (
	_ chipset.Device        = &DualPIC{}
	_ chipset.PortIOHandler = &DualPIC{}
	_ irq.Controller        = &DualPIC{}
)

func New() *DualPIC {
	return &DualPIC{
		ready: chipset.LineInterruptDetached(),
		pics:  [2]*pic{newPic(true), newPic(false)},
	}
}

// SetReadyLine sets the line raised while an unmasked interrupt is pending.
func (p *DualPIC) SetReadyLine(line chipset.LineInterrupt) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if line == nil {
		line = chipset.LineInterruptDetached()
	}
	p.ready = line
	p.syncOutputsLocked()
}

func (p *DualPIC) Start() error { return nil }
func (p *DualPIC) Stop() error  { return nil }

// Reset reinitialises both controllers, keeping ELCR and clearing lines.
func (p *DualPIC) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pics[0].reset(false)
	p.pics[1].reset(false)
	p.stats = Stats{}
	p.syncOutputsLocked()
	return nil
}

func (p *DualPIC) SupportsPortIO() *chipset.PortIOIntercept {
	return &chipset.PortIOIntercept{
		Ports: []uint16{
			PrimaryCommandPort, PrimaryDataPort,
			SecondaryCommandPort, SecondaryDataPort,
			PrimaryELCRPort, SecondaryELCRPort,
		},
		Handler: p,
	}
}

func (p *DualPIC) SupportsMmio() *chipset.MmioIntercept { return nil }

func (p *DualPIC) ReadIOPort(port uint16, data []byte) error {
	if len(data) != 1 {
		return fmt.Errorf("pic: invalid read size %d", len(data))
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	switch port {
	case PrimaryCommandPort:
		data[0] = p.pics[0].readCommand()
	case PrimaryDataPort:
		data[0] = p.pics[0].imr
	case SecondaryCommandPort:
		data[0] = p.pics[1].readCommand()
	case SecondaryDataPort:
		data[0] = p.pics[1].imr
	case PrimaryELCRPort:
		data[0] = p.pics[0].elcr
	case SecondaryELCRPort:
		data[0] = p.pics[1].elcr
	default:
		return fmt.Errorf("pic: invalid read port %#04x", port)
	}
	p.syncOutputsLocked()
	return nil
}

func (p *DualPIC) WriteIOPort(port uint16, data []byte) error {
	if len(data) != 1 {
		return fmt.Errorf("pic: invalid write size %d", len(data))
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	switch port {
	case PrimaryCommandPort:
		p.pics[0].writeCommand(data[0])
	case PrimaryDataPort:
		p.pics[0].writeData(data[0])
	case SecondaryCommandPort:
		p.pics[1].writeCommand(data[0])
	case SecondaryDataPort:
		p.pics[1].writeData(data[0])
	case PrimaryELCRPort:
		p.pics[0].elcr = data[0]
	case SecondaryELCRPort:
		p.pics[1].elcr = data[0]
	default:
		return fmt.Errorf("pic: invalid write port %#04x", port)
	}
	p.syncOutputsLocked()
	return nil
}

func (p *DualPIC) syncOutputsLocked() {
	p.pics[0].setIRQ(cascadeIRQ, p.pics[1].interruptPending())
	p.ready.SetLevel(p.pics[0].interruptPending())
}

// SetIRQ drives one of the 16 input lines.
func (p *DualPIC) SetIRQ(line uint8, level bool) {
	if line >= 16 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if line >= 8 {
		p.pics[1].setIRQ(line-8, level)
	} else {
		p.pics[0].setIRQ(line, level)
	}
	p.syncOutputsLocked()
}

// NextPendingVector implements irq.Controller without changing any state.
func (p *DualPIC) NextPendingVector() (uint8, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	line, ok := p.pics[0].pendingLine()
	if !ok {
		return 0, false
	}
	if line == cascadeIRQ {
		secondary, ok := p.pics[1].pendingLine()
		if !ok {
			return 0, false
		}
		return p.pics[1].icw2 | secondary, true
	}
	return p.pics[0].icw2 | line, true
}

// Acknowledge implements irq.Controller. vector must be the one
// NextPendingVector returned.
func (p *DualPIC) Acknowledge(vector uint8) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	defer p.syncOutputsLocked()

	ok, got, line := p.acknowledgeLocked()
	if !ok {
		p.stats.Spurious++
		return fmt.Errorf("pic: acknowledge %#x: nothing pending (spurious %#x)", vector, got)
	}
	p.stats.Acknowledged++
	p.stats.PerIRQ[line]++
	if got != vector {
		return fmt.Errorf("pic: acknowledged %#x, expected %#x", got, vector)
	}
	return nil
}

func (p *DualPIC) acknowledgeLocked() (bool, uint8, uint8) {
	ok, vec := p.pics[0].acknowledge()
	if !ok {
		return false, vec, spuriousIRQ
	}
	if vec&irqMask != cascadeIRQ {
		return true, vec, vec & irqMask
	}
	ok, vec = p.pics[1].acknowledge()
	return ok, vec, 8 + vec&irqMask
}

// TPR implements irq.Controller; the 8259 has no task priority.
func (p *DualPIC) TPR() uint8 { return 0 }

func (p *DualPIC) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

func (p *DualPIC) String() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fmt.Sprintf("PIC(primary=%+v, secondary=%+v)", *p.pics[0], *p.pics[1])
}

type initStage int

const (
	initUninitialized initStage = iota
	initExpectingICW2
	initExpectingICW3
	initExpectingICW4
	initInitialized
)

// pic models a single 8259A.
type pic struct {
	primary bool

	initStage initStage
	icw2      byte
	imr       byte
	ocw3      byte
	isr       byte
	elcr      byte
	lines     byte
	lineLow   byte

	autoEOI     bool
	specialMask bool
}

func newPic(primary bool) *pic {
	p := &pic{primary: primary, lineLow: 0xff}
	if !primary {
		p.icw2 = 8
	}
	return p
}

func (p *pic) reset(preserveLines bool) {
	lines, elcr := p.lines, p.elcr
	*p = *newPic(p.primary)
	if preserveLines {
		p.lines = lines
	}
	p.elcr = elcr
}

// irr is the request register: level-triggered lines while high, edge
// lines once per low-to-high transition.
func (p *pic) irr() byte {
	return p.lines & (p.elcr | p.lineLow)
}

func (p *pic) setIRQ(line uint8, high bool) {
	bit := byte(1 << line)
	if high {
		p.lines |= bit
	} else {
		p.lines &^= bit
		p.lineLow |= bit
	}
}

func (p *pic) readyVec() byte {
	inService := lowestSetBit(p.isr)
	higher := inService - 1
	requested := p.irr()
	if !p.specialMask {
		requested &^= p.imr
	}
	return requested & higher
}

func (p *pic) interruptPending() bool {
	return p.readyVec() != 0
}

func (p *pic) pendingLine() (byte, bool) {
	if vec := p.readyVec(); vec != 0 {
		return byte(bits.TrailingZeros8(vec)), true
	}
	return 0, false
}

func (p *pic) acknowledge() (bool, uint8) {
	line, ok := p.pendingLine()
	if !ok {
		return false, p.icw2 | spuriousIRQ
	}
	bit := byte(1 << line)
	p.lineLow &^= bit
	if !p.autoEOI {
		p.isr |= bit
	}
	return true, p.icw2 | line
}

func (p *pic) eoi(line *byte) {
	if line != nil {
		p.isr &^= 1 << *line
		return
	}
	p.isr &^= lowestSetBit(p.isr)
}

const (
	ocw3ReadISR  = 0x01
	ocw3ReadReg  = 0x02
	ocw3Poll     = 0x04
	ocw3SetSMM   = 0x20
	ocw3EnaSMM   = 0x40
	ocwSelectBit = 0x08
	icw1Bit      = 0x10
	ocw2EOI      = 0x20
	ocw2Specific = 0x40
)

func (p *pic) readCommand() byte {
	if p.ocw3&ocw3Poll != 0 {
		p.ocw3 &^= ocw3Poll
		ok, vec := p.acknowledge()
		val := vec & irqMask
		if ok {
			val |= 1 << 7
		}
		return val
	}
	if p.ocw3&ocw3ReadISR != 0 {
		return p.isr
	}
	return p.irr()
}

func (p *pic) writeCommand(value byte) {
	if value&icw1Bit != 0 {
		p.reset(true)
		p.initStage = initExpectingICW2
		return
	}
	if p.initStage != initInitialized {
		return
	}

	if value&ocwSelectBit == 0 {
		if value&ocw2EOI == 0 {
			return
		}
		if value&ocw2Specific != 0 {
			line := value & irqMask
			p.eoi(&line)
		} else {
			p.eoi(nil)
		}
		return
	}

	if value&ocw3EnaSMM != 0 {
		p.specialMask = value&ocw3SetSMM != 0
	}
	if value&ocw3ReadReg != 0 || value&ocw3Poll != 0 {
		p.ocw3 = value
	}
}

func (p *pic) writeData(value byte) {
	switch p.initStage {
	case initUninitialized, initInitialized:
		p.imr = value
	case initExpectingICW2:
		p.icw2 = value &^ irqMask
		p.initStage = initExpectingICW3
	case initExpectingICW3:
		p.initStage = initExpectingICW4
	case initExpectingICW4:
		p.autoEOI = value&0x02 != 0
		p.initStage = initInitialized
	}
}

func lowestSetBit(b byte) byte {
	return b & -b
}
