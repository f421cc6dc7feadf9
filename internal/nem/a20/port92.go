package a20

import (
	"fmt"
	"sync"

	"github.com/tinyrange/nem/internal/chipset"
)

const (
	port92 = 0x92

	port92Reset = 1 << 0
	port92A20   = 1 << 1
)

// Port92 emulates System Control Port A. Bit 1 drives the A20 gate and a
// rising bit 0 requests a fast CPU reset.
type Port92 struct {
	shim    *Shim
	onReset func()

	mu   sync.Mutex
	last byte
}

var _ chipset.Device = &Port92{}

// NewPort92 returns the device. onReset may be nil.
func NewPort92(shim *Shim, onReset func()) *Port92 {
	return &Port92{shim: shim, onReset: onReset}
}

func (p *Port92) Start() error { return nil }
func (p *Port92) Stop() error  { return nil }

func (p *Port92) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.last = 0
	return nil
}

func (p *Port92) SupportsPortIO() *chipset.PortIOIntercept {
	return &chipset.PortIOIntercept{Ports: []uint16{port92}, Handler: p}
}

func (p *Port92) SupportsMmio() *chipset.MmioIntercept { return nil }

func (p *Port92) ReadIOPort(port uint16, data []byte) error {
	p.mu.Lock()
	v := p.last &^ port92A20
	p.mu.Unlock()
	if p.shim.Enabled() {
		v |= port92A20
	}
	for i := range data {
		data[i] = 0xff
	}
	if len(data) > 0 {
		data[0] = v
	}
	return nil
}

func (p *Port92) WriteIOPort(port uint16, data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("a20: port 0x92: empty write")
	}
	v := data[0]

	p.mu.Lock()
	rising := v&port92Reset != 0 && p.last&port92Reset == 0
	p.last = v
	p.mu.Unlock()

	if err := p.shim.SetGate(v&port92A20 != 0); err != nil {
		return err
	}
	if rising && p.onReset != nil {
		p.onReset()
	}
	return nil
}
