package chipset

import (
	"fmt"
	"sync"
)

// DebugPort collects bytes written to a diagnostic port such as the POST
// code port 0x80 or the 0xe9 console hack. Reads return the last byte
// written.
type DebugPort struct {
	port uint16

	mu      sync.Mutex
	written []byte
}

var _ Device = &DebugPort{}

func NewDebugPort(port uint16) *DebugPort {
	return &DebugPort{port: port}
}

func (p *DebugPort) Start() error { return nil }
func (p *DebugPort) Stop() error  { return nil }

func (p *DebugPort) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.written = nil
	return nil
}

func (p *DebugPort) SupportsPortIO() *PortIOIntercept {
	return &PortIOIntercept{Ports: []uint16{p.port}, Handler: p}
}

func (p *DebugPort) SupportsMmio() *MmioIntercept { return nil }

func (p *DebugPort) ReadIOPort(port uint16, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var last byte
	if n := len(p.written); n > 0 {
		last = p.written[n-1]
	}
	for i := range data {
		data[i] = last
	}
	return nil
}

func (p *DebugPort) WriteIOPort(port uint16, data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("debug port %#x: empty write", port)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.written = append(p.written, data[0])
	return nil
}

// Bytes returns everything written so far.
func (p *DebugPort) Bytes() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.written...)
}
