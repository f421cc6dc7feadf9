// Package chipset routes port I/O and MMIO accesses the execution core
// completes on the guest's behalf to the devices that own them.
package chipset

import (
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
)

var (
	// ErrUnassignedPort is returned for a port no device claimed.
	ErrUnassignedPort = errors.New("chipset: unassigned I/O port")
	// ErrUnassignedMMIO is returned for an address no device claimed.
	ErrUnassignedMMIO = errors.New("chipset: unassigned MMIO address")
)

// Chipset is the built dispatch table. It is safe for concurrent use as
// long as the devices are.
type Chipset struct {
	devices map[string]Device
	pio     map[uint16]PortIOHandler
	mmio    []mmioBinding

	pioAccesses  atomic.Uint64
	mmioAccesses atomic.Uint64
}

// Start activates all registered devices.
func (c *Chipset) Start() error {
	for _, name := range c.deviceNames() {
		if err := c.devices[name].Start(); err != nil {
			return fmt.Errorf("chipset: start device %q: %w", name, err)
		}
	}
	return nil
}

// Stop deactivates all registered devices.
func (c *Chipset) Stop() error {
	for _, name := range c.deviceNames() {
		if err := c.devices[name].Stop(); err != nil {
			return fmt.Errorf("chipset: stop device %q: %w", name, err)
		}
	}
	return nil
}

// Reset resets all registered devices.
func (c *Chipset) Reset() error {
	for _, name := range c.deviceNames() {
		if err := c.devices[name].Reset(); err != nil {
			return fmt.Errorf("chipset: reset device %q: %w", name, err)
		}
	}
	return nil
}

// HandlePIO dispatches an I/O port access to the registered device.
func (c *Chipset) HandlePIO(port uint16, data []byte, isWrite bool) error {
	handler, ok := c.pio[port]
	if !ok {
		return fmt.Errorf("%w %#04x", ErrUnassignedPort, port)
	}
	c.pioAccesses.Add(1)
	if isWrite {
		return handler.WriteIOPort(port, data)
	}
	return handler.ReadIOPort(port, data)
}

// HandleMMIO dispatches an MMIO access to the registered device.
func (c *Chipset) HandleMMIO(addr uint64, data []byte, isWrite bool) error {
	accessEnd := addr + uint64(len(data))
	if accessEnd < addr {
		return fmt.Errorf("chipset: MMIO access overflow at %#016x", addr)
	}

	i := sort.Search(len(c.mmio), func(i int) bool {
		r := c.mmio[i].region
		return r.Address+r.Size > addr
	})
	if i < len(c.mmio) {
		binding := c.mmio[i]
		start := binding.region.Address
		end := start + binding.region.Size
		if addr >= start && accessEnd <= end {
			c.mmioAccesses.Add(1)
			if isWrite {
				return binding.handler.WriteMMIO(addr, data)
			}
			return binding.handler.ReadMMIO(addr, data)
		}
	}

	return fmt.Errorf("%w %#016x", ErrUnassignedMMIO, addr)
}

// ClaimsMMIO reports whether a device serves addr.
func (c *Chipset) ClaimsMMIO(addr uint64) bool {
	for _, b := range c.mmio {
		if addr >= b.region.Address && addr-b.region.Address < b.region.Size {
			return true
		}
	}
	return false
}

// Accesses returns how many port and MMIO accesses reached a device.
func (c *Chipset) Accesses() (pio, mmio uint64) {
	return c.pioAccesses.Load(), c.mmioAccesses.Load()
}

func (c *Chipset) deviceNames() []string {
	names := make([]string, 0, len(c.devices))
	for name := range c.devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
