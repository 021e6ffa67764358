package chipset

import (
	"errors"
	"fmt"
	"slices"
	"sort"
)

// ErrNoHandler is returned for accesses no device claims.
var ErrNoHandler = errors.New("no device handles the access")

// Reset resets every device that has state.
func (c *Chipset) Reset() error {
	for _, name := range c.deviceNames() {
		dev, ok := c.devices[name].(ResetDevice)
		if !ok {
			continue
		}
		if err := dev.Reset(); err != nil {
			return fmt.Errorf("chipset: reset device %q: %w", name, err)
		}
	}
	return nil
}

// Device returns the device registered under name.
func (c *Chipset) Device(name string) (ChipsetDevice, bool) {
	dev, ok := c.devices[name]
	return dev, ok
}

// HandlePIO dispatches an I/O port access to the registered device.
func (c *Chipset) HandlePIO(ctx ExitContext, port uint16, data []byte, isWrite bool) error {
	handler, ok := c.pio[port]
	if !ok {
		return fmt.Errorf("chipset: I/O port 0x%04x: %w", port, ErrNoHandler)
	}
	if isWrite {
		return handler.WriteIOPort(ctx, port, data)
	}
	return handler.ReadIOPort(ctx, port, data)
}

// HandleMMIO dispatches an MMIO access to the registered device.
func (c *Chipset) HandleMMIO(ctx ExitContext, addr uint64, data []byte, isWrite bool) error {
	accessEnd := addr + uint64(len(data))
	if accessEnd < addr {
		return fmt.Errorf("chipset: MMIO access overflow at 0x%016x", addr)
	}

	for _, binding := range c.mmio {
		start := binding.region.Address
		end := start + binding.region.Size
		if addr >= start && accessEnd <= end {
			if isWrite {
				return binding.handler.WriteMMIO(ctx, addr, data)
			}
			return binding.handler.ReadMMIO(ctx, addr, data)
		}
	}

	return fmt.Errorf("chipset: MMIO address 0x%016x: %w", addr, ErrNoHandler)
}

// Regions returns every MMIO window in address order.
func (c *Chipset) Regions() []MMIORegion {
	regions := make([]MMIORegion, 0, len(c.mmio))
	for _, b := range c.mmio {
		regions = append(regions, b.region)
	}
	slices.SortFunc(regions, func(a, b MMIORegion) int {
		switch {
		case a.Address < b.Address:
			return -1
		case a.Address > b.Address:
			return 1
		}
		return 0
	})
	return regions
}

func (c *Chipset) deviceNames() []string {
	names := make([]string, 0, len(c.devices))
	for name := range c.devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
