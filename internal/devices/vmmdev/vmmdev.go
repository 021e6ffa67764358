// Package vmmdev implements the device the kernel uses to talk to the VMM
// itself. Writing an exit code to SHUTDOWN ends the VM; zero means success.
package vmmdev

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/obhq/obvmm/internal/chipset"
)

// Register offsets.
const (
	SHUTDOWN = 0x00
	VERSION  = 0x08
)

const (
	DefaultSize = 0x1000

	// Version is what VERSION reads back.
	Version = 1
)

// ShutdownFunc is called once per SHUTDOWN write.
type ShutdownFunc func(cpu int, code uint32)

type Device struct {
	base     uint64
	size     uint64
	shutdown ShutdownFunc

	mu       sync.Mutex
	exitCode *uint32
}

func New(base, size uint64, shutdown ShutdownFunc) *Device {
	if size == 0 {
		size = DefaultSize
	}
	return &Device{base: base, size: size, shutdown: shutdown}
}

func (d *Device) Base() uint64 { return d.base }

// ExitCode returns the first code the guest wrote, if any.
func (d *Device) ExitCode() (uint32, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.exitCode == nil {
		return 0, false
	}
	return *d.exitCode, true
}

// SupportsPortIO implements chipset.ChipsetDevice.
func (d *Device) SupportsPortIO() *chipset.PortIOIntercept {
	return nil
}

// SupportsMmio implements chipset.ChipsetDevice.
func (d *Device) SupportsMmio() *chipset.MmioIntercept {
	return &chipset.MmioIntercept{
		Regions: []chipset.MMIORegion{{Address: d.base, Size: d.size}},
		Handler: d,
	}
}

// ReadMMIO implements chipset.MmioHandler.
func (d *Device) ReadMMIO(ctx chipset.ExitContext, addr uint64, data []byte) error {
	if addr < d.base || addr+uint64(len(data)) > d.base+d.size {
		return fmt.Errorf("vmmdev: address 0x%x out of bounds", addr)
	}

	var reg [8]byte
	if addr-d.base == VERSION {
		binary.LittleEndian.PutUint64(reg[:], Version)
	}
	clear(data)
	copy(data, reg[:])
	return nil
}

// WriteMMIO implements chipset.MmioHandler.
func (d *Device) WriteMMIO(ctx chipset.ExitContext, addr uint64, data []byte) error {
	if addr < d.base || addr+uint64(len(data)) > d.base+d.size {
		return fmt.Errorf("vmmdev: address 0x%x out of bounds", addr)
	}
	if addr-d.base != SHUTDOWN {
		return fmt.Errorf("vmmdev: write to read-only offset 0x%x", addr-d.base)
	}

	var raw [4]byte
	copy(raw[:], data)
	code := binary.LittleEndian.Uint32(raw[:])

	d.mu.Lock()
	if d.exitCode == nil {
		d.exitCode = &code
	}
	d.mu.Unlock()

	if d.shutdown != nil {
		d.shutdown(ctx.CPU, code)
	}
	return nil
}

var (
	_ chipset.ChipsetDevice = &Device{}
)
