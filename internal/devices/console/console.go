// Package console implements the kernel's log output device.
//
// The guest either writes whole messages (level, address, length, then a
// write to COMMIT) or streams single bytes to PUTC, which are flushed as a
// line on '\n'. Registers are 8 bytes wide and kept per vCPU.
package console

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/obhq/obvmm/internal/chipset"
)

// Register offsets.
const (
	MSG_LEVEL = 0x00
	MSG_ADDR  = 0x08
	MSG_LEN   = 0x10
	COMMIT    = 0x18
	PUTC      = 0x20

	regCount = 5
)

// Message levels written to MSG_LEVEL.
const (
	LevelInfo  = 0
	LevelWarn  = 1
	LevelError = 2
)

const (
	DefaultSize = 0x1000

	// MaxMessage bounds a committed message and a PUTC line.
	MaxMessage = 64 * 1024
)

// Sink receives every completed message.
type Sink func(cpu int, level slog.Level, text string)

type cpuState struct {
	regs [regCount * 8]byte
	line bytes.Buffer
}

type Console struct {
	base uint64
	size uint64
	mem  io.ReaderAt
	sink Sink

	mu   sync.Mutex
	cpus map[int]*cpuState
}

// New creates a console at base. Message buffers are read from mem, which
// is addressed by guest physical address.
func New(base, size uint64, mem io.ReaderAt, sink Sink) *Console {
	if size == 0 {
		size = DefaultSize
	}
	return &Console{
		base: base,
		size: size,
		mem:  mem,
		sink: sink,
		cpus: map[int]*cpuState{},
	}
}

func (c *Console) Base() uint64 { return c.base }

// Reset implements chipset.ResetDevice.
func (c *Console) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	clear(c.cpus)
	return nil
}

// SupportsPortIO implements chipset.ChipsetDevice.
func (c *Console) SupportsPortIO() *chipset.PortIOIntercept {
	return nil
}

// SupportsMmio implements chipset.ChipsetDevice.
func (c *Console) SupportsMmio() *chipset.MmioIntercept {
	return &chipset.MmioIntercept{
		Regions: []chipset.MMIORegion{{Address: c.base, Size: c.size}},
		Handler: c,
	}
}

// state requires c.mu.
func (c *Console) state(cpu int) *cpuState {
	s, ok := c.cpus[cpu]
	if !ok {
		s = &cpuState{}
		c.cpus[cpu] = s
	}
	return s
}

// ReadMMIO implements chipset.MmioHandler.
func (c *Console) ReadMMIO(ctx chipset.ExitContext, addr uint64, data []byte) error {
	off, err := c.offset(addr, data)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	clear(data)
	if off < regCount*8 {
		copy(data, c.state(ctx.CPU).regs[off:])
	}
	return nil
}

// WriteMMIO implements chipset.MmioHandler.
func (c *Console) WriteMMIO(ctx chipset.ExitContext, addr uint64, data []byte) error {
	off, err := c.offset(addr, data)
	if err != nil {
		return err
	}

	c.mu.Lock()
	s := c.state(ctx.CPU)

	switch {
	case off >= PUTC && off < PUTC+8:
		var lines []string
		for _, b := range data {
			if b == '\n' || s.line.Len() >= MaxMessage {
				lines = append(lines, s.line.String())
				s.line.Reset()
				if b == '\n' {
					continue
				}
			}
			s.line.WriteByte(b)
		}
		c.mu.Unlock()
		for _, line := range lines {
			c.emit(ctx.CPU, LevelInfo, line)
		}
		return nil
	case off >= COMMIT && off < COMMIT+8:
		level := binary.LittleEndian.Uint64(s.regs[MSG_LEVEL:])
		msgAddr := binary.LittleEndian.Uint64(s.regs[MSG_ADDR:])
		msgLen := binary.LittleEndian.Uint64(s.regs[MSG_LEN:])
		c.mu.Unlock()
		return c.commit(ctx.CPU, level, msgAddr, msgLen)
	case off < COMMIT:
		copy(s.regs[off:COMMIT], data)
	}

	c.mu.Unlock()
	return nil
}

func (c *Console) offset(addr uint64, data []byte) (uint64, error) {
	if addr < c.base || addr+uint64(len(data)) > c.base+c.size {
		return 0, fmt.Errorf("console: address 0x%x out of bounds", addr)
	}
	return addr - c.base, nil
}

func (c *Console) commit(cpu int, level, addr, length uint64) error {
	if length > MaxMessage {
		return fmt.Errorf("console: message of %d bytes exceeds %d", length, MaxMessage)
	}

	msg := make([]byte, length)
	if _, err := c.mem.ReadAt(msg, int64(addr)); err != nil {
		return fmt.Errorf("console: read message at 0x%x: %w", addr, err)
	}
	c.emit(cpu, level, string(bytes.TrimRight(msg, "\n")))

	return nil
}

func (c *Console) emit(cpu int, level uint64, text string) {
	if c.sink == nil {
		return
	}
	switch level {
	case LevelWarn:
		c.sink(cpu, slog.LevelWarn, text)
	case LevelError:
		c.sink(cpu, slog.LevelError, text)
	default:
		c.sink(cpu, slog.LevelInfo, text)
	}
}

var (
	_ chipset.ChipsetDevice = &Console{}
	_ chipset.ResetDevice   = &Console{}
)
