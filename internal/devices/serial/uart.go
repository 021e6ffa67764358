// Package serial implements a transmit-only 16550 UART on I/O ports.
//
// Early kernel code prints through COM1 before it has found the console
// device. Every byte written to the transmit register is collected per vCPU
// and flushed to the sink as a line on '\n'. Receive is never ready and no
// interrupt is ever raised.
package serial

import (
	"bytes"
	"fmt"
	"log/slog"
	"sync"

	"github.com/obhq/obvmm/internal/chipset"
)

// COM1 is the conventional base port of the first UART.
const COM1 = 0x3f8

// Register offsets from the base port.
const (
	regData    = 0 // THR on write, RBR on read, DLL with DLAB
	regIER     = 1 // DLM with DLAB
	regIIR     = 2 // FCR on write
	regLCR     = 3
	regMCR     = 4
	regLSR     = 5
	regMSR     = 6
	regScratch = 7

	registerCount = 8
)

const (
	lcrDLAB = 1 << 7

	lsrTHRE = 1 << 5
	lsrTEMT = 1 << 6

	iirNoInterrupt = 0x01

	msrCTS = 1 << 4
	msrDSR = 1 << 5
	msrDCD = 1 << 7

	// maxLine bounds a line that never sees '\n'.
	maxLine = 4096
)

// Sink receives every completed line.
type Sink func(cpu int, level slog.Level, text string)

type UART struct {
	base uint16
	sink Sink

	mu      sync.Mutex
	dll     byte
	dlm     byte
	ier     byte
	lcr     byte
	mcr     byte
	scratch byte
	lines   map[int]*bytes.Buffer
}

func New(base uint16, sink Sink) *UART {
	return &UART{base: base, sink: sink, lines: map[int]*bytes.Buffer{}}
}

// Reset implements chipset.ResetDevice.
func (u *UART) Reset() error {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.dll, u.dlm, u.ier, u.lcr, u.mcr, u.scratch = 0, 0, 0, 0, 0, 0
	clear(u.lines)
	return nil
}

// SupportsPortIO implements chipset.ChipsetDevice.
func (u *UART) SupportsPortIO() *chipset.PortIOIntercept {
	ports := make([]uint16, registerCount)
	for i := range uint16(registerCount) {
		ports[i] = u.base + i
	}
	return &chipset.PortIOIntercept{Ports: ports, Handler: u}
}

// SupportsMmio implements chipset.ChipsetDevice.
func (u *UART) SupportsMmio() *chipset.MmioIntercept { return nil }

// ReadIOPort implements chipset.PortIOHandler.
func (u *UART) ReadIOPort(ctx chipset.ExitContext, port uint16, data []byte) error {
	if len(data) != 1 {
		return fmt.Errorf("serial: %d byte read from port %#x", len(data), port)
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	dlab := u.lcr&lcrDLAB != 0
	var v byte
	switch port - u.base {
	case regData:
		if dlab {
			v = u.dll
		}
	case regIER:
		if dlab {
			v = u.dlm
		} else {
			v = u.ier
		}
	case regIIR:
		v = iirNoInterrupt
	case regLCR:
		v = u.lcr
	case regMCR:
		v = u.mcr
	case regLSR:
		v = lsrTHRE | lsrTEMT
	case regMSR:
		v = msrCTS | msrDSR | msrDCD
	case regScratch:
		v = u.scratch
	}
	data[0] = v
	return nil
}

// WriteIOPort implements chipset.PortIOHandler.
func (u *UART) WriteIOPort(ctx chipset.ExitContext, port uint16, data []byte) error {
	if len(data) != 1 {
		return fmt.Errorf("serial: %d byte write to port %#x", len(data), port)
	}
	v := data[0]

	u.mu.Lock()
	dlab := u.lcr&lcrDLAB != 0
	switch port - u.base {
	case regData:
		if dlab {
			u.dll = v
			break
		}
		line, ok := u.transmit(ctx.CPU, v)
		u.mu.Unlock()
		if ok && u.sink != nil {
			u.sink(ctx.CPU, slog.LevelInfo, line)
		}
		return nil
	case regIER:
		if dlab {
			u.dlm = v
		} else {
			u.ier = v & 0x0f
		}
	case regLCR:
		u.lcr = v
	case regMCR:
		u.mcr = v & 0x1f
	case regScratch:
		u.scratch = v
	}
	u.mu.Unlock()
	return nil
}

// transmit requires u.mu. It returns a line once one is complete.
func (u *UART) transmit(cpu int, b byte) (string, bool) {
	buf, ok := u.lines[cpu]
	if !ok {
		buf = &bytes.Buffer{}
		u.lines[cpu] = buf
	}

	switch {
	case b == '\r':
		return "", false
	case b == '\n':
	case buf.Len() < maxLine-1:
		buf.WriteByte(b)
		return "", false
	default:
		buf.WriteByte(b)
	}

	line := buf.String()
	buf.Reset()
	return line, true
}

var (
	_ chipset.ChipsetDevice = &UART{}
	_ chipset.ResetDevice   = &UART{}
)
