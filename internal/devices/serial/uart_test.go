package serial

import (
	"log/slog"
	"strings"
	"testing"

	"github.com/obhq/obvmm/internal/chipset"
)

type line struct {
	cpu  int
	text string
}

func newUART() (*UART, *[]line) {
	var got []line
	u := New(COM1, func(cpu int, level slog.Level, text string) {
		got = append(got, line{cpu, text})
	})
	return u, &got
}

func out(t *testing.T, u *UART, cpu int, off uint16, v byte) {
	t.Helper()
	if err := u.WriteIOPort(chipset.ExitContext{CPU: cpu}, COM1+off, []byte{v}); err != nil {
		t.Fatalf("out %#x: %v", COM1+off, err)
	}
}

func in(t *testing.T, u *UART, off uint16) byte {
	t.Helper()
	b := []byte{0xff}
	if err := u.ReadIOPort(chipset.ExitContext{}, COM1+off, b); err != nil {
		t.Fatalf("in %#x: %v", COM1+off, err)
	}
	return b[0]
}

func TestTransmitLines(t *testing.T) {
	u, got := newUART()

	for _, b := range []byte("boot\r\n") {
		out(t, u, 0, regData, b)
	}
	// Interleaved vCPUs keep separate lines.
	out(t, u, 1, regData, 'a')
	out(t, u, 0, regData, 'b')
	out(t, u, 1, regData, '\n')
	out(t, u, 0, regData, '\n')

	want := []line{{0, "boot"}, {1, "a"}, {0, "b"}}
	if len(*got) != len(want) {
		t.Fatalf("got %v, want %v", *got, want)
	}
	for i := range want {
		if (*got)[i] != want[i] {
			t.Fatalf("line %d = %+v, want %+v", i, (*got)[i], want[i])
		}
	}
}

func TestLongLineIsSplit(t *testing.T) {
	u, got := newUART()

	for range maxLine + 3 {
		out(t, u, 0, regData, 'x')
	}
	out(t, u, 0, regData, '\n')

	if len(*got) != 2 || len((*got)[0].text) != maxLine || (*got)[1].text != strings.Repeat("x", 3) {
		t.Fatalf("got %d lines", len(*got))
	}
}

func TestRegisters(t *testing.T) {
	u, got := newUART()

	if lsr := in(t, u, regLSR); lsr&lsrTHRE == 0 || lsr&lsrTEMT == 0 {
		t.Fatalf("LSR = %#x, transmitter not empty", lsr)
	}
	if iir := in(t, u, regIIR); iir != iirNoInterrupt {
		t.Fatalf("IIR = %#x", iir)
	}

	// Divisor latch writes do not transmit.
	out(t, u, 0, regLCR, lcrDLAB|0x03)
	out(t, u, 0, regData, 0x01)
	out(t, u, 0, regIER, 0x00)
	if in(t, u, regData) != 0x01 {
		t.Fatalf("DLL not latched")
	}
	out(t, u, 0, regLCR, 0x03)
	out(t, u, 0, regScratch, 0x5a)
	if in(t, u, regScratch) != 0x5a {
		t.Fatalf("scratch register lost its value")
	}
	if len(*got) != 0 {
		t.Fatalf("configuration produced output: %v", *got)
	}

	if err := u.WriteIOPort(chipset.ExitContext{}, COM1, []byte{1, 2}); err == nil {
		t.Fatalf("2 byte write accepted")
	}

	if err := u.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if in(t, u, regLCR) != 0 {
		t.Fatalf("LCR survived reset")
	}
}

func TestChipsetRouting(t *testing.T) {
	u, got := newUART()

	b := chipset.NewBuilder()
	if err := b.RegisterDevice("serial", u); err != nil {
		t.Fatalf("RegisterDevice: %v", err)
	}
	cs := b.Build()

	for _, c := range []byte("hi\n") {
		if err := cs.HandlePIO(chipset.ExitContext{}, COM1, []byte{c}, true); err != nil {
			t.Fatalf("HandlePIO: %v", err)
		}
	}
	if len(*got) != 1 || (*got)[0].text != "hi" {
		t.Fatalf("got %v", *got)
	}
}
