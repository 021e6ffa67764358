package console

import (
	"bytes"
	"encoding/binary"
	"log/slog"
	"testing"

	"github.com/obhq/obvmm/internal/chipset"
)

type message struct {
	cpu   int
	level slog.Level
	text  string
}

func newConsole(mem []byte) (*Console, *[]message) {
	var got []message
	c := New(0x10000, 0, bytes.NewReader(mem), func(cpu int, level slog.Level, text string) {
		got = append(got, message{cpu, level, text})
	})
	return c, &got
}

func write64(t *testing.T, c *Console, ctx chipset.ExitContext, off, v uint64) {
	t.Helper()

	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	if err := c.WriteMMIO(ctx, c.Base()+off, b[:]); err != nil {
		t.Fatalf("WriteMMIO %#x: %v", off, err)
	}
}

func TestCommitMessage(t *testing.T) {
	mem := make([]byte, 0x100)
	copy(mem[0x40:], "kernel panic\n")

	c, got := newConsole(mem)
	ctx := chipset.ExitContext{CPU: 1}

	write64(t, c, ctx, MSG_LEVEL, LevelError)
	write64(t, c, ctx, MSG_ADDR, 0x40)
	write64(t, c, ctx, MSG_LEN, 13)
	write64(t, c, ctx, COMMIT, 1)

	if len(*got) != 1 {
		t.Fatalf("got %d messages, want 1", len(*got))
	}
	if m := (*got)[0]; m.cpu != 1 || m.level != slog.LevelError || m.text != "kernel panic" {
		t.Fatalf("message = %+v", m)
	}

	read := make([]byte, 8)
	if err := c.ReadMMIO(ctx, c.Base()+MSG_LEN, read); err != nil {
		t.Fatalf("ReadMMIO: %v", err)
	}
	if binary.LittleEndian.Uint64(read) != 13 {
		t.Fatalf("MSG_LEN reads back %d", binary.LittleEndian.Uint64(read))
	}
}

func TestCommitOutOfRange(t *testing.T) {
	c, _ := newConsole(make([]byte, 0x10))
	ctx := chipset.ExitContext{}

	write64(t, c, ctx, MSG_ADDR, 0x8)
	write64(t, c, ctx, MSG_LEN, 0x20)
	if err := c.WriteMMIO(ctx, c.Base()+COMMIT, []byte{1}); err == nil {
		t.Fatalf("expected error reading past guest memory")
	}
}

func TestPutcLinesPerCPU(t *testing.T) {
	c, got := newConsole(nil)

	for _, b := range []byte("hel") {
		c.WriteMMIO(chipset.ExitContext{CPU: 0}, c.Base()+PUTC, []byte{b})
	}
	for _, b := range []byte("xy\n") {
		c.WriteMMIO(chipset.ExitContext{CPU: 1}, c.Base()+PUTC, []byte{b})
	}
	for _, b := range []byte("lo\n") {
		c.WriteMMIO(chipset.ExitContext{CPU: 0}, c.Base()+PUTC, []byte{b})
	}

	want := []message{{1, slog.LevelInfo, "xy"}, {0, slog.LevelInfo, "hello"}}
	if len(*got) != len(want) {
		t.Fatalf("got %v, want %v", *got, want)
	}
	for i := range want {
		if (*got)[i] != want[i] {
			t.Fatalf("message %d = %+v, want %+v", i, (*got)[i], want[i])
		}
	}
}

func TestOutOfBounds(t *testing.T) {
	c, _ := newConsole(nil)
	if err := c.WriteMMIO(chipset.ExitContext{}, c.Base()+DefaultSize, []byte{0}); err == nil {
		t.Fatalf("expected out of bounds error")
	}
}
