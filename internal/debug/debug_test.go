package debug

import (
	"bytes"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/obhq/obvmm/internal/hv"
)

func openMemory(t testing.TB) *Memory {
	t.Helper()

	mem, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { Close() })
	return mem
}

func readMemory(t testing.TB, mem *Memory) *Reader {
	t.Helper()

	data := mem.Bytes()
	r, err := NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	return r
}

func TestExitRecord(t *testing.T) {
	mem := openMemory(t)

	ForCPU(1).Exit(hv.Exit{Kind: hv.ExitDebug, PC: 0x1234, Debug: hv.DebugSoftwareBreakpoint})
	ForCPU(0).Exit(hv.Exit{Kind: hv.ExitFatal, PC: 0x10, Detail: "triple fault"})
	WithSource("vmm").Write("shutdown")

	r := readMemory(t, mem)

	var got []Entry
	if err := r.Each(func(e Entry) error {
		got = append(got, e)
		return nil
	}); err != nil {
		t.Fatalf("Each: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d entries, want 3", len(got))
	}

	rec, ok := got[0].Exit()
	if !ok || got[0].Source != "cpu1" {
		t.Fatalf("first entry = %+v, want an exit from cpu1", got[0])
	}
	if rec.Kind != hv.ExitDebug || rec.PC != 0x1234 || rec.Debug != hv.DebugSoftwareBreakpoint {
		t.Fatalf("exit record = %+v", rec)
	}

	rec, _ = got[1].Exit()
	if rec.Detail != "fatal pc=0x10: triple fault" {
		t.Fatalf("fatal detail = %q", rec.Detail)
	}

	if got[2].Kind != KindMessage || string(got[2].Data) != "shutdown" {
		t.Fatalf("message entry = %+v", got[2])
	}
	if _, ok := got[2].Exit(); ok {
		t.Fatalf("message decoded as an exit")
	}

	if sources := r.Sources(); fmt.Sprint(sources) != "[cpu0 cpu1 vmm]" {
		t.Fatalf("Sources = %v", sources)
	}
}

func TestTraceFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.bin")
	if err := OpenFile(path); err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	ForCPU(0).Writef("state %s", "running")
	if err := Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Nothing is recorded once closed.
	ForCPU(0).Write("dropped")

	r, closer, err := NewReaderFromFile(path)
	if err != nil {
		t.Fatalf("NewReaderFromFile: %v", err)
	}
	defer closer.Close()

	n, err := r.Count(SearchOptions{})
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 1 {
		t.Fatalf("Count = %d, want 1", n)
	}
}

func TestSearch(t *testing.T) {
	mem := openMemory(t)

	for i := range 10 {
		ForCPU(i % 2).Exit(hv.Exit{Kind: hv.ExitHalt, PC: uint64(i)})
		ForCPU(i%2).Writef("after %d", i)
	}

	r := readMemory(t, mem)

	tests := []struct {
		name string
		opts SearchOptions
		want int
	}{
		{"all", SearchOptions{}, 20},
		{"one source", SearchOptions{Sources: []string{"cpu1"}}, 10},
		{"exits", SearchOptions{Kinds: []Kind{KindExit}}, 10},
		{"exits of cpu0", SearchOptions{Sources: []string{"cpu0"}, Kinds: []Kind{KindExit}}, 5},
		{"first", SearchOptions{LimitStart: 3}, 3},
		{"last", SearchOptions{LimitEnd: 4}, 4},
		{"future", SearchOptions{Start: time.Now().Add(time.Hour)}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := r.Count(tt.opts)
			if err != nil {
				t.Fatalf("Count: %v", err)
			}
			if n != tt.want {
				t.Fatalf("Count = %d, want %d", n, tt.want)
			}
		})
	}

	if _, err := r.Count(SearchOptions{LimitStart: 1, LimitEnd: 1}); err == nil {
		t.Fatalf("expected error with both limits")
	}

	var last uint64
	if err := r.Search(SearchOptions{Sources: []string{"cpu0"}, Kinds: []Kind{KindExit}, LimitEnd: 1}, func(e Entry) error {
		rec, _ := e.Exit()
		last = rec.PC
		return nil
	}); err != nil {
		t.Fatalf("Search: %v", err)
	}
	if last != 8 {
		t.Fatalf("last cpu0 exit pc = %d, want 8", last)
	}
}

func TestConcurrentWritersOrdered(t *testing.T) {
	mem := openMemory(t)

	var wg sync.WaitGroup
	for cpu := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 10 {
				time.Sleep(time.Millisecond * time.Duration(cpu))
				ForCPU(cpu).Exit(hv.Exit{Kind: hv.ExitIO, PC: uint64(i), IO: &hv.IOAccess{Port: 0x80, Size: 1}})
			}
		}()
	}
	wg.Wait()

	r := readMemory(t, mem)

	var stamps []time.Time
	perCPU := map[string]uint64{}
	if err := r.Each(func(e Entry) error {
		stamps = append(stamps, e.Time)
		rec, _ := e.Exit()
		if rec.PC < perCPU[e.Source] {
			t.Errorf("%s went backwards: pc %d after %d", e.Source, rec.PC, perCPU[e.Source])
		}
		perCPU[e.Source] = rec.PC
		return nil
	}); err != nil {
		t.Fatalf("Each: %v", err)
	}

	if len(stamps) != 40 {
		t.Fatalf("got %d entries, want 40", len(stamps))
	}
	for i := range len(stamps) - 1 {
		if stamps[i].After(stamps[i+1]) {
			t.Fatalf("entry %d is newer than entry %d", i, i+1)
		}
	}
}

func BenchmarkExit(b *testing.B) {
	openMemory(b)

	src := ForCPU(0)
	for b.Loop() {
		src.Exit(hv.Exit{Kind: hv.ExitHalt, PC: 0x1000})
	}
}
