// Package debug records a binary trace of vCPU exits and engine messages.
//
// Writers reserve space by atomically advancing the file offset and then
// write at it, so vCPU threads never contend on a lock. Each entry is:
//   - 2 bytes kind (0 = invalid, 1 = exit, 2 = message)
//   - 2 bytes source length
//   - 4 bytes payload length
//   - 8 bytes timestamp (nanoseconds since epoch)
//   - source
//   - payload
//
// An exit payload is the 8 byte PC, one byte exit kind, one byte debug cause
// and the detail text. A message payload is UTF-8 text.
package debug

import (
	"bufio"
	"cmp"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/obhq/obvmm/internal/hv"
)

const headerSize = 16

type Kind uint16

const (
	KindInvalid Kind = iota
	KindExit
	KindMessage
)

func (k Kind) String() string {
	switch k {
	case KindExit:
		return "exit"
	case KindMessage:
		return "message"
	default:
		return "invalid"
	}
}

type Writer interface {
	io.WriterAt
	io.Closer
}

type writer struct {
	w      Writer
	failed atomic.Bool
}

var (
	fh     atomic.Pointer[writer]
	offset atomic.Uint64
)

// OpenFile starts tracing to filename, truncating it.
func OpenFile(filename string) error {
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("debug: open trace: %w", err)
	}
	return Open(f)
}

// Open starts tracing to w. The error is a warning: a previous writer was
// replaced and entries racing with the swap may be lost.
func Open(w Writer) error {
	offset.Store(0)
	if fh.Swap(&writer{w: w}) != nil {
		return fmt.Errorf("debug: already open, discarded old writer")
	}
	return nil
}

// Enabled reports whether a trace is being written.
func Enabled() bool {
	return fh.Load() != nil
}

// Close stops tracing and closes the writer.
func Close() error {
	old := fh.Swap(nil)
	offset.Store(0)
	if old != nil {
		return old.w.Close()
	}
	return nil
}

// Memory is an in-memory trace destination.
type Memory struct {
	writes  sync.Map
	maxSize atomic.Int64
}

// OpenMemory starts tracing into memory.
func OpenMemory() (*Memory, error) {
	mem := &Memory{}
	return mem, Open(mem)
}

func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	m.writes.Store(off, append([]byte(nil), p...))
	end := off + int64(len(p))
	for {
		cur := m.maxSize.Load()
		if cur >= end || m.maxSize.CompareAndSwap(cur, end) {
			break
		}
	}
	return len(p), nil
}

func (m *Memory) Close() error { return nil }

// Bytes assembles everything written so far.
func (m *Memory) Bytes() []byte {
	data := make([]byte, m.maxSize.Load())
	m.writes.Range(func(key, value any) bool {
		copy(data[key.(int64):], value.([]byte))
		return true
	})
	return data
}

func write(kind Kind, source string, payload []byte) {
	w := fh.Load()
	if w == nil {
		return
	}

	size := uint64(headerSize + len(source) + len(payload))
	off := int64(offset.Add(size) - size)

	buf := make([]byte, 0, size)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(kind))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(source)))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(payload)))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(time.Now().UnixNano()))
	buf = append(buf, source...)
	buf = append(buf, payload...)

	if _, err := w.w.WriteAt(buf, off); err != nil && w.failed.CompareAndSwap(false, true) {
		slog.Error("debug: trace write failed, later entries may be corrupt", "error", err)
	}
}

// Source writes entries under one name, such as "cpu0".
type Source string

// WithSource returns a source for host-side components such as "vmm".
func WithSource(name string) Source { return Source(name) }

// ForCPU returns the source used by the worker of vCPU cpu.
func ForCPU(cpu int) Source {
	return Source("cpu" + strconv.Itoa(cpu))
}

// Exit records a VM exit.
func (s Source) Exit(e hv.Exit) {
	if !Enabled() {
		return
	}
	payload := binary.LittleEndian.AppendUint64(nil, e.PC)
	payload = append(payload, byte(e.Kind), byte(e.Debug))
	payload = append(payload, exitDetail(e)...)
	write(KindExit, string(s), payload)
}

func exitDetail(e hv.Exit) string {
	switch e.Kind {
	case hv.ExitIO, hv.ExitMMIO, hv.ExitFatal, hv.ExitUnknown:
		return e.String()
	default:
		return ""
	}
}

func (s Source) Write(msg string) {
	write(KindMessage, string(s), []byte(msg))
}

func (s Source) Writef(format string, args ...any) {
	if !Enabled() {
		return
	}
	write(KindMessage, string(s), fmt.Appendf(nil, format, args...))
}

// Entry is one decoded trace record.
type Entry struct {
	Time   time.Time
	Kind   Kind
	Source string
	Data   []byte
}

// ExitRecord is the payload of a KindExit entry.
type ExitRecord struct {
	PC     uint64
	Kind   hv.ExitKind
	Debug  hv.DebugCause
	Detail string
}

// Exit decodes the payload of an exit entry.
func (e Entry) Exit() (ExitRecord, bool) {
	if e.Kind != KindExit || len(e.Data) < 10 {
		return ExitRecord{}, false
	}
	return ExitRecord{
		PC:     binary.LittleEndian.Uint64(e.Data),
		Kind:   hv.ExitKind(e.Data[8]),
		Debug:  hv.DebugCause(e.Data[9]),
		Detail: string(e.Data[10:]),
	}, true
}

func (e Entry) String() string {
	ts := e.Time.Format("15:04:05.000000000")
	if rec, ok := e.Exit(); ok {
		switch {
		case rec.Detail != "":
			return fmt.Sprintf("%s %-6s %s", ts, e.Source, rec.Detail)
		case rec.Kind == hv.ExitDebug:
			return fmt.Sprintf("%s %-6s debug %s pc=%#x", ts, e.Source, rec.Debug, rec.PC)
		default:
			return fmt.Sprintf("%s %-6s %s pc=%#x", ts, e.Source, rec.Kind, rec.PC)
		}
	}
	return fmt.Sprintf("%s %-6s %s", ts, e.Source, e.Data)
}

type SearchOptions struct {
	Start time.Time
	End   time.Time

	// LimitStart keeps the first N matches, LimitEnd the last N. Setting
	// both is an error.
	LimitStart int
	LimitEnd   int

	// Sources and Kinds filter when non-empty.
	Sources []string
	Kinds   []Kind
}

type indexEntry struct {
	offset   int64
	unixNano int64
	kind     Kind
	source   string
}

// Reader indexes a trace file once and serves ordered queries over it.
type Reader struct {
	r       io.ReaderAt
	entries []indexEntry
}

// NewReader indexes size bytes of r.
func NewReader(r io.ReaderAt, size int64) (*Reader, error) {
	ret := &Reader{r: r}
	if err := ret.index(io.NewSectionReader(r, 0, size)); err != nil {
		return nil, fmt.Errorf("debug: index trace: %w", err)
	}
	return ret, nil
}

// NewReaderFromFile opens and indexes a trace file.
func NewReaderFromFile(filename string) (*Reader, io.Closer, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, nil, fmt.Errorf("debug: open trace: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("debug: stat trace: %w", err)
	}
	r, err := NewReader(f, info.Size())
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return r, f, nil
}

func (r *Reader) index(src io.Reader) error {
	br := bufio.NewReaderSize(src, 1<<20)
	sources := map[string]string{}

	var header [headerSize]byte
	var off int64
	for {
		if _, err := io.ReadFull(br, header[:]); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("header at %d: %w", off, err)
		}
		kind := Kind(binary.LittleEndian.Uint16(header[0:]))
		sourceLen := int(binary.LittleEndian.Uint16(header[2:]))
		dataLen := int(binary.LittleEndian.Uint32(header[4:]))
		if kind == KindInvalid {
			// Unwritten space left by a writer that never completed.
			break
		}

		source := make([]byte, sourceLen)
		if _, err := io.ReadFull(br, source); err != nil {
			return fmt.Errorf("source at %d: %w", off, err)
		}
		if _, err := br.Discard(dataLen); err != nil {
			return fmt.Errorf("payload at %d: %w", off, err)
		}

		// Intern source names; there are only a handful.
		name, ok := sources[string(source)]
		if !ok {
			name = string(source)
			sources[name] = name
		}

		r.entries = append(r.entries, indexEntry{
			offset:   off,
			unixNano: int64(binary.LittleEndian.Uint64(header[8:])),
			kind:     kind,
			source:   name,
		})
		off += int64(headerSize + sourceLen + dataLen)
	}

	slices.SortStableFunc(r.entries, func(a, b indexEntry) int {
		return cmp.Compare(a.unixNano, b.unixNano)
	})
	return nil
}

// Sources lists every source in the trace, sorted.
func (r *Reader) Sources() []string {
	var sources []string
	for _, e := range r.entries {
		if !slices.Contains(sources, e.source) {
			sources = append(sources, e.source)
		}
	}
	slices.Sort(sources)
	return sources
}

// TimeRange returns the first and last timestamps.
func (r *Reader) TimeRange() (time.Time, time.Time) {
	if len(r.entries) == 0 {
		return time.Time{}, time.Time{}
	}
	return time.Unix(0, r.entries[0].unixNano), time.Unix(0, r.entries[len(r.entries)-1].unixNano)
}

func (r *Reader) match(opts SearchOptions) ([]indexEntry, error) {
	if opts.LimitStart > 0 && opts.LimitEnd > 0 {
		return nil, fmt.Errorf("debug: cannot set both LimitStart and LimitEnd")
	}

	var out []indexEntry
	for _, e := range r.entries {
		if len(opts.Sources) > 0 && !slices.Contains(opts.Sources, e.source) {
			continue
		}
		if len(opts.Kinds) > 0 && !slices.Contains(opts.Kinds, e.kind) {
			continue
		}
		ts := time.Unix(0, e.unixNano)
		if !opts.Start.IsZero() && ts.Before(opts.Start) {
			continue
		}
		if !opts.End.IsZero() && ts.After(opts.End) {
			continue
		}
		out = append(out, e)
	}

	if opts.LimitStart > 0 && len(out) > opts.LimitStart {
		out = out[:opts.LimitStart]
	}
	if opts.LimitEnd > 0 && len(out) > opts.LimitEnd {
		out = out[len(out)-opts.LimitEnd:]
	}
	return out, nil
}

// Search calls fn for every matching entry in timestamp order.
func (r *Reader) Search(opts SearchOptions, fn func(Entry) error) error {
	matches, err := r.match(opts)
	if err != nil {
		return err
	}

	for _, m := range matches {
		var header [headerSize]byte
		if _, err := r.r.ReadAt(header[:], m.offset); err != nil {
			return fmt.Errorf("debug: read entry: %w", err)
		}
		sourceLen := int64(binary.LittleEndian.Uint16(header[2:]))
		data := make([]byte, binary.LittleEndian.Uint32(header[4:]))
		if _, err := r.r.ReadAt(data, m.offset+headerSize+sourceLen); err != nil {
			return fmt.Errorf("debug: read entry: %w", err)
		}

		if err := fn(Entry{
			Time:   time.Unix(0, m.unixNano),
			Kind:   m.kind,
			Source: m.source,
			Data:   data,
		}); err != nil {
			return err
		}
	}
	return nil
}

// Count returns how many entries Search would visit.
func (r *Reader) Count(opts SearchOptions) (int, error) {
	matches, err := r.match(opts)
	return len(matches), err
}

// Each visits every entry in timestamp order.
func (r *Reader) Each(fn func(Entry) error) error {
	return r.Search(SearchOptions{}, fn)
}
