// Package timeslice records where wall-clock time goes while a VM runs.
//
// Kinds are registered at init time. A Recorder attributes the time since its
// previous call to the kind it is given, and the records are streamed to the
// writer passed to StartRecording.
package timeslice

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	Magic   uint32 = 0x5354424f // "OBTS"
	Version uint32 = 1
)

type header struct {
	Magic             uint32
	Version           uint32
	RecordKindsLength uint32
}

type TimesliceID uint64

const InvalidTimesliceID = TimesliceID(0)

var TimesliceInit = RegisterKind("init", SliceFlagInitTime)

type SliceInfo struct {
	Name  string
	Flags SliceFlags
}

type SliceFlags uint32

func (f SliceFlags) String() string {
	flags := []string{}
	if f&SliceFlagGuestTime != 0 {
		flags = append(flags, "guest")
	}
	if f&SliceFlagInitTime != 0 {
		flags = append(flags, "init")
	}
	return strings.Join(flags, ",")
}

const (
	SliceFlagGuestTime SliceFlags = 1 << iota
	SliceFlagInitTime
)

var (
	kindsMu    sync.Mutex
	timeslices = make(map[TimesliceID]SliceInfo)
)

func RegisterKind(name string, flags SliceFlags) TimesliceID {
	kindsMu.Lock()
	defer kindsMu.Unlock()

	id := TimesliceID(len(timeslices) + 1)
	timeslices[id] = SliceInfo{
		Name:  name,
		Flags: flags,
	}
	return id
}

type record struct {
	ID       TimesliceID
	Duration int64
}

var recordSize = binary.Size(record{})

type writer struct {
	w                   io.Writer
	writeThreadComplete chan error

	// mu orders sends on writerChan against its close.
	mu         sync.RWMutex
	closed     bool
	writerChan chan record
}

func (w *writer) run() {
	defer close(w.writeThreadComplete)

	var buf [4096]byte
	off := 0

	for record := range w.writerChan {
		if off+recordSize > len(buf) {
			if _, err := w.w.Write(buf[:off]); err != nil {
				w.writeThreadComplete <- err
				// drain so producers never block on a dead writer
				for range w.writerChan {
				}
				return
			}
			off = 0
		}
		binary.LittleEndian.PutUint64(buf[off:off+8], uint64(record.ID))
		binary.LittleEndian.PutUint64(buf[off+8:off+16], uint64(record.Duration))
		off += recordSize
	}

	if off > 0 {
		if _, err := w.w.Write(buf[:off]); err != nil {
			w.writeThreadComplete <- err
			return
		}
	}

	w.writeThreadComplete <- nil
}

func (w *writer) send(r record) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return
	}
	w.writerChan <- r
}

func (w *writer) Close() error {
	if !currentWriter.CompareAndSwap(w, nil) {
		return fmt.Errorf("timeslice: already closed")
	}

	w.mu.Lock()
	w.closed = true
	close(w.writerChan)
	w.mu.Unlock()

	if err := <-w.writeThreadComplete; err != nil {
		return fmt.Errorf("timeslice: write thread: %w", err)
	}

	return nil
}

var currentWriter atomic.Pointer[writer]

// Recorder attributes elapsed time to kinds.
// It is not thread safe; the engine keeps one per vCPU.
type Recorder struct {
	last time.Time
}

func (r *Recorder) Record(id TimesliceID) {
	now := time.Now()
	duration := now.Sub(r.last)
	r.last = now
	Record(id, duration)
}

func NewRecorder() *Recorder {
	return &Recorder{
		last: time.Now(),
	}
}

// Enabled reports whether a recording is in progress.
func Enabled() bool {
	return currentWriter.Load() != nil
}

func Record(id TimesliceID, duration time.Duration) {
	if w := currentWriter.Load(); w != nil {
		w.send(record{
			ID:       id,
			Duration: duration.Nanoseconds(),
		})
	}
}

// StartRecording writes the kind table to w and streams every subsequent
// record to it until the returned closer is closed.
func StartRecording(w io.Writer) (io.Closer, error) {
	if w := currentWriter.Load(); w != nil {
		return nil, fmt.Errorf("timeslice: already open")
	}

	kindsMu.Lock()
	slices, err := json.Marshal(timeslices)
	kindsMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("timeslice: marshal timeslices: %w", err)
	}

	off := 0

	if err := binary.Write(w, binary.LittleEndian, header{
		Magic:             Magic,
		Version:           Version,
		RecordKindsLength: uint32(len(slices)),
	}); err != nil {
		return nil, fmt.Errorf("timeslice: write header: %w", err)
	}

	off += binary.Size(header{})

	if _, err := w.Write(slices); err != nil {
		return nil, fmt.Errorf("timeslice: write slices: %w", err)
	}
	off += len(slices)

	// pad to 4096 so records are aligned
	if off%4096 != 0 {
		if _, err := w.Write(make([]byte, 4096-off%4096)); err != nil {
			return nil, fmt.Errorf("timeslice: write padding: %w", err)
		}
	}

	writer := &writer{w: w,
		writerChan:          make(chan record, 4096),
		writeThreadComplete: make(chan error, 1),
	}
	go writer.run()

	if !currentWriter.CompareAndSwap(nil, writer) {
		writer.mu.Lock()
		writer.closed = true
		close(writer.writerChan)
		writer.mu.Unlock()
		<-writer.writeThreadComplete
		return nil, fmt.Errorf("timeslice: already open")
	}

	return writer, nil
}

func ReadAllRecords(r io.Reader, fn func(id string, flags SliceFlags, duration time.Duration) error) error {
	var timeslices map[TimesliceID]SliceInfo

	buf := bufio.NewReaderSize(r, 4096)

	var header header
	if err := binary.Read(buf, binary.LittleEndian, &header); err != nil {
		return err
	}
	if header.Magic != Magic {
		return fmt.Errorf("timeslice: invalid magic")
	}
	if header.Version != Version {
		return fmt.Errorf("timeslice: invalid version")
	}

	dec := json.NewDecoder(io.LimitReader(buf, int64(header.RecordKindsLength)))
	if err := dec.Decode(&timeslices); err != nil {
		return err
	}

	off := int(header.RecordKindsLength) + binary.Size(header)
	if off%4096 != 0 {
		if _, err := buf.Discard(4096 - off%4096); err != nil {
			return err
		}
	}

	for {
		var record record
		if err := binary.Read(buf, binary.LittleEndian, &record); err != nil {
			if err == io.EOF {
				break
			}
			return err
		}
		kind, ok := timeslices[record.ID]
		if !ok {
			return fmt.Errorf("timeslice: unknown kind: %d", record.ID)
		}
		if err := fn(kind.Name, kind.Flags, time.Duration(record.Duration)); err != nil {
			return err
		}
	}

	return nil
}

// Sum is the aggregate of every record of one kind.
type Sum struct {
	Name  string
	Flags SliceFlags
	Count int
	Total time.Duration
}

// Summarize reads a recording and aggregates it per kind, largest total
// first.
func Summarize(r io.Reader) ([]Sum, error) {
	sums := make(map[string]*Sum)
	if err := ReadAllRecords(r, func(id string, flags SliceFlags, duration time.Duration) error {
		s, ok := sums[id]
		if !ok {
			s = &Sum{Name: id, Flags: flags}
			sums[id] = s
		}
		s.Count++
		s.Total += duration
		return nil
	}); err != nil {
		return nil, err
	}

	ret := make([]Sum, 0, len(sums))
	for _, s := range sums {
		ret = append(ret, *s)
	}
	sort.Slice(ret, func(i, j int) bool {
		if ret[i].Total != ret[j].Total {
			return ret[i].Total > ret[j].Total
		}
		return ret[i].Name < ret[j].Name
	})
	return ret, nil
}
