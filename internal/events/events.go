// Package events carries notifications from the VM to its consumer.
package events

import (
	"fmt"
	"log/slog"
	"sync"
)

// Event is one of ErrorEvent, ExitingEvent, LogEvent or BreakpointEvent.
type Event interface {
	isEvent()
}

// Stop is a vCPU held by a debug exit until the debugger resolves it.
type Stop interface {
	CPU() int
	fmt.Stringer
}

// ErrorEvent reports that a vCPU ended with an unrecoverable fault.
type ErrorEvent struct {
	CPU int
	Err error
}

// ExitingEvent is the last event of a session.
type ExitingEvent struct {
	Success bool
}

// LogEvent is a line of guest or VMM output.
type LogEvent struct {
	Level slog.Level
	Text  string
}

// BreakpointEvent hands a stopped vCPU to the consumer, which passes it on
// to the debugger.
type BreakpointEvent struct {
	Stop Stop
}

func (ErrorEvent) isEvent()      {}
func (ExitingEvent) isEvent()    {}
func (LogEvent) isEvent()        {}
func (BreakpointEvent) isEvent() {}

func (e ErrorEvent) Error() string {
	return fmt.Sprintf("vCPU %d: %v", e.CPU, e.Err)
}

func (e ErrorEvent) Unwrap() error { return e.Err }

// Dispatcher queues events from many producers for a single consumer.
//
// Log events are dropped while capacity events are waiting; the number lost
// is reported later as one warning. Other events are always queued because
// their producers are bounded: one error per vCPU, and a vCPU blocks on its
// own breakpoint until it is resolved.
type Dispatcher struct {
	capacity int
	out      chan Event

	mu      sync.Mutex
	queue   []Event
	dropped int
	lost    int
	closed  bool
	wake    chan struct{}
}

// New starts a dispatcher. The consumer must read C until it is closed.
func New(capacity int) *Dispatcher {
	if capacity < 1 {
		capacity = 1
	}

	d := &Dispatcher{
		capacity: capacity,
		out:      make(chan Event),
		wake:     make(chan struct{}, 1),
	}
	go d.pump()

	return d
}

// C returns the event stream. It is closed right after the ExitingEvent.
func (d *Dispatcher) C() <-chan Event { return d.out }

// Publish queues ev. It reports false when the event was dropped.
func (d *Dispatcher) Publish(ev Event) bool {
	if _, ok := ev.(ExitingEvent); ok {
		panic("events: ExitingEvent must be published with Close")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return false
	}

	if _, ok := ev.(LogEvent); ok && len(d.queue) >= d.capacity {
		d.dropped++
		d.lost++
		return false
	}

	d.flushDropped()
	d.queue = append(d.queue, ev)
	d.signal()

	return true
}

// Log is shorthand for publishing a LogEvent.
func (d *Dispatcher) Log(level slog.Level, format string, args ...any) bool {
	return d.Publish(LogEvent{Level: level, Text: fmt.Sprintf(format, args...)})
}

// Close queues the terminal ExitingEvent. Only the first call has an effect.
func (d *Dispatcher) Close(success bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return false
	}
	d.closed = true

	d.flushDropped()
	d.queue = append(d.queue, ExitingEvent{Success: success})
	d.signal()

	return true
}

// Closed reports whether Close has been called.
func (d *Dispatcher) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.closed
}

// Dropped returns the total number of log events discarded so far.
func (d *Dispatcher) Dropped() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.lost
}

// flushDropped requires d.mu.
func (d *Dispatcher) flushDropped() {
	if d.dropped == 0 {
		return
	}
	slog.Warn("events: consumer fell behind, log events dropped", "count", d.dropped)
	d.queue = append(d.queue, LogEvent{
		Level: slog.LevelWarn,
		Text:  fmt.Sprintf("%d log events dropped", d.dropped),
	})
	d.dropped = 0
}

// signal requires d.mu.
func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) pump() {
	defer close(d.out)

	for {
		d.mu.Lock()
		if len(d.queue) == 0 {
			d.mu.Unlock()
			<-d.wake
			continue
		}
		ev := d.queue[0]
		d.queue[0] = nil
		d.queue = d.queue[1:]
		d.mu.Unlock()

		d.out <- ev

		if _, ok := ev.(ExitingEvent); ok {
			return
		}
	}
}
