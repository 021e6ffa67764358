package vmm

import (
	"context"
	"fmt"
	"sync"

	"github.com/obhq/obvmm/internal/events"
	"github.com/obhq/obvmm/internal/gdb"
	"github.com/obhq/obvmm/internal/hv"
)

// Resolution tells a stopped vCPU how to carry on.
type Resolution int

const (
	Continue Resolution = iota
	Step
	Detach
)

func (r Resolution) String() string {
	switch r {
	case Continue:
		return "continue"
	case Step:
		return "step"
	case Detach:
		return "detach"
	default:
		return fmt.Sprintf("Resolution(%d)", int(r))
	}
}

type call struct {
	fn     func(c *cpu) error
	result chan error
}

// KernelStop is a vCPU held stopped after a debug exit or a pause request.
//
// The worker that created it blocks until Resolve is called or the VM shuts
// down. While it is blocked, Do runs functions on the worker's own OS thread,
// which is the only thread the backend allows to touch the vCPU.
type KernelStop struct {
	cpu    int
	id     uint64
	reason gdb.StopReason
	exit   hv.Exit
	pc     uint64

	calls chan call

	once       sync.Once
	done       chan struct{}
	resolution Resolution
}

func newStop(cpu int, id uint64, reason gdb.StopReason, exit hv.Exit, pc uint64) *KernelStop {
	return &KernelStop{
		cpu:    cpu,
		id:     id,
		reason: reason,
		exit:   exit,
		pc:     pc,
		calls:  make(chan call),
		done:   make(chan struct{}),
	}
}

// CPU implements events.Stop.
func (s *KernelStop) CPU() int { return s.cpu }

func (s *KernelStop) Reason() gdb.StopReason { return s.reason }

// Exit returns the exit that caused the stop. It is zero for a pause.
func (s *KernelStop) Exit() hv.Exit { return s.exit }

func (s *KernelStop) PC() uint64 { return s.pc }

func (s *KernelStop) String() string {
	return fmt.Sprintf("vCPU %d %s at %#x", s.cpu, s.reason, s.pc)
}

func (s *KernelStop) info() gdb.Stop {
	return gdb.Stop{CPU: s.cpu, ID: s.id, Reason: s.reason, PC: s.pc}
}

// Resolve releases the vCPU. Only the first call has an effect; it reports
// whether this call was that one.
func (s *KernelStop) Resolve(r Resolution) bool {
	first := false
	s.once.Do(func() {
		s.resolution = r
		close(s.done)
		first = true
	})
	return first
}

// Resolved reports whether Resolve has been called.
func (s *KernelStop) Resolved() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Do runs fn on the stopped worker and returns its error. It fails with
// hv.ErrInvalidState once the stop is resolved or the worker has gone.
func (s *KernelStop) Do(ctx context.Context, fn func(c *cpu) error) error {
	c := call{fn: fn, result: make(chan error, 1)}

	select {
	case s.calls <- c:
	case <-s.done:
		return fmt.Errorf("vmm: vCPU %d is running: %w", s.cpu, hv.ErrInvalidState)
	case <-ctx.Done():
		return fmt.Errorf("vmm: vCPU %d: %w", s.cpu, hv.ErrInvalidState)
	}

	return <-c.result
}

// serve answers calls until the stop is resolved or ctx ends. The second
// result is false when ctx ended first.
func (s *KernelStop) serve(ctx context.Context, c *cpu) (Resolution, bool) {
	for {
		select {
		case req := <-s.calls:
			req.result <- req.fn(c)
		case <-s.done:
			return s.resolution, true
		case <-ctx.Done():
			return Detach, false
		}
	}
}

var (
	_ events.Stop = &KernelStop{}
)
