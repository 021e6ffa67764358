// Package gdb serves the GDB Remote Serial Protocol over TCP.
//
// The server runs in all-stop mode: whenever a vCPU stops, every other vCPU
// is paused before the stop is reported. Thread ids are vCPU indices plus
// one, since GDB reserves 0 and -1.
package gdb

import (
	"errors"
	"fmt"

	"github.com/obhq/obvmm/internal/hv"
)

// ErrDisconnected is returned when the debugger detaches, kills, or closes
// the connection.
var ErrDisconnected = errors.New("gdb: debugger disconnected")

// ProtocolError is answered with an "Exx" reply and keeps the session.
type ProtocolError struct {
	Code uint8
	Msg  string
	Err  error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("gdb: E%02x: %s: %v", e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("gdb: E%02x: %s", e.Code, e.Msg)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Error codes follow errno values.
const (
	codeNoThread = 0x03 // ESRCH
	codeFault    = 0x0e // EFAULT
	codeInvalid  = 0x16 // EINVAL
	codeNoSpace  = 0x1c // ENOSPC
)

func invalid(format string, args ...any) error {
	return &ProtocolError{Code: codeInvalid, Msg: fmt.Sprintf(format, args...)}
}

// targetError converts a failed target call into a reply code.
func targetError(op string, err error) error {
	code := uint8(codeInvalid)
	switch {
	case errors.Is(err, hv.ErrInvalidState):
		code = codeNoThread
	case errors.Is(err, hv.ErrNotMapped):
		code = codeFault
	case errors.Is(err, hv.ErrResourceLimit):
		code = codeNoSpace
	}
	return &ProtocolError{Code: code, Msg: op, Err: err}
}

type StopReason int

const (
	StopPause StopReason = iota
	StopSoftwareBreakpoint
	StopHardwareBreakpoint
	StopStep
)

func (r StopReason) String() string {
	switch r {
	case StopPause:
		return "paused"
	case StopSoftwareBreakpoint:
		return "breakpoint"
	case StopHardwareBreakpoint:
		return "hardware breakpoint"
	case StopStep:
		return "step"
	default:
		return fmt.Sprintf("StopReason(%d)", int(r))
	}
}

// Stop describes a vCPU held stopped by the target.
type Stop struct {
	CPU int

	// ID is unique for the lifetime of the target.
	ID     uint64
	Reason StopReason
	PC     uint64
}

type Action int

const (
	ActionContinue Action = iota
	ActionStep
	ActionDetach
)

type BreakpointKind int

const (
	BreakpointSoftware BreakpointKind = iota
	BreakpointHardware
)

// Target is the machine being debugged. Register and memory calls fail with
// hv.ErrInvalidState unless cpu is held stopped.
type Target interface {
	Architecture() hv.CpuArchitecture

	// Threads lists the vCPUs that have not terminated.
	Threads() []int

	// Pending lists the vCPUs currently held stopped.
	Pending() []Stop

	// Changed is signalled whenever Pending or Threads may have changed.
	Changed() <-chan struct{}

	// Pause asks every running vCPU to stop.
	Pause()

	GetRegisters(cpu int, regs map[hv.Register]hv.RegisterValue) error
	SetRegisters(cpu int, regs map[hv.Register]hv.RegisterValue) error

	// ReadMemory and WriteMemory take guest virtual addresses as seen by cpu.
	ReadMemory(cpu int, addr uint64, p []byte) error
	WriteMemory(cpu int, addr uint64, p []byte) error

	SetBreakpoint(kind BreakpointKind, addr uint64) error
	ClearBreakpoint(kind BreakpointKind, addr uint64) error

	// Resume releases a held vCPU.
	Resume(cpu int, action Action) error

	// Detach removes every breakpoint and releases every held vCPU.
	Detach() error
}
