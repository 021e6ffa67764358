package hv

import "fmt"

// ExitKind classifies why Run returned control to the host.
type ExitKind int

const (
	ExitUnknown ExitKind = iota
	ExitHalt
	ExitIO
	ExitMMIO
	ExitDebug
	ExitFatal
	ExitCanceled
)

func (k ExitKind) String() string {
	switch k {
	case ExitUnknown:
		return "unknown"
	case ExitHalt:
		return "halt"
	case ExitIO:
		return "io"
	case ExitMMIO:
		return "mmio"
	case ExitDebug:
		return "debug"
	case ExitFatal:
		return "fatal"
	case ExitCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("ExitKind(%d)", int(k))
	}
}

// DebugCause tells which debug facility produced an ExitDebug.
type DebugCause int

const (
	DebugNone DebugCause = iota
	DebugSoftwareBreakpoint
	DebugHardwareBreakpoint
	DebugStep
)

func (c DebugCause) String() string {
	switch c {
	case DebugNone:
		return "none"
	case DebugSoftwareBreakpoint:
		return "swbreak"
	case DebugHardwareBreakpoint:
		return "hwbreak"
	case DebugStep:
		return "step"
	default:
		return fmt.Sprintf("DebugCause(%d)", int(c))
	}
}

// IOAccess describes an x86 port I/O exit. Data aliases backend memory and
// is only valid until the next Run; for reads the handler fills it in.
type IOAccess struct {
	Port    uint16
	Size    int
	IsWrite bool
	Data    []byte
}

// MMIOAccess describes an access to guest physical memory with no backing.
// Data follows the same lifetime rule as IOAccess.Data.
type MMIOAccess struct {
	Address uint64
	IsWrite bool
	Data    []byte
}

// Exit is the normalized result of VirtualCPU.Run.
type Exit struct {
	Kind ExitKind

	// PC is the guest instruction pointer at the exit, when the backend
	// reports it.
	PC uint64

	IO    *IOAccess
	MMIO  *MMIOAccess
	Debug DebugCause

	// Detail carries the backend-specific reason for ExitFatal and
	// ExitUnknown.
	Detail string
}

func (e Exit) String() string {
	switch e.Kind {
	case ExitIO:
		dir := "in"
		if e.IO.IsWrite {
			dir = "out"
		}
		return fmt.Sprintf("io %s port=%#x size=%d", dir, e.IO.Port, e.IO.Size)
	case ExitMMIO:
		dir := "read"
		if e.MMIO.IsWrite {
			dir = "write"
		}
		return fmt.Sprintf("mmio %s addr=%#x size=%d", dir, e.MMIO.Address, len(e.MMIO.Data))
	case ExitDebug:
		return fmt.Sprintf("debug %s pc=%#x", e.Debug, e.PC)
	case ExitFatal, ExitUnknown:
		if e.Detail != "" {
			return fmt.Sprintf("%s pc=%#x: %s", e.Kind, e.PC, e.Detail)
		}
		return fmt.Sprintf("%s pc=%#x", e.Kind, e.PC)
	default:
		return e.Kind.String()
	}
}

// IsFatal reports whether the exit ends the vCPU.
func (e Exit) IsFatal() bool {
	return e.Kind == ExitFatal || e.Kind == ExitUnknown
}
