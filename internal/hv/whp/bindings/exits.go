//go:build windows && amd64

package bindings

import (
	"fmt"
	"unsafe"
)

// RunVPExitReason mirrors WHV_RUN_VP_EXIT_REASON.
type RunVPExitReason uint32

const (
	RunVPExitReasonNone                   RunVPExitReason = 0x00000000
	RunVPExitReasonMemoryAccess           RunVPExitReason = 0x00000001
	RunVPExitReasonX64IoPortAccess        RunVPExitReason = 0x00000002
	RunVPExitReasonUnrecoverableException RunVPExitReason = 0x00000004
	RunVPExitReasonInvalidVpRegisterValue RunVPExitReason = 0x00000005
	RunVPExitReasonUnsupportedFeature     RunVPExitReason = 0x00000006
	RunVPExitReasonX64InterruptWindow     RunVPExitReason = 0x00000007
	RunVPExitReasonX64Halt                RunVPExitReason = 0x00000008
	RunVPExitReasonException              RunVPExitReason = 0x00001002
	RunVPExitReasonCanceled               RunVPExitReason = 0x00002001
)

func (r RunVPExitReason) String() string {
	switch r {
	case RunVPExitReasonNone:
		return "None"
	case RunVPExitReasonMemoryAccess:
		return "MemoryAccess"
	case RunVPExitReasonX64IoPortAccess:
		return "X64IoPortAccess"
	case RunVPExitReasonUnrecoverableException:
		return "UnrecoverableException"
	case RunVPExitReasonInvalidVpRegisterValue:
		return "InvalidVpRegisterValue"
	case RunVPExitReasonUnsupportedFeature:
		return "UnsupportedFeature"
	case RunVPExitReasonX64InterruptWindow:
		return "X64InterruptWindow"
	case RunVPExitReasonX64Halt:
		return "X64Halt"
	case RunVPExitReasonException:
		return "Exception"
	case RunVPExitReasonCanceled:
		return "Canceled"
	default:
		return fmt.Sprintf("RunVPExitReason(%#x)", uint32(r))
	}
}

// VPExitContext mirrors WHV_VP_EXIT_CONTEXT.
type VPExitContext struct {
	ExecutionState       uint16
	InstructionLengthCr8 uint8
	Reserved             uint8
	Reserved2            uint32
	Cs                   X64SegmentRegister
	Rip                  uint64
	Rflags               uint64
}

// InstructionLength is the length of the instruction that caused the exit.
func (c *VPExitContext) InstructionLength() uint64 {
	return uint64(c.InstructionLengthCr8 & 0xf)
}

// MemoryAccessContext mirrors WHV_MEMORY_ACCESS_CONTEXT.
type MemoryAccessContext struct {
	InstructionByteCount uint8
	Reserved             [3]uint8
	InstructionBytes     [16]uint8
	AccessInfo           uint32
	Gpa                  GuestPhysicalAddress
	Gva                  GuestVirtualAddress
}

// IsWrite reports whether the access type in AccessInfo is a write.
func (c *MemoryAccessContext) IsWrite() bool {
	return c.AccessInfo&0x3 == 1
}

// X64IOPortAccessContext mirrors WHV_X64_IO_PORT_ACCESS_CONTEXT.
type X64IOPortAccessContext struct {
	InstructionByteCount uint8
	Reserved             [3]uint8
	InstructionBytes     [16]uint8
	AccessInfo           uint32
	Port                 uint16
	Reserved2            [3]uint16
	Rax                  uint64
	Rcx                  uint64
	Rsi                  uint64
	Rdi                  uint64
	Ds                   X64SegmentRegister
	Es                   X64SegmentRegister
}

func (c *X64IOPortAccessContext) IsWrite() bool {
	return c.AccessInfo&0x1 != 0
}

// AccessSize is the operand size in bytes.
func (c *X64IOPortAccessContext) AccessSize() int {
	return int((c.AccessInfo >> 1) & 0x7)
}

// StringOp reports a rep ins/outs access.
func (c *X64IOPortAccessContext) StringOp() bool {
	return c.AccessInfo&(1<<4) != 0
}

// VPExceptionContext mirrors WHV_VP_EXCEPTION_CONTEXT.
type VPExceptionContext struct {
	InstructionByteCount uint8
	Reserved             [3]uint8
	InstructionBytes     [16]uint8
	ExceptionInfo        uint32
	ExceptionType        uint8
	Reserved2            [3]uint8
	ErrorCode            uint32
	ExceptionParameter   uint64
}

// RunVPExitContext mirrors WHV_RUN_VP_EXIT_CONTEXT.
type RunVPExitContext struct {
	ExitReason RunVPExitReason
	Reserved   uint32
	VpContext  VPExitContext
	payload    [176]byte
}

func (c *RunVPExitContext) MemoryAccess() *MemoryAccessContext {
	return (*MemoryAccessContext)(unsafe.Pointer(&c.payload[0]))
}

func (c *RunVPExitContext) IoPortAccess() *X64IOPortAccessContext {
	return (*X64IOPortAccessContext)(unsafe.Pointer(&c.payload[0]))
}

func (c *RunVPExitContext) VpException() *VPExceptionContext {
	return (*VPExceptionContext)(unsafe.Pointer(&c.payload[0]))
}
