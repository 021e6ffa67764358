package hv

import (
	"context"
	"errors"
	"io"
	"os"
)

var (
	ErrBackendUnavailable = errors.New("hypervisor backend unavailable on this platform")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrResourceLimit      = errors.New("hypervisor resource limit reached")
	ErrOverlap            = errors.New("address range overlaps an existing mapping")
	ErrNotMapped          = errors.New("address range is not mapped")
	ErrOutOfMemory        = errors.New("out of host memory")
	ErrUnsupported        = errors.New("operation not supported by the backend")
	ErrInvalidState       = errors.New("vCPU is in the wrong state for this operation")
)

type CpuArchitecture string

const (
	ArchitectureInvalid CpuArchitecture = "invalid"
	ArchitectureX86_64  CpuArchitecture = "x86_64"
	ArchitectureARM64   CpuArchitecture = "arm64"
)

// BreakpointInstruction returns the encoding the debug bridge patches into
// guest memory for a software breakpoint.
func (a CpuArchitecture) BreakpointInstruction() []byte {
	switch a {
	case ArchitectureX86_64:
		return []byte{0xcc} // int3
	case ArchitectureARM64:
		return []byte{0x00, 0x00, 0x20, 0xd4} // brk #0
	default:
		return nil
	}
}

// ProgramCounter returns the register holding the instruction pointer.
func (a CpuArchitecture) ProgramCounter() Register {
	switch a {
	case ArchitectureX86_64:
		return RegisterAMD64Rip
	case ArchitectureARM64:
		return RegisterARM64Pc
	default:
		return RegisterInvalid
	}
}

// StackPointer returns the register holding the stack pointer.
func (a CpuArchitecture) StackPointer() Register {
	switch a {
	case ArchitectureX86_64:
		return RegisterAMD64Rsp
	case ArchitectureARM64:
		return RegisterARM64Sp
	default:
		return RegisterInvalid
	}
}

// HostPageSize reports the page size of the host kernel.
func HostPageSize() uint64 {
	return uint64(os.Getpagesize())
}

type RegisterValue interface {
	isRegisterValue()
}

type Register64 uint64

func (r Register64) isRegisterValue() {}

type MemoryFlags uint32

const (
	MemoryRead MemoryFlags = 1 << iota
	MemoryWrite
	MemoryExec

	MemoryRWX = MemoryRead | MemoryWrite | MemoryExec
)

func (f MemoryFlags) String() string {
	b := []byte("---")
	if f&MemoryRead != 0 {
		b[0] = 'r'
	}
	if f&MemoryWrite != 0 {
		b[1] = 'w'
	}
	if f&MemoryExec != 0 {
		b[2] = 'x'
	}
	return string(b)
}

// MemoryRegion is host memory backing a range of guest physical memory.
type MemoryRegion interface {
	io.ReaderAt
	io.WriterAt

	GuestAddress() uint64
	Size() uint64

	// Bytes exposes the host mapping. Valid until the region is freed.
	Bytes() []byte
}

type VirtualCPU interface {
	VirtualMachine() VirtualMachine
	ID() int

	SetRegisters(regs map[Register]RegisterValue) error
	GetRegisters(regs map[Register]RegisterValue) error

	SetSingleStep(enable bool) error
	SetHardwareBreakpoint(addr uint64) error
	ClearHardwareBreakpoint(addr uint64) error

	TranslateAddress(vaddr uint64) (uint64, error)

	// Run enters the guest and blocks until the next VM exit. Cancelling ctx
	// interrupts the guest and yields ExitCanceled.
	Run(ctx context.Context) (Exit, error)

	io.Closer
}

type VirtualCPUAmd64 interface {
	VirtualCPU

	// SetLongMode switches the vCPU to 64-bit mode with flat segments and
	// paging rooted at pml4.
	SetLongMode(pml4 uint64) error
}

type VirtualMachine interface {
	io.Closer

	Hypervisor() Hypervisor

	AllocateMemory(gpa, size uint64, flags MemoryFlags) (MemoryRegion, error)
	FreeMemory(region MemoryRegion) error

	// NewVirtualCPU must be called on the goroutine that will drive the vCPU,
	// with that goroutine locked to its OS thread.
	NewVirtualCPU(id int) (VirtualCPU, error)
}

type VMConfig struct {
	CPUCount int

	// Debug enables guest debugging facilities (software breakpoint traps,
	// single step) on every vCPU.
	Debug bool
}

type Hypervisor interface {
	io.Closer

	Architecture() CpuArchitecture

	NewVirtualMachine(config VMConfig) (VirtualMachine, error)
}
