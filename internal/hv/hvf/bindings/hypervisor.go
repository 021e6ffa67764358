//go:build darwin && arm64

// Package bindings loads the arm64 Hypervisor.framework entry points the hvf
// backend needs through purego, without cgo.
package bindings

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
)

// Return is hv_return_t.
type Return uint32

const (
	HV_SUCCESS             Return = 0
	HV_ERROR               Return = 0xfae94001
	HV_BUSY                Return = 0xfae94002
	HV_BAD_ARGUMENT        Return = 0xfae94003
	HV_ILLEGAL_GUEST_STATE Return = 0xfae94004
	HV_NO_RESOURCES        Return = 0xfae94005
	HV_NO_DEVICE           Return = 0xfae94006
	HV_DENIED              Return = 0xfae94007
	HV_UNSUPPORTED         Return = 0xfae9400f
)

func (r Return) Error() string {
	switch r {
	case HV_SUCCESS:
		return "success"
	case HV_ERROR:
		return "error"
	case HV_BUSY:
		return "busy"
	case HV_BAD_ARGUMENT:
		return "bad argument"
	case HV_ILLEGAL_GUEST_STATE:
		return "illegal guest state"
	case HV_NO_RESOURCES:
		return "no resources"
	case HV_NO_DEVICE:
		return "no device"
	case HV_DENIED:
		return "denied"
	case HV_UNSUPPORTED:
		return "unsupported"
	default:
		return fmt.Sprintf("hv_return_t(%#x)", uint32(r))
	}
}

// Err returns nil for HV_SUCCESS and r otherwise.
func (r Return) Err() error {
	if r == HV_SUCCESS {
		return nil
	}
	return r
}

// IPA is a guest intermediate physical address (hv_ipa_t).
type IPA uint64

// VCPU is hv_vcpu_t.
type VCPU uint64

// MemoryFlags is hv_memory_flags_t.
type MemoryFlags uint64

const (
	HV_MEMORY_READ  MemoryFlags = 1 << 0
	HV_MEMORY_WRITE MemoryFlags = 1 << 1
	HV_MEMORY_EXEC  MemoryFlags = 1 << 2
)

// ExitReason is hv_exit_reason_t.
type ExitReason uint32

const (
	HV_EXIT_REASON_CANCELED         ExitReason = 0
	HV_EXIT_REASON_EXCEPTION        ExitReason = 1
	HV_EXIT_REASON_VTIMER_ACTIVATED ExitReason = 2
	HV_EXIT_REASON_UNKNOWN          ExitReason = 3
)

func (r ExitReason) String() string {
	switch r {
	case HV_EXIT_REASON_CANCELED:
		return "canceled"
	case HV_EXIT_REASON_EXCEPTION:
		return "exception"
	case HV_EXIT_REASON_VTIMER_ACTIVATED:
		return "vtimer activated"
	case HV_EXIT_REASON_UNKNOWN:
		return "unknown"
	default:
		return fmt.Sprintf("hv_exit_reason_t(%d)", uint32(r))
	}
}

// VcpuExitException is hv_vcpu_exit_exception_t.
type VcpuExitException struct {
	Syndrome        uint64
	VirtualAddress  uint64
	PhysicalAddress IPA
}

// VcpuExit is hv_vcpu_exit_t.
type VcpuExit struct {
	Reason    ExitReason
	_         uint32
	Exception VcpuExitException
}

// Reg is hv_reg_t.
type Reg uint32

const (
	HV_REG_X0   Reg = 0
	HV_REG_PC   Reg = 31
	HV_REG_CPSR Reg = 34
)

// SysReg is hv_sys_reg_t, the op0:op1:CRn:CRm:op2 encoding.
type SysReg uint16

const (
	HV_SYS_REG_DBGBVR0_EL1 SysReg = 0x8004
	HV_SYS_REG_DBGBCR0_EL1 SysReg = 0x8005
	HV_SYS_REG_MDSCR_EL1   SysReg = 0x8012
	HV_SYS_REG_SCTLR_EL1   SysReg = 0xc080
	HV_SYS_REG_TTBR0_EL1   SysReg = 0xc100
	HV_SYS_REG_TTBR1_EL1   SysReg = 0xc101
	HV_SYS_REG_TCR_EL1     SysReg = 0xc102
	HV_SYS_REG_VBAR_EL1    SysReg = 0xc600
	HV_SYS_REG_SP_EL1      SysReg = 0xe208
)

// DebugBreakpointValue returns DBGBVR<n>_EL1.
func DebugBreakpointValue(n int) SysReg { return HV_SYS_REG_DBGBVR0_EL1 + SysReg(n*8) }

// DebugBreakpointControl returns DBGBCR<n>_EL1.
func DebugBreakpointControl(n int) SysReg { return HV_SYS_REG_DBGBCR0_EL1 + SysReg(n*8) }

var (
	loadOnce sync.Once
	loadErr  error

	hv_vm_get_max_vcpu_count func(max *uint32) Return
	hv_vm_create             func(config uintptr) Return
	hv_vm_destroy            func() Return
	hv_vm_map                func(addr unsafe.Pointer, ipa IPA, size uintptr, flags MemoryFlags) Return
	hv_vm_unmap              func(ipa IPA, size uintptr) Return

	hv_vcpu_create                    func(vcpu *VCPU, exit **VcpuExit, config uintptr) Return
	hv_vcpu_destroy                   func(vcpu VCPU) Return
	hv_vcpu_get_reg                   func(vcpu VCPU, reg Reg, value *uint64) Return
	hv_vcpu_set_reg                   func(vcpu VCPU, reg Reg, value uint64) Return
	hv_vcpu_get_sys_reg               func(vcpu VCPU, reg SysReg, value *uint64) Return
	hv_vcpu_set_sys_reg               func(vcpu VCPU, reg SysReg, value uint64) Return
	hv_vcpu_set_trap_debug_exceptions func(vcpu VCPU, enable bool) Return
	hv_vcpu_run                       func(vcpu VCPU) Return
	hv_vcpus_exit                     func(vcpus *VCPU, count uint32) Return
)

// Load opens Hypervisor.framework and binds the symbols used by this package.
func Load() error {
	loadOnce.Do(func() {
		lib, err := purego.Dlopen(
			"/System/Library/Frameworks/Hypervisor.framework/Hypervisor",
			purego.RTLD_GLOBAL|purego.RTLD_LAZY,
		)
		if err != nil {
			loadErr = fmt.Errorf("purego dlopen Hypervisor.framework: %w", err)
			return
		}

		purego.RegisterLibFunc(&hv_vm_get_max_vcpu_count, lib, "hv_vm_get_max_vcpu_count")
		purego.RegisterLibFunc(&hv_vm_create, lib, "hv_vm_create")
		purego.RegisterLibFunc(&hv_vm_destroy, lib, "hv_vm_destroy")
		purego.RegisterLibFunc(&hv_vm_map, lib, "hv_vm_map")
		purego.RegisterLibFunc(&hv_vm_unmap, lib, "hv_vm_unmap")

		purego.RegisterLibFunc(&hv_vcpu_create, lib, "hv_vcpu_create")
		purego.RegisterLibFunc(&hv_vcpu_destroy, lib, "hv_vcpu_destroy")
		purego.RegisterLibFunc(&hv_vcpu_get_reg, lib, "hv_vcpu_get_reg")
		purego.RegisterLibFunc(&hv_vcpu_set_reg, lib, "hv_vcpu_set_reg")
		purego.RegisterLibFunc(&hv_vcpu_get_sys_reg, lib, "hv_vcpu_get_sys_reg")
		purego.RegisterLibFunc(&hv_vcpu_set_sys_reg, lib, "hv_vcpu_set_sys_reg")
		purego.RegisterLibFunc(&hv_vcpu_set_trap_debug_exceptions, lib, "hv_vcpu_set_trap_debug_exceptions")
		purego.RegisterLibFunc(&hv_vcpu_run, lib, "hv_vcpu_run")
		purego.RegisterLibFunc(&hv_vcpus_exit, lib, "hv_vcpus_exit")
	})
	return loadErr
}

func MaxVcpuCount() (uint32, error) {
	var n uint32
	return n, hv_vm_get_max_vcpu_count(&n).Err()
}

// VMCreate creates the process wide VM with the default configuration.
func VMCreate() error { return hv_vm_create(0).Err() }

func VMDestroy() error { return hv_vm_destroy().Err() }

func VMMap(mem []byte, ipa IPA, flags MemoryFlags) error {
	return hv_vm_map(unsafe.Pointer(&mem[0]), ipa, uintptr(len(mem)), flags).Err()
}

func VMUnmap(ipa IPA, size uint64) error {
	return hv_vm_unmap(ipa, uintptr(size)).Err()
}

// VcpuCreate creates a vCPU owned by the calling thread.
func VcpuCreate() (VCPU, *VcpuExit, error) {
	var id VCPU
	var exit *VcpuExit
	if err := hv_vcpu_create(&id, &exit, 0).Err(); err != nil {
		return 0, nil, err
	}
	return id, exit, nil
}

func VcpuDestroy(vcpu VCPU) error { return hv_vcpu_destroy(vcpu).Err() }

func VcpuGetReg(vcpu VCPU, reg Reg) (uint64, error) {
	var v uint64
	return v, hv_vcpu_get_reg(vcpu, reg, &v).Err()
}

func VcpuSetReg(vcpu VCPU, reg Reg, value uint64) error {
	return hv_vcpu_set_reg(vcpu, reg, value).Err()
}

func VcpuGetSysReg(vcpu VCPU, reg SysReg) (uint64, error) {
	var v uint64
	return v, hv_vcpu_get_sys_reg(vcpu, reg, &v).Err()
}

func VcpuSetSysReg(vcpu VCPU, reg SysReg, value uint64) error {
	return hv_vcpu_set_sys_reg(vcpu, reg, value).Err()
}

// VcpuSetTrapDebugExceptions routes BRK, breakpoint and step exceptions to
// the host instead of the guest's vector table.
func VcpuSetTrapDebugExceptions(vcpu VCPU, enable bool) error {
	return hv_vcpu_set_trap_debug_exceptions(vcpu, enable).Err()
}

func VcpuRun(vcpu VCPU) error { return hv_vcpu_run(vcpu).Err() }

// VcpusExit forces the listed vCPUs out of VcpuRun. Safe from any thread.
func VcpusExit(vcpus ...VCPU) error {
	if len(vcpus) == 0 {
		return nil
	}
	return hv_vcpus_exit(&vcpus[0], uint32(len(vcpus))).Err()
}
