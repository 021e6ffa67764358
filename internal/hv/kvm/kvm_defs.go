//go:build linux && (amd64 || arm64)

package kvm

import "fmt"

const (
	kvmApiVersion = 12

	kvmGetApiVersion       = 0xae00
	kvmCreateVm            = 0xae01
	kvmCheckExtension      = 0xae03
	kvmGetVcpuMmapSize     = 0xae04
	kvmCreateVcpu          = 0xae41
	kvmSetUserMemoryRegion = 0x4020ae46
	kvmRun                 = 0xae80

	kvmCapNrVcpus         = 9
	kvmCapNrMemslots      = 10
	kvmCapSetGuestDebug   = 23
	kvmCapMaxVcpus        = 66
	kvmCapGuestDebugHwBps = 119
)

// kvm_guest_debug.control
const (
	kvmGuestDbgEnable     = 0x00000001
	kvmGuestDbgSingleStep = 0x00000002
	kvmGuestDbgUseSwBp    = 0x00010000
	kvmGuestDbgUseHwBp    = 0x00020000
)

type kvmExitReason uint32

const (
	kvmExitUnknown       kvmExitReason = 0
	kvmExitException     kvmExitReason = 1
	kvmExitIo            kvmExitReason = 2
	kvmExitHypercall     kvmExitReason = 3
	kvmExitDebug         kvmExitReason = 4
	kvmExitHlt           kvmExitReason = 5
	kvmExitMmio          kvmExitReason = 6
	kvmExitIrqWindowOpen kvmExitReason = 7
	kvmExitShutdown      kvmExitReason = 8
	kvmExitFailEntry     kvmExitReason = 9
	kvmExitIntr          kvmExitReason = 10
	kvmExitNmi           kvmExitReason = 16
	kvmExitInternalError kvmExitReason = 17
	kvmExitSystemEvent   kvmExitReason = 24
	kvmExitX86Rdmsr      kvmExitReason = 29
	kvmExitX86Wrmsr      kvmExitReason = 30
	kvmExitArmNisv       kvmExitReason = 28
	kvmExitMemoryFault   kvmExitReason = 39
)

func (kr kvmExitReason) String() string {
	switch kr {
	case kvmExitUnknown:
		return "KVM_EXIT_UNKNOWN"
	case kvmExitException:
		return "KVM_EXIT_EXCEPTION"
	case kvmExitIo:
		return "KVM_EXIT_IO"
	case kvmExitHypercall:
		return "KVM_EXIT_HYPERCALL"
	case kvmExitDebug:
		return "KVM_EXIT_DEBUG"
	case kvmExitHlt:
		return "KVM_EXIT_HLT"
	case kvmExitMmio:
		return "KVM_EXIT_MMIO"
	case kvmExitIrqWindowOpen:
		return "KVM_EXIT_IRQ_WINDOW_OPEN"
	case kvmExitShutdown:
		return "KVM_EXIT_SHUTDOWN"
	case kvmExitFailEntry:
		return "KVM_EXIT_FAIL_ENTRY"
	case kvmExitIntr:
		return "KVM_EXIT_INTR"
	case kvmExitNmi:
		return "KVM_EXIT_NMI"
	case kvmExitInternalError:
		return "KVM_EXIT_INTERNAL_ERROR"
	case kvmExitSystemEvent:
		return "KVM_EXIT_SYSTEM_EVENT"
	case kvmExitX86Rdmsr:
		return "KVM_EXIT_X86_RDMSR"
	case kvmExitX86Wrmsr:
		return "KVM_EXIT_X86_WRMSR"
	case kvmExitArmNisv:
		return "KVM_EXIT_ARM_NISV"
	case kvmExitMemoryFault:
		return "KVM_EXIT_MEMORY_FAULT"
	default:
		return fmt.Sprintf("KVM_EXIT_???(%d)", uint32(kr))
	}
}

const (
	kvmExitIoIn  = 0
	kvmExitIoOut = 1
)

const (
	kvmSystemEventShutdown = 1
	kvmSystemEventReset    = 2
	kvmSystemEventCrash    = 3
)
