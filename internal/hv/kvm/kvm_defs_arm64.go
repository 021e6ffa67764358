//go:build linux && arm64

package kvm

const (
	kvmGetOneReg          = 0x4010aeab
	kvmSetOneReg          = 0x4010aeac
	kvmArmVcpuInitIoctl   = 0x4020aeae
	kvmArmPreferredTarget = 0x8020aeaf
	kvmSetGuestDebug      = 0x4208ae9b
)

const kvmArmMaxDbgRegs = 16

// ESR_EL2 exception classes reported in kvm_debug_exit_arch.hsr.
const (
	exceptionClassShift = 26
	exceptionClassMask  = 0x3f

	exceptionClassBreakpointLower = 0x30
	exceptionClassStepLower       = 0x32
	exceptionClassBrk             = 0x3c
)

// DBGBCR: enabled, EL0 and EL1, all byte lanes.
const dbgbcrEnable = 1 | 0b11<<1 | 0xf<<5
