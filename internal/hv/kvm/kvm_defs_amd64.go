//go:build linux && amd64

package kvm

const (
	kvmGetSupportedCpuid = 0xc008ae05
	kvmSetTssAddr        = 0xae47
	kvmGetRegs           = 0x8090ae81
	kvmSetRegs           = 0x4090ae82
	kvmGetSregs          = 0x8138ae83
	kvmSetSregs          = 0x4138ae84
	kvmTranslate         = 0xc018ae85
	kvmSetCpuid2         = 0x4008ae90
	kvmSetGuestDebug     = 0x4048ae9b
)

// x86 exception vectors reported in kvm_debug_exit_arch.
const (
	exceptionDebug      = 1
	exceptionBreakpoint = 3
)

// DR6 and DR7 bits.
const (
	dr6BreakpointMask = 0xf
	dr6SingleStep     = 1 << 14

	dr7GlobalExact = 1 << 9
)
