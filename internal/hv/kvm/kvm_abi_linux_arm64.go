//go:build linux && arm64

package kvm

const (
	kvmArmVcpuInitFeatureWords = 7
	kvmArmVcpuFeaturePsci02    = 2
)

type kvmVcpuInit struct {
	Target   uint32
	Features [kvmArmVcpuInitFeatureWords]uint32
}

type kvmOneReg struct {
	id   uint64
	addr uint64
}

type kvmDebugExitArch struct {
	hsr     uint32
	hsrHigh uint32
	far     uint64
}

type kvmGuestDebug struct {
	Control uint32
	Pad     uint32
	Bcr     [kvmArmMaxDbgRegs]uint64
	Bvr     [kvmArmMaxDbgRegs]uint64
	Wcr     [kvmArmMaxDbgRegs]uint64
	Wvr     [kvmArmMaxDbgRegs]uint64
}
