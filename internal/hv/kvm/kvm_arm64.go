//go:build linux && arm64

package kvm

import (
	"encoding/binary"
	"fmt"
	"sync"
	"unsafe"

	"github.com/obhq/obvmm/internal/hv"
)

// Upper bound for the per-vCPU tables; the host may expose fewer.
const hwBreakpoints = kvmArmMaxDbgRegs

type archHypervisor struct {
	targetOnce sync.Once
	target     kvmVcpuInit
	targetErr  error

	slotsOnce sync.Once
	slots     int
}

func (h *hypervisor) hwSlots() int {
	h.slotsOnce.Do(func() {
		n, err := checkExtension(h.fd, kvmCapGuestDebugHwBps)
		if err != nil || n < 0 {
			n = 0
		}
		h.slots = min(n, hwBreakpoints)
	})
	return h.slots
}

const (
	kvmRegArm64         uint64 = 0x6000000000000000
	kvmRegSizeU64       uint64 = 0x0030000000000000
	kvmRegArmCoproShift        = 16
	kvmRegArmCore       uint64 = 0x0010 << kvmRegArmCoproShift
	kvmRegArm64SysReg   uint64 = 0x0013 << kvmRegArmCoproShift

	kvmRegArm64SysRegOp0Shift = 14
	kvmRegArm64SysRegOp1Shift = 11
	kvmRegArm64SysRegCrnShift = 7
	kvmRegArm64SysRegCrmShift = 3
)

func arm64SysReg(op0, op1, crn, crm, op2 uint64) uint64 {
	return kvmRegArm64 | kvmRegSizeU64 | kvmRegArm64SysReg |
		(op0&0x3)<<kvmRegArm64SysRegOp0Shift |
		(op1&0x7)<<kvmRegArm64SysRegOp1Shift |
		(crn&0xf)<<kvmRegArm64SysRegCrnShift |
		(crm&0xf)<<kvmRegArm64SysRegCrmShift |
		op2&0x7
}

func arm64CoreRegister(offsetBytes uintptr) uint64 {
	return kvmRegArm64 | kvmRegSizeU64 | kvmRegArmCore | uint64(offsetBytes/4)
}

var (
	arm64SysRegSctlrEl1 = arm64SysReg(3, 0, 1, 0, 0)
	arm64SysRegTcrEl1   = arm64SysReg(3, 0, 2, 0, 2)
	arm64SysRegTtbr0El1 = arm64SysReg(3, 0, 2, 0, 0)
	arm64SysRegTtbr1El1 = arm64SysReg(3, 0, 2, 0, 1)
	arm64SysRegVbarEl1  = arm64SysReg(3, 0, 12, 0, 0)
)

// arm64RegisterIDs maps the registers the VMM touches to KVM_{GET,SET}_ONE_REG ids.
var arm64RegisterIDs = func() map[hv.Register]uint64 {
	regs := make(map[hv.Register]uint64, 35)

	for i := 0; i <= 30; i++ {
		reg := hv.Register(int(hv.RegisterARM64X0) + i)
		regs[reg] = arm64CoreRegister(uintptr(i * 8))
	}

	regs[hv.RegisterARM64Sp] = arm64CoreRegister(31 * 8)
	regs[hv.RegisterARM64Pc] = arm64CoreRegister(32 * 8)
	regs[hv.RegisterARM64Pstate] = arm64CoreRegister(33 * 8)
	regs[hv.RegisterARM64Vbar] = arm64SysRegVbarEl1

	return regs
}()

func (v *virtualCPU) getReg(id uint64) (uint64, error) {
	var val uint64
	if err := getOneReg(v.fd, id, unsafe.Pointer(&val)); err != nil {
		return 0, err
	}
	return val, nil
}

func (v *virtualCPU) SetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	for reg, value := range regs {
		kvmReg, ok := arm64RegisterIDs[reg]
		if !ok {
			return fmt.Errorf("kvm: unsupported register %v for architecture arm64: %w", reg, hv.ErrUnsupported)
		}

		raw, ok := value.(hv.Register64)
		if !ok {
			return fmt.Errorf("kvm: invalid register value type %T for %v", value, reg)
		}

		val := uint64(raw)
		if err := setOneReg(v.fd, kvmReg, unsafe.Pointer(&val)); err != nil {
			return fmt.Errorf("kvm: set register %v: %w", reg, err)
		}
	}

	return nil
}

func (v *virtualCPU) GetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	for reg := range regs {
		kvmReg, ok := arm64RegisterIDs[reg]
		if !ok {
			return fmt.Errorf("kvm: unsupported register %v for architecture arm64: %w", reg, hv.ErrUnsupported)
		}

		val, err := v.getReg(kvmReg)
		if err != nil {
			return fmt.Errorf("kvm: get register %v: %w", reg, err)
		}

		regs[reg] = hv.Register64(val)
	}

	return nil
}

// applyGuestDebug pushes the single-step and breakpoint state to KVM.
func (v *virtualCPU) applyGuestDebug() error {
	var dbg kvmGuestDebug

	if v.vm.config.Debug {
		dbg.Control |= kvmGuestDbgEnable | kvmGuestDbgUseSwBp
	}
	if v.singleStep {
		dbg.Control |= kvmGuestDbgEnable | kvmGuestDbgSingleStep
	}

	for i, used := range v.hwUsed {
		if !used {
			continue
		}
		dbg.Bvr[i] = v.hwAddr[i] &^ 3
		dbg.Bcr[i] = dbgbcrEnable
		dbg.Control |= kvmGuestDbgEnable | kvmGuestDbgUseHwBp
	}

	if err := setGuestDebug(v.fd, &dbg); err != nil {
		return fmt.Errorf("KVM_SET_GUEST_DEBUG: %w", err)
	}

	return nil
}

// TranslateAddress implements hv.VirtualCPU. With the MMU off addresses are
// identity mapped; otherwise the stage 1 tables are walked (4K granule only).
func (v *virtualCPU) TranslateAddress(vaddr uint64) (uint64, error) {
	sctlr, err := v.getReg(arm64SysRegSctlrEl1)
	if err != nil {
		return 0, fmt.Errorf("kvm: get SCTLR_EL1: %w", err)
	}
	if sctlr&1 == 0 {
		return vaddr, nil
	}

	tcr, err := v.getReg(arm64SysRegTcrEl1)
	if err != nil {
		return 0, fmt.Errorf("kvm: get TCR_EL1: %w", err)
	}

	// TG0 encodes 4K as 0b00, TG1 as 0b10
	tsz, ttbrReg, is4K := tcr&0x3f, arm64SysRegTtbr0El1, (tcr>>14)&0x3 == 0
	if vaddr>>55&1 == 1 {
		tsz, ttbrReg, is4K = (tcr>>16)&0x3f, arm64SysRegTtbr1El1, (tcr>>30)&0x3 == 2
	}
	if !is4K {
		return 0, fmt.Errorf("kvm: translate %#x: only 4K granule tables: %w", vaddr, hv.ErrUnsupported)
	}

	ttbr, err := v.getReg(ttbrReg)
	if err != nil {
		return 0, fmt.Errorf("kvm: get TTBR: %w", err)
	}

	return v.walk(vaddr, ttbr&0x0000fffffffffffe, 64-int(tsz))
}

func (v *virtualCPU) walk(vaddr, table uint64, vaBits int) (uint64, error) {
	const addrMask = 0x0000fffffffff000

	levels := (vaBits - 12 + 8) / 9
	var desc [8]byte

	for level := 4 - levels; level <= 3; level++ {
		shift := uint(12 + 9*(3-level))
		index := (vaddr >> shift) & 0x1ff

		if err := v.vm.readPhysical(table+index*8, desc[:]); err != nil {
			return 0, err
		}
		d := binary.LittleEndian.Uint64(desc[:])

		switch {
		case d&1 == 0:
			return 0, fmt.Errorf("kvm: translate %#x: level %d: %w", vaddr, level, hv.ErrNotMapped)
		case level < 3 && d&2 == 0:
			mask := uint64(1)<<shift - 1
			return (d & addrMask &^ mask) | (vaddr & mask), nil
		case level == 3:
			return (d & addrMask) | (vaddr & 0xfff), nil
		}
		table = d & addrMask
	}

	return 0, fmt.Errorf("kvm: translate %#x: %w", vaddr, hv.ErrNotMapped)
}

func (v *virtualCPU) classifyExit(run *kvmRunData) hv.Exit {
	if exit, ok := v.classifyCommon(run); ok {
		return exit
	}

	reason := kvmExitReason(run.exit_reason)

	switch reason {
	case kvmExitDebug:
		arch := (*kvmDebugExitArch)(unsafe.Pointer(&run.anon0[0]))

		return hv.Exit{
			Kind:  hv.ExitDebug,
			PC:    v.pc(),
			Debug: v.debugCause(arch),
		}
	case kvmExitArmNisv:
		// data abort KVM cannot decode, e.g. a load pair to MMIO
		return v.fatal("data abort without syndrome info")
	default:
		return hv.Exit{Kind: hv.ExitUnknown, PC: v.pc(), Detail: reason.String()}
	}
}

func (v *virtualCPU) debugCause(arch *kvmDebugExitArch) hv.DebugCause {
	switch (arch.hsr >> exceptionClassShift) & exceptionClassMask {
	case exceptionClassBrk:
		return hv.DebugSoftwareBreakpoint
	case exceptionClassBreakpointLower:
		return hv.DebugHardwareBreakpoint
	case exceptionClassStepLower:
		return hv.DebugStep
	default:
		return hv.DebugNone
	}
}

func (v *virtualCPU) pc() uint64 {
	pc, err := v.getReg(arm64RegisterIDs[hv.RegisterARM64Pc])
	if err != nil {
		return 0
	}
	return pc
}

// No in-kernel interrupt controller is created; the guest runs without one.
func (h *hypervisor) archVMInit(vm *virtualMachine) error {
	return nil
}

func (h *hypervisor) archVCPUInit(vcpu *virtualCPU) error {
	h.targetOnce.Do(func() {
		h.target, h.targetErr = armPreferredTarget(vcpu.vm.vmFd)
	})
	if h.targetErr != nil {
		return fmt.Errorf("getting preferred target: %w", h.targetErr)
	}

	init := h.target
	enableArmVcpuFeature(&init, kvmArmVcpuFeaturePsci02)

	if err := armVcpuInit(vcpu.fd, &init); err != nil {
		return fmt.Errorf("initializing vCPU: %w", err)
	}

	return nil
}

func enableArmVcpuFeature(init *kvmVcpuInit, feature uint32) {
	word := feature / 32
	bit := feature % 32

	if word >= kvmArmVcpuInitFeatureWords {
		return
	}

	init.Features[word] |= 1 << bit
}

func (*hypervisor) Architecture() hv.CpuArchitecture {
	return hv.ArchitectureARM64
}
