//go:build linux && amd64

package kvm

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/obhq/obvmm/internal/hv"
)

// Identity TSS placement below the 4 GiB boundary, required on Intel hosts.
const tssAddress = 0xfffbd000

const (
	codeSelector = 1 << 3
	dataSelector = 2 << 3
)

// Debug address registers DR0 to DR3.
const hwBreakpoints = 4

type archHypervisor struct {
	cpuidOnce sync.Once
	cpuid     *kvmCPUID2
	cpuidErr  error
}

func (*archHypervisor) hwSlots() int { return hwBreakpoints }

var (
	regularRegisters = map[hv.Register]bool{
		hv.RegisterAMD64Rax:    true,
		hv.RegisterAMD64Rbx:    true,
		hv.RegisterAMD64Rcx:    true,
		hv.RegisterAMD64Rdx:    true,
		hv.RegisterAMD64Rsi:    true,
		hv.RegisterAMD64Rdi:    true,
		hv.RegisterAMD64Rsp:    true,
		hv.RegisterAMD64Rbp:    true,
		hv.RegisterAMD64R8:     true,
		hv.RegisterAMD64R9:     true,
		hv.RegisterAMD64R10:    true,
		hv.RegisterAMD64R11:    true,
		hv.RegisterAMD64R12:    true,
		hv.RegisterAMD64R13:    true,
		hv.RegisterAMD64R14:    true,
		hv.RegisterAMD64R15:    true,
		hv.RegisterAMD64Rip:    true,
		hv.RegisterAMD64Rflags: true,
	}

	specialRegisters = map[hv.Register]bool{
		hv.RegisterAMD64Cs:   true,
		hv.RegisterAMD64Ss:   true,
		hv.RegisterAMD64Ds:   true,
		hv.RegisterAMD64Es:   true,
		hv.RegisterAMD64Fs:   true,
		hv.RegisterAMD64Gs:   true,
		hv.RegisterAMD64Cr0:  true,
		hv.RegisterAMD64Cr2:  true,
		hv.RegisterAMD64Cr3:  true,
		hv.RegisterAMD64Cr4:  true,
		hv.RegisterAMD64Efer: true,
	}
)

func regularField(regs *kvmRegs, reg hv.Register) *uint64 {
	switch reg {
	case hv.RegisterAMD64Rax:
		return &regs.Rax
	case hv.RegisterAMD64Rbx:
		return &regs.Rbx
	case hv.RegisterAMD64Rcx:
		return &regs.Rcx
	case hv.RegisterAMD64Rdx:
		return &regs.Rdx
	case hv.RegisterAMD64Rsi:
		return &regs.Rsi
	case hv.RegisterAMD64Rdi:
		return &regs.Rdi
	case hv.RegisterAMD64Rsp:
		return &regs.Rsp
	case hv.RegisterAMD64Rbp:
		return &regs.Rbp
	case hv.RegisterAMD64R8:
		return &regs.R8
	case hv.RegisterAMD64R9:
		return &regs.R9
	case hv.RegisterAMD64R10:
		return &regs.R10
	case hv.RegisterAMD64R11:
		return &regs.R11
	case hv.RegisterAMD64R12:
		return &regs.R12
	case hv.RegisterAMD64R13:
		return &regs.R13
	case hv.RegisterAMD64R14:
		return &regs.R14
	case hv.RegisterAMD64R15:
		return &regs.R15
	case hv.RegisterAMD64Rip:
		return &regs.Rip
	case hv.RegisterAMD64Rflags:
		return &regs.Rflags
	default:
		return nil
	}
}

func segmentField(sregs *kvmSRegs, reg hv.Register) *kvmSegment {
	switch reg {
	case hv.RegisterAMD64Cs:
		return &sregs.Cs
	case hv.RegisterAMD64Ss:
		return &sregs.Ss
	case hv.RegisterAMD64Ds:
		return &sregs.Ds
	case hv.RegisterAMD64Es:
		return &sregs.Es
	case hv.RegisterAMD64Fs:
		return &sregs.Fs
	case hv.RegisterAMD64Gs:
		return &sregs.Gs
	default:
		return nil
	}
}

func controlField(sregs *kvmSRegs, reg hv.Register) *uint64 {
	switch reg {
	case hv.RegisterAMD64Cr0:
		return &sregs.Cr0
	case hv.RegisterAMD64Cr2:
		return &sregs.Cr2
	case hv.RegisterAMD64Cr3:
		return &sregs.Cr3
	case hv.RegisterAMD64Cr4:
		return &sregs.Cr4
	case hv.RegisterAMD64Efer:
		return &sregs.Efer
	default:
		return nil
	}
}

func (v *virtualCPU) classifyRegisters(regs map[hv.Register]hv.RegisterValue) (regular, special bool, err error) {
	for reg := range regs {
		if regularRegisters[reg] {
			regular = true
		} else if specialRegisters[reg] {
			special = true
		} else {
			return false, false, fmt.Errorf("kvm: unsupported register %v for architecture x86_64: %w", reg, hv.ErrUnsupported)
		}
	}
	return regular, special, nil
}

func (v *virtualCPU) SetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	hasRegular, hasSpecial, err := v.classifyRegisters(regs)
	if err != nil {
		return err
	}

	if hasRegular {
		regularRegs, err := getRegisters(v.fd)
		if err != nil {
			return fmt.Errorf("kvm: get registers: %w", err)
		}

		for reg, val := range regs {
			if field := regularField(&regularRegs, reg); field != nil {
				*field = uint64(val.(hv.Register64))
			}
		}

		if err := setRegisters(v.fd, &regularRegs); err != nil {
			return fmt.Errorf("kvm: set registers: %w", err)
		}
	}

	if hasSpecial {
		specialRegs, err := getSRegs(v.fd)
		if err != nil {
			return fmt.Errorf("kvm: get special registers: %w", err)
		}

		for reg, val := range regs {
			if seg := segmentField(&specialRegs, reg); seg != nil {
				seg.Selector = uint16(val.(hv.Register64))
			} else if field := controlField(&specialRegs, reg); field != nil {
				*field = uint64(val.(hv.Register64))
			}
		}

		if err := setSRegs(v.fd, &specialRegs); err != nil {
			return fmt.Errorf("kvm: set special registers: %w", err)
		}
	}

	return nil
}

func (v *virtualCPU) GetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	hasRegular, hasSpecial, err := v.classifyRegisters(regs)
	if err != nil {
		return err
	}

	if hasRegular {
		regularRegs, err := getRegisters(v.fd)
		if err != nil {
			return fmt.Errorf("kvm: get registers: %w", err)
		}

		for reg := range regs {
			if field := regularField(&regularRegs, reg); field != nil {
				regs[reg] = hv.Register64(*field)
			}
		}
	}

	if hasSpecial {
		specialRegs, err := getSRegs(v.fd)
		if err != nil {
			return fmt.Errorf("kvm: get special registers: %w", err)
		}

		for reg := range regs {
			if seg := segmentField(&specialRegs, reg); seg != nil {
				regs[reg] = hv.Register64(seg.Selector)
			} else if field := controlField(&specialRegs, reg); field != nil {
				regs[reg] = hv.Register64(*field)
			}
		}
	}

	return nil
}

// applyGuestDebug pushes the single-step and debug register state to KVM.
func (v *virtualCPU) applyGuestDebug() error {
	var dbg kvmGuestDebug

	if v.vm.config.Debug {
		dbg.Control |= kvmGuestDbgEnable | kvmGuestDbgUseSwBp
	}
	if v.singleStep {
		dbg.Control |= kvmGuestDbgEnable | kvmGuestDbgSingleStep
	}

	var dr7 uint64
	for i, used := range v.hwUsed {
		if !used {
			continue
		}
		// L<i> enable; R/W and LEN stay zero for an instruction fetch
		dbg.DebugReg[i] = v.hwAddr[i]
		dr7 |= 1 << (i * 2)
	}
	if dr7 != 0 {
		dbg.Control |= kvmGuestDbgEnable | kvmGuestDbgUseHwBp
		dbg.DebugReg[7] = dr7 | dr7GlobalExact
	}

	if err := setGuestDebug(v.fd, &dbg); err != nil {
		return fmt.Errorf("KVM_SET_GUEST_DEBUG: %w", err)
	}

	return nil
}

func (v *virtualCPU) TranslateAddress(vaddr uint64) (uint64, error) {
	tr := kvmTranslation{LinearAddress: vaddr}
	if err := translate(v.fd, &tr); err != nil {
		return 0, fmt.Errorf("kvm: translate %#x: %w", vaddr, err)
	}
	if tr.Valid == 0 {
		return 0, fmt.Errorf("kvm: translate %#x: %w", vaddr, hv.ErrNotMapped)
	}

	return tr.PhysicalAddress, nil
}

func (v *virtualCPU) classifyExit(run *kvmRunData) hv.Exit {
	if exit, ok := v.classifyCommon(run); ok {
		return exit
	}

	reason := kvmExitReason(run.exit_reason)

	switch reason {
	case kvmExitHlt:
		return hv.Exit{Kind: hv.ExitHalt}
	case kvmExitIo:
		ioData := (*kvmExitIoData)(unsafe.Pointer(&run.anon0[0]))
		end := ioData.dataOffset + uint64(ioData.size)*uint64(ioData.count)

		return hv.Exit{
			Kind: hv.ExitIO,
			IO: &hv.IOAccess{
				Port:    ioData.port,
				Size:    int(ioData.size),
				IsWrite: ioData.direction == kvmExitIoOut,
				Data:    v.run[ioData.dataOffset:end],
			},
		}
	case kvmExitDebug:
		arch := (*kvmDebugExitArch)(unsafe.Pointer(&run.anon0[0]))

		return hv.Exit{
			Kind:  hv.ExitDebug,
			PC:    arch.pc,
			Debug: v.debugCause(arch),
		}
	case kvmExitShutdown:
		return v.fatal("triple fault")
	default:
		return hv.Exit{Kind: hv.ExitUnknown, PC: v.pc(), Detail: reason.String()}
	}
}

func (v *virtualCPU) debugCause(arch *kvmDebugExitArch) hv.DebugCause {
	switch {
	case arch.exception == exceptionBreakpoint:
		return hv.DebugSoftwareBreakpoint
	case arch.exception == exceptionDebug && arch.dr6&dr6BreakpointMask != 0:
		return hv.DebugHardwareBreakpoint
	case arch.exception == exceptionDebug && arch.dr6&dr6SingleStep != 0:
		return hv.DebugStep
	case v.singleStep:
		return hv.DebugStep
	default:
		return hv.DebugNone
	}
}

func (v *virtualCPU) pc() uint64 {
	regs, err := getRegisters(v.fd)
	if err != nil {
		return 0
	}
	return regs.Rip
}

// CR0 bits
const (
	cr0_PE = 1
	cr0_MP = (1 << 1)
	cr0_ET = (1 << 4)
	cr0_NE = (1 << 5)
	cr0_WP = (1 << 16)
	cr0_AM = (1 << 18)
	cr0_PG = (1 << 31)
)

// CR4 bits
const (
	cr4_PAE        = (1 << 5)
	cr4_OSFXSR     = (1 << 9)
	cr4_OSXMMEXCPT = (1 << 10)
)

// EFER bits
const (
	efer_SCE = 1
	efer_LME = (1 << 8)
	efer_LMA = (1 << 10)
	efer_NXE = (1 << 11)
)

// SetLongMode implements hv.VirtualCPUAmd64. The page tables at pml4 must
// already be in guest memory.
func (v *virtualCPU) SetLongMode(pml4 uint64) error {
	sregs, err := getSRegs(v.fd)
	if err != nil {
		return fmt.Errorf("kvm: get special registers: %w", err)
	}

	sregs.Cr3 = pml4
	sregs.Cr4 |= cr4_PAE | cr4_OSFXSR | cr4_OSXMMEXCPT
	sregs.Cr0 |= cr0_PE | cr0_MP | cr0_ET | cr0_NE | cr0_WP | cr0_AM | cr0_PG
	sregs.Efer = efer_SCE | efer_LME | efer_LMA | efer_NXE

	// 64-bit code segment (CS.L=1, D=0), flat data segments
	code := kvmSegment{
		Base:     0,
		Limit:    0xffffffff,
		Selector: codeSelector,
		Present:  1,
		Type:     11, // code: exec/read/accessed
		Dpl:      0,
		Db:       0, // must be 0 in 64-bit mode
		S:        1,
		L:        1,
		G:        1,
	}
	sregs.Cs = code

	data := code
	data.Type = 3 // data: read/write/accessed
	data.L = 0
	data.Db = 1
	data.Selector = dataSelector
	sregs.Ds, sregs.Es, sregs.Fs, sregs.Gs, sregs.Ss = data, data, data, data, data

	if err := setSRegs(v.fd, &sregs); err != nil {
		return fmt.Errorf("kvm: set special registers: %w", err)
	}

	regs, err := getRegisters(v.fd)
	if err != nil {
		return fmt.Errorf("kvm: get registers: %w", err)
	}
	regs.Rflags = 0x2 // reserved bit 1
	if err := setRegisters(v.fd, &regs); err != nil {
		return fmt.Errorf("kvm: set registers: %w", err)
	}

	return nil
}

var _ hv.VirtualCPUAmd64 = &virtualCPU{}

func (h *hypervisor) archVMInit(vm *virtualMachine) error {
	if err := setTSSAddr(vm.vmFd, tssAddress); err != nil {
		return fmt.Errorf("setting TSS addr: %w", err)
	}

	return nil
}

func (h *hypervisor) archVCPUInit(vcpu *virtualCPU) error {
	h.cpuidOnce.Do(func() {
		h.cpuid, h.cpuidErr = getSupportedCpuId(h.fd)
	})
	if h.cpuidErr != nil {
		return fmt.Errorf("getting supported CPUID: %w", h.cpuidErr)
	}

	if err := setVCPUID(vcpu.fd, h.cpuid); err != nil {
		return fmt.Errorf("setting vCPU ID: %w", err)
	}

	return nil
}

func (*hypervisor) Architecture() hv.CpuArchitecture {
	return hv.ArchitectureX86_64
}
