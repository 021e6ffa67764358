//go:build darwin && arm64

package hvf

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/obhq/obvmm/internal/hv"
	"github.com/obhq/obvmm/internal/hv/hvf/bindings"
)

type exceptionClass uint64

const (
	exceptionClassWfx              exceptionClass = 0x01
	exceptionClassHvc              exceptionClass = 0x16
	exceptionClassMsrAccess        exceptionClass = 0x18
	exceptionClassInstAbortLowerEL exceptionClass = 0x20
	exceptionClassDataAbortLowerEL exceptionClass = 0x24
	exceptionClassBreakpointLower  exceptionClass = 0x30
	exceptionClassStepLower        exceptionClass = 0x32
	exceptionClassBrk              exceptionClass = 0x3c
)

func (ec exceptionClass) String() string {
	switch ec {
	case exceptionClassWfx:
		return "WFI/WFE"
	case exceptionClassHvc:
		return "HVC"
	case exceptionClassMsrAccess:
		return "MSR access"
	case exceptionClassInstAbortLowerEL:
		return "instruction abort"
	case exceptionClassDataAbortLowerEL:
		return "data abort"
	case exceptionClassBreakpointLower:
		return "breakpoint"
	case exceptionClassStepLower:
		return "software step"
	case exceptionClassBrk:
		return "BRK"
	default:
		return fmt.Sprintf("exception class %#x", uint64(ec))
	}
}

const (
	exceptionClassMask  = 0x3F
	exceptionClassShift = 26

	mdscrSS  = 1 << 0
	mdscrMDE = 1 << 15
	cpsrSS   = 1 << 21

	// E | PMC=EL1+EL0 | BAS=0b1111
	dbgbcrEnable = 1 | 0b11<<1 | 0xf<<5

	hwBreakpoints = 4
)

// dataAbort is an MMIO access decoded from the ESR. It stays pending until
// the next Run writes back the loaded value and steps past the instruction.
type dataAbort struct {
	size  int
	write bool
	srt   int
	data  [8]byte
}

type virtualCPU struct {
	vm     *virtualMachine
	id     int
	handle bindings.VCPU
	exit   *bindings.VcpuExit
	closed bool

	pending *dataAbort

	singleStep bool
	hwAddr     [hwBreakpoints]uint64
	hwUsed     [hwBreakpoints]bool
}

// implements hv.VirtualCPU.
func (v *virtualCPU) ID() int                           { return v.id }
func (v *virtualCPU) VirtualMachine() hv.VirtualMachine { return v.vm }

func generalRegister(reg hv.Register) (bindings.Reg, bool) {
	switch {
	case reg >= hv.RegisterARM64X0 && reg <= hv.RegisterARM64X30:
		return bindings.HV_REG_X0 + bindings.Reg(reg-hv.RegisterARM64X0), true
	case reg == hv.RegisterARM64Pc:
		return bindings.HV_REG_PC, true
	case reg == hv.RegisterARM64Pstate:
		return bindings.HV_REG_CPSR, true
	default:
		return 0, false
	}
}

var sysRegisterMap = map[hv.Register]bindings.SysReg{
	hv.RegisterARM64Sp:   bindings.HV_SYS_REG_SP_EL1,
	hv.RegisterARM64Vbar: bindings.HV_SYS_REG_VBAR_EL1,
}

// GetRegisters implements hv.VirtualCPU.
func (v *virtualCPU) GetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	for reg := range regs {
		var val uint64
		var err error
		if r, ok := generalRegister(reg); ok {
			val, err = bindings.VcpuGetReg(v.handle, r)
		} else if s, ok := sysRegisterMap[reg]; ok {
			val, err = bindings.VcpuGetSysReg(v.handle, s)
		} else {
			return fmt.Errorf("hvf: unsupported register %v", reg)
		}
		if err != nil {
			return fmt.Errorf("hvf: get %v: %w", reg, err)
		}
		regs[reg] = hv.Register64(val)
	}
	return nil
}

// SetRegisters implements hv.VirtualCPU.
func (v *virtualCPU) SetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	for reg, val := range regs {
		r64, ok := val.(hv.Register64)
		if !ok {
			return fmt.Errorf("hvf: unsupported register value type %T for register %v", val, reg)
		}
		var err error
		if r, ok := generalRegister(reg); ok {
			err = bindings.VcpuSetReg(v.handle, r, uint64(r64))
		} else if s, ok := sysRegisterMap[reg]; ok {
			err = bindings.VcpuSetSysReg(v.handle, s, uint64(r64))
		} else {
			return fmt.Errorf("hvf: unsupported register %v", reg)
		}
		if err != nil {
			return fmt.Errorf("hvf: set %v: %w", reg, err)
		}
	}
	return nil
}

func (v *virtualCPU) applyDebugState() error {
	mdscr := uint64(0)
	for i := range hwBreakpoints {
		ctrl := uint64(0)
		if v.hwUsed[i] {
			ctrl = dbgbcrEnable
			mdscr |= mdscrMDE
		}
		if err := bindings.VcpuSetSysReg(v.handle, bindings.DebugBreakpointValue(i), v.hwAddr[i]); err != nil {
			return fmt.Errorf("hvf: set DBGBVR%d: %w", i, err)
		}
		if err := bindings.VcpuSetSysReg(v.handle, bindings.DebugBreakpointControl(i), ctrl); err != nil {
			return fmt.Errorf("hvf: set DBGBCR%d: %w", i, err)
		}
	}
	if v.singleStep {
		mdscr |= mdscrSS
	}
	if err := bindings.VcpuSetSysReg(v.handle, bindings.HV_SYS_REG_MDSCR_EL1, mdscr); err != nil {
		return fmt.Errorf("hvf: set MDSCR_EL1: %w", err)
	}
	return nil
}

// SetSingleStep implements hv.VirtualCPU.
func (v *virtualCPU) SetSingleStep(enable bool) error {
	if !v.vm.config.Debug {
		return fmt.Errorf("hvf: single step: %w", hv.ErrUnsupported)
	}
	prev := v.singleStep
	v.singleStep = enable
	if err := v.applyDebugState(); err != nil {
		v.singleStep = prev
		return err
	}
	return nil
}

// SetHardwareBreakpoint implements hv.VirtualCPU.
func (v *virtualCPU) SetHardwareBreakpoint(addr uint64) error {
	if !v.vm.config.Debug {
		return fmt.Errorf("hvf: hardware breakpoint: %w", hv.ErrUnsupported)
	}

	slot := -1
	for i := range hwBreakpoints {
		if v.hwUsed[i] && v.hwAddr[i] == addr {
			return nil
		}
		if !v.hwUsed[i] && slot < 0 {
			slot = i
		}
	}
	if slot < 0 {
		return fmt.Errorf("hvf: hardware breakpoint %#x: %w", addr, hv.ErrResourceLimit)
	}

	v.hwAddr[slot], v.hwUsed[slot] = addr&^3, true
	if err := v.applyDebugState(); err != nil {
		v.hwUsed[slot] = false
		return err
	}
	return nil
}

// ClearHardwareBreakpoint implements hv.VirtualCPU.
func (v *virtualCPU) ClearHardwareBreakpoint(addr uint64) error {
	for i := range hwBreakpoints {
		if v.hwUsed[i] && v.hwAddr[i] == addr&^3 {
			v.hwUsed[i] = false
			if err := v.applyDebugState(); err != nil {
				v.hwUsed[i] = true
				return err
			}
			return nil
		}
	}
	return fmt.Errorf("hvf: hardware breakpoint %#x: %w", addr, hv.ErrNotMapped)
}

// TranslateAddress implements hv.VirtualCPU. With the MMU off addresses are
// identity mapped; otherwise the stage 1 tables are walked (4K granule only).
func (v *virtualCPU) TranslateAddress(vaddr uint64) (uint64, error) {
	sctlr, err := bindings.VcpuGetSysReg(v.handle, bindings.HV_SYS_REG_SCTLR_EL1)
	if err != nil {
		return 0, fmt.Errorf("hvf: get SCTLR_EL1: %w", err)
	}
	if sctlr&1 == 0 {
		return vaddr, nil
	}

	tcr, err := bindings.VcpuGetSysReg(v.handle, bindings.HV_SYS_REG_TCR_EL1)
	if err != nil {
		return 0, fmt.Errorf("hvf: get TCR_EL1: %w", err)
	}

	// TG0 encodes 4K as 0b00, TG1 as 0b10
	tsz, ttbrReg, is4K := tcr&0x3f, bindings.HV_SYS_REG_TTBR0_EL1, (tcr>>14)&0x3 == 0
	if vaddr>>55&1 == 1 {
		tsz, ttbrReg, is4K = (tcr>>16)&0x3f, bindings.HV_SYS_REG_TTBR1_EL1, (tcr>>30)&0x3 == 2
	}
	if !is4K {
		return 0, fmt.Errorf("hvf: translate %#x: only 4K granule tables: %w", vaddr, hv.ErrUnsupported)
	}

	ttbr, err := bindings.VcpuGetSysReg(v.handle, ttbrReg)
	if err != nil {
		return 0, fmt.Errorf("hvf: get TTBR: %w", err)
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
			return 0, fmt.Errorf("hvf: translate %#x: level %d: %w", vaddr, level, hv.ErrNotMapped)
		case level < 3 && d&2 == 0:
			mask := uint64(1)<<shift - 1
			return (d & addrMask &^ mask) | (vaddr & mask), nil
		case level == 3:
			return (d & addrMask) | (vaddr & 0xfff), nil
		}
		table = d & addrMask
	}

	return 0, fmt.Errorf("hvf: translate %#x: %w", vaddr, hv.ErrNotMapped)
}

func (v *virtualCPU) pc() uint64 {
	pc, err := bindings.VcpuGetReg(v.handle, bindings.HV_REG_PC)
	if err != nil {
		return 0
	}
	return pc
}

func (v *virtualCPU) advancePC() error {
	pc, err := bindings.VcpuGetReg(v.handle, bindings.HV_REG_PC)
	if err != nil {
		return fmt.Errorf("hvf: get pc: %w", err)
	}
	return bindings.VcpuSetReg(v.handle, bindings.HV_REG_PC, pc+4)
}

func (v *virtualCPU) completePending() error {
	p := v.pending
	if p == nil {
		return nil
	}
	v.pending = nil

	if !p.write && p.srt != 31 {
		var word [8]byte
		copy(word[:], p.data[:p.size])
		if err := bindings.VcpuSetReg(v.handle, bindings.HV_REG_X0+bindings.Reg(p.srt), binary.LittleEndian.Uint64(word[:])); err != nil {
			return fmt.Errorf("hvf: complete mmio load: %w", err)
		}
	}
	return v.advancePC()
}

// Run implements hv.VirtualCPU.
func (v *virtualCPU) Run(ctx context.Context) (hv.Exit, error) {
	if v.closed {
		return hv.Exit{}, fmt.Errorf("hvf: run vCPU %d: closed: %w", v.id, hv.ErrInvalidState)
	}

	if err := v.completePending(); err != nil {
		return hv.Exit{}, err
	}

	if ctx.Err() != nil {
		return hv.Exit{Kind: hv.ExitCanceled}, nil
	}

	if v.singleStep {
		cpsr, err := bindings.VcpuGetReg(v.handle, bindings.HV_REG_CPSR)
		if err == nil {
			err = bindings.VcpuSetReg(v.handle, bindings.HV_REG_CPSR, cpsr|cpsrSS)
		}
		if err != nil {
			return hv.Exit{}, fmt.Errorf("hvf: arm single step: %w", err)
		}
	}

	stopExit := context.AfterFunc(ctx, func() {
		if err := bindings.VcpusExit(v.handle); err != nil {
			slog.Warn("hvf: vcpus exit", "vcpu", v.id, "error", err)
		}
	})
	defer stopExit()

	for {
		if err := bindings.VcpuRun(v.handle); err != nil {
			return hv.Exit{}, fmt.Errorf("hvf: run vCPU %d: %w", v.id, err)
		}

		switch v.exit.Reason {
		case bindings.HV_EXIT_REASON_CANCELED:
			if ctx.Err() == nil {
				continue
			}
			return hv.Exit{Kind: hv.ExitCanceled, PC: v.pc()}, nil
		case bindings.HV_EXIT_REASON_EXCEPTION:
			return v.classifyException()
		case bindings.HV_EXIT_REASON_VTIMER_ACTIVATED:
			// no interrupt controller; the guest has to poll
			continue
		default:
			return hv.Exit{Kind: hv.ExitUnknown, PC: v.pc(), Detail: v.exit.Reason.String()}, nil
		}
	}
}

func (v *virtualCPU) classifyException() (hv.Exit, error) {
	syndrome := v.exit.Exception.Syndrome
	ec := exceptionClass((syndrome >> exceptionClassShift) & exceptionClassMask)
	pc := v.pc()

	switch ec {
	case exceptionClassWfx:
		if err := v.advancePC(); err != nil {
			return hv.Exit{}, err
		}
		return hv.Exit{Kind: hv.ExitHalt, PC: pc}, nil
	case exceptionClassBrk:
		return hv.Exit{Kind: hv.ExitDebug, PC: pc, Debug: hv.DebugSoftwareBreakpoint}, nil
	case exceptionClassBreakpointLower:
		return hv.Exit{Kind: hv.ExitDebug, PC: pc, Debug: hv.DebugHardwareBreakpoint}, nil
	case exceptionClassStepLower:
		return hv.Exit{Kind: hv.ExitDebug, PC: pc, Debug: hv.DebugStep}, nil
	case exceptionClassDataAbortLowerEL:
		return v.dataAbortExit(syndrome, uint64(v.exit.Exception.PhysicalAddress), pc)
	case exceptionClassHvc:
		return hv.Exit{Kind: hv.ExitUnknown, PC: pc, Detail: fmt.Sprintf("hvc #%#x", syndrome&0xffff)}, nil
	default:
		return hv.Exit{Kind: hv.ExitFatal, PC: pc, Detail: fmt.Sprintf("%s (esr %#x, far %#x)", ec, syndrome, v.exit.Exception.VirtualAddress)}, nil
	}
}

func (v *virtualCPU) dataAbortExit(syndrome, gpa, pc uint64) (hv.Exit, error) {
	const (
		isvBit   = 24
		sasShift = 22
		srtShift = 16
		wnrBit   = 6
	)

	if (syndrome>>isvBit)&1 == 0 {
		return hv.Exit{Kind: hv.ExitFatal, PC: pc, Detail: fmt.Sprintf("data abort at %#x without syndrome info", gpa)}, nil
	}

	p := &dataAbort{
		size:  1 << ((syndrome >> sasShift) & 0x3),
		write: (syndrome>>wnrBit)&1 == 1,
		srt:   int((syndrome >> srtShift) & 0x1f),
	}

	if p.write && p.srt != 31 {
		val, err := bindings.VcpuGetReg(v.handle, bindings.HV_REG_X0+bindings.Reg(p.srt))
		if err != nil {
			return hv.Exit{}, fmt.Errorf("hvf: read store source: %w", err)
		}
		binary.LittleEndian.PutUint64(p.data[:], val)
	}
	v.pending = p

	return hv.Exit{
		Kind: hv.ExitMMIO,
		PC:   pc,
		MMIO: &hv.MMIOAccess{Address: gpa, IsWrite: p.write, Data: p.data[:p.size]},
	}, nil
}

// Close implements hv.VirtualCPU. Must run on the creating thread.
func (v *virtualCPU) Close() error {
	if v.closed {
		return nil
	}
	v.closed = true
	v.vm.forgetVCPU(v.id)

	if err := bindings.VcpuDestroy(v.handle); err != nil {
		return fmt.Errorf("hvf: destroy vCPU %d: %w", v.id, err)
	}
	return nil
}

var (
	_ hv.VirtualCPU = &virtualCPU{}
)
