//go:build windows && amd64

package whp

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"unsafe"

	"github.com/obhq/obvmm/internal/hv"
	"github.com/obhq/obvmm/internal/hv/whp/bindings"
	"golang.org/x/arch/x86/x86asm"
)

var whpRegisterMap = map[hv.Register]bindings.RegisterName{
	hv.RegisterAMD64Rax:    bindings.RegisterRax,
	hv.RegisterAMD64Rbx:    bindings.RegisterRbx,
	hv.RegisterAMD64Rcx:    bindings.RegisterRcx,
	hv.RegisterAMD64Rdx:    bindings.RegisterRdx,
	hv.RegisterAMD64Rsi:    bindings.RegisterRsi,
	hv.RegisterAMD64Rdi:    bindings.RegisterRdi,
	hv.RegisterAMD64Rsp:    bindings.RegisterRsp,
	hv.RegisterAMD64Rbp:    bindings.RegisterRbp,
	hv.RegisterAMD64R8:     bindings.RegisterR8,
	hv.RegisterAMD64R9:     bindings.RegisterR9,
	hv.RegisterAMD64R10:    bindings.RegisterR10,
	hv.RegisterAMD64R11:    bindings.RegisterR11,
	hv.RegisterAMD64R12:    bindings.RegisterR12,
	hv.RegisterAMD64R13:    bindings.RegisterR13,
	hv.RegisterAMD64R14:    bindings.RegisterR14,
	hv.RegisterAMD64R15:    bindings.RegisterR15,
	hv.RegisterAMD64Rip:    bindings.RegisterRip,
	hv.RegisterAMD64Rflags: bindings.RegisterRflags,
	hv.RegisterAMD64Cs:     bindings.RegisterCs,
	hv.RegisterAMD64Ss:     bindings.RegisterSs,
	hv.RegisterAMD64Ds:     bindings.RegisterDs,
	hv.RegisterAMD64Es:     bindings.RegisterEs,
	hv.RegisterAMD64Fs:     bindings.RegisterFs,
	hv.RegisterAMD64Gs:     bindings.RegisterGs,
	hv.RegisterAMD64Cr0:    bindings.RegisterCr0,
	hv.RegisterAMD64Cr2:    bindings.RegisterCr2,
	hv.RegisterAMD64Cr3:    bindings.RegisterCr3,
	hv.RegisterAMD64Cr4:    bindings.RegisterCr4,
	hv.RegisterAMD64Efer:   bindings.RegisterEfer,
}

func isSegment(name bindings.RegisterName) bool {
	return name >= bindings.RegisterEs && name <= bindings.RegisterGs
}

const (
	rflagsTF       = 1 << 8
	dr6SingleStep  = 1 << 14
	dr6BpMask      = 0xf
	dr7GlobalExact = 1 << 9
	hwBreakpoints  = 4

	exceptionDebug      = 1
	exceptionBreakpoint = 3
)

// pendingAccess is a read exit whose value the host has not supplied yet.
// The faulting instruction is completed by the emulator on the next Run.
type pendingAccess struct {
	exit bindings.RunVPExitContext
	data []byte
}

type virtualCPU struct {
	vm     *virtualMachine
	id     int
	closed bool

	exit    bindings.RunVPExitContext
	buf     [8]byte
	pending *pendingAccess
	// mmioSize is the width of the last emulated MMIO write.
	mmioSize int
	// emuErr is set by emulator callbacks, which can only report an HRESULT.
	emuErr error

	singleStep bool
	hwAddr     [hwBreakpoints]uint64
	hwUsed     [hwBreakpoints]bool
}

// implements hv.VirtualCPU.
func (v *virtualCPU) ID() int                           { return v.id }
func (v *virtualCPU) VirtualMachine() hv.VirtualMachine { return v.vm }

func (v *virtualCPU) getNamed(names []bindings.RegisterName) ([]bindings.RegisterValue, error) {
	values := make([]bindings.RegisterValue, len(names))
	if err := bindings.GetVirtualProcessorRegisters(v.vm.part, uint32(v.id), names, values); err != nil {
		return nil, fmt.Errorf("whp: get registers: %w", err)
	}
	return values, nil
}

func (v *virtualCPU) setNamed(names []bindings.RegisterName, values []bindings.RegisterValue) error {
	if err := bindings.SetVirtualProcessorRegisters(v.vm.part, uint32(v.id), names, values); err != nil {
		return fmt.Errorf("whp: set registers: %w", err)
	}
	return nil
}

// GetRegisters implements hv.VirtualCPU.
func (v *virtualCPU) GetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	keys := make([]hv.Register, 0, len(regs))
	names := make([]bindings.RegisterName, 0, len(regs))
	for reg := range regs {
		name, ok := whpRegisterMap[reg]
		if !ok {
			return fmt.Errorf("whp: unsupported register %v", reg)
		}
		keys = append(keys, reg)
		names = append(names, name)
	}

	values, err := v.getNamed(names)
	if err != nil {
		return err
	}

	for i, reg := range keys {
		if isSegment(names[i]) {
			regs[reg] = hv.Register64(values[i].Segment().Selector)
		} else {
			regs[reg] = hv.Register64(values[i].Uint64())
		}
	}

	return nil
}

// SetRegisters implements hv.VirtualCPU. Segment registers only take a new
// selector; the cached descriptor is kept.
func (v *virtualCPU) SetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	keys := make([]hv.Register, 0, len(regs))
	names := make([]bindings.RegisterName, 0, len(regs))
	for reg := range regs {
		name, ok := whpRegisterMap[reg]
		if !ok {
			return fmt.Errorf("whp: unsupported register %v", reg)
		}
		keys = append(keys, reg)
		names = append(names, name)
	}

	values, err := v.getNamed(names)
	if err != nil {
		return err
	}

	for i, reg := range keys {
		r64, ok := regs[reg].(hv.Register64)
		if !ok {
			return fmt.Errorf("whp: unsupported register value type %T for register %v", regs[reg], reg)
		}
		if isSegment(names[i]) {
			values[i].Segment().Selector = uint16(r64)
		} else {
			values[i].SetUint64(uint64(r64))
		}
	}

	return v.setNamed(names, values)
}

func (v *virtualCPU) applyDebugRegisters() error {
	var dr7 uint64
	names := make([]bindings.RegisterName, 0, hwBreakpoints+1)
	values := make([]bindings.RegisterValue, 0, hwBreakpoints+1)

	for i := range hwBreakpoints {
		var val bindings.RegisterValue
		if v.hwUsed[i] {
			val.SetUint64(v.hwAddr[i])
			dr7 |= 1 << (i * 2)
		}
		names = append(names, bindings.DebugAddressRegisters[i])
		values = append(values, val)
	}
	if dr7 != 0 {
		dr7 |= dr7GlobalExact
	}

	var val bindings.RegisterValue
	val.SetUint64(dr7)
	names = append(names, bindings.RegisterDr7)
	values = append(values, val)

	return v.setNamed(names, values)
}

// SetSingleStep implements hv.VirtualCPU by toggling RFLAGS.TF.
func (v *virtualCPU) SetSingleStep(enable bool) error {
	if !v.vm.config.Debug {
		return fmt.Errorf("whp: single step: %w", hv.ErrUnsupported)
	}

	names := []bindings.RegisterName{bindings.RegisterRflags}
	values, err := v.getNamed(names)
	if err != nil {
		return err
	}

	flags := values[0].Uint64()
	if enable {
		flags |= rflagsTF
	} else {
		flags &^= rflagsTF
	}
	values[0].SetUint64(flags)

	if err := v.setNamed(names, values); err != nil {
		return err
	}
	v.singleStep = enable

	return nil
}

// SetHardwareBreakpoint implements hv.VirtualCPU.
func (v *virtualCPU) SetHardwareBreakpoint(addr uint64) error {
	if !v.vm.config.Debug {
		return fmt.Errorf("whp: hardware breakpoint: %w", hv.ErrUnsupported)
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
		return fmt.Errorf("whp: hardware breakpoint %#x: %w", addr, hv.ErrResourceLimit)
	}

	v.hwAddr[slot], v.hwUsed[slot] = addr, true
	if err := v.applyDebugRegisters(); err != nil {
		v.hwUsed[slot] = false
		return err
	}

	return nil
}

// ClearHardwareBreakpoint implements hv.VirtualCPU.
func (v *virtualCPU) ClearHardwareBreakpoint(addr uint64) error {
	for i := range hwBreakpoints {
		if v.hwUsed[i] && v.hwAddr[i] == addr {
			v.hwUsed[i] = false
			if err := v.applyDebugRegisters(); err != nil {
				v.hwUsed[i] = true
				return err
			}
			return nil
		}
	}

	return fmt.Errorf("whp: hardware breakpoint %#x: %w", addr, hv.ErrNotMapped)
}

// TranslateAddress implements hv.VirtualCPU.
func (v *virtualCPU) TranslateAddress(vaddr uint64) (uint64, error) {
	gpa, code, err := bindings.TranslateGVA(v.vm.part, uint32(v.id), bindings.GuestVirtualAddress(vaddr),
		bindings.TranslateGVAFlagValidateRead|bindings.TranslateGVAFlagPrivilegeExempt)
	if err != nil {
		return 0, fmt.Errorf("whp: translate %#x: %w", vaddr, err)
	}
	if code != bindings.TranslateGVAResultSuccess {
		return 0, fmt.Errorf("whp: translate %#x (result %d): %w", vaddr, code, hv.ErrNotMapped)
	}
	return uint64(gpa), nil
}

// Run implements hv.VirtualCPU.
func (v *virtualCPU) Run(ctx context.Context) (hv.Exit, error) {
	if v.closed {
		return hv.Exit{}, fmt.Errorf("whp: run vCPU %d: closed: %w", v.id, hv.ErrInvalidState)
	}

	if err := v.completePending(); err != nil {
		return hv.Exit{}, err
	}

	if ctx.Err() != nil {
		return hv.Exit{Kind: hv.ExitCanceled}, nil
	}

	stopNotify := context.AfterFunc(ctx, func() {
		if err := bindings.CancelRunVirtualProcessor(v.vm.part, uint32(v.id)); err != nil {
			slog.Warn("whp: cancel run", "vcpu", v.id, "error", err)
		}
	})
	defer stopNotify()

	for {
		if err := bindings.RunVirtualProcessor(v.vm.part, uint32(v.id), &v.exit); err != nil {
			return hv.Exit{}, fmt.Errorf("whp: run vCPU %d: %w", v.id, err)
		}

		// a cancel that raced a previous exit
		if v.exit.ExitReason == bindings.RunVPExitReasonCanceled && ctx.Err() == nil {
			continue
		}

		return v.classifyExit(&v.exit)
	}
}

func (v *virtualCPU) classifyExit(exit *bindings.RunVPExitContext) (hv.Exit, error) {
	pc := exit.VpContext.Rip

	switch exit.ExitReason {
	case bindings.RunVPExitReasonX64Halt:
		return hv.Exit{Kind: hv.ExitHalt, PC: pc}, nil
	case bindings.RunVPExitReasonCanceled:
		return hv.Exit{Kind: hv.ExitCanceled, PC: pc}, nil
	case bindings.RunVPExitReasonX64IoPortAccess:
		return v.ioExit(exit)
	case bindings.RunVPExitReasonMemoryAccess:
		return v.mmioExit(exit)
	case bindings.RunVPExitReasonException:
		return v.exceptionExit(exit)
	case bindings.RunVPExitReasonUnrecoverableException:
		return hv.Exit{Kind: hv.ExitFatal, PC: pc, Detail: "unrecoverable exception"}, nil
	case bindings.RunVPExitReasonInvalidVpRegisterValue:
		return hv.Exit{Kind: hv.ExitFatal, PC: pc, Detail: "invalid register state"}, nil
	case bindings.RunVPExitReasonUnsupportedFeature:
		return hv.Exit{Kind: hv.ExitFatal, PC: pc, Detail: "unsupported feature"}, nil
	default:
		return hv.Exit{Kind: hv.ExitUnknown, PC: pc, Detail: exit.ExitReason.String()}, nil
	}
}

func (v *virtualCPU) ioExit(exit *bindings.RunVPExitContext) (hv.Exit, error) {
	io := exit.IoPortAccess()
	pc := exit.VpContext.Rip

	if io.StringOp() {
		return hv.Exit{Kind: hv.ExitFatal, PC: pc, Detail: fmt.Sprintf("string I/O on port %#x", io.Port)}, nil
	}

	size := io.AccessSize()
	access := &hv.IOAccess{Port: io.Port, Size: size, IsWrite: io.IsWrite()}

	if access.IsWrite {
		// the emulator hands us the value and retires the instruction
		if err := v.emulate(exit); err != nil {
			return hv.Exit{}, err
		}
		access.Data = v.buf[:size]
	} else {
		v.pending = &pendingAccess{exit: *exit, data: make([]byte, size)}
		access.Data = v.pending.data
	}

	return hv.Exit{Kind: hv.ExitIO, PC: pc, IO: access}, nil
}

func (v *virtualCPU) mmioExit(exit *bindings.RunVPExitContext) (hv.Exit, error) {
	mem := exit.MemoryAccess()
	pc := exit.VpContext.Rip
	access := &hv.MMIOAccess{Address: uint64(mem.Gpa), IsWrite: mem.IsWrite()}

	if access.IsWrite {
		clear(v.buf[:])
		if err := v.emulate(exit); err != nil {
			return hv.Exit{}, err
		}
		access.Data = v.buf[:v.mmioSize]
		return hv.Exit{Kind: hv.ExitMMIO, PC: pc, MMIO: access}, nil
	}

	size, err := memoryOperandSize(mem.InstructionBytes[:mem.InstructionByteCount])
	if err != nil {
		return hv.Exit{Kind: hv.ExitFatal, PC: pc, Detail: fmt.Sprintf("mmio read at %#x: %v", access.Address, err)}, nil
	}

	v.pending = &pendingAccess{exit: *exit, data: make([]byte, size)}
	access.Data = v.pending.data

	return hv.Exit{Kind: hv.ExitMMIO, PC: pc, MMIO: access}, nil
}

// memoryOperandSize decodes the faulting instruction to learn how many bytes
// a read from an unbacked address has to produce.
func memoryOperandSize(code []byte) (int, error) {
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return 0, fmt.Errorf("decode: %w", err)
	}
	if inst.MemBytes <= 0 || inst.MemBytes > 8 {
		return 0, fmt.Errorf("unsupported operand size %d for %s", inst.MemBytes, inst.Op)
	}
	return inst.MemBytes, nil
}

func (v *virtualCPU) completePending() error {
	if v.pending == nil {
		return nil
	}
	p := v.pending
	v.pending = nil

	copy(v.buf[:], p.data)
	return v.emulate(&p.exit)
}

// emulate runs the instruction emulator over the exit. For writes the value
// lands in v.buf; for reads v.buf is returned to the guest.
func (v *virtualCPU) emulate(exit *bindings.RunVPExitContext) error {
	emu, err := sharedEmulator()
	if err != nil {
		return err
	}

	v.emuErr = nil
	v.mmioSize = 0

	var status bindings.EmulatorStatus
	switch exit.ExitReason {
	case bindings.RunVPExitReasonX64IoPortAccess:
		status, err = emu.TryIo(unsafe.Pointer(v), &exit.VpContext, exit.IoPortAccess())
	case bindings.RunVPExitReasonMemoryAccess:
		status, err = emu.TryMmio(unsafe.Pointer(v), &exit.VpContext, exit.MemoryAccess())
	default:
		return fmt.Errorf("whp: cannot emulate %s", exit.ExitReason)
	}
	if err != nil {
		return fmt.Errorf("whp: emulate %s: %w", exit.ExitReason, err)
	}
	if v.emuErr != nil {
		return v.emuErr
	}
	if !status.Ok() {
		return fmt.Errorf("whp: emulate %s at rip %#x failed: %s", exit.ExitReason, exit.VpContext.Rip, status)
	}

	return nil
}

func (v *virtualCPU) emulateIO(access *bindings.EmulatorIOAccessInfo) bindings.HRESULT {
	n := int(access.AccessSize)
	if n > 4 {
		v.emuErr = fmt.Errorf("whp: io access size %d", n)
		return bindings.HRESULTInvalidArg
	}

	var word [4]byte
	if access.Direction == 1 {
		binary.LittleEndian.PutUint32(word[:], access.Data)
		copy(v.buf[:], word[:n])
	} else {
		copy(word[:n], v.buf[:n])
		access.Data = binary.LittleEndian.Uint32(word[:])
	}

	return 0
}

func (v *virtualCPU) emulateMemory(access *bindings.EmulatorMemoryAccessInfo) bindings.HRESULT {
	n := int(access.AccessSize)
	if n > len(access.Data) {
		v.emuErr = fmt.Errorf("whp: memory access size %d", n)
		return bindings.HRESULTInvalidArg
	}

	// instruction fetches and operands that hit RAM go straight to memory
	if r := v.vm.regionFor(access.GpaAddress, n); r != nil {
		off := access.GpaAddress - r.gpa
		if access.Direction == 1 {
			copy(r.mem[off:], access.Data[:n])
		} else {
			copy(access.Data[:n], r.mem[off:])
		}
		return 0
	}

	if access.Direction == 1 {
		copy(v.buf[:], access.Data[:n])
		v.mmioSize = n
	} else {
		copy(access.Data[:n], v.buf[:n])
	}

	return 0
}

func (v *virtualCPU) emulatorRegisters(names []bindings.RegisterName, values []bindings.RegisterValue, set bool) bindings.HRESULT {
	var err error
	if set {
		err = bindings.SetVirtualProcessorRegisters(v.vm.part, uint32(v.id), names, values)
	} else {
		err = bindings.GetVirtualProcessorRegisters(v.vm.part, uint32(v.id), names, values)
	}
	if err != nil {
		v.emuErr = fmt.Errorf("whp: emulator register access: %w", err)
		return bindings.HRESULTFail
	}
	return 0
}

func (v *virtualCPU) emulatorTranslate(gva bindings.GuestVirtualAddress, flags bindings.TranslateGVAFlags, result *bindings.TranslateGVAResultCode, gpa *bindings.GuestPhysicalAddress) bindings.HRESULT {
	out, code, err := bindings.TranslateGVA(v.vm.part, uint32(v.id), gva, flags)
	if err != nil {
		v.emuErr = fmt.Errorf("whp: emulator translate %#x: %w", gva, err)
		return bindings.HRESULTFail
	}
	*result = code
	*gpa = out
	return 0
}

func (v *virtualCPU) exceptionExit(exit *bindings.RunVPExitContext) (hv.Exit, error) {
	ex := exit.VpException()
	pc := exit.VpContext.Rip

	switch ex.ExceptionType {
	case exceptionBreakpoint:
		return hv.Exit{Kind: hv.ExitDebug, PC: pc, Debug: hv.DebugSoftwareBreakpoint}, nil
	case exceptionDebug:
		cause, err := v.debugCause()
		if err != nil {
			return hv.Exit{}, err
		}
		return hv.Exit{Kind: hv.ExitDebug, PC: pc, Debug: cause}, nil
	default:
		return hv.Exit{Kind: hv.ExitFatal, PC: pc, Detail: fmt.Sprintf("exception %d (error code %#x)", ex.ExceptionType, ex.ErrorCode)}, nil
	}
}

// debugCause reads and acknowledges DR6.
func (v *virtualCPU) debugCause() (hv.DebugCause, error) {
	names := []bindings.RegisterName{bindings.RegisterDr6}
	values, err := v.getNamed(names)
	if err != nil {
		return hv.DebugNone, err
	}
	dr6 := values[0].Uint64()

	values[0].SetUint64(0)
	if err := v.setNamed(names, values); err != nil {
		return hv.DebugNone, err
	}

	switch {
	case dr6&dr6BpMask != 0:
		return hv.DebugHardwareBreakpoint, nil
	case dr6&dr6SingleStep != 0 || v.singleStep:
		return hv.DebugStep, nil
	default:
		return hv.DebugNone, nil
	}
}

// CR0 bits
const (
	cr0_PE = 1
	cr0_MP = 1 << 1
	cr0_ET = 1 << 4
	cr0_NE = 1 << 5
	cr0_WP = 1 << 16
	cr0_AM = 1 << 18
	cr0_PG = 1 << 31
)

// CR4 bits
const (
	cr4_PAE        = 1 << 5
	cr4_OSFXSR     = 1 << 9
	cr4_OSXMMEXCPT = 1 << 10
)

// EFER bits
const (
	efer_SCE = 1
	efer_LME = 1 << 8
	efer_LMA = 1 << 10
	efer_NXE = 1 << 11
)

// Segment attribute words: type | S | P | L | D/B | G.
const (
	codeSegmentAttributes = 0xb | 1<<4 | 1<<7 | 1<<13 | 1<<15
	dataSegmentAttributes = 0x3 | 1<<4 | 1<<7 | 1<<14 | 1<<15
	tssAttributes         = 0xb | 1<<7

	codeSelector = 0x8
	dataSelector = 0x10
)

// SetLongMode implements hv.VirtualCPUAmd64.
func (v *virtualCPU) SetLongMode(pml4 uint64) error {
	var names []bindings.RegisterName
	var values []bindings.RegisterValue

	add := func(name bindings.RegisterName, value uint64) {
		var val bindings.RegisterValue
		val.SetUint64(value)
		names = append(names, name)
		values = append(values, val)
	}
	addSegment := func(name bindings.RegisterName, seg bindings.X64SegmentRegister) {
		var val bindings.RegisterValue
		*val.Segment() = seg
		names = append(names, name)
		values = append(values, val)
	}

	add(bindings.RegisterCr3, pml4)
	add(bindings.RegisterCr4, cr4_PAE|cr4_OSFXSR|cr4_OSXMMEXCPT)
	add(bindings.RegisterCr0, cr0_PE|cr0_MP|cr0_ET|cr0_NE|cr0_WP|cr0_AM|cr0_PG)
	add(bindings.RegisterEfer, efer_SCE|efer_LME|efer_LMA|efer_NXE)
	add(bindings.RegisterRflags, 0x2)

	addSegment(bindings.RegisterCs, bindings.X64SegmentRegister{Limit: 0xffffffff, Selector: codeSelector, Attributes: codeSegmentAttributes})
	data := bindings.X64SegmentRegister{Limit: 0xffffffff, Selector: dataSelector, Attributes: dataSegmentAttributes}
	for _, name := range []bindings.RegisterName{bindings.RegisterDs, bindings.RegisterEs, bindings.RegisterFs, bindings.RegisterGs, bindings.RegisterSs} {
		addSegment(name, data)
	}
	addSegment(bindings.RegisterTr, bindings.X64SegmentRegister{Limit: 0x67, Attributes: tssAttributes})

	return v.setNamed(names, values)
}

func (v *virtualCPU) release() {
	if v.closed {
		return
	}
	v.closed = true

	if err := bindings.DeleteVirtualProcessor(v.vm.part, uint32(v.id)); err != nil {
		slog.Error("whp: delete virtual processor", "vcpu", v.id, "error", err)
	}
}

// Close implements hv.VirtualCPU.
func (v *virtualCPU) Close() error {
	if v.closed {
		return nil
	}
	v.vm.forgetVCPU(v.id)
	v.release()
	return nil
}

var (
	_ hv.VirtualCPU      = &virtualCPU{}
	_ hv.VirtualCPUAmd64 = &virtualCPU{}
)
