package hvtest

import (
	"context"
	"encoding/binary"
	"fmt"
	"slices"

	"github.com/obhq/obvmm/internal/hv"
)

// cancelCheckInterval is how many instructions run between context checks.
const cancelCheckInterval = 256

const flagZF = 1 << 6

type pendingRead struct {
	io   bool
	data []byte
}

type VirtualCPU struct {
	vm *VirtualMachine
	id int

	regs       map[hv.Register]uint64
	singleStep bool
	hwBreaks   []uint64
	longMode   bool

	buf       [8]byte
	pending   *pendingRead
	stepAfter bool
	closed    bool
}

// implements hv.VirtualCPU.
func (c *VirtualCPU) VirtualMachine() hv.VirtualMachine { return c.vm }
func (c *VirtualCPU) ID() int                           { return c.id }

func supported(reg hv.Register) bool {
	return reg >= hv.RegisterAMD64Rax && reg <= hv.RegisterAMD64Efer
}

// SetRegisters implements hv.VirtualCPU.
func (c *VirtualCPU) SetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	for reg, value := range regs {
		if !supported(reg) {
			return fmt.Errorf("hvtest: set register %s: %w", reg, hv.ErrUnsupported)
		}
		v, ok := value.(hv.Register64)
		if !ok {
			return fmt.Errorf("hvtest: set register %s: unsupported value type %T", reg, value)
		}
		c.regs[reg] = uint64(v)
	}
	return nil
}

// GetRegisters implements hv.VirtualCPU.
func (c *VirtualCPU) GetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	for reg := range regs {
		if !supported(reg) {
			return fmt.Errorf("hvtest: get register %s: %w", reg, hv.ErrUnsupported)
		}
		regs[reg] = hv.Register64(c.regs[reg])
	}
	return nil
}

// SetSingleStep implements hv.VirtualCPU.
func (c *VirtualCPU) SetSingleStep(enable bool) error {
	if !c.vm.config.Debug {
		return fmt.Errorf("hvtest: single step without debug support: %w", hv.ErrUnsupported)
	}
	c.singleStep = enable
	return nil
}

// SetHardwareBreakpoint implements hv.VirtualCPU.
func (c *VirtualCPU) SetHardwareBreakpoint(addr uint64) error {
	slots := c.vm.hv.HardwareBreakpoints
	if slots == 0 || !c.vm.config.Debug {
		return fmt.Errorf("hvtest: hardware breakpoint: %w", hv.ErrUnsupported)
	}
	if slices.Contains(c.hwBreaks, addr) {
		return nil
	}
	if len(c.hwBreaks) >= slots {
		return fmt.Errorf("hvtest: hardware breakpoint %#x: %w", addr, hv.ErrResourceLimit)
	}
	c.hwBreaks = append(c.hwBreaks, addr)
	return nil
}

// ClearHardwareBreakpoint implements hv.VirtualCPU.
func (c *VirtualCPU) ClearHardwareBreakpoint(addr uint64) error {
	i := slices.Index(c.hwBreaks, addr)
	if i < 0 {
		return fmt.Errorf("hvtest: hardware breakpoint %#x: %w", addr, hv.ErrNotMapped)
	}
	c.hwBreaks = slices.Delete(c.hwBreaks, i, i+1)
	return nil
}

// HardwareBreakpoints returns the addresses armed on this vCPU.
func (c *VirtualCPU) HardwareBreakpoints() []uint64 {
	return slices.Clone(c.hwBreaks)
}

// TranslateAddress implements hv.VirtualCPU. Guests of the fake backend run
// identity mapped.
func (c *VirtualCPU) TranslateAddress(vaddr uint64) (uint64, error) {
	if !c.vm.Mapped(vaddr) {
		return 0, fmt.Errorf("hvtest: translate %#x: %w", vaddr, hv.ErrNotMapped)
	}
	return vaddr, nil
}

// SetLongMode implements hv.VirtualCPUAmd64.
func (c *VirtualCPU) SetLongMode(pml4 uint64) error {
	c.regs[hv.RegisterAMD64Cr3] = pml4
	c.regs[hv.RegisterAMD64Cr0] = 0x80000011
	c.regs[hv.RegisterAMD64Cr4] = 0x20
	c.regs[hv.RegisterAMD64Efer] = 0x500
	c.longMode = true
	return nil
}

// LongMode reports whether SetLongMode was called.
func (c *VirtualCPU) LongMode() bool { return c.longMode }

// Close implements hv.VirtualCPU.
func (c *VirtualCPU) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true

	c.vm.mu.Lock()
	delete(c.vm.vcpus, c.id)
	c.vm.mu.Unlock()

	return nil
}

// Run implements hv.VirtualCPU.
func (c *VirtualCPU) Run(ctx context.Context) (hv.Exit, error) {
	if c.closed {
		return hv.Exit{}, fmt.Errorf("hvtest: run closed vCPU %d: %w", c.id, hv.ErrInvalidState)
	}
	c.vm.countRun(c.id)

	if p := c.pending; p != nil {
		c.pending = nil
		c.setAL(p.data[0])
	}
	if c.stepAfter {
		c.stepAfter = false
		if c.singleStep {
			return c.debugExit(hv.DebugStep), nil
		}
	}

	for n := 0; ; n++ {
		if n%cancelCheckInterval == 0 && ctx.Err() != nil {
			return hv.Exit{Kind: hv.ExitCanceled, PC: c.rip()}, nil
		}

		if c.vm.config.Debug && slices.Contains(c.hwBreaks, c.rip()) {
			return c.debugExit(hv.DebugHardwareBreakpoint), nil
		}

		exit, stop := c.step(ctx)
		if stop {
			if c.singleStep && (exit.Kind == hv.ExitIO || exit.Kind == hv.ExitMMIO) {
				c.stepAfter = true
			}
			return exit, nil
		}
		if c.singleStep {
			return c.debugExit(hv.DebugStep), nil
		}
	}
}

func (c *VirtualCPU) rip() uint64 { return c.regs[hv.RegisterAMD64Rip] }

func (c *VirtualCPU) advance(n uint64) { c.regs[hv.RegisterAMD64Rip] += n }

func (c *VirtualCPU) setAL(b byte) {
	c.regs[hv.RegisterAMD64Rax] = c.regs[hv.RegisterAMD64Rax]&^0xff | uint64(b)
}

func (c *VirtualCPU) debugExit(cause hv.DebugCause) hv.Exit {
	return hv.Exit{Kind: hv.ExitDebug, PC: c.rip(), Debug: cause}
}

func (c *VirtualCPU) fatal(format string, args ...any) (hv.Exit, bool) {
	return hv.Exit{Kind: hv.ExitFatal, PC: c.rip(), Detail: fmt.Sprintf(format, args...)}, true
}

// step executes one instruction. It returns true when the instruction
// produced an exit.
func (c *VirtualCPU) step(ctx context.Context) (hv.Exit, bool) {
	pc := c.rip()

	var op [1]byte
	if err := c.vm.ReadPhysical(pc, op[:]); err != nil {
		return hv.Exit{Kind: hv.ExitUnknown, PC: pc, Detail: "instruction fetch from unbacked memory"}, true
	}

	switch op[0] {
	case 0x90:
		c.advance(1)
	case 0xf4:
		c.advance(1)
		return hv.Exit{Kind: hv.ExitHalt, PC: c.rip()}, true
	case 0xcc:
		if !c.vm.config.Debug {
			return c.fatal("unhandled #BP")
		}
		return c.debugExit(hv.DebugSoftwareBreakpoint), true
	case 0xeb:
		rel, err := c.imm8(pc)
		if err != nil {
			return c.fatal("truncated jmp")
		}
		if rel == 0xfe && !c.singleStep {
			<-ctx.Done()
			return hv.Exit{Kind: hv.ExitCanceled, PC: pc}, true
		}
		c.regs[hv.RegisterAMD64Rip] = pc + 2 + uint64(int64(int8(rel)))
	case 0x85:
		modrm, err := c.imm8(pc)
		if err != nil || modrm != 0xf6 {
			return c.fatal("unsupported test form")
		}
		flags := c.regs[hv.RegisterAMD64Rflags] &^ flagZF
		if uint32(c.regs[hv.RegisterAMD64Rsi]) == 0 {
			flags |= flagZF
		}
		c.regs[hv.RegisterAMD64Rflags] = flags
		c.advance(2)
	case 0x74, 0x75:
		rel, err := c.imm8(pc)
		if err != nil {
			return c.fatal("truncated jcc")
		}
		zero := c.regs[hv.RegisterAMD64Rflags]&flagZF != 0
		if zero == (op[0] == 0x74) {
			c.regs[hv.RegisterAMD64Rip] = pc + 2 + uint64(int64(int8(rel)))
		} else {
			c.advance(2)
		}
	case 0xb0:
		imm, err := c.imm8(pc)
		if err != nil {
			return c.fatal("truncated mov")
		}
		c.setAL(imm)
		c.advance(2)
	case 0xba:
		var imm [4]byte
		if err := c.vm.ReadPhysical(pc+1, imm[:]); err != nil {
			return c.fatal("truncated mov")
		}
		c.regs[hv.RegisterAMD64Rdx] = uint64(binary.LittleEndian.Uint32(imm[:]))
		c.advance(5)
	case 0xe4, 0xe6:
		port, err := c.imm8(pc)
		if err != nil {
			return c.fatal("truncated port access")
		}
		c.advance(2)
		return c.port(pc, uint16(port), op[0] == 0xe6), true
	case 0xec, 0xee:
		c.advance(1)
		return c.port(pc, uint16(c.regs[hv.RegisterAMD64Rdx]), op[0] == 0xee), true
	case 0xa0, 0xa2:
		return c.moffs(pc, op[0] == 0xa2)
	case 0x0f:
		var op2 [1]byte
		if err := c.vm.ReadPhysical(pc+1, op2[:]); err == nil && op2[0] == 0x0b {
			return c.fatal("invalid opcode (#UD)")
		}
		return c.fatal("unsupported opcode 0f %02x", op2[0])
	default:
		return c.fatal("unsupported opcode %02x", op[0])
	}

	return hv.Exit{}, false
}

func (c *VirtualCPU) port(pc uint64, port uint16, write bool) hv.Exit {
	io := &hv.IOAccess{Port: port, Size: 1, IsWrite: write, Data: c.buf[:1]}
	if write {
		c.buf[0] = byte(c.regs[hv.RegisterAMD64Rax])
	} else {
		c.pending = &pendingRead{io: true, data: io.Data}
	}
	return hv.Exit{Kind: hv.ExitIO, PC: pc, IO: io}
}

func (c *VirtualCPU) imm8(pc uint64) (byte, error) {
	var b [1]byte
	err := c.vm.ReadPhysical(pc+1, b[:])
	return b[0], err
}

func (c *VirtualCPU) moffs(pc uint64, write bool) (hv.Exit, bool) {
	var raw [8]byte
	if err := c.vm.ReadPhysical(pc+1, raw[:]); err != nil {
		return c.fatal("truncated moffs")
	}
	addr := binary.LittleEndian.Uint64(raw[:])
	c.advance(9)

	al := []byte{byte(c.regs[hv.RegisterAMD64Rax])}
	if write {
		if err := c.vm.WritePhysical(addr, al); err == nil {
			return hv.Exit{}, false
		}
		c.buf[0] = al[0]
		return hv.Exit{Kind: hv.ExitMMIO, PC: pc, MMIO: &hv.MMIOAccess{Address: addr, IsWrite: true, Data: c.buf[:1]}}, true
	}

	if err := c.vm.ReadPhysical(addr, al); err == nil {
		c.setAL(al[0])
		return hv.Exit{}, false
	}
	access := &hv.MMIOAccess{Address: addr, Data: c.buf[:1]}
	c.pending = &pendingRead{data: access.Data}
	return hv.Exit{Kind: hv.ExitMMIO, PC: pc, MMIO: access}, true
}

var (
	_ hv.VirtualCPUAmd64 = &VirtualCPU{}
)
