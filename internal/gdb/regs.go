package gdb

import (
	_ "embed"
	"encoding/binary"
	"fmt"

	"github.com/obhq/obvmm/internal/hv"
)

var (
	//go:embed amd64.xml
	amd64XML []byte

	//go:embed arm64.xml
	arm64XML []byte
)

// regDesc is one register of a target description. Registers with no
// hv.Register read as zero and ignore writes.
type regDesc struct {
	name string
	bits int
	reg  hv.Register
}

func (r regDesc) size() int { return r.bits / 8 }

type layout struct {
	xml  []byte
	regs []regDesc
	pc   int
}

var (
	amd64Layout = buildAMD64Layout()
	arm64Layout = buildARM64Layout()
)

func buildAMD64Layout() *layout {
	names := []string{"rax", "rbx", "rcx", "rdx", "rsi", "rdi", "rbp", "rsp"}
	l := &layout{xml: amd64XML}
	for i, reg := range hv.AMD64GeneralRegisters {
		name := fmt.Sprintf("r%d", i)
		if i < len(names) {
			name = names[i]
		}
		l.regs = append(l.regs, regDesc{name, 64, reg})
	}
	l.pc = len(l.regs)
	l.regs = append(l.regs,
		regDesc{"rip", 64, hv.RegisterAMD64Rip},
		regDesc{"eflags", 32, hv.RegisterAMD64Rflags},
	)
	for _, reg := range hv.AMD64SegmentRegisters {
		l.regs = append(l.regs, regDesc{reg.String(), 32, reg})
	}
	for i := range 8 {
		l.regs = append(l.regs, regDesc{fmt.Sprintf("st%d", i), 80, hv.RegisterInvalid})
	}
	for _, name := range []string{"fctrl", "fstat", "ftag", "fiseg", "fioff", "foseg", "fooff", "fop"} {
		l.regs = append(l.regs, regDesc{name, 32, hv.RegisterInvalid})
	}
	for i := range 16 {
		l.regs = append(l.regs, regDesc{fmt.Sprintf("xmm%d", i), 128, hv.RegisterInvalid})
	}
	l.regs = append(l.regs, regDesc{"mxcsr", 32, hv.RegisterInvalid})
	return l
}

func buildARM64Layout() *layout {
	l := &layout{xml: arm64XML}
	for _, reg := range hv.ARM64GeneralRegisters {
		l.regs = append(l.regs, regDesc{reg.String(), 64, reg})
	}
	l.regs = append(l.regs, regDesc{"sp", 64, hv.RegisterARM64Sp})
	l.pc = len(l.regs)
	l.regs = append(l.regs,
		regDesc{"pc", 64, hv.RegisterARM64Pc},
		regDesc{"cpsr", 32, hv.RegisterARM64Pstate},
	)
	return l
}

func layoutFor(arch hv.CpuArchitecture) (*layout, error) {
	switch arch {
	case hv.ArchitectureX86_64:
		return amd64Layout, nil
	case hv.ArchitectureARM64:
		return arm64Layout, nil
	default:
		return nil, fmt.Errorf("gdb: %w: architecture %s", hv.ErrUnsupported, arch)
	}
}

// request returns a map asking for every backed register.
func (l *layout) request() map[hv.Register]hv.RegisterValue {
	regs := make(map[hv.Register]hv.RegisterValue, len(l.regs))
	for _, r := range l.regs {
		if r.reg != hv.RegisterInvalid {
			regs[r.reg] = nil
		}
	}
	return regs
}

// encode appends the target byte order encoding of one register.
func (r regDesc) encode(buf []byte, regs map[hv.Register]hv.RegisterValue) []byte {
	raw := make([]byte, max(r.size(), 8))
	if v, ok := regs[r.reg].(hv.Register64); ok {
		binary.LittleEndian.PutUint64(raw, uint64(v))
	}
	return append(buf, raw[:r.size()]...)
}

// decode reads one register from raw into regs. Unbacked registers are
// skipped.
func (r regDesc) decode(raw []byte, regs map[hv.Register]hv.RegisterValue) {
	if r.reg == hv.RegisterInvalid {
		return
	}
	var v [8]byte
	copy(v[:], raw[:min(r.size(), 8)])
	regs[r.reg] = hv.Register64(binary.LittleEndian.Uint64(v[:]))
}

func (l *layout) totalSize() int {
	n := 0
	for _, r := range l.regs {
		n += r.size()
	}
	return n
}
