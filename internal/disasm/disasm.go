// Package disasm renders guest instructions for fault reports and the
// debugger's monitor command.
package disasm

import (
	"fmt"
	"strings"

	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"

	"github.com/obhq/obvmm/internal/hv"
)

// MaxInstruction is the longest encoding of any supported architecture.
const MaxInstruction = 15

// Line is one decoded instruction.
type Line struct {
	Addr  uint64
	Bytes []byte
	Text  string

	// Invalid is set when the bytes do not decode and Text is a data
	// directive instead.
	Invalid bool
}

func (l Line) String() string {
	hex := make([]string, len(l.Bytes))
	for i, b := range l.Bytes {
		hex[i] = fmt.Sprintf("%02x", b)
	}
	return fmt.Sprintf("0x%016x: %-24s %s", l.Addr, strings.Join(hex, " "), l.Text)
}

// Decode decodes the instruction at the start of code, which was read from
// pc.
func Decode(arch hv.CpuArchitecture, code []byte, pc uint64) (Line, error) {
	switch arch {
	case hv.ArchitectureX86_64:
		inst, err := x86asm.Decode(code, 64)
		if err != nil {
			return Line{}, fmt.Errorf("disasm: x86-64 at 0x%x: %w", pc, err)
		}
		return Line{
			Addr:  pc,
			Bytes: code[:inst.Len],
			Text:  x86asm.IntelSyntax(inst, pc, nil),
		}, nil
	case hv.ArchitectureARM64:
		if len(code) < 4 {
			return Line{}, fmt.Errorf("disasm: arm64 at 0x%x: truncated instruction", pc)
		}
		inst, err := arm64asm.Decode(code[:4])
		if err != nil {
			return Line{}, fmt.Errorf("disasm: arm64 at 0x%x: %w", pc, err)
		}
		return Line{
			Addr:  pc,
			Bytes: code[:4],
			Text:  arm64asm.GNUSyntax(inst),
		}, nil
	default:
		return Line{}, fmt.Errorf("disasm: %w: architecture %s", hv.ErrUnsupported, arch)
	}
}

// Disassemble decodes up to count instructions from code. Undecodable bytes
// become data directives so the listing always advances.
func Disassemble(arch hv.CpuArchitecture, code []byte, pc uint64, count int) []Line {
	var lines []Line
	for off := 0; off < len(code) && len(lines) < count; {
		line, err := Decode(arch, code[off:], pc+uint64(off))
		if err != nil {
			line = data(arch, code[off:], pc+uint64(off))
		}
		lines = append(lines, line)
		off += len(line.Bytes)
	}
	return lines
}

func data(arch hv.CpuArchitecture, code []byte, pc uint64) Line {
	if arch == hv.ArchitectureARM64 && len(code) >= 4 {
		word := uint32(code[0]) | uint32(code[1])<<8 | uint32(code[2])<<16 | uint32(code[3])<<24
		return Line{Addr: pc, Bytes: code[:4], Text: fmt.Sprintf(".word 0x%08x", word), Invalid: true}
	}
	return Line{Addr: pc, Bytes: code[:1], Text: fmt.Sprintf("db 0x%02x", code[0]), Invalid: true}
}

// Format joins lines with newlines.
func Format(lines []Line) string {
	var sb strings.Builder
	for _, l := range lines {
		sb.WriteString(l.String())
		sb.WriteByte('\n')
	}
	return sb.String()
}
