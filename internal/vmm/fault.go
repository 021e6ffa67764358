package vmm

import (
	"fmt"
	"strings"

	"github.com/obhq/obvmm/internal/disasm"
	"github.com/obhq/obvmm/internal/hv"
)

const faultCodeSize = disasm.MaxInstruction

// FaultError ends a vCPU after a fatal or unclassified exit, or after an
// exit the VMM could not serve.
type FaultError struct {
	CPU  int
	Exit hv.Exit

	// Code holds the guest bytes at Exit.PC when they were readable.
	Code []byte

	// Arch selects the disassembler for Code.
	Arch hv.CpuArchitecture

	Err error
}

// Instruction disassembles the faulting instruction, or returns "" when the
// bytes were not readable.
func (e *FaultError) Instruction() string {
	if len(e.Code) == 0 {
		return ""
	}
	line, err := disasm.Decode(e.Arch, e.Code, e.Exit.PC)
	if err != nil {
		return ""
	}
	return line.Text
}

func (e *FaultError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "vmm: vCPU %d: %s", e.CPU, e.Exit)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if inst := e.Instruction(); inst != "" {
		fmt.Fprintf(&b, " (%s)", inst)
	}
	return b.String()
}

func (e *FaultError) Unwrap() error { return e.Err }
