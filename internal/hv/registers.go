package hv

import "fmt"

type Register uint64

const (
	RegisterInvalid Register = iota

	// AMD64 Regular Registers
	RegisterAMD64Rax
	RegisterAMD64Rbx
	RegisterAMD64Rcx
	RegisterAMD64Rdx
	RegisterAMD64Rsi
	RegisterAMD64Rdi
	RegisterAMD64Rsp
	RegisterAMD64Rbp
	RegisterAMD64R8
	RegisterAMD64R9
	RegisterAMD64R10
	RegisterAMD64R11
	RegisterAMD64R12
	RegisterAMD64R13
	RegisterAMD64R14
	RegisterAMD64R15
	RegisterAMD64Rip
	RegisterAMD64Rflags

	// AMD64 Segment Selectors
	RegisterAMD64Cs
	RegisterAMD64Ss
	RegisterAMD64Ds
	RegisterAMD64Es
	RegisterAMD64Fs
	RegisterAMD64Gs

	// AMD64 Control Registers
	RegisterAMD64Cr0
	RegisterAMD64Cr2
	RegisterAMD64Cr3
	RegisterAMD64Cr4
	RegisterAMD64Efer

	// ARM64 General-Purpose Registers
	RegisterARM64X0
	RegisterARM64X1
	RegisterARM64X2
	RegisterARM64X3
	RegisterARM64X4
	RegisterARM64X5
	RegisterARM64X6
	RegisterARM64X7
	RegisterARM64X8
	RegisterARM64X9
	RegisterARM64X10
	RegisterARM64X11
	RegisterARM64X12
	RegisterARM64X13
	RegisterARM64X14
	RegisterARM64X15
	RegisterARM64X16
	RegisterARM64X17
	RegisterARM64X18
	RegisterARM64X19
	RegisterARM64X20
	RegisterARM64X21
	RegisterARM64X22
	RegisterARM64X23
	RegisterARM64X24
	RegisterARM64X25
	RegisterARM64X26
	RegisterARM64X27
	RegisterARM64X28
	RegisterARM64X29
	RegisterARM64X30
	RegisterARM64Sp
	RegisterARM64Pc
	RegisterARM64Pstate
	RegisterARM64Vbar

	registerCount
)

var registerNames = [...]string{
	RegisterInvalid:     "invalid",
	RegisterAMD64Rax:    "rax",
	RegisterAMD64Rbx:    "rbx",
	RegisterAMD64Rcx:    "rcx",
	RegisterAMD64Rdx:    "rdx",
	RegisterAMD64Rsi:    "rsi",
	RegisterAMD64Rdi:    "rdi",
	RegisterAMD64Rsp:    "rsp",
	RegisterAMD64Rbp:    "rbp",
	RegisterAMD64R8:     "r8",
	RegisterAMD64R9:     "r9",
	RegisterAMD64R10:    "r10",
	RegisterAMD64R11:    "r11",
	RegisterAMD64R12:    "r12",
	RegisterAMD64R13:    "r13",
	RegisterAMD64R14:    "r14",
	RegisterAMD64R15:    "r15",
	RegisterAMD64Rip:    "rip",
	RegisterAMD64Rflags: "rflags",
	RegisterAMD64Cs:     "cs",
	RegisterAMD64Ss:     "ss",
	RegisterAMD64Ds:     "ds",
	RegisterAMD64Es:     "es",
	RegisterAMD64Fs:     "fs",
	RegisterAMD64Gs:     "gs",
	RegisterAMD64Cr0:    "cr0",
	RegisterAMD64Cr2:    "cr2",
	RegisterAMD64Cr3:    "cr3",
	RegisterAMD64Cr4:    "cr4",
	RegisterAMD64Efer:   "efer",
	RegisterARM64X0:     "x0",
	RegisterARM64X1:     "x1",
	RegisterARM64X2:     "x2",
	RegisterARM64X3:     "x3",
	RegisterARM64X4:     "x4",
	RegisterARM64X5:     "x5",
	RegisterARM64X6:     "x6",
	RegisterARM64X7:     "x7",
	RegisterARM64X8:     "x8",
	RegisterARM64X9:     "x9",
	RegisterARM64X10:    "x10",
	RegisterARM64X11:    "x11",
	RegisterARM64X12:    "x12",
	RegisterARM64X13:    "x13",
	RegisterARM64X14:    "x14",
	RegisterARM64X15:    "x15",
	RegisterARM64X16:    "x16",
	RegisterARM64X17:    "x17",
	RegisterARM64X18:    "x18",
	RegisterARM64X19:    "x19",
	RegisterARM64X20:    "x20",
	RegisterARM64X21:    "x21",
	RegisterARM64X22:    "x22",
	RegisterARM64X23:    "x23",
	RegisterARM64X24:    "x24",
	RegisterARM64X25:    "x25",
	RegisterARM64X26:    "x26",
	RegisterARM64X27:    "x27",
	RegisterARM64X28:    "x28",
	RegisterARM64X29:    "x29",
	RegisterARM64X30:    "x30",
	RegisterARM64Sp:     "sp",
	RegisterARM64Pc:     "pc",
	RegisterARM64Pstate: "cpsr",
	RegisterARM64Vbar:   "vbar_el1",
}

func (r Register) String() string {
	if r < registerCount {
		return registerNames[r]
	}
	return fmt.Sprintf("Register(%d)", uint64(r))
}

// AMD64GeneralRegisters lists the integer registers in the order GDB's
// i386:x86-64 target description numbers them.
var AMD64GeneralRegisters = []Register{
	RegisterAMD64Rax, RegisterAMD64Rbx, RegisterAMD64Rcx, RegisterAMD64Rdx,
	RegisterAMD64Rsi, RegisterAMD64Rdi, RegisterAMD64Rbp, RegisterAMD64Rsp,
	RegisterAMD64R8, RegisterAMD64R9, RegisterAMD64R10, RegisterAMD64R11,
	RegisterAMD64R12, RegisterAMD64R13, RegisterAMD64R14, RegisterAMD64R15,
}

// AMD64SegmentRegisters lists the selectors in GDB order.
var AMD64SegmentRegisters = []Register{
	RegisterAMD64Cs, RegisterAMD64Ss, RegisterAMD64Ds,
	RegisterAMD64Es, RegisterAMD64Fs, RegisterAMD64Gs,
}

// ARM64GeneralRegisters lists x0 through x30.
var ARM64GeneralRegisters = []Register{
	RegisterARM64X0, RegisterARM64X1, RegisterARM64X2, RegisterARM64X3,
	RegisterARM64X4, RegisterARM64X5, RegisterARM64X6, RegisterARM64X7,
	RegisterARM64X8, RegisterARM64X9, RegisterARM64X10, RegisterARM64X11,
	RegisterARM64X12, RegisterARM64X13, RegisterARM64X14, RegisterARM64X15,
	RegisterARM64X16, RegisterARM64X17, RegisterARM64X18, RegisterARM64X19,
	RegisterARM64X20, RegisterARM64X21, RegisterARM64X22, RegisterARM64X23,
	RegisterARM64X24, RegisterARM64X25, RegisterARM64X26, RegisterARM64X27,
	RegisterARM64X28, RegisterARM64X29, RegisterARM64X30,
}
