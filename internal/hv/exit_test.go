package hv

import (
	"strings"
	"testing"
)

func TestExitString(t *testing.T) {
	tests := []struct {
		exit Exit
		want string
	}{
		{Exit{Kind: ExitHalt}, "halt"},
		{Exit{Kind: ExitIO, IO: &IOAccess{Port: 0x3f8, Size: 1, IsWrite: true}}, "io out port=0x3f8 size=1"},
		{Exit{Kind: ExitMMIO, MMIO: &MMIOAccess{Address: 0x1000, Data: make([]byte, 4)}}, "mmio read addr=0x1000 size=4"},
		{Exit{Kind: ExitDebug, Debug: DebugStep, PC: 0x10}, "debug step pc=0x10"},
		{Exit{Kind: ExitFatal, PC: 0x20, Detail: "triple fault"}, "fatal pc=0x20: triple fault"},
	}

	for _, tt := range tests {
		if got := tt.exit.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestExitIsFatal(t *testing.T) {
	for kind := ExitUnknown; kind <= ExitCanceled; kind++ {
		want := kind == ExitFatal || kind == ExitUnknown
		if got := (Exit{Kind: kind}).IsFatal(); got != want {
			t.Errorf("%s IsFatal = %v, want %v", kind, got, want)
		}
	}
}

func TestMemoryFlagsString(t *testing.T) {
	if got := (MemoryRead | MemoryExec).String(); got != "r-x" {
		t.Fatalf("String() = %q, want r-x", got)
	}
	if got := MemoryRWX.String(); got != "rwx" {
		t.Fatalf("String() = %q, want rwx", got)
	}
}

func TestArchitectureHelpers(t *testing.T) {
	if got := ArchitectureX86_64.BreakpointInstruction(); len(got) != 1 || got[0] != 0xcc {
		t.Fatalf("x86_64 breakpoint = %x", got)
	}
	if got := ArchitectureARM64.BreakpointInstruction(); len(got) != 4 {
		t.Fatalf("arm64 breakpoint = %x", got)
	}
	if ArchitectureX86_64.ProgramCounter() != RegisterAMD64Rip {
		t.Fatalf("x86_64 program counter = %s", ArchitectureX86_64.ProgramCounter())
	}
	if !strings.Contains(RegisterARM64Pc.String(), "pc") {
		t.Fatalf("unexpected register name %q", RegisterARM64Pc.String())
	}
}
