//go:build linux && amd64

package kvm

import (
	"bytes"
	"context"
	"encoding/binary"
	"runtime"
	"testing"
	"time"

	"github.com/obhq/obvmm/internal/hv"
)

const (
	testMemSize  = 0x200000
	testPML4     = 0x1000
	testPDPT     = 0x2000
	testPD       = 0x3000
	testCodeAddr = 0x10000
)

// newLongModeCPU builds a VM with 2 MiB of identity-mapped RAM, loads code at
// testCodeAddr and returns a vCPU in 64-bit mode pointing at it. The caller's
// goroutine is locked to its thread for the rest of the test.
func newLongModeCPU(t *testing.T, debug bool, code []byte) hv.VirtualCPU {
	t.Helper()

	kvm := openKVM(t)

	vm, err := kvm.NewVirtualMachine(hv.VMConfig{CPUCount: 1, Debug: debug})
	if err != nil {
		t.Fatalf("Create KVM virtual machine: %v", err)
	}
	t.Cleanup(func() { vm.Close() })

	mem, err := vm.AllocateMemory(0, testMemSize, hv.MemoryRWX)
	if err != nil {
		t.Fatalf("AllocateMemory: %v", err)
	}

	buf := mem.Bytes()
	binary.LittleEndian.PutUint64(buf[testPML4:], testPDPT|0x3)
	binary.LittleEndian.PutUint64(buf[testPDPT:], testPD|0x3)
	binary.LittleEndian.PutUint64(buf[testPD:], 0x83) // 2 MiB page at 0
	copy(buf[testCodeAddr:], code)

	runtime.LockOSThread()
	t.Cleanup(runtime.UnlockOSThread)

	vcpu, err := vm.NewVirtualCPU(0)
	if err != nil {
		t.Fatalf("NewVirtualCPU: %v", err)
	}
	t.Cleanup(func() { vcpu.Close() })

	if err := vcpu.(hv.VirtualCPUAmd64).SetLongMode(testPML4); err != nil {
		t.Fatalf("SetLongMode: %v", err)
	}

	if err := vcpu.SetRegisters(map[hv.Register]hv.RegisterValue{
		hv.RegisterAMD64Rip: hv.Register64(testCodeAddr),
		hv.RegisterAMD64Rsp: hv.Register64(testMemSize - 0x1000),
	}); err != nil {
		t.Fatalf("SetRegisters: %v", err)
	}

	return vcpu
}

func TestRunSimpleHalt(t *testing.T) {
	vcpu := newLongModeCPU(t, false, []byte{0xf4}) // hlt

	exit, err := vcpu.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if exit.Kind != hv.ExitHalt {
		t.Fatalf("exit = %s, want halt", exit)
	}
}

func TestRunPortWrite(t *testing.T) {
	// mov al, 0x42; out 0x80, al; hlt
	vcpu := newLongModeCPU(t, false, []byte{0xb0, 0x42, 0xe6, 0x80, 0xf4})

	exit, err := vcpu.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if exit.Kind != hv.ExitIO {
		t.Fatalf("exit = %s, want io", exit)
	}
	if exit.IO.Port != 0x80 || !exit.IO.IsWrite || !bytes.Equal(exit.IO.Data, []byte{0x42}) {
		t.Fatalf("unexpected io access %+v", exit.IO)
	}

	exit, err = vcpu.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if exit.Kind != hv.ExitHalt {
		t.Fatalf("exit = %s, want halt", exit)
	}
}

func TestRunSoftwareBreakpoint(t *testing.T) {
	vcpu := newLongModeCPU(t, true, []byte{0xcc, 0xf4}) // int3; hlt

	exit, err := vcpu.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if exit.Kind != hv.ExitDebug || exit.Debug != hv.DebugSoftwareBreakpoint {
		t.Fatalf("exit = %s, want software breakpoint", exit)
	}
	if exit.PC != testCodeAddr {
		t.Fatalf("PC = %#x, want %#x", exit.PC, testCodeAddr)
	}
}

func TestRunSingleStep(t *testing.T) {
	vcpu := newLongModeCPU(t, true, []byte{0x90, 0x90, 0xf4}) // nop; nop; hlt

	if err := vcpu.SetSingleStep(true); err != nil {
		t.Fatalf("SetSingleStep: %v", err)
	}

	exit, err := vcpu.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if exit.Kind != hv.ExitDebug || exit.Debug != hv.DebugStep {
		t.Fatalf("exit = %s, want step", exit)
	}

	regs := map[hv.Register]hv.RegisterValue{hv.RegisterAMD64Rip: nil}
	if err := vcpu.GetRegisters(regs); err != nil {
		t.Fatalf("GetRegisters: %v", err)
	}
	if rip := uint64(regs[hv.RegisterAMD64Rip].(hv.Register64)); rip != testCodeAddr+1 {
		t.Fatalf("rip = %#x, want %#x", rip, testCodeAddr+1)
	}
}

func TestRunHardwareBreakpoint(t *testing.T) {
	vcpu := newLongModeCPU(t, true, []byte{0x90, 0x90, 0xf4})

	if err := vcpu.SetHardwareBreakpoint(testCodeAddr + 1); err != nil {
		t.Fatalf("SetHardwareBreakpoint: %v", err)
	}

	exit, err := vcpu.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if exit.Kind != hv.ExitDebug || exit.Debug != hv.DebugHardwareBreakpoint {
		t.Fatalf("exit = %s, want hardware breakpoint", exit)
	}
	if exit.PC != testCodeAddr+1 {
		t.Fatalf("PC = %#x, want %#x", exit.PC, testCodeAddr+1)
	}

	if err := vcpu.ClearHardwareBreakpoint(testCodeAddr + 1); err != nil {
		t.Fatalf("ClearHardwareBreakpoint: %v", err)
	}
}

func TestRunCanceled(t *testing.T) {
	vcpu := newLongModeCPU(t, false, []byte{0xeb, 0xfe}) // jmp $

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	exit, err := vcpu.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if exit.Kind != hv.ExitCanceled {
		t.Fatalf("exit = %s, want canceled", exit)
	}
}

func TestTranslateAddress(t *testing.T) {
	vcpu := newLongModeCPU(t, false, []byte{0xf4})

	gpa, err := vcpu.TranslateAddress(testCodeAddr)
	if err != nil {
		t.Fatalf("TranslateAddress: %v", err)
	}
	if gpa != testCodeAddr {
		t.Fatalf("gpa = %#x, want %#x", gpa, testCodeAddr)
	}
}
