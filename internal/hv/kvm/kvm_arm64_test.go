//go:build linux && arm64

package kvm

import (
	"context"
	"encoding/binary"
	"runtime"
	"testing"

	"github.com/obhq/obvmm/internal/hv"
)

const (
	testMemSize  = 0x200000
	testCodeAddr = 0x10000
	testMMIOAddr = 0x400000
)

func assemble(insns ...uint32) []byte {
	code := make([]byte, 4*len(insns))
	for i, insn := range insns {
		binary.LittleEndian.PutUint32(code[4*i:], insn)
	}
	return code
}

// newFlatCPU builds a VM with 2 MiB of RAM at 0, loads code at testCodeAddr
// and returns a vCPU at EL1 with the MMU off. The caller's goroutine is locked
// to its thread for the rest of the test.
func newFlatCPU(t *testing.T, debug bool, code []byte) hv.VirtualCPU {
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
	copy(mem.Bytes()[testCodeAddr:], code)

	runtime.LockOSThread()
	t.Cleanup(runtime.UnlockOSThread)

	vcpu, err := vm.NewVirtualCPU(0)
	if err != nil {
		t.Fatalf("NewVirtualCPU: %v", err)
	}
	t.Cleanup(func() { vcpu.Close() })

	if err := vcpu.SetRegisters(map[hv.Register]hv.RegisterValue{
		hv.RegisterARM64Pc:     hv.Register64(testCodeAddr),
		hv.RegisterARM64Sp:     hv.Register64(testMemSize - 0x1000),
		hv.RegisterARM64Pstate: hv.Register64(0x3c5), // EL1h, DAIF masked
	}); err != nil {
		t.Fatalf("SetRegisters: %v", err)
	}

	return vcpu
}

func TestRunMMIOStore(t *testing.T) {
	vcpu := newFlatCPU(t, false, assemble(
		0xd2a00800, // movz x0, #0x40, lsl #16
		0xd2800541, // movz x1, #0x2a
		0xf9000001, // str x1, [x0]
		0x14000000, // b .
	))

	exit, err := vcpu.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if exit.Kind != hv.ExitMMIO {
		t.Fatalf("exit = %s, want mmio", exit)
	}
	if exit.MMIO.Address != testMMIOAddr || !exit.MMIO.IsWrite || len(exit.MMIO.Data) != 8 {
		t.Fatalf("unexpected mmio access %+v", exit.MMIO)
	}
	if got := binary.LittleEndian.Uint64(exit.MMIO.Data); got != 0x2a {
		t.Fatalf("stored %#x, want 0x2a", got)
	}
}

func TestRunBrk(t *testing.T) {
	vcpu := newFlatCPU(t, true, assemble(
		0xd4200000, // brk #0
		0x14000000, // b .
	))

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

func TestRunCanceled(t *testing.T) {
	vcpu := newFlatCPU(t, false, assemble(0x14000000)) // b .

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	exit, err := vcpu.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if exit.Kind != hv.ExitCanceled {
		t.Fatalf("exit = %s, want canceled", exit)
	}
}

func TestTranslateAddressMMUOff(t *testing.T) {
	vcpu := newFlatCPU(t, false, assemble(0x14000000))

	gpa, err := vcpu.TranslateAddress(testCodeAddr + 0x123)
	if err != nil {
		t.Fatalf("TranslateAddress: %v", err)
	}
	if gpa != testCodeAddr+0x123 {
		t.Fatalf("TranslateAddress = %#x, want identity", gpa)
	}
}

func TestRegisterRoundTrip(t *testing.T) {
	vcpu := newFlatCPU(t, false, assemble(0x14000000))

	if err := vcpu.SetRegisters(map[hv.Register]hv.RegisterValue{
		hv.RegisterARM64X0:   hv.Register64(0x1122334455667788),
		hv.RegisterARM64Vbar: hv.Register64(0x8000),
	}); err != nil {
		t.Fatalf("SetRegisters: %v", err)
	}

	regs := map[hv.Register]hv.RegisterValue{
		hv.RegisterARM64X0:   nil,
		hv.RegisterARM64Vbar: nil,
		hv.RegisterARM64Pc:   nil,
	}
	if err := vcpu.GetRegisters(regs); err != nil {
		t.Fatalf("GetRegisters: %v", err)
	}
	if regs[hv.RegisterARM64X0] != hv.Register64(0x1122334455667788) {
		t.Fatalf("x0 = %v", regs[hv.RegisterARM64X0])
	}
	if regs[hv.RegisterARM64Vbar] != hv.Register64(0x8000) {
		t.Fatalf("vbar = %v", regs[hv.RegisterARM64Vbar])
	}
	if regs[hv.RegisterARM64Pc] != hv.Register64(testCodeAddr) {
		t.Fatalf("pc = %v", regs[hv.RegisterARM64Pc])
	}
}

func TestUnsupportedRegister(t *testing.T) {
	vcpu := newFlatCPU(t, false, assemble(0x14000000))

	err := vcpu.GetRegisters(map[hv.Register]hv.RegisterValue{hv.RegisterAMD64Rax: nil})
	if err == nil {
		t.Fatalf("expected error for x86 register")
	}
}

func TestHardwareBreakpointSlots(t *testing.T) {
	vcpu := newFlatCPU(t, true, assemble(0x14000000))

	slots := vcpu.VirtualMachine().Hypervisor().(*hypervisor).hwSlots()
	if slots == 0 {
		t.Skip("host exposes no hardware breakpoints")
	}

	for i := range slots {
		if err := vcpu.SetHardwareBreakpoint(testCodeAddr + uint64(i)*4); err != nil {
			t.Fatalf("SetHardwareBreakpoint %d: %v", i, err)
		}
	}
	if err := vcpu.SetHardwareBreakpoint(testCodeAddr + uint64(slots)*4); err == nil {
		t.Fatalf("expected error once all %d slots are used", slots)
	}
	if err := vcpu.ClearHardwareBreakpoint(testCodeAddr); err != nil {
		t.Fatalf("ClearHardwareBreakpoint: %v", err)
	}
}
