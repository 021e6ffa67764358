//go:build windows && amd64

package whp

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/obhq/obvmm/internal/hv"
)

func openWHP(t testing.TB) hv.Hypervisor {
	t.Helper()

	h, err := Open()
	if err != nil {
		t.Skipf("WHP not available: %v", err)
	}
	t.Cleanup(func() { h.Close() })

	return h
}

func TestAllocateMemoryOverlap(t *testing.T) {
	h := openWHP(t)

	vm, err := h.NewVirtualMachine(hv.VMConfig{CPUCount: 1})
	if err != nil {
		t.Fatalf("NewVirtualMachine: %v", err)
	}
	defer vm.Close()

	first, err := vm.AllocateMemory(0x100000, 0x4000, hv.MemoryRWX)
	if err != nil {
		t.Fatalf("AllocateMemory: %v", err)
	}
	if _, err := vm.AllocateMemory(0x102000, 0x4000, hv.MemoryRWX); !errors.Is(err, hv.ErrOverlap) {
		t.Fatalf("overlapping AllocateMemory: got %v, want ErrOverlap", err)
	}
	if err := vm.FreeMemory(first); err != nil {
		t.Fatalf("FreeMemory: %v", err)
	}
	if err := vm.FreeMemory(first); !errors.Is(err, hv.ErrNotMapped) {
		t.Fatalf("second FreeMemory: got %v, want ErrNotMapped", err)
	}
}

func TestRunPortReadAndWrite(t *testing.T) {
	h := openWHP(t)

	vm, err := h.NewVirtualMachine(hv.VMConfig{CPUCount: 1})
	if err != nil {
		t.Fatalf("NewVirtualMachine: %v", err)
	}
	defer vm.Close()

	mem, err := vm.AllocateMemory(0, 0x200000, hv.MemoryRWX)
	if err != nil {
		t.Fatalf("AllocateMemory: %v", err)
	}

	buf := mem.Bytes()
	binary.LittleEndian.PutUint64(buf[0x1000:], 0x2000|0x3)
	binary.LittleEndian.PutUint64(buf[0x2000:], 0x3000|0x3)
	binary.LittleEndian.PutUint64(buf[0x3000:], 0x83)
	// in al, 0x80; out 0x81, al; hlt
	copy(buf[0x10000:], []byte{0xe4, 0x80, 0xe6, 0x81, 0xf4})

	vcpu, err := vm.NewVirtualCPU(0)
	if err != nil {
		t.Fatalf("NewVirtualCPU: %v", err)
	}
	if err := vcpu.(hv.VirtualCPUAmd64).SetLongMode(0x1000); err != nil {
		t.Fatalf("SetLongMode: %v", err)
	}
	if err := vcpu.SetRegisters(map[hv.Register]hv.RegisterValue{
		hv.RegisterAMD64Rip: hv.Register64(0x10000),
		hv.RegisterAMD64Rsp: hv.Register64(0x1ff000),
	}); err != nil {
		t.Fatalf("SetRegisters: %v", err)
	}

	exit, err := vcpu.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if exit.Kind != hv.ExitIO || exit.IO.IsWrite || exit.IO.Port != 0x80 {
		t.Fatalf("exit = %s, want io read of port 0x80", exit)
	}
	exit.IO.Data[0] = 0x5a

	exit, err = vcpu.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if exit.Kind != hv.ExitIO || !exit.IO.IsWrite || exit.IO.Data[0] != 0x5a {
		t.Fatalf("exit = %s, want io write of 0x5a", exit)
	}
}
