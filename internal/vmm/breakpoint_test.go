package vmm

import (
	"bytes"
	"errors"
	"slices"
	"testing"

	"github.com/obhq/obvmm/internal/gdb"
	"github.com/obhq/obvmm/internal/hv"
	"github.com/obhq/obvmm/internal/hv/hvtest"
)

// byteMemory is guest physical memory starting at 0.
type byteMemory []byte

func (m byteMemory) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(m)) {
		return 0, hv.ErrNotMapped
	}
	return copy(p, m[off:]), nil
}

func (m byteMemory) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(m)) {
		return 0, hv.ErrNotMapped
	}
	return copy(m[off:], p), nil
}

func TestBreakpointTable(t *testing.T) {
	mem := byteMemory{0x55, 0x48, 0x89, 0xe5, 0xc3}
	orig := slices.Clone([]byte(mem))
	bps := newBreakpoints(hv.ArchitectureX86_64, mem)

	z0 := breakpointKey{gdb.BreakpointSoftware, 0x1001}
	z1 := breakpointKey{gdb.BreakpointHardware, 0x1001}

	if err := bps.plant(z0, 1); err != nil {
		t.Fatalf("plant: %v", err)
	}
	if mem[1] != 0xcc {
		t.Fatalf("byte at 1 = %#x after plant, want int3", mem[1])
	}

	// A second patch at the same address shares the saved byte.
	if err := bps.plant(z1, 1); err != nil {
		t.Fatalf("plant second: %v", err)
	}

	got := make([]byte, len(mem))
	copy(got, mem)
	bps.shadow(0, got)
	if !bytes.Equal(got, orig) {
		t.Fatalf("shadowed read = % x, want % x", got, orig)
	}

	if soft, hard := bps.at(0x1001); soft == nil || hard {
		t.Fatalf("at(0x1001) = %v, %t", soft, hard)
	}

	if _, err := bps.remove(z0); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if mem[1] != 0xcc {
		t.Fatalf("patch lifted while another breakpoint covers it")
	}
	if _, err := bps.remove(z1); err != nil {
		t.Fatalf("remove second: %v", err)
	}
	if !bytes.Equal(mem, orig) {
		t.Fatalf("memory = % x after removal, want % x", []byte(mem), orig)
	}

	if _, err := bps.remove(z1); !errors.Is(err, hv.ErrNotMapped) {
		t.Fatalf("removing twice: %v, want ErrNotMapped", err)
	}
}

func TestBreakpointWrittenOver(t *testing.T) {
	mem := byteMemory{0x90, 0x90, 0x90, 0x90}
	bps := newBreakpoints(hv.ArchitectureX86_64, mem)

	key := breakpointKey{gdb.BreakpointSoftware, 2}
	if err := bps.plant(key, 2); err != nil {
		t.Fatalf("plant: %v", err)
	}

	// The debugger rewrites the whole range, trap included.
	p := []byte{0x01, 0x02, 0x03, 0x04}
	copy(mem, p)
	if err := bps.written(0, p); err != nil {
		t.Fatalf("written: %v", err)
	}
	if mem[2] != 0xcc {
		t.Fatalf("patch lost after write: % x", []byte(mem))
	}

	if _, err := bps.remove(key); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if !bytes.Equal(mem, p) {
		t.Fatalf("memory = % x, want the written bytes % x", []byte(mem), p)
	}
}

func TestBreakpointLiftRestore(t *testing.T) {
	mem := byteMemory{0x90, 0x90}
	bps := newBreakpoints(hv.ArchitectureX86_64, mem)

	key := breakpointKey{gdb.BreakpointSoftware, 1}
	if err := bps.plant(key, 1); err != nil {
		t.Fatalf("plant: %v", err)
	}
	soft, _ := bps.at(1)

	if err := bps.lift(soft); err != nil {
		t.Fatalf("lift: %v", err)
	}
	if mem[1] != 0x90 {
		t.Fatalf("lift left %#x", mem[1])
	}
	if err := bps.restore(soft); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if mem[1] != 0xcc {
		t.Fatalf("restore left %#x", mem[1])
	}

	// Removed while lifted: restore must not replant.
	bps.lift(soft)
	if _, err := bps.remove(key); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := bps.restore(soft); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if mem[1] != 0x90 {
		t.Fatalf("removed breakpoint replanted")
	}
}

func TestOverlay(t *testing.T) {
	tests := []struct {
		name    string
		dstAddr uint64
		srcAddr uint64
		want    []byte
	}{
		{"inside", 0x100, 0x101, []byte{0, 0xaa, 0xbb, 0}},
		{"head", 0x100, 0xff, []byte{0xbb, 0, 0, 0}},
		{"tail", 0x100, 0x103, []byte{0, 0, 0, 0xaa}},
		{"disjoint", 0x100, 0x200, []byte{0, 0, 0, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dst := make([]byte, 4)
			overlay(dst, tt.dstAddr, []byte{0xaa, 0xbb}, tt.srcAddr)
			if !bytes.Equal(dst, tt.want) {
				t.Fatalf("overlay = % x, want % x", dst, tt.want)
			}
		})
	}
}

// loop is "nop; nop; jmp 0", passing entry+1 on every iteration.
var loop = []byte{0x90, 0x90, 0xeb, 0xfc}

// waitStop waits for a pending stop on cpu newer than after.
func waitStop(t *testing.T, target gdb.Target, id int, after uint64) gdb.Stop {
	t.Helper()

	var stop gdb.Stop
	waitFor(t, "a stop", func() bool {
		for _, s := range target.Pending() {
			if s.CPU == id && s.ID > after {
				stop = s
				return true
			}
		}
		return false
	})
	return stop
}

func TestSoftwareBreakpointHits(t *testing.T) {
	tv := startVM(t, loop, testOptions{debug: true})
	target := tv.Target()
	bp := tv.Entry() + 1

	pause := waitStop(t, target, 0, 0)
	if pause.Reason != gdb.StopPause {
		t.Fatalf("first stop = %s, want pause", pause.Reason)
	}

	if err := target.SetBreakpoint(gdb.BreakpointSoftware, bp); err != nil {
		t.Fatalf("SetBreakpoint: %v", err)
	}
	if got := tv.mustRead(t, bp, 1)[0]; got != 0xcc {
		t.Fatalf("guest byte = %#x, want int3", got)
	}
	seen := make([]byte, 2)
	if err := target.ReadMemory(0, bp, seen); err != nil {
		t.Fatalf("ReadMemory: %v", err)
	}
	if !bytes.Equal(seen, loop[1:3]) {
		t.Fatalf("debugger sees % x, want % x", seen, loop[1:3])
	}

	last := pause.ID
	for i := range 3 {
		if err := target.Resume(0, gdb.ActionContinue); err != nil {
			t.Fatalf("Resume: %v", err)
		}
		stop := waitStop(t, target, 0, last)
		if stop.Reason != gdb.StopSoftwareBreakpoint || stop.PC != bp {
			t.Fatalf("hit %d = %s at %#x, want swbreak at %#x", i, stop.Reason, stop.PC, bp)
		}
		last = stop.ID

		regs := map[hv.Register]hv.RegisterValue{hv.RegisterAMD64Rip: nil}
		if err := target.GetRegisters(0, regs); err != nil {
			t.Fatalf("GetRegisters: %v", err)
		}
		if regs[hv.RegisterAMD64Rip] != hv.Register64(bp) {
			t.Fatalf("rip = %v at a breakpoint, want %#x", regs[hv.RegisterAMD64Rip], bp)
		}
	}

	if err := target.ClearBreakpoint(gdb.BreakpointSoftware, bp); err != nil {
		t.Fatalf("ClearBreakpoint: %v", err)
	}
	if got := tv.mustRead(t, tv.Entry(), len(loop)); !bytes.Equal(got, loop) {
		t.Fatalf("code = % x after clearing, want % x", got, loop)
	}

	runs := tv.fake.RunCount(0)
	if err := target.Resume(0, gdb.ActionContinue); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	waitFor(t, "the vCPU to keep running", func() bool { return tv.fake.RunCount(0) > runs })
	if p := target.Pending(); len(p) != 0 {
		t.Fatalf("stops after clearing the breakpoint: %v", p)
	}
}

func TestHardwareBreakpointHits(t *testing.T) {
	tv := startVM(t, loop, testOptions{cpus: 2, debug: true})
	target := tv.Target()
	bp := tv.Entry() + 1

	waitFor(t, "both boot pauses", func() bool { return len(target.Pending()) == 2 })

	if err := target.SetBreakpoint(gdb.BreakpointHardware, bp); err != nil {
		t.Fatalf("SetBreakpoint: %v", err)
	}
	if got := tv.mustRead(t, bp, 1)[0]; got != loop[1] {
		t.Fatalf("hardware breakpoint patched memory: %#x", got)
	}

	if err := target.Resume(0, gdb.ActionContinue); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	stop := waitStop(t, target, 0, 2)
	if stop.Reason != gdb.StopHardwareBreakpoint || stop.PC != bp {
		t.Fatalf("stop = %s at %#x, want hwbreak at %#x", stop.Reason, stop.PC, bp)
	}

	// Continuing steps over the armed address and hits it on the next lap.
	if err := target.Resume(0, gdb.ActionContinue); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	again := waitStop(t, target, 0, stop.ID)
	if again.Reason != gdb.StopHardwareBreakpoint || again.PC != bp {
		t.Fatalf("second stop = %s at %#x", again.Reason, again.PC)
	}

	if err := target.ClearBreakpoint(gdb.BreakpointHardware, bp); err != nil {
		t.Fatalf("ClearBreakpoint: %v", err)
	}
	for _, s := range target.Pending() {
		if err := target.Resume(s.CPU, gdb.ActionContinue); err != nil {
			t.Fatalf("Resume(%d): %v", s.CPU, err)
		}
	}
	waitFor(t, "both vCPUs to run", func() bool {
		return tv.fake.RunCount(0) > 2 && tv.fake.RunCount(1) > 0
	})
	if p := target.Pending(); len(p) != 0 {
		t.Fatalf("stops after clearing the breakpoint: %v", p)
	}
}

func TestHardwareBreakpointFallback(t *testing.T) {
	tv := startVM(t, loop, testOptions{debug: true, hv: &hvtest.Hypervisor{}})
	target := tv.Target()
	bp := tv.Entry() + 1

	pause := waitStop(t, target, 0, 0)

	if err := target.SetBreakpoint(gdb.BreakpointHardware, bp); err != nil {
		t.Fatalf("SetBreakpoint: %v", err)
	}
	if got := tv.mustRead(t, bp, 1)[0]; got != 0xcc {
		t.Fatalf("fallback did not patch memory: %#x", got)
	}

	if err := target.Resume(0, gdb.ActionContinue); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	stop := waitStop(t, target, 0, pause.ID)
	if stop.PC != bp {
		t.Fatalf("stop at %#x, want %#x", stop.PC, bp)
	}

	if err := target.ClearBreakpoint(gdb.BreakpointHardware, bp); err != nil {
		t.Fatalf("ClearBreakpoint: %v", err)
	}
	if got := tv.mustRead(t, bp, 1)[0]; got != loop[1] {
		t.Fatalf("byte = %#x after clearing, want %#x", got, loop[1])
	}
}

func TestHardwareBreakpointSlotsExhausted(t *testing.T) {
	tv := startVM(t, loop, testOptions{cpus: 2, debug: true, hv: &hvtest.Hypervisor{HardwareBreakpoints: 1}})
	target := tv.Target()

	waitFor(t, "both boot pauses", func() bool { return len(target.Pending()) == 2 })

	if err := target.SetBreakpoint(gdb.BreakpointHardware, tv.Entry()); err != nil {
		t.Fatalf("SetBreakpoint: %v", err)
	}

	// The only slot is taken, so the second one is patched into memory and
	// no vCPU keeps a half-armed address.
	bp := tv.Entry() + 1
	if err := target.SetBreakpoint(gdb.BreakpointHardware, bp); err != nil {
		t.Fatalf("SetBreakpoint: %v", err)
	}
	if got := tv.mustRead(t, bp, 1)[0]; got != 0xcc {
		t.Fatalf("second breakpoint not patched: %#x", got)
	}
	if got := tv.hardwareArmed(t, 0); !slices.Equal(got, []uint64{tv.Entry()}) {
		t.Fatalf("vCPU 0 armed %#x", got)
	}
}

func (tv *testVM) hardwareArmed(t *testing.T, id int) []uint64 {
	t.Helper()

	var armed []uint64
	stop, err := tv.target.stop(id)
	if err != nil {
		t.Fatalf("vCPU %d not stopped: %v", id, err)
	}
	err = stop.Do(tv.ctx, func(c *cpu) error {
		armed = c.vcpu.(*hvtest.VirtualCPU).HardwareBreakpoints()
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	return armed
}

func TestGuestTrapReported(t *testing.T) {
	// nop; int3; jmp $
	tv := startVM(t, []byte{0x90, 0xcc, 0xeb, 0xfe}, testOptions{debug: true})
	target := tv.Target()
	trap := tv.Entry() + 1

	pause := waitStop(t, target, 0, 0)
	if err := target.Resume(0, gdb.ActionContinue); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	stop := waitStop(t, target, 0, pause.ID)
	if stop.Reason != gdb.StopSoftwareBreakpoint {
		t.Fatalf("stop = %s, want swbreak", stop.Reason)
	}
	if stop.PC != trap+1 {
		t.Fatalf("stop at %#x, want %#x past the guest's int3", stop.PC, trap+1)
	}

	regs := map[hv.Register]hv.RegisterValue{hv.RegisterAMD64Rip: nil}
	if err := target.GetRegisters(0, regs); err != nil {
		t.Fatalf("GetRegisters: %v", err)
	}
	if regs[hv.RegisterAMD64Rip] != hv.Register64(trap+1) {
		t.Fatalf("rip = %v, want %#x", regs[hv.RegisterAMD64Rip], trap+1)
	}
	if got := tv.mustRead(t, trap, 1)[0]; got != 0xcc {
		t.Fatalf("guest int3 rewritten to %#x", got)
	}
}

func TestRemovedBreakpointExitRetried(t *testing.T) {
	tv := startVM(t, loop, testOptions{debug: true})
	target := tv.Target()
	bp := tv.Entry() + 1

	pause := waitStop(t, target, 0, 0)
	if err := target.SetBreakpoint(gdb.BreakpointSoftware, bp); err != nil {
		t.Fatalf("SetBreakpoint: %v", err)
	}
	if err := target.ClearBreakpoint(gdb.BreakpointSoftware, bp); err != nil {
		t.Fatalf("ClearBreakpoint: %v", err)
	}

	// The trap fired before the breakpoint was cleared; its exit arrives
	// after, with the original byte already back in place.
	exit := hv.Exit{Kind: hv.ExitDebug, Debug: hv.DebugSoftwareBreakpoint, PC: bp}

	stop, err := tv.target.stop(0)
	if err != nil {
		t.Fatalf("vCPU 0 not stopped: %v", err)
	}
	var (
		running bool
		rip     hv.RegisterValue
	)
	err = stop.Do(tv.ctx, func(c *cpu) error {
		var err error
		if running, err = c.debugExit(tv.ctx, exit); err != nil {
			return err
		}
		regs := map[hv.Register]hv.RegisterValue{hv.RegisterAMD64Rip: nil}
		if err := c.vcpu.GetRegisters(regs); err != nil {
			return err
		}
		rip = regs[hv.RegisterAMD64Rip]
		return nil
	})
	if err != nil {
		t.Fatalf("debugExit: %v", err)
	}
	if !running {
		t.Fatalf("debugExit stopped the vCPU")
	}
	if rip != hv.Register64(bp) {
		t.Fatalf("rip = %v, want %#x so the instruction runs again", rip, bp)
	}

	for _, s := range target.Pending() {
		if s.ID > pause.ID {
			t.Fatalf("stale trap reported as %s at %#x", s.Reason, s.PC)
		}
	}
}
