package vmm

import (
	"bytes"
	"context"
	"debug/elf"
	"encoding/binary"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/obhq/obvmm/internal/chipset"
	"github.com/obhq/obvmm/internal/devices/console"
	"github.com/obhq/obvmm/internal/devices/vmmdev"
	"github.com/obhq/obvmm/internal/events"
	"github.com/obhq/obvmm/internal/gdb"
	"github.com/obhq/obvmm/internal/hv"
	"github.com/obhq/obvmm/internal/hv/hvtest"
	"github.com/obhq/obvmm/internal/kernel"
	"github.com/obhq/obvmm/internal/kernel/kerneltest"
	"github.com/obhq/obvmm/internal/profile"
	"github.com/obhq/obvmm/internal/screen"
)

const (
	testRAM     = "16MiB"
	testTimeout = 5 * time.Second
)

// testLayout is where the devices of a VM started by startVM live.
func testLayout(t *testing.T) layout {
	t.Helper()

	l, err := newLayout(16<<20, max(0x4000, hv.HostPageSize()))
	if err != nil {
		t.Fatalf("newLayout: %v", err)
	}
	return l
}

// store assembles "mov al, b; mov [addr], al".
func store(addr uint64, b byte) []byte {
	code := []byte{0xb0, b, 0xa2}
	return binary.LittleEndian.AppendUint64(code, addr)
}

func puts(t *testing.T, s string) []byte {
	var code []byte
	for _, b := range []byte(s) {
		code = append(code, store(testLayout(t).console+console.PUTC, b)...)
	}
	return code
}

func exitWith(t *testing.T, code byte) []byte {
	return store(testLayout(t).vmmdev+vmmdev.SHUTDOWN, code)
}

var (
	spin = []byte{0xeb, 0xfe}
	ud2  = []byte{0x0f, 0x0b}
)

func testKernel(t *testing.T, code []byte) *kernel.Image {
	t.Helper()

	img, err := kernel.Open(bytes.NewReader(kerneltest.Image{Code: code}.Bytes()))
	if err != nil {
		t.Fatalf("kernel.Open: %v", err)
	}
	return img
}

// blockingDebugger stands in for the GDB server. Tests drive the target
// directly.
type blockingDebugger struct{}

func (blockingDebugger) Serve(ctx context.Context, target gdb.Target) error {
	<-ctx.Done()
	return nil
}

type testOptions struct {
	cpus     int
	debug    bool
	hv       *hvtest.Hypervisor
	screen   screen.Screen
	capacity int
}

type testVM struct {
	*VirtualMachine
	fake *hvtest.VirtualMachine

	mu     sync.Mutex
	events []events.Event
	closed chan struct{}
	notify chan struct{}
}

// startVM boots code on the fake backend and collects every event. Debug
// stops are handed to the debug target as a front end would.
func startVM(t *testing.T, code []byte, opts testOptions) *testVM {
	t.Helper()

	if opts.cpus == 0 {
		opts.cpus = 1
	}
	if opts.hv == nil {
		opts.hv = hvtest.Open()
	}

	cfg := Config{
		Hypervisor:    opts.hv,
		Kernel:        testKernel(t, code),
		Screen:        opts.screen,
		Profile:       profile.Profile{Name: "test", CPUCount: opts.cpus, Memory: testRAM},
		EventCapacity: opts.capacity,
	}
	if opts.debug {
		cfg.Debugger = blockingDebugger{}
	}

	vm, err := Start(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	tv := &testVM{
		VirtualMachine: vm,
		fake:           vm.hv.(*hvtest.VirtualMachine),
		closed:         make(chan struct{}),
		notify:         make(chan struct{}, 1),
	}
	go tv.collect()

	t.Cleanup(func() {
		vm.Shutdown()
		select {
		case <-tv.closed:
		case <-time.After(testTimeout):
			t.Errorf("VM did not exit after Shutdown")
		}
	})

	return tv
}

func (tv *testVM) collect() {
	defer close(tv.closed)

	for ev := range tv.Events() {
		if bp, ok := ev.(events.BreakpointEvent); ok {
			tv.DispatchDebug(bp.Stop.(*KernelStop))
		}

		tv.mu.Lock()
		tv.events = append(tv.events, ev)
		tv.mu.Unlock()

		select {
		case tv.notify <- struct{}{}:
		default:
		}
	}
}

func (tv *testVM) snapshot() []events.Event {
	tv.mu.Lock()
	defer tv.mu.Unlock()

	return append([]events.Event(nil), tv.events...)
}

// waitEvent returns the first collected event matching fn.
func waitEvent[E events.Event](t *testing.T, tv *testVM, fn func(E) bool) E {
	t.Helper()

	deadline := time.After(testTimeout)
	for {
		for _, ev := range tv.snapshot() {
			if e, ok := ev.(E); ok && (fn == nil || fn(e)) {
				return e
			}
		}
		select {
		case <-tv.notify:
		case <-tv.closed:
			for _, ev := range tv.snapshot() {
				if e, ok := ev.(E); ok && (fn == nil || fn(e)) {
					return e
				}
			}
			var zero E
			t.Fatalf("event stream closed without a %T", zero)
		case <-deadline:
			var zero E
			t.Fatalf("timed out waiting for %T", zero)
		}
	}
}

// finish waits for the event stream to close and returns every event.
func (tv *testVM) finish(t *testing.T) []events.Event {
	t.Helper()

	select {
	case <-tv.closed:
	case <-time.After(testTimeout):
		t.Fatalf("event stream not closed")
	}
	return tv.snapshot()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(testTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func checkExiting(t *testing.T, evs []events.Event, success bool) {
	t.Helper()

	n := 0
	for i, ev := range evs {
		ex, ok := ev.(events.ExitingEvent)
		if !ok {
			continue
		}
		n++
		if i != len(evs)-1 {
			t.Errorf("ExitingEvent at %d of %d events, want it last", i, len(evs))
		}
		if ex.Success != success {
			t.Errorf("ExitingEvent.Success = %t, want %t", ex.Success, success)
		}
	}
	if n != 1 {
		t.Fatalf("got %d ExitingEvents, want 1", n)
	}
}

func TestFaultEndsOnlyThatCPU(t *testing.T) {
	// test esi, esi; jnz +2; ud2; jmp $
	code := append([]byte{0x85, 0xf6, 0x75, 0x02}, ud2...)
	code = append(code, spin...)

	tv := startVM(t, code, testOptions{cpus: 2})

	ev := waitEvent(t, tv, func(e events.ErrorEvent) bool { return true })
	if ev.CPU != 0 {
		t.Fatalf("ErrorEvent for vCPU %d, want 0", ev.CPU)
	}

	var fault *FaultError
	if !errors.As(ev.Err, &fault) {
		t.Fatalf("error %v is not a *FaultError", ev.Err)
	}
	if fault.Exit.Kind != hv.ExitFatal || fault.Exit.PC != tv.Entry()+4 {
		t.Fatalf("fault exit = %s, want fatal at %#x", fault.Exit, tv.Entry()+4)
	}
	if inst := fault.Instruction(); !strings.Contains(inst, "ud2") {
		t.Fatalf("faulting instruction = %q, want ud2", inst)
	}

	waitFor(t, "vCPU 0 to terminate", func() bool { return tv.State(0) == StateTerminated })
	if s := tv.State(1); s != StateRunning {
		t.Fatalf("vCPU 1 state = %s, want running", s)
	}
	if tv.ShuttingDown() {
		t.Fatalf("a vCPU fault shut the VM down")
	}

	tv.Shutdown()
	evs := tv.finish(t)
	checkExiting(t, evs, false)

	errs := 0
	for _, ev := range evs {
		if _, ok := ev.(events.ErrorEvent); ok {
			errs++
		}
	}
	if errs != 1 {
		t.Fatalf("got %d ErrorEvents, want 1", errs)
	}
	if tv.fake.LiveCPUs() != 0 || !tv.fake.Closed() {
		t.Fatalf("backend not released: %d live vCPUs, closed=%t", tv.fake.LiveCPUs(), tv.fake.Closed())
	}
}

func TestAllCPUsFaulting(t *testing.T) {
	tv := startVM(t, ud2, testOptions{cpus: 3})

	evs := tv.finish(t)
	checkExiting(t, evs, false)
	if !tv.ShuttingDown() {
		t.Fatalf("VM not shut down after the last vCPU ended")
	}
}

func TestGuestShutdown(t *testing.T) {
	tests := []struct {
		name    string
		code    byte
		success bool
	}{
		{"success", 0, true},
		{"failure", 3, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code := append(puts(t, "hello\n"), exitWith(t, tt.code)...)
			code = append(code, spin...)

			tv := startVM(t, code, testOptions{})
			evs := tv.finish(t)
			checkExiting(t, evs, tt.success)

			var logs []string
			for _, ev := range evs {
				if l, ok := ev.(events.LogEvent); ok {
					logs = append(logs, l.Text)
				}
			}
			if len(logs) != 1 || logs[0] != "hello" {
				t.Fatalf("guest logs = %q, want [hello]", logs)
			}
		})
	}
}

func TestSerialOutput(t *testing.T) {
	// mov edx, COM1; then out dx, al per byte.
	code := []byte{0xba, 0xf8, 0x03, 0x00, 0x00}
	for _, b := range []byte("early\r\n") {
		code = append(code, 0xb0, b, 0xee)
	}
	code = append(code, exitWith(t, 0)...)
	code = append(code, spin...)

	tv := startVM(t, code, testOptions{})
	evs := tv.finish(t)
	checkExiting(t, evs, true)

	ev := waitEvent(t, tv, func(e events.LogEvent) bool { return true })
	if ev.Text != "early" || ev.Level != slog.LevelInfo {
		t.Fatalf("serial log = %+v", ev)
	}
}

func TestUnhandledPortFaults(t *testing.T) {
	// out 0x80, al
	tv := startVM(t, append([]byte{0xe6, 0x80}, spin...), testOptions{})

	ev := waitEvent(t, tv, func(e events.ErrorEvent) bool { return true })
	if !errors.Is(ev.Err, chipset.ErrNoHandler) {
		t.Fatalf("error = %v, want ErrNoHandler", ev.Err)
	}
	checkExiting(t, tv.finish(t), false)
}

func TestShutdownDuringRun(t *testing.T) {
	tv := startVM(t, spin, testOptions{cpus: 2})

	waitFor(t, "both vCPUs to enter the guest", func() bool {
		return tv.fake.RunCount(0) > 0 && tv.fake.RunCount(1) > 0
	})

	tv.Shutdown()
	tv.Shutdown()
	if !tv.ShuttingDown() {
		t.Fatalf("ShuttingDown = false after Shutdown")
	}

	done := make(chan struct{})
	go func() {
		tv.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(testTimeout):
		t.Fatalf("Wait did not return after Shutdown")
	}

	checkExiting(t, tv.finish(t), true)
	for i := range 2 {
		if s := tv.State(i); s != StateTerminated {
			t.Fatalf("vCPU %d state = %s after shutdown", i, s)
		}
	}
}

func TestContextCancelShutsDown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	vm, err := Start(ctx, Config{
		Hypervisor: hvtest.Open(),
		Kernel:     testKernel(t, spin),
		Profile:    profile.Profile{Name: "test", CPUCount: 1, Memory: testRAM},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	go func() {
		for range vm.Events() {
		}
	}()

	cancel()

	done := make(chan struct{})
	go func() {
		vm.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(testTimeout):
		t.Fatalf("VM kept running after its context was cancelled")
	}
}

func TestUnmappedMMIOFaults(t *testing.T) {
	// A hole inside the guest window: neither RAM nor a device.
	tv := startVM(t, append(store(0x800000, 1), spin...), testOptions{})

	ev := waitEvent(t, tv, func(e events.ErrorEvent) bool { return true })
	if !errors.Is(ev.Err, hv.ErrNotMapped) {
		t.Fatalf("error = %v, want ErrNotMapped", ev.Err)
	}
	var fault *FaultError
	if !errors.As(ev.Err, &fault) || fault.Exit.Kind != hv.ExitMMIO {
		t.Fatalf("error = %v, want a fault on an MMIO exit", ev.Err)
	}
}

func TestStopResolvedBeforeNextRun(t *testing.T) {
	tv := startVM(t, spin, testOptions{debug: true})
	target := tv.target

	waitFor(t, "the boot pause", func() bool { return len(target.Pending()) == 1 })

	// Held stops never re-enter the guest.
	time.Sleep(20 * time.Millisecond)
	if n := tv.fake.RunCount(0); n != 0 {
		t.Fatalf("vCPU ran %d times while stopped", n)
	}
	if s := tv.State(0); s != StateStopped {
		t.Fatalf("state = %s, want stopped", s)
	}

	if err := target.Resume(0, gdb.ActionContinue); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	waitFor(t, "the vCPU to run", func() bool { return tv.fake.RunCount(0) > 0 })

	target.Pause()
	waitFor(t, "the pause", func() bool { return len(target.Pending()) == 1 })
	held := tv.fake.RunCount(0)
	time.Sleep(20 * time.Millisecond)
	if n := tv.fake.RunCount(0); n != held {
		t.Fatalf("vCPU ran %d more times while paused", n-held)
	}

	tv.Shutdown()
	checkExiting(t, tv.finish(t), true)
}

func TestBootState(t *testing.T) {
	tv := startVM(t, spin, testOptions{cpus: 2, debug: true})
	target := tv.target

	waitFor(t, "both boot pauses", func() bool { return len(target.Pending()) == 2 })

	for id := range 2 {
		regs := map[hv.Register]hv.RegisterValue{
			hv.RegisterAMD64Rip: nil,
			hv.RegisterAMD64Rsp: nil,
			hv.RegisterAMD64Rdi: nil,
			hv.RegisterAMD64Rsi: nil,
		}
		if err := target.GetRegisters(id, regs); err != nil {
			t.Fatalf("GetRegisters(%d): %v", id, err)
		}
		if regs[hv.RegisterAMD64Rip] != hv.Register64(tv.Entry()) {
			t.Errorf("vCPU %d rip = %v, want %#x", id, regs[hv.RegisterAMD64Rip], tv.Entry())
		}
		if regs[hv.RegisterAMD64Rsi] != hv.Register64(id) {
			t.Errorf("vCPU %d rsi = %v", id, regs[hv.RegisterAMD64Rsi])
		}
		if regs[hv.RegisterAMD64Rsp] != hv.Register64(tv.boot.stacks[id].End()) {
			t.Errorf("vCPU %d rsp = %v, want top of its stack", id, regs[hv.RegisterAMD64Rsp])
		}

		args := make([]byte, 4)
		if err := target.ReadMemory(id, uint64(regs[hv.RegisterAMD64Rdi].(hv.Register64)), args); err != nil {
			t.Fatalf("read boot args: %v", err)
		}
		if string(args) != bootMagic {
			t.Errorf("boot args magic = %q", args)
		}
	}

	if tv.boot.stacks[0].Base == tv.boot.stacks[1].Base {
		t.Fatalf("vCPUs share a stack")
	}

	var raw bootArgs
	if err := binary.Read(bytes.NewReader(tv.mustRead(t, tv.boot.args, 64)), binary.LittleEndian, &raw); err != nil {
		t.Fatalf("decode boot args: %v", err)
	}
	l := testLayout(t)
	if raw.CPUCount != 2 || raw.Console != l.console || raw.VMM != l.vmmdev || raw.Width != 1280 || raw.Height != 720 {
		t.Fatalf("boot args = %+v", raw)
	}
	if raw.VMPageSize != 0x4000 {
		t.Fatalf("VM page size = %#x, want 0x4000", raw.VMPageSize)
	}
}

func (tv *testVM) mustRead(t *testing.T, gpa uint64, n int) []byte {
	t.Helper()

	buf := make([]byte, n)
	if err := tv.fake.ReadPhysical(gpa, buf); err != nil {
		t.Fatalf("ReadPhysical(%#x): %v", gpa, err)
	}
	return buf
}

func TestPageTables(t *testing.T) {
	const size = 3 << 30
	buf := make([]byte, pageTableBytes(size))
	if err := buildPageTables(buf, 0x10000, size); err != nil {
		t.Fatalf("buildPageTables: %v", err)
	}

	le := binary.LittleEndian
	if got := le.Uint64(buf); got != 0x11000|ptePresent|pteWritable {
		t.Fatalf("PML4[0] = %#x", got)
	}
	for d := range uint64(3) {
		if got := le.Uint64(buf[pageTableSize+d*8:]); got != (0x12000+d*pageTableSize)|ptePresent|pteWritable {
			t.Fatalf("PDPT[%d] = %#x", d, got)
		}
	}

	// The last 2 MiB page maps 3 GiB - 2 MiB.
	last := buf[4*pageTableSize+511*8:]
	if got := le.Uint64(last); got != (size-hugePage)|ptePresent|pteWritable|ptePageSize {
		t.Fatalf("last PDE = %#x", got)
	}
}

func TestStartErrors(t *testing.T) {
	tests := []struct {
		name string
		cfg  func(*Config)
		want error
	}{
		{"kernel for another architecture", func(c *Config) {
			img, err := kernel.Open(bytes.NewReader(kerneltest.Image{Code: []byte{0, 0, 0, 0}, Machine: elf.EM_AARCH64}.Bytes()))
			if err != nil {
				t.Fatalf("kernel.Open: %v", err)
			}
			c.Kernel = img
		}, hv.ErrUnsupported},
		{"too many vCPUs for the backend", func(c *Config) {
			c.Hypervisor = &hvtest.Hypervisor{MaxCPUs: 1}
			c.Profile.CPUCount = 2
		}, hv.ErrResourceLimit},
		{"RAM too small", func(c *Config) {
			c.Profile.Memory = "4MiB"
		}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{
				Hypervisor: hvtest.Open(),
				Kernel:     testKernel(t, spin),
				Profile:    profile.Profile{Name: "test", CPUCount: 1, Memory: testRAM},
			}
			tt.cfg(&cfg)

			vm, err := Start(context.Background(), cfg)
			if err == nil {
				vm.Shutdown()
				t.Fatalf("Start succeeded")
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Fatalf("Start error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestDraw(t *testing.T) {
	scr := screen.NewHeadless()
	tv := startVM(t, spin, testOptions{screen: scr})

	tv.Draw()
	select {
	case <-scr.Presented():
	case <-time.After(testTimeout):
		t.Fatalf("frame not presented")
	}

	n, w, h := scr.Frames()
	if n != 1 || w != 1280 || h != 720 {
		t.Fatalf("Frames = %d %dx%d, want 1 1280x720", n, w, h)
	}
}
