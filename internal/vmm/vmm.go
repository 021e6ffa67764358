// Package vmm runs the guest kernel on a hypervisor backend.
//
// Each vCPU is driven by its own goroutine locked to an OS thread. Exits are
// served synchronously on that thread: I/O and MMIO go to the chipset, debug
// exits become a KernelStop that holds the vCPU until the debugger resolves
// it, and fatal exits end the vCPU with an ErrorEvent. When the last vCPU
// ends, the VM publishes a single ExitingEvent and releases the backend.
package vmm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/obhq/obvmm/internal/chipset"
	"github.com/obhq/obvmm/internal/debug"
	"github.com/obhq/obvmm/internal/devices/console"
	"github.com/obhq/obvmm/internal/devices/serial"
	"github.com/obhq/obvmm/internal/devices/vmmdev"
	"github.com/obhq/obvmm/internal/events"
	"github.com/obhq/obvmm/internal/gdb"
	"github.com/obhq/obvmm/internal/hv"
	"github.com/obhq/obvmm/internal/kernel"
	"github.com/obhq/obvmm/internal/memory"
	"github.com/obhq/obvmm/internal/profile"
	"github.com/obhq/obvmm/internal/screen"
)

const DefaultEventCapacity = 256

// Debugger serves a debug target until ctx ends. *gdb.Server implements it.
type Debugger interface {
	Serve(ctx context.Context, target gdb.Target) error
}

type Config struct {
	Hypervisor hv.Hypervisor
	Kernel     *kernel.Image

	// Screen receives redraw requests. Nil runs without a display.
	Screen screen.Screen

	Profile profile.Profile

	// Debugger, when set, is served the VM and every vCPU starts stopped
	// until it resumes them.
	Debugger Debugger

	// EventCapacity bounds the queued log events. Zero means
	// DefaultEventCapacity.
	EventCapacity int

	Logger *slog.Logger
}

type VirtualMachine struct {
	log     *slog.Logger
	arch    hv.CpuArchitecture
	profile profile.Profile
	layout  layout
	boot    bootImage

	hv      hv.VirtualMachine
	mem     *memory.Manager
	chipset *chipset.Chipset
	vmmdev  *vmmdev.Device
	events  *events.Dispatcher
	bps     *breakpoints
	target  *debugTarget
	screen  screen.Screen
	cpus    []*cpu

	ctx      context.Context
	cancel   context.CancelFunc
	shutdown atomic.Bool
	failed   atomic.Bool
	started  chan struct{}
	redraw   chan struct{}
	nextStop atomic.Uint64

	wg   sync.WaitGroup // workers
	bg   sync.WaitGroup // debugger and redraw
	live atomic.Int32
	done chan struct{}
}

// Start builds the VM, loads the kernel and starts every vCPU. On failure
// everything built so far is released.
func Start(ctx context.Context, cfg Config) (*VirtualMachine, error) {
	if cfg.Hypervisor == nil || cfg.Kernel == nil {
		return nil, fmt.Errorf("vmm: a hypervisor and a kernel are required")
	}
	if err := cfg.Profile.Validate(); err != nil {
		return nil, err
	}
	ramSize, err := cfg.Profile.MemoryBytes()
	if err != nil {
		return nil, err
	}

	arch := cfg.Kernel.Architecture()
	if arch != cfg.Hypervisor.Architecture() {
		return nil, fmt.Errorf("vmm: kernel is %s but the hypervisor runs %s guests: %w", arch, cfg.Hypervisor.Architecture(), hv.ErrUnsupported)
	}

	block := max(cfg.Kernel.PageSize(), hv.HostPageSize())
	ramSize = (ramSize + block - 1) &^ (block - 1)
	l, err := newLayout(ramSize, block)
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	capacity := cfg.EventCapacity
	if capacity == 0 {
		capacity = DefaultEventCapacity
	}

	vm := &VirtualMachine{
		log:     logger,
		arch:    arch,
		profile: cfg.Profile,
		layout:  l,
		screen:  cfg.Screen,
		started: make(chan struct{}),
		redraw:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	vm.hv, err = cfg.Hypervisor.NewVirtualMachine(hv.VMConfig{
		CPUCount: cfg.Profile.CPUCount,
		Debug:    cfg.Debugger != nil,
	})
	if err != nil {
		return nil, fmt.Errorf("vmm: create VM: %w", err)
	}

	if err := vm.build(cfg.Kernel); err != nil {
		vm.release()
		return nil, err
	}

	vm.events = events.New(capacity)
	vm.bps = newBreakpoints(arch, vm.mem)
	if cfg.Debugger != nil {
		vm.target = newDebugTarget(vm)
	}

	vm.ctx, vm.cancel = context.WithCancel(context.Background())
	stopWatching := context.AfterFunc(ctx, vm.Shutdown)

	for i := range cfg.Profile.CPUCount {
		vm.cpus = append(vm.cpus, newCPU(vm, i, cfg.Debugger != nil))
	}
	vm.live.Store(int32(len(vm.cpus)))

	setup := setupAMD64
	if arch == hv.ArchitectureARM64 {
		setup = setupARM64
	}

	var g errgroup.Group
	for _, c := range vm.cpus {
		g.Go(func() error {
			return c.start(vm.ctx, func(vcpu hv.VirtualCPU) error { return setup(vcpu, &vm.boot) })
		})
	}
	if err := g.Wait(); err != nil {
		stopWatching()
		vm.Shutdown()
		go func() {
			for range vm.events.C() {
			}
		}()
		vm.Wait()
		return nil, err
	}

	vm.log.Info("vmm: started", "profile", cfg.Profile.String(), "arch", arch,
		"entry", fmt.Sprintf("%#x", vm.boot.entry), "debug", cfg.Debugger != nil)
	debug.WithSource("vmm").Writef("start %s entry=%#x", cfg.Profile.String(), vm.boot.entry)
	close(vm.started)

	if cfg.Debugger != nil {
		vm.bg.Add(1)
		go func() {
			defer vm.bg.Done()
			if err := cfg.Debugger.Serve(vm.ctx, vm.target); err != nil && !errors.Is(err, context.Canceled) {
				vm.log.Error("vmm: debug server", "error", err)
				vm.events.Log(slog.LevelError, "debug server: %v", err)
			}
		}()
	}
	if vm.screen != nil {
		vm.log.Debug("vmm: screen attached", "surface", fmt.Sprintf("%#x", vm.screen.Surface().Handle()))
		vm.bg.Add(1)
		go func() {
			defer vm.bg.Done()
			vm.presenter()
		}()
	}

	return vm, nil
}

// build lays out guest memory, loads the kernel and wires the devices.
func (vm *VirtualMachine) build(img *kernel.Image) error {
	l := vm.layout

	mem, err := memory.New(vm.hv, l.block, l.ramSize, l.block)
	if err != nil {
		return err
	}
	vm.mem = mem

	if _, err := mem.ReserveDevice(l.console, l.devSize); err != nil {
		return err
	}
	if _, err := mem.ReserveDevice(l.vmmdev, l.devSize); err != nil {
		return err
	}

	cons := console.New(l.console, l.devSize, mem, vm.guestLog)
	vm.vmmdev = vmmdev.New(l.vmmdev, l.devSize, vm.guestShutdown)

	b := chipset.NewBuilder()
	if err := b.RegisterDevice("console", cons); err != nil {
		return fmt.Errorf("vmm: register console: %w", err)
	}
	if err := b.RegisterDevice("vmm", vm.vmmdev); err != nil {
		return fmt.Errorf("vmm: register vmm device: %w", err)
	}
	if vm.arch == hv.ArchitectureX86_64 {
		if err := b.RegisterDevice("serial", serial.New(serial.COM1, vm.guestLog)); err != nil {
			return fmt.Errorf("vmm: register serial port: %w", err)
		}
	}
	vm.chipset = b.Build()

	if vm.arch == hv.ArchitectureX86_64 {
		tables, err := mem.Reserve(pageTableBytes(l.ramSize), hv.MemoryRead|hv.MemoryWrite)
		if err != nil {
			return fmt.Errorf("vmm: allocate page tables: %w", err)
		}
		if err := buildPageTables(tables.Bytes(), tables.Base, l.ramSize); err != nil {
			return err
		}
		vm.boot.pml4 = tables.Base
	}

	kern, err := mem.Reserve(img.Size(l.block), hv.MemoryRWX)
	if err != nil {
		return fmt.Errorf("vmm: allocate kernel memory: %w", err)
	}
	if err := img.Load(kern.Bytes()); err != nil {
		return err
	}
	n, err := img.Relocate(kern.Bytes(), kern.Base)
	if err != nil {
		return err
	}
	vm.boot.entry = kern.Base + img.Entry()
	vm.log.Debug("vmm: kernel loaded", "region", kern.String(), "relocations", n)

	for i := range vm.profile.CPUCount {
		stack, err := mem.Reserve(stackSize, hv.MemoryRead|hv.MemoryWrite)
		if err != nil {
			return fmt.Errorf("vmm: allocate stack for vCPU %d: %w", i, err)
		}
		vm.boot.stacks = append(vm.boot.stacks, stack)
	}

	width, height := vm.profile.Resolution.Size()
	raw := bootArgs{
		CPUCount:     uint32(vm.profile.CPUCount),
		HostPageSize: hv.HostPageSize(),
		VMPageSize:   img.PageSize(),
		Console:      l.console,
		VMM:          l.vmmdev,
		Width:        width,
		Height:       height,
	}.encode()
	args, err := mem.Reserve(uint64(len(raw)), hv.MemoryRead|hv.MemoryWrite)
	if err != nil {
		return fmt.Errorf("vmm: allocate boot arguments: %w", err)
	}
	copy(args.Bytes(), raw)
	vm.boot.args = args.Base

	return nil
}

// release frees the guest memory and the backend VM.
func (vm *VirtualMachine) release() {
	if vm.mem != nil {
		if err := vm.mem.Close(); err != nil {
			vm.log.Error("vmm: release guest memory", "error", err)
		}
	}
	if err := vm.hv.Close(); err != nil {
		vm.log.Error("vmm: close VM", "error", err)
	}
}

func (vm *VirtualMachine) guestLog(id int, level slog.Level, text string) {
	vm.events.Publish(events.LogEvent{Level: level, Text: text})
}

func (vm *VirtualMachine) guestShutdown(id int, code uint32) {
	vm.log.Info("vmm: guest requested shutdown", "cpu", id, "code", code)
	vm.Shutdown()
}

func (vm *VirtualMachine) newStop(c *cpu, reason gdb.StopReason, exit hv.Exit, pc uint64) *KernelStop {
	c.clearPause()
	stop := newStop(c.id, vm.nextStop.Add(1), reason, exit, pc)
	c.log.Debug("vmm: vCPU stopped", "stop", stop.id, "reason", reason, "pc", fmt.Sprintf("%#x", pc))
	return stop
}

// parkStop hands a new stop to whoever resolves it. Pauses go straight to
// the debug target; debug exits travel through the event stream.
func (vm *VirtualMachine) parkStop(stop *KernelStop) {
	if stop.reason == gdb.StopPause {
		if vm.target == nil {
			stop.Resolve(Continue)
			return
		}
		vm.target.add(stop)
		return
	}
	vm.events.Publish(events.BreakpointEvent{Stop: stop})
}

func (vm *VirtualMachine) unparkStop(stop *KernelStop) {
	if vm.target != nil {
		vm.target.remove(stop)
	}
}

// DispatchDebug passes a stop from a BreakpointEvent to the debugger. Without
// a debugger the vCPU simply continues.
func (vm *VirtualMachine) DispatchDebug(stop *KernelStop) {
	if vm.target == nil {
		stop.Resolve(Continue)
		return
	}
	vm.target.add(stop)
}

func (vm *VirtualMachine) fail(id int, err error) {
	vm.failed.Store(true)
	vm.log.Error("vmm: vCPU failed", "cpu", id, "error", err)
	debug.ForCPU(id).Writef("failed: %v", err)
	vm.events.Publish(events.ErrorEvent{CPU: id, Err: err})
}

// workerDone runs on each worker as it returns. The last one finishes the
// session.
func (vm *VirtualMachine) workerDone(c *cpu) {
	if vm.target != nil {
		vm.target.notify()
	}
	if vm.live.Add(-1) != 0 {
		return
	}

	go vm.finish()
}

func (vm *VirtualMachine) finish() {
	vm.wg.Wait()
	vm.Shutdown()
	vm.bg.Wait()
	vm.release()

	success := !vm.failed.Load()
	if code, ok := vm.vmmdev.ExitCode(); ok && code != 0 {
		success = false
	}
	debug.WithSource("vmm").Writef("exiting success=%t", success)
	vm.log.Info("vmm: all vCPUs ended", "success", success)

	vm.events.Close(success)
	close(vm.done)
}

func (vm *VirtualMachine) presenter() {
	w, h := vm.profile.Resolution.Size()
	for {
		select {
		case <-vm.ctx.Done():
			return
		case <-vm.redraw:
			if err := vm.screen.Present(w, h); err != nil {
				vm.events.Log(slog.LevelWarn, "screen: %v", err)
			}
		}
	}
}

// Draw asks the screen to present a frame. Requests made while one is
// pending are merged.
func (vm *VirtualMachine) Draw() {
	if vm.screen == nil {
		return
	}
	select {
	case vm.redraw <- struct{}{}:
	default:
	}
}

// Shutdown stops every vCPU. It returns immediately; Events ends with the
// ExitingEvent once they are all gone. Calling it again has no effect.
func (vm *VirtualMachine) Shutdown() {
	if !vm.shutdown.CompareAndSwap(false, true) {
		return
	}
	vm.log.Debug("vmm: shutting down")
	vm.cancel()
}

func (vm *VirtualMachine) ShuttingDown() bool { return vm.shutdown.Load() }

// Events returns the event stream. It must be drained until closed.
func (vm *VirtualMachine) Events() <-chan events.Event { return vm.events.C() }

// Wait blocks until every vCPU has ended and the VM is released.
func (vm *VirtualMachine) Wait() { <-vm.done }

func (vm *VirtualMachine) Architecture() hv.CpuArchitecture { return vm.arch }

func (vm *VirtualMachine) Profile() profile.Profile { return vm.profile }

// Entry is the guest address the vCPUs start at.
func (vm *VirtualMachine) Entry() uint64 { return vm.boot.entry }

// State reports the state of vCPU id.
func (vm *VirtualMachine) State(id int) State {
	if id < 0 || id >= len(vm.cpus) {
		return StateTerminated
	}
	return vm.cpus[id].State()
}

// Target is the debug target served to the debugger, or nil without one.
func (vm *VirtualMachine) Target() gdb.Target {
	if vm.target == nil {
		return nil
	}
	return vm.target
}
