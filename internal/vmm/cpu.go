package vmm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/obhq/obvmm/internal/chipset"
	"github.com/obhq/obvmm/internal/debug"
	"github.com/obhq/obvmm/internal/gdb"
	"github.com/obhq/obvmm/internal/hv"
	"github.com/obhq/obvmm/internal/timeslice"
)

type State int32

const (
	StateCreated State = iota
	StateRunning
	StateStopped
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var (
	sliceGuest   = timeslice.RegisterKind("vmm_guest", timeslice.SliceFlagGuestTime)
	sliceHalt    = timeslice.RegisterKind("vmm_halt", timeslice.SliceFlagGuestTime)
	sliceIO      = timeslice.RegisterKind("vmm_io", 0)
	sliceMMIO    = timeslice.RegisterKind("vmm_mmio", 0)
	sliceStopped = timeslice.RegisterKind("vmm_stopped", 0)
	sliceHost    = timeslice.RegisterKind("vmm_host", 0)
)

// cpu drives one vCPU. Everything below the mutex is only touched by the
// worker goroutine, which is locked to its OS thread.
type cpu struct {
	vm    *VirtualMachine
	id    int
	log   *slog.Logger
	trace debug.Source

	state atomic.Int32

	// resync asks the worker to drop hardware breakpoints the table no
	// longer has.
	resync atomic.Bool

	mu     sync.Mutex
	pause  bool
	cancel context.CancelFunc

	vcpu     hv.VirtualCPU
	rec      *timeslice.Recorder
	hwArmed  []uint64
	stepping bool
}

func newCPU(vm *VirtualMachine, id int, paused bool) *cpu {
	return &cpu{
		vm:    vm,
		id:    id,
		log:   vm.log.With("cpu", id),
		trace: debug.ForCPU(id),
		pause: paused,
	}
}

func (c *cpu) State() State { return State(c.state.Load()) }

func (c *cpu) setState(s State) {
	if old := State(c.state.Swap(int32(s))); old != s {
		c.log.Debug("vmm: vCPU state", "from", old, "to", s)
	}
}

// requestPause makes the worker stop with a pause at its next chance.
func (c *cpu) requestPause() {
	if c.State() == StateTerminated {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.pause = true
	if c.cancel != nil {
		c.cancel()
	}
}

func (c *cpu) clearPause() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pause = false
}

func (c *cpu) takePause() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := c.pause
	c.pause = false
	return p
}

// start launches the worker and waits until its vCPU is created and set up.
func (c *cpu) start(ctx context.Context, setup func(hv.VirtualCPU) error) error {
	ready := make(chan error, 1)

	c.vm.wg.Add(1)
	go func() {
		defer c.vm.wg.Done()
		c.main(ctx, setup, ready)
	}()

	return <-ready
}

func (c *cpu) main(ctx context.Context, setup func(hv.VirtualCPU) error, ready chan<- error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	defer func() {
		c.setState(StateTerminated)
		c.vm.workerDone(c)
	}()

	vcpu, err := c.vm.hv.NewVirtualCPU(c.id)
	if err != nil {
		ready <- fmt.Errorf("vmm: create vCPU %d: %w", c.id, err)
		return
	}
	defer func() {
		if err := vcpu.Close(); err != nil {
			c.log.Error("vmm: close vCPU", "error", err)
		}
	}()

	if err := setup(vcpu); err != nil {
		ready <- fmt.Errorf("vmm: set up vCPU %d: %w", c.id, err)
		return
	}
	c.vcpu = vcpu
	c.rec = timeslice.NewRecorder()
	c.rec.Record(timeslice.TimesliceInit)
	ready <- nil

	// Wait for every vCPU before entering the guest so a failed start-up
	// never runs guest code.
	select {
	case <-c.vm.started:
	case <-ctx.Done():
		return
	}

	if err := c.loop(ctx); err != nil {
		c.vm.fail(c.id, err)
	}
}

func (c *cpu) loop(ctx context.Context) error {
	c.setState(StateRunning)

	for {
		if c.vm.ShuttingDown() {
			return nil
		}

		if c.takePause() {
			pc, err := c.pc()
			if err != nil {
				return c.hostError("read pc", err)
			}
			stop := c.vm.newStop(c, gdb.StopPause, hv.Exit{}, pc)
			if ok, err := c.hold(ctx, stop); !ok || err != nil {
				return err
			}
			continue
		}

		if c.resync.Swap(false) {
			c.syncHardware()
		}

		exit, err := c.run(ctx, true)
		if err != nil {
			return c.hostError("run", err)
		}
		c.trace.Exit(exit)

		switch exit.Kind {
		case hv.ExitCanceled:
			c.rec.Record(sliceGuest)
		case hv.ExitHalt:
			c.rec.Record(sliceHalt)
		case hv.ExitIO, hv.ExitMMIO:
			c.rec.Record(sliceGuest)
			if err := c.access(exit); err != nil {
				return err
			}
		case hv.ExitDebug:
			c.rec.Record(sliceGuest)
			if ok, err := c.debugExit(ctx, exit); !ok || err != nil {
				return err
			}
		default:
			c.rec.Record(sliceGuest)
			return c.fault(exit, nil)
		}
	}
}

// run enters the guest once. A pausable run is interrupted by
// requestPause; it returns ExitCanceled without entering the guest when a
// pause is already pending.
func (c *cpu) run(ctx context.Context, pausable bool) (hv.Exit, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if pausable {
		c.mu.Lock()
		if c.pause {
			c.mu.Unlock()
			return hv.Exit{Kind: hv.ExitCanceled}, nil
		}
		c.cancel = cancel
		c.mu.Unlock()

		defer func() {
			c.mu.Lock()
			c.cancel = nil
			c.mu.Unlock()
		}()
	}

	c.rec.Record(sliceHost)
	return c.vcpu.Run(runCtx)
}

// access serves an I/O or MMIO exit on the chipset.
func (c *cpu) access(exit hv.Exit) error {
	ctx := chipset.ExitContext{CPU: c.id}

	var err error
	if exit.Kind == hv.ExitIO {
		err = c.vm.chipset.HandlePIO(ctx, exit.IO.Port, exit.IO.Data, exit.IO.IsWrite)
		c.rec.Record(sliceIO)
	} else {
		addr := exit.MMIO.Address
		region, _, ok := c.vm.mem.Translate(addr)
		if !ok {
			return c.fault(exit, fmt.Errorf("access to unmapped address %#x: %w", addr, hv.ErrNotMapped))
		}
		if !region.IsDevice() {
			return c.fault(exit, fmt.Errorf("mmio exit inside RAM region %s", region))
		}
		err = c.vm.chipset.HandleMMIO(ctx, addr, exit.MMIO.Data, exit.MMIO.IsWrite)
		c.rec.Record(sliceMMIO)
	}
	if err != nil {
		return c.fault(exit, err)
	}
	return nil
}

// debugExit turns a debug exit into a stop. It returns false when the VM
// shut down while the stop was held.
func (c *cpu) debugExit(ctx context.Context, exit hv.Exit) (bool, error) {
	soft, hard := c.vm.bps.at(exit.PC)

	pc := exit.PC
	var reason gdb.StopReason
	switch exit.Debug {
	case hv.DebugSoftwareBreakpoint:
		reason = gdb.StopSoftwareBreakpoint

		// Execution restarts at our own trap so the original instruction
		// runs once the patch is lifted. A trap the guest put there itself
		// is reported with pc past it. A trap from a breakpoint removed
		// while the exit was in flight is re-executed silently.
		ignore := false
		if soft == nil {
			if c.guestTrap(pc) {
				pc += uint64(len(c.vm.arch.BreakpointInstruction()))
			} else {
				ignore = true
			}
		}
		if err := c.setPC(pc); err != nil {
			return false, c.hostError("set pc", err)
		}
		if ignore {
			c.log.Debug("vmm: ignoring exit from a removed breakpoint", "pc", fmt.Sprintf("%#x", pc))
			return true, nil
		}
	case hv.DebugHardwareBreakpoint:
		reason = gdb.StopHardwareBreakpoint
		if !hard {
			c.disarm(exit.PC)
			return true, nil
		}
	case hv.DebugStep:
		reason = gdb.StopStep
		if !c.stepping {
			if err := c.vcpu.SetSingleStep(false); err != nil && !errors.Is(err, hv.ErrUnsupported) {
				return false, c.hostError("disable single step", err)
			}
			return true, nil
		}
	default:
		return false, c.fault(exit, fmt.Errorf("debug exit without a cause"))
	}

	return c.hold(ctx, c.vm.newStop(c, reason, exit, pc))
}

// guestTrap reports whether the guest itself has a trap instruction at pc.
func (c *cpu) guestTrap(pc uint64) bool {
	trap := c.vm.arch.BreakpointInstruction()
	gpa, err := c.vcpu.TranslateAddress(pc)
	if err != nil {
		return false
	}
	code := make([]byte, len(trap))
	if _, err := c.vm.mem.ReadAt(code, int64(gpa)); err != nil {
		return false
	}
	return bytes.Equal(code, trap)
}

// hold parks the worker on stop until the debugger resolves it, then carries
// out the resolution. Stepping produces a new stop and holds again. It
// returns false when the VM is shutting down.
func (c *cpu) hold(ctx context.Context, stop *KernelStop) (bool, error) {
	for {
		c.setState(StateStopped)
		c.vm.parkStop(stop)

		res, ok := stop.serve(ctx, c)
		c.vm.unparkStop(stop)
		c.rec.Record(sliceStopped)
		if !ok {
			stop.Resolve(Detach)
			return false, nil
		}
		c.setState(StateRunning)
		c.log.Debug("vmm: stop resolved", "stop", stop.id, "resolution", res)

		switch res {
		case Detach:
			c.detach()
			return true, nil
		case Continue:
			pc, err := c.pc()
			if err != nil {
				return false, c.hostError("read pc", err)
			}
			if soft, hard := c.vm.bps.at(pc); soft == nil && !hard {
				return true, nil
			}
			exit, err := c.step(ctx)
			if err != nil {
				return false, err
			}
			switch {
			case exit.Kind == hv.ExitCanceled:
				return !c.vm.ShuttingDown(), nil
			case exit.IsFatal():
				return false, c.fault(exit, nil)
			case exit.Kind == hv.ExitDebug && exit.Debug != hv.DebugStep:
				return c.debugExit(ctx, exit)
			}
			return true, nil
		case Step:
			exit, err := c.step(ctx)
			if err != nil {
				return false, err
			}
			switch {
			case exit.Kind == hv.ExitCanceled:
				return !c.vm.ShuttingDown(), nil
			case exit.IsFatal():
				return false, c.fault(exit, nil)
			}

			reason := gdb.StopStep
			switch exit.Debug {
			case hv.DebugSoftwareBreakpoint:
				reason = gdb.StopSoftwareBreakpoint
				if err := c.setPC(exit.PC); err != nil {
					return false, c.hostError("rewind pc", err)
				}
			case hv.DebugHardwareBreakpoint:
				reason = gdb.StopHardwareBreakpoint
			}
			pc, err := c.pc()
			if err != nil {
				return false, c.hostError("read pc", err)
			}
			stop = c.vm.newStop(c, reason, exit, pc)
		}
	}
}

// step executes one guest instruction with any breakpoint at the current PC
// lifted. I/O and MMIO exits on the way are served. It returns the exit that
// ended the step.
func (c *cpu) step(ctx context.Context) (hv.Exit, error) {
	pc, err := c.pc()
	if err != nil {
		return hv.Exit{}, c.hostError("read pc", err)
	}

	soft, hard := c.vm.bps.at(pc)
	if soft != nil {
		if err := c.vm.bps.lift(soft); err != nil {
			return hv.Exit{}, c.hostError("step over breakpoint", err)
		}
		defer func() {
			if err := c.vm.bps.restore(soft); err != nil {
				c.log.Warn("vmm: replant breakpoint", "error", err)
			}
		}()
	}
	if hard && slices.Contains(c.hwArmed, pc) {
		c.disarm(pc)
		defer c.arm(pc)
	}

	if err := c.vcpu.SetSingleStep(true); err != nil {
		return hv.Exit{}, c.hostError("enable single step", err)
	}
	c.stepping = true
	defer func() {
		c.stepping = false
		if err := c.vcpu.SetSingleStep(false); err != nil {
			c.log.Warn("vmm: disable single step", "error", err)
		}
	}()

	for {
		exit, err := c.run(ctx, false)
		if err != nil {
			return hv.Exit{}, c.hostError("run", err)
		}
		c.trace.Exit(exit)
		c.rec.Record(sliceGuest)

		switch exit.Kind {
		case hv.ExitIO, hv.ExitMMIO:
			if err := c.access(exit); err != nil {
				return hv.Exit{}, err
			}
		case hv.ExitCanceled:
			if ctx.Err() != nil {
				return exit, nil
			}
		default:
			return exit, nil
		}
	}
}

// detach drops everything the debugger left on this vCPU.
func (c *cpu) detach() {
	for _, addr := range slices.Clone(c.hwArmed) {
		c.disarm(addr)
	}
	if err := c.vcpu.SetSingleStep(false); err != nil && !errors.Is(err, hv.ErrUnsupported) {
		c.log.Warn("vmm: disable single step", "error", err)
	}
}

func (c *cpu) syncHardware() {
	want := c.vm.bps.hardwareAddrs()
	for _, addr := range slices.Clone(c.hwArmed) {
		if !slices.Contains(want, addr) {
			c.disarm(addr)
		}
	}
}

func (c *cpu) arm(addr uint64) error {
	if slices.Contains(c.hwArmed, addr) {
		return nil
	}
	if err := c.vcpu.SetHardwareBreakpoint(addr); err != nil {
		return err
	}
	c.hwArmed = append(c.hwArmed, addr)
	return nil
}

func (c *cpu) disarm(addr uint64) {
	if err := c.vcpu.ClearHardwareBreakpoint(addr); err != nil && !errors.Is(err, hv.ErrNotMapped) {
		c.log.Warn("vmm: clear hardware breakpoint", "addr", fmt.Sprintf("%#x", addr), "error", err)
	}
	c.hwArmed = slices.DeleteFunc(c.hwArmed, func(a uint64) bool { return a == addr })
}

func (c *cpu) pc() (uint64, error) {
	reg := c.vm.arch.ProgramCounter()
	regs := map[hv.Register]hv.RegisterValue{reg: nil}
	if err := c.vcpu.GetRegisters(regs); err != nil {
		return 0, err
	}
	v, _ := regs[reg].(hv.Register64)
	return uint64(v), nil
}

func (c *cpu) setPC(pc uint64) error {
	return c.vcpu.SetRegisters(map[hv.Register]hv.RegisterValue{
		c.vm.arch.ProgramCounter(): hv.Register64(pc),
	})
}

func (c *cpu) hostError(op string, err error) error {
	return fmt.Errorf("vmm: vCPU %d: %s: %w", c.id, op, err)
}

// fault builds the error a vCPU terminates with after exit.
func (c *cpu) fault(exit hv.Exit, cause error) error {
	ferr := &FaultError{CPU: c.id, Exit: exit, Arch: c.vm.arch, Err: cause}
	if code, err := c.code(exit.PC); err == nil {
		ferr.Code = code
	}
	return ferr
}

// code reads the instruction bytes at the virtual address pc.
func (c *cpu) code(pc uint64) ([]byte, error) {
	gpa, err := c.vcpu.TranslateAddress(pc)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, faultCodeSize)
	for len(buf) > 0 {
		if _, err := c.vm.mem.ReadAt(buf, int64(gpa)); err == nil {
			c.vm.bps.shadow(gpa, buf)
			return buf, nil
		}
		buf = buf[:len(buf)/2]
	}
	return nil, fmt.Errorf("vmm: read code at %#x: %w", pc, hv.ErrNotMapped)
}
