package vmm

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/obhq/obvmm/internal/gdb"
	"github.com/obhq/obvmm/internal/hv"
)

// translatePage bounds each guest virtual range the target translates at
// once. It is the smallest page size of any supported guest.
const translatePage = 0x1000

// debugTarget exposes the VM to the GDB bridge. Every register and memory
// access is carried out by the worker holding the vCPU's stop.
type debugTarget struct {
	vm *VirtualMachine

	mu      sync.Mutex
	pending map[int]*KernelStop

	// detached is set between a debugger leaving and the next one pausing
	// the machine. Debug exits arriving then are not held.
	detached bool

	changed chan struct{}
}

func newDebugTarget(vm *VirtualMachine) *debugTarget {
	return &debugTarget{
		vm:      vm,
		pending: map[int]*KernelStop{},
		changed: make(chan struct{}, 1),
	}
}

func (t *debugTarget) notify() {
	select {
	case t.changed <- struct{}{}:
	default:
	}
}

func (t *debugTarget) add(stop *KernelStop) {
	if stop.Resolved() {
		return
	}

	t.mu.Lock()
	if t.detached && stop.reason != gdb.StopPause {
		t.mu.Unlock()
		t.release(stop, Continue)
		return
	}
	t.pending[stop.cpu] = stop
	t.mu.Unlock()

	t.notify()
}

func (t *debugTarget) remove(stop *KernelStop) {
	t.mu.Lock()
	if t.pending[stop.cpu] == stop {
		delete(t.pending, stop.cpu)
	}
	t.mu.Unlock()

	t.notify()
}

func (t *debugTarget) stop(id int) (*KernelStop, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	stop, ok := t.pending[id]
	if !ok {
		return nil, fmt.Errorf("vmm: vCPU %d is not stopped: %w", id, hv.ErrInvalidState)
	}
	return stop, nil
}

// held returns the stop of every live vCPU, or fails when one is running.
func (t *debugTarget) held() ([]*KernelStop, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var stops []*KernelStop
	for _, c := range t.vm.cpus {
		if c.State() == StateTerminated {
			continue
		}
		stop, ok := t.pending[c.id]
		if !ok {
			return nil, fmt.Errorf("vmm: vCPU %d is running: %w", c.id, hv.ErrInvalidState)
		}
		stops = append(stops, stop)
	}
	if len(stops) == 0 {
		return nil, fmt.Errorf("vmm: no live vCPU: %w", hv.ErrInvalidState)
	}
	return stops, nil
}

// Architecture implements gdb.Target.
func (t *debugTarget) Architecture() hv.CpuArchitecture { return t.vm.arch }

// Threads implements gdb.Target.
func (t *debugTarget) Threads() []int {
	var ids []int
	for _, c := range t.vm.cpus {
		if c.State() != StateTerminated {
			ids = append(ids, c.id)
		}
	}
	return ids
}

// Pending implements gdb.Target.
func (t *debugTarget) Pending() []gdb.Stop {
	t.mu.Lock()
	defer t.mu.Unlock()

	stops := make([]gdb.Stop, 0, len(t.pending))
	for _, s := range t.pending {
		stops = append(stops, s.info())
	}
	slices.SortFunc(stops, func(a, b gdb.Stop) int { return a.CPU - b.CPU })
	return stops
}

// Changed implements gdb.Target.
func (t *debugTarget) Changed() <-chan struct{} { return t.changed }

// Pause implements gdb.Target.
func (t *debugTarget) Pause() {
	t.mu.Lock()
	t.detached = false
	t.mu.Unlock()

	for _, c := range t.vm.cpus {
		c.requestPause()
	}
}

// GetRegisters implements gdb.Target. Registers the backend does not have
// are left out of regs.
func (t *debugTarget) GetRegisters(id int, regs map[hv.Register]hv.RegisterValue) error {
	stop, err := t.stop(id)
	if err != nil {
		return err
	}

	return stop.Do(t.vm.ctx, func(c *cpu) error {
		err := c.vcpu.GetRegisters(regs)
		if !errors.Is(err, hv.ErrUnsupported) {
			return err
		}
		for reg := range regs {
			one := map[hv.Register]hv.RegisterValue{reg: nil}
			if err := c.vcpu.GetRegisters(one); err != nil {
				if errors.Is(err, hv.ErrUnsupported) {
					delete(regs, reg)
					continue
				}
				return err
			}
			regs[reg] = one[reg]
		}
		return nil
	})
}

// SetRegisters implements gdb.Target. Registers the backend does not have
// are ignored.
func (t *debugTarget) SetRegisters(id int, regs map[hv.Register]hv.RegisterValue) error {
	stop, err := t.stop(id)
	if err != nil {
		return err
	}

	return stop.Do(t.vm.ctx, func(c *cpu) error {
		err := c.vcpu.SetRegisters(regs)
		if !errors.Is(err, hv.ErrUnsupported) {
			return err
		}
		for reg, v := range regs {
			err := c.vcpu.SetRegisters(map[hv.Register]hv.RegisterValue{reg: v})
			if err != nil && !errors.Is(err, hv.ErrUnsupported) {
				return err
			}
		}
		return nil
	})
}

// ReadMemory implements gdb.Target. Software breakpoints are hidden from the
// result.
func (t *debugTarget) ReadMemory(id int, addr uint64, p []byte) error {
	return t.memory(id, addr, p, false)
}

// WriteMemory implements gdb.Target. Software breakpoints under the written
// range stay planted.
func (t *debugTarget) WriteMemory(id int, addr uint64, p []byte) error {
	return t.memory(id, addr, p, true)
}

func (t *debugTarget) memory(id int, addr uint64, p []byte, write bool) error {
	stop, err := t.stop(id)
	if err != nil {
		return err
	}

	return stop.Do(t.vm.ctx, func(c *cpu) error {
		for len(p) > 0 {
			n := min(uint64(len(p)), translatePage-addr%translatePage)
			gpa, err := c.vcpu.TranslateAddress(addr)
			if err != nil {
				return fmt.Errorf("vmm: translate %#x: %w", addr, err)
			}

			chunk := p[:n]
			if write {
				if _, err := t.vm.mem.WriteAt(chunk, int64(gpa)); err != nil {
					return err
				}
				if err := t.vm.bps.written(gpa, chunk); err != nil {
					return err
				}
			} else {
				if _, err := t.vm.mem.ReadAt(chunk, int64(gpa)); err != nil {
					return err
				}
				t.vm.bps.shadow(gpa, chunk)
			}

			p = p[n:]
			addr += n
		}
		return nil
	})
}

// SetBreakpoint implements gdb.Target. Every live vCPU must be stopped.
func (t *debugTarget) SetBreakpoint(kind gdb.BreakpointKind, addr uint64) error {
	key := breakpointKey{kind, addr}
	if t.vm.bps.has(key) {
		return nil
	}

	stops, err := t.held()
	if err != nil {
		return err
	}

	if kind == gdb.BreakpointHardware {
		err := t.armAll(stops, addr)
		if err == nil {
			t.vm.bps.addHardware(key)
			return nil
		}
		if !errors.Is(err, hv.ErrUnsupported) && !errors.Is(err, hv.ErrResourceLimit) {
			return err
		}
		t.vm.log.Debug("vmm: hardware breakpoint unavailable, patching memory", "addr", fmt.Sprintf("%#x", addr), "error", err)
	}

	var gpa uint64
	err = stops[0].Do(t.vm.ctx, func(c *cpu) error {
		var err error
		gpa, err = c.vcpu.TranslateAddress(addr)
		return err
	})
	if err != nil {
		return fmt.Errorf("vmm: translate %#x: %w", addr, err)
	}
	return t.vm.bps.plant(key, gpa)
}

// armAll arms addr on every vCPU, or on none.
func (t *debugTarget) armAll(stops []*KernelStop, addr uint64) error {
	for i, stop := range stops {
		err := stop.Do(t.vm.ctx, func(c *cpu) error { return c.arm(addr) })
		if err == nil {
			continue
		}
		for _, done := range stops[:i] {
			done.Do(t.vm.ctx, func(c *cpu) error {
				c.disarm(addr)
				return nil
			})
		}
		return err
	}
	return nil
}

// ClearBreakpoint implements gdb.Target. Running vCPUs drop a hardware
// breakpoint before their next entry into the guest.
func (t *debugTarget) ClearBreakpoint(kind gdb.BreakpointKind, addr uint64) error {
	bp, err := t.vm.bps.remove(breakpointKey{kind, addr})
	if err != nil || !bp.hardware {
		return err
	}

	for _, c := range t.vm.cpus {
		stop, err := t.stop(c.id)
		if err != nil {
			c.resync.Store(true)
			continue
		}
		if err := stop.Do(t.vm.ctx, func(c *cpu) error {
			c.disarm(addr)
			return nil
		}); err != nil {
			c.resync.Store(true)
		}
	}
	return nil
}

// Resume implements gdb.Target.
func (t *debugTarget) Resume(id int, action gdb.Action) error {
	stop, err := t.stop(id)
	if err != nil {
		return err
	}

	var res Resolution
	switch action {
	case gdb.ActionContinue:
		res = Continue
	case gdb.ActionStep:
		res = Step
	case gdb.ActionDetach:
		res = Detach
	default:
		return fmt.Errorf("vmm: unknown resume action %d", action)
	}

	t.release(stop, res)
	return nil
}

// release resolves stop. A pause requested before now is satisfied by the
// stop, so it is cleared first.
func (t *debugTarget) release(stop *KernelStop, res Resolution) {
	t.vm.cpus[stop.cpu].clearPause()
	t.remove(stop)
	stop.Resolve(res)
}

// Detach implements gdb.Target.
func (t *debugTarget) Detach() error {
	err := t.vm.bps.clear()

	for _, c := range t.vm.cpus {
		c.resync.Store(true)
		c.clearPause()
	}

	t.mu.Lock()
	t.detached = true
	stops := make([]*KernelStop, 0, len(t.pending))
	for _, s := range t.pending {
		stops = append(stops, s)
	}
	t.mu.Unlock()

	for _, s := range stops {
		t.release(s, Detach)
	}
	return err
}

var (
	_ gdb.Target = &debugTarget{}
)
