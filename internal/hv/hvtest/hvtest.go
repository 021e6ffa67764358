// Package hvtest is an in-process hv backend for tests. It runs a handful of
// x86-64 instructions in software so the execution engine and the debug
// bridge can be exercised without a hardware hypervisor.
//
// Supported instructions:
//
//	90            nop
//	F4            hlt          (ExitHalt)
//	CC            int3         (ExitDebug, PC at the int3)
//	EB rel8       jmp          (jmp $ spins until the run is cancelled)
//	B0 imm8       mov al, imm8
//	85 F6         test esi, esi
//	74 rel8       jz
//	75 rel8       jnz
//	BA imm32      mov edx, imm32
//	E4 imm8       in al, imm8  (ExitIO)
//	E6 imm8       out imm8, al (ExitIO)
//	EC            in al, dx    (ExitIO)
//	EE            out dx, al   (ExitIO)
//	A0 moffs64    mov al, [moffs64]  (ExitMMIO when unbacked)
//	A2 moffs64    mov [moffs64], al  (ExitMMIO when unbacked)
//	0F 0B         ud2          (ExitFatal)
package hvtest

import (
	"fmt"
	"slices"
	"sync"

	"github.com/obhq/obvmm/internal/hv"
)

// PageSize is the allocation granularity of the fake backend.
const PageSize = 0x1000

// DefaultHardwareBreakpoints is the number of debug address registers each
// fake vCPU has, matching DR0-DR3.
const DefaultHardwareBreakpoints = 4

type Hypervisor struct {
	// HardwareBreakpoints is the per-vCPU slot count. Zero makes hardware
	// breakpoints unsupported.
	HardwareBreakpoints int

	// MaxCPUs limits NewVirtualCPU. Zero means no limit.
	MaxCPUs int
}

// Open returns a fake hypervisor with the default breakpoint slots.
func Open() *Hypervisor {
	return &Hypervisor{HardwareBreakpoints: DefaultHardwareBreakpoints}
}

// implements hv.Hypervisor.
func (h *Hypervisor) Architecture() hv.CpuArchitecture { return hv.ArchitectureX86_64 }
func (h *Hypervisor) Close() error                     { return nil }

// NewVirtualMachine implements hv.Hypervisor.
func (h *Hypervisor) NewVirtualMachine(config hv.VMConfig) (hv.VirtualMachine, error) {
	if config.CPUCount <= 0 {
		return nil, fmt.Errorf("hvtest: invalid vCPU count %d", config.CPUCount)
	}
	if h.MaxCPUs != 0 && config.CPUCount > h.MaxCPUs {
		return nil, fmt.Errorf("hvtest: %d vCPUs requested: %w", config.CPUCount, hv.ErrResourceLimit)
	}

	return &VirtualMachine{
		hv:     h,
		config: config,
		vcpus:  map[int]*VirtualCPU{},
		runs:   map[int]int{},
	}, nil
}

var (
	_ hv.Hypervisor = &Hypervisor{}
)

type memoryRegion struct {
	gpa   uint64
	mem   []byte
	flags hv.MemoryFlags
}

// implements hv.MemoryRegion.
func (m *memoryRegion) GuestAddress() uint64 { return m.gpa }
func (m *memoryRegion) Size() uint64         { return uint64(len(m.mem)) }
func (m *memoryRegion) Bytes() []byte        { return m.mem }

func (m *memoryRegion) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(m.mem)) {
		return 0, fmt.Errorf("hvtest: ReadAt %#x+%d out of bounds", off, len(p))
	}
	return copy(p, m.mem[off:]), nil
}

func (m *memoryRegion) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(m.mem)) {
		return 0, fmt.Errorf("hvtest: WriteAt %#x+%d out of bounds", off, len(p))
	}
	return copy(m.mem[off:], p), nil
}

var (
	_ hv.MemoryRegion = &memoryRegion{}
)

type VirtualMachine struct {
	hv     *Hypervisor
	config hv.VMConfig

	mu      sync.RWMutex
	regions []*memoryRegion
	vcpus   map[int]*VirtualCPU
	runs    map[int]int
	closed  bool
}

// implements hv.VirtualMachine.
func (v *VirtualMachine) Hypervisor() hv.Hypervisor { return v.hv }

// Config returns the configuration the VM was created with.
func (v *VirtualMachine) Config() hv.VMConfig { return v.config }

// AllocateMemory implements hv.VirtualMachine.
func (v *VirtualMachine) AllocateMemory(gpa, size uint64, flags hv.MemoryFlags) (hv.MemoryRegion, error) {
	if size == 0 || size%PageSize != 0 || gpa%PageSize != 0 {
		return nil, fmt.Errorf("hvtest: allocate memory %#x+%#x: unaligned range", gpa, size)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	for _, r := range v.regions {
		if gpa < r.gpa+uint64(len(r.mem)) && r.gpa < gpa+size {
			return nil, fmt.Errorf("hvtest: allocate memory %#x+%#x: %w", gpa, size, hv.ErrOverlap)
		}
	}

	region := &memoryRegion{gpa: gpa, mem: make([]byte, size), flags: flags}
	v.regions = append(v.regions, region)

	return region, nil
}

// FreeMemory implements hv.VirtualMachine.
func (v *VirtualMachine) FreeMemory(region hv.MemoryRegion) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	for i, r := range v.regions {
		if r == region {
			v.regions = slices.Delete(v.regions, i, i+1)
			return nil
		}
	}
	return fmt.Errorf("hvtest: free memory: %w", hv.ErrNotMapped)
}

// Regions returns the number of live memory regions.
func (v *VirtualMachine) Regions() int {
	v.mu.RLock()
	defer v.mu.RUnlock()

	return len(v.regions)
}

// ReadPhysical copies guest memory at gpa into p.
func (v *VirtualMachine) ReadPhysical(gpa uint64, p []byte) error {
	v.mu.RLock()
	defer v.mu.RUnlock()

	r := v.lookup(gpa, uint64(len(p)))
	if r == nil {
		return fmt.Errorf("hvtest: read %#x+%d: %w", gpa, len(p), hv.ErrNotMapped)
	}
	copy(p, r.mem[gpa-r.gpa:])
	return nil
}

// WritePhysical copies p into guest memory at gpa.
func (v *VirtualMachine) WritePhysical(gpa uint64, p []byte) error {
	v.mu.RLock()
	defer v.mu.RUnlock()

	r := v.lookup(gpa, uint64(len(p)))
	if r == nil {
		return fmt.Errorf("hvtest: write %#x+%d: %w", gpa, len(p), hv.ErrNotMapped)
	}
	copy(r.mem[gpa-r.gpa:], p)
	return nil
}

// Mapped reports whether gpa is backed by RAM.
func (v *VirtualMachine) Mapped(gpa uint64) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()

	return v.lookup(gpa, 1) != nil
}

// lookup requires v.mu.
func (v *VirtualMachine) lookup(gpa, size uint64) *memoryRegion {
	for _, r := range v.regions {
		if gpa >= r.gpa && gpa+size <= r.gpa+uint64(len(r.mem)) {
			return r
		}
	}
	return nil
}

// NewVirtualCPU implements hv.VirtualMachine.
func (v *VirtualMachine) NewVirtualCPU(id int) (hv.VirtualCPU, error) {
	if id < 0 || id >= v.config.CPUCount {
		return nil, fmt.Errorf("hvtest: vCPU id %d out of range [0, %d)", id, v.config.CPUCount)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return nil, fmt.Errorf("hvtest: VM closed: %w", hv.ErrInvalidState)
	}
	if _, ok := v.vcpus[id]; ok {
		return nil, fmt.Errorf("hvtest: vCPU %d: %w", id, hv.ErrInvalidState)
	}

	vcpu := &VirtualCPU{
		vm:   v,
		id:   id,
		regs: map[hv.Register]uint64{hv.RegisterAMD64Rflags: 0x2},
	}
	v.vcpus[id] = vcpu

	return vcpu, nil
}

// RunCount reports how many times vCPU id has entered Run.
func (v *VirtualMachine) RunCount(id int) int {
	v.mu.RLock()
	defer v.mu.RUnlock()

	return v.runs[id]
}

func (v *VirtualMachine) countRun(id int) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.runs[id]++
}

// LiveCPUs returns the number of vCPUs that have not been closed.
func (v *VirtualMachine) LiveCPUs() int {
	v.mu.RLock()
	defer v.mu.RUnlock()

	return len(v.vcpus)
}

// Closed reports whether Close has been called.
func (v *VirtualMachine) Closed() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()

	return v.closed
}

// Close implements hv.VirtualMachine.
func (v *VirtualMachine) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return nil
	}
	v.closed = true
	v.regions = nil

	return nil
}

var (
	_ hv.VirtualMachine = &VirtualMachine{}
)
