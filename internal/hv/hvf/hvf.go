//go:build darwin && arm64

// Package hvf implements the hv interfaces on Apple's Hypervisor.framework.
package hvf

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/obhq/obvmm/internal/hv"
	"github.com/obhq/obvmm/internal/hv/hvf/bindings"
	"github.com/obhq/obvmm/internal/timeslice"
	"golang.org/x/sys/unix"
)

var (
	tsHvfCreateVm       = timeslice.RegisterKind("hvf_create_vm", timeslice.SliceFlagInitTime)
	tsHvfAllocateMemory = timeslice.RegisterKind("hvf_allocate_memory", timeslice.SliceFlagInitTime)
	tsHvfCreateVCPU     = timeslice.RegisterKind("hvf_create_vcpu", timeslice.SliceFlagInitTime)
)

// Hypervisor.framework supports a single VM per process.
var globalVM atomic.Pointer[virtualMachine]

func mapReturn(err error, fallback error) error {
	var ret bindings.Return
	if !errors.As(err, &ret) {
		return err
	}
	switch ret {
	case bindings.HV_DENIED:
		return fmt.Errorf("%w: %w", hv.ErrPermissionDenied, err)
	case bindings.HV_NO_RESOURCES:
		return fmt.Errorf("%w: %w", hv.ErrResourceLimit, err)
	case bindings.HV_UNSUPPORTED, bindings.HV_NO_DEVICE:
		return fmt.Errorf("%w: %w", hv.ErrBackendUnavailable, err)
	}
	if fallback != nil {
		return fmt.Errorf("%w: %w", fallback, err)
	}
	return err
}

type memoryRegion struct {
	gpa uint64
	mem []byte
}

// implements hv.MemoryRegion.
func (m *memoryRegion) GuestAddress() uint64 { return m.gpa }
func (m *memoryRegion) Size() uint64         { return uint64(len(m.mem)) }
func (m *memoryRegion) Bytes() []byte        { return m.mem }

func (m *memoryRegion) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || int(off) >= len(m.mem) {
		return 0, fmt.Errorf("hvf: ReadAt offset out of bounds")
	}
	n := copy(p, m.mem[off:])
	if n < len(p) {
		return n, fmt.Errorf("hvf: ReadAt short read")
	}
	return n, nil
}

func (m *memoryRegion) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || int(off) >= len(m.mem) {
		return 0, fmt.Errorf("hvf: WriteAt offset out of bounds")
	}
	n := copy(m.mem[off:], p)
	if n < len(p) {
		return n, fmt.Errorf("hvf: WriteAt short write")
	}
	return n, nil
}

var (
	_ hv.MemoryRegion = &memoryRegion{}
)

type virtualMachine struct {
	rec    *timeslice.Recorder
	hv     *hypervisor
	config hv.VMConfig

	mu      sync.RWMutex
	vcpus   map[int]*virtualCPU
	regions []*memoryRegion
}

// implements hv.VirtualMachine.
func (v *virtualMachine) Hypervisor() hv.Hypervisor { return v.hv }

// AllocateMemory implements hv.VirtualMachine.
func (v *virtualMachine) AllocateMemory(gpa uint64, size uint64, flags hv.MemoryFlags) (hv.MemoryRegion, error) {
	page := hv.HostPageSize()
	if size == 0 || size%page != 0 || gpa%page != 0 {
		return nil, fmt.Errorf("hvf: allocate memory %#x+%#x: unaligned range", gpa, size)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	for _, r := range v.regions {
		if gpa < r.gpa+uint64(len(r.mem)) && r.gpa < gpa+size {
			return nil, fmt.Errorf("hvf: allocate memory %#x+%#x: %w", gpa, size, hv.ErrOverlap)
		}
	}

	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("hvf: mmap guest memory: %w: %w", hv.ErrOutOfMemory, err)
	}

	var hvFlags bindings.MemoryFlags
	if flags&hv.MemoryRead != 0 {
		hvFlags |= bindings.HV_MEMORY_READ
	}
	if flags&hv.MemoryWrite != 0 {
		hvFlags |= bindings.HV_MEMORY_WRITE
	}
	if flags&hv.MemoryExec != 0 {
		hvFlags |= bindings.HV_MEMORY_EXEC
	}

	if err := bindings.VMMap(mem, bindings.IPA(gpa), hvFlags); err != nil {
		unix.Munmap(mem)
		return nil, fmt.Errorf("hvf: map %#x+%#x: %w", gpa, size, mapReturn(err, hv.ErrResourceLimit))
	}
	v.rec.Record(tsHvfAllocateMemory)

	region := &memoryRegion{gpa: gpa, mem: mem}
	v.regions = append(v.regions, region)

	return region, nil
}

// FreeMemory implements hv.VirtualMachine.
func (v *virtualMachine) FreeMemory(region hv.MemoryRegion) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	for i, r := range v.regions {
		if r != region {
			continue
		}
		v.regions = append(v.regions[:i], v.regions[i+1:]...)
		return releaseRegion(r)
	}

	return fmt.Errorf("hvf: free memory: %w", hv.ErrNotMapped)
}

func releaseRegion(r *memoryRegion) error {
	if err := bindings.VMUnmap(bindings.IPA(r.gpa), uint64(len(r.mem))); err != nil {
		return fmt.Errorf("hvf: unmap %#x: %w", r.gpa, err)
	}
	mem := r.mem
	r.mem = nil
	return unix.Munmap(mem)
}

// readPhysical copies guest RAM at gpa into p; used by the page walker.
func (v *virtualMachine) readPhysical(gpa uint64, p []byte) error {
	v.mu.RLock()
	defer v.mu.RUnlock()

	for _, r := range v.regions {
		if gpa >= r.gpa && gpa+uint64(len(p)) <= r.gpa+uint64(len(r.mem)) {
			copy(p, r.mem[gpa-r.gpa:])
			return nil
		}
	}
	return fmt.Errorf("hvf: physical read %#x: %w", gpa, hv.ErrNotMapped)
}

// NewVirtualCPU implements hv.VirtualMachine. The vCPU belongs to the
// calling OS thread for its whole life.
func (v *virtualMachine) NewVirtualCPU(id int) (hv.VirtualCPU, error) {
	if id < 0 || id >= v.config.CPUCount {
		return nil, fmt.Errorf("hvf: vCPU id %d out of range [0, %d)", id, v.config.CPUCount)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if _, ok := v.vcpus[id]; ok {
		return nil, fmt.Errorf("hvf: vCPU %d: %w", id, hv.ErrInvalidState)
	}

	handle, exit, err := bindings.VcpuCreate()
	if err != nil {
		return nil, fmt.Errorf("hvf: create vCPU %d: %w", id, mapReturn(err, hv.ErrResourceLimit))
	}
	v.rec.Record(tsHvfCreateVCPU)

	vcpu := &virtualCPU{vm: v, id: id, handle: handle, exit: exit}

	if v.config.Debug {
		if err := bindings.VcpuSetTrapDebugExceptions(handle, true); err != nil {
			bindings.VcpuDestroy(handle)
			return nil, fmt.Errorf("hvf: trap debug exceptions: %w", mapReturn(err, hv.ErrUnsupported))
		}
	}

	v.vcpus[id] = vcpu

	return vcpu, nil
}

func (v *virtualMachine) forgetVCPU(id int) {
	v.mu.Lock()
	defer v.mu.Unlock()

	delete(v.vcpus, id)
}

// Close implements hv.VirtualMachine. vCPUs must already be closed by their
// owning threads; any left behind are destroyed by hv_vm_destroy.
func (v *virtualMachine) Close() error {
	v.mu.Lock()
	regions := v.regions
	v.regions = nil
	leftover := len(v.vcpus)
	v.vcpus = map[int]*virtualCPU{}
	v.mu.Unlock()

	if leftover > 0 {
		slog.Warn("hvf: closing VM with live vCPUs", "count", leftover)
	}

	var errs []error
	for _, r := range regions {
		if err := releaseRegion(r); err != nil {
			errs = append(errs, err)
		}
	}

	if err := bindings.VMDestroy(); err != nil {
		errs = append(errs, fmt.Errorf("hvf: destroy VM: %w", err))
	}
	globalVM.CompareAndSwap(v, nil)

	return errors.Join(errs...)
}

var (
	_ hv.VirtualMachine = &virtualMachine{}
)

type hypervisor struct {
	maxVCPUs uint32
}

// implements hv.Hypervisor.
func (h *hypervisor) Architecture() hv.CpuArchitecture { return hv.ArchitectureARM64 }
func (h *hypervisor) Close() error                     { return nil }

// NewVirtualMachine implements hv.Hypervisor.
func (h *hypervisor) NewVirtualMachine(config hv.VMConfig) (hv.VirtualMachine, error) {
	if config.CPUCount <= 0 {
		return nil, fmt.Errorf("hvf: invalid vCPU count %d", config.CPUCount)
	}
	if h.maxVCPUs != 0 && uint32(config.CPUCount) > h.maxVCPUs {
		return nil, fmt.Errorf("hvf: %d vCPUs requested, host allows %d: %w", config.CPUCount, h.maxVCPUs, hv.ErrResourceLimit)
	}

	vm := &virtualMachine{
		rec:    timeslice.NewRecorder(),
		hv:     h,
		config: config,
		vcpus:  map[int]*virtualCPU{},
	}

	if !globalVM.CompareAndSwap(nil, vm) {
		return nil, fmt.Errorf("hvf: a VM already exists in this process: %w", hv.ErrResourceLimit)
	}

	if err := bindings.VMCreate(); err != nil {
		globalVM.Store(nil)
		return nil, fmt.Errorf("hvf: create VM: %w", mapReturn(err, hv.ErrResourceLimit))
	}
	vm.rec.Record(tsHvfCreateVm)

	return vm, nil
}

var (
	_ hv.Hypervisor = &hypervisor{}
)

func Open() (hv.Hypervisor, error) {
	if err := bindings.Load(); err != nil {
		return nil, fmt.Errorf("hvf: %w: %w", hv.ErrBackendUnavailable, err)
	}

	limit, err := bindings.MaxVcpuCount()
	if err != nil {
		return nil, fmt.Errorf("hvf: query vCPU limit: %w", mapReturn(err, hv.ErrBackendUnavailable))
	}

	return &hypervisor{maxVCPUs: limit}, nil
}
