//go:build windows && amd64

// Package whp implements the hv interfaces on the Windows Hypervisor Platform.
package whp

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"unsafe"

	"github.com/obhq/obvmm/internal/hv"
	"github.com/obhq/obvmm/internal/hv/whp/bindings"
	"github.com/obhq/obvmm/internal/timeslice"
)

var (
	tsWhpCreatePartition = timeslice.RegisterKind("whp_create_partition", timeslice.SliceFlagInitTime)
	tsWhpAllocateMemory  = timeslice.RegisterKind("whp_allocate_memory", timeslice.SliceFlagInitTime)
	tsWhpMapGpaRange     = timeslice.RegisterKind("whp_map_gpa_range", timeslice.SliceFlagInitTime)
	tsWhpCreateVCPU      = timeslice.RegisterKind("whp_create_vcpu", timeslice.SliceFlagInitTime)
)

// whpPageSize is the granularity WHvMapGpaRange accepts.
const whpPageSize = 0x1000

// mapHRESULT folds WHP failures onto the hv taxonomy.
func mapHRESULT(err error, fallback error) error {
	var hr bindings.HRESULTError
	if !errors.As(err, &hr) {
		return err
	}
	switch bindings.HRESULT(hr) {
	case bindings.HRESULTAccessDenied:
		return fmt.Errorf("%w: %w", hv.ErrPermissionDenied, err)
	case bindings.HRESULTOutOfMemory:
		return fmt.Errorf("%w: %w", hv.ErrOutOfMemory, err)
	}
	if fallback != nil {
		return fmt.Errorf("%w: %w", fallback, err)
	}
	return err
}

type memoryRegion struct {
	gpa   uint64
	alloc *bindings.Allocation
	mem   []byte
}

// implements hv.MemoryRegion.
func (m *memoryRegion) GuestAddress() uint64 { return m.gpa }
func (m *memoryRegion) Size() uint64         { return uint64(len(m.mem)) }
func (m *memoryRegion) Bytes() []byte        { return m.mem }

func (m *memoryRegion) contains(gpa uint64, n int) bool {
	return gpa >= m.gpa && gpa+uint64(n) <= m.gpa+uint64(len(m.mem))
}

func (m *memoryRegion) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || int(off) >= len(m.mem) {
		return 0, fmt.Errorf("whp: ReadAt offset out of bounds")
	}
	n := copy(p, m.mem[off:])
	if n < len(p) {
		return n, fmt.Errorf("whp: ReadAt short read")
	}
	return n, nil
}

func (m *memoryRegion) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || int(off) >= len(m.mem) {
		return 0, fmt.Errorf("whp: WriteAt offset out of bounds")
	}
	n := copy(m.mem[off:], p)
	if n < len(p) {
		return n, fmt.Errorf("whp: WriteAt short write")
	}
	return n, nil
}

var (
	_ hv.MemoryRegion = &memoryRegion{}
)

type virtualMachine struct {
	rec *timeslice.Recorder

	hv     *hypervisor
	part   bindings.PartitionHandle
	config hv.VMConfig

	mu      sync.RWMutex
	vcpus   map[int]*virtualCPU
	regions []*memoryRegion
}

// implements hv.VirtualMachine.
func (v *virtualMachine) Hypervisor() hv.Hypervisor { return v.hv }

// AllocateMemory implements hv.VirtualMachine.
func (v *virtualMachine) AllocateMemory(gpa uint64, size uint64, flags hv.MemoryFlags) (hv.MemoryRegion, error) {
	if size == 0 || size%whpPageSize != 0 || gpa%whpPageSize != 0 {
		return nil, fmt.Errorf("whp: allocate memory %#x+%#x: unaligned range", gpa, size)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	for _, r := range v.regions {
		if gpa < r.gpa+uint64(len(r.mem)) && r.gpa < gpa+size {
			return nil, fmt.Errorf("whp: allocate memory %#x+%#x: %w", gpa, size, hv.ErrOverlap)
		}
	}

	alloc, err := bindings.VirtualAlloc(uintptr(size))
	if err != nil {
		return nil, fmt.Errorf("whp: allocate memory: %w: %w", hv.ErrOutOfMemory, err)
	}
	v.rec.Record(tsWhpAllocateMemory)

	var mapFlags bindings.MapGPARangeFlags
	if flags&hv.MemoryRead != 0 {
		mapFlags |= bindings.MapGPARangeFlagRead
	}
	if flags&hv.MemoryWrite != 0 {
		mapFlags |= bindings.MapGPARangeFlagWrite
	}
	if flags&hv.MemoryExec != 0 {
		mapFlags |= bindings.MapGPARangeFlagExecute
	}

	if err := bindings.MapGPARange(v.part, alloc.Pointer(), bindings.GuestPhysicalAddress(gpa), size, mapFlags); err != nil {
		alloc.Free()
		return nil, fmt.Errorf("whp: map gpa range %#x+%#x: %w", gpa, size, mapHRESULT(err, hv.ErrResourceLimit))
	}
	v.rec.Record(tsWhpMapGpaRange)

	region := &memoryRegion{gpa: gpa, alloc: alloc, mem: alloc.Slice()}
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
		return v.releaseRegion(r)
	}

	return fmt.Errorf("whp: free memory: %w", hv.ErrNotMapped)
}

func (v *virtualMachine) releaseRegion(r *memoryRegion) error {
	if err := bindings.UnmapGPARange(v.part, bindings.GuestPhysicalAddress(r.gpa), uint64(len(r.mem))); err != nil {
		return fmt.Errorf("whp: unmap gpa range %#x: %w", r.gpa, err)
	}
	r.mem = nil
	return r.alloc.Free()
}

// regionFor returns the RAM region covering [gpa, gpa+n) or nil.
func (v *virtualMachine) regionFor(gpa uint64, n int) *memoryRegion {
	v.mu.RLock()
	defer v.mu.RUnlock()

	for _, r := range v.regions {
		if r.contains(gpa, n) {
			return r
		}
	}
	return nil
}

// NewVirtualCPU implements hv.VirtualMachine.
func (v *virtualMachine) NewVirtualCPU(id int) (hv.VirtualCPU, error) {
	if id < 0 || id >= v.config.CPUCount {
		return nil, fmt.Errorf("whp: vCPU id %d out of range [0, %d)", id, v.config.CPUCount)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if _, ok := v.vcpus[id]; ok {
		return nil, fmt.Errorf("whp: vCPU %d: %w", id, hv.ErrInvalidState)
	}

	if err := bindings.CreateVirtualProcessor(v.part, uint32(id)); err != nil {
		return nil, fmt.Errorf("whp: create vCPU %d: %w", id, mapHRESULT(err, hv.ErrResourceLimit))
	}
	v.rec.Record(tsWhpCreateVCPU)

	vcpu := &virtualCPU{vm: v, id: id}
	v.vcpus[id] = vcpu

	return vcpu, nil
}

func (v *virtualMachine) forgetVCPU(id int) {
	v.mu.Lock()
	defer v.mu.Unlock()

	delete(v.vcpus, id)
}

// Close implements hv.VirtualMachine.
func (v *virtualMachine) Close() error {
	v.mu.Lock()
	vcpus := v.vcpus
	v.vcpus = map[int]*virtualCPU{}
	regions := v.regions
	v.regions = nil
	v.mu.Unlock()

	for _, vcpu := range vcpus {
		vcpu.release()
	}

	var errs []error
	for _, r := range regions {
		if err := v.releaseRegion(r); err != nil {
			errs = append(errs, err)
		}
	}

	if err := bindings.DeletePartition(v.part); err != nil {
		errs = append(errs, fmt.Errorf("whp: delete partition: %w", err))
	}

	return errors.Join(errs...)
}

var (
	_ hv.VirtualMachine = &virtualMachine{}
)

type hypervisor struct{}

// implements hv.Hypervisor.
func (h *hypervisor) Architecture() hv.CpuArchitecture { return hv.ArchitectureX86_64 }
func (h *hypervisor) Close() error                     { return nil }

// NewVirtualMachine implements hv.Hypervisor.
func (h *hypervisor) NewVirtualMachine(config hv.VMConfig) (hv.VirtualMachine, error) {
	if config.CPUCount <= 0 {
		return nil, fmt.Errorf("whp: invalid vCPU count %d", config.CPUCount)
	}

	rec := timeslice.NewRecorder()

	part, err := bindings.CreatePartition()
	if err != nil {
		return nil, fmt.Errorf("whp: create partition: %w", mapHRESULT(err, hv.ErrResourceLimit))
	}

	vm := &virtualMachine{
		rec:    rec,
		hv:     h,
		part:   part,
		config: config,
		vcpus:  map[int]*virtualCPU{},
	}

	if err := vm.configure(); err != nil {
		bindings.DeletePartition(part)
		return nil, err
	}
	rec.Record(tsWhpCreatePartition)

	return vm, nil
}

func (v *virtualMachine) configure() error {
	if err := bindings.SetPartitionProperty(v.part, bindings.PartitionPropertyCodeProcessorCount, uint32(v.config.CPUCount)); err != nil {
		return fmt.Errorf("whp: set processor count %d: %w", v.config.CPUCount, mapHRESULT(err, hv.ErrResourceLimit))
	}

	if v.config.Debug {
		supported, err := bindings.ExtendedVmExitsSupported()
		if err != nil || supported&bindings.ExtendedVmExitException == 0 {
			return fmt.Errorf("whp: exception exits: %w", hv.ErrUnsupported)
		}
		if err := bindings.SetPartitionProperty(v.part, bindings.PartitionPropertyCodeExtendedVmExits, bindings.ExtendedVmExitException); err != nil {
			return fmt.Errorf("whp: enable exception exits: %w", err)
		}
		bitmap := uint64(1)<<bindings.ExceptionDebug | uint64(1)<<bindings.ExceptionBreakpoint
		if err := bindings.SetPartitionProperty(v.part, bindings.PartitionPropertyCodeExceptionExitBitmap, bitmap); err != nil {
			return fmt.Errorf("whp: set exception bitmap: %w", err)
		}
	}

	if err := bindings.SetupPartition(v.part); err != nil {
		return fmt.Errorf("whp: setup partition: %w", mapHRESULT(err, nil))
	}

	return nil
}

var (
	_ hv.Hypervisor = &hypervisor{}
)

// Open probes the platform and returns a WHP hypervisor.
func Open() (hv.Hypervisor, error) {
	if err := bindings.Load(); err != nil {
		return nil, fmt.Errorf("whp: load winhvplatform.dll: %w: %w", hv.ErrBackendUnavailable, err)
	}

	present, err := bindings.IsHypervisorPresent()
	if err != nil {
		return nil, fmt.Errorf("whp: %w: %w", hv.ErrBackendUnavailable, err)
	}
	if !present {
		return nil, fmt.Errorf("whp: hypervisor not present: %w", hv.ErrBackendUnavailable)
	}

	if _, err := sharedEmulator(); err != nil {
		return nil, fmt.Errorf("whp: create emulator: %w: %w", hv.ErrBackendUnavailable, err)
	}

	slog.Debug("whp: hypervisor ready")

	return &hypervisor{}, nil
}

var (
	emulatorOnce   sync.Once
	emulatorHandle bindings.EmulatorHandle
	emulatorErr    error
)

// sharedEmulator returns the process wide instruction emulator. Callbacks
// receive the owning *virtualCPU as their context pointer.
func sharedEmulator() (bindings.EmulatorHandle, error) {
	emulatorOnce.Do(func() {
		emulatorHandle, emulatorErr = bindings.NewEmulator(bindings.EmulatorCallbacks{
			IoPort: func(ctx unsafe.Pointer, access *bindings.EmulatorIOAccessInfo) bindings.HRESULT {
				return (*virtualCPU)(ctx).emulateIO(access)
			},
			Memory: func(ctx unsafe.Pointer, access *bindings.EmulatorMemoryAccessInfo) bindings.HRESULT {
				return (*virtualCPU)(ctx).emulateMemory(access)
			},
			GetRegisters: func(ctx unsafe.Pointer, names []bindings.RegisterName, values []bindings.RegisterValue) bindings.HRESULT {
				return (*virtualCPU)(ctx).emulatorRegisters(names, values, false)
			},
			SetRegisters: func(ctx unsafe.Pointer, names []bindings.RegisterName, values []bindings.RegisterValue) bindings.HRESULT {
				return (*virtualCPU)(ctx).emulatorRegisters(names, values, true)
			},
			TranslateGva: func(ctx unsafe.Pointer, gva bindings.GuestVirtualAddress, flags bindings.TranslateGVAFlags, result *bindings.TranslateGVAResultCode, gpa *bindings.GuestPhysicalAddress) bindings.HRESULT {
				return (*virtualCPU)(ctx).emulatorTranslate(gva, flags, result, gpa)
			},
		})
	})
	return emulatorHandle, emulatorErr
}
