//go:build linux && (amd64 || arm64)

// Package kvm implements the hv interfaces on Linux KVM.
package kvm

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"unsafe"

	"github.com/obhq/obvmm/internal/hv"
	"github.com/obhq/obvmm/internal/timeslice"
	"golang.org/x/sys/unix"
)

var (
	tsKvmCreateVm            = timeslice.RegisterKind("kvm_create_vm", timeslice.SliceFlagInitTime)
	tsKvmAllocateMemory      = timeslice.RegisterKind("kvm_allocate_memory", timeslice.SliceFlagInitTime)
	tsKvmSetUserMemoryRegion = timeslice.RegisterKind("kvm_set_user_memory_region", timeslice.SliceFlagInitTime)
	tsKvmCreateVCPU          = timeslice.RegisterKind("kvm_create_vcpu", timeslice.SliceFlagInitTime)
	tsKvmArchVCPUInit        = timeslice.RegisterKind("kvm_arch_vcpu_init", timeslice.SliceFlagInitTime)
)

// mapErrno folds host errors onto the hv taxonomy. Errno values with no fixed
// meaning are wrapped with fallback when it is non-nil.
func mapErrno(err error, fallback error) error {
	var errno unix.Errno
	if !errors.As(err, &errno) {
		return err
	}
	switch errno {
	case unix.ENOENT, unix.ENODEV, unix.ENXIO:
		return fmt.Errorf("%w: %w", hv.ErrBackendUnavailable, err)
	case unix.EACCES, unix.EPERM:
		return fmt.Errorf("%w: %w", hv.ErrPermissionDenied, err)
	case unix.ENOMEM:
		return fmt.Errorf("%w: %w", hv.ErrOutOfMemory, err)
	case unix.EMFILE, unix.ENFILE, unix.ENOSPC:
		return fmt.Errorf("%w: %w", hv.ErrResourceLimit, err)
	}
	if fallback != nil {
		return fmt.Errorf("%w: %w", fallback, err)
	}
	return err
}

type memoryRegion struct {
	gpa  uint64
	slot uint32
	mem  []byte
}

// implements hv.MemoryRegion.
func (m *memoryRegion) GuestAddress() uint64 { return m.gpa }
func (m *memoryRegion) Size() uint64         { return uint64(len(m.mem)) }
func (m *memoryRegion) Bytes() []byte        { return m.mem }

func (m *memoryRegion) ReadAt(p []byte, off int64) (n int, err error) {
	if off < 0 || int(off) >= len(m.mem) {
		return 0, fmt.Errorf("kvm: ReadAt offset out of bounds")
	}

	n = copy(p, m.mem[off:])
	if n < len(p) {
		err = fmt.Errorf("kvm: ReadAt short read")
	}

	return n, err
}

func (m *memoryRegion) WriteAt(p []byte, off int64) (n int, err error) {
	if off < 0 || int(off) >= len(m.mem) {
		return 0, fmt.Errorf("kvm: WriteAt offset out of bounds")
	}

	n = copy(m.mem[off:], p)
	if n < len(p) {
		err = fmt.Errorf("kvm: WriteAt short write")
	}

	return n, err
}

var (
	_ hv.MemoryRegion = &memoryRegion{}
)

type virtualMachine struct {
	rec *timeslice.Recorder

	hv       *hypervisor
	vmFd     int
	config   hv.VMConfig
	mmapSize int

	mu       sync.Mutex
	vcpus    map[int]*virtualCPU
	regions  []*memoryRegion
	nextSlot uint32
	maxSlots uint32
	freeSlot []uint32
}

// implements hv.VirtualMachine.
func (v *virtualMachine) Hypervisor() hv.Hypervisor { return v.hv }

// AllocateMemory implements hv.VirtualMachine.
func (v *virtualMachine) AllocateMemory(gpa uint64, size uint64, flags hv.MemoryFlags) (hv.MemoryRegion, error) {
	if size == 0 || size%hv.HostPageSize() != 0 || gpa%hv.HostPageSize() != 0 {
		return nil, fmt.Errorf("kvm: allocate memory %#x+%#x: unaligned range", gpa, size)
	}

	maxInt := uint64(^uint(0) >> 1)
	if size > maxInt {
		return nil, fmt.Errorf("kvm: allocate memory: size %d exceeds host address limit: %w", size, hv.ErrOutOfMemory)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	for _, r := range v.regions {
		if gpa < r.gpa+uint64(len(r.mem)) && r.gpa < gpa+size {
			return nil, fmt.Errorf("kvm: allocate memory %#x+%#x: %w", gpa, size, hv.ErrOverlap)
		}
	}

	var slot uint32
	if n := len(v.freeSlot); n > 0 {
		slot = v.freeSlot[n-1]
		v.freeSlot = v.freeSlot[:n-1]
	} else {
		if v.maxSlots != 0 && v.nextSlot >= v.maxSlots {
			return nil, fmt.Errorf("kvm: allocate memory: no free memory slot: %w", hv.ErrResourceLimit)
		}
		slot = v.nextSlot
		v.nextSlot++
	}

	mem, err := unix.Mmap(
		-1,
		0,
		int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANONYMOUS|unix.MAP_PRIVATE|unix.MAP_NORESERVE,
	)
	if err != nil {
		v.freeSlot = append(v.freeSlot, slot)
		return nil, fmt.Errorf("kvm: allocate memory: %w", mapErrno(err, hv.ErrOutOfMemory))
	}

	v.rec.Record(tsKvmAllocateMemory)

	var regionFlags uint32
	if flags&hv.MemoryWrite == 0 {
		regionFlags |= 1 << 1 // KVM_MEM_READONLY
	}

	if err := setUserMemoryRegion(v.vmFd, &kvmUserspaceMemoryRegion{
		Slot:          slot,
		Flags:         regionFlags,
		GuestPhysAddr: gpa,
		MemorySize:    size,
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&mem[0]))),
	}); err != nil {
		unix.Munmap(mem)
		v.freeSlot = append(v.freeSlot, slot)
		if errors.Is(err, unix.EEXIST) {
			return nil, fmt.Errorf("kvm: set user memory region: %w", hv.ErrOverlap)
		}
		return nil, fmt.Errorf("kvm: set user memory region: %w", mapErrno(err, nil))
	}

	v.rec.Record(tsKvmSetUserMemoryRegion)

	region := &memoryRegion{gpa: gpa, slot: slot, mem: mem}
	v.regions = append(v.regions, region)

	return region, nil
}

// FreeMemory implements hv.VirtualMachine.
func (v *virtualMachine) FreeMemory(region hv.MemoryRegion) error {
	r, ok := region.(*memoryRegion)
	if !ok {
		return fmt.Errorf("kvm: free memory: foreign region: %w", hv.ErrNotMapped)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	idx := -1
	for i, have := range v.regions {
		if have == r {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("kvm: free memory %#x: %w", r.gpa, hv.ErrNotMapped)
	}

	// a zero-sized region deletes the slot
	if err := setUserMemoryRegion(v.vmFd, &kvmUserspaceMemoryRegion{
		Slot:          r.slot,
		GuestPhysAddr: r.gpa,
	}); err != nil {
		return fmt.Errorf("kvm: delete memory slot %d: %w", r.slot, err)
	}

	if err := unix.Munmap(r.mem); err != nil {
		slog.Error("kvm: munmap guest memory", "error", err)
	}

	v.regions = append(v.regions[:idx], v.regions[idx+1:]...)
	v.freeSlot = append(v.freeSlot, r.slot)
	r.mem = nil

	return nil
}

// NewVirtualCPU implements hv.VirtualMachine.
func (v *virtualMachine) NewVirtualCPU(id int) (hv.VirtualCPU, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.vmFd < 0 {
		return nil, fmt.Errorf("kvm: create vCPU %d: VM closed: %w", id, hv.ErrInvalidState)
	}
	if _, exists := v.vcpus[id]; exists {
		return nil, fmt.Errorf("kvm: vCPU %d already exists: %w", id, hv.ErrInvalidState)
	}

	vcpuFd, err := createVCPU(v.vmFd, id)
	if err != nil {
		return nil, fmt.Errorf("kvm: create vCPU %d: %w", id, mapErrno(err, hv.ErrResourceLimit))
	}

	v.rec.Record(tsKvmCreateVCPU)

	run, err := unix.Mmap(
		vcpuFd,
		0,
		v.mmapSize,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED,
	)
	if err != nil {
		unix.Close(vcpuFd)
		return nil, fmt.Errorf("kvm: mmap vCPU %d kvm_run: %w", id, mapErrno(err, hv.ErrOutOfMemory))
	}

	vcpu := &virtualCPU{
		vm:  v,
		id:  id,
		fd:  vcpuFd,
		run: run,
		tid: unix.Gettid(),
	}

	if err := v.hv.archVCPUInit(vcpu); err != nil {
		vcpu.release()
		return nil, fmt.Errorf("kvm: initialize vCPU %d: %w", id, err)
	}

	if v.config.Debug {
		if err := vcpu.applyGuestDebug(); err != nil {
			vcpu.release()
			return nil, fmt.Errorf("kvm: enable guest debug on vCPU %d: %w", id, err)
		}
	}

	v.rec.Record(tsKvmArchVCPUInit)

	v.vcpus[id] = vcpu

	return vcpu, nil
}

// readPhysical copies guest RAM at gpa into p.
func (v *virtualMachine) readPhysical(gpa uint64, p []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	for _, r := range v.regions {
		if gpa >= r.gpa && gpa+uint64(len(p)) <= r.gpa+uint64(len(r.mem)) {
			copy(p, r.mem[gpa-r.gpa:])
			return nil
		}
	}
	return fmt.Errorf("kvm: physical read %#x: %w", gpa, hv.ErrNotMapped)
}

func (v *virtualMachine) forgetVCPU(id int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.vcpus, id)
}

// Close implements hv.VirtualMachine. vCPUs must be closed by their owning
// goroutines first; any left over are released here.
func (v *virtualMachine) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.vmFd < 0 {
		return nil
	}

	for id, vcpu := range v.vcpus {
		slog.Warn("kvm: vCPU still open at VM close", "vcpu", id)
		vcpu.release()
	}
	v.vcpus = nil

	for _, r := range v.regions {
		if err := unix.Munmap(r.mem); err != nil {
			slog.Error("kvm: munmap guest memory", "error", err)
		}
	}
	v.regions = nil

	if err := unix.Close(v.vmFd); err != nil {
		slog.Error("kvm: close vm fd", "error", err)
	}
	v.vmFd = -1

	return nil
}

var (
	_ hv.VirtualMachine = &virtualMachine{}
)

type hypervisor struct {
	fd int

	archHypervisor
}

func (h *hypervisor) Close() error {
	if err := unix.Close(h.fd); err != nil {
		return fmt.Errorf("close kvm fd: %w", err)
	}

	return nil
}

// maxVcpus returns the most vCPUs one VM may have, or 0 when KVM does not
// say. KVM_CAP_NR_VCPUS is only the recommended count and is used when the
// kernel predates KVM_CAP_MAX_VCPUS.
func maxVcpus(fd int) int {
	if n, err := checkExtension(fd, kvmCapMaxVcpus); err == nil && n > 0 {
		return n
	}
	if n, err := checkExtension(fd, kvmCapNrVcpus); err == nil && n > 0 {
		return n
	}
	return 0
}

// NewVirtualMachine implements hv.Hypervisor.
func (h *hypervisor) NewVirtualMachine(config hv.VMConfig) (hv.VirtualMachine, error) {
	if config.CPUCount < 1 {
		return nil, fmt.Errorf("kvm: invalid vCPU count %d", config.CPUCount)
	}

	rec := timeslice.NewRecorder()

	if limit := maxVcpus(h.fd); limit > 0 && config.CPUCount > limit {
		return nil, fmt.Errorf("kvm: %d vCPUs requested, host allows %d: %w", config.CPUCount, limit, hv.ErrResourceLimit)
	}

	if config.Debug {
		if ok, err := checkExtension(h.fd, kvmCapSetGuestDebug); err != nil || ok == 0 {
			return nil, fmt.Errorf("kvm: guest debugging: %w", hv.ErrUnsupported)
		}
	}

	vmFd, err := createVm(h.fd)
	if err != nil {
		return nil, fmt.Errorf("kvm: create VM: %w", mapErrno(err, hv.ErrResourceLimit))
	}

	rec.Record(tsKvmCreateVm)

	mmapSize, err := getVcpuMmapSize(h.fd)
	if err != nil {
		unix.Close(vmFd)
		return nil, fmt.Errorf("kvm: get kvm_run mmap size: %w", err)
	}

	vm := &virtualMachine{
		rec:      rec,
		hv:       h,
		vmFd:     vmFd,
		config:   config,
		mmapSize: mmapSize,
		vcpus:    make(map[int]*virtualCPU),
	}

	if slots, err := checkExtension(h.fd, kvmCapNrMemslots); err == nil && slots > 0 {
		vm.maxSlots = uint32(slots)
	}

	if err := h.archVMInit(vm); err != nil {
		unix.Close(vmFd)
		return nil, fmt.Errorf("kvm: initialize VM: %w", err)
	}

	return vm, nil
}

var (
	_ hv.Hypervisor = &hypervisor{}
)

func Open() (hv.Hypervisor, error) {
	fd, err := unix.Open("/dev/kvm", unix.O_CLOEXEC|unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/kvm: %w", mapErrno(err, hv.ErrBackendUnavailable))
	}

	version, err := getApiVersion(fd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("get KVM API version: %w", err)
	}
	if version != kvmApiVersion {
		unix.Close(fd)
		return nil, fmt.Errorf("kvm: unsupported API version %d, want %d: %w", version, kvmApiVersion, hv.ErrBackendUnavailable)
	}

	return &hypervisor{fd: fd}, nil
}
