// Package memory tracks the guest physical address space of a VM.
//
// A Manager hands out non-overlapping regions inside a fixed window. RAM
// regions are backed by host memory obtained from the hypervisor; device
// regions only reserve addresses so MMIO exits can be attributed.
package memory

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"

	"github.com/docker/go-units"

	"github.com/obhq/obvmm/internal/hv"
)

// Allocator is the part of hv.VirtualMachine the manager maps RAM with.
type Allocator interface {
	AllocateMemory(gpa, size uint64, flags hv.MemoryFlags) (hv.MemoryRegion, error)
	FreeMemory(region hv.MemoryRegion) error
}

// Region is a reserved guest physical range. It never changes size and stays
// valid until released.
type Region struct {
	Base  uint64
	Size  uint64
	Flags hv.MemoryFlags

	backing hv.MemoryRegion
}

func (r *Region) End() uint64 { return r.Base + r.Size }

func (r *Region) Contains(addr uint64) bool {
	return addr >= r.Base && addr < r.End()
}

// IsDevice reports whether the region is an MMIO window without RAM.
func (r *Region) IsDevice() bool { return r.backing == nil }

// Bytes returns the host mapping of a RAM region, or nil for a device region.
func (r *Region) Bytes() []byte {
	if r.backing == nil {
		return nil
	}
	return r.backing.Bytes()
}

func (r *Region) String() string {
	if r.IsDevice() {
		return fmt.Sprintf("[%#x-%#x) mmio", r.Base, r.End())
	}
	return fmt.Sprintf("[%#x-%#x) %s", r.Base, r.End(), r.Flags)
}

type Manager struct {
	vm          Allocator
	base        uint64
	limit       uint64
	granularity uint64

	mu      sync.Mutex
	regions []*Region // sorted by Base
}

// New creates a manager for [base, limit). Every region is aligned to and
// sized in multiples of granularity, which must be a power of two.
func New(vm Allocator, base, limit, granularity uint64) (*Manager, error) {
	if granularity == 0 || granularity&(granularity-1) != 0 {
		return nil, fmt.Errorf("memory: granularity %#x is not a power of 2", granularity)
	}
	if base%granularity != 0 || limit%granularity != 0 || limit <= base {
		return nil, fmt.Errorf("memory: invalid window [%#x-%#x) for granularity %#x", base, limit, granularity)
	}

	return &Manager{
		vm:          vm,
		base:        base,
		limit:       limit,
		granularity: granularity,
	}, nil
}

func (m *Manager) Base() uint64        { return m.base }
func (m *Manager) Limit() uint64       { return m.limit }
func (m *Manager) Granularity() uint64 { return m.granularity }

func (m *Manager) alignUp(v uint64) uint64 {
	return (v + m.granularity - 1) &^ (m.granularity - 1)
}

// Reserve maps size bytes of RAM at the lowest free address of the window.
// Placement depends only on the sequence of earlier reserve and release
// calls.
func (m *Manager) Reserve(size uint64, flags hv.MemoryFlags) (*Region, error) {
	if size == 0 {
		return nil, fmt.Errorf("memory: reserve: zero size")
	}
	if size > m.limit-m.base {
		return nil, fmt.Errorf("memory: reserve %s: larger than the %s window: %w",
			units.BytesSize(float64(size)), units.BytesSize(float64(m.limit-m.base)), hv.ErrOutOfMemory)
	}
	size = m.alignUp(size)

	m.mu.Lock()
	defer m.mu.Unlock()

	addr, ok := m.firstFit(size)
	if !ok {
		return nil, fmt.Errorf("memory: reserve %s: no free range: %w", units.BytesSize(float64(size)), hv.ErrOutOfMemory)
	}

	return m.insert(addr, size, flags, true)
}

// ReserveAt maps RAM at a fixed address.
func (m *Manager) ReserveAt(addr, size uint64, flags hv.MemoryFlags) (*Region, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkFixed(addr, size); err != nil {
		return nil, err
	}

	return m.insert(addr, m.alignUp(size), flags, true)
}

// ReserveDevice claims an MMIO window. No host memory is mapped, so guest
// accesses to it exit to the host.
func (m *Manager) ReserveDevice(addr, size uint64) (*Region, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkFixed(addr, size); err != nil {
		return nil, err
	}

	return m.insert(addr, m.alignUp(size), 0, false)
}

// checkFixed requires m.mu.
func (m *Manager) checkFixed(addr, size uint64) error {
	if size == 0 {
		return fmt.Errorf("memory: reserve %#x: zero size", addr)
	}
	end := addr + size
	if addr < m.base || end > m.limit || end < addr {
		return fmt.Errorf("memory: reserve [%#x-%#x) outside [%#x-%#x)", addr, end, m.base, m.limit)
	}
	for _, r := range m.regions {
		if addr < r.End() && r.Base < end {
			return fmt.Errorf("memory: reserve [%#x-%#x) intersects %s: %w", addr, end, r, hv.ErrOverlap)
		}
	}
	if addr%m.granularity != 0 {
		return fmt.Errorf("memory: reserve %#x: not aligned to %#x", addr, m.granularity)
	}
	return nil
}

// firstFit requires m.mu.
func (m *Manager) firstFit(size uint64) (uint64, bool) {
	cursor := m.base
	for _, r := range m.regions {
		if r.Base >= cursor && r.Base-cursor >= size {
			return cursor, true
		}
		cursor = max(cursor, r.End())
	}
	if m.limit > cursor && m.limit-cursor >= size {
		return cursor, true
	}
	return 0, false
}

// insert requires m.mu.
func (m *Manager) insert(addr, size uint64, flags hv.MemoryFlags, ram bool) (*Region, error) {
	region := &Region{Base: addr, Size: size, Flags: flags}

	if ram {
		backing, err := m.vm.AllocateMemory(addr, size, flags)
		if err != nil {
			return nil, fmt.Errorf("memory: map %s: %w", region, err)
		}
		region.backing = backing
	}

	i, _ := slices.BinarySearchFunc(m.regions, addr, func(r *Region, a uint64) int {
		switch {
		case r.Base < a:
			return -1
		case r.Base > a:
			return 1
		}
		return 0
	})
	m.regions = slices.Insert(m.regions, i, region)

	return region, nil
}

// Release unmaps a region. The region must have been returned by this
// manager and not released since.
func (m *Manager) Release(region *Region) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	i := slices.IndexFunc(m.regions, func(r *Region) bool {
		return r.Base == region.Base && r.Size == region.Size
	})
	if i < 0 {
		return fmt.Errorf("memory: release [%#x-%#x): %w", region.Base, region.End(), hv.ErrNotMapped)
	}

	r := m.regions[i]
	if r.backing != nil {
		if err := m.vm.FreeMemory(r.backing); err != nil {
			return fmt.Errorf("memory: unmap %s: %w", r, err)
		}
		r.backing = nil
	}
	m.regions = slices.Delete(m.regions, i, i+1)

	return nil
}

// Translate returns the region covering addr and the offset into it.
func (m *Manager) Translate(addr uint64) (*Region, uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.find(addr)
	if r == nil {
		return nil, 0, false
	}
	return r, addr - r.Base, true
}

// find requires m.mu.
func (m *Manager) find(addr uint64) *Region {
	i, found := slices.BinarySearchFunc(m.regions, addr, func(r *Region, a uint64) int {
		switch {
		case r.Base < a:
			return -1
		case r.Base > a:
			return 1
		}
		return 0
	})
	if found {
		return m.regions[i]
	}
	if i == 0 {
		return nil
	}
	if r := m.regions[i-1]; r.Contains(addr) {
		return r
	}
	return nil
}

// Regions returns a snapshot of the live regions in address order.
func (m *Manager) Regions() []*Region {
	m.mu.Lock()
	defer m.mu.Unlock()

	return slices.Clone(m.regions)
}

// ReadAt implements io.ReaderAt over guest physical memory. The range may
// span adjacent RAM regions but not holes or device windows.
func (m *Manager) ReadAt(p []byte, off int64) (int, error) {
	return m.copyAt(p, off, false)
}

// WriteAt implements io.WriterAt over guest physical memory.
func (m *Manager) WriteAt(p []byte, off int64) (int, error) {
	return m.copyAt(p, off, true)
}

func (m *Manager) copyAt(p []byte, off int64, write bool) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("memory: negative address %d", off)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	addr := uint64(off)
	n := 0
	for n < len(p) {
		r := m.find(addr)
		if r == nil || r.backing == nil {
			return n, fmt.Errorf("memory: access %#x: %w", addr, hv.ErrNotMapped)
		}
		mem := r.backing.Bytes()[addr-r.Base:]
		var c int
		if write {
			c = copy(mem, p[n:])
		} else {
			c = copy(p[n:], mem)
		}
		n += c
		addr += uint64(c)
	}
	return n, nil
}

// Close releases every region.
func (m *Manager) Close() error {
	m.mu.Lock()
	regions := m.regions
	m.regions = nil
	m.mu.Unlock()

	var errs []error
	for _, r := range regions {
		if r.backing == nil {
			continue
		}
		if err := m.vm.FreeMemory(r.backing); err != nil {
			errs = append(errs, fmt.Errorf("memory: unmap %s: %w", r, err))
		}
		r.backing = nil
	}
	return errors.Join(errs...)
}

var (
	_ io.ReaderAt = &Manager{}
	_ io.WriterAt = &Manager{}
)
