package vmm

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"sync"

	"github.com/obhq/obvmm/internal/gdb"
	"github.com/obhq/obvmm/internal/hv"
)

type guestMemory interface {
	io.ReaderAt
	io.WriterAt
}

type breakpointKey struct {
	kind gdb.BreakpointKind
	addr uint64
}

type breakpoint struct {
	key breakpointKey
	gpa uint64

	// hardware is set when the breakpoint lives in the debug registers of
	// every vCPU rather than in guest memory.
	hardware bool
	orig     []byte
}

// breakpoints is the table of breakpoints planted by the debugger. Software
// breakpoints are patched through guest physical memory, so planting and
// restoring them never needs a vCPU.
type breakpoints struct {
	trap []byte
	mem  guestMemory

	mu    sync.Mutex
	table map[breakpointKey]*breakpoint
}

func newBreakpoints(arch hv.CpuArchitecture, mem guestMemory) *breakpoints {
	return &breakpoints{
		trap:  arch.BreakpointInstruction(),
		mem:   mem,
		table: map[breakpointKey]*breakpoint{},
	}
}

func (b *breakpoints) has(key breakpointKey) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, ok := b.table[key]
	return ok
}

// patched requires b.mu. It returns another software entry covering gpa.
func (b *breakpoints) patched(gpa uint64, except breakpointKey) *breakpoint {
	for key, bp := range b.table {
		if key != except && !bp.hardware && bp.gpa == gpa {
			return bp
		}
	}
	return nil
}

// plant saves the bytes at gpa and writes the trap instruction over them.
func (b *breakpoints) plant(key breakpointKey, gpa uint64) error {
	if len(b.trap) == 0 {
		return fmt.Errorf("vmm: software breakpoint: %w", hv.ErrUnsupported)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.table[key]; ok {
		return nil
	}

	bp := &breakpoint{key: key, gpa: gpa, orig: make([]byte, len(b.trap))}
	if other := b.patched(gpa, key); other != nil {
		copy(bp.orig, other.orig)
	} else {
		if _, err := b.mem.ReadAt(bp.orig, int64(gpa)); err != nil {
			return fmt.Errorf("vmm: save bytes at %#x: %w", gpa, err)
		}
		if _, err := b.mem.WriteAt(b.trap, int64(gpa)); err != nil {
			return fmt.Errorf("vmm: plant breakpoint at %#x: %w", gpa, err)
		}
	}
	b.table[key] = bp

	return nil
}

// addHardware records a breakpoint already armed on every vCPU.
func (b *breakpoints) addHardware(key breakpointKey) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.table[key] = &breakpoint{key: key, hardware: true}
}

// remove drops a breakpoint and restores the original bytes of a software
// one.
func (b *breakpoints) remove(key breakpointKey) (*breakpoint, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	bp, ok := b.table[key]
	if !ok {
		return nil, fmt.Errorf("vmm: no breakpoint at %#x: %w", key.addr, hv.ErrNotMapped)
	}
	delete(b.table, key)

	if !bp.hardware && b.patched(bp.gpa, key) == nil {
		if _, err := b.mem.WriteAt(bp.orig, int64(bp.gpa)); err != nil {
			return bp, fmt.Errorf("vmm: restore bytes at %#x: %w", bp.gpa, err)
		}
	}
	return bp, nil
}

// clear removes every breakpoint.
func (b *breakpoints) clear() error {
	b.mu.Lock()
	keys := slices.Collect(maps.Keys(b.table))
	b.mu.Unlock()

	var first error
	for _, key := range keys {
		if _, err := b.remove(key); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// at returns the software patch and whether a hardware breakpoint exists at
// the virtual address addr.
func (b *breakpoints) at(addr uint64) (soft *breakpoint, hard bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for key, bp := range b.table {
		if key.addr != addr {
			continue
		}
		if bp.hardware {
			hard = true
		} else {
			soft = bp
		}
	}
	return soft, hard
}

// hardwareAddrs lists the addresses every vCPU should have armed.
func (b *breakpoints) hardwareAddrs() []uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	var addrs []uint64
	for key, bp := range b.table {
		if bp.hardware {
			addrs = append(addrs, key.addr)
		}
	}
	slices.Sort(addrs)
	return addrs
}

// lift puts the original bytes of a software patch back so one instruction
// can execute. restore undoes it if the patch is still wanted.
func (b *breakpoints) lift(bp *breakpoint) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := b.mem.WriteAt(bp.orig, int64(bp.gpa)); err != nil {
		return fmt.Errorf("vmm: lift breakpoint at %#x: %w", bp.gpa, err)
	}
	return nil
}

func (b *breakpoints) restore(bp *breakpoint) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !slices.ContainsFunc(slices.Collect(maps.Values(b.table)), func(o *breakpoint) bool {
		return !o.hardware && o.gpa == bp.gpa
	}) {
		return nil
	}
	if _, err := b.mem.WriteAt(b.trap, int64(bp.gpa)); err != nil {
		return fmt.Errorf("vmm: replant breakpoint at %#x: %w", bp.gpa, err)
	}
	return nil
}

// shadow replaces trap bytes in p, read from gpa, with the bytes they hide.
func (b *breakpoints) shadow(gpa uint64, p []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, bp := range b.table {
		if !bp.hardware {
			overlay(p, gpa, bp.orig, bp.gpa)
		}
	}
}

// written keeps patches in place after the debugger wrote p at gpa. The
// written bytes become the new originals.
func (b *breakpoints) written(gpa uint64, p []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	end := gpa + uint64(len(p))
	for _, bp := range b.table {
		if bp.hardware || bp.gpa >= end || bp.gpa+uint64(len(bp.orig)) <= gpa {
			continue
		}
		overlay(bp.orig, bp.gpa, p, gpa)
		if _, err := b.mem.WriteAt(b.trap, int64(bp.gpa)); err != nil {
			return fmt.Errorf("vmm: replant breakpoint at %#x: %w", bp.gpa, err)
		}
	}
	return nil
}

// overlay copies the part of src (starting at srcAddr) that overlaps dst
// (starting at dstAddr).
func overlay(dst []byte, dstAddr uint64, src []byte, srcAddr uint64) {
	start := max(dstAddr, srcAddr)
	end := min(dstAddr+uint64(len(dst)), srcAddr+uint64(len(src)))
	if start >= end {
		return
	}
	copy(dst[start-dstAddr:end-dstAddr], src[start-srcAddr:end-srcAddr])
}
