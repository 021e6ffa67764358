package vmm

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/docker/go-units"

	"github.com/obhq/obvmm/internal/hv"
	"github.com/obhq/obvmm/internal/memory"
)

const (
	stackSize = 2 * units.MiB

	bootMagic   = "OBVM"
	bootVersion = 1

	// minRAM leaves room for the page tables, a small kernel and a stack.
	minRAM = 16 * units.MiB
)

// layout places the fixed parts of the guest physical address space. RAM
// is handed out first fit from [block, ramSize); the device windows sit at
// the top of it.
type layout struct {
	ramSize uint64
	block   uint64

	console uint64
	vmmdev  uint64
	devSize uint64
}

func newLayout(ramSize, block uint64) (layout, error) {
	if ramSize < minRAM {
		return layout{}, fmt.Errorf("vmm: %s of RAM is too small, need at least %s",
			units.BytesSize(float64(ramSize)), units.BytesSize(minRAM))
	}
	if ramSize%block != 0 {
		return layout{}, fmt.Errorf("vmm: RAM size %#x is not a multiple of the block size %#x", ramSize, block)
	}

	l := layout{ramSize: ramSize, block: block, devSize: block}
	l.vmmdev = ramSize - l.devSize
	l.console = l.vmmdev - l.devSize
	return l, nil
}

// bootArgs is the block the kernel finds in its first argument register.
type bootArgs struct {
	Magic        [4]byte
	Version      uint32
	CPUCount     uint32
	_            uint32
	HostPageSize uint64
	VMPageSize   uint64
	Console      uint64
	VMM          uint64
	Width        uint32
	Height       uint32
}

func (a bootArgs) encode() []byte {
	copy(a.Magic[:], bootMagic)
	a.Version = bootVersion

	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, a)
	return buf.Bytes()
}

const (
	pageTableSize = 0x1000
	ptePresent    = 1 << 0
	pteWritable   = 1 << 1
	ptePageSize   = 1 << 7

	hugePage = 2 * units.MiB
	gibPage  = units.GiB
)

// pageTableBytes is the size of identity-mapped 2 MiB page tables covering
// [0, size).
func pageTableBytes(size uint64) uint64 {
	dirs := (size + gibPage - 1) / gibPage
	return (2 + dirs) * pageTableSize
}

// buildPageTables writes a PML4, one PDPT and as many page directories as
// size needs into dst, which will live at base.
func buildPageTables(dst []byte, base, size uint64) error {
	dirs := (size + gibPage - 1) / gibPage
	if dirs > 512 {
		return fmt.Errorf("vmm: cannot identity map %s with one PDPT", units.BytesSize(float64(size)))
	}
	if uint64(len(dst)) < pageTableBytes(size) {
		return fmt.Errorf("vmm: page table buffer too small")
	}
	clear(dst)

	le := binary.LittleEndian
	pml4 := dst[:pageTableSize]
	pdpt := dst[pageTableSize : 2*pageTableSize]
	le.PutUint64(pml4, (base+pageTableSize)|ptePresent|pteWritable)

	for d := range dirs {
		dirAddr := base + (2+d)*pageTableSize
		le.PutUint64(pdpt[d*8:], dirAddr|ptePresent|pteWritable)

		dir := dst[(2+d)*pageTableSize : (3+d)*pageTableSize]
		for e := range uint64(512) {
			phys := d*gibPage + e*hugePage
			if phys >= size {
				break
			}
			le.PutUint64(dir[e*8:], phys|ptePresent|pteWritable|ptePageSize)
		}
	}
	return nil
}

// bootImage is what every vCPU needs from the boot allocation.
type bootImage struct {
	entry  uint64
	args   uint64
	pml4   uint64
	stacks []*memory.Region
}

func setupAMD64(vcpu hv.VirtualCPU, img *bootImage) error {
	v, ok := vcpu.(hv.VirtualCPUAmd64)
	if !ok {
		return fmt.Errorf("vmm: vCPU has no long mode support: %w", hv.ErrUnsupported)
	}
	if err := v.SetLongMode(img.pml4); err != nil {
		return fmt.Errorf("vmm: enable long mode: %w", err)
	}

	id := vcpu.ID()
	return vcpu.SetRegisters(map[hv.Register]hv.RegisterValue{
		hv.RegisterAMD64Rip:    hv.Register64(img.entry),
		hv.RegisterAMD64Rsp:    hv.Register64(img.stacks[id].End()),
		hv.RegisterAMD64Rdi:    hv.Register64(img.args),
		hv.RegisterAMD64Rsi:    hv.Register64(id),
		hv.RegisterAMD64Rflags: hv.Register64(0x2),
	})
}

// setupARM64 starts the vCPU at EL1 with the MMU off, so the kernel runs
// identity mapped until it builds its own tables.
func setupARM64(vcpu hv.VirtualCPU, img *bootImage) error {
	const pstateEL1h = 0x3c5 // EL1h with DAIF masked

	id := vcpu.ID()
	return vcpu.SetRegisters(map[hv.Register]hv.RegisterValue{
		hv.RegisterARM64Pc:     hv.Register64(img.entry),
		hv.RegisterARM64Sp:     hv.Register64(img.stacks[id].End()),
		hv.RegisterARM64X0:     hv.Register64(img.args),
		hv.RegisterARM64X1:     hv.Register64(id),
		hv.RegisterARM64Pstate: hv.Register64(pstateEL1h),
	})
}
