// Package kernel parses and loads the guest kernel ELF image.
//
// The kernel is a position independent ELF64 executable linked at zero. It
// must carry exactly one PT_DYNAMIC and one PT_NOTE, and an "obkrnl" note of
// type 0 holding the page size it was built for.
package kernel

import (
	"cmp"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/obhq/obvmm/internal/hv"
)

const (
	// NoteName is the owner of kernel notes.
	NoteName = "obkrnl"

	NotePageSize = 0

	maxNoteSize = 1024 * 1024
)

// FormatError reports an image that cannot be booted.
type FormatError struct {
	// Header is the program header index the problem was found at, or -1.
	Header int
	Msg    string
	Err    error
}

func (e *FormatError) Error() string {
	msg := e.Msg
	if e.Header >= 0 {
		msg = fmt.Sprintf("program header %d: %s", e.Header, msg)
	}
	if e.Err != nil {
		return fmt.Sprintf("kernel: %s: %v", msg, e.Err)
	}
	return "kernel: " + msg
}

func (e *FormatError) Unwrap() error { return e.Err }

func formatErr(header int, format string, args ...any) error {
	return &FormatError{Header: header, Msg: fmt.Sprintf(format, args...)}
}

type Image struct {
	machine   elf.Machine
	byteOrder binary.ByteOrder
	entry     uint64
	pageSize  uint64
	memSize   uint64

	segments []*elf.Prog
	dynamic  *elf.Prog
}

// Open validates the program headers and notes of an ELF kernel.
func Open(r io.ReaderAt) (*Image, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, &FormatError{Header: -1, Msg: "open elf", Err: err}
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 {
		return nil, formatErr(-1, "unsupported class %s", f.Class)
	}

	img := &Image{
		machine:   f.Machine,
		byteOrder: f.ByteOrder,
		entry:     f.Entry,
	}
	if img.Architecture() == hv.ArchitectureInvalid {
		return nil, formatErr(-1, "unsupported machine %s", f.Machine)
	}

	var note *elf.Prog
	for i, prog := range f.Progs {
		switch prog.Type {
		case elf.PT_LOAD:
			if prog.Filesz > prog.Memsz {
				return nil, formatErr(i, "p_filesz %#x exceeds p_memsz %#x", prog.Filesz, prog.Memsz)
			}
			img.segments = append(img.segments, prog)
		case elf.PT_DYNAMIC:
			if img.dynamic != nil {
				return nil, formatErr(i, "multiple PT_DYNAMIC")
			}
			img.dynamic = prog
		case elf.PT_NOTE:
			if note != nil {
				return nil, formatErr(i, "multiple PT_NOTE")
			}
			note = prog
		case elf.PT_PHDR, elf.PT_GNU_EH_FRAME, elf.PT_GNU_STACK, elf.PT_GNU_RELRO:
		default:
			return nil, formatErr(i, "unknown type %s", prog.Type)
		}
	}

	slices.SortStableFunc(img.segments, func(a, b *elf.Prog) int {
		return cmp.Compare(a.Vaddr, b.Vaddr)
	})

	if len(img.segments) == 0 {
		return nil, formatErr(-1, "no PT_LOAD")
	}
	if img.segments[0].Off != 0 {
		return nil, formatErr(-1, "the first PT_LOAD does not include the ELF header")
	}
	if img.dynamic == nil {
		return nil, formatErr(-1, "no PT_DYNAMIC")
	}
	if note == nil {
		return nil, formatErr(-1, "no PT_NOTE")
	}

	if err := img.parseNotes(note); err != nil {
		return nil, err
	}

	for _, seg := range img.segments {
		if seg.Vaddr < img.memSize {
			return nil, formatErr(-1, "PT_LOAD at %#x overlaps the previous one", seg.Vaddr)
		}
		end := seg.Vaddr + seg.Memsz
		if end < seg.Vaddr {
			return nil, formatErr(-1, "PT_LOAD at %#x: p_memsz overflows", seg.Vaddr)
		}
		img.memSize = end
	}
	if img.memSize == 0 {
		return nil, formatErr(-1, "PT_LOAD segments have zero length")
	}

	return img, nil
}

func (img *Image) parseNotes(note *elf.Prog) error {
	if note.Filesz > maxNoteSize {
		return formatErr(-1, "PT_NOTE is too large (%d bytes)", note.Filesz)
	}

	data := make([]byte, note.Filesz)
	if _, err := note.ReadAt(data, 0); err != nil {
		return &FormatError{Header: -1, Msg: "read PT_NOTE", Err: err}
	}

	bo := img.byteOrder
	for i := 0; len(data) > 0; i++ {
		if len(data) < 12 {
			return formatErr(-1, "note %d: truncated header", i)
		}
		nameSize := uint64(bo.Uint32(data[0:]))
		descSize := uint64(bo.Uint32(data[4:]))
		typ := bo.Uint32(data[8:])
		data = data[12:]

		nameEnd := align4(nameSize)
		descEnd := nameEnd + align4(descSize)
		if uint64(len(data)) < nameEnd+descSize {
			return formatErr(-1, "note %d: truncated", i)
		}
		name := string(trimNul(data[:nameSize]))
		desc := data[nameEnd : nameEnd+descSize]
		data = data[min(descEnd, uint64(len(data))):]

		if name != NoteName {
			continue
		}

		switch typ {
		case NotePageSize:
			if img.pageSize != 0 {
				return formatErr(-1, "kernel note %d is duplicated", i)
			}
			if len(desc) != 8 {
				return formatErr(-1, "kernel note %d: invalid description", i)
			}
			size := bo.Uint64(desc)
			if size == 0 || size&(size-1) != 0 {
				return formatErr(-1, "kernel note %d: page size %#x is not a power of 2", i, size)
			}
			img.pageSize = size
		default:
			return formatErr(-1, "unknown type %d on kernel note %d", typ, i)
		}
	}

	if img.pageSize == 0 {
		return formatErr(-1, "no page size in kernel note")
	}
	return nil
}

func align4(v uint64) uint64 { return (v + 3) &^ 3 }

func trimNul(b []byte) []byte {
	for len(b) > 0 && b[len(b)-1] == 0 {
		b = b[:len(b)-1]
	}
	return b
}

// Architecture maps the ELF machine onto a vCPU architecture.
func (img *Image) Architecture() hv.CpuArchitecture {
	switch img.machine {
	case elf.EM_X86_64:
		return hv.ArchitectureX86_64
	case elf.EM_AARCH64:
		return hv.ArchitectureARM64
	default:
		return hv.ArchitectureInvalid
	}
}

// Entry is the entry point relative to the load address.
func (img *Image) Entry() uint64 { return img.entry }

// PageSize is the guest page size from the kernel note.
func (img *Image) PageSize() uint64 { return img.pageSize }

// MemSize is the end of the highest PT_LOAD.
func (img *Image) MemSize() uint64 { return img.memSize }

// Size rounds MemSize up to block, which must be a power of two.
func (img *Image) Size(block uint64) uint64 {
	return (img.memSize + block - 1) &^ (block - 1)
}

// Load copies every PT_LOAD into dst, which represents address zero of the
// image, and zero fills the remainder of each segment.
func (img *Image) Load(dst []byte) error {
	if uint64(len(dst)) < img.memSize {
		return fmt.Errorf("kernel: load: destination is %#x bytes, need %#x", len(dst), img.memSize)
	}

	for _, seg := range img.segments {
		mem := dst[seg.Vaddr : seg.Vaddr+seg.Memsz]
		n, err := io.ReadFull(seg.Open(), mem[:seg.Filesz])
		if err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				return formatErr(-1, "PT_LOAD at %#x is incomplete (%d of %d bytes)", seg.Vaddr, n, seg.Filesz)
			}
			return fmt.Errorf("kernel: read PT_LOAD at %#x: %w", seg.Vaddr, err)
		}
		clear(mem[seg.Filesz:])
	}
	return nil
}

// Relocate applies the RELATIVE relocations in PT_DYNAMIC to a loaded image
// that will run at base. It returns the number of relocations applied.
func (img *Image) Relocate(dst []byte, base uint64) (int, error) {
	dyn := img.dynamic
	if dyn.Vaddr+dyn.Memsz > uint64(len(dst)) {
		return 0, formatErr(-1, "PT_DYNAMIC outside the loaded image")
	}

	bo := img.byteOrder
	var rela, relasz, relaent uint64
	table := dst[dyn.Vaddr : dyn.Vaddr+dyn.Memsz]
scan:
	for ; len(table) >= 16; table = table[16:] {
		val := bo.Uint64(table[8:])
		switch elf.DynTag(bo.Uint64(table)) {
		case elf.DT_NULL:
			break scan
		case elf.DT_RELA:
			rela = val
		case elf.DT_RELASZ:
			relasz = val
		case elf.DT_RELAENT:
			relaent = val
		}
	}

	if relasz == 0 {
		return 0, nil
	}
	if relaent == 0 {
		relaent = 24
	}
	if relaent < 24 || rela+relasz > uint64(len(dst)) {
		return 0, formatErr(-1, "invalid relocation table %#x+%#x", rela, relasz)
	}

	relative := uint32(elf.R_X86_64_RELATIVE)
	if img.machine == elf.EM_AARCH64 {
		relative = uint32(elf.R_AARCH64_RELATIVE)
	}

	applied := 0
	for off := rela; off+relaent <= rela+relasz; off += relaent {
		ent := dst[off:]
		where := bo.Uint64(ent)
		typ := uint32(bo.Uint64(ent[8:]))
		addend := bo.Uint64(ent[16:])

		switch typ {
		case 0:
			continue
		case relative:
		default:
			return applied, formatErr(-1, "unsupported relocation type %d at %#x", typ, where)
		}

		if where+8 > uint64(len(dst)) {
			return applied, formatErr(-1, "relocation target %#x outside the image", where)
		}
		bo.PutUint64(dst[where:], base+addend)
		applied++
	}

	return applied, nil
}
