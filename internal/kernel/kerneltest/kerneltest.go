// Package kerneltest builds small kernel images for tests.
package kerneltest

import (
	"debug/elf"
	"encoding/binary"
)

const (
	noteOffset    = 0x140
	dynamicOffset = 0x180
	relaOffset    = 0x1c0

	// RelocSlot holds a pointer relocated to load base + RelocAddend.
	RelocSlot   = 0x1e0
	RelocAddend = 0x1000

	// CodeOffset is where Image.Code is placed and where execution starts.
	CodeOffset = 0x200
)

// Image describes the kernel to build. The zero value plus Code is a valid
// x86-64 kernel with a 16 KiB page size.
type Image struct {
	Code     []byte
	Machine  elf.Machine
	PageSize uint64

	// BSS is added to the in-memory size of the only PT_LOAD.
	BSS uint64

	NoteType      uint32
	DuplicateNote bool
	SkipNote      bool
	SkipDynamic   bool
	FirstLoadOff  uint64
	ExtraProgType elf.ProgType
}

type phdr struct {
	typ                elf.ProgType
	off, filesz, memsz uint64
	vaddr              uint64
	flags              elf.ProgFlag
}

// Bytes encodes the image.
func (img Image) Bytes() []byte {
	machine := img.Machine
	if machine == 0 {
		machine = elf.EM_X86_64
	}
	pageSize := img.PageSize
	if pageSize == 0 {
		pageSize = 0x4000
	}

	le := binary.LittleEndian
	buf := make([]byte, CodeOffset+len(img.Code))
	copy(buf[CodeOffset:], img.Code)

	// Note: "obkrnl" type 0 with the page size, optionally twice.
	noteSize := 0
	putNote := func(at int) int {
		le.PutUint32(buf[at:], 7)
		le.PutUint32(buf[at+4:], 8)
		le.PutUint32(buf[at+8:], img.NoteType)
		copy(buf[at+12:], "obkrnl\x00")
		le.PutUint64(buf[at+20:], pageSize)
		return 28
	}
	noteSize += putNote(noteOffset)
	if img.DuplicateNote {
		noteSize += putNote(noteOffset + noteSize)
	}

	// Dynamic section with one RELATIVE relocation.
	relative := uint64(elf.R_X86_64_RELATIVE)
	if machine == elf.EM_AARCH64 {
		relative = uint64(elf.R_AARCH64_RELATIVE)
	}
	dyn := []uint64{
		uint64(elf.DT_RELA), relaOffset,
		uint64(elf.DT_RELASZ), 24,
		uint64(elf.DT_RELAENT), 24,
		uint64(elf.DT_NULL), 0,
	}
	for i, v := range dyn {
		le.PutUint64(buf[dynamicOffset+i*8:], v)
	}
	le.PutUint64(buf[relaOffset:], RelocSlot)
	le.PutUint64(buf[relaOffset+8:], relative)
	le.PutUint64(buf[relaOffset+16:], RelocAddend)

	progs := []phdr{{
		typ:    elf.PT_LOAD,
		off:    img.FirstLoadOff,
		filesz: uint64(len(buf)) - img.FirstLoadOff,
		memsz:  uint64(len(buf)) - img.FirstLoadOff + img.BSS,
		vaddr:  img.FirstLoadOff,
		flags:  elf.PF_R | elf.PF_W | elf.PF_X,
	}}
	if !img.SkipDynamic {
		progs = append(progs, phdr{typ: elf.PT_DYNAMIC, off: dynamicOffset, filesz: 64, memsz: 64, vaddr: dynamicOffset, flags: elf.PF_R})
	}
	if !img.SkipNote {
		progs = append(progs, phdr{typ: elf.PT_NOTE, off: noteOffset, filesz: uint64(noteSize), memsz: uint64(noteSize), vaddr: noteOffset, flags: elf.PF_R})
	}
	if img.ExtraProgType != 0 {
		progs = append(progs, phdr{typ: img.ExtraProgType, flags: elf.PF_R})
	}

	// ELF header.
	copy(buf, []byte{0x7f, 'E', 'L', 'F', byte(elf.ELFCLASS64), byte(elf.ELFDATA2LSB), byte(elf.EV_CURRENT)})
	le.PutUint16(buf[16:], uint16(elf.ET_DYN))
	le.PutUint16(buf[18:], uint16(machine))
	le.PutUint32(buf[20:], uint32(elf.EV_CURRENT))
	le.PutUint64(buf[24:], CodeOffset)
	le.PutUint64(buf[32:], 64)
	le.PutUint16(buf[52:], 64)
	le.PutUint16(buf[54:], 56)
	le.PutUint16(buf[56:], uint16(len(progs)))

	for i, p := range progs {
		at := 64 + i*56
		le.PutUint32(buf[at:], uint32(p.typ))
		le.PutUint32(buf[at+4:], uint32(p.flags))
		le.PutUint64(buf[at+8:], p.off)
		le.PutUint64(buf[at+16:], p.vaddr)
		le.PutUint64(buf[at+24:], p.vaddr)
		le.PutUint64(buf[at+32:], p.filesz)
		le.PutUint64(buf[at+40:], p.memsz)
		le.PutUint64(buf[at+48:], 0x1000)
	}

	return buf
}
