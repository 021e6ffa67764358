package kernel

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	"github.com/obhq/obvmm/internal/hv"
	"github.com/obhq/obvmm/internal/kernel/kerneltest"
)

func TestOpen(t *testing.T) {
	data := kerneltest.Image{Code: []byte{0xeb, 0xfe}, BSS: 0x2000}.Bytes()

	img, err := Open(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if img.Architecture() != hv.ArchitectureX86_64 {
		t.Fatalf("Architecture = %s", img.Architecture())
	}
	if img.Entry() != kerneltest.CodeOffset {
		t.Fatalf("Entry = %#x, want %#x", img.Entry(), kerneltest.CodeOffset)
	}
	if img.PageSize() != 0x4000 {
		t.Fatalf("PageSize = %#x, want 0x4000", img.PageSize())
	}
	if want := uint64(len(data)) + 0x2000; img.MemSize() != want {
		t.Fatalf("MemSize = %#x, want %#x", img.MemSize(), want)
	}
	if got := img.Size(0x4000); got != 0x4000 {
		t.Fatalf("Size(0x4000) = %#x, want 0x4000", got)
	}
}

func TestOpenErrors(t *testing.T) {
	tests := []struct {
		name string
		img  kerneltest.Image
		want string
	}{
		{"no note", kerneltest.Image{SkipNote: true}, "no PT_NOTE"},
		{"no dynamic", kerneltest.Image{SkipDynamic: true}, "no PT_DYNAMIC"},
		{"duplicate note", kerneltest.Image{DuplicateNote: true}, "duplicated"},
		{"unknown note type", kerneltest.Image{NoteType: 7}, "unknown type 7"},
		{"bad page size", kerneltest.Image{PageSize: 0x3000}, "power of 2"},
		{"header not loaded", kerneltest.Image{FirstLoadOff: 0x40}, "ELF header"},
		{"unknown header", kerneltest.Image{ExtraProgType: elf.PT_INTERP}, "unknown type"},
		{"unsupported machine", kerneltest.Image{Machine: elf.EM_RISCV}, "unsupported machine"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.img.Code = []byte{0x90}

			_, err := Open(bytes.NewReader(tt.img.Bytes()))
			if err == nil {
				t.Fatalf("expected error containing %q", tt.want)
			}

			var ferr *FormatError
			if !errors.As(err, &ferr) {
				t.Fatalf("error %v is not a *FormatError", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error = %q, want it to contain %q", err, tt.want)
			}
		})
	}
}

func TestOpenIgnoresGNUStack(t *testing.T) {
	data := kerneltest.Image{Code: []byte{0x90}, ExtraProgType: elf.PT_GNU_STACK}.Bytes()
	if _, err := Open(bytes.NewReader(data)); err != nil {
		t.Fatalf("Open: %v", err)
	}
}

func TestLoadAndRelocate(t *testing.T) {
	code := []byte{0x90, 0xf4}
	data := kerneltest.Image{Code: code, BSS: 0x100}.Bytes()

	img, err := Open(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	dst := bytes.Repeat([]byte{0xaa}, int(img.Size(0x1000)))
	if err := img.Load(dst); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if !bytes.Equal(dst[kerneltest.CodeOffset:kerneltest.CodeOffset+len(code)], code) {
		t.Fatalf("code not loaded")
	}
	for i, b := range dst[len(data) : len(data)+0x100] {
		if b != 0 {
			t.Fatalf("bss byte %d = %#x, want 0", i, b)
		}
	}

	const base = 0x200000
	n, err := img.Relocate(dst, base)
	if err != nil {
		t.Fatalf("Relocate: %v", err)
	}
	if n != 1 {
		t.Fatalf("Relocate applied %d relocations, want 1", n)
	}
	if got := binary.LittleEndian.Uint64(dst[kerneltest.RelocSlot:]); got != base+kerneltest.RelocAddend {
		t.Fatalf("relocated slot = %#x, want %#x", got, base+kerneltest.RelocAddend)
	}
}

func TestLoadShortDestination(t *testing.T) {
	img, err := Open(bytes.NewReader(kerneltest.Image{Code: []byte{0x90}}.Bytes()))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := img.Load(make([]byte, 16)); err == nil {
		t.Fatalf("expected error loading into a short buffer")
	}
}
