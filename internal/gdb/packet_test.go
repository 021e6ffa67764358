package gdb

import (
	"bytes"
	"encoding/xml"
	"errors"
	"io"
	"testing"

	"github.com/obhq/obvmm/internal/hv"
)

func TestFrame(t *testing.T) {
	if got := string(frame([]byte("OK"))); got != "$OK#9a" {
		t.Fatalf("frame(OK) = %q, want $OK#9a", got)
	}
	if got := string(frame(nil)); got != "$#00" {
		t.Fatalf("frame(empty) = %q", got)
	}
}

func TestPacketReader(t *testing.T) {
	r := newPacketReader(bytes.NewReader([]byte("+$g#67-\x03$m0,4#00$OK#9a")))

	tests := []struct {
		name  string
		check func(inbound) bool
	}{
		{"packet after ack", func(in inbound) bool { return string(in.data) == "g" }},
		{"nack", func(in inbound) bool { return in.nack }},
		{"interrupt", func(in inbound) bool { return in.interrupt }},
		{"bad checksum", func(in inbound) bool { return in.corrupt }},
		{"packet", func(in inbound) bool { return string(in.data) == "OK" }},
		{"eof", func(in inbound) bool { return errors.Is(in.err, io.EOF) }},
	}

	for _, tt := range tests {
		if in := r.next(); !tt.check(in) {
			t.Fatalf("%s: got %+v", tt.name, in)
		}
	}
}

func TestEscape(t *testing.T) {
	raw := []byte{'a', '#', '$', '}', '*', 0}
	esc := escape(raw)
	if bytes.ContainsAny(esc, "#$*") {
		t.Fatalf("escape left reserved bytes in %q", esc)
	}
	got, err := unescape(esc)
	if err != nil {
		t.Fatalf("unescape: %v", err)
	}
	if !bytes.Equal(got, raw) {
		t.Fatalf("unescape(escape(x)) = %q, want %q", got, raw)
	}
	if _, err := unescape([]byte("ab}")); err == nil {
		t.Fatalf("expected error for truncated escape")
	}
}

func TestParseThread(t *testing.T) {
	tests := []struct {
		in   string
		want int
		ok   bool
	}{
		{"-1", -1, true},
		{"0", 0, true},
		{"a", 10, true},
		{"zz", 0, false},
	}
	for _, tt := range tests {
		got, err := parseThread(tt.in)
		if (err == nil) != tt.ok || got != tt.want {
			t.Errorf("parseThread(%q) = %d, %v", tt.in, got, err)
		}
	}
}

func TestTargetErrorCodes(t *testing.T) {
	tests := []struct {
		err  error
		code uint8
	}{
		{hv.ErrInvalidState, codeNoThread},
		{hv.ErrNotMapped, codeFault},
		{hv.ErrResourceLimit, codeNoSpace},
		{errors.New("other"), codeInvalid},
	}
	for _, tt := range tests {
		var perr *ProtocolError
		if !errors.As(targetError("op", tt.err), &perr) || perr.Code != tt.code {
			t.Errorf("targetError(%v) code = %#x, want %#x", tt.err, perr.Code, tt.code)
		}
		if !errors.Is(perr, tt.err) {
			t.Errorf("targetError(%v) does not wrap the cause", tt.err)
		}
	}
}

func TestTargetXMLMatchesLayout(t *testing.T) {
	type reg struct {
		Name    string `xml:"name,attr"`
		Bitsize int    `xml:"bitsize,attr"`
	}
	type feature struct {
		Regs []reg `xml:"reg"`
	}
	type target struct {
		Features []feature `xml:"feature"`
	}

	for _, arch := range []hv.CpuArchitecture{hv.ArchitectureX86_64, hv.ArchitectureARM64} {
		l, err := layoutFor(arch)
		if err != nil {
			t.Fatalf("layoutFor(%s): %v", arch, err)
		}

		var doc target
		if err := xml.Unmarshal(l.xml, &doc); err != nil {
			t.Fatalf("%s: parse target.xml: %v", arch, err)
		}
		var regs []reg
		for _, f := range doc.Features {
			regs = append(regs, f.Regs...)
		}

		if len(regs) != len(l.regs) {
			t.Fatalf("%s: target.xml has %d registers, layout has %d", arch, len(regs), len(l.regs))
		}
		for i, r := range regs {
			if r.Name != l.regs[i].name || r.Bitsize != l.regs[i].bits {
				t.Fatalf("%s: register %d is %s/%d in target.xml, %s/%d in layout",
					arch, i, r.Name, r.Bitsize, l.regs[i].name, l.regs[i].bits)
			}
		}
	}
}
