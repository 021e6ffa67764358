package gdb

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// maxPacket bounds an incoming packet. It matches the PacketSize we
// advertise with some slack for framing.
const maxPacket = 0x4000

const interruptByte = 0x03

// inbound is one thing read from the debugger.
type inbound struct {
	data      []byte
	interrupt bool
	nack      bool
	corrupt   bool
	err       error
}

type packetReader struct {
	r *bufio.Reader
}

func newPacketReader(r io.Reader) *packetReader {
	return &packetReader{r: bufio.NewReader(r)}
}

func (p *packetReader) next() inbound {
	for {
		b, err := p.r.ReadByte()
		if err != nil {
			return inbound{err: err}
		}

		switch b {
		case '+':
		case '-':
			return inbound{nack: true}
		case interruptByte:
			return inbound{interrupt: true}
		case '$':
			return p.body()
		}
	}
}

func (p *packetReader) body() inbound {
	var data []byte
	var sum byte
	for {
		b, err := p.r.ReadByte()
		if err != nil {
			return inbound{err: err}
		}
		if b == '#' {
			break
		}
		if len(data) >= maxPacket {
			return inbound{err: fmt.Errorf("gdb: packet exceeds %d bytes", maxPacket)}
		}
		data = append(data, b)
		sum += b
	}

	var tail [2]byte
	if _, err := io.ReadFull(p.r, tail[:]); err != nil {
		return inbound{err: err}
	}
	want, err := strconv.ParseUint(string(tail[:]), 16, 8)
	if err != nil || byte(want) != sum {
		return inbound{corrupt: true}
	}
	return inbound{data: data}
}

func checksum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum += b
	}
	return sum
}

// frame wraps a reply payload in "$...#xx".
func frame(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+4)
	out = append(out, '$')
	out = append(out, payload...)
	return fmt.Appendf(out, "#%02x", checksum(payload))
}

// escape applies binary escaping for replies that carry raw bytes.
func escape(data []byte) []byte {
	var out []byte
	for _, b := range data {
		switch b {
		case '#', '$', '}', '*':
			out = append(out, '}', b^0x20)
		default:
			out = append(out, b)
		}
	}
	return out
}

// unescape reverses escape for X packet payloads.
func unescape(data []byte) ([]byte, error) {
	if bytes.IndexByte(data, '}') < 0 {
		return data, nil
	}
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		if data[i] == '}' {
			i++
			if i == len(data) {
				return nil, invalid("truncated escape")
			}
			out = append(out, data[i]^0x20)
			continue
		}
		out = append(out, data[i])
	}
	return out, nil
}

func hexString(s string) string {
	return hex.EncodeToString([]byte(s))
}

func parseHex(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, invalid("bad number %q", s)
	}
	return v, nil
}

// parseThread parses a thread id: "-1" for all threads, "0" for any thread,
// and vCPU index plus one otherwise.
func parseThread(s string) (int, error) {
	if s == "-1" {
		return -1, nil
	}
	v, err := strconv.ParseUint(s, 16, 31)
	if err != nil {
		return 0, invalid("bad thread id %q", s)
	}
	return int(v), nil
}

// parseAddrLen parses "addr,length".
func parseAddrLen(s string) (uint64, uint64, error) {
	addrStr, lenStr, ok := strings.Cut(s, ",")
	if !ok {
		return 0, 0, invalid("expected addr,length in %q", s)
	}
	addr, err := parseHex(addrStr)
	if err != nil {
		return 0, 0, err
	}
	length, err := parseHex(lenStr)
	if err != nil {
		return 0, 0, err
	}
	return addr, length, nil
}
