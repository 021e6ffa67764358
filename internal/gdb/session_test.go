package gdb

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/obhq/obvmm/internal/hv"
)

// fakeTarget pauses instantly and, when a vCPU is continued, hits the
// software breakpoint at hits[cpu] if one is planted.
type fakeTarget struct {
	mu       sync.Mutex
	threads  []int
	pending  map[int]Stop
	nextID   uint64
	changed  chan struct{}
	regs     map[int]map[hv.Register]uint64
	mem      []byte
	swBreaks map[uint64]bool
	hits     map[int]uint64
	resumes  []string
	detached int
}

func newFakeTarget(cpus int) *fakeTarget {
	f := &fakeTarget{
		pending:  map[int]Stop{},
		changed:  make(chan struct{}, 1),
		regs:     map[int]map[hv.Register]uint64{},
		mem:      make([]byte, 0x2000),
		swBreaks: map[uint64]bool{},
		hits:     map[int]uint64{},
	}
	for cpu := range cpus {
		f.threads = append(f.threads, cpu)
		f.regs[cpu] = map[hv.Register]uint64{
			hv.RegisterAMD64Rax: uint64(0x1111 * (cpu + 1)),
			hv.RegisterAMD64Rip: 0x1000,
		}
	}
	return f
}

func (f *fakeTarget) Architecture() hv.CpuArchitecture { return hv.ArchitectureX86_64 }

func (f *fakeTarget) Threads() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.threads)
}

func (f *fakeTarget) Pending() []Stop {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []Stop
	for _, cpu := range f.threads {
		if s, ok := f.pending[cpu]; ok {
			out = append(out, s)
		}
	}
	return out
}

func (f *fakeTarget) Changed() <-chan struct{} { return f.changed }

func (f *fakeTarget) notify() {
	select {
	case f.changed <- struct{}{}:
	default:
	}
}

// stop requires f.mu.
func (f *fakeTarget) stop(cpu int, reason StopReason, pc uint64) {
	f.nextID++
	f.pending[cpu] = Stop{CPU: cpu, ID: f.nextID, Reason: reason, PC: pc}
	f.regs[cpu][hv.RegisterAMD64Rip] = pc
}

func (f *fakeTarget) Pause() {
	f.mu.Lock()
	for _, cpu := range f.threads {
		if _, ok := f.pending[cpu]; !ok {
			f.stop(cpu, StopPause, f.regs[cpu][hv.RegisterAMD64Rip])
		}
	}
	f.mu.Unlock()
	f.notify()
}

func (f *fakeTarget) held(cpu int) error {
	if _, ok := f.pending[cpu]; !ok {
		return fmt.Errorf("fake: vCPU %d: %w", cpu, hv.ErrInvalidState)
	}
	return nil
}

func (f *fakeTarget) GetRegisters(cpu int, regs map[hv.Register]hv.RegisterValue) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.held(cpu); err != nil {
		return err
	}
	for reg := range regs {
		regs[reg] = hv.Register64(f.regs[cpu][reg])
	}
	return nil
}

func (f *fakeTarget) SetRegisters(cpu int, regs map[hv.Register]hv.RegisterValue) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.held(cpu); err != nil {
		return err
	}
	for reg, v := range regs {
		f.regs[cpu][reg] = uint64(v.(hv.Register64))
	}
	return nil
}

func (f *fakeTarget) ReadMemory(cpu int, addr uint64, p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.held(cpu); err != nil {
		return err
	}
	if addr+uint64(len(p)) > uint64(len(f.mem)) {
		return hv.ErrNotMapped
	}
	copy(p, f.mem[addr:])
	return nil
}

func (f *fakeTarget) WriteMemory(cpu int, addr uint64, p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.held(cpu); err != nil {
		return err
	}
	if addr+uint64(len(p)) > uint64(len(f.mem)) {
		return hv.ErrNotMapped
	}
	copy(f.mem[addr:], p)
	return nil
}

func (f *fakeTarget) SetBreakpoint(kind BreakpointKind, addr uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if kind == BreakpointHardware {
		return hv.ErrResourceLimit
	}
	f.swBreaks[addr] = true
	return nil
}

func (f *fakeTarget) ClearBreakpoint(kind BreakpointKind, addr uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.swBreaks, addr)
	return nil
}

func (f *fakeTarget) Resume(cpu int, action Action) error {
	f.mu.Lock()
	if err := f.held(cpu); err != nil {
		f.mu.Unlock()
		return err
	}
	delete(f.pending, cpu)
	f.resumes = append(f.resumes, fmt.Sprintf("%d:%d", cpu, action))

	switch action {
	case ActionStep:
		f.stop(cpu, StopStep, f.regs[cpu][hv.RegisterAMD64Rip]+1)
	case ActionContinue:
		if addr, ok := f.hits[cpu]; ok && f.swBreaks[addr] {
			f.stop(cpu, StopSoftwareBreakpoint, addr)
		}
	}
	f.mu.Unlock()
	f.notify()
	return nil
}

func (f *fakeTarget) Detach() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detached++
	clear(f.pending)
	clear(f.swBreaks)
	return nil
}

func (f *fakeTarget) resumeLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.resumes)
}

type client struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

// startSession runs a session against target over an in-memory pipe.
func startSession(t *testing.T, target Target) (*client, <-chan error) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	server, conn := net.Pipe()
	done := make(chan error, 1)
	go func() {
		done <- ServeConn(ctx, server, target)
		close(done)
	}()

	t.Cleanup(func() {
		cancel()
		conn.Close()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Errorf("session did not end")
		}
	})

	conn.SetDeadline(time.Now().Add(10 * time.Second))
	return &client{t: t, conn: conn, r: bufio.NewReader(conn)}, done
}

func (c *client) sendRaw(data string) {
	c.t.Helper()
	if _, err := c.conn.Write([]byte(data)); err != nil {
		c.t.Fatalf("write %q: %v", data, err)
	}
}

func (c *client) reply() string {
	c.t.Helper()
	for {
		b, err := c.r.ReadByte()
		if err != nil {
			c.t.Fatalf("read reply: %v", err)
		}
		if b == '$' {
			break
		}
	}
	body, err := c.r.ReadString('#')
	if err != nil {
		c.t.Fatalf("read reply: %v", err)
	}
	var sum [2]byte
	if _, err := c.r.Read(sum[:1]); err != nil {
		c.t.Fatalf("read checksum: %v", err)
	}
	if _, err := c.r.Read(sum[1:]); err != nil {
		c.t.Fatalf("read checksum: %v", err)
	}
	body = strings.TrimSuffix(body, "#")
	if want := fmt.Sprintf("%02x", checksum([]byte(body))); string(sum[:]) != want {
		c.t.Fatalf("reply %q has checksum %s, want %s", body, sum[:], want)
	}
	return body
}

func (c *client) exchange(pkt string) string {
	c.t.Helper()
	c.sendRaw(string(frame([]byte(pkt))))
	return c.reply()
}

func (c *client) expect(pkt, want string) {
	c.t.Helper()
	if got := c.exchange(pkt); got != want {
		c.t.Fatalf("%s: got %q, want %q", pkt, got, want)
	}
}

func TestAttachPausesEveryCPU(t *testing.T) {
	target := newFakeTarget(2)
	c, _ := startSession(t, target)

	c.expect("qSupported:multiprocess+;swbreak+", "PacketSize=4000;qXfer:features:read+;swbreak+;hwbreak+;vContSupported+;QStartNoAckMode+")
	if n := len(target.Pending()); n != 2 {
		t.Fatalf("%d vCPUs held after attach, want 2", n)
	}

	c.expect("?", "T02thread:1;")
	c.expect("qfThreadInfo", "m1,2")
	c.expect("qsThreadInfo", "l")
	c.expect("qC", "QC1")
	c.expect("qAttached", "1")
	c.expect("T2", "OK")
	c.expect("T5", "E03")
	c.expect("qThreadExtraInfo,2", hexString("vCPU 1 (stopped, paused)"))
	c.expect("vMustReplyEmpty", "")
}

// slowAttach holds off the attach pause until release is called, counting
// how often the session looks for stops meanwhile.
type slowAttach struct {
	*fakeTarget

	mu       sync.Mutex
	released bool
	polls    int
}

func (s *slowAttach) Pause() {
	s.mu.Lock()
	released := s.released
	s.mu.Unlock()
	if released {
		s.fakeTarget.Pause()
	}
}

func (s *slowAttach) Pending() []Stop {
	s.mu.Lock()
	s.polls++
	s.mu.Unlock()
	return s.fakeTarget.Pending()
}

func (s *slowAttach) pollCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.polls
}

func (s *slowAttach) release() {
	s.mu.Lock()
	s.released = true
	s.mu.Unlock()
	s.fakeTarget.Pause()
}

func TestPacketDuringAttachAnswered(t *testing.T) {
	target := &slowAttach{fakeTarget: newFakeTarget(1)}
	c, _ := startSession(t, target)

	deadline := time.Now().Add(5 * time.Second)
	for target.pollCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("session never looked for the attach stop")
		}
		time.Sleep(time.Millisecond)
	}

	before := target.pollCount()
	c.sendRaw(string(frame([]byte("qSupported:multiprocess+;swbreak+"))))
	for target.pollCount() == before {
		if time.Now().After(deadline) {
			t.Fatalf("packet never reached the session")
		}
		time.Sleep(time.Millisecond)
	}
	target.release()

	if r := c.reply(); r != "PacketSize=4000;qXfer:features:read+;swbreak+;hwbreak+;vContSupported+;QStartNoAckMode+" {
		t.Fatalf("qSupported sent during attach: got %q", r)
	}
	c.expect("?", "T02thread:1;")
}

func TestRegistersAndMemory(t *testing.T) {
	target := newFakeTarget(2)
	c, _ := startSession(t, target)

	g := c.exchange("g")
	raw, err := hex.DecodeString(g)
	if err != nil {
		t.Fatalf("g reply is not hex: %v", err)
	}
	if len(raw) != amd64Layout.totalSize() {
		t.Fatalf("g reply is %d bytes, want %d", len(raw), amd64Layout.totalSize())
	}
	if rax := binary.LittleEndian.Uint64(raw); rax != 0x1111 {
		t.Fatalf("rax = %#x, want 0x1111", rax)
	}

	// rip is register 16.
	c.expect("Hg2", "OK")
	c.expect("p10", "0010000000000000")
	c.expect("P10=0020000000000000", "OK")
	if rip := target.regs[1][hv.RegisterAMD64Rip]; rip != 0x2000 {
		t.Fatalf("vCPU 1 rip = %#x, want 0x2000", rip)
	}
	c.expect("p99", "E16")

	// Writing back the block read from vCPU 0 copies rax to vCPU 1.
	c.expect("G"+g, "OK")
	if rax := target.regs[1][hv.RegisterAMD64Rax]; rax != 0x1111 {
		t.Fatalf("vCPU 1 rax = %#x after G, want 0x1111", rax)
	}

	c.expect("M100,4:deadbeef", "OK")
	c.expect("m100,4", "deadbeef")
	c.expect("X104,2:}\x03}\x04", "OK")
	c.expect("m104,2", "2324")
	c.expect("m100000,4", "E0e")
	c.expect("M100,4:dead", "E16")
}

func TestTargetXMLTransfer(t *testing.T) {
	c, _ := startSession(t, newFakeTarget(1))

	var doc strings.Builder
	for off := 0; ; off += 0x100 {
		r := c.exchange(fmt.Sprintf("qXfer:features:read:target.xml:%x,100", off))
		if r == "" {
			t.Fatalf("empty qXfer reply")
		}
		data, err := unescape([]byte(r[1:]))
		if err != nil {
			t.Fatalf("unescape: %v", err)
		}
		doc.Write(data)
		if r[0] == 'l' {
			break
		}
	}
	if doc.String() != string(amd64XML) {
		t.Fatalf("transferred target.xml differs from the embedded one")
	}
	c.expect("qXfer:features:read:other.xml:0,100", "E16")
}

func TestBreakpointHitTwice(t *testing.T) {
	target := newFakeTarget(1)
	target.hits[0] = 0x1010
	c, _ := startSession(t, target)

	c.expect("Z0,1010,1", "OK")
	c.expect("c", "T05thread:1;swbreak:;")
	c.expect("p10", "1010000000000000")
	c.expect("c", "T05thread:1;swbreak:;")
	c.expect("z0,1010,1", "OK")

	if got := target.resumeLog(); !slices.Equal(got, []string{"0:0", "0:0"}) {
		t.Fatalf("resumes = %v, want two continues", got)
	}

	c.sendRaw("$c#63")
	// Nothing stops the vCPU now; interrupt it.
	c.sendRaw("\x03")
	if r := c.reply(); r != "T02thread:1;" {
		t.Fatalf("stop after interrupt = %q, want T02thread:1;", r)
	}
}

func TestStepOnlyResumesSelectedThread(t *testing.T) {
	target := newFakeTarget(2)
	c, _ := startSession(t, target)

	c.expect("Hc2", "OK")
	c.expect("s", "T05thread:2;")
	if got := target.resumeLog(); !slices.Equal(got, []string{"1:1"}) {
		t.Fatalf("resumes = %v, want a single step of vCPU 1", got)
	}

	c.expect("vCont?", "vCont;c;C;s;S")
	c.expect("vCont;s:1", "T05thread:1;")
	c.expect("vCont;x", "E16")
}

func TestSimultaneousStopsReportedOneAtATime(t *testing.T) {
	target := newFakeTarget(2)
	target.hits[0] = 0x1010
	target.hits[1] = 0x1010
	c, _ := startSession(t, target)

	c.expect("Z0,1010,1", "OK")
	c.expect("c", "T05thread:1;swbreak:;")

	// vCPU 1 hit the same breakpoint; it is held and reported next without
	// being resumed.
	c.expect("c", "T05thread:2;swbreak:;")
	if got := target.resumeLog(); !slices.Equal(got, []string{"0:0", "1:0", "0:0"}) {
		t.Fatalf("resumes = %v", got)
	}
}

func TestDetachCleansUp(t *testing.T) {
	target := newFakeTarget(2)
	c, done := startSession(t, target)

	c.expect("Z0,1010,1", "OK")
	// Hardware slots are exhausted in the fake.
	c.expect("Z1,1020,1", "E1c")
	c.expect("D", "OK")

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("ServeConn = %v, want nil after detach", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("session did not end after D")
	}

	target.mu.Lock()
	defer target.mu.Unlock()
	if len(target.swBreaks) != 0 {
		t.Fatalf("breakpoints left after detach: %v", target.swBreaks)
	}
	if len(target.pending) != 0 || target.detached != 1 {
		t.Fatalf("pending = %v, detached = %d", target.pending, target.detached)
	}
}

func TestMonitor(t *testing.T) {
	target := newFakeTarget(1)
	copy(target.mem[0x1000:], []byte{0x90, 0xf4})
	c, _ := startSession(t, target)

	out, err := hex.DecodeString(c.exchange("qRcmd," + hexString("disas 2")))
	if err != nil {
		t.Fatalf("monitor reply is not hex: %v", err)
	}
	if !strings.Contains(string(out), "nop") || !strings.Contains(string(out), "hlt") {
		t.Fatalf("disas output = %q", out)
	}

	out, _ = hex.DecodeString(c.exchange("qRcmd," + hexString("regs")))
	if !strings.Contains(string(out), "rax      0x0000000000001111") {
		t.Fatalf("regs output = %q", out)
	}
}

func TestServerRefusesSecondDebugger(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv, err := Listen(ctx, "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx, newFakeTarget(1)) }()

	first, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer first.Close()
	first.SetDeadline(time.Now().Add(10 * time.Second))

	c := &client{t: t, conn: first, r: bufio.NewReader(first)}
	c.expect("?", "T02thread:1;")

	second, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer second.Close()
	second.SetDeadline(time.Now().Add(10 * time.Second))
	if _, err := second.Read(make([]byte, 1)); err == nil {
		t.Fatalf("second connection was not closed")
	}

	// The first session is unaffected.
	c.expect("qC", "QC1")

	cancel()
	select {
	case err := <-served:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Serve did not return")
	}
}
