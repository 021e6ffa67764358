package gdb

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strconv"
	"strings"

	"github.com/obhq/obvmm/internal/disasm"
	"github.com/obhq/obvmm/internal/hv"
)

const (
	packetSize = 0x4000

	// maxMemoryRead keeps an m reply within packetSize once hex encoded.
	maxMemoryRead = packetSize/2 - 16
)

type breakpointKey struct {
	kind BreakpointKind
	addr uint64
}

type session struct {
	target Target
	layout *layout
	log    *slog.Logger

	w       io.Writer
	packets chan inbound
	noAck   bool
	last    []byte

	// backlog holds packets that arrived while waiting for a stop.
	backlog []inbound

	// Selected threads for g/m/p and for c/s, as thread ids.
	gThread int
	cThread int

	// current is the vCPU of the last reported stop.
	current int
	reply   string

	reported    map[uint64]bool
	breakpoints map[breakpointKey]struct{}
	running     bool
	interrupted bool
}

// ServeConn runs one debug session on conn until the debugger leaves or ctx
// is done. Breakpoints planted by the session are removed and every held
// vCPU is released before it returns.
func ServeConn(ctx context.Context, conn io.ReadWriteCloser, target Target) error {
	l, err := layoutFor(target.Architecture())
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s := &session{
		target:      target,
		layout:      l,
		log:         slog.With("component", "gdb"),
		w:           conn,
		packets:     make(chan inbound),
		reported:    map[uint64]bool{},
		breakpoints: map[breakpointKey]struct{}{},
	}

	go func() {
		r := newPacketReader(conn)
		for {
			in := r.next()
			select {
			case s.packets <- in:
			case <-ctx.Done():
				return
			}
			if in.err != nil {
				return
			}
		}
	}()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	err = s.run(ctx)
	s.cleanup()
	if errors.Is(err, ErrDisconnected) || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (s *session) run(ctx context.Context) error {
	// Stop the machine before answering anything.
	s.target.Pause()
	s.interrupted = true
	stop, err := s.waitStop(ctx)
	if err != nil {
		return err
	}
	s.report(stop)

	for {
		if s.running {
			stop, err := s.waitStop(ctx)
			if err != nil {
				return err
			}
			if err := s.send(s.report(stop)); err != nil {
				return err
			}
			continue
		}

		in, err := s.next(ctx)
		if err != nil {
			return err
		}

		switch {
		case in.err != nil:
			return fmt.Errorf("gdb: read: %w", in.err)
		case in.nack:
			if err := s.write(s.last); err != nil {
				return err
			}
			continue
		case in.interrupt:
			// Already stopped.
			continue
		case in.corrupt:
			if err := s.write([]byte("-")); err != nil {
				return err
			}
			continue
		}

		if !s.noAck {
			if err := s.write([]byte("+")); err != nil {
				return err
			}
		}

		err = s.dispatch(string(in.data))
		var perr *ProtocolError
		switch {
		case err == nil:
		case errors.As(err, &perr):
			s.log.Debug("gdb: request failed", "packet", string(in.data), "error", err)
			if err := s.send(fmt.Sprintf("E%02x", perr.Code)); err != nil {
				return err
			}
		default:
			return err
		}
	}
}

// next returns the oldest deferred packet, or the next one off the wire.
func (s *session) next(ctx context.Context) (inbound, error) {
	if len(s.backlog) > 0 {
		in := s.backlog[0]
		s.backlog = s.backlog[1:]
		return in, nil
	}

	select {
	case in := <-s.packets:
		return in, nil
	case <-ctx.Done():
		return inbound{}, ctx.Err()
	}
}

func (s *session) write(data []byte) error {
	if _, err := s.w.Write(data); err != nil {
		return fmt.Errorf("gdb: write: %w", err)
	}
	return nil
}

func (s *session) send(payload string) error {
	return s.sendBytes([]byte(payload))
}

func (s *session) sendBytes(payload []byte) error {
	s.last = frame(payload)
	return s.write(s.last)
}

// waitStop blocks until an unreported stop exists and every live vCPU is
// held, then returns the stop to report.
func (s *session) waitStop(ctx context.Context) (Stop, error) {
	var chosen *Stop
	for {
		if len(s.target.Threads()) == 0 {
			s.send("W00")
			return Stop{}, ErrDisconnected
		}

		pending := s.target.Pending()
		if chosen == nil {
			chosen = s.pick(pending)
			if chosen != nil {
				s.target.Pause()
			}
		}
		if chosen != nil && s.allStopped(pending) {
			s.running = false
			s.interrupted = false
			for _, p := range pending {
				if p.Reason == StopPause {
					s.reported[p.ID] = true
				}
			}
			s.reported[chosen.ID] = true
			return *chosen, nil
		}

		select {
		case <-s.target.Changed():
		case in := <-s.packets:
			switch {
			case in.err != nil:
				return Stop{}, fmt.Errorf("gdb: read: %w", in.err)
			case in.interrupt:
				s.interrupted = true
				s.target.Pause()
			default:
				s.log.Debug("gdb: deferring packet until stopped", "packet", string(in.data))
				s.backlog = append(s.backlog, in)
			}
		case <-ctx.Done():
			return Stop{}, ctx.Err()
		}
	}
}

// pick chooses the oldest unreported stop, preferring breakpoints and steps
// over pauses. Pauses only count after an interrupt.
func (s *session) pick(pending []Stop) *Stop {
	var stop, pause *Stop
	for i := range pending {
		p := &pending[i]
		switch {
		case s.reported[p.ID]:
		case p.Reason != StopPause:
			if stop == nil || p.ID < stop.ID {
				stop = p
			}
		case pause == nil || p.ID < pause.ID:
			pause = p
		}
	}
	if stop != nil {
		return stop
	}
	if s.interrupted {
		return pause
	}
	return nil
}

func (s *session) allStopped(pending []Stop) bool {
	for _, cpu := range s.target.Threads() {
		if !slices.ContainsFunc(pending, func(p Stop) bool { return p.CPU == cpu }) {
			return false
		}
	}
	return true
}

func (s *session) report(stop Stop) string {
	s.current = stop.CPU

	signal := 5 // SIGTRAP
	var extra string
	switch stop.Reason {
	case StopPause:
		signal = 2 // SIGINT
	case StopSoftwareBreakpoint:
		extra = "swbreak:;"
	case StopHardwareBreakpoint:
		extra = "hwbreak:;"
	}
	s.reply = fmt.Sprintf("T%02xthread:%x;%s", signal, stop.CPU+1, extra)
	s.log.Debug("gdb: stop", "cpu", stop.CPU, "reason", stop.Reason, "pc", fmt.Sprintf("%#x", stop.PC))
	return s.reply
}

// threadCPU resolves a selected thread id to a vCPU index.
func (s *session) threadCPU(thread int) (int, error) {
	if thread <= 0 {
		return s.current, nil
	}
	cpu := thread - 1
	if !slices.Contains(s.target.Threads(), cpu) {
		return 0, &ProtocolError{Code: codeNoThread, Msg: fmt.Sprintf("no thread %x", thread)}
	}
	return cpu, nil
}

func (s *session) dispatch(pkt string) error {
	if pkt == "" {
		return s.send("")
	}

	switch pkt[0] {
	case '?':
		return s.send(s.reply)
	case 'g':
		return s.readRegisters()
	case 'G':
		return s.writeRegisters(pkt[1:])
	case 'p':
		return s.readRegister(pkt[1:])
	case 'P':
		return s.writeRegister(pkt[1:])
	case 'm':
		return s.readMemory(pkt[1:])
	case 'M':
		return s.writeMemory(pkt[1:], false)
	case 'X':
		return s.writeMemory(pkt[1:], true)
	case 'Z', 'z':
		return s.breakpoint(pkt[0] == 'Z', pkt[1:])
	case 'c':
		return s.resumeAll(ActionContinue, pkt[1:])
	case 's':
		return s.resumeAll(ActionStep, pkt[1:])
	case 'H':
		return s.setThread(pkt[1:])
	case 'T':
		return s.threadAlive(pkt[1:])
	case 'D':
		s.send("OK")
		return ErrDisconnected
	case 'k':
		return ErrDisconnected
	case 'q':
		return s.query(pkt[1:])
	case 'Q':
		if pkt == "QStartNoAckMode" {
			if err := s.send("OK"); err != nil {
				return err
			}
			s.noAck = true
			return nil
		}
		return s.send("")
	case 'v':
		return s.vPacket(pkt[1:])
	default:
		return s.send("")
	}
}

func (s *session) readRegisters() error {
	cpu, err := s.threadCPU(s.gThread)
	if err != nil {
		return err
	}
	regs := s.layout.request()
	if err := s.target.GetRegisters(cpu, regs); err != nil {
		return targetError("read registers", err)
	}

	buf := make([]byte, 0, s.layout.totalSize())
	for _, r := range s.layout.regs {
		buf = r.encode(buf, regs)
	}
	return s.send(hex.EncodeToString(buf))
}

func (s *session) writeRegisters(arg string) error {
	cpu, err := s.threadCPU(s.gThread)
	if err != nil {
		return err
	}
	raw, err := hex.DecodeString(arg)
	if err != nil || len(raw) < s.layout.totalSize() {
		return invalid("bad register block")
	}

	regs := map[hv.Register]hv.RegisterValue{}
	for _, r := range s.layout.regs {
		r.decode(raw, regs)
		raw = raw[r.size():]
	}
	if err := s.target.SetRegisters(cpu, regs); err != nil {
		return targetError("write registers", err)
	}
	return s.send("OK")
}

func (s *session) register(numStr string) (regDesc, error) {
	n, err := parseHex(numStr)
	if err != nil {
		return regDesc{}, err
	}
	if n >= uint64(len(s.layout.regs)) {
		return regDesc{}, invalid("no register %d", n)
	}
	return s.layout.regs[n], nil
}

func (s *session) readRegister(arg string) error {
	r, err := s.register(arg)
	if err != nil {
		return err
	}
	cpu, err := s.threadCPU(s.gThread)
	if err != nil {
		return err
	}

	regs := map[hv.Register]hv.RegisterValue{}
	if r.reg != hv.RegisterInvalid {
		regs[r.reg] = nil
		if err := s.target.GetRegisters(cpu, regs); err != nil {
			return targetError("read register", err)
		}
	}
	return s.send(hex.EncodeToString(r.encode(nil, regs)))
}

func (s *session) writeRegister(arg string) error {
	numStr, valStr, ok := strings.Cut(arg, "=")
	if !ok {
		return invalid("expected n=value")
	}
	r, err := s.register(numStr)
	if err != nil {
		return err
	}
	cpu, err := s.threadCPU(s.gThread)
	if err != nil {
		return err
	}
	raw, err := hex.DecodeString(valStr)
	if err != nil || len(raw) != r.size() {
		return invalid("bad value for %s", r.name)
	}

	regs := map[hv.Register]hv.RegisterValue{}
	r.decode(raw, regs)
	if len(regs) > 0 {
		if err := s.target.SetRegisters(cpu, regs); err != nil {
			return targetError("write register", err)
		}
	}
	return s.send("OK")
}

func (s *session) readMemory(arg string) error {
	addr, length, err := parseAddrLen(arg)
	if err != nil {
		return err
	}
	cpu, err := s.threadCPU(s.gThread)
	if err != nil {
		return err
	}

	buf := make([]byte, min(length, maxMemoryRead))
	if err := s.target.ReadMemory(cpu, addr, buf); err != nil {
		return targetError("read memory", err)
	}
	return s.send(hex.EncodeToString(buf))
}

func (s *session) writeMemory(arg string, binary bool) error {
	spec, data, ok := strings.Cut(arg, ":")
	if !ok {
		return invalid("expected addr,length:data")
	}
	addr, length, err := parseAddrLen(spec)
	if err != nil {
		return err
	}

	var buf []byte
	if binary {
		buf, err = unescape([]byte(data))
	} else {
		buf, err = hex.DecodeString(data)
	}
	if err != nil {
		return invalid("bad memory data")
	}
	if uint64(len(buf)) != length {
		return invalid("length %d does not match %d data bytes", length, len(buf))
	}
	if length == 0 {
		return s.send("OK")
	}

	cpu, err := s.threadCPU(s.gThread)
	if err != nil {
		return err
	}
	if err := s.target.WriteMemory(cpu, addr, buf); err != nil {
		return targetError("write memory", err)
	}
	return s.send("OK")
}

func (s *session) breakpoint(insert bool, arg string) error {
	parts := strings.Split(arg, ",")
	if len(parts) < 2 {
		return invalid("bad breakpoint %q", arg)
	}

	var kind BreakpointKind
	switch parts[0] {
	case "0":
		kind = BreakpointSoftware
	case "1":
		kind = BreakpointHardware
	default:
		// Watchpoints are not supported.
		return s.send("")
	}
	addr, err := parseHex(parts[1])
	if err != nil {
		return err
	}

	key := breakpointKey{kind, addr}
	if insert {
		if err := s.target.SetBreakpoint(kind, addr); err != nil {
			return targetError("set breakpoint", err)
		}
		s.breakpoints[key] = struct{}{}
	} else {
		if err := s.target.ClearBreakpoint(kind, addr); err != nil {
			return targetError("clear breakpoint", err)
		}
		delete(s.breakpoints, key)
	}
	return s.send("OK")
}

func (s *session) setThread(arg string) error {
	if len(arg) < 2 {
		return invalid("bad H packet")
	}
	thread, err := parseThread(arg[1:])
	if err != nil {
		return err
	}
	if thread > 0 {
		if _, err := s.threadCPU(thread); err != nil {
			return err
		}
	}

	switch arg[0] {
	case 'g':
		s.gThread = thread
	case 'c':
		s.cThread = thread
	default:
		return invalid("bad H operation %q", arg[0])
	}
	return s.send("OK")
}

func (s *session) threadAlive(arg string) error {
	thread, err := parseThread(arg)
	if err != nil {
		return err
	}
	if thread <= 0 {
		return invalid("bad thread")
	}
	if _, err := s.threadCPU(thread); err != nil {
		return err
	}
	return s.send("OK")
}

// setPC applies the optional resume address of c and s.
func (s *session) setPC(cpu int, arg string) error {
	if arg == "" {
		return nil
	}
	addr, err := parseHex(arg)
	if err != nil {
		return err
	}
	pc := s.layout.regs[s.layout.pc].reg
	if err := s.target.SetRegisters(cpu, map[hv.Register]hv.RegisterValue{pc: hv.Register64(addr)}); err != nil {
		return targetError("set pc", err)
	}
	return nil
}

// resumeAll handles c and s. Continue releases every vCPU; step releases
// only the selected one.
func (s *session) resumeAll(action Action, arg string) error {
	cpu, err := s.threadCPU(s.cThread)
	if err != nil {
		return err
	}
	if err := s.setPC(cpu, arg); err != nil {
		return err
	}

	actions := map[int]Action{}
	if action == ActionStep {
		actions[cpu] = ActionStep
	} else {
		for _, p := range s.target.Pending() {
			actions[p.CPU] = ActionContinue
		}
	}
	return s.resume(actions)
}

// resume releases vCPUs. Stops not yet reported to the debugger stay held
// so they are reported next.
func (s *session) resume(actions map[int]Action) error {
	for _, p := range s.target.Pending() {
		action, ok := actions[p.CPU]
		if !ok || !s.reported[p.ID] {
			continue
		}
		if err := s.target.Resume(p.CPU, action); err != nil {
			return targetError("resume", err)
		}
	}
	s.running = true
	return nil
}

func (s *session) vPacket(arg string) error {
	switch {
	case arg == "Cont?":
		return s.send("vCont;c;C;s;S")
	case strings.HasPrefix(arg, "Cont;"):
		return s.vCont(arg[len("Cont;"):])
	case arg == "MustReplyEmpty":
		return s.send("")
	case strings.HasPrefix(arg, "Kill"):
		s.send("OK")
		return ErrDisconnected
	default:
		return s.send("")
	}
}

// vCont applies the first matching action to each held vCPU. Threads no
// action names stay stopped.
func (s *session) vCont(arg string) error {
	type entry struct {
		action Action
		thread int
	}
	var entries []entry
	for _, part := range strings.Split(arg, ";") {
		act, thread, hasThread := strings.Cut(part, ":")
		e := entry{thread: -1}
		switch {
		case act == "c" || strings.HasPrefix(act, "C"):
			e.action = ActionContinue
		case act == "s" || strings.HasPrefix(act, "S"):
			e.action = ActionStep
		default:
			return invalid("unsupported vCont action %q", act)
		}
		if hasThread {
			t, err := parseThread(thread)
			if err != nil {
				return err
			}
			e.thread = t
		}
		entries = append(entries, e)
	}

	actions := map[int]Action{}
	for _, p := range s.target.Pending() {
		for _, e := range entries {
			if e.thread == -1 || e.thread == 0 || e.thread == p.CPU+1 {
				actions[p.CPU] = e.action
				break
			}
		}
	}
	return s.resume(actions)
}

func (s *session) query(arg string) error {
	name, rest, _ := strings.Cut(arg, ":")
	switch {
	case name == "Supported":
		return s.send(fmt.Sprintf("PacketSize=%x;qXfer:features:read+;swbreak+;hwbreak+;vContSupported+;QStartNoAckMode+", packetSize))
	case name == "Attached":
		return s.send("1")
	case name == "C":
		return s.send(fmt.Sprintf("QC%x", s.current+1))
	case name == "fThreadInfo":
		var ids []string
		for _, cpu := range s.target.Threads() {
			ids = append(ids, strconv.FormatInt(int64(cpu+1), 16))
		}
		return s.send("m" + strings.Join(ids, ","))
	case name == "sThreadInfo":
		return s.send("l")
	case name == "Xfer":
		return s.xfer(rest)
	case strings.HasPrefix(name, "ThreadExtraInfo,"):
		return s.threadExtraInfo(strings.TrimPrefix(name, "ThreadExtraInfo,"))
	case strings.HasPrefix(name, "Rcmd,"):
		return s.monitor(strings.TrimPrefix(name, "Rcmd,"))
	case name == "Symbol":
		return s.send("OK")
	default:
		return s.send("")
	}
}

func (s *session) xfer(arg string) error {
	parts := strings.SplitN(arg, ":", 4)
	if len(parts) != 4 || parts[0] != "features" || parts[1] != "read" {
		return s.send("")
	}
	if parts[2] != "target.xml" {
		return &ProtocolError{Code: codeInvalid, Msg: "unknown annex " + parts[2]}
	}
	off, length, err := parseAddrLen(parts[3])
	if err != nil {
		return err
	}

	doc := s.layout.xml
	if off >= uint64(len(doc)) {
		return s.send("l")
	}
	chunk := doc[off:min(off+length, uint64(len(doc)))]
	prefix := byte('m')
	if off+uint64(len(chunk)) == uint64(len(doc)) {
		prefix = 'l'
	}
	return s.sendBytes(append([]byte{prefix}, escape(chunk)...))
}

func (s *session) threadExtraInfo(arg string) error {
	thread, err := parseThread(arg)
	if err != nil {
		return err
	}
	cpu, err := s.threadCPU(thread)
	if err != nil {
		return err
	}

	state := "running"
	for _, p := range s.target.Pending() {
		if p.CPU == cpu {
			state = "stopped, " + p.Reason.String()
		}
	}
	return s.send(hexString(fmt.Sprintf("vCPU %d (%s)", cpu, state)))
}

func (s *session) monitor(arg string) error {
	raw, err := hex.DecodeString(arg)
	if err != nil {
		return invalid("bad monitor command")
	}
	fields := strings.Fields(string(raw))
	if len(fields) == 0 {
		return s.send(hexString("commands: regs, disas [count]\n"))
	}

	cpu, err := s.threadCPU(s.gThread)
	if err != nil {
		return err
	}

	var out strings.Builder
	switch fields[0] {
	case "regs":
		regs := s.layout.request()
		if err := s.target.GetRegisters(cpu, regs); err != nil {
			return targetError("read registers", err)
		}
		for _, r := range s.layout.regs {
			if v, ok := regs[r.reg].(hv.Register64); ok {
				fmt.Fprintf(&out, "%-8s 0x%016x\n", r.name, uint64(v))
			}
		}
	case "disas":
		count := 8
		if len(fields) > 1 {
			n, err := strconv.Atoi(fields[1])
			if err != nil || n <= 0 {
				return invalid("bad count %q", fields[1])
			}
			count = min(n, 64)
		}

		pcReg := s.layout.regs[s.layout.pc].reg
		regs := map[hv.Register]hv.RegisterValue{pcReg: nil}
		if err := s.target.GetRegisters(cpu, regs); err != nil {
			return targetError("read pc", err)
		}
		pc, _ := regs[pcReg].(hv.Register64)

		code := make([]byte, count*disasm.MaxInstruction)
		for len(code) > 0 {
			if err := s.target.ReadMemory(cpu, uint64(pc), code); err == nil {
				break
			}
			code = code[:len(code)/2]
		}
		if len(code) == 0 {
			return targetError("read code", hv.ErrNotMapped)
		}
		out.WriteString(disasm.Format(disasm.Disassemble(s.target.Architecture(), code, uint64(pc), count)))
	default:
		fmt.Fprintf(&out, "unknown command %q\n", fields[0])
	}
	return s.send(hexString(out.String()))
}

// cleanup removes what the session planted and releases the machine.
func (s *session) cleanup() {
	for key := range s.breakpoints {
		if err := s.target.ClearBreakpoint(key.kind, key.addr); err != nil {
			s.log.Warn("gdb: clear breakpoint on detach", "addr", fmt.Sprintf("%#x", key.addr), "error", err)
		}
	}
	clear(s.breakpoints)

	if err := s.target.Detach(); err != nil {
		s.log.Warn("gdb: detach", "error", err)
	}
}
