package gdb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
)

// Server accepts debugger connections. Only one session runs at a time;
// further connections are closed as soon as they are accepted.
type Server struct {
	ln     net.Listener
	active atomic.Bool
	wg     sync.WaitGroup
}

// Listen opens a TCP listener on addr.
func Listen(ctx context.Context, addr string) (*Server, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("gdb: listen on %s: %w", addr, err)
	}
	return &Server{ln: ln}, nil
}

func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Serve accepts connections until ctx is done or the listener is closed.
// It returns after the active session has finished.
func (s *Server) Serve(ctx context.Context, target Target) error {
	defer s.wg.Wait()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		s.ln.Close()
	}()

	slog.Info("gdb: waiting for debugger", "addr", s.ln.Addr().String())

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("gdb: accept: %w", err)
		}

		if !s.active.CompareAndSwap(false, true) {
			slog.Warn("gdb: refusing connection, a debugger is already attached", "remote", conn.RemoteAddr().String())
			conn.Close()
			continue
		}

		slog.Info("gdb: debugger attached", "remote", conn.RemoteAddr().String())
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.active.Store(false)

			if err := ServeConn(ctx, conn, target); err != nil && ctx.Err() == nil {
				slog.Error("gdb: session ended", "error", err)
				return
			}
			slog.Info("gdb: debugger detached")
		}()
	}
}

// Close stops accepting connections.
func (s *Server) Close() error {
	return s.ln.Close()
}
