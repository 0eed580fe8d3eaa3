// Package server exposes the dispatcher over TCP (one JSON object per line)
// and, optionally, an admin HTTP surface.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aitachi/envom/internal/capability"
	wire "github.com/aitachi/envom/pkg/dispatch"
)

// Server serves the line protocol. Each connection gets its own goroutine;
// requests on a connection are answered one at a time, in order.
type Server struct {
	dispatcher capability.Dispatcher
	logger     *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
}

func New(d capability.Dispatcher, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		dispatcher: d,
		logger:     logger.Named("server"),
		conns:      make(map[net.Conn]struct{}),
	}
}

// ListenAndServe listens on addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections from ln until ctx is cancelled, then waits for
// open connections to finish their current request. Calls run on a context
// detached from both ctx and the connection.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.logger.Info("dispatch server listening", zap.String("addr", ln.Addr().String()))

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.interruptReads()
			s.wg.Wait()
			if ctx.Err() != nil {
				s.logger.Info("dispatch server stopped")
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.track(conn, true)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.track(conn, false)
			s.serveConn(context.WithoutCancel(ctx), conn)
		}()
	}
}

// Addr returns the listener address once Serve has started.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) track(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

// interruptReads unblocks idle connections. A connection busy with a
// call writes its response before it notices.
func (s *Server) interruptReads() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		_ = c.SetReadDeadline(time.Now())
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer func() { _ = conn.Close() }()
	remote := conn.RemoteAddr().String()
	s.logger.Debug("connection opened", zap.String("remote", remote))

	lines := wire.NewLineReader(conn)
	for {
		line, err := lines.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && !errors.Is(err, os.ErrDeadlineExceeded) {
				// oversized line or broken stream: answer once, then drop
				s.logger.Debug("read failed", zap.String("remote", remote), zap.Error(err))
				_ = wire.WriteLine(conn, wire.Fail(nil, wire.UnsupportedRequest))
			}
			s.logger.Debug("connection closed", zap.String("remote", remote))
			return
		}

		resp := s.handle(ctx, line)
		if err := wire.WriteLine(conn, resp); err != nil {
			s.logger.Debug("write failed", zap.String("remote", remote), zap.Error(err))
			// unencodable data: the failure envelope still fits
			if err := wire.WriteLine(conn, wire.Fail(resp.ID, errUnencodable)); err != nil {
				return
			}
		}
	}
}

const errUnencodable = "response could not be encoded"

// handle answers one raw line.
func (s *Server) handle(ctx context.Context, line []byte) wire.Response {
	req, err := wire.DecodeRequest(line)
	if err != nil {
		return wire.Fail(nil, wire.UnsupportedRequest)
	}
	return s.dispatcher.Dispatch(ctx, req)
}
