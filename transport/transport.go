// Package transport provides accept-loop helpers that wire a net.Listener
// to a server.Server, matching the teacher's rpc/transport/tcp and
// rpc/transport/unix Server.ListenAndServe/Serve pattern: accept in a loop,
// hand each connection to the context pool rather than blocking on it, and
// stop cleanly on Close.
package transport

import (
	"net"
	"time"

	"github.com/gostdlib/base/concurrency/sync"
	"github.com/gostdlib/base/context"
)

// RPCServer is the subset of server.Server that transport depends on. It is
// expressed as an interface (rather than importing the server package
// directly) so transport has no import-cycle risk and so tests can serve a
// fake.
type RPCServer interface {
	Serve(ctx context.Context, nc net.Conn) error
}

// Server accepts connections on a net.Listener and dispatches each one to
// an RPCServer, one context.Pool(ctx).Submit goroutine per connection.
type Server struct {
	rpc RPCServer

	mu       sync.Mutex
	listener net.Listener
	closed   bool
}

// NewServer returns a Server that serves accepted connections against rpc.
func NewServer(rpc RPCServer) *Server {
	return &Server{rpc: rpc}
}

// ListenAndServeTCP listens on addr (host:port or :port, per net.Listen's
// "tcp" network) and serves accepted connections until Close is called or
// ctx is canceled. keepAlive is passed to net.ListenConfig.KeepAlive: zero
// keeps keep-alives enabled with Go's default period, and a negative value
// disables them on the listener.
func (s *Server) ListenAndServeTCP(ctx context.Context, addr string, keepAlive time.Duration) error {
	lc := net.ListenConfig{KeepAlive: keepAlive}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// ListenAndServeUnix listens on a Unix domain socket at path and serves
// accepted connections until Close is called or ctx is canceled, matching
// rpc/transport/unix's socket-file listener.
func (s *Server) ListenAndServeUnix(ctx context.Context, path string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "unix", path)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections from ln and hands each to the RPCServer in its
// own pooled goroutine. It blocks until Close is called or Accept fails.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return net.ErrClosed
	}
	s.listener = ln
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.listener = nil
		s.mu.Unlock()
		ln.Close()
	}()

	pool := context.Pool(ctx)

	for {
		nc, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return err
		}

		pool.Submit(ctx, func() {
			s.rpc.Serve(ctx, nc)
		})
	}
}

// Close stops accepting new connections. In-flight connections are left to
// the RPCServer's own Serve loop to wind down.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	ln := s.listener
	s.mu.Unlock()

	if ln != nil {
		return ln.Close()
	}
	return nil
}

// Addr returns the listener's address, or nil if not currently listening.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}
