package h2serve

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"sync"

	"golang.org/x/net/http2"

	"github.com/kalbhor/h2serve/internal/tlsconfig"
)

// Server is the handle returned by Serve (spec.md §6).
type Server struct {
	cfg      *Config
	listener net.Listener
	events   *eventSink

	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	conns   map[*connection]struct{}
	closing bool
}

// Serve binds host:port, loads TLS material from cfg, and begins
// accepting HTTP/2 connections, dispatching each stream's request/
// response pair to app. It returns once the listener is bound; serving
// continues on background goroutines until Stop is called or parentCtx
// ends.
func Serve(parentCtx context.Context, app App, host string, port int, cfg *Config) (*Server, error) {
	cfg = cfg.withDefaults()

	tlsCfg, err := tlsconfig.Load(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("h2serve: loading TLS config: %w", err)
	}
	tlsCfg.NextProtos = []string{http2.NextProtoTLS}
	tlsCfg.MinVersion = tls.VersionTLS12

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	ln, err := tls.Listen("tcp", addr, tlsCfg)
	if err != nil {
		return nil, fmt.Errorf("h2serve: listening on %s: %w", addr, err)
	}

	ctx, cancel := context.WithCancel(parentCtx)
	s := &Server{
		cfg:      cfg,
		listener: ln,
		events:   newEventSink(cfg.Events),
		cancel:   cancel,
		done:     make(chan struct{}),
		conns:    make(map[*connection]struct{}),
	}
	go s.acceptLoop(ctx, app)
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	return s, nil
}

func (s *Server) acceptLoop(ctx context.Context, app App) {
	defer close(s.done)
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		c := newConnection(s.cfg, app, conn, s.events)
		s.mu.Lock()
		if s.closing {
			s.mu.Unlock()
			conn.Close()
			continue
		}
		s.conns[c] = struct{}{}
		s.mu.Unlock()

		go func() {
			c.serve(ctx)
			s.mu.Lock()
			delete(s.conns, c)
			s.mu.Unlock()
		}()
	}
}

// Addrs returns the server's bound addresses (currently always a single
// listener, matching Go's net.Listener model).
func (s *Server) Addrs() []net.Addr {
	return []net.Addr{s.listener.Addr()}
}

// LocalhostPort returns the bound port when the listener is on a
// loopback address, and an error otherwise.
func (s *Server) LocalhostPort() (int, error) {
	tcpAddr, ok := s.listener.Addr().(*net.TCPAddr)
	if !ok {
		return 0, fmt.Errorf("h2serve: listener address is not TCP")
	}
	if !tcpAddr.IP.IsLoopback() {
		return 0, fmt.Errorf("h2serve: server is not bound to localhost")
	}
	return tcpAddr.Port, nil
}

// Stop cancels the connection-accept scope and every active connection,
// then waits for the accept loop to exit or ctx to end.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	s.cancel()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
