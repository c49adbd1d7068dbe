package h2serve

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/kalbhor/h2serve/internal/engine"
	"github.com/kalbhor/h2serve/internal/h2log"
)

const readBufferSize = 16 * 1024

// connection owns one accepted TLS transport (spec.md §4.5, C5): the
// engine, the outgoing queue, the stream table, and the read/write/
// stream-handler tasks that drive them.
//
// Grounded on baranov1ch-http2's serverConn (teacher_server_reference.go:
// handleConn, serve, readFrames, processFrame and friends), generalized
// from its single hand-rolled select loop over several purpose-built
// channels into the read-loop/write-loop/stream-handler split spec.md
// §4.5 names, with golang.org/x/sync/errgroup providing the "connection-
// scoped cancellation region" spec.md §9 calls for.
type connection struct {
	cfg    *Config
	app    App
	logger *slog.Logger
	peer   string

	transport net.Conn
	eng       *engine.Engine
	outQueue  *notifyingQueue
	guard     *stateGuard
	events    *eventSink

	streamLimiter *rate.Limiter

	mu      sync.Mutex
	streams map[uint32]*streamHandler

	streamWG sync.WaitGroup
}

func newConnection(cfg *Config, app App, transport net.Conn, events *eventSink) *connection {
	eng := engine.New()
	out := newNotifyingQueue(cfg.OutgoingQueueCapacity)
	var limiter *rate.Limiter
	if cfg.MaxStreamsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.MaxStreamsPerSecond), int(cfg.MaxStreamsPerSecond)+1)
	}
	peer := transport.RemoteAddr().String()
	return &connection{
		cfg:           cfg,
		app:           app,
		logger:        h2log.ForPeer(cfg.Logger, peer),
		peer:          peer,
		transport:     transport,
		eng:           eng,
		outQueue:      out,
		guard:         newStateGuard(eng, out),
		events:        events,
		streamLimiter: limiter,
		streams:       make(map[uint32]*streamHandler),
	}
}

// serve runs the connection to completion: handshake, ALPN/version
// validation, spawn write/read/stream-handler tasks, route protocol
// events, graceful close. It never returns an error to its caller — every
// failure is logged and optionally published as a ConnectionError event
// (spec.md §7), matching the teacher's "no errors bubble out of the
// per-connection task" policy.
func (c *connection) serve(ctx context.Context) {
	defer c.transport.Close()

	if err := c.handshake(ctx); err != nil {
		c.logger.Error("handshake failed", "err", err)
		c.reportConnectionError(err)
		return
	}

	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(cctx)

	// A blocking transport.Read doesn't observe context cancellation on
	// its own; forcing the socket closed is what actually unblocks the
	// read loop when the connection scope ends (parent Stop, or an
	// error elsewhere in the group).
	go func() {
		<-gctx.Done()
		c.transport.Close()
	}()

	g.Go(func() error { return c.writeLoop(gctx) })

	if err := c.guard.Use(gctx, false, func(e *engine.Engine) error {
		return e.InitiateConnection(c.cfg.InitialSettings)
	}); err != nil {
		c.logger.Error("failed to initiate connection", "err", err)
		c.reportConnectionError(err)
		cancel()
		c.guard.Close()
		c.streamWG.Wait()
		return
	}

	g.Go(func() error {
		// Whatever ends the read loop — peer EOF, protocol error, or
		// outer cancellation — must also close the outgoing queue so a
		// writeLoop blocked waiting for the next item unblocks instead
		// of deadlocking g.Wait() below.
		err := c.readLoop(gctx, cancel)
		c.guard.Close()
		return err
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Error("connection ended with error", "err", err)
		c.reportConnectionError(err)
	}

	// Cancel every live stream handler and wait for their tasks (and any
	// in-flight ack sub-tasks) to unwind before returning, so nothing
	// touches the transport after Close.
	c.mu.Lock()
	handlers := make([]*streamHandler, 0, len(c.streams))
	for _, h := range c.streams {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()
	for _, h := range handlers {
		h.cancel()
	}
	c.guard.Close()
	c.streamWG.Wait()
}

func (c *connection) handshake(ctx context.Context) error {
	tlsConn, ok := c.transport.(*tls.Conn)
	if !ok {
		return fmt.Errorf("h2serve: transport is not a *tls.Conn")
	}
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return fmt.Errorf("tls handshake: %w", err)
	}
	state := tlsConn.ConnectionState()
	if state.Version != tls.VersionTLS12 && state.Version != tls.VersionTLS13 {
		return fmt.Errorf("invalid TLS version negotiated: %x", state.Version)
	}
	if state.NegotiatedProtocol == "" {
		return fmt.Errorf("No ALPN protocol negotiated.")
	}
	if state.NegotiatedProtocol != http2.NextProtoTLS {
		return fmt.Errorf("Invalid protocol selected: %s", state.NegotiatedProtocol)
	}
	return nil
}

// readLoop is spec.md §4.5 step 5: receive bytes, feed the engine, route
// events. It owns the stream map exclusively (spec.md §9, "Stream map
// ownership"): the only other mutator is stream-handler terminal
// cleanup, which is itself run by this same goroutine via streamDone.
func (c *connection) readLoop(ctx context.Context, cancelConn context.CancelFunc) error {
	buf := make([]byte, readBufferSize)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.transport.SetReadDeadline(time.Time{})
		n, err := c.transport.Read(buf)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil // peer closed, or we closed the socket ourselves; not an error
			}
			return fmt.Errorf("transport read: %w", err)
		}
		if n == 0 {
			return nil
		}

		var events []engine.Event
		var recvErr error
		err = c.guard.Use(ctx, false, func(e *engine.Engine) error {
			events, recvErr = e.ReceiveData(buf[:n])
			if recvErr != nil {
				var pe *engine.ErrProtocol
				if errors.As(recvErr, &pe) {
					e.CloseConnection(pe.Code)
				}
			}
			return recvErr
		})
		if err != nil {
			c.logger.Error("protocol error", "err", err)
			c.reportConnectionError(err)
			return err
		}

		for _, ev := range events {
			c.routeEvent(ctx, ev)
		}
	}
}

func (c *connection) routeEvent(ctx context.Context, ev engine.Event) {
	switch e := ev.(type) {
	case engine.RequestReceived:
		c.handleRequestReceived(ctx, e)
	case engine.DataReceived:
		if h := c.lookupStream(e.StreamID); h != nil {
			h.pushData(ctx, e.Data, e.FlowControlledLength)
		}
	case engine.TrailersReceived:
		if h := c.lookupStream(e.StreamID); h != nil {
			h.pushTrailers(fromEngineHeaders(e.Headers))
		}
	case engine.StreamEnded:
		if h := c.lookupStream(e.StreamID); h != nil {
			h.markComplete()
		}
	case engine.StreamReset:
		if h := c.lookupStream(e.StreamID); h != nil {
			h.cancel()
		}
	case engine.ConnectionTerminated:
		c.logger.Info("connection terminated by peer", "code", e.ErrorCode)
	}
}

func (c *connection) handleRequestReceived(ctx context.Context, e engine.RequestReceived) {
	if c.streamLimiter != nil && !c.streamLimiter.Allow() {
		_ = c.guard.Use(ctx, false, func(eng *engine.Engine) error {
			return eng.ResetStream(e.StreamID, http2.ErrCodeEnhanceYourCalm)
		})
		return
	}
	h := newStreamHandler(e.StreamID, c.guard, h2logForStream(c.logger, e.StreamID), e.Headers)
	c.mu.Lock()
	c.streams[e.StreamID] = h
	c.mu.Unlock()
	if e.EndStream {
		h.markComplete()
	}

	c.streamWG.Add(1)
	go func() {
		defer c.streamWG.Done()
		defer c.removeStream(e.StreamID)
		if err := h.run(ctx, c.app); err != nil {
			h.logger.Error("application error", "err", err)
			c.reportStreamError(e.StreamID, err)
			_ = c.guard.Use(ctx, false, func(eng *engine.Engine) error {
				return eng.ResetStream(e.StreamID, http2.ErrCodeInternal)
			})
		}
	}()
}

func (c *connection) lookupStream(id uint32) *streamHandler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streams[id]
}

func (c *connection) removeStream(id uint32) {
	c.mu.Lock()
	delete(c.streams, id)
	c.mu.Unlock()
}

// writeLoop is spec.md §4.5 step 7: drain the outgoing queue into the
// transport, applying the outgoing-send timeout to each item. Any error
// or timeout closes the outgoing queue, which fails shielded enqueues
// inside the state guard and unwinds the connection (spec.md §4.2, §7).
func (c *connection) writeLoop(ctx context.Context) error {
	defer c.outQueue.CloseSend()
	defer c.outQueue.CloseReceive()
	for {
		data, err := c.outQueue.Receive()
		if err != nil {
			return nil // queue closed: normal shutdown path
		}
		c.transport.SetWriteDeadline(time.Now().Add(c.cfg.OutgoingSendTimeout))
		if _, err := c.transport.Write(data); err != nil {
			return fmt.Errorf("transport write: %w", err)
		}
	}
}

func (c *connection) reportConnectionError(err error) {
	c.events.publish(func(msg string) { c.logger.Warn(msg) }, Event{
		Kind: ConnectionErrorEvent,
		Peer: c.peer,
		Err:  err,
	})
}

func (c *connection) reportStreamError(streamID uint32, err error) {
	c.events.publish(func(msg string) { c.logger.Warn(msg) }, Event{
		Kind:     StreamErrorEvent,
		Peer:     c.peer,
		StreamID: streamID,
		Err:      err,
	})
}

func h2logForStream(base *slog.Logger, streamID uint32) *slog.Logger {
	return h2log.ForStream(base, streamID)
}
