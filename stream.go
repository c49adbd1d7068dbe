package h2serve

import (
	"context"
	"log/slog"
	"sync"

	"github.com/kalbhor/h2serve/internal/engine"
)

// streamHandler owns one request/response lifecycle (spec.md §4.4, C4):
// it builds the request channels, runs the application callback, pumps
// body chunks and trailers toward it without blocking the connection's
// read loop, acknowledges consumed chunks, and ends the stream if the
// application forgets to.
//
// Grounded on baranov1ch-http2's stream/requestBody/runHandler
// (teacher_server_reference.go): the teacher exposes the body as a
// synchronous io.Reader backed by a `pipe`, crediting WINDOW_UPDATE on
// every Read; this spec generalizes that into two consumer-acked async
// sequences over the notifyingQueue-less plain Go channels the body/
// trailers need (bounded by HTTP/2 flow control and header-list limits
// respectively, not by an explicit cap — spec.md §4.4), with the ack now
// an explicit per-chunk signal rather than implicit in a Read call.
//
// The request body is backed by an effectively unbounded queue, not the
// bodyIn channel's own capacity (spec.md §4.4: "chunks are pushed via
// non-blocking send against an effectively-unbounded buffer, because
// HTTP/2 flow-control bounds arrivals"). pumpBody is the sole writer and
// closer of bodyIn, forwarding queued chunks one at a time; pushData only
// ever appends to the queue, so it can never silently drop a chunk's
// payload while still firing its ack, the way a fixed-capacity channel's
// full case would. Grounded on timoffex_http2's
// `unbuffered_data_chunk_channel` (original_source/timoffex_http2/
// _request.py), which opens its body channel with `math.inf` capacity for
// exactly this reason.
type streamHandler struct {
	id      uint32
	guard   *stateGuard
	logger  *slog.Logger
	headers []Header

	bodyIn  chan DataChunk
	trailIn chan []Header

	bodyMu     sync.Mutex
	bodyQueue  []DataChunk
	bodyClosed bool
	bodyWake   chan struct{}

	mu          sync.Mutex
	scopeCancel context.CancelFunc
	wg          sync.WaitGroup
	started     bool

	completeOnce sync.Once
	closeOnce    sync.Once
	closing      chan struct{}
}

func newStreamHandler(id uint32, guard *stateGuard, logger *slog.Logger, headers []engine.Header) *streamHandler {
	h := &streamHandler{
		id:       id,
		guard:    guard,
		logger:   logger,
		headers:  fromEngineHeaders(headers),
		bodyIn:   make(chan DataChunk),
		trailIn:  make(chan []Header, 4),
		bodyWake: make(chan struct{}, 1),
		closing:  make(chan struct{}),
	}
	go h.pumpBody()
	return h
}

func fromEngineHeaders(hs []engine.Header) []Header {
	out := make([]Header, len(hs))
	for i, h := range hs {
		out[i] = Header{Name: h.Name, Value: h.Value}
	}
	return out
}

// run constructs the HTTP2Request/HTTP2Response and awaits app(req, resp)
// inside a private sub-scope derived from parentCtx. Application errors
// escape run unchanged; the caller (connection handler) is responsible
// for resetting the stream.
func (h *streamHandler) run(parentCtx context.Context, app App) error {
	ctx, cancel := context.WithCancel(parentCtx)
	h.mu.Lock()
	h.scopeCancel = cancel
	h.started = true
	h.mu.Unlock()
	defer cancel()

	req := &HTTP2Request{
		Headers:  h.headers,
		Body:     h.bodyIn,
		Trailers: h.trailIn,
	}
	resp := newHTTP2Response(h.guard, h.id)

	appErr := app(ctx, req, resp)

	// Wait for any in-flight push_data ack sub-tasks spawned under this
	// handler's scope to finish before declaring the stream done, so a
	// late ack never races stream-map removal.
	h.wg.Wait()

	if appErr != nil {
		return appErr
	}
	if !resp.Ended() {
		h.logger.Warn("application returned without ending the response; emitting empty END_STREAM")
		if err := resp.End(parentCtx); err != nil {
			return err
		}
	}
	return nil
}

// pushData spawns a short-lived ack sub-task, then non-blockingly appends
// the chunk to the body queue for pumpBody to deliver. If the body queue
// has already been closed (mark_complete/cancel already ran), the chunk's
// ack fires immediately so the peer's flow-control credit is returned
// regardless, since the application will never read it.
func (h *streamHandler) pushData(parentCtx context.Context, data []byte, flowControlledLength int) {
	ack := make(chan struct{})
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		select {
		case <-ack:
		case <-parentCtx.Done():
			return
		}
		_ = h.guard.Use(parentCtx, false, func(e *engine.Engine) error {
			return e.AcknowledgeReceivedData(flowControlledLength, h.id)
		})
	}()

	h.bodyMu.Lock()
	if h.bodyClosed {
		h.bodyMu.Unlock()
		close(ack)
		return
	}
	h.bodyQueue = append(h.bodyQueue, DataChunk{Data: data, Ack: ack})
	h.bodyMu.Unlock()

	select {
	case h.bodyWake <- struct{}{}:
	default:
	}
}

// pushTrailers non-blockingly delivers a decoded trailers block.
func (h *streamHandler) pushTrailers(trailers []Header) {
	select {
	case h.trailIn <- trailers:
	default:
	}
}

// pumpBody is the sole writer of bodyIn: it forwards queued chunks to the
// application one at a time and closes bodyIn once the queue is closed
// (via markComplete or cancel) and drained. If closing fires while a
// chunk is in flight and the application isn't reading, that chunk (and
// anything still queued behind it) is acked directly instead of
// delivered, so flow-control credit is never stranded (spec.md §9,
// "ack-on-close").
func (h *streamHandler) pumpBody() {
	for {
		h.bodyMu.Lock()
		for len(h.bodyQueue) == 0 && !h.bodyClosed {
			h.bodyMu.Unlock()
			select {
			case <-h.bodyWake:
			case <-h.closing:
				h.bodyMu.Lock()
				h.bodyClosed = true
				h.bodyMu.Unlock()
			}
			h.bodyMu.Lock()
		}
		if len(h.bodyQueue) == 0 {
			h.bodyMu.Unlock()
			close(h.bodyIn)
			return
		}
		next := h.bodyQueue[0]
		h.bodyQueue = h.bodyQueue[1:]
		h.bodyMu.Unlock()

		select {
		case h.bodyIn <- next:
		case <-h.closing:
			close(next.Ack)
			h.ackAndClearQueue()
			close(h.bodyIn)
			return
		}
	}
}

// ackAndClearQueue fires the ack of every chunk still buffered in the
// queue without delivering them, then empties it.
func (h *streamHandler) ackAndClearQueue() {
	h.bodyMu.Lock()
	leftover := h.bodyQueue
	h.bodyQueue = nil
	h.bodyMu.Unlock()
	for _, c := range leftover {
		close(c.Ack)
	}
}

// markComplete closes the send sides of the body and trailers channels.
// Any chunks still buffered at this point have their acks fired once
// pumpBody observes the close, so flow-control credit is never stranded
// (spec.md §9, "ack-on-close").
func (h *streamHandler) markComplete() {
	h.completeOnce.Do(func() {
		h.closeOnce.Do(func() { close(h.closing) })
		close(h.trailIn)
	})
}

// cancel unwinds the application task and its ack sub-tasks, and stops
// pumpBody. Idempotent; a no-op if run has not started yet.
func (h *streamHandler) cancel() {
	h.mu.Lock()
	c := h.scopeCancel
	h.mu.Unlock()
	if c != nil {
		c()
	}
	h.closeOnce.Do(func() { close(h.closing) })
}
