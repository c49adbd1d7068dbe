package h2serve

import (
	"errors"
	"sync"
)

// ErrQueueClosed is returned by Send/Receive once the relevant side of a
// notifyingQueue has been closed.
var ErrQueueClosed = errors.New("h2serve: queue closed")

// chunk is one item carried by a notifyingQueue: a slice of bytes the
// engine produced, plus an optional signal fired the moment the item is
// dequeued by Receive.
type chunk struct {
	data   []byte
	signal chan<- struct{}
}

// notifyingQueue is the bounded, FIFO, multi-producer/single-consumer
// byte queue of spec.md §4.1 (C1): DATA-frame payloads need per-frame
// backpressure (Send blocks when full) while control frames must never
// block behind a stalled peer, so each item may carry a completion signal
// the producer decides, per call, whether to wait on.
//
// The channel itself is never closed directly — CloseSend/CloseReceive
// instead close dedicated signaling channels selected alongside it, since
// a concurrent Send racing a close-of-items would otherwise panic (the
// write-loop timeout closing the queue out from under a blocked body
// write is exactly the scenario spec.md §7 describes).
//
// Grounded on baranov1ch-http2's use of plain channels as every
// suspension point in serverConn (readFrameCh, writeHeaderCh,
// windowUpdateCh in teacher_server_reference.go); the notify-on-consume
// pairing is spec-required and new, built the same "channel of structs"
// way the teacher builds every other queue in the file.
type notifyingQueue struct {
	items    chan chunk
	sendDone chan struct{} // closed by CloseSend
	recvDone chan struct{} // closed by CloseReceive

	mu         sync.Mutex
	sendClosed bool
	recvClosed bool
}

func newNotifyingQueue(capacity int) *notifyingQueue {
	return &notifyingQueue{
		items:    make(chan chunk, capacity),
		sendDone: make(chan struct{}),
		recvDone: make(chan struct{}),
	}
}

// Send enqueues data, suspending the caller if the queue is full. If
// signal is non-nil, it is fired by Receive immediately after data is
// dequeued.
func (q *notifyingQueue) Send(data []byte, signal chan<- struct{}) error {
	q.mu.Lock()
	closed := q.sendClosed || q.recvClosed
	q.mu.Unlock()
	if closed {
		return ErrQueueClosed
	}

	select {
	case q.items <- chunk{data: data, signal: signal}:
		return nil
	case <-q.sendDone:
		return ErrQueueClosed
	case <-q.recvDone:
		return ErrQueueClosed
	}
}

// Receive dequeues the next item, suspending until one is available or
// the queue has been fully drained after CloseSend. Firing any attached
// signal happens before Receive returns.
func (q *notifyingQueue) Receive() ([]byte, error) {
	select {
	case c := <-q.items:
		return deliver(c)
	default:
	}
	select {
	case c := <-q.items:
		return deliver(c)
	case <-q.sendDone:
		select {
		case c := <-q.items:
			return deliver(c)
		default:
			return nil, ErrQueueClosed
		}
	}
}

func deliver(c chunk) ([]byte, error) {
	if c.signal != nil {
		close(c.signal)
	}
	return c.data, nil
}

// CloseSend marks the queue closed for producers; once buffered items
// drain, Receive reports ErrQueueClosed.
func (q *notifyingQueue) CloseSend() {
	q.mu.Lock()
	if q.sendClosed {
		q.mu.Unlock()
		return
	}
	q.sendClosed = true
	q.mu.Unlock()
	close(q.sendDone)
}

// CloseReceive marks the queue closed for consumers; subsequent Send
// calls fail immediately instead of blocking.
func (q *notifyingQueue) CloseReceive() {
	q.mu.Lock()
	if q.recvClosed {
		q.mu.Unlock()
		return
	}
	q.recvClosed = true
	q.mu.Unlock()
	close(q.recvDone)
}
