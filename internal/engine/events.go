package engine

import "golang.org/x/net/http2"

// Header is an opaque (name, value) pair. Insertion order is preserved by
// the slices that carry them; pseudo-headers such as ":method" are values
// like any other.
type Header struct {
	Name  string
	Value string
}

// Event is produced by Engine.ReceiveData. Concrete types below.
type Event interface{ isEvent() }

// RequestReceived is emitted once per stream, when its request header
// block (HEADERS plus any CONTINUATION frames) finishes decoding.
type RequestReceived struct {
	StreamID uint32
	Headers  []Header
	// EndStream is true when the HEADERS frame itself carried END_STREAM
	// (a request with no body). A StreamEnded event immediately follows
	// in the same ReceiveData batch in that case.
	EndStream bool
}

// DataReceived is emitted for every DATA frame on a known stream.
type DataReceived struct {
	StreamID uint32
	Data     []byte
	// FlowControlledLength is len(Data) plus any padding consumed; it is
	// the value the caller must later pass to AcknowledgeReceivedData.
	FlowControlledLength int
	EndStream            bool
}

// TrailersReceived is emitted when a second HEADERS block arrives on a
// stream that has already seen RequestReceived.
type TrailersReceived struct {
	StreamID uint32
	Headers  []Header
}

// StreamEnded is emitted when the peer's half of a stream closes: either
// immediately after RequestReceived (request had END_STREAM), after a
// DATA frame carrying END_STREAM, or after trailers.
type StreamEnded struct {
	StreamID uint32
}

// StreamReset is emitted when an RST_STREAM frame arrives.
type StreamReset struct {
	StreamID  uint32
	ErrorCode http2.ErrCode
}

// ConnectionTerminated is emitted when a GOAWAY frame arrives, or when the
// engine itself decides the connection can no longer continue.
type ConnectionTerminated struct {
	ErrorCode    http2.ErrCode
	LastStreamID uint32
	Err          error
}

func (RequestReceived) isEvent()     {}
func (DataReceived) isEvent()        {}
func (TrailersReceived) isEvent()    {}
func (StreamEnded) isEvent()         {}
func (StreamReset) isEvent()         {}
func (ConnectionTerminated) isEvent() {}
