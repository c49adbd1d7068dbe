package h2serve

import "context"

// Header is an opaque (name, value) pair exposed to the application.
// Insertion order is preserved by whatever slice carries it; duplicates
// are permitted; pseudo-headers (":method", ":path", ":authority",
// ":scheme") are delivered exactly as received, in wire order, like any
// other header (spec.md §3).
type Header struct {
	Name  string
	Value string
}

// DataChunk is one piece of a request body (spec.md §3): the payload
// plus a single-shot acknowledgement. The application must range over
// Body and, for each chunk, eventually close(chunk.Ack) — directly, or
// implicitly by letting App return while the body channel still has
// buffered chunks, in which case the stream handler fires every
// remaining Ack itself (spec.md §4.4, "ack-on-close").
type DataChunk struct {
	Data []byte
	Ack  chan<- struct{}
}

// HTTP2Request is the immutable-headers, asynchronous-body view of an
// incoming request the application callback receives (spec.md §6).
type HTTP2Request struct {
	// Headers is the full header list exactly as received, pseudo-headers
	// included, in wire order. Immutable after construction.
	Headers []Header

	// Body yields DataChunks as DATA frames arrive; it is closed once the
	// stream's request half ends (spec.md §4.4).
	Body <-chan DataChunk

	// Trailers yields Header values from a trailing HEADERS block, if
	// any; closed once the stream's request half ends. An application
	// should drain Body to completion before reading Trailers, since
	// trailers only arrive after the body does.
	Trailers <-chan []Header
}

// App is the application contract of spec.md §6: given a request and a
// response façade, it runs to completion (returning "response complete")
// or returns an error (which resets the stream with INTERNAL_ERROR).
type App func(ctx context.Context, req *HTTP2Request, resp *HTTP2Response) error
