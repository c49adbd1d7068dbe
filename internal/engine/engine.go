// Package engine wraps the opaque collaborators spec.md treats as external
// — golang.org/x/net/http2's Framer and golang.org/x/net/http2/hpack's
// Encoder/Decoder — behind the higher-level, connection-state-machine
// surface spec.md §3 describes for "the protocol engine": receive bytes,
// get back a batch of events; ask it to emit frames; query flow-control
// windows. It owns no I/O and no goroutines of its own — it is driven
// entirely by the state wrapper (see ../../state.go) from inside a single
// guarded region, mirroring the "at most one task inside the scoped
// acquisition" invariant of spec.md §3.
//
// Grounded on baranov1ch-http2's serverConn frame-processing switch
// (teacher_server_reference.go), restructured from "mutate serverConn in
// place" into "consume bytes, return events".
package engine

import (
	"bytes"
	"errors"
	"fmt"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

var errShortFrameBuf = errors.New("engine: short read against frameBuf (internal bug)")

// ErrProtocol wraps a protocol-level failure the caller must answer with
// CloseConnection and then stop driving the engine.
type ErrProtocol struct {
	Code http2.ErrCode
	Err  error
}

func (e *ErrProtocol) Error() string {
	return fmt.Sprintf("engine: protocol error %v: %v", e.Code, e.Err)
}

func (e *ErrProtocol) Unwrap() error { return e.Err }

const (
	defaultInitialWindowSize = 65535
	maxFrameSize             = 16384
)

type streamState int

const (
	streamOpen streamState = iota
	streamHalfClosedRemote
	streamClosed
)

type streamInfo struct {
	id uint32

	state streamState

	// sendWindow is how many bytes we (the server) may still send on
	// this stream before the peer must grant more via WINDOW_UPDATE.
	sendWindow flowWindow

	seenRequest bool // RequestReceived already emitted

	// headerFrag accumulates HEADERS+CONTINUATION payloads until
	// END_HEADERS; headersAreTrailers distinguishes a second header
	// block (trailers) from the first (request headers).
	headerFrag        []byte
	headersAreTrailers bool
	headerEndStream    bool
	pendingHeaders     []Header
}

// Engine is the per-connection protocol state machine. Not safe for
// concurrent use; callers must serialize access (see state.go).
type Engine struct {
	out      bytes.Buffer
	framer   *http2.Framer
	in       frameBuf
	encoder  *hpack.Encoder
	encBuf   bytes.Buffer
	decoder  *hpack.Decoder

	streams map[uint32]*streamInfo

	maxStreamID      uint32 // highest stream id seen from the peer
	connSendWindow   flowWindow
	initialSendWindow int32 // peer's SETTINGS_INITIAL_WINDOW_SIZE, applied to new streams

	currentHeaderStreamID uint32 // non-zero while mid HEADERS/CONTINUATION block
	decodingStream        *streamInfo

	goAwaySent    bool
	expectPreface bool
}

// New constructs an Engine. localSettings are merged over the engine's
// own defaults and sent as part of InitiateConnection; see
// SPEC_FULL.md §6 ("Settings").
func New() *Engine {
	e := &Engine{
		streams:           make(map[uint32]*streamInfo),
		connSendWindow:    newFlowWindow(defaultInitialWindowSize),
		initialSendWindow: defaultInitialWindowSize,
		expectPreface:     true,
	}
	e.framer = http2.NewFramer(&e.out, &e.in)
	e.framer.AllowIllegalWrites = true
	e.framer.AllowIllegalReads = true
	e.encoder = hpack.NewEncoder(&e.encBuf)
	e.decoder = hpack.NewDecoder(4096, e.onHeaderField)
	return e
}

// InitiateConnection queues the server's initial SETTINGS frame. settings
// overrides the engine's built-in defaults (see SPEC_FULL.md's Settings
// section); a nil/empty map sends the engine's bare defaults.
func (e *Engine) InitiateConnection(settings map[http2.SettingID]uint32) error {
	frames := make([]http2.Setting, 0, len(settings))
	for id, val := range settings {
		frames = append(frames, http2.Setting{ID: id, Val: val})
	}
	return e.framer.WriteSettings(frames...)
}

// DataToSend drains and returns whatever bytes the engine has queued for
// the transport since the last call.
func (e *Engine) DataToSend() []byte {
	if e.out.Len() == 0 {
		return nil
	}
	b := make([]byte, e.out.Len())
	copy(b, e.out.Bytes())
	e.out.Reset()
	return b
}

// ReceiveData feeds newly-arrived transport bytes into the engine and
// returns the events those bytes produced, in order. A non-nil error is
// always an *ErrProtocol; the caller must answer it with CloseConnection
// and stop calling ReceiveData.
func (e *Engine) ReceiveData(data []byte) ([]Event, error) {
	if e.expectPreface {
		consumed, events, err := e.consumePreface(data)
		if err != nil {
			return events, err
		}
		data = data[consumed:]
		if len(data) == 0 && len(events) == 0 {
			return nil, nil
		}
	}
	e.in.push(data)

	var events []Event
	for {
		declared, haveHeader := e.in.peekLen()
		if !haveHeader {
			break
		}
		if declared > maxFrameSize+frameHeaderLen {
			return events, &ErrProtocol{Code: http2.ErrCodeFrameSize, Err: errors.New("frame exceeds max frame size")}
		}
		if len(e.in.buf) < declared {
			break // wait for the rest of the frame
		}
		f, err := e.framer.ReadFrame()
		if err != nil {
			return events, &ErrProtocol{Code: http2.ErrCodeProtocol, Err: err}
		}
		evs, err := e.processFrame(f)
		if err != nil {
			var pe *ErrProtocol
			if errors.As(err, &pe) {
				return append(events, evs...), pe
			}
			return append(events, evs...), &ErrProtocol{Code: http2.ErrCodeInternal, Err: err}
		}
		events = append(events, evs...)
	}
	return events, nil
}

var clientPreface = []byte(http2.ClientPreface)

func (e *Engine) consumePreface(data []byte) (int, []Event, error) {
	need := len(clientPreface)
	avail := len(data)
	if avail > need {
		avail = need
	}
	// Buffer partial prefaces across ReceiveData calls using in.buf
	// itself, since it is otherwise unused until expectPreface clears.
	e.in.push(data[:avail])
	if len(e.in.buf) < need {
		return avail, nil, nil
	}
	got := e.in.buf[:need]
	if !bytes.Equal(got, clientPreface) {
		return avail, nil, &ErrProtocol{Code: http2.ErrCodeProtocol, Err: fmt.Errorf("bad client preface: %q", got)}
	}
	e.in.buf = e.in.buf[need:]
	e.expectPreface = false
	return avail, nil, nil
}

func (e *Engine) processFrame(f http2.Frame) ([]Event, error) {
	if e.currentHeaderStreamID != 0 {
		cf, ok := f.(*http2.ContinuationFrame)
		if !ok || cf.Header().StreamID != e.currentHeaderStreamID {
			return nil, &ErrProtocol{Code: http2.ErrCodeProtocol, Err: errors.New("expected CONTINUATION")}
		}
	}
	switch fr := f.(type) {
	case *http2.SettingsFrame:
		return e.processSettings(fr)
	case *http2.HeadersFrame:
		return e.processHeaders(fr)
	case *http2.ContinuationFrame:
		return e.processContinuation(fr)
	case *http2.DataFrame:
		return e.processData(fr)
	case *http2.WindowUpdateFrame:
		return e.processWindowUpdate(fr)
	case *http2.PingFrame:
		return nil, e.processPing(fr)
	case *http2.RSTStreamFrame:
		return e.processRSTStream(fr)
	case *http2.GoAwayFrame:
		return []Event{ConnectionTerminated{ErrorCode: fr.ErrCode, LastStreamID: fr.LastStreamID}}, nil
	case *http2.PriorityFrame:
		return nil, nil // priority scheduling is out of scope (spec.md §1 Non-goals)
	default:
		return nil, nil
	}
}

func (e *Engine) processSettings(f *http2.SettingsFrame) ([]Event, error) {
	if f.IsAck() {
		return nil, nil
	}
	var protoErr error
	f.ForeachSetting(func(s http2.Setting) error {
		if s.ID == http2.SettingInitialWindowSize {
			if err := e.applyInitialWindowSize(s.Val); err != nil {
				protoErr = err
			}
		}
		return nil
	})
	if protoErr != nil {
		return nil, protoErr
	}
	return nil, e.framer.WriteSettingsAck()
}

func (e *Engine) applyInitialWindowSize(val uint32) error {
	if val > 1<<31-1 {
		return &ErrProtocol{Code: http2.ErrCodeFlowControl, Err: errors.New("initial window size too large")}
	}
	old := e.initialSendWindow
	e.initialSendWindow = int32(val)
	growth := e.initialSendWindow - old
	for _, st := range e.streams {
		if !st.sendWindow.add(growth) {
			return &ErrProtocol{Code: http2.ErrCodeFlowControl, Err: errors.New("window adjustment overflow")}
		}
	}
	return nil
}

func (e *Engine) processPing(f *http2.PingFrame) error {
	if f.IsAck() {
		return nil
	}
	return e.framer.WritePing(true, f.Data)
}

func (e *Engine) processWindowUpdate(f *http2.WindowUpdateFrame) ([]Event, error) {
	if f.StreamID == 0 {
		if !e.connSendWindow.add(int32(f.Increment)) {
			return nil, &ErrProtocol{Code: http2.ErrCodeFlowControl, Err: errors.New("connection window overflow")}
		}
		return nil, nil
	}
	st := e.streams[f.StreamID]
	if st == nil {
		return nil, nil // WINDOW_UPDATE on a closed/unknown stream is not an error (RFC 7540 §6.9)
	}
	if !st.sendWindow.add(int32(f.Increment)) {
		return nil, &ErrProtocol{Code: http2.ErrCodeFlowControl, Err: fmt.Errorf("stream %d window overflow", f.StreamID)}
	}
	return nil, nil
}

func (e *Engine) processRSTStream(f *http2.RSTStreamFrame) ([]Event, error) {
	id := f.Header().StreamID
	if st, ok := e.streams[id]; ok {
		st.state = streamClosed
	}
	return []Event{StreamReset{StreamID: id, ErrorCode: f.ErrCode}}, nil
}

func (e *Engine) processData(f *http2.DataFrame) ([]Event, error) {
	id := f.Header().StreamID
	st := e.streams[id]
	if st == nil || st.state == streamClosed {
		return nil, &ErrProtocol{Code: http2.ErrCodeStreamClosed, Err: fmt.Errorf("DATA on unknown/closed stream %d", id)}
	}
	data := f.Data()
	payload := append([]byte(nil), data...)
	// FlowControlledLength counts padding too (RFC 7540 §6.9.1); Length is
	// the full DATA payload including any pad-length byte and padding.
	events := []Event{DataReceived{
		StreamID:             id,
		Data:                 payload,
		FlowControlledLength: int(f.Header().Length),
		EndStream:            f.StreamEnded(),
	}}
	if f.StreamEnded() {
		st.state = streamClosed
		events = append(events, StreamEnded{StreamID: id})
	}
	return events, nil
}

func (e *Engine) processHeaders(f *http2.HeadersFrame) ([]Event, error) {
	id := f.Header().StreamID
	if e.goAwaySent {
		return nil, nil
	}
	st, existing := e.streams[id]
	if !existing {
		if id%2 != 1 || id <= e.maxStreamID {
			return nil, &ErrProtocol{Code: http2.ErrCodeProtocol, Err: fmt.Errorf("invalid new stream id %d", id)}
		}
		e.maxStreamID = id
		st = &streamInfo{id: id, state: streamOpen, sendWindow: newFlowWindow(e.initialSendWindow)}
		e.streams[id] = st
	} else {
		st.headersAreTrailers = true
	}
	st.headerEndStream = f.StreamEnded()
	return e.appendHeaderBlock(st, f.HeaderBlockFragment(), f.HeadersEnded())
}

func (e *Engine) processContinuation(f *http2.ContinuationFrame) ([]Event, error) {
	st := e.streams[f.Header().StreamID]
	if st == nil {
		return nil, &ErrProtocol{Code: http2.ErrCodeProtocol, Err: errors.New("CONTINUATION on unknown stream")}
	}
	return e.appendHeaderBlock(st, f.HeaderBlockFragment(), f.HeadersEnded())
}

func (e *Engine) appendHeaderBlock(st *streamInfo, frag []byte, end bool) ([]Event, error) {
	e.currentHeaderStreamID = st.id
	st.headerFrag = append(st.headerFrag, frag...)
	if !end {
		return nil, nil
	}
	e.currentHeaderStreamID = 0
	e.decodingStream = st
	if _, err := e.decoder.Write(st.headerFrag); err != nil {
		return nil, &ErrProtocol{Code: http2.ErrCodeCompression, Err: err}
	}
	if err := e.decoder.Close(); err != nil {
		return nil, &ErrProtocol{Code: http2.ErrCodeCompression, Err: err}
	}
	headers := st.pendingHeaders
	st.pendingHeaders = nil
	st.headerFrag = nil

	var events []Event
	if st.headersAreTrailers {
		events = append(events, TrailersReceived{StreamID: st.id, Headers: headers})
	} else {
		st.seenRequest = true
		events = append(events, RequestReceived{StreamID: st.id, Headers: headers, EndStream: st.headerEndStream})
	}
	if st.headerEndStream {
		st.state = streamClosed
		events = append(events, StreamEnded{StreamID: st.id})
	}
	return events, nil
}

// onHeaderField is the hpack.Decoder callback; it appends to whichever
// stream is currently being decoded. Single-threaded by construction
// (only one header block is ever mid-decode at a time, per HTTP/2's own
// CONTINUATION-interleaving prohibition).
func (e *Engine) onHeaderField(f hpack.HeaderField) {
	if e.decodingStream == nil {
		return
	}
	e.decodingStream.pendingHeaders = append(e.decodingStream.pendingHeaders, Header{Name: f.Name, Value: f.Value})
}

// SendHeaders encodes and queues a HEADERS frame. status is written as
// the ":status" pseudo-header when >= 0 (trailers pass status = -1).
func (e *Engine) SendHeaders(streamID uint32, status int, headers []Header, endStream bool) error {
	e.encBuf.Reset()
	if status >= 0 {
		e.encoder.WriteField(hpack.HeaderField{Name: ":status", Value: fmt.Sprintf("%d", status)})
	}
	for _, h := range headers {
		e.encoder.WriteField(hpack.HeaderField{Name: h.Name, Value: h.Value})
	}
	block := append([]byte(nil), e.encBuf.Bytes()...)
	if len(block) <= maxFrameSize {
		if endStream {
			e.markLocalEndStream(streamID)
		}
		return e.framer.WriteHeaders(http2.HeadersFrameParam{
			StreamID:      streamID,
			BlockFragment: block,
			EndStream:     endStream,
			EndHeaders:    true,
		})
	}
	// Split across HEADERS + CONTINUATION frames.
	first := block[:maxFrameSize]
	rest := block[maxFrameSize:]
	if err := e.framer.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      streamID,
		BlockFragment: first,
		EndStream:     endStream,
		EndHeaders:    false,
	}); err != nil {
		return err
	}
	for len(rest) > maxFrameSize {
		if err := e.framer.WriteContinuation(streamID, false, rest[:maxFrameSize]); err != nil {
			return err
		}
		rest = rest[maxFrameSize:]
	}
	if endStream {
		e.markLocalEndStream(streamID)
	}
	return e.framer.WriteContinuation(streamID, true, rest)
}

func (e *Engine) markLocalEndStream(streamID uint32) {
	if st, ok := e.streams[streamID]; ok {
		if st.state == streamClosed || st.state == streamHalfClosedRemote {
			st.state = streamClosed
		}
	}
}

// SendData splits data against nothing itself (the caller — the response
// writer, C3 — is responsible for slicing against LocalFlowControlWindow
// before calling SendData); it simply writes one DATA frame and decrements
// both windows.
func (e *Engine) SendData(streamID uint32, data []byte, endStream bool) error {
	n := int32(len(data))
	if st, ok := e.streams[streamID]; ok {
		st.sendWindow.consume(n)
	}
	e.connSendWindow.consume(n)
	if endStream {
		e.markLocalEndStream(streamID)
	}
	return e.framer.WriteData(streamID, endStream, data)
}

// EndStream emits a zero-length DATA frame carrying END_STREAM.
func (e *Engine) EndStream(streamID uint32) error {
	return e.SendData(streamID, nil, true)
}

// ResetStream emits RST_STREAM and retires the stream.
func (e *Engine) ResetStream(streamID uint32, code http2.ErrCode) error {
	delete(e.streams, streamID)
	return e.framer.WriteRSTStream(streamID, code)
}

// CloseConnection emits GOAWAY; the caller must stop driving the engine
// afterward.
func (e *Engine) CloseConnection(code http2.ErrCode) error {
	e.goAwaySent = true
	return e.framer.WriteGoAway(e.maxStreamID, code, nil)
}

// AcknowledgeReceivedData emits WINDOW_UPDATE frames (stream and
// connection level, mirroring baranov1ch-http2's sendWindowUpdateInLoop)
// crediting length bytes back to the peer.
func (e *Engine) AcknowledgeReceivedData(length int, streamID uint32) error {
	if length <= 0 {
		return nil
	}
	const maxIncrement = 1<<31 - 1
	remaining := length
	for remaining > 0 {
		n := remaining
		if n > maxIncrement {
			n = maxIncrement
		}
		if err := e.framer.WriteWindowUpdate(0, uint32(n)); err != nil {
			return err
		}
		if err := e.framer.WriteWindowUpdate(streamID, uint32(n)); err != nil {
			return err
		}
		remaining -= n
	}
	return nil
}

// LocalFlowControlWindow returns the number of bytes the server may still
// send on streamID before it must wait for more WINDOW_UPDATE credit: the
// minimum of the stream's own window and the connection-wide window.
func (e *Engine) LocalFlowControlWindow(streamID uint32) int {
	st := e.streams[streamID]
	if st == nil {
		return 0
	}
	w := st.sendWindow.available()
	if cw := e.connSendWindow.available(); cw < w {
		w = cw
	}
	return int(w)
}
