package engine

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// clientEncoder mirrors what a peer's HPACK encoder would produce; tests
// drive the engine as if bytes arrived off the wire.
type clientEncoder struct {
	buf bytes.Buffer
	enc *hpack.Encoder
}

func newClientEncoder() *clientEncoder {
	c := &clientEncoder{}
	c.enc = hpack.NewEncoder(&c.buf)
	return c
}

func (c *clientEncoder) block(headers [][2]string) []byte {
	c.buf.Reset()
	for _, h := range headers {
		c.enc.WriteField(hpack.HeaderField{Name: h[0], Value: h[1]})
	}
	return append([]byte(nil), c.buf.Bytes()...)
}

// writeSink lets a throwaway Framer serialize frames into a buffer that
// can then be handed to Engine.ReceiveData as if it had arrived off the
// wire.
type writeSink struct {
	buf bytes.Buffer
}

func (w *writeSink) Write(p []byte) (int, error) { return w.buf.Write(p) }

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func newEngineAfterPreface(t *testing.T) *Engine {
	t.Helper()
	e := New()
	_, err := e.ReceiveData([]byte(http2.ClientPreface))
	require.NoError(t, err)
	e.DataToSend()
	return e
}

func writeHeadersFrame(t *testing.T, sink *writeSink, streamID uint32, block []byte, endStream bool) {
	t.Helper()
	framer := http2.NewFramer(sink, nil)
	require.NoError(t, framer.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      streamID,
		BlockFragment: block,
		EndStream:     endStream,
		EndHeaders:    true,
	}))
}

func requestBlock(enc *clientEncoder) []byte {
	return enc.block([][2]string{
		{":method", "GET"},
		{":path", "/"},
		{":scheme", "https"},
		{":authority", "example.com"},
	})
}

func TestRequestReceivedEndStream(t *testing.T) {
	e := newEngineAfterPreface(t)
	enc := newClientEncoder()
	sink := &writeSink{}
	writeHeadersFrame(t, sink, 1, requestBlock(enc), true)

	events, err := e.ReceiveData(sink.buf.Bytes())
	require.NoError(t, err)
	require.Len(t, events, 2)

	req, ok := events[0].(RequestReceived)
	require.True(t, ok)
	assert.Equal(t, uint32(1), req.StreamID)
	assert.True(t, req.EndStream)
	assert.Contains(t, req.Headers, Header{Name: ":path", Value: "/"})

	_, ok = events[1].(StreamEnded)
	assert.True(t, ok)
}

func TestDataReceivedFlowControlledLength(t *testing.T) {
	e := newEngineAfterPreface(t)
	enc := newClientEncoder()
	sink := &writeSink{}
	writeHeadersFrame(t, sink, 1, requestBlock(enc), false)
	framer := http2.NewFramer(sink, nil)
	require.NoError(t, framer.WriteData(1, true, []byte("hello")))

	events, err := e.ReceiveData(sink.buf.Bytes())
	require.NoError(t, err)
	require.Len(t, events, 3)

	data, ok := events[1].(DataReceived)
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), data.Data)
	assert.Equal(t, 5, data.FlowControlledLength)
	assert.True(t, data.EndStream)

	_, ok = events[2].(StreamEnded)
	assert.True(t, ok)
}

func TestOversizedFrameRejectedBeforeFullBuffering(t *testing.T) {
	e := newEngineAfterPreface(t)
	// A 9-byte frame header declaring a length far past maxFrameSize; the
	// payload itself is never supplied, proving the check fires off the
	// header alone rather than waiting for the declared length to arrive.
	header := []byte{0xFF, 0xFF, 0xFF, byte(http2.FrameData), 0, 0, 0, 0, 1}
	_, err := e.ReceiveData(header)
	require.Error(t, err)
	var pe *ErrProtocol
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, http2.ErrCodeFrameSize, pe.Code)
}

func TestBadPrefaceIsProtocolError(t *testing.T) {
	e := New()
	_, err := e.ReceiveData([]byte("not a preface at all....."))
	require.Error(t, err)
	var pe *ErrProtocol
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, http2.ErrCodeProtocol, pe.Code)
}

func TestSettingsInitialWindowSizeAdjustsExistingStreams(t *testing.T) {
	e := newEngineAfterPreface(t)
	enc := newClientEncoder()
	sink := &writeSink{}
	writeHeadersFrame(t, sink, 1, requestBlock(enc), false)
	_, err := e.ReceiveData(sink.buf.Bytes())
	require.NoError(t, err)
	e.DataToSend()
	before := e.LocalFlowControlWindow(1)

	sink2 := &writeSink{}
	framer2 := http2.NewFramer(sink2, nil)
	require.NoError(t, framer2.WriteSettings(http2.Setting{ID: http2.SettingInitialWindowSize, Val: uint32(before + 1000)}))
	_, err = e.ReceiveData(sink2.buf.Bytes())
	require.NoError(t, err)

	assert.Equal(t, before+1000, e.LocalFlowControlWindow(1))
}

func TestSendHeadersSplitsAcrossContinuation(t *testing.T) {
	e := newEngineAfterPreface(t)
	enc := newClientEncoder()
	sink := &writeSink{}
	writeHeadersFrame(t, sink, 1, requestBlock(enc), false)
	_, err := e.ReceiveData(sink.buf.Bytes())
	require.NoError(t, err)
	e.DataToSend()

	huge := make([]Header, 0, 2000)
	for i := 0; i < 2000; i++ {
		huge = append(huge, Header{Name: "x-filler", Value: "0123456789abcdef0123456789abcdef"})
	}
	require.NoError(t, e.SendHeaders(1, 200, huge, false))
	out := e.DataToSend()
	require.NotEmpty(t, out)

	readFramer := http2.NewFramer(discard{}, bytes.NewReader(out))
	readFramer.AllowIllegalReads = true
	var sawContinuation bool
	for {
		f, err := readFramer.ReadFrame()
		if err != nil {
			break
		}
		if _, ok := f.(*http2.ContinuationFrame); ok {
			sawContinuation = true
		}
	}
	assert.True(t, sawContinuation)
}

func TestAcknowledgeReceivedDataEmitsWindowUpdates(t *testing.T) {
	e := newEngineAfterPreface(t)
	enc := newClientEncoder()
	sink := &writeSink{}
	writeHeadersFrame(t, sink, 1, requestBlock(enc), false)
	_, err := e.ReceiveData(sink.buf.Bytes())
	require.NoError(t, err)
	e.DataToSend()

	require.NoError(t, e.AcknowledgeReceivedData(100, 1))
	out := e.DataToSend()
	require.NotEmpty(t, out)

	readFramer := http2.NewFramer(discard{}, bytes.NewReader(out))
	var count int
	for {
		f, err := readFramer.ReadFrame()
		if err != nil {
			break
		}
		if _, ok := f.(*http2.WindowUpdateFrame); ok {
			count++
		}
	}
	assert.Equal(t, 2, count) // one connection-level, one stream-level
}

func TestResetStreamRemovesStream(t *testing.T) {
	e := newEngineAfterPreface(t)
	enc := newClientEncoder()
	sink := &writeSink{}
	writeHeadersFrame(t, sink, 1, requestBlock(enc), false)
	_, err := e.ReceiveData(sink.buf.Bytes())
	require.NoError(t, err)

	require.NoError(t, e.ResetStream(1, http2.ErrCodeCancel))
	assert.Equal(t, 0, e.LocalFlowControlWindow(1))
}
