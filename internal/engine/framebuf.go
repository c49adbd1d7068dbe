package engine

// frameBuf accumulates bytes handed to Engine.ReceiveData and exposes them
// to a golang.org/x/net/http2.Framer only once a complete frame is known
// to be sitting at the front of the buffer. http2.Framer.ReadFrame performs
// two io.ReadFull calls (9-byte header, then the declared payload length)
// and has no notion of "not enough bytes yet, try again later" — calling
// it against a half-delivered frame would silently consume the header
// bytes before failing on the payload read, losing them. Peeking the
// 3-byte big-endian length prefix ourselves (a stable, documented part of
// the HTTP/2 frame wire format, not a reimplementation of frame
// semantics) avoids ever calling ReadFrame until a whole frame is
// present.
type frameBuf struct {
	buf []byte
}

const frameHeaderLen = 9

func (r *frameBuf) push(b []byte) {
	r.buf = append(r.buf, b...)
}

// peekLen reports the declared total length (header + payload) of the
// frame at the front of the buffer, without waiting for the payload to
// have fully arrived. It returns ok=false if even the 9-byte header
// hasn't arrived yet.
func (r *frameBuf) peekLen() (total int, ok bool) {
	if len(r.buf) < frameHeaderLen {
		return 0, false
	}
	payloadLen := int(r.buf[0])<<16 | int(r.buf[1])<<8 | int(r.buf[2])
	return frameHeaderLen + payloadLen, true
}

// Read implements io.Reader. It must only be invoked by a Framer once
// frameLen has confirmed a full frame is buffered; it otherwise returns
// io.ErrUnexpectedEOF without consuming anything.
func (r *frameBuf) Read(p []byte) (int, error) {
	if len(r.buf) < len(p) {
		return 0, errShortFrameBuf
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}
