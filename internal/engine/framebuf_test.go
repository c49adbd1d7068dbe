package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFrameBufPeekLenWaitsForHeader(t *testing.T) {
	var r frameBuf
	r.push([]byte{0x00, 0x00})
	_, ok := r.peekLen()
	assert.False(t, ok)

	r.push([]byte{0x05, byte(0), 0, 0, 0, 0, 0})
	total, ok := r.peekLen()
	assert.True(t, ok)
	assert.Equal(t, frameHeaderLen+5, total)
}

func TestFrameBufReadConsumesExactly(t *testing.T) {
	var r frameBuf
	r.push([]byte("hello world"))
	buf := make([]byte, 5)
	n, err := r.Read(buf)
	assert.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello", string(buf))
	assert.Equal(t, " world", string(r.buf))
}

func TestFrameBufReadShortErrors(t *testing.T) {
	var r frameBuf
	r.push([]byte("hi"))
	buf := make([]byte, 5)
	_, err := r.Read(buf)
	assert.ErrorIs(t, err, errShortFrameBuf)
}
