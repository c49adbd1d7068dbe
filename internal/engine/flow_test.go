package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFlowWindowConsumeGoesNegative(t *testing.T) {
	w := newFlowWindow(10)
	w.consume(15)
	assert.Equal(t, int32(-5), w.available())
}

func TestFlowWindowAddRejectsOverflow(t *testing.T) {
	w := newFlowWindow(1<<31 - 1)
	ok := w.add(1)
	assert.False(t, ok)
	assert.Equal(t, int32(1<<31-1), w.available())
}

func TestFlowWindowAddRecoversFromNegative(t *testing.T) {
	w := newFlowWindow(10)
	w.consume(15)
	ok := w.add(20)
	assert.True(t, ok)
	assert.Equal(t, int32(15), w.available())
}
