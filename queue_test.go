package h2serve

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotifyingQueueSendReceiveRoundTrip(t *testing.T) {
	q := newNotifyingQueue(1)
	signal := make(chan struct{})
	require.NoError(t, q.Send([]byte("a"), signal))

	data, err := q.Receive()
	require.NoError(t, err)
	assert.Equal(t, "a", string(data))

	select {
	case <-signal:
	case <-time.After(time.Second):
		t.Fatal("signal was not fired by Receive")
	}
}

func TestNotifyingQueueCloseSendDrainsBeforeReportingClosed(t *testing.T) {
	q := newNotifyingQueue(4)
	require.NoError(t, q.Send([]byte("x"), nil))
	require.NoError(t, q.Send([]byte("y"), nil))
	q.CloseSend()

	data, err := q.Receive()
	require.NoError(t, err)
	assert.Equal(t, "x", string(data))

	data, err = q.Receive()
	require.NoError(t, err)
	assert.Equal(t, "y", string(data))

	_, err = q.Receive()
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestNotifyingQueueCloseReceiveUnblocksSend(t *testing.T) {
	q := newNotifyingQueue(0)
	var wg sync.WaitGroup
	wg.Add(1)
	var sendErr error
	go func() {
		defer wg.Done()
		sendErr = q.Send([]byte("blocked"), nil)
	}()

	time.Sleep(10 * time.Millisecond)
	q.CloseReceive()
	wg.Wait()
	assert.ErrorIs(t, sendErr, ErrQueueClosed)
}

func TestNotifyingQueueCloseIsIdempotent(t *testing.T) {
	q := newNotifyingQueue(1)
	assert.NotPanics(t, func() {
		q.CloseSend()
		q.CloseSend()
		q.CloseReceive()
		q.CloseReceive()
	})
}

func TestNotifyingQueueSendAfterCloseFailsImmediately(t *testing.T) {
	q := newNotifyingQueue(1)
	q.CloseSend()
	err := q.Send([]byte("late"), nil)
	assert.ErrorIs(t, err, ErrQueueClosed)
}
