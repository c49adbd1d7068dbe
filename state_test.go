package h2serve

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalbhor/h2serve/internal/engine"
)

func newTestGuard(t *testing.T) (*stateGuard, *notifyingQueue) {
	t.Helper()
	eng := engine.New()
	out := newNotifyingQueue(8)
	return newStateGuard(eng, out), out
}

func TestStateGuardUseDrainsEngineOutputOntoQueue(t *testing.T) {
	guard, out := newTestGuard(t)
	ctx := context.Background()

	err := guard.Use(ctx, false, func(e *engine.Engine) error {
		return e.InitiateConnection(nil)
	})
	require.NoError(t, err)

	data, err := out.Receive()
	require.NoError(t, err)
	assert.NotEmpty(t, data)
}

func TestStateGuardUseBlockOnSendWaitsForAck(t *testing.T) {
	guard, out := newTestGuard(t)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		done <- guard.Use(ctx, true, func(e *engine.Engine) error {
			return e.InitiateConnection(nil)
		})
	}()

	select {
	case <-done:
		t.Fatal("Use returned before the item was dequeued")
	case <-time.After(20 * time.Millisecond):
	}

	_, err := out.Receive()
	require.NoError(t, err)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Use never returned after Receive")
	}
}

func TestStateGuardUseReturnsErrConnectionDeadAfterQueueClosed(t *testing.T) {
	guard, out := newTestGuard(t)
	out.CloseSend()
	out.CloseReceive()

	err := guard.Use(context.Background(), false, func(e *engine.Engine) error {
		return e.InitiateConnection(nil)
	})
	assert.ErrorIs(t, err, ErrConnectionDead)
}

func TestStateGuardAwaitChangeUnblocksOnRelease(t *testing.T) {
	guard, _ := newTestGuard(t)
	ctx := context.Background()

	changed := make(chan struct{})
	go func() {
		_ = guard.AwaitChange(ctx)
		close(changed)
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, guard.Use(ctx, false, func(e *engine.Engine) error { return nil }))

	select {
	case <-changed:
	case <-time.After(time.Second):
		t.Fatal("AwaitChange did not unblock after a Use release")
	}
}

func TestStateGuardAwaitChangeRespectsContext(t *testing.T) {
	guard, _ := newTestGuard(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := guard.AwaitChange(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStateGuardWindowReflectsEngine(t *testing.T) {
	guard, out := newTestGuard(t)
	ctx := context.Background()
	require.NoError(t, guard.Use(ctx, false, func(e *engine.Engine) error {
		return e.InitiateConnection(nil)
	}))
	_, _ = out.Receive()
	assert.Equal(t, 0, guard.Window(1)) // unknown stream
}
