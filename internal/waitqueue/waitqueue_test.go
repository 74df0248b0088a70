package waitqueue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxmon/agentd/internal/wire"
)

func TestWaitForReceivesMatchingDispatch(t *testing.T) {
	q := New()
	key := wire.Key{Code: wire.CmdRequestCompleted, ID: 7}

	resultCh := make(chan *wire.Message, 1)
	go func() {
		m, err := q.WaitFor(context.Background(), key)
		assert.NoError(t, err)
		resultCh <- m
	}()

	time.Sleep(10 * time.Millisecond) // let WaitFor register
	reply := wire.NewMessage(wire.CmdRequestCompleted, 7)
	assert.True(t, q.Dispatch(reply))

	select {
	case got := <-resultCh:
		assert.Same(t, reply, got)
	case <-time.After(time.Second):
		t.Fatal("WaitFor never returned")
	}
}

func TestDispatchWithoutWaiterReturnsFalse(t *testing.T) {
	q := New()
	m := wire.NewMessage(wire.CmdRequestCompleted, 99)
	assert.False(t, q.Dispatch(m))
}

func TestWaitForRespectsContextCancellation(t *testing.T) {
	q := New()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := q.WaitFor(ctx, wire.Key{Code: 1, ID: 1})
	require.Error(t, err)
}

func TestShutdownUnblocksPendingWaiters(t *testing.T) {
	q := New()
	errCh := make(chan error, 1)
	go func() {
		_, err := q.WaitFor(context.Background(), wire.Key{Code: 1, ID: 1})
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	q.Shutdown()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Shutdown never unblocked WaitFor")
	}
}
