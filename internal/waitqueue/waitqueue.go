// Package waitqueue implements the per-session in-memory wait-queue
// keyed by (code,id) used to match asynchronous requests to their
// replies (§3 Session, §5 "MsgWaitQueue").
package waitqueue

import (
	"context"
	"sync"

	"github.com/fluxmon/agentd/internal/wire"
)

// Queue matches incoming messages to waiters registered by key.
type Queue struct {
	mu      sync.Mutex
	waiters map[wire.Key]chan *wire.Message
	closed  bool
}

// New creates an empty wait-queue.
func New() *Queue {
	return &Queue{waiters: make(map[wire.Key]chan *wire.Message)}
}

// WaitFor blocks until a message matching key arrives, ctx is
// cancelled, or the queue is shut down. The channel has capacity 1 so
// Dispatch never blocks on a slow or absent waiter.
func (q *Queue) WaitFor(ctx context.Context, key wire.Key) (*wire.Message, error) {
	ch := make(chan *wire.Message, 1)

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, context.Canceled
	}
	q.waiters[key] = ch
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		delete(q.waiters, key)
		q.mu.Unlock()
	}()

	select {
	case m, ok := <-ch:
		if !ok {
			return nil, context.Canceled
		}
		return m, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Dispatch delivers m to a matching waiter, if any is currently
// registered. It never blocks: a waiter that isn't listening (not yet
// registered, or already timed out) silently drops the message, same
// as the original MsgWaitQueue semantics.
func (q *Queue) Dispatch(m *wire.Message) bool {
	q.mu.Lock()
	ch, ok := q.waiters[m.Key()]
	q.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- m:
		return true
	default:
		return false
	}
}

// Shutdown unblocks every pending WaitFor with context.Canceled.
func (q *Queue) Shutdown() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	for k, ch := range q.waiters {
		close(ch)
		delete(q.waiters, k)
	}
}
