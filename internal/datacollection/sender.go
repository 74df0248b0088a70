package datacollection

import (
	"context"

	"go.uber.org/zap"

	"github.com/fluxmon/agentd/internal/agentlog"
	"github.com/fluxmon/agentd/internal/store"
)

// sentinel unblocks the sender's consume loop on shutdown (§5 "Queue
// getOrBlock ... unblocked by either a real item or a sentinel").
type sentinel struct{}

// Sender is the single sender task of §4.3.
type Sender struct {
	queue chan interface{} // *store.DataElement or sentinel
	sink  DeliverySink
	sync  *SyncStatusMap
	db    DB
	log   *zap.Logger
}

// DB is the narrow slice of internal/store.DB the writer/sender need;
// declared here so the package doesn't import the concrete *store.DB
// type directly into every signature.
type DB interface {
	EnqueueDataElement(e *store.DataElement) (bool, error)
	EnqueueDataElementsBatch(elements []*store.DataElement) (int, error)
}

func NewSender(sink DeliverySink, sync *SyncStatusMap, db DB, queueCapacity int) *Sender {
	return &Sender{
		queue: make(chan interface{}, queueCapacity),
		sink:  sink, sync: sync, db: db,
		log: agentlog.For("datacollection.sender"),
	}
}

// Enqueue is called by collectors to hand off a freshly-collected
// element.
func (s *Sender) Enqueue(e *store.DataElement) {
	s.queue <- e
}

// writerFeed is implemented by the Writer to accept elements the
// sender could not deliver directly.
type writerFeed interface {
	Feed(e *store.DataElement)
}

var _ writerFeed = (*Writer)(nil)

// Run drains the queue until it receives the sentinel posted by
// Shutdown or ctx is cancelled. It does not stop the writer; the
// writer is shut down separately.
func (s *Sender) Run(ctx context.Context, writer writerFeed) {
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-s.queue:
			if _, isSentinel := item.(sentinel); isSentinel {
				return
			}
			e := item.(*store.DataElement)
			s.handle(ctx, e, writer)
		}
	}
}

// Shutdown posts the sentinel.
func (s *Sender) Shutdown() { s.queue <- sentinel{} }

// handle implements §4.3's sender algorithm, including the §9 Open
// Question decision: always re-check queued under the sync-status
// mutex immediately before choosing a path, so "queued>0 forces
// DB-first" cannot race with a direct send.
func (s *Sender) handle(ctx context.Context, e *store.DataElement, writer writerFeed) {
	queued := s.sync.Queued(e.ServerID)
	if queued == 0 {
		if s.sink.SendDirect(ctx, e) {
			return
		}
	}
	writer.Feed(e)
	s.sync.IncrementQueued(e.ServerID, 1)
}
