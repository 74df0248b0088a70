package datacollection

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fluxmon/agentd/internal/agentlog"
	"github.com/fluxmon/agentd/internal/store"
)

// Writer is the single database writer task of §4.3: it drains its
// feed in batches up to maxTransactionSize, committing each batch as
// one transaction, so the sender never blocks on disk.
type Writer struct {
	feedCh        chan *store.DataElement
	shutdownCh    chan struct{}
	db            DB
	maxBatch      int
	flushInterval time.Duration
	log           *zap.Logger
}

func NewWriter(db DB, maxBatch int, flushInterval time.Duration) *Writer {
	return &Writer{
		feedCh:        make(chan *store.DataElement, 4096),
		shutdownCh:    make(chan struct{}),
		db:            db,
		maxBatch:      maxBatch,
		flushInterval: flushInterval,
		log:           agentlog.For("datacollection.writer"),
	}
}

// Feed hands one element to the writer (called by the sender).
func (w *Writer) Feed(e *store.DataElement) { w.feedCh <- e }

// Shutdown stops Run after its current sleep/drain cycle.
func (w *Writer) Shutdown() { close(w.shutdownCh) }

// Run loops: drain up to maxBatch elements, commit as one
// transaction, sleep flushInterval, repeat, until Shutdown or ctx
// cancellation (§4.3 "Between drains, sleep flush_interval_ms").
func (w *Writer) Run(ctx context.Context) {
	shuttingDown := false
	for {
		batch := w.drainUpTo(w.maxBatch)
		if len(batch) > 0 {
			if _, err := w.db.EnqueueDataElementsBatch(batch); err != nil {
				w.log.Warn("batch commit failed, elements dropped this round", zap.Error(err), zap.Int("count", len(batch)))
				// §7: "Local DB open/prepare failure during a batch: the
				// batch is abandoned ... the process does not crash."
			}
		}

		if shuttingDown && len(w.feedCh) == 0 {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-w.shutdownCh:
			shuttingDown = true
		case <-time.After(w.flushInterval):
		}
	}
}

func (w *Writer) drainUpTo(n int) []*store.DataElement {
	var batch []*store.DataElement
	for len(batch) < n {
		select {
		case e := <-w.feedCh:
			batch = append(batch, e)
		default:
			return batch
		}
	}
	return batch
}
