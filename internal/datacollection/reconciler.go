package datacollection

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/fluxmon/agentd/internal/agentlog"
	"github.com/fluxmon/agentd/internal/metrics"
	"github.com/fluxmon/agentd/internal/store"
)

// ReconcilerDB is the slice of store.DB the reconciler needs.
type ReconcilerDB interface {
	OldestForServer(serverID uint64, limit int) ([]*store.DataElement, error)
	DeleteDataElements(elements []*store.DataElement) error
	CountQueuedForServer(serverID uint64) (int, error)
	UpsertDCI(item *store.DataCollectionItem) error
	Vacuum(tmpPath string) error
}

const (
	idleBackoff       = 30 * time.Second
	busyBackoffCap    = 60 * time.Second
	shutdownPollEvery = 200 * time.Millisecond
)

// Reconciler is the single reconciliator task of §4.3.
type Reconciler struct {
	db        ReconcilerDB
	sink      DeliverySink
	sync      *SyncStatusMap
	items     *ItemMap
	blockSize int
	vacuumTmp string
	metrics   *metrics.Registry
	log       *zap.Logger

	backoffsMu sync.Mutex
	backoffs   map[uint64]*backoff.ExponentialBackOff

	stop chan struct{}
}

func NewReconciler(db ReconcilerDB, sink DeliverySink, sync *SyncStatusMap, items *ItemMap, blockSize int, vacuumTmpPath string, m *metrics.Registry) *Reconciler {
	return &Reconciler{
		db: db, sink: sink, sync: sync, items: items, blockSize: blockSize, vacuumTmp: vacuumTmpPath, metrics: m,
		log: agentlog.For("datacollection.reconciler"), stop: make(chan struct{}),
		backoffs: make(map[uint64]*backoff.ExponentialBackOff),
	}
}

func (r *Reconciler) Stop() { close(r.stop) }

// Run loops forever, running one reconciliation pass per server with
// backlog, until Stop or ctx cancellation.
func (r *Reconciler) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		default:
		}

		anyWork := r.passOverAllServers(ctx)
		if !anyWork {
			r.onGloballyIdle()
			select {
			case <-ctx.Done():
				return
			case <-r.stop:
				return
			case <-time.After(idleBackoff):
			}
		}
	}
}

func (r *Reconciler) passOverAllServers(ctx context.Context) (anyWork bool) {
	for _, serverID := range r.sync.ServersWithBacklog() {
		if !r.sink.CanReconcile(serverID) {
			continue
		}
		anyWork = true
		r.reconcileOneServer(ctx, serverID)
	}
	return anyWork
}

// reconcileOneServer implements §4.3 reconciliation steps 1-6.
func (r *Reconciler) reconcileOneServer(ctx context.Context, serverID uint64) {
	rows, err := r.db.OldestForServer(serverID, r.blockSize)
	if err != nil {
		r.log.Warn("failed to read oldest rows", zap.Uint64("server_id", serverID), zap.Error(err))
		return
	}
	if len(rows) == 0 {
		return
	}

	scalars, tables := partition(rows)

	start := time.Now()
	if len(scalars) > 0 {
		r.reconcileScalars(ctx, serverID, scalars)
	}
	for _, t := range tables {
		r.reconcileOneTable(ctx, serverID, t)
	}
	if r.metrics != nil {
		r.metrics.ReconcileBatchSec.Observe(time.Since(start).Seconds())
	}

	if len(rows) < r.blockSize {
		r.onServerIdle(serverID)
	}
}

func partition(rows []*store.DataElement) (scalars, tables []*store.DataElement) {
	for _, e := range rows {
		if e.Type == store.ItemTypeTable {
			tables = append(tables, e)
		} else {
			scalars = append(scalars, e)
		}
	}
	return
}

func (r *Reconciler) reconcileScalars(ctx context.Context, serverID uint64, scalars []*store.DataElement) {
	retry, busy, err := r.sink.SendBulk(ctx, serverID, scalars)
	if err != nil {
		r.log.Warn("bulk reconciliation send failed", zap.Uint64("server_id", serverID), zap.Error(err))
		return
	}
	if busy {
		r.backoffSleep(serverID)
		return
	}
	r.resetBackoff(serverID)

	var toDelete []*store.DataElement
	for i, e := range scalars {
		// §9 Open Question: a retry-mask shorter than the batch is
		// treated as implicit ACK for the missing tail.
		if i < len(retry) && retry[i] {
			continue
		}
		toDelete = append(toDelete, e)
	}
	if len(toDelete) == 0 {
		return
	}
	if err := r.db.DeleteDataElements(toDelete); err != nil {
		r.log.Warn("failed to delete acked elements", zap.Error(err))
		return
	}
	r.sync.IncrementQueued(serverID, -len(toDelete))
	r.sync.MarkSynced(serverID, nowMs())
}

func (r *Reconciler) reconcileOneTable(ctx context.Context, serverID uint64, e *store.DataElement) {
	ok, busy, err := r.sink.SendTable(ctx, e)
	if err != nil {
		r.log.Warn("table reconciliation send failed", zap.Error(err))
		return
	}
	if busy {
		r.backoffSleep(serverID)
		return
	}
	r.resetBackoff(serverID)
	if !ok {
		return
	}
	if err := r.db.DeleteDataElements([]*store.DataElement{e}); err != nil {
		r.log.Warn("failed to delete acked table element", zap.Error(err))
		return
	}
	r.sync.IncrementQueued(serverID, -1)
	r.sync.MarkSynced(serverID, nowMs())
}

// backoffSleep implements §4.3 step 5: "On server busy or processing,
// sleep with jittered exponential backoff capped at 60 s." The
// *backoff.ExponentialBackOff is kept per-server across calls so
// repeated busy replies actually escalate toward the cap instead of
// restarting from InitialInterval every time; resetBackoff clears it
// on the next non-busy pass.
func (r *Reconciler) backoffSleep(serverID uint64) {
	d := r.nextBackoff(serverID)
	jitter := time.Duration(rand.Int63n(int64(d) / 4))
	d += jitter
	if d > busyBackoffCap {
		d = busyBackoffCap
	}
	time.Sleep(d)
}

func (r *Reconciler) nextBackoff(serverID uint64) time.Duration {
	r.backoffsMu.Lock()
	defer r.backoffsMu.Unlock()

	b, ok := r.backoffs[serverID]
	if !ok {
		b = backoff.NewExponentialBackOff()
		b.MaxElapsedTime = 0 // caller controls how many times this is invoked
		b.MaxInterval = busyBackoffCap
		r.backoffs[serverID] = b
	}
	d := b.NextBackOff()
	if d > busyBackoffCap {
		d = busyBackoffCap
	}
	return d
}

// resetBackoff clears a server's backoff state after a non-busy pass,
// so the next busy streak starts fresh from InitialInterval.
func (r *Reconciler) resetBackoff(serverID uint64) {
	r.backoffsMu.Lock()
	defer r.backoffsMu.Unlock()
	delete(r.backoffs, serverID)
}

func (r *Reconciler) onServerIdle(serverID uint64) {
	r.flushDirtyLastPoll(serverID)
}

func (r *Reconciler) onGloballyIdle() {
	r.flushDirtyLastPoll(0)
	if r.vacuumTmp == "" {
		return
	}
	// opportunistic vacuum; errors are logged only, never fatal.
	if err := r.db.Vacuum(r.vacuumTmp); err != nil {
		r.log.Debug("vacuum skipped", zap.Error(err))
	}
}

// flushDirtyLastPoll persists in-memory last-poll timestamps (§4.3
// step 6). Every matching item is rewritten, changed or not, with one
// UpsertDCI call (and so one transaction) per item. serverID==0
// flushes every server's items.
func (r *Reconciler) flushDirtyLastPoll(serverID uint64) {
	for _, item := range r.items.Snapshot() {
		if serverID != 0 && item.ServerID != serverID {
			continue
		}
		if err := r.db.UpsertDCI(item); err != nil {
			r.log.Warn("failed to flush last-poll time", zap.String("dci", item.Key()), zap.Error(err))
		}
	}
}
