// Package datacollection implements the data-collection pipeline
// (§4.3): scheduler, collectors, sender, database writer,
// reconciliator, and stalled-data expiration.
package datacollection

import (
	"sync"

	"github.com/fluxmon/agentd/internal/metrics"
	"github.com/fluxmon/agentd/internal/store"
)

// syncStatus is the in-memory authoritative copy of §3's
// ServerSyncStatus, guarded by its own mutex per §5 ("The per-server
// sync-status map is guarded by its own mutex; the sender acquires it
// briefly and not across I/O").
type syncStatus struct {
	queued     int
	lastSyncMs int64
}

// SyncStatusMap tracks per-server send-queue depth and last-flush
// time.
type SyncStatusMap struct {
	mu      sync.Mutex
	byServer map[uint64]*syncStatus
	metrics *metrics.Registry
}

func NewSyncStatusMap(m *metrics.Registry) *SyncStatusMap {
	return &SyncStatusMap{byServer: make(map[uint64]*syncStatus), metrics: m}
}

// LoadFrom seeds the map from persisted sync-status rows at startup.
func (s *SyncStatusMap) LoadFrom(rows []*store.ServerSyncStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rows {
		s.byServer[r.ServerID] = &syncStatus{queued: r.Queued, lastSyncMs: r.LastSyncMs}
	}
}

// Queued returns the current queued count for serverID, 0 if unseen.
// It does not create an entry; IncrementQueued and MarkSynced do.
func (s *SyncStatusMap) Queued(serverID uint64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.byServer[serverID]
	if st == nil {
		return 0
	}
	return st.queued
}

// IncrementQueued bumps the queued counter by delta (may be negative)
// and reports the queue depth metric.
func (s *SyncStatusMap) IncrementQueued(serverID uint64, delta int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.byServer[serverID]
	if st == nil {
		st = &syncStatus{}
		s.byServer[serverID] = st
	}
	st.queued += delta
	if st.queued < 0 {
		st.queued = 0
	}
	if s.metrics != nil {
		s.metrics.QueueDepth.WithLabelValues(serverIDLabel(serverID)).Set(float64(st.queued))
	}
	return st.queued
}

// MarkSynced records a successful flush timestamp.
func (s *SyncStatusMap) MarkSynced(serverID uint64, nowMs int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.byServer[serverID]
	if st == nil {
		st = &syncStatus{}
		s.byServer[serverID] = st
	}
	st.lastSyncMs = nowMs
}

// LastSyncMs returns the last successful flush timestamp, 0 if never synced.
func (s *SyncStatusMap) LastSyncMs(serverID uint64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.byServer[serverID]
	if st == nil {
		return 0
	}
	return st.lastSyncMs
}

// ServersWithBacklog returns every server-id with queued > 0, used by
// the reconciler's scan (§4.3 step "scans for servers whose
// queued>0").
func (s *SyncStatusMap) ServersWithBacklog() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []uint64
	for id, st := range s.byServer {
		if st.queued > 0 {
			out = append(out, id)
		}
	}
	return out
}

// Prune removes servers whose queue is empty AND whose last sync is
// older than expirationMs, per §3 ServerSyncStatus lifecycle. Returns
// the removed server ids.
func (s *SyncStatusMap) Prune(nowMs, expirationMs int64) []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var expired []uint64
	for id, st := range s.byServer {
		if st.queued == 0 && nowMs-st.lastSyncMs > expirationMs {
			expired = append(expired, id)
			delete(s.byServer, id)
		}
	}
	return expired
}

// StalledServers returns server-ids whose backlog has aged beyond
// offlineExpirationMs regardless of whether it is empty — used to
// drive full-queue expiration (§4.3 "stalled data expiration").
func (s *SyncStatusMap) StalledServers(nowMs, offlineExpirationMs int64) []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []uint64
	for id, st := range s.byServer {
		if nowMs-st.lastSyncMs > offlineExpirationMs {
			out = append(out, id)
		}
	}
	return out
}

// Remove drops a server's sync status entirely (used after expiration).
func (s *SyncStatusMap) Remove(serverID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byServer, serverID)
}

func serverIDLabel(id uint64) string {
	return uint64ToString(id)
}
