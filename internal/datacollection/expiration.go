package datacollection

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fluxmon/agentd/internal/agentlog"
)

// ExpirationDB is the slice of store.DB stalled-data expiration needs.
type ExpirationDB interface {
	DeleteQueueForServer(serverID uint64) error
	DeleteSNMPTargetsForServer(serverID uint64) error
	DeleteDCIsForServer(serverID uint64) error
	DeleteSyncStatus(serverID uint64) error
}

// ExpirationJob is the periodic (hourly) job of §4.3 "Stalled data
// expiration": any server whose lastSync is older than
// offline_expiration_days has its entire local backlog, SNMP targets,
// and item configuration deleted.
type ExpirationJob struct {
	db         ExpirationDB
	sync       *SyncStatusMap
	items      *ItemMap
	targets    *SNMPTargetCache
	expiration time.Duration
	log        *zap.Logger
}

func NewExpirationJob(db ExpirationDB, sync *SyncStatusMap, items *ItemMap, targets *SNMPTargetCache, offlineExpirationDays int) *ExpirationJob {
	return &ExpirationJob{
		db: db, sync: sync, items: items, targets: targets,
		expiration: time.Duration(offlineExpirationDays) * 24 * time.Hour,
		log:        agentlog.For("datacollection.expiration"),
	}
}

// RunHourly blocks until ctx is cancelled, running one sweep every
// hour (the first sweep runs immediately on Run, matching the
// teacher's "register and fire once at startup" idiom for periodic
// maintenance jobs).
func (j *ExpirationJob) RunHourly(ctx context.Context) {
	j.sweep()
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.sweep()
		}
	}
}

func (j *ExpirationJob) sweep() {
	stalled := j.sync.StalledServers(nowMs(), j.expiration.Milliseconds())
	for _, serverID := range stalled {
		j.expireServer(serverID)
	}
}

func (j *ExpirationJob) expireServer(serverID uint64) {
	if err := j.db.DeleteQueueForServer(serverID); err != nil {
		j.log.Warn("failed to delete expired queue", zap.Uint64("server_id", serverID), zap.Error(err))
	}
	if err := j.db.DeleteSNMPTargetsForServer(serverID); err != nil {
		j.log.Warn("failed to delete expired snmp targets", zap.Uint64("server_id", serverID), zap.Error(err))
	}
	if err := j.db.DeleteDCIsForServer(serverID); err != nil {
		j.log.Warn("failed to delete expired dci configuration", zap.Uint64("server_id", serverID), zap.Error(err))
	}
	if err := j.db.DeleteSyncStatus(serverID); err != nil {
		j.log.Warn("failed to delete expired sync status", zap.Uint64("server_id", serverID), zap.Error(err))
	}

	j.targets.DeleteForServer(serverID)
	// §9 Open Question 3: items are removed from the live map (no
	// disabled flag is set on them); a later identical config push re-inserts them
	// through the normal diff-check path, not a special-case "undelete".
	j.items.DisableAllForServer(serverID)
	j.sync.Remove(serverID)

	j.log.Info("expired stalled server backlog", zap.Uint64("server_id", serverID))
}
