package store

import (
	"encoding/json"

	bolt "go.etcd.io/bbolt"
)

// ServerSyncStatus is the persisted form of §3's ServerSyncStatus.
// The authoritative in-memory copy lives in
// internal/datacollection.SyncStatusMap; this DAO exists so the
// counters survive a restart without re-counting the whole queue.
type ServerSyncStatus struct {
	ServerID       uint64 `json:"server_id"`
	Queued         int    `json:"queued"`
	LastSyncMs     int64  `json:"last_sync_ms"`
}

// SaveSyncStatus persists one server's sync counters.
func (db *DB) SaveSyncStatus(s *ServerSyncStatus) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		buf, err := json.Marshal(s)
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		putUint64(key, s.ServerID)
		return tx.Bucket(bucketSyncStatus).Put(key, buf)
	})
}

// LoadAllSyncStatus returns every persisted sync status, used to seed
// the in-memory map on startup.
func (db *DB) LoadAllSyncStatus() ([]*ServerSyncStatus, error) {
	var out []*ServerSyncStatus
	err := db.bolt.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSyncStatus).ForEach(func(k, v []byte) error {
			var s ServerSyncStatus
			if err := json.Unmarshal(v, &s); err != nil {
				return err
			}
			out = append(out, &s)
			return nil
		})
	})
	return out, err
}

// DeleteSyncStatus removes the persisted row for serverID, used when
// pruning an expired/empty backlog (§3 ServerSyncStatus lifecycle).
func (db *DB) DeleteSyncStatus(serverID uint64) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		key := make([]byte, 8)
		putUint64(key, serverID)
		return tx.Bucket(bucketSyncStatus).Delete(key)
	})
}
