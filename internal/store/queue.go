package store

import (
	"encoding/json"

	bolt "go.etcd.io/bbolt"
)

// StatusCode mirrors the result-code taxonomy a collector can attach
// to a DataElement (§3, §7): success plus the metric-lookup failure
// modes that still need to flow through to the server verbatim.
type StatusCode int

const (
	StatusSuccess StatusCode = iota
	StatusUnknownMetric
	StatusUnknownInstance
	StatusUnsupported
	StatusRequestTimeout
	StatusInternalError
)

// DataElement is the persisted form of §3's DCE entity.
type DataElement struct {
	ServerID      uint64     `json:"server_id"`
	DCIID         uint64     `json:"dci_id"`
	Origin        Origin     `json:"origin"`
	Type          ItemType   `json:"type"`
	Status        StatusCode `json:"status"`
	SNMPSourceGUID string    `json:"snmp_source_guid,omitempty"`
	TimestampMs   int64      `json:"timestamp_ms"`

	ScalarValue string          `json:"scalar_value,omitempty"`
	TableColumns []string       `json:"table_columns,omitempty"`
	TableRows    [][]string     `json:"table_rows,omitempty"`
}

// EnqueueDataElement persists one element if no row already exists
// for (server-id, dci-id, timestamp) — the §3 uniqueness invariant.
// Returns (false, nil) if the row already existed and was left
// untouched.
func (db *DB) EnqueueDataElement(e *DataElement) (bool, error) {
	inserted := false
	err := db.bolt.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDCQueue)
		key := queueKey(e.ServerID, e.TimestampMs, e.DCIID)
		if b.Get(key) != nil {
			return nil
		}
		buf, err := json.Marshal(e)
		if err != nil {
			return err
		}
		inserted = true
		return b.Put(key, buf)
	})
	return inserted, err
}

// EnqueueDataElementsBatch persists many elements in one transaction
// (the database writer's batched commit, §4.3).
func (db *DB) EnqueueDataElementsBatch(elements []*DataElement) (inserted int, err error) {
	err = db.bolt.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDCQueue)
		for _, e := range elements {
			key := queueKey(e.ServerID, e.TimestampMs, e.DCIID)
			if b.Get(key) != nil {
				continue
			}
			buf, merr := json.Marshal(e)
			if merr != nil {
				return merr
			}
			if perr := b.Put(key, buf); perr != nil {
				return perr
			}
			inserted++
		}
		return nil
	})
	return inserted, err
}

// OldestForServer returns up to limit DataElements for serverID in
// non-decreasing timestamp order (§4.3 reconciliation step 1; §8
// round-trip law "sender offers them in non-decreasing timestamp
// order per (server, DCI)" — ordering here is across the whole server
// because the key is (server, timestamp, dci)).
func (db *DB) OldestForServer(serverID uint64, limit int) ([]*DataElement, error) {
	prefix := make([]byte, 8)
	putUint64(prefix, serverID)

	var out []*DataElement
	err := db.bolt.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketDCQueue).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix) && len(out) < limit; k, v = c.Next() {
			var e DataElement
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			out = append(out, &e)
		}
		return nil
	})
	return out, err
}

// DeleteDataElements removes the given (server,dci,timestamp) rows,
// e.g. after they are ACK'd by the server.
func (db *DB) DeleteDataElements(elements []*DataElement) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDCQueue)
		for _, e := range elements {
			if err := b.Delete(queueKey(e.ServerID, e.TimestampMs, e.DCIID)); err != nil {
				return err
			}
		}
		return nil
	})
}

// CountQueuedForServer counts rows belonging to serverID.
func (db *DB) CountQueuedForServer(serverID uint64) (int, error) {
	prefix := make([]byte, 8)
	putUint64(prefix, serverID)

	n := 0
	err := db.bolt.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketDCQueue).Cursor()
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// DeleteQueueForServer discards the whole backlog for serverID, used
// by stalled-data expiration (§4.3).
func (db *DB) DeleteQueueForServer(serverID uint64) error {
	prefix := make([]byte, 8)
	putUint64(prefix, serverID)

	return db.bolt.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDCQueue)
		c := b.Cursor()
		var toDelete [][]byte
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			toDelete = append(toDelete, append([]byte{}, k...))
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// Vacuum compacts the database file by copying live data into a fresh
// file and swapping it in. Intended to be called opportunistically by
// the reconciler when idle (§4.3 step 6).
func (db *DB) Vacuum(tmpPath string) error {
	return db.bolt.View(func(tx *bolt.Tx) error {
		return tx.CopyFile(tmpPath, 0o600)
	})
}
