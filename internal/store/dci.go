package store

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// Origin and Type tags for DataCollectionItem, §3.
type Origin int

const (
	OriginLocalAgent Origin = iota
	OriginSNMP
	OriginModbus
	OriginScript
)

type ItemType int

const (
	ItemTypeScalar ItemType = iota
	ItemTypeTable
)

// SNMPColumn describes one table column for an SNMP-table DCI (§3).
type SNMPColumn struct {
	Name      string `json:"name"`
	OID       string `json:"oid"`
	HexConvert bool   `json:"hex_convert"`
}

// DataCollectionItem is the persisted form of §3's DCI entity.
type DataCollectionItem struct {
	ServerID uint64 `json:"server_id"`
	DCIID    uint64 `json:"dci_id"`

	Origin   Origin   `json:"origin"`
	Type     ItemType `json:"type"`
	Name     string   `json:"name"`

	PollingIntervalSec int      `json:"polling_interval_sec"`
	CronSchedules      []string `json:"cron_schedules,omitempty"`

	SNMPTargetGUID string       `json:"snmp_target_guid,omitempty"`
	SNMPPort       int          `json:"snmp_port,omitempty"`
	SNMPVersion    int          `json:"snmp_version,omitempty"`
	SNMPRawType    string       `json:"snmp_raw_type,omitempty"`
	SNMPOID        string       `json:"snmp_oid,omitempty"`
	SNMPColumns    []SNMPColumn `json:"snmp_columns,omitempty"`

	BackupProxyID uint64 `json:"backup_proxy_id,omitempty"`

	LastPollMs int64 `json:"last_poll_ms"`
	Busy       bool  `json:"-"`
	Disabled   bool  `json:"disabled"`
}

// Key returns the (server-id, dci-id) composite primary key, §3.
func (i *DataCollectionItem) Key() string { return fmt.Sprintf("%d:%d", i.ServerID, i.DCIID) }

// Equal reports whether two items are material-change-free copies of
// each other for the purposes of the config-push diff check (§4.3
// step 3: "if existing, diff-check and rewrite on any material
// change"). Busy/LastPollMs are runtime state, not configuration, and
// are intentionally excluded.
func (i *DataCollectionItem) Equal(other *DataCollectionItem) bool {
	if i.ServerID != other.ServerID || i.DCIID != other.DCIID {
		return false
	}
	a, b := *i, *other
	a.LastPollMs, b.LastPollMs = 0, 0
	a.Busy, b.Busy = false, false
	ja, _ := json.Marshal(a)
	jb, _ := json.Marshal(b)
	return string(ja) == string(jb)
}

func dciBucketKey(serverID, dciID uint64) []byte {
	return []byte(fmt.Sprintf("%d:%d", serverID, dciID))
}

// UpsertDCI inserts or overwrites one item.
func (db *DB) UpsertDCI(item *DataCollectionItem) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		buf, err := json.Marshal(item)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketDCConfig).Put(dciBucketKey(item.ServerID, item.DCIID), buf)
	})
}

// DeleteDCI removes one item.
func (db *DB) DeleteDCI(serverID, dciID uint64) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDCConfig).Delete(dciBucketKey(serverID, dciID))
	})
}

// LoadAllDCIs returns every persisted item, used to repopulate the
// in-memory map on startup.
func (db *DB) LoadAllDCIs() ([]*DataCollectionItem, error) {
	var items []*DataCollectionItem
	err := db.bolt.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDCConfig).ForEach(func(k, v []byte) error {
			var item DataCollectionItem
			if err := json.Unmarshal(v, &item); err != nil {
				return err
			}
			items = append(items, &item)
			return nil
		})
	})
	return items, err
}

// DeleteDCIsForServer removes every item belonging to serverID, used
// by stalled-data expiration (§4.3).
func (db *DB) DeleteDCIsForServer(serverID uint64) error {
	prefix := []byte(fmt.Sprintf("%d:", serverID))
	return db.bolt.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDCConfig)
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

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}
