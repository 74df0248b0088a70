package store

import (
	"encoding/json"

	bolt "go.etcd.io/bbolt"
)

// SNMPAuthMode / SNMPPrivMode mirror the v3 security parameters, §3.
type SNMPAuthMode int
type SNMPPrivMode int

// SNMPTarget is the persisted form of §3's SnmpTarget entity.
type SNMPTarget struct {
	GUID     string `json:"guid"`
	ServerID uint64 `json:"server_id"`
	Address  string `json:"address"`
	Version  int    `json:"version"`
	Port     int    `json:"port"`

	AuthMode SNMPAuthMode `json:"auth_mode"`
	PrivMode SNMPPrivMode `json:"priv_mode"`
	AuthName string       `json:"auth_name"`
	AuthPass string       `json:"auth_pass"`
	PrivPass string       `json:"priv_pass"`
}

// UpsertSNMPTarget inserts or overwrites one target.
func (db *DB) UpsertSNMPTarget(t *SNMPTarget) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		buf, err := json.Marshal(t)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketDCSnmpTargets).Put([]byte(t.GUID), buf)
	})
}

// LoadAllSNMPTargets returns every persisted target.
func (db *DB) LoadAllSNMPTargets() ([]*SNMPTarget, error) {
	var out []*SNMPTarget
	err := db.bolt.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDCSnmpTargets).ForEach(func(k, v []byte) error {
			var t SNMPTarget
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			out = append(out, &t)
			return nil
		})
	})
	return out, err
}

// DeleteSNMPTargetsForServer removes every target for serverID.
func (db *DB) DeleteSNMPTargetsForServer(serverID uint64) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDCSnmpTargets)
		c := b.Cursor()
		var toDelete [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var t SNMPTarget
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			if t.ServerID == serverID {
				toDelete = append(toDelete, append([]byte{}, k...))
			}
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}
