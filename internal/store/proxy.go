package store

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// DataCollectionProxy is the persisted form of §3's Proxy entry.
// InUse/Connected are runtime flags, not persisted configuration, but
// are kept on the struct for convenience when the caller wants a
// single snapshot type; Save/Load only round-trip the persisted
// fields.
type DataCollectionProxy struct {
	ServerID uint64 `json:"server_id"`
	ProxyID  uint64 `json:"proxy_id"`
	Address  string `json:"address"`

	InUse     bool `json:"-"`
	Connected bool `json:"-"`
}

func proxyKey(serverID, proxyID uint64) []byte {
	return []byte(fmt.Sprintf("%d:%d", serverID, proxyID))
}

// SaveProxyMap persists the full proxy list for serverID, replacing
// whatever was there before (§4.3 "Persist proxy map").
func (db *DB) SaveProxyMap(serverID uint64, proxies []*DataCollectionProxy) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDCProxy)
		c := b.Cursor()
		prefix := []byte(fmt.Sprintf("%d:", serverID))
		var toDelete [][]byte
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			toDelete = append(toDelete, append([]byte{}, k...))
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		for _, p := range proxies {
			buf, err := json.Marshal(p)
			if err != nil {
				return err
			}
			if err := b.Put(proxyKey(p.ServerID, p.ProxyID), buf); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadAllProxies returns every persisted proxy entry.
func (db *DB) LoadAllProxies() ([]*DataCollectionProxy, error) {
	var out []*DataCollectionProxy
	err := db.bolt.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDCProxy).ForEach(func(k, v []byte) error {
			var p DataCollectionProxy
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			out = append(out, &p)
			return nil
		})
	})
	return out, err
}
