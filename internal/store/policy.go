package store

import (
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"
)

// PolicyType distinguishes the two kinds of policy file §3.1 names.
type PolicyType int

const (
	PolicyTypeConfigInclude PolicyType = iota
	PolicyTypeUserAgent
)

// PolicyFile is the persisted form of the §3.1 PolicyFile entity.
type PolicyFile struct {
	GUID         string     `json:"guid"`
	Type         PolicyType `json:"type"`
	Version      int        `json:"version"`
	Path         string     `json:"path"`
	RegisteredAt time.Time  `json:"registered_at"`
}

// UpsertPolicy records or updates one policy file's metadata.
func (db *DB) UpsertPolicy(p *PolicyFile) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		buf, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketPolicy).Put([]byte(p.GUID), buf)
	})
}

// GetPolicy looks up one policy's metadata by guid, backing
// UNINSTALL_POLICY's need to resolve a path/type from a guid alone.
func (db *DB) GetPolicy(guid string) (*PolicyFile, error) {
	var p *PolicyFile
	err := db.bolt.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketPolicy).Get([]byte(guid))
		if v == nil {
			return nil
		}
		p = &PolicyFile{}
		return json.Unmarshal(v, p)
	})
	return p, err
}

// DeletePolicy removes one policy's metadata (the on-disk file itself
// is removed by internal/policy).
func (db *DB) DeletePolicy(guid string) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPolicy).Delete([]byte(guid))
	})
}

// ListPolicies returns every registered policy's metadata, backing
// GET_POLICY_INVENTORY.
func (db *DB) ListPolicies() ([]*PolicyFile, error) {
	var out []*PolicyFile
	err := db.bolt.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPolicy).ForEach(func(k, v []byte) error {
			var p PolicyFile
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			out = append(out, &p)
			return nil
		})
	})
	return out, err
}
