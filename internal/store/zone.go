package store

import (
	"encoding/json"

	bolt "go.etcd.io/bbolt"
)

// ZoneConfiguration is the persisted form of §3's ZoneConfiguration.
type ZoneConfiguration struct {
	ServerID     uint64 `json:"server_id"`
	ThisNodeID   uint32 `json:"this_node_id"`
	ZoneUIN      uint32 `json:"zone_uin"`
	SharedSecret [32]byte `json:"shared_secret"`
}

func zoneKey(serverID uint64) []byte {
	b := make([]byte, 8)
	putUint64(b, serverID)
	return b
}

// SaveZoneConfig persists the zone configuration for one server.
func (db *DB) SaveZoneConfig(z *ZoneConfiguration) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		buf, err := json.Marshal(z)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketZoneConfig).Put(zoneKey(z.ServerID), buf)
	})
}

// LoadZoneConfig returns the zone configuration for one server, or
// nil if none was ever pushed.
func (db *DB) LoadZoneConfig(serverID uint64) (*ZoneConfiguration, error) {
	var z *ZoneConfiguration
	err := db.bolt.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketZoneConfig).Get(zoneKey(serverID))
		if v == nil {
			return nil
		}
		z = &ZoneConfiguration{}
		return json.Unmarshal(v, z)
	})
	return z, err
}

// LoadAllZoneConfigs returns every persisted zone configuration, used
// by the peer-liveness listener to validate inbound probes against
// any server's zone (§4.4).
func (db *DB) LoadAllZoneConfigs() ([]*ZoneConfiguration, error) {
	var out []*ZoneConfiguration
	err := db.bolt.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketZoneConfig).ForEach(func(k, v []byte) error {
			var z ZoneConfiguration
			if err := json.Unmarshal(v, &z); err != nil {
				return err
			}
			out = append(out, &z)
			return nil
		})
	})
	return out, err
}
