package store

import "fmt"

// CurrentSchemaVersion is the compiled-in target version. Startup
// upgrades sequentially toward it; a version above it is fatal (§4.6,
// §7 "Schema version above supported: process refuses to start").
const CurrentSchemaVersion = 3

// Bucket names, one per §4.6 table.
var (
	bucketMetadata           = []byte("metadata")
	bucketDCConfig           = []byte("dc_config")
	bucketDCSnmpTableColumns = []byte("dc_snmp_table_columns")
	bucketDCSchedules        = []byte("dc_schedules")
	bucketDCQueue            = []byte("dc_queue")
	bucketDCSnmpTargets      = []byte("dc_snmp_targets")
	bucketDCProxy            = []byte("dc_proxy")
	bucketZoneConfig         = []byte("zone_config")
	bucketSyncStatus         = []byte("sync_status")
	bucketPolicy             = []byte("policy")

	allBuckets = [][]byte{
		bucketMetadata, bucketDCConfig, bucketDCSnmpTableColumns,
		bucketDCSchedules, bucketDCQueue, bucketDCSnmpTargets,
		bucketDCProxy, bucketZoneConfig, bucketSyncStatus, bucketPolicy,
	}
)

const metadataSchemaVersionKey = "SchemaVersion"

// ErrSchemaTooNew is returned when the on-disk schema version exceeds
// CurrentSchemaVersion.
var ErrSchemaTooNew = fmt.Errorf("store: on-disk schema is newer than this build supports")

// queueKey builds the dc_queue key as (server-id, timestamp, dci-id).
// Lexical byte ordering of the encoded key then matches "ORDER BY
// timestamp" scoped to one server across all its DCIs, which is
// exactly the idx_dc_queue_timestamp access pattern the reconciler
// needs (§4.3 step 1) — bbolt buckets are themselves ordered B-trees,
// so no separate index structure is required. Uniqueness of
// (server-id, dci-id, timestamp) is verified by the caller before
// insert, since two DCIs on the same server could coincidentally
// share a timestamp.
func queueKey(serverID uint64, timestampMs int64, dciID uint64) []byte {
	b := make([]byte, 24)
	putUint64(b[0:8], serverID)
	putUint64(b[8:16], uint64(timestampMs))
	putUint64(b[16:24], dciID)
	return b
}

func putUint64(b []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}
