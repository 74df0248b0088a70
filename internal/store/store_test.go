package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agentd.db")
	db, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenRunsMigrationsToCurrentVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentd.db")
	db, err := Open(path)
	require.NoError(t, err)

	var version int
	err = db.bolt.View(func(tx *bolt.Tx) error {
		version = schemaVersion(tx)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, version)
	require.NoError(t, db.Close())

	// Re-opening the same file must be idempotent (no further upgrade work).
	db2, err := Open(path)
	require.NoError(t, err)
	defer db2.Close()
	err = db2.bolt.View(func(tx *bolt.Tx) error {
		version = schemaVersion(tx)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, version)
}

func TestDCIUpsertLoadDelete(t *testing.T) {
	db := openTestDB(t)

	item := &DataCollectionItem{ServerID: 1, DCIID: 100, Name: "X", PollingIntervalSec: 10}
	require.NoError(t, db.UpsertDCI(item))

	items, err := db.LoadAllDCIs()
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "X", items[0].Name)

	require.NoError(t, db.DeleteDCI(1, 100))
	items, err = db.LoadAllDCIs()
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestDCIEqualIgnoresRuntimeFields(t *testing.T) {
	a := &DataCollectionItem{ServerID: 1, DCIID: 1, Name: "X", LastPollMs: 100, Busy: true}
	b := &DataCollectionItem{ServerID: 1, DCIID: 1, Name: "X", LastPollMs: 200, Busy: false}
	assert.True(t, a.Equal(b))

	c := &DataCollectionItem{ServerID: 1, DCIID: 1, Name: "Y"}
	assert.False(t, a.Equal(c))
}

func TestDeleteDCIsForServerOnlyTouchesThatServer(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.UpsertDCI(&DataCollectionItem{ServerID: 1, DCIID: 1, Name: "A"}))
	require.NoError(t, db.UpsertDCI(&DataCollectionItem{ServerID: 2, DCIID: 1, Name: "B"}))

	require.NoError(t, db.DeleteDCIsForServer(1))

	items, err := db.LoadAllDCIs()
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, uint64(2), items[0].ServerID)
}

func TestEnqueueDataElementEnforcesUniqueness(t *testing.T) {
	db := openTestDB(t)
	e := &DataElement{ServerID: 1, DCIID: 1, TimestampMs: 1000, ScalarValue: "a"}

	inserted, err := db.EnqueueDataElement(e)
	require.NoError(t, err)
	assert.True(t, inserted)

	dup := &DataElement{ServerID: 1, DCIID: 1, TimestampMs: 1000, ScalarValue: "b"}
	inserted, err = db.EnqueueDataElement(dup)
	require.NoError(t, err)
	assert.False(t, inserted, "duplicate (server,dci,timestamp) must not overwrite")

	n, err := db.CountQueuedForServer(1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestOldestForServerReturnsNonDecreasingTimestamps(t *testing.T) {
	db := openTestDB(t)
	for _, ts := range []int64{300, 100, 200} {
		_, err := db.EnqueueDataElement(&DataElement{ServerID: 1, DCIID: 1, TimestampMs: ts})
		require.NoError(t, err)
	}

	out, err := db.OldestForServer(1, 10)
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, []int64{100, 200, 300}, []int64{out[0].TimestampMs, out[1].TimestampMs, out[2].TimestampMs})
}

func TestOldestForServerRespectsLimit(t *testing.T) {
	db := openTestDB(t)
	for i := 0; i < 5; i++ {
		_, err := db.EnqueueDataElement(&DataElement{ServerID: 1, DCIID: uint64(i), TimestampMs: int64(i)})
		require.NoError(t, err)
	}
	out, err := db.OldestForServer(1, 2)
	require.NoError(t, err)
	assert.Len(t, out, 2)
}

func TestDeleteQueueForServerDiscardsOnlyThatServersBacklog(t *testing.T) {
	db := openTestDB(t)
	_, err := db.EnqueueDataElement(&DataElement{ServerID: 1, DCIID: 1, TimestampMs: 1})
	require.NoError(t, err)
	_, err = db.EnqueueDataElement(&DataElement{ServerID: 2, DCIID: 1, TimestampMs: 1})
	require.NoError(t, err)

	require.NoError(t, db.DeleteQueueForServer(1))

	n1, _ := db.CountQueuedForServer(1)
	n2, _ := db.CountQueuedForServer(2)
	assert.Equal(t, 0, n1)
	assert.Equal(t, 1, n2)
}

func TestZoneConfigRoundTrip(t *testing.T) {
	db := openTestDB(t)
	z := &ZoneConfiguration{ServerID: 1, ThisNodeID: 5, ZoneUIN: 77}
	copy(z.SharedSecret[:], []byte("shared-secret-material-32-bytes"))
	require.NoError(t, db.SaveZoneConfig(z))

	got, err := db.LoadZoneConfig(1)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, uint32(77), got.ZoneUIN)
	assert.Equal(t, z.SharedSecret, got.SharedSecret)
}

func TestSaveProxyMapReplacesPriorEntriesForServer(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.SaveProxyMap(1, []*DataCollectionProxy{
		{ServerID: 1, ProxyID: 1, Address: "10.0.0.1"},
		{ServerID: 1, ProxyID: 2, Address: "10.0.0.2"},
	}))
	require.NoError(t, db.SaveProxyMap(1, []*DataCollectionProxy{
		{ServerID: 1, ProxyID: 3, Address: "10.0.0.3"},
	}))

	all, err := db.LoadAllProxies()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, uint64(3), all[0].ProxyID)
}
