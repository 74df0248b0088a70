package datacollection

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxmon/agentd/internal/store"
	"github.com/fluxmon/agentd/internal/workerpool"
)

type fakeCollector struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeCollector) Collect(ctx context.Context, item *store.DataCollectionItem) *store.DataElement {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return &store.DataElement{ServerID: item.ServerID, DCIID: item.DCIID, TimestampMs: nowMs()}
}

func (f *fakeCollector) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestScheduler(items *ItemMap, proxies *ProxyMap, local *fakeCollector) (*Scheduler, *Sender) {
	db := newFakeDB()
	sync := NewSyncStatusMap(nil)
	sink := &fakeSink{}
	sender := NewSender(sink, sync, db, 100)
	general := workerpool.New(1, 4)
	snmpPool := workerpool.New(1, 4)
	s := NewScheduler(items, proxies, sender, general, snmpPool, local, local, local)
	return s, sender
}

func TestSchedulerSkipsDisabledItems(t *testing.T) {
	items := NewItemMap()
	items.Put(&store.DataCollectionItem{ServerID: 1, DCIID: 1, Name: "X", PollingIntervalSec: 1, Disabled: true})
	local := &fakeCollector{}
	s, _ := newTestScheduler(items, NewProxyMap(), local)

	s.tick(context.Background())
	assert.Equal(t, 0, local.count())
}

func TestSchedulerPollingIntervalZeroNeverAutoPolled(t *testing.T) {
	items := NewItemMap()
	items.Put(&store.DataCollectionItem{ServerID: 1, DCIID: 1, Name: "X", PollingIntervalSec: 0})
	local := &fakeCollector{}
	s, _ := newTestScheduler(items, NewProxyMap(), local)

	s.tick(context.Background())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, local.count())
}

func TestSchedulerPollsDueItemAndUpdatesLastPoll(t *testing.T) {
	items := NewItemMap()
	items.Put(&store.DataCollectionItem{ServerID: 1, DCIID: 1, Name: "X", PollingIntervalSec: 10})
	local := &fakeCollector{}
	s, _ := newTestScheduler(items, NewProxyMap(), local)

	s.tick(context.Background())
	require.Eventually(t, func() bool { return local.count() == 1 }, time.Second, 5*time.Millisecond)

	it, ok := items.Get(1, 1)
	require.True(t, ok)
	assert.Greater(t, it.LastPollMs, int64(0))
}

func TestSchedulerBackupProxySkipsWhenConnected(t *testing.T) {
	items := NewItemMap()
	items.Put(&store.DataCollectionItem{ServerID: 1, DCIID: 1, Name: "X", PollingIntervalSec: 10, BackupProxyID: 42})
	proxies := NewProxyMap()
	proxies.Replace(1, []*store.DataCollectionProxy{{ServerID: 1, ProxyID: 42, Connected: true}})
	local := &fakeCollector{}
	s, _ := newTestScheduler(items, proxies, local)

	s.tick(context.Background())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, local.count(), "item must be skipped while its backup proxy is connected")
}

func TestSchedulerBackupProxyPollsWhenDisconnected(t *testing.T) {
	items := NewItemMap()
	items.Put(&store.DataCollectionItem{ServerID: 1, DCIID: 1, Name: "X", PollingIntervalSec: 10, BackupProxyID: 42})
	proxies := NewProxyMap()
	proxies.Replace(1, []*store.DataCollectionProxy{{ServerID: 1, ProxyID: 42, Connected: false}})
	local := &fakeCollector{}
	s, _ := newTestScheduler(items, proxies, local)

	s.tick(context.Background())
	require.Eventually(t, func() bool { return local.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestSchedulerBackupProxyUnknownPolledUnconditionally(t *testing.T) {
	items := NewItemMap()
	items.Put(&store.DataCollectionItem{ServerID: 1, DCIID: 1, Name: "X", PollingIntervalSec: 10, BackupProxyID: 999})
	local := &fakeCollector{}
	s, _ := newTestScheduler(items, NewProxyMap(), local)

	s.tick(context.Background())
	require.Eventually(t, func() bool { return local.count() == 1 }, time.Second, 5*time.Millisecond)
}
