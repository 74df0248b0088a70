package datacollection

import (
	"sync"

	"github.com/fluxmon/agentd/internal/store"
)

// ItemMap is the in-memory (server-id, dci-id) -> item map, guarded by
// one mutex (§5 "The data-collection item map is guarded by one
// mutex").
type ItemMap struct {
	mu    sync.Mutex
	items map[string]*store.DataCollectionItem
}

func NewItemMap() *ItemMap {
	return &ItemMap{items: make(map[string]*store.DataCollectionItem)}
}

// LoadFrom seeds the map at startup.
func (m *ItemMap) LoadFrom(items []*store.DataCollectionItem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, it := range items {
		m.items[it.Key()] = it
	}
}

// Snapshot returns a copy of every item for lock-free iteration (the
// scheduler "snapshots per-item info inside the lock and releases it
// around the actual poll submission", §5).
func (m *ItemMap) Snapshot() []*store.DataCollectionItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*store.DataCollectionItem, 0, len(m.items))
	for _, it := range m.items {
		cp := *it
		out = append(out, &cp)
	}
	return out
}

// Get returns the live item by key, for mutation (marking busy, last-poll).
func (m *ItemMap) Get(serverID, dciID uint64) (*store.DataCollectionItem, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[itemKey(serverID, dciID)]
	return it, ok
}

// Put inserts or replaces an item.
func (m *ItemMap) Put(item *store.DataCollectionItem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[item.Key()] = item
}

// Delete removes an item.
func (m *ItemMap) Delete(serverID, dciID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, itemKey(serverID, dciID))
}

// KeysForServer returns every (server,dci) key currently tied to serverID.
func (m *ItemMap) KeysForServer(serverID uint64) []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []uint64
	for _, it := range m.items {
		if it.ServerID == serverID {
			out = append(out, it.DCIID)
		}
	}
	return out
}

// DisableAllForServer drops every item belonging to serverID from the
// live map (stalled-data expiration). A later identical configuration
// push re-inserts them through the normal diff-check path in
// ConfigPushHandler.Apply; there is no separate "disabled" state to
// restore.
func (m *ItemMap) DisableAllForServer(serverID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, it := range m.items {
		if it.ServerID == serverID {
			delete(m.items, k)
		}
	}
}

// SetBusy toggles the busy flag for one item.
func (m *ItemMap) SetBusy(serverID, dciID uint64, busy bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if it, ok := m.items[itemKey(serverID, dciID)]; ok {
		it.Busy = busy
	}
}

// SetLastPoll updates the last-poll timestamp for one item.
func (m *ItemMap) SetLastPoll(serverID, dciID uint64, ms int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if it, ok := m.items[itemKey(serverID, dciID)]; ok {
		it.LastPollMs = ms
	}
}

func itemKey(serverID, dciID uint64) string {
	it := store.DataCollectionItem{ServerID: serverID, DCIID: dciID}
	return it.Key()
}
