package datacollection

import (
	"context"
	"sync"

	"github.com/fluxmon/agentd/internal/store"
)

// fakeDB is an in-memory stand-in for internal/store.DB, scoped to the
// handful of methods each pipeline stage's narrow interface needs.
type fakeDB struct {
	mu       sync.Mutex
	elements map[string]*store.DataElement
	dcis     map[string]*store.DataCollectionItem
	vacuumed []string
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		elements: make(map[string]*store.DataElement),
		dcis:     make(map[string]*store.DataCollectionItem),
	}
}

func elementKey(e *store.DataElement) string {
	return uint64ToString(e.ServerID) + ":" + uint64ToString(uint64(e.TimestampMs)) + ":" + uint64ToString(e.DCIID)
}

func (f *fakeDB) EnqueueDataElement(e *store.DataElement) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := elementKey(e)
	if _, ok := f.elements[k]; ok {
		return false, nil
	}
	f.elements[k] = e
	return true, nil
}

func (f *fakeDB) EnqueueDataElementsBatch(elements []*store.DataElement) (int, error) {
	n := 0
	for _, e := range elements {
		ok, _ := f.EnqueueDataElement(e)
		if ok {
			n++
		}
	}
	return n, nil
}

func (f *fakeDB) OldestForServer(serverID uint64, limit int) ([]*store.DataElement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.DataElement
	for _, e := range f.elements {
		if e.ServerID == serverID {
			out = append(out, e)
		}
	}
	// simple insertion sort by timestamp then dci, good enough for small test sets.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0; j-- {
			a, b := out[j-1], out[j]
			if a.TimestampMs > b.TimestampMs || (a.TimestampMs == b.TimestampMs && a.DCIID > b.DCIID) {
				out[j-1], out[j] = out[j], out[j-1]
			}
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeDB) DeleteDataElements(elements []*store.DataElement) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range elements {
		delete(f.elements, elementKey(e))
	}
	return nil
}

func (f *fakeDB) CountQueuedForServer(serverID uint64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.elements {
		if e.ServerID == serverID {
			n++
		}
	}
	return n, nil
}

func (f *fakeDB) UpsertDCI(item *store.DataCollectionItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dcis[item.Key()] = item
	return nil
}

func (f *fakeDB) DeleteDCI(serverID, dciID uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.dcis, (&store.DataCollectionItem{ServerID: serverID, DCIID: dciID}).Key())
	return nil
}

func (f *fakeDB) Vacuum(tmpPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vacuumed = append(f.vacuumed, tmpPath)
	return nil
}

func (f *fakeDB) UpsertSNMPTarget(t *store.SNMPTarget) error { return nil }
func (f *fakeDB) SaveProxyMap(serverID uint64, proxies []*store.DataCollectionProxy) error {
	return nil
}
func (f *fakeDB) SaveZoneConfig(z *store.ZoneConfiguration) error { return nil }

func (f *fakeDB) DeleteSNMPTargetsForServer(serverID uint64) error { return nil }
func (f *fakeDB) DeleteDCIsForServer(serverID uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := uint64ToString(serverID) + ":"
	for k := range f.dcis {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(f.dcis, k)
		}
	}
	return nil
}
func (f *fakeDB) DeleteQueueForServer(serverID uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, e := range f.elements {
		if e.ServerID == serverID {
			delete(f.elements, k)
		}
	}
	return nil
}
func (f *fakeDB) DeleteSyncStatus(serverID uint64) error { return nil }

func (f *fakeDB) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.elements)
}

// fakeSink is an in-memory stand-in for DeliverySink.
type fakeSink struct {
	mu sync.Mutex

	directAccepts bool
	directCalls   []*store.DataElement

	bulkRetry []bool
	bulkBusy  bool
	bulkErr   error
	bulkCalls [][]*store.DataElement

	tableOK   bool
	tableBusy bool
	tableErr  error

	canReconcile bool
}

func (f *fakeSink) SendDirect(ctx context.Context, e *store.DataElement) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.directCalls = append(f.directCalls, e)
	return f.directAccepts
}

func (f *fakeSink) SendBulk(ctx context.Context, serverID uint64, elements []*store.DataElement) ([]bool, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bulkCalls = append(f.bulkCalls, elements)
	return f.bulkRetry, f.bulkBusy, f.bulkErr
}

func (f *fakeSink) SendTable(ctx context.Context, e *store.DataElement) (bool, bool, error) {
	return f.tableOK, f.tableBusy, f.tableErr
}

func (f *fakeSink) CanReconcile(serverID uint64) bool { return f.canReconcile }

func (f *fakeSink) directCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.directCalls)
}
