package datacollection

import (
	"sync"

	"github.com/fluxmon/agentd/internal/store"
)

// SNMPTargetCache is the RW-guarded SNMP-target map (§5: "lookups are
// fast-path readers, configuration push is a writer").
type SNMPTargetCache struct {
	mu     sync.RWMutex
	byGUID map[string]*store.SNMPTarget
}

func NewSNMPTargetCache() *SNMPTargetCache {
	return &SNMPTargetCache{byGUID: make(map[string]*store.SNMPTarget)}
}

func (c *SNMPTargetCache) LoadFrom(targets []*store.SNMPTarget) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range targets {
		c.byGUID[t.GUID] = t
	}
}

func (c *SNMPTargetCache) Get(guid string) (*store.SNMPTarget, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.byGUID[guid]
	return t, ok
}

func (c *SNMPTargetCache) Upsert(t *store.SNMPTarget) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byGUID[t.GUID] = t
}

func (c *SNMPTargetCache) DeleteForServer(serverID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for guid, t := range c.byGUID {
		if t.ServerID == serverID {
			delete(c.byGUID, guid)
		}
	}
}
