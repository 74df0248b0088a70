package datacollection

import (
	"sync"

	"github.com/fluxmon/agentd/internal/store"
)

// ProxyMap is the in-memory proxy list, guarded by one mutex shared by
// the scheduler's isConnected check and the liveness-checker's update
// (§5).
type ProxyMap struct {
	mu    sync.Mutex
	byKey map[string]*store.DataCollectionProxy
}

func NewProxyMap() *ProxyMap {
	return &ProxyMap{byKey: make(map[string]*store.DataCollectionProxy)}
}

func proxyMapKey(serverID, proxyID uint64) string {
	return uint64ToString(serverID) + ":" + uint64ToString(proxyID)
}

// Replace swaps in a fresh proxy list for one server (§4.3 step 2
// "Build the new proxy map for this server").
func (p *ProxyMap) Replace(serverID uint64, proxies []*store.DataCollectionProxy) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, v := range p.byKey {
		if v.ServerID == serverID {
			delete(p.byKey, k)
		}
	}
	for _, pr := range proxies {
		p.byKey[proxyMapKey(pr.ServerID, pr.ProxyID)] = pr
	}
}

// IsConnected reports whether the named proxy exists and is currently
// connected. The bool return distinguishes "unknown proxy" from
// "known but down", since the scheduler treats an unknown backup
// proxy as "not connected" (poll unconditionally) per §4.3.
func (p *ProxyMap) IsConnected(serverID, proxyID uint64) (exists, connected bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pr, ok := p.byKey[proxyMapKey(serverID, proxyID)]
	if !ok {
		return false, false
	}
	return true, pr.Connected
}

// SetConnected updates a proxy's liveness state, called by the peer-
// liveness checker (§4.4).
func (p *ProxyMap) SetConnected(serverID, proxyID uint64, connected bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pr, ok := p.byKey[proxyMapKey(serverID, proxyID)]; ok {
		pr.Connected = connected
	}
}

// InUseSnapshot returns every proxy currently marked in-use, for the
// liveness checker to probe each tick.
func (p *ProxyMap) InUseSnapshot() []*store.DataCollectionProxy {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*store.DataCollectionProxy
	for _, pr := range p.byKey {
		if pr.InUse {
			cp := *pr
			out = append(out, &cp)
		}
	}
	return out
}

// MarkInUse flags every proxy referenced by a backup-proxy-id as
// in-use, so the liveness checker knows to probe it (§4.3 "proxy
// liveness checker is rescheduled if any backup-proxy references were
// introduced").
func (p *ProxyMap) MarkInUse(serverID, proxyID uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pr, ok := p.byKey[proxyMapKey(serverID, proxyID)]; ok {
		pr.InUse = true
	}
}
