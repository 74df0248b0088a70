package peerliveness

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxmon/agentd/internal/datacollection"
	"github.com/fluxmon/agentd/internal/store"
)

var testSecret = func() [32]byte {
	var s [32]byte
	copy(s[:], []byte("integration-test-secret"))
	return s
}()

type fakeZones struct {
	zone *store.ZoneConfiguration
}

func (f *fakeZones) ZoneFor(serverID uint64) (*store.ZoneConfiguration, bool) {
	if f.zone == nil || f.zone.ServerID != serverID {
		return nil, false
	}
	return f.zone, true
}

func (f *fakeZones) ZoneByServerAndNode(serverID uint64, thisNodeID uint32) (*store.ZoneConfiguration, bool) {
	if f.zone == nil || f.zone.ServerID != serverID || f.zone.ThisNodeID != thisNodeID {
		return nil, false
	}
	return f.zone, true
}

func (f *fakeZones) IsKnownProxy(serverID uint64, proxyID uint32, remoteAddr string) bool {
	return true
}

func TestCheckerMarksConnectedOnValidReply(t *testing.T) {
	// ThisNodeID must equal the probed proxy's own id (42): the
	// listener resolves its answering zone by (serverID, ProxyIDDest),
	// and ProxyIDDest is set to the id of the node being probed.
	zone := &store.ZoneConfiguration{ServerID: 1, ThisNodeID: 42, ZoneUIN: 5, SharedSecret: testSecret}
	zones := &fakeZones{zone: zone}

	listener := NewListener(zones)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- listener.Run(ctx) }()
	time.Sleep(50 * time.Millisecond) // let the listener bind

	proxies := datacollection.NewProxyMap()
	proxies.Replace(1, []*store.DataCollectionProxy{{ServerID: 1, ProxyID: 42, Address: "127.0.0.1"}})
	proxies.MarkInUse(1, 42)

	checker := NewChecker(proxies, zones)
	anyInUse := checker.tick()

	require.True(t, anyInUse)
	exists, connected := proxies.IsConnected(1, 42)
	require.True(t, exists)
	assert.True(t, connected, "a valid signed reply from the listener must mark the proxy connected")
}

func TestCheckerMarksDisconnectedOnWrongSecret(t *testing.T) {
	listenerZone := &store.ZoneConfiguration{ServerID: 1, ThisNodeID: 42, ZoneUIN: 5, SharedSecret: testSecret}
	var wrongSecret [32]byte
	copy(wrongSecret[:], []byte("a-completely-different-secret"))
	checkerZone := &store.ZoneConfiguration{ServerID: 1, ThisNodeID: 42, ZoneUIN: 5, SharedSecret: wrongSecret}

	listener := NewListener(&fakeZones{zone: listenerZone})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go listener.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	proxies := datacollection.NewProxyMap()
	proxies.Replace(1, []*store.DataCollectionProxy{{ServerID: 1, ProxyID: 42, Address: "127.0.0.1"}})
	proxies.MarkInUse(1, 42)

	checker := NewChecker(proxies, &fakeZones{zone: checkerZone})
	checker.tick()

	exists, connected := proxies.IsConnected(1, 42)
	require.True(t, exists)
	assert.False(t, connected, "a reply signed with the wrong secret must never be accepted")
}

func TestCheckerSkipsProxiesNotInUse(t *testing.T) {
	proxies := datacollection.NewProxyMap()
	proxies.Replace(1, []*store.DataCollectionProxy{{ServerID: 1, ProxyID: 42, Address: "127.0.0.1"}})
	// deliberately not marked in-use

	checker := NewChecker(proxies, &fakeZones{})
	anyInUse := checker.tick()
	assert.False(t, anyInUse)
}
