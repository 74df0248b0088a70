package peerliveness

import (
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/fluxmon/agentd/internal/agentlog"
	"github.com/fluxmon/agentd/internal/datacollection"
	"github.com/fluxmon/agentd/internal/store"
)

const (
	// ListenPort is the fixed UDP port peer-liveness probes target,
	// matching the original's LISTEN_PORT.
	ListenPort   = 4700
	maxRetries   = 5
	probeTimeout = time.Second
)

// ZoneLookup resolves the zone configuration (shared secret, this
// node's id, zone UIN) that governs probes toward a given server.
type ZoneLookup interface {
	ZoneFor(serverID uint64) (*store.ZoneConfiguration, bool)
}

// Checker probes every in-use proxy on a fixed interval (§4.4 "Thread
// checks if used in DCI proxy node is connected", rescheduled every
// 5 s while any proxy remains in-use).
type Checker struct {
	proxies *datacollection.ProxyMap
	zones   ZoneLookup
	log     *zap.Logger
	stop    chan struct{}
}

func NewChecker(proxies *datacollection.ProxyMap, zones ZoneLookup) *Checker {
	return &Checker{proxies: proxies, zones: zones, log: agentlog.For("peerliveness"), stop: make(chan struct{})}
}

func (c *Checker) Stop() { close(c.stop) }

// Run reschedules itself every 5 s for as long as any proxy is
// in-use, matching the original's self-rescheduling thread-pool task
// instead of a fixed ticker that runs forever regardless of demand.
func (c *Checker) Run() {
	for {
		anyInUse := c.tick()
		if !anyInUse {
			return
		}
		select {
		case <-c.stop:
			return
		case <-time.After(5 * time.Second):
		}
	}
}

func (c *Checker) tick() (anyInUse bool) {
	for _, proxy := range c.proxies.InUseSnapshot() {
		anyInUse = true
		connected := c.checkOne(proxy)
		c.proxies.SetConnected(proxy.ServerID, proxy.ProxyID, connected)
	}
	return anyInUse
}

func (c *Checker) checkOne(proxy *store.DataCollectionProxy) bool {
	zone, ok := c.zones.ZoneFor(proxy.ServerID)
	if !ok {
		c.log.Debug("no zone configuration for proxy check", zap.Uint64("server_id", proxy.ServerID))
		return false
	}

	addr := net.JoinHostPort(proxy.Address, strconv.Itoa(ListenPort))
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return false
	}
	defer conn.Close()

	req, err := NewChallenge(proxy.ServerID, uint32(proxy.ProxyID), zone.ThisNodeID, zone.ZoneUIN, zone.SharedSecret)
	if err != nil {
		return false
	}

	buf := make([]byte, packetSize)
	for attempt := 0; attempt < maxRetries; attempt++ {
		if _, err := conn.Write(req.Marshal()); err != nil {
			continue
		}
		conn.SetReadDeadline(time.Now().Add(probeTimeout))
		n, err := conn.Read(buf)
		if err != nil || n != packetSize {
			continue
		}
		resp, err := Unmarshal(buf)
		if err != nil {
			continue
		}
		if Verify(req, resp, zone.SharedSecret) {
			return true
		}
	}
	return false
}
