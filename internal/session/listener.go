package session

import (
	"context"
	"net"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fluxmon/agentd/internal/agentlog"
	"github.com/fluxmon/agentd/internal/config"
)

// maxThrottleCacheSize bounds the per-peer limiter cache so a flapping
// or spoofed peer set cannot grow it without limit (§4.1 "ADDED
// detail").
const maxThrottleCacheSize = 4096

// Listener runs the inbound TCP accept loop (§4.1 "Responsibility"):
// admit only allowlisted peers, rate-limit accepts per peer address,
// and hand every admitted connection off as a new Session. Grounded on original_source/src/agent/core/comm.cpp's
// accept loop and its address/role allowlist match.
type Listener struct {
	mgr        *Manager
	dispatcher *Dispatcher
	servers    []config.ServerEntry
	log        *zap.Logger

	limitersMu sync.Mutex
	limiters   *lru.Cache[string, *rate.Limiter]
}

// NewListener builds a Listener admitting connections against servers
// (the configured allowlist) and handing admitted sessions to mgr.
func NewListener(mgr *Manager, dispatcher *Dispatcher, servers []config.ServerEntry) *Listener {
	cache, _ := lru.New[string, *rate.Limiter](maxThrottleCacheSize)
	return &Listener{
		mgr:        mgr,
		dispatcher: dispatcher,
		servers:    servers,
		log:        agentlog.For("session.listener"),
		limiters:   cache,
	}
}

// Serve accepts on ln until ctx is cancelled or the listener closes.
func (l *Listener) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return err
		}

		peer := peerHost(conn)
		if !l.allow(peer) {
			l.log.Debug("throttling accept from noisy peer", zap.String("peer", peer))
			conn.Close()
			continue
		}

		entry, ok := matchAllowlist(l.servers, peer)
		if !ok {
			l.log.Info("rejected connection from unlisted peer", zap.String("peer", peer))
			conn.Close()
			continue
		}

		l.admit(ctx, conn, entry)
	}
}

// allow consults (creating if absent) the per-peer token-bucket limiter
// (burst 5, refilled one per second). Every accepted connection from
// the peer draws from it, before the allowlist match; failed
// handshakes and other errors are not counted separately.
func (l *Listener) allow(peer string) bool {
	l.limitersMu.Lock()
	lim, ok := l.limiters.Get(peer)
	if !ok {
		lim = rate.NewLimiter(rate.Every(time.Second), 5)
		l.limiters.Add(peer, lim)
	}
	l.limitersMu.Unlock()
	return lim.Allow()
}

func (l *Listener) admit(ctx context.Context, conn net.Conn, entry config.ServerEntry) {
	cfg := Config{
		ID:             l.mgr.NextSessionID(),
		Origin:         OriginInbound,
		RoleMaster:     entry.Master,
		RoleControl:    entry.Control,
		ReadOnly:       entry.ReadOnly,
		CanAcceptData:  !entry.ReadOnly,
		AcceptsTraps:   entry.AcceptsTraps,
		AuthRequired:   entry.AuthRequired,
		ExpectedSecret: entry.Secret,
	}
	s := New(conn, cfg, l.dispatcher)
	if err := l.mgr.Register(s); err != nil {
		l.log.Warn("rejecting session beyond max_sessions", zap.String("peer", peerHost(conn)))
		conn.Close()
		return
	}
	go func() {
		s.Run(ctx)
		l.mgr.Unregister(s)
	}()
}

func peerHost(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}

// matchAllowlist finds the first server entry whose address matches
// peer, either literally or (if the entry is a hostname) by lazy
// resolution (§4.1 "literal addresses, names resolved lazily").
func matchAllowlist(servers []config.ServerEntry, peer string) (config.ServerEntry, bool) {
	for _, e := range servers {
		if e.Address == peer {
			return e, true
		}
		if resolvesTo(e.Address, peer) {
			return e, true
		}
	}
	return config.ServerEntry{}, false
}

func resolvesTo(hostname, peer string) bool {
	if net.ParseIP(hostname) != nil {
		return false
	}
	addrs, err := net.LookupHost(hostname)
	if err != nil {
		return false
	}
	for _, a := range addrs {
		if a == peer {
			return true
		}
	}
	return false
}

// ForceReResolve drops any cached negative/positive resolution so the
// next admission attempt re-resolves hostnames from scratch (§4.2
// "forced re-resolve" after a tunnel handshake succeeds). Lookups here
// are not cached beyond the OS resolver, so this is a no-op placeholder
// kept for interface parity with the tunnel reconnect path.
func (l *Listener) ForceReResolve() {}
