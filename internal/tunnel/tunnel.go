// Package tunnel maintains the agent's outbound TLS connection to a
// management server and demultiplexes virtual channels on top of it
// (§4.2). Grounded on original_source/src/agent/core/tunnel.cpp:
// Tunnel::connectToServer (handshake), Tunnel::checkConnection
// (keepalive/reconnect), Tunnel::recvThread (command dispatch) and
// Tunnel::createSession/closeChannel (channel lifecycle). The
// original's dedicated receiver thread plus a condvar-driven
// reconnect loop become two goroutines here: a receive loop decoding
// frames and a Run loop owning reconnection, backed by
// cenkalti/backoff/v4 instead of a hand-rolled sleep-and-retry.
package tunnel

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fluxmon/agentd/internal/agentlog"
	"github.com/fluxmon/agentd/internal/certstore"
	"github.com/fluxmon/agentd/internal/metrics"
	"github.com/fluxmon/agentd/internal/session"
	"github.com/fluxmon/agentd/internal/waitqueue"
	"github.com/fluxmon/agentd/internal/wire"
)

// Identity carries the agent-identifying fields sent on every tunnel
// setup handshake (§4.2 "agent's identity").
type Identity struct {
	AgentVersion   string
	AgentBuildTag  string
	AgentID        uuid.UUID
	SystemName     string
	ZoneUIN        uint32
	HardwareID     []byte
	SerialNumber   string
	Hostname       string
	Platform       string
	SysDescription string
	MACAddresses   []string

	EnableProxy      bool
	EnableSNMPProxy  bool
	EnableTrapProxy  bool
	EnableSyslogProxy bool
}

// Config carries one upstream's connection and certificate parameters.
type Config struct {
	Hostname string
	Port     int

	// Certificate sourcing priority (§4.2 "Certificate sourcing"): an
	// explicitly provisioned PEM file first, then the locally
	// auto-provisioned "<prefix>.crt/.key" pair under the certificate
	// store's directory.
	CertificateFile string
	CertificatePrefix string

	TrustedRootsPath  string
	PinnedFingerprint string

	KeepaliveInterval time.Duration
	DialTimeout       time.Duration
}

func (c Config) addr() string { return net.JoinHostPort(c.Hostname, strconv.Itoa(c.Port)) }

// AllowlistResolver is the narrow slice of session.Listener a tunnel
// needs: forcing a re-resolve of the server allowlist once a fresh
// tunnel handshake succeeds, so the first session through it sees
// up-to-date role bits (§4.2).
type AllowlistResolver interface {
	ForceReResolve()
}

// Tunnel owns one persistent connection to one configured upstream.
type Tunnel struct {
	cfg      Config
	identity Identity

	certs      *certstore.Store
	manager    *session.Manager
	dispatcher *session.Dispatcher
	resolver   AllowlistResolver
	metrics    *metrics.Registry
	log        *zap.Logger

	mu         sync.Mutex
	conn       net.Conn
	wq         *waitqueue.Queue
	connected  atomic.Bool
	ignoreCert bool
	reqID      atomic.Uint32

	channelsMu sync.Mutex
	channels   map[uint32]*Channel
}

// New builds a Tunnel; it does nothing until Run is called.
func New(cfg Config, identity Identity, certs *certstore.Store, manager *session.Manager, dispatcher *session.Dispatcher, resolver AllowlistResolver, m *metrics.Registry) *Tunnel {
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = 60 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	return &Tunnel{
		cfg:        cfg,
		identity:   identity,
		certs:      certs,
		manager:    manager,
		dispatcher: dispatcher,
		resolver:   resolver,
		metrics:    m,
		log:        agentlog.For("tunnel").With(zap.String("hostname", cfg.Hostname)),
		channels:   make(map[uint32]*Channel),
	}
}

// Connected reports whether the tunnel currently holds a live connection.
func (t *Tunnel) Connected() bool { return t.connected.Load() }

// Run drives the connect/keepalive/reconnect loop until ctx is
// cancelled, mirroring checkConnection's reset/reconnect branches
// wrapped in an exponential backoff instead of a fixed sleep.
func (t *Tunnel) Run(ctx context.Context) {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	b.MaxInterval = t.cfg.KeepaliveInterval

	for {
		if ctx.Err() != nil {
			return
		}
		if !t.connected.Load() {
			if err := t.connect(ctx); err != nil {
				t.recordReconnect()
				d := b.NextBackOff()
				t.log.Warn("tunnel connect failed", zap.Error(err), zap.Duration("retry_in", d))
				select {
				case <-ctx.Done():
					return
				case <-time.After(d):
				}
				continue
			}
			b.Reset()
		}

		select {
		case <-ctx.Done():
			t.disconnect()
			return
		case <-time.After(t.cfg.KeepaliveInterval):
			if err := t.checkConnection(ctx); err != nil {
				t.log.Warn("keepalive failed, forcing reconnect", zap.Error(err))
				t.recordReconnect()
				t.disconnect()
			}
		}
	}
}

func (t *Tunnel) recordReconnect() {
	if t.metrics == nil {
		return
	}
	t.metrics.TunnelReconnects.WithLabelValues(t.cfg.Hostname).Inc()
}

// connect performs one full handshake attempt: TLS dial, setup
// message, wait for CMD_REQUEST_COMPLETED.
func (t *Tunnel) connect(ctx context.Context) error {
	tlsCfg, err := t.buildTLSConfig()
	if err != nil {
		return fmt.Errorf("tunnel: tls config: %w", err)
	}

	dialer := &net.Dialer{Timeout: t.cfg.DialTimeout}
	dialCtx, cancel := context.WithTimeout(ctx, t.cfg.DialTimeout)
	defer cancel()
	rawConn, err := dialer.DialContext(dialCtx, "tcp", t.cfg.addr())
	if err != nil {
		return fmt.Errorf("tunnel: dial: %w", err)
	}
	tlsConn := tls.Client(rawConn, tlsCfg)
	if err := tlsConn.HandshakeContext(dialCtx); err != nil {
		tlsConn.Close()
		// A stale client cert can wedge a tunnel indefinitely; the next
		// attempt retries once with no cert attached (§4.2); if that
		// attempt fails as well, the one after it uses the cert again.
		t.ignoreCert = !t.ignoreCert
		return fmt.Errorf("tunnel: tls handshake: %w", err)
	}
	t.ignoreCert = false
	var conn net.Conn = tlsConn

	wq := waitqueue.New()
	t.mu.Lock()
	t.conn = conn
	t.wq = wq
	t.mu.Unlock()
	t.connected.Store(true)

	go t.receiveLoop(ctx, conn, wq)

	reqID := t.nextRequestID()
	msg := t.buildSetupMessage(reqID)
	if err := t.send(msg); err != nil {
		t.disconnect()
		return fmt.Errorf("tunnel: send setup: %w", err)
	}

	waitCtx, waitCancel := context.WithTimeout(ctx, t.cfg.DialTimeout)
	defer waitCancel()
	reply, err := wq.WaitFor(waitCtx, wire.Key{Code: wire.CmdRequestCompleted, ID: reqID})
	if err != nil {
		t.disconnect()
		return fmt.Errorf("tunnel: setup request timed out: %w", err)
	}
	if rcc := wire.ResultCode(reply.GetInt32(wire.VIDRCC)); rcc != wire.RCSuccess {
		t.disconnect()
		return fmt.Errorf("tunnel: setup rejected: %s", rcc)
	}

	t.log.Info("tunnel established")
	if t.resolver != nil {
		t.resolver.ForceReResolve()
	}
	return nil
}

func (t *Tunnel) buildTLSConfig() (*tls.Config, error) {
	cfg := &tls.Config{
		ServerName:         t.cfg.Hostname,
		InsecureSkipVerify: true, // chain/pin validation is done explicitly in VerifyPeerCertificate
	}
	cfg.VerifyPeerCertificate = t.verifyServerCertificate

	if !t.ignoreCert && t.certs != nil {
		cert, err := t.certs.Load(t.cfg.CertificateFile, t.cfg.CertificatePrefix)
		if err == nil {
			cfg.Certificates = []tls.Certificate{cert}
		}
		// A missing/unreadable client cert is not fatal: the server may
		// accept an unauthenticated tunnel pending a bind request.
	}
	return cfg, nil
}

// verifyServerCertificate implements §4.2 "Server-certificate
// verification": trust-store validation and pinned-fingerprint
// checking are each independently optional, and both run when
// configured.
func (t *Tunnel) verifyServerCertificate(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	if len(rawCerts) == 0 {
		return fmt.Errorf("tunnel: server presented no certificate")
	}
	leaf, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return fmt.Errorf("tunnel: parse server certificate: %w", err)
	}

	if t.cfg.TrustedRootsPath != "" {
		pool, err := loadRootPool(t.cfg.TrustedRootsPath)
		if err != nil {
			return fmt.Errorf("tunnel: load trusted roots: %w", err)
		}
		intermediates := x509.NewCertPool()
		for _, raw := range rawCerts[1:] {
			if c, err := x509.ParseCertificate(raw); err == nil {
				intermediates.AddCert(c)
			}
		}
		if _, err := leaf.Verify(x509.VerifyOptions{Roots: pool, Intermediates: intermediates}); err != nil {
			return fmt.Errorf("tunnel: server certificate chain invalid: %w", err)
		}
	}

	if t.cfg.PinnedFingerprint != "" {
		if !certstore.VerifyPinnedFingerprint(leaf, t.cfg.PinnedFingerprint) {
			return fmt.Errorf("tunnel: server certificate fingerprint does not match pinned value")
		}
	}

	return nil
}

func loadRootPool(path string) (*x509.CertPool, error) {
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemBytes) {
		return nil, fmt.Errorf("no certificates parsed from %s", path)
	}
	return pool, nil
}

func (t *Tunnel) buildSetupMessage(reqID uint32) *wire.Message {
	m := wire.NewMessage(wire.CmdSetupAgentTunnel, reqID)
	m.SetString(wire.VIDAgentVersion, t.identity.AgentVersion)
	m.SetString(wire.VIDAgentBuildTag, t.identity.AgentBuildTag)
	m.SetGUID(wire.VIDAgentID, t.identity.AgentID)
	m.SetString(wire.VIDSysName, t.identity.SystemName)
	m.SetInt32(wire.VIDZoneUIN, int32(t.identity.ZoneUIN))
	m.SetString(wire.VIDHostname, t.identity.Hostname)
	m.SetString(wire.VIDPlatformName, t.identity.Platform)
	m.SetString(wire.VIDSysDescription, t.identity.SysDescription)
	if len(t.identity.HardwareID) > 0 {
		m.Flags |= wire.FlagBinary
		m.SetBinary(wire.VIDHardwareID, t.identity.HardwareID)
	}
	m.SetStringList(wire.VIDMACAddrCount, wire.VIDMACAddrBase, t.identity.MACAddresses)
	return m
}

func (t *Tunnel) nextRequestID() uint32 { return t.reqID.Add(1) }

func (t *Tunnel) send(m *wire.Message) error {
	buf, err := wire.Encode(m)
	if err != nil {
		return err
	}
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("tunnel: not connected")
	}
	_, err = conn.Write(buf)
	return err
}

// checkConnection sends one keepalive probe and waits for the
// server's echoed reply, mirroring recvThread's keepalive-tick path.
func (t *Tunnel) checkConnection(ctx context.Context) error {
	if !t.connected.Load() {
		return fmt.Errorf("tunnel: not connected")
	}
	reqID := t.nextRequestID()
	if err := t.send(wire.NewMessage(wire.CmdKeepAlive, reqID)); err != nil {
		return err
	}
	t.mu.Lock()
	wq := t.wq
	t.mu.Unlock()
	if wq == nil {
		return fmt.Errorf("tunnel: not connected")
	}
	waitCtx, cancel := context.WithTimeout(ctx, t.cfg.DialTimeout)
	defer cancel()
	_, err := wq.WaitFor(waitCtx, wire.Key{Code: wire.CmdKeepAlive, ID: reqID})
	return err
}

// receiveLoop decodes frames off the tunnel connection until it
// fails, dispatching each by command code the way recvThread's switch
// does.
func (t *Tunnel) receiveLoop(ctx context.Context, conn net.Conn, wq *waitqueue.Queue) {
	r := bufio.NewReader(conn)
	for {
		if ctx.Err() != nil {
			t.disconnect()
			return
		}
		conn.SetReadDeadline(time.Now().Add(t.cfg.KeepaliveInterval * 3))
		msg, err := wire.ReadMessage(r)
		if err != nil {
			var ne net.Error
			if ok := asNetError(err, &ne); ok && ne.Timeout() {
				continue
			}
			t.log.Debug("tunnel receive loop exiting", zap.Error(err))
			t.disconnect()
			return
		}

		switch msg.Code {
		case wire.CmdResetTunnel:
			t.log.Info("server requested tunnel reset")
			t.disconnect()
			return
		case wire.CmdBindAgentTunnel:
			go t.processBindRequest(ctx, msg)
		case wire.CmdCreateChannel:
			t.createSession(ctx, msg)
		case wire.CmdChannelData:
			t.routeChannelData(msg)
		case wire.CmdCloseChannel:
			t.handleCloseChannelRequest(msg)
		default:
			if wq.Dispatch(msg) {
				continue
			}
			t.log.Debug("dropped unmatched tunnel message", zap.Uint32("code", uint32(msg.Code)))
		}
	}
}

// createSession handles CMD_CREATE_CHANNEL: allocate a channel,
// promote it to a full inbound-session (§4.2 "Virtual channels").
func (t *Tunnel) createSession(ctx context.Context, req *wire.Message) {
	reply := wire.NewMessage(wire.CmdRequestCompleted, req.ID)

	ch := t.newChannel()

	sessCfg := session.Config{
		ID:            t.manager.NextSessionID(),
		Origin:        session.OriginVirtual,
		RoleMaster:    true,
		CanAcceptData: true,
		AcceptsTraps:  true,
	}
	s := session.New(ch, sessCfg, t.dispatcher)
	if err := t.manager.Register(s); err != nil {
		ch.closeLocal()
		t.removeChannel(ch.id)
		reply.SetInt32(wire.VIDRCC, int32(wire.RCOutOfResources))
		t.send(reply)
		return
	}

	reply.SetInt32(wire.VIDRCC, int32(wire.RCSuccess))
	reply.SetInt32(wire.VIDChannelID, int32(ch.id))
	t.send(reply)

	go func() {
		s.Run(ctx)
		t.manager.Unregister(s)
	}()
}

func (t *Tunnel) newChannel() *Channel {
	t.channelsMu.Lock()
	defer t.channelsMu.Unlock()
	id := uint32(len(t.channels)) + 1
	for {
		if _, exists := t.channels[id]; !exists {
			break
		}
		id++
	}
	ch := newChannel(id, t)
	t.channels[id] = ch
	return ch
}

func (t *Tunnel) routeChannelData(msg *wire.Message) {
	id := uint32(msg.GetInt32(wire.VIDChannelID))
	t.channelsMu.Lock()
	ch, ok := t.channels[id]
	t.channelsMu.Unlock()
	if !ok {
		return
	}
	ch.feed(msg.GetBinary(wire.VIDContent))
}

func (t *Tunnel) handleCloseChannelRequest(msg *wire.Message) {
	id := uint32(msg.GetInt32(wire.VIDChannelID))
	t.channelsMu.Lock()
	ch, ok := t.channels[id]
	delete(t.channels, id)
	t.channelsMu.Unlock()
	if ok {
		ch.closeLocal()
	}
}

func (t *Tunnel) removeChannel(id uint32) {
	t.channelsMu.Lock()
	delete(t.channels, id)
	t.channelsMu.Unlock()
}

// closeChannel unregisters a locally-closed channel and, if
// notifyPeer is set, propagates a close-channel frame back to the
// server (§4.2 "close is idempotent and propagates a close-channel
// message back").
func (t *Tunnel) closeChannel(id uint32, notifyPeer bool) {
	t.channelsMu.Lock()
	_, existed := t.channels[id]
	delete(t.channels, id)
	t.channelsMu.Unlock()
	if !existed || !notifyPeer {
		return
	}
	m := wire.NewMessage(wire.CmdCloseChannel, t.nextRequestID())
	m.SetInt32(wire.VIDChannelID, int32(id))
	t.send(m)
}

func (t *Tunnel) sendChannelData(id uint32, p []byte) error {
	m := wire.NewMessage(wire.CmdChannelData, t.nextRequestID())
	m.SetInt32(wire.VIDChannelID, int32(id))
	m.Flags |= wire.FlagBinary
	m.SetBinary(wire.VIDContent, p)
	return t.send(m)
}

// disconnect tears down the current connection and every channel
// carried on it; Run's loop will redial on its next iteration.
func (t *Tunnel) disconnect() {
	t.connected.Store(false)

	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	wq := t.wq
	t.wq = nil
	t.mu.Unlock()

	if wq != nil {
		wq.Shutdown()
	}
	if conn != nil {
		conn.Close()
	}

	t.channelsMu.Lock()
	channels := t.channels
	t.channels = make(map[uint32]*Channel)
	t.channelsMu.Unlock()
	for _, ch := range channels {
		ch.closeLocal()
	}
}

func asNetError(err error, target *net.Error) bool {
	ne, ok := err.(net.Error)
	if ok {
		*target = ne
	}
	return ok
}
