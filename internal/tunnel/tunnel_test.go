package tunnel

import (
	"bufio"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxmon/agentd/internal/session"
	"github.com/fluxmon/agentd/internal/waitqueue"
	"github.com/fluxmon/agentd/internal/wire"
)

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func TestBuildSetupMessageCarriesAgentIdentity(t *testing.T) {
	id := uuid.New()
	tun := New(Config{Hostname: "mgmt.example.com", Port: 4703}, Identity{
		AgentVersion: "1.2.3",
		AgentID:      id,
		SystemName:   "host01",
		ZoneUIN:      7,
		Hostname:     "host01.example.com",
		Platform:     "linux-amd64",
		MACAddresses: []string{"aa:bb:cc:dd:ee:ff"},
	}, nil, nil, nil, nil, nil)

	msg := tun.buildSetupMessage(1)
	assert.Equal(t, wire.CmdSetupAgentTunnel, msg.Code)
	assert.Equal(t, "1.2.3", msg.GetString(wire.VIDAgentVersion))
	assert.Equal(t, id, uuid.UUID(msg.GetGUID(wire.VIDAgentID)))
	assert.Equal(t, int32(7), msg.GetInt32(wire.VIDZoneUIN))
	assert.Equal(t, []string{"aa:bb:cc:dd:ee:ff"}, msg.GetStringList(wire.VIDMACAddrCount, wire.VIDMACAddrBase))
}

func selfSignedCert(t *testing.T, cn string) (*x509.Certificate, []byte) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		IsCA:         true,
		KeyUsage:     x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert, der
}

func TestVerifyServerCertificateAcceptsWhenNeitherCheckConfigured(t *testing.T) {
	tun := New(Config{Hostname: "mgmt.example.com"}, Identity{}, nil, nil, nil, nil, nil)
	cert, der := selfSignedCert(t, "mgmt.example.com")
	_ = cert
	assert.NoError(t, tun.verifyServerCertificate([][]byte{der}, nil))
}

func TestVerifyServerCertificateRejectsFingerprintMismatch(t *testing.T) {
	tun := New(Config{Hostname: "mgmt.example.com", PinnedFingerprint: "deadbeef"}, Identity{}, nil, nil, nil, nil, nil)
	_, der := selfSignedCert(t, "mgmt.example.com")
	assert.Error(t, tun.verifyServerCertificate([][]byte{der}, nil))
}

func TestVerifyServerCertificateAcceptsMatchingFingerprint(t *testing.T) {
	cert, der := selfSignedCert(t, "mgmt.example.com")
	fp := sha256Hex(cert.Raw)
	tun := New(Config{Hostname: "mgmt.example.com", PinnedFingerprint: fp}, Identity{}, nil, nil, nil, nil, nil)
	assert.NoError(t, tun.verifyServerCertificate([][]byte{der}, nil))
}

func TestVerifyServerCertificateRejectsNoCertificate(t *testing.T) {
	tun := New(Config{Hostname: "mgmt.example.com"}, Identity{}, nil, nil, nil, nil, nil)
	assert.Error(t, tun.verifyServerCertificate(nil, nil))
}

func TestCheckConnectionWaitsForEchoedKeepalive(t *testing.T) {
	peer, conn := net.Pipe()
	defer peer.Close()
	defer conn.Close()

	tun := newTestTunnelWithConn(conn)
	tun.wq = waitqueue.New()

	go func() {
		r := bufio.NewReader(peer)
		msg, err := wire.ReadMessage(r)
		if err != nil {
			return
		}
		reply := wire.NewMessage(wire.CmdKeepAlive, msg.ID)
		buf, _ := wire.Encode(reply)
		peer.Write(buf)
	}()

	go func() {
		r := bufio.NewReader(conn)
		for {
			msg, err := wire.ReadMessage(r)
			if err != nil {
				return
			}
			tun.wq.Dispatch(msg)
		}
	}()

	err := tun.checkConnection(context.Background())
	assert.NoError(t, err)
}

func TestCreateSessionRegistersVirtualSessionAndReplies(t *testing.T) {
	peer, conn := net.Pipe()
	defer peer.Close()
	defer conn.Close()

	mgr := session.NewManager(4, nil)
	disp := session.NewDispatcher(nil, nil, nil, nil, nil, nil)
	tun := newTestTunnelWithConn(conn)
	tun.manager = mgr
	tun.dispatcher = disp

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req := wire.NewMessage(wire.CmdCreateChannel, 1)
	tun.createSession(ctx, req)

	peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	reply, err := wire.ReadMessage(bufio.NewReader(peer))
	require.NoError(t, err)
	assert.Equal(t, int32(wire.RCSuccess), reply.GetInt32(wire.VIDRCC))

	require.Eventually(t, func() bool { return mgr.Count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestRouteChannelDataFeedsRegisteredChannel(t *testing.T) {
	peer, conn := net.Pipe()
	defer peer.Close()
	defer conn.Close()

	tun := newTestTunnelWithConn(conn)
	ch := tun.newChannel()

	msg := wire.NewMessage(wire.CmdChannelData, 1)
	msg.SetInt32(wire.VIDChannelID, int32(ch.ID()))
	msg.Flags |= wire.FlagBinary
	msg.SetBinary(wire.VIDContent, []byte("payload"))

	tun.routeChannelData(msg)

	buf := make([]byte, 16)
	n, err := ch.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(buf[:n]))
}

func TestHandleCloseChannelRequestRemovesAndClosesChannel(t *testing.T) {
	peer, conn := net.Pipe()
	defer peer.Close()
	defer conn.Close()

	tun := newTestTunnelWithConn(conn)
	ch := tun.newChannel()

	msg := wire.NewMessage(wire.CmdCloseChannel, 1)
	msg.SetInt32(wire.VIDChannelID, int32(ch.ID()))
	tun.handleCloseChannelRequest(msg)

	tun.channelsMu.Lock()
	_, exists := tun.channels[ch.ID()]
	tun.channelsMu.Unlock()
	assert.False(t, exists)

	_, err := ch.Read(make([]byte, 1))
	assert.ErrorIs(t, err, net.ErrClosed)
}

func TestDisconnectClearsStateAndClosesChannels(t *testing.T) {
	peer, conn := net.Pipe()
	defer peer.Close()

	tun := newTestTunnelWithConn(conn)
	ch := tun.newChannel()

	tun.disconnect()

	assert.False(t, tun.Connected())
	_, err := ch.Read(make([]byte, 1))
	assert.ErrorIs(t, err, net.ErrClosed)
}
