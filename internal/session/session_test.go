package session

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxmon/agentd/internal/wire"
)

func readReply(t *testing.T, conn net.Conn) *wire.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msg, err := wire.ReadMessage(bufio.NewReader(conn))
	require.NoError(t, err)
	return msg
}

func writeMsg(t *testing.T, conn net.Conn, m *wire.Message) {
	t.Helper()
	buf, err := wire.Encode(m)
	require.NoError(t, err)
	_, err = conn.Write(buf)
	require.NoError(t, err)
}

func TestSessionAuthenticationGatesRequestsUntilSuccess(t *testing.T) {
	peer, conn := net.Pipe()
	defer conn.Close()

	s := New(peer, Config{ID: 1, AuthRequired: true, ExpectedSecret: "s3cr3t"}, NewDispatcher(nil, nil, nil, nil, nil, nil))
	assert.Equal(t, StateAuthenticating, s.State())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	req := wire.NewMessage(wire.CmdGetParameter, 1)
	req.SetString(wire.VIDName, "Agent.Uptime")
	writeMsg(t, conn, req)

	reply := readReply(t, conn)
	assert.Equal(t, wire.CmdRequestCompleted, reply.Code)
	assert.Equal(t, int32(wire.RCAuthenticationFailed), reply.GetInt32(wire.VIDRCC))
	assert.Equal(t, StateAuthenticating, s.State())
}

func TestSessionAuthenticationWrongSecretDrains(t *testing.T) {
	peer, conn := net.Pipe()
	defer conn.Close()

	s := New(peer, Config{ID: 1, AuthRequired: true, ExpectedSecret: "s3cr3t"}, NewDispatcher(nil, nil, nil, nil, nil, nil))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	auth := wire.NewMessage(wire.CmdAuthenticate, 1)
	auth.SetString(wire.VIDSecret, "wrong")
	writeMsg(t, conn, auth)

	reply := readReply(t, conn)
	assert.Equal(t, int32(wire.RCAuthenticationFailed), reply.GetInt32(wire.VIDRCC))

	require.Eventually(t, func() bool { return s.State() == StateClosed }, time.Second, 5*time.Millisecond)
}

func TestSessionAuthenticationSuccessTransitionsReady(t *testing.T) {
	peer, conn := net.Pipe()
	defer conn.Close()

	s := New(peer, Config{ID: 1, AuthRequired: true, ExpectedSecret: "s3cr3t"}, NewDispatcher(nil, nil, nil, nil, nil, nil))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	auth := wire.NewMessage(wire.CmdAuthenticate, 1)
	auth.SetString(wire.VIDSecret, "s3cr3t")
	writeMsg(t, conn, auth)

	reply := readReply(t, conn)
	assert.Equal(t, int32(wire.RCSuccess), reply.GetInt32(wire.VIDRCC))
	assert.Equal(t, StateReady, s.State())

	keepAlive := wire.NewMessage(wire.CmdKeepAlive, 2)
	writeMsg(t, conn, keepAlive)
	reply = readReply(t, conn)
	assert.Equal(t, int32(wire.RCSuccess), reply.GetInt32(wire.VIDRCC))
}

func TestSessionResetTunnelForcesDraining(t *testing.T) {
	peer, conn := net.Pipe()
	defer conn.Close()

	s := New(peer, Config{ID: 1}, NewDispatcher(nil, nil, nil, nil, nil, nil))
	assert.Equal(t, StateReady, s.State())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	writeMsg(t, conn, wire.NewMessage(wire.CmdResetTunnel, 1))

	require.Eventually(t, func() bool { return s.State() == StateClosed }, time.Second, 5*time.Millisecond)
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	peer, _ := net.Pipe()
	s := New(peer, Config{ID: 1}, NewDispatcher(nil, nil, nil, nil, nil, nil))
	s.Close()
	s.Close()
	assert.Equal(t, StateClosed, s.State())
}

func TestSessionSendAfterCloseReturnsErrSessionClosed(t *testing.T) {
	peer, _ := net.Pipe()
	s := New(peer, Config{ID: 1}, NewDispatcher(nil, nil, nil, nil, nil, nil))
	s.Close()
	err := s.Send(wire.NewMessage(wire.CmdKeepAlive, 1))
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestSessionIdleForReflectsLastActivity(t *testing.T) {
	peer, _ := net.Pipe()
	defer peer.Close()
	s := New(peer, Config{ID: 1}, NewDispatcher(nil, nil, nil, nil, nil, nil))
	assert.Less(t, s.IdleFor(), 100*time.Millisecond)
}

func TestSessionNotifyFileUpdateSendsContinuationFrame(t *testing.T) {
	peer, conn := net.Pipe()
	defer conn.Close()
	s := New(peer, Config{ID: 1}, NewDispatcher(nil, nil, nil, nil, nil, nil))

	go s.NotifyFileUpdate(42, []byte("a new line\n"))

	reply := readReply(t, conn)
	assert.Equal(t, wire.CmdGetFile, reply.Code)
	assert.Equal(t, uint32(42), reply.ID)
	assert.True(t, bytes.Equal([]byte("a new line\n"), reply.GetBinary(wire.VIDContent)))
}

func TestSessionNotifyFileMonitorErrorSetsEndOfSequence(t *testing.T) {
	peer, conn := net.Pipe()
	defer conn.Close()
	s := New(peer, Config{ID: 1}, NewDispatcher(nil, nil, nil, nil, nil, nil))

	go s.NotifyFileMonitorError(7, assert.AnError)

	reply := readReply(t, conn)
	assert.True(t, reply.IsEndOfSequence())
	assert.Equal(t, int32(wire.RCIOFailure), reply.GetInt32(wire.VIDRCC))
}
