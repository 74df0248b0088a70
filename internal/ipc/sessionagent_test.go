package ipc

import (
	"bufio"
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxmon/agentd/internal/wire"
)

func registerSessionAgent(t *testing.T, conn net.Conn, sessionID int32, userAgent bool) *wire.Message {
	t.Helper()
	msg := wire.NewMessage(wire.CmdRegisterSessionAgent, 1)
	msg.SetInt32(wire.VIDSessionID, sessionID)
	msg.SetString(wire.VIDUserName, "alice")
	flag := int32(0)
	if userAgent {
		flag = 1
	}
	msg.SetInt32(wire.VIDUserAgentFlag, flag)
	buf, err := wire.Encode(msg)
	require.NoError(t, err)
	_, err = conn.Write(buf)
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reply, err := wire.ReadMessage(bufio.NewReader(conn))
	require.NoError(t, err)
	return reply
}

func TestSessionAgentListenerRegistersAndCounts(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "sa.sock")
	ln, err := ListenUnix(sockPath)
	require.NoError(t, err)
	defer ln.Close()

	l := NewSessionAgentListener(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Serve(ctx, ln)

	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer conn.Close()

	reply := registerSessionAgent(t, conn, 7, false)
	assert.Equal(t, int32(wire.RCSuccess), reply.GetInt32(wire.VIDRCC))
	require.Eventually(t, func() bool { return l.Count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestSessionAgentListenerUserAgentSupersedesPlainAgent(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "sa.sock")
	ln, err := ListenUnix(sockPath)
	require.NoError(t, err)
	defer ln.Close()

	l := NewSessionAgentListener(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Serve(ctx, ln)

	plainConn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer plainConn.Close()
	registerSessionAgent(t, plainConn, 3, false)
	require.Eventually(t, func() bool { return l.Count() == 1 }, time.Second, 5*time.Millisecond)

	userConn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer userConn.Close()
	registerSessionAgent(t, userConn, 3, true)

	require.Eventually(t, func() bool { return l.Count() == 1 }, time.Second, 5*time.Millisecond)

	plainConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	plainReader := bufio.NewReader(plainConn)
	shutdown, err := wire.ReadMessage(plainReader)
	require.NoError(t, err)
	assert.Equal(t, wire.CmdShutdownSessionAgent, shutdown.Code)
	_, err = wire.ReadMessage(plainReader)
	assert.Error(t, err) // connection was forced closed by the registry
}

func TestSessionAgentListenerBroadcast(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "sa.sock")
	ln, err := ListenUnix(sockPath)
	require.NoError(t, err)
	defer ln.Close()

	l := NewSessionAgentListener(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Serve(ctx, ln)

	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer conn.Close()
	registerSessionAgent(t, conn, 1, false)
	require.Eventually(t, func() bool { return l.Count() == 1 }, time.Second, 5*time.Millisecond)

	delivered := l.Broadcast(wire.NewMessage(wire.CmdKeepAlive, 99))
	assert.Equal(t, 1, delivered)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msg, err := wire.ReadMessage(bufio.NewReader(conn))
	require.NoError(t, err)
	assert.Equal(t, wire.CmdKeepAlive, msg.Code)
	assert.Equal(t, uint32(99), msg.ID)
}
