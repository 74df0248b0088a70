package session

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxmon/agentd/internal/config"
	"github.com/fluxmon/agentd/internal/wire"
)

func TestMatchAllowlistLiteralAddress(t *testing.T) {
	servers := []config.ServerEntry{{Address: "10.0.0.1", Master: true}}
	entry, ok := matchAllowlist(servers, "10.0.0.1")
	require.True(t, ok)
	assert.True(t, entry.Master)
}

func TestMatchAllowlistRejectsUnlistedPeer(t *testing.T) {
	servers := []config.ServerEntry{{Address: "10.0.0.1"}}
	_, ok := matchAllowlist(servers, "10.0.0.2")
	assert.False(t, ok)
}

func TestListenerAdmitsAllowlistedPeer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	mgr := NewManager(4, nil)
	l := NewListener(mgr, NewDispatcher(nil, nil, nil, nil, nil, nil), nil)

	host, _, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	l.servers = []config.ServerEntry{{Address: host, AuthRequired: false}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Serve(ctx, ln)

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	req := wire.NewMessage(wire.CmdKeepAlive, 1)
	writeMsg(t, conn, req)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reply, err := wire.ReadMessage(bufio.NewReader(conn))
	require.NoError(t, err)
	assert.Equal(t, int32(wire.RCSuccess), reply.GetInt32(wire.VIDRCC))

	require.Eventually(t, func() bool { return mgr.Count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestListenerThrottlesRepeatedConnectsFromOnePeer(t *testing.T) {
	mgr := NewManager(4, nil)
	l := NewListener(mgr, NewDispatcher(nil, nil, nil, nil, nil, nil), nil)

	allowed := 0
	for i := 0; i < 10; i++ {
		if l.allow("203.0.113.9") {
			allowed++
		}
	}
	assert.Less(t, allowed, 10)
}
