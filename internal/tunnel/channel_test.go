package tunnel

import (
	"bufio"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxmon/agentd/internal/wire"
)

func newTestTunnelWithConn(conn net.Conn) *Tunnel {
	t := New(Config{Hostname: "mgmt.example.com", Port: 4703}, Identity{}, nil, nil, nil, nil, nil)
	t.conn = conn
	t.connected.Store(true)
	return t
}

func TestChannelWriteSendsChannelDataFrame(t *testing.T) {
	peer, conn := net.Pipe()
	defer peer.Close()
	defer conn.Close()

	tun := newTestTunnelWithConn(conn)
	ch := tun.newChannel()

	go func() {
		_, err := ch.Write([]byte("hello"))
		assert.NoError(t, err)
	}()

	peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	msg, err := wire.ReadMessage(bufio.NewReader(peer))
	require.NoError(t, err)
	assert.Equal(t, wire.CmdChannelData, msg.Code)
	assert.Equal(t, int32(ch.ID()), msg.GetInt32(wire.VIDChannelID))
	assert.Equal(t, []byte("hello"), msg.GetBinary(wire.VIDContent))
}

func TestChannelFeedUnblocksRead(t *testing.T) {
	peer, conn := net.Pipe()
	defer peer.Close()
	defer conn.Close()

	tun := newTestTunnelWithConn(conn)
	ch := tun.newChannel()

	done := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 16)
		n, err := ch.Read(buf)
		assert.NoError(t, err)
		done <- buf[:n]
	}()

	time.Sleep(10 * time.Millisecond)
	ch.feed([]byte("data"))

	select {
	case got := <-done:
		assert.Equal(t, []byte("data"), got)
	case <-time.After(time.Second):
		t.Fatal("Read never unblocked")
	}
}

func TestChannelReadRespectsDeadline(t *testing.T) {
	peer, conn := net.Pipe()
	defer peer.Close()
	defer conn.Close()

	tun := newTestTunnelWithConn(conn)
	ch := tun.newChannel()
	require.NoError(t, ch.SetReadDeadline(time.Now().Add(20*time.Millisecond)))

	buf := make([]byte, 16)
	_, err := ch.Read(buf)
	require.Error(t, err)
	ne, ok := err.(net.Error)
	require.True(t, ok)
	assert.True(t, ne.Timeout())
}

func TestChannelCloseIsIdempotentAndRemovesFromTunnel(t *testing.T) {
	peer, conn := net.Pipe()
	defer conn.Close()

	tun := newTestTunnelWithConn(conn)
	ch := tun.newChannel()

	go func() {
		io.Copy(io.Discard, peer)
	}()

	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())

	tun.channelsMu.Lock()
	_, exists := tun.channels[ch.ID()]
	tun.channelsMu.Unlock()
	assert.False(t, exists)

	_, err := ch.Read(make([]byte, 1))
	assert.ErrorIs(t, err, net.ErrClosed)
}
