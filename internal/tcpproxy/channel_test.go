package tcpproxy

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipePair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	return a, b
}

func TestChannelPumpsDataToCallback(t *testing.T) {
	client, server := pipePair(t)
	defer server.Close()

	var mu sync.Mutex
	var received [][]byte
	ch := New(client, 7, func(channelID uint32, data []byte) {
		mu.Lock()
		defer mu.Unlock()
		cp := make([]byte, len(data))
		copy(cp, data)
		received = append(received, cp)
	})
	assert.Equal(t, uint32(7), ch.ID)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan bool, 1)
	go func() { done <- ch.Pump(ctx) }()

	_, err := server.Write([]byte("hello"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []byte("hello"), received[0])
	mu.Unlock()

	cancel()
	select {
	case readErr := <-done:
		assert.False(t, readErr, "cancellation should not be reported as a read error")
	case <-time.After(time.Second):
		t.Fatal("Pump did not return after cancel")
	}
}

func TestChannelWriteSendsToSocket(t *testing.T) {
	client, server := pipePair(t)
	defer client.Close()
	defer server.Close()

	ch := New(client, 1, func(uint32, []byte) {})

	go func() {
		ch.Write([]byte("payload"))
	}()

	buf := make([]byte, 16)
	server.SetReadDeadline(time.Now().Add(time.Second))
	n, err := server.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(buf[:n]))
}

func TestChannelAllocatesIDWhenZero(t *testing.T) {
	client, server := pipePair(t)
	defer client.Close()
	defer server.Close()

	ch1 := New(client, 0, func(uint32, []byte) {})
	ch2 := New(client, 0, func(uint32, []byte) {})
	assert.NotEqual(t, uint32(0), ch1.ID)
	assert.NotEqual(t, ch1.ID, ch2.ID)
}

func TestChannelCloseIsIdempotent(t *testing.T) {
	client, server := pipePair(t)
	defer server.Close()

	ch := New(client, 1, func(uint32, []byte) {})
	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())
}
