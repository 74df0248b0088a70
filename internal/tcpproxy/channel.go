// Package tcpproxy implements the TCP-proxy channel pump shared by
// internal/session and internal/tunnel (§4/§5 "address-range scan,
// TCP proxy channel pump"). Grounded on
// original_source/src/agent/core/tcpproxy.cpp's TcpProxy: one Channel
// per CMD_SETUP_PROXY_CONNECTION, pumping socket bytes into outbound
// CMD_TCP_PROXY_DATA frames and frame payloads back into the socket.
package tcpproxy

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/fluxmon/agentd/internal/agentlog"
)

// maxReadChunk bounds one read, matching the original's 64KiB buffer.
const maxReadChunk = 65536

var nextChannelID uint32

// AllocChannelID returns a fresh channel id for servers that don't
// supply their own (pre-4.5.3 compatibility fallback in the original).
func AllocChannelID() uint32 {
	return atomic.AddUint32(&nextChannelID, 1)
}

// Channel pumps bytes between one TCP socket and the frames a session
// or tunnel exchanges with the remote peer.
type Channel struct {
	ID     uint32
	conn   net.Conn
	onData func(channelID uint32, data []byte)

	closeOnce sync.Once
	readErr   bool
	log       *zap.Logger
}

// New wraps conn as a proxy channel. If channelID is 0, a fresh one is
// allocated.
func New(conn net.Conn, channelID uint32, onData func(channelID uint32, data []byte)) *Channel {
	if channelID == 0 {
		channelID = AllocChannelID()
	}
	return &Channel{
		ID:     channelID,
		conn:   conn,
		onData: onData,
		log:    agentlog.For("tcpproxy"),
	}
}

// Pump reads from the socket until EOF, error, or ctx cancellation,
// invoking onData for every chunk read. It returns whether the pump
// stopped because of a read error (distinct from a clean EOF), mirroring
// TcpProxy's m_readError flag that the destructor reports upstream.
func (c *Channel) Pump(ctx context.Context) (readErr bool) {
	go func() {
		<-ctx.Done()
		c.conn.Close()
	}()

	buf := make([]byte, maxReadChunk)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			c.onData(c.ID, chunk)
		}
		if err != nil {
			c.readErr = ctx.Err() == nil && !errors.Is(err, io.EOF)
			return c.readErr
		}
	}
}

// Write sends data received from the remote peer down to the socket.
func (c *Channel) Write(data []byte) error {
	_, err := c.conn.Write(data)
	return err
}

// Close shuts down the underlying socket. Safe to call more than once.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}
