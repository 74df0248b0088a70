package tunnel

import (
	"net"
	"sync"
	"time"
)

// timeoutError satisfies net.Error so Session.Run's read-deadline
// handling (errors.As(err, &net.Error) + Timeout()) treats a channel
// read deadline the same as a real socket's.
type timeoutError struct{}

func (timeoutError) Error() string   { return "tunnel: channel read deadline exceeded" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

var _ net.Error = timeoutError{}

// Channel is a demultiplexed, in-memory byte stream carried inside one
// tunnel's TLS connection, the Go stand-in for TunnelCommChannel's
// ring buffer plus condition variable. It satisfies session.Transport
// so a tunnel-hosted session or TCP-proxy pairing can use it exactly
// like a real net.Conn.
type Channel struct {
	id uint32
	t  *Tunnel

	mu     sync.Mutex
	buf    []byte
	closed bool
	notify chan struct{}
	rd     time.Time
}

func newChannel(id uint32, t *Tunnel) *Channel {
	return &Channel{id: id, t: t, notify: make(chan struct{})}
}

// ID is the channel identifier carried in CMD_CHANNEL_DATA/CMD_CLOSE_CHANNEL frames.
func (c *Channel) ID() uint32 { return c.id }

// feed appends bytes arriving from CMD_CHANNEL_DATA and wakes any
// blocked reader.
func (c *Channel) feed(p []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.buf = append(c.buf, p...)
	close(c.notify)
	c.notify = make(chan struct{})
}

func (c *Channel) Read(p []byte) (int, error) {
	for {
		c.mu.Lock()
		if len(c.buf) > 0 {
			n := copy(p, c.buf)
			c.buf = c.buf[n:]
			c.mu.Unlock()
			return n, nil
		}
		if c.closed {
			c.mu.Unlock()
			return 0, net.ErrClosed
		}
		deadline := c.rd
		ch := c.notify
		c.mu.Unlock()

		if deadline.IsZero() {
			<-ch
			continue
		}
		d := time.Until(deadline)
		if d <= 0 {
			return 0, timeoutError{}
		}
		timer := time.NewTimer(d)
		select {
		case <-ch:
			timer.Stop()
		case <-timer.C:
			return 0, timeoutError{}
		}
	}
}

// Write hands p to the tunnel as one CMD_CHANNEL_DATA frame, the
// outbound half of the channel.
func (c *Channel) Write(p []byte) (int, error) {
	if err := c.t.sendChannelData(c.id, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *Channel) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.rd = t
	c.mu.Unlock()
	return nil
}

// Close is idempotent (§4.2 "close is idempotent and propagates a
// close-channel message back") and unregisters the channel from its
// owning tunnel.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.notify)
	c.mu.Unlock()

	c.t.closeChannel(c.id, true)
	return nil
}

// closeLocal marks the channel closed without sending a close-channel
// frame back, used when the close was requested by the peer.
func (c *Channel) closeLocal() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.notify)
	c.mu.Unlock()
}
