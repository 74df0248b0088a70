package ipc

import (
	"bufio"
	"context"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/fluxmon/agentd/internal/wire"
)

// sessionAgentConnector is one connected user-session companion
// process, the Go analogue of sa.cpp's SessionAgentConnector.
type sessionAgentConnector struct {
	id        uint64
	conn      net.Conn
	sessionID uint32
	userName  string
	userAgent bool

	mu sync.Mutex
}

func (c *sessionAgentConnector) send(m *wire.Message) error {
	buf, err := wire.Encode(m)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err = c.conn.Write(buf)
	return err
}

// SessionAgentListener implements sa.cpp's session-agent connector:
// a Unix socket accepting one connection per user-session companion
// process, tracking registrations so that a user agent and a plain
// session agent never both stay registered for one OS session (a plain
// session agent in the same session is forced to shut down, and vice
// versa; two user agents are not checked against each other), grounded on
// RegisterSessionAgent/UnregisterSessionAgent.
type SessionAgentListener struct {
	log *zap.Logger

	nextID atomic.Uint64

	mu    sync.RWMutex
	conns map[uint64]*sessionAgentConnector
}

// NewSessionAgentListener builds an empty registry.
func NewSessionAgentListener(log *zap.Logger) *SessionAgentListener {
	if log == nil {
		log = zap.NewNop()
	}
	return &SessionAgentListener{log: log, conns: make(map[uint64]*sessionAgentConnector)}
}

// Serve accepts on ln until ctx is cancelled.
func (l *SessionAgentListener) Serve(ctx context.Context, ln net.Listener) {
	serve(ctx, ln, l.log, l.handleConn)
}

// Count reports the number of currently registered session agents.
func (l *SessionAgentListener) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.conns)
}

// Broadcast sends msg to every registered session agent, the user-
// agent-notification analogue of session.Manager.BroadcastNotification.
func (l *SessionAgentListener) Broadcast(msg *wire.Message) int {
	l.mu.RLock()
	conns := make([]*sessionAgentConnector, 0, len(l.conns))
	for _, c := range l.conns {
		conns = append(conns, c)
	}
	l.mu.RUnlock()

	delivered := 0
	for _, c := range conns {
		if c.send(msg) == nil {
			delivered++
		}
	}
	return delivered
}

func (l *SessionAgentListener) handleConn(ctx context.Context, conn net.Conn) {
	id := l.nextID.Add(1)
	c := &sessionAgentConnector{id: id, conn: conn}
	defer func() {
		conn.Close()
		l.unregister(id)
	}()

	r := bufio.NewReader(conn)
	for {
		if ctx.Err() != nil {
			return
		}
		msg, err := wire.ReadMessage(r)
		if err != nil {
			l.log.Debug("session agent disconnected", zap.Error(err))
			return
		}
		switch msg.Code {
		case wire.CmdRegisterSessionAgent:
			c.sessionID = uint32(msg.GetInt32(wire.VIDSessionID))
			c.userName = msg.GetString(wire.VIDUserName)
			c.userAgent = msg.GetInt32(wire.VIDUserAgentFlag) != 0
			l.register(c)
			reply := wire.NewMessage(wire.CmdRequestCompleted, msg.ID)
			reply.SetInt32(wire.VIDRCC, int32(wire.RCSuccess))
			c.send(reply)
		case wire.CmdKeepAlive:
			c.send(wire.NewMessage(wire.CmdKeepAlive, msg.ID))
		default:
			reply := wire.NewMessage(wire.CmdRequestCompleted, msg.ID)
			reply.SetInt32(wire.VIDRCC, int32(wire.RCUnknownCommand))
			c.send(reply)
		}
	}
}

// register implements RegisterSessionAgent: a user agent registering
// in a session forces any plain session agent already running there
// to shut down, and a plain session agent registering where a user
// agent already runs is itself told to shut down.
func (l *SessionAgentListener) register(c *sessionAgentConnector) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if c.userAgent {
		for _, other := range l.conns {
			if other.sessionID == c.sessionID && !other.userAgent {
				l.log.Debug("forcing shutdown of session agent superseded by user agent",
					zap.Uint32("session_id", c.sessionID))
				other.send(wire.NewMessage(wire.CmdShutdownSessionAgent, 0))
				other.conn.Close()
			}
		}
	} else {
		for _, other := range l.conns {
			if other.sessionID == c.sessionID && other.userAgent {
				l.log.Debug("session agent superseded by existing user agent, shutting down",
					zap.Uint32("session_id", c.sessionID))
				c.send(wire.NewMessage(wire.CmdShutdownSessionAgent, 0))
				c.conn.Close()
				return
			}
		}
	}

	l.conns[c.id] = c
}

func (l *SessionAgentListener) unregister(id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.conns, id)
}
