// Package session implements the inbound and tunnel-hosted connection
// state machine of §4.1: a Session demultiplexes one conversation with
// a server into metric queries, actions, file transfers, file
// monitoring, configuration push, proxy requests, policy management
// and AI-tool invocation, all funneled through one dispatch table.
// Grounded on original_source/src/agent/core/session.cpp
// (CommSession::readThread/writeThread/processingThread and its
// STATE_* transitions) and comm.cpp (the accept loop / allowlist
// match). The original's three OS threads per session become, here, a
// reader goroutine decoding frames (readThread), one goroutine per
// dispatched request (processingThread), and outbound writes
// serialized by one mutex (the writer thread).
package session

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fluxmon/agentd/internal/agentlog"
	"github.com/fluxmon/agentd/internal/tcpproxy"
	"github.com/fluxmon/agentd/internal/waitqueue"
	"github.com/fluxmon/agentd/internal/wire"
)

// State is the session lifecycle state, §4.1's NEW -> AUTHENTICATING
// -> READY -> DRAINING -> CLOSED.
type State int32

const (
	StateNew State = iota
	StateAuthenticating
	StateReady
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateReady:
		return "READY"
	case StateDraining:
		return "DRAINING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Origin distinguishes how a Session came to exist, §3 Session.
type Origin int

const (
	OriginInbound Origin = iota
	OriginOutbound
	OriginVirtual
)

// ErrSessionClosed is returned by Send once a session has transitioned
// past DRAINING.
var ErrSessionClosed = errors.New("session: closed")

// Transport abstracts the byte-stream underneath a session so a
// tunnel-hosted virtual channel can stand in for a real net.Conn,
// replacing the original's AbstractCommSession/VirtualSession split
// (§9 "Deep inheritance") with a single small interface.
type Transport interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
}

// Session is the single demultiplexing point for one conversation with
// a server (§3).
type Session struct {
	ID       uint64
	ServerID uint64
	Origin   Origin

	RoleMaster     bool
	RoleControl    bool
	ReadOnly       bool
	CanAcceptData  bool
	AcceptsTraps   bool
	ZoneUIN        uint32
	AuthRequired   bool
	expectedSecret string

	conn Transport
	log  *zap.Logger

	state        atomic.Int32
	lastActivity atomic.Int64

	writerMu sync.Mutex
	wq       *waitqueue.Queue

	dispatcher *Dispatcher

	channelsMu sync.Mutex
	channels   map[uint32]*tcpproxy.Channel

	monitorReqsMu sync.Mutex
	monitorReqs   map[uint32]struct{}

	done chan struct{}
}

// Config carries the per-session construction parameters sourced from
// the matched allowlist entry (§4.1 "Admission").
type Config struct {
	ID             uint64
	ServerID       uint64
	Origin         Origin
	RoleMaster     bool
	RoleControl    bool
	ReadOnly       bool
	CanAcceptData  bool
	AcceptsTraps   bool
	ZoneUIN        uint32
	AuthRequired   bool
	ExpectedSecret string
}

// New builds a Session wrapping conn (a real socket for inbound
// sessions, a VirtualChannel for tunnel-hosted ones).
func New(conn Transport, cfg Config, dispatcher *Dispatcher) *Session {
	s := &Session{
		ID:             cfg.ID,
		ServerID:       cfg.ServerID,
		Origin:         cfg.Origin,
		RoleMaster:     cfg.RoleMaster,
		RoleControl:    cfg.RoleControl,
		ReadOnly:       cfg.ReadOnly,
		CanAcceptData:  cfg.CanAcceptData,
		AcceptsTraps:   cfg.AcceptsTraps,
		ZoneUIN:        cfg.ZoneUIN,
		AuthRequired:   cfg.AuthRequired,
		expectedSecret: cfg.ExpectedSecret,
		conn:           conn,
		log:            agentlog.For("session"),
		wq:             waitqueue.New(),
		dispatcher:     dispatcher,
		channels:       make(map[uint32]*tcpproxy.Channel),
		monitorReqs:    make(map[uint32]struct{}),
		done:           make(chan struct{}),
	}
	if cfg.AuthRequired {
		s.state.Store(int32(StateAuthenticating))
	} else {
		s.state.Store(int32(StateReady))
	}
	s.touch()
	return s
}

// State reports the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) { s.state.Store(int32(st)) }

func (s *Session) touch() { s.lastActivity.Store(time.Now().UnixNano()) }

// IdleFor reports how long it has been since the last observed
// activity on this session.
func (s *Session) IdleFor() time.Duration {
	last := time.Unix(0, s.lastActivity.Load())
	return time.Since(last)
}

// Run drives the session until the connection closes or ctx is
// cancelled: a reader loop decoding frames handed one at a time to the
// processing dispatch, mirroring readThread+processingThread.
func (s *Session) Run(ctx context.Context) {
	defer s.Close()
	r := bufio.NewReader(s.conn)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}

		s.conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		msg, err := wire.ReadMessage(r)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return
		}
		s.touch()

		if s.wq.Dispatch(msg) {
			continue
		}
		s.process(ctx, msg)
	}
}

func (s *Session) process(ctx context.Context, msg *wire.Message) {
	if msg.Code == wire.CmdResetTunnel {
		s.transitionDraining()
		return
	}

	if s.State() == StateAuthenticating {
		if msg.Code != wire.CmdAuthenticate {
			s.replyRCC(msg, wire.RCAuthenticationFailed)
			return
		}
		if msg.GetString(wire.VIDSecret) != s.expectedSecret {
			s.replyRCC(msg, wire.RCAuthenticationFailed)
			s.transitionDraining()
			return
		}
		s.setState(StateReady)
		s.replyRCC(msg, wire.RCSuccess)
		return
	}

	// Each request is dispatched on its own goroutine so a slow
	// handler (SNMP round trip, action exec, file transfer) never
	// blocks the reader loop from decoding the next frame, mirroring
	// the original's separate processingThread per session.
	go s.dispatcher.Dispatch(ctx, s, msg)
}

func (s *Session) replyRCC(req *wire.Message, rc wire.ResultCode) {
	reply := wire.NewMessage(wire.CmdRequestCompleted, req.ID)
	reply.SetInt32(wire.VIDRCC, int32(rc))
	s.Send(reply)
}

// Send writes one frame, serialized by the writer mutex — the
// replacement for the original's dedicated writer thread plus mutex.
func (s *Session) Send(m *wire.Message) error {
	if s.State() == StateClosed {
		return ErrSessionClosed
	}
	buf, err := wire.Encode(m)
	if err != nil {
		return err
	}
	s.writerMu.Lock()
	defer s.writerMu.Unlock()
	_, err = s.conn.Write(buf)
	return err
}

// WaitFor blocks for a correlated reply, used by handlers that need a
// round trip on the same connection (e.g. bulk reconciliation ACK).
func (s *Session) WaitFor(ctx context.Context, key wire.Key) (*wire.Message, error) {
	return s.wq.WaitFor(ctx, key)
}

// transitionDraining marks the session DRAINING and closes it at once.
// It does not wait for sends already in progress; closing the
// transport makes such a send fail.
func (s *Session) transitionDraining() {
	if s.State() == StateDraining || s.State() == StateClosed {
		return
	}
	s.setState(StateDraining)
	s.Close()
}

// Close tears down the transport and every owned resource exactly
// once: TCP-proxy channels and file-monitor subscriptions are the
// per-session resources the original's CommSession destructor frees.
func (s *Session) Close() {
	select {
	case <-s.done:
		return
	default:
		close(s.done)
	}
	s.setState(StateClosed)
	s.wq.Shutdown()
	s.conn.Close()

	s.channelsMu.Lock()
	for _, ch := range s.channels {
		ch.Close()
	}
	s.channelsMu.Unlock()

	if s.dispatcher != nil && s.dispatcher.fileMonitor != nil {
		s.dispatcher.fileMonitor.CancelAll(s)
	}
}

// NotifyFileUpdate implements filewatch.Subscriber: forward one tailed
// line as a CmdGetFile continuation frame correlated by requestID.
func (s *Session) NotifyFileUpdate(requestID uint32, line []byte) {
	m := wire.NewMessage(wire.CmdGetFile, requestID)
	m.Flags |= wire.FlagBinary
	m.SetBinary(wire.VIDContent, line)
	s.Send(m)
}

// NotifyFileMonitorError implements filewatch.Subscriber: surface the
// failure in one final, end-of-sequence reply frame.
func (s *Session) NotifyFileMonitorError(requestID uint32, err error) {
	m := wire.NewMessage(wire.CmdGetFile, requestID)
	m.Flags |= wire.FlagEndOfSequence
	m.SetInt32(wire.VIDRCC, int32(wire.RCIOFailure))
	m.SetString(wire.VIDValue, err.Error())
	s.Send(m)
}

func (s *Session) registerMonitor(requestID uint32) {
	s.monitorReqsMu.Lock()
	s.monitorReqs[requestID] = struct{}{}
	s.monitorReqsMu.Unlock()
}

func (s *Session) unregisterMonitor(requestID uint32) {
	s.monitorReqsMu.Lock()
	delete(s.monitorReqs, requestID)
	s.monitorReqsMu.Unlock()
}

func (s *Session) registerChannel(ch *tcpproxy.Channel) {
	s.channelsMu.Lock()
	s.channels[ch.ID] = ch
	s.channelsMu.Unlock()
}

func (s *Session) channel(id uint32) (*tcpproxy.Channel, bool) {
	s.channelsMu.Lock()
	defer s.channelsMu.Unlock()
	ch, ok := s.channels[id]
	return ch, ok
}

func (s *Session) removeChannel(id uint32) {
	s.channelsMu.Lock()
	delete(s.channels, id)
	s.channelsMu.Unlock()
}
