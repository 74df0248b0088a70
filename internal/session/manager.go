package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fluxmon/agentd/internal/agentlog"
	"github.com/fluxmon/agentd/internal/datacollection"
	"github.com/fluxmon/agentd/internal/metrics"
	"github.com/fluxmon/agentd/internal/store"
	"github.com/fluxmon/agentd/internal/trapsyslog"
	"github.com/fluxmon/agentd/internal/wire"
)

// ErrSessionCapReached is the soft rejection the spec's §3 Session
// invariant calls for once max_sessions live sessions are registered.
var ErrSessionCapReached = errors.New("session: max_sessions reached")

// Manager is the process-wide session list (§5 "shared container
// guarded by one mutex"): admits new sessions under the cap, drives
// the idle-timeout watchdog, and implements the narrow interfaces
// internal/datacollection and internal/trapsyslog need to reach a live
// session without importing this package's construction surface.
type Manager struct {
	mu          sync.RWMutex
	sessions    map[uint64]*Session
	maxSessions int

	nextID    atomic.Uint64
	nextReqID atomic.Uint32

	metrics *metrics.Registry
	log     *zap.Logger
}

var _ datacollection.DeliverySink = (*Manager)(nil)
var _ trapsyslog.Broadcaster = (*Manager)(nil)

func NewManager(maxSessions int, m *metrics.Registry) *Manager {
	return &Manager{
		sessions:    make(map[uint64]*Session),
		maxSessions: maxSessions,
		metrics:     m,
		log:         agentlog.For("session.manager"),
	}
}

// NextSessionID returns a fresh process-local session id.
func (mgr *Manager) NextSessionID() uint64 { return mgr.nextID.Add(1) }

// Register admits s, enforcing §3's "at most max_sessions live
// sessions" invariant.
func (mgr *Manager) Register(s *Session) error {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	if len(mgr.sessions) >= mgr.maxSessions {
		return ErrSessionCapReached
	}
	mgr.sessions[s.ID] = s
	if mgr.metrics != nil {
		mgr.metrics.LiveSessions.Set(float64(len(mgr.sessions)))
	}
	return nil
}

// Unregister drops s from the live set, called once the session
// transitions to CLOSED.
func (mgr *Manager) Unregister(s *Session) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	delete(mgr.sessions, s.ID)
	if mgr.metrics != nil {
		mgr.metrics.LiveSessions.Set(float64(len(mgr.sessions)))
	}
}

// Count reports the number of currently registered sessions.
func (mgr *Manager) Count() int {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()
	return len(mgr.sessions)
}

func (mgr *Manager) snapshot() []*Session {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()
	out := make([]*Session, 0, len(mgr.sessions))
	for _, s := range mgr.sessions {
		out = append(out, s)
	}
	return out
}

// RunWatchdog moves any READY session idle for longer than
// idleTimeout into DRAINING, polling every tick until ctx is
// cancelled (§4.1 "The watchdog moves a READY session to DRAINING if
// now - last_activity > idle_timeout").
func (mgr *Manager) RunWatchdog(ctx context.Context, idleTimeout, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, s := range mgr.snapshot() {
				if s.State() == StateReady && s.IdleFor() > idleTimeout {
					mgr.log.Info("idle session watchdog closing session", zap.Uint64("session_id", s.ID))
					s.transitionDraining()
				}
			}
		}
	}
}

func (mgr *Manager) sessionForServer(serverID uint64) *Session {
	for _, s := range mgr.snapshot() {
		if s.ServerID == serverID && s.CanAcceptData && s.State() == StateReady {
			return s
		}
	}
	return nil
}

// SendDirect implements datacollection.DeliverySink: an immediate,
// unacknowledged push through any eligible live session, fire-and-
// forget like the original's direct DCI_DATA path.
func (mgr *Manager) SendDirect(ctx context.Context, e *store.DataElement) bool {
	s := mgr.sessionForServer(e.ServerID)
	if s == nil {
		return false
	}
	msg := dataElementMessage(e, mgr.nextReqID.Add(1))
	return s.Send(msg) == nil
}

// CanReconcile implements datacollection.DeliverySink.
func (mgr *Manager) CanReconcile(serverID uint64) bool {
	return mgr.sessionForServer(serverID) != nil
}

// SendBulk implements datacollection.DeliverySink: one bulk frame
// carrying every scalar element, awaiting the server's per-index
// retry mask (§4.3 step 3).
func (mgr *Manager) SendBulk(ctx context.Context, serverID uint64, elements []*store.DataElement) ([]bool, bool, error) {
	s := mgr.sessionForServer(serverID)
	if s == nil {
		return nil, false, errors.New("session: no eligible session for bulk reconciliation")
	}

	reqID := mgr.nextReqID.Add(1)
	msg := wire.NewMessage(wire.CmdDCIData, reqID)
	msg.SetInt32(wire.VIDBulkFlag, 1)
	msg.SetInt32(wire.VIDNumElements, int32(len(elements)))
	for i, e := range elements {
		buf, err := json.Marshal(e)
		if err != nil {
			return nil, false, err
		}
		msg.SetString(wire.VIDElementBase+wire.FieldID(i), string(buf))
	}
	if err := s.Send(msg); err != nil {
		return nil, false, err
	}

	reply, err := s.WaitFor(ctx, wire.Key{Code: wire.CmdRequestCompleted, ID: reqID})
	if err != nil {
		return nil, false, err
	}
	if reply.GetInt32(wire.VIDBusy) != 0 {
		return nil, true, nil
	}

	// A missing mask byte means "ACK", per §9's Open Question
	// decision: the bulk reply may be shorter than the batch sent.
	retry := make([]bool, len(elements))
	for i := range elements {
		if f, ok := reply.Field(wire.VIDRetryMaskBase + wire.FieldID(i)); ok {
			retry[i] = f.Int != 0
		}
	}
	return retry, false, nil
}

// SendTable implements datacollection.DeliverySink: tables are not
// bulk-able (§4.3), so one table element travels alone and still
// awaits an ack/busy reply.
func (mgr *Manager) SendTable(ctx context.Context, e *store.DataElement) (bool, bool, error) {
	s := mgr.sessionForServer(e.ServerID)
	if s == nil {
		return false, false, errors.New("session: no eligible session for table delivery")
	}

	reqID := mgr.nextReqID.Add(1)
	msg := dataElementMessage(e, reqID)
	if err := s.Send(msg); err != nil {
		return false, false, err
	}

	reply, err := s.WaitFor(ctx, wire.Key{Code: wire.CmdRequestCompleted, ID: reqID})
	if err != nil {
		return false, false, err
	}
	if reply.GetInt32(wire.VIDBusy) != 0 {
		return false, true, nil
	}
	return wire.ResultCode(reply.GetInt32(wire.VIDRCC)) == wire.RCSuccess, false, nil
}

// BroadcastNotification implements trapsyslog.Broadcaster: push one
// trap/syslog notification to every live session that accepted traps
// for the notification's zone.
func (mgr *Manager) BroadcastNotification(n *trapsyslog.Notification) int {
	delivered := 0
	for _, s := range mgr.snapshot() {
		if s.State() != StateReady || !s.AcceptsTraps {
			continue
		}
		if s.ZoneUIN != 0 && n.ZoneUIN != 0 && s.ZoneUIN != n.ZoneUIN {
			continue
		}
		msg := notificationMessage(n)
		if s.Send(msg) == nil {
			delivered++
		}
	}
	return delivered
}

// BroadcastPush relays one {name, value} pair pushed through the
// local push IPC endpoint to every live session accepting traps,
// mirroring push.cpp's PushData loop over g_pSessionList.
func (mgr *Manager) BroadcastPush(name, value string) int {
	delivered := 0
	msg := wire.NewMessage(wire.CmdPushDCIData, mgr.nextReqID.Add(1))
	msg.SetString(wire.VIDName, name)
	msg.SetString(wire.VIDValue, value)
	for _, s := range mgr.snapshot() {
		if s.State() != StateReady || !s.AcceptsTraps {
			continue
		}
		if s.Send(msg) == nil {
			delivered++
		}
	}
	return delivered
}

func dataElementMessage(e *store.DataElement, reqID uint32) *wire.Message {
	msg := wire.NewMessage(wire.CmdDCIData, reqID)
	msg.SetInt64(wire.VIDServerID, int64(e.ServerID))
	msg.SetInt64(wire.VIDDCIID, int64(e.DCIID))
	msg.SetInt64(wire.VIDTimestampMs, e.TimestampMs)
	msg.SetInt32(wire.VIDStatus, int32(e.Status))
	if e.Type == store.ItemTypeTable {
		msg.SetTable(wire.VIDValue, &wire.Table{Columns: e.TableColumns, Rows: e.TableRows})
	} else {
		msg.SetString(wire.VIDValue, e.ScalarValue)
	}
	return msg
}

func notificationMessage(n *trapsyslog.Notification) *wire.Message {
	code := wire.CmdSNMPTrap
	if n.Kind == trapsyslog.KindSyslog {
		code = wire.CmdSyslogRecords
	}
	msg := wire.NewMessage(code, uint32(n.RequestID))
	msg.SetInt32(wire.VIDZoneUIN, int32(n.ZoneUIN))
	msg.Flags |= wire.FlagBinary
	if n.Kind == trapsyslog.KindTrap {
		msg.SetBinary(wire.VIDContent, n.PDU)
	} else {
		msg.SetBinary(wire.VIDContent, n.Message)
	}
	return msg
}
