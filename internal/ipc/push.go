// Package ipc implements the daemon's local control-plane surface
// (§6 "Local IPC"): a Unix-socket push endpoint for out-of-band
// {name, value} injection, a session-agent endpoint for the
// user-session companion process, a master-agent endpoint subagent
// helpers use to query this daemon's registry, and a small
// gorilla/mux HTTP surface for status/metrics. Grounded on
// original_source/src/agent/core/push.cpp, sa.cpp and master.cpp —
// each an OS named-pipe/AF_UNIX listener in the original, collapsed
// here onto the same length-framed wire.Message protocol the TCP
// session layer already speaks.
package ipc

import (
	"bufio"
	"context"
	"net"
	"os"

	"go.uber.org/zap"

	"github.com/fluxmon/agentd/internal/wire"
)

// ListenUnix binds a Unix-domain socket at path, removing any stale
// socket file left behind by a prior, uncleanly-terminated run.
func ListenUnix(path string) (net.Listener, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	os.Chmod(path, 0o660)
	return ln, nil
}

// PushBroadcaster is the narrow capability the push endpoint needs:
// relay one pushed {name, value} pair to every session currently
// accepting traps. Matched by *session.Manager.
type PushBroadcaster interface {
	BroadcastPush(name, value string) int
}

// PushListener implements push.cpp's PushConnector/ProcessPushRequest:
// a long-lived Unix socket accepting one or more framed
// CMD_PUSH_DCI_DATA messages per connection, each carrying a batch of
// {name, value} pairs to relay.
type PushListener struct {
	broadcaster PushBroadcaster
	log         *zap.Logger
}

// NewPushListener builds a PushListener relaying through broadcaster.
func NewPushListener(broadcaster PushBroadcaster, log *zap.Logger) *PushListener {
	if log == nil {
		log = zap.NewNop()
	}
	return &PushListener{broadcaster: broadcaster, log: log}
}

// Serve accepts on ln until ctx is cancelled.
func (p *PushListener) Serve(ctx context.Context, ln net.Listener) {
	serve(ctx, ln, p.log, p.handleConn)
}

func (p *PushListener) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	p.log.Debug("push connection established")

	r := bufio.NewReader(conn)
	for {
		if ctx.Err() != nil {
			return
		}
		msg, err := wire.ReadMessage(r)
		if err != nil {
			p.log.Debug("push connection closed", zap.Error(err))
			return
		}
		if msg.Code != wire.CmdPushDCIData {
			continue
		}
		p.processBatch(msg)
	}
}

func (p *PushListener) processBatch(msg *wire.Message) {
	count := msg.GetInt32(wire.VIDNumItems)
	base := wire.VIDPushItemBase
	for i := int32(0); i < count; i++ {
		name := msg.GetString(base + wire.FieldID(2*i))
		value := msg.GetString(base + wire.FieldID(2*i+1))
		p.log.Debug("push: relaying item", zap.String("name", name))
		p.broadcaster.BroadcastPush(name, value)
	}
}
