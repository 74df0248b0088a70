package ipc

import (
	"bufio"
	"context"
	"net"

	"go.uber.org/zap"

	"github.com/fluxmon/agentd/internal/registry"
	"github.com/fluxmon/agentd/internal/wire"
)

// MasterAgentListener implements master.cpp's MasterAgentListener
// role reversed: here the core daemon is the server subagent helper
// processes connect to, answering CMD_GET_PARAMETER/CMD_GET_LIST/
// CMD_GET_TABLE and the three inventory commands
// (H_GetParameter/H_GetTable/H_GetList and
// GetParameterList/GetEnumList/GetTableList) directly against the
// shared registry, with no session/tunnel semantics attached.
type MasterAgentListener struct {
	reg *registry.Registry
	log *zap.Logger
}

// NewMasterAgentListener builds a listener answering queries from reg.
func NewMasterAgentListener(reg *registry.Registry, log *zap.Logger) *MasterAgentListener {
	if log == nil {
		log = zap.NewNop()
	}
	return &MasterAgentListener{reg: reg, log: log}
}

// Serve accepts on ln until ctx is cancelled.
func (m *MasterAgentListener) Serve(ctx context.Context, ln net.Listener) {
	serve(ctx, ln, m.log, m.handleConn)
}

func (m *MasterAgentListener) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	m.log.Debug("master agent connection established")

	r := bufio.NewReader(conn)
	for {
		if ctx.Err() != nil {
			return
		}
		msg, err := wire.ReadMessage(r)
		if err != nil {
			m.log.Debug("master agent connection closed", zap.Error(err))
			return
		}

		reply := wire.NewMessage(wire.CmdRequestCompleted, msg.ID)
		m.dispatch(ctx, msg, reply)

		buf, err := wire.Encode(reply)
		if err != nil {
			m.log.Warn("master agent: failed to encode reply", zap.Error(err))
			return
		}
		if _, err := conn.Write(buf); err != nil {
			return
		}
	}
}

func (m *MasterAgentListener) dispatch(ctx context.Context, msg, reply *wire.Message) {
	if m.reg == nil {
		reply.SetInt32(wire.VIDRCC, int32(wire.RCNotImplemented))
		return
	}

	rctx := registry.RequestContext{Virtual: true}
	switch msg.Code {
	case wire.CmdGetParameter:
		name := msg.GetString(wire.VIDName)
		arg := msg.GetString(wire.VIDArg)
		value, rc := m.reg.GetScalar(ctx, name, arg, rctx)
		reply.SetInt32(wire.VIDRCC, int32(rc))
		if rc == wire.RCSuccess {
			reply.SetString(wire.VIDValue, value)
		}
	case wire.CmdGetList:
		name := msg.GetString(wire.VIDName)
		arg := msg.GetString(wire.VIDArg)
		values, rc := m.reg.GetList(ctx, name, arg, rctx)
		reply.SetInt32(wire.VIDRCC, int32(rc))
		if rc == wire.RCSuccess {
			reply.SetStringList(wire.VIDNumArgs, wire.VIDArgBase, values)
		}
	case wire.CmdGetTable:
		name := msg.GetString(wire.VIDName)
		arg := msg.GetString(wire.VIDArg)
		table, rc := m.reg.GetTable(ctx, name, arg, rctx)
		reply.SetInt32(wire.VIDRCC, int32(rc))
		if rc == wire.RCSuccess {
			reply.SetTable(wire.VIDValue, table)
		}
	case wire.CmdGetParameterList:
		reply.SetInt32(wire.VIDRCC, int32(wire.RCSuccess))
		reply.SetStringList(wire.VIDNumArgs, wire.VIDArgBase, m.reg.ParameterNames())
	case wire.CmdGetEnumList:
		reply.SetInt32(wire.VIDRCC, int32(wire.RCSuccess))
		reply.SetStringList(wire.VIDNumArgs, wire.VIDArgBase, m.reg.ListNames())
	case wire.CmdGetTableList:
		reply.SetInt32(wire.VIDRCC, int32(wire.RCSuccess))
		reply.SetStringList(wire.VIDNumArgs, wire.VIDArgBase, m.reg.TableNames())
	default:
		reply.SetInt32(wire.VIDRCC, int32(wire.RCUnknownCommand))
	}
}
