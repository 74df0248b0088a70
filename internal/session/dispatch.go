package session

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/fluxmon/agentd/internal/agentlog"
	"github.com/fluxmon/agentd/internal/datacollection"
	"github.com/fluxmon/agentd/internal/filewatch"
	"github.com/fluxmon/agentd/internal/policy"
	"github.com/fluxmon/agentd/internal/registry"
	"github.com/fluxmon/agentd/internal/snmpproxy"
	"github.com/fluxmon/agentd/internal/store"
	"github.com/fluxmon/agentd/internal/tcpproxy"
	"github.com/fluxmon/agentd/internal/trapsyslog"
	"github.com/fluxmon/agentd/internal/wire"
)

// uploadFilePerm is the mode new files are created with by
// handleUploadFile, matching DownloadFileInfo::open's
// O_CREAT|S_IRUSR|S_IWUSR (owner read/write only).
const uploadFilePerm = 0o600

// ConfigPushHandler is the minimal slice of
// datacollection.ConfigPushHandler the CONFIGURE_DATA_COLLECTION
// handler needs, kept narrow to avoid session importing the whole
// pipeline's construction surface.
type ConfigPushHandler interface {
	Apply(snap *datacollection.ConfigSnapshot) error
}

// Dispatcher maps wire command codes to handlers and holds every
// subsystem a handler may need to consult. One Dispatcher is shared by
// every Session in the process, mirroring the original's process-wide
// g_registry/g_dataCollectorQueue singletons threaded explicitly here
// instead of as globals (§9 "Global mutable state").
type Dispatcher struct {
	registry    *registry.Registry
	policy      *policy.Manager
	fileMonitor *filewatch.Monitor
	snmpProxy   *snmpproxy.Proxy
	configPush  ConfigPushHandler
	trapQueue   *trapsyslog.Queue
	log         *zap.Logger
}

// NewDispatcher wires every subsystem a request handler can reach.
// Any argument may be nil; the corresponding commands then reply
// RCNotImplemented instead of panicking, so a partially-configured
// daemon (e.g. no data-collection pipeline without a local DB, §4.7)
// still answers every other request.
func NewDispatcher(reg *registry.Registry, pol *policy.Manager, fm *filewatch.Monitor, snmp *snmpproxy.Proxy, cfg ConfigPushHandler, traps *trapsyslog.Queue) *Dispatcher {
	return &Dispatcher{
		registry:    reg,
		policy:      pol,
		fileMonitor: fm,
		snmpProxy:   snmp,
		configPush:  cfg,
		trapQueue:   traps,
		log:         agentlog.For("session.dispatch"),
	}
}

// Dispatch runs the handler for msg.Code and sends its reply (or
// replies) through s. It never returns a value: streamed handlers
// (file monitor, bulk table replies) send more than one frame.
func (d *Dispatcher) Dispatch(ctx context.Context, s *Session, msg *wire.Message) {
	switch msg.Code {
	case wire.CmdKeepAlive:
		d.replyRCC(s, msg, wire.RCSuccess)
	case wire.CmdGetParameter:
		d.handleGetParameter(ctx, s, msg)
	case wire.CmdGetList:
		d.handleGetList(ctx, s, msg)
	case wire.CmdGetTable:
		d.handleGetTable(ctx, s, msg)
	case wire.CmdAction:
		d.handleAction(ctx, s, msg)
	case wire.CmdCancelFileMonitoring:
		d.handleCancelFileMonitoring(s, msg)
	case wire.CmdDeployPolicy:
		d.handleDeployPolicy(s, msg)
	case wire.CmdUninstallPolicy:
		d.handleUninstallPolicy(s, msg)
	case wire.CmdGetPolicyInventory:
		d.handleGetPolicyInventory(s, msg)
	case wire.CmdExecuteAITool:
		d.handleExecuteAITool(ctx, s, msg)
	case wire.CmdGetAIToolSchema:
		d.handleGetAIToolSchema(s, msg)
	case wire.CmdConfigureDataColl:
		d.handleConfigureDataCollection(s, msg)
	case wire.CmdSNMPRequest:
		d.handleSNMPRequest(ctx, s, msg)
	case wire.CmdSNMPTrap:
		d.handleSNMPTrap(s, msg)
	case wire.CmdSyslogRecords:
		d.handleSyslogRecords(s, msg)
	case wire.CmdSetupProxyConnection:
		d.handleSetupProxyConnection(ctx, s, msg)
	case wire.CmdGetFile:
		d.handleGetFile(s, msg)
	case wire.CmdUploadFile:
		d.handleUploadFile(s, msg)
	case wire.CmdTCPProxyData:
		d.handleTCPProxyData(s, msg)
	case wire.CmdCloseTCPProxy:
		d.handleCloseTCPProxy(s, msg)
	case wire.CmdInstallPackage:
		d.replyRCC(s, msg, wire.RCNotImplemented)
	default:
		d.replyRCC(s, msg, wire.RCUnknownCommand)
	}
}

func (d *Dispatcher) replyRCC(s *Session, req *wire.Message, rc wire.ResultCode) {
	reply := wire.NewMessage(wire.CmdRequestCompleted, req.ID)
	reply.SetInt32(wire.VIDRCC, int32(rc))
	s.Send(reply)
}

func (d *Dispatcher) requestContext(s *Session) registry.RequestContext {
	return registry.RequestContext{SessionID: s.ID, Virtual: s.Origin == OriginVirtual}
}

func (d *Dispatcher) handleGetParameter(ctx context.Context, s *Session, msg *wire.Message) {
	if d.registry == nil {
		d.replyRCC(s, msg, wire.RCNotImplemented)
		return
	}
	name := msg.GetString(wire.VIDName)
	arg := msg.GetString(wire.VIDArg)
	value, rc := d.registry.GetScalar(ctx, name, arg, d.requestContext(s))
	reply := wire.NewMessage(wire.CmdRequestCompleted, msg.ID)
	reply.SetInt32(wire.VIDRCC, int32(rc))
	if rc == wire.RCSuccess {
		reply.SetString(wire.VIDValue, value)
	}
	s.Send(reply)
}

func (d *Dispatcher) handleGetList(ctx context.Context, s *Session, msg *wire.Message) {
	if d.registry == nil {
		d.replyRCC(s, msg, wire.RCNotImplemented)
		return
	}
	name := msg.GetString(wire.VIDName)
	arg := msg.GetString(wire.VIDArg)
	values, rc := d.registry.GetList(ctx, name, arg, d.requestContext(s))
	reply := wire.NewMessage(wire.CmdRequestCompleted, msg.ID)
	reply.SetInt32(wire.VIDRCC, int32(rc))
	if rc == wire.RCSuccess {
		reply.SetStringList(wire.VIDNumArgs, wire.VIDArgBase, values)
	}
	s.Send(reply)
}

func (d *Dispatcher) handleGetTable(ctx context.Context, s *Session, msg *wire.Message) {
	if d.registry == nil {
		d.replyRCC(s, msg, wire.RCNotImplemented)
		return
	}
	name := msg.GetString(wire.VIDName)
	arg := msg.GetString(wire.VIDArg)
	table, rc := d.registry.GetTable(ctx, name, arg, d.requestContext(s))
	reply := wire.NewMessage(wire.CmdRequestCompleted, msg.ID)
	reply.SetInt32(wire.VIDRCC, int32(rc))
	if rc == wire.RCSuccess {
		reply.SetTable(wire.VIDValue, table)
	}
	s.Send(reply)
}

func (d *Dispatcher) handleAction(ctx context.Context, s *Session, msg *wire.Message) {
	if d.registry == nil {
		d.replyRCC(s, msg, wire.RCNotImplemented)
		return
	}
	name := msg.GetString(wire.VIDName)
	args := msg.GetStringList(wire.VIDNumArgs, wire.VIDArgBase)
	out, rc := d.registry.Actions().Execute(ctx, name, args, d.requestContext(s))
	reply := wire.NewMessage(wire.CmdRequestCompleted, msg.ID)
	reply.SetInt32(wire.VIDRCC, int32(rc))
	if rc == wire.RCSuccess {
		reply.SetString(wire.VIDValue, out)
	}
	s.Send(reply)
}

func (d *Dispatcher) handleCancelFileMonitoring(s *Session, msg *wire.Message) {
	if d.fileMonitor == nil {
		d.replyRCC(s, msg, wire.RCNotImplemented)
		return
	}
	path := msg.GetString(wire.VIDPath)
	requestID := uint32(msg.GetInt32(wire.VIDRequestID))
	rc := wire.RCSuccess
	if err := d.fileMonitor.Cancel(path, requestID); err != nil {
		rc = wire.RCUnknownInstance
	} else {
		s.unregisterMonitor(requestID)
	}
	d.replyRCC(s, msg, rc)
}

// handleGetFile implements §4.1/§6's file-download request: read the
// requested file once in full, reply with its content, then start
// follow-mode monitoring under the request's correlation id so
// appended lines keep streaming back as CmdGetFile continuation
// frames via Session.NotifyFileUpdate — the same "tail from the
// current point" behavior filewatch.Monitor.Subscribe documents,
// grounded on dfile_info.cpp/SendFileUpdatesOverNXCP's read-then-follow
// split.
func (d *Dispatcher) handleGetFile(s *Session, msg *wire.Message) {
	path := msg.GetString(wire.VIDPath)
	content, err := os.ReadFile(path)
	if err != nil {
		d.replyRCC(s, msg, wire.RCIOFailure)
		return
	}

	reply := wire.NewMessage(wire.CmdRequestCompleted, msg.ID)
	reply.SetInt32(wire.VIDRCC, int32(wire.RCSuccess))
	reply.Flags |= wire.FlagBinary
	reply.SetBinary(wire.VIDContent, content)
	s.Send(reply)

	if d.fileMonitor == nil {
		return
	}
	if err := d.fileMonitor.Subscribe(path, msg.ID, s); err != nil {
		d.log.Warn("failed to start file follow", zap.String("path", path), zap.Error(err))
		return
	}
	s.registerMonitor(msg.ID)
}

// handleUploadFile implements §4.1/§6's file-upload request: write the
// carried content to path, truncating and creating as needed, matching
// DownloadFileInfo::open/write/close's O_CREAT|O_TRUNC|O_WRONLY
// semantics (the original names this from the server's point of view:
// the server uploads, the agent writes to local disk).
func (d *Dispatcher) handleUploadFile(s *Session, msg *wire.Message) {
	path := msg.GetString(wire.VIDPath)
	content := msg.GetBinary(wire.VIDContent)
	if err := os.WriteFile(path, content, uploadFilePerm); err != nil {
		d.replyRCC(s, msg, wire.RCIOFailure)
		return
	}
	d.replyRCC(s, msg, wire.RCSuccess)
}

func (d *Dispatcher) handleDeployPolicy(s *Session, msg *wire.Message) {
	if d.policy == nil {
		d.replyRCC(s, msg, wire.RCNotImplemented)
		return
	}
	guid := msg.GetString(wire.VIDGUID)
	policyType := store.PolicyType(msg.GetInt32(wire.VIDPolicyType))
	version := int(msg.GetInt32(wire.VIDVersion))
	content := msg.GetBinary(wire.VIDContent)
	_, err := d.policy.Deploy(guid, policyType, version, content)
	if err != nil {
		d.replyRCC(s, msg, wire.RCIOFailure)
		return
	}
	d.replyRCC(s, msg, wire.RCSuccess)
}

func (d *Dispatcher) handleUninstallPolicy(s *Session, msg *wire.Message) {
	if d.policy == nil {
		d.replyRCC(s, msg, wire.RCNotImplemented)
		return
	}
	guid := msg.GetString(wire.VIDGUID)
	if err := d.policy.Uninstall(guid); err != nil {
		if err == policy.ErrNotFound {
			d.replyRCC(s, msg, wire.RCUnknownInstance)
			return
		}
		d.replyRCC(s, msg, wire.RCIOFailure)
		return
	}
	d.replyRCC(s, msg, wire.RCSuccess)
}

func (d *Dispatcher) handleGetPolicyInventory(s *Session, msg *wire.Message) {
	if d.policy == nil {
		d.replyRCC(s, msg, wire.RCNotImplemented)
		return
	}
	policies, err := d.policy.Inventory()
	if err != nil {
		d.replyRCC(s, msg, wire.RCIOFailure)
		return
	}
	reply := wire.NewMessage(wire.CmdRequestCompleted, msg.ID)
	reply.SetInt32(wire.VIDRCC, int32(wire.RCSuccess))
	reply.SetInt32(wire.VIDNumPolicies, int32(len(policies)))
	for i, p := range policies {
		base := wire.VIDPolicyBase + wire.FieldID(4*i)
		reply.SetString(base, p.GUID)
		reply.SetInt32(base+1, int32(p.Type))
		reply.SetInt32(base+2, int32(p.Version))
		reply.SetString(base+3, p.Path)
	}
	s.Send(reply)
}

func (d *Dispatcher) handleExecuteAITool(ctx context.Context, s *Session, msg *wire.Message) {
	if d.registry == nil {
		d.replyRCC(s, msg, wire.RCNotImplemented)
		return
	}
	name := msg.GetString(wire.VIDName)
	argsJSON := msg.GetBinary(wire.VIDContent)
	out, rc := d.registry.AITools().Execute(ctx, name, argsJSON, d.requestContext(s))
	reply := wire.NewMessage(wire.CmdRequestCompleted, msg.ID)
	reply.SetInt32(wire.VIDRCC, int32(rc))
	reply.SetBinary(wire.VIDContent, out)
	s.Send(reply)
}

func (d *Dispatcher) handleGetAIToolSchema(s *Session, msg *wire.Message) {
	if d.registry == nil {
		d.replyRCC(s, msg, wire.RCNotImplemented)
		return
	}
	schema, err := d.registry.AITools().GenerateSchema()
	if err != nil {
		d.replyRCC(s, msg, wire.RCInternalError)
		return
	}
	reply := wire.NewMessage(wire.CmdRequestCompleted, msg.ID)
	reply.SetInt32(wire.VIDRCC, int32(wire.RCSuccess))
	reply.SetBinary(wire.VIDContent, schema)
	s.Send(reply)
}

// handleConfigureDataCollection decodes one JSON-encoded
// ConfigSnapshot carried in VIDContent. The original negotiates this
// as a nested PDU of sub-objects (targets/proxies/zone/items); our
// flat wire.Field model has no object nesting beyond Table, so the
// whole snapshot travels as one opaque JSON document instead — the
// same "one binary field, structured payload" idiom the wire format
// already uses for NXCP PDU passthrough and TCP-proxy data.
func (d *Dispatcher) handleConfigureDataCollection(s *Session, msg *wire.Message) {
	if d.configPush == nil {
		d.replyRCC(s, msg, wire.RCNotImplemented)
		return
	}
	var snap datacollection.ConfigSnapshot
	if err := json.Unmarshal(msg.GetBinary(wire.VIDContent), &snap); err != nil {
		d.replyRCC(s, msg, wire.RCMalformedCommand)
		return
	}
	if err := d.configPush.Apply(&snap); err != nil {
		d.replyRCC(s, msg, wire.RCInternalError)
		return
	}
	d.replyRCC(s, msg, wire.RCSuccess)
}

func (d *Dispatcher) handleSNMPRequest(ctx context.Context, s *Session, msg *wire.Message) {
	if d.snmpProxy == nil {
		d.replyRCC(s, msg, wire.RCNotImplemented)
		return
	}
	req := &snmpproxy.Request{
		Address: msg.GetString(wire.VIDTargetAddr),
		Port:    uint16(msg.GetInt32(wire.VIDTargetPort)),
		PDU:     msg.GetBinary(wire.VIDContent),
		Timeout: time.Duration(msg.GetInt32(wire.VIDTimeoutMs)) * time.Millisecond,
	}
	id := msg.ID
	d.snmpProxy.Submit(ctx, req, func(res snmpproxy.Result) {
		reply := wire.NewMessage(wire.CmdRequestCompleted, id)
		if res.Err != nil {
			reply.SetInt32(wire.VIDRCC, int32(wire.RCRequestTimeout))
		} else {
			reply.SetInt32(wire.VIDRCC, int32(wire.RCSuccess))
			reply.Flags |= wire.FlagBinary
			reply.SetBinary(wire.VIDContent, res.PDU)
		}
		s.Send(reply)
	})
}

func (d *Dispatcher) handleSNMPTrap(s *Session, msg *wire.Message) {
	if d.trapQueue == nil {
		d.replyRCC(s, msg, wire.RCNotImplemented)
		return
	}
	d.trapQueue.Put(&trapsyslog.Notification{
		Kind:      trapsyslog.KindTrap,
		ZoneUIN:   uint32(msg.GetInt32(wire.VIDZoneUIN)),
		PDU:       msg.GetBinary(wire.VIDContent),
		Timestamp: time.Now(),
	})
	d.replyRCC(s, msg, wire.RCSuccess)
}

func (d *Dispatcher) handleSyslogRecords(s *Session, msg *wire.Message) {
	if d.trapQueue == nil {
		d.replyRCC(s, msg, wire.RCNotImplemented)
		return
	}
	d.trapQueue.Put(&trapsyslog.Notification{
		Kind:      trapsyslog.KindSyslog,
		ZoneUIN:   uint32(msg.GetInt32(wire.VIDZoneUIN)),
		RequestID: uint64(msg.GetInt32(wire.VIDRequestID)),
		Message:   msg.GetBinary(wire.VIDContent),
		Timestamp: time.Now(),
	})
	d.replyRCC(s, msg, wire.RCSuccess)
}

func (d *Dispatcher) handleSetupProxyConnection(ctx context.Context, s *Session, msg *wire.Message) {
	addr := msg.GetString(wire.VIDTargetAddr)
	port := msg.GetInt32(wire.VIDTargetPort)
	dialer := net.Dialer{Timeout: 10 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(addr, portString(port)))
	if err != nil {
		d.replyRCC(s, msg, wire.RCConnectionBroken)
		return
	}

	channelID := uint32(msg.GetInt32(wire.VIDChannelID))
	ch := tcpproxy.New(conn, channelID, func(id uint32, data []byte) {
		frame := wire.NewMessage(wire.CmdTCPProxyData, 0)
		frame.Flags |= wire.FlagBinary
		frame.SetInt32(wire.VIDChannelID, int32(id))
		frame.SetBinary(wire.VIDContent, data)
		s.Send(frame)
	})
	s.registerChannel(ch)

	reply := wire.NewMessage(wire.CmdRequestCompleted, msg.ID)
	reply.SetInt32(wire.VIDRCC, int32(wire.RCSuccess))
	reply.SetInt32(wire.VIDChannelID, int32(ch.ID))
	s.Send(reply)

	go func() {
		readErr := ch.Pump(ctx)
		s.removeChannel(ch.ID)
		closeMsg := wire.NewMessage(wire.CmdCloseTCPProxy, 0)
		closeMsg.SetInt32(wire.VIDChannelID, int32(ch.ID))
		if readErr {
			closeMsg.SetInt32(wire.VIDRCC, int32(wire.RCIOFailure))
		} else {
			closeMsg.SetInt32(wire.VIDRCC, int32(wire.RCSuccess))
		}
		s.Send(closeMsg)
	}()
}

func (d *Dispatcher) handleTCPProxyData(s *Session, msg *wire.Message) {
	id := uint32(msg.GetInt32(wire.VIDChannelID))
	ch, ok := s.channel(id)
	if !ok {
		return
	}
	ch.Write(msg.GetBinary(wire.VIDContent))
}

func (d *Dispatcher) handleCloseTCPProxy(s *Session, msg *wire.Message) {
	id := uint32(msg.GetInt32(wire.VIDChannelID))
	if ch, ok := s.channel(id); ok {
		ch.Close()
		s.removeChannel(id)
	}
}
