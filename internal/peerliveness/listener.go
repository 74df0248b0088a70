package peerliveness

import (
	"context"
	"net"

	"go.uber.org/zap"

	"github.com/fluxmon/agentd/internal/agentlog"
	"github.com/fluxmon/agentd/internal/store"
)

// ZoneByUINAndNode resolves the zone configuration that should answer
// an inbound probe: the receiving side must validate the signature,
// the stored this-node-id, the zone-uin, and that the sender appears
// in the local proxy list (§4.4).
type ZoneByUINAndNode interface {
	ZoneByServerAndNode(serverID uint64, thisNodeID uint32) (*store.ZoneConfiguration, bool)
	IsKnownProxy(serverID uint64, proxyID uint32, remoteAddr string) bool
}

// Listener answers inbound peer-liveness probes on ListenPort.
type Listener struct {
	zones ZoneByUINAndNode
	log   *zap.Logger
}

func NewListener(zones ZoneByUINAndNode) *Listener {
	return &Listener{zones: zones, log: agentlog.For("peerliveness.listener")}
}

// Run binds ListenPort and answers probes until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: ListenPort})
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, packetSize+16)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			return nil // closed by ctx cancellation
		}
		if n != packetSize {
			continue
		}
		req, err := Unmarshal(buf[:n])
		if err != nil {
			continue
		}
		l.handle(conn, from, req)
	}
}

func (l *Listener) handle(conn *net.UDPConn, from *net.UDPAddr, req Packet) {
	zone, ok := l.zones.ZoneByServerAndNode(req.ServerID, req.ProxyIDDest)
	if !ok {
		l.log.Debug("probe for unknown zone/node", zap.Uint64("server_id", req.ServerID))
		return
	}
	if !req.validSignature(zone.SharedSecret) {
		l.log.Debug("probe with invalid signature", zap.Stringer("from", from))
		return
	}
	if req.ZoneUIN != zone.ZoneUIN {
		return
	}
	if !l.zones.IsKnownProxy(req.ServerID, req.ProxyIDSelf, from.IP.String()) {
		l.log.Debug("probe from unrecognized proxy", zap.Stringer("from", from))
		return
	}

	resp := Reply(req, req.ProxyIDDest, zone.SharedSecret)
	conn.WriteToUDP(resp.Marshal(), from)
}
