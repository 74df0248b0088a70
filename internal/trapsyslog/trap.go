package trapsyslog

import (
	"context"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/fluxmon/agentd/internal/agentlog"
	"github.com/fluxmon/agentd/internal/metrics"
)

// maxTrapPDUSize bounds one read; SNMP trap PDUs are carried in a
// single UDP datagram, whose practical ceiling is the max UDP payload.
const maxTrapPDUSize = 65507

// TrapReceiver listens for raw SNMP trap datagrams and queues them
// undecoded (the original never parses the PDU on the agent side
// either; it forwards the raw bytes to the server).
type TrapReceiver struct {
	bindAddr string
	port     int
	zoneUIN  uint32
	queue    *Queue
	metrics  *metrics.Registry
	log      *zap.Logger
}

func NewTrapReceiver(bindAddr string, port int, zoneUIN uint32, queue *Queue, m *metrics.Registry) *TrapReceiver {
	return &TrapReceiver{
		bindAddr: normalizeBindAddr(bindAddr),
		port:     port,
		zoneUIN:  zoneUIN,
		queue:    queue,
		metrics:  m,
		log:      agentlog.For("trapsyslog.trap"),
	}
}

func normalizeBindAddr(addr string) string {
	if addr == "*" {
		return ""
	}
	return addr
}

// Run binds the configured address:port and forwards received trap
// datagrams into the notification queue until ctx is cancelled.
func (r *TrapReceiver) Run(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(r.bindAddr, strconv.Itoa(r.port)))
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return err
	}
	r.log.Info("snmp trap receiver listening", zap.String("addr", conn.LocalAddr().String()))

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, maxTrapPDUSize)
	for {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			time.Sleep(100 * time.Millisecond)
			continue
		}
		if n == 0 {
			continue
		}
		pdu := make([]byte, n)
		copy(pdu, buf[:n])

		if r.metrics != nil {
			r.metrics.SNMPTrapsReceived.Inc()
		}
		r.queue.Put(&Notification{
			Kind:      KindTrap,
			ZoneUIN:   r.zoneUIN,
			SrcAddr:   from.IP.String(),
			Port:      uint16(r.port),
			Timestamp: time.Now(),
			PDU:       pdu,
		})
	}
}
