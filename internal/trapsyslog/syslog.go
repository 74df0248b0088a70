package trapsyslog

import (
	"context"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fluxmon/agentd/internal/agentlog"
	"github.com/fluxmon/agentd/internal/metrics"
)

// maxSyslogMsgLen matches the original's MAX_SYSLOG_MSG_LEN.
const maxSyslogMsgLen = 1024

// SyslogReceiver listens for syslog datagrams and queues them with
// their arrival timestamp, since the server needs that (not the
// message's own claimed timestamp, which may be absent or skewed).
type SyslogReceiver struct {
	bindAddr string
	port     int
	zoneUIN  uint32
	queue    *Queue
	metrics  *metrics.Registry
	log      *zap.Logger
	nextID   uint64
}

func NewSyslogReceiver(bindAddr string, port int, zoneUIN uint32, queue *Queue, m *metrics.Registry) *SyslogReceiver {
	return &SyslogReceiver{
		bindAddr: normalizeBindAddr(bindAddr),
		port:     port,
		zoneUIN:  zoneUIN,
		queue:    queue,
		metrics:  m,
		log:      agentlog.For("trapsyslog.syslog"),
		nextID:   uint64(time.Now().Unix()) << 32,
	}
}

func (r *SyslogReceiver) Run(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(r.bindAddr, strconv.Itoa(r.port)))
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return err
	}
	r.log.Info("syslog receiver listening", zap.String("addr", conn.LocalAddr().String()))

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, maxSyslogMsgLen)
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
		msg := make([]byte, n)
		copy(msg, buf[:n])

		if r.metrics != nil {
			r.metrics.SyslogReceived.Inc()
		}
		id := atomic.AddUint64(&r.nextID, 1)
		r.queue.Put(&Notification{
			Kind:      KindSyslog,
			ZoneUIN:   r.zoneUIN,
			SrcAddr:   from.IP.String(),
			Port:      uint16(r.port),
			Timestamp: time.Now(),
			Message:   msg,
			RequestID: id,
		})
	}
}
