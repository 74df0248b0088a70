package trapsyslog

import (
	"go.uber.org/zap"

	"github.com/fluxmon/agentd/internal/agentlog"
)

// Broadcaster is the minimal capability the forwarder needs from
// internal/session: push one notification to every currently live
// session that has negotiated trap/syslog acceptance for its zone.
// Kept narrow to avoid a dependency cycle: internal/session imports
// trapsyslog, and trapsyslog reaches session only through this
// interface.
type Broadcaster interface {
	BroadcastNotification(n *Notification) (delivered int)
}

// Forwarder drains the notification queue and pushes each entry to
// the broadcaster, matching the original's single consumer of
// g_notificationProcessorQueue.
type Forwarder struct {
	queue *Queue
	out   Broadcaster
	log   *zap.Logger
	stop  chan struct{}
}

func NewForwarder(queue *Queue, out Broadcaster) *Forwarder {
	return &Forwarder{queue: queue, out: out, log: agentlog.For("trapsyslog.forwarder"), stop: make(chan struct{})}
}

func (f *Forwarder) Stop() { close(f.stop) }

// Run drains the queue until Stop is called.
func (f *Forwarder) Run() {
	for {
		n, ok := f.queue.Get(f.stop)
		if !ok {
			return
		}
		delivered := f.out.BroadcastNotification(n)
		if delivered == 0 {
			f.log.Debug("notification had no eligible session", zap.Uint32("zone_uin", n.ZoneUIN))
		}
	}
}
