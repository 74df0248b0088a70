// Package trapsyslog implements the SNMP-trap and syslog UDP
// receivers and the notification-processor queue that feeds them to
// whatever sessions currently accept traps (§4.4). Grounded on
// original_source/src/agent/core/snmptrapproxy.cpp (SNMPTrapReceiver,
// g_notificationProcessorQueue) and syslog.cpp (SyslogReceiver).
package trapsyslog

import (
	"time"

	"github.com/fluxmon/agentd/internal/metrics"
)

// Kind distinguishes the two notification sources that share one
// queue and one forwarder, matching the original's shared
// g_notificationProcessorQueue carrying both CMD_SNMP_TRAP and
// CMD_SYSLOG_RECORDS messages.
type Kind int

const (
	KindTrap Kind = iota
	KindSyslog
)

// Notification is one queued trap or syslog record awaiting forward
// to a session.
type Notification struct {
	Kind      Kind
	ZoneUIN   uint32
	SrcAddr   string
	Port      uint16
	Timestamp time.Time
	// RequestID correlates KindSyslog records on the wire (VID_REQUEST_ID
	// in the original); unused for KindTrap.
	RequestID uint64

	// PDU carries the raw (undecoded) SNMP trap PDU for KindTrap.
	PDU []byte
	// Message carries the raw syslog line for KindSyslog.
	Message []byte
}

// Queue is the bounded notification-processor queue: receivers push,
// the forwarder pops. A full queue drops the newest notification
// rather than blocking the receiver thread, matching the original's
// "sleep on error and keep listening" behavior under backpressure.
type Queue struct {
	ch      chan *Notification
	metrics *metrics.Registry
}

func NewQueue(capacity int, m *metrics.Registry) *Queue {
	return &Queue{ch: make(chan *Notification, capacity), metrics: m}
}

// Put enqueues n, dropping it and counting the drop if the queue is full.
func (q *Queue) Put(n *Notification) {
	select {
	case q.ch <- n:
	default:
		if q.metrics != nil {
			q.metrics.NotificationsDropped.Inc()
		}
	}
}

// Get blocks until a notification is available or stop is closed.
func (q *Queue) Get(stop <-chan struct{}) (*Notification, bool) {
	select {
	case n := <-q.ch:
		return n, true
	case <-stop:
		return nil, false
	}
}

// Len reports the number of queued-but-undelivered notifications.
func (q *Queue) Len() int { return len(q.ch) }
