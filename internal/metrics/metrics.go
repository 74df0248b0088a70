// Package metrics exposes the daemon's Prometheus instrumentation:
// session counts, per-server queue depth, SNMP counters, tunnel
// reconnects, reconciliation batch timing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles every collector the daemon registers. It is
// constructed once by the supervisor and passed down to the
// subsystems that need to record against it.
type Registry struct {
	reg *prometheus.Registry

	LiveSessions      prometheus.Gauge
	QueueDepth        *prometheus.GaugeVec
	SNMPRequests      prometheus.Counter
	SNMPResponses     prometheus.Counter
	SNMPTimeouts      prometheus.Counter
	TunnelReconnects  *prometheus.CounterVec
	ReconcileBatchSec prometheus.Histogram
	ConfigPushes      prometheus.Counter
	SNMPTrapsReceived prometheus.Counter
	SyslogReceived    prometheus.Counter
	NotificationsDropped prometheus.Counter
	FileMonitorsActive   prometheus.Gauge
	FileMonitorLines     prometheus.Counter
}

// New creates and registers all collectors.
func New() *Registry {
	r := prometheus.NewRegistry()
	m := &Registry{
		reg: r,
		LiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentd",
			Name:      "live_sessions",
			Help:      "Number of currently registered sessions.",
		}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "agentd",
			Name:      "queue_depth",
			Help:      "Queued-but-unsent DataElement count per server.",
		}, []string{"server_id"}),
		SNMPRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentd",
			Name:      "snmp_requests_total",
			Help:      "SNMP requests issued by the proxy.",
		}),
		SNMPResponses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentd",
			Name:      "snmp_responses_total",
			Help:      "SNMP responses received by the proxy.",
		}),
		SNMPTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentd",
			Name:      "snmp_timeouts_total",
			Help:      "SNMP requests that exhausted all retries.",
		}),
		TunnelReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentd",
			Name:      "tunnel_reconnects_total",
			Help:      "Reconnect attempts per configured upstream tunnel.",
		}, []string{"hostname"}),
		ReconcileBatchSec: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "agentd",
			Name:      "reconciliation_batch_seconds",
			Help:      "Wall time of one bulk-reconciliation round trip.",
			Buckets:   prometheus.DefBuckets,
		}),
		ConfigPushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentd",
			Name:      "config_pushes_total",
			Help:      "Data-collection configuration snapshots processed.",
		}),
		SNMPTrapsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentd",
			Name:      "snmp_traps_received_total",
			Help:      "SNMP trap datagrams received by the trap receiver.",
		}),
		SyslogReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentd",
			Name:      "syslog_records_received_total",
			Help:      "Syslog datagrams received by the syslog receiver.",
		}),
		NotificationsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentd",
			Name:      "notifications_dropped_total",
			Help:      "Trap/syslog notifications dropped because the processor queue was full.",
		}),
		FileMonitorsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentd",
			Name:      "file_monitors_active",
			Help:      "Number of files currently subscribed to for tail-follow monitoring.",
		}),
		FileMonitorLines: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentd",
			Name:      "file_monitor_lines_forwarded_total",
			Help:      "Lines forwarded to subscribers by the file monitor.",
		}),
	}

	r.MustRegister(
		m.LiveSessions, m.QueueDepth, m.SNMPRequests, m.SNMPResponses,
		m.SNMPTimeouts, m.TunnelReconnects, m.ReconcileBatchSec, m.ConfigPushes,
		m.SNMPTrapsReceived, m.SyslogReceived, m.NotificationsDropped,
		m.FileMonitorsActive, m.FileMonitorLines,
	)
	return m
}

// Gatherer exposes the underlying prometheus.Gatherer for the HTTP
// /metrics handler wired in internal/ipc.
func (m *Registry) Gatherer() prometheus.Gatherer { return m.reg }
