package ipc

import (
	"context"
	"encoding/json"
	"net"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// TunnelStatus is one configured tunnel's current connection state,
// part of the §4.7 "/status" payload.
type TunnelStatus struct {
	Hostname  string `json:"hostname"`
	Connected bool   `json:"connected"`
}

// StatusSnapshot is the full /status response: live session count,
// per-upstream tunnel state, and per-server queue depth, matching
// §4.7's "sessions, tunnels, queue depths".
type StatusSnapshot struct {
	Sessions    int            `json:"sessions"`
	Tunnels     []TunnelStatus `json:"tunnels"`
	QueueDepths map[string]int `json:"queue_depths,omitempty"`
}

// StatusProvider supplies a fresh StatusSnapshot on demand, kept
// narrow so the ipc package never imports internal/session or
// internal/tunnel directly.
type StatusProvider interface {
	Status() StatusSnapshot
}

// ControlServer is the §4.7 local control-plane HTTP surface: a
// gorilla/mux router, served over a Unix socket alongside the other
// local IPC endpoints, exposing /status and /metrics. Unlike push,
// session-agent and master-agent, the original has no equivalent — it
// is this daemon's Go-native stand-in for an external monitoring
// front-end, grounded on the teacher's own use of gorilla/mux plus
// client_golang/promhttp for its HTTP-exposed metrics.
type ControlServer struct {
	status StatusProvider
	gather prometheus.Gatherer
	router *mux.Router
	log    *zap.Logger
}

// NewControlServer builds a ControlServer backed by status and
// gather (normally metrics.Registry.Gatherer()).
func NewControlServer(status StatusProvider, gather prometheus.Gatherer, log *zap.Logger) *ControlServer {
	if log == nil {
		log = zap.NewNop()
	}
	c := &ControlServer{status: status, gather: gather, router: mux.NewRouter(), log: log}
	c.router.HandleFunc("/status", c.handleStatus).Methods(http.MethodGet)
	c.router.Handle("/metrics", promhttp.HandlerFor(gather, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	return c
}

func (c *ControlServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := c.status.Status()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		c.log.Warn("control: failed to encode status response", zap.Error(err))
	}
}

// Serve runs an http.Server over ln until ctx is cancelled.
func (c *ControlServer) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: c.router}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	err := srv.Serve(ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}
