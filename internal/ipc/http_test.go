package ipc

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStatusProvider struct {
	snap StatusSnapshot
}

func (f fakeStatusProvider) Status() StatusSnapshot { return f.snap }

func dialControlServer(t *testing.T, status StatusProvider, gather prometheus.Gatherer) (string, func()) {
	t.Helper()
	sockPath := filepath.Join(t.TempDir(), "control.sock")
	ln, err := ListenUnix(sockPath)
	require.NoError(t, err)

	c := NewControlServer(status, gather, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go c.Serve(ctx, ln)

	return sockPath, func() {
		cancel()
		ln.Close()
	}
}

func httpClientFor(sockPath string) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return net.Dial("unix", sockPath)
			},
		},
		Timeout: 2 * time.Second,
	}
}

func TestControlServerStatusEndpoint(t *testing.T) {
	snap := StatusSnapshot{
		Sessions: 3,
		Tunnels:  []TunnelStatus{{Hostname: "collector1", Connected: true}},
	}
	reg := prometheus.NewRegistry()
	sockPath, cleanup := dialControlServer(t, fakeStatusProvider{snap: snap}, reg)
	defer cleanup()

	client := httpClientFor(sockPath)
	resp, err := client.Get("http://unix/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var got StatusSnapshot
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, 3, got.Sessions)
	require.Len(t, got.Tunnels, 1)
	assert.Equal(t, "collector1", got.Tunnels[0].Hostname)
}

func TestControlServerMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "agentd_demo_total", Help: "demo"})
	reg.MustRegister(counter)
	counter.Inc()

	sockPath, cleanup := dialControlServer(t, fakeStatusProvider{}, reg)
	defer cleanup()

	client := httpClientFor(sockPath)
	resp, err := client.Get("http://unix/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "agentd_demo_total 1")
}
