package registry

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fluxmon/agentd/internal/wire"
)

// AppAgentConnection is a registered external helper process reachable
// over the local master-agent socket (§3 glossary), the first link in
// the metric dispatch fallback chain. Kept narrow so internal/ipc's
// concrete pipe/socket implementation doesn't need to depend on
// internal/registry's other types. GetMetric returning (false, nil)
// is the original's APPAGENT_RCC_NO_SUCH_INSTANCE: the agent was
// reachable and definitively doesn't have the metric. A non-nil err
// is treated as the original's APPAGENT_RCC_COMM_FAILURE and the chain
// moves on to the next registered agent rather than retrying forever.
type AppAgentConnection interface {
	Name() string
	GetMetric(ctx context.Context, name string) (value string, found bool, err error)
}

type externalParameter struct {
	name    string
	cmdLine string
	timeout time.Duration
}

// FallbackChain is consulted once the literal and wildcard registry
// maps both miss a scalar metric lookup, per spec §4.5: (1) a
// registered AppAgentConnection matching the metric, (2) a
// config-defined shell-line "external parameter", (3) unknown metric.
type FallbackChain struct {
	mu        sync.RWMutex
	log       *zap.Logger
	appAgents []AppAgentConnection
	externals map[string]externalParameter
}

func NewFallbackChain(log *zap.Logger) *FallbackChain {
	if log == nil {
		log = zap.NewNop()
	}
	return &FallbackChain{log: log, externals: make(map[string]externalParameter)}
}

// RegisterAppAgent appends conn to the consultation order, matching
// RegisterApplicationAgent's append-only ObjectArray.
func (f *FallbackChain) RegisterAppAgent(conn AppAgentConnection) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appAgents = append(f.appAgents, conn)
}

// RegisterExternalParameter wires one config "external parameter"
// shell line, matched literally.
func (f *FallbackChain) RegisterExternalParameter(name, cmdLine string, timeout time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.externals[name] = externalParameter{name: name, cmdLine: cmdLine, timeout: timeout}
}

// Resolve walks the fallback chain for one metric name.
func (f *FallbackChain) Resolve(ctx context.Context, name string) (string, wire.ResultCode) {
	f.mu.RLock()
	agents := append([]AppAgentConnection(nil), f.appAgents...)
	ext, hasExt := f.externals[name]
	f.mu.RUnlock()

	for _, agent := range agents {
		value, found, err := agent.GetMetric(ctx, name)
		if err != nil {
			f.log.Debug("app agent unreachable, trying next", zap.String("agent", agent.Name()), zap.Error(err))
			continue
		}
		if found {
			return value, wire.RCSuccess
		}
		// agent responded authoritatively that it doesn't have this
		// metric; matches GetParameterValueFromAppAgent breaking out
		// of the loop on APPAGENT_RCC_NO_SUCH_INSTANCE rather than
		// asking the remaining agents.
		break
	}

	if hasExt {
		return f.runExternalParameter(ctx, ext)
	}

	return "", wire.RCUnknownMetric
}

func (f *FallbackChain) runExternalParameter(ctx context.Context, p externalParameter) (string, wire.ResultCode) {
	timeout := p.timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", p.cmdLine)
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		if runCtx.Err() != nil {
			return "", wire.RCRequestTimeout
		}
		return "", wire.RCExecFailed
	}
	return strings.TrimRight(out.String(), "\r\n"), wire.RCSuccess
}
