package registry

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fluxmon/agentd/internal/wire"
)

// ActionHandler runs one user-invokable action and returns its
// collected output (for "get" variants, per spec §4.5) plus a result
// code.
type ActionHandler func(ctx context.Context, args []string, rctx RequestContext) (output string, rc wire.ResultCode)

// Action is one plugin-, config-, or built-in-sourced invokable
// command.
type Action struct {
	Name        string
	Description string
	Handler     ActionHandler
}

type registeredAction struct {
	Action
	pluginName string
}

// ActionRegistry holds every action keyed by name: plugin-contributed,
// shell lines configured directly, or the built-in "restart agent"
// action, mirroring spec §4.5's three sources.
type ActionRegistry struct {
	mu      sync.RWMutex
	log     *zap.Logger
	actions map[string]registeredAction
}

func NewActionRegistry(log *zap.Logger) *ActionRegistry {
	if log == nil {
		log = zap.NewNop()
	}
	return &ActionRegistry{log: log, actions: make(map[string]registeredAction)}
}

func (r *ActionRegistry) register(a Action, pluginName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.actions[a.Name]; ok {
		r.log.Warn("duplicate action name shadowed", zap.String("name", a.Name), zap.String("kept_plugin", existing.pluginName), zap.String("shadowed_plugin", pluginName))
		return
	}
	r.actions[a.Name] = registeredAction{Action: a, pluginName: pluginName}
}

// RegisterShellAction wires one "shell line" action from configuration:
// cmdLine is executed through the shell with the invocation's args
// appended, stdout is captured, and the process is killed if it runs
// past timeout.
func (r *ActionRegistry) RegisterShellAction(name, cmdLine string, timeout time.Duration) {
	handler := func(ctx context.Context, args []string, _ RequestContext) (string, wire.ResultCode) {
		full := cmdLine
		if len(args) > 0 {
			full = full + " " + strings.Join(args, " ")
		}
		runCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		cmd := exec.CommandContext(runCtx, "sh", "-c", full)
		var out bytes.Buffer
		cmd.Stdout = &out
		cmd.Stderr = &out
		if err := cmd.Run(); err != nil {
			if runCtx.Err() != nil {
				return "", wire.RCRequestTimeout
			}
			return "", wire.RCExecFailed
		}
		return out.String(), wire.RCSuccess
	}
	r.register(Action{Name: name, Description: fmt.Sprintf("shell: %s", cmdLine), Handler: handler}, "config")
}

// RegisterBuiltin wires a built-in action (e.g. "restart agent") that
// isn't sourced from a plugin or config shell line.
func (r *ActionRegistry) RegisterBuiltin(name, description string, handler ActionHandler) {
	r.register(Action{Name: name, Description: description, Handler: handler}, "builtin")
}

// Execute invokes the named action, returning RCUnknownCommand if no
// action is registered under that name.
func (r *ActionRegistry) Execute(ctx context.Context, name string, args []string, rctx RequestContext) (string, wire.ResultCode) {
	r.mu.RLock()
	a, ok := r.actions[name]
	r.mu.RUnlock()
	if !ok {
		return "", wire.RCUnknownCommand
	}
	return a.Handler(ctx, args, rctx)
}

// List returns every registered action's name, for inventory.
func (r *ActionRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.actions))
	for name := range r.actions {
		names = append(names, name)
	}
	return names
}
