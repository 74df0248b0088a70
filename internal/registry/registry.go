// Package registry implements the process-wide plugin ABI and the
// metric/action/AI-tool registries it feeds. Grounded on
// original_source/src/agent/core/subagent.cpp (InitSubAgent's
// duplicate-name rejection and per-item registration loop over
// parameters/enums/actions) generalized from dynamic-library loading
// to a compiled-in Go interface, since this daemon has no plugin ABI
// boundary to cross a process edge. Metric dispatch (literal lookup,
// then registration-order wildcard scan, then the external fallback
// chain) follows spec §4.5 verbatim; the fallback chain itself is
// grounded on appagent.cpp's GetParameterValueFromAppAgent.
package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/fluxmon/agentd/internal/store"
	"github.com/fluxmon/agentd/internal/wire"
)

// RequestContext carries the minimal per-call identity a handler
// needs. Registered as a plain struct (not an interface to
// internal/session) to avoid a dependency cycle; Virtual is true for
// calls originated by the local data-collection scheduler rather than
// a live peer session (spec §4.3 "session=virtual").
type RequestContext struct {
	SessionID uint64
	Virtual   bool
}

// ScalarHandler returns one scalar metric value, or a ResultCode other
// than RCSuccess on failure.
type ScalarHandler func(ctx context.Context, name, arg string, rc RequestContext) (string, wire.ResultCode)

// ListHandler returns an enumerated string list.
type ListHandler func(ctx context.Context, name, arg string, rc RequestContext) ([]string, wire.ResultCode)

// TableHandler returns a structured table result.
type TableHandler func(ctx context.Context, name, arg string, rc RequestContext) (*wire.Table, wire.ResultCode)

// ScalarMetric, ListMetric, TableMetric are one plugin's contributed
// metric descriptors. Name may end in "*" to register as a wildcard,
// matched only after every literal name has missed, in registration
// order — first match wins, mirroring InitSubAgent appending each
// subagent's parameters to one shared list in load order.
type ScalarMetric struct {
	Name        string
	Description string
	Handler     ScalarHandler
}

type ListMetric struct {
	Name        string
	Description string
	Handler     ListHandler
}

type TableMetric struct {
	Name        string
	Description string
	Handler     TableHandler
}

// PluginDescriptor is the ABI a plugin returns from Register: the
// Go-native analogue of NETXMS_SUBAGENT_INFO.
type PluginDescriptor struct {
	Name     string
	Version  string
	Init     func() error
	Shutdown func()

	ScalarMetrics []ScalarMetric
	ListMetrics   []ListMetric
	TableMetrics  []TableMetric
	Actions       []Action
	AITools       []AIToolDefinition
}

// Plugin is the compiled-in equivalent of a dynamically loaded
// subagent module.
type Plugin interface {
	Register() PluginDescriptor
}

type scalarEntry struct {
	ScalarMetric
	pluginName string
}

type listEntry struct {
	ListMetric
	pluginName string
}

type tableEntry struct {
	TableMetric
	pluginName string
}

// Registry is the process-wide metric/action/AI-tool namespace every
// loaded plugin contributes to, consulted by the session dispatch
// table and the local-agent collector.
type Registry struct {
	mu  sync.RWMutex
	log *zap.Logger

	plugins map[string]PluginDescriptor

	scalarsLiteral  map[string]scalarEntry
	scalarsWildcard []scalarEntry
	listsLiteral    map[string]listEntry
	listsWildcard   []listEntry
	tablesLiteral   map[string]tableEntry
	tablesWildcard  []tableEntry

	actions  *ActionRegistry
	aiTools  *AIToolRegistry
	fallback *FallbackChain
}

func New(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		log:            log,
		plugins:        make(map[string]PluginDescriptor),
		scalarsLiteral: make(map[string]scalarEntry),
		listsLiteral:   make(map[string]listEntry),
		tablesLiteral:  make(map[string]tableEntry),
		actions:        NewActionRegistry(log),
		aiTools:        NewAIToolRegistry(log),
		fallback:       NewFallbackChain(log),
	}
}

// Actions exposes the action registry for dispatch handlers that need
// to invoke ACTION requests directly.
func (r *Registry) Actions() *ActionRegistry { return r.actions }

// AITools exposes the AI-tool registry for EXECUTE_AI_TOOL/
// GET_AI_TOOL_SCHEMA handlers.
func (r *Registry) AITools() *AIToolRegistry { return r.aiTools }

// Fallback exposes the external-metric fallback chain so callers can
// register AppAgentConnections and external parameters.
func (r *Registry) Fallback() *FallbackChain { return r.fallback }

// SetAgentInfo forwards to the AI-tool registry's schema document
// fields (agent version, platform name).
func (r *Registry) SetAgentInfo(agentVersion, platform string) {
	r.aiTools.SetAgentInfo(agentVersion, platform)
}

// ErrDuplicatePlugin is returned by Load when a plugin name is already
// registered, mirroring InitSubAgent's "subagent with given name
// already loaded" rejection.
type ErrDuplicatePlugin struct{ Name string }

func (e ErrDuplicatePlugin) Error() string {
	return fmt.Sprintf("registry: plugin %q already loaded", e.Name)
}

// Load registers a plugin's descriptor into the shared registries.
// Duplicate plugin names are rejected; duplicate metric names across
// plugins are silently shadowed (first registration wins) with a
// warning, per spec §4.5.
func (r *Registry) Load(p Plugin) error {
	desc := p.Register()
	if desc.Name == "" {
		return fmt.Errorf("registry: plugin descriptor has no name")
	}

	r.mu.Lock()
	if _, exists := r.plugins[desc.Name]; exists {
		r.mu.Unlock()
		return ErrDuplicatePlugin{Name: desc.Name}
	}
	r.mu.Unlock()

	if desc.Init != nil {
		if err := desc.Init(); err != nil {
			return fmt.Errorf("registry: init plugin %q: %w", desc.Name, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.plugins[desc.Name] = desc

	for _, m := range desc.ScalarMetrics {
		r.addScalar(scalarEntry{ScalarMetric: m, pluginName: desc.Name})
	}
	for _, m := range desc.ListMetrics {
		r.addList(listEntry{ListMetric: m, pluginName: desc.Name})
	}
	for _, m := range desc.TableMetrics {
		r.addTable(tableEntry{TableMetric: m, pluginName: desc.Name})
	}
	for _, a := range desc.Actions {
		r.actions.register(a, desc.Name)
	}
	for _, t := range desc.AITools {
		r.aiTools.register(t, desc.Name)
	}

	r.log.Info("plugin loaded", zap.String("plugin", desc.Name), zap.String("version", desc.Version))
	return nil
}

func (r *Registry) addScalar(e scalarEntry) {
	if isWildcard(e.Name) {
		r.scalarsWildcard = append(r.scalarsWildcard, e)
		return
	}
	if existing, ok := r.scalarsLiteral[e.Name]; ok {
		r.log.Warn("duplicate metric name shadowed", zap.String("name", e.Name), zap.String("kept_plugin", existing.pluginName), zap.String("shadowed_plugin", e.pluginName))
		return
	}
	r.scalarsLiteral[e.Name] = e
}

func (r *Registry) addList(e listEntry) {
	if isWildcard(e.Name) {
		r.listsWildcard = append(r.listsWildcard, e)
		return
	}
	if existing, ok := r.listsLiteral[e.Name]; ok {
		r.log.Warn("duplicate list metric name shadowed", zap.String("name", e.Name), zap.String("kept_plugin", existing.pluginName), zap.String("shadowed_plugin", e.pluginName))
		return
	}
	r.listsLiteral[e.Name] = e
}

func (r *Registry) addTable(e tableEntry) {
	if isWildcard(e.Name) {
		r.tablesWildcard = append(r.tablesWildcard, e)
		return
	}
	if existing, ok := r.tablesLiteral[e.Name]; ok {
		r.log.Warn("duplicate table metric name shadowed", zap.String("name", e.Name), zap.String("kept_plugin", existing.pluginName), zap.String("shadowed_plugin", e.pluginName))
		return
	}
	r.tablesLiteral[e.Name] = e
}

func isWildcard(name string) bool { return strings.HasSuffix(name, "*") }

func matchesWildcard(pattern, name string) bool {
	prefix := strings.TrimSuffix(pattern, "*")
	return strings.HasPrefix(name, prefix)
}

// GetScalar resolves a scalar metric request: literal map, then
// registration-order wildcard scan, then the fallback chain.
func (r *Registry) GetScalar(ctx context.Context, name, arg string, rctx RequestContext) (string, wire.ResultCode) {
	r.mu.RLock()
	entry, ok := r.scalarsLiteral[name]
	if !ok {
		for _, w := range r.scalarsWildcard {
			if matchesWildcard(w.Name, name) {
				entry, ok = w, true
				break
			}
		}
	}
	r.mu.RUnlock()

	if ok {
		return entry.Handler(ctx, name, arg, rctx)
	}
	return r.fallback.Resolve(ctx, name)
}

// GetList resolves a list metric request the same way as GetScalar,
// without a fallback chain step (the original's external-parameter
// fallback only applies to scalar parameters).
func (r *Registry) GetList(ctx context.Context, name, arg string, rctx RequestContext) ([]string, wire.ResultCode) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if entry, ok := r.listsLiteral[name]; ok {
		return entry.Handler(ctx, name, arg, rctx)
	}
	for _, w := range r.listsWildcard {
		if matchesWildcard(w.Name, name) {
			return w.Handler(ctx, name, arg, rctx)
		}
	}
	return nil, wire.RCUnknownMetric
}

// GetTable resolves a table metric request the same way as GetList.
func (r *Registry) GetTable(ctx context.Context, name, arg string, rctx RequestContext) (*wire.Table, wire.ResultCode) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if entry, ok := r.tablesLiteral[name]; ok {
		return entry.Handler(ctx, name, arg, rctx)
	}
	for _, w := range r.tablesWildcard {
		if matchesWildcard(w.Name, name) {
			return w.Handler(ctx, name, arg, rctx)
		}
	}
	return nil, wire.RCUnknownMetric
}

// GetMetric adapts GetScalar to datacollection.MetricRegistry for the
// local-agent collector's virtual-session queries (§4.3).
func (r *Registry) GetMetric(ctx context.Context, name string) (string, store.StatusCode) {
	value, rc := r.GetScalar(ctx, name, "", RequestContext{Virtual: true})
	return value, resultCodeToStatus(rc)
}

func resultCodeToStatus(rc wire.ResultCode) store.StatusCode {
	switch rc {
	case wire.RCSuccess:
		return store.StatusSuccess
	case wire.RCUnknownMetric:
		return store.StatusUnknownMetric
	case wire.RCUnknownInstance:
		return store.StatusUnknownInstance
	case wire.RCUnsupported:
		return store.StatusUnsupported
	case wire.RCRequestTimeout:
		return store.StatusRequestTimeout
	default:
		return store.StatusInternalError
	}
}

// ParameterNames, ListNames and TableNames return every registered
// metric name across both literal and wildcard entries, sorted, the
// Go equivalent of master.cpp's GetParameterList/GetEnumList/
// GetTableList used to answer CMD_GET_PARAMETER_LIST and friends over
// the master-agent IPC socket.
func (r *Registry) ParameterNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.scalarsLiteral)+len(r.scalarsWildcard))
	for name := range r.scalarsLiteral {
		out = append(out, name)
	}
	for _, w := range r.scalarsWildcard {
		out = append(out, w.Name)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) ListNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.listsLiteral)+len(r.listsWildcard))
	for name := range r.listsLiteral {
		out = append(out, name)
	}
	for _, w := range r.listsWildcard {
		out = append(out, w.Name)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) TableNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tablesLiteral)+len(r.tablesWildcard))
	for name := range r.tablesLiteral {
		out = append(out, name)
	}
	for _, w := range r.tablesWildcard {
		out = append(out, w.Name)
	}
	sort.Strings(out)
	return out
}

// ListPlugins returns every loaded plugin's name and version, sorted
// for deterministic output, backing an inventory-style metric
// (H_SubAgentList's Go equivalent).
func (r *Registry) ListPlugins() []PluginDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]PluginDescriptor, 0, len(r.plugins))
	for _, p := range r.plugins {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Shutdown calls every loaded plugin's Shutdown hook, in load order is
// not preserved (map iteration) since the original likewise does not
// guarantee unload order beyond "don't care about deregistering
// parameters" on shutdown.
func (r *Registry) Shutdown() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.plugins {
		if p.Shutdown != nil {
			p.Shutdown()
		}
	}
}
