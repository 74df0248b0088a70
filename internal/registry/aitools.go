package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/fluxmon/agentd/internal/wire"
)

// AIToolHandler executes one AI-tool invocation against already
// JSON-decoded arguments and returns a JSON-encodable result.
type AIToolHandler func(ctx context.Context, args json.RawMessage, rctx RequestContext) (json.RawMessage, wire.ResultCode)

// AIToolParameter mirrors aitools.cpp's AIToolParameter: a JSON-schema
// property description plus whether it's required.
type AIToolParameter struct {
	Name        string
	Type        string // JSON schema primitive type: string/number/boolean/object/array
	Description string
	Required    bool
	Default     json.RawMessage // optional, parsed and embedded verbatim
	Constraints json.RawMessage // optional JSON object fragment merged into the property
}

// AIToolDefinition is a plugin-contributed AI-invokable tool (§3
// AIToolDefinition).
type AIToolDefinition struct {
	Name        string
	Category    string
	Description string
	Parameters  []AIToolParameter
	Handler     AIToolHandler
}

type aiToolEntry struct {
	AIToolDefinition
	pluginName string
}

// AIToolRegistry holds every registered AI tool in registration order
// (GenerateAIToolsSchema walks s_registry in that same order) and
// builds the on-demand JSON schema catalogue.
type AIToolRegistry struct {
	mu           sync.RWMutex
	log          *zap.Logger
	tools        []aiToolEntry
	agentVersion string
	platform     string
}

func NewAIToolRegistry(log *zap.Logger) *AIToolRegistry {
	if log == nil {
		log = zap.NewNop()
	}
	return &AIToolRegistry{log: log}
}

// SetAgentInfo records the fields the schema document's top level
// carries alongside the tool catalogue.
func (r *AIToolRegistry) SetAgentInfo(agentVersion, platform string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agentVersion = agentVersion
	r.platform = platform
}

func (r *AIToolRegistry) register(t AIToolDefinition, pluginName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.tools {
		if existing.Name == t.Name {
			r.log.Warn("duplicate AI tool name shadowed", zap.String("name", t.Name), zap.String("kept_plugin", existing.pluginName), zap.String("shadowed_plugin", pluginName))
			return
		}
	}
	r.tools = append(r.tools, aiToolEntry{AIToolDefinition: t, pluginName: pluginName})
}

func (r *AIToolRegistry) find(name string) (aiToolEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.tools {
		if t.Name == name {
			return t, true
		}
	}
	return aiToolEntry{}, false
}

// Count returns the number of registered AI tools (GetAIToolCount's
// equivalent).
func (r *AIToolRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// toolSchemaError is the {"error":{"code":...,"message":...}} shape
// ExecuteAITool falls back to, matching aitools.cpp's inline JSON
// error bodies.
func toolSchemaError(code, message string) json.RawMessage {
	buf, _ := json.Marshal(map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
	return buf
}

// Execute runs the named tool's handler against raw JSON arguments,
// matching ExecuteAITool's parse-call-serialize sequence.
func (r *AIToolRegistry) Execute(ctx context.Context, name string, argsJSON json.RawMessage, rctx RequestContext) (json.RawMessage, wire.ResultCode) {
	entry, ok := r.find(name)
	if !ok {
		return toolSchemaError("TOOL_NOT_FOUND", "Tool not found"), wire.RCUnknownCommand
	}

	if len(argsJSON) > 0 {
		var probe any
		if err := json.Unmarshal(argsJSON, &probe); err != nil {
			return toolSchemaError("INVALID_JSON", "Failed to parse input JSON"), wire.RCMalformedCommand
		}
	}

	return entry.Handler(ctx, argsJSON, rctx)
}

// GenerateSchema builds the JSON document describing every registered
// tool's name/category/description/parameter schema, matching
// GenerateAIToolsSchema's structure field-for-field.
func (r *AIToolRegistry) GenerateSchema() ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]map[string]any, 0, len(r.tools))
	for _, t := range r.tools {
		properties := make(map[string]any, len(t.Parameters))
		required := make([]string, 0)
		for _, p := range t.Parameters {
			prop := map[string]any{
				"type":        p.Type,
				"description": p.Description,
			}
			if len(p.Default) > 0 {
				var def any
				if err := json.Unmarshal(p.Default, &def); err == nil {
					prop["default"] = def
				}
			}
			if len(p.Constraints) > 0 {
				var extra map[string]any
				if err := json.Unmarshal(p.Constraints, &extra); err == nil {
					for k, v := range extra {
						prop[k] = v
					}
				}
			}
			properties[p.Name] = prop
			if p.Required {
				required = append(required, p.Name)
			}
		}

		tools = append(tools, map[string]any{
			"name":        t.Name,
			"category":    t.Category,
			"description": t.Description,
			"parameters": map[string]any{
				"type":       "object",
				"properties": properties,
				"required":   required,
			},
		})
	}

	doc := map[string]any{
		"schema_version": "1.0",
		"agent_version":  r.agentVersion,
		"tools":          tools,
	}
	if r.platform != "" {
		doc["platform"] = r.platform
	}

	buf, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("registry: marshal AI tool schema: %w", err)
	}
	return buf, nil
}
