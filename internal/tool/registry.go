package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"aiwriter/internal/domain"
	"aiwriter/internal/metrics"
)

// Registry holds the tools exposed to the assistant and executes its calls.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]domain.Tool
	logger *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		tools:  make(map[string]domain.Tool),
		logger: logger,
	}
}

func (r *Registry) Register(t domain.Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
	r.logger.Debug("registered tool", "name", t.Name())
}

func (r *Registry) Get(name string) domain.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (string, error) {
	t := r.Get(name)
	if t == nil {
		return "", fmt.Errorf("unknown tool: %s (available: %v)", name, r.Names())
	}
	return t.Execute(ctx, args)
}

// ExecuteCall runs a model-issued call and always yields an output string the
// model can read. Failures become a JSON {"error": ...} payload.
func (r *Registry) ExecuteCall(ctx context.Context, call domain.ToolCall) string {
	out, err := r.Execute(ctx, call.Name, call.Arguments)
	if err != nil {
		metrics.ToolCalls.WithLabelValues(call.Name, "error").Inc()
		r.logger.Warn("tool call failed", "tool", call.Name, "call_id", call.ID, "err", err)
		return ErrorPayload(err)
	}
	metrics.ToolCalls.WithLabelValues(call.Name, "ok").Inc()
	return out
}

// GetDefinitions returns tool definitions sorted by name.
func (r *Registry) GetDefinitions() []domain.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]domain.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, domain.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ErrorPayload renders err as the JSON object handed back to the model.
// Search failures keep the upstream response body under "details".
func ErrorPayload(err error) string {
	payload := map[string]string{"error": err.Error()}
	var searchErr *domain.AugmentedSearchError
	if errors.As(err, &searchErr) {
		payload["error"] = searchErr.Error()
		if searchErr.Status == 0 {
			payload["error"] = "An exception occurred during web search"
		}
		if searchErr.Details != "" {
			payload["details"] = searchErr.Details
		}
	}
	b, _ := json.Marshal(payload)
	return string(b)
}

// Param describes a single tool parameter.
type Param struct {
	Type        string
	Description string
}

// ToolParameters builds a JSON Schema "parameters" object for a tool.
func ToolParameters(properties map[string]Param, required []string) map[string]any {
	props := make(map[string]any)
	for name, p := range properties {
		props[name] = map[string]any{"type": p.Type, "description": p.Description}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func ArgsString(args map[string]any, key string) string {
	if args == nil {
		return ""
	}
	v, ok := args[key]
	if !ok {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	default:
		b, _ := json.Marshal(v)
		return string(b)
	}
}
