// Package engine – registry.go manages the registry of callable tools and
// dispatches tool calls from the LLM to the appropriate executors.
// The registry is fixed (the four CRM tools) but tenant-scoped: the model is
// only ever offered the intersection of the registry and the tenant's
// enabled_functions allowlist.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// SideEffectCategory classifies what a tool mutates, for audit and docs.
type SideEffectCategory string

const (
	SideEffectOutbound    SideEffectCategory = "outbound_message"
	SideEffectPersistence SideEffectCategory = "persistence"
	SideEffectScoring     SideEffectCategory = "lead_scoring"
	SideEffectScheduling  SideEffectCategory = "scheduling"
)

// ToolCallResult is the structured outcome of one tool invocation.
// Executors never throw: every internal failure converts into
// {Success:false, Error, Retryable}.
type ToolCallResult struct {
	InvocationID string         `json:"invocation_id"`
	ToolCallID   string         `json:"tool_call_id"`
	Name         string         `json:"name"`
	Success      bool           `json:"success"`
	Payload      map[string]any `json:"payload,omitempty"`
	Error        string         `json:"error,omitempty"`
	Retryable    bool           `json:"retryable,omitempty"`
}

// failResult builds a failed ToolCallResult from an error.
func failResult(invocationID, toolCallID, name string, err error) ToolCallResult {
	return ToolCallResult{
		InvocationID: invocationID,
		ToolCallID:   toolCallID,
		Name:         name,
		Success:      false,
		Error:        err.Error(),
		Retryable:    isRetryableError(err),
	}
}

// ToolContext is the per-turn execution context handed to executors.
// It carries the conversation (the only mutable state executors may touch,
// through repositories) and per-turn bookkeeping.
type ToolContext struct {
	Conv  *ConversationContext
	Agent *AgentConfig
	Deps  *Deps

	// sentMedia tracks media asset IDs already delivered this turn so
	// identical media is not resent when the model repeats itself.
	sentMedia map[string]bool
}

// NewToolContext builds a fresh per-turn tool context.
func NewToolContext(conv *ConversationContext, agent *AgentConfig, deps *Deps) *ToolContext {
	return &ToolContext{
		Conv:      conv,
		Agent:     agent,
		Deps:      deps,
		sentMedia: make(map[string]bool),
	}
}

// MediaSentThisTurn reports whether the asset was already sent this turn.
func (tc *ToolContext) MediaSentThisTurn(assetID string) bool {
	return tc.sentMedia[assetID]
}

// MarkMediaSent records a delivered asset for this turn.
func (tc *ToolContext) MarkMediaSent(assetID string) {
	tc.sentMedia[assetID] = true
}

// ToolExecFunc is the uniform executor contract. It must never panic or
// return a Go error: failures are encoded in the result.
type ToolExecFunc func(ctx context.Context, args map[string]any, tc *ToolContext) ToolCallResult

// RegisteredTool bundles a tool's metadata with its executor.
type RegisteredTool struct {
	Name                  string
	Description           string
	ArgSchema             json.RawMessage
	RequiredContextFields []string
	SideEffect            SideEffectCategory
	Execute               ToolExecFunc
}

// Definition converts the registry entry to the OpenAI wire format.
func (t *RegisteredTool) Definition() ToolDefinition {
	return ToolDefinition{
		Type: "function",
		Function: FunctionDef{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.ArgSchema,
		},
	}
}

// builtinToolNames is the fixed tool set this engine ships.
var builtinToolNames = []string{
	"send_multimedia",
	"save_conversation_data",
	"analyze_customer_intent",
	"schedule_follow_up",
}

// knownToolName reports whether name is one of the built-in tools.
func knownToolName(name string) bool {
	for _, n := range builtinToolNames {
		if n == name {
			return true
		}
	}
	return false
}

// Registry holds the tool set and the per-invocation idempotency cache.
type Registry struct {
	tools map[string]*RegisteredTool
	order []string

	// invocations caches results by invocation id so re-dispatching the
	// same invocation (a retried turn replaying the same model response)
	// returns the stored result instead of repeating the side effect.
	invocations   map[string]ToolCallResult
	invocationCap int

	logger *slog.Logger
	mu     sync.RWMutex
}

// NewRegistry creates a registry pre-populated with the built-in CRM tools.
func NewRegistry(logger *slog.Logger) *Registry {
	r := &Registry{
		tools:         make(map[string]*RegisteredTool),
		invocations:   make(map[string]ToolCallResult),
		invocationCap: 4096,
		logger:        logger.With("component", "tool_registry"),
	}
	r.register(sendMultimediaTool())
	r.register(saveConversationDataTool())
	r.register(analyzeCustomerIntentTool())
	r.register(scheduleFollowUpTool())
	return r
}

// register adds a tool. Later registrations with the same name overwrite.
func (r *Registry) register(t *RegisteredTool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; !exists {
		r.order = append(r.order, t.Name)
	}
	r.tools[t.Name] = t
	r.logger.Debug("tool registered", "name", t.Name, "side_effect", t.SideEffect)
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (*RegisteredTool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// DefinitionsFor returns the wire definitions offered to the model for a
// tenant: the intersection of the registry and the tenant allowlist, never
// the full registry. This is the tenant isolation boundary.
func (r *Registry) DefinitionsFor(agent *AgentConfig) []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		if !agent.AllowsTool(name) {
			continue
		}
		defs = append(defs, r.tools[name].Definition())
	}
	return defs
}

// Dispatch executes one model-requested tool call. Unknown names and tools
// outside the tenant allowlist are rejected with a permission failure before
// any executor runs. Results are cached by invocation id for idempotency.
func (r *Registry) Dispatch(ctx context.Context, invocationID string, call ToolCall, tc *ToolContext) ToolCallResult {
	name := call.Function.Name

	if cached, ok := r.cachedInvocation(invocationID); ok {
		r.logger.Debug("replaying cached invocation", "invocation_id", invocationID, "tool", name)
		return cached
	}

	tool, ok := r.Get(name)
	if !ok {
		return failResult(invocationID, call.ID, name,
			permissionErrorf("unknown tool %q", name))
	}
	if !tc.Agent.AllowsTool(name) {
		r.logger.Warn("tool outside tenant allowlist",
			"tool", name, "tenant", tc.Conv.TenantID)
		return failResult(invocationID, call.ID, name,
			permissionErrorf("tool %q is not enabled for this tenant", name))
	}

	args, err := parseToolArgs(call.Function.Arguments)
	if err != nil {
		return failResult(invocationID, call.ID, name,
			validationErrorf("parsing arguments: %v", err))
	}

	result := tool.Execute(ctx, args, tc)
	result.InvocationID = invocationID
	result.ToolCallID = call.ID
	result.Name = name

	r.cacheInvocation(invocationID, result)
	return result
}

// cachedInvocation returns a previously stored result for the invocation id.
func (r *Registry) cachedInvocation(invocationID string) (ToolCallResult, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.invocations[invocationID]
	return res, ok
}

// cacheInvocation stores a result, evicting everything when the cap is hit.
// Wholesale eviction is fine: the cache only needs to cover webhook retry
// windows, not history.
func (r *Registry) cacheInvocation(invocationID string, res ToolCallResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.invocations) >= r.invocationCap {
		r.invocations = make(map[string]ToolCallResult)
	}
	r.invocations[invocationID] = res
}

// parseToolArgs decodes the JSON arguments string from the model.
// An empty string parses to an empty map.
func parseToolArgs(raw string) (map[string]any, error) {
	if raw == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

// ---------- typed argument helpers ----------

var errMissingArg = errors.New("missing argument")

// stringArg extracts a required string argument.
func stringArg(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", errMissingArg, key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("argument %s must be a string", key)
	}
	return s, nil
}

// optionalStringArg extracts an optional string argument.
func optionalStringArg(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

// floatArg extracts a required number argument.
func floatArg(args map[string]any, key string) (float64, error) {
	v, ok := args[key]
	if !ok {
		return 0, fmt.Errorf("%w: %s", errMissingArg, key)
	}
	f, ok := v.(float64)
	if !ok {
		return 0, fmt.Errorf("argument %s must be a number", key)
	}
	return f, nil
}

// stringSliceArg extracts an optional []string argument.
func stringSliceArg(args map[string]any, key string) ([]string, error) {
	v, ok := args[key]
	if !ok {
		return nil, nil
	}
	raw, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("argument %s must be an array of strings", key)
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("argument %s must contain only strings", key)
		}
		out = append(out, s)
	}
	return out, nil
}

// mapArg extracts an optional object argument.
func mapArg(args map[string]any, key string) (map[string]any, error) {
	v, ok := args[key]
	if !ok {
		return nil, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("argument %s must be an object", key)
	}
	return m, nil
}
