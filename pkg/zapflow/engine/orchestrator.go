// Package engine – orchestrator.go drives the bounded two-phase model-call
// cycle for one inbound customer message:
//
//	PROMPT_LLM → (no tool calls) → DONE
//	PROMPT_LLM → (tool calls) → EXECUTE_TOOLS → APPEND_RESULTS →
//	PROMPT_LLM_FINAL → DONE
//
// Tools execute sequentially — later tools may depend on state mutated by
// earlier ones, and sequential execution protects outbound-channel rate
// limits. The second model call is offered no tools: one tool round per
// customer turn, bounding latency and preventing runaway loops.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Engine is the customer-facing orchestration loop.
type Engine struct {
	deps     *Deps
	registry *Registry
	cfg      *Config
	locks    *ConvLocks
	logger   *slog.Logger
}

// NewEngine wires the orchestrator over its dependencies. The lock manager
// is shared with the collaboration state machine so transitions and turns
// for one conversation never interleave.
func NewEngine(deps *Deps, registry *Registry, cfg *Config, locks *ConvLocks, logger *slog.Logger) *Engine {
	return &Engine{
		deps:     deps,
		registry: registry,
		cfg:      cfg,
		locks:    locks,
		logger:   logger.With("component", "orchestrator"),
	}
}

// ProcessMessage runs one orchestration turn for an inbound message.
//
// While the conversation is human_only the customer-facing path does not
// run: the inbound message is persisted for the human agent and the result
// carries an empty reply, which callers must not deliver as AI output.
//
// On model failure the turn returns the fixed fallback reply with
// Success=false and leaves the conversation unchanged and resumable.
func (e *Engine) ProcessMessage(ctx context.Context, in *InboundMessage) (*TurnResult, error) {
	if in.ConversationID == "" || in.TenantID == "" {
		return nil, validationErrorf("inbound message missing conversation or tenant id")
	}

	turnTimeout := time.Duration(e.cfg.Turn.TimeoutSeconds) * time.Second
	if turnTimeout <= 0 {
		turnTimeout = 120 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, turnTimeout)
	defer cancel()

	unlock := e.locks.Lock(in.ConversationID)
	defer unlock()

	conv, err := e.deps.Conversations.GetOrCreate(ctx, in.ConversationID, in.TenantID, in.CustomerPhone)
	if err != nil {
		return nil, fmt.Errorf("loading conversation: %w", err)
	}

	lead, err := e.deps.Leads.GetOrCreate(ctx, in.TenantID, in.CustomerPhone)
	if err != nil {
		return nil, fmt.Errorf("loading lead: %w", err)
	}
	if conv.LeadID == "" {
		conv.LeadID = lead.ID
	}

	now := e.deps.clock()
	baseline := len(conv.Messages)
	conv.Messages = append(conv.Messages, Message{
		Role:      RoleUser,
		Content:   in.Text,
		Timestamp: now,
	})

	// Human holds the conversation: record the message, never call the model.
	if conv.Mode == ModeHumanOnly {
		if err := e.persistTurn(ctx, conv, baseline); err != nil {
			return nil, err
		}
		e.logger.Debug("inbound during human takeover, ai muted",
			"conversation", conv.ID)
		return &TurnResult{Success: true}, nil
	}

	agent, err := e.deps.AgentConfigs.ForTenant(ctx, in.TenantID)
	if err != nil {
		return nil, fmt.Errorf("loading agent config: %w", err)
	}

	industry := DetectIndustry(in.Text, lead.Tags)
	systemPrompt := e.renderSystemPrompt(&industry, agent)
	tools := e.offeredTools(&industry, agent)

	wire := e.buildWireMessages(systemPrompt, conv)

	// ── First model call: the model may request zero or more tool calls ──
	resp, err := e.deps.LLM.CompleteWithTools(ctx, agent.Model, agent.Temperature, agent.MaxTokens, wire, tools)
	if err != nil {
		e.logger.Error("first model call failed",
			"conversation", conv.ID, "error", err)
		return e.fallbackResult(), nil
	}

	if len(resp.ToolCalls) == 0 {
		conv.Messages = append(conv.Messages, Message{
			Role:      RoleAssistant,
			Content:   resp.Content,
			Timestamp: e.deps.clock(),
		})
		if err := e.persistTurn(ctx, conv, baseline); err != nil {
			return nil, err
		}
		return &TurnResult{Reply: resp.Content, ToolsUsed: []string{}, Success: true}, nil
	}

	// ── Tool round: sequential execution, every result surfaced ──
	tc := NewToolContext(conv, agent, e.deps)
	wire = append(wire, ChatMessage{
		Role:      RoleAssistant,
		Content:   resp.Content,
		ToolCalls: resp.ToolCalls,
	})

	toolsUsed := make([]string, 0, len(resp.ToolCalls))
	for _, call := range resp.ToolCalls {
		invocationID := invocationKey(conv.ID, call.ID)
		result := e.registry.Dispatch(ctx, invocationID, call, tc)
		toolsUsed = append(toolsUsed, call.Function.Name)

		resultJSON := marshalToolResult(result)
		success := result.Success
		conv.Messages = append(conv.Messages, Message{
			Role:      RoleTool,
			Content:   resultJSON,
			Timestamp: e.deps.clock(),
			ToolMeta: &ToolMeta{
				InvocationID: invocationID,
				ToolName:     call.Function.Name,
				ToolCallID:   call.ID,
				Success:      &success,
			},
		})
		wire = append(wire, ChatMessage{
			Role:       RoleTool,
			Content:    resultJSON,
			ToolCallID: call.ID,
		})

		if !result.Success {
			e.logger.Warn("tool failed",
				"conversation", conv.ID,
				"tool", call.Function.Name,
				"error", result.Error,
				"retryable", result.Retryable)
		}
	}

	// ── Second model call: no further tools, its text is the final reply ──
	finalResp, err := e.deps.LLM.CompleteWithTools(ctx, agent.Model, agent.Temperature, agent.MaxTokens, wire, nil)
	if err != nil {
		e.logger.Error("final model call failed",
			"conversation", conv.ID, "error", err)
		return e.fallbackResult(), nil
	}

	conv.Messages = append(conv.Messages, Message{
		Role:      RoleAssistant,
		Content:   finalResp.Content,
		Timestamp: e.deps.clock(),
	})
	if err := e.persistTurn(ctx, conv, baseline); err != nil {
		return nil, err
	}

	e.logger.Info("turn complete",
		"conversation", conv.ID,
		"tools", toolsUsed,
		"tool_calls", len(resp.ToolCalls))

	return &TurnResult{
		Reply:         finalResp.Content,
		ToolsUsed:     toolsUsed,
		ToolCallCount: len(resp.ToolCalls),
		Success:       true,
	}, nil
}

// invocationKey derives a stable invocation id from the conversation and the
// model's tool-call id, so dispatching the same model response twice (a turn
// retried after its final call failed) replays the cached result instead of
// repeating the side effect. Calls without an id get a random one and are
// never deduplicated.
func invocationKey(conversationID, toolCallID string) string {
	if toolCallID == "" {
		return uuid.NewString()
	}
	return conversationID + ":" + toolCallID
}

// fallbackResult is the fixed apology used when the model is unreachable.
// The conversation is left unchanged so the turn can be retried.
func (e *Engine) fallbackResult() *TurnResult {
	return &TurnResult{
		Reply:     e.cfg.Turn.FallbackReply,
		ToolsUsed: []string{},
		Success:   false,
		Fallback:  true,
	}
}

// renderSystemPrompt combines the industry template with the tenant's
// personality/business/objectives fragments.
func (e *Engine) renderSystemPrompt(industry *Industry, agent *AgentConfig) string {
	runtime := map[string]string{
		"agent_name":       e.cfg.Name,
		"language":         e.cfg.Language,
		"business_context": agent.Business,
		"objectives":       agent.Objectives,
	}
	prompt := industry.RenderPrompt(runtime, e.cfg.Prompt.MaxLength)
	if agent.Personality != "" {
		prompt += "\n\n## Personalidade\n" + agent.Personality
	}
	return prompt
}

// offeredTools intersects the registry, the tenant allowlist and the
// vertical's tool subset.
func (e *Engine) offeredTools(industry *Industry, agent *AgentConfig) []ToolDefinition {
	defs := e.registry.DefinitionsFor(agent)
	out := defs[:0]
	for _, d := range defs {
		if industry.AllowsTool(d.Function.Name) {
			out = append(out, d)
		}
	}
	return out
}

// buildWireMessages renders the prompt window: system prompt plus the most
// recent history entries. The durable log is not the prompt — only a window
// of it is ever sent to the model.
func (e *Engine) buildWireMessages(systemPrompt string, conv *ConversationContext) []ChatMessage {
	wire := []ChatMessage{{Role: RoleSystem, Content: systemPrompt}}
	for _, m := range promptWindow(conv.Messages, e.cfg.Turn.HistoryWindow) {
		// Tool bookkeeping entries stay in the durable log only.
		if m.Role != RoleUser && m.Role != RoleAssistant {
			continue
		}
		wire = append(wire, ChatMessage{Role: m.Role, Content: m.Content})
	}
	return wire
}

// promptWindow returns the last n messages (all of them when n <= 0).
func promptWindow(msgs []Message, n int) []Message {
	if n <= 0 || len(msgs) <= n {
		return msgs
	}
	return msgs[len(msgs)-n:]
}

// persistTurn writes the messages appended since baseline and the updated
// conversation state in one pass.
func (e *Engine) persistTurn(ctx context.Context, conv *ConversationContext, baseline int) error {
	if len(conv.Messages) > baseline {
		if err := e.deps.Conversations.AppendMessages(ctx, conv.ID, conv.Messages[baseline:]); err != nil {
			return fmt.Errorf("persisting messages: %w", err)
		}
	}
	if err := e.deps.Conversations.UpdateState(ctx, conv); err != nil {
		return fmt.Errorf("persisting conversation state: %w", err)
	}
	return nil
}

// marshalToolResult serializes a tool result for the model and the log.
func marshalToolResult(r ToolCallResult) string {
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Sprintf(`{"success":false,"error":"marshal: %v"}`, err)
	}
	return string(b)
}
