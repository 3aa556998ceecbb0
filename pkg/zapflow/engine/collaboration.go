// Package engine – collaboration.go implements the human/AI collaboration
// state machine: ai_only / human_only / collaboration modes, escalation
// tracking and the append-only takeover audit log.
//
// Hard invariant: while a conversation is human_only, the customer-facing
// orchestration path must not run. Only suggestion generation may touch the
// model, and suggestions are never auto-sent.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
)

// Takeover transition errors.
var (
	// ErrAlreadyHumanOnly rejects a second start_takeover without an
	// intervening end_takeover (unless restacking is enabled).
	ErrAlreadyHumanOnly = errors.New("conversation already in human_only mode")

	// ErrNotHumanOnly rejects end_takeover and suggestion generation when
	// no human holds the conversation.
	ErrNotHumanOnly = errors.New("conversation is not in human_only mode")

	// ErrEmptyReason rejects a takeover without a stated reason.
	ErrEmptyReason = errors.New("takeover reason must not be empty")
)

// Collaboration drives mode transitions for conversations. All transitions
// serialize through the shared per-conversation locks.
type Collaboration struct {
	deps   *Deps
	cfg    CollaborationConfig
	locks  *ConvLocks
	logger *slog.Logger
}

// NewCollaboration creates the state machine over the shared dependencies.
func NewCollaboration(deps *Deps, cfg CollaborationConfig, locks *ConvLocks, logger *slog.Logger) *Collaboration {
	if cfg.MaxSuggestions <= 0 {
		cfg.MaxSuggestions = 3
	}
	return &Collaboration{
		deps:   deps,
		cfg:    cfg,
		locks:  locks,
		logger: logger.With("component", "collaboration"),
	}
}

// Status is the collaboration read-API payload.
type Status struct {
	ConversationID     string              `json:"conversation_id"`
	IsHumanTakeover    bool                `json:"is_human_takeover"`
	Mode               CollaborationMode   `json:"collaboration_mode"`
	EscalationLevel    int                 `json:"escalation_level"`
	LastAISuggestion   string              `json:"last_ai_suggestion,omitempty"`
	AISuggestionsCount int                 `json:"ai_suggestions_count"`
	History            []*TakeoverLogEntry `json:"history"`
}

// Status returns the current collaboration state plus the ordered takeover
// history for one conversation.
func (c *Collaboration) Status(ctx context.Context, conversationID string) (*Status, error) {
	conv, err := c.deps.Conversations.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	history, err := c.deps.Takeovers.List(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("loading takeover history: %w", err)
	}
	return &Status{
		ConversationID:     conv.ID,
		IsHumanTakeover:    conv.HumanTakeover,
		Mode:               conv.Mode,
		EscalationLevel:    conv.Escalation,
		LastAISuggestion:   conv.Metadata.LastAISuggestion,
		AISuggestionsCount: conv.Metadata.AISuggestionsCount,
		History:            history,
	}, nil
}

// RequestTakeover logs a "requested" advisory event. It does not change the
// conversation mode; a live agent queue decides whether to act on it.
func (c *Collaboration) RequestTakeover(ctx context.Context, conversationID, reason, requestedBy string) error {
	unlock := c.locks.Lock(conversationID)
	defer unlock()

	conv, err := c.deps.Conversations.Get(ctx, conversationID)
	if err != nil {
		return err
	}

	entry := &TakeoverLogEntry{
		ID:             uuid.NewString(),
		TenantID:       conv.TenantID,
		ConversationID: conv.ID,
		EventType:      TakeoverRequested,
		FromMode:       conv.Mode,
		ToMode:         conv.Mode,
		Reason:         reason,
		Actor:          requestedBy,
		Timestamp:      c.deps.clock(),
	}
	if err := c.deps.Takeovers.Append(ctx, entry); err != nil {
		return fmt.Errorf("logging takeover request: %w", err)
	}

	c.logger.Info("takeover requested",
		"conversation", conv.ID, "by", requestedBy, "reason", reason)
	return nil
}

// StartTakeover moves ai_only or collaboration into human_only: sets the
// takeover flags, bumps the escalation level and appends a "started" log
// entry. A second start while already human_only is rejected unless
// restack_escalation is enabled, in which case it re-stacks the escalation
// level with the new reason.
func (c *Collaboration) StartTakeover(ctx context.Context, conversationID, reason, agentID string) error {
	if strings.TrimSpace(reason) == "" {
		return ErrEmptyReason
	}

	unlock := c.locks.Lock(conversationID)
	defer unlock()

	conv, err := c.deps.Conversations.Get(ctx, conversationID)
	if err != nil {
		return err
	}

	if conv.Mode == ModeHumanOnly && !c.cfg.RestackEscalation {
		return ErrAlreadyHumanOnly
	}

	fromMode := conv.Mode
	now := c.deps.clock()

	conv.Mode = ModeHumanOnly
	conv.HumanTakeover = true
	conv.TakeoverAt = &now
	conv.Escalation++
	if agentID != "" {
		conv.AgentID = agentID
	}
	if err := c.deps.Conversations.UpdateState(ctx, conv); err != nil {
		return fmt.Errorf("persisting takeover: %w", err)
	}

	entry := &TakeoverLogEntry{
		ID:             uuid.NewString(),
		TenantID:       conv.TenantID,
		ConversationID: conv.ID,
		EventType:      TakeoverStarted,
		FromMode:       fromMode,
		ToMode:         ModeHumanOnly,
		Reason:         reason,
		Actor:          agentID,
		Timestamp:      now,
	}
	if err := c.deps.Takeovers.Append(ctx, entry); err != nil {
		return fmt.Errorf("logging takeover start: %w", err)
	}

	c.logger.Info("takeover started",
		"conversation", conv.ID, "from", fromMode,
		"escalation", conv.Escalation, "agent", agentID)
	return nil
}

// EndTakeover returns a human_only conversation to returnTo (ai_only when
// empty), clears the takeover flags and appends an "ended" log entry.
func (c *Collaboration) EndTakeover(ctx context.Context, conversationID string, returnTo CollaborationMode, agentID string) error {
	if returnTo == "" {
		returnTo = ModeAIOnly
	}
	if !returnTo.Valid() || returnTo == ModeHumanOnly {
		return validationErrorf("invalid return mode %q", returnTo)
	}

	unlock := c.locks.Lock(conversationID)
	defer unlock()

	conv, err := c.deps.Conversations.Get(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv.Mode != ModeHumanOnly {
		return ErrNotHumanOnly
	}

	now := c.deps.clock()
	conv.Mode = returnTo
	conv.HumanTakeover = false
	conv.TakeoverAt = nil
	// The human concluded their intervention: the conversation counts as
	// resolved for the analytics resolution rate.
	conv.Metadata.Resolved = true
	if err := c.deps.Conversations.UpdateState(ctx, conv); err != nil {
		return fmt.Errorf("persisting takeover end: %w", err)
	}

	entry := &TakeoverLogEntry{
		ID:             uuid.NewString(),
		TenantID:       conv.TenantID,
		ConversationID: conv.ID,
		EventType:      TakeoverEnded,
		FromMode:       ModeHumanOnly,
		ToMode:         returnTo,
		Actor:          agentID,
		Timestamp:      now,
	}
	if err := c.deps.Takeovers.Append(ctx, entry); err != nil {
		return fmt.Errorf("logging takeover end: %w", err)
	}

	c.logger.Info("takeover ended",
		"conversation", conv.ID, "return_to", returnTo)
	return nil
}

// GenerateSuggestions drafts up to max_suggestions candidate replies for the
// human agent. Only valid while human_only; the candidates are logged and
// counted but never sent to the customer.
func (c *Collaboration) GenerateSuggestions(ctx context.Context, conversationID, currentMessage string) ([]AISuggestion, error) {
	unlock := c.locks.Lock(conversationID)
	defer unlock()

	conv, err := c.deps.Conversations.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.Mode != ModeHumanOnly {
		return nil, ErrNotHumanOnly
	}

	agent, err := c.deps.AgentConfigs.ForTenant(ctx, conv.TenantID)
	if err != nil {
		return nil, fmt.Errorf("loading agent config: %w", err)
	}

	messages := c.buildSuggestionPrompt(conv, currentMessage)

	// Suggestion drafting offers no tools: it is a pure text task.
	resp, err := c.deps.LLM.CompleteWithTools(ctx, agent.Model, agent.Temperature, agent.MaxTokens, messages, nil)
	if err != nil {
		return nil, err
	}

	suggestions := parseSuggestions(resp.Content, c.cfg.MaxSuggestions)
	if len(suggestions) == 0 {
		// Model ignored the format; wrap its raw text as a single candidate.
		suggestions = []AISuggestion{{
			Title:      "Sugestão",
			Content:    strings.TrimSpace(resp.Content),
			Confidence: 0.5,
		}}
	}

	now := c.deps.clock()
	conv.Metadata.AISuggestionsCount++
	conv.Metadata.LastAISuggestion = suggestions[0].Content
	if err := c.deps.Conversations.UpdateState(ctx, conv); err != nil {
		return nil, fmt.Errorf("persisting suggestion metadata: %w", err)
	}

	entry := &TakeoverLogEntry{
		ID:             uuid.NewString(),
		TenantID:       conv.TenantID,
		ConversationID: conv.ID,
		EventType:      TakeoverAISuggestion,
		FromMode:       ModeHumanOnly,
		ToMode:         ModeHumanOnly,
		Reason:         fmt.Sprintf("%d suggestion(s) drafted", len(suggestions)),
		Timestamp:      now,
	}
	if err := c.deps.Takeovers.Append(ctx, entry); err != nil {
		return nil, fmt.Errorf("logging suggestion event: %w", err)
	}

	c.logger.Info("ai suggestions drafted",
		"conversation", conv.ID, "count", len(suggestions))
	return suggestions, nil
}

// buildSuggestionPrompt assembles the drafting prompt: instructions, a
// recent history window and the message the agent is answering.
func (c *Collaboration) buildSuggestionPrompt(conv *ConversationContext, currentMessage string) []ChatMessage {
	var sb strings.Builder
	sb.WriteString("Você apoia um atendente humano. Rascunhe até ")
	sb.WriteString(fmt.Sprintf("%d", c.cfg.MaxSuggestions))
	sb.WriteString(" respostas candidatas para a mensagem do cliente.\n")
	sb.WriteString(`Responda APENAS com um array JSON: [{"title": "...", "content": "...", "confidence": 0.0}]`)

	messages := []ChatMessage{{Role: RoleSystem, Content: sb.String()}}
	for _, m := range promptWindow(conv.Messages, 10) {
		if m.Role != RoleUser && m.Role != RoleAssistant {
			continue
		}
		messages = append(messages, ChatMessage{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, ChatMessage{Role: RoleUser, Content: currentMessage})
	return messages
}

// parseSuggestions decodes the JSON suggestion array, tolerating code fences
// and clamping confidence into [0,1] and the count to max.
func parseSuggestions(raw string, max int) []AISuggestion {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)

	var parsed []AISuggestion
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil
	}

	out := parsed
	if len(out) > max {
		out = out[:max]
	}
	for i := range out {
		if out[i].Confidence < 0 {
			out[i].Confidence = 0
		}
		if out[i].Confidence > 1 {
			out[i].Confidence = 1
		}
	}
	return out
}
