// Package engine – types.go defines the conversation data model: the
// conversation context owned by the pipeline, leads, business records,
// follow-up tasks and the append-only takeover log.
package engine

import (
	"time"
)

// CollaborationMode identifies which actor may respond to the customer.
type CollaborationMode string

const (
	// ModeAIOnly is the initial mode: the AI answers every inbound message.
	ModeAIOnly CollaborationMode = "ai_only"

	// ModeHumanOnly means a human agent holds the conversation. The
	// customer-facing orchestration path must not run; only suggestion
	// generation may touch the model.
	ModeHumanOnly CollaborationMode = "human_only"

	// ModeCollaboration means human and AI share the conversation.
	ModeCollaboration CollaborationMode = "collaboration"
)

// Valid reports whether m is one of the three known modes.
func (m CollaborationMode) Valid() bool {
	switch m {
	case ModeAIOnly, ModeHumanOnly, ModeCollaboration:
		return true
	}
	return false
}

// Message roles in the conversation history.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolMeta records tool-call bookkeeping on history entries produced during
// a tool round.
type ToolMeta struct {
	InvocationID string `json:"invocation_id,omitempty"`
	ToolName     string `json:"tool_name,omitempty"`
	ToolCallID   string `json:"tool_call_id,omitempty"`
	Success      *bool  `json:"success,omitempty"`
}

// Message is a single entry in the durable conversation history.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	ToolMeta  *ToolMeta `json:"tool_meta,omitempty"`
}

// ConversationMetadata is the typed replacement for the free-form metadata
// blob: explicit optional fields, validated at the boundary.
type ConversationMetadata struct {
	LastIntent         string  `json:"last_intent,omitempty"`
	IntentConfidence   float64 `json:"intent_confidence,omitempty"`
	QualificationScore int     `json:"qualification_score,omitempty"`
	AISuggestionsCount int     `json:"ai_suggestions_count,omitempty"`
	LastAISuggestion   string  `json:"last_ai_suggestion,omitempty"`
	Resolved           bool    `json:"resolved,omitempty"`
}

// ConversationContext is the per-conversation state owned exclusively by the
// pipeline. It is mutated only through tool executors or the collaboration
// state machine, never directly by callers.
type ConversationContext struct {
	ID            string               `json:"id"`
	TenantID      string               `json:"tenant_id"`
	CustomerPhone string               `json:"customer_phone"`
	Messages      []Message            `json:"messages"`
	Mode          CollaborationMode    `json:"collaboration_mode"`
	Escalation    int                  `json:"escalation_level"`
	HumanTakeover bool                 `json:"human_takeover"`
	TakeoverAt    *time.Time           `json:"takeover_at,omitempty"`
	AgentID       string               `json:"current_agent_id,omitempty"`
	LeadID        string               `json:"customer_lead_id,omitempty"`
	Metadata      ConversationMetadata `json:"metadata"`
	CreatedAt     time.Time            `json:"created_at"`
	UpdatedAt     time.Time            `json:"updated_at"`
}

// AgentConfig is the tenant-scoped agent configuration: which model to use,
// sampling parameters, the tool allowlist and the prompt fragments that
// personalize the system prompt.
type AgentConfig struct {
	Model            string   `yaml:"model" json:"model"`
	Temperature      float64  `yaml:"temperature" json:"temperature"`
	MaxTokens        int      `yaml:"max_tokens" json:"max_tokens"`
	EnabledFunctions []string `yaml:"enabled_functions" json:"enabled_functions"`
	Personality      string   `yaml:"personality" json:"personality"`
	Business         string   `yaml:"business" json:"business"`
	Objectives       string   `yaml:"objectives" json:"objectives"`
}

// AllowsTool reports whether the tenant allowlist contains the tool name.
// An empty allowlist permits nothing: tools must be opted into explicitly.
func (c *AgentConfig) AllowsTool(name string) bool {
	for _, f := range c.EnabledFunctions {
		if f == name {
			return true
		}
	}
	return false
}

// BusinessRecordType values accepted by save_conversation_data.
var BusinessRecordTypes = []string{"order", "appointment", "inquiry", "lead", "complaint", "feedback"}

// BusinessRecord is the persisted output of save_conversation_data, linked
// to its conversation and lead.
type BusinessRecord struct {
	ID               string         `json:"id"`
	TenantID         string         `json:"tenant_id"`
	ConversationID   string         `json:"conversation_id"`
	LeadID           string         `json:"lead_id,omitempty"`
	Type             string         `json:"type"`
	Payload          map[string]any `json:"payload"`
	FollowUpRequired bool           `json:"follow_up_required"`
	CreatedAt        time.Time      `json:"created_at"`
}

// CustomerLead tracks qualification of the person behind the phone number.
// Tags only grow: analyze_customer_intent unions new tags into the set.
type CustomerLead struct {
	ID                 string    `json:"id"`
	TenantID           string    `json:"tenant_id"`
	Phone              string    `json:"phone"`
	Name               string    `json:"name,omitempty"`
	Email              string    `json:"email,omitempty"`
	QualificationScore int       `json:"qualification_score"`
	Tags               []string  `json:"tags"`
	LastIntent         string    `json:"last_intent,omitempty"`
	IntentConfidence   float64   `json:"intent_confidence,omitempty"`
	BusinessType       string    `json:"business_type,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// FollowUpStatus is the lifecycle of a scheduled follow-up.
type FollowUpStatus string

const (
	FollowUpPending   FollowUpStatus = "PENDING"
	FollowUpDone      FollowUpStatus = "DONE"
	FollowUpCancelled FollowUpStatus = "CANCELLED"
)

// FollowUpTask is a deferred outbound touch created by schedule_follow_up
// and dispatched by the scheduler when due.
type FollowUpTask struct {
	ID             string         `json:"id"`
	TenantID       string         `json:"tenant_id"`
	ConversationID string         `json:"conversation_id"`
	CustomerPhone  string         `json:"customer_phone"`
	Type           string         `json:"type"`
	Message        string         `json:"message"`
	Priority       string         `json:"priority"`
	ScheduledAt    time.Time      `json:"scheduled_at"`
	Status         FollowUpStatus `json:"status"`
	LastError      string         `json:"last_error,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// TakeoverEventType classifies entries in the takeover audit log.
type TakeoverEventType string

const (
	TakeoverRequested    TakeoverEventType = "requested"
	TakeoverStarted      TakeoverEventType = "started"
	TakeoverEnded        TakeoverEventType = "ended"
	TakeoverAISuggestion TakeoverEventType = "ai_suggestion"
)

// TakeoverLogEntry is one immutable row in the append-only control-transfer
// audit log. The metrics aggregator is its only other consumer.
type TakeoverLogEntry struct {
	ID             string            `json:"id"`
	TenantID       string            `json:"tenant_id"`
	ConversationID string            `json:"conversation_id"`
	EventType      TakeoverEventType `json:"event_type"`
	FromMode       CollaborationMode `json:"from_mode,omitempty"`
	ToMode         CollaborationMode `json:"to_mode,omitempty"`
	Reason         string            `json:"reason,omitempty"`
	Actor          string            `json:"actor,omitempty"`
	Timestamp      time.Time         `json:"timestamp"`
}

// AISuggestion is a candidate reply drafted for the human agent while the
// conversation is in human_only mode. Never auto-sent to the customer.
type AISuggestion struct {
	Title      string  `json:"title"`
	Content    string  `json:"content"`
	Confidence float64 `json:"confidence"`
}

// InboundMessage is the normalized inbound event handed to the pipeline by
// the webhook collaborator or the WhatsApp channel.
type InboundMessage struct {
	ConversationID string   `json:"conversation_id"`
	TenantID       string   `json:"tenant_id"`
	CustomerPhone  string   `json:"customer_phone"`
	Text           string   `json:"text"`
	MediaRefs      []string `json:"media_refs,omitempty"`
}

// TurnResult is what one orchestration turn produces.
type TurnResult struct {
	Reply         string   `json:"reply"`
	ToolsUsed     []string `json:"tools_used"`
	ToolCallCount int      `json:"tool_call_count"`
	Success       bool     `json:"success"`
	Fallback      bool     `json:"fallback"`
}

// MediaAsset is a stored media file addressable by (tenant, purpose),
// e.g. the restaurant menu PDF or the price list image.
type MediaAsset struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Purpose   string    `json:"purpose"`
	URL       string    `json:"url"`
	MimeType  string    `json:"mime_type"`
	Caption   string    `json:"caption,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
