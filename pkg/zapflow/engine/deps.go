// Package engine – deps.go declares the injected dependency contracts.
// The engine never touches a database client directly: every entity goes
// through a repository interface so the audit trail stays authoritative and
// tests can swap in deterministic doubles.
package engine

import (
	"context"
	"time"
)

// ConversationRepo persists conversation contexts and their ordered history.
type ConversationRepo interface {
	// Get loads a conversation by id. Returns ErrNotFound when absent.
	Get(ctx context.Context, id string) (*ConversationContext, error)

	// GetOrCreate loads a conversation, creating it in ai_only mode when it
	// does not exist yet.
	GetOrCreate(ctx context.Context, id, tenantID, customerPhone string) (*ConversationContext, error)

	// AppendMessages appends history entries in order.
	AppendMessages(ctx context.Context, conversationID string, msgs []Message) error

	// UpdateState persists mode, escalation, takeover flags and metadata.
	UpdateState(ctx context.Context, conv *ConversationContext) error
}

// LeadRepo persists customer leads.
type LeadRepo interface {
	// GetOrCreate loads the lead for a phone number within a tenant,
	// creating an empty one when absent.
	GetOrCreate(ctx context.Context, tenantID, phone string) (*CustomerLead, error)

	// UnionTags merges tags into the lead's existing set. Existing tags are
	// never removed.
	UnionTags(ctx context.Context, leadID string, tags []string) error

	// UpdateScoring sets qualification score, last intent and confidence.
	UpdateScoring(ctx context.Context, leadID string, score int, intent string, confidence float64) error

	// PatchContact fills in name/email when provided. Empty values are
	// left untouched.
	PatchContact(ctx context.Context, leadID, name, email string) error
}

// RecordRepo persists business records.
type RecordRepo interface {
	Create(ctx context.Context, rec *BusinessRecord) error
}

// FollowUpRepo persists follow-up tasks.
type FollowUpRepo interface {
	Create(ctx context.Context, task *FollowUpTask) error

	// Due returns PENDING tasks with scheduled_at <= now, oldest first.
	Due(ctx context.Context, now time.Time, limit int) ([]*FollowUpTask, error)

	// MarkDone transitions a task to DONE.
	MarkDone(ctx context.Context, id string) error

	// MarkError keeps the task PENDING and records the dispatch error.
	MarkError(ctx context.Context, id, errMsg string) error
}

// TakeoverLogRepo is the append-only control-transfer audit log.
type TakeoverLogRepo interface {
	Append(ctx context.Context, entry *TakeoverLogEntry) error

	// List returns entries for one conversation in timestamp order.
	List(ctx context.Context, conversationID string) ([]*TakeoverLogEntry, error)

	// ListSince returns all entries across conversations newer than since,
	// for the metrics aggregator.
	ListSince(ctx context.Context, since time.Time) ([]*TakeoverLogEntry, error)
}

// MediaAssetRepo resolves stored media by (tenant, purpose).
type MediaAssetRepo interface {
	// FindByPurpose returns ErrNotFound when the tenant has no asset for
	// the purpose.
	FindByPurpose(ctx context.Context, tenantID, purpose string) (*MediaAsset, error)
}

// AgentConfigRepo resolves the tenant-scoped agent configuration.
type AgentConfigRepo interface {
	// ForTenant returns the tenant's agent config, falling back to the
	// service-wide defaults when the tenant has no overrides.
	ForTenant(ctx context.Context, tenantID string) (*AgentConfig, error)
}

// MessagingGateway delivers outbound messages to the customer, e.g. the
// whatsmeow-backed WhatsApp channel. mediaURL is optional.
type MessagingGateway interface {
	Send(ctx context.Context, toPhone, body, mediaURL string) (messageID string, err error)
}

// ChatCompleter is the slice of the LLM client the orchestrator needs.
// *LLMClient implements it; tests substitute a scripted double.
type ChatCompleter interface {
	CompleteWithTools(ctx context.Context, model string, temperature float64, maxTokens int, messages []ChatMessage, tools []ToolDefinition) (*LLMResponse, error)
}

// Deps bundles everything the executors and the orchestrator need.
type Deps struct {
	Conversations ConversationRepo
	Leads         LeadRepo
	Records       RecordRepo
	FollowUps     FollowUpRepo
	Takeovers     TakeoverLogRepo
	Media         MediaAssetRepo
	AgentConfigs  AgentConfigRepo
	Gateway       MessagingGateway
	LLM           ChatCompleter

	// Now allows tests to pin the clock. Defaults to time.Now.
	Now func() time.Time
}

// clock returns the configured time source.
func (d *Deps) clock() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}
