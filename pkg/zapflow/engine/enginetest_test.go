package engine

// In-memory doubles for the repository and gateway contracts, shared by the
// engine package tests.

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, nil))
}

// memStore implements every repository interface in memory.
type memStore struct {
	mu sync.Mutex

	convs    map[string]*ConversationContext
	appended map[string][]Message

	leads        map[string]*CustomerLead
	leadsByPhone map[string]string

	records   []*BusinessRecord
	followUps []*FollowUpTask
	takeovers []*TakeoverLogEntry
	media     map[string]*MediaAsset

	// Injectable failures.
	failAppend      error
	failUpdateState error
	failUnionTags   error
	failSend        error

	sent []sentMessage
	seq  int
}

type sentMessage struct {
	To    string
	Body  string
	Media string
}

func newMemStore() *memStore {
	return &memStore{
		convs:        map[string]*ConversationContext{},
		appended:     map[string][]Message{},
		leads:        map[string]*CustomerLead{},
		leadsByPhone: map[string]string{},
		media:        map[string]*MediaAsset{},
	}
}

func copyConv(c *ConversationContext) *ConversationContext {
	out := *c
	out.Messages = append([]Message(nil), c.Messages...)
	if c.TakeoverAt != nil {
		t := *c.TakeoverAt
		out.TakeoverAt = &t
	}
	return &out
}

// --- ConversationRepo ---

func (m *memStore) Get(_ context.Context, id string) (*ConversationContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[id]
	if !ok {
		return nil, notFoundErrorf("conversation %q", id)
	}
	return copyConv(c), nil
}

func (m *memStore) GetOrCreate(_ context.Context, id, tenantID, phone string) (*ConversationContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.convs[id]; ok {
		return copyConv(c), nil
	}
	c := &ConversationContext{
		ID:            id,
		TenantID:      tenantID,
		CustomerPhone: phone,
		Mode:          ModeAIOnly,
		CreatedAt:     time.Now(),
	}
	m.convs[id] = c
	return copyConv(c), nil
}

func (m *memStore) AppendMessages(_ context.Context, id string, msgs []Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAppend != nil {
		return m.failAppend
	}
	m.appended[id] = append(m.appended[id], msgs...)
	if c, ok := m.convs[id]; ok {
		c.Messages = append(c.Messages, msgs...)
	}
	return nil
}

func (m *memStore) UpdateState(_ context.Context, conv *ConversationContext) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failUpdateState != nil {
		return m.failUpdateState
	}
	stored, ok := m.convs[conv.ID]
	if !ok {
		return notFoundErrorf("conversation %q", conv.ID)
	}
	msgs := stored.Messages
	*stored = *conv
	stored.Messages = msgs
	return nil
}

// --- LeadRepo ---

func (m *memStore) leadKey(tenantID, phone string) string { return tenantID + "|" + phone }

func (m *memStore) getOrCreateLead(tenantID, phone string) *CustomerLead {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := m.leadKey(tenantID, phone)
	if id, ok := m.leadsByPhone[key]; ok {
		return m.leads[id]
	}
	m.seq++
	lead := &CustomerLead{
		ID:       fmt.Sprintf("lead-%d", m.seq),
		TenantID: tenantID,
		Phone:    phone,
	}
	m.leads[lead.ID] = lead
	m.leadsByPhone[key] = lead.ID
	return lead
}

// leadRepo adapts memStore to LeadRepo (Get name collides with ConversationRepo).
type leadRepo struct{ m *memStore }

func (r leadRepo) GetOrCreate(_ context.Context, tenantID, phone string) (*CustomerLead, error) {
	lead := r.m.getOrCreateLead(tenantID, phone)
	out := *lead
	out.Tags = append([]string(nil), lead.Tags...)
	return &out, nil
}

func (r leadRepo) UnionTags(_ context.Context, leadID string, tags []string) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if r.m.failUnionTags != nil {
		return r.m.failUnionTags
	}
	lead, ok := r.m.leads[leadID]
	if !ok {
		return notFoundErrorf("lead %q", leadID)
	}
	seen := map[string]bool{}
	for _, t := range lead.Tags {
		seen[t] = true
	}
	for _, t := range tags {
		if !seen[t] {
			lead.Tags = append(lead.Tags, t)
			seen[t] = true
		}
	}
	return nil
}

func (r leadRepo) UpdateScoring(_ context.Context, leadID string, score int, intent string, confidence float64) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	lead, ok := r.m.leads[leadID]
	if !ok {
		return notFoundErrorf("lead %q", leadID)
	}
	lead.QualificationScore = score
	lead.LastIntent = intent
	lead.IntentConfidence = confidence
	return nil
}

func (r leadRepo) PatchContact(_ context.Context, leadID, name, email string) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	lead, ok := r.m.leads[leadID]
	if !ok {
		return notFoundErrorf("lead %q", leadID)
	}
	if name != "" {
		lead.Name = name
	}
	if email != "" {
		lead.Email = email
	}
	return nil
}

// --- RecordRepo ---

type recordRepo struct{ m *memStore }

func (r recordRepo) Create(_ context.Context, rec *BusinessRecord) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	r.m.records = append(r.m.records, rec)
	return nil
}

// --- FollowUpRepo ---

type followUpRepo struct{ m *memStore }

func (r followUpRepo) Create(_ context.Context, task *FollowUpTask) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	r.m.followUps = append(r.m.followUps, task)
	return nil
}

func (r followUpRepo) Due(_ context.Context, now time.Time, limit int) ([]*FollowUpTask, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var out []*FollowUpTask
	for _, t := range r.m.followUps {
		if t.Status == FollowUpPending && !t.ScheduledAt.After(now) {
			out = append(out, t)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (r followUpRepo) MarkDone(_ context.Context, id string) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for _, t := range r.m.followUps {
		if t.ID == id {
			t.Status = FollowUpDone
			return nil
		}
	}
	return notFoundErrorf("follow-up %q", id)
}

func (r followUpRepo) MarkError(_ context.Context, id, errMsg string) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for _, t := range r.m.followUps {
		if t.ID == id {
			t.LastError = errMsg
			return nil
		}
	}
	return notFoundErrorf("follow-up %q", id)
}

// --- TakeoverLogRepo ---

type takeoverRepo struct{ m *memStore }

func (r takeoverRepo) Append(_ context.Context, entry *TakeoverLogEntry) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	r.m.takeovers = append(r.m.takeovers, entry)
	return nil
}

func (r takeoverRepo) List(_ context.Context, conversationID string) ([]*TakeoverLogEntry, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var out []*TakeoverLogEntry
	for _, e := range r.m.takeovers {
		if e.ConversationID == conversationID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r takeoverRepo) ListSince(_ context.Context, since time.Time) ([]*TakeoverLogEntry, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var out []*TakeoverLogEntry
	for _, e := range r.m.takeovers {
		if e.Timestamp.After(since) {
			out = append(out, e)
		}
	}
	return out, nil
}

// --- MediaAssetRepo ---

type mediaRepo struct{ m *memStore }

func (r mediaRepo) FindByPurpose(_ context.Context, tenantID, purpose string) (*MediaAsset, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	asset, ok := r.m.media[tenantID+"|"+purpose]
	if !ok {
		return nil, notFoundErrorf("media asset %q", purpose)
	}
	return asset, nil
}

func (m *memStore) addMedia(asset *MediaAsset) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.media[asset.TenantID+"|"+asset.Purpose] = asset
}

// --- MessagingGateway ---

type fakeGateway struct{ m *memStore }

func (g fakeGateway) Send(_ context.Context, toPhone, body, mediaURL string) (string, error) {
	g.m.mu.Lock()
	defer g.m.mu.Unlock()
	if g.m.failSend != nil {
		return "", g.m.failSend
	}
	g.m.sent = append(g.m.sent, sentMessage{To: toPhone, Body: body, Media: mediaURL})
	return fmt.Sprintf("msg-%d", len(g.m.sent)), nil
}

// --- ChatCompleter ---

// scriptedLLM replays a fixed sequence of responses/errors and records the
// requests it saw.
type scriptedLLM struct {
	mu        sync.Mutex
	responses []*LLMResponse
	errs      []error
	calls     []scriptedCall
}

type scriptedCall struct {
	Messages []ChatMessage
	Tools    []ToolDefinition
}

func (s *scriptedLLM) CompleteWithTools(_ context.Context, _ string, _ float64, _ int, messages []ChatMessage, tools []ToolDefinition) (*LLMResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, scriptedCall{Messages: messages, Tools: tools})
	idx := len(s.calls) - 1
	if idx < len(s.errs) && s.errs[idx] != nil {
		return nil, s.errs[idx]
	}
	if idx < len(s.responses) {
		return s.responses[idx], nil
	}
	return &LLMResponse{Content: "ok"}, nil
}

func (s *scriptedLLM) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// --- assembly ---

type testEnv struct {
	store *memStore
	llm   *scriptedLLM
	deps  *Deps
	cfg   *Config
	locks *ConvLocks
}

func newTestEnv() *testEnv {
	m := newMemStore()
	llm := &scriptedLLM{}
	cfg := DefaultConfig()
	deps := &Deps{
		Conversations: m,
		Leads:         leadRepo{m},
		Records:       recordRepo{m},
		FollowUps:     followUpRepo{m},
		Takeovers:     takeoverRepo{m},
		Media:         mediaRepo{m},
		AgentConfigs:  NewConfigAgentRepo(cfg),
		Gateway:       fakeGateway{m},
		LLM:           llm,
		Now:           func() time.Time { return time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC) },
	}
	return &testEnv{
		store: m,
		llm:   llm,
		deps:  deps,
		cfg:   cfg,
		locks: NewConvLocks(),
	}
}

func (e *testEnv) newEngine() *Engine {
	return NewEngine(e.deps, NewRegistry(testLogger()), e.cfg, e.locks, testLogger())
}

func (e *testEnv) newCollaboration() *Collaboration {
	return NewCollaboration(e.deps, e.cfg.Collaboration, e.locks, testLogger())
}

func (e *testEnv) toolContext(conv *ConversationContext) *ToolContext {
	agent := e.cfg.AgentConfigForTenant(conv.TenantID)
	return NewToolContext(conv, agent, e.deps)
}
