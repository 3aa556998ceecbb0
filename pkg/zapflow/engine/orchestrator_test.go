package engine

import (
	"context"
	"errors"
	"testing"
)

func inbound(conv string) *InboundMessage {
	return &InboundMessage{
		ConversationID: conv,
		TenantID:       "default",
		CustomerPhone:  "5511999990000",
		Text:           "Oi, vocês têm cardápio?",
	}
}

func TestProcessMessageNoToolCalls(t *testing.T) {
	env := newTestEnv()
	env.llm.responses = []*LLMResponse{{Content: "Olá! Como posso ajudar?"}}
	eng := env.newEngine()

	result, err := eng.ProcessMessage(context.Background(), inbound("c1"))
	if err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	if !result.Success || result.Fallback {
		t.Errorf("unexpected result: %+v", result)
	}
	if result.Reply != "Olá! Como posso ajudar?" {
		t.Errorf("wrong reply: %q", result.Reply)
	}
	if env.llm.callCount() != 1 {
		t.Errorf("expected 1 model call, got %d", env.llm.callCount())
	}

	// User message and assistant reply both persisted.
	msgs := env.store.appended["c1"]
	if len(msgs) != 2 {
		t.Fatalf("expected 2 persisted messages, got %d", len(msgs))
	}
	if msgs[0].Role != RoleUser || msgs[1].Role != RoleAssistant {
		t.Errorf("wrong roles: %s, %s", msgs[0].Role, msgs[1].Role)
	}
}

func TestProcessMessageToolRound(t *testing.T) {
	env := newTestEnv()
	env.store.addMedia(&MediaAsset{ID: "m1", TenantID: "default", Purpose: "menu", URL: "/data/menu.pdf", Caption: "Cardápio"})
	env.llm.responses = []*LLMResponse{
		{
			Content: "",
			ToolCalls: []ToolCall{
				{ID: "call-1", Type: "function", Function: FunctionCall{Name: "send_multimedia", Arguments: `{"purpose":"menu"}`}},
				{ID: "call-2", Type: "function", Function: FunctionCall{Name: "analyze_customer_intent", Arguments: `{"intent":"menu_request","confidence":0.9,"qualification_score":40}`}},
			},
		},
		{Content: "Acabei de enviar nosso cardápio!"},
	}
	eng := env.newEngine()

	result, err := eng.ProcessMessage(context.Background(), inbound("c1"))
	if err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	if !result.Success {
		t.Fatalf("unexpected failure: %+v", result)
	}
	if result.ToolCallCount != 2 || len(result.ToolsUsed) != 2 {
		t.Errorf("expected 2 tool calls, got %+v", result)
	}
	if result.Reply != "Acabei de enviar nosso cardápio!" {
		t.Errorf("wrong reply: %q", result.Reply)
	}
	if env.llm.callCount() != 2 {
		t.Fatalf("expected exactly 2 model calls, got %d", env.llm.callCount())
	}

	t.Run("second call offers no tools", func(t *testing.T) {
		if len(env.llm.calls[1].Tools) != 0 {
			t.Errorf("final call must offer no tools, got %d", len(env.llm.calls[1].Tools))
		}
	})

	t.Run("tool results appear in the wire history", func(t *testing.T) {
		var toolMsgs int
		for _, m := range env.llm.calls[1].Messages {
			if m.Role == RoleTool {
				toolMsgs++
				if m.ToolCallID == "" {
					t.Error("tool wire message missing tool_call_id")
				}
			}
		}
		if toolMsgs != 2 {
			t.Errorf("expected 2 tool wire messages, got %d", toolMsgs)
		}
	})

	t.Run("durable log keeps tool bookkeeping", func(t *testing.T) {
		msgs := env.store.appended["c1"]
		// user + 2 tool results + final assistant (media delivery also logs one)
		var toolEntries int
		seen := map[string]bool{}
		for _, m := range msgs {
			if m.Role == RoleTool {
				if m.ToolMeta == nil || m.ToolMeta.InvocationID == "" || m.ToolMeta.Success == nil {
					t.Errorf("tool entry missing meta: %+v", m.ToolMeta)
					continue
				}
				seen[m.ToolMeta.InvocationID] = true
				toolEntries++
			}
		}
		if toolEntries != 2 {
			t.Errorf("expected 2 tool log entries, got %d", toolEntries)
		}
		// Invocation ids derive from conversation and tool-call ids so a
		// replayed model response hits the idempotency cache.
		for _, want := range []string{"c1:call-1", "c1:call-2"} {
			if !seen[want] {
				t.Errorf("missing invocation id %s in %v", want, seen)
			}
		}
	})

	t.Run("media actually went out", func(t *testing.T) {
		if len(env.store.sent) != 1 {
			t.Errorf("expected 1 outbound send, got %d", len(env.store.sent))
		}
	})
}

func TestProcessMessageHumanOnlyMutesAI(t *testing.T) {
	env := newTestEnv()
	eng := env.newEngine()

	// Put the conversation in human_only first.
	conv, _ := env.deps.Conversations.GetOrCreate(context.Background(), "c1", "default", "5511999990000")
	conv.Mode = ModeHumanOnly
	conv.HumanTakeover = true
	if err := env.deps.Conversations.UpdateState(context.Background(), conv); err != nil {
		t.Fatalf("UpdateState: %v", err)
	}

	result, err := eng.ProcessMessage(context.Background(), inbound("c1"))
	if err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	if !result.Success {
		t.Errorf("muted turn should succeed: %+v", result)
	}
	if result.Reply != "" {
		t.Errorf("muted turn must not produce a reply, got %q", result.Reply)
	}
	if env.llm.callCount() != 0 {
		t.Errorf("model must not be called while human_only, got %d calls", env.llm.callCount())
	}
	// The inbound message is still recorded for the human agent.
	if msgs := env.store.appended["c1"]; len(msgs) != 1 || msgs[0].Role != RoleUser {
		t.Errorf("inbound message not persisted: %v", msgs)
	}
}

func TestProcessMessageModelFailureFallback(t *testing.T) {
	t.Run("first call fails", func(t *testing.T) {
		env := newTestEnv()
		env.llm.errs = []error{externalErrorf("model call failed: timeout")}
		eng := env.newEngine()

		result, err := eng.ProcessMessage(context.Background(), inbound("c1"))
		if err != nil {
			t.Fatalf("fallback should not be an error: %v", err)
		}
		if result.Success || !result.Fallback {
			t.Errorf("expected fallback result, got %+v", result)
		}
		if result.Reply != env.cfg.Turn.FallbackReply {
			t.Errorf("wrong fallback reply: %q", result.Reply)
		}
		// Nothing persisted: the turn is resumable.
		if len(env.store.appended["c1"]) != 0 {
			t.Errorf("failed turn must not persist messages, got %d", len(env.store.appended["c1"]))
		}
	})

	t.Run("final call fails after tools ran", func(t *testing.T) {
		env := newTestEnv()
		env.llm.responses = []*LLMResponse{
			{ToolCalls: []ToolCall{
				{ID: "call-1", Function: FunctionCall{Name: "schedule_follow_up", Arguments: `{"delay_hours":24,"message":"oi"}`}},
			}},
		}
		env.llm.errs = []error{nil, externalErrorf("model call failed: 500")}
		eng := env.newEngine()

		result, err := eng.ProcessMessage(context.Background(), inbound("c1"))
		if err != nil {
			t.Fatalf("fallback should not be an error: %v", err)
		}
		if !result.Fallback {
			t.Errorf("expected fallback, got %+v", result)
		}
		// Tool side effects are not undone.
		if len(env.store.followUps) != 1 {
			t.Errorf("tool side effect lost: %d follow-ups", len(env.store.followUps))
		}
	})
}

func TestProcessMessageValidation(t *testing.T) {
	env := newTestEnv()
	eng := env.newEngine()

	_, err := eng.ProcessMessage(context.Background(), &InboundMessage{Text: "oi"})
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}

func TestOfferedToolsIntersection(t *testing.T) {
	env := newTestEnv()
	// Tenant only allows two tools; healthcare vertical excludes send_multimedia.
	env.cfg.Tenants = map[string]AgentConfig{
		"default": {EnabledFunctions: []string{"send_multimedia", "schedule_follow_up"}},
	}
	env.llm.responses = []*LLMResponse{{Content: "Claro, qual horário?"}}
	eng := env.newEngine()

	msg := inbound("c1")
	msg.Text = "Quero agendar uma consulta com o médico"
	if _, err := eng.ProcessMessage(context.Background(), msg); err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}

	offered := env.llm.calls[0].Tools
	if len(offered) != 1 || offered[0].Function.Name != "schedule_follow_up" {
		names := make([]string, 0, len(offered))
		for _, d := range offered {
			names = append(names, d.Function.Name)
		}
		t.Errorf("expected only schedule_follow_up offered, got %v", names)
	}
}

func TestPromptWindow(t *testing.T) {
	msgs := make([]Message, 50)
	for i := range msgs {
		msgs[i] = Message{Role: RoleUser, Content: "m"}
	}

	t.Run("caps to n", func(t *testing.T) {
		if got := len(promptWindow(msgs, 30)); got != 30 {
			t.Errorf("expected 30, got %d", got)
		}
	})
	t.Run("zero means everything", func(t *testing.T) {
		if got := len(promptWindow(msgs, 0)); got != 50 {
			t.Errorf("expected 50, got %d", got)
		}
	})
	t.Run("short history unchanged", func(t *testing.T) {
		if got := len(promptWindow(msgs[:5], 30)); got != 5 {
			t.Errorf("expected 5, got %d", got)
		}
	})
}
