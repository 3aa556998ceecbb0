package engine

import (
	"context"
	"strings"
	"testing"
)

func TestRegistryBuiltins(t *testing.T) {
	r := NewRegistry(testLogger())

	t.Run("registers the four tools in order", func(t *testing.T) {
		names := r.Names()
		want := []string{"send_multimedia", "save_conversation_data", "analyze_customer_intent", "schedule_follow_up"}
		if len(names) != len(want) {
			t.Fatalf("expected %d tools, got %d", len(want), len(names))
		}
		for i, n := range want {
			if names[i] != n {
				t.Errorf("position %d: expected %s, got %s", i, n, names[i])
			}
		}
	})

	t.Run("every builtin has schema and executor", func(t *testing.T) {
		for _, name := range r.Names() {
			tool, ok := r.Get(name)
			if !ok {
				t.Fatalf("tool %s not found", name)
			}
			if len(tool.ArgSchema) == 0 {
				t.Errorf("tool %s has no arg schema", name)
			}
			if tool.Execute == nil {
				t.Errorf("tool %s has no executor", name)
			}
			if tool.SideEffect == "" {
				t.Errorf("tool %s has no side effect category", name)
			}
		}
	})
}

func TestRegistryDefinitionsFor(t *testing.T) {
	r := NewRegistry(testLogger())

	t.Run("intersects with allowlist", func(t *testing.T) {
		agent := &AgentConfig{EnabledFunctions: []string{"send_multimedia", "schedule_follow_up"}}
		defs := r.DefinitionsFor(agent)
		if len(defs) != 2 {
			t.Fatalf("expected 2 definitions, got %d", len(defs))
		}
		if defs[0].Function.Name != "send_multimedia" || defs[1].Function.Name != "schedule_follow_up" {
			t.Errorf("unexpected definitions: %v, %v", defs[0].Function.Name, defs[1].Function.Name)
		}
	})

	t.Run("empty allowlist offers nothing", func(t *testing.T) {
		defs := r.DefinitionsFor(&AgentConfig{})
		if len(defs) != 0 {
			t.Errorf("expected no definitions, got %d", len(defs))
		}
	})
}

func TestRegistryDispatch(t *testing.T) {
	env := newTestEnv()
	r := NewRegistry(testLogger())

	conv, _ := env.deps.Conversations.GetOrCreate(context.Background(), "c1", "default", "5511999990000")
	tc := env.toolContext(conv)

	t.Run("unknown tool is a permission failure", func(t *testing.T) {
		res := r.Dispatch(context.Background(), "inv-1", ToolCall{
			ID:       "call-1",
			Function: FunctionCall{Name: "drop_database"},
		}, tc)
		if res.Success {
			t.Fatal("expected failure")
		}
		if !strings.Contains(res.Error, "permission denied") {
			t.Errorf("expected permission denied, got %q", res.Error)
		}
		if res.Retryable {
			t.Error("permission failures must not be retryable")
		}
	})

	t.Run("tool outside allowlist is rejected before execution", func(t *testing.T) {
		restricted := env.toolContext(conv)
		restricted.Agent = &AgentConfig{EnabledFunctions: []string{"send_multimedia"}}
		res := r.Dispatch(context.Background(), "inv-2", ToolCall{
			ID:       "call-2",
			Function: FunctionCall{Name: "schedule_follow_up", Arguments: `{"delay_hours":24,"message":"oi"}`},
		}, restricted)
		if res.Success {
			t.Fatal("expected failure")
		}
		if !strings.Contains(res.Error, "not enabled for this tenant") {
			t.Errorf("unexpected error: %q", res.Error)
		}
		if len(env.store.followUps) != 0 {
			t.Error("executor must not have run")
		}
	})

	t.Run("malformed arguments are a validation failure", func(t *testing.T) {
		res := r.Dispatch(context.Background(), "inv-3", ToolCall{
			ID:       "call-3",
			Function: FunctionCall{Name: "schedule_follow_up", Arguments: `{not json`},
		}, tc)
		if res.Success {
			t.Fatal("expected failure")
		}
		if !strings.Contains(res.Error, "validation error") {
			t.Errorf("unexpected error: %q", res.Error)
		}
	})

	t.Run("same invocation id replays the cached result", func(t *testing.T) {
		call := ToolCall{
			ID:       "call-4",
			Function: FunctionCall{Name: "schedule_follow_up", Arguments: `{"delay_hours":24,"message":"retorno"}`},
		}
		first := r.Dispatch(context.Background(), "inv-4", call, tc)
		if !first.Success {
			t.Fatalf("expected success, got %q", first.Error)
		}
		if len(env.store.followUps) != 1 {
			t.Fatalf("expected 1 follow-up, got %d", len(env.store.followUps))
		}

		second := r.Dispatch(context.Background(), "inv-4", call, tc)
		if !second.Success {
			t.Fatalf("replay should succeed, got %q", second.Error)
		}
		if len(env.store.followUps) != 1 {
			t.Errorf("replay must not repeat the side effect, got %d follow-ups", len(env.store.followUps))
		}
		if second.Payload["task_id"] != first.Payload["task_id"] {
			t.Error("replay must return the original result")
		}
	})

	t.Run("distinct invocation ids execute separately", func(t *testing.T) {
		call := ToolCall{
			ID:       "call-5",
			Function: FunctionCall{Name: "schedule_follow_up", Arguments: `{"delay_hours":24,"message":"retorno"}`},
		}
		before := len(env.store.followUps)
		r.Dispatch(context.Background(), "inv-5", call, tc)
		r.Dispatch(context.Background(), "inv-6", call, tc)
		if got := len(env.store.followUps) - before; got != 2 {
			t.Errorf("expected 2 new follow-ups, got %d", got)
		}
	})
}

func TestParseToolArgs(t *testing.T) {
	t.Run("empty string is an empty map", func(t *testing.T) {
		args, err := parseToolArgs("")
		if err != nil || len(args) != 0 {
			t.Errorf("expected empty map, got %v, %v", args, err)
		}
	})

	t.Run("null is an empty map", func(t *testing.T) {
		args, err := parseToolArgs("null")
		if err != nil || args == nil {
			t.Errorf("expected empty map, got %v, %v", args, err)
		}
	})

	t.Run("invalid JSON errors", func(t *testing.T) {
		if _, err := parseToolArgs("{"); err == nil {
			t.Error("expected error")
		}
	})
}
