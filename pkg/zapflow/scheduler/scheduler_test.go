package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/jmarinho/zapflow/pkg/zapflow/engine"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, nil))
}

type fakeFollowUps struct {
	tasks   map[string]*engine.FollowUpTask
	done    []string
	errored map[string]string
}

func newFakeFollowUps() *fakeFollowUps {
	return &fakeFollowUps{tasks: map[string]*engine.FollowUpTask{}, errored: map[string]string{}}
}

func (f *fakeFollowUps) Create(_ context.Context, task *engine.FollowUpTask) error {
	if task.Status == "" {
		task.Status = engine.FollowUpPending
	}
	f.tasks[task.ID] = task
	return nil
}

func (f *fakeFollowUps) Due(_ context.Context, now time.Time, limit int) ([]*engine.FollowUpTask, error) {
	var out []*engine.FollowUpTask
	for _, task := range f.tasks {
		if task.Status == engine.FollowUpPending && !task.ScheduledAt.After(now) {
			out = append(out, task)
		}
	}
	// Oldest first, deterministic for the batch-limit test.
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].ScheduledAt.Before(out[i].ScheduledAt) {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeFollowUps) MarkDone(_ context.Context, id string) error {
	task, ok := f.tasks[id]
	if !ok || task.Status != engine.FollowUpPending {
		return engine.ErrNotFound
	}
	task.Status = engine.FollowUpDone
	f.done = append(f.done, id)
	return nil
}

func (f *fakeFollowUps) MarkError(_ context.Context, id, errMsg string) error {
	task, ok := f.tasks[id]
	if !ok {
		return engine.ErrNotFound
	}
	task.LastError = errMsg
	f.errored[id] = errMsg
	return nil
}

type fakeConversations struct {
	appended   map[string][]engine.Message
	failAppend bool
}

func (f *fakeConversations) Get(_ context.Context, _ string) (*engine.ConversationContext, error) {
	return nil, engine.ErrNotFound
}

func (f *fakeConversations) GetOrCreate(_ context.Context, _, _, _ string) (*engine.ConversationContext, error) {
	return nil, engine.ErrNotFound
}

func (f *fakeConversations) AppendMessages(_ context.Context, conversationID string, msgs []engine.Message) error {
	if f.failAppend {
		return errors.New("disk full")
	}
	if f.appended == nil {
		f.appended = map[string][]engine.Message{}
	}
	f.appended[conversationID] = append(f.appended[conversationID], msgs...)
	return nil
}

func (f *fakeConversations) UpdateState(_ context.Context, _ *engine.ConversationContext) error {
	return nil
}

type fakeGateway struct {
	sent     []string
	failSend bool
}

func (f *fakeGateway) Send(_ context.Context, toPhone, body, _ string) (string, error) {
	if f.failSend {
		return "", errors.New("gateway offline")
	}
	f.sent = append(f.sent, toPhone+": "+body)
	return "msg-1", nil
}

var clock = time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC)

func newTestScheduler(followUps *fakeFollowUps, convs *fakeConversations, gw *fakeGateway, batch int) *Scheduler {
	s := New(followUps, convs, gw, engine.SchedulerConfig{Enabled: true, BatchSize: batch}, testLogger())
	s.now = func() time.Time { return clock }
	return s
}

func dueTask(id string, offset time.Duration) *engine.FollowUpTask {
	return &engine.FollowUpTask{
		ID: id, TenantID: "t1", ConversationID: "c1",
		CustomerPhone: "+5511999990001", Type: "reminder",
		Message: "Oi! Ainda posso ajudar?", Priority: "normal",
		ScheduledAt: clock.Add(offset), Status: engine.FollowUpPending,
	}
}

func TestSweepDispatchesDueTasks(t *testing.T) {
	followUps := newFakeFollowUps()
	followUps.Create(context.Background(), dueTask("f1", -time.Hour))
	followUps.Create(context.Background(), dueTask("f2", time.Hour)) // not due yet
	convs := &fakeConversations{}
	gw := &fakeGateway{}

	newTestScheduler(followUps, convs, gw, 20).Sweep(context.Background())

	if len(gw.sent) != 1 {
		t.Fatalf("expected 1 send, got %v", gw.sent)
	}
	if len(followUps.done) != 1 || followUps.done[0] != "f1" {
		t.Errorf("expected f1 marked done, got %v", followUps.done)
	}
	if followUps.tasks["f2"].Status != engine.FollowUpPending {
		t.Error("future task must stay pending")
	}

	t.Run("dispatched message lands in history", func(t *testing.T) {
		msgs := convs.appended["c1"]
		if len(msgs) != 1 || msgs[0].Role != engine.RoleAssistant || msgs[0].Content != "Oi! Ainda posso ajudar?" {
			t.Errorf("history append wrong: %+v", msgs)
		}
	})
}

func TestSweepGatewayFailureKeepsTaskPending(t *testing.T) {
	followUps := newFakeFollowUps()
	followUps.Create(context.Background(), dueTask("f1", -time.Hour))
	convs := &fakeConversations{}
	gw := &fakeGateway{failSend: true}

	newTestScheduler(followUps, convs, gw, 20).Sweep(context.Background())

	if len(followUps.done) != 0 {
		t.Errorf("failed dispatch must not mark done: %v", followUps.done)
	}
	if followUps.tasks["f1"].Status != engine.FollowUpPending {
		t.Errorf("task must stay pending, got %s", followUps.tasks["f1"].Status)
	}
	if followUps.errored["f1"] != "gateway offline" {
		t.Errorf("dispatch error not recorded: %v", followUps.errored)
	}
	if len(convs.appended) != 0 {
		t.Error("nothing must reach history on a failed send")
	}
}

func TestSweepHistoryFailureDoesNotRetrySend(t *testing.T) {
	followUps := newFakeFollowUps()
	followUps.Create(context.Background(), dueTask("f1", -time.Hour))
	convs := &fakeConversations{failAppend: true}
	gw := &fakeGateway{}

	newTestScheduler(followUps, convs, gw, 20).Sweep(context.Background())

	// The message went out; a history failure must not schedule a resend.
	if len(gw.sent) != 1 {
		t.Fatalf("expected 1 send, got %v", gw.sent)
	}
	if len(followUps.done) != 1 {
		t.Errorf("task must be done despite history failure: %v", followUps.done)
	}
	if len(followUps.errored) != 0 {
		t.Errorf("history failure must not mark the task errored: %v", followUps.errored)
	}
}

func TestSweepHonorsBatchSize(t *testing.T) {
	followUps := newFakeFollowUps()
	for _, id := range []string{"f1", "f2", "f3"} {
		followUps.Create(context.Background(), dueTask(id, -time.Hour))
	}
	convs := &fakeConversations{}
	gw := &fakeGateway{}

	newTestScheduler(followUps, convs, gw, 2).Sweep(context.Background())

	if len(gw.sent) != 2 {
		t.Errorf("expected 2 sends with batch size 2, got %d", len(gw.sent))
	}
}
