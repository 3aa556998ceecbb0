package analytics

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

type fakeTakeovers struct {
	entries []*engine.TakeoverLogEntry
}

func (f *fakeTakeovers) Append(_ context.Context, e *engine.TakeoverLogEntry) error {
	f.entries = append(f.entries, e)
	return nil
}

func (f *fakeTakeovers) List(_ context.Context, conversationID string) ([]*engine.TakeoverLogEntry, error) {
	var out []*engine.TakeoverLogEntry
	for _, e := range f.entries {
		if e.ConversationID == conversationID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeTakeovers) ListSince(_ context.Context, since time.Time) ([]*engine.TakeoverLogEntry, error) {
	var out []*engine.TakeoverLogEntry
	for _, e := range f.entries {
		if e.Timestamp.After(since) {
			out = append(out, e)
		}
	}
	return out, nil
}

type fakeActivity struct {
	rows []TenantActivity
}

func (f *fakeActivity) ActivitySince(_ context.Context, _ time.Time) ([]TenantActivity, error) {
	return f.rows, nil
}

var base = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

func newTestAggregator(takeovers *fakeTakeovers, activity *fakeActivity) *Aggregator {
	agg := NewAggregator(takeovers, activity, engine.AnalyticsConfig{
		EfficiencyWeight: 0.4, ResolutionWeight: 0.4, EscalationWeight: 0.2,
	}, testLogger())
	agg.now = func() time.Time { return base.Add(2 * time.Hour) }
	return agg
}

func entry(conv, tenant string, evt engine.TakeoverEventType, at time.Time) *engine.TakeoverLogEntry {
	return &engine.TakeoverLogEntry{
		TenantID:       tenant,
		ConversationID: conv,
		EventType:      evt,
		Timestamp:      at,
	}
}

func TestWindowDuration(t *testing.T) {
	for w, want := range map[Window]time.Duration{
		WindowDay:   24 * time.Hour,
		WindowWeek:  7 * 24 * time.Hour,
		WindowMonth: 30 * 24 * time.Hour,
	} {
		d, err := w.Duration()
		if err != nil || d != want {
			t.Errorf("%s: got %v, %v", w, d, err)
		}
	}

	if _, err := Window("1y").Duration(); !errors.Is(err, engine.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestReportEventCountsAndDurations(t *testing.T) {
	takeovers := &fakeTakeovers{entries: []*engine.TakeoverLogEntry{
		entry("c1", "t1", engine.TakeoverRequested, base),
		entry("c1", "t1", engine.TakeoverStarted, base.Add(5*time.Minute)),
		entry("c1", "t1", engine.TakeoverAISuggestion, base.Add(10*time.Minute)),
		entry("c1", "t1", engine.TakeoverEnded, base.Add(15*time.Minute)),
		entry("c2", "t1", engine.TakeoverStarted, base.Add(20*time.Minute)),
		entry("c2", "t1", engine.TakeoverEnded, base.Add(40*time.Minute)),
		// Started with no end yet: excluded from duration average.
		entry("c3", "t2", engine.TakeoverStarted, base.Add(50*time.Minute)),
	}}
	activity := &fakeActivity{rows: []TenantActivity{
		{TenantID: "t1", Conversations: 10, Resolved: 6, EscalationSum: 2},
		{TenantID: "t2", Conversations: 4, Resolved: 1, EscalationSum: 1},
	}}

	report, err := newTestAggregator(takeovers, activity).Report(context.Background(), WindowDay)
	if err != nil {
		t.Fatalf("Report: %v", err)
	}

	t.Run("event counts", func(t *testing.T) {
		counts := report.Overview.EventCounts
		if counts["started"] != 3 || counts["ended"] != 2 ||
			counts["requested"] != 1 || counts["ai_suggestion"] != 1 {
			t.Errorf("unexpected counts: %v", counts)
		}
		if report.Overview.TakeoversStarted != 3 || report.Overview.TakeoversEnded != 2 {
			t.Errorf("takeover totals wrong: %d / %d",
				report.Overview.TakeoversStarted, report.Overview.TakeoversEnded)
		}
	})

	t.Run("overview aggregates window-level rates", func(t *testing.T) {
		o := report.Overview
		if o.Conversations != 14 || o.Resolved != 7 {
			t.Errorf("activity totals wrong: %d / %d", o.Conversations, o.Resolved)
		}
		if o.ResolutionRate != 0.5 { // 7 / 14
			t.Errorf("expected resolution 0.5, got %v", o.ResolutionRate)
		}
		if o.EscalationRate != 3.0/14 {
			t.Errorf("expected escalation 3/14, got %v", o.EscalationRate)
		}
	})

	t.Run("average duration pairs started with ended", func(t *testing.T) {
		// c1: 10 minutes, c2: 20 minutes -> average 900 seconds.
		if report.Efficiency.AvgTakeoverDuration != 900 {
			t.Errorf("expected 900s average, got %v", report.Efficiency.AvgTakeoverDuration)
		}
		if report.Efficiency.TakeoverRate != 3.0/14 {
			t.Errorf("expected takeover rate 3/14, got %v", report.Efficiency.TakeoverRate)
		}
		if report.Efficiency.SuggestionsDrafted != 1 {
			t.Errorf("expected 1 suggestion drafted, got %d", report.Efficiency.SuggestionsDrafted)
		}
	})

	t.Run("hourly distribution", func(t *testing.T) {
		if report.Patterns.HourlyDistribution[10] != 7 {
			t.Errorf("expected 7 events in hour 10, got %d", report.Patterns.HourlyDistribution[10])
		}
	})

	t.Run("tenant rates", func(t *testing.T) {
		tenants := report.Performance.Tenants
		if len(tenants) != 2 {
			t.Fatalf("expected 2 tenants, got %d", len(tenants))
		}
		// Leaderboard sorts by score descending; t1 outperforms t2.
		top := tenants[0]
		if top.TenantID != "t1" {
			t.Fatalf("expected t1 on top, got %s", top.TenantID)
		}
		if top.ResolutionRate != 0.6 {
			t.Errorf("expected resolution 0.6, got %v", top.ResolutionRate)
		}
		if top.EfficiencyRate != 0.8 { // 1 - 2/10
			t.Errorf("expected efficiency 0.8, got %v", top.EfficiencyRate)
		}
	})
}

func TestReportTrends(t *testing.T) {
	takeovers := &fakeTakeovers{entries: []*engine.TakeoverLogEntry{
		entry("c1", "t1", engine.TakeoverStarted, base),
		entry("c1", "t1", engine.TakeoverAISuggestion, base.Add(10*time.Minute)),
		entry("c1", "t1", engine.TakeoverEnded, base.Add(30*time.Minute)),
		entry("c2", "t1", engine.TakeoverRequested, base.Add(24*time.Hour)),
		entry("c2", "t1", engine.TakeoverStarted, base.Add(25*time.Hour)),
	}}

	agg := newTestAggregator(takeovers, &fakeActivity{})
	agg.now = func() time.Time { return base.Add(26 * time.Hour) }

	report, err := agg.Report(context.Background(), WindowWeek)
	if err != nil {
		t.Fatalf("Report: %v", err)
	}

	if len(report.Trends) != 2 {
		t.Fatalf("expected 2 trend days, got %d: %+v", len(report.Trends), report.Trends)
	}
	first, second := report.Trends[0], report.Trends[1]
	if first.Date != "2026-03-14" || second.Date != "2026-03-15" {
		t.Fatalf("trend days out of order: %s, %s", first.Date, second.Date)
	}
	if first.TakeoversStarted != 1 || first.TakeoversEnded != 1 || first.SuggestionsDrafted != 1 {
		t.Errorf("day one counts wrong: %+v", first)
	}
	if second.TakeoversStarted != 1 || second.Requested != 1 || second.TakeoversEnded != 0 {
		t.Errorf("day two counts wrong: %+v", second)
	}
}

func TestCollaborationScoreMonotonicity(t *testing.T) {
	score := func(resolved, escalationSum int) float64 {
		activity := &fakeActivity{rows: []TenantActivity{
			{TenantID: "t1", Conversations: 10, Resolved: resolved, EscalationSum: escalationSum},
		}}
		report, err := newTestAggregator(&fakeTakeovers{}, activity).Report(context.Background(), WindowDay)
		if err != nil {
			t.Fatalf("Report: %v", err)
		}
		return report.Performance.Tenants[0].CollaborationScore
	}

	t.Run("non-decreasing in resolutions", func(t *testing.T) {
		prev := score(0, 2)
		for resolved := 1; resolved <= 10; resolved++ {
			cur := score(resolved, 2)
			if cur < prev {
				t.Fatalf("score dropped from %v to %v at resolved=%d", prev, cur, resolved)
			}
			prev = cur
		}
	})

	t.Run("non-increasing in escalations", func(t *testing.T) {
		prev := score(5, 0)
		for escalations := 1; escalations <= 10; escalations++ {
			cur := score(5, escalations)
			if cur > prev {
				t.Fatalf("score rose from %v to %v at escalations=%d", prev, cur, escalations)
			}
			prev = cur
		}
	})
}

func TestWeightNormalization(t *testing.T) {
	activity := &fakeActivity{rows: []TenantActivity{
		{TenantID: "t1", Conversations: 10, Resolved: 10, EscalationSum: 0},
	}}
	// Weights sum to 2; after normalization a perfect tenant still scores 1.
	agg := NewAggregator(&fakeTakeovers{}, activity, engine.AnalyticsConfig{
		EfficiencyWeight: 0.8, ResolutionWeight: 0.8, EscalationWeight: 0.4,
	}, testLogger())
	agg.now = func() time.Time { return base }

	report, err := agg.Report(context.Background(), WindowDay)
	if err != nil {
		t.Fatalf("Report: %v", err)
	}
	got := report.Performance.Tenants[0].CollaborationScore
	if got < 0.999 || got > 1.001 {
		t.Errorf("expected score 1 for perfect tenant, got %v", got)
	}
}
