// Package analytics aggregates collaboration metrics from the takeover audit
// log and conversation activity: event counts, takeover durations, hourly
// distribution, per-day trends, per-tenant rates and the collaboration
// leaderboard.
package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/jmarinho/zapflow/pkg/zapflow/engine"
)

// Window identifies a reporting period.
type Window string

const (
	WindowDay   Window = "24h"
	WindowWeek  Window = "7d"
	WindowMonth Window = "30d"
)

// Duration returns the window length.
func (w Window) Duration() (time.Duration, error) {
	switch w {
	case WindowDay:
		return 24 * time.Hour, nil
	case WindowWeek:
		return 7 * 24 * time.Hour, nil
	case WindowMonth:
		return 30 * 24 * time.Hour, nil
	}
	return 0, fmt.Errorf("%w: unknown window %q", engine.ErrValidation, w)
}

// TenantActivity is per-tenant conversation activity within a window,
// produced by the conversation store.
type TenantActivity struct {
	TenantID      string
	Conversations int
	Resolved      int
	EscalationSum int
}

// ActivitySource supplies conversation activity. *store.ConversationStore
// implements it.
type ActivitySource interface {
	ActivitySince(ctx context.Context, since time.Time) ([]TenantActivity, error)
}

// TenantScore is one leaderboard row.
type TenantScore struct {
	TenantID           string  `json:"tenant_id"`
	Conversations      int     `json:"conversations"`
	Resolved           int     `json:"resolved"`
	TakeoversStarted   int     `json:"takeovers_started"`
	SuggestionsDrafted int     `json:"suggestions_drafted"`
	EfficiencyRate     float64 `json:"efficiency_rate"`
	ResolutionRate     float64 `json:"resolution_rate"`
	EscalationRate     float64 `json:"escalation_rate"`
	CollaborationScore float64 `json:"collaboration_score"`
}

// Overview summarizes window-level activity across all tenants.
type Overview struct {
	Conversations    int            `json:"conversations"`
	Resolved         int            `json:"resolved"`
	ResolutionRate   float64        `json:"resolution_rate"`
	EscalationRate   float64        `json:"escalation_rate"`
	TakeoversStarted int            `json:"takeovers_started"`
	TakeoversEnded   int            `json:"takeovers_ended"`
	EventCounts      map[string]int `json:"event_counts"`
}

// Efficiency captures how much of the work the AI handled on its own.
type Efficiency struct {
	AvgTakeoverDuration float64 `json:"avg_takeover_duration_seconds"`
	TakeoverRate        float64 `json:"takeover_rate"`
	SuggestionsDrafted  int     `json:"suggestions_drafted"`
}

// Patterns holds temporal distributions of collaboration events.
type Patterns struct {
	HourlyDistribution [24]int `json:"hourly_distribution"`
}

// Performance is the per-tenant leaderboard.
type Performance struct {
	Tenants []TenantScore `json:"tenants"`
}

// TrendPoint is one day of the per-day event series. Date is a UTC
// calendar day in 2006-01-02 form.
type TrendPoint struct {
	Date               string `json:"date"`
	TakeoversStarted   int    `json:"takeovers_started"`
	TakeoversEnded     int    `json:"takeovers_ended"`
	SuggestionsDrafted int    `json:"suggestions_drafted"`
	Requested          int    `json:"requested"`
}

// Report is the aggregated metrics payload for one window.
type Report struct {
	Window      Window       `json:"window"`
	GeneratedAt time.Time    `json:"generated_at"`
	Overview    Overview     `json:"overview"`
	Efficiency  Efficiency   `json:"efficiency"`
	Patterns    Patterns     `json:"patterns"`
	Performance Performance  `json:"performance"`
	Trends      []TrendPoint `json:"trends"`
}

// Aggregator computes collaboration reports. It is read-only: the takeover
// log and conversation tables are its only inputs.
type Aggregator struct {
	takeovers engine.TakeoverLogRepo
	activity  ActivitySource
	cfg       engine.AnalyticsConfig
	logger    *slog.Logger

	// now is swappable for tests.
	now func() time.Time
}

// NewAggregator creates the aggregator. Weights that do not sum to 1 are
// normalized once here.
func NewAggregator(takeovers engine.TakeoverLogRepo, activity ActivitySource, cfg engine.AnalyticsConfig, logger *slog.Logger) *Aggregator {
	sum := cfg.EfficiencyWeight + cfg.ResolutionWeight + cfg.EscalationWeight
	if sum <= 0 {
		cfg = engine.AnalyticsConfig{EfficiencyWeight: 0.4, ResolutionWeight: 0.4, EscalationWeight: 0.2}
	} else if sum != 1 {
		cfg.EfficiencyWeight /= sum
		cfg.ResolutionWeight /= sum
		cfg.EscalationWeight /= sum
	}
	return &Aggregator{
		takeovers: takeovers,
		activity:  activity,
		cfg:       cfg,
		logger:    logger.With("component", "analytics"),
		now:       time.Now,
	}
}

// Report computes the metrics for one window.
func (a *Aggregator) Report(ctx context.Context, window Window) (*Report, error) {
	dur, err := window.Duration()
	if err != nil {
		return nil, err
	}
	now := a.now()
	since := now.Add(-dur)

	entries, err := a.takeovers.ListSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("loading takeover log: %w", err)
	}
	activity, err := a.activity.ActivitySince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("loading conversation activity: %w", err)
	}

	report := &Report{
		Window:      window,
		GeneratedAt: now,
		Overview:    Overview{EventCounts: map[string]int{}},
	}

	type tenantAgg struct {
		started     int
		suggestions int
	}
	perTenant := map[string]*tenantAgg{}
	tenant := func(id string) *tenantAgg {
		t, ok := perTenant[id]
		if !ok {
			t = &tenantAgg{}
			perTenant[id] = t
		}
		return t
	}

	// Pair "started" with the next "ended" per conversation for durations.
	openStart := map[string]time.Time{}
	var totalDuration time.Duration
	var pairedCount int
	days := map[string]*TrendPoint{}
	day := func(at time.Time) *TrendPoint {
		key := at.UTC().Format("2006-01-02")
		p, ok := days[key]
		if !ok {
			p = &TrendPoint{Date: key}
			days[key] = p
		}
		return p
	}

	for _, e := range entries {
		report.Overview.EventCounts[string(e.EventType)]++
		report.Patterns.HourlyDistribution[e.Timestamp.Hour()]++

		switch e.EventType {
		case engine.TakeoverStarted:
			report.Overview.TakeoversStarted++
			tenant(e.TenantID).started++
			day(e.Timestamp).TakeoversStarted++
			openStart[e.ConversationID] = e.Timestamp
		case engine.TakeoverEnded:
			report.Overview.TakeoversEnded++
			day(e.Timestamp).TakeoversEnded++
			if start, ok := openStart[e.ConversationID]; ok {
				totalDuration += e.Timestamp.Sub(start)
				pairedCount++
				delete(openStart, e.ConversationID)
			}
		case engine.TakeoverAISuggestion:
			tenant(e.TenantID).suggestions++
			report.Efficiency.SuggestionsDrafted++
			day(e.Timestamp).SuggestionsDrafted++
		case engine.TakeoverRequested:
			day(e.Timestamp).Requested++
		}
	}
	if pairedCount > 0 {
		report.Efficiency.AvgTakeoverDuration = totalDuration.Seconds() / float64(pairedCount)
	}

	var escalationSum int
	for _, act := range activity {
		agg := tenant(act.TenantID)
		report.Overview.Conversations += act.Conversations
		report.Overview.Resolved += act.Resolved
		escalationSum += act.EscalationSum

		score := TenantScore{
			TenantID:           act.TenantID,
			Conversations:      act.Conversations,
			Resolved:           act.Resolved,
			TakeoversStarted:   agg.started,
			SuggestionsDrafted: agg.suggestions,
		}
		if act.Conversations > 0 {
			score.EfficiencyRate = clamp01(1 - float64(agg.started)/float64(act.Conversations))
			score.ResolutionRate = clamp01(float64(act.Resolved) / float64(act.Conversations))
			score.EscalationRate = clamp01(float64(act.EscalationSum) / float64(act.Conversations))
		}
		score.CollaborationScore = a.cfg.EfficiencyWeight*score.EfficiencyRate +
			a.cfg.ResolutionWeight*score.ResolutionRate +
			a.cfg.EscalationWeight*(1-score.EscalationRate)
		report.Performance.Tenants = append(report.Performance.Tenants, score)
	}
	if report.Overview.Conversations > 0 {
		total := float64(report.Overview.Conversations)
		report.Overview.ResolutionRate = clamp01(float64(report.Overview.Resolved) / total)
		report.Overview.EscalationRate = clamp01(float64(escalationSum) / total)
		report.Efficiency.TakeoverRate = clamp01(float64(report.Overview.TakeoversStarted) / total)
	}

	tenants := report.Performance.Tenants
	sort.Slice(tenants, func(i, j int) bool {
		if tenants[i].CollaborationScore != tenants[j].CollaborationScore {
			return tenants[i].CollaborationScore > tenants[j].CollaborationScore
		}
		return tenants[i].TenantID < tenants[j].TenantID
	})

	for _, p := range days {
		report.Trends = append(report.Trends, *p)
	}
	sort.Slice(report.Trends, func(i, j int) bool {
		return report.Trends[i].Date < report.Trends[j].Date
	})

	a.logger.Debug("report computed",
		"window", window,
		"events", len(entries),
		"tenants", len(tenants))
	return report, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
