// Package monitoring aggregates run history, cache efficiency, and DLQ
// depth into an operator-facing health snapshot, and raises webhook alerts
// when thresholds are breached.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/grantflow/harvest-cli/internal/model"
	"github.com/grantflow/harvest-cli/internal/store"
)

// MetricsSnapshot holds a point-in-time view of harvest health.
type MetricsSnapshot struct {
	// Run metrics (within the lookback window).
	RunsTotal     int     `json:"runs_total"`
	RunsCompleted int     `json:"runs_completed"`
	RunsFailed    int     `json:"runs_failed"`
	RunsRunning   int     `json:"runs_running"`
	RunFailRate   float64 `json:"run_fail_rate"`

	// StageFailures breaks failed runs down by the stage that killed them.
	StageFailures map[string]int `json:"stage_failures,omitempty"`

	// Opportunity flow totals across completed runs in the window.
	OpportunitiesNew     int     `json:"opportunities_new"`
	OpportunitiesUpdated int     `json:"opportunities_updated"`
	OpportunitiesSkipped int     `json:"opportunities_skipped"`
	AvgSkipRatio         float64 `json:"avg_skip_ratio"`
	ItemFailures         int     `json:"item_failures"`

	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`

	// CacheHitRatio is the share of recorded API calls that matched an
	// already-cached payload, across active sources.
	CacheHitRatio float64 `json:"cache_hit_ratio"`

	// StaleSources counts active sources currently overdue per their
	// cadence.
	StaleSources int `json:"stale_sources"`

	DLQDepth int `json:"dlq_depth"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Querier is the read-side slice of the store the collector needs.
type Querier interface {
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.Run, error)
	ListSources(ctx context.Context, activeOnly bool) ([]model.Source, error)
	RawCacheStats(ctx context.Context, sourceID string) (*store.RawCacheStats, error)
	CountDeadLetters(ctx context.Context) (int, error)
}

// Collector gathers harvest metrics from the store.
type Collector struct {
	store Querier

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// NewCollector creates a metrics collector.
func NewCollector(st Querier) *Collector {
	return &Collector{store: st, nowFunc: time.Now}
}

// Collect gathers a snapshot of harvest health over the lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.nowFunc().UTC()
	snap := &MetricsSnapshot{
		StageFailures: make(map[string]int),
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	runs, err := c.store.ListRuns(ctx, store.RunFilter{
		StartedAfter: cutoff,
		Limit:        10000,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}

	snap.RunsTotal = len(runs)
	var skipRatioSum float64
	var withResults int
	for _, r := range runs {
		switch r.Status {
		case model.RunStatusCompleted:
			snap.RunsCompleted++
		case model.RunStatusFailed:
			snap.RunsFailed++
			if r.Error != nil {
				snap.StageFailures[string(r.Error.Stage)]++
			}
		case model.RunStatusRunning:
			snap.RunsRunning++
		}
		if r.Result != nil {
			snap.OpportunitiesNew += r.Result.OpportunitiesNew
			snap.OpportunitiesUpdated += r.Result.OpportunitiesUpd
			snap.OpportunitiesSkipped += r.Result.OpportunitiesSkip
			snap.ItemFailures += r.Result.ItemFailures
			snap.InputTokens += r.Result.InputTokens
			snap.OutputTokens += r.Result.OutputTokens
			skipRatioSum += r.Result.SkipRatio
			withResults++
		}
	}
	if finished := snap.RunsCompleted + snap.RunsFailed; finished > 0 {
		snap.RunFailRate = float64(snap.RunsFailed) / float64(finished)
	}
	if withResults > 0 {
		snap.AvgSkipRatio = skipRatioSum / float64(withResults)
	}

	if err := c.collectSources(ctx, now, snap); err != nil {
		return nil, err
	}

	dlqDepth, err := c.store.CountDeadLetters(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count dead letters")
	}
	snap.DLQDepth = dlqDepth

	return snap, nil
}

func (c *Collector) collectSources(ctx context.Context, now time.Time, snap *MetricsSnapshot) error {
	sources, err := c.store.ListSources(ctx, true)
	if err != nil {
		return eris.Wrap(err, "monitoring: list sources")
	}

	var calls, responses int
	for i := range sources {
		src := &sources[i]
		if src.Due(now) {
			snap.StaleSources++
		}
		stats, err := c.store.RawCacheStats(ctx, src.ID)
		if err != nil {
			return eris.Wrapf(err, "monitoring: cache stats for %s", src.Slug)
		}
		if stats != nil {
			calls += stats.CallCount
			responses += stats.Responses
		}
	}
	if calls > 0 {
		snap.CacheHitRatio = float64(calls-responses) / float64(calls)
	}
	return nil
}
