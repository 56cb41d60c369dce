package store

import (
	"context"
	"time"

	"github.com/grantflow/harvest-cli/internal/model"
	"github.com/grantflow/harvest-cli/internal/resilience"
)

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	SourceID     string          `json:"source_id,omitempty"`
	Status       model.RunStatus `json:"status,omitempty"`
	StartedAfter time.Time       `json:"started_after,omitempty"`
	Limit        int             `json:"limit,omitempty"`
	Offset       int             `json:"offset,omitempty"`
}

// OpportunityFilter specifies criteria for listing opportunities.
type OpportunityFilter struct {
	SourceID string `json:"source_id,omitempty"`
	Status   string `json:"status,omitempty"`
	Limit    int    `json:"limit,omitempty"`
	Offset   int    `json:"offset,omitempty"`
}

// RawCacheStats aggregates the raw response cache for one source.
// CallCount counts every API call recorded, Responses counts distinct
// payloads, so CallCount-Responses calls were served by already-cached
// content.
type RawCacheStats struct {
	Responses int `json:"responses"`
	CallCount int `json:"call_count"`
}

// Store defines the persistence interface for the harvest pipeline.
type Store interface {
	// Sources
	UpsertSources(ctx context.Context, sources []model.Source) (int64, error)
	GetSource(ctx context.Context, id string) (*model.Source, error)
	GetSourceBySlug(ctx context.Context, slug string) (*model.Source, error)
	ListSources(ctx context.Context, activeOnly bool) ([]model.Source, error)
	MarkSourceHarvested(ctx context.Context, id string, at time.Time) error

	// Runs
	InsertRun(ctx context.Context, run *model.Run) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)
	UpsertRunStage(ctx context.Context, runID string, stage model.Stage, state *model.StageState) error
	CompleteRun(ctx context.Context, runID string, result *model.RunResult) error
	FailRun(ctx context.Context, runID string, runErr *model.RunError, totalTimeMs int64) error

	// Raw response cache
	SaveRawResponse(ctx context.Context, raw *model.RawResponse) (*model.RawResponse, error)
	GetRawResponse(ctx context.Context, sourceID, contentHash string) (*model.RawResponse, error)
	RawCacheStats(ctx context.Context, sourceID string) (*RawCacheStats, error)

	// Opportunities
	GetOpportunity(ctx context.Context, sourceID, externalID string) (*model.Opportunity, error)
	ListOpportunities(ctx context.Context, filter OpportunityFilter) ([]model.Opportunity, error)
	InsertOpportunity(ctx context.Context, opp *model.Opportunity) error
	UpdateOpportunityFields(ctx context.Context, id string, fields map[string]any) error

	// Dead letters
	InsertDeadLetters(ctx context.Context, letters []resilience.DeadLetter) (int64, error)
	ListDeadLetters(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DeadLetter, error)
	CountDeadLetters(ctx context.Context) (int, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
