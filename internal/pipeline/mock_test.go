package pipeline

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/grantflow/harvest-cli/internal/dedup"
	"github.com/grantflow/harvest-cli/internal/extract"
	"github.com/grantflow/harvest-cli/internal/model"
	"github.com/grantflow/harvest-cli/internal/resilience"
	"github.com/grantflow/harvest-cli/internal/schema"
)

type mockStore struct {
	mock.Mock
}

var _ Store = (*mockStore)(nil)

func (m *mockStore) GetSource(ctx context.Context, id string) (*model.Source, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Source), args.Error(1)
}

func (m *mockStore) InsertDeadLetters(ctx context.Context, letters []resilience.DeadLetter) (int64, error) {
	args := m.Called(ctx, letters)
	return int64(args.Int(0)), args.Error(1)
}

type mockExtractor struct {
	mock.Mock
}

var _ Extractor = (*mockExtractor)(nil)

func (m *mockExtractor) Extract(ctx context.Context, src *model.Source) (*extract.Result, error) {
	args := m.Called(ctx, src)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*extract.Result), args.Error(1)
}

type mockNormalizer struct {
	mock.Mock
}

var _ Normalizer = (*mockNormalizer)(nil)

func (m *mockNormalizer) ExtractBatch(ctx context.Context, src *model.Source, items []map[string]any, rawResponseID string) (*schema.BatchResult, error) {
	args := m.Called(ctx, src, items, rawResponseID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*schema.BatchResult), args.Error(1)
}

type mockDeduper struct {
	mock.Mock
}

var _ Deduper = (*mockDeduper)(nil)

func (m *mockDeduper) Classify(ctx context.Context, sourceID string, incoming []model.Opportunity) ([]dedup.Decision, dedup.Metrics, error) {
	args := m.Called(ctx, sourceID, incoming)
	var decisions []dedup.Decision
	if args.Get(0) != nil {
		decisions = args.Get(0).([]dedup.Decision)
	}
	var metrics dedup.Metrics
	if args.Get(1) != nil {
		metrics = args.Get(1).(dedup.Metrics)
	}
	return decisions, metrics, args.Error(2)
}

type mockScorer struct {
	mock.Mock
}

var _ Scorer = (*mockScorer)(nil)

func (m *mockScorer) Analyze(ctx context.Context, opp *model.Opportunity) (*model.Analysis, error) {
	args := m.Called(ctx, opp)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Analysis), args.Error(1)
}

type mockSink struct {
	mock.Mock
}

var _ Sink = (*mockSink)(nil)

func (m *mockSink) Insert(ctx context.Context, opp *model.Opportunity) error {
	return m.Called(ctx, opp).Error(0)
}

func (m *mockSink) Patch(ctx context.Context, storedID string, changes map[string]any) error {
	return m.Called(ctx, storedID, changes).Error(0)
}

// fakeRunStore is an in-memory run store: the orchestrator tests assert on
// persisted run state rather than on call sequences.
type fakeRunStore struct {
	mu   sync.Mutex
	runs map[string]*model.Run

	insertErr error
	stageErr  error
}

func newFakeRunStore() *fakeRunStore {
	return &fakeRunStore{runs: make(map[string]*model.Run)}
}

func (f *fakeRunStore) InsertRun(_ context.Context, run *model.Run) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	clone := *run
	f.runs[run.ID] = &clone
	return nil
}

func (f *fakeRunStore) GetRun(_ context.Context, runID string) (*model.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[runID]
	if !ok {
		return nil, nil
	}
	return run, nil
}

func (f *fakeRunStore) UpsertRunStage(_ context.Context, runID string, stage model.Stage, state *model.StageState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stageErr != nil {
		return f.stageErr
	}
	run, ok := f.runs[runID]
	if !ok {
		return nil
	}
	if run.Stages == nil {
		run.Stages = make(map[model.Stage]*model.StageState)
	}
	clone := *state
	run.Stages[stage] = &clone
	return nil
}

func (f *fakeRunStore) CompleteRun(_ context.Context, runID string, result *model.RunResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if run, ok := f.runs[runID]; ok {
		run.Status = model.RunStatusCompleted
		run.Result = result
	}
	return nil
}

func (f *fakeRunStore) FailRun(_ context.Context, runID string, runErr *model.RunError, totalTimeMs int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if run, ok := f.runs[runID]; ok {
		run.Status = model.RunStatusFailed
		run.Error = runErr
		run.TotalTimeMs = totalTimeMs
	}
	return nil
}
