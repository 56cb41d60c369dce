package runs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/grantflow/harvest-cli/internal/model"
	"github.com/grantflow/harvest-cli/internal/resilience"
)

type mockRunStore struct {
	mock.Mock
}

var _ RunStore = (*mockRunStore)(nil)

func (m *mockRunStore) InsertRun(ctx context.Context, run *model.Run) error {
	return m.Called(ctx, run).Error(0)
}

func (m *mockRunStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	args := m.Called(ctx, runID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Run), args.Error(1)
}

func (m *mockRunStore) UpsertRunStage(ctx context.Context, runID string, stage model.Stage, state *model.StageState) error {
	return m.Called(ctx, runID, stage, state).Error(0)
}

func (m *mockRunStore) CompleteRun(ctx context.Context, runID string, result *model.RunResult) error {
	return m.Called(ctx, runID, result).Error(0)
}

func (m *mockRunStore) FailRun(ctx context.Context, runID string, runErr *model.RunError, totalTimeMs int64) error {
	return m.Called(ctx, runID, runErr, totalTimeMs).Error(0)
}

func newTestManager(s RunStore) *Manager {
	m := NewManager(s)
	m.nowFunc = func() time.Time { return time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC) }
	return m
}

func TestStartRun_New(t *testing.T) {
	st := &mockRunStore{}
	st.On("InsertRun", mock.Anything, mock.MatchedBy(func(r *model.Run) bool {
		return r.SourceID == "src-1" && r.Status == model.RunStatusRunning
	})).Return(nil)

	run, resumed, err := newTestManager(st).StartRun(context.Background(), "src-1", "")
	require.NoError(t, err)
	assert.False(t, resumed)
	assert.NotEmpty(t, run.ID)
	for _, stage := range model.Stages() {
		assert.Equal(t, model.StagePending, run.StageStatus(stage))
	}
}

func TestStartRun_ConflictMapsToRunConflict(t *testing.T) {
	st := &mockRunStore{}
	st.On("InsertRun", mock.Anything, mock.Anything).
		Return(&pgconn.PgError{Code: "23505", ConstraintName: "idx_runs_one_running_per_source"})

	_, _, err := newTestManager(st).StartRun(context.Background(), "src-1", "")
	require.Error(t, err)

	var pe *resilience.PipelineError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, resilience.CodeRunConflict, pe.Code)
	assert.False(t, pe.Retryable)
}

func TestStartRun_Resume(t *testing.T) {
	existing := model.NewRun("run-1", "src-1", time.Now().UTC())
	existing.Stages[model.StageExtraction].Status = model.StageCompleted

	st := &mockRunStore{}
	st.On("GetRun", mock.Anything, "run-1").Return(existing, nil)

	run, resumed, err := newTestManager(st).StartRun(context.Background(), "src-1", "run-1")
	require.NoError(t, err)
	assert.True(t, resumed)
	assert.Equal(t, "run-1", run.ID)
	st.AssertNotCalled(t, "InsertRun")
}

func TestStartRun_ResumeUnknownRun(t *testing.T) {
	st := &mockRunStore{}
	st.On("GetRun", mock.Anything, "run-x").Return(nil, nil)

	_, _, err := newTestManager(st).StartRun(context.Background(), "src-1", "run-x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestStartRun_ResumeWrongSource(t *testing.T) {
	existing := model.NewRun("run-1", "src-other", time.Now().UTC())

	st := &mockRunStore{}
	st.On("GetRun", mock.Anything, "run-1").Return(existing, nil)

	_, _, err := newTestManager(st).StartRun(context.Background(), "src-1", "run-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "different source")
}

func TestStartRun_ResumeFailedStageRejected(t *testing.T) {
	existing := model.NewRun("run-1", "src-1", time.Now().UTC())
	existing.Stages[model.StageSchema].Status = model.StageFailed

	st := &mockRunStore{}
	st.On("GetRun", mock.Anything, "run-1").Return(existing, nil)

	_, _, err := newTestManager(st).StartRun(context.Background(), "src-1", "run-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not resumable")
}

func TestStageLifecycle(t *testing.T) {
	st := &mockRunStore{}
	st.On("UpsertRunStage", mock.Anything, "run-1", model.StageExtraction, mock.Anything).Return(nil)

	m := newTestManager(st)
	run := model.NewRun("run-1", "src-1", time.Now().UTC())

	require.NoError(t, m.BeginStage(context.Background(), run, model.StageExtraction))
	state := run.Stages[model.StageExtraction]
	assert.Equal(t, model.StageProcessing, state.Status)
	require.NotNil(t, state.StartedAt)

	data := map[string]any{"items": 3}
	metrics := map[string]any{"api_calls": 2}
	require.NoError(t, m.CompleteStage(context.Background(), run, model.StageExtraction, data, metrics))
	assert.Equal(t, model.StageCompleted, state.Status)
	assert.Equal(t, data, state.Data)
	require.NotNil(t, state.CompletedAt)
}

func TestBeginStage_RejectsCompletedStage(t *testing.T) {
	st := &mockRunStore{}
	m := newTestManager(st)
	run := model.NewRun("run-1", "src-1", time.Now().UTC())
	run.Stages[model.StageDedup].Status = model.StageCompleted

	err := m.BeginStage(context.Background(), run, model.StageDedup)
	require.Error(t, err)

	var pe *resilience.PipelineError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, resilience.CategoryValidation, pe.Category)
	st.AssertNotCalled(t, "UpsertRunStage")
}

func TestBeginStage_ReentersProcessingStage(t *testing.T) {
	st := &mockRunStore{}
	st.On("UpsertRunStage", mock.Anything, "run-1", model.StageSchema, mock.Anything).Return(nil)

	m := newTestManager(st)
	run := model.NewRun("run-1", "src-1", time.Now().UTC())
	started := time.Date(2026, 1, 31, 9, 0, 0, 0, time.UTC)
	run.Stages[model.StageSchema] = &model.StageState{
		Status:    model.StageProcessing,
		StartedAt: &started,
	}

	// An interrupted pass leaves the stage processing; the resuming pass
	// begins it again rather than erroring out.
	require.NoError(t, m.BeginStage(context.Background(), run, model.StageSchema))
	assert.Equal(t, model.StageProcessing, run.StageStatus(model.StageSchema))
}

func TestCompleteStage_RejectsPendingStage(t *testing.T) {
	st := &mockRunStore{}
	m := newTestManager(st)
	run := model.NewRun("run-1", "src-1", time.Now().UTC())

	err := m.CompleteStage(context.Background(), run, model.StageDedup, nil, nil)
	require.Error(t, err)
	st.AssertNotCalled(t, "UpsertRunStage")
}

func TestSkipStage_FromPending(t *testing.T) {
	st := &mockRunStore{}
	st.On("UpsertRunStage", mock.Anything, "run-1", model.StageAnalysis, mock.Anything).Return(nil)

	m := newTestManager(st)
	run := model.NewRun("run-1", "src-1", time.Now().UTC())

	require.NoError(t, m.SkipStage(context.Background(), run, model.StageAnalysis, "no items to analyze"))
	state := run.Stages[model.StageAnalysis]
	assert.Equal(t, model.StageSkipped, state.Status)
	assert.Equal(t, "no items to analyze", state.Metrics["skip_reason"])
}

func TestStageUpdate_StoreFailureLeavesMemoryUntouched(t *testing.T) {
	st := &mockRunStore{}
	st.On("UpsertRunStage", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(errors.New("connection reset"))

	m := newTestManager(st)
	run := model.NewRun("run-1", "src-1", time.Now().UTC())

	err := m.BeginStage(context.Background(), run, model.StageExtraction)
	require.Error(t, err)
	assert.Equal(t, model.StagePending, run.StageStatus(model.StageExtraction))
}

func TestComplete(t *testing.T) {
	st := &mockRunStore{}
	st.On("CompleteRun", mock.Anything, "run-1", mock.Anything).Return(nil)

	m := newTestManager(st)
	started := time.Date(2026, 2, 1, 11, 59, 0, 0, time.UTC)
	run := model.NewRun("run-1", "src-1", started)

	result := &model.RunResult{OpportunitiesNew: 5}
	require.NoError(t, m.Complete(context.Background(), run, result))

	assert.Equal(t, model.RunStatusCompleted, run.Status)
	assert.Equal(t, "run-1", result.RunID)
	assert.Equal(t, int64(60_000), result.TotalTimeMs)
	assert.Len(t, result.Stages, 5)
}

func TestFail_MarksProcessingStageFailed(t *testing.T) {
	st := &mockRunStore{}
	st.On("UpsertRunStage", mock.Anything, "run-1", model.StageSchema, mock.MatchedBy(func(s *model.StageState) bool {
		return s.Status == model.StageFailed && s.CompletedAt != nil
	})).Return(nil)
	st.On("FailRun", mock.Anything, "run-1", mock.Anything, mock.Anything).Return(nil)

	m := newTestManager(st)
	run := model.NewRun("run-1", "src-1", time.Now().UTC())
	run.Stages[model.StageSchema].Status = model.StageProcessing

	cause := resilience.NewAIService("model unavailable", nil)
	require.NoError(t, m.Fail(context.Background(), run, model.StageSchema, cause))

	assert.Equal(t, model.RunStatusFailed, run.Status)
	require.NotNil(t, run.Error)
	assert.Equal(t, model.StageSchema, run.Error.Stage)
	assert.Equal(t, resilience.CodeAIService, run.Error.Code)
	assert.NotEmpty(t, run.Error.Suggestion)
	st.AssertExpectations(t)
}

func TestFail_PendingStageNotTouched(t *testing.T) {
	st := &mockRunStore{}
	st.On("FailRun", mock.Anything, "run-1", mock.Anything, mock.Anything).Return(nil)

	m := newTestManager(st)
	run := model.NewRun("run-1", "src-1", time.Now().UTC())

	require.NoError(t, m.Fail(context.Background(), run, model.StageExtraction, errors.New("boom")))
	st.AssertNotCalled(t, "UpsertRunStage")
	assert.Equal(t, model.StagePending, run.StageStatus(model.StageExtraction))
}
