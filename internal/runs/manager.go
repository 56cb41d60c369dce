// Package runs owns the run lifecycle: creating runs, enforcing the
// forward-only stage state machine, and recording terminal outcomes.
package runs

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/grantflow/harvest-cli/internal/model"
	"github.com/grantflow/harvest-cli/internal/resilience"
)

// RunStore is the slice of the persistence layer the run lifecycle needs.
type RunStore interface {
	InsertRun(ctx context.Context, run *model.Run) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	UpsertRunStage(ctx context.Context, runID string, stage model.Stage, state *model.StageState) error
	CompleteRun(ctx context.Context, runID string, result *model.RunResult) error
	FailRun(ctx context.Context, runID string, runErr *model.RunError, totalTimeMs int64) error
}

// Manager coordinates run rows and their stage states. All mutations go
// through the store; the in-memory Run is kept in step so callers can read
// current state without refetching.
type Manager struct {
	store RunStore

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

func NewManager(s RunStore) *Manager {
	return &Manager{store: s, nowFunc: time.Now}
}

// StartRun returns the run the pipeline should execute. With an empty
// existingRunID it creates a fresh run; the database's one-running-run-per-
// source guarantee turns a concurrent start into a conflict error here.
// With existingRunID set it loads that run for resumption and verifies it
// still accepts work.
func (m *Manager) StartRun(ctx context.Context, sourceID, existingRunID string) (*model.Run, bool, error) {
	if existingRunID != "" {
		run, err := m.store.GetRun(ctx, existingRunID)
		if err != nil {
			return nil, false, resilience.Classify(err).WithContext("run_id", existingRunID)
		}
		if run == nil {
			return nil, false, resilience.NewValidation("run not found", nil).
				WithContext("run_id", existingRunID)
		}
		if run.SourceID != sourceID {
			return nil, false, resilience.NewValidation("run belongs to a different source", nil).
				WithContext("run_id", existingRunID).
				WithContext("run_source_id", run.SourceID).
				WithContext("requested_source_id", sourceID)
		}
		if !run.Resumable() {
			return nil, false, resilience.NewValidation("run is not resumable", nil).
				WithContext("run_id", existingRunID).
				WithContext("status", string(run.Status))
		}
		zap.L().Info("resuming run",
			zap.String("run_id", run.ID),
			zap.String("source_id", sourceID))
		return run, true, nil
	}

	run := model.NewRun(uuid.New().String(), sourceID, m.nowFunc().UTC())
	if err := m.store.InsertRun(ctx, run); err != nil {
		perr := resilience.Classify(err).WithContext("source_id", sourceID)
		if perr.Code == resilience.CodeConstraintViolation {
			perr.Code = resilience.CodeRunConflict
			perr.Message = "a run is already in flight for this source"
		}
		return nil, false, perr
	}
	zap.L().Info("run started",
		zap.String("run_id", run.ID),
		zap.String("source_id", sourceID))
	return run, false, nil
}

// BeginStage moves a stage from pending to processing and stamps StartedAt.
// A resumed run may re-enter a stage left processing by an interrupted
// pass; the store keeps the original start time.
func (m *Manager) BeginStage(ctx context.Context, run *model.Run, stage model.Stage) error {
	now := m.nowFunc().UTC()
	return m.transition(ctx, run, stage, func(state *model.StageState) {
		state.Status = model.StageProcessing
		state.StartedAt = &now
	}, model.StageProcessing)
}

// CompleteStage moves a processing stage to completed, persisting its data
// payload (consumed on resume) and metrics.
func (m *Manager) CompleteStage(ctx context.Context, run *model.Run, stage model.Stage, data, metrics map[string]any) error {
	now := m.nowFunc().UTC()
	return m.transition(ctx, run, stage, func(state *model.StageState) {
		state.Status = model.StageCompleted
		state.Data = data
		state.Metrics = metrics
		state.CompletedAt = &now
	}, model.StageCompleted)
}

// SkipStage marks a stage skipped with a reason in its metrics. Valid from
// pending (stage not applicable) and from processing.
func (m *Manager) SkipStage(ctx context.Context, run *model.Run, stage model.Stage, reason string) error {
	now := m.nowFunc().UTC()
	return m.transition(ctx, run, stage, func(state *model.StageState) {
		state.Status = model.StageSkipped
		state.CompletedAt = &now
		if state.Metrics == nil {
			state.Metrics = map[string]any{}
		}
		state.Metrics["skip_reason"] = reason
	}, model.StageSkipped)
}

func (m *Manager) transition(ctx context.Context, run *model.Run, stage model.Stage, apply func(*model.StageState), to model.StageStatus) error {
	state, ok := run.Stages[stage]
	if !ok || state == nil {
		state = &model.StageState{Status: model.StagePending}
		if run.Stages == nil {
			run.Stages = make(map[model.Stage]*model.StageState)
		}
		run.Stages[stage] = state
	}
	if !model.ValidStageTransition(state.Status, to) {
		return resilience.NewValidation("invalid stage transition", nil).
			WithContext("run_id", run.ID).
			WithContext("stage", string(stage)).
			WithContext("from", string(state.Status)).
			WithContext("to", string(to))
	}

	next := *state
	apply(&next)
	if err := m.store.UpsertRunStage(ctx, run.ID, stage, &next); err != nil {
		return resilience.Classify(err).
			WithContext("run_id", run.ID).
			WithContext("stage", string(stage))
	}
	*state = next
	return nil
}

// Complete finishes a run successfully, filling in timing and stage
// outcomes on the result.
func (m *Manager) Complete(ctx context.Context, run *model.Run, result *model.RunResult) error {
	now := m.nowFunc().UTC()
	result.RunID = run.ID
	result.SourceID = run.SourceID
	result.Status = model.RunStatusCompleted
	result.Stages = run.Outcomes()
	result.TotalTimeMs = now.Sub(run.StartedAt).Milliseconds()

	if err := m.store.CompleteRun(ctx, run.ID, result); err != nil {
		return resilience.Classify(err).WithContext("run_id", run.ID)
	}
	run.Status = model.RunStatusCompleted
	run.Result = result
	run.CompletedAt = &now
	run.TotalTimeMs = result.TotalTimeMs

	zap.L().Info("run completed",
		zap.String("run_id", run.ID),
		zap.String("source_id", run.SourceID),
		zap.Int64("total_time_ms", result.TotalTimeMs))
	return nil
}

// Fail records a run failure: the failing stage is moved to failed (when it
// was in flight) and the run row gets the failure audit record. The store's
// status guard keeps a finished run from being overwritten.
func (m *Manager) Fail(ctx context.Context, run *model.Run, stage model.Stage, cause error) error {
	perr := resilience.Classify(cause)
	now := m.nowFunc().UTC()

	if state, ok := run.Stages[stage]; ok && state != nil && state.Status == model.StageProcessing {
		failed := *state
		failed.Status = model.StageFailed
		failed.CompletedAt = &now
		if err := m.store.UpsertRunStage(ctx, run.ID, stage, &failed); err != nil {
			zap.L().Error("failed to record stage failure",
				zap.String("run_id", run.ID),
				zap.String("stage", string(stage)),
				zap.Error(err))
		} else {
			*state = failed
		}
	}

	runErr := &model.RunError{
		Stage:      stage,
		Code:       perr.Code,
		Category:   string(perr.Category),
		Message:    perr.Message,
		Suggestion: perr.Suggestion(),
	}
	totalTimeMs := now.Sub(run.StartedAt).Milliseconds()
	if err := m.store.FailRun(ctx, run.ID, runErr, totalTimeMs); err != nil {
		return resilience.Classify(err).WithContext("run_id", run.ID)
	}
	run.Status = model.RunStatusFailed
	run.Error = runErr
	run.CompletedAt = &now
	run.TotalTimeMs = totalTimeMs

	zap.L().Error("run failed",
		zap.String("run_id", run.ID),
		zap.String("source_id", run.SourceID),
		zap.String("stage", string(stage)),
		zap.String("code", perr.Code),
		zap.String("suggestion", perr.Suggestion()))
	return nil
}
