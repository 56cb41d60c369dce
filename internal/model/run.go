package model

import "time"

// RunStatus is the overall state of a pipeline run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Stage names one of the five fixed pipeline stages, in execution order.
type Stage string

const (
	StageExtraction Stage = "extraction"
	StageSchema     Stage = "schema"
	StageDedup      Stage = "dedup"
	StageAnalysis   Stage = "analysis"
	StageStorage    Stage = "storage"
)

// Stages lists the pipeline stages in execution order.
func Stages() []Stage {
	return []Stage{StageExtraction, StageSchema, StageDedup, StageAnalysis, StageStorage}
}

// ValidStage reports whether name is one of the five pipeline stages.
func ValidStage(name Stage) bool {
	for _, s := range Stages() {
		if s == name {
			return true
		}
	}
	return false
}

// StageStatus is the state of a single stage within a run. Statuses only
// move forward; a stage never re-enters pending after processing.
type StageStatus string

const (
	StagePending    StageStatus = "pending"
	StageProcessing StageStatus = "processing"
	StageCompleted  StageStatus = "completed"
	StageFailed     StageStatus = "failed"
	StageSkipped    StageStatus = "skipped"
)

// Terminal reports whether the status permits no further transition.
func (s StageStatus) Terminal() bool {
	return s == StageCompleted || s == StageFailed || s == StageSkipped
}

// ValidStageTransition reports whether a stage status change honors the
// forward-only ordering pending -> processing -> completed/failed/skipped.
// A processing stage may re-enter processing: an interrupted pass leaves the
// stage there and the resuming pass begins it again.
func ValidStageTransition(from, to StageStatus) bool {
	switch from {
	case StagePending:
		return to == StageProcessing || to == StageSkipped
	case StageProcessing:
		return to == StageProcessing || to == StageCompleted || to == StageFailed || to == StageSkipped
	}
	return false
}

// StageState is the persisted state of one stage within a run.
type StageState struct {
	Status      StageStatus    `json:"status"`
	Data        map[string]any `json:"data,omitempty"`
	Metrics     map[string]any `json:"metrics,omitempty"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// Run is one pipeline execution against one source. Rows are never
// deleted; failures are recorded on the row as an audit trail.
type Run struct {
	ID       string    `json:"id"`
	SourceID string    `json:"source_id"`
	Status   RunStatus `json:"status"`

	Stages map[Stage]*StageState `json:"stages"`

	// Result is the summarized outcome, written once when the run
	// completes. Failed runs carry Error instead.
	Result *RunResult `json:"result,omitempty"`
	Error  *RunError  `json:"error,omitempty"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	TotalTimeMs int64      `json:"total_time_ms,omitempty"`
}

// NewRun constructs a running Run with every stage pending.
func NewRun(id, sourceID string, now time.Time) *Run {
	stages := make(map[Stage]*StageState, len(Stages()))
	for _, s := range Stages() {
		stages[s] = &StageState{Status: StagePending}
	}
	return &Run{
		ID:        id,
		SourceID:  sourceID,
		Status:    RunStatusRunning,
		Stages:    stages,
		StartedAt: now,
	}
}

// StageStatus returns the recorded status for a stage, defaulting to pending.
func (r *Run) StageStatus(stage Stage) StageStatus {
	if s, ok := r.Stages[stage]; ok && s != nil {
		return s.Status
	}
	return StagePending
}

// Resumable reports whether an interrupted run accepts another pipeline
// pass. Completed and failed are terminal, any failed stage is run-fatal,
// and there must be at least one stage still pending or processing. The
// one exception: a run whose storage stage completed but whose row was
// never closed out resumes so the bookkeeping can finish.
func (r *Run) Resumable() bool {
	if r.Status != RunStatusRunning {
		return false
	}
	open := false
	for _, stage := range Stages() {
		switch r.StageStatus(stage) {
		case StageFailed:
			return false
		case StagePending, StageProcessing:
			open = true
		}
	}
	return open || r.StageStatus(StageStorage) == StageCompleted
}

// RunError is the failure record attached to a failed run.
type RunError struct {
	Stage      Stage  `json:"stage"`
	Code       string `json:"code"`
	Category   string `json:"category"`
	Message    string `json:"message"`
	Suggestion string `json:"suggestion,omitempty"`
}

// RunResult is the caller-facing outcome of a pipeline run.
type RunResult struct {
	RunID      string    `json:"run_id"`
	SourceID   string    `json:"source_id"`
	SourceSlug string    `json:"source_slug"`
	Status     RunStatus `json:"status"`

	Stages []StageOutcome `json:"stages"`

	ItemsExtracted    int     `json:"items_extracted"`
	APICallCount      int     `json:"api_call_count"`
	OpportunitiesNew  int     `json:"opportunities_new"`
	OpportunitiesUpd  int     `json:"opportunities_updated"`
	OpportunitiesSkip int     `json:"opportunities_skipped"`
	SkipRatio         float64 `json:"skip_ratio"`
	ItemFailures      int     `json:"item_failures"`

	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`

	Error       *RunError `json:"error,omitempty"`
	TotalTimeMs int64     `json:"total_time_ms"`
}

// StageOutcome summarizes one stage for the run result.
type StageOutcome struct {
	Stage      Stage          `json:"stage"`
	Status     StageStatus    `json:"status"`
	DurationMs int64          `json:"duration_ms"`
	Metrics    map[string]any `json:"metrics,omitempty"`
}

// Outcomes flattens the run's stage states into result form, in stage order.
func (r *Run) Outcomes() []StageOutcome {
	outcomes := make([]StageOutcome, 0, len(Stages()))
	for _, stage := range Stages() {
		state, ok := r.Stages[stage]
		if !ok || state == nil {
			outcomes = append(outcomes, StageOutcome{Stage: stage, Status: StagePending})
			continue
		}
		var durationMs int64
		if state.StartedAt != nil && state.CompletedAt != nil {
			durationMs = state.CompletedAt.Sub(*state.StartedAt).Milliseconds()
		}
		outcomes = append(outcomes, StageOutcome{
			Stage:      stage,
			Status:     state.Status,
			DurationMs: durationMs,
			Metrics:    state.Metrics,
		})
	}
	return outcomes
}
