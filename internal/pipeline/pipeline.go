// Package pipeline orchestrates the five-stage harvest: extraction, schema
// normalization, duplicate detection, analysis, and storage. Stage progress
// is persisted through the run manager so an interrupted run can resume
// without repeating completed work.
package pipeline

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/grantflow/harvest-cli/internal/dedup"
	"github.com/grantflow/harvest-cli/internal/extract"
	"github.com/grantflow/harvest-cli/internal/model"
	"github.com/grantflow/harvest-cli/internal/resilience"
	"github.com/grantflow/harvest-cli/internal/runs"
	"github.com/grantflow/harvest-cli/internal/schema"
)

// Store is the slice of the persistence layer the orchestrator touches
// directly; everything else goes through the stage implementations.
type Store interface {
	GetSource(ctx context.Context, id string) (*model.Source, error)
	InsertDeadLetters(ctx context.Context, letters []resilience.DeadLetter) (int64, error)
}

// Extractor pulls raw items from a source's API.
type Extractor interface {
	Extract(ctx context.Context, src *model.Source) (*extract.Result, error)
}

// Normalizer turns raw items into canonical opportunities.
type Normalizer interface {
	ExtractBatch(ctx context.Context, src *model.Source, items []map[string]any, rawResponseID string) (*schema.BatchResult, error)
}

// Deduper classifies incoming opportunities against stored ones.
type Deduper interface {
	Classify(ctx context.Context, sourceID string, incoming []model.Opportunity) ([]dedup.Decision, dedup.Metrics, error)
}

// Scorer produces the analysis payload for one opportunity.
type Scorer interface {
	Analyze(ctx context.Context, opp *model.Opportunity) (*model.Analysis, error)
}

// Sink persists opportunities.
type Sink interface {
	Insert(ctx context.Context, opp *model.Opportunity) error
	Patch(ctx context.Context, storedID string, changes map[string]any) error
}

// Pipeline runs one source through all five stages.
type Pipeline struct {
	store      Store
	runs       *runs.Manager
	extractor  Extractor
	normalizer Normalizer
	deduper    Deduper
	scorer     Scorer
	sink       Sink

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// New wires a pipeline from its stage implementations. scorer may be nil,
// in which case the analysis stage is skipped for every item.
func New(st Store, rm *runs.Manager, extractor Extractor, normalizer Normalizer, deduper Deduper, scorer Scorer, sink Sink) *Pipeline {
	return &Pipeline{
		store:      st,
		runs:       rm,
		extractor:  extractor,
		normalizer: normalizer,
		deduper:    deduper,
		scorer:     scorer,
		sink:       sink,
		nowFunc:    time.Now,
	}
}

// Run executes the pipeline for one source. With existingRunID set it
// resumes that run, skipping stages already completed. The returned result
// is nil when the run fails; the failure is recorded on the run row before
// the error is returned.
func (p *Pipeline) Run(ctx context.Context, sourceID, existingRunID string) (*model.RunResult, error) {
	src, err := p.store.GetSource(ctx, sourceID)
	if err != nil {
		return nil, resilience.Classify(err).WithContext("source_id", sourceID)
	}
	if src == nil {
		return nil, resilience.NewValidation("source not found", nil).
			WithContext("source_id", sourceID)
	}

	run, resumed, err := p.runs.StartRun(ctx, sourceID, existingRunID)
	if err != nil {
		return nil, err
	}

	log := zap.L().With(
		zap.String("run_id", run.ID),
		zap.String("source", src.Slug),
		zap.Bool("resumed", resumed))
	log.Info("pipeline: starting harvest")

	result := &model.RunResult{SourceSlug: src.Slug}

	items, rawResponseID, err := p.stageExtraction(ctx, run, src, result)
	if err != nil {
		return nil, p.fail(ctx, run, model.StageExtraction, err)
	}
	if len(items) == 0 {
		log.Info("pipeline: nothing extracted, finishing early")
		return result, p.finishEmpty(ctx, run, result, "no items extracted")
	}

	opps, err := p.stageSchema(ctx, run, src, items, rawResponseID, result)
	if err != nil {
		return nil, p.fail(ctx, run, model.StageSchema, err)
	}
	if len(opps) == 0 {
		log.Info("pipeline: no items survived normalization, finishing early")
		return result, p.finishEmpty(ctx, run, result, "no opportunities after normalization")
	}

	actions, err := p.stageDedup(ctx, run, src, opps, result)
	if err != nil {
		return nil, p.fail(ctx, run, model.StageDedup, err)
	}

	if err := p.stageAnalysis(ctx, run, src, actions, result); err != nil {
		return nil, p.fail(ctx, run, model.StageAnalysis, err)
	}

	if err := p.stageStorage(ctx, run, src, actions, result); err != nil {
		return nil, p.fail(ctx, run, model.StageStorage, err)
	}

	if err := p.runs.Complete(ctx, run, result); err != nil {
		return nil, err
	}
	log.Info("pipeline: harvest complete",
		zap.Int("new", result.OpportunitiesNew),
		zap.Int("updated", result.OpportunitiesUpd),
		zap.Int("skipped", result.OpportunitiesSkip))
	return result, nil
}

// stageExtraction pulls raw items, or reloads them from the stage's
// persisted data when the stage already completed in a prior pass.
func (p *Pipeline) stageExtraction(ctx context.Context, run *model.Run, src *model.Source, result *model.RunResult) ([]map[string]any, string, error) {
	if run.StageStatus(model.StageExtraction) == model.StageCompleted {
		state := run.Stages[model.StageExtraction]
		items, err := decodeStageSlice[map[string]any](state.Data["items"])
		if err != nil {
			return nil, "", resilience.NewValidation("persisted extraction items unreadable", err).
				WithContext("run_id", run.ID)
		}
		rawID, _ := state.Data["raw_response_id"].(string)
		result.ItemsExtracted = len(items)
		return items, rawID, nil
	}

	if err := p.runs.BeginStage(ctx, run, model.StageExtraction); err != nil {
		return nil, "", err
	}
	ext, err := p.extractor.Extract(ctx, src)
	if err != nil {
		return nil, "", err
	}

	p.deadLetter(ctx, run, src, model.StageExtraction, failuresFromExtract(ext.DetailFailures))

	data := map[string]any{
		"items":           ext.Items,
		"raw_response_id": ext.RawResponseID,
	}
	if err := p.runs.CompleteStage(ctx, run, model.StageExtraction, data, ext.Metrics()); err != nil {
		return nil, "", err
	}

	result.ItemsExtracted = len(ext.Items)
	result.APICallCount = ext.APICallCount
	result.ItemFailures += len(ext.DetailFailures)
	return ext.Items, ext.RawResponseID, nil
}

// stageSchema normalizes raw items into opportunities via the model.
func (p *Pipeline) stageSchema(ctx context.Context, run *model.Run, src *model.Source, items []map[string]any, rawResponseID string, result *model.RunResult) ([]model.Opportunity, error) {
	if run.StageStatus(model.StageSchema) == model.StageCompleted {
		state := run.Stages[model.StageSchema]
		opps, err := decodeStageSlice[model.Opportunity](state.Data["opportunities"])
		if err != nil {
			return nil, resilience.NewValidation("persisted opportunities unreadable", err).
				WithContext("run_id", run.ID)
		}
		return opps, nil
	}

	if err := p.runs.BeginStage(ctx, run, model.StageSchema); err != nil {
		return nil, err
	}
	batch, err := p.normalizer.ExtractBatch(ctx, src, items, rawResponseID)
	if err != nil {
		return nil, err
	}

	p.deadLetter(ctx, run, src, model.StageSchema, failuresFromSchema(batch.Failures))

	data := map[string]any{"opportunities": batch.Opportunities}
	if err := p.runs.CompleteStage(ctx, run, model.StageSchema, data, batch.Metrics()); err != nil {
		return nil, err
	}

	result.ItemFailures += len(batch.Failures)
	result.InputTokens += int(batch.Usage.InputTokens)
	result.OutputTokens += int(batch.Usage.OutputTokens)
	return batch.Opportunities, nil
}

// stageDedup classifies incoming opportunities against stored rows and
// routes each into an action. Decisions are recomputed on resume: nothing
// is written before the storage stage, so classification against the store
// is stable across passes.
func (p *Pipeline) stageDedup(ctx context.Context, run *model.Run, src *model.Source, opps []model.Opportunity, result *model.RunResult) ([]Action, error) {
	alreadyDone := run.StageStatus(model.StageDedup) == model.StageCompleted
	if !alreadyDone {
		if err := p.runs.BeginStage(ctx, run, model.StageDedup); err != nil {
			return nil, err
		}
	}

	decisions, metrics, err := p.deduper.Classify(ctx, src.ID, opps)
	if err != nil {
		return nil, err
	}
	actions := Route(decisions, opps, p.nowFunc().UTC())

	if !alreadyDone {
		if err := p.runs.CompleteStage(ctx, run, model.StageDedup, nil, metrics.Map()); err != nil {
			return nil, err
		}
	}

	result.OpportunitiesNew = metrics.New
	result.OpportunitiesUpd = metrics.Updated
	result.OpportunitiesSkip = metrics.Skipped
	result.SkipRatio = metrics.SkipRatio
	return actions, nil
}

// stageAnalysis scores the actions that warrant it. A scoring failure
// downgrades the item to storage without analysis rather than failing the
// stage. Analyses are persisted in the stage data so a resumed run reuses
// them instead of paying for the scoring again.
func (p *Pipeline) stageAnalysis(ctx context.Context, run *model.Run, src *model.Source, actions []Action, result *model.RunResult) error {
	if run.StageStatus(model.StageAnalysis) == model.StageSkipped {
		return nil
	}
	if run.StageStatus(model.StageAnalysis) == model.StageCompleted {
		state := run.Stages[model.StageAnalysis]
		analyses, err := decodeStageMap[*model.Analysis](state.Data["analyses"])
		if err != nil {
			return resilience.NewValidation("persisted analyses unreadable", err).
				WithContext("run_id", run.ID)
		}
		for i := range actions {
			opp := actions[i].Opportunity
			if opp == nil {
				continue
			}
			if a, ok := analyses[opp.ExternalID]; ok {
				opp.Analysis = a
			}
		}
		return nil
	}

	pending := 0
	for i := range actions {
		if actions[i].Analyze {
			pending++
		}
	}
	if p.scorer == nil || pending == 0 {
		return p.runs.SkipStage(ctx, run, model.StageAnalysis, "no items to analyze")
	}

	if err := p.runs.BeginStage(ctx, run, model.StageAnalysis); err != nil {
		return err
	}

	analyzed, failed := 0, 0
	analyses := make(map[string]*model.Analysis, pending)
	for i := range actions {
		action := &actions[i]
		if !action.Analyze {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		analysis, err := p.scorer.Analyze(ctx, action.Opportunity)
		if err != nil {
			failed++
			zap.L().Warn("pipeline: analysis failed, storing without it",
				zap.String("run_id", run.ID),
				zap.String("external_id", action.Opportunity.ExternalID),
				zap.Error(err))
			continue
		}
		action.Opportunity.Analysis = analysis
		analyses[action.Opportunity.ExternalID] = analysis
		analyzed++
	}

	data := map[string]any{"analyses": analyses}
	metrics := map[string]any{"analyzed": analyzed, "failed": failed}
	return p.runs.CompleteStage(ctx, run, model.StageAnalysis, data, metrics)
}

// stageStorage writes the actions out. Row-level failures are dead-lettered
// and counted; infrastructure failures abort the stage. A stage already
// completed by an interrupted prior pass is not re-run: the writes landed,
// only the run-level bookkeeping is missing.
func (p *Pipeline) stageStorage(ctx context.Context, run *model.Run, src *model.Source, actions []Action, result *model.RunResult) error {
	if run.StageStatus(model.StageStorage) == model.StageCompleted {
		state := run.Stages[model.StageStorage]
		result.ItemFailures += metricInt(state.Metrics, "failed")
		return nil
	}

	if err := p.runs.BeginStage(ctx, run, model.StageStorage); err != nil {
		return err
	}

	inserted, patched, failed := 0, 0, 0
	var letters []failure
	for i := range actions {
		action := &actions[i]
		var err error
		switch action.Decision.Verdict {
		case dedup.VerdictNew:
			if err = p.sink.Insert(ctx, action.Opportunity); err == nil {
				inserted++
			}
		case dedup.VerdictUpdate:
			changes := action.PatchFields()
			if len(changes) == 0 {
				continue
			}
			if err = p.sink.Patch(ctx, action.Decision.StoredID, changes); err == nil {
				patched++
			}
		default:
			continue
		}
		if err != nil {
			perr := resilience.Classify(err)
			if storageFatal(perr) {
				return perr
			}
			failed++
			letters = append(letters, failure{
				ref:     action.Opportunity.ExternalID,
				err:     perr,
				payload: action.Opportunity,
			})
		}
	}

	p.deadLetter(ctx, run, src, model.StageStorage, letters)
	result.ItemFailures += failed

	metrics := map[string]any{"inserted": inserted, "patched": patched, "failed": failed}
	return p.runs.CompleteStage(ctx, run, model.StageStorage, nil, metrics)
}

// storageFatal reports whether a storage error should abort the run instead
// of dead-lettering the row. Constraint and validation problems are scoped
// to the row; anything else (connection loss, query defects) poisons the
// rest of the batch too.
func storageFatal(perr *resilience.PipelineError) bool {
	switch perr.Code {
	case resilience.CodeConstraintViolation, resilience.CodeValidation:
		return false
	}
	return true
}

// finishEmpty skips every remaining stage and completes the run.
func (p *Pipeline) finishEmpty(ctx context.Context, run *model.Run, result *model.RunResult, reason string) error {
	for _, stage := range model.Stages() {
		if run.StageStatus(stage) == model.StagePending {
			if err := p.runs.SkipStage(ctx, run, stage, reason); err != nil {
				return err
			}
		}
	}
	return p.runs.Complete(ctx, run, result)
}

func (p *Pipeline) fail(ctx context.Context, run *model.Run, stage model.Stage, cause error) error {
	perr := resilience.Classify(cause)
	if recordErr := p.runs.Fail(ctx, run, stage, perr); recordErr != nil {
		zap.L().Error("pipeline: failed to record run failure",
			zap.String("run_id", run.ID),
			zap.Error(recordErr))
	}
	return perr
}

type failure struct {
	ref     string
	err     error
	payload any
}

// deadLetter records item failures best-effort; a DLQ write problem is
// logged, never escalated.
func (p *Pipeline) deadLetter(ctx context.Context, run *model.Run, src *model.Source, stage model.Stage, failures []failure) {
	if len(failures) == 0 {
		return
	}
	letters := make([]resilience.DeadLetter, 0, len(failures))
	for _, f := range failures {
		letters = append(letters, resilience.NewDeadLetter(run.ID, src.ID, string(stage), f.ref, f.err, f.payload))
	}
	if _, err := p.store.InsertDeadLetters(ctx, letters); err != nil {
		zap.L().Warn("pipeline: dead letter write failed",
			zap.String("run_id", run.ID),
			zap.String("stage", string(stage)),
			zap.Int("count", len(letters)),
			zap.Error(err))
	}
}

func failuresFromExtract(itemFailures []extract.ItemFailure) []failure {
	out := make([]failure, 0, len(itemFailures))
	for _, f := range itemFailures {
		out = append(out, failure{ref: f.Ref, err: f.Err, payload: f.Item})
	}
	return out
}

func failuresFromSchema(itemFailures []schema.ItemFailure) []failure {
	out := make([]failure, 0, len(itemFailures))
	for _, f := range itemFailures {
		out = append(out, failure{ref: itemRef(f.Index), err: f.Err, payload: f.Item})
	}
	return out
}

func itemRef(index int) string {
	return "item[" + strconv.Itoa(index) + "]"
}

// decodeStageSlice rehydrates a persisted stage-data slice. In-memory it is
// the original typed slice; after a store round trip it is generic JSON, so
// both shapes pass through a marshal hop.
func decodeStageSlice[T any](v any) ([]T, error) {
	if v == nil {
		return nil, nil
	}
	if typed, ok := v.([]T); ok {
		return typed, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out []T
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// decodeStageMap rehydrates a persisted stage-data map the same way.
func decodeStageMap[T any](v any) (map[string]T, error) {
	if v == nil {
		return nil, nil
	}
	if typed, ok := v.(map[string]T); ok {
		return typed, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]T
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// metricInt reads a numeric stage metric. In-memory it is an int; after a
// store round trip it comes back as a JSON number.
func metricInt(metrics map[string]any, key string) int {
	switch n := metrics[key].(type) {
	case int:
		return n
	case float64:
		return int(n)
	}
	return 0
}
