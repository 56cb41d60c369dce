package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/grantflow/harvest-cli/internal/dedup"
	"github.com/grantflow/harvest-cli/internal/extract"
	"github.com/grantflow/harvest-cli/internal/model"
	"github.com/grantflow/harvest-cli/internal/opportunity"
	"github.com/grantflow/harvest-cli/internal/pipeline"
	"github.com/grantflow/harvest-cli/internal/rawstore"
	"github.com/grantflow/harvest-cli/internal/resilience"
	"github.com/grantflow/harvest-cli/internal/runs"
	"github.com/grantflow/harvest-cli/internal/schema"
	"github.com/grantflow/harvest-cli/internal/store"
	anthropicpkg "github.com/grantflow/harvest-cli/pkg/anthropic"
)

// snapshotStore bridges the store's listing filter to the detector's
// import-free mirror of it.
type snapshotStore struct {
	st store.Store
}

func (s snapshotStore) ListOpportunities(ctx context.Context, f dedup.OpportunityFilter) ([]model.Opportunity, error) {
	return s.st.ListOpportunities(ctx, store.OpportunityFilter{
		SourceID: f.SourceID,
		Limit:    f.Limit,
		Offset:   f.Offset,
	})
}

// pipelineEnv holds the initialized store, breakers, and pipeline needed by
// the harvest/serve commands.
type pipelineEnv struct {
	Store    store.Store
	Pipeline *pipeline.Pipeline
	Breakers *resilience.Breakers
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// initPipeline sets up the store, the Anthropic client, the resilience
// layer, and all five stage implementations. Callers should defer
// env.Close().
func initPipeline(ctx context.Context) (*pipelineEnv, error) {
	if err := cfg.Validate("harvest"); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	anthropicClient := anthropicpkg.NewClient(cfg.Anthropic.Key)

	// One breaker per external dependency. Retry overrides from config
	// apply on top of the built-in policies.
	breakers := resilience.NewBreakers(resilience.BreakerFromConfig(
		cfg.Breaker.FailureThreshold,
		cfg.Breaker.ResetTimeoutSecs,
		cfg.Breaker.HalfOpenSuccesses,
	))
	apiPolicy := resilience.PolicyFromConfig(resilience.DefaultPolicy(),
		cfg.Retry.MaxAttempts, cfg.Retry.InitialBackoffMs, cfg.Retry.MaxBackoffMs, cfg.Retry.Multiplier)
	aiPolicy := resilience.PolicyFromConfig(resilience.ConservativePolicy(),
		cfg.Retry.MaxAttempts, cfg.Retry.InitialBackoffMs, cfg.Retry.MaxBackoffMs, cfg.Retry.Multiplier)

	caller := extract.NewClient(extract.ClientOptions{
		UserAgent:  cfg.Harvest.UserAgent,
		Timeout:    time.Duration(cfg.Harvest.HTTPTimeoutSecs) * time.Second,
		DefaultRPS: cfg.Harvest.DefaultRPS,
	})
	extractor := extract.New(caller, rawstore.New(st), extract.Options{
		DetailConcurrency: cfg.Harvest.DetailConcurrency,
		Retry:             apiPolicy,
		Breaker:           breakers.Get("source-api"),
	})

	normalizer := schema.NewAgent(anthropicClient, schema.Config{
		Model:               cfg.Anthropic.Model,
		MaxTokens:           int64(cfg.Anthropic.MaxTokens),
		SmallBatchThreshold: cfg.Anthropic.SmallBatchThreshold,
		MaxBatchSize:        cfg.Anthropic.MaxBatchSize,
		NoBatch:             cfg.Anthropic.NoBatch,
		Concurrency:         cfg.Anthropic.Concurrency,
	}, aiPolicy, breakers.Get("anthropic"))

	scorer := pipeline.NewAnalyzer(anthropicClient, pipeline.AnalyzerConfig{
		Model:     cfg.Anthropic.AnalysisModel,
		MaxTokens: int64(cfg.Anthropic.AnalysisMaxTokens),
	}, aiPolicy, breakers.Get("anthropic"))

	p := pipeline.New(st, runs.NewManager(st), extractor, normalizer,
		dedup.New(snapshotStore{st}), scorer, opportunity.NewStorer(st))

	return &pipelineEnv{
		Store:    st,
		Pipeline: p,
		Breakers: breakers,
	}, nil
}
