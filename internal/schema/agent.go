package schema

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/grantflow/harvest-cli/internal/model"
	"github.com/grantflow/harvest-cli/internal/resilience"
	"github.com/grantflow/harvest-cli/pkg/anthropic"
)

const systemPromptHeader = `You are a data normalization engine for funding opportunity records.
You receive one raw record from an external funding API. Map it to the output
schema below. Rules:
- Output ONLY a single JSON object, no prose and no markdown fences.
- externalId is the source system's own identifier for the record. Never invent one.
- Copy values faithfully; do not summarize or embellish the description.
- Monetary amounts may keep currency symbols or commas; they are parsed downstream.
- Dates may stay in the source's format as long as they are unambiguous.
- Omit fields the record has no value for rather than guessing.

Output schema:
` + OutputSchema

// Config tunes the schema normalization pass.
type Config struct {
	Model     string
	MaxTokens int64

	// SmallBatchThreshold is the item count below which the agent uses
	// direct message calls instead of the Message Batches API.
	SmallBatchThreshold int
	// MaxBatchSize caps one batch submission; larger inputs are chunked.
	MaxBatchSize int
	// NoBatch forces the direct path regardless of size.
	NoBatch bool
	// Concurrency bounds direct-path fan-out.
	Concurrency int
}

func (c Config) withDefaults() Config {
	if c.MaxTokens <= 0 {
		c.MaxTokens = 2048
	}
	if c.SmallBatchThreshold <= 0 {
		c.SmallBatchThreshold = 10
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 500
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	return c
}

// ItemFailure records one raw item the normalization pass could not turn
// into an opportunity. Failures are per-item; they never sink the batch.
type ItemFailure struct {
	Index int
	Err   error
	Item  map[string]any
}

// BatchResult is the outcome of normalizing one extraction's items.
type BatchResult struct {
	Opportunities []model.Opportunity
	Failures      []ItemFailure
	Usage         anthropic.TokenUsage
}

// Metrics renders the stage bookkeeping persisted with the run.
func (r *BatchResult) Metrics() map[string]any {
	return map[string]any{
		"items_in":      len(r.Opportunities) + len(r.Failures),
		"opportunities": len(r.Opportunities),
		"failures":      len(r.Failures),
		"input_tokens":  r.Usage.InputTokens,
		"output_tokens": r.Usage.OutputTokens,
	}
}

// Agent normalizes raw extraction items into canonical opportunities via
// the model, choosing between direct calls and the Message Batches API by
// batch size.
type Agent struct {
	client  anthropic.Client
	cfg     Config
	policy  resilience.Policy
	breaker *resilience.CircuitBreaker
}

// NewAgent builds a schema agent. policy governs retries around each model
// call; breaker may be nil to disable circuit breaking.
func NewAgent(client anthropic.Client, cfg Config, policy resilience.Policy, breaker *resilience.CircuitBreaker) *Agent {
	return &Agent{client: client, cfg: cfg.withDefaults(), policy: policy, breaker: breaker}
}

// ExtractBatch normalizes items from one source. Item-level failures (model
// refusals, malformed JSON, schema violations) are collected, not raised;
// only whole-batch infrastructure failures return an error.
func (a *Agent) ExtractBatch(ctx context.Context, src *model.Source, items []map[string]any, rawResponseID string) (*BatchResult, error) {
	if len(items) == 0 {
		return &BatchResult{}, nil
	}

	log := zap.L().With(zap.String("source", src.Slug), zap.Int("items", len(items)))

	var result *BatchResult
	var err error
	if a.cfg.NoBatch || len(items) < a.cfg.SmallBatchThreshold {
		log.Info("schema: normalizing via direct calls")
		result, err = a.runDirect(ctx, src, items, rawResponseID)
	} else {
		log.Info("schema: normalizing via message batches")
		result, err = a.runBatched(ctx, src, items, rawResponseID)
	}
	if err != nil {
		return nil, err
	}

	result.Usage.LogCost(a.cfg.Model, "schema")
	log.Info("schema: normalization complete",
		zap.Int("opportunities", len(result.Opportunities)),
		zap.Int("failures", len(result.Failures)))
	return result, nil
}

// runDirect fans out one CreateMessage call per item with bounded
// concurrency. Per-item outcomes land in index-addressed slices so ordering
// is stable regardless of completion order.
func (a *Agent) runDirect(ctx context.Context, src *model.Source, items []map[string]any, rawResponseID string) (*BatchResult, error) {
	opps := make([]*model.Opportunity, len(items))
	fails := make([]*ItemFailure, len(items))

	var mu sync.Mutex
	var usage anthropic.TokenUsage

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.Concurrency)
	for i, item := range items {
		g.Go(func() error {
			resp, err := a.call(gctx, a.itemRequest(item))
			if err != nil {
				if pe := resilience.Classify(err); pe.Code == resilience.CodeCircuitOpen {
					return pe
				}
				fails[i] = &ItemFailure{Index: i, Err: err, Item: item}
				return nil
			}

			mu.Lock()
			usage.Add(resp.Usage)
			mu.Unlock()

			opp, err := a.decode(responseText(resp), src, rawResponseID)
			if err != nil {
				fails[i] = &ItemFailure{Index: i, Err: err, Item: item}
				return nil
			}
			opps[i] = opp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := &BatchResult{Usage: usage}
	for i := range items {
		if opps[i] != nil {
			result.Opportunities = append(result.Opportunities, *opps[i])
		} else if fails[i] != nil {
			result.Failures = append(result.Failures, *fails[i])
		}
	}
	return result, nil
}

// runBatched submits items through the Message Batches API in chunks of
// MaxBatchSize, warming the prompt cache with a primer request first.
func (a *Agent) runBatched(ctx context.Context, src *model.Source, items []map[string]any, rawResponseID string) (*BatchResult, error) {
	result := &BatchResult{}

	primer, err := a.call(ctx, anthropic.MessageRequest{
		Model:     a.cfg.Model,
		MaxTokens: 1,
		System:    anthropic.BuildCachedSystemBlocks(systemPromptHeader),
		Messages:  []anthropic.Message{{Role: "user", Content: "ack"}},
	})
	if err != nil {
		return nil, resilience.Classify(err).WithContext("phase", "primer")
	}
	result.Usage.Add(primer.Usage)

	for offset := 0; offset < len(items); offset += a.cfg.MaxBatchSize {
		end := min(offset+a.cfg.MaxBatchSize, len(items))
		if err := a.runChunk(ctx, src, items, offset, end, rawResponseID, result); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (a *Agent) runChunk(ctx context.Context, src *model.Source, items []map[string]any, offset, end int, rawResponseID string, result *BatchResult) error {
	reqs := make([]anthropic.BatchRequestItem, 0, end-offset)
	for i := offset; i < end; i++ {
		reqs = append(reqs, anthropic.BatchRequestItem{
			CustomID: customID(i),
			Params:   a.itemRequest(items[i]),
		})
	}

	batch, _, err := resilience.DoVal(ctx, a.policy, func(ctx context.Context) (*anthropic.BatchResponse, error) {
		return a.client.CreateBatch(ctx, anthropic.BatchRequest{Requests: reqs})
	})
	if err != nil {
		return resilience.Classify(err).WithContext("phase", "create_batch")
	}
	zap.L().Info("schema: batch submitted",
		zap.String("batch_id", batch.ID),
		zap.Int("requests", len(reqs)))

	done, err := anthropic.PollBatch(ctx, a.client, batch.ID)
	if err != nil {
		return resilience.Classify(err).WithContext("phase", "poll_batch").
			WithContext("batch_id", batch.ID)
	}

	iter, err := a.client.GetBatchResults(ctx, done.ID)
	if err != nil {
		return resilience.Classify(err).WithContext("phase", "batch_results").
			WithContext("batch_id", batch.ID)
	}
	collected, err := anthropic.CollectBatchResultsDetailed(iter)
	if err != nil {
		return resilience.Classify(err).WithContext("phase", "batch_results").
			WithContext("batch_id", batch.ID)
	}

	for i := offset; i < end; i++ {
		resp, ok := collected.Succeeded[customID(i)]
		if !ok {
			continue
		}
		result.Usage.Add(resp.Usage)
		opp, decodeErr := a.decode(responseText(resp), src, rawResponseID)
		if decodeErr != nil {
			result.Failures = append(result.Failures, ItemFailure{Index: i, Err: decodeErr, Item: items[i]})
			continue
		}
		result.Opportunities = append(result.Opportunities, *opp)
	}
	for _, f := range collected.Failures {
		idx, err := indexFromCustomID(f.CustomID)
		if err != nil || idx < offset || idx >= end {
			zap.L().Warn("schema: unrecognized batch custom id", zap.String("custom_id", f.CustomID))
			continue
		}
		result.Failures = append(result.Failures, ItemFailure{
			Index: idx,
			Err:   resilience.NewAIService("batch item "+f.Type, nil).WithContext("batch_id", batch.ID),
			Item:  items[idx],
		})
	}
	return nil
}

// call runs one message request under the retry policy and, when
// configured, the model-service circuit breaker.
func (a *Agent) call(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	resp, _, err := resilience.DoVal(ctx, a.policy, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		if a.breaker != nil {
			return resilience.ExecuteVal(ctx, a.breaker, func(ctx context.Context) (*anthropic.MessageResponse, error) {
				return a.client.CreateMessage(ctx, req)
			})
		}
		return a.client.CreateMessage(ctx, req)
	})
	return resp, err
}

func (a *Agent) itemRequest(item map[string]any) anthropic.MessageRequest {
	payload, err := json.Marshal(item)
	if err != nil {
		// Items arrive from json.Unmarshal, so this only fires on exotic
		// injected values in tests.
		payload = []byte(fmt.Sprintf("%v", item))
	}
	return anthropic.MessageRequest{
		Model:     a.cfg.Model,
		MaxTokens: a.cfg.MaxTokens,
		System:    anthropic.BuildCachedSystemBlocks(systemPromptHeader),
		Messages:  []anthropic.Message{{Role: "user", Content: "Raw record:\n" + string(payload)}},
	}
}

func (a *Agent) decode(text string, src *model.Source, rawResponseID string) (*model.Opportunity, error) {
	obj, err := ParseObject(text)
	if err != nil {
		return nil, err
	}
	return Decode(obj, src.ID, rawResponseID)
}

func responseText(resp *anthropic.MessageResponse) string {
	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}

func customID(i int) string { return "item-" + strconv.Itoa(i) }

func indexFromCustomID(id string) (int, error) {
	rest, ok := strings.CutPrefix(id, "item-")
	if !ok {
		return 0, eris.Errorf("schema: bad custom id %q", id)
	}
	return strconv.Atoi(rest)
}
