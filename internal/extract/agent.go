package extract

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/grantflow/harvest-cli/internal/model"
	"github.com/grantflow/harvest-cli/internal/rawstore"
	"github.com/grantflow/harvest-cli/internal/resilience"
)

const (
	defaultPageSize          = 100
	defaultMaxPages          = 10
	defaultDetailConcurrency = 4
)

// Caller is the single-call surface the agent drives. *Client satisfies it.
type Caller interface {
	Call(ctx context.Context, src *model.Source, endpoint string, extraParams map[string]string) (*CallResult, error)
}

// ItemFailure records one isolated per-item failure inside a batch.
type ItemFailure struct {
	Ref  string
	Err  error
	Item map[string]any
}

// Result is the outcome of one extraction: the raw items gathered plus the
// call bookkeeping the run's stage metrics report.
type Result struct {
	Items         []map[string]any
	RawResponseID string
	TotalFound    int
	APICallCount  int

	DetailCallsSuccessful int
	DetailCallsFailed     int
	DetailFailures        []ItemFailure
}

// Metrics flattens the result into stage-metric form.
func (r *Result) Metrics() map[string]any {
	m := map[string]any{
		"items_extracted": len(r.Items),
		"total_found":     r.TotalFound,
		"api_call_count":  r.APICallCount,
	}
	if r.DetailCallsSuccessful > 0 || r.DetailCallsFailed > 0 {
		m["detail_calls_successful"] = r.DetailCallsSuccessful
		m["detail_calls_failed"] = r.DetailCallsFailed
	}
	return m
}

// Options tunes the agent.
type Options struct {
	// DetailConcurrency bounds the two-step detail fan-out. Detail calls
	// for distinct items are independent; one item's failure never aborts
	// its siblings.
	DetailConcurrency int
	Retry             resilience.Policy
	Breaker           *resilience.CircuitBreaker
}

// Agent executes a source's API workflow and hands every raw payload to the
// response recorder before any transformation touches it.
type Agent struct {
	caller   Caller
	recorder *rawstore.Recorder
	opts     Options
}

// New creates an extraction agent.
func New(caller Caller, recorder *rawstore.Recorder, opts Options) *Agent {
	if opts.DetailConcurrency <= 0 {
		opts.DetailConcurrency = defaultDetailConcurrency
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = resilience.DefaultPolicy()
	}
	return &Agent{caller: caller, recorder: recorder, opts: opts}
}

// Extract runs the source's workflow. Page and detail errors are caught,
// logged, and counted rather than raised: zero items across all pages is a
// valid empty result, and downstream stages treat it as nothing to process.
// Only a source misconfiguration fails the extraction outright.
func (a *Agent) Extract(ctx context.Context, src *model.Source) (*Result, error) {
	switch src.Workflow {
	case "", model.WorkflowSingleAPI:
		return a.extractSingle(ctx, src, model.CallTypeSingle)
	case model.WorkflowTwoStep:
		return a.extractTwoStep(ctx, src)
	default:
		return nil, resilience.NewConfiguration("unknown source workflow", nil).
			WithContext("workflow", string(src.Workflow)).
			WithContext("source", src.Slug)
	}
}

// call wraps one API call in the retry policy and, when configured, the
// circuit breaker.
func (a *Agent) call(ctx context.Context, src *model.Source, endpoint string, params map[string]string) (*CallResult, error) {
	res, _, err := resilience.DoVal(ctx, a.opts.Retry, func(ctx context.Context) (*CallResult, error) {
		if a.opts.Breaker != nil {
			return resilience.ExecuteVal(ctx, a.opts.Breaker, func(ctx context.Context) (*CallResult, error) {
				return a.caller.Call(ctx, src, endpoint, params)
			})
		}
		return a.caller.Call(ctx, src, endpoint, params)
	})
	return res, err
}

func (a *Agent) record(ctx context.Context, src *model.Source, res *CallResult, callType model.CallType, itemCount int) *model.RawResponse {
	return a.recorder.Record(ctx, &model.RawResponse{
		SourceID:       src.ID,
		Content:        res.Payload,
		RequestDetails: res.RequestDetails,
		Endpoint:       res.Endpoint,
		CallType:       callType,
		ExecutionMs:    res.Duration.Milliseconds(),
		ItemCount:      itemCount,
	})
}

func (a *Agent) extractSingle(ctx context.Context, src *model.Source, callType model.CallType) (*Result, error) {
	log := zap.L().With(zap.String("source", src.Slug))
	result := &Result{}

	if !src.Pagination.Enabled {
		res, err := a.call(ctx, src, "", nil)
		if err != nil {
			log.Warn("extract: list call failed, reporting empty result", zap.Error(err))
			return result, nil
		}
		result.APICallCount = 1
		items := ItemsAt(res.Payload, src.ResponseDataPath)
		raw := a.record(ctx, src, res, callType, len(items))
		result.RawResponseID = raw.ID
		result.Items = items
		result.TotalFound = len(items)
		if total, ok := IntAt(res.Payload, src.TotalCountPath); ok {
			result.TotalFound = total
		}
		return result, nil
	}

	pageSize := src.Pagination.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	maxPages := src.Pagination.MaxPages
	if maxPages <= 0 {
		maxPages = defaultMaxPages
	}
	startPage := src.Pagination.StartPage
	if startPage <= 0 {
		startPage = 1
	}
	pageParam := src.Pagination.PageParam
	if pageParam == "" {
		pageParam = "page"
	}
	sizeParam := src.Pagination.SizeParam
	if sizeParam == "" {
		sizeParam = "limit"
	}

	// Hard ceiling: the final page's requested size is trimmed so the
	// total never exceeds maxPages * pageSize.
	totalLimit := maxPages * pageSize

	for page := 0; page < maxPages; page++ {
		if err := ctx.Err(); err != nil {
			return result, resilience.Classify(err)
		}

		requested := pageSize
		if remaining := totalLimit - len(result.Items); requested > remaining {
			requested = remaining
		}
		if requested <= 0 {
			break
		}

		params := map[string]string{
			pageParam: strconv.Itoa(startPage + page),
			sizeParam: strconv.Itoa(requested),
		}
		res, err := a.call(ctx, src, "", params)
		if err != nil {
			// A page error truncates pagination; items already gathered
			// are kept.
			log.Warn("extract: page call failed, truncating pagination",
				zap.Int("page", startPage+page),
				zap.Int("items_so_far", len(result.Items)),
				zap.Error(err))
			break
		}
		result.APICallCount++

		items := ItemsAt(res.Payload, src.ResponseDataPath)
		raw := a.record(ctx, src, res, callType, len(items))
		if result.RawResponseID == "" {
			result.RawResponseID = raw.ID
		}
		if result.TotalFound == 0 {
			if total, ok := IntAt(res.Payload, src.TotalCountPath); ok {
				result.TotalFound = total
			}
		}
		result.Items = append(result.Items, items...)

		// A short page is the last page.
		if len(items) < requested {
			break
		}
		if len(result.Items) >= totalLimit {
			break
		}
	}

	if result.TotalFound == 0 {
		result.TotalFound = len(result.Items)
	}

	log.Info("extract: list workflow complete",
		zap.Int("items", len(result.Items)),
		zap.Int("api_calls", result.APICallCount),
		zap.Int("total_found", result.TotalFound))
	return result, nil
}

func (a *Agent) extractTwoStep(ctx context.Context, src *model.Source) (*Result, error) {
	log := zap.L().With(zap.String("source", src.Slug))

	listResult, err := a.extractSingle(ctx, src, model.CallTypeList)
	if err != nil {
		return nil, err
	}
	stubs := listResult.Items
	if len(stubs) == 0 {
		return listResult, nil
	}

	idField := src.Detail.IDField
	if idField == "" {
		return nil, resilience.NewConfiguration("two-step source has no detail id_field", nil).
			WithContext("source", src.Slug)
	}

	result := &Result{
		RawResponseID: listResult.RawResponseID,
		TotalFound:    listResult.TotalFound,
		APICallCount:  listResult.APICallCount,
	}

	var mu sync.Mutex
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(a.opts.DetailConcurrency)

	details := make([]map[string]any, len(stubs))
	failures := make([]*ItemFailure, len(stubs))

	for i, stub := range stubs {
		g.Go(func() error {
			id, ok := StringAt(stub, idField)
			if !ok {
				failures[i] = &ItemFailure{
					Ref:  "index:" + strconv.Itoa(i),
					Err:  resilience.NewValidation("stub record has no detail id", nil),
					Item: stub,
				}
				return nil
			}

			res, callErr := a.detailCall(gCtx, src, id)
			mu.Lock()
			result.APICallCount++
			mu.Unlock()
			if callErr != nil {
				log.Warn("extract: detail call failed",
					zap.String("item", id),
					zap.Error(callErr))
				failures[i] = &ItemFailure{Ref: id, Err: callErr, Item: stub}
				return nil
			}

			record := stub
			if detail := ItemsAt(res.Payload, src.Detail.DataPath); len(detail) > 0 {
				record = detail[0]
			}
			a.record(gCtx, src, res, model.CallTypeDetail, 1)
			details[i] = record
			return nil
		})
	}
	// Goroutines never return errors; failures ride the ItemFailure slots.
	_ = g.Wait()

	for i := range stubs {
		switch {
		case details[i] != nil:
			result.Items = append(result.Items, details[i])
			result.DetailCallsSuccessful++
		case failures[i] != nil:
			result.DetailFailures = append(result.DetailFailures, *failures[i])
			result.DetailCallsFailed++
		}
	}

	log.Info("extract: two-step workflow complete",
		zap.Int("stubs", len(stubs)),
		zap.Int("detail_successful", result.DetailCallsSuccessful),
		zap.Int("detail_failed", result.DetailCallsFailed),
		zap.Int("api_calls", result.APICallCount))
	return result, nil
}

func (a *Agent) detailCall(ctx context.Context, src *model.Source, id string) (*CallResult, error) {
	endpoint := ""
	var params map[string]string
	switch {
	case src.Detail.EndpointTemplate != "":
		endpoint = strings.ReplaceAll(src.Detail.EndpointTemplate, "{id}", id)
	case src.Detail.IDParam != "":
		params = map[string]string{src.Detail.IDParam: id}
	default:
		return nil, resilience.NewConfiguration("two-step source has neither endpoint_template nor id_param", nil).
			WithContext("source", src.Slug)
	}
	return a.call(ctx, src, endpoint, params)
}
