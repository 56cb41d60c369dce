package schema

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/grantflow/harvest-cli/internal/model"
	"github.com/grantflow/harvest-cli/internal/resilience"
	"github.com/grantflow/harvest-cli/pkg/anthropic"
)

type mockAnthropicClient struct {
	mock.Mock
}

var _ anthropic.Client = (*mockAnthropicClient)(nil)

func (m *mockAnthropicClient) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.MessageResponse), args.Error(1)
}

func (m *mockAnthropicClient) CreateBatch(ctx context.Context, req anthropic.BatchRequest) (*anthropic.BatchResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.BatchResponse), args.Error(1)
}

func (m *mockAnthropicClient) GetBatch(ctx context.Context, batchID string) (*anthropic.BatchResponse, error) {
	args := m.Called(ctx, batchID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.BatchResponse), args.Error(1)
}

func (m *mockAnthropicClient) GetBatchResults(ctx context.Context, batchID string) (anthropic.BatchResultIterator, error) {
	args := m.Called(ctx, batchID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(anthropic.BatchResultIterator), args.Error(1)
}

type sliceIterator struct {
	items []anthropic.BatchResultItem
	pos   int
}

func (it *sliceIterator) Next() bool {
	if it.pos >= len(it.items) {
		return false
	}
	it.pos++
	return true
}

func (it *sliceIterator) Item() anthropic.BatchResultItem { return it.items[it.pos-1] }
func (it *sliceIterator) Err() error                      { return nil }
func (it *sliceIterator) Close() error                    { return nil }

func textResponse(text string) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{
		Content: []anthropic.ContentBlock{{Type: "text", Text: text}},
		Usage:   anthropic.TokenUsage{InputTokens: 100, OutputTokens: 50},
	}
}

func testSource() *model.Source {
	return &model.Source{ID: "src-1", Slug: "state-grants"}
}

func newTestAgent(client anthropic.Client, cfg Config) *Agent {
	return NewAgent(client, cfg, resilience.NoRetryPolicy(), nil)
}

func TestExtractBatch_Empty(t *testing.T) {
	client := &mockAnthropicClient{}
	agent := newTestAgent(client, Config{Model: "test-model"})

	result, err := agent.ExtractBatch(context.Background(), testSource(), nil, "raw-1")
	require.NoError(t, err)
	assert.Empty(t, result.Opportunities)
	client.AssertNotCalled(t, "CreateMessage")
}

func TestExtractBatch_DirectPath(t *testing.T) {
	client := &mockAnthropicClient{}
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(textResponse(`{"externalId": "OPP-1", "title": "Direct"}`), nil).Twice()

	agent := newTestAgent(client, Config{Model: "test-model", SmallBatchThreshold: 10})
	items := []map[string]any{{"id": "OPP-1"}, {"id": "OPP-2"}}

	result, err := agent.ExtractBatch(context.Background(), testSource(), items, "raw-1")
	require.NoError(t, err)
	assert.Len(t, result.Opportunities, 2)
	assert.Empty(t, result.Failures)
	assert.Equal(t, int64(200), result.Usage.InputTokens)
	assert.Equal(t, "raw-1", result.Opportunities[0].RawResponseID)
	client.AssertNotCalled(t, "CreateBatch")
}

func TestExtractBatch_DirectPath_ItemFailureIsolated(t *testing.T) {
	client := &mockAnthropicClient{}
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(textResponse(`{"externalId": "OPP-1", "title": "Good"}`), nil).Once()
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(textResponse("I cannot normalize this record."), nil).Once()

	agent := newTestAgent(client, Config{Model: "test-model", SmallBatchThreshold: 10, Concurrency: 1})
	items := []map[string]any{{"id": "a"}, {"id": "b"}}

	result, err := agent.ExtractBatch(context.Background(), testSource(), items, "raw-1")
	require.NoError(t, err)
	assert.Len(t, result.Opportunities, 1)
	require.Len(t, result.Failures, 1)
	assert.Error(t, result.Failures[0].Err)
}

func TestExtractBatch_NoBatchForcesDirect(t *testing.T) {
	client := &mockAnthropicClient{}
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(textResponse(`{"externalId": "OPP-1", "title": "T"}`), nil)

	agent := newTestAgent(client, Config{Model: "test-model", SmallBatchThreshold: 1, NoBatch: true})
	items := []map[string]any{{"id": "a"}, {"id": "b"}, {"id": "c"}}

	result, err := agent.ExtractBatch(context.Background(), testSource(), items, "raw-1")
	require.NoError(t, err)
	assert.Len(t, result.Opportunities, 3)
	client.AssertNotCalled(t, "CreateBatch")
}

func TestExtractBatch_BatchPath(t *testing.T) {
	items := make([]map[string]any, 4)
	results := make([]anthropic.BatchResultItem, 4)
	for i := range items {
		items[i] = map[string]any{"id": fmt.Sprintf("OPP-%d", i)}
		results[i] = anthropic.BatchResultItem{
			CustomID: fmt.Sprintf("item-%d", i),
			Type:     "succeeded",
			Message:  textResponse(fmt.Sprintf(`{"externalId": "OPP-%d", "title": "Batched"}`, i)),
		}
	}

	client := &mockAnthropicClient{}
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(textResponse("ack"), nil).Once() // primer
	client.On("CreateBatch", mock.Anything, mock.Anything).
		Return(&anthropic.BatchResponse{ID: "batch-1", ProcessingStatus: "in_progress"}, nil).Once()
	client.On("GetBatch", mock.Anything, "batch-1").
		Return(&anthropic.BatchResponse{ID: "batch-1", ProcessingStatus: "ended"}, nil)
	client.On("GetBatchResults", mock.Anything, "batch-1").
		Return(&sliceIterator{items: results}, nil).Once()

	agent := newTestAgent(client, Config{Model: "test-model", SmallBatchThreshold: 2, MaxBatchSize: 100})

	result, err := agent.ExtractBatch(context.Background(), testSource(), items, "raw-1")
	require.NoError(t, err)
	assert.Len(t, result.Opportunities, 4)
	assert.Empty(t, result.Failures)
	client.AssertExpectations(t)
}

func TestExtractBatch_BatchPath_MixedResults(t *testing.T) {
	items := []map[string]any{{"id": "a"}, {"id": "b"}, {"id": "c"}}
	results := []anthropic.BatchResultItem{
		{CustomID: "item-0", Type: "succeeded", Message: textResponse(`{"externalId": "A", "title": "A"}`)},
		{CustomID: "item-1", Type: "errored"},
		{CustomID: "item-2", Type: "succeeded", Message: textResponse("not json at all")},
	}

	client := &mockAnthropicClient{}
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(textResponse("ack"), nil).Once()
	client.On("CreateBatch", mock.Anything, mock.Anything).
		Return(&anthropic.BatchResponse{ID: "batch-1"}, nil).Once()
	client.On("GetBatch", mock.Anything, "batch-1").
		Return(&anthropic.BatchResponse{ID: "batch-1", ProcessingStatus: "ended"}, nil)
	client.On("GetBatchResults", mock.Anything, "batch-1").
		Return(&sliceIterator{items: results}, nil).Once()

	agent := newTestAgent(client, Config{Model: "test-model", SmallBatchThreshold: 2, MaxBatchSize: 100})

	result, err := agent.ExtractBatch(context.Background(), testSource(), items, "raw-1")
	require.NoError(t, err)
	assert.Len(t, result.Opportunities, 1)
	assert.Len(t, result.Failures, 2)
}

func TestExtractBatch_BatchPath_Chunks(t *testing.T) {
	items := make([]map[string]any, 5)
	for i := range items {
		items[i] = map[string]any{"id": fmt.Sprintf("OPP-%d", i)}
	}

	client := &mockAnthropicClient{}
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(textResponse("ack"), nil).Once()

	var submitted int
	client.On("CreateBatch", mock.Anything, mock.Anything).
		Return(&anthropic.BatchResponse{ID: "batch-1"}, nil).
		Run(func(args mock.Arguments) {
			req := args.Get(1).(anthropic.BatchRequest)
			submitted += len(req.Requests)
			assert.LessOrEqual(t, len(req.Requests), 2)
		})
	client.On("GetBatch", mock.Anything, "batch-1").
		Return(&anthropic.BatchResponse{ID: "batch-1", ProcessingStatus: "ended"}, nil)
	client.On("GetBatchResults", mock.Anything, "batch-1").
		Return(&sliceIterator{}, nil)

	agent := newTestAgent(client, Config{Model: "test-model", SmallBatchThreshold: 2, MaxBatchSize: 2})

	_, err := agent.ExtractBatch(context.Background(), testSource(), items, "raw-1")
	require.NoError(t, err)
	assert.Equal(t, 5, submitted)
	client.AssertNumberOfCalls(t, "CreateBatch", 3)
}

func TestExtractBatch_PrimerFailureAborts(t *testing.T) {
	client := &mockAnthropicClient{}
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(nil, assert.AnError)

	agent := newTestAgent(client, Config{Model: "test-model", SmallBatchThreshold: 1, MaxBatchSize: 100})
	items := []map[string]any{{"id": "a"}, {"id": "b"}}

	_, err := agent.ExtractBatch(context.Background(), testSource(), items, "raw-1")
	require.Error(t, err)
	client.AssertNotCalled(t, "CreateBatch")
}

func TestExtractBatch_CircuitOpenAbortsDirectPath(t *testing.T) {
	client := &mockAnthropicClient{}
	breaker := resilience.NewCircuitBreaker("anthropic", resilience.BreakerConfig{
		FailureThreshold:  1,
		ResetTimeout:      time.Minute,
		HalfOpenSuccesses: 1,
	})
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(nil, assert.AnError)

	agent := NewAgent(client, Config{Model: "test-model", SmallBatchThreshold: 10, Concurrency: 1}, resilience.NoRetryPolicy(), breaker)
	items := []map[string]any{{"id": "a"}, {"id": "b"}, {"id": "c"}}

	result, err := agent.ExtractBatch(context.Background(), testSource(), items, "raw-1")
	if err == nil {
		// First failure trips the breaker, so later items surface the open
		// circuit as a batch-level error rather than item failures.
		require.NotNil(t, result)
		assert.NotEmpty(t, result.Failures)
	} else {
		var pe *resilience.PipelineError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, resilience.CodeCircuitOpen, pe.Code)
	}
}
