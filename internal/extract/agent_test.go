package extract

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grantflow/harvest-cli/internal/model"
	"github.com/grantflow/harvest-cli/internal/rawstore"
	"github.com/grantflow/harvest-cli/internal/resilience"
)

// fakeCaller scripts per-call responses keyed by the page or detail-id
// param, recording every call it receives.
type fakeCaller struct {
	mu      sync.Mutex
	calls   []map[string]string
	pages   map[string][]map[string]any // page number -> items
	details map[string]map[string]any   // detail id -> record
	fail    map[string]error            // param value -> error
	total   int
}

func (f *fakeCaller) Call(_ context.Context, src *model.Source, endpoint string, params map[string]string) (*CallResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, params)
	f.mu.Unlock()

	if id, ok := params["id"]; ok {
		if err, failed := f.fail[id]; failed {
			return nil, err
		}
		return &CallResult{
			Payload:  map[string]any{"record": f.details[id]},
			Endpoint: endpoint,
			Duration: time.Millisecond,
		}, nil
	}

	page := params["page"]
	if err, failed := f.fail["page"+page]; failed {
		return nil, err
	}
	items := make([]any, 0, len(f.pages[page]))
	for _, it := range f.pages[page] {
		items = append(items, it)
	}
	return &CallResult{
		Payload:  map[string]any{"data": items, "meta": map[string]any{"total": float64(f.total)}},
		Endpoint: endpoint,
		Duration: time.Millisecond,
	}, nil
}

type memResponseStore struct {
	mu    sync.Mutex
	saved []*model.RawResponse
}

func (m *memResponseStore) SaveRawResponse(_ context.Context, raw *model.RawResponse) (*model.RawResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *raw
	cp.ID = fmt.Sprintf("raw-%d", len(m.saved)+1)
	cp.CallCount = 1
	m.saved = append(m.saved, &cp)
	return &cp, nil
}

func items(n, offset int) []map[string]any {
	out := make([]map[string]any, n)
	for i := range out {
		out[i] = map[string]any{"oppId": fmt.Sprintf("OPP-%03d", offset+i)}
	}
	return out
}

func paginatedSource() *model.Source {
	return &model.Source{
		ID:               "src-1",
		Slug:             "grants",
		APIEndpoint:      "https://api.example.gov/opps",
		ResponseDataPath: "data",
		TotalCountPath:   "meta.total",
		Workflow:         model.WorkflowSingleAPI,
		Pagination: model.PaginationConfig{
			Enabled:   true,
			PageParam: "page",
			SizeParam: "limit",
			PageSize:  10,
			MaxPages:  3,
		},
	}
}

func newTestAgent(caller Caller, store *memResponseStore) *Agent {
	return New(caller, rawstore.New(store), Options{Retry: resilience.NoRetryPolicy()})
}

func TestExtract_Pagination_ShortPageStops(t *testing.T) {
	caller := &fakeCaller{
		pages: map[string][]map[string]any{"1": items(10, 0), "2": items(4, 10)},
		total: 14,
	}
	store := &memResponseStore{}
	agent := newTestAgent(caller, store)

	res, err := agent.Extract(context.Background(), paginatedSource())
	require.NoError(t, err)

	assert.Len(t, res.Items, 14)
	assert.Equal(t, 2, res.APICallCount, "page 2 is short, page 3 never requested")
	assert.Equal(t, 14, res.TotalFound)
	assert.Len(t, store.saved, 2, "every page payload cached")
	assert.Equal(t, "raw-1", res.RawResponseID, "first page's cache row referenced")
}

func TestExtract_Pagination_CeilingTrimsFinalPage(t *testing.T) {
	src := paginatedSource()
	src.Pagination.PageSize = 10
	src.Pagination.MaxPages = 2
	caller := &fakeCaller{
		pages: map[string][]map[string]any{"1": items(10, 0), "2": items(10, 10), "3": items(10, 20)},
		total: 100,
	}
	agent := newTestAgent(caller, &memResponseStore{})

	res, err := agent.Extract(context.Background(), src)
	require.NoError(t, err)

	assert.Len(t, res.Items, 20, "ceiling maxPages*pageSize enforced")
	assert.Equal(t, 2, res.APICallCount)
	require.Len(t, caller.calls, 2)
	assert.Equal(t, "10", caller.calls[1]["limit"])
}

func TestExtract_Pagination_PageErrorTruncates(t *testing.T) {
	caller := &fakeCaller{
		pages: map[string][]map[string]any{"1": items(10, 0)},
		fail:  map[string]error{"page2": &resilience.StatusError{StatusCode: 503}},
		total: 25,
	}
	agent := newTestAgent(caller, &memResponseStore{})

	res, err := agent.Extract(context.Background(), paginatedSource())
	require.NoError(t, err, "page errors truncate, never raise")

	assert.Len(t, res.Items, 10, "items already gathered are kept")
	assert.Equal(t, 1, res.APICallCount)
}

func TestExtract_ZeroItemsIsEmptyResultNotError(t *testing.T) {
	caller := &fakeCaller{
		fail: map[string]error{"page1": &resilience.StatusError{StatusCode: 500}},
	}
	agent := newTestAgent(caller, &memResponseStore{})

	res, err := agent.Extract(context.Background(), paginatedSource())
	require.NoError(t, err)
	assert.Empty(t, res.Items)
	assert.Equal(t, 0, res.APICallCount)
}

func twoStepSource() *model.Source {
	src := paginatedSource()
	src.Workflow = model.WorkflowTwoStep
	src.Detail = model.DetailConfig{
		Enabled:          true,
		EndpointTemplate: "https://api.example.gov/opps/{id}",
		IDField:          "oppId",
		DataPath:         "record",
	}
	return src
}

func TestExtract_TwoStep_PerItemIsolation(t *testing.T) {
	stubs := items(5, 0)
	details := make(map[string]map[string]any, len(stubs))
	for _, s := range stubs {
		id := s["oppId"].(string)
		details[id] = map[string]any{"oppId": id, "title": "detail " + id}
	}
	caller := &fakeCaller{
		pages:   map[string][]map[string]any{"1": stubs},
		details: details,
		fail:    map[string]error{"OPP-002": &resilience.StatusError{StatusCode: 500}},
		total:   5,
	}
	store := &memResponseStore{}
	agent := newTestAgent(caller, store)

	res, err := agent.Extract(context.Background(), twoStepSource())
	require.NoError(t, err)

	assert.Equal(t, 4, res.DetailCallsSuccessful)
	assert.Equal(t, 1, res.DetailCallsFailed)
	assert.Len(t, res.Items, 4, "the failed item is excluded, siblings survive")
	require.Len(t, res.DetailFailures, 1)
	assert.Equal(t, "OPP-002", res.DetailFailures[0].Ref)
	assert.Equal(t, 6, res.APICallCount, "1 list page + 5 detail calls")

	// List payload plus the 4 successful detail payloads are cached.
	assert.Len(t, store.saved, 5)

	for _, it := range res.Items {
		assert.Contains(t, it["title"], "detail ", "detail record replaces the stub")
	}
}

func TestExtract_TwoStep_StubMissingID(t *testing.T) {
	stubs := items(2, 0)
	delete(stubs[1], "oppId")
	caller := &fakeCaller{
		pages: map[string][]map[string]any{"1": stubs},
		details: map[string]map[string]any{
			"OPP-000": {"oppId": "OPP-000", "title": "ok"},
		},
		total: 2,
	}
	agent := newTestAgent(caller, &memResponseStore{})

	res, err := agent.Extract(context.Background(), twoStepSource())
	require.NoError(t, err)
	assert.Equal(t, 1, res.DetailCallsSuccessful)
	assert.Equal(t, 1, res.DetailCallsFailed)
	require.Len(t, res.DetailFailures, 1)
	assert.Equal(t, resilience.CategoryValidation, resilience.Classify(res.DetailFailures[0].Err).Category)
}

func TestExtract_TwoStep_MissingIDFieldIsConfigError(t *testing.T) {
	src := twoStepSource()
	src.Detail.IDField = ""
	caller := &fakeCaller{pages: map[string][]map[string]any{"1": items(1, 0)}, total: 1}
	agent := newTestAgent(caller, &memResponseStore{})

	_, err := agent.Extract(context.Background(), src)
	require.Error(t, err)
	assert.Equal(t, resilience.CategoryConfiguration, resilience.Classify(err).Category)
}

func TestExtract_UnknownWorkflow(t *testing.T) {
	src := paginatedSource()
	src.Workflow = "graphql"
	agent := newTestAgent(&fakeCaller{}, &memResponseStore{})

	_, err := agent.Extract(context.Background(), src)
	require.Error(t, err)
	assert.Equal(t, resilience.CategoryConfiguration, resilience.Classify(err).Category)
}

func TestExtract_NoPagination_SingleCall(t *testing.T) {
	src := paginatedSource()
	src.Pagination = model.PaginationConfig{}
	caller := &fakeCaller{pages: map[string][]map[string]any{"": items(3, 0)}, total: 3}
	agent := newTestAgent(caller, &memResponseStore{})

	res, err := agent.Extract(context.Background(), src)
	require.NoError(t, err)
	assert.Len(t, res.Items, 3)
	assert.Equal(t, 1, res.APICallCount)
}
