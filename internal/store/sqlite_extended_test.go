package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grantflow/harvest-cli/internal/model"
	"github.com/grantflow/harvest-cli/internal/resilience"
)

// TestCheckRowsAffected_ZeroRows verifies the "not found" error when no rows
// are affected.
func TestCheckRowsAffected_ZeroRows(t *testing.T) {
	res := &fakeResult{rowsAffected: 0, err: nil}
	err := checkRowsAffected(res, "opportunity", "abc-123")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "opportunity not found: abc-123")
}

// TestCheckRowsAffected_Error verifies error propagation from RowsAffected().
func TestCheckRowsAffected_Error(t *testing.T) {
	res := &fakeResult{rowsAffected: 0, err: assert.AnError}
	err := checkRowsAffected(res, "opportunity", "abc-123")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rows affected")
}

// TestCheckRowsAffected_Success verifies nil error when rows > 0.
func TestCheckRowsAffected_Success(t *testing.T) {
	res := &fakeResult{rowsAffected: 1, err: nil}
	err := checkRowsAffected(res, "opportunity", "abc-123")
	require.NoError(t, err)
}

// TestSQLite_OperationsAfterClose verifies every operation fails once the
// underlying database handle is closed.
func TestSQLite_OperationsAfterClose(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "closed.db")
	s, err := NewSQLite(dbPath)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, s.Migrate(ctx))

	src := seedSource(t, s, "closing")
	run := model.NewRun("", src.ID, time.Now().UTC())
	require.NoError(t, s.InsertRun(ctx, run))

	require.NoError(t, s.Close())

	_, err = s.UpsertSources(ctx, []model.Source{{Slug: "x", Name: "X", APIEndpoint: "https://x.example.gov"}})
	require.Error(t, err)

	_, err = s.GetSource(ctx, src.ID)
	require.Error(t, err)

	_, err = s.GetRun(ctx, run.ID)
	require.Error(t, err)

	err = s.UpsertRunStage(ctx, run.ID, model.StageExtraction, &model.StageState{Status: model.StageProcessing})
	require.Error(t, err)

	err = s.CompleteRun(ctx, run.ID, &model.RunResult{RunID: run.ID})
	require.Error(t, err)

	_, err = s.SaveRawResponse(ctx, &model.RawResponse{SourceID: src.ID, ContentHash: "h", Content: "c"})
	require.Error(t, err)

	_, err = s.ListOpportunities(ctx, OpportunityFilter{SourceID: src.ID})
	require.Error(t, err)

	_, err = s.InsertDeadLetters(ctx, []resilience.DeadLetter{{RunID: run.ID, SourceID: src.ID, Stage: "schema", Code: "X", Category: "validation", Message: "m"}})
	require.Error(t, err)

	err = s.Migrate(ctx)
	require.Error(t, err)

	err = s.Ping(ctx)
	require.Error(t, err)
}

// fakeResult implements sql.Result for testing checkRowsAffected.
type fakeResult struct {
	rowsAffected int64
	err          error
}

func (f *fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (f *fakeResult) RowsAffected() (int64, error) { return f.rowsAffected, f.err }

var _ sql.Result = (*fakeResult)(nil)
