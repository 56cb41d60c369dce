package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grantflow/harvest-cli/internal/model"
)

// newTestSQLiteRaw returns a *SQLiteStore (not the Store interface) so tests
// can reach the underlying db for direct SQL injection in edge-case tests.
func newTestSQLiteRaw(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

// TestNewSQLite_InvalidDSN verifies that NewSQLite returns an error for a
// path inside a nonexistent directory.
func TestNewSQLite_InvalidDSN(t *testing.T) {
	_, err := NewSQLite("/nonexistent/dir/subdir/test.db")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sqlite")
}

// TestNewSQLite_WALMode confirms NewSQLite sets up WAL journaling.
func TestNewSQLite_WALMode(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "valid.db")
	s, err := NewSQLite(dbPath)
	require.NoError(t, err)
	require.NotNil(t, s)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck

	var mode string
	err = s.db.QueryRow("PRAGMA journal_mode").Scan(&mode)
	require.NoError(t, err)
	assert.Equal(t, "wal", mode)
}

// TestNewSQLite_CloseAndReopen verifies the database file survives a close
// and the schema persists across reopens.
func TestNewSQLite_CloseAndReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "reopen.db")

	s1, err := NewSQLite(dbPath)
	require.NoError(t, err)
	require.NoError(t, s1.Migrate(context.Background()))
	require.NoError(t, s1.Close())

	s2, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s2.Close() }) //nolint:errcheck

	ctx := context.Background()
	_, err = s2.UpsertSources(ctx, []model.Source{{
		Slug: "reopened", Name: "Reopened", APIEndpoint: "https://r.example.gov",
		HTTPMethod: "GET", AuthType: model.AuthNone, Workflow: model.WorkflowSingleAPI,
		Active: true, Cadence: model.CadenceManual,
	}})
	require.NoError(t, err)
}

func TestSQLite_Migrate_Idempotent(t *testing.T) {
	s := newTestSQLiteRaw(t)
	require.NoError(t, s.Migrate(context.Background()))
}

// TestSQLite_GetRun_CorruptResultJSON covers the error path where the stored
// result column cannot be unmarshaled.
func TestSQLite_GetRun_CorruptResultJSON(t *testing.T) {
	s := newTestSQLiteRaw(t)
	ctx := context.Background()
	src := seedSource(t, s, "corrupt-result")

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, source_id, status, result, started_at) VALUES (?, ?, ?, ?, ?)`,
		"corrupt-result-run", src.ID, "completed", "not-valid-json{{{", time.Now().UTC(),
	)
	require.NoError(t, err)

	_, err = s.GetRun(ctx, "corrupt-result-run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unmarshal run result")
}

// TestSQLite_GetRun_CorruptStageData covers the stage-data unmarshal error path.
func TestSQLite_GetRun_CorruptStageData(t *testing.T) {
	s := newTestSQLiteRaw(t)
	ctx := context.Background()
	src := seedSource(t, s, "corrupt-stage")

	run := model.NewRun("", src.ID, time.Now().UTC())
	require.NoError(t, s.InsertRun(ctx, run))

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_stages (run_id, stage, status, data) VALUES (?, ?, ?, ?)`,
		run.ID, "extraction", "processing", "not-valid-json{{{",
	)
	require.NoError(t, err)

	_, err = s.GetRun(ctx, run.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unmarshal stage data")
}

// TestSQLite_GetSource_CorruptHeadersJSON covers the source-field unmarshal
// error path.
func TestSQLite_GetSource_CorruptHeadersJSON(t *testing.T) {
	s := newTestSQLiteRaw(t)
	ctx := context.Background()
	src := seedSource(t, s, "corrupt-headers")

	_, err := s.db.ExecContext(ctx,
		`UPDATE sources SET headers = ? WHERE id = ?`, "not-valid-json{{{", src.ID,
	)
	require.NoError(t, err)

	_, err = s.GetSource(ctx, src.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unmarshal source field")
}

// TestSQLite_RawResponse_CorruptContent covers the content unmarshal error path.
func TestSQLite_RawResponse_CorruptContent(t *testing.T) {
	s := newTestSQLiteRaw(t)
	ctx := context.Background()
	src := seedSource(t, s, "corrupt-raw")

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO raw_responses (id, source_id, content_hash, content, first_seen_at, last_seen_at) VALUES (?, ?, ?, ?, ?, ?)`,
		"corrupt-raw-id", src.ID, "deadbeef", "not-valid-json{{{", time.Now().UTC(), time.Now().UTC(),
	)
	require.NoError(t, err)

	_, err = s.GetRawResponse(ctx, src.ID, "deadbeef")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unmarshal raw content")
}

// TestSQLite_ListRuns_DefaultLimit verifies the implicit listing cap.
func TestSQLite_ListRuns_DefaultLimit(t *testing.T) {
	s := newTestSQLiteRaw(t)
	ctx := context.Background()
	src := seedSource(t, s, "default-limit")

	// Terminal runs so the one-running-per-source index does not trip.
	for i := 0; i < 3; i++ {
		run := model.NewRun("", src.ID, time.Now().UTC())
		require.NoError(t, s.InsertRun(ctx, run))
		require.NoError(t, s.CompleteRun(ctx, run.ID, &model.RunResult{RunID: run.ID, SourceID: src.ID}))
	}

	runs, err := s.ListRuns(ctx, RunFilter{})
	require.NoError(t, err)
	assert.Len(t, runs, 3)
}
