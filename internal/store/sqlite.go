package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/grantflow/harvest-cli/internal/model"
	"github.com/grantflow/harvest-cli/internal/resilience"
)

// SQLiteStore implements Store using modernc.org/sqlite. It exists for
// local development and air-gapped operation; production deployments use
// PostgresStore.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// Session pragmas are per-connection, so pin the pool to one connection.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS sources (
	id                 TEXT PRIMARY KEY,
	slug               TEXT NOT NULL UNIQUE,
	name               TEXT NOT NULL,
	api_endpoint       TEXT NOT NULL,
	http_method        TEXT NOT NULL DEFAULT 'GET',
	auth_type          TEXT NOT NULL DEFAULT 'none',
	auth               TEXT,
	headers            TEXT,
	query_params       TEXT,
	request_body       TEXT,
	response_data_path TEXT NOT NULL DEFAULT '',
	total_count_path   TEXT NOT NULL DEFAULT '',
	workflow           TEXT NOT NULL DEFAULT 'single_api',
	pagination         TEXT,
	detail             TEXT,
	rate_limit_rps     REAL NOT NULL DEFAULT 0,
	active             BOOLEAN NOT NULL DEFAULT 1,
	cadence            TEXT NOT NULL DEFAULT 'manual',
	last_harvested_at  DATETIME,
	created_at         DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at         DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS runs (
	id            TEXT PRIMARY KEY,
	source_id     TEXT NOT NULL REFERENCES sources(id),
	status        TEXT NOT NULL DEFAULT 'running',
	result        TEXT,
	error         TEXT,
	started_at    DATETIME NOT NULL DEFAULT (datetime('now')),
	completed_at  DATETIME,
	total_time_ms INTEGER NOT NULL DEFAULT 0
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_runs_one_running_per_source ON runs(source_id) WHERE status = 'running';
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_source_started ON runs(source_id, started_at DESC);

CREATE TABLE IF NOT EXISTS run_stages (
	run_id       TEXT NOT NULL REFERENCES runs(id),
	stage        TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'pending',
	data         TEXT,
	metrics      TEXT,
	started_at   DATETIME,
	completed_at DATETIME,
	PRIMARY KEY (run_id, stage)
);

CREATE TABLE IF NOT EXISTS raw_responses (
	id                TEXT PRIMARY KEY,
	source_id         TEXT NOT NULL REFERENCES sources(id),
	content_hash      TEXT NOT NULL,
	content           TEXT NOT NULL,
	request_details   TEXT,
	endpoint          TEXT NOT NULL DEFAULT '',
	call_type         TEXT NOT NULL DEFAULT 'single',
	first_seen_at     DATETIME NOT NULL DEFAULT (datetime('now')),
	last_seen_at      DATETIME NOT NULL DEFAULT (datetime('now')),
	call_count        INTEGER NOT NULL DEFAULT 1,
	execution_time_ms INTEGER NOT NULL DEFAULT 0,
	item_count        INTEGER NOT NULL DEFAULT 0,
	UNIQUE (source_id, content_hash)
);

CREATE INDEX IF NOT EXISTS idx_raw_responses_last_seen ON raw_responses(source_id, last_seen_at DESC);

CREATE TABLE IF NOT EXISTS opportunities (
	id              TEXT PRIMARY KEY,
	source_id       TEXT NOT NULL REFERENCES sources(id),
	external_id     TEXT NOT NULL,
	title           TEXT NOT NULL,
	description     TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL DEFAULT '',
	minimum_award   REAL,
	maximum_award   REAL,
	total_funding   REAL,
	open_date       DATETIME,
	close_date      DATETIME,
	eligibility     TEXT,
	categories      TEXT,
	is_national     BOOLEAN NOT NULL DEFAULT 0,
	url             TEXT NOT NULL DEFAULT '',
	raw_response_id TEXT NOT NULL DEFAULT '',
	analysis        TEXT,
	admin_notes     TEXT NOT NULL DEFAULT '',
	created_at      DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at      DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (source_id, external_id)
);

CREATE INDEX IF NOT EXISTS idx_opportunities_source ON opportunities(source_id);
CREATE INDEX IF NOT EXISTS idx_opportunities_close_date ON opportunities(close_date);

CREATE TABLE IF NOT EXISTS dead_letters (
	id         TEXT PRIMARY KEY,
	run_id     TEXT NOT NULL,
	source_id  TEXT NOT NULL,
	stage      TEXT NOT NULL,
	item_ref   TEXT NOT NULL DEFAULT '',
	code       TEXT NOT NULL,
	category   TEXT NOT NULL,
	message    TEXT NOT NULL,
	payload    TEXT,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_dead_letters_run ON dead_letters(run_id);
CREATE INDEX IF NOT EXISTS idx_dead_letters_source ON dead_letters(source_id, created_at DESC);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Sources

func (s *SQLiteStore) UpsertSources(ctx context.Context, sources []model.Source) (int64, error) {
	if len(sources) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin upsert sources")
	}
	defer func() { _ = tx.Rollback() }()

	const upsert = `INSERT INTO sources
	 (id, slug, name, api_endpoint, http_method, auth_type, auth, headers, query_params, request_body,
	  response_data_path, total_count_path, workflow, pagination, detail, rate_limit_rps, active, cadence, created_at, updated_at)
	 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	 ON CONFLICT(slug) DO UPDATE SET
	   name = excluded.name, api_endpoint = excluded.api_endpoint, http_method = excluded.http_method,
	   auth_type = excluded.auth_type, auth = excluded.auth, headers = excluded.headers,
	   query_params = excluded.query_params, request_body = excluded.request_body,
	   response_data_path = excluded.response_data_path, total_count_path = excluded.total_count_path,
	   workflow = excluded.workflow, pagination = excluded.pagination, detail = excluded.detail,
	   rate_limit_rps = excluded.rate_limit_rps, active = excluded.active, cadence = excluded.cadence,
	   updated_at = excluded.updated_at`

	now := time.Now().UTC()
	var n int64
	for _, src := range sources {
		vals, err := sourceRow(src, now)
		if err != nil {
			return 0, err
		}
		// sourceRow ends with updated_at; sqlite additionally supplies
		// id and created_at, which postgres fills from column defaults.
		args := make([]any, 0, len(vals)+2)
		args = append(args, uuid.New().String())
		args = append(args, vals[:len(vals)-1]...)
		args = append(args, now, now)

		res, err := tx.ExecContext(ctx, upsert, args...)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: upsert source %s", src.Slug)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: rows affected")
		}
		n += affected
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit upsert sources")
	}
	return n, nil
}

func (s *SQLiteStore) GetSource(ctx context.Context, id string) (*model.Source, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sourceColumns+` FROM sources WHERE id = ?`, id)
	src, err := scanSource(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get source %s", id)
	}
	return src, nil
}

func (s *SQLiteStore) GetSourceBySlug(ctx context.Context, slug string) (*model.Source, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sourceColumns+` FROM sources WHERE slug = ?`, slug)
	src, err := scanSource(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get source by slug %s", slug)
	}
	return src, nil
}

func (s *SQLiteStore) ListSources(ctx context.Context, activeOnly bool) ([]model.Source, error) {
	query := `SELECT ` + sourceColumns + ` FROM sources`
	if activeOnly {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY slug`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list sources")
	}
	defer rows.Close()

	var sources []model.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan source")
		}
		sources = append(sources, *src)
	}
	return sources, eris.Wrap(rows.Err(), "sqlite: list sources iterate")
}

func (s *SQLiteStore) MarkSourceHarvested(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sources SET last_harvested_at = ?, updated_at = ? WHERE id = ?`,
		at, at, id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark source harvested %s", id)
	}
	return checkRowsAffected(res, "source", id)
}

// Runs

func (s *SQLiteStore) InsertRun(ctx context.Context, run *model.Run) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	if run.Status == "" {
		run.Status = model.RunStatusRunning
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, source_id, status, started_at) VALUES (?, ?, ?, ?)`,
		run.ID, run.SourceID, string(run.Status), run.StartedAt,
	)
	return eris.Wrapf(err, "sqlite: insert run for source %s", run.SourceID)
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	var r model.Run
	var resultJSON, errJSON *[]byte

	err := s.db.QueryRowContext(ctx,
		`SELECT id, source_id, status, result, error, started_at, completed_at, total_time_ms FROM runs WHERE id = ?`,
		runID,
	).Scan(&r.ID, &r.SourceID, &r.Status, &resultJSON, &errJSON, &r.StartedAt, &r.CompletedAt, &r.TotalTimeMs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get run %s", runID)
	}

	if resultJSON != nil {
		r.Result = &model.RunResult{}
		if err := json.Unmarshal(*resultJSON, r.Result); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal run result")
		}
	}
	if errJSON != nil {
		r.Error = &model.RunError{}
		if err := json.Unmarshal(*errJSON, r.Error); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal run error")
		}
	}

	stages := make(map[model.Stage]*model.StageState, len(model.Stages()))
	for _, st := range model.Stages() {
		stages[st] = &model.StageState{Status: model.StagePending}
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT stage, status, data, metrics, started_at, completed_at FROM run_stages WHERE run_id = ?`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get run stages %s", runID)
	}
	defer rows.Close()

	for rows.Next() {
		var stage string
		var state model.StageState
		var dataJSON, metricsJSON *[]byte

		if err := rows.Scan(&stage, &state.Status, &dataJSON, &metricsJSON, &state.StartedAt, &state.CompletedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run stage")
		}
		if dataJSON != nil {
			if err := json.Unmarshal(*dataJSON, &state.Data); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal stage data")
			}
		}
		if metricsJSON != nil {
			if err := json.Unmarshal(*metricsJSON, &state.Metrics); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal stage metrics")
			}
		}
		stages[model.Stage(stage)] = &state
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: run stages iterate")
	}

	r.Stages = stages
	return &r, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, source_id, status, result, error, started_at, completed_at, total_time_ms FROM runs WHERE 1=1`
	var args []any

	if filter.SourceID != "" {
		query += ` AND source_id = ?`
		args = append(args, filter.SourceID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if !filter.StartedAfter.IsZero() {
		query += ` AND started_at > ?`
		args = append(args, filter.StartedAfter)
	}
	query += ` ORDER BY started_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		var r model.Run
		var resultJSON, errJSON *[]byte

		if err := rows.Scan(&r.ID, &r.SourceID, &r.Status, &resultJSON, &errJSON, &r.StartedAt, &r.CompletedAt, &r.TotalTimeMs); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		if resultJSON != nil {
			r.Result = &model.RunResult{}
			if err := json.Unmarshal(*resultJSON, r.Result); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal run result")
			}
		}
		if errJSON != nil {
			r.Error = &model.RunError{}
			if err := json.Unmarshal(*errJSON, r.Error); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal run error")
			}
		}
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) UpsertRunStage(ctx context.Context, runID string, stage model.Stage, state *model.StageState) error {
	if !model.ValidStage(stage) {
		return eris.Errorf("sqlite: unknown stage %q", stage)
	}

	var dataJSON, metricsJSON []byte
	var err error
	if state.Data != nil {
		if dataJSON, err = json.Marshal(state.Data); err != nil {
			return eris.Wrap(err, "sqlite: marshal stage data")
		}
	}
	if state.Metrics != nil {
		if metricsJSON, err = json.Marshal(state.Metrics); err != nil {
			return eris.Wrap(err, "sqlite: marshal stage metrics")
		}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO run_stages (run_id, stage, status, data, metrics, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, stage) DO UPDATE SET
		   status = excluded.status,
		   data = COALESCE(excluded.data, run_stages.data),
		   metrics = COALESCE(excluded.metrics, run_stages.metrics),
		   started_at = COALESCE(run_stages.started_at, excluded.started_at),
		   completed_at = excluded.completed_at`,
		runID, string(stage), string(state.Status), dataJSON, metricsJSON, state.StartedAt, state.CompletedAt,
	)
	return eris.Wrapf(err, "sqlite: upsert stage %s for run %s", stage, runID)
}

func (s *SQLiteStore) CompleteRun(ctx context.Context, runID string, result *model.RunResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal run result")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = 'completed', result = ?, completed_at = ?, total_time_ms = ? WHERE id = ? AND status = 'running'`,
		string(resultJSON), time.Now().UTC(), result.TotalTimeMs, runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete run %s", runID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Errorf("run not running: %s", runID)
	}
	return nil
}

func (s *SQLiteStore) FailRun(ctx context.Context, runID string, runErr *model.RunError, totalTimeMs int64) error {
	errJSON, err := json.Marshal(runErr)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal run error")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = 'failed', error = ?, completed_at = ?, total_time_ms = ? WHERE id = ? AND status = 'running'`,
		string(errJSON), time.Now().UTC(), totalTimeMs, runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail run %s", runID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Errorf("run not running: %s", runID)
	}
	return nil
}

// Raw response cache

func (s *SQLiteStore) SaveRawResponse(ctx context.Context, raw *model.RawResponse) (*model.RawResponse, error) {
	if raw.ID == "" {
		raw.ID = uuid.New().String()
	}
	now := time.Now().UTC()

	contentJSON, err := json.Marshal(raw.Content)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal raw content")
	}
	var requestJSON []byte
	if raw.RequestDetails != nil {
		if requestJSON, err = json.Marshal(raw.RequestDetails); err != nil {
			return nil, eris.Wrap(err, "sqlite: marshal request details")
		}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO raw_responses
		 (id, source_id, content_hash, content, request_details, endpoint, call_type, first_seen_at, last_seen_at, call_count, execution_time_ms, item_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
		 ON CONFLICT(source_id, content_hash) DO UPDATE SET
		   call_count = call_count + 1,
		   last_seen_at = excluded.last_seen_at,
		   endpoint = excluded.endpoint,
		   call_type = excluded.call_type,
		   execution_time_ms = excluded.execution_time_ms,
		   item_count = excluded.item_count`,
		raw.ID, raw.SourceID, raw.ContentHash, string(contentJSON), requestJSON,
		raw.Endpoint, string(raw.CallType), now, now, raw.ExecutionMs, raw.ItemCount,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: save raw response for source %s", raw.SourceID)
	}

	saved, err := s.GetRawResponse(ctx, raw.SourceID, raw.ContentHash)
	if err != nil {
		return nil, err
	}
	if saved == nil {
		return nil, eris.Errorf("sqlite: raw response missing after upsert for source %s", raw.SourceID)
	}
	raw.ID = saved.ID
	raw.FirstSeenAt = saved.FirstSeenAt
	raw.LastSeenAt = saved.LastSeenAt
	raw.CallCount = saved.CallCount
	return raw, nil
}

func (s *SQLiteStore) GetRawResponse(ctx context.Context, sourceID, contentHash string) (*model.RawResponse, error) {
	var raw model.RawResponse
	var contentJSON []byte
	var requestJSON *[]byte

	err := s.db.QueryRowContext(ctx,
		`SELECT id, source_id, content_hash, content, request_details, endpoint, call_type, first_seen_at, last_seen_at, call_count, execution_time_ms, item_count
		 FROM raw_responses WHERE source_id = ? AND content_hash = ?`,
		sourceID, contentHash,
	).Scan(
		&raw.ID, &raw.SourceID, &raw.ContentHash, &contentJSON, &requestJSON,
		&raw.Endpoint, &raw.CallType, &raw.FirstSeenAt, &raw.LastSeenAt,
		&raw.CallCount, &raw.ExecutionMs, &raw.ItemCount,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "sqlite: get raw response")
	}

	if err := json.Unmarshal(contentJSON, &raw.Content); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal raw content")
	}
	if requestJSON != nil {
		if err := json.Unmarshal(*requestJSON, &raw.RequestDetails); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal request details")
		}
	}
	return &raw, nil
}

func (s *SQLiteStore) RawCacheStats(ctx context.Context, sourceID string) (*RawCacheStats, error) {
	var stats RawCacheStats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(call_count), 0) FROM raw_responses WHERE source_id = ?`,
		sourceID,
	).Scan(&stats.Responses, &stats.CallCount)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: raw cache stats")
	}
	return &stats, nil
}

// Opportunities

func (s *SQLiteStore) GetOpportunity(ctx context.Context, sourceID, externalID string) (*model.Opportunity, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+opportunityColumns+` FROM opportunities WHERE source_id = ? AND external_id = ?`,
		sourceID, externalID,
	)
	opp, err := scanOpportunity(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get opportunity %s/%s", sourceID, externalID)
	}
	return opp, nil
}

func (s *SQLiteStore) ListOpportunities(ctx context.Context, filter OpportunityFilter) ([]model.Opportunity, error) {
	query := `SELECT ` + opportunityColumns + ` FROM opportunities WHERE 1=1`
	var args []any

	if filter.SourceID != "" {
		query += ` AND source_id = ?`
		args = append(args, filter.SourceID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	query += ` ORDER BY external_id`

	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list opportunities")
	}
	defer rows.Close()

	var opps []model.Opportunity
	for rows.Next() {
		opp, err := scanOpportunity(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan opportunity")
		}
		opps = append(opps, *opp)
	}
	return opps, eris.Wrap(rows.Err(), "sqlite: list opportunities iterate")
}

func (s *SQLiteStore) InsertOpportunity(ctx context.Context, opp *model.Opportunity) error {
	if opp.ID == "" {
		opp.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	opp.CreatedAt = now
	opp.UpdatedAt = now

	eligibilityJSON, err := json.Marshal(opp.Eligibility)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal eligibility")
	}
	categoriesJSON, err := json.Marshal(opp.Categories)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal categories")
	}
	var analysisJSON []byte
	if opp.Analysis != nil {
		if analysisJSON, err = json.Marshal(opp.Analysis); err != nil {
			return eris.Wrap(err, "sqlite: marshal analysis")
		}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO opportunities
		 (id, source_id, external_id, title, description, status, minimum_award, maximum_award, total_funding, open_date, close_date,
		  eligibility, categories, is_national, url, raw_response_id, analysis, admin_notes, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		opp.ID, opp.SourceID, opp.ExternalID, opp.Title, opp.Description, opp.Status,
		opp.MinimumAward, opp.MaximumAward, opp.TotalFunding, opp.OpenDate, opp.CloseDate,
		string(eligibilityJSON), string(categoriesJSON), opp.IsNational, opp.URL, opp.RawResponseID,
		analysisJSON, opp.AdminNotes, now, now,
	)
	return eris.Wrapf(err, "sqlite: insert opportunity %s/%s", opp.SourceID, opp.ExternalID)
}

// UpdateOpportunityFields patches only the given columns, mirroring the
// postgres behavior.
func (s *SQLiteStore) UpdateOpportunityFields(ctx context.Context, id string, fields map[string]any) error {
	if len(fields) == 0 {
		return eris.New("sqlite: update opportunity: no fields to update")
	}

	query, args, err := sq.Update("opportunities").
		SetMap(fields).
		Set("updated_at", time.Now().UTC()).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return eris.Wrap(err, "sqlite: build opportunity update")
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update opportunity %s", id)
	}
	return checkRowsAffected(res, "opportunity", id)
}

// Dead letters

func (s *SQLiteStore) InsertDeadLetters(ctx context.Context, letters []resilience.DeadLetter) (int64, error) {
	if len(letters) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin insert dead letters")
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	var n int64
	for i := range letters {
		l := &letters[i]
		if l.ID == "" {
			l.ID = uuid.New().String()
		}
		if l.CreatedAt.IsZero() {
			l.CreatedAt = now
		}
		var payload any
		if len(l.Payload) > 0 {
			payload = string(l.Payload)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO dead_letters (id, run_id, source_id, stage, item_ref, code, category, message, payload, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			l.ID, l.RunID, l.SourceID, l.Stage, l.ItemRef, l.Code, l.Category, l.Message, payload, l.CreatedAt,
		); err != nil {
			return 0, eris.Wrap(err, "sqlite: insert dead letter")
		}
		n++
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit dead letters")
	}
	return n, nil
}

func (s *SQLiteStore) ListDeadLetters(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DeadLetter, error) {
	query := `SELECT id, run_id, source_id, stage, item_ref, code, category, message, payload, created_at FROM dead_letters WHERE 1=1`
	var args []any

	if filter.RunID != "" {
		query += ` AND run_id = ?`
		args = append(args, filter.RunID)
	}
	if filter.SourceID != "" {
		query += ` AND source_id = ?`
		args = append(args, filter.SourceID)
	}
	if filter.Category != "" {
		query += ` AND category = ?`
		args = append(args, filter.Category)
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list dead letters")
	}
	defer rows.Close()

	var letters []resilience.DeadLetter
	for rows.Next() {
		var l resilience.DeadLetter
		var payload *[]byte
		if err := rows.Scan(&l.ID, &l.RunID, &l.SourceID, &l.Stage, &l.ItemRef, &l.Code, &l.Category, &l.Message, &payload, &l.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dead letter")
		}
		if payload != nil {
			l.Payload = json.RawMessage(*payload)
		}
		letters = append(letters, l)
	}
	return letters, eris.Wrap(rows.Err(), "sqlite: list dead letters iterate")
}

func (s *SQLiteStore) CountDeadLetters(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&count)
	return count, eris.Wrap(err, "sqlite: count dead letters")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}
