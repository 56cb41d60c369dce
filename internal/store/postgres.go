package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/grantflow/harvest-cli/internal/db"
	"github.com/grantflow/harvest-cli/internal/model"
	"github.com/grantflow/harvest-cli/internal/resilience"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// Hot-path statements, shared between the prepared-statement map and the
// methods that execute them so the SQL text is identical in both places.
const (
	insertRunSQL = `INSERT INTO runs (id, source_id, status, started_at) VALUES ($1, $2, $3, $4)`

	getRunSQL = `SELECT id, source_id, status, result, error, started_at, completed_at, total_time_ms FROM runs WHERE id = $1`

	getRunStagesSQL = `SELECT stage, status, data, metrics, started_at, completed_at FROM run_stages WHERE run_id = $1`

	upsertRunStageSQL = `INSERT INTO run_stages (run_id, stage, status, data, metrics, started_at, completed_at)
	 VALUES ($1, $2, $3, $4, $5, $6, $7)
	 ON CONFLICT (run_id, stage) DO UPDATE SET
	   status = EXCLUDED.status,
	   data = COALESCE(EXCLUDED.data, run_stages.data),
	   metrics = COALESCE(EXCLUDED.metrics, run_stages.metrics),
	   started_at = COALESCE(run_stages.started_at, EXCLUDED.started_at),
	   completed_at = EXCLUDED.completed_at`

	completeRunSQL = `UPDATE runs SET status = 'completed', result = $2, completed_at = $3, total_time_ms = $4 WHERE id = $1 AND status = 'running'`

	failRunSQL = `UPDATE runs SET status = 'failed', error = $2, completed_at = $3, total_time_ms = $4 WHERE id = $1 AND status = 'running'`

	upsertRawResponseSQL = `INSERT INTO raw_responses
	 (id, source_id, content_hash, content, request_details, endpoint, call_type, first_seen_at, last_seen_at, call_count, execution_time_ms, item_count)
	 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8, 1, $9, $10)
	 ON CONFLICT (source_id, content_hash) DO UPDATE SET
	   call_count = raw_responses.call_count + 1,
	   last_seen_at = EXCLUDED.last_seen_at,
	   endpoint = EXCLUDED.endpoint,
	   call_type = EXCLUDED.call_type,
	   execution_time_ms = EXCLUDED.execution_time_ms,
	   item_count = EXCLUDED.item_count
	 RETURNING id, first_seen_at, last_seen_at, call_count`

	getRawResponseSQL = `SELECT id, source_id, content_hash, content, request_details, endpoint, call_type, first_seen_at, last_seen_at, call_count, execution_time_ms, item_count
	 FROM raw_responses WHERE source_id = $1 AND content_hash = $2`

	getOpportunitySQL = `SELECT ` + opportunityColumns + ` FROM opportunities WHERE source_id = $1 AND external_id = $2`

	insertOpportunitySQL = `INSERT INTO opportunities
	 (id, source_id, external_id, title, description, status, minimum_award, maximum_award, total_funding, open_date, close_date,
	  eligibility, categories, is_national, url, raw_response_id, analysis, admin_notes, created_at, updated_at)
	 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $19)`

	touchSourceSQL = `UPDATE sources SET last_harvested_at = $2, updated_at = $2 WHERE id = $1`
)

const sourceColumns = `id, slug, name, api_endpoint, http_method, auth_type, auth, headers, query_params, request_body,
	 response_data_path, total_count_path, workflow, pagination, detail, rate_limit_rps, active, cadence,
	 last_harvested_at, created_at, updated_at`

const opportunityColumns = `id, source_id, external_id, title, description, status, minimum_award, maximum_award, total_funding,
	 open_date, close_date, eligibility, categories, is_national, url, raw_response_id, analysis, admin_notes, created_at, updated_at`

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the most frequently used store operations.
var preparedStatements = map[string]string{
	"insert_run":          insertRunSQL,
	"get_run":             getRunSQL,
	"get_run_stages":      getRunStagesSQL,
	"upsert_run_stage":    upsertRunStageSQL,
	"complete_run":        completeRunSQL,
	"fail_run":            failRunSQL,
	"upsert_raw_response": upsertRawResponseSQL,
	"get_raw_response":    getRawResponseSQL,
	"get_opportunity":     getOpportunitySQL,
	"insert_opportunity":  insertOpportunitySQL,
	"touch_source":        touchSourceSQL,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	// Apply pool sizing from config with sensible defaults.
	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	// Prepare frequently-used statements on each new connection.
	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS sources (
	id                 TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	slug               TEXT NOT NULL UNIQUE,
	name               TEXT NOT NULL,
	api_endpoint       TEXT NOT NULL,
	http_method        TEXT NOT NULL DEFAULT 'GET',
	auth_type          TEXT NOT NULL DEFAULT 'none',
	auth               JSONB,
	headers            JSONB,
	query_params       JSONB,
	request_body       JSONB,
	response_data_path TEXT NOT NULL DEFAULT '',
	total_count_path   TEXT NOT NULL DEFAULT '',
	workflow           TEXT NOT NULL DEFAULT 'single_api',
	pagination         JSONB,
	detail             JSONB,
	rate_limit_rps     DOUBLE PRECISION NOT NULL DEFAULT 0,
	active             BOOLEAN NOT NULL DEFAULT true,
	cadence            TEXT NOT NULL DEFAULT 'manual',
	last_harvested_at  TIMESTAMPTZ,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS runs (
	id            TEXT PRIMARY KEY,
	source_id     TEXT NOT NULL REFERENCES sources(id),
	status        TEXT NOT NULL DEFAULT 'running',
	result        JSONB,
	error         JSONB,
	started_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at  TIMESTAMPTZ,
	total_time_ms BIGINT NOT NULL DEFAULT 0
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_runs_one_running_per_source ON runs(source_id) WHERE status = 'running';
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_source_started ON runs(source_id, started_at DESC);

CREATE TABLE IF NOT EXISTS run_stages (
	run_id       TEXT NOT NULL REFERENCES runs(id),
	stage        TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'pending',
	data         JSONB,
	metrics      JSONB,
	started_at   TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	PRIMARY KEY (run_id, stage)
);

CREATE TABLE IF NOT EXISTS raw_responses (
	id                TEXT PRIMARY KEY,
	source_id         TEXT NOT NULL REFERENCES sources(id),
	content_hash      TEXT NOT NULL,
	content           JSONB NOT NULL,
	request_details   JSONB,
	endpoint          TEXT NOT NULL DEFAULT '',
	call_type         TEXT NOT NULL DEFAULT 'single',
	first_seen_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_seen_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	call_count        INTEGER NOT NULL DEFAULT 1,
	execution_time_ms BIGINT NOT NULL DEFAULT 0,
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
	minimum_award   DOUBLE PRECISION,
	maximum_award   DOUBLE PRECISION,
	total_funding   DOUBLE PRECISION,
	open_date       TIMESTAMPTZ,
	close_date      TIMESTAMPTZ,
	eligibility     JSONB,
	categories      JSONB,
	is_national     BOOLEAN NOT NULL DEFAULT false,
	url             TEXT NOT NULL DEFAULT '',
	raw_response_id TEXT NOT NULL DEFAULT '',
	analysis        JSONB,
	admin_notes     TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
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
	payload    JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_dead_letters_run ON dead_letters(run_id);
CREATE INDEX IF NOT EXISTS idx_dead_letters_source ON dead_letters(source_id, created_at DESC);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// Sources

// sourceUpsertColumns excludes id, created_at and last_harvested_at so the
// catalog loader never resets row identity or harvest bookkeeping.
var sourceUpsertColumns = []string{
	"slug", "name", "api_endpoint", "http_method", "auth_type", "auth", "headers", "query_params", "request_body",
	"response_data_path", "total_count_path", "workflow", "pagination", "detail", "rate_limit_rps", "active", "cadence",
	"updated_at",
}

func (s *PostgresStore) UpsertSources(ctx context.Context, sources []model.Source) (int64, error) {
	now := time.Now().UTC()
	rows := make([][]any, 0, len(sources))
	for _, src := range sources {
		row, err := sourceRow(src, now)
		if err != nil {
			return 0, err
		}
		rows = append(rows, row)
	}

	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "sources",
		Columns:      sourceUpsertColumns,
		ConflictKeys: []string{"slug"},
	}, rows)
	return n, eris.Wrap(err, "postgres: upsert sources")
}

func (s *PostgresStore) GetSource(ctx context.Context, id string) (*model.Source, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+sourceColumns+` FROM sources WHERE id = $1`, id)
	src, err := scanSource(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get source %s", id)
	}
	return src, nil
}

func (s *PostgresStore) GetSourceBySlug(ctx context.Context, slug string) (*model.Source, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+sourceColumns+` FROM sources WHERE slug = $1`, slug)
	src, err := scanSource(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get source by slug %s", slug)
	}
	return src, nil
}

func (s *PostgresStore) ListSources(ctx context.Context, activeOnly bool) ([]model.Source, error) {
	query := `SELECT ` + sourceColumns + ` FROM sources`
	if activeOnly {
		query += ` WHERE active = true`
	}
	query += ` ORDER BY slug`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list sources")
	}
	defer rows.Close()

	var sources []model.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan source")
		}
		sources = append(sources, *src)
	}
	return sources, eris.Wrap(rows.Err(), "postgres: list sources iterate")
}

func (s *PostgresStore) MarkSourceHarvested(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, touchSourceSQL, id, at)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark source harvested %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("source not found: %s", id)
	}
	return nil
}

// Runs

func (s *PostgresStore) InsertRun(ctx context.Context, run *model.Run) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	if run.Status == "" {
		run.Status = model.RunStatusRunning
	}

	_, err := s.pool.Exec(ctx, insertRunSQL, run.ID, run.SourceID, string(run.Status), run.StartedAt)
	return eris.Wrapf(err, "postgres: insert run for source %s", run.SourceID)
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	var r model.Run
	var resultJSON, errJSON *[]byte

	err := s.pool.QueryRow(ctx, getRunSQL, runID).Scan(
		&r.ID, &r.SourceID, &r.Status, &resultJSON, &errJSON, &r.StartedAt, &r.CompletedAt, &r.TotalTimeMs,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}

	if resultJSON != nil {
		r.Result = &model.RunResult{}
		if err := json.Unmarshal(*resultJSON, r.Result); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal run result")
		}
	}
	if errJSON != nil {
		r.Error = &model.RunError{}
		if err := json.Unmarshal(*errJSON, r.Error); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal run error")
		}
	}

	stages, err := s.loadRunStages(ctx, runID)
	if err != nil {
		return nil, err
	}
	r.Stages = stages
	return &r, nil
}

func (s *PostgresStore) loadRunStages(ctx context.Context, runID string) (map[model.Stage]*model.StageState, error) {
	stages := make(map[model.Stage]*model.StageState, len(model.Stages()))
	for _, st := range model.Stages() {
		stages[st] = &model.StageState{Status: model.StagePending}
	}

	rows, err := s.pool.Query(ctx, getRunStagesSQL, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run stages %s", runID)
	}
	defer rows.Close()

	for rows.Next() {
		var stage string
		var state model.StageState
		var dataJSON, metricsJSON *[]byte

		if err := rows.Scan(&stage, &state.Status, &dataJSON, &metricsJSON, &state.StartedAt, &state.CompletedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run stage")
		}
		if dataJSON != nil {
			if err := json.Unmarshal(*dataJSON, &state.Data); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal stage data")
			}
		}
		if metricsJSON != nil {
			if err := json.Unmarshal(*metricsJSON, &state.Metrics); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal stage metrics")
			}
		}
		stages[model.Stage(stage)] = &state
	}
	return stages, eris.Wrap(rows.Err(), "postgres: run stages iterate")
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, source_id, status, result, error, started_at, completed_at, total_time_ms FROM runs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.SourceID != "" {
		query += fmt.Sprintf(` AND source_id = $%d`, argIdx)
		args = append(args, filter.SourceID)
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if !filter.StartedAfter.IsZero() {
		query += fmt.Sprintf(` AND started_at > $%d`, argIdx)
		args = append(args, filter.StartedAfter)
		argIdx++
	}
	query += ` ORDER BY started_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		var r model.Run
		var resultJSON, errJSON *[]byte

		if err := rows.Scan(&r.ID, &r.SourceID, &r.Status, &resultJSON, &errJSON, &r.StartedAt, &r.CompletedAt, &r.TotalTimeMs); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		if resultJSON != nil {
			r.Result = &model.RunResult{}
			if err := json.Unmarshal(*resultJSON, r.Result); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal run result")
			}
		}
		if errJSON != nil {
			r.Error = &model.RunError{}
			if err := json.Unmarshal(*errJSON, r.Error); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal run error")
			}
		}
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func (s *PostgresStore) UpsertRunStage(ctx context.Context, runID string, stage model.Stage, state *model.StageState) error {
	if !model.ValidStage(stage) {
		return eris.Errorf("postgres: unknown stage %q", stage)
	}

	var dataJSON, metricsJSON []byte
	var err error
	if state.Data != nil {
		if dataJSON, err = json.Marshal(state.Data); err != nil {
			return eris.Wrap(err, "postgres: marshal stage data")
		}
	}
	if state.Metrics != nil {
		if metricsJSON, err = json.Marshal(state.Metrics); err != nil {
			return eris.Wrap(err, "postgres: marshal stage metrics")
		}
	}

	_, err = s.pool.Exec(ctx, upsertRunStageSQL,
		runID, string(stage), string(state.Status), dataJSON, metricsJSON, state.StartedAt, state.CompletedAt,
	)
	return eris.Wrapf(err, "postgres: upsert stage %s for run %s", stage, runID)
}

func (s *PostgresStore) CompleteRun(ctx context.Context, runID string, result *model.RunResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal run result")
	}

	tag, err := s.pool.Exec(ctx, completeRunSQL, runID, resultJSON, time.Now().UTC(), result.TotalTimeMs)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("run not running: %s", runID)
	}
	return nil
}

func (s *PostgresStore) FailRun(ctx context.Context, runID string, runErr *model.RunError, totalTimeMs int64) error {
	errJSON, err := json.Marshal(runErr)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal run error")
	}

	tag, err := s.pool.Exec(ctx, failRunSQL, runID, errJSON, time.Now().UTC(), totalTimeMs)
	if err != nil {
		return eris.Wrapf(err, "postgres: fail run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("run not running: %s", runID)
	}
	return nil
}

// Raw response cache

func (s *PostgresStore) SaveRawResponse(ctx context.Context, raw *model.RawResponse) (*model.RawResponse, error) {
	if raw.ID == "" {
		raw.ID = uuid.New().String()
	}
	now := time.Now().UTC()

	contentJSON, err := json.Marshal(raw.Content)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal raw content")
	}
	var requestJSON []byte
	if raw.RequestDetails != nil {
		if requestJSON, err = json.Marshal(raw.RequestDetails); err != nil {
			return nil, eris.Wrap(err, "postgres: marshal request details")
		}
	}

	err = s.pool.QueryRow(ctx, upsertRawResponseSQL,
		raw.ID, raw.SourceID, raw.ContentHash, contentJSON, requestJSON,
		raw.Endpoint, string(raw.CallType), now, raw.ExecutionMs, raw.ItemCount,
	).Scan(&raw.ID, &raw.FirstSeenAt, &raw.LastSeenAt, &raw.CallCount)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: save raw response for source %s", raw.SourceID)
	}
	return raw, nil
}

func (s *PostgresStore) GetRawResponse(ctx context.Context, sourceID, contentHash string) (*model.RawResponse, error) {
	var raw model.RawResponse
	var contentJSON []byte
	var requestJSON *[]byte

	err := s.pool.QueryRow(ctx, getRawResponseSQL, sourceID, contentHash).Scan(
		&raw.ID, &raw.SourceID, &raw.ContentHash, &contentJSON, &requestJSON,
		&raw.Endpoint, &raw.CallType, &raw.FirstSeenAt, &raw.LastSeenAt,
		&raw.CallCount, &raw.ExecutionMs, &raw.ItemCount,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: get raw response")
	}

	if err := json.Unmarshal(contentJSON, &raw.Content); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal raw content")
	}
	if requestJSON != nil {
		if err := json.Unmarshal(*requestJSON, &raw.RequestDetails); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal request details")
		}
	}
	return &raw, nil
}

func (s *PostgresStore) RawCacheStats(ctx context.Context, sourceID string) (*RawCacheStats, error) {
	var stats RawCacheStats
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*), COALESCE(SUM(call_count), 0) FROM raw_responses WHERE source_id = $1`,
		sourceID,
	).Scan(&stats.Responses, &stats.CallCount)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: raw cache stats")
	}
	return &stats, nil
}

// Opportunities

func (s *PostgresStore) GetOpportunity(ctx context.Context, sourceID, externalID string) (*model.Opportunity, error) {
	row := s.pool.QueryRow(ctx, getOpportunitySQL, sourceID, externalID)
	opp, err := scanOpportunity(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get opportunity %s/%s", sourceID, externalID)
	}
	return opp, nil
}

func (s *PostgresStore) ListOpportunities(ctx context.Context, filter OpportunityFilter) ([]model.Opportunity, error) {
	query := `SELECT ` + opportunityColumns + ` FROM opportunities WHERE true`
	args := []any{}
	argIdx := 1

	if filter.SourceID != "" {
		query += fmt.Sprintf(` AND source_id = $%d`, argIdx)
		args = append(args, filter.SourceID)
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, filter.Status)
		argIdx++
	}
	query += ` ORDER BY external_id`

	// The duplicate detector loads a source's full record set, so unlike
	// run listing there is no implicit limit here.
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, argIdx)
		args = append(args, filter.Limit)
		argIdx++
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list opportunities")
	}
	defer rows.Close()

	var opps []model.Opportunity
	for rows.Next() {
		opp, err := scanOpportunity(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan opportunity")
		}
		opps = append(opps, *opp)
	}
	return opps, eris.Wrap(rows.Err(), "postgres: list opportunities iterate")
}

func (s *PostgresStore) InsertOpportunity(ctx context.Context, opp *model.Opportunity) error {
	if opp.ID == "" {
		opp.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	opp.CreatedAt = now
	opp.UpdatedAt = now

	eligibilityJSON, err := json.Marshal(opp.Eligibility)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal eligibility")
	}
	categoriesJSON, err := json.Marshal(opp.Categories)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal categories")
	}
	var analysisJSON []byte
	if opp.Analysis != nil {
		if analysisJSON, err = json.Marshal(opp.Analysis); err != nil {
			return eris.Wrap(err, "postgres: marshal analysis")
		}
	}

	_, err = s.pool.Exec(ctx, insertOpportunitySQL,
		opp.ID, opp.SourceID, opp.ExternalID, opp.Title, opp.Description, opp.Status,
		opp.MinimumAward, opp.MaximumAward, opp.TotalFunding, opp.OpenDate, opp.CloseDate,
		eligibilityJSON, categoriesJSON, opp.IsNational, opp.URL, opp.RawResponseID,
		analysisJSON, opp.AdminNotes, now,
	)
	return eris.Wrapf(err, "postgres: insert opportunity %s/%s", opp.SourceID, opp.ExternalID)
}

// UpdateOpportunityFields patches only the given columns. Columns absent
// from fields are left untouched, so a partial update can never null out
// data it did not carry.
func (s *PostgresStore) UpdateOpportunityFields(ctx context.Context, id string, fields map[string]any) error {
	if len(fields) == 0 {
		return eris.New("postgres: update opportunity: no fields to update")
	}

	query, args, err := sq.Update("opportunities").
		PlaceholderFormat(sq.Dollar).
		SetMap(fields).
		Set("updated_at", time.Now().UTC()).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return eris.Wrap(err, "postgres: build opportunity update")
	}

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return eris.Wrapf(err, "postgres: update opportunity %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("opportunity not found: %s", id)
	}
	return nil
}

// Dead letters

var deadLetterColumns = []string{"id", "run_id", "source_id", "stage", "item_ref", "code", "category", "message", "payload", "created_at"}

func (s *PostgresStore) InsertDeadLetters(ctx context.Context, letters []resilience.DeadLetter) (int64, error) {
	if len(letters) == 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	rows := make([][]any, 0, len(letters))
	for i := range letters {
		l := &letters[i]
		if l.ID == "" {
			l.ID = uuid.New().String()
		}
		if l.CreatedAt.IsZero() {
			l.CreatedAt = now
		}
		var payload []byte
		if len(l.Payload) > 0 {
			payload = []byte(l.Payload)
		}
		rows = append(rows, []any{l.ID, l.RunID, l.SourceID, l.Stage, l.ItemRef, l.Code, l.Category, l.Message, payload, l.CreatedAt})
	}

	n, err := db.CopyFrom(ctx, s.pool, "dead_letters", deadLetterColumns, rows)
	return n, eris.Wrap(err, "postgres: insert dead letters")
}

func (s *PostgresStore) ListDeadLetters(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DeadLetter, error) {
	query := `SELECT id, run_id, source_id, stage, item_ref, code, category, message, payload, created_at FROM dead_letters WHERE true`
	args := []any{}
	argIdx := 1

	if filter.RunID != "" {
		query += fmt.Sprintf(` AND run_id = $%d`, argIdx)
		args = append(args, filter.RunID)
		argIdx++
	}
	if filter.SourceID != "" {
		query += fmt.Sprintf(` AND source_id = $%d`, argIdx)
		args = append(args, filter.SourceID)
		argIdx++
	}
	if filter.Category != "" {
		query += fmt.Sprintf(` AND category = $%d`, argIdx)
		args = append(args, filter.Category)
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list dead letters")
	}
	defer rows.Close()

	var letters []resilience.DeadLetter
	for rows.Next() {
		var l resilience.DeadLetter
		var payload *[]byte
		if err := rows.Scan(&l.ID, &l.RunID, &l.SourceID, &l.Stage, &l.ItemRef, &l.Code, &l.Category, &l.Message, &payload, &l.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dead letter")
		}
		if payload != nil {
			l.Payload = json.RawMessage(*payload)
		}
		letters = append(letters, l)
	}
	return letters, eris.Wrap(rows.Err(), "postgres: list dead letters iterate")
}

func (s *PostgresStore) CountDeadLetters(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&count)
	return count, eris.Wrap(err, "postgres: count dead letters")
}
