package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/verity-qa/cmo-elg/elg/elgerr"
)

// PostgresConfig holds the connection parameters for PostgresStore.
type PostgresConfig struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSL      bool
	PoolSize int
}

// DSN renders the config as a pgx connection string.
func (c PostgresConfig) DSN() string {
	sslMode := "disable"
	if c.SSL {
		sslMode = "require"
	}
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s pool_max_conns=%d",
		c.Host, c.Port, c.Name, c.User, c.Password, sslMode, c.PoolSize)
}

// PostgresStore is the shared multi-worker Store implementation.
//
// Mutual exclusion per run comes from the unique constraints, not from
// locks: two workers advancing the same trace either conflict on the step
// insert (one wins) or observe each other's writes on the next read.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects a pool using cfg.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN())
	if err != nil {
		return nil, elgerr.Wrap(err, elgerr.CodeInitFailed, "postgres pool")
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Initialize(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			trace_id TEXT PRIMARY KEY,
			graph_id TEXT NOT NULL,
			graph_version TEXT NOT NULL,
			status TEXT NOT NULL,
			init JSONB NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			finished_at TIMESTAMPTZ,
			error JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_graph_id ON runs(graph_id)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at)`,
		`CREATE TABLE IF NOT EXISTS steps (
			id BIGSERIAL PRIMARY KEY,
			trace_id TEXT NOT NULL REFERENCES runs(trace_id) ON DELETE CASCADE,
			step_index INTEGER NOT NULL,
			node_id TEXT NOT NULL,
			state_hash_before TEXT NOT NULL,
			input_hash TEXT NOT NULL,
			output_hash TEXT NOT NULL,
			state_hash_after TEXT NOT NULL,
			next_edge TEXT,
			started_at TIMESTAMPTZ NOT NULL,
			finished_at TIMESTAMPTZ NOT NULL,
			duration_ms BIGINT NOT NULL,
			error JSONB,
			UNIQUE(trace_id, step_index)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_steps_trace_step ON steps(trace_id, step_index)`,
		`CREATE TABLE IF NOT EXISTS activities (
			id BIGSERIAL PRIMARY KEY,
			trace_id TEXT NOT NULL,
			step_index INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			activity_type TEXT NOT NULL,
			request_hash TEXT NOT NULL,
			response_data JSONB,
			blob_ref TEXT,
			started_at TIMESTAMPTZ NOT NULL,
			finished_at TIMESTAMPTZ NOT NULL,
			duration_ms BIGINT NOT NULL,
			error JSONB,
			UNIQUE(trace_id, step_index, activity_type, request_hash)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_activities_trace_step ON activities(trace_id, step_index)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return elgerr.Wrap(err, elgerr.CodeStoreUnavailable, "postgres schema")
		}
	}
	return nil
}

func (s *PostgresStore) SaveRun(ctx context.Context, run *Run) error {
	initJSON, err := json.Marshal(run.Init)
	if err != nil {
		return fmt.Errorf("marshal run init: %w", err)
	}
	errJSON, err := elgerr.MarshalJSONValue(run.Error)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO runs (trace_id, graph_id, graph_version, status, init, started_at, finished_at, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (trace_id) DO NOTHING`,
		run.TraceID, run.GraphID, run.GraphVersion, string(run.Status), initJSON,
		run.StartedAt.UTC(), run.FinishedAt, errJSON)
	if err != nil {
		return elgerr.Wrap(err, elgerr.CodeStoreUnavailable, "save run")
	}
	return nil
}

func (s *PostgresStore) UpdateRunStatus(ctx context.Context, traceID string, status RunStatus, runErr *elgerr.Error) error {
	run, err := s.GetRun(ctx, traceID)
	if err != nil {
		return err
	}
	if run.Status == status {
		return nil
	}
	if !run.Status.CanTransition(status) {
		return transitionErr(traceID, run.Status, status)
	}

	errJSON, err := elgerr.MarshalJSONValue(runErr)
	if err != nil {
		return err
	}
	var finished *time.Time
	if status.Terminal() {
		now := time.Now().UTC()
		finished = &now
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE runs SET status = $1, finished_at = COALESCE($2, finished_at),
			error = CASE WHEN $3::jsonb IS NULL OR $3::jsonb = 'null'::jsonb THEN error ELSE $3::jsonb END
		WHERE trace_id = $4 AND status = $5`,
		string(status), finished, errJSON, traceID, string(run.Status))
	if err != nil {
		return elgerr.Wrap(err, elgerr.CodeStoreUnavailable, "update run status")
	}
	if tag.RowsAffected() == 0 {
		// Lost a race with another worker; re-evaluate from the new status.
		return s.UpdateRunStatus(ctx, traceID, status, runErr)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, traceID string) (*Run, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT trace_id, graph_id, graph_version, status, init, started_at, finished_at, error
		FROM runs WHERE trace_id = $1`, traceID)

	var run Run
	var status string
	var initJSON, errJSON []byte
	if err := row.Scan(&run.TraceID, &run.GraphID, &run.GraphVersion, &status, &initJSON,
		&run.StartedAt, &run.FinishedAt, &errJSON); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, elgerr.Wrap(err, elgerr.CodeStoreUnavailable, "get run")
	}
	run.Status = RunStatus(status)
	if err := json.Unmarshal(initJSON, &run.Init); err != nil {
		return nil, fmt.Errorf("unmarshal run init: %w", err)
	}
	e, err := parseErrJSON(errJSON)
	if err != nil {
		return nil, err
	}
	run.Error = e
	return &run, nil
}

func (s *PostgresStore) SaveStep(ctx context.Context, step *StepRecord) error {
	existing, err := s.getStep(ctx, step.TraceID, step.StepIndex)
	if err != nil {
		return err
	}
	if existing != nil {
		if stepEqual(existing, step) {
			return nil
		}
		return divergenceErr(existing, step)
	}

	errJSON, err := elgerr.MarshalJSONValue(step.Error)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO steps (trace_id, step_index, node_id, state_hash_before, input_hash,
			output_hash, state_hash_after, next_edge, started_at, finished_at, duration_ms, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (trace_id, step_index) DO NOTHING`,
		step.TraceID, step.StepIndex, step.NodeID, step.StateHashBefore, step.InputHash,
		step.OutputHash, step.StateHashAfter, step.NextEdge,
		step.StartedAt.UTC(), step.FinishedAt.UTC(), step.DurationMs, errJSON)
	if err != nil {
		return elgerr.Wrap(err, elgerr.CodeStoreUnavailable, "save step")
	}
	if tag.RowsAffected() == 0 {
		// Another worker inserted concurrently; verify content equality.
		winner, err := s.getStep(ctx, step.TraceID, step.StepIndex)
		if err != nil {
			return err
		}
		if winner != nil && !stepEqual(winner, step) {
			return divergenceErr(winner, step)
		}
	}
	return nil
}

const stepColumns = `trace_id, step_index, node_id, state_hash_before, input_hash,
	output_hash, state_hash_after, next_edge, started_at, finished_at, duration_ms, error`

func (s *PostgresStore) getStep(ctx context.Context, traceID string, stepIndex int) (*StepRecord, error) {
	recs, err := s.querySteps(ctx,
		`SELECT `+stepColumns+` FROM steps WHERE trace_id = $1 AND step_index = $2`,
		traceID, stepIndex)
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return &recs[0], nil
}

func (s *PostgresStore) GetLastStep(ctx context.Context, traceID string) (*StepRecord, error) {
	recs, err := s.querySteps(ctx,
		`SELECT `+stepColumns+` FROM steps WHERE trace_id = $1 ORDER BY step_index DESC LIMIT 1`,
		traceID)
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return &recs[0], nil
}

func (s *PostgresStore) GetAllSteps(ctx context.Context, traceID string) ([]StepRecord, error) {
	return s.querySteps(ctx,
		`SELECT `+stepColumns+` FROM steps WHERE trace_id = $1 ORDER BY step_index ASC`,
		traceID)
}

func (s *PostgresStore) querySteps(ctx context.Context, query string, args ...any) ([]StepRecord, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, elgerr.Wrap(err, elgerr.CodeStoreUnavailable, "query steps")
	}
	defer rows.Close()

	var out []StepRecord
	for rows.Next() {
		var rec StepRecord
		var errJSON []byte
		if err := rows.Scan(&rec.TraceID, &rec.StepIndex, &rec.NodeID, &rec.StateHashBefore,
			&rec.InputHash, &rec.OutputHash, &rec.StateHashAfter, &rec.NextEdge,
			&rec.StartedAt, &rec.FinishedAt, &rec.DurationMs, &errJSON); err != nil {
			return nil, elgerr.Wrap(err, elgerr.CodeStoreUnavailable, "scan step")
		}
		e, err := parseErrJSON(errJSON)
		if err != nil {
			return nil, err
		}
		rec.Error = e
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SaveActivity(ctx context.Context, rec *ActivityRecord) error {
	errJSON, err := elgerr.MarshalJSONValue(rec.Error)
	if err != nil {
		return err
	}
	var response any
	if rec.ResponseData != nil {
		response = []byte(rec.ResponseData)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO activities (trace_id, step_index, seq, activity_type, request_hash,
			response_data, blob_ref, started_at, finished_at, duration_ms, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (trace_id, step_index, activity_type, request_hash) DO NOTHING`,
		rec.TraceID, rec.StepIndex, rec.Seq, string(rec.ActivityType), rec.RequestHash,
		response, emptyNull(rec.BlobRef), rec.StartedAt.UTC(), rec.FinishedAt.UTC(),
		rec.DurationMs, errJSON)
	if err != nil {
		return elgerr.Wrap(err, elgerr.CodeStoreUnavailable, "save activity")
	}
	return nil
}

const activityColumns = `trace_id, step_index, seq, activity_type, request_hash,
	response_data, blob_ref, started_at, finished_at, duration_ms, error`

func (s *PostgresStore) GetActivity(ctx context.Context, traceID string, stepIndex int, typ ActivityType, requestHash string) (*ActivityRecord, error) {
	recs, err := s.queryActivities(ctx,
		`SELECT `+activityColumns+` FROM activities
		WHERE trace_id = $1 AND step_index = $2 AND activity_type = $3 AND request_hash = $4`,
		traceID, stepIndex, string(typ), requestHash)
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return &recs[0], nil
}

func (s *PostgresStore) GetActivitiesForStep(ctx context.Context, traceID string, stepIndex int) ([]ActivityRecord, error) {
	return s.queryActivities(ctx,
		`SELECT `+activityColumns+` FROM activities
		WHERE trace_id = $1 AND step_index = $2 ORDER BY seq ASC, id ASC`,
		traceID, stepIndex)
}

func (s *PostgresStore) queryActivities(ctx context.Context, query string, args ...any) ([]ActivityRecord, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, elgerr.Wrap(err, elgerr.CodeStoreUnavailable, "query activities")
	}
	defer rows.Close()

	var out []ActivityRecord
	for rows.Next() {
		var rec ActivityRecord
		var typ string
		var response, errJSON []byte
		var blobRef *string
		if err := rows.Scan(&rec.TraceID, &rec.StepIndex, &rec.Seq, &typ, &rec.RequestHash,
			&response, &blobRef, &rec.StartedAt, &rec.FinishedAt, &rec.DurationMs, &errJSON); err != nil {
			return nil, elgerr.Wrap(err, elgerr.CodeStoreUnavailable, "scan activity")
		}
		rec.ActivityType = ActivityType(typ)
		if response != nil {
			rec.ResponseData = json.RawMessage(response)
		}
		if blobRef != nil {
			rec.BlobRef = *blobRef
		}
		e, err := parseErrJSON(errJSON)
		if err != nil {
			return nil, err
		}
		rec.Error = e
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) HealthCheck(ctx context.Context) (Health, error) {
	start := time.Now()
	if err := s.pool.Ping(ctx); err != nil {
		return Health{Status: "unavailable"}, elgerr.Wrap(err, elgerr.CodeStoreUnavailable, "ping")
	}
	return Health{Status: "ok", Latency: time.Since(start)}, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func parseErrJSON(data []byte) (*elgerr.Error, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var e elgerr.Error
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("unmarshal error column: %w", err)
	}
	return &e, nil
}
