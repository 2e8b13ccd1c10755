package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/verity-qa/cmo-elg/elg/elgerr"
)

// SQLiteStore is a single-file Store implementation.
//
// Intended for development and single-process deployments: zero setup, WAL
// mode for concurrent reads, transactional writes. Use PostgresStore when
// multiple workers share one checkpoint store.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens (or creates) the database at path and prepares the
// connection. Use ":memory:" for an in-memory database in tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	return &SQLiteStore{db: db, path: path}, nil
}

func (s *SQLiteStore) Initialize(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			trace_id TEXT PRIMARY KEY,
			graph_id TEXT NOT NULL,
			graph_version TEXT NOT NULL,
			status TEXT NOT NULL,
			init TEXT NOT NULL,
			started_at TEXT NOT NULL,
			finished_at TEXT,
			error TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_graph_id ON runs(graph_id)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at)`,
		`CREATE TABLE IF NOT EXISTS steps (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			trace_id TEXT NOT NULL REFERENCES runs(trace_id) ON DELETE CASCADE,
			step_index INTEGER NOT NULL,
			node_id TEXT NOT NULL,
			state_hash_before TEXT NOT NULL,
			input_hash TEXT NOT NULL,
			output_hash TEXT NOT NULL,
			state_hash_after TEXT NOT NULL,
			next_edge TEXT,
			started_at TEXT NOT NULL,
			finished_at TEXT NOT NULL,
			duration_ms INTEGER NOT NULL,
			error TEXT,
			UNIQUE(trace_id, step_index)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_steps_trace_step ON steps(trace_id, step_index)`,
		`CREATE TABLE IF NOT EXISTS activities (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			trace_id TEXT NOT NULL,
			step_index INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			activity_type TEXT NOT NULL,
			request_hash TEXT NOT NULL,
			response_data TEXT,
			blob_ref TEXT,
			started_at TEXT NOT NULL,
			finished_at TEXT NOT NULL,
			duration_ms INTEGER NOT NULL,
			error TEXT,
			UNIQUE(trace_id, step_index, activity_type, request_hash)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_activities_trace_step ON activities(trace_id, step_index)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return elgerr.Wrap(err, elgerr.CodeStoreUnavailable, "sqlite schema")
		}
	}
	return nil
}

func (s *SQLiteStore) SaveRun(ctx context.Context, run *Run) error {
	initJSON, err := json.Marshal(run.Init)
	if err != nil {
		return fmt.Errorf("marshal run init: %w", err)
	}
	errJSON, err := errColumn(run.Error)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (trace_id, graph_id, graph_version, status, init, started_at, finished_at, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(trace_id) DO NOTHING`,
		run.TraceID, run.GraphID, run.GraphVersion, string(run.Status), string(initJSON),
		formatTime(run.StartedAt), formatTimePtr(run.FinishedAt), errJSON)
	if err != nil {
		return elgerr.Wrap(err, elgerr.CodeStoreUnavailable, "save run")
	}
	return nil
}

func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, traceID string, status RunStatus, runErr *elgerr.Error) error {
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

	errJSON, err := errColumn(runErr)
	if err != nil {
		return err
	}
	var finished any
	if status.Terminal() {
		finished = formatTime(time.Now().UTC())
	}

	// The status guard in the WHERE clause makes concurrent updaters
	// race safely: the loser's transition is re-checked on its next read.
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, finished_at = COALESCE(?, finished_at),
			error = COALESCE(?, error)
		WHERE trace_id = ? AND status = ?`,
		string(status), finished, errJSON, traceID, string(run.Status))
	if err != nil {
		return elgerr.Wrap(err, elgerr.CodeStoreUnavailable, "update run status")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.UpdateRunStatus(ctx, traceID, status, runErr)
	}
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, traceID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT trace_id, graph_id, graph_version, status, init, started_at, finished_at, error
		FROM runs WHERE trace_id = ?`, traceID)

	var run Run
	var status, initJSON, startedAt string
	var finishedAt, errJSON sql.NullString
	if err := row.Scan(&run.TraceID, &run.GraphID, &run.GraphVersion, &status, &initJSON,
		&startedAt, &finishedAt, &errJSON); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, elgerr.Wrap(err, elgerr.CodeStoreUnavailable, "get run")
	}
	run.Status = RunStatus(status)
	if err := json.Unmarshal([]byte(initJSON), &run.Init); err != nil {
		return nil, fmt.Errorf("unmarshal run init: %w", err)
	}
	var err error
	if run.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	if finishedAt.Valid {
		t, err := parseTime(finishedAt.String)
		if err != nil {
			return nil, err
		}
		run.FinishedAt = &t
	}
	if run.Error, err = parseErrColumn(errJSON); err != nil {
		return nil, err
	}
	return &run, nil
}

func (s *SQLiteStore) SaveStep(ctx context.Context, step *StepRecord) error {
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

	errJSON, err := errColumn(step.Error)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO steps (trace_id, step_index, node_id, state_hash_before, input_hash,
			output_hash, state_hash_after, next_edge, started_at, finished_at, duration_ms, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(trace_id, step_index) DO NOTHING`,
		step.TraceID, step.StepIndex, step.NodeID, step.StateHashBefore, step.InputHash,
		step.OutputHash, step.StateHashAfter, nullable(step.NextEdge),
		formatTime(step.StartedAt), formatTime(step.FinishedAt), step.DurationMs, errJSON)
	if err != nil {
		return elgerr.Wrap(err, elgerr.CodeStoreUnavailable, "save step")
	}
	return nil
}

func (s *SQLiteStore) getStep(ctx context.Context, traceID string, stepIndex int) (*StepRecord, error) {
	rows, err := s.querySteps(ctx, `
		SELECT trace_id, step_index, node_id, state_hash_before, input_hash, output_hash,
			state_hash_after, next_edge, started_at, finished_at, duration_ms, error
		FROM steps WHERE trace_id = ? AND step_index = ?`, traceID, stepIndex)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (s *SQLiteStore) GetLastStep(ctx context.Context, traceID string) (*StepRecord, error) {
	rows, err := s.querySteps(ctx, `
		SELECT trace_id, step_index, node_id, state_hash_before, input_hash, output_hash,
			state_hash_after, next_edge, started_at, finished_at, duration_ms, error
		FROM steps WHERE trace_id = ? ORDER BY step_index DESC LIMIT 1`, traceID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (s *SQLiteStore) GetAllSteps(ctx context.Context, traceID string) ([]StepRecord, error) {
	return s.querySteps(ctx, `
		SELECT trace_id, step_index, node_id, state_hash_before, input_hash, output_hash,
			state_hash_after, next_edge, started_at, finished_at, duration_ms, error
		FROM steps WHERE trace_id = ? ORDER BY step_index ASC`, traceID)
}

func (s *SQLiteStore) querySteps(ctx context.Context, query string, args ...any) ([]StepRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, elgerr.Wrap(err, elgerr.CodeStoreUnavailable, "query steps")
	}
	defer rows.Close()

	var out []StepRecord
	for rows.Next() {
		var rec StepRecord
		var nextEdge, errJSON sql.NullString
		var startedAt, finishedAt string
		if err := rows.Scan(&rec.TraceID, &rec.StepIndex, &rec.NodeID, &rec.StateHashBefore,
			&rec.InputHash, &rec.OutputHash, &rec.StateHashAfter, &nextEdge,
			&startedAt, &finishedAt, &rec.DurationMs, &errJSON); err != nil {
			return nil, elgerr.Wrap(err, elgerr.CodeStoreUnavailable, "scan step")
		}
		if nextEdge.Valid {
			v := nextEdge.String
			rec.NextEdge = &v
		}
		if rec.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, err
		}
		if rec.FinishedAt, err = parseTime(finishedAt); err != nil {
			return nil, err
		}
		if rec.Error, err = parseErrColumn(errJSON); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveActivity(ctx context.Context, rec *ActivityRecord) error {
	errJSON, err := errColumn(rec.Error)
	if err != nil {
		return err
	}
	var response any
	if rec.ResponseData != nil {
		response = string(rec.ResponseData)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO activities (trace_id, step_index, seq, activity_type, request_hash,
			response_data, blob_ref, started_at, finished_at, duration_ms, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(trace_id, step_index, activity_type, request_hash) DO NOTHING`,
		rec.TraceID, rec.StepIndex, rec.Seq, string(rec.ActivityType), rec.RequestHash,
		response, emptyNull(rec.BlobRef), formatTime(rec.StartedAt), formatTime(rec.FinishedAt),
		rec.DurationMs, errJSON)
	if err != nil {
		return elgerr.Wrap(err, elgerr.CodeStoreUnavailable, "save activity")
	}
	return nil
}

func (s *SQLiteStore) GetActivity(ctx context.Context, traceID string, stepIndex int, typ ActivityType, requestHash string) (*ActivityRecord, error) {
	recs, err := s.queryActivities(ctx, `
		SELECT trace_id, step_index, seq, activity_type, request_hash, response_data,
			blob_ref, started_at, finished_at, duration_ms, error
		FROM activities WHERE trace_id = ? AND step_index = ? AND activity_type = ? AND request_hash = ?`,
		traceID, stepIndex, string(typ), requestHash)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return &recs[0], nil
}

func (s *SQLiteStore) GetActivitiesForStep(ctx context.Context, traceID string, stepIndex int) ([]ActivityRecord, error) {
	return s.queryActivities(ctx, `
		SELECT trace_id, step_index, seq, activity_type, request_hash, response_data,
			blob_ref, started_at, finished_at, duration_ms, error
		FROM activities WHERE trace_id = ? AND step_index = ? ORDER BY seq ASC, id ASC`,
		traceID, stepIndex)
}

func (s *SQLiteStore) queryActivities(ctx context.Context, query string, args ...any) ([]ActivityRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, elgerr.Wrap(err, elgerr.CodeStoreUnavailable, "query activities")
	}
	defer rows.Close()

	var out []ActivityRecord
	for rows.Next() {
		var rec ActivityRecord
		var typ, startedAt, finishedAt string
		var response, blobRef, errJSON sql.NullString
		if err := rows.Scan(&rec.TraceID, &rec.StepIndex, &rec.Seq, &typ, &rec.RequestHash,
			&response, &blobRef, &startedAt, &finishedAt, &rec.DurationMs, &errJSON); err != nil {
			return nil, elgerr.Wrap(err, elgerr.CodeStoreUnavailable, "scan activity")
		}
		rec.ActivityType = ActivityType(typ)
		if response.Valid {
			rec.ResponseData = json.RawMessage(response.String)
		}
		rec.BlobRef = blobRef.String
		if rec.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, err
		}
		if rec.FinishedAt, err = parseTime(finishedAt); err != nil {
			return nil, err
		}
		if rec.Error, err = parseErrColumn(errJSON); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) HealthCheck(ctx context.Context) (Health, error) {
	start := time.Now()
	if err := s.db.PingContext(ctx); err != nil {
		return Health{Status: "unavailable"}, elgerr.Wrap(err, elgerr.CodeStoreUnavailable, "ping")
	}
	return Health{Status: "ok", Latency: time.Since(start)}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullable(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func emptyNull(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func errColumn(e *elgerr.Error) (any, error) {
	if e == nil {
		return nil, nil
	}
	data, err := elgerr.MarshalJSONValue(e)
	if err != nil {
		return nil, fmt.Errorf("marshal error column: %w", err)
	}
	return string(data), nil
}

func parseErrColumn(col sql.NullString) (*elgerr.Error, error) {
	if !col.Valid || col.String == "" || col.String == "null" {
		return nil, nil
	}
	var e elgerr.Error
	if err := json.Unmarshal([]byte(col.String), &e); err != nil {
		return nil, fmt.Errorf("unmarshal error column: %w", err)
	}
	return &e, nil
}
