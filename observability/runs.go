package observability

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rahul-biswakarma/portal-chrome-sub002/dbopen"
	"github.com/rahul-biswakarma/portal-chrome-sub002/idgen"
)

// RunRecord is one refinement run from start to terminal state.
type RunRecord struct {
	RunID        string     `json:"run_id"`
	SessionID    string     `json:"session_id"`
	PageURL      string     `json:"page_url,omitempty"`
	Intent       string     `json:"intent,omitempty"`
	State        string     `json:"state"`
	Iterations   int        `json:"iterations"`
	CSSBytes     int        `json:"css_bytes"`
	Feedback     string     `json:"feedback,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	DurationMs   int64      `json:"duration_ms,omitempty"`
}

// RunRecorder persists refinement runs. Inserts are synchronous; a run row is
// small and written twice per run, so the async buffer of the audit trail
// would buy nothing here.
type RunRecorder struct {
	db    *sql.DB
	newID idgen.Generator
}

// NewRunRecorder creates a recorder over the observability database.
func NewRunRecorder(db *sql.DB) *RunRecorder {
	return &RunRecorder{db: db, newID: idgen.Prefixed("run_", idgen.Default)}
}

// StartRun records a new pending run and returns its ID.
func (r *RunRecorder) StartRun(ctx context.Context, sessionID, pageURL, intent string) (string, error) {
	runID := r.newID()
	_, err := dbopen.Exec(ctx, r.db, `
		INSERT INTO refinement_runs (run_id, session_id, page_url, intent, state, started_at)
		VALUES (?,?,?,?,?,?)`,
		runID, sessionID, pageURL, intent, "pending", time.Now().Unix())
	if err != nil {
		return "", fmt.Errorf("observability: start run: %w", err)
	}
	return runID, nil
}

// FinishRun marks a run terminal with its outcome.
func (r *RunRecorder) FinishRun(ctx context.Context, runID, state string, iterations, cssBytes int, feedback, errorMessage string) error {
	now := time.Now()
	res, err := dbopen.Exec(ctx, r.db, `
		UPDATE refinement_runs
		SET state = ?, iterations = ?, css_bytes = ?, feedback = ?,
		    error_message = ?, finished_at = ?,
		    duration_ms = (? - started_at) * 1000
		WHERE run_id = ?`,
		state, iterations, cssBytes, feedback, errorMessage,
		now.Unix(), now.Unix(), runID)
	if err != nil {
		return fmt.Errorf("observability: finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("observability: finish run: unknown run %q", runID)
	}
	return nil
}

// GetRun returns a run by ID, or nil when it does not exist.
func (r *RunRecorder) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	row := r.db.QueryRowContext(ctx, selectRunSQL+" WHERE run_id = ?", runID)
	rec, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

// ListRuns returns the most recent runs, newest first.
func (r *RunRecorder) ListRuns(ctx context.Context, limit int) ([]*RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, selectRunSQL+" ORDER BY started_at DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("observability: list runs: %w", err)
	}
	defer rows.Close()

	var recs []*RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// CleanupRuns deletes runs older than retentionDays.
func (r *RunRecorder) CleanupRuns(ctx context.Context, retentionDays int) (int64, error) {
	threshold := time.Now().AddDate(0, 0, -retentionDays).Unix()
	res, err := r.db.ExecContext(ctx, "DELETE FROM refinement_runs WHERE started_at < ?", threshold)
	if err != nil {
		return 0, fmt.Errorf("observability: cleanup runs: %w", err)
	}
	return res.RowsAffected()
}

const selectRunSQL = `SELECT run_id, session_id, page_url, intent, state,
	iterations, css_bytes, feedback, error_message,
	started_at, finished_at, duration_ms
	FROM refinement_runs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*RunRecord, error) {
	var rec RunRecord
	var pageURL, intent, feedback, errorMessage sql.NullString
	var startedAt int64
	var finishedAt, durationMs sql.NullInt64

	if err := row.Scan(
		&rec.RunID, &rec.SessionID, &pageURL, &intent, &rec.State,
		&rec.Iterations, &rec.CSSBytes, &feedback, &errorMessage,
		&startedAt, &finishedAt, &durationMs,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("observability: scan run: %w", err)
	}

	rec.PageURL = pageURL.String
	rec.Intent = intent.String
	rec.Feedback = feedback.String
	rec.ErrorMessage = errorMessage.String
	rec.StartedAt = time.Unix(startedAt, 0)
	if finishedAt.Valid {
		t := time.Unix(finishedAt.Int64, 0)
		rec.FinishedAt = &t
	}
	rec.DurationMs = durationMs.Int64
	return &rec, nil
}
