package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/yangwenmai/deckforge/internal/model"
)

// Verify at compile time that Store implements all interfaces.
var (
	_ RunReader  = (*Store)(nil)
	_ RunWriter  = (*Store)(nil)
	_ RunClaimer = (*Store)(nil)
)

// Store provides data access to the SQLite database.
type Store struct {
	db *sql.DB
}

// New creates a new Store and initialises the schema.
func New(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	// Ensure the schema_version table exists.
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	err := s.db.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		// Fresh database: initialize to version 0.
		if _, err := s.db.Exec(`INSERT INTO schema_version (version) VALUES (0)`); err != nil {
			return fmt.Errorf("init schema version: %w", err)
		}
		version = 0
	} else if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	// migrations is an ordered list of migration functions.
	// Index 0 = migration from v0 to v1, etc.
	migrations := []func() error{
		s.migrateV1, // v0 → v1: runs
		s.migrateV2, // v1 → v2: run_events, slide_results
	}

	for i := version; i < len(migrations); i++ {
		if err := migrations[i](); err != nil {
			return fmt.Errorf("migration v%d→v%d: %w", i, i+1, err)
		}
		if _, err := s.db.Exec(`UPDATE schema_version SET version = ?`, i+1); err != nil {
			return fmt.Errorf("update schema version to %d: %w", i+1, err)
		}
	}

	return nil
}

// migrateV1 creates the runs table (v0 → v1).
func (s *Store) migrateV1() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS runs (
		id          TEXT PRIMARY KEY,
		title       TEXT NOT NULL,
		status      TEXT NOT NULL,
		tasks       TEXT NOT NULL,
		total       INTEGER NOT NULL,
		completed   INTEGER NOT NULL DEFAULT 0,
		succeeded   INTEGER NOT NULL DEFAULT 0,
		failed      INTEGER NOT NULL DEFAULT 0,
		error_info  TEXT,
		created_at  TEXT NOT NULL,
		updated_at  TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status, created_at);
	`)
	return err
}

// migrateV2 adds the archive of events and slide results (v1 → v2).
func (s *Store) migrateV2() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS run_events (
		run_id      TEXT NOT NULL REFERENCES runs(id),
		seq         INTEGER NOT NULL,
		slide_index INTEGER NOT NULL,
		attempt     INTEGER NOT NULL,
		stage       TEXT NOT NULL,
		payload     TEXT NOT NULL,
		at          TEXT NOT NULL,
		PRIMARY KEY (run_id, seq)
	);

	CREATE TABLE IF NOT EXISTS slide_results (
		run_id      TEXT NOT NULL REFERENCES runs(id),
		slide_index INTEGER NOT NULL,
		status      TEXT NOT NULL,
		prompt      TEXT,
		image_url   TEXT,
		error_kind  TEXT,
		error       TEXT,
		PRIMARY KEY (run_id, slide_index)
	);
	`)
	return err
}

// ---------------------------------------------------------------------------
// Runs
// ---------------------------------------------------------------------------

const runColumns = `id, title, status, tasks, total, completed, succeeded, failed, error_info, created_at, updated_at`

// CreateRun inserts a new run.
func (s *Store) CreateRun(ctx context.Context, run model.Run) error {
	tasks, err := json.Marshal(run.Tasks)
	if err != nil {
		return fmt.Errorf("marshal tasks: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Title, run.Status, string(tasks), run.Total,
		run.Completed, run.Succeeded, run.Failed, run.ErrorInfo,
		run.CreatedAt, run.UpdatedAt,
	)
	return err
}

// GetRun returns a run by id, or ErrNotFound.
func (s *Store) GetRun(ctx context.Context, id string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return run, err
}

// ListRuns returns runs matching the filter, newest first.
func (s *Store) ListRuns(ctx context.Context, f RunFilter) ([]model.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	var args []interface{}

	if len(f.Status) > 0 {
		placeholders := make([]string, len(f.Status))
		for i, st := range f.Status {
			placeholders[i] = "?"
			args = append(args, st)
		}
		query += " WHERE status IN (" + strings.Join(placeholders, ",") + ")"
	}
	query += " ORDER BY created_at DESC, rowid DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// UpdateRunStatus changes the status of a run.
func (s *Store) UpdateRunStatus(ctx context.Context, id, newStatus string, errorInfo *string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx, `UPDATE runs SET status = ?, error_info = ?, updated_at = ? WHERE id = ?`, newStatus, errorInfo, now, id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

// UpdateRunProgress records the deck counters while a run executes.
func (s *Store) UpdateRunProgress(ctx context.Context, id string, completed, succeeded, failed int) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET completed = ?, succeeded = ?, failed = ?, updated_at = ? WHERE id = ?`,
		completed, succeeded, failed, now, id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

// CancelQueued marks a run CANCELED only if it is still QUEUED. It reports
// whether the run was canceled, which is false if a worker claimed it first.
func (s *Store) CancelQueued(ctx context.Context, id string) (bool, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		model.RunCanceled, now, id, model.RunQueued)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ClaimNextQueued atomically picks the oldest QUEUED run and sets it to RUNNING.
// Returns nil if no run is available.
func (s *Store) ClaimNextQueued(ctx context.Context) (*model.Run, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	row := s.db.QueryRowContext(ctx, `
		UPDATE runs SET status = ?, updated_at = ?
		WHERE id = (SELECT id FROM runs WHERE status = ? ORDER BY created_at ASC, rowid ASC LIMIT 1)
		RETURNING `+runColumns,
		model.RunRunning, now, model.RunQueued,
	)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return run, err
}

// ResetStaleRunning resets any RUNNING runs back to QUEUED (for server restart).
func (s *Store) ResetStaleRunning(ctx context.Context) (int64, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx, `UPDATE runs SET status = ?, updated_at = ? WHERE status = ?`, model.RunQueued, now, model.RunRunning)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountByStatus returns the number of runs per status.
func (s *Store) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM runs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// ---------------------------------------------------------------------------
// Outcome archive
// ---------------------------------------------------------------------------

// SaveOutcome archives a run's activity log and slide results and updates
// its counters, all in one transaction. Saving the same outcome twice is a
// no-op for events and an overwrite for results.
func (s *Store) SaveOutcome(ctx context.Context, runID string, events []model.ActivityEvent, results []model.SlideResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	evStmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO run_events (run_id, seq, slide_index, attempt, stage, payload, at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare event insert: %w", err)
	}
	defer evStmt.Close()

	for _, e := range events {
		payload, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal event %d: %w", e.Seq, err)
		}
		if _, err := evStmt.ExecContext(ctx, runID, e.Seq, e.SlideIndex, e.Attempt, string(e.Stage), string(payload), e.At.UTC().Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("insert event %d: %w", e.Seq, err)
		}
	}

	resStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO slide_results (run_id, slide_index, status, prompt, image_url, error_kind, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, slide_index) DO UPDATE SET
			status = excluded.status,
			prompt = excluded.prompt,
			image_url = excluded.image_url,
			error_kind = excluded.error_kind,
			error = excluded.error`)
	if err != nil {
		return fmt.Errorf("prepare result upsert: %w", err)
	}
	defer resStmt.Close()

	var succeeded, failed int
	for _, r := range results {
		if _, err := resStmt.ExecContext(ctx, runID, r.Index, r.Status, r.Prompt, r.ImageURL, string(r.ErrorKind), r.Error); err != nil {
			return fmt.Errorf("upsert result %d: %w", r.Index, err)
		}
		if r.IsApproved() {
			succeeded++
		} else {
			failed++
		}
	}

	now := time.Now().UTC().Format(time.RFC3339)
	res, err := tx.ExecContext(ctx,
		`UPDATE runs SET completed = ?, succeeded = ?, failed = ?, updated_at = ? WHERE id = ?`,
		succeeded+failed, succeeded, failed, now, runID)
	if err != nil {
		return fmt.Errorf("update counters: %w", err)
	}
	if err := expectOne(res); err != nil {
		return err
	}

	return tx.Commit()
}

// ListEvents returns the archived activity log of a run in sequence order.
func (s *Store) ListEvents(ctx context.Context, runID string) ([]model.ActivityEvent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM run_events WHERE run_id = ? ORDER BY seq ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.ActivityEvent
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var e model.ActivityEvent
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// ListResults returns the archived slide results of a run ordered by index.
func (s *Store) ListResults(ctx context.Context, runID string) ([]model.SlideResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT slide_index, status, COALESCE(prompt, ''), COALESCE(image_url, ''), COALESCE(error_kind, ''), COALESCE(error, '')
		 FROM slide_results WHERE run_id = ? ORDER BY slide_index ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []model.SlideResult
	for rows.Next() {
		var r model.SlideResult
		var kind string
		if err := rows.Scan(&r.Index, &r.Status, &r.Prompt, &r.ImageURL, &kind, &r.Error); err != nil {
			return nil, err
		}
		r.ErrorKind = model.ErrorKind(kind)
		results = append(results, r)
	}
	return results, rows.Err()
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (*model.Run, error) {
	var run model.Run
	var tasks string
	err := row.Scan(&run.ID, &run.Title, &run.Status, &tasks, &run.Total,
		&run.Completed, &run.Succeeded, &run.Failed, &run.ErrorInfo,
		&run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tasks), &run.Tasks); err != nil {
		return nil, fmt.Errorf("decode tasks of run %s: %w", run.ID, err)
	}
	return &run, nil
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
