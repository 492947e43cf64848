package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/snappy"
	_ "github.com/mattn/go-sqlite3"

	"github.com/ghlake/ghlake/pkg/types"
)

// ErrRunNotFound is returned when no run matches a lookup.
var ErrRunNotFound = errors.New("ledger: run not found")

// Run is one attempt at processing a day.
type Run struct {
	RunID             string
	Day               types.Day
	State             string
	Partial           bool
	Error             string
	SilverFingerprint string
	GoldFingerprint   string
	HourSuccessRatio  float64
	// Report is the JSON run report, stored compressed.
	Report    json.RawMessage
	StartedAt time.Time
	UpdatedAt time.Time
}

// Transition is one recorded state change of a run.
type Transition struct {
	State  string
	Detail string
	At     time.Time
}

// Orphan is an object that retention failed to delete.
type Orphan struct {
	Key         string
	Layer       types.Layer
	Day         types.Day
	Reason      string
	Attempts    int
	FirstSeen   time.Time
	LastAttempt time.Time
}

// Ledger records runs and orphans.
type Ledger interface {
	// StartRun inserts a new run.
	StartRun(ctx context.Context, run *Run) error

	// Transition appends a state change and updates the run's state.
	Transition(ctx context.Context, runID, state, detail string) error

	// FinishRun stores the final state, outcome fields and report of a run.
	FinishRun(ctx context.Context, run *Run) error

	// GetRun returns a run by ID.
	GetRun(ctx context.Context, runID string) (*Run, error)

	// LatestRun returns the most recently started run for day.
	LatestRun(ctx context.Context, day types.Day) (*Run, error)

	// ListRuns returns the most recently started runs, newest first.
	ListRuns(ctx context.Context, limit int) ([]*Run, error)

	// Transitions returns a run's state history in order.
	Transitions(ctx context.Context, runID string) ([]Transition, error)

	// RecordOrphan upserts an orphan, counting repeated failures.
	RecordOrphan(ctx context.Context, o Orphan) error

	// ListOrphans returns every recorded orphan ordered by key.
	ListOrphans(ctx context.Context) ([]Orphan, error)

	// ClearOrphan forgets an orphan once it is gone from storage.
	ClearOrphan(ctx context.Context, key string) error

	// Close closes the ledger.
	Close() error
}

// SQLiteLedger implements Ledger using SQLite.
type SQLiteLedger struct {
	db     *sql.DB
	dbPath string
	mu     sync.Mutex // serializes writers
}

// Open opens or creates a ledger database at dbPath.
func Open(dbPath string) (*SQLiteLedger, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("ledger: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	l := &SQLiteLedger{db: db, dbPath: dbPath}
	if err := l.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: failed to initialize schema: %w", err)
	}
	return l, nil
}

func (l *SQLiteLedger) initSchema() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, stmt := range AllSchemaSQL() {
		if _, err := l.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// StartRun inserts a new run and its initial transition.
func (l *SQLiteLedger) StartRun(ctx context.Context, run *Run) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	run.UpdatedAt = run.StartedAt

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ledger: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (run_id, day, state, started_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		run.RunID, run.Day.String(), run.State, run.StartedAt.UnixNano(), run.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("ledger: failed to insert run %s: %w", run.RunID, err)
	}
	if err := insertTransition(ctx, tx, run.RunID, run.State, "", run.StartedAt); err != nil {
		return err
	}
	return tx.Commit()
}

// Transition appends a state change.
func (l *SQLiteLedger) Transition(ctx context.Context, runID, state, detail string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now().UTC()
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ledger: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE runs SET state = ?, updated_at = ? WHERE run_id = ?`,
		state, now.UnixNano(), runID)
	if err != nil {
		return fmt.Errorf("ledger: failed to update run %s: %w", runID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err := insertTransition(ctx, tx, runID, state, detail, now); err != nil {
		return err
	}
	return tx.Commit()
}

func insertTransition(ctx context.Context, tx *sql.Tx, runID, state, detail string, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO transitions (run_id, seq, state, detail, at)
		VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM transitions WHERE run_id = ?), ?, ?, ?)`,
		runID, runID, state, detail, at.UnixNano())
	if err != nil {
		return fmt.Errorf("ledger: failed to record transition %s for %s: %w", state, runID, err)
	}
	return nil
}

// FinishRun stores the outcome of a run.
func (l *SQLiteLedger) FinishRun(ctx context.Context, run *Run) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	run.UpdatedAt = time.Now().UTC()
	var report []byte
	if len(run.Report) > 0 {
		report = snappy.Encode(nil, run.Report)
	}

	res, err := l.db.ExecContext(ctx, `
		UPDATE runs SET state = ?, partial = ?, error = ?, silver_fingerprint = ?,
			gold_fingerprint = ?, hour_success_ratio = ?, report = ?, updated_at = ?
		WHERE run_id = ?`,
		run.State, boolToInt(run.Partial), run.Error, run.SilverFingerprint,
		run.GoldFingerprint, run.HourSuccessRatio, report, run.UpdatedAt.UnixNano(), run.RunID)
	if err != nil {
		return fmt.Errorf("ledger: failed to finish run %s: %w", run.RunID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, run.RunID)
	}
	return nil
}

const runColumns = `run_id, day, state, partial, error, silver_fingerprint,
	gold_fingerprint, hour_success_ratio, report, started_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var (
		run                Run
		day                string
		partial            int
		report             []byte
		started, updatedAt int64
	)
	err := row.Scan(&run.RunID, &day, &run.State, &partial, &run.Error, &run.SilverFingerprint,
		&run.GoldFingerprint, &run.HourSuccessRatio, &report, &started, &updatedAt)
	if err != nil {
		return nil, err
	}

	if run.Day, err = types.ParseDay(day); err != nil {
		return nil, fmt.Errorf("ledger: corrupt day %q on run %s: %w", day, run.RunID, err)
	}
	run.Partial = partial != 0
	run.StartedAt = time.Unix(0, started).UTC()
	run.UpdatedAt = time.Unix(0, updatedAt).UTC()
	if len(report) > 0 {
		decoded, err := snappy.Decode(nil, report)
		if err != nil {
			return nil, fmt.Errorf("ledger: corrupt report on run %s: %w", run.RunID, err)
		}
		run.Report = decoded
	}
	return &run, nil
}

// GetRun returns a run by ID.
func (l *SQLiteLedger) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := l.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: failed to get run %s: %w", runID, err)
	}
	return run, nil
}

// LatestRun returns the newest run for day.
func (l *SQLiteLedger) LatestRun(ctx context.Context, day types.Day) (*Run, error) {
	row := l.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs
		WHERE day = ? ORDER BY started_at DESC, rowid DESC LIMIT 1`, day.String())
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: day %s", ErrRunNotFound, day)
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: failed to get latest run for %s: %w", day, err)
	}
	return run, nil
}

// ListRuns returns up to limit runs, newest first. A limit below 1 means 50.
func (l *SQLiteLedger) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	if limit < 1 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs
		ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("ledger: failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Transitions returns a run's state history.
func (l *SQLiteLedger) Transitions(ctx context.Context, runID string) ([]Transition, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT state, detail, at FROM transitions WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("ledger: failed to list transitions for %s: %w", runID, err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var t Transition
		var at int64
		if err := rows.Scan(&t.State, &t.Detail, &at); err != nil {
			return nil, fmt.Errorf("ledger: failed to scan transition: %w", err)
		}
		t.At = time.Unix(0, at).UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}

// RecordOrphan upserts an orphan. A repeat failure for the same key bumps
// its attempt count and keeps its first-seen time.
func (l *SQLiteLedger) RecordOrphan(ctx context.Context, o Orphan) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now().UTC()
	if o.LastAttempt.IsZero() {
		o.LastAttempt = now
	}
	if o.FirstSeen.IsZero() {
		o.FirstSeen = o.LastAttempt
	}

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO orphans (object_key, layer, day, reason, attempts, first_seen, last_attempt)
		VALUES (?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT(object_key) DO UPDATE SET
			reason = excluded.reason,
			attempts = orphans.attempts + 1,
			last_attempt = excluded.last_attempt`,
		o.Key, string(o.Layer), o.Day.String(), o.Reason, o.FirstSeen.UnixNano(), o.LastAttempt.UnixNano())
	if err != nil {
		return fmt.Errorf("ledger: failed to record orphan %s: %w", o.Key, err)
	}
	return nil
}

// ListOrphans returns every orphan ordered by key.
func (l *SQLiteLedger) ListOrphans(ctx context.Context) ([]Orphan, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT object_key, layer, day, reason, attempts, first_seen, last_attempt
		FROM orphans ORDER BY object_key`)
	if err != nil {
		return nil, fmt.Errorf("ledger: failed to list orphans: %w", err)
	}
	defer rows.Close()

	var out []Orphan
	for rows.Next() {
		var (
			o                 Orphan
			layer, day        string
			firstSeen, lastAt int64
		)
		if err := rows.Scan(&o.Key, &layer, &day, &o.Reason, &o.Attempts, &firstSeen, &lastAt); err != nil {
			return nil, fmt.Errorf("ledger: failed to scan orphan: %w", err)
		}
		o.Layer = types.Layer(layer)
		o.Day, _ = types.ParseDay(day)
		o.FirstSeen = time.Unix(0, firstSeen).UTC()
		o.LastAttempt = time.Unix(0, lastAt).UTC()
		out = append(out, o)
	}
	return out, rows.Err()
}

// ClearOrphan removes an orphan. Clearing an unknown key is not an error.
func (l *SQLiteLedger) ClearOrphan(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.db.ExecContext(ctx, `DELETE FROM orphans WHERE object_key = ?`, key); err != nil {
		return fmt.Errorf("ledger: failed to clear orphan %s: %w", key, err)
	}
	return nil
}

// Close closes the database.
func (l *SQLiteLedger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
