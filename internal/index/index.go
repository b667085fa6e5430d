// Package index mirrors closed assignment records and transaction outcomes
// into an embedded SQLite database for history queries.
//
// The state files stay authoritative. The database is rebuilt from
// assignments.json on open and can be deleted at any time.
package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/msageha/specsync/internal/model"
	"github.com/msageha/specsync/internal/state"
	"github.com/msageha/specsync/internal/syncer"
)

const schema = `
CREATE TABLE IF NOT EXISTS completions (
	spec_id      TEXT NOT NULL,
	task_id      TEXT NOT NULL,
	started_at   TEXT NOT NULL,
	worker       TEXT NOT NULL,
	capability   TEXT,
	status       TEXT NOT NULL,
	priority     TEXT,
	effort       REAL,
	completed_at TEXT,
	duration_sec REAL,
	notes        TEXT,
	PRIMARY KEY (spec_id, task_id, started_at)
);

CREATE INDEX IF NOT EXISTS idx_completions_worker ON completions(worker);
CREATE INDEX IF NOT EXISTS idx_completions_completed ON completions(completed_at);

CREATE TABLE IF NOT EXISTS transactions (
	id          TEXT PRIMARY KEY,
	spec_id     TEXT NOT NULL,
	task_id     TEXT,
	outcome     TEXT NOT NULL,
	fields      TEXT,
	files       TEXT,
	started_at  TEXT NOT NULL,
	duration_ms INTEGER NOT NULL,
	error       TEXT
);

CREATE INDEX IF NOT EXISTS idx_transactions_spec ON transactions(spec_id, started_at);
`

// Index is safe for concurrent use.
type Index struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

// Open creates or opens the database at path and rebuilds the completion
// table from assignments.
func Open(ctx context.Context, path string, assignments state.Assignments, logger *slog.Logger) (*Index, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create index directory: %w", err)
	}
	db, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping index: %w", err)
	}
	// One connection serializes every statement.
	db.SetMaxOpenConns(1)

	ix := &Index{db: db, path: path, logger: logger}
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize index schema: %w", err)
	}
	if err := ix.Rebuild(ctx, assignments); err != nil {
		_ = db.Close()
		return nil, err
	}
	return ix, nil
}

func (ix *Index) Path() string { return ix.path }

func (ix *Index) Close() error {
	if ix.db == nil {
		return nil
	}
	if _, err := ix.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		ix.logger.Warn("index checkpoint failed", "error", err)
	}
	err := ix.db.Close()
	ix.db = nil
	return err
}

// Rebuild replaces every completion row with the history in a.
func (ix *Index) Rebuild(ctx context.Context, a state.Assignments) error {
	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rebuild: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM completions"); err != nil {
		return fmt.Errorf("clear completions: %w", err)
	}
	for _, rec := range a.History {
		if err := upsertCompletion(ctx, tx, rec); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rebuild: %w", err)
	}
	ix.logger.Debug("history index rebuilt", "records", len(a.History))
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// RecordCompletion adds or replaces one closed assignment record.
func (ix *Index) RecordCompletion(ctx context.Context, rec model.AssignmentRecord) error {
	return upsertCompletion(ctx, ix.db, rec)
}

func upsertCompletion(ctx context.Context, db execer, rec model.AssignmentRecord) error {
	const q = `
	INSERT INTO completions (
		spec_id, task_id, started_at, worker, capability, status,
		priority, effort, completed_at, duration_sec, notes
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(spec_id, task_id, started_at) DO UPDATE SET
		worker = excluded.worker,
		status = excluded.status,
		completed_at = excluded.completed_at,
		duration_sec = excluded.duration_sec,
		notes = excluded.notes
	`
	_, err := db.ExecContext(ctx, q,
		rec.SpecID, rec.TaskID, formatTime(rec.StartedAt), rec.Worker, rec.Capability,
		string(rec.Status), string(rec.Priority), rec.Effort,
		nullTime(rec.CompletedAt), rec.DurationSec, rec.Notes,
	)
	if err != nil {
		return fmt.Errorf("index completion %s: %w", rec.Key(), err)
	}
	return nil
}

// Completions implements tracker.History.
func (ix *Index) Completions(ctx context.Context, q model.HistoryQuery) ([]model.AssignmentRecord, error) {
	var where []string
	var args []any
	if q.SpecID != "" {
		where = append(where, "spec_id = ?")
		args = append(args, q.SpecID)
	}
	if q.Worker != "" {
		where = append(where, "worker = ?")
		args = append(args, q.Worker)
	}
	if !q.Since.IsZero() {
		where = append(where, "completed_at >= ?")
		args = append(args, formatTime(q.Since))
	}
	query := `SELECT spec_id, task_id, started_at, worker, capability, status,
		priority, effort, completed_at, duration_sec, notes FROM completions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY completed_at DESC, started_at DESC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := ix.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query completions: %w", err)
	}
	defer rows.Close()

	out := []model.AssignmentRecord{}
	for rows.Next() {
		var (
			rec                 model.AssignmentRecord
			started, status     string
			capability, notes   sql.NullString
			priority, completed sql.NullString
			effort, duration    sql.NullFloat64
		)
		if err := rows.Scan(&rec.SpecID, &rec.TaskID, &started, &rec.Worker, &capability, &status,
			&priority, &effort, &completed, &duration, &notes); err != nil {
			return nil, fmt.Errorf("scan completion: %w", err)
		}
		rec.Status = model.AssignmentStatus(status)
		rec.Capability = capability.String
		rec.Priority = model.Priority(priority.String)
		rec.Effort = effort.Float64
		rec.DurationSec = duration.Float64
		rec.Notes = notes.String
		if rec.StartedAt, err = parseTime(started); err != nil {
			return nil, err
		}
		if completed.Valid {
			ts, err := parseTime(completed.String)
			if err != nil {
				return nil, err
			}
			rec.CompletedAt = &ts
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// TransactionRow is one indexed transaction outcome.
type TransactionRow struct {
	ID       string         `json:"id"`
	SpecID   string         `json:"spec_id"`
	TaskID   string         `json:"task_id,omitempty"`
	Outcome  syncer.Outcome `json:"outcome"`
	Fields   []string       `json:"fields,omitempty"`
	Files    []string       `json:"files"`
	Started  time.Time      `json:"started"`
	Duration time.Duration  `json:"duration"`
	Error    string         `json:"error,omitempty"`
}

// RecordTransaction stores the outcome of one sync transaction. No-op
// receipts are skipped.
func (ix *Index) RecordTransaction(ctx context.Context, rc syncer.Receipt) error {
	if rc.Outcome == syncer.OutcomeNoop {
		return nil
	}
	fields, err := json.Marshal(rc.Fields)
	if err != nil {
		return err
	}
	files, err := json.Marshal(rc.Files)
	if err != nil {
		return err
	}
	const q = `
	INSERT OR REPLACE INTO transactions (
		id, spec_id, task_id, outcome, fields, files, started_at, duration_ms, error
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = ix.db.ExecContext(ctx, q,
		rc.ID, rc.Entity.SpecID, rc.Entity.TaskID, string(rc.Outcome),
		string(fields), string(files), formatTime(rc.Started), rc.Duration.Milliseconds(), rc.Error,
	)
	if err != nil {
		return fmt.Errorf("index transaction %s: %w", rc.ID, err)
	}
	return nil
}

// Transactions returns recorded outcomes newest first, for one spec when
// specID is set.
func (ix *Index) Transactions(ctx context.Context, specID string, limit int) ([]TransactionRow, error) {
	query := `SELECT id, spec_id, task_id, outcome, fields, files, started_at, duration_ms, error FROM transactions`
	var args []any
	if specID != "" {
		query += " WHERE spec_id = ?"
		args = append(args, specID)
	}
	query += " ORDER BY started_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := ix.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var out []TransactionRow
	for rows.Next() {
		var (
			row                  TransactionRow
			outcome, started     string
			taskID, errMsg       sql.NullString
			fieldsJSON, filesRaw sql.NullString
			durationMS           int64
		)
		if err := rows.Scan(&row.ID, &row.SpecID, &taskID, &outcome, &fieldsJSON, &filesRaw, &started, &durationMS, &errMsg); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		row.TaskID = taskID.String
		row.Outcome = syncer.Outcome(outcome)
		row.Error = errMsg.String
		row.Duration = time.Duration(durationMS) * time.Millisecond
		if row.Started, err = parseTime(started); err != nil {
			return nil, err
		}
		if fieldsJSON.Valid {
			if err := json.Unmarshal([]byte(fieldsJSON.String), &row.Fields); err != nil {
				return nil, fmt.Errorf("decode fields of %s: %w", row.ID, err)
			}
		}
		if filesRaw.Valid {
			if err := json.Unmarshal([]byte(filesRaw.String), &row.Files); err != nil {
				return nil, fmt.Errorf("decode files of %s: %w", row.ID, err)
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// Fixed-width UTC timestamps so text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse indexed time %q: %w", s, err)
	}
	return t, nil
}
