package history

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/drewdzzz/integrityspy/internal/scheduler"
	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql
)

// SQLiteQueue is a WAL-mode SQLite-backed durable queue of ScanSummary
// rows: every summary is persisted on Enqueue and stays undelivered
// (delivered = 0) until the Postgres forwarder (see forwarder.go)
// acknowledges it, giving at-least-once delivery across process restarts.
type SQLiteQueue struct {
	db    *sql.DB
	depth atomic.Int64
}

// OpenSQLiteQueue opens (or creates) the SQLite database at path, enables
// WAL mode, and applies the schema.
func OpenSQLiteQueue(path string) (*SQLiteQueue, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("history: open queue %q: %w", path, err)
	}

	// SQLite allows only one writer at a time; a single-connection pool
	// serialises all Enqueue/Ack calls through it and avoids "database is
	// locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: apply schema: %w", err)
	}

	q := &SQLiteQueue{db: db}

	var count int64
	if err := db.QueryRow(`SELECT COUNT(*) FROM scan_history WHERE delivered = 0`).Scan(&count); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: count pending rows: %w", err)
	}
	q.depth.Store(count)

	return q, nil
}

const ddl = `
CREATE TABLE IF NOT EXISTS scan_history (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    trigger     TEXT    NOT NULL,
    ok_count    INTEGER NOT NULL,
    fail_count  INTEGER NOT NULL,
    new_count   INTEGER NOT NULL,
    absent_count INTEGER NOT NULL,
    scanned_at  TEXT    NOT NULL,
    enqueued_at TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
    delivered   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_scan_history_pending
    ON scan_history (delivered, id);
`

// Enqueue persists summary, observed at ts, with delivered = 0.
func (q *SQLiteQueue) Enqueue(ctx context.Context, ts time.Time, summary ScanSummary) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO scan_history (trigger, ok_count, fail_count, new_count, absent_count, scanned_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		string(summary.Trigger), summary.OK, summary.Fail, summary.New, summary.Absent,
		ts.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("history: enqueue: %w", err)
	}
	q.depth.Add(1)
	return nil
}

// PendingRow is an unacknowledged scan_history row returned by Dequeue.
type PendingRow struct {
	ID        int64
	ScannedAt time.Time
	Summary   ScanSummary
}

// Dequeue returns up to n unacknowledged rows in insertion order (oldest
// first). It does not mark rows as delivered; call Ack with the returned IDs
// to do that.
func (q *SQLiteQueue) Dequeue(ctx context.Context, n int) ([]PendingRow, error) {
	if n <= 0 {
		return nil, nil
	}

	rows, err := q.db.QueryContext(ctx,
		`SELECT id, trigger, ok_count, fail_count, new_count, absent_count, scanned_at
		 FROM   scan_history
		 WHERE  delivered = 0
		 ORDER  BY id
		 LIMIT  ?`, n)
	if err != nil {
		return nil, fmt.Errorf("history: dequeue query: %w", err)
	}
	defer rows.Close()

	var out []PendingRow
	for rows.Next() {
		var (
			pr     PendingRow
			trig   string
			tsStr  string
		)
		if err := rows.Scan(&pr.ID, &trig, &pr.Summary.OK, &pr.Summary.Fail, &pr.Summary.New, &pr.Summary.Absent, &tsStr); err != nil {
			return nil, fmt.Errorf("history: dequeue scan: %w", err)
		}
		pr.Summary.Trigger = scheduler.TriggerKind(trig)
		pr.ScannedAt, err = time.Parse(time.RFC3339Nano, tsStr)
		if err != nil {
			pr.ScannedAt, _ = time.Parse(time.RFC3339, tsStr)
		}
		out = append(out, pr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: dequeue rows: %w", err)
	}
	return out, nil
}

// Ack marks the rows identified by ids as delivered. Idempotent.
func (q *SQLiteQueue) Ack(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	result, err := q.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE scan_history SET delivered = 1 WHERE id IN (%s) AND delivered = 0`, placeholders),
		args...,
	)
	if err != nil {
		return fmt.Errorf("history: ack: %w", err)
	}

	n, _ := result.RowsAffected()
	q.depth.Add(-n)
	return nil
}

// Depth returns the number of undelivered rows.
func (q *SQLiteQueue) Depth() int {
	return int(q.depth.Load())
}

// Close closes the underlying database connection.
func (q *SQLiteQueue) Close() error {
	return q.db.Close()
}
