package history

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	// DefaultBatchSize is the maximum number of rows drained from the
	// SQLite queue per forward cycle.
	DefaultBatchSize = 25

	// DefaultFlushInterval is how often the forwarder polls the queue for
	// undelivered rows.
	DefaultFlushInterval = 500 * time.Millisecond
)

// Forwarder drains undelivered rows from a SQLiteQueue in batches and
// inserts them into a PostgreSQL scan_history table via a pgxpool-backed
// batch insert path, turning locally queued integrity-scan summaries into
// periodically flushed remote rows.
type Forwarder struct {
	pool          *pgxpool.Pool
	queue         *SQLiteQueue
	logger        *slog.Logger
	batchSize     int
	flushInterval time.Duration
	stopCh        chan struct{}
	doneCh        chan struct{}
}

// NewForwarder opens a pgxpool connection to dsn, pings the database,
// applies the schema, and returns a Forwarder that has not yet started
// draining. Call Run to start the background loop.
func NewForwarder(ctx context.Context, dsn string, queue *SQLiteQueue, logger *slog.Logger) (*Forwarder, error) {
	if logger == nil {
		logger = slog.Default()
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("history: pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, forwarderDDL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history: apply remote schema: %w", err)
	}

	return &Forwarder{
		pool:          pool,
		queue:         queue,
		logger:        logger,
		batchSize:     DefaultBatchSize,
		flushInterval: DefaultFlushInterval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}, nil
}

const forwarderDDL = `
CREATE TABLE IF NOT EXISTS scan_history (
    id           BIGSERIAL PRIMARY KEY,
    trigger      TEXT        NOT NULL,
    ok_count     INTEGER     NOT NULL,
    fail_count   INTEGER     NOT NULL,
    new_count    INTEGER     NOT NULL,
    absent_count INTEGER     NOT NULL,
    scanned_at   TIMESTAMPTZ NOT NULL
)`

// Run starts the background drain loop. It returns once Close is called.
func (f *Forwarder) Run(ctx context.Context) {
	defer close(f.doneCh)
	ticker := time.NewTicker(f.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.drainOnce(ctx); err != nil {
				f.logger.Error("history: forward batch failed", slog.Any("error", err))
			}
		}
	}
}

// drainOnce dequeues up to batchSize rows, inserts them via a single pgx
// batch round-trip, and acks them once every insert has succeeded.
func (f *Forwarder) drainOnce(ctx context.Context) error {
	rows, err := f.queue.Dequeue(ctx, f.batchSize)
	if err != nil {
		return fmt.Errorf("dequeue: %w", err)
	}
	if len(rows) == 0 {
		return nil
	}

	const query = `
		INSERT INTO scan_history
			(trigger, ok_count, fail_count, new_count, absent_count, scanned_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	b := &pgx.Batch{}
	for _, r := range rows {
		b.Queue(query,
			string(r.Summary.Trigger), r.Summary.OK, r.Summary.Fail, r.Summary.New, r.Summary.Absent,
			r.ScannedAt,
		)
	}

	br := f.pool.SendBatch(ctx, b)
	defer br.Close()

	// The batch runs as one implicit transaction, so a failed insert rolls
	// back the rows before it too: nothing is acked and the whole batch is
	// retried on the next cycle.
	ids := make([]int64, 0, len(rows))
	for _, r := range rows {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("insert row %d: %w", r.ID, err)
		}
		ids = append(ids, r.ID)
	}

	return f.queue.Ack(ctx, ids)
}

// Close stops the drain loop, waits for it to exit, runs one final drain,
// and closes the connection pool.
func (f *Forwarder) Close(ctx context.Context) {
	select {
	case <-f.stopCh:
	default:
		close(f.stopCh)
		<-f.doneCh
		_ = f.drainOnce(ctx)
	}
	f.pool.Close()
}
