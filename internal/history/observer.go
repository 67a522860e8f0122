package history

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/drewdzzz/integrityspy/internal/config"
	"github.com/drewdzzz/integrityspy/internal/scan"
	"github.com/drewdzzz/integrityspy/internal/scheduler"
)

// Observer implements scheduler.ScanObserver, fanning each re-scan result
// out to whichever of the three optional persistence components (chain
// log, SQLite queue, PostgreSQL forwarder) are configured. It is always
// safe to construct with every field left at its zero value: ObserveScan
// then does nothing.
type Observer struct {
	chain  *ChainLog
	queue  *SQLiteQueue
	logger *slog.Logger
}

// New builds an Observer from AmbientSettings. The ChainLog is always
// opened, since it is cheap and has no external dependency; the SQLite
// queue is opened only when settings.HistoryDB is set, and the Postgres
// forwarder is started only when settings.HistoryDSN is also set (it
// requires the queue to drain). The caller owns the returned Forwarder's
// lifecycle via the second return value, which is nil unless forwarding is
// enabled; call its Run in a goroutine and Close it on shutdown.
func New(settings config.AmbientSettings, logger *slog.Logger) (*Observer, *Forwarder, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logPath := settings.HistoryLog
	if logPath == "" {
		logPath = config.DefaultHistoryLog
	}
	chain, err := OpenChainLog(logPath)
	if err != nil {
		return nil, nil, fmt.Errorf("history: %w", err)
	}

	o := &Observer{chain: chain, logger: logger}

	if settings.HistoryDB == "" {
		return o, nil, nil
	}

	queue, err := OpenSQLiteQueue(settings.HistoryDB)
	if err != nil {
		_ = chain.Close()
		return nil, nil, fmt.Errorf("history: %w", err)
	}
	o.queue = queue

	if settings.HistoryDSN == "" {
		return o, nil, nil
	}

	fwd, err := NewForwarder(context.Background(), settings.HistoryDSN, queue, logger)
	if err != nil {
		_ = chain.Close()
		_ = queue.Close()
		return nil, nil, fmt.Errorf("history: %w", err)
	}

	return o, fwd, nil
}

// ObserveScan implements scheduler.ScanObserver.
func (o *Observer) ObserveScan(trigger scheduler.TriggerKind, entries []scan.ReportEntry) {
	summary := Summarize(trigger, entries)
	ts := time.Now().UTC()

	if err := o.chain.Append(summary); err != nil {
		o.logger.Error("history: append to chain log failed", slog.Any("error", err))
	}

	if o.queue != nil {
		if err := o.queue.Enqueue(context.Background(), ts, summary); err != nil {
			o.logger.Error("history: enqueue failed", slog.Any("error", err))
		}
	}
}

// Close closes the ChainLog and, if opened, the SQLite queue. It does not
// close a Forwarder returned by New; callers close that separately once its
// Run goroutine has exited.
func (o *Observer) Close() error {
	var firstErr error
	if err := o.chain.Close(); err != nil {
		firstErr = err
	}
	if o.queue != nil {
		if err := o.queue.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
