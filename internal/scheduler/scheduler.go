// Package scheduler implements the ScanScheduler: the single-threaded event
// loop that multiplexes the interval timer, the SignalRouter's UserScan and
// Shutdown channels, and an optional FsWatcher's Changes channel into
// re-scan events, owns the Snapshot, and hands off to the ReportWriter on
// shutdown.
//
// The loop never runs a scan concurrently with itself: a single goroutine
// alternates between waiting at the multiplex select and running exactly
// one DirectoryScanner pass, so triggers that arrive while a scan is
// already underway accumulate in the size-1 producer channels (the ticker,
// the router's UserScan, the watcher's Changes), whose senders drop a
// trigger rather than block when one is already pending. Each source
// therefore adds at most one more scan however many of its triggers
// arrived; pending triggers from different sources are not merged, so up
// to one further scan per source runs after a busy scan. A
// Scheduler is built with functional options and exposes a coarse
// lifecycle state, in the style of a long-running component that owns
// Start/Stop and a health snapshot.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/drewdzzz/integrityspy/internal/fswatcher"
	"github.com/drewdzzz/integrityspy/internal/report"
	"github.com/drewdzzz/integrityspy/internal/scan"
)

// SignalSource is the subset of *signalrouter.Router the scheduler depends
// on. Scheduler accepts an interface (rather than the concrete type)
// purely so that tests can drive UserScan/Shutdown without touching real
// OS signal dispositions.
type SignalSource interface {
	UserScan() <-chan struct{}
	Shutdown() <-chan struct{}
}

// State is the ScanScheduler's coarse lifecycle state.
type State string

const (
	StateInitializing State = "Initializing"
	StateRunning      State = "Running"
	StateScanning     State = "Scanning"
	StateShuttingDown State = "ShuttingDown"
	StateExited       State = "Exited"
)

// TriggerKind identifies which source caused a re-scan. Exposed mainly so
// that optional observers (see the history package) can record why a scan
// ran, not to change its behavior.
type TriggerKind string

const (
	TriggerTimer    TriggerKind = "timer"
	TriggerUserScan TriggerKind = "user_scan"
	TriggerFsChange TriggerKind = "fs_change"
)

// ScanObserver is notified after every re-scan (but not the initial
// baseline pass) with the resulting classification. It is an optional,
// purely observational hook: see internal/history for the production
// implementation that appends each result to a tamper-evident log and/or
// forwards it to a durable store. A nil ScanObserver is valid and is the
// default.
type ScanObserver interface {
	ObserveScan(trigger TriggerKind, entries []scan.ReportEntry)
}

// Option configures a Scheduler constructed by New.
type Option func(*Scheduler)

// WithWatcher registers an optional FsWatcher. If w is nil (e.g. on a
// platform without kernel filesystem-event support), the scheduler simply
// never receives FsChange triggers and runs timer+signal only.
func WithWatcher(w fswatcher.Watcher) Option {
	return func(s *Scheduler) { s.watcher = w }
}

// WithObserver registers a ScanObserver invoked after every re-scan.
func WithObserver(o ScanObserver) Option {
	return func(s *Scheduler) { s.observer = o }
}

// WithReportPath overrides the default report.DefaultPath.
func WithReportPath(path string) Option {
	return func(s *Scheduler) { s.reportPath = path }
}

// WithReadyHook registers a callback invoked once, synchronously, right
// after the baseline scan has been installed and before the event loop
// starts waiting on its first trigger. cmd/integrityspy uses this to print
// the startup banner only once the baseline is safe and before any
// external mutation can race it.
func WithReadyHook(fn func()) Option {
	return func(s *Scheduler) { s.readyHook = fn }
}

// Scheduler is the ScanScheduler: it owns the Snapshot and the single
// event loop that multiplexes the timer, signal, and fs-watch triggers.
type Scheduler struct {
	dir      string
	interval time.Duration
	logger   *slog.Logger

	router   SignalSource
	watcher  fswatcher.Watcher
	observer ScanObserver

	reportPath string
	readyHook  func()
	scanner    *scan.Scanner
	snapshot   *scan.Snapshot

	mu    sync.RWMutex
	state State
}

// New constructs a Scheduler for the given watched directory and re-scan
// interval. router must be non-nil; it is the scheduler's only source of
// Shutdown/UserScan triggers.
func New(dir string, interval time.Duration, router SignalSource, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Scheduler{
		dir:        dir,
		interval:   interval,
		logger:     logger,
		router:     router,
		reportPath: report.DefaultPath,
		scanner:    scan.NewScanner(dir, logger),
		snapshot:   scan.NewSnapshot(),
		state:      StateInitializing,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// State returns the scheduler's current coarse lifecycle state.
func (s *Scheduler) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Scheduler) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Snapshot returns the scheduler's in-memory Snapshot. It is safe to call
// Classify on the returned value at any time (e.g. from a read-only status
// endpoint); the Scheduler never mutates it concurrently with such reads
// since both run on goroutines that only read after the relevant scan has
// fully returned. Callers must not call InstallBaseline/ApplyObservation on
// the returned Snapshot themselves.
func (s *Scheduler) Snapshot() *scan.Snapshot {
	return s.snapshot
}

// Run installs the baseline, prints nothing itself (the caller is
// responsible for the startup banner, which must be emitted only after
// Run has finished initializing), and then runs the event loop until a
// Shutdown trigger arrives or ctx is cancelled. On a clean shutdown it
// writes the report and returns nil; a failure to open the directory at
// startup, or to write the report at the end, is returned as an error.
func (s *Scheduler) Run(ctx context.Context) error {
	baseline, err := s.scanner.Scan()
	if err != nil {
		return err
	}
	if err := s.snapshot.InstallBaseline(baseline); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	s.setState(StateRunning)

	if s.readyHook != nil {
		s.readyHook()
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var fsChanges <-chan struct{}
	if s.watcher != nil {
		fsChanges = s.watcher.Changes()
	}

	for {
		select {
		case <-ctx.Done():
			return s.shutdown()
		case <-s.router.Shutdown():
			return s.shutdown()
		case <-ticker.C:
			s.doScan(TriggerTimer)
		case <-s.router.UserScan():
			s.doScan(TriggerUserScan)
		case <-fsChanges:
			s.doScan(TriggerFsChange)
		}
	}
}

// doScan runs one DirectoryScanner pass and folds it into the Snapshot. A
// DirOpenError (the watched directory itself was removed) is not fatal: it
// is logged, and an empty observation is applied so that every baseline
// entry is classified ABSENT in the next report.
func (s *Scheduler) doScan(trigger TriggerKind) {
	s.setState(StateScanning)
	defer s.setState(StateRunning)

	obs, err := s.scanner.Scan()
	if err != nil {
		s.logger.Error("scheduler: directory scan failed; marking baseline entries absent",
			slog.String("trigger", string(trigger)),
			slog.Any("error", err),
		)
		obs = nil
	}

	s.snapshot.ApplyObservation(obs)

	if s.observer != nil {
		s.observer.ObserveScan(trigger, s.snapshot.Classify())
	}
}

func (s *Scheduler) shutdown() error {
	s.setState(StateShuttingDown)
	defer s.setState(StateExited)

	if err := report.Write(s.reportPath, s.snapshot.Classify()); err != nil {
		s.logger.Error("scheduler: failed to write report", slog.Any("error", err))
		return err
	}
	return nil
}
