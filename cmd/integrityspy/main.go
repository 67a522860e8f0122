// Command integrityspy is the file-integrity monitoring daemon described in
// the design: it computes a baseline CRC32 checksum for every regular file
// in a watched directory, then re-scans on a timer, on SIGUSR1, and (on
// Linux) on inotify events, comparing each re-scan against the baseline and
// writing a JSON report on shutdown.
package main

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/drewdzzz/integrityspy/internal/config"
	"github.com/drewdzzz/integrityspy/internal/fswatcher"
	"github.com/drewdzzz/integrityspy/internal/history"
	"github.com/drewdzzz/integrityspy/internal/scan"
	"github.com/drewdzzz/integrityspy/internal/scheduler"
	"github.com/drewdzzz/integrityspy/internal/signalrouter"
	"github.com/drewdzzz/integrityspy/internal/statusserver"
)

func main() {
	cfg, err := config.Load(os.Args[1:], os.Getenv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "integrityspy: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger()

	router := signalrouter.New()
	defer router.Stop()

	watcher, err := fswatcher.New(cfg.Dir, logger)
	if err != nil {
		logger.Warn("fswatcher: falling back to timer-only scanning", slog.Any("error", err))
		watcher = nil
	}
	if watcher != nil {
		defer watcher.Close()
	}

	observer, forwarder, err := history.New(cfg.Ambient, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "integrityspy: %v\n", err)
		os.Exit(1)
	}
	defer observer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if forwarder != nil {
		go forwarder.Run(ctx)
		defer forwarder.Close(context.Background())
	}

	sched := scheduler.New(cfg.Dir, cfg.Interval, router, logger,
		scheduler.WithWatcher(watcher),
		scheduler.WithObserver(observer),
		scheduler.WithReadyHook(func() { printBanner() }),
	)

	var status *statusserver.Server
	if cfg.Ambient.StatusAddr != "" {
		key, err := loadStatusPubKey(cfg.Ambient.StatusJWTPubKey)
		if err != nil {
			fmt.Fprintf(os.Stderr, "integrityspy: %v\n", err)
			os.Exit(1)
		}

		status = statusserver.New(cfg.Ambient.StatusAddr, sched.Snapshot(), key)
		go func() {
			logger.Info("status server listening", slog.String("addr", cfg.Ambient.StatusAddr))
			if err := status.ListenAndServe(); err != nil {
				logger.Warn("status server stopped", slog.Any("error", err))
			}
		}()
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = status.Shutdown(shutdownCtx)
		}()
	}

	if err := sched.Run(ctx); err != nil {
		var dirErr *scan.DirOpenError
		if errors.As(err, &dirErr) {
			fmt.Fprintf(os.Stderr, "integrityspy: failed to open directory: %v\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "integrityspy: %v\n", err)
		}
		os.Exit(1)
	}
}

// printBanner writes the single startup-handshake line supervising scripts
// wait on: its last whitespace-separated token is the daemon's own PID.
// Invoked by the Scheduler's ready hook, which fires only after the
// baseline scan has been installed and before the event loop starts
// waiting on its first trigger — so no external mutation of the watched
// directory can race the baseline.
func printBanner() {
	fmt.Fprintf(os.Stdout, "Demon is launched at %d\n", os.Getpid())
}

// newLogger constructs the daemon's structured logger: JSON on stderr, info
// level. Stdout is reserved exclusively for the startup banner the test
// harness parses for the PID.
func newLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

func loadStatusPubKey(path string) (*rsa.PublicKey, error) {
	if path == "" {
		return nil, nil
	}
	key, err := statusserver.LoadPublicKey(path)
	if err != nil {
		return nil, fmt.Errorf("integrityspy: %w", err)
	}
	return key, nil
}
