// Package statusserver provides the daemon's optional, read-only operational
// HTTP surface: a liveness probe and the most recent in-memory scan
// classification, served with a chi router and gated by RS256 JWT
// middleware. It never triggers a scan and never touches the report file,
// so it cannot interfere with the report-on-shutdown-only contract the
// ScanScheduler otherwise guarantees.
package statusserver

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/drewdzzz/integrityspy/internal/scan"
)

// SnapshotSource supplies the current classification. *scan.Snapshot
// (returned by scheduler.Scheduler.Snapshot) satisfies it via Classify().
type SnapshotSource interface {
	Classify() []scan.ReportEntry
}

// NewRouter returns a configured chi.Router exposing:
//
//	GET /healthz – liveness probe, no authentication
//	GET /status  – current classification, gated by pubKey when non-nil
//
// started is the time the caller considers the server "up", used to compute
// /healthz's uptime_s field.
func NewRouter(snapshot SnapshotSource, pubKey *rsa.PublicKey, started time.Time) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", handleHealthz(started))

	r.Group(func(r chi.Router) {
		if pubKey != nil {
			r.Use(JWTMiddleware(pubKey))
		}
		r.Get("/status", handleStatus(snapshot))
	})

	return r
}

func handleHealthz(started time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":   "ok",
			"uptime_s": int(time.Since(started).Seconds()),
		})
	}
}

func handleStatus(snapshot SnapshotSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(snapshot.Classify())
	}
}

// Server wraps an *http.Server built from NewRouter. It is started and
// stopped by cmd/integrityspy alongside the ScanScheduler's event loop.
type Server struct {
	http *http.Server
}

// New builds a Server listening on addr. snapshot is queried fresh on every
// GET /status request. pubKey, when non-nil, requires a valid RS256 Bearer
// token on GET /status; /healthz is always open.
func New(addr string, snapshot SnapshotSource, pubKey *rsa.PublicKey) *Server {
	return &Server{
		http: &http.Server{
			Addr:         addr,
			Handler:      NewRouter(snapshot, pubKey, time.Now()),
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
			IdleTimeout:  30 * time.Second,
		},
	}
}

// ListenAndServe runs the server until Shutdown is called. On a clean
// shutdown it returns http.ErrServerClosed, which callers should treat as
// success.
func (s *Server) ListenAndServe() error {
	return s.http.ListenAndServe()
}

// Shutdown gracefully stops the server, honoring ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
