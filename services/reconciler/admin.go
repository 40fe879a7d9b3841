package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// syncFlushHeader requests a synchronous flush; honored only when the server
// was configured to allow it.
const syncFlushHeader = "X-Flush-Synchronous"

// Flusher drains the outbox on demand.
type Flusher interface {
	Flush(ctx context.Context) (int64, error)
	FlushAsync(ctx context.Context) bool
}

// Pinger reports backend liveness for the readiness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

type flushResponse struct {
	Status  string `json:"status"`
	Flushed *int64 `json:"flushed,omitempty"`
	Error   string `json:"error,omitempty"`
}

// AdminServer exposes the internal RPC and observability endpoints.
type AdminServer struct {
	flusher          Flusher
	pinger           Pinger
	syncFlushEnabled bool
	logger           *log.Logger
}

// NewAdminServer builds an AdminServer. pinger may be nil, in which case the
// readiness probe always succeeds.
func NewAdminServer(flusher Flusher, pinger Pinger, syncFlushEnabled bool, logger *log.Logger) (*AdminServer, error) {
	if flusher == nil {
		return nil, errors.New("flusher is required")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &AdminServer{
		flusher:          flusher,
		pinger:           pinger,
		syncFlushEnabled: syncFlushEnabled,
		logger:           logger,
	}, nil
}

// Router assembles the admin HTTP routes. middleware, when non-nil, wraps every
// handler (used for tracing).
func (s *AdminServer) Router(middleware func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	if middleware != nil {
		r.Use(middleware)
	}

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/internal/rpc/outbox/flush", s.handleFlush)

	return r
}

func (s *AdminServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *AdminServer) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.pinger != nil {
		if err := s.pinger.Ping(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleFlush triggers an outbox drain. The default is asynchronous: the flush
// starts in the background and the caller gets "started" immediately. A caller
// that sets the synchronous header on a server configured to allow it blocks
// until the drain completes and gets the flushed row count back.
func (s *AdminServer) handleFlush(w http.ResponseWriter, r *http.Request) {
	sync := s.syncFlushEnabled && r.Header.Get(syncFlushHeader) == "true"

	if !sync {
		if !s.flusher.FlushAsync(context.WithoutCancel(r.Context())) {
			writeJSON(w, http.StatusOK, flushResponse{Status: "already_running"})
			return
		}
		writeJSON(w, http.StatusAccepted, flushResponse{Status: "started"})
		return
	}

	flushed, err := s.flusher.Flush(r.Context())
	if err != nil {
		if errors.Is(err, ErrFlushInProgress) {
			writeJSON(w, http.StatusOK, flushResponse{Status: "already_running"})
			return
		}
		s.logger.Printf("ERROR synchronous outbox flush: %v", err)
		writeJSON(w, http.StatusInternalServerError, flushResponse{Status: "failed", Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, flushResponse{Status: "success", Flushed: &flushed})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
