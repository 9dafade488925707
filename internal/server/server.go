// Package server is the HTTP gateway. It accepts run submissions, exposes
// run and stage status, and serves reconciliation results from the store,
// the comparison cache, and the export chunks. The gateway never re-reads
// the source files: every read endpoint answers from persisted state.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"go.opentelemetry.io/otel/trace"

	"github.com/Sumatoshi-tech/tabrecon/internal/jobs"
	"github.com/Sumatoshi-tech/tabrecon/internal/store"
	"github.com/Sumatoshi-tech/tabrecon/pkg/export"
	"github.com/Sumatoshi-tech/tabrecon/pkg/keycodec"
	"github.com/Sumatoshi-tech/tabrecon/pkg/observability"
	"github.com/Sumatoshi-tech/tabrecon/pkg/persist"
	"github.com/Sumatoshi-tech/tabrecon/pkg/runerr"
)

// defaultPageSize is the analysis-result page size when the client omits one.
const defaultPageSize = 100

// Server routes gateway requests to the runner and its stores.
type Server struct {
	runner *jobs.Runner
	tracer trace.Tracer
	log    *slog.Logger
}

// New builds a gateway over the given runner.
func New(runner *jobs.Runner, tracer trace.Tracer, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}

	return &Server{runner: runner, tracer: tracer, log: log}
}

// Handler returns the routed handler wrapped in the tracing middleware.
func (s *Server) Handler() (http.Handler, error) {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /compare", s.handleSubmit)
	mux.HandleFunc("GET /api/status/{run_id}", s.handleStatus)
	mux.HandleFunc("GET /api/run/{run_id}", s.handleAnalysisResults)
	mux.HandleFunc("GET /api/comparison-v2/{run_id}/available", s.handleAvailable)
	mux.HandleFunc("GET /api/comparison-v2/{run_id}/summary", s.handleSummary)
	mux.HandleFunc("GET /api/comparison-v2/{run_id}/data", s.handleCacheData)
	mux.HandleFunc("GET /api/comparison-export/{run_id}/status", s.handleExportStatus)
	mux.HandleFunc("GET /api/comparison-export/{run_id}/data", s.handleExportData)
	mux.HandleFunc("POST /api/comparison-export/{run_id}/generate", s.handleGenerate)
	mux.HandleFunc("POST /api/cancel/{run_id}", s.handleCancel)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	metricsHandler, metricsErr := observability.PrometheusHandler()
	if metricsErr != nil {
		return nil, fmt.Errorf("metrics handler: %w", metricsErr)
	}

	mux.Handle("GET /metrics", metricsHandler)

	return observability.HTTPMiddleware(s.tracer, s.log, mux), nil
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)

	encodeErr := json.NewEncoder(rw).Encode(v)
	if encodeErr != nil {
		s.log.Warn("response encode failed", "error", encodeErr)
	}
}

// writeError maps the error taxonomy onto HTTP statuses. Internal detail
// beyond the error message never leaves the process.
func (s *Server) writeError(rw http.ResponseWriter, err error) {
	status := http.StatusInternalServerError

	switch {
	case errors.Is(err, store.ErrRunNotFound), errors.Is(err, persist.ErrNotFound):
		status = http.StatusNotFound
	case runerr.IsParameter(err), errors.Is(err, runerr.ErrFileNotFound):
		status = http.StatusBadRequest
	}

	s.writeJSON(rw, status, errorResponse{Error: err.Error()})
}

func runIDFrom(hr *http.Request) (int64, error) {
	raw := hr.PathValue("run_id")

	runID, parseErr := strconv.ParseInt(raw, 10, 64)
	if parseErr != nil {
		return 0, fmt.Errorf("%w: run_id %q", runerr.ErrParameter, raw)
	}

	return runID, nil
}

// comboFrom parses the columns query parameter (comma-separated column names).
func comboFrom(hr *http.Request) (keycodec.Combination, error) {
	raw := hr.URL.Query().Get("columns")
	if raw == "" {
		return nil, fmt.Errorf("%w: columns parameter required", runerr.ErrParameter)
	}

	combo := keycodec.ParseCombination(raw)
	if len(combo) == 0 {
		return nil, fmt.Errorf("%w: columns %q", runerr.ErrParameter, raw)
	}

	return combo, nil
}

func categoryFrom(hr *http.Request) (export.Category, error) {
	raw := hr.URL.Query().Get("category")

	for _, cat := range export.Categories {
		if string(cat) == raw {
			return cat, nil
		}
	}

	return "", fmt.Errorf("%w: category %q", runerr.ErrParameter, raw)
}

func queryInt(hr *http.Request, name string, def int64) int64 {
	raw := hr.URL.Query().Get(name)
	if raw == "" {
		return def
	}

	v, parseErr := strconv.ParseInt(raw, 10, 64)
	if parseErr != nil || v < 0 {
		return def
	}

	return v
}

func (s *Server) handleHealth(rw http.ResponseWriter, _ *http.Request) {
	s.writeJSON(rw, http.StatusOK, map[string]string{"status": "ok"})
}
