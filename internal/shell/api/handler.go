// Package api provides the HTTP surface for triggering optimization runs and
// reading configuration history.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/artpar/fusion/internal/core/domain"
	coreoptimizer "github.com/artpar/fusion/internal/core/optimizer"
	authmw "github.com/artpar/fusion/internal/shell/api/middleware"
	"github.com/artpar/fusion/internal/shell/metrics"
	"github.com/artpar/fusion/internal/shell/optimizer"
	"github.com/artpar/fusion/internal/shell/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Runner performs one optimization run.
type Runner interface {
	Run(ctx context.Context) (*optimizer.RunResult, error)
}

// =============================================================================
// Handler
// =============================================================================

// Handler provides HTTP handlers for the API.
type Handler struct {
	runner  Runner
	store   store.Store
	metrics *metrics.Metrics
	auth    *authmw.AuthMiddleware
	logger  *slog.Logger
}

// Config holds the handler's collaborators.
type Config struct {
	Runner  Runner
	Store   store.Store
	Metrics *metrics.Metrics

	// APIToken guards run creation and metrics ingestion. Empty disables
	// the check.
	APIToken string
}

// NewHandler creates a new API handler.
func NewHandler(cfg Config, l *slog.Logger) *Handler {
	if l == nil {
		l = slog.Default()
	}
	return &Handler{
		runner:  cfg.Runner,
		store:   cfg.Store,
		metrics: cfg.Metrics,
		auth:    authmw.NewAuthMiddleware(authmw.AuthConfig{Token: cfg.APIToken, Logger: l}),
		logger:  l.With("component", "api"),
	}
}

// Routes returns the router with all routes configured.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(h.requestIDHeader)

	r.Get("/health", h.handleHealth)
	r.Handle("/metrics", h.metrics.Handler())

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(h.jsonContentType)

		r.With(h.auth.Handler).Post("/runs", h.handleCreateRun)
		r.With(h.auth.Handler).Post("/executions", h.handleRecordExecutions)

		r.Route("/configurations", func(r chi.Router) {
			r.Get("/", h.handleListConfigurations)
			r.Get("/latest", h.handleLatestConfiguration)
		})
	})

	return r
}

// =============================================================================
// Middleware
// =============================================================================

// jsonContentType sets Content-Type header to application/json.
func (h *Handler) jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// requestIDHeader copies the request ID to the response header.
func (h *Handler) requestIDHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if reqID := middleware.GetReqID(r.Context()); reqID != "" {
			w.Header().Set("X-Request-ID", reqID)
		}
		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// Health Handlers
// =============================================================================

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	h.writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

// =============================================================================
// Run Handlers
// =============================================================================

func (h *Handler) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	result, err := h.runner.Run(r.Context())
	if err != nil {
		status, code := classifyRunError(err)
		h.logger.Error("run failed", "code", code, "error", err)
		h.writeJSON(w, status, RunResponse{
			Run:   result,
			Error: err.Error(),
			Code:  code,
		})
		return
	}

	h.writeJSON(w, http.StatusOK, RunResponse{Run: result})
}

// classifyRunError maps a failed run to an HTTP status and error code.
func classifyRunError(err error) (int, string) {
	switch {
	case errors.Is(err, optimizer.ErrUpstreamFetch):
		return http.StatusBadGateway, "upstream_fetch_failed"
	case errors.Is(err, optimizer.ErrDispatch):
		return http.StatusBadGateway, "dispatch_failed"
	case errors.Is(err, optimizer.ErrStoreWrite):
		return http.StatusInternalServerError, "store_write_failed"
	case errors.Is(err, coreoptimizer.ErrSearchExhausted):
		return http.StatusInternalServerError, "search_exhausted"
	case errors.Is(err, domain.ErrNoMetrics):
		return http.StatusServiceUnavailable, "no_metrics"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// =============================================================================
// Execution Handlers
// =============================================================================

const maxExecutionsBody = 1 << 20

func (h *Handler) handleRecordExecutions(w http.ResponseWriter, r *http.Request) {
	var req []ExecutionRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxExecutionsBody))
	if err := dec.Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body", "invalid_request")
		return
	}
	if len(req) == 0 {
		h.writeError(w, http.StatusBadRequest, "at least one execution is required", "validation_error")
		return
	}

	recs := make([]domain.ExecutionRecord, len(req))
	for i, e := range req {
		if e.Duration == nil {
			h.writeError(w, http.StatusBadRequest, fmt.Sprintf("execution %d: duration is required", i), "validation_error")
			return
		}
		recs[i] = domain.ExecutionRecord{
			Duration:  *e.Duration,
			Errored:   e.Error,
			StartedAt: e.StartTime,
		}
	}

	if err := store.RecordExecutions(r.Context(), h.store, recs); err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidExecution):
			h.writeError(w, http.StatusBadRequest, err.Error(), "validation_error")
		default:
			h.logger.Error("failed to record executions", "count", len(recs), "error", err)
			h.writeError(w, http.StatusInternalServerError, "failed to record executions", "internal_error")
		}
		return
	}

	resp := RecordExecutionsResponse{
		Recorded: len(recs),
		IDs:      make([]string, len(recs)),
	}
	for i, rec := range recs {
		resp.IDs[i] = rec.ID
	}
	h.logger.Info("executions recorded", "count", len(recs))
	h.writeJSON(w, http.StatusCreated, resp)
}

// =============================================================================
// Configuration Handlers
// =============================================================================

func (h *Handler) handleListConfigurations(w http.ResponseWriter, r *http.Request) {
	opts := store.DefaultListOptions()

	if limit := r.URL.Query().Get("limit"); limit != "" {
		if l, err := strconv.Atoi(limit); err == nil {
			opts.Limit = l
		}
	}
	if offset := r.URL.Query().Get("offset"); offset != "" {
		if o, err := strconv.Atoi(offset); err == nil {
			opts.Offset = o
		}
	}
	switch kind := domain.RecordKind(r.URL.Query().Get("kind")); kind {
	case "", domain.RecordObserved, domain.RecordProposed:
		opts.Kind = kind
	default:
		h.writeError(w, http.StatusBadRequest, "kind must be observed or proposed", "validation_error")
		return
	}
	opts = opts.Normalize()

	records, err := h.store.ListConfigurations(r.Context(), opts)
	if err != nil {
		h.logger.Error("failed to list configurations", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to list configurations", "internal_error")
		return
	}

	resp := ListConfigurationsResponse{
		Configurations: make([]ConfigurationResponse, 0, len(records)),
		Total:          len(records),
		Limit:          opts.Limit,
		Offset:         opts.Offset,
	}
	for _, rec := range records {
		resp.Configurations = append(resp.Configurations, configurationToResponse(&rec))
	}

	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleLatestConfiguration(w http.ResponseWriter, r *http.Request) {
	rec, err := h.store.FindLatest(r.Context())
	if err != nil {
		if isNotFound(err) {
			h.writeError(w, http.StatusNotFound, "no configuration recorded", "configuration_not_found")
			return
		}
		h.logger.Error("failed to get latest configuration", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to get latest configuration", "internal_error")
		return
	}

	h.writeJSON(w, http.StatusOK, configurationToResponse(rec))
}

// =============================================================================
// Helpers
// =============================================================================

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode JSON", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message, code string) {
	h.writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}

func configurationToResponse(rec *domain.ScoredConfiguration) ConfigurationResponse {
	return ConfigurationResponse{
		ID:              rec.ID,
		Kind:            string(rec.Kind),
		Canonical:       rec.Canonical.Groups(),
		Original:        rec.Original,
		AverageDuration: rec.AverageDuration,
		Errored:         rec.Errored,
		Stage:           rec.Stage,
		CreatedAt:       rec.CreatedAt,
	}
}

// isNotFound checks if an error is a not found error.
func isNotFound(err error) bool {
	var storeErr *store.StoreError
	if errors.As(err, &storeErr) {
		return errors.Is(storeErr.Unwrap(), store.ErrNotFound)
	}
	return false
}
