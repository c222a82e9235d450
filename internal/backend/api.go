package backend

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"procodus.dev/metrics-hub/pkg/metrics"
	"procodus.dev/metrics-hub/pkg/telemetry"
)

// MaxSubmissionBytes caps the size of an HTTP submission body.
const MaxSubmissionBytes = 4 << 20

// Ingester persists submissions.
type Ingester interface {
	Ingest(ctx context.Context, sub *telemetry.Submission) (*IngestResult, error)
}

// Querier is the read side used by the transports.
type Querier interface {
	SeriesFor(ctx context.Context, q SeriesQuery) ([]SeriesPoint, error)
	LatestFor(ctx context.Context, metricName string, aggregatorID uint) (LatestPoint, bool, error)
	PatternSeriesFor(ctx context.Context, pattern string, order Order) ([]PatternPoint, error)
	ListAggregators(ctx context.Context) ([]AggregatorSummary, error)
	ExportAggregators(ctx context.Context, guid string) ([]telemetry.Submission, error)
}

// APIConfig holds the configuration for the HTTP API.
type APIConfig struct {
	Logger   *slog.Logger
	Ingester Ingester
	Querier  Querier
	Health   func(ctx context.Context) error
	Metrics  *metrics.BackendMetrics // Optional metrics
}

// API exposes ingestion and queries over HTTP.
type API struct {
	logger   *slog.Logger
	ingester Ingester
	querier  Querier
	health   func(ctx context.Context) error
	metrics  *metrics.BackendMetrics
}

type ingestResponse struct {
	Status string `json:"status"`
	*IngestResult
}

type errorResponse struct {
	Status     string                     `json:"status"`
	Kind       string                     `json:"kind"`
	Message    string                     `json:"message"`
	Violations []telemetry.FieldViolation `json:"violations,omitempty"`
}

type seriesResponse struct {
	Points any    `json:"points"`
	Error  string `json:"error,omitempty"`
}

type latestResponse struct {
	Point *LatestPoint `json:"point"`
	Error string       `json:"error,omitempty"`
	Found bool         `json:"found"`
}

// NewAPI creates a new API instance.
func NewAPI(cfg *APIConfig) (*API, error) {
	if cfg == nil {
		return nil, errors.New("api config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Ingester == nil {
		return nil, errors.New("ingester cannot be nil")
	}

	if cfg.Querier == nil {
		return nil, errors.New("querier cannot be nil")
	}

	return &API{
		logger:   cfg.Logger,
		ingester: cfg.Ingester,
		querier:  cfg.Querier,
		health:   cfg.Health,
		metrics:  cfg.Metrics,
	}, nil
}

// Routes returns the HTTP handler with all API routes mounted.
func (a *API) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(a.instrument)

	r.Get("/health", a.handleHealth)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/aggregator", a.handleIngest)
		r.Get("/aggregator", a.handleExport)
		r.Get("/aggregators", a.handleListAggregators)
		r.Get("/series", a.handleSeries)
		r.Get("/series/pattern", a.handlePatternSeries)
		r.Get("/latest", a.handleLatest)
	})

	return r
}

// instrument logs each request and records it in the HTTP metrics.
func (a *API) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}

		a.logger.Debug("http request",
			"method", r.Method,
			"route", route,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)

		if a.metrics != nil {
			a.metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(ww.Status())).Inc()
			a.metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		}
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if a.health != nil {
		if err := a.health(r.Context()); err != nil {
			a.logger.Error("health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (a *API) handleIngest(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, MaxSubmissionBytes)

	sub, err := telemetry.Decode(body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeErr(w, http.StatusRequestEntityTooLarge, errorResponse{
				Kind:    "bad_input",
				Message: "submission exceeds " + strconv.Itoa(MaxSubmissionBytes) + " bytes",
			})
			return
		}
		a.writeIngestErr(w, r, err)
		return
	}

	result, err := a.ingester.Ingest(r.Context(), sub)
	if err != nil {
		a.writeIngestErr(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, ingestResponse{Status: "ok", IngestResult: result})
}

func (a *API) writeIngestErr(w http.ResponseWriter, r *http.Request, err error) {
	status, resp := ingestErrorResponse(err)
	if status >= http.StatusInternalServerError {
		a.logger.Error("ingestion failed", "error", err, "request_id", middleware.GetReqID(r.Context()))
	} else {
		a.logger.Warn("ingestion rejected", "error", err, "request_id", middleware.GetReqID(r.Context()))
	}
	writeErr(w, status, resp)
}

// ingestErrorResponse maps an ingestion error to a status code and payload.
func ingestErrorResponse(err error) (int, errorResponse) {
	resp := errorResponse{Message: err.Error()}

	var vErr *telemetry.ValidationError
	switch {
	case errors.As(err, &vErr):
		resp.Kind = "bad_input"
		resp.Violations = vErr.Violations
		return http.StatusBadRequest, resp
	case errors.Is(err, ErrAggregatorNameMismatch):
		resp.Kind = "conflict"
		return http.StatusConflict, resp
	case IsConflict(err):
		resp.Kind = "conflict"
		return http.StatusConflict, resp
	case IsTimeout(err):
		resp.Kind = "unavailable"
		return http.StatusServiceUnavailable, resp
	default:
		resp.Kind = "internal"
		resp.Message = "failed to ingest submission"
		return http.StatusInternalServerError, resp
	}
}

func (a *API) handleExport(w http.ResponseWriter, r *http.Request) {
	guid := r.URL.Query().Get("uuid")

	subs, err := a.querier.ExportAggregators(r.Context(), guid)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			writeErr(w, http.StatusNotFound, errorResponse{Kind: "not_found", Message: err.Error()})
			return
		}
		a.logger.Error("export aggregators", "guid", guid, "error", err)
		writeErr(w, http.StatusInternalServerError, errorResponse{Kind: "internal", Message: "failed to export aggregators"})
		return
	}

	if guid != "" && len(subs) == 1 {
		writeJSON(w, http.StatusOK, subs[0])
		return
	}
	writeJSON(w, http.StatusOK, subs)
}

func (a *API) handleListAggregators(w http.ResponseWriter, r *http.Request) {
	aggs, err := a.querier.ListAggregators(r.Context())
	if err != nil {
		a.logger.Error("list aggregators", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"aggregators": []AggregatorSummary{}, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"aggregators": aggs})
}

func (a *API) handleSeries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	metric := q.Get("metric")
	if metric == "" {
		writeJSON(w, http.StatusBadRequest, seriesResponse{Points: []SeriesPoint{}, Error: "metric is required"})
		return
	}

	aggregatorID, err := parseAggregatorID(q.Get("aggregator_id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, seriesResponse{Points: []SeriesPoint{}, Error: err.Error()})
		return
	}

	order, err := ParseOrder(q.Get("order"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, seriesResponse{Points: []SeriesPoint{}, Error: err.Error()})
		return
	}

	points, err := a.querier.SeriesFor(r.Context(), SeriesQuery{MetricName: metric, AggregatorID: aggregatorID, Order: order})
	if err != nil {
		a.logger.Error("series query", "metric", metric, "error", err)
		writeJSON(w, http.StatusInternalServerError, seriesResponse{Points: []SeriesPoint{}, Error: err.Error()})
		return
	}
	if points == nil {
		points = []SeriesPoint{}
	}

	writeJSON(w, http.StatusOK, seriesResponse{Points: points})
}

func (a *API) handlePatternSeries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	pattern := q.Get("pattern")
	if pattern == "" {
		writeJSON(w, http.StatusBadRequest, seriesResponse{Points: []PatternPoint{}, Error: "pattern is required"})
		return
	}

	order, err := ParseOrder(q.Get("order"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, seriesResponse{Points: []PatternPoint{}, Error: err.Error()})
		return
	}

	points, err := a.querier.PatternSeriesFor(r.Context(), pattern, order)
	if err != nil {
		a.logger.Error("pattern series query", "pattern", pattern, "error", err)
		writeJSON(w, http.StatusInternalServerError, seriesResponse{Points: []PatternPoint{}, Error: err.Error()})
		return
	}
	if points == nil {
		points = []PatternPoint{}
	}

	writeJSON(w, http.StatusOK, seriesResponse{Points: points})
}

func (a *API) handleLatest(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	metric := q.Get("metric")
	if metric == "" {
		writeJSON(w, http.StatusBadRequest, latestResponse{Error: "metric is required"})
		return
	}

	aggregatorID, err := parseAggregatorID(q.Get("aggregator_id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, latestResponse{Error: err.Error()})
		return
	}

	point, found, err := a.querier.LatestFor(r.Context(), metric, aggregatorID)
	if err != nil {
		a.logger.Error("latest query", "metric", metric, "error", err)
		writeJSON(w, http.StatusInternalServerError, latestResponse{Error: err.Error()})
		return
	}

	resp := latestResponse{Found: found}
	if found {
		resp.Point = &point
	}
	writeJSON(w, http.StatusOK, resp)
}

func parseAggregatorID(s string) (uint, error) {
	if s == "" {
		return 0, nil
	}
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, errors.New("aggregator_id must be a non-negative integer")
	}
	return uint(id), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, resp errorResponse) {
	resp.Status = "error"
	writeJSON(w, status, resp)
}
