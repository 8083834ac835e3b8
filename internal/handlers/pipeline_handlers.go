package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"station-availability/internal/analysis"
	"station-availability/internal/models"
	"station-availability/internal/services"
	"station-availability/internal/table"
	"station-availability/pkg/logging"
	"station-availability/pkg/metrics"
)

// HealthChecker is a backend the health endpoint probes
type HealthChecker interface {
	Source() models.Source
	HealthCheck(ctx context.Context) error
}

// WindowDefaults define the rolling window used when a request names no bounds
type WindowDefaults struct {
	DaysBack int
	Offset   int
	Location *time.Location
}

// PipelineHandler handles retrieval and availability API endpoints
type PipelineHandler struct {
	retrieval    *services.RetrievalService
	availability *services.AvailabilityService
	backends     []HealthChecker
	checklist    models.Checklist
	defaults     WindowDefaults
	now          func() time.Time
	logger       *logging.StructuredLogger
	metrics      *metrics.Collector
}

// NewPipelineHandler creates a new pipeline handler serving the given checklist
func NewPipelineHandler(
	retrieval *services.RetrievalService,
	availability *services.AvailabilityService,
	backends []HealthChecker,
	checklist models.Checklist,
	defaults WindowDefaults,
	logger *logging.StructuredLogger,
	metricsCollector *metrics.Collector,
) *PipelineHandler {
	if defaults.Location == nil {
		defaults.Location = time.UTC
	}
	return &PipelineHandler{
		retrieval:    retrieval,
		availability: availability,
		backends:     backends,
		checklist:    checklist,
		defaults:     defaults,
		now:          time.Now,
		logger:       logger,
		metrics:      metricsCollector,
	}
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// TableResponse is the JSON form of a wide table: row-major values, null when absent.
// The axis is serialized under table.IndexName.
type TableResponse struct {
	Index   []time.Time  `json:"datetime"`
	Columns []string     `json:"columns"`
	Values  [][]*float64 `json:"values"`
}

// RetrievalResponse is the body of GET /api/retrieval
type RetrievalResponse struct {
	*services.Retrieval
	Table          TableResponse `json:"table"`
	DroppedSensors []string      `json:"dropped_sensors,omitempty"`
}

// MatrixResponse is the body of GET /api/availability/matrix
type MatrixResponse struct {
	Status   models.Status                   `json:"status"`
	Backends map[models.Source]models.Status `json:"backends"`
	Window   models.Window                   `json:"window"`
	Matrix   models.AvailabilityMatrix       `json:"matrix"`
}

// GetRetrieval handles GET /api/retrieval
func (h *PipelineHandler) GetRetrieval(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/api/retrieval"
	ctx := r.Context()
	defer h.observe(endpoint, time.Now())

	req, ok := h.parseRequest(w, r, endpoint)
	if !ok {
		return
	}

	dropEmpty := false
	if raw := r.URL.Query().Get("drop_empty"); raw != "" {
		var err error
		if dropEmpty, err = strconv.ParseBool(raw); err != nil {
			h.sendError(w, r, endpoint, "drop_empty must be true or false", http.StatusBadRequest)
			return
		}
	}

	result, err := h.retrieval.Retrieve(ctx, req)
	if err != nil {
		h.handleError(w, r, endpoint, "[API_GET_RETRIEVAL_ERROR] Failed to run retrieval", err)
		return
	}

	resp := RetrievalResponse{Retrieval: result}
	if dropEmpty && result.Table != nil {
		// the retrieval may be shared with other callers
		trimmed := *result
		trimmed.Table, trimmed.Metadata, resp.DroppedSensors = analysis.DropEmptySensors(result.Table, result.Metadata)
		resp.Retrieval = &trimmed
	}
	resp.Table = encodeTable(resp.Retrieval.Table)
	h.sendResult(w, r, endpoint, result.Status, resp)
}

// RefreshRetrieval handles POST /api/retrieval/refresh
func (h *PipelineHandler) RefreshRetrieval(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/api/retrieval/refresh"
	ctx := r.Context()
	defer h.observe(endpoint, time.Now())

	req, ok := h.parseRequest(w, r, endpoint)
	if !ok {
		return
	}

	result, err := h.retrieval.Refresh(ctx, req)
	if err != nil {
		h.handleError(w, r, endpoint, "[API_REFRESH_ERROR] Failed to refresh retrieval", err)
		return
	}

	h.logger.Info(ctx, "[API_REFRESH] Retrieval refreshed", logging.Fields{
		"run_id": result.RunID,
		"status": result.Status,
		"window": result.Window.String(),
	})
	h.sendResult(w, r, endpoint, result.Status, RetrievalResponse{Retrieval: result, Table: encodeTable(result.Table)})
}

// GetAvailability handles GET /api/availability
func (h *PipelineHandler) GetAvailability(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/api/availability"
	ctx := r.Context()
	defer h.observe(endpoint, time.Now())

	req, ok := h.parseRequest(w, r, endpoint)
	if !ok {
		return
	}

	result, err := h.availability.Report(ctx, req)
	if err != nil {
		h.handleError(w, r, endpoint, "[API_GET_AVAILABILITY_ERROR] Failed to compute availability", err)
		return
	}

	h.sendResult(w, r, endpoint, result.Status, result)
}

// GetAvailabilityMatrix handles GET /api/availability/matrix
func (h *PipelineHandler) GetAvailabilityMatrix(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/api/availability/matrix"
	ctx := r.Context()
	defer h.observe(endpoint, time.Now())

	req, ok := h.parseRequest(w, r, endpoint)
	if !ok {
		return
	}

	matrix, result, err := h.availability.Matrix(ctx, req)
	if err != nil {
		h.handleError(w, r, endpoint, "[API_GET_MATRIX_ERROR] Failed to compute availability matrix", err)
		return
	}

	h.sendResult(w, r, endpoint, result.Status, MatrixResponse{
		Status:   result.Status,
		Backends: result.Backends,
		Window:   result.Report.Window,
		Matrix:   matrix,
	})
}

// GetSensorTimeline handles GET /api/sensors/{key}/timeline
func (h *PipelineHandler) GetSensorTimeline(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/api/sensors/{key}/timeline"
	ctx := r.Context()
	defer h.observe(endpoint, time.Now())

	key := mux.Vars(r)["key"]
	if _, _, err := models.ParseSensorKey(key); err != nil {
		h.sendError(w, r, endpoint, err.Error(), http.StatusBadRequest)
		return
	}

	req, ok := h.parseRequest(w, r, endpoint)
	if !ok {
		return
	}

	timeline, err := h.retrieval.Timeline(ctx, req, key)
	if err != nil {
		h.handleError(w, r, endpoint, "[API_GET_TIMELINE_ERROR] Failed to build sensor timeline", err)
		return
	}

	h.metrics.RecordAPIRequest(endpoint, r.Method, "200")
	h.sendJSON(w, timeline, http.StatusOK)
}

// HealthCheck handles GET /health. The service stays up while backends are
// down, so an unreachable backend reports degraded rather than failing.
func (h *PipelineHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	backends := make(map[models.Source]string, len(h.backends))
	status := "healthy"
	for _, b := range h.backends {
		if err := b.HealthCheck(ctx); err != nil {
			backends[b.Source()] = "unavailable"
			status = "degraded"
			h.logger.Warn(ctx, "[HEALTH_CHECK] Backend unavailable", logging.Fields{
				"backend": b.Source(),
				"error":   err.Error(),
			})
			continue
		}
		backends[b.Source()] = "ok"
	}

	h.sendJSON(w, map[string]interface{}{
		"status":    status,
		"backends":  backends,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}, http.StatusOK)
}

// parseRequest reads start and end query parameters. Without either bound
// the rolling window is used; a single bound is rejected.
func (h *PipelineHandler) parseRequest(w http.ResponseWriter, r *http.Request, endpoint string) (services.Request, bool) {
	startStr := r.URL.Query().Get("start")
	endStr := r.URL.Query().Get("end")

	var window models.Window
	switch {
	case startStr == "" && endStr == "":
		window = models.RollingWindow(h.now(), h.defaults.DaysBack, h.defaults.Offset, h.defaults.Location)
	case startStr == "" || endStr == "":
		h.sendError(w, r, endpoint, "start and end must be given together", http.StatusBadRequest)
		return services.Request{}, false
	default:
		var err error
		window, err = models.ParseWindow(startStr, endStr, h.defaults.Location)
		if err != nil {
			h.sendError(w, r, endpoint, err.Error(), http.StatusBadRequest)
			return services.Request{}, false
		}
	}
	return services.Request{Window: window, Checklist: h.checklist}, true
}

func (h *PipelineHandler) handleError(w http.ResponseWriter, r *http.Request, endpoint, message string, err error) {
	var vErr *models.ValidationError
	var nfErr *models.NotFoundError
	switch {
	case errors.As(err, &vErr):
		h.metrics.RecordAPIError("validation_error", endpoint)
		h.sendError(w, r, endpoint, vErr.Message, http.StatusBadRequest)
	case errors.As(err, &nfErr):
		h.metrics.RecordAPIError("not_found", endpoint)
		h.sendError(w, r, endpoint, nfErr.Error(), http.StatusNotFound)
	default:
		h.logger.Error(r.Context(), message, logging.Fields{"endpoint": endpoint}, err)
		h.metrics.RecordAPIError("internal_error", endpoint)
		h.sendError(w, r, endpoint, "internal error", http.StatusInternalServerError)
	}
}

// sendResult writes a pipeline result; a retrieval where every backend failed is 503
func (h *PipelineHandler) sendResult(w http.ResponseWriter, r *http.Request, endpoint string, status models.Status, body interface{}) {
	code := http.StatusOK
	if status == models.StatusFailed {
		code = http.StatusServiceUnavailable
		h.metrics.RecordAPIError("backends_unavailable", endpoint)
	}
	h.metrics.RecordAPIRequest(endpoint, r.Method, strconv.Itoa(code))
	h.sendJSON(w, body, code)
}

func (h *PipelineHandler) observe(endpoint string, start time.Time) {
	h.metrics.APIRequestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}

// sendJSON sends a JSON response
func (h *PipelineHandler) sendJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// sendError sends an error response
func (h *PipelineHandler) sendError(w http.ResponseWriter, r *http.Request, endpoint, message string, statusCode int) {
	h.metrics.RecordAPIRequest(endpoint, r.Method, strconv.Itoa(statusCode))

	response := ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	}

	h.sendJSON(w, response, statusCode)
}

func encodeTable(wide *table.WideTable) TableResponse {
	out := TableResponse{Index: []time.Time{}, Columns: []string{}, Values: [][]*float64{}}
	if wide == nil {
		return out
	}
	out.Index = wide.Index()
	out.Columns = wide.Columns()
	out.Values = make([][]*float64, wide.Len())
	for r := range out.Values {
		row := make([]*float64, len(out.Columns))
		for c, key := range out.Columns {
			if v, ok := wide.Cell(r, key); ok {
				row[c] = models.Float(v)
			}
		}
		out.Values[r] = row
	}
	return out
}

// RegisterRoutes registers all pipeline API routes
func (h *PipelineHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/api/retrieval", h.GetRetrieval).Methods("GET")
	router.HandleFunc("/api/retrieval/refresh", h.RefreshRetrieval).Methods("POST")
	router.HandleFunc("/api/availability", h.GetAvailability).Methods("GET")
	router.HandleFunc("/api/availability/matrix", h.GetAvailabilityMatrix).Methods("GET")
	router.HandleFunc("/api/sensors/{key}/timeline", h.GetSensorTimeline).Methods("GET")
	router.HandleFunc("/health", h.HealthCheck).Methods("GET")
}
