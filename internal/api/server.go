package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fleet-analytics/internal/db"
	"fleet-analytics/internal/logging"
	"fleet-analytics/internal/metrics"
	"fleet-analytics/internal/models"
	"fleet-analytics/internal/parser"
	"fleet-analytics/internal/report"
)

const (
	defaultQueryLimit = 100
	maxQueryLimit     = 1000
	maxBatchSize      = 10000
)

// Server represents the API server
type Server struct {
	db            *db.Database
	reports       *report.Service
	router        *mux.Router
	reportTimeout time.Duration
}

// NewServer creates a new API server. Report, route and fleet requests run
// under reportTimeout; zero leaves them bound only by the client.
func NewServer(database *db.Database, reports *report.Service, reportTimeout time.Duration) *Server {
	s := &Server{
		db:            database,
		reports:       reports,
		router:        mux.NewRouter(),
		reportTimeout: reportTimeout,
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	// Health check
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// Vehicle endpoints
	s.router.HandleFunc("/api/v1/vehicles", s.handleListVehicles).Methods("GET")
	s.router.HandleFunc("/api/v1/vehicles", s.handleCreateVehicle).Methods("POST")
	s.router.HandleFunc("/api/v1/vehicles/{id}", s.handleGetVehicle).Methods("GET")

	// Telemetry endpoints
	s.router.HandleFunc("/api/v1/telemetry", s.handleQueryFixes).Methods("GET")
	s.router.HandleFunc("/api/v1/telemetry", s.handleCreateFix).Methods("POST")
	s.router.HandleFunc("/api/v1/telemetry/batch", s.handleBatchFixes).Methods("POST")

	// Report endpoints
	s.router.HandleFunc("/api/v1/reports/vehicles/{id}", s.handleVehicleReport).Methods("GET")
	s.router.HandleFunc("/api/v1/reports/summary", s.handleFleetSummary).Methods("GET")

	// Tracking endpoints
	s.router.HandleFunc("/api/v1/tracking/vehicles/{id}/route", s.handleRoute).Methods("GET")
	s.router.HandleFunc("/api/v1/tracking/vehicles/{id}/location", s.handleLocation).Methods("GET")

	// Stats endpoint
	s.router.HandleFunc("/api/v1/stats", s.handleStats).Methods("GET")

	// Add middleware
	s.router.Use(requestIDMiddleware)
	s.router.Use(loggingMiddleware)
	s.router.Use(jsonMiddleware)
}

// Router returns the configured router
func (s *Server) Router() *mux.Router {
	return s.router
}

// Middleware

// requestIDMiddleware tags each request with an ID, reusing the caller's
// X-Request-ID when present.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = logging.GenerateRequestID()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(logging.ContextWithRequestID(r.Context(), id)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tmpl, err := cur.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		metrics.RecordHTTPRequest(route, r.Method, rec.status)

		logging.Ctx(r.Context()).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// Response helpers
type apiResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Meta    *meta  `json:"meta,omitempty"`
}

type meta struct {
	Total   int   `json:"total,omitempty"`
	Limit   int   `json:"limit,omitempty"`
	Offset  int   `json:"offset,omitempty"`
	QueryMs int64 `json:"query_ms,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiResponse{Success: true, Data: data})
}

func respondError(w http.ResponseWriter, status int, message string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiResponse{Success: false, Error: message})
}

func respondWithMeta(w http.ResponseWriter, data any, m *meta) {
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(apiResponse{Success: true, Data: data, Meta: m})
}

// respondServiceError maps report and storage errors to status codes.
// Internal details are logged, not returned.
func respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var rangeErr *report.InvalidRangeError
	switch {
	case errors.As(err, &rangeErr), errors.Is(err, report.ErrInvalidView):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, db.ErrVehicleNotFound):
		respondError(w, http.StatusNotFound, "vehicle not found")
	case errors.Is(err, report.ErrNoFixes):
		respondError(w, http.StatusNotFound, "no fixes found for vehicle")
	case errors.Is(err, context.DeadlineExceeded):
		logging.Ctx(r.Context()).Warn().Err(err).Msg("request timed out")
		respondError(w, http.StatusGatewayTimeout, "request timed out")
	default:
		logging.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

// reportContext bounds report work by the configured timeout.
func (s *Server) reportContext(r *http.Request) (context.Context, context.CancelFunc) {
	if s.reportTimeout <= 0 {
		return context.WithCancel(r.Context())
	}
	return context.WithTimeout(r.Context(), s.reportTimeout)
}

// parseWindow reads the required start_date and end_date parameters.
func parseWindow(r *http.Request) (time.Time, time.Time, error) {
	q := r.URL.Query()
	startStr, endStr := q.Get("start_date"), q.Get("end_date")
	if startStr == "" || endStr == "" {
		return time.Time{}, time.Time{}, errors.New("start_date and end_date are required")
	}
	start, err := report.ParseBound(startStr, false)
	if err != nil {
		return time.Time{}, time.Time{}, errors.New("invalid start_date")
	}
	end, err := report.ParseBound(endStr, true)
	if err != nil {
		return time.Time{}, time.Time{}, errors.New("invalid end_date")
	}
	return start, end, nil
}

// Handlers
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleListVehicles(w http.ResponseWriter, r *http.Request) {
	vehicles, err := s.db.ListVehicles(r.Context())
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, vehicles)
}

func (s *Server) handleCreateVehicle(w http.ResponseWriter, r *http.Request) {
	var v models.Vehicle
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	if v.ID == "" || v.Name == "" || v.LicensePlate == "" {
		respondError(w, http.StatusBadRequest, "id, name, and license_plate are required")
		return
	}
	if v.VehicleType == "" {
		v.VehicleType = "car"
	}

	if err := s.db.InsertVehicle(r.Context(), &v); err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusCreated, v)
}

func (s *Server) handleGetVehicle(w http.ResponseWriter, r *http.Request) {
	vehicle, err := s.db.GetVehicle(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, vehicle)
}

func (s *Server) handleQueryFixes(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	params := r.URL.Query()

	q := models.TelemetryQuery{
		VehicleID: params.Get("vehicle_id"),
		Limit:     defaultQueryLimit,
	}

	var err error
	if v := params.Get("limit"); v != "" {
		if q.Limit, err = strconv.Atoi(v); err != nil || q.Limit <= 0 {
			respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		q.Limit = min(q.Limit, maxQueryLimit)
	}
	if v := params.Get("offset"); v != "" {
		if q.Offset, err = strconv.Atoi(v); err != nil || q.Offset < 0 {
			respondError(w, http.StatusBadRequest, "invalid offset")
			return
		}
	}
	if v := params.Get("start_time"); v != "" {
		if q.StartTime, err = report.ParseBound(v, false); err != nil {
			respondError(w, http.StatusBadRequest, "invalid start_time")
			return
		}
	}
	if v := params.Get("end_time"); v != "" {
		if q.EndTime, err = report.ParseBound(v, true); err != nil {
			respondError(w, http.StatusBadRequest, "invalid end_time")
			return
		}
	}
	if v := params.Get("min_speed"); v != "" {
		if q.MinSpeed, err = strconv.ParseFloat(v, 64); err != nil {
			respondError(w, http.StatusBadRequest, "invalid min_speed")
			return
		}
	}
	if v := params.Get("max_speed"); v != "" {
		if q.MaxSpeed, err = strconv.ParseFloat(v, 64); err != nil {
			respondError(w, http.StatusBadRequest, "invalid max_speed")
			return
		}
	}
	q.Ascending = strings.EqualFold(params.Get("order"), "asc")

	results, err := s.db.QueryFixes(r.Context(), q)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondWithMeta(w, results, &meta{
		Total:   len(results),
		Limit:   q.Limit,
		Offset:  q.Offset,
		QueryMs: time.Since(start).Milliseconds(),
	})
}

func (s *Server) handleCreateFix(w http.ResponseWriter, r *http.Request) {
	var f models.Fix
	if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	if f.Timestamp.IsZero() {
		f.Timestamp = time.Now().UTC()
	}
	if errs := parser.ValidateFix(&f); len(errs) > 0 {
		respondError(w, http.StatusBadRequest, strings.Join(errs, "; "))
		return
	}

	if err := s.db.InsertFix(r.Context(), &f); err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusCreated, f)
}

func (s *Server) handleBatchFixes(w http.ResponseWriter, r *http.Request) {
	var fixes []models.Fix
	if err := json.NewDecoder(r.Body).Decode(&fixes); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON array")
		return
	}

	if len(fixes) == 0 {
		respondError(w, http.StatusBadRequest, "empty array")
		return
	}
	if len(fixes) > maxBatchSize {
		respondError(w, http.StatusRequestEntityTooLarge, "batch exceeds "+strconv.Itoa(maxBatchSize)+" fixes")
		return
	}

	// Fixes without a timestamp are stamped with the receive time
	now := time.Now().UTC()
	for i := range fixes {
		if fixes[i].Timestamp.IsZero() {
			fixes[i].Timestamp = now
		}
		if errs := parser.ValidateFix(&fixes[i]); len(errs) > 0 {
			respondError(w, http.StatusBadRequest, "fix "+strconv.Itoa(i)+": "+strings.Join(errs, "; "))
			return
		}
	}

	count, err := s.db.InsertFixBatch(r.Context(), fixes)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusCreated, map[string]int64{"inserted": count})
}

func (s *Server) handleVehicleReport(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	vehicleID := mux.Vars(r)["id"]

	from, to, err := parseWindow(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	view, err := report.ParseView(r.URL.Query().Get("type"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := s.db.GetVehicle(r.Context(), vehicleID); err != nil {
		respondServiceError(w, r, err)
		return
	}

	ctx, cancel := s.reportContext(r)
	defer cancel()

	rep, err := s.reports.BuildReport(ctx, report.Request{VehicleID: vehicleID, Start: from, End: to, View: view})
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondWithMeta(w, rep, &meta{Total: len(rep.Segments), QueryMs: time.Since(start).Milliseconds()})
}

func (s *Server) handleFleetSummary(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	from, to, err := parseWindow(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	vehicles, err := s.db.ListVehicles(r.Context())
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	ctx, cancel := s.reportContext(r)
	defer cancel()

	summary, err := s.reports.BuildFleetSummary(ctx, vehicles, from, to)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondWithMeta(w, summary, &meta{Total: summary.ActiveVehicles, QueryMs: time.Since(start).Milliseconds()})
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	vehicleID := mux.Vars(r)["id"]

	from, to, err := parseWindow(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := s.db.GetVehicle(r.Context(), vehicleID); err != nil {
		respondServiceError(w, r, err)
		return
	}

	ctx, cancel := s.reportContext(r)
	defer cancel()

	route, err := s.reports.BuildRoute(ctx, report.RouteRequest{VehicleID: vehicleID, Start: from, End: to})
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondWithMeta(w, route, &meta{Total: len(route.Waypoints), QueryMs: time.Since(start).Milliseconds()})
}

func (s *Server) handleLocation(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	vehicleID := mux.Vars(r)["id"]

	if _, err := s.db.GetVehicle(r.Context(), vehicleID); err != nil {
		respondServiceError(w, r, err)
		return
	}

	ctx, cancel := s.reportContext(r)
	defer cancel()

	loc, err := s.reports.CurrentLocation(ctx, vehicleID)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondWithMeta(w, loc, &meta{QueryMs: time.Since(start).Milliseconds()})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.db.GetStats(r.Context())
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, stats)
}
