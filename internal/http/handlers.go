package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/itinerary-weather/internal/degraded"
	"github.com/kjstillabower/itinerary-weather/internal/itinerary"
	"github.com/kjstillabower/itinerary-weather/internal/lifecycle"
	"github.com/kjstillabower/itinerary-weather/internal/models"
	"github.com/kjstillabower/itinerary-weather/internal/observability"
	"github.com/kjstillabower/itinerary-weather/internal/state"
	"github.com/kjstillabower/itinerary-weather/internal/tip"
	"github.com/kjstillabower/itinerary-weather/internal/traffic"
	"github.com/kjstillabower/itinerary-weather/internal/validation"
	"github.com/kjstillabower/itinerary-weather/internal/worker"
)

const dateLayout = "2006-01-02"

// HealthConfig holds thresholds for the health handler.
type HealthConfig struct {
	Version          string
	DegradedWindow   time.Duration
	DegradedErrorPct int
	RateLimitRPS     int
	RateLimitBurst   int // 0 when rate limiter disabled
	// CachePing, when set, is called to check cache reachability. Used when backend is memcached.
	CachePing func() error
}

// UpdateChecker compares the local trip document against the origin.
type UpdateChecker interface {
	CheckForUpdates(ctx context.Context, localVersion string) itinerary.UpdateResult
}

// Refresher runs the weather pipeline and publishes the result.
type Refresher interface {
	Refresh(ctx context.Context) (models.WeatherMap, error)
}

// CacheClearer deletes the persisted weather map.
type CacheClearer interface {
	ClearCache(ctx context.Context) error
}

// WorkerControl exposes the worker registration.
type WorkerControl interface {
	Status() worker.Status
	HasActive() bool
	PostMessage(ctx context.Context, msg worker.Message) error
}

// Deps are the components the handlers read from and act on.
type Deps struct {
	State     *state.AppState
	Updates   UpdateChecker
	Refresher Refresher
	Cache     CacheClearer
	Worker    WorkerControl
	Now       func() time.Time
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	deps             Deps
	healthConfig     *HealthConfig
	logger           *zap.Logger
	rateLimiter      *rate.Limiter
	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler.
func NewHandler(deps Deps, healthConfig *HealthConfig, logger *zap.Logger, rateLimiter *rate.Limiter) *Handler {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.State == nil {
		deps.State = state.New()
	}
	return &Handler{
		deps:         deps,
		healthConfig: healthConfig,
		logger:       observability.OrNop(logger),
		rateLimiter:  rateLimiter,
	}
}

func (h *Handler) today() string {
	return h.deps.Now().Format(dateLayout)
}

// GetTrip handles GET /api/trip.
func (h *Handler) GetTrip(w http.ResponseWriter, r *http.Request) {
	trip := h.deps.State.Trip()
	if trip == nil {
		writeError(w, r, http.StatusServiceUnavailable, "TRIP_UNAVAILABLE", "Trip document not loaded")
		return
	}
	writeJSON(w, http.StatusOK, trip)
}

type weatherResponse struct {
	Data      models.WeatherMap `json:"data"`
	Pending   bool              `json:"pending"`
	UpdatedAt *time.Time        `json:"updatedAt,omitempty"`
}

func newWeatherResponse(snap state.Snapshot) weatherResponse {
	resp := weatherResponse{Data: snap.Weather, Pending: snap.Weather == nil}
	if resp.Data == nil {
		resp.Data = models.WeatherMap{}
	}
	if !snap.WeatherUpdatedAt.IsZero() {
		ts := snap.WeatherUpdatedAt.UTC()
		resp.UpdatedAt = &ts
	}
	return resp
}

// GetWeather handles GET /api/weather. ?city= narrows the map to one city.
func (h *Handler) GetWeather(w http.ResponseWriter, r *http.Request) {
	snap := h.deps.State.Snapshot()
	resp := newWeatherResponse(snap)
	if raw := r.URL.Query().Get("city"); raw != "" {
		city, err := validation.ValidateCityKey(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "INVALID_CITY", err.Error())
			return
		}
		filtered := models.WeatherMap{}
		if s, ok := resp.Data[city]; ok {
			filtered[city] = s
		}
		resp.Data = filtered
	}
	writeJSON(w, http.StatusOK, resp)
}

// PostRefresh handles POST /api/weather/refresh (pull-to-refresh).
func (h *Handler) PostRefresh(w http.ResponseWriter, r *http.Request) {
	if _, err := h.deps.Refresher.Refresh(r.Context()); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newWeatherResponse(h.deps.State.Snapshot()))
}

// DeleteWeatherCache handles DELETE /api/weather/cache: drops the persisted
// map and rebuilds it from scratch.
func (h *Handler) DeleteWeatherCache(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Cache.ClearCache(r.Context()); err != nil {
		writeError(w, r, http.StatusInternalServerError, "CACHE_CLEAR_FAILED", "Unable to clear weather cache")
		loggerFrom(r, h.logger).Warn("clear weather cache failed", zap.Error(err))
		return
	}
	h.deps.State.SetWeather(nil, time.Time{})
	if _, err := h.deps.Refresher.Refresh(r.Context()); err != nil && !errors.Is(err, state.ErrNoTrip) {
		loggerFrom(r, h.logger).Warn("refresh after cache clear failed", zap.Error(err))
	}
	writeJSON(w, http.StatusOK, newWeatherResponse(h.deps.State.Snapshot()))
}

type dashboardResponse struct {
	state.Dashboard
	DisplayDate string `json:"displayDate"`
	Moved       *bool  `json:"moved,omitempty"`
}

// GetDashboard handles GET /api/dashboard and GET /api/dashboard/{date}.
func (h *Handler) GetDashboard(w http.ResponseWriter, r *http.Request) {
	snap := h.deps.State.Snapshot()
	if snap.Trip == nil {
		writeError(w, r, http.StatusServiceUnavailable, "TRIP_UNAVAILABLE", "Trip document not loaded")
		return
	}
	date := snap.DisplayDate
	if raw, ok := mux.Vars(r)["date"]; ok {
		d, err := validation.ValidateDate(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "INVALID_DATE", err.Error())
			return
		}
		date = d
	}
	writeJSON(w, http.StatusOK, dashboardResponse{
		Dashboard:   state.BuildDashboard(date, snap.Trip, snap.Weather),
		DisplayDate: snap.DisplayDate,
	})
}

// PostNavigate handles POST /api/dashboard/{direction}. A move past either
// end of the trip leaves the date unchanged and reports moved=false.
func (h *Handler) PostNavigate(w http.ResponseWriter, r *http.Request) {
	dir, err := validation.ValidateDirection(mux.Vars(r)["direction"])
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_DIRECTION", err.Error())
		return
	}
	_, err = h.deps.State.Navigate(dir, h.today())
	h.writeNavigation(w, r, err)
}

// PostSelectDay handles POST /api/dashboard/day/{day}.
func (h *Handler) PostSelectDay(w http.ResponseWriter, r *http.Request) {
	day, err := strconv.Atoi(mux.Vars(r)["day"])
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_DAY", "day must be a number")
		return
	}
	_, err = h.deps.State.SelectDay(day)
	if errors.Is(err, state.ErrUnknownDay) {
		writeError(w, r, http.StatusNotFound, "UNKNOWN_DAY", err.Error())
		return
	}
	h.writeNavigation(w, r, err)
}

func (h *Handler) writeNavigation(w http.ResponseWriter, r *http.Request, err error) {
	moved := true
	switch {
	case errors.Is(err, state.ErrNoTrip):
		writeError(w, r, http.StatusServiceUnavailable, "TRIP_UNAVAILABLE", "Trip document not loaded")
		return
	case errors.Is(err, state.ErrOutOfRange):
		moved = false
	case err != nil:
		writeError(w, r, http.StatusInternalServerError, "NAVIGATION_FAILED", err.Error())
		return
	}
	snap := h.deps.State.Snapshot()
	writeJSON(w, http.StatusOK, dashboardResponse{
		Dashboard:   state.BuildDashboard(snap.DisplayDate, snap.Trip, snap.Weather),
		DisplayDate: snap.DisplayDate,
		Moved:       &moved,
	})
}

// GetUpdates handles GET /api/updates.
func (h *Handler) GetUpdates(w http.ResponseWriter, r *http.Request) {
	local := ""
	if trip := h.deps.State.Trip(); trip != nil {
		local = trip.TripInfo.DataVersion
	}
	res := h.deps.Updates.CheckForUpdates(r.Context(), local)
	if res.Status == itinerary.StatusError {
		loggerFrom(r, h.logger).Info("update check failed", zap.String("error", res.Error))
	}
	writeJSON(w, http.StatusOK, res)
}

// GetWorker handles GET /api/worker.
func (h *Handler) GetWorker(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Worker.Status())
}

// PostWorkerMessage handles POST /api/worker/message.
func (h *Handler) PostWorkerMessage(w http.ResponseWriter, r *http.Request) {
	var msg worker.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_MESSAGE", "body must be a JSON message")
		return
	}
	err := h.deps.Worker.PostMessage(r.Context(), msg)
	switch {
	case errors.Is(err, worker.ErrUnknownMessage):
		writeError(w, r, http.StatusBadRequest, "UNKNOWN_MESSAGE", err.Error())
	case errors.Is(err, worker.ErrNoWaiting):
		writeError(w, r, http.StatusConflict, "NO_WAITING_WORKER", err.Error())
	case err != nil:
		writeError(w, r, http.StatusInternalServerError, "WORKER_ERROR", err.Error())
	default:
		writeJSON(w, http.StatusOK, h.deps.Worker.Status())
	}
}

// GetTip handles GET /api/tip?bill=&rate=.
func (h *Handler) GetTip(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("bill") == "" {
		writeError(w, r, http.StatusBadRequest, "INVALID_AMOUNT", "bill is required")
		return
	}
	bill, err := validation.ParseAmount(q.Get("bill"), 0)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_AMOUNT", err.Error())
		return
	}
	pct, err := validation.ParseAmount(q.Get("rate"), tip.DefaultRate)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_AMOUNT", err.Error())
		return
	}
	res, err := tip.Calculate(bill, pct)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_AMOUNT", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus()

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	checks := make(map[string]string)
	if result.status == "degraded" {
		checks["weatherApi"] = "unhealthy"
	} else {
		checks["weatherApi"] = "healthy"
	}
	if h.deps.Worker != nil {
		if h.deps.Worker.HasActive() {
			checks["worker"] = "active"
		} else {
			checks["worker"] = "none"
		}
	}
	version := "dev"
	if h.healthConfig != nil {
		if h.healthConfig.CachePing != nil {
			if h.healthConfig.CachePing() == nil {
				checks["cache"] = "healthy"
			} else {
				checks["cache"] = "unhealthy"
			}
		}
		if h.healthConfig.Version != "" {
			version = h.healthConfig.Version
		}
	}
	writeJSON(w, result.statusCode, map[string]interface{}{
		"status":    result.status,
		"service":   "itinerary-weather",
		"version":   version,
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// computeHealthStatus evaluates conditions in priority order:
// shutting-down > starting > degraded > healthy.
func (h *Handler) computeHealthStatus() healthResult {
	if lifecycle.IsShuttingDown() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal"}
	}
	if !lifecycle.IsTripLoaded() {
		return healthResult{"starting", http.StatusServiceUnavailable, "trip_not_loaded"}
	}
	// Upstream failures degrade the service but it keeps answering from the
	// offline cache, so degraded stays 200.
	if h.healthConfig != nil && degraded.IsDegraded(h.healthConfig.DegradedWindow, h.healthConfig.DegradedErrorPct) {
		return healthResult{"degraded", http.StatusOK, "error_rate_breach"}
	}
	return healthResult{"healthy", http.StatusOK, ""}
}

// writeJSON writes a JSON response with the specified HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an error response in the standard error format with code, message,
// and requestId (correlation ID) if available in request context.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	corrID := ""
	if v, ok := r.Context().Value("correlation_id").(string); ok {
		corrID = v
	}
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": corrID,
		},
	})
}

// writeServiceError maps refresh failures: no trip yet is 503 TRIP_UNAVAILABLE,
// anything else 503 UPSTREAM_UNAVAILABLE.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, state.ErrNoTrip) {
		writeError(w, r, http.StatusServiceUnavailable, "TRIP_UNAVAILABLE", "Trip document not loaded")
		return
	}
	writeError(w, r, http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", "Unable to fetch weather data")
	if logger, ok := r.Context().Value("logger").(*zap.Logger); ok && logger != nil {
		logger.Debug("upstream error", zap.Error(err))
	}
}

func loggerFrom(r *http.Request, fallback *zap.Logger) *zap.Logger {
	if l, ok := r.Context().Value("logger").(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// GetTestStatus handles GET /test. Returns the tracked traffic counters.
func (h *Handler) GetTestStatus(w http.ResponseWriter, r *http.Request) {
	window := 60 * time.Second
	if h.healthConfig != nil && h.healthConfig.DegradedWindow > 0 {
		window = h.healthConfig.DegradedWindow
	}
	errs, total := degraded.ErrorRate(window)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"upstream_fetches_in_window": total,
		"upstream_errors_in_window":  errs,
		"denied_requests_in_window":  traffic.DenialCount(window),
		"window_length":              window.String(),
		"state":                      h.computeHealthStatus().status,
	})
}

// PostTestAction handles POST /test/{action} for error, success, reset and shutdown.
func (h *Handler) PostTestAction(w http.ResponseWriter, r *http.Request) {
	action := mux.Vars(r)["action"]
	var body struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Count <= 0 {
		body.Count = 1
	}
	switch action {
	case "error":
		for i := 0; i < body.Count; i++ {
			degraded.RecordError()
		}
	case "success":
		for i := 0; i < body.Count; i++ {
			degraded.RecordSuccess()
		}
	case "reset":
		degraded.Reset()
		lifecycle.SetShuttingDown(false)
	case "shutdown":
		lifecycle.SetShuttingDown(true)
	default:
		writeError(w, r, http.StatusNotFound, "UNKNOWN_ACTION", "unknown test action: "+action)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":     true,
		"action": action,
		"count":  body.Count,
		"state":  h.computeHealthStatus().status,
	})
}
