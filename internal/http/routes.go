package http

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/itinerary-weather/internal/observability"
)

// SitePrefix is where the proxied site is mounted.
const SitePrefix = "/app"

// RouterConfig controls route registration.
type RouterConfig struct {
	RequestTimeout time.Duration
	TestingMode    bool
}

// NewRouter registers every route. site may be nil when no origin proxy is wanted.
func NewRouter(h *Handler, site http.Handler, cfg RouterConfig, limiter *rate.Limiter, logger *zap.Logger) *mux.Router {
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(observability.OrNop(logger)))
	router.Use(MetricsMiddleware)
	router.HandleFunc("/health", h.GetHealth).Methods("GET")
	router.Handle("/metrics", observability.MetricsHandler())

	api := router.PathPrefix("/api").Subrouter()
	api.Use(RateLimitMiddleware(limiter))
	if cfg.RequestTimeout > 0 {
		api.Use(TimeoutMiddleware(cfg.RequestTimeout))
	}
	api.HandleFunc("/trip", h.GetTrip).Methods("GET")
	api.HandleFunc("/weather", h.GetWeather).Methods("GET")
	api.HandleFunc("/weather/refresh", h.PostRefresh).Methods("POST")
	api.HandleFunc("/weather/cache", h.DeleteWeatherCache).Methods("DELETE")
	api.HandleFunc("/dashboard", h.GetDashboard).Methods("GET")
	api.HandleFunc("/dashboard/day/{day:[0-9]+}", h.PostSelectDay).Methods("POST")
	api.HandleFunc("/dashboard/{date}", h.GetDashboard).Methods("GET")
	api.HandleFunc("/dashboard/{direction}", h.PostNavigate).Methods("POST")
	api.HandleFunc("/updates", h.GetUpdates).Methods("GET")
	api.HandleFunc("/worker", h.GetWorker).Methods("GET")
	api.HandleFunc("/worker/message", h.PostWorkerMessage).Methods("POST")
	api.HandleFunc("/tip", h.GetTip).Methods("GET")

	if site != nil {
		router.PathPrefix(SitePrefix + "/").Handler(http.StripPrefix(SitePrefix, site))
		router.Handle(SitePrefix, http.RedirectHandler(SitePrefix+"/", http.StatusMovedPermanently))
	}

	if cfg.TestingMode {
		router.HandleFunc("/test", h.GetTestStatus).Methods("GET")
		router.HandleFunc("/test/{action}", h.PostTestAction).Methods("POST")
	}
	return router
}
