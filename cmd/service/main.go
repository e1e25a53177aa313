package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/itinerary-weather/internal/cache"
	"github.com/kjstillabower/itinerary-weather/internal/client"
	"github.com/kjstillabower/itinerary-weather/internal/config"
	httphandler "github.com/kjstillabower/itinerary-weather/internal/http"
	"github.com/kjstillabower/itinerary-weather/internal/itinerary"
	"github.com/kjstillabower/itinerary-weather/internal/lifecycle"
	"github.com/kjstillabower/itinerary-weather/internal/observability"
	"github.com/kjstillabower/itinerary-weather/internal/respcache"
	"github.com/kjstillabower/itinerary-weather/internal/scheduler"
	"github.com/kjstillabower/itinerary-weather/internal/service"
	"github.com/kjstillabower/itinerary-weather/internal/state"
	"github.com/kjstillabower/itinerary-weather/internal/worker"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	logger, err := observability.NewLogger(os.Getenv("LOG_LEVEL"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = observability.Flush(logger) }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}
	startCtx, startCancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer startCancel()

	var backend cache.Cache
	var memcacheCloser *cache.MemcachedCache
	switch cfg.CacheBackend {
	case "memcached":
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
		if err != nil {
			logger.Fatal("memcached cache", zap.Error(err))
		}
		memcacheCloser = mc
		backend = mc
		logger.Info("cache backend: memcached", zap.String("addrs", cfg.MemcachedAddrs))
	default:
		backend = cache.NewInMemoryCache()
		logger.Info("cache backend: in_memory")
	}
	envelopes := cache.NewEnvelopeStore(backend, cfg.CacheKey, logger)

	var storageOpts []respcache.Option
	var sqliteStore *respcache.SQLiteStore
	if cfg.OfflineCachePath != "" {
		sqliteStore, err = respcache.OpenSQLite(cfg.OfflineCachePath)
		if err != nil {
			logger.Fatal("offline cache", zap.Error(err))
		}
		storageOpts = append(storageOpts, respcache.WithPersister(sqliteStore))
		logger.Info("offline cache: sqlite", zap.String("path", cfg.OfflineCachePath))
	}
	storage := respcache.NewStorage(logger, storageOpts...)

	precache, err := worker.NewPrecache(startCtx, storage, cfg.SiteOrigin, http.DefaultTransport, logger)
	if err != nil {
		logger.Fatal("precache", zap.Error(err))
	}
	reg := worker.NewRegistration(precache, cfg.WorkerSkipWaiting, logger)
	if err := reg.Install(startCtx, &worker.Version{ID: cfg.WorkerVersion, Manifest: precacheManifest(cfg.Manifest)}); err != nil {
		// Without an active version navigations simply go to the network.
		logger.Warn("worker install failed; continuing online only", zap.Error(err))
	}
	workerRouter, err := worker.NewRouter(startCtx, worker.Config{
		StaticOrigins:     cfg.StaticOrigins,
		ArchiveOrigin:     cfg.ArchiveURL,
		ForecastOrigin:    cfg.ForecastURL,
		NetworkTimeout:    cfg.WorkerNetworkTimeout,
		BackgroundTimeout: cfg.WorkerBackgroundTimeout,
	}, storage, reg, http.DefaultTransport, logger)
	if err != nil {
		logger.Fatal("worker router", zap.Error(err))
	}

	weatherClient, err := client.NewOpenMeteoClient(client.Config{
		ForecastURL:     cfg.ForecastURL,
		ArchiveURL:      cfg.ArchiveURL,
		Timeout:         cfg.WeatherAPITimeout,
		RetryAttempts:   cfg.RetryAttempts,
		RetryBaseDelay:  cfg.RetryBaseDelay,
		RetryMaxDelay:   cfg.RetryMaxDelay,
		BreakerFailures: uint32(cfg.BreakerFailures),
		BreakerTimeout:  cfg.BreakerTimeout,
	}, workerRouter, logger)
	if err != nil {
		logger.Fatal("weather client", zap.Error(err))
	}

	svcOpts := []service.Option{
		service.WithHorizon(cfg.ForecastHorizonDays),
		service.WithFreshness(cfg.Freshness),
		service.WithConcurrency(cfg.PipelineConcurrency),
		service.WithOfflineCache(workerRouter),
		service.WithLogger(logger),
	}
	if cfg.ConnectivityProbe {
		// The probe goes straight to the network; the router would answer from cache.
		probe := client.NewConnectivityProbe(cfg.ForecastURL, http.DefaultTransport, cfg.ProbeTimeout)
		svcOpts = append(svcOpts, service.WithConnectivity(probe, reg))
	}
	weatherService := service.NewWeatherService(weatherClient, envelopes, svcOpts...)

	appState := state.New()
	loader := itinerary.NewLoader(cfg.TripDocumentURL(), workerRouter, workerRouter, reg, logger)
	trip, err := loader.Load(startCtx)
	if err != nil {
		logger.Error("trip document unavailable; serving without itinerary", zap.String("url", loader.URL()), zap.Error(err))
	} else {
		appState.SetTrip(trip, time.Now().Format("2006-01-02"))
		lifecycle.SetTripLoaded(true)
		logger.Info("trip loaded", zap.String("start", trip.TripInfo.TripStartDate), zap.Int("days", len(trip.Itinerary)), zap.String("data_version", trip.TripInfo.DataVersion))
	}

	refresher := scheduler.NewRefresher(weatherService, appState, logger)
	if trip != nil {
		refreshCtx, refreshCancel := context.WithTimeout(startCtx, cfg.RefreshTimeout)
		m, _ := refresher.Refresh(refreshCtx)
		refreshCancel()
		logger.Info("initial weather acquired", zap.Int("cities", len(m)))
	}
	sched := scheduler.New(refresher, cfg.RefreshInterval, cfg.RefreshTimeout, logger)
	if err := sched.Start(); err != nil {
		logger.Fatal("scheduler", zap.Error(err))
	}

	healthConfig := &httphandler.HealthConfig{
		Version:          version,
		DegradedWindow:   cfg.DegradedWindow,
		DegradedErrorPct: cfg.DegradedErrorPct,
		RateLimitRPS:     cfg.RateLimitRPS,
		RateLimitBurst:   cfg.RateLimitBurst,
	}
	if memcacheCloser != nil {
		healthConfig.CachePing = memcacheCloser.Ping
	}
	observability.RegisterTrafficGauges(cfg.DegradedWindow)

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	handler := httphandler.NewHandler(httphandler.Deps{
		State:     appState,
		Updates:   loader,
		Refresher: refresher,
		Cache:     weatherService,
		Worker:    reg,
	}, healthConfig, logger, limiter)

	site, err := httphandler.NewSiteProxy(cfg.SiteOrigin, workerRouter, logger)
	if err != nil {
		logger.Fatal("site proxy", zap.Error(err))
	}
	if cfg.TestingMode {
		logger.Warn("Testing mode enabled; /test endpoint exposed")
	}
	router := httphandler.NewRouter(handler, site, httphandler.RouterConfig{
		RequestTimeout: cfg.RequestTimeout,
		TestingMode:    cfg.TestingMode,
	}, limiter, logger)

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", ":"+cfg.ServerPort), zap.String("version", version))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	lifecycle.SetShuttingDown(true)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	logger.Info("waiting for in-flight requests", zap.Int64("count", httphandler.InFlightCount()))
	if err := httphandler.WaitForInFlight(shutdownCtx, 50*time.Millisecond); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
	}
	sched.Stop()
	if err := workerRouter.Wait(shutdownCtx); err != nil {
		logger.Warn("background cache updates not completed", zap.Error(err))
	}

	if sqliteStore != nil {
		if err := sqliteStore.Close(); err != nil {
			logger.Error("offline cache close", zap.Error(err))
		}
	}
	if memcacheCloser != nil {
		if err := memcacheCloser.Close(); err != nil {
			logger.Error("memcached close", zap.Error(err))
		}
	}
	logger.Info("shutdown complete")
}

// precacheManifest converts configured entries, dropping blank URLs.
func precacheManifest(entries []config.ManifestEntry) []worker.PrecacheEntry {
	out := make([]worker.PrecacheEntry, 0, len(entries))
	for _, e := range entries {
		if strings.TrimSpace(e.URL) == "" {
			continue
		}
		out = append(out, worker.PrecacheEntry{URL: strings.TrimSpace(e.URL), Revision: e.Revision})
	}
	return out
}
