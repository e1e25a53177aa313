package service

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/kjstillabower/itinerary-weather/internal/cache"
	"github.com/kjstillabower/itinerary-weather/internal/client"
	"github.com/kjstillabower/itinerary-weather/internal/degraded"
	"github.com/kjstillabower/itinerary-weather/internal/models"
	"github.com/kjstillabower/itinerary-weather/internal/observability"
	"github.com/kjstillabower/itinerary-weather/internal/respcache"
)

const (
	DefaultHorizonDays = 16
	DefaultFreshness   = 24 * time.Hour
	dateLayout         = "2006-01-02"
)

// ResponseMatcher looks up a stored response by exact request URL.
type ResponseMatcher interface {
	Match(ctx context.Context, url string) (*respcache.Entry, bool)
}

// Prober reports network connectivity.
type Prober interface {
	Online(ctx context.Context) bool
}

// WorkerStatus reports whether an offline-capable worker version is active.
type WorkerStatus interface {
	HasActive() bool
}

// WeatherService acquires daily weather for an itinerary, merging new dates
// into the persisted envelope. It never returns an error; callers get whatever
// subset of data is available.
type WeatherService struct {
	client      client.WeatherClient
	store       *cache.EnvelopeStore
	offline     ResponseMatcher
	probe       Prober
	worker      WorkerStatus
	now         func() time.Time
	horizonDays int
	freshness   time.Duration
	concurrency int
	logger      *zap.Logger

	flight   singleflight.Group
	overlaps *overlapTracker
}

// Option configures a WeatherService.
type Option func(*WeatherService)

// WithClock sets the time source; "today" is derived from it once per invocation.
func WithClock(now func() time.Time) Option {
	return func(s *WeatherService) { s.now = now }
}

// WithHorizon sets how many days ahead the forecast endpoint is asked for.
func WithHorizon(days int) Option {
	return func(s *WeatherService) {
		if days >= 0 {
			s.horizonDays = days
		}
	}
}

// WithFreshness sets the envelope age under which a complete cache skips fetching.
func WithFreshness(d time.Duration) Option {
	return func(s *WeatherService) {
		if d > 0 {
			s.freshness = d
		}
	}
}

// WithConcurrency bounds parallel upstream fetches. Zero means one goroutine per missing pair.
func WithConcurrency(n int) Option {
	return func(s *WeatherService) { s.concurrency = n }
}

// WithOfflineCache sets where failed fetches look for a stored response.
func WithOfflineCache(m ResponseMatcher) Option {
	return func(s *WeatherService) { s.offline = m }
}

// WithConnectivity enables the offline fast-fail: when probe reports offline
// and worker has no active version, nothing is fetched.
func WithConnectivity(probe Prober, worker WorkerStatus) Option {
	return func(s *WeatherService) {
		s.probe = probe
		s.worker = worker
	}
}

// WithLogger sets the fallback logger used when the context carries none.
func WithLogger(l *zap.Logger) Option {
	return func(s *WeatherService) { s.logger = observability.OrNop(l) }
}

// NewWeatherService returns a pipeline over c and store.
func NewWeatherService(c client.WeatherClient, store *cache.EnvelopeStore, opts ...Option) *WeatherService {
	s := &WeatherService{
		client:      c,
		store:       store,
		now:         time.Now,
		horizonDays: DefaultHorizonDays,
		freshness:   DefaultFreshness,
		logger:      zap.NewNop(),
		overlaps:    newOverlapTracker(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// loggerFromContext extracts the request-scoped logger, falling back to the service logger.
func (s *WeatherService) loggerFromContext(ctx context.Context) *zap.Logger {
	if l, ok := ctx.Value("logger").(*zap.Logger); ok && l != nil {
		return l
	}
	return s.logger
}

// Classify returns the (city, date) pairs worth fetching. Days without a city
// are skipped; dates before today go to the archive, today through today+horizonDays
// inclusive go to the forecast, anything later is dropped. Duplicates collapse.
func Classify(days []models.Day, today string, horizon string) []models.FetchRequest {
	seen := make(map[models.FetchRequest]bool)
	var out []models.FetchRequest
	for _, d := range days {
		if d.WeatherCity == "" {
			continue
		}
		var kind models.FetchKind
		switch {
		case d.Date < today:
			kind = models.FetchHistorical
		case d.Date <= horizon:
			kind = models.FetchForecast
		default:
			continue
		}
		req := models.FetchRequest{City: d.WeatherCity, Date: d.Date, Kind: kind}
		if !seen[req] {
			seen[req] = true
			out = append(out, req)
		}
	}
	return out
}

// fetchResult is one pair's outcome. ok is false when neither network nor offline cache answered.
type fetchResult struct {
	req    models.FetchRequest
	result models.DailyResult
	ok     bool
}

// AcquireWeather returns the weather map for days.
func (s *WeatherService) AcquireWeather(ctx context.Context, days []models.Day) models.WeatherMap {
	start := time.Now()
	defer func() { observability.PipelineDurationSeconds.Observe(time.Since(start).Seconds()) }()
	logger := s.loggerFromContext(ctx)

	if n := s.overlaps.Enter(cache.DefaultEnvelopeKey); n > 1 {
		observability.PipelineOverlapsTotal.Inc()
		logger.Warn("overlapping weather pipeline runs", zap.Int("running", n))
	}
	defer s.overlaps.Leave(cache.DefaultEnvelopeKey)

	now := s.now()
	today := now.Format(dateLayout)
	horizon := now.AddDate(0, 0, s.horizonDays).Format(dateLayout)

	env := s.store.Load(ctx)
	data := env.Data

	var missing []models.FetchRequest
	for _, req := range Classify(days, today, horizon) {
		if !data.Has(req.City, req.Date) {
			missing = append(missing, req)
		}
	}

	if len(missing) == 0 {
		if env.Fresh(now, s.freshness) {
			observability.PipelineRunsTotal.WithLabelValues("short_circuit").Inc()
			logger.Debug("weather cache fresh and complete", zap.Duration("age", env.Age(now)))
			return data
		}
		observability.PipelineRunsTotal.WithLabelValues("nothing_missing").Inc()
		return data
	}

	if s.probe != nil && !s.probe.Online(ctx) && (s.worker == nil || !s.worker.HasActive()) {
		observability.PipelineRunsTotal.WithLabelValues("offline_fast_fail").Inc()
		logger.Info("offline with no active worker, skipping weather fetch", zap.Int("missing", len(missing)))
		return models.WeatherMap{}
	}

	results := s.fetchAll(ctx, missing, logger)

	merged := 0
	for _, r := range results {
		if !r.ok {
			continue
		}
		day, found := r.result.Day(r.req.Date)
		if !found {
			continue
		}
		series := data[r.req.City]
		if series == nil {
			series = models.NewCitySeries()
			data[r.req.City] = series
		}
		if series.Append(day) {
			merged++
		}
	}
	observability.WeatherDatesMergedTotal.Add(float64(merged))
	observability.PipelineRunsTotal.WithLabelValues("fetched").Inc()

	if merged > 0 {
		if err := s.store.Save(ctx, data, s.now()); err != nil {
			logger.Warn("persist weather cache failed", zap.Error(err))
		}
	}
	logger.Info("weather pipeline finished",
		zap.Int("requested", len(missing)),
		zap.Int("merged", merged),
		zap.Duration("duration", time.Since(start)))
	return data
}

// fetchAll runs every request and waits for all of them. Failures never
// cancel siblings.
func (s *WeatherService) fetchAll(ctx context.Context, reqs []models.FetchRequest, logger *zap.Logger) []fetchResult {
	results := make([]fetchResult, len(reqs))
	var g errgroup.Group
	if s.concurrency > 0 {
		g.SetLimit(s.concurrency)
	}
	for i, req := range reqs {
		g.Go(func() error {
			results[i] = s.fetchOne(ctx, req, logger)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (s *WeatherService) fetchOne(ctx context.Context, req models.FetchRequest, logger *zap.Logger) fetchResult {
	kind := string(req.Kind)
	out := fetchResult{req: req}

	url, err := s.client.BuildURL(req)
	if err != nil {
		observability.WeatherFetchOutcomesTotal.WithLabelValues(kind, "unavailable").Inc()
		logger.Warn("cannot build weather request", zap.String("city", req.City), zap.String("date", req.Date), zap.Error(err))
		return out
	}

	// shared fetches must not be cut short by one caller going away
	fetchCtx := context.WithoutCancel(ctx)
	v, err, shared := s.flight.Do(url, func() (interface{}, error) {
		return s.client.Fetch(fetchCtx, req.Kind, url)
	})
	if shared {
		observability.PipelineCoalescedTotal.Inc()
	}
	if err == nil {
		degraded.RecordSuccess()
		observability.WeatherFetchOutcomesTotal.WithLabelValues(kind, "network").Inc()
		out.result, out.ok = v.(models.DailyResult), true
		return out
	}
	degraded.RecordError()

	if res, ok := s.matchOffline(ctx, url, logger); ok {
		observability.WeatherFetchOutcomesTotal.WithLabelValues(kind, "offline_fallback").Inc()
		logger.Debug("weather served from offline cache",
			zap.String("city", req.City), zap.String("date", req.Date),
			zap.String("error_category", string(client.CategorizeError(err))))
		out.result, out.ok = res, true
		return out
	}

	observability.WeatherFetchOutcomesTotal.WithLabelValues(kind, "unavailable").Inc()
	logger.Info("weather unavailable",
		zap.String("city", req.City),
		zap.String("date", req.Date),
		zap.String("error_category", string(client.CategorizeError(err))),
		zap.Error(err))
	return out
}

// matchOffline reads a stored successful response for url.
func (s *WeatherService) matchOffline(ctx context.Context, url string, logger *zap.Logger) (models.DailyResult, bool) {
	if s.offline == nil {
		return models.DailyResult{}, false
	}
	entry, ok := s.offline.Match(ctx, url)
	if !ok || entry.Status < 200 || entry.Status > 299 {
		return models.DailyResult{}, false
	}
	res, err := client.ParseDaily(entry.Body)
	if err != nil {
		logger.Debug("offline response unusable", zap.String("url", url), zap.Error(err))
		return models.DailyResult{}, false
	}
	return res, true
}

// ClearCache deletes the persisted envelope.
func (s *WeatherService) ClearCache(ctx context.Context) error {
	return s.store.Clear(ctx)
}
