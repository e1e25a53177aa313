// Package scheduler refreshes the weather map on a fixed interval.
package scheduler

import (
	"context"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"

	"github.com/kjstillabower/itinerary-weather/internal/models"
	"github.com/kjstillabower/itinerary-weather/internal/observability"
	"github.com/kjstillabower/itinerary-weather/internal/state"
)

// WeatherAcquirer runs the weather pipeline.
type WeatherAcquirer interface {
	AcquireWeather(ctx context.Context, days []models.Day) models.WeatherMap
}

// Refresher runs the pipeline for the loaded itinerary and publishes the
// result to the app state. It is the only writer of the weather map.
type Refresher struct {
	svc    WeatherAcquirer
	state  *state.AppState
	now    func() time.Time
	logger *zap.Logger
}

func NewRefresher(svc WeatherAcquirer, st *state.AppState, logger *zap.Logger) *Refresher {
	return &Refresher{svc: svc, state: st, now: time.Now, logger: observability.OrNop(logger)}
}

// Refresh returns state.ErrNoTrip until the itinerary is loaded.
func (r *Refresher) Refresh(ctx context.Context) (models.WeatherMap, error) {
	trip := r.state.Trip()
	if trip == nil {
		return nil, state.ErrNoTrip
	}
	m := r.svc.AcquireWeather(ctx, trip.Itinerary)
	r.state.SetWeather(m, r.now())
	return m, nil
}

// Scheduler runs a Refresher periodically.
type Scheduler struct {
	scheduler *gocron.Scheduler
	refresher *Refresher
	interval  time.Duration
	timeout   time.Duration
	logger    *zap.Logger
}

// New returns a scheduler; an interval of 0 disables it. timeout bounds each run.
func New(refresher *Refresher, interval, timeout time.Duration, logger *zap.Logger) *Scheduler {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Scheduler{
		scheduler: gocron.NewScheduler(time.Local),
		refresher: refresher,
		interval:  interval,
		timeout:   timeout,
		logger:    observability.OrNop(logger),
	}
}

// Start schedules the refresh job. The first run happens one interval after
// Start; the startup refresh is done by the caller.
func (s *Scheduler) Start() error {
	if s.interval <= 0 {
		s.logger.Info("scheduled weather refresh disabled")
		return nil
	}
	s.scheduler.SingletonModeAll()
	s.scheduler.WaitForScheduleAll()
	if _, err := s.scheduler.Every(s.interval).Do(s.run); err != nil {
		return err
	}
	s.scheduler.StartAsync()
	s.logger.Info("scheduled weather refresh started", zap.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	ctx = context.WithValue(ctx, "logger", s.logger.With(zap.String("job", "weather_refresh")))

	start := time.Now()
	m, err := s.refresher.Refresh(ctx)
	if err != nil {
		observability.ScheduledRefreshTotal.WithLabelValues("skipped").Inc()
		s.logger.Info("scheduled weather refresh skipped", zap.Error(err))
		return
	}
	observability.ScheduledRefreshTotal.WithLabelValues("success").Inc()
	s.logger.Debug("scheduled weather refresh done",
		zap.Int("cities", len(m)),
		zap.Duration("duration", time.Since(start)))
}

// Stop stops future runs.
func (s *Scheduler) Stop() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}
