package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/kjstillabower/itinerary-weather/internal/cities"
	"github.com/kjstillabower/itinerary-weather/internal/models"
	"github.com/kjstillabower/itinerary-weather/internal/observability"
)

// DailyFields is the fixed set of daily aggregates requested per day.
const DailyFields = "weather_code,temperature_2m_max,temperature_2m_min"

const (
	DefaultForecastURL = "https://api.open-meteo.com/v1/forecast"
	DefaultArchiveURL  = "https://archive-api.open-meteo.com/v1/archive"
)

var (
	ErrUpstreamFailure = errors.New("upstream failure")
	ErrRateLimited     = errors.New("rate limited")
	ErrNotFound        = errors.New("not found")
	ErrCircuitOpen     = errors.New("circuit breaker open")
	ErrInvalidRequest  = errors.New("invalid request")
	ErrNoData          = errors.New("no daily data in response")
)

// WeatherClient fetches one day of daily aggregates.
type WeatherClient interface {
	BuildURL(req models.FetchRequest) (string, error)
	Fetch(ctx context.Context, kind models.FetchKind, rawURL string) (models.DailyResult, error)
}

// Config holds the upstream endpoints and resilience settings.
type Config struct {
	ForecastURL    string
	ArchiveURL     string
	Timeout        time.Duration
	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	// BreakerFailures consecutive failures open an endpoint's breaker for BreakerTimeout.
	BreakerFailures    uint32
	BreakerTimeout     time.Duration
	BreakerMaxRequests uint32
}

func (c Config) withDefaults() Config {
	if c.ForecastURL == "" {
		c.ForecastURL = DefaultForecastURL
	}
	if c.ArchiveURL == "" {
		c.ArchiveURL = DefaultArchiveURL
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 1
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 100 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 2 * time.Second
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = 5
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = 30 * time.Second
	}
	if c.BreakerMaxRequests == 0 {
		c.BreakerMaxRequests = 1
	}
	return c
}

// OpenMeteoClient calls the Open-Meteo forecast and archive endpoints.
type OpenMeteoClient struct {
	cfg      Config
	client   *http.Client
	breakers map[models.FetchKind]*gobreaker.CircuitBreaker
	logger   *zap.Logger
}

// NewOpenMeteoClient returns a client sending requests through transport
// (http.DefaultTransport when nil).
func NewOpenMeteoClient(cfg Config, transport http.RoundTripper, logger *zap.Logger) (*OpenMeteoClient, error) {
	cfg = cfg.withDefaults()
	for _, raw := range []string{cfg.ForecastURL, cfg.ArchiveURL} {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("%w: endpoint %q", ErrInvalidRequest, raw)
		}
	}
	if transport == nil {
		transport = http.DefaultTransport
	}
	c := &OpenMeteoClient{
		cfg:    cfg,
		client: &http.Client{Transport: transport},
		logger: observability.OrNop(logger),
	}
	c.breakers = map[models.FetchKind]*gobreaker.CircuitBreaker{
		models.FetchHistorical: c.newBreaker(EndpointName(models.FetchHistorical)),
		models.FetchForecast:   c.newBreaker(EndpointName(models.FetchForecast)),
	}
	return c, nil
}

func (c *OpenMeteoClient) newBreaker(name string) *gobreaker.CircuitBreaker {
	observability.CircuitBreakerState.WithLabelValues(name).Set(0)
	failures := c.cfg.BreakerFailures
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: c.cfg.BreakerMaxRequests,
		Timeout:     c.cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			observability.RecordCircuitBreakerTransition(name, from.String(), to.String())
			c.logger.Warn("circuit breaker state change",
				zap.String("endpoint", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
}

// EndpointName is the metric/breaker label for kind.
func EndpointName(kind models.FetchKind) string {
	if kind == models.FetchHistorical {
		return "archive"
	}
	return "forecast"
}

// BuildURL returns the exact request URL for one (city, date) pair. The same
// URL keys the offline response cache.
func (c *OpenMeteoClient) BuildURL(req models.FetchRequest) (string, error) {
	return BuildURL(c.cfg.ForecastURL, c.cfg.ArchiveURL, req)
}

// BuildURL composes a single-day daily request against the endpoint chosen by req.Kind.
func BuildURL(forecastURL, archiveURL string, req models.FetchRequest) (string, error) {
	city, ok := cities.Lookup(req.City)
	if !ok {
		return "", fmt.Errorf("%w: unknown city %q", ErrInvalidRequest, req.City)
	}
	if _, err := time.Parse("2006-01-02", req.Date); err != nil {
		return "", fmt.Errorf("%w: date %q", ErrInvalidRequest, req.Date)
	}
	base := forecastURL
	if req.Kind == models.FetchHistorical {
		base = archiveURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("%w: endpoint %q", ErrInvalidRequest, base)
	}
	params := url.Values{}
	params.Set("latitude", strconv.FormatFloat(city.Latitude, 'f', -1, 64))
	params.Set("longitude", strconv.FormatFloat(city.Longitude, 'f', -1, 64))
	params.Set("start_date", req.Date)
	params.Set("end_date", req.Date)
	params.Set("daily", DailyFields)
	params.Set("timezone", cities.TimezoneFor(req.City))
	u.RawQuery = params.Encode()
	return u.String(), nil
}

// FetchDay builds the URL for req and fetches it.
func (c *OpenMeteoClient) FetchDay(ctx context.Context, req models.FetchRequest) (models.DailyResult, error) {
	u, err := c.BuildURL(req)
	if err != nil {
		return models.DailyResult{}, err
	}
	return c.Fetch(ctx, req.Kind, u)
}

// Fetch GETs rawURL, retrying retryable failures with exponential backoff and
// jitter. Each attempt passes through the endpoint's circuit breaker.
func (c *OpenMeteoClient) Fetch(ctx context.Context, kind models.FetchKind, rawURL string) (models.DailyResult, error) {
	endpoint := EndpointName(kind)
	var lastErr error

	for attempt := 0; attempt < c.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			observability.WeatherAPIRetriesTotal.WithLabelValues(endpoint).Inc()
			timer := time.NewTimer(c.calculateBackoff(attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return models.DailyResult{}, ctx.Err()
			case <-timer.C:
			}
		}

		result, err := c.callBreaker(ctx, kind, rawURL)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !c.isRetryable(ctx, err) {
			return models.DailyResult{}, err
		}
		c.logger.Debug("retrying weather request",
			zap.String("endpoint", endpoint),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return models.DailyResult{}, fmt.Errorf("exhausted retries: %w", lastErr)
}

// callOutcome carries errors that must not count against the breaker (4xx, bad bodies).
type callOutcome struct {
	result models.DailyResult
	err    error
}

func (c *OpenMeteoClient) callBreaker(ctx context.Context, kind models.FetchKind, rawURL string) (models.DailyResult, error) {
	out, err := c.breakers[kind].Execute(func() (interface{}, error) {
		res, err := c.callAPI(ctx, kind, rawURL)
		if err != nil && tripsBreaker(err) {
			return nil, err
		}
		return callOutcome{result: res, err: err}, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		observability.WeatherAPICallsTotal.WithLabelValues(EndpointName(kind), "circuit_open").Inc()
		return models.DailyResult{}, fmt.Errorf("%w: %s: %v", ErrCircuitOpen, EndpointName(kind), err)
	}
	if err != nil {
		return models.DailyResult{}, err
	}
	o := out.(callOutcome)
	return o.result, o.err
}

func tripsBreaker(err error) bool {
	return !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrInvalidRequest) && !errors.Is(err, ErrNoData) &&
		!errors.Is(err, context.Canceled)
}

func (c *OpenMeteoClient) callAPI(ctx context.Context, kind models.FetchKind, rawURL string) (models.DailyResult, error) {
	endpoint := EndpointName(kind)
	start := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		observability.WeatherAPICallsTotal.WithLabelValues(endpoint, "error").Inc()
		return models.DailyResult{}, fmt.Errorf("%w: build request: %v", ErrInvalidRequest, err)
	}
	req.Header.Set("Accept", "application/json")
	if corrID := extractCorrelationID(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		observability.WeatherAPICallsTotal.WithLabelValues(endpoint, "error").Inc()
		observability.WeatherAPIDuration.WithLabelValues(endpoint, "error").Observe(time.Since(start).Seconds())
		if errors.Is(err, context.DeadlineExceeded) {
			return models.DailyResult{}, fmt.Errorf("request timeout: %w", err)
		}
		return models.DailyResult{}, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	status := statusLabel(resp.StatusCode)
	observability.WeatherAPICallsTotal.WithLabelValues(endpoint, status).Inc()
	observability.WeatherAPIDuration.WithLabelValues(endpoint, status).Observe(time.Since(start).Seconds())

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.DailyResult{}, fmt.Errorf("%w: read response body: %v", ErrUpstreamFailure, err)
	}
	if err := handleErrorResponse(resp.StatusCode, body); err != nil {
		return models.DailyResult{}, err
	}
	return ParseDaily(body)
}

type apiResponse struct {
	Daily  *models.DailyResult `json:"daily"`
	Error  bool                `json:"error"`
	Reason string              `json:"reason"`
}

// ParseDaily decodes the daily block of an Open-Meteo response body.
func ParseDaily(body []byte) (models.DailyResult, error) {
	var r apiResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return models.DailyResult{}, fmt.Errorf("parse response: %w", err)
	}
	if r.Error {
		return models.DailyResult{}, fmt.Errorf("%w: %s", ErrInvalidRequest, r.Reason)
	}
	if r.Daily == nil || len(r.Daily.Time) == 0 {
		return models.DailyResult{}, ErrNoData
	}
	return *r.Daily, nil
}

func handleErrorResponse(status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusNotFound:
		return ErrNotFound
	case status == http.StatusTooManyRequests:
		return ErrRateLimited
	case status == http.StatusBadRequest:
		var r apiResponse
		if json.Unmarshal(body, &r) == nil && r.Reason != "" {
			return fmt.Errorf("%w: %s", ErrInvalidRequest, r.Reason)
		}
		return fmt.Errorf("%w: HTTP %d", ErrInvalidRequest, status)
	}
	return fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, status)
}

// isRetryable reports whether another attempt may succeed. Per-attempt
// timeouts are retried; cancellation of the caller's context is not.
func (c *OpenMeteoClient) isRetryable(ctx context.Context, err error) bool {
	if err == nil || ctx.Err() != nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUpstreamFailure) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func (c *OpenMeteoClient) calculateBackoff(attempt int) time.Duration {
	delay := float64(c.cfg.RetryBaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(c.cfg.RetryMaxDelay) {
		delay = float64(c.cfg.RetryMaxDelay)
	}
	jitter := delay * 0.1 * rand.Float64()
	return time.Duration(delay + jitter)
}

func extractCorrelationID(ctx context.Context) string {
	if v, ok := ctx.Value("correlation_id").(string); ok {
		return v
	}
	return ""
}

func statusLabel(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return "success"
	case statusCode == http.StatusTooManyRequests:
		return "rate_limited"
	case statusCode >= 400 && statusCode < 500:
		return "client_error"
	case statusCode >= 500:
		return "server_error"
	}
	return "error"
}
