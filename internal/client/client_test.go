package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kjstillabower/itinerary-weather/internal/models"
)

const dailyBody = `{"latitude":45.5,"daily":{"time":["2025-01-01"],"temperature_2m_max":[-2.5],"temperature_2m_min":[-9.1],"weather_code":[71]}}`

func newTestClient(t *testing.T, srv *httptest.Server, cfg Config) *OpenMeteoClient {
	t.Helper()
	cfg.ForecastURL = srv.URL + "/v1/forecast"
	cfg.ArchiveURL = srv.URL + "/v1/archive"
	if cfg.RetryBaseDelay == 0 {
		cfg.RetryBaseDelay = time.Millisecond
	}
	c, err := NewOpenMeteoClient(cfg, nil, nil)
	if err != nil {
		t.Fatalf("NewOpenMeteoClient() error = %v", err)
	}
	return c
}

func TestNewOpenMeteoClient_InvalidEndpoint(t *testing.T) {
	_, err := NewOpenMeteoClient(Config{ForecastURL: "not a url"}, nil, nil)
	if !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("NewOpenMeteoClient() error = %v, want ErrInvalidRequest", err)
	}
}

// TestBuildURL verifies the endpoint choice and the exact single-day query.
func TestBuildURL(t *testing.T) {
	tests := []struct {
		name     string
		req      models.FetchRequest
		wantPath string
		wantTZ   string
		wantErr  bool
	}{
		{"forecast montreal", models.FetchRequest{City: "montreal", Date: "2025-01-01", Kind: models.FetchForecast}, "/v1/forecast", "America/Montreal", false},
		{"archive chicago", models.FetchRequest{City: "chicago", Date: "2024-12-31", Kind: models.FetchHistorical}, "/v1/archive", "America/Chicago", false},
		{"unknown city", models.FetchRequest{City: "atlantis", Date: "2025-01-01", Kind: models.FetchForecast}, "", "", true},
		{"bad date", models.FetchRequest{City: "quebec", Date: "01/01/2025", Kind: models.FetchForecast}, "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := BuildURL("https://api.example/v1/forecast", "https://archive.example/v1/archive", tt.req)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidRequest) {
					t.Fatalf("BuildURL() error = %v, want ErrInvalidRequest", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("BuildURL() error = %v", err)
			}
			u, _ := url.Parse(got)
			if u.Path != tt.wantPath {
				t.Errorf("path = %q, want %q", u.Path, tt.wantPath)
			}
			q := u.Query()
			if q.Get("start_date") != tt.req.Date || q.Get("end_date") != tt.req.Date {
				t.Errorf("dates = %q..%q", q.Get("start_date"), q.Get("end_date"))
			}
			if q.Get("daily") != DailyFields {
				t.Errorf("daily = %q", q.Get("daily"))
			}
			if q.Get("timezone") != tt.wantTZ {
				t.Errorf("timezone = %q, want %q", q.Get("timezone"), tt.wantTZ)
			}
			if q.Get("latitude") == "" || q.Get("longitude") == "" {
				t.Error("coordinates missing")
			}
		})
	}
}

func TestBuildURL_Deterministic(t *testing.T) {
	req := models.FetchRequest{City: "niagara", Date: "2025-07-01", Kind: models.FetchForecast}
	a, _ := BuildURL(DefaultForecastURL, DefaultArchiveURL, req)
	b, _ := BuildURL(DefaultForecastURL, DefaultArchiveURL, req)
	if a != b {
		t.Errorf("BuildURL not deterministic: %q != %q", a, b)
	}
}

func TestFetchDay_Success(t *testing.T) {
	var gotCorr string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCorr = r.Header.Get("X-Correlation-ID")
		if r.URL.Path != "/v1/archive" {
			t.Errorf("path = %q, want archive", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(dailyBody))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, Config{})
	ctx := context.WithValue(context.Background(), "correlation_id", "corr-1")
	res, err := c.FetchDay(ctx, models.FetchRequest{City: "montreal", Date: "2025-01-01", Kind: models.FetchHistorical})
	if err != nil {
		t.Fatalf("FetchDay() error = %v", err)
	}
	day, ok := res.Day("2025-01-01")
	if !ok || *day.TemperatureMax != -2.5 || *day.WeatherCode != 71 {
		t.Errorf("FetchDay() day = %+v, %v", day, ok)
	}
	if gotCorr != "corr-1" {
		t.Errorf("X-Correlation-ID = %q", gotCorr)
	}
}

// TestFetch_ErrorMapping verifies status codes map to sentinel errors and which are retried.
func TestFetch_ErrorMapping(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantErr   error
		wantCalls int32
	}{
		{"server error retried", http.StatusServiceUnavailable, "", ErrUpstreamFailure, 3},
		{"rate limited retried", http.StatusTooManyRequests, "", ErrRateLimited, 3},
		{"not found not retried", http.StatusNotFound, "", ErrNotFound, 1},
		{"bad request with reason", http.StatusBadRequest, `{"error":true,"reason":"start_date out of range"}`, ErrInvalidRequest, 1},
		{"empty daily", http.StatusOK, `{"daily":{"time":[]}}`, ErrNoData, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&calls, 1)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := newTestClient(t, srv, Config{RetryAttempts: 3, BreakerFailures: 100})
			_, err := c.FetchDay(context.Background(), models.FetchRequest{City: "quebec", Date: "2025-01-01", Kind: models.FetchForecast})
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
			if got := atomic.LoadInt32(&calls); got != tt.wantCalls {
				t.Errorf("calls = %d, want %d", got, tt.wantCalls)
			}
		})
	}
}

func TestFetch_RetryThenSuccess(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(dailyBody))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, Config{RetryAttempts: 3})
	if _, err := c.FetchDay(context.Background(), models.FetchRequest{City: "montreal", Date: "2025-01-01", Kind: models.FetchForecast}); err != nil {
		t.Fatalf("FetchDay() error = %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

// TestFetch_CircuitBreakerOpens verifies that consecutive failures open the
// endpoint's breaker and that the other endpoint is unaffected.
func TestFetch_CircuitBreakerOpens(t *testing.T) {
	var forecastCalls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/forecast" {
			atomic.AddInt32(&forecastCalls, 1)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(dailyBody))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, Config{RetryAttempts: 1, BreakerFailures: 2, BreakerTimeout: time.Minute})
	req := models.FetchRequest{City: "montreal", Date: "2025-01-01", Kind: models.FetchForecast}
	for i := 0; i < 2; i++ {
		if _, err := c.FetchDay(context.Background(), req); !errors.Is(err, ErrUpstreamFailure) {
			t.Fatalf("call %d error = %v", i, err)
		}
	}
	_, err := c.FetchDay(context.Background(), req)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("error after trip = %v, want ErrCircuitOpen", err)
	}
	if forecastCalls != 2 {
		t.Errorf("forecast calls = %d, want 2", forecastCalls)
	}

	req.Kind = models.FetchHistorical
	if _, err := c.FetchDay(context.Background(), req); err != nil {
		t.Errorf("archive FetchDay() error = %v", err)
	}
}

func TestFetch_NotFoundDoesNotTripBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(t, srv, Config{RetryAttempts: 1, BreakerFailures: 1})
	req := models.FetchRequest{City: "montreal", Date: "2025-01-01", Kind: models.FetchForecast}
	for i := 0; i < 3; i++ {
		if _, err := c.FetchDay(context.Background(), req); !errors.Is(err, ErrNotFound) {
			t.Fatalf("call %d error = %v, want ErrNotFound", i, err)
		}
	}
}

func TestFetch_ContextCanceledDuringBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(t, srv, Config{RetryAttempts: 5, RetryBaseDelay: time.Second, BreakerFailures: 100})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.FetchDay(ctx, models.FetchRequest{City: "montreal", Date: "2025-01-01", Kind: models.FetchForecast})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want context.DeadlineExceeded", err)
	}
}

func TestParseDaily(t *testing.T) {
	if _, err := ParseDaily([]byte("{")); err == nil {
		t.Error("ParseDaily(bad json) error = nil")
	}
	if _, err := ParseDaily([]byte(`{"hourly":{}}`)); !errors.Is(err, ErrNoData) {
		t.Errorf("ParseDaily(no daily) error = %v", err)
	}
	res, err := ParseDaily([]byte(dailyBody))
	if err != nil || len(res.Time) != 1 {
		t.Errorf("ParseDaily() = %+v, %v", res, err)
	}
}

func TestConnectivityProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("method = %s, want HEAD", r.Method)
		}
		w.WriteHeader(http.StatusMethodNotAllowed)
	}))
	p := NewConnectivityProbe(srv.URL, nil, time.Second)
	if !p.Online(context.Background()) {
		t.Error("Online() = false with server up")
	}
	srv.Close()
	if p.Online(context.Background()) {
		t.Error("Online() = true with server down")
	}
}
