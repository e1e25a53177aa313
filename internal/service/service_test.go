package service

import (
	"context"
	"fmt"
	"net/url"
	"reflect"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kjstillabower/itinerary-weather/internal/cache"
	"github.com/kjstillabower/itinerary-weather/internal/client"
	"github.com/kjstillabower/itinerary-weather/internal/models"
	"github.com/kjstillabower/itinerary-weather/internal/respcache"
)

const (
	testForecastURL = "https://forecast.test/v1/forecast"
	testArchiveURL  = "https://archive.test/v1/archive"
)

var testNow = time.Date(2025, 1, 5, 10, 30, 0, 0, time.Local)

type fakeClient struct {
	mu    sync.Mutex
	calls map[models.FetchKind]int
	urls  []string
	fail  map[string]bool // by date
	empty bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{calls: map[models.FetchKind]int{}, fail: map[string]bool{}}
}

func (f *fakeClient) BuildURL(req models.FetchRequest) (string, error) {
	return client.BuildURL(testForecastURL, testArchiveURL, req)
}

func (f *fakeClient) Fetch(ctx context.Context, kind models.FetchKind, rawURL string) (models.DailyResult, error) {
	u, _ := url.Parse(rawURL)
	date := u.Query().Get("start_date")

	f.mu.Lock()
	f.calls[kind]++
	f.urls = append(f.urls, rawURL)
	fail := f.fail[date]
	f.mu.Unlock()

	if fail {
		return models.DailyResult{}, fmt.Errorf("http request failed: %w", client.ErrUpstreamFailure)
	}
	if f.empty {
		return models.DailyResult{Time: []string{}}, nil
	}
	return dailyFor(date), nil
}

func (f *fakeClient) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[models.FetchHistorical] + f.calls[models.FetchForecast]
}

func dailyFor(date string) models.DailyResult {
	max, min, code := 4.0, -3.0, 2
	return models.DailyResult{
		Time:           []string{date},
		TemperatureMax: []*float64{&max},
		TemperatureMin: []*float64{&min},
		WeatherCode:    []*int{&code},
	}
}

type fakeProbe struct{ online bool }

func (p fakeProbe) Online(ctx context.Context) bool { return p.online }

type fakeWorker struct{ active bool }

func (w fakeWorker) HasActive() bool { return w.active }

func newStore() *cache.EnvelopeStore {
	return cache.NewEnvelopeStore(cache.NewInMemoryCache(), "", nil)
}

func newService(fc *fakeClient, store *cache.EnvelopeStore, opts ...Option) *WeatherService {
	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	return NewWeatherService(fc, store, opts...)
}

func itinerary(pairs ...string) []models.Day {
	var days []models.Day
	for i := 0; i+1 < len(pairs); i += 2 {
		days = append(days, models.Day{Day: i/2 + 1, Date: pairs[i], WeatherCity: pairs[i+1]})
	}
	return days
}

// TestClassify_Boundaries verifies endpoint choice around today and the forecast horizon.
func TestClassify_Boundaries(t *testing.T) {
	today, horizon := "2025-01-05", "2025-01-21"
	tests := []struct {
		name     string
		date     string
		wantKind models.FetchKind
		wantSkip bool
	}{
		{"yesterday is historical", "2025-01-04", models.FetchHistorical, false},
		{"today is forecast", "2025-01-05", models.FetchForecast, false},
		{"horizon day is forecast", "2025-01-21", models.FetchForecast, false},
		{"day after horizon dropped", "2025-01-22", "", true},
		{"far past is historical", "2024-06-01", models.FetchHistorical, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(itinerary(tt.date, "montreal"), today, horizon)
			if tt.wantSkip {
				if len(got) != 0 {
					t.Errorf("Classify() = %v, want none", got)
				}
				return
			}
			if len(got) != 1 || got[0].Kind != tt.wantKind {
				t.Errorf("Classify() = %v, want kind %s", got, tt.wantKind)
			}
		})
	}
}

func TestClassify_SkipsCitylessAndDuplicates(t *testing.T) {
	days := itinerary("2025-01-06", "", "2025-01-06", "quebec", "2025-01-06", "quebec")
	got := Classify(days, "2025-01-05", "2025-01-21")
	want := []models.FetchRequest{{City: "quebec", Date: "2025-01-06", Kind: models.FetchForecast}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Classify() = %v, want %v", got, want)
	}
}

func TestAcquireWeather_NoCityDays_NoRequests(t *testing.T) {
	fc := newFakeClient()
	got := newService(fc, newStore()).AcquireWeather(context.Background(), itinerary("2025-01-05", "", "2025-01-06", ""))
	if fc.total() != 0 {
		t.Errorf("requests = %d, want 0", fc.total())
	}
	if len(got) != 0 {
		t.Errorf("AcquireWeather() = %v, want empty", got)
	}
}

// TestAcquireWeather_HorizonThroughPipeline verifies day 16 is fetched from the forecast
// endpoint, day 17 is not fetched, yesterday uses the archive.
func TestAcquireWeather_HorizonThroughPipeline(t *testing.T) {
	fc := newFakeClient()
	days := itinerary("2025-01-04", "montreal", "2025-01-05", "montreal", "2025-01-21", "chicago", "2025-01-22", "chicago")
	got := newService(fc, newStore()).AcquireWeather(context.Background(), days)

	if fc.calls[models.FetchHistorical] != 1 || fc.calls[models.FetchForecast] != 2 {
		t.Errorf("calls = %v, want 1 historical, 2 forecast", fc.calls)
	}
	if !got.Has("chicago", "2025-01-21") || got.Has("chicago", "2025-01-22") {
		t.Errorf("chicago = %v", got["chicago"].Time)
	}
}

// TestAcquireWeather_EmptyCache_PersistsFresh covers the single-day archive scenario.
func TestAcquireWeather_EmptyCache_PersistsFresh(t *testing.T) {
	fc := newFakeClient()
	store := newStore()
	got := newService(fc, store).AcquireWeather(context.Background(), itinerary("2025-01-01", "montreal"))

	if !reflect.DeepEqual(got["montreal"].Time, []string{"2025-01-01"}) {
		t.Fatalf("montreal.time = %v", got["montreal"].Time)
	}
	if fc.calls[models.FetchHistorical] != 1 {
		t.Errorf("historical calls = %d, want 1", fc.calls[models.FetchHistorical])
	}
	env := store.Load(context.Background())
	if !env.Timestamp.Equal(testNow) {
		t.Errorf("persisted timestamp = %v, want %v", env.Timestamp, testNow)
	}
	if !env.Data.Has("montreal", "2025-01-01") {
		t.Errorf("persisted data = %v", env.Data)
	}
}

// TestAcquireWeather_FreshCompleteCache_NoRequests verifies the 24h short-circuit
// returns the stored map unchanged.
func TestAcquireWeather_FreshCompleteCache_NoRequests(t *testing.T) {
	ctx := context.Background()
	store := newStore()
	stored := models.WeatherMap{"montreal": models.NewCitySeries()}
	d := dailyFor("2025-01-06")
	day, _ := d.Day("2025-01-06")
	stored["montreal"].Append(day)
	if err := store.Save(ctx, stored, testNow.Add(-time.Hour)); err != nil {
		t.Fatal(err)
	}

	fc := newFakeClient()
	got := newService(fc, store).AcquireWeather(ctx, itinerary("2025-01-06", "montreal"))
	if fc.total() != 0 {
		t.Errorf("requests = %d, want 0", fc.total())
	}
	if !reflect.DeepEqual(got, stored) {
		t.Errorf("AcquireWeather() = %+v, want stored map", got)
	}
	if env := store.Load(ctx); !env.Timestamp.Equal(testNow.Add(-time.Hour)) {
		t.Errorf("timestamp rewritten to %v", env.Timestamp)
	}
}

// TestAcquireWeather_StaleCacheStillFetchesMissing verifies freshness never
// blocks fetching genuinely missing dates, and a stale complete cache triggers no fetch.
func TestAcquireWeather_StaleCacheStillFetchesMissing(t *testing.T) {
	ctx := context.Background()
	store := newStore()
	stored := models.WeatherMap{"quebec": models.NewCitySeries()}
	stored["quebec"].Append(models.DayWeather{Date: "2025-01-06"})
	_ = store.Save(ctx, stored, testNow.Add(-2*time.Hour))

	fc := newFakeClient()
	got := newService(fc, store).AcquireWeather(ctx, itinerary("2025-01-06", "quebec", "2025-01-07", "quebec"))
	if fc.total() != 1 {
		t.Errorf("requests = %d, want 1 (only the missing date)", fc.total())
	}
	if !reflect.DeepEqual(got["quebec"].Time, []string{"2025-01-06", "2025-01-07"}) {
		t.Errorf("quebec.time = %v", got["quebec"].Time)
	}

	_ = store.Save(ctx, got, testNow.Add(-48*time.Hour))
	fc2 := newFakeClient()
	newService(fc2, store).AcquireWeather(ctx, itinerary("2025-01-06", "quebec", "2025-01-07", "quebec"))
	if fc2.total() != 0 {
		t.Errorf("stale but complete cache issued %d requests", fc2.total())
	}
}

// TestAcquireWeather_PartialFailure verifies a transport failure with no offline
// hit drops only that date.
func TestAcquireWeather_PartialFailure(t *testing.T) {
	fc := newFakeClient()
	fc.fail["2025-01-07"] = true
	got := newService(fc, newStore()).AcquireWeather(context.Background(),
		itinerary("2025-01-06", "niagara", "2025-01-07", "niagara"))

	if !reflect.DeepEqual(got["niagara"].Time, []string{"2025-01-06"}) {
		t.Errorf("niagara.time = %v, want only the successful date", got["niagara"].Time)
	}
}

// TestAcquireWeather_OfflineFallback verifies a failed fetch is answered from a
// stored response with the identical URL.
func TestAcquireWeather_OfflineFallback(t *testing.T) {
	ctx := context.Background()
	fc := newFakeClient()
	fc.fail["2025-01-06"] = true

	storage := respcache.NewStorage(nil)
	rc, _ := storage.Open(ctx, "forecast-weather-cache", respcache.Policy{})
	u, _ := fc.BuildURL(models.FetchRequest{City: "chicago", Date: "2025-01-06", Kind: models.FetchForecast})
	body := `{"daily":{"time":["2025-01-06"],"temperature_2m_max":[1.5],"temperature_2m_min":[-4],"weather_code":[3]}}`
	_ = rc.Put(ctx, respcache.Entry{URL: u, Status: 200, Body: []byte(body)})

	got := newService(fc, newStore(), WithOfflineCache(storage)).AcquireWeather(ctx, itinerary("2025-01-06", "chicago"))
	day, ok := got["chicago"].Day("2025-01-06")
	if !ok || day.WeatherCode == nil || *day.WeatherCode != 3 {
		t.Errorf("chicago day = %+v, %v", day, ok)
	}
}

func TestAcquireWeather_NothingMerged_DoesNotPersist(t *testing.T) {
	ctx := context.Background()
	store := newStore()
	fc := newFakeClient()
	fc.empty = true
	newService(fc, store).AcquireWeather(ctx, itinerary("2025-01-06", "montreal"))

	if fc.total() != 1 {
		t.Fatalf("requests = %d, want 1", fc.total())
	}
	if env := store.Load(ctx); !env.Timestamp.IsZero() {
		t.Errorf("envelope persisted with no new dates: %v", env.Timestamp)
	}
}

// TestAcquireWeather_OfflineFastFail verifies no requests are issued when offline
// without an active worker, and that an active worker disables the fast-fail.
func TestAcquireWeather_OfflineFastFail(t *testing.T) {
	tests := []struct {
		name         string
		online       bool
		worker       bool
		wantRequests int
	}{
		{"offline without worker", false, false, 0},
		{"offline with worker", false, true, 1},
		{"online", true, false, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, logs := observer.New(zap.InfoLevel)
			fc := newFakeClient()
			svc := newService(fc, newStore(),
				WithConnectivity(fakeProbe{online: tt.online}, fakeWorker{active: tt.worker}),
				WithLogger(zap.New(core)))
			got := svc.AcquireWeather(context.Background(), itinerary("2025-01-06", "montreal"))

			if fc.total() != tt.wantRequests {
				t.Errorf("requests = %d, want %d", fc.total(), tt.wantRequests)
			}
			if tt.wantRequests == 0 {
				if len(got) != 0 {
					t.Errorf("AcquireWeather() = %v, want empty", got)
				}
				if logs.FilterMessage("offline with no active worker, skipping weather fetch").Len() != 1 {
					t.Error("fast-fail not logged")
				}
			}
		})
	}
}

func TestAcquireWeather_BoundedConcurrency(t *testing.T) {
	fc := newFakeClient()
	days := itinerary("2025-01-06", "montreal", "2025-01-07", "montreal", "2025-01-08", "quebec", "2025-01-09", "chicago")
	got := newService(fc, newStore(), WithConcurrency(1)).AcquireWeather(context.Background(), days)
	if fc.total() != 4 {
		t.Errorf("requests = %d, want 4", fc.total())
	}
	if len(got["montreal"].Time) != 2 || len(got["quebec"].Time) != 1 || len(got["chicago"].Time) != 1 {
		t.Errorf("AcquireWeather() = %+v", got)
	}
}

func TestAcquireWeather_UnknownCityUnavailable(t *testing.T) {
	fc := newFakeClient()
	got := newService(fc, newStore()).AcquireWeather(context.Background(), itinerary("2025-01-06", "atlantis", "2025-01-06", "montreal"))
	if fc.total() != 1 {
		t.Errorf("requests = %d, want 1", fc.total())
	}
	if _, ok := got["atlantis"]; ok {
		t.Error("unknown city produced a series")
	}
}

func TestAcquireWeather_CustomHorizonAndFreshness(t *testing.T) {
	fc := newFakeClient()
	newService(fc, newStore(), WithHorizon(2), WithFreshness(time.Hour)).
		AcquireWeather(context.Background(), itinerary("2025-01-07", "montreal", "2025-01-08", "montreal"))
	if fc.total() != 1 {
		t.Errorf("requests = %d, want 1 with a 2-day horizon", fc.total())
	}
}

func TestClearCache(t *testing.T) {
	ctx := context.Background()
	store := newStore()
	svc := newService(newFakeClient(), store)
	svc.AcquireWeather(ctx, itinerary("2025-01-06", "montreal"))

	if err := svc.ClearCache(ctx); err != nil {
		t.Fatalf("ClearCache() error = %v", err)
	}
	if env := store.Load(ctx); len(env.Data) != 0 {
		t.Errorf("data after clear = %v", env.Data)
	}
}
