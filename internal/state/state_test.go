package state

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kjstillabower/itinerary-weather/internal/models"
)

// trip runs 2025-07-01..2025-07-05 with itinerary entries up to 07-04.
func trip() *models.TripDocument {
	return &models.TripDocument{
		TripInfo: models.TripInfo{TripStartDate: "2025-07-01", TripEndDate: "2025-07-05", TotalDays: 5},
		Itinerary: []models.Day{
			{Day: 1, Date: "2025-07-01", WeatherCity: "montreal"},
			{Day: 2, Date: "2025-07-02", WeatherCity: "quebec"},
			{Day: 4, Date: "2025-07-04", WeatherCity: "chicago"},
		},
	}
}

func TestInitialDisplayDate(t *testing.T) {
	tests := []struct {
		name  string
		today string
		want  string
	}{
		{"before trip", "2025-06-20", "2025-07-01"},
		{"first day", "2025-07-01", "2025-07-01"},
		{"during trip with entry", "2025-07-02", "2025-07-02"},
		{"during trip gap before last", "2025-07-03", "2025-07-01"},
		{"during trip past last entry", "2025-07-05", "2025-07-04"},
		{"after trip", "2025-08-01", "2025-07-04"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := InitialDisplayDate(tt.today, trip()); got != tt.want {
				t.Errorf("InitialDisplayDate(%s) = %s, want %s", tt.today, got, tt.want)
			}
		})
	}
	if got := InitialDisplayDate("2025-07-01", nil); got != "" {
		t.Errorf("InitialDisplayDate(nil trip) = %q", got)
	}
}

func TestNavigate_Bounds(t *testing.T) {
	s := New()
	if _, err := s.Navigate(DirectionNext, "2025-07-01"); !errors.Is(err, ErrNoTrip) {
		t.Fatalf("Navigate() without trip error = %v, want ErrNoTrip", err)
	}
	s.SetTrip(trip(), "2025-06-01")

	if got, err := s.Navigate(DirectionPrev, ""); !errors.Is(err, ErrOutOfRange) || got != "2025-07-01" {
		t.Errorf("prev at start = %s, %v", got, err)
	}
	want := []string{"2025-07-02", "2025-07-03", "2025-07-04"}
	for _, w := range want {
		got, err := s.Navigate(DirectionNext, "")
		if err != nil || got != w {
			t.Fatalf("next = %s, %v; want %s", got, err, w)
		}
	}
	if got, err := s.Navigate(DirectionNext, ""); !errors.Is(err, ErrOutOfRange) || got != "2025-07-04" {
		t.Errorf("next past last date = %s, %v", got, err)
	}
	if got, _ := s.Navigate(DirectionPrev, ""); got != "2025-07-03" {
		t.Errorf("prev = %s, want 2025-07-03", got)
	}
	if _, err := s.Navigate("sideways", ""); !errors.Is(err, ErrInvalidDirection) {
		t.Errorf("Navigate(sideways) error = %v", err)
	}
}

func TestShowToday(t *testing.T) {
	tests := []struct {
		today string
		want  string
	}{
		{"2025-07-03", "2025-07-03"},
		{"2025-07-05", "2025-07-01"}, // end date is exclusive
		{"2025-06-01", "2025-07-01"},
	}
	for _, tt := range tests {
		s := New()
		s.SetTrip(trip(), "2025-07-01")
		if got, err := s.ShowToday(tt.today); err != nil || got != tt.want {
			t.Errorf("ShowToday(%s) = %s, %v; want %s", tt.today, got, err, tt.want)
		}
	}
}

func TestSelectDay(t *testing.T) {
	s := New()
	s.SetTrip(trip(), "2025-07-01")
	if got, err := s.SelectDay(3); err != nil || got != "2025-07-04" {
		t.Errorf("SelectDay(3) = %s, %v", got, err)
	}
	if _, err := s.SelectDay(9); !errors.Is(err, ErrUnknownDay) {
		t.Errorf("SelectDay(9) error = %v", err)
	}
}

func TestSnapshot_IsolatedFromWriter(t *testing.T) {
	s := New()
	if s.Snapshot().Weather != nil {
		t.Error("weather should be nil before the first run")
	}
	m := models.WeatherMap{"montreal": models.NewCitySeries()}
	m["montreal"].Append(models.DayWeather{Date: "2025-07-01"})
	at := time.Date(2025, 7, 1, 8, 0, 0, 0, time.UTC)
	s.SetWeather(m, at)

	m["montreal"].Append(models.DayWeather{Date: "2025-07-02"})
	snap := s.Snapshot()
	if snap.Weather.Has("montreal", "2025-07-02") {
		t.Error("state shares the writer's series")
	}
	snap.Weather["montreal"].Append(models.DayWeather{Date: "2025-07-03"})
	if s.Snapshot().Weather.Has("montreal", "2025-07-03") {
		t.Error("snapshot shares the state's series")
	}
	if !snap.WeatherUpdatedAt.Equal(at) {
		t.Errorf("WeatherUpdatedAt = %v", snap.WeatherUpdatedAt)
	}
}

func TestAppState_ConcurrentAccess(t *testing.T) {
	s := New()
	s.SetTrip(trip(), "2025-07-01")
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(3)
		go func() { defer wg.Done(); s.SetWeather(models.WeatherMap{}, time.Now()) }()
		go func() { defer wg.Done(); _, _ = s.Navigate(DirectionNext, "") }()
		go func() { defer wg.Done(); _ = s.Snapshot() }()
	}
	wg.Wait()
}
