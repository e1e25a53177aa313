// Package state holds the application state shared by the API handlers and
// the refresh job: the trip document, the weather map and the display date.
package state

import (
	"errors"
	"sync"
	"time"

	"github.com/kjstillabower/itinerary-weather/internal/models"
)

const dateLayout = "2006-01-02"

// Navigation directions.
const (
	DirectionNext  = "next"
	DirectionPrev  = "prev"
	DirectionToday = "today"
)

var (
	ErrNoTrip           = errors.New("trip document not loaded")
	ErrInvalidDirection = errors.New("invalid direction")
	ErrOutOfRange       = errors.New("date outside the trip")
	ErrUnknownDay       = errors.New("no itinerary entry for day")
)

// Snapshot is a consistent copy of the state.
type Snapshot struct {
	Trip             *models.TripDocument
	Weather          models.WeatherMap
	DisplayDate      string
	WeatherUpdatedAt time.Time
}

// AppState is the single application state object. Each field has one
// writer: the trip is set by the loader, the weather map by the pipeline and
// the refresh job, the display date by navigation.
type AppState struct {
	mu               sync.RWMutex
	trip             *models.TripDocument
	weather          models.WeatherMap
	weatherUpdatedAt time.Time
	displayDate      string
}

func New() *AppState {
	return &AppState{}
}

// SetTrip stores the loaded document and resets the display date for today.
func (s *AppState) SetTrip(trip *models.TripDocument, today string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trip = trip
	s.displayDate = InitialDisplayDate(today, trip)
}

// SetWeather replaces the weather map. The map is cloned so later merges by
// the caller do not race with readers. A nil map marks the weather pending again.
func (s *AppState) SetWeather(m models.WeatherMap, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.weather = nil
	if m != nil {
		s.weather = m.Clone()
	}
	s.weatherUpdatedAt = at
}

// Trip returns the loaded document or nil.
func (s *AppState) Trip() *models.TripDocument {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.trip
}

// Snapshot returns a copy of the state. Weather is nil until the first pipeline run.
func (s *AppState) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{Trip: s.trip, DisplayDate: s.displayDate, WeatherUpdatedAt: s.weatherUpdatedAt}
	if s.weather != nil {
		snap.Weather = s.weather.Clone()
	}
	return snap
}

// Navigate moves the display date one day. next stops at the last itinerary
// date, prev at the trip start date; a blocked move leaves the date unchanged
// and returns it with ErrOutOfRange. today jumps as ShowToday does.
func (s *AppState) Navigate(direction, today string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.trip == nil {
		return "", ErrNoTrip
	}
	switch direction {
	case DirectionToday:
		s.displayDate = todayOrStart(today, s.trip)
		return s.displayDate, nil
	case DirectionNext, DirectionPrev:
	default:
		return s.displayDate, ErrInvalidDirection
	}

	cur, err := time.Parse(dateLayout, s.displayDate)
	if err != nil {
		return s.displayDate, err
	}
	if direction == DirectionNext {
		next := cur.AddDate(0, 0, 1).Format(dateLayout)
		if next > s.trip.LastDate() {
			return s.displayDate, ErrOutOfRange
		}
		s.displayDate = next
	} else {
		prev := cur.AddDate(0, 0, -1).Format(dateLayout)
		if prev < s.trip.TripInfo.TripStartDate {
			return s.displayDate, ErrOutOfRange
		}
		s.displayDate = prev
	}
	return s.displayDate, nil
}

// ShowToday sets the display date to today while the trip is running,
// otherwise to the trip start date.
func (s *AppState) ShowToday(today string) (string, error) {
	return s.Navigate(DirectionToday, today)
}

// SelectDay sets the display date to the itinerary entry with the given day number.
func (s *AppState) SelectDay(day int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.trip == nil {
		return "", ErrNoTrip
	}
	if day < 1 || day > len(s.trip.Itinerary) {
		return s.displayDate, ErrUnknownDay
	}
	s.displayDate = s.trip.Itinerary[day-1].Date
	return s.displayDate, nil
}

// InitialDisplayDate picks the date shown at startup. During the trip it is
// today when today has an itinerary entry, the last itinerary date when today
// is past it, and the trip start otherwise. After the trip it is the last
// itinerary date; before the trip it is the start date.
func InitialDisplayDate(today string, trip *models.TripDocument) string {
	if trip == nil {
		return ""
	}
	info := trip.TripInfo
	last := trip.LastDate()
	switch {
	case today >= info.TripStartDate && today <= info.TripEndDate:
		if _, ok := trip.DayFor(today); ok {
			return today
		}
		if last != "" && today > last {
			return last
		}
	case today > info.TripEndDate:
		if last != "" {
			return last
		}
	}
	return info.TripStartDate
}

// todayOrStart treats the trip end date as exclusive, as the today button always has.
func todayOrStart(today string, trip *models.TripDocument) string {
	if today >= trip.TripInfo.TripStartDate && today < trip.TripInfo.TripEndDate {
		return today
	}
	return trip.TripInfo.TripStartDate
}
