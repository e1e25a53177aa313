package models

import "time"

// EnvelopeVersion is the schema version written into every WeatherEnvelope.
// Envelopes carrying any other version are discarded on load.
const EnvelopeVersion = 2

// CitySeries holds one city's daily aggregates as four parallel sequences.
// Time[i] identifies the i-th entry; a date appears at most once.
type CitySeries struct {
	Time           []string   `json:"time"`
	TemperatureMax []*float64 `json:"temperature_2m_max"`
	TemperatureMin []*float64 `json:"temperature_2m_min"`
	WeatherCode    []*int     `json:"weather_code"`
}

// DayWeather is a single entry of a CitySeries.
type DayWeather struct {
	Date           string   `json:"date"`
	TemperatureMax *float64 `json:"temperatureMax"`
	TemperatureMin *float64 `json:"temperatureMin"`
	WeatherCode    *int     `json:"weatherCode"`
}

// NewCitySeries returns an empty series.
func NewCitySeries() *CitySeries {
	return &CitySeries{
		Time:           []string{},
		TemperatureMax: []*float64{},
		TemperatureMin: []*float64{},
		WeatherCode:    []*int{},
	}
}

// Index returns the position of date in the series or -1.
func (s *CitySeries) Index(date string) int {
	if s == nil {
		return -1
	}
	for i, t := range s.Time {
		if t == date {
			return i
		}
	}
	return -1
}

// Contains reports whether date is present.
func (s *CitySeries) Contains(date string) bool {
	return s.Index(date) >= 0
}

// Append adds one day unless the date is already present. Reports whether it was added.
func (s *CitySeries) Append(d DayWeather) bool {
	if s.Contains(d.Date) {
		return false
	}
	s.Time = append(s.Time, d.Date)
	s.TemperatureMax = append(s.TemperatureMax, d.TemperatureMax)
	s.TemperatureMin = append(s.TemperatureMin, d.TemperatureMin)
	s.WeatherCode = append(s.WeatherCode, d.WeatherCode)
	return true
}

// Aligned reports whether the four sequences have equal length. Append on a
// misaligned series would pair values with the wrong dates.
func (s *CitySeries) Aligned() bool {
	if s == nil {
		return false
	}
	n := len(s.Time)
	return len(s.TemperatureMax) == n && len(s.TemperatureMin) == n && len(s.WeatherCode) == n
}

// Day returns the entry for date. Parallel sequences shorter than Time (a
// hand-edited or truncated record) yield nil values rather than a panic.
func (s *CitySeries) Day(date string) (DayWeather, bool) {
	i := s.Index(date)
	if i < 0 {
		return DayWeather{}, false
	}
	d := DayWeather{Date: date}
	if i < len(s.TemperatureMax) {
		d.TemperatureMax = s.TemperatureMax[i]
	}
	if i < len(s.TemperatureMin) {
		d.TemperatureMin = s.TemperatureMin[i]
	}
	if i < len(s.WeatherCode) {
		d.WeatherCode = s.WeatherCode[i]
	}
	return d, true
}

func (s *CitySeries) clone() *CitySeries {
	if s == nil {
		return nil
	}
	return &CitySeries{
		Time:           append([]string{}, s.Time...),
		TemperatureMax: append([]*float64{}, s.TemperatureMax...),
		TemperatureMin: append([]*float64{}, s.TemperatureMin...),
		WeatherCode:    append([]*int{}, s.WeatherCode...),
	}
}

// WeatherMap maps a city key to its series.
type WeatherMap map[string]*CitySeries

// Clone returns a copy whose series can be appended to without touching m.
func (m WeatherMap) Clone() WeatherMap {
	out := make(WeatherMap, len(m))
	for k, v := range m {
		out[k] = v.clone()
	}
	return out
}

// Aligned reports whether every series is non-nil and aligned.
func (m WeatherMap) Aligned() bool {
	for _, s := range m {
		if !s.Aligned() {
			return false
		}
	}
	return true
}

// Has reports whether city has an entry for date.
func (m WeatherMap) Has(city, date string) bool {
	return m[city].Contains(date)
}

// WeatherEnvelope is the persisted weather cache record.
type WeatherEnvelope struct {
	Version   int        `json:"version"`
	Data      WeatherMap `json:"data"`
	Timestamp time.Time  `json:"timestamp"`
}

// Age returns how long ago the envelope was written. A zero timestamp is infinitely old.
func (e WeatherEnvelope) Age(now time.Time) time.Duration {
	if e.Timestamp.IsZero() {
		return time.Duration(1<<63 - 1)
	}
	return now.Sub(e.Timestamp)
}

// Fresh reports whether the envelope was written less than window ago.
func (e WeatherEnvelope) Fresh(now time.Time, window time.Duration) bool {
	return e.Age(now) < window
}

// DailyResult is the "daily" block of an Open-Meteo response.
type DailyResult struct {
	Time           []string   `json:"time"`
	TemperatureMax []*float64 `json:"temperature_2m_max"`
	TemperatureMin []*float64 `json:"temperature_2m_min"`
	WeatherCode    []*int     `json:"weather_code"`
}

// Day extracts the entry for date from the result.
func (r DailyResult) Day(date string) (DayWeather, bool) {
	s := CitySeries(r)
	return s.Day(date)
}
