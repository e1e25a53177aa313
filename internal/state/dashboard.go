package state

import (
	"fmt"
	"math"

	"github.com/kjstillabower/itinerary-weather/internal/cities"
	"github.com/kjstillabower/itinerary-weather/internal/models"
)

// Weather card states.
const (
	WeatherOK         = "ok"
	WeatherPending    = "pending"
	WeatherNoForecast = "no-forecast"
	WeatherHidden     = "hidden"
)

// Dashboard is the status card for one date.
type Dashboard struct {
	Date        string         `json:"date"`
	Ended       bool           `json:"ended"`
	Day         int            `json:"day,omitempty"`
	TotalDays   int            `json:"totalDays,omitempty"`
	Progress    string         `json:"progress"`
	Title       string         `json:"title,omitempty"`
	SubTitle    string         `json:"subTitle,omitempty"`
	CityKey     string         `json:"cityKey,omitempty"`
	CityName    string         `json:"cityName,omitempty"`
	IsTravelDay bool           `json:"isTravelDay"`
	TimeDiff    string         `json:"timeDiff,omitempty"`
	Theme       *models.Theme  `json:"theme,omitempty"`
	Weather     WeatherSummary `json:"weather"`
	Hotel       *HotelStatus   `json:"hotel,omitempty"`
}

// WeatherSummary is the weather part of the card. Temperatures are rounded
// and only set in the ok state.
type WeatherSummary struct {
	State    string `json:"state"`
	Min      *int   `json:"min,omitempty"`
	Max      *int   `json:"max,omitempty"`
	Code     *int   `json:"code,omitempty"`
	Icon     string `json:"icon,omitempty"`
	Reminder string `json:"reminder,omitempty"`
}

// HotelStatus lists the hotel events of a day. StayingAt is only set when
// there is no check-in or check-out.
type HotelStatus struct {
	CheckOut  *models.Hotel `json:"checkOut,omitempty"`
	CheckIn   *models.Hotel `json:"checkIn,omitempty"`
	StayingAt *models.Hotel `json:"stayingAt,omitempty"`
}

// BuildDashboard builds the status card for date. A date without an
// itinerary entry yields an ended card. weather may be nil while the first
// pipeline run is in progress.
func BuildDashboard(date string, trip *models.TripDocument, weather models.WeatherMap) Dashboard {
	d := Dashboard{Date: date, Progress: "-"}
	day, ok := trip.DayFor(date)
	if !ok {
		d.Ended = true
		d.Weather.State = WeatherHidden
		return d
	}

	d.Day = day.Day
	d.TotalDays = trip.TripInfo.TotalDays
	d.Progress = fmt.Sprintf("Day %d / %d", day.Day, trip.TripInfo.TotalDays)
	d.Title = day.Title
	d.SubTitle = day.SubTitle
	d.CityKey = day.WeatherCity
	d.CityName = cities.DisplayName(day.WeatherCity)
	d.IsTravelDay = day.IsTravelDay
	d.TimeDiff = timeDiff(day.WeatherCity)
	if day.Theme != nil && !day.IsTravelDay {
		d.Theme = day.Theme
	}
	d.Weather = summarize(day, weather)
	d.Hotel = hotelStatus(date, trip.Hotels)
	return d
}

func timeDiff(city string) string {
	c, ok := cities.Lookup(city)
	if !ok || c.HomeOffsetHours == 0 {
		return "In flight"
	}
	sign := ""
	if c.HomeOffsetHours > 0 {
		sign = "+"
	}
	return fmt.Sprintf("%s%d hours from home", sign, c.HomeOffsetHours)
}

func summarize(day models.Day, weather models.WeatherMap) WeatherSummary {
	if day.WeatherCity == "" {
		return WeatherSummary{State: WeatherHidden}
	}
	series := weather[day.WeatherCity]
	if series == nil {
		return WeatherSummary{State: WeatherPending}
	}
	dw, ok := series.Day(day.Date)
	if !ok {
		return WeatherSummary{State: WeatherNoForecast, Icon: "❓", Reminder: "No weather information for this day."}
	}
	if dw.TemperatureMax == nil || dw.TemperatureMin == nil {
		return WeatherSummary{State: WeatherPending}
	}
	lo := int(math.Round(*dw.TemperatureMin))
	hi := int(math.Round(*dw.TemperatureMax))
	code := -1
	if dw.WeatherCode != nil {
		code = *dw.WeatherCode
	}
	return WeatherSummary{
		State:    WeatherOK,
		Min:      &lo,
		Max:      &hi,
		Code:     dw.WeatherCode,
		Icon:     WeatherIcon(code),
		Reminder: WeatherReminder(code),
	}
}

var icons = map[int]string{
	0: "☀️", 1: "🌤️", 2: "⛅️", 3: "☁️",
	45: "🌫️", 48: "🌫️",
	51: "🌦️", 53: "🌦️", 55: "🌦️",
	61: "🌧️", 63: "🌧️", 65: "🌧️", 66: "🌧️", 67: "🌧️",
	71: "🌨️", 73: "🌨️", 75: "🌨️", 77: "🌨️",
	80: "🌧️", 81: "🌧️", 82: "⛈️",
	85: "🌨️", 86: "🌨️",
	95: "⛈️", 96: "⛈️", 99: "⛈️",
}

// WeatherIcon maps a WMO weather code to an icon.
func WeatherIcon(code int) string {
	if icon, ok := icons[code]; ok {
		return icon
	}
	return "🌡️"
}

// WeatherReminder returns a short advice line for a WMO weather code.
func WeatherReminder(code int) string {
	switch code {
	case 51, 53, 55, 61, 63, 65, 80, 81, 82, 95, 96, 99:
		return "Rain today, take an umbrella!"
	case 71, 73, 75, 77, 85, 86:
		return "Snow is possible, dress warmly!"
	case 0, 1:
		return "Clear skies, wear sunscreen!"
	case 2, 3:
		return "Cloudy, good weather for sightseeing."
	case 45, 48:
		return "Foggy, drive carefully."
	default:
		return "Have a great day!"
	}
}

func hotelStatus(date string, hotels []models.Hotel) *HotelStatus {
	var hs HotelStatus
	for i := range hotels {
		h := &hotels[i]
		if hs.CheckIn == nil && h.CheckIn == date {
			hs.CheckIn = h
		}
		if hs.CheckOut == nil && h.CheckOut == date {
			hs.CheckOut = h
		}
		if hs.StayingAt == nil && date >= h.CheckIn && date < h.CheckOut {
			hs.StayingAt = h
		}
	}
	if hs.CheckIn != nil || hs.CheckOut != nil {
		hs.StayingAt = nil
	}
	if hs.CheckIn == nil && hs.CheckOut == nil && hs.StayingAt == nil {
		return nil
	}
	return &hs
}
