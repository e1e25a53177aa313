package models

// TripDocument is the static itinerary resource served by the site origin.
type TripDocument struct {
	TripInfo  TripInfo `json:"tripInfo" validate:"required"`
	Itinerary []Day    `json:"itinerary" validate:"required,min=1,dive"`
	Hotels    []Hotel  `json:"hotels,omitempty" validate:"omitempty,dive"`
}

type TripInfo struct {
	TripStartDate string `json:"tripStartDate" validate:"required,datetime=2006-01-02"`
	TripEndDate   string `json:"tripEndDate" validate:"required,datetime=2006-01-02"`
	TotalDays     int    `json:"totalDays" validate:"gte=1"`
	DataVersion   string `json:"dataVersion,omitempty"`
}

type Day struct {
	Day         int    `json:"day"`
	Date        string `json:"date" validate:"required,datetime=2006-01-02"`
	WeatherCity string `json:"weatherCity,omitempty"`
	Title       string `json:"title,omitempty"`
	SubTitle    string `json:"subTitle,omitempty"`
	IsTravelDay bool   `json:"isTravelDay,omitempty"`
	Theme       *Theme `json:"theme,omitempty"`
}

type Theme struct {
	Icon        string `json:"icon"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

type Hotel struct {
	Name         string `json:"name" validate:"required"`
	CheckIn      string `json:"checkIn" validate:"required,datetime=2006-01-02"`
	CheckOut     string `json:"checkOut" validate:"required,datetime=2006-01-02"`
	CheckInTime  string `json:"checkInTime,omitempty"`
	CheckOutTime string `json:"checkOutTime,omitempty"`
	MapLink      string `json:"mapLink,omitempty"`
}

// LastDate returns the date of the final itinerary entry, or "" for an empty itinerary.
func (d *TripDocument) LastDate() string {
	if d == nil || len(d.Itinerary) == 0 {
		return ""
	}
	return d.Itinerary[len(d.Itinerary)-1].Date
}

// DayFor returns the itinerary entry for date.
func (d *TripDocument) DayFor(date string) (Day, bool) {
	if d == nil {
		return Day{}, false
	}
	for _, day := range d.Itinerary {
		if day.Date == date {
			return day, true
		}
	}
	return Day{}, false
}

// FetchKind classifies a (city, date) pair by upstream endpoint.
type FetchKind string

const (
	FetchHistorical FetchKind = "historical"
	FetchForecast   FetchKind = "forecast"
)

// FetchRequest is one (city, date) pair the pipeline needs data for.
type FetchRequest struct {
	City string
	Date string
	Kind FetchKind
}
