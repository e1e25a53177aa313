package validation

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/kjstillabower/itinerary-weather/internal/cities"
)

// ErrDateInvalid is returned when a date is not a calendar date in YYYY-MM-DD form.
var ErrDateInvalid = errors.New("date must be YYYY-MM-DD")

// ErrCityUnknown is returned for a city key missing from the coordinate table.
var ErrCityUnknown = errors.New("unknown city")

// ErrDirectionInvalid is returned for a navigation direction other than next, prev or today.
var ErrDirectionInvalid = errors.New("direction must be next, prev or today")

// ErrAmountInvalid is returned when a bill or rate is not a non-negative number.
var ErrAmountInvalid = errors.New("amount must be a non-negative number")

// ValidateDate trims the input and checks it parses as an ISO calendar date.
// Returns the trimmed string.
func ValidateDate(input string) (string, error) {
	s := strings.TrimSpace(input)
	if len(s) != len("2006-01-02") {
		return "", ErrDateInvalid
	}
	if _, err := time.Parse("2006-01-02", s); err != nil {
		return "", ErrDateInvalid
	}
	return s, nil
}

// ValidateCityKey returns the normalized key of a known city.
func ValidateCityKey(input string) (string, error) {
	c, ok := cities.Lookup(input)
	if !ok {
		return "", ErrCityUnknown
	}
	return c.Key, nil
}

// ValidateDirection normalizes a navigation direction.
func ValidateDirection(input string) (string, error) {
	s := strings.ToLower(strings.TrimSpace(input))
	switch s {
	case "next", "prev", "today":
		return s, nil
	}
	return "", ErrDirectionInvalid
}

// ParseAmount parses a money or percentage value. Empty input yields def.
func ParseAmount(input string, def float64) (float64, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 || v != v {
		return 0, ErrAmountInvalid
	}
	return v, nil
}
