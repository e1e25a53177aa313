package cities

import "strings"

// AutoTimezone asks the upstream API to resolve the timezone from coordinates.
const AutoTimezone = "auto"

// City describes one itinerary stop.
type City struct {
	Key             string
	DisplayName     string
	Latitude        float64
	Longitude       float64
	Timezone        string
	HomeOffsetHours int // clock difference against the traveller's home zone (UTC+8)
}

var table = map[string]City{
	"montreal": {Key: "montreal", DisplayName: "蒙特婁", Latitude: 45.5017, Longitude: -73.5673, Timezone: "America/Montreal", HomeOffsetHours: -12},
	"quebec":   {Key: "quebec", DisplayName: "魁北克市", Latitude: 46.8139, Longitude: -71.2082, Timezone: "America/Montreal", HomeOffsetHours: -12},
	"niagara":  {Key: "niagara", DisplayName: "尼加拉瀑布", Latitude: 43.0962, Longitude: -79.0377, Timezone: "America/Toronto", HomeOffsetHours: -12},
	"chicago":  {Key: "chicago", DisplayName: "芝加哥", Latitude: 41.8781, Longitude: -87.6298, Timezone: "America/Chicago", HomeOffsetHours: -13},
}

// InTransitName is shown for days without a city (flights).
const InTransitName = "In transit"

// Lookup returns the city for key. Keys are case-insensitive.
func Lookup(key string) (City, bool) {
	c, ok := table[normalize(key)]
	return c, ok
}

// TimezoneFor returns the IANA zone for key, or AutoTimezone when unmapped.
func TimezoneFor(key string) string {
	if c, ok := Lookup(key); ok && c.Timezone != "" {
		return c.Timezone
	}
	return AutoTimezone
}

// DisplayName returns the human name for key, InTransitName for "" or unknown keys.
func DisplayName(key string) string {
	if c, ok := Lookup(key); ok {
		return c.DisplayName
	}
	return InTransitName
}

// Keys returns every known city key.
func Keys() []string {
	out := make([]string, 0, len(table))
	for k := range table {
		out = append(out, k)
	}
	return out
}

func normalize(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}
