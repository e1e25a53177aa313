//go:build integration
// +build integration

package client

import (
	"context"
	"testing"
	"time"

	"github.com/kjstillabower/itinerary-weather/internal/models"
)

// TestOpenMeteoClient_FetchDay_Integration calls the public forecast API for tomorrow.
func TestOpenMeteoClient_FetchDay_Integration(t *testing.T) {
	c, err := NewOpenMeteoClient(Config{Timeout: 10 * time.Second, RetryAttempts: 2}, nil, nil)
	if err != nil {
		t.Fatalf("NewOpenMeteoClient() error = %v", err)
	}
	if !NewConnectivityProbe(DefaultForecastURL, nil, 3*time.Second).Online(context.Background()) {
		t.Skip("Open-Meteo not reachable")
	}

	date := time.Now().AddDate(0, 0, 1).Format("2006-01-02")
	res, err := c.FetchDay(context.Background(), models.FetchRequest{City: "montreal", Date: date, Kind: models.FetchForecast})
	if err != nil {
		t.Fatalf("FetchDay() error = %v", err)
	}
	if _, ok := res.Day(date); !ok {
		t.Errorf("result missing %s: %+v", date, res.Time)
	}
}
