package degraded

import (
	"time"

	"github.com/kjstillabower/itinerary-weather/internal/traffic"
)

// RecordSuccess records a weather fetch answered by the network.
func RecordSuccess() {
	traffic.Record(traffic.Success)
}

// RecordError records a weather fetch that failed at the transport layer,
// whether or not the offline cache then answered it.
func RecordError() {
	traffic.Record(traffic.Failure)
}

// ErrorRate returns (errorCount, totalCount) within the window.
func ErrorRate(window time.Duration) (errors, total int) {
	return traffic.ErrorRate(window)
}

// IsDegraded reports whether the upstream error percentage within window reaches errorPct.
// A window with no fetches is never degraded.
func IsDegraded(window time.Duration, errorPct int) bool {
	if window <= 0 || errorPct <= 0 {
		return false
	}
	errors, total := ErrorRate(window)
	if total == 0 {
		return false
	}
	return float64(errors)*100/float64(total) >= float64(errorPct)
}

// Reset clears all recorded data. For tests only.
func Reset() {
	traffic.Reset()
}
