package lifecycle

import "sync/atomic"

var (
	shuttingDown atomic.Bool
	tripLoaded   atomic.Bool
)

// SetShuttingDown sets the shutdown flag. Call when SIGTERM/SIGINT received.
// Health handler returns 503 with status shutting-down while true.
func SetShuttingDown(v bool) {
	shuttingDown.Store(v)
}

// IsShuttingDown returns true if the process is draining and should not receive new traffic.
func IsShuttingDown() bool {
	return shuttingDown.Load()
}

// SetTripLoaded marks whether the itinerary document has been loaded.
// Until then health reports "starting" and the API answers 503.
func SetTripLoaded(v bool) {
	tripLoaded.Store(v)
}

// IsTripLoaded reports whether the itinerary document is available.
func IsTripLoaded() bool {
	return tripLoaded.Load()
}
