// Package itinerary loads the static trip document and checks it for updates.
package itinerary

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/kjstillabower/itinerary-weather/internal/models"
	"github.com/kjstillabower/itinerary-weather/internal/observability"
	"github.com/kjstillabower/itinerary-weather/internal/respcache"
)

var (
	ErrUnavailable     = errors.New("trip document unavailable")
	ErrInvalidDocument = errors.New("invalid trip document")
)

var validate = validator.New()

// ResponseMatcher finds a stored response for an exact URL.
type ResponseMatcher interface {
	Match(ctx context.Context, url string) (*respcache.Entry, bool)
}

// WaitingReporter reports whether a new worker version waits for activation.
type WaitingReporter interface {
	HasWaiting() bool
}

// Loader fetches the trip document from the site origin.
type Loader struct {
	docURL  string
	client  *http.Client
	offline ResponseMatcher
	worker  WaitingReporter
	logger  *zap.Logger
}

// NewLoader returns a loader for docURL sending requests through transport.
// offline and worker may be nil.
func NewLoader(docURL string, transport http.RoundTripper, offline ResponseMatcher, worker WaitingReporter, logger *zap.Logger) *Loader {
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &Loader{
		docURL:  docURL,
		client:  &http.Client{Transport: transport},
		offline: offline,
		worker:  worker,
		logger:  observability.OrNop(logger),
	}
}

// URL returns the document URL.
func (l *Loader) URL() string { return l.docURL }

// Load fetches and validates the document. When the fetch fails it falls back
// to a stored response for the same URL; if that misses too the fetch error is returned.
func (l *Loader) Load(ctx context.Context) (*models.TripDocument, error) {
	body, fetchErr := l.get(ctx, http.MethodGet, false)
	if fetchErr != nil {
		l.logger.Warn("trip document fetch failed, trying offline cache", zap.Error(fetchErr))
		var ok bool
		body, ok = l.matchOffline(ctx)
		if !ok {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, fetchErr)
		}
	}
	return Parse(body)
}

// Parse decodes and validates a trip document.
func Parse(body []byte) (*models.TripDocument, error) {
	var doc models.TripDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if err := validate.Struct(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if doc.TripInfo.TripEndDate < doc.TripInfo.TripStartDate {
		return nil, fmt.Errorf("%w: tripEndDate %s before tripStartDate %s", ErrInvalidDocument, doc.TripInfo.TripEndDate, doc.TripInfo.TripStartDate)
	}
	return &doc, nil
}

func (l *Loader) matchOffline(ctx context.Context) ([]byte, bool) {
	if l.offline == nil {
		return nil, false
	}
	e, ok := l.offline.Match(ctx, l.docURL)
	if !ok || e.Status < 200 || e.Status > 299 {
		return nil, false
	}
	return e.Body, true
}

func (l *Loader) get(ctx context.Context, method string, noCache bool) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, l.docURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if noCache {
		req.Header.Set("Cache-Control", "no-cache")
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
