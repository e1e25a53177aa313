package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/itinerary-weather/internal/respcache"
)

// Response sources, reported in the X-Worker-Source header and metrics.
const (
	SourceCache    = "cache"
	SourceNetwork  = "network"
	SourceFallback = "fallback"
)

// SourceHeader names the response header carrying the source.
const SourceHeader = "X-Worker-Source"

// maxBodyBytes bounds how much of a response body is buffered for caching.
const maxBodyBytes = 16 << 20

// Handler produces a response for a matched request.
type Handler interface {
	Handle(req *http.Request) (*http.Response, string, error)
}

// fetcher performs network requests on behalf of strategies and runs
// background cache updates that outlive the caller's request.
type fetcher struct {
	network    http.RoundTripper
	background time.Duration
	wg         *sync.WaitGroup
	logger     *zap.Logger
}

// fetchAndStore sends req, buffers the body, and stores cacheable responses in c.
func (f *fetcher) fetchAndStore(req *http.Request, c *respcache.Cache) (*http.Response, error) {
	resp, err := f.network.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))

	if c != nil && c.Policy().Cacheable(resp.StatusCode) {
		entry := respcache.Entry{URL: req.URL.String(), Status: resp.StatusCode, Header: resp.Header, Body: body}
		if err := c.Put(req.Context(), entry); err != nil && !errors.Is(err, respcache.ErrNotCacheable) {
			f.logger.Warn("cache put failed", zap.String("cache", c.Name()), zap.Error(err))
		}
	}
	return resp, nil
}

// detached clones req onto a context that survives the caller but is bounded by the background timeout.
func (f *fetcher) detached(req *http.Request) (*http.Request, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(req.Context()), f.background)
	return req.Clone(ctx), cancel
}

// goBackground runs fn tracked by the router's wait group.
func (f *fetcher) goBackground(fn func()) {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		fn()
	}()
}

func cached(req *http.Request, e *respcache.Entry) *http.Response {
	resp := e.Response(req)
	resp.Header.Set(SourceHeader, SourceCache)
	return resp
}

func tag(resp *http.Response, source string) *http.Response {
	resp.Header.Set(SourceHeader, source)
	return resp
}

// CacheFirst serves from the cache and only goes to the network on a miss.
type CacheFirst struct {
	*fetcher
	Cache *respcache.Cache
}

func (s *CacheFirst) Handle(req *http.Request) (*http.Response, string, error) {
	if e, ok := s.Cache.Match(req.Context(), req.URL.String()); ok {
		return cached(req, e), SourceCache, nil
	}
	resp, err := s.fetchAndStore(req, s.Cache)
	if err != nil {
		return nil, "", err
	}
	return tag(resp, SourceNetwork), SourceNetwork, nil
}

// StaleWhileRevalidate serves a cached copy immediately and always refreshes it in the background.
type StaleWhileRevalidate struct {
	*fetcher
	Cache *respcache.Cache
}

func (s *StaleWhileRevalidate) Handle(req *http.Request) (*http.Response, string, error) {
	e, ok := s.Cache.Match(req.Context(), req.URL.String())
	if !ok {
		resp, err := s.fetchAndStore(req, s.Cache)
		if err != nil {
			return nil, "", err
		}
		return tag(resp, SourceNetwork), SourceNetwork, nil
	}

	bg, cancel := s.detached(req)
	s.goBackground(func() {
		defer cancel()
		if _, err := s.fetchAndStore(bg, s.Cache); err != nil {
			s.logger.Debug("revalidation failed", zap.String("url", req.URL.String()), zap.Error(err))
		}
	})
	return cached(req, e), SourceCache, nil
}

// NetworkFirst prefers the network. After Timeout a cached copy is served
// while the network request keeps running and updates the cache when it lands.
// Without a cached copy it keeps waiting for the network.
type NetworkFirst struct {
	*fetcher
	Cache   *respcache.Cache
	Timeout time.Duration
}

func (s *NetworkFirst) Handle(req *http.Request) (*http.Response, string, error) {
	type result struct {
		resp *http.Response
		err  error
	}
	done := make(chan result, 1)
	bg, cancel := s.detached(req)
	s.goBackground(func() {
		defer cancel()
		resp, err := s.fetchAndStore(bg, s.Cache)
		done <- result{resp, err}
	})

	fallback := func(err error) (*http.Response, string, error) {
		if e, ok := s.Cache.Match(req.Context(), req.URL.String()); ok {
			return cached(req, e), SourceCache, nil
		}
		return nil, "", err
	}

	timer := time.NewTimer(s.Timeout)
	defer timer.Stop()
	select {
	case r := <-done:
		if r.err != nil {
			return fallback(r.err)
		}
		return tag(r.resp, SourceNetwork), SourceNetwork, nil
	case <-timer.C:
		if e, ok := s.Cache.Match(req.Context(), req.URL.String()); ok {
			return cached(req, e), SourceCache, nil
		}
	case <-req.Context().Done():
		return fallback(req.Context().Err())
	}

	select {
	case r := <-done:
		if r.err != nil {
			return nil, "", r.err
		}
		return tag(r.resp, SourceNetwork), SourceNetwork, nil
	case <-req.Context().Done():
		return nil, "", req.Context().Err()
	}
}

// NavigationFallback goes to the network and serves the active version's
// precached shell document when the network cannot be reached.
type NavigationFallback struct {
	*fetcher
	Shell func(ctx context.Context) (*respcache.Entry, bool)
}

func (s *NavigationFallback) Handle(req *http.Request) (*http.Response, string, error) {
	resp, err := s.network.RoundTrip(req)
	if err == nil {
		return tag(resp, SourceNetwork), SourceNetwork, nil
	}
	if e, ok := s.Shell(req.Context()); ok {
		resp := e.Response(req)
		resp.Header.Set(SourceHeader, SourceFallback)
		return resp, SourceFallback, nil
	}
	return nil, "", err
}

// PrecacheFirst serves URLs listed in the active manifest from the precache.
type PrecacheFirst struct {
	*fetcher
	Lookup func(ctx context.Context, rawURL string) (*respcache.Entry, bool)
}

func (s *PrecacheFirst) Handle(req *http.Request) (*http.Response, string, error) {
	if e, ok := s.Lookup(req.Context(), req.URL.String()); ok {
		return cached(req, e), SourceCache, nil
	}
	resp, err := s.network.RoundTrip(req)
	if err != nil {
		return nil, "", err
	}
	return tag(resp, SourceNetwork), SourceNetwork, nil
}
