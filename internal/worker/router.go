// Package worker intercepts outbound requests and answers them from per-route
// caches, the way a browser service worker does for the trip page.
package worker

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/itinerary-weather/internal/observability"
	"github.com/kjstillabower/itinerary-weather/internal/respcache"
)

// Runtime cache names.
const (
	StaticAssetsCache      = "static-assets-cache"
	HistoricalWeatherCache = "historical-weather-cache"
	ForecastWeatherCache   = "forecast-weather-cache"
	ImageCache             = "image-cache"
)

// Route names used in metrics.
const (
	RoutePrecache   = "precache"
	RouteStatic     = "static-assets"
	RouteHistorical = "historical-weather"
	RouteForecast   = "forecast-weather"
	RouteImage      = "image"
	RouteNavigation = "navigation"
	RouteNone       = "none"
)

// DefaultStaticOrigins serve fonts and the CSS framework.
var DefaultStaticOrigins = []string{
	"https://fonts.googleapis.com",
	"https://fonts.gstatic.com",
	"https://cdn.tailwindcss.com",
}

var imageExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true,
	".webp": true, ".svg": true, ".ico": true, ".avif": true,
}

// Config selects origins and timeouts for the router.
type Config struct {
	StaticOrigins  []string
	ArchiveOrigin  string
	ForecastOrigin string
	// NetworkTimeout is how long the forecast route waits before serving a cached copy.
	NetworkTimeout time.Duration
	// BackgroundTimeout bounds fetches that continue after the caller got its response.
	BackgroundTimeout time.Duration
}

// Route pairs a predicate with a handler.
type Route struct {
	Name    string
	Match   func(req *http.Request) bool
	Handler Handler
}

// Router is an http.RoundTripper applying the first matching route to each GET request.
type Router struct {
	routes  []Route
	network http.RoundTripper
	storage *respcache.Storage
	reg     *Registration
	wg      sync.WaitGroup
	logger  *zap.Logger
}

// NewRouter opens the runtime caches in storage and builds the route table.
func NewRouter(ctx context.Context, cfg Config, storage *respcache.Storage, reg *Registration, network http.RoundTripper, logger *zap.Logger) (*Router, error) {
	if network == nil {
		network = http.DefaultTransport
	}
	if len(cfg.StaticOrigins) == 0 {
		cfg.StaticOrigins = DefaultStaticOrigins
	}
	if cfg.NetworkTimeout <= 0 {
		cfg.NetworkTimeout = 3 * time.Second
	}
	if cfg.BackgroundTimeout <= 0 {
		cfg.BackgroundTimeout = 30 * time.Second
	}
	archive, err := originOf(cfg.ArchiveOrigin)
	if err != nil {
		return nil, err
	}
	forecast, err := originOf(cfg.ForecastOrigin)
	if err != nil {
		return nil, err
	}
	static := make(map[string]bool, len(cfg.StaticOrigins))
	for _, o := range cfg.StaticOrigins {
		so, err := originOf(o)
		if err != nil {
			return nil, err
		}
		static[so] = true
	}

	r := &Router{network: network, storage: storage, reg: reg, logger: observability.OrNop(logger)}
	f := &fetcher{network: network, background: cfg.BackgroundTimeout, wg: &r.wg, logger: r.logger}

	open := func(name string, p respcache.Policy) (*respcache.Cache, error) {
		return storage.Open(ctx, name, p)
	}
	staticCache, err := open(StaticAssetsCache, respcache.Policy{})
	if err != nil {
		return nil, err
	}
	histCache, err := open(HistoricalWeatherCache, respcache.Policy{MaxEntries: 50, MaxAge: 30 * 24 * time.Hour})
	if err != nil {
		return nil, err
	}
	fcCache, err := open(ForecastWeatherCache, respcache.Policy{MaxEntries: 10, MaxAge: 12 * time.Hour})
	if err != nil {
		return nil, err
	}
	imgCache, err := open(ImageCache, respcache.Policy{MaxEntries: 60, MaxAge: 30 * 24 * time.Hour})
	if err != nil {
		return nil, err
	}

	r.routes = []Route{
		{
			Name: RoutePrecache,
			Match: func(req *http.Request) bool {
				_, ok := reg.LookupPrecached(req.Context(), req.URL.String())
				return ok
			},
			Handler: &PrecacheFirst{fetcher: f, Lookup: reg.LookupPrecached},
		},
		{
			Name:    RouteStatic,
			Match:   func(req *http.Request) bool { return static[requestOrigin(req)] },
			Handler: &StaleWhileRevalidate{fetcher: f, Cache: staticCache},
		},
		{
			Name:    RouteHistorical,
			Match:   func(req *http.Request) bool { return requestOrigin(req) == archive },
			Handler: &CacheFirst{fetcher: f, Cache: histCache},
		},
		{
			Name:    RouteForecast,
			Match:   func(req *http.Request) bool { return requestOrigin(req) == forecast },
			Handler: &NetworkFirst{fetcher: f, Cache: fcCache, Timeout: cfg.NetworkTimeout},
		},
		{
			Name:    RouteImage,
			Match:   IsImageRequest,
			Handler: &CacheFirst{fetcher: f, Cache: imgCache},
		},
		{
			Name:    RouteNavigation,
			Match:   IsNavigationRequest,
			Handler: &NavigationFallback{fetcher: f, Shell: reg.Shell},
		},
	}
	return r, nil
}

// RoundTrip implements http.RoundTripper. Only GET requests are routed; a
// request carrying Cache-Control no-cache or no-store bypasses every cache.
func (r *Router) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodGet || bypassCache(req) {
		return r.passThrough(req)
	}
	for _, rt := range r.routes {
		if !rt.Match(req) {
			continue
		}
		resp, source, err := rt.Handler.Handle(req)
		if err != nil {
			observability.WorkerResponsesTotal.WithLabelValues(rt.Name, "error").Inc()
			r.logger.Debug("worker route failed", zap.String("route", rt.Name), zap.String("url", req.URL.String()), zap.Error(err))
			return nil, err
		}
		observability.WorkerResponsesTotal.WithLabelValues(rt.Name, source).Inc()
		return resp, nil
	}
	return r.passThrough(req)
}

func (r *Router) passThrough(req *http.Request) (*http.Response, error) {
	resp, err := r.network.RoundTrip(req)
	if err != nil {
		observability.WorkerResponsesTotal.WithLabelValues(RouteNone, "error").Inc()
		return nil, err
	}
	observability.WorkerResponsesTotal.WithLabelValues(RouteNone, SourceNetwork).Inc()
	return resp, nil
}

// RouteFor returns the name of the route req would take.
func (r *Router) RouteFor(req *http.Request) string {
	if req.Method != http.MethodGet {
		return RouteNone
	}
	for _, rt := range r.routes {
		if rt.Match(req) {
			return rt.Name
		}
	}
	return RouteNone
}

// Match finds a stored response for rawURL: the active precache first, then every runtime cache.
func (r *Router) Match(ctx context.Context, rawURL string) (*respcache.Entry, bool) {
	if e, ok := r.reg.LookupPrecached(ctx, rawURL); ok {
		return e, true
	}
	return r.storage.Match(ctx, rawURL)
}

// Wait blocks until background revalidations finish or ctx is done.
func (r *Router) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsImageRequest matches image destinations, image Accept headers and image file extensions.
func IsImageRequest(req *http.Request) bool {
	if req.Header.Get("Sec-Fetch-Dest") == "image" {
		return true
	}
	if strings.HasPrefix(req.Header.Get("Accept"), "image/") {
		return true
	}
	return imageExtensions[strings.ToLower(path.Ext(req.URL.Path))]
}

// IsNavigationRequest matches full page loads.
func IsNavigationRequest(req *http.Request) bool {
	if mode := req.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return mode == "navigate"
	}
	return strings.Contains(req.Header.Get("Accept"), "text/html")
}

func bypassCache(req *http.Request) bool {
	cc := req.Header.Get("Cache-Control")
	return strings.Contains(cc, "no-cache") || strings.Contains(cc, "no-store")
}

func requestOrigin(req *http.Request) string {
	return req.URL.Scheme + "://" + req.URL.Host
}

func originOf(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("invalid origin %q", raw)
	}
	return u.Scheme + "://" + u.Host, nil
}
