package http

import (
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"

	"go.uber.org/zap"

	"github.com/kjstillabower/itinerary-weather/internal/observability"
)

// NewSiteProxy serves the site origin through transport, which is normally
// the worker router, so page loads fall back to the precached shell offline.
// Mount it under a prefix with http.StripPrefix.
func NewSiteProxy(origin string, transport http.RoundTripper, logger *zap.Logger) (http.Handler, error) {
	target, err := url.Parse(origin)
	if err != nil || target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("site proxy: invalid origin %q", origin)
	}
	logger = observability.OrNop(logger)
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
		},
		Transport: transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			loggerFrom(r, logger).Warn("site proxy failed", zap.String("path", r.URL.Path), zap.Error(err))
			writeError(w, r, http.StatusBadGateway, "SITE_UNAVAILABLE", "Site unreachable and not cached")
		},
	}, nil
}
