package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/kjstillabower/itinerary-weather/internal/observability"
	"github.com/kjstillabower/itinerary-weather/internal/respcache"
)

// PrecacheName is the cache holding manifest entries.
const PrecacheName = "precache"

const revisionParam = "__WB_REVISION__"

// DefaultShell is the document served for navigations when offline.
const DefaultShell = "index.html"

// PrecacheEntry is one manifest line. An empty Revision means the URL itself is versioned.
type PrecacheEntry struct {
	URL      string `yaml:"url" json:"url"`
	Revision string `yaml:"revision" json:"revision,omitempty"`
}

// InstallReport summarises one Install run.
type InstallReport struct {
	Downloaded int
	Unchanged  int
}

// Precache downloads manifest entries from the site origin into the precache.
type Precache struct {
	origin  *url.URL
	cache   *respcache.Cache
	network http.RoundTripper
	logger  *zap.Logger
}

// NewPrecache opens the precache in storage for documents served by origin.
func NewPrecache(ctx context.Context, storage *respcache.Storage, origin string, network http.RoundTripper, logger *zap.Logger) (*Precache, error) {
	o, err := url.Parse(origin)
	if err != nil || o.Scheme == "" || o.Host == "" {
		return nil, fmt.Errorf("invalid site origin %q", origin)
	}
	if !strings.HasSuffix(o.Path, "/") {
		o.Path += "/"
	}
	c, err := storage.Open(ctx, PrecacheName, respcache.Policy{})
	if err != nil {
		return nil, err
	}
	if network == nil {
		network = http.DefaultTransport
	}
	return &Precache{origin: o, cache: c, network: network, logger: observability.OrNop(logger)}, nil
}

// AbsURL resolves a manifest URL against the site origin.
func (p *Precache) AbsURL(ref string) string {
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return p.origin.ResolveReference(r).String()
}

// Key is the cache key of e: the absolute URL plus its revision.
func (p *Precache) Key(e PrecacheEntry) string {
	abs := p.AbsURL(e.URL)
	if e.Revision == "" {
		return abs
	}
	u, err := url.Parse(abs)
	if err != nil {
		return abs
	}
	q := u.Query()
	q.Set(revisionParam, e.Revision)
	u.RawQuery = q.Encode()
	return u.String()
}

// Install downloads every entry whose key is not already cached. Any failure
// fails the whole install; entries stored before the failure are kept.
func (p *Precache) Install(ctx context.Context, manifest []PrecacheEntry) (InstallReport, error) {
	var report InstallReport
	var errs []error
	for _, e := range manifest {
		key := p.Key(e)
		if _, ok := p.cache.Match(ctx, key); ok {
			report.Unchanged++
			continue
		}
		if err := p.download(ctx, e, key); err != nil {
			errs = append(errs, fmt.Errorf("precache %s: %w", e.URL, err))
			continue
		}
		report.Downloaded++
	}
	return report, errors.Join(errs...)
}

func (p *Precache) download(ctx context.Context, e PrecacheEntry, key string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.AbsURL(e.URL), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Cache-Control", "no-cache")
	resp, err := p.network.RoundTrip(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return err
	}
	header := resp.Header.Clone()
	if header.Get("Content-Type") == "" {
		header.Set("Content-Type", mimetype.Detect(body).String())
	}
	return p.cache.Put(ctx, respcache.Entry{URL: key, Status: resp.StatusCode, Header: header, Body: body})
}

// Lookup finds rawURL in manifest and returns its cached entry. Query strings
// are ignored and a directory URL maps to its index.html.
func (p *Precache) Lookup(ctx context.Context, manifest []PrecacheEntry, rawURL string) (*respcache.Entry, bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, false
	}
	u.RawQuery, u.Fragment = "", ""
	candidates := []string{u.String()}
	if strings.HasSuffix(u.Path, "/") {
		candidates = append(candidates, p.AbsURL(strings.TrimPrefix(u.Path, "/")+DefaultShell))
	}
	for _, e := range manifest {
		abs := p.AbsURL(e.URL)
		for _, c := range candidates {
			if c == abs {
				return p.cache.Match(ctx, p.Key(e))
			}
		}
	}
	return nil, false
}

// Cleanup removes cached keys that no entry of manifest produces.
func (p *Precache) Cleanup(ctx context.Context, manifest []PrecacheEntry) int {
	keep := make(map[string]bool, len(manifest))
	for _, e := range manifest {
		keep[p.Key(e)] = true
	}
	removed := 0
	for _, k := range p.cache.URLs() {
		if !keep[k] {
			p.cache.Delete(ctx, k)
			removed++
		}
	}
	if removed > 0 {
		p.logger.Info("removed outdated precache entries", zap.Int("count", removed))
	}
	return removed
}
