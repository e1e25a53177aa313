// Package respcache stores HTTP responses in named caches keyed by exact request URL.
package respcache

import (
	"bytes"
	"container/list"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/itinerary-weather/internal/observability"
)

// ErrNotCacheable is returned by Put for responses whose status the policy rejects.
var ErrNotCacheable = errors.New("response not cacheable")

// Entry is one stored response.
type Entry struct {
	URL      string
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// Response rebuilds an *http.Response for req from the entry.
func (e *Entry) Response(req *http.Request) *http.Response {
	h := e.Header.Clone()
	if h == nil {
		h = http.Header{}
	}
	return &http.Response{
		Status:        strconv.Itoa(e.Status) + " " + http.StatusText(e.Status),
		StatusCode:    e.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}

// Policy bounds a cache. Zero MaxEntries or MaxAge means unbounded.
// Statuses lists cacheable status codes; empty means only 200.
type Policy struct {
	MaxEntries int
	MaxAge     time.Duration
	Statuses   []int
}

// Cacheable reports whether a response with status may be stored.
func (p Policy) Cacheable(status int) bool {
	if len(p.Statuses) == 0 {
		return status == http.StatusOK
	}
	for _, s := range p.Statuses {
		if s == status {
			return true
		}
	}
	return false
}

// Persister stores entries outside the process. Implementations must be safe
// for concurrent use.
type Persister interface {
	LoadAll(ctx context.Context, cache string) ([]Entry, error)
	Put(ctx context.Context, cache string, e Entry) error
	Delete(ctx context.Context, cache, url string) error
}

// Cache is one named response cache. Entries are ordered by insertion; a
// re-put moves the entry to the newest position.
type Cache struct {
	name    string
	policy  Policy
	persist Persister
	logger  *zap.Logger
	now     func() time.Time

	mu    sync.Mutex
	order *list.List // of *Entry, oldest at front
	byURL map[string]*list.Element
}

// Name returns the cache name.
func (c *Cache) Name() string { return c.name }

// Policy returns the cache's policy.
func (c *Cache) Policy() Policy { return c.policy }

// Len returns the number of stored entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// URLs returns stored URLs from oldest to newest.
func (c *Cache) URLs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, c.order.Len())
	for el := c.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*Entry).URL)
	}
	return out
}

// Match returns the entry for url. Entries older than MaxAge are removed and reported as a miss.
func (c *Cache) Match(ctx context.Context, url string) (*Entry, bool) {
	c.mu.Lock()
	el, ok := c.byURL[url]
	if !ok {
		c.mu.Unlock()
		return nil, false
	}
	e := el.Value.(*Entry)
	if c.expired(e) {
		c.removeLocked(el)
		c.mu.Unlock()
		observability.ResponseCacheEvictionsTotal.WithLabelValues(c.name, "max_age").Inc()
		c.persistDelete(ctx, url)
		return nil, false
	}
	cp := *e
	c.mu.Unlock()
	return &cp, true
}

// Put stores e, stamping StoredAt, and evicts the oldest entries beyond MaxEntries.
func (c *Cache) Put(ctx context.Context, e Entry) error {
	if !c.policy.Cacheable(e.Status) {
		return fmt.Errorf("%w: status %d", ErrNotCacheable, e.Status)
	}
	e.StoredAt = c.now()
	e.Header = e.Header.Clone()

	c.mu.Lock()
	if el, ok := c.byURL[e.URL]; ok {
		c.removeLocked(el)
	}
	c.byURL[e.URL] = c.order.PushBack(&e)
	var evicted []string
	for c.policy.MaxEntries > 0 && c.order.Len() > c.policy.MaxEntries {
		oldest := c.order.Front()
		evicted = append(evicted, oldest.Value.(*Entry).URL)
		c.removeLocked(oldest)
	}
	c.mu.Unlock()

	if c.persist != nil {
		if err := c.persist.Put(ctx, c.name, e); err != nil {
			c.logger.Warn("persist response failed", zap.String("cache", c.name), zap.String("url", e.URL), zap.Error(err))
		}
	}
	for _, u := range evicted {
		observability.ResponseCacheEvictionsTotal.WithLabelValues(c.name, "max_entries").Inc()
		c.persistDelete(ctx, u)
	}
	return nil
}

// Delete removes url from the cache.
func (c *Cache) Delete(ctx context.Context, url string) {
	c.mu.Lock()
	if el, ok := c.byURL[url]; ok {
		c.removeLocked(el)
	}
	c.mu.Unlock()
	c.persistDelete(ctx, url)
}

func (c *Cache) expired(e *Entry) bool {
	return c.policy.MaxAge > 0 && c.now().Sub(e.StoredAt) >= c.policy.MaxAge
}

func (c *Cache) removeLocked(el *list.Element) {
	delete(c.byURL, el.Value.(*Entry).URL)
	c.order.Remove(el)
}

func (c *Cache) persistDelete(ctx context.Context, url string) {
	if c.persist == nil {
		return
	}
	if err := c.persist.Delete(ctx, c.name, url); err != nil {
		c.logger.Warn("delete persisted response failed", zap.String("cache", c.name), zap.String("url", url), zap.Error(err))
	}
}

// Storage is the set of named caches, searched in the order they were opened.
type Storage struct {
	persist Persister
	logger  *zap.Logger
	now     func() time.Time

	mu     sync.RWMutex
	caches map[string]*Cache
	names  []string
}

// Option configures a Storage.
type Option func(*Storage)

// WithPersister writes every change through to p and restores caches from it on Open.
func WithPersister(p Persister) Option {
	return func(s *Storage) { s.persist = p }
}

// WithClock overrides time.Now for entry timestamps and expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Storage) { s.now = now }
}

// NewStorage returns an empty Storage.
func NewStorage(logger *zap.Logger, opts ...Option) *Storage {
	s := &Storage{
		logger: observability.OrNop(logger),
		now:    time.Now,
		caches: make(map[string]*Cache),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open returns the named cache, creating it with policy on first use. A
// persisted cache is restored in insertion order; the policy applies to the
// restored entries immediately.
func (s *Storage) Open(ctx context.Context, name string, policy Policy) (*Cache, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.caches[name]; ok {
		return c, nil
	}
	c := &Cache{
		name:    name,
		policy:  policy,
		persist: s.persist,
		logger:  s.logger,
		now:     s.now,
		order:   list.New(),
		byURL:   make(map[string]*list.Element),
	}
	if s.persist != nil {
		entries, err := s.persist.LoadAll(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("restore cache %q: %w", name, err)
		}
		for i := range entries {
			e := entries[i]
			if c.expired(&e) {
				c.persistDelete(ctx, e.URL)
				continue
			}
			c.byURL[e.URL] = c.order.PushBack(&e)
		}
		for policy.MaxEntries > 0 && c.order.Len() > policy.MaxEntries {
			oldest := c.order.Front()
			c.removeLocked(oldest)
			c.persistDelete(ctx, oldest.Value.(*Entry).URL)
		}
		s.logger.Debug("restored response cache", zap.String("cache", name), zap.Int("entries", c.order.Len()))
	}
	s.caches[name] = c
	s.names = append(s.names, name)
	return c, nil
}

// Lookup returns an already opened cache.
func (s *Storage) Lookup(name string) (*Cache, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.caches[name]
	return c, ok
}

// Names returns the open cache names in open order.
func (s *Storage) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.names...)
}

// Match searches every open cache for url and returns the first live entry.
func (s *Storage) Match(ctx context.Context, url string) (*Entry, bool) {
	s.mu.RLock()
	caches := make([]*Cache, 0, len(s.names))
	for _, n := range s.names {
		caches = append(caches, s.caches[n])
	}
	s.mu.RUnlock()

	for _, c := range caches {
		if e, ok := c.Match(ctx, url); ok {
			return e, true
		}
	}
	return nil, false
}
