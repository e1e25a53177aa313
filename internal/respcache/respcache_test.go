package respcache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"reflect"
	"sync"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time          { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func entry(url string, status int) Entry {
	return Entry{URL: url, Status: status, Body: []byte(url)}
}

func TestPolicy_Cacheable(t *testing.T) {
	tests := []struct {
		name   string
		policy Policy
		status int
		want   bool
	}{
		{"default 200", Policy{}, 200, true},
		{"default 404", Policy{}, 404, false},
		{"default opaque", Policy{}, 0, false},
		{"explicit list", Policy{Statuses: []int{0, 200}}, 0, true},
		{"explicit list miss", Policy{Statuses: []int{0, 200}}, 500, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.policy.Cacheable(tt.status); got != tt.want {
				t.Errorf("Cacheable(%d) = %v, want %v", tt.status, got, tt.want)
			}
		})
	}
}

func TestCache_PutMatch(t *testing.T) {
	ctx := context.Background()
	s := NewStorage(nil)
	c, err := s.Open(ctx, "forecast-weather-cache", Policy{})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	if err := c.Put(ctx, Entry{URL: "https://a/x?q=1", Status: 200, Header: http.Header{"Content-Type": {"application/json"}}, Body: []byte(`{}`)}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	e, ok := c.Match(ctx, "https://a/x?q=1")
	if !ok {
		t.Fatal("Match() ok = false")
	}
	resp := e.Response(nil)
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != 200 || string(body) != "{}" || resp.Header.Get("Content-Type") != "application/json" {
		t.Errorf("Response() = %d %q %v", resp.StatusCode, body, resp.Header)
	}
	if _, ok := c.Match(ctx, "https://a/x?q=2"); ok {
		t.Error("Match() matched a different query string")
	}
}

func TestCache_Put_RejectsUncacheableStatus(t *testing.T) {
	ctx := context.Background()
	c, _ := NewStorage(nil).Open(ctx, "c", Policy{})
	err := c.Put(ctx, entry("u", 503))
	if !errors.Is(err, ErrNotCacheable) {
		t.Errorf("Put(503) error = %v, want ErrNotCacheable", err)
	}
	if c.Len() != 0 {
		t.Errorf("Len() = %d, want 0", c.Len())
	}
}

// TestCache_MaxEntries_EvictsOldestInserted verifies LRU-by-insertion eviction
// and that a re-put moves an entry to the newest position.
func TestCache_MaxEntries_EvictsOldestInserted(t *testing.T) {
	ctx := context.Background()
	c, _ := NewStorage(nil).Open(ctx, "image-cache", Policy{MaxEntries: 3})

	for _, u := range []string{"a", "b", "c"} {
		_ = c.Put(ctx, entry(u, 200))
	}
	_ = c.Put(ctx, entry("a", 200)) // a becomes newest
	_ = c.Put(ctx, entry("d", 200)) // evicts b

	want := []string{"c", "a", "d"}
	if got := c.URLs(); !reflect.DeepEqual(got, want) {
		t.Errorf("URLs() = %v, want %v", got, want)
	}
	// reads do not refresh position
	c.Match(ctx, "c")
	_ = c.Put(ctx, entry("e", 200))
	if _, ok := c.Match(ctx, "c"); ok {
		t.Error("c survived eviction after being read")
	}
}

func TestCache_MaxAge(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	c, _ := NewStorage(nil, WithClock(clk.now)).Open(ctx, "forecast", Policy{MaxAge: 12 * time.Hour})

	_ = c.Put(ctx, entry("u", 200))
	clk.advance(11 * time.Hour)
	if _, ok := c.Match(ctx, "u"); !ok {
		t.Fatal("entry expired early")
	}
	clk.advance(time.Hour)
	if _, ok := c.Match(ctx, "u"); ok {
		t.Error("entry at MaxAge still served")
	}
	if c.Len() != 0 {
		t.Errorf("expired entry not removed, Len() = %d", c.Len())
	}
}

func TestStorage_Match_SearchesAllCaches(t *testing.T) {
	ctx := context.Background()
	s := NewStorage(nil)
	a, _ := s.Open(ctx, "a", Policy{})
	b, _ := s.Open(ctx, "b", Policy{})
	_ = b.Put(ctx, entry("only-in-b", 200))
	_ = a.Put(ctx, Entry{URL: "both", Status: 200, Body: []byte("from-a")})
	_ = b.Put(ctx, Entry{URL: "both", Status: 200, Body: []byte("from-b")})

	if _, ok := s.Match(ctx, "only-in-b"); !ok {
		t.Error("Match(only-in-b) missed")
	}
	e, ok := s.Match(ctx, "both")
	if !ok || string(e.Body) != "from-a" {
		t.Errorf("Match(both) = %v, want first opened cache", e)
	}
	if _, ok := s.Match(ctx, "nowhere"); ok {
		t.Error("Match(nowhere) hit")
	}
	if again, _ := s.Open(ctx, "a", Policy{MaxEntries: 1}); again != a {
		t.Error("Open() of existing name returned a new cache")
	}
	if got := s.Names(); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("Names() = %v", got)
	}
}

type memPersister struct {
	mu   sync.Mutex
	rows map[string][]Entry
	fail error
}

func (m *memPersister) LoadAll(ctx context.Context, cache string) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return nil, m.fail
	}
	return append([]Entry(nil), m.rows[cache]...), nil
}

func (m *memPersister) Put(ctx context.Context, cache string, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteLocked(cache, e.URL)
	m.rows[cache] = append(m.rows[cache], e)
	return nil
}

func (m *memPersister) Delete(ctx context.Context, cache, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteLocked(cache, url)
	return nil
}

func (m *memPersister) deleteLocked(cache, url string) {
	rows := m.rows[cache][:0]
	for _, e := range m.rows[cache] {
		if e.URL != url {
			rows = append(rows, e)
		}
	}
	m.rows[cache] = rows
}

// TestStorage_Persister_RestoresOnOpen verifies write-through and that a new
// Storage over the same persister restores entries and applies the policy.
func TestStorage_Persister_RestoresOnOpen(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	p := &memPersister{rows: map[string][]Entry{}}

	first, _ := NewStorage(nil, WithPersister(p), WithClock(clk.now)).Open(ctx, "hist", Policy{MaxEntries: 5})
	_ = first.Put(ctx, entry("old", 200))
	clk.advance(10 * 24 * time.Hour)
	_ = first.Put(ctx, entry("a", 200))
	_ = first.Put(ctx, entry("b", 200))
	_ = first.Put(ctx, entry("c", 200))

	clk.advance(time.Hour)
	second, err := NewStorage(nil, WithPersister(p), WithClock(clk.now)).
		Open(ctx, "hist", Policy{MaxEntries: 2, MaxAge: 5 * 24 * time.Hour})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if got := second.URLs(); !reflect.DeepEqual(got, []string{"b", "c"}) {
		t.Errorf("restored URLs = %v, want [b c]", got)
	}
	if rows := p.rows["hist"]; len(rows) != 2 {
		t.Errorf("persisted rows = %d, want 2", len(rows))
	}
}

func TestStorage_Open_PersisterError(t *testing.T) {
	p := &memPersister{rows: map[string][]Entry{}, fail: errors.New("disk I/O error")}
	if _, err := NewStorage(nil, WithPersister(p)).Open(context.Background(), "x", Policy{}); err == nil {
		t.Error("Open() error = nil, want restore error")
	}
}

func TestCache_Delete(t *testing.T) {
	ctx := context.Background()
	c, _ := NewStorage(nil).Open(ctx, "c", Policy{})
	_ = c.Put(ctx, entry("u", 200))
	c.Delete(ctx, "u")
	if _, ok := c.Match(ctx, "u"); ok {
		t.Error("Match() after Delete hit")
	}
}
