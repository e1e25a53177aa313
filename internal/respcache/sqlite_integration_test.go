//go:build integration
// +build integration

package respcache

import (
	"context"
	"net/http"
	"path/filepath"
	"reflect"
	"testing"
)

// TestSQLiteStore_RoundTrip_Integration verifies that the SQLite store keeps
// insertion order across a re-put and restores headers and bodies.
func TestSQLiteStore_RoundTrip_Integration(t *testing.T) {
	ctx := context.Background()
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "offline.db"))
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	defer store.Close()

	c, err := NewStorage(nil, WithPersister(store)).Open(ctx, "historical-weather-cache", Policy{MaxEntries: 50})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	_ = c.Put(ctx, Entry{URL: "u1", Status: 200, Header: http.Header{"Content-Type": {"application/json"}}, Body: []byte(`{"daily":{}}`)})
	_ = c.Put(ctx, Entry{URL: "u2", Status: 200, Body: []byte("two")})
	_ = c.Put(ctx, Entry{URL: "u1", Status: 200, Header: http.Header{"Content-Type": {"application/json"}}, Body: []byte(`{"daily":{"time":[]}}`)})

	entries, err := store.LoadAll(ctx, "historical-weather-cache")
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	var urls []string
	for _, e := range entries {
		urls = append(urls, e.URL)
	}
	if !reflect.DeepEqual(urls, []string{"u2", "u1"}) {
		t.Fatalf("LoadAll() order = %v, want [u2 u1]", urls)
	}
	if got := entries[1]; string(got.Body) != `{"daily":{"time":[]}}` || got.Header.Get("Content-Type") != "application/json" {
		t.Errorf("restored entry = %+v", got)
	}

	restored, _ := NewStorage(nil, WithPersister(store)).Open(ctx, "historical-weather-cache", Policy{})
	if _, ok := restored.Match(ctx, "u2"); !ok {
		t.Error("restored cache missing u2")
	}
	if err := store.Delete(ctx, "historical-weather-cache", "u2"); err != nil {
		t.Errorf("Delete() error = %v", err)
	}
}
