package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

// MaxItemSize is memcached's default slab limit; larger envelopes are refused
// locally instead of failing on the server.
const MaxItemSize = 1 << 20

const keyPrefix = "itinerary:"

// ErrValueTooLarge is returned by Set for values over MaxItemSize.
var ErrValueTooLarge = errors.New("cache: value exceeds memcached item size")

// MemcachedCache is the shared "local storage" used when several service
// replicas should see one envelope. Items never expire.
type MemcachedCache struct {
	client *memcache.Client
}

// NewMemcachedCache connects lazily to addrs, a comma-separated host:port list.
// Zero timeout or maxIdleConns keep the gomemcache defaults.
func NewMemcachedCache(addrs string, timeout time.Duration, maxIdleConns int) (*MemcachedCache, error) {
	servers := parseAddrs(addrs)
	if len(servers) == 0 {
		return nil, fmt.Errorf("cache: no memcached servers in %q", addrs)
	}
	client := memcache.New(servers...)
	if timeout > 0 {
		client.Timeout = timeout
	}
	if maxIdleConns > 0 {
		client.MaxIdleConns = maxIdleConns
	}
	return &MemcachedCache{client: client}, nil
}

func parseAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}

// itemKey namespaces k; memcached keys may not contain spaces or control characters.
func itemKey(k string) (string, error) {
	full := keyPrefix + k
	if len(full) > 250 || strings.IndexFunc(full, func(r rune) bool { return r <= ' ' || r == 0x7f }) >= 0 {
		return "", fmt.Errorf("cache: invalid key %q", k)
	}
	return full, nil
}

// Get returns (nil, false, nil) on a miss.
func (c *MemcachedCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	k, err := itemKey(key)
	if err != nil {
		return nil, false, err
	}
	item, err := c.client.Get(k)
	switch {
	case errors.Is(err, memcache.ErrCacheMiss):
		return nil, false, nil
	case err != nil:
		return nil, false, fmt.Errorf("memcached get %s: %w", key, err)
	}
	return item.Value, true, nil
}

func (c *MemcachedCache) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(value) > MaxItemSize {
		return fmt.Errorf("%w: %d bytes", ErrValueTooLarge, len(value))
	}
	k, err := itemKey(key)
	if err != nil {
		return err
	}
	if err := c.client.Set(&memcache.Item{Key: k, Value: value}); err != nil {
		return fmt.Errorf("memcached set %s: %w", key, err)
	}
	return nil
}

// Delete treats a missing key as success.
func (c *MemcachedCache) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	k, err := itemKey(key)
	if err != nil {
		return err
	}
	if err := c.client.Delete(k); err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
		return fmt.Errorf("memcached delete %s: %w", key, err)
	}
	return nil
}

// Ping backs the /health cache check.
func (c *MemcachedCache) Ping() error {
	return c.client.Ping()
}

func (c *MemcachedCache) Close() error {
	return c.client.Close()
}
