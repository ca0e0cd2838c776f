// Package tokencache memoizes short-lived credentials by name.
//
// Entries carry an absolute expiry; a token is only returned if it will
// remain valid for the caller's time-needed window, otherwise the renew
// function is invoked and the entry replaced.
package tokencache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultTimeNeeded is how long a returned token must remain valid.
const DefaultTimeNeeded = 60 * time.Second

// RenewFunc mints a fresh token and reports when it expires.
type RenewFunc func(ctx context.Context) (expires time.Time, token string, err error)

type entry struct {
	expires time.Time
	token   string
}

// Cache is a process-wide token cache. The zero value is not usable;
// call New.
type Cache struct {
	mu      sync.Mutex
	entries map[string]entry
	group   singleflight.Group

	// now is stubbed in tests.
	now func() time.Time
}

// New returns an empty cache.
func New() *Cache {
	return &Cache{
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

// Get returns the cached token for name, renewing it first if it is
// absent or expires within timeNeeded (DefaultTimeNeeded when zero).
// Concurrent misses for the same name share a single renewal. If renew
// fails the error is returned and the cache entry is left untouched.
func (c *Cache) Get(ctx context.Context, name string, renew RenewFunc, timeNeeded time.Duration) (string, error) {
	if timeNeeded == 0 {
		timeNeeded = DefaultTimeNeeded
	}

	if token, ok := c.lookup(name, timeNeeded); ok {
		return token, nil
	}

	v, err, _ := c.group.Do(name, func() (interface{}, error) {
		// A concurrent renewal may have landed while we waited.
		if token, ok := c.lookup(name, timeNeeded); ok {
			return token, nil
		}

		expires, token, err := renew(ctx)
		if err != nil {
			return "", err
		}

		c.mu.Lock()
		c.entries[name] = entry{expires: expires, token: token}
		c.mu.Unlock()

		return token, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Cache) lookup(name string, timeNeeded time.Duration) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[name]
	if !ok || e.expires.Before(c.now().Add(timeNeeded)) {
		return "", false
	}
	return e.token, true
}
