package offline0

import (
	"context"
	"net/http"
	"net/url"
	"strings"
)

// Storage is a set of named caches, one per generation.
//
// Implementations must be safe for concurrent use.
type Storage interface {
	// Open returns the cache for name, creating it if absent.
	Open(ctx context.Context, name string) (Cache, error)
	// Names lists every generation the storage knows about.
	Names(ctx context.Context) ([]string, error)
	// Has reports whether a generation exists without creating it.
	Has(ctx context.Context, name string) (bool, error)
	// Delete drops a generation and every entry in it.
	Delete(ctx context.Context, name string) error
	Close() error
}

// Cache is one opened generation. Get returns (nil, nil) on a miss.
type Cache interface {
	Get(ctx context.Context, key string) (*Entry, error)
	Put(ctx context.Context, key string, ent *Entry) error
}

// requestKey identifies a stored entry. Only GET is ever stored, so the method
// is fixed in the key.
func requestKey(u *url.URL) string {
	c := *u
	c.Fragment = ""
	c.RawFragment = ""
	return http.MethodGet + " " + c.String()
}

func cacheableScheme(u *url.URL) bool {
	if u == nil {
		return false
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return true
	}
	return false
}

// validateEntry is shared by every backend so they reject the same things.
func validateEntry(key string, ent *Entry) error {
	if ent == nil {
		return notCacheableError(key, "nil entry")
	}
	if ent.Type == ResponseOpaque {
		return notCacheableError(key, "opaque response")
	}
	if !strings.HasPrefix(key, http.MethodGet+" ") {
		return notCacheableError(key, "non-GET key")
	}
	u, err := url.Parse(strings.TrimPrefix(key, http.MethodGet+" "))
	if err != nil || !cacheableScheme(u) {
		return notCacheableError(key, "scheme")
	}
	return nil
}
