package venue

import (
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/atmx/reconciler/internal/model"
)

// BuildFunc constructs a client for one set of credentials.
type BuildFunc func(creds model.Credentials) Client

// Factory hands out venue clients per portfolio. Clients carry their own
// rate limiter, so they are cached and reused across cycles instead of
// being rebuilt on every call.
type Factory struct {
	build BuildFunc
	cache *ristretto.Cache
	ttl   time.Duration
}

// NewFactory creates a factory that caches up to maxClients clients for ttl.
func NewFactory(build BuildFunc, maxClients int64, ttl time.Duration) (*Factory, error) {
	if maxClients <= 0 {
		maxClients = 1024
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxClients * 10,
		MaxCost:     maxClients,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("venue client cache: %w", err)
	}
	return &Factory{build: build, cache: c, ttl: ttl}, nil
}

// Static returns a factory that always yields the same client. Used by
// tests and single-account deployments.
func Static(c Client) *Factory {
	f, _ := NewFactory(func(model.Credentials) Client { return c }, 16, time.Hour)
	return f
}

// For returns the client for portfolioID, building it on cache miss.
func (f *Factory) For(portfolioID int64, creds model.Credentials) Client {
	key := fmt.Sprintf("%d:%s:%s", portfolioID, creds.APIKey, creds.BaseURL)
	if v, ok := f.cache.Get(key); ok {
		if c, ok := v.(Client); ok {
			return c
		}
	}
	c := f.build(creds)
	f.cache.SetWithTTL(key, c, 1, f.ttl)
	return c
}

// Close releases the client cache.
func (f *Factory) Close() {
	f.cache.Close()
}
