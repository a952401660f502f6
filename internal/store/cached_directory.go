package store

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	DefaultDirectoryCacheTTL  = 5 * time.Minute
	DefaultDirectoryCacheSize = 10000
)

// CachedDirectory is a read-through cache of customer profiles in front of a
// Directory. Misses are cached too, so an unknown customer costs one lookup
// per TTL. The cache holds at most size entries; the least recently used one
// is evicted first.
type CachedDirectory struct {
	Directory

	entries *expirable.LRU[string, cacheEntry]
}

type cacheEntry struct {
	profile CustomerProfile
	found   bool
}

func NewCachedDirectory(dir Directory, size int, ttl time.Duration) *CachedDirectory {
	if size <= 0 {
		size = DefaultDirectoryCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultDirectoryCacheTTL
	}
	return &CachedDirectory{
		Directory: dir,
		entries:   expirable.NewLRU[string, cacheEntry](size, nil, ttl),
	}
}

func (c *CachedDirectory) GetCustomer(ctx context.Context, customerID string) (CustomerProfile, error) {
	if e, ok := c.entries.Get(customerID); ok {
		if !e.found {
			return CustomerProfile{}, ErrNotFound
		}
		return e.profile, nil
	}

	profile, err := c.Directory.GetCustomer(ctx, customerID)
	switch {
	case err == nil:
		c.entries.Add(customerID, cacheEntry{profile: profile, found: true})
	case errors.Is(err, ErrNotFound):
		c.entries.Add(customerID, cacheEntry{})
	}
	return profile, err
}

func (c *CachedDirectory) UpsertCustomer(ctx context.Context, profile CustomerProfile) error {
	if err := c.Directory.UpsertCustomer(ctx, profile); err != nil {
		return err
	}
	c.Invalidate(profile.ID)
	return nil
}

func (c *CachedDirectory) Invalidate(customerID string) {
	c.entries.Remove(customerID)
}

// Len reports the number of cached entries, expired ones included until the
// cache sweeps them.
func (c *CachedDirectory) Len() int {
	return c.entries.Len()
}
