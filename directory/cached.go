package directory

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"bverify.dev/custody/model"
)

type cacheEntry struct {
	account model.Account
	at      time.Time
}

// Cached is a best-effort cache in front of another directory. Entries older
// than the TTL are re-resolved; misses are never cached. Callers that see a
// conflict (e.g. a signature that does not verify) call Revalidate.
type Cached struct {
	next  Directory
	ttl   time.Duration
	cache *lru.Cache
	now   func() time.Time
}

func NewCached(next Directory, size int, ttl time.Duration) (*Cached, error) {
	c, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &Cached{next: next, ttl: ttl, cache: c, now: time.Now}, nil
}

func (c *Cached) Resolve(ctx context.Context, id string) (model.Account, error) {
	if v, ok := c.cache.Get(id); ok {
		e := v.(cacheEntry)
		if c.ttl <= 0 || c.now().Sub(e.at) < c.ttl {
			return e.account, nil
		}
		c.cache.Remove(id)
	}
	return c.fill(ctx, id)
}

// Invalidate drops id from the cache.
func (c *Cached) Invalidate(id string) { c.cache.Remove(id) }

// Revalidate bypasses the cache for id and stores the fresh answer.
func (c *Cached) Revalidate(ctx context.Context, id string) (model.Account, error) {
	c.cache.Remove(id)
	return c.fill(ctx, id)
}

func (c *Cached) fill(ctx context.Context, id string) (model.Account, error) {
	a, err := c.next.Resolve(ctx, id)
	if err != nil {
		return model.Account{}, err
	}
	c.cache.Add(id, cacheEntry{account: a, at: c.now()})
	return a, nil
}
