// Package cache provides a TTL-aware LRU cache of DNS responses with
// per-key single-flight coalescing, so concurrent identical queries share
// one underlying dispatch instead of each reaching the wire.
//
// Storage and eviction are delegated to github.com/bluele/gcache (LRU with
// per-entry expiration); coalescing is delegated to
// golang.org/x/sync/singleflight. Neither library implements the other's
// concern, so composing them is simpler and more idiomatic than hand-rolling
// a map of pending futures.
package cache

import (
	"fmt"
	"time"

	"github.com/bluele/gcache"
	"golang.org/x/sync/singleflight"
)

// Entry is one cached response, keyed by (domain, record type, class).
type Entry struct {
	Value      any
	Negative   bool
	InsertedAt time.Time
	ExpiresAt  time.Time
}

// Cache is a capacity-bounded, TTL-aware response cache.
type Cache struct {
	store  gcache.Cache
	sf     singleflight.Group
	maxTTL time.Duration
	negTTL time.Duration

	stop chan struct{}
	done chan struct{}
}

// Options configures a Cache.
type Options struct {
	MaxEntries int
	MaxTTL     time.Duration
	NegativeTTL time.Duration
	// SweepInterval controls how often the background sweep forces
	// expired-entry eviction, supplementing gcache's lazy per-lookup check.
	SweepInterval time.Duration
}

// New creates a Cache and starts its background sweeper.
func New(opts Options) *Cache {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 10000
	}
	if opts.MaxTTL <= 0 {
		opts.MaxTTL = 24 * time.Hour
	}
	if opts.NegativeTTL <= 0 {
		opts.NegativeTTL = 30 * time.Second
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}

	c := &Cache{
		store:  gcache.New(opts.MaxEntries).LRU().Build(),
		maxTTL: opts.MaxTTL,
		negTTL: opts.NegativeTTL,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go c.sweepLoop(opts.SweepInterval)
	return c
}

// Close stops the background sweeper.
func (c *Cache) Close() {
	close(c.stop)
	<-c.done
}

func (c *Cache) sweepLoop(interval time.Duration) {
	defer close(c.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			// GetALL with checkExpired=true forces gcache to purge entries
			// whose TTL has lapsed, rather than waiting for the next lookup.
			c.store.GetALL(true)
		}
	}
}

// Key derives the cache key for a (domain, qtype, qclass) triple. domain
// must already be FQDN-lowercased by the caller.
func Key(domain string, qtype, qclass uint16) string {
	return fmt.Sprintf("%s|%d|%d", domain, qtype, qclass)
}

// Get returns the cached entry for key, if present and unexpired.
func (c *Cache) Get(key string) (Entry, bool) {
	v, err := c.store.Get(key)
	if err != nil {
		return Entry{}, false
	}
	return v.(Entry), true
}

// TTLFor clamps a record's answer TTL to the configured maximum. For
// negative responses it clamps to the configured negative TTL instead, and
// supplies that negative TTL when answerTTL is zero.
func (c *Cache) TTLFor(answerTTL time.Duration, negative bool) time.Duration {
	if negative {
		if answerTTL <= 0 || answerTTL > c.negTTL {
			return c.negTTL
		}
		return answerTTL
	}
	if answerTTL > c.maxTTL {
		return c.maxTTL
	}
	if answerTTL < 0 {
		return 0
	}
	return answerTTL
}

// Fetch returns the cached entry for key if present; otherwise it invokes
// load exactly once even under concurrent callers for the same key
// (single-flight), stores the result, and returns it. The bool return
// reports whether the value came from cache.
func (c *Cache) Fetch(key string, load func() (value any, negative bool, ttl time.Duration, err error)) (Entry, bool, error) {
	if e, ok := c.Get(key); ok {
		return e, true, nil
	}

	v, err, _ := c.sf.Do(key, func() (any, error) {
		value, negative, ttl, err := load()
		if err != nil {
			return Entry{}, err
		}
		entry := Entry{
			Value:      value,
			Negative:   negative,
			InsertedAt: time.Now(),
			ExpiresAt:  time.Now().Add(ttl),
		}
		_ = c.store.SetWithExpire(key, entry, ttl)
		return entry, nil
	})
	if err != nil {
		return Entry{}, false, err
	}
	return v.(Entry), false, nil
}
