// Package cache holds prior operation results keyed by a content hash of
// the request, so identical requests can be served without a provider call.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"sync/atomic"
	"time"

	"github.com/RegistryAccord/registryaccord-mmg-go/internal/model"
	"github.com/RegistryAccord/registryaccord-mmg-go/internal/shard"
)

// Entry is one cached result. Entries returned by Get are copies, but Result
// is shared and must be treated as read-only.
type Entry struct {
	Key           string              `json:"key"`
	OperationType model.OperationType `json:"operationType"`
	ContentType   model.ContentType   `json:"contentType"`
	Provider      model.Provider      `json:"provider"` // provider that produced the result
	UserID        string              `json:"userId"`
	ProjectID     string              `json:"projectId,omitempty"`
	Result        map[string]any      `json:"result"`
	Size          int                 `json:"size"`
	CreatedAt     time.Time           `json:"createdAt"`
	ExpiresAt     time.Time           `json:"expiresAt"`
	HitCount      int                 `json:"hitCount"`
}

// Filter scopes Clear. Zero fields match everything; set fields are ANDed.
type Filter struct {
	OperationType model.OperationType
	ContentType   model.ContentType
	Provider      model.Provider
	UserID        string
	ProjectID     string
}

func (f Filter) matches(e *Entry) bool {
	return (f.OperationType == "" || e.OperationType == f.OperationType) &&
		(f.ContentType == "" || e.ContentType == f.ContentType) &&
		(f.Provider == "" || e.Provider == f.Provider) &&
		(f.UserID == "" || e.UserID == f.UserID) &&
		(f.ProjectID == "" || e.ProjectID == f.ProjectID)
}

// Stats summarises cache contents and effectiveness.
type Stats struct {
	TotalItems         int                         `json:"totalItems"`
	SizeEstimate       int                         `json:"sizeEstimate"`
	Hits               int64                       `json:"hits"`
	Misses             int64                       `json:"misses"`
	HitRate            float64                     `json:"hitRate"`
	MissRate           float64                     `json:"missRate"`
	ItemsByType        map[model.OperationType]int `json:"itemsByType"`
	ItemsByContentType map[model.ContentType]int   `json:"itemsByContentType"`
}

// Key derives the cache key from the operation type, the requested provider
// and the canonical parameter encoding.
func Key(op model.OperationType, provider model.Provider, params []byte) string {
	h := sha256.New()
	h.Write([]byte(op))
	h.Write([]byte{0})
	h.Write([]byte(provider))
	h.Write([]byte{0})
	h.Write(params)
	return hex.EncodeToString(h.Sum(nil))
}

// Cache is a sharded in-memory result cache with TTL and a size bound.
type Cache struct {
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
	entries    *shard.Map[*Entry]
	count      atomic.Int64
	hits       atomic.Int64
	misses     atomic.Int64
}

// New creates a cache. ttl <= 0 disables expiry; maxEntries <= 0 disables the bound.
func New(ttl time.Duration, maxEntries int) *Cache {
	return &Cache{
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
		entries:    shard.New[*Entry](0),
	}
}

// WithClock replaces the time source. Intended for tests.
func (c *Cache) WithClock(now func() time.Time) *Cache {
	c.now = now
	return c
}

// Get returns the live entry for key and counts the hit.
func (c *Cache) Get(key string) (Entry, bool) {
	now := c.now()
	var out Entry
	found := false
	c.entries.With(key, func(m map[string]*Entry) {
		e, ok := m[key]
		if !ok {
			return
		}
		if c.expired(e, now) {
			delete(m, key)
			c.count.Add(-1)
			return
		}
		e.HitCount++
		out = *e
		found = true
	})
	if found {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return out, found
}

// Put stores e under e.Key, replacing any previous entry.
func (c *Cache) Put(e Entry) {
	now := c.now()
	e.CreatedAt = now
	e.HitCount = 0
	if c.ttl > 0 {
		e.ExpiresAt = now.Add(c.ttl)
	}
	added := false
	c.entries.With(e.Key, func(m map[string]*Entry) {
		if _, exists := m[e.Key]; !exists {
			added = true
		}
		m[e.Key] = &e
	})
	if added && c.count.Add(1) > int64(c.maxEntries) && c.maxEntries > 0 {
		c.evictOldest()
	}
}

// Clear removes every entry matching f in one sweep: all shards are held
// for the duration, so no request observes a partially cleared scope.
func (c *Cache) Clear(f Filter) int {
	removed := 0
	c.entries.Exclusive(func(shards []map[string]*Entry) {
		for _, m := range shards {
			for k, e := range m {
				if f.matches(e) {
					delete(m, k)
					removed++
				}
			}
		}
	})
	c.count.Add(int64(-removed))
	return removed
}

// Sweep drops expired entries. Returns the number removed.
func (c *Cache) Sweep() int {
	now := c.now()
	removed := 0
	c.entries.Each(func(m map[string]*Entry) {
		for k, e := range m {
			if c.expired(e, now) {
				delete(m, k)
				removed++
			}
		}
	})
	c.count.Add(int64(-removed))
	return removed
}

// Stats reports the current contents and hit ratio.
func (c *Cache) Stats() Stats {
	s := Stats{
		ItemsByType:        map[model.OperationType]int{},
		ItemsByContentType: map[model.ContentType]int{},
		Hits:               c.hits.Load(),
		Misses:             c.misses.Load(),
	}
	now := c.now()
	c.entries.Each(func(m map[string]*Entry) {
		for _, e := range m {
			if c.expired(e, now) {
				continue
			}
			s.TotalItems++
			s.SizeEstimate += e.Size
			s.ItemsByType[e.OperationType]++
			s.ItemsByContentType[e.ContentType]++
		}
	})
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
		s.MissRate = float64(s.Misses) / float64(total)
	}
	return s
}

func (c *Cache) expired(e *Entry, now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// evictOldest removes the least recently created entry.
func (c *Cache) evictOldest() {
	var oldestKey string
	var oldest time.Time
	c.entries.Each(func(m map[string]*Entry) {
		for k, e := range m {
			if oldestKey == "" || e.CreatedAt.Before(oldest) {
				oldestKey, oldest = k, e.CreatedAt
			}
		}
	})
	if oldestKey == "" {
		return
	}
	c.entries.With(oldestKey, func(m map[string]*Entry) {
		if _, ok := m[oldestKey]; ok {
			delete(m, oldestKey)
			c.count.Add(-1)
		}
	})
}
