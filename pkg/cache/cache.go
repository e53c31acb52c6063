// Package cache implements the process-local Credential Cache (C2): a
// coherence layer over Credentials, authoritative only for freshness
// within its TTL. The durable store remains authoritative for identity
// and long-term token state.
package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Record is one cached bearer entry.
type Record struct {
	Bearer       string
	RefreshToken string
	ExpiresAt    time.Time
	UserID       uuid.UUID
	LastUsed     time.Time

	RefreshAttempts int

	CachedAt              time.Time
	LastRefreshAttempt    *time.Time
	LastSuccessfulRefresh *time.Time
	Scope                 string
	Status                string
}

// expired reports whether the bearer has passed its strict expiry.
func (r Record) expired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}

// Stats summarizes the cache's current contents.
type Stats struct {
	Size                 int
	ExpiredCount         int
	RecentlyUsedCount    int
	AvgMinutesToExpiry   float64
}

const recentlyUsedWindow = 5 * time.Minute

type element struct {
	id     uuid.UUID
	record Record
}

// Cache is the in-process credential cache. Capacity of 0 means unbounded;
// a positive capacity enforces LRU eviction by LastUsed.
type Cache struct {
	mu       sync.Mutex
	capacity int
	entries  map[uuid.UUID]*list.Element
	order    *list.List // front = most recently used
	now      func() time.Time
}

// New builds a Cache. capacity of 0 disables eviction.
func New(capacity int) *Cache {
	return &Cache{
		capacity: capacity,
		entries:  make(map[uuid.UUID]*list.Element),
		order:    list.New(),
		now:      time.Now,
	}
}

// Get returns the cached record for id. It returns ok=false when the entry
// is absent, its bearer is strictly expired, or its status is inactive or
// expired. A hit bumps LastUsed and the entry's recency in the LRU order.
func (c *Cache) Get(id uuid.UUID) (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[id]
	if !ok {
		return Record{}, false
	}
	rec := el.Value.(*element).record

	now := c.now()
	if rec.expired(now) || rec.Status == "inactive" || rec.Status == "expired" {
		return Record{}, false
	}

	rec.LastUsed = now
	el.Value.(*element).record = rec
	c.order.MoveToFront(el)

	return rec, true
}

// Peek returns the record without touching LastUsed or recency.
func (c *Cache) Peek(id uuid.UUID) (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[id]
	if !ok {
		return Record{}, false
	}
	return el.Value.(*element).record, true
}

// Put replaces any existing entry for id.
func (c *Cache) Put(id uuid.UUID, rec Record) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if rec.CachedAt.IsZero() {
		rec.CachedAt = c.now()
	}

	if el, ok := c.entries[id]; ok {
		el.Value.(*element).record = rec
		c.order.MoveToFront(el)
		return
	}

	el := c.order.PushFront(&element{id: id, record: rec})
	c.entries[id] = el
	c.evictIfNeeded()
}

// Patch is a struct of optionally-set fields for Cache.Patch.
type Patch struct {
	Status       *string
	ExpiresAt    *time.Time
	Bearer       *string
	RefreshToken *string
}

// Patch updates selected fields of an existing entry in place. It returns
// false if no entry exists for id.
func (c *Cache) Patch(id uuid.UUID, patch Patch) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[id]
	if !ok {
		return false
	}
	rec := &el.Value.(*element).record

	if patch.Status != nil {
		rec.Status = *patch.Status
	}
	if patch.ExpiresAt != nil {
		rec.ExpiresAt = *patch.ExpiresAt
	}
	if patch.Bearer != nil {
		rec.Bearer = *patch.Bearer
	}
	if patch.RefreshToken != nil {
		rec.RefreshToken = *patch.RefreshToken
	}

	return true
}

// Delete removes the entry for id, if any.
func (c *Cache) Delete(id uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleteLocked(id)
}

func (c *Cache) deleteLocked(id uuid.UUID) {
	if el, ok := c.entries[id]; ok {
		c.order.Remove(el)
		delete(c.entries, id)
	}
}

// Clear removes every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[uuid.UUID]*list.Element)
	c.order.Init()
}

// Ids returns every cached instance id, in no particular order.
func (c *Cache) Ids() []uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]uuid.UUID, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	return ids
}

// Stats summarizes the cache's current state.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var s Stats
	var totalMinutes float64

	for _, el := range c.entries {
		rec := el.Value.(*element).record
		s.Size++
		if rec.expired(now) {
			s.ExpiredCount++
		}
		if now.Sub(rec.LastUsed) <= recentlyUsedWindow {
			s.RecentlyUsedCount++
		}
		totalMinutes += rec.ExpiresAt.Sub(now).Minutes()
	}

	if s.Size > 0 {
		s.AvgMinutesToExpiry = totalMinutes / float64(s.Size)
	}

	return s
}

// IncrementRefreshAttempts bumps the refresh-attempt counter for id, used
// by C4 for back-off and alarming. A no-op if id isn't cached.
func (c *Cache) IncrementRefreshAttempts(id uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[id]; ok {
		rec := &el.Value.(*element).record
		rec.RefreshAttempts++
		now := c.now()
		rec.LastRefreshAttempt = &now
	}
}

// ResetRefreshAttempts zeroes the refresh-attempt counter for id.
func (c *Cache) ResetRefreshAttempts(id uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[id]; ok {
		rec := &el.Value.(*element).record
		rec.RefreshAttempts = 0
		now := c.now()
		rec.LastSuccessfulRefresh = &now
	}
}

// evictIfNeeded drops the least-recently-used entry when over capacity.
// Must be called with mu held.
func (c *Cache) evictIfNeeded() {
	if c.capacity <= 0 {
		return
	}
	for len(c.entries) > c.capacity {
		back := c.order.Back()
		if back == nil {
			return
		}
		id := back.Value.(*element).id
		c.order.Remove(back)
		delete(c.entries, id)
	}
}
