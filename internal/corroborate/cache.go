// Package corroborate keeps short-lived per-source buffers of signal keywords
// and flags items that a different source reported within the TTL.
package corroborate

import (
	"sync"
	"time"

	"newsguard/internal/config"
	"newsguard/internal/model"
)

const recentHits = 10

type entry struct {
	signals     []string
	publishTime time.Time
	seenAt      time.Time
	title       string
}

// buffer is a time-ordered queue of one source's observations. Entries are
// appended in arrival order so eviction only ever trims the head.
type buffer struct {
	entries []entry
	head    int
}

func (b *buffer) add(e entry, max int) {
	b.entries = append(b.entries, e)
	if max > 0 && b.len() > max {
		b.head += b.len() - max
	}
	b.compact()
}

func (b *buffer) evict(cutoff time.Time) {
	for b.head < len(b.entries) && b.entries[b.head].seenAt.Before(cutoff) {
		b.head++
	}
	b.compact()
}

func (b *buffer) compact() {
	if b.head > 0 && b.head*2 >= len(b.entries) {
		b.entries = append([]entry{}, b.entries[b.head:]...)
		b.head = 0
	}
}

func (b *buffer) len() int {
	return len(b.entries) - b.head
}

func (b *buffer) live() []entry {
	return b.entries[b.head:]
}

// Result is the outcome of a corroboration check.
type Result struct {
	Corroborated bool     `json:"corroborated"`
	WithSource   string   `json:"with_source,omitempty"`
	WithTitle    string   `json:"with_title,omitempty"`
	SharedSignal []string `json:"shared_signal,omitempty"`
}

// Hit is a remembered corroboration for the operator view.
type Hit struct {
	At         time.Time `json:"at"`
	Source     string    `json:"source"`
	Title      string    `json:"title"`
	WithSource string    `json:"with_source"`
	WithTitle  string    `json:"with_title"`
	Shared     []string  `json:"shared"`
}

type Status struct {
	Sources int   `json:"sources"`
	Entries int   `json:"entries"`
	Checks  int64 `json:"checks"`
	Hits    int64 `json:"hits"`
	Recent  []Hit `json:"recent"`
}

// Cache holds every source's buffer behind one lock; cross-source scans
// therefore always see a consistent view.
type Cache struct {
	mu        sync.Mutex
	ttl       time.Duration
	max       int
	minShared int
	sources   map[string]*buffer
	recent    []Hit
	checks    int64
	hits      int64
	now       func() time.Time
}

func New(cfg config.CorroborationConfig) *Cache {
	c := &Cache{
		ttl:       cfg.TTL,
		max:       cfg.MaxPerSource,
		minShared: cfg.MinSharedSignals,
		sources:   make(map[string]*buffer),
		now:       func() time.Time { return time.Now().UTC() },
	}
	if c.ttl <= 0 {
		c.ttl = 5 * time.Minute
	}
	if c.minShared <= 0 {
		c.minShared = 2
	}
	return c
}

// Observe records an item in its source's buffer.
func (c *Cache) Observe(sourceID string, it model.Item) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observeLocked(sourceID, it, ExtractSignals(it.Text()), c.now())
}

// Check compares an item against every other source's live buffer.
func (c *Cache) Check(sourceID string, it model.Item) Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.checkLocked(sourceID, it, ExtractSignals(it.Text()), c.now())
}

// ObserveAndCheck checks the item and then records it, under one lock.
func (c *Cache) ObserveAndCheck(sourceID string, it model.Item) Result {
	signals := ExtractSignals(it.Text())
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	res := c.checkLocked(sourceID, it, signals, now)
	c.observeLocked(sourceID, it, signals, now)
	return res
}

func (c *Cache) observeLocked(sourceID string, it model.Item, signals []string, now time.Time) {
	if len(signals) == 0 {
		return
	}
	b, ok := c.sources[sourceID]
	if !ok {
		b = &buffer{}
		c.sources[sourceID] = b
	}
	b.evict(now.Add(-c.ttl))
	b.add(entry{
		signals:     signals,
		publishTime: publishOrNow(it.PublishTime, now),
		seenAt:      now,
		title:       it.Title,
	}, c.max)
}

func (c *Cache) checkLocked(sourceID string, it model.Item, signals []string, now time.Time) Result {
	c.checks++
	if len(signals) < c.minShared {
		return Result{}
	}
	cutoff := now.Add(-c.ttl)
	publish := publishOrNow(it.PublishTime, now)

	var best Result
	var bestAt time.Time
	for src, b := range c.sources {
		b.evict(cutoff)
		if b.len() == 0 {
			delete(c.sources, src)
			continue
		}
		if src == sourceID {
			continue
		}
		for _, e := range b.live() {
			if absDuration(publish.Sub(e.publishTime)) > c.ttl {
				continue
			}
			common := shared(signals, e.signals)
			if len(common) < c.minShared {
				continue
			}
			better := len(common) > len(best.SharedSignal) ||
				(len(common) == len(best.SharedSignal) && e.seenAt.After(bestAt))
			if !best.Corroborated || better {
				best = Result{Corroborated: true, WithSource: src, WithTitle: e.title, SharedSignal: common}
				bestAt = e.seenAt
			}
		}
	}
	if best.Corroborated {
		c.hits++
		c.recent = append(c.recent, Hit{
			At:         now,
			Source:     sourceID,
			Title:      it.Title,
			WithSource: best.WithSource,
			WithTitle:  best.WithTitle,
			Shared:     best.SharedSignal,
		})
		if len(c.recent) > recentHits {
			c.recent = append([]Hit{}, c.recent[len(c.recent)-recentHits:]...)
		}
	}
	return best
}

func (c *Cache) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{Sources: len(c.sources), Checks: c.checks, Hits: c.hits}
	for _, b := range c.sources {
		st.Entries += b.len()
	}
	st.Recent = make([]Hit, len(c.recent))
	for i := range c.recent {
		// newest first
		st.Recent[i] = c.recent[len(c.recent)-1-i]
	}
	return st
}

// Clear drops all buffered observations and remembered hits.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources = make(map[string]*buffer)
	c.recent = nil
}

func publishOrNow(ts, now time.Time) time.Time {
	if ts.IsZero() {
		return now
	}
	return ts
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
