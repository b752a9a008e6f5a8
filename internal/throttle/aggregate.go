package throttle

import (
	"sort"
	"sync"
	"time"

	"newsguard/internal/model"
)

// Pending is a silenced record waiting to be summarized.
type Pending struct {
	RecordFingerprint string         `json:"record_fingerprint"`
	EntityID          string         `json:"entity_id"`
	Severity          model.Severity `json:"severity"`
	Title             string         `json:"title"`
	SourceID          string         `json:"source_id"`
	URL               string         `json:"url,omitempty"`
	At                time.Time      `json:"at"`
}

// Batch is one entity's pending records. Dropped counts records evicted
// past the per-entity cap; Attempts counts sweeps that failed to deliver it.
type Batch struct {
	EntityID string
	Items    []Pending
	Dropped  int
	Attempts int
}

// Count is the number of records the batch summarizes.
func (b Batch) Count() int {
	return len(b.Items) + b.Dropped
}

// Severity is the most urgent severity in the batch.
func (b Batch) Severity() model.Severity {
	best := model.SeverityNone
	for _, p := range b.Items {
		if best == model.SeverityNone || p.Severity.Rank() < best.Rank() {
			best = p.Severity
		}
	}
	return best
}

const DefaultMaxPending = 200

// Aggregator holds silenced records per entity until a sweep collects them.
type Aggregator struct {
	mu      sync.Mutex
	limit   int
	pending map[string]*Batch
}

// NewAggregator keeps at most limit records per entity, DefaultMaxPending
// when limit is not positive.
func NewAggregator(limit int) *Aggregator {
	if limit <= 0 {
		limit = DefaultMaxPending
	}
	return &Aggregator{limit: limit, pending: make(map[string]*Batch)}
}

// Add queues p and returns any records evicted to stay under the cap.
func (a *Aggregator) Add(p Pending) []Pending {
	a.mu.Lock()
	defer a.mu.Unlock()
	b := a.batch(p.EntityID)
	b.Items = append(b.Items, p)
	return a.trim(b)
}

// Pending returns the number of waiting records per entity.
func (a *Aggregator) Pending() map[string]int {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]int, len(a.pending))
	for id, b := range a.pending {
		out[id] = b.Count()
	}
	return out
}

// Collect removes and returns every pending batch, ordered by entity id.
func (a *Aggregator) Collect() []Batch {
	a.mu.Lock()
	pending := a.pending
	a.pending = make(map[string]*Batch)
	a.mu.Unlock()

	out := make([]Batch, 0, len(pending))
	for _, b := range pending {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out
}

// Restore puts a batch back after a failed summary, ahead of anything queued
// since, and counts the failed attempt. It returns records evicted by the cap.
func (a *Aggregator) Restore(b Batch) []Pending {
	a.mu.Lock()
	defer a.mu.Unlock()
	cur := a.batch(b.EntityID)
	cur.Items = append(append([]Pending{}, b.Items...), cur.Items...)
	cur.Dropped += b.Dropped
	cur.Attempts = b.Attempts + 1
	return a.trim(cur)
}

func (a *Aggregator) batch(entityID string) *Batch {
	b, ok := a.pending[entityID]
	if !ok {
		b = &Batch{EntityID: entityID}
		a.pending[entityID] = b
	}
	return b
}

// trim must be called with a.mu held.
func (a *Aggregator) trim(b *Batch) []Pending {
	over := len(b.Items) - a.limit
	if over <= 0 {
		return nil
	}
	evicted := append([]Pending(nil), b.Items[:over]...)
	b.Items = append([]Pending(nil), b.Items[over:]...)
	b.Dropped += over
	return evicted
}
