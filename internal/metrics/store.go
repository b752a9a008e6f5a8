// Package metrics keeps per-source pipeline counters in memory.
package metrics

import (
	"sort"
	"sync"
	"time"

	"newsguard/internal/model"
)

type Counter int

const (
	Received Counter = iota
	Gated
	Duplicate
	Admitted
	Alerted
	Silenced
	Failed
	Rejected
)

type Store struct {
	mu       sync.RWMutex
	bySource map[string]*model.SourceCounters
	limit    int
	now      func() time.Time
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 5000
	}
	return &Store{
		bySource: make(map[string]*model.SourceCounters),
		limit:    limit,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) Inc(sourceID string, c Counter) {
	if sourceID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.bySource[sourceID]
	if !ok {
		sc = &model.SourceCounters{SourceID: sourceID}
		s.bySource[sourceID] = sc
	}
	switch c {
	case Received:
		sc.Received++
	case Gated:
		sc.Gated++
	case Duplicate:
		sc.Duplicate++
	case Admitted:
		sc.Admitted++
	case Alerted:
		sc.Alerted++
	case Silenced:
		sc.Silenced++
	case Failed:
		sc.Failed++
	case Rejected:
		sc.Rejected++
	}
	sc.LastSeen = s.now()
	if len(s.bySource) > s.limit {
		s.evictOldest()
	}
}

func (s *Store) Get(sourceID string) (model.SourceCounters, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.bySource[sourceID]
	if !ok {
		return model.SourceCounters{}, false
	}
	return *sc, true
}

// GetAll returns every source's counters ordered by source id.
func (s *Store) GetAll() []model.SourceCounters {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.SourceCounters, 0, len(s.bySource))
	for _, sc := range s.bySource {
		out = append(out, *sc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out
}

func (s *Store) Totals() model.SourceCounters {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var t model.SourceCounters
	for _, sc := range s.bySource {
		t.Received += sc.Received
		t.Gated += sc.Gated
		t.Duplicate += sc.Duplicate
		t.Admitted += sc.Admitted
		t.Alerted += sc.Alerted
		t.Silenced += sc.Silenced
		t.Failed += sc.Failed
		t.Rejected += sc.Rejected
		if sc.LastSeen.After(t.LastSeen) {
			t.LastSeen = sc.LastSeen
		}
	}
	return t
}

func (s *Store) evictOldest() {
	var oldestSource string
	var oldest time.Time
	for id, sc := range s.bySource {
		if oldestSource == "" || sc.LastSeen.Before(oldest) {
			oldestSource = id
			oldest = sc.LastSeen
		}
	}
	if oldestSource != "" {
		delete(s.bySource, oldestSource)
	}
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bySource = make(map[string]*model.SourceCounters)
}
