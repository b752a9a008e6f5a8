package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"newsguard/internal/model"
)

// Memory keeps everything in maps under one lock. Used in tests and when no
// durable backend is configured.
type Memory struct {
	mu         sync.RWMutex
	records    map[string]model.Record
	research   map[string]model.ResearchDoc
	deliveries map[string]model.DeliveryRecord
	order      []string
	entities   map[string]model.Entity
}

func NewMemory() *Memory {
	return &Memory{
		records:    make(map[string]model.Record),
		research:   make(map[string]model.ResearchDoc),
		deliveries: make(map[string]model.DeliveryRecord),
		entities:   make(map[string]model.Entity),
	}
}

func (m *Memory) Init(context.Context) error { return nil }
func (m *Memory) Close() error               { return nil }

func (m *Memory) InsertRecord(_ context.Context, rec model.Record) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.Fingerprint]; ok {
		return false, nil
	}
	m.records[rec.Fingerprint] = rec
	return true, nil
}

func (m *Memory) GetRecord(_ context.Context, fingerprint string) (model.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[fingerprint]
	if !ok {
		return model.Record{}, ErrNotFound
	}
	return rec, nil
}

func (m *Memory) MarkRecordAlerted(_ context.Context, fingerprint string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[fingerprint]
	if !ok {
		return ErrNotFound
	}
	rec.AlertDelivered = true
	rec.AlertDeliveredAt = at.UTC()
	m.records[fingerprint] = rec
	return nil
}

func (m *Memory) InsertResearchDoc(_ context.Context, doc model.ResearchDoc) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.research[doc.Fingerprint]; ok {
		return false, nil
	}
	m.research[doc.Fingerprint] = doc
	return true, nil
}

func (m *Memory) OpenWindow(_ context.Context, entityID string, severity model.Severity, now time.Time) (model.DeliveryRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best model.DeliveryRecord
	found := false
	for _, d := range m.deliveries {
		if d.EntityID != entityID || d.Severity != severity || d.Status != model.StatusSent {
			continue
		}
		if !d.ExpiresAt.After(now) {
			continue
		}
		if !found || d.SentAt.After(best.SentAt) {
			best = d
			found = true
		}
	}
	return best, found, nil
}

func (m *Memory) InsertDelivery(_ context.Context, d model.DeliveryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.deliveries[d.RecordFingerprint]; ok {
		return ErrConflict
	}
	m.deliveries[d.RecordFingerprint] = d
	m.order = append(m.order, d.RecordFingerprint)
	return nil
}

func (m *Memory) GetDelivery(_ context.Context, recordFingerprint string) (model.DeliveryRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.deliveries[recordFingerprint]
	if !ok {
		return model.DeliveryRecord{}, ErrNotFound
	}
	return d, nil
}

func (m *Memory) UpdateDeliveryOutcome(_ context.Context, recordFingerprint string, status model.DeliveryStatus, externalID, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[recordFingerprint]
	if !ok {
		return ErrNotFound
	}
	d.Status = status
	d.ExternalID = externalID
	d.ErrorMessage = errMsg
	m.deliveries[recordFingerprint] = d
	return nil
}

func (m *Memory) MarkAggregated(_ context.Context, recordFingerprints []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, fp := range recordFingerprints {
		d, ok := m.deliveries[fp]
		if !ok || d.Status != model.StatusSilenced {
			continue
		}
		d.Status = model.StatusAggregated
		m.deliveries[fp] = d
	}
	return nil
}

func (m *Memory) ListDeliveries(_ context.Context, limit int) ([]model.DeliveryRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 || limit > len(m.order) {
		limit = len(m.order)
	}
	out := make([]model.DeliveryRecord, 0, limit)
	for i := len(m.order) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.deliveries[m.order[i]])
	}
	return out, nil
}

func (m *Memory) DeliveryStats(_ context.Context, since time.Time) ([]model.DeliveryStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	acc := make(map[model.Severity]*model.DeliveryStats)
	for _, d := range m.deliveries {
		if d.SentAt.Before(since) {
			continue
		}
		bumpStats(statsFor(acc, d.Severity), d.Status, 1)
	}
	return sortedStats(acc), nil
}

func (m *Memory) PutEntity(_ context.Context, e model.Entity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entities[e.ID] = e
	return nil
}

func (m *Memory) DeleteEntity(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entities[id]; !ok {
		return ErrNotFound
	}
	delete(m.entities, id)
	return nil
}

func (m *Memory) ListEntities(context.Context) ([]model.Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Entity, 0, len(m.entities))
	for _, e := range m.entities {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
