// Package throttle decides whether a classified record is delivered or
// silenced, and keeps silenced records for a later summary.
package throttle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"newsguard/internal/model"
	"newsguard/internal/storage"
)

// Store is the delivery-history surface the throttle reads and writes.
type Store interface {
	OpenWindow(ctx context.Context, entityID string, severity model.Severity, now time.Time) (model.DeliveryRecord, bool, error)
	InsertDelivery(ctx context.Context, d model.DeliveryRecord) error
	GetDelivery(ctx context.Context, recordFingerprint string) (model.DeliveryRecord, error)
	UpdateDeliveryOutcome(ctx context.Context, recordFingerprint string, status model.DeliveryStatus, externalID, errMsg string) error
	MarkAggregated(ctx context.Context, recordFingerprints []string) error
}

type Request struct {
	EntityID          string
	Severity          model.Severity
	RecordFingerprint string
	// Corroborated requests bypass an open window the same way danger does.
	Corroborated bool
	Title        string
	SourceID     string
	URL          string
}

type Decision struct {
	Status   model.DeliveryStatus
	Delivery model.DeliveryRecord
	// Replayed is set when the record had already been decided; the caller
	// must not dispatch again.
	Replayed bool
	// SilencedBy is the open window that silenced this request.
	SilencedBy string
}

// Deliver reports whether the caller should hand the record to the dispatcher.
func (d Decision) Deliver() bool {
	return d.Status == model.StatusSent && !d.Replayed
}

type Throttle struct {
	store  Store
	window time.Duration
	agg    *Aggregator
	logger *slog.Logger
	locks  *keyedMutex
	now    func() time.Time
}

func New(store Store, window time.Duration, agg *Aggregator, logger *slog.Logger) *Throttle {
	if agg == nil {
		agg = NewAggregator(0)
	}
	return &Throttle{
		store:  store,
		window: window,
		agg:    agg,
		logger: logger,
		locks:  newKeyedMutex(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (t *Throttle) Aggregator() *Aggregator {
	return t.agg
}

func (t *Throttle) Window() time.Duration {
	return t.window
}

// Decide makes the one delivery decision a record ever gets. Decisions for
// the same (entity, severity) run one at a time.
func (t *Throttle) Decide(ctx context.Context, req Request) (Decision, error) {
	if req.RecordFingerprint == "" || req.EntityID == "" {
		return Decision{}, fmt.Errorf("throttle: record fingerprint and entity required")
	}
	if !req.Severity.Valid() {
		return Decision{}, fmt.Errorf("throttle: invalid severity %q", req.Severity)
	}

	if prev, err := t.store.GetDelivery(ctx, req.RecordFingerprint); err == nil {
		return Decision{Status: prev.Status, Delivery: prev, Replayed: true}, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return Decision{}, fmt.Errorf("throttle lookup %s: %w", req.RecordFingerprint, err)
	}

	unlock := t.locks.lock(string(req.Severity) + "|" + req.EntityID)
	defer unlock()

	now := t.now()
	status := model.StatusSent
	silencedBy := ""
	if req.Severity != model.SeverityDanger && !req.Corroborated {
		open, found, err := t.store.OpenWindow(ctx, req.EntityID, req.Severity, now)
		if err != nil {
			return Decision{}, fmt.Errorf("throttle window %s/%s: %w", req.EntityID, req.Severity, err)
		}
		if found {
			status = model.StatusSilenced
			silencedBy = open.RecordFingerprint
		}
	}

	d := model.DeliveryRecord{
		ID:                uuid.NewString(),
		RecordFingerprint: req.RecordFingerprint,
		EntityID:          req.EntityID,
		Severity:          req.Severity,
		Status:            status,
		SentAt:            now,
		ExpiresAt:         now.Add(t.window),
		Corroborated:      req.Corroborated,
		Title:             req.Title,
		SourceID:          req.SourceID,
		URL:               req.URL,
	}
	if err := t.store.InsertDelivery(ctx, d); err != nil {
		if !errors.Is(err, storage.ErrConflict) {
			return Decision{}, fmt.Errorf("throttle record %s: %w", req.RecordFingerprint, err)
		}
		// Another worker decided this record first.
		prev, gerr := t.store.GetDelivery(ctx, req.RecordFingerprint)
		if gerr != nil {
			d.Status = model.StatusSilenced
			return Decision{Status: model.StatusSilenced, Delivery: d, Replayed: true}, nil
		}
		return Decision{Status: prev.Status, Delivery: prev, Replayed: true}, nil
	}

	if status == model.StatusSilenced {
		evicted := t.agg.Add(Pending{
			RecordFingerprint: d.RecordFingerprint,
			EntityID:          d.EntityID,
			Severity:          d.Severity,
			Title:             d.Title,
			SourceID:          d.SourceID,
			URL:               d.URL,
			At:                now,
		})
		if err := t.MarkAggregated(ctx, evicted); err != nil && t.logger != nil {
			t.logger.Warn("evicted pending records not marked", "entity_id", req.EntityID, "count", len(evicted), "err", err)
		}
		if t.logger != nil {
			t.logger.Debug("alert silenced",
				"entity_id", req.EntityID,
				"severity", req.Severity,
				"fingerprint", req.RecordFingerprint,
				"window", silencedBy,
			)
		}
	}
	return Decision{Status: status, Delivery: d, SilencedBy: silencedBy}, nil
}

// RecordOutcome stores the dispatcher's verdict on a sent decision. A failed
// delivery releases the window it opened.
func (t *Throttle) RecordOutcome(ctx context.Context, recordFingerprint string, delivered bool, externalID string, deliverErr error) error {
	status := model.StatusSent
	msg := ""
	if !delivered {
		status = model.StatusFailed
		if deliverErr != nil {
			msg = deliverErr.Error()
		}
	}
	if err := t.store.UpdateDeliveryOutcome(ctx, recordFingerprint, status, externalID, msg); err != nil {
		return fmt.Errorf("throttle outcome %s: %w", recordFingerprint, err)
	}
	return nil
}

// MarkAggregated folds silenced decisions into a summary.
func (t *Throttle) MarkAggregated(ctx context.Context, items []Pending) error {
	if len(items) == 0 {
		return nil
	}
	fps := make([]string, 0, len(items))
	for _, p := range items {
		fps = append(fps, p.RecordFingerprint)
	}
	if err := t.store.MarkAggregated(ctx, fps); err != nil {
		return fmt.Errorf("throttle aggregate: %w", err)
	}
	return nil
}

// Abandon marks silenced records whose summary could never be delivered as
// failed.
func (t *Throttle) Abandon(ctx context.Context, items []Pending, cause error) error {
	msg := "summary not delivered"
	if cause != nil {
		msg = cause.Error()
	}
	var errs []error
	for _, p := range items {
		if err := t.store.UpdateDeliveryOutcome(ctx, p.RecordFingerprint, model.StatusFailed, "", msg); err != nil {
			errs = append(errs, fmt.Errorf("throttle abandon %s: %w", p.RecordFingerprint, err))
		}
	}
	return errors.Join(errs...)
}

// keyedMutex hands out one mutex per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refLock)}
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
