package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"newsguard/internal/config"
	"newsguard/internal/model"
)

var (
	// ErrConflict reports a unique-constraint violation on a delivery decision.
	ErrConflict = errors.New("storage: conflict")
	ErrNotFound = errors.New("storage: not found")
)

// Store is the persistence surface of the pipeline. Every implementation
// makes InsertRecord and InsertResearchDoc atomic insert-if-absent operations
// and enforces a unique record fingerprint on deliveries.
type Store interface {
	Init(ctx context.Context) error
	Close() error

	InsertRecord(ctx context.Context, rec model.Record) (bool, error)
	GetRecord(ctx context.Context, fingerprint string) (model.Record, error)
	MarkRecordAlerted(ctx context.Context, fingerprint string, at time.Time) error
	InsertResearchDoc(ctx context.Context, doc model.ResearchDoc) (bool, error)

	// OpenWindow returns the newest sent delivery for the key whose
	// expiry is after now.
	OpenWindow(ctx context.Context, entityID string, severity model.Severity, now time.Time) (model.DeliveryRecord, bool, error)
	InsertDelivery(ctx context.Context, d model.DeliveryRecord) error
	GetDelivery(ctx context.Context, recordFingerprint string) (model.DeliveryRecord, error)
	UpdateDeliveryOutcome(ctx context.Context, recordFingerprint string, status model.DeliveryStatus, externalID, errMsg string) error
	MarkAggregated(ctx context.Context, recordFingerprints []string) error
	ListDeliveries(ctx context.Context, limit int) ([]model.DeliveryRecord, error)
	DeliveryStats(ctx context.Context, since time.Time) ([]model.DeliveryStats, error)

	PutEntity(ctx context.Context, e model.Entity) error
	DeleteEntity(ctx context.Context, id string) error
	ListEntities(ctx context.Context) ([]model.Entity, error)
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "memory":
		return NewMemory(), nil
	case "sqlite", "":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

func statsFor(m map[model.Severity]*model.DeliveryStats, sev model.Severity) *model.DeliveryStats {
	st, ok := m[sev]
	if !ok {
		st = &model.DeliveryStats{Severity: sev}
		m[sev] = st
	}
	return st
}

func bumpStats(st *model.DeliveryStats, status model.DeliveryStatus, n int) {
	switch status {
	case model.StatusSent:
		st.Sent += n
	case model.StatusSilenced:
		st.Silenced += n
	case model.StatusFailed:
		st.Failed += n
	case model.StatusAggregated:
		st.Aggregated += n
	}
}

func sortedStats(m map[model.Severity]*model.DeliveryStats) []model.DeliveryStats {
	out := make([]model.DeliveryStats, 0, len(m))
	for _, sev := range []model.Severity{model.SeverityDanger, model.SeveritySuccess, model.SeverityPrimary} {
		if st, ok := m[sev]; ok {
			out = append(out, *st)
		}
	}
	return out
}
