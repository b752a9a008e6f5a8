package fingerprint

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"newsguard/internal/model"
)

type Reason string

const (
	ReasonNew       Reason = "new"
	ReasonDuplicate Reason = "duplicate"
)

// RecordStore is the conditional-insert surface the Admitter needs. Insert
// methods report whether the row was created; false means it already existed.
type RecordStore interface {
	InsertRecord(ctx context.Context, rec model.Record) (bool, error)
	InsertResearchDoc(ctx context.Context, doc model.ResearchDoc) (bool, error)
}

type Admission struct {
	Record *model.Record
	Reason Reason
}

// Admitter performs insert-if-absent admission. A small expiring cache of
// fingerprints known to exist in storage short-circuits re-polled content.
type Admitter struct {
	store RecordStore
	known *expirable.LRU[string, struct{}]
	now   func() time.Time
}

const (
	knownCacheSize = 50000
	knownCacheTTL  = 36 * time.Hour
)

func NewAdmitter(store RecordStore) *Admitter {
	return &Admitter{
		store: store,
		known: expirable.NewLRU[string, struct{}](knownCacheSize, nil, knownCacheTTL),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// NewRecord builds the storable form of an item with both fingerprints set.
func NewRecord(it model.Item, now time.Time) model.Record {
	publish := it.PublishTime
	if publish.IsZero() {
		publish = now
	}
	return model.Record{
		Fingerprint:            Item(it, now),
		CrossSourceFingerprint: CrossSource(it, now),
		SourceID:               strings.TrimSpace(it.SourceID),
		Title:                  collapseSpace(it.Title),
		Body:                   strings.TrimSpace(it.Body),
		URL:                    strings.TrimSpace(it.URL),
		PublishTime:            publish.UTC(),
		IngestedAt:             now.UTC(),
	}
}

// Admit fingerprints and stores an item with no classification attached.
func (a *Admitter) Admit(ctx context.Context, it model.Item) (Admission, error) {
	return a.AdmitRecord(ctx, NewRecord(it, a.now()))
}

// AdmitRecord inserts a prepared record. Exactly one of any set of
// concurrent callers with the same fingerprint observes ReasonNew.
func (a *Admitter) AdmitRecord(ctx context.Context, rec model.Record) (Admission, error) {
	if rec.Fingerprint == "" {
		return Admission{}, fmt.Errorf("admit: record has no fingerprint")
	}
	if a.known.Contains(rec.Fingerprint) {
		return Admission{Reason: ReasonDuplicate}, nil
	}
	created, err := a.store.InsertRecord(ctx, rec)
	if err != nil {
		return Admission{}, fmt.Errorf("admit %s: %w", rec.Fingerprint, err)
	}
	a.known.Add(rec.Fingerprint, struct{}{})
	if !created {
		return Admission{Reason: ReasonDuplicate}, nil
	}
	return Admission{Record: &rec, Reason: ReasonNew}, nil
}

// AdmitResearch stores a research document once per (title, analyst, publisher).
func (a *Admitter) AdmitResearch(ctx context.Context, doc model.ResearchDoc) (bool, error) {
	if strings.TrimSpace(doc.Title) == "" {
		return false, fmt.Errorf("admit research: title required")
	}
	doc.Fingerprint = Research(doc.Title, doc.Analyst, doc.Publisher)
	if doc.IngestedAt.IsZero() {
		doc.IngestedAt = a.now()
	}
	created, err := a.store.InsertResearchDoc(ctx, doc)
	if err != nil {
		return false, fmt.Errorf("admit research %s: %w", doc.Fingerprint, err)
	}
	return created, nil
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
