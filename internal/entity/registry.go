// Package entity owns the tracked-entity registry, the tiered keyword
// matcher and the admission gate that runs ahead of it.
package entity

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"newsguard/internal/model"
)

var (
	ErrEmptyKeyword = errors.New("entity: empty keyword")
	ErrNoKeywords   = errors.New("entity: no keywords")
	ErrInvalidID    = errors.New("entity: id required")
	ErrInvalidTier  = errors.New("entity: unknown tier")
	ErrNotFound     = errors.New("entity: not found")
)

// Store persists entity definitions. Registry writes through it before
// touching the in-memory index.
type Store interface {
	PutEntity(ctx context.Context, e model.Entity) error
	DeleteEntity(ctx context.Context, id string) error
	ListEntities(ctx context.Context) ([]model.Entity, error)
}

// Registry is the single writer for entity keyword state. Readers call
// Snapshot and never see a half-applied change.
type Registry struct {
	mu       sync.Mutex
	store    Store
	entities map[string]model.Entity
	terms    TermSet
	snap     atomic.Pointer[Snapshot]
}

func NewRegistry(store Store) *Registry {
	r := &Registry{store: store, entities: make(map[string]model.Entity)}
	r.snap.Store(buildSnapshot(nil, TermSet{}))
	return r
}

// Load replaces the registry contents with what the store holds, then
// merges in seed entities that the store does not know yet.
func (r *Registry) Load(ctx context.Context, seed []model.Entity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := make(map[string]model.Entity)
	if r.store != nil {
		stored, err := r.store.ListEntities(ctx)
		if err != nil {
			return fmt.Errorf("load entities: %w", err)
		}
		for _, e := range stored {
			clean, err := Normalize(e)
			if err != nil {
				return fmt.Errorf("stored entity %q: %w", e.ID, err)
			}
			next[clean.ID] = clean
		}
	}
	for _, e := range seed {
		clean, err := Normalize(e)
		if err != nil {
			return fmt.Errorf("seed entity %q: %w", e.ID, err)
		}
		if _, ok := next[clean.ID]; ok {
			continue
		}
		if r.store != nil {
			if err := r.store.PutEntity(ctx, clean); err != nil {
				return fmt.Errorf("seed entity %q: %w", clean.ID, err)
			}
		}
		next[clean.ID] = clean
	}
	r.entities = next
	r.publish()
	return nil
}

func (r *Registry) Snapshot() *Snapshot {
	return r.snap.Load()
}

func (r *Registry) Get(id string) (model.Entity, bool) {
	e, ok := r.Snapshot().entity(id)
	return e, ok
}

func (r *Registry) List() []model.Entity {
	return r.Snapshot().Entities()
}

// Put creates or replaces an entity.
func (r *Registry) Put(ctx context.Context, e model.Entity) (model.Entity, error) {
	clean, err := Normalize(e)
	if err != nil {
		return model.Entity{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.persist(ctx, clean); err != nil {
		return model.Entity{}, err
	}
	r.entities[clean.ID] = clean
	r.publish()
	return clean, nil
}

func (r *Registry) Delete(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entities[id]; !ok {
		return ErrNotFound
	}
	if r.store != nil {
		if err := r.store.DeleteEntity(ctx, id); err != nil {
			return fmt.Errorf("delete entity %q: %w", id, err)
		}
	}
	delete(r.entities, id)
	r.publish()
	return nil
}

func (r *Registry) AddKeywords(ctx context.Context, id string, tier model.Tier, keywords ...string) (model.Entity, error) {
	return r.edit(ctx, id, tier, func(list []string) []string {
		return append(list, keywords...)
	})
}

func (r *Registry) RemoveKeywords(ctx context.Context, id string, tier model.Tier, keywords ...string) (model.Entity, error) {
	drop := make(map[string]struct{}, len(keywords))
	for _, kw := range keywords {
		drop[foldKeyword(kw)] = struct{}{}
	}
	return r.edit(ctx, id, tier, func(list []string) []string {
		out := list[:0:0]
		for _, kw := range list {
			if _, ok := drop[foldKeyword(kw)]; !ok {
				out = append(out, kw)
			}
		}
		return out
	})
}

func (r *Registry) edit(ctx context.Context, id string, tier model.Tier, fn func([]string) []string) (model.Entity, error) {
	if !tier.Valid() {
		return model.Entity{}, ErrInvalidTier
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.entities[strings.TrimSpace(id)]
	if !ok {
		return model.Entity{}, ErrNotFound
	}
	next := cur
	next.Direct = append([]string(nil), cur.Direct...)
	next.Related = append([]string(nil), cur.Related...)
	next.Context = append([]string(nil), cur.Context...)
	switch tier {
	case model.TierDirect:
		next.Direct = fn(next.Direct)
	case model.TierRelated:
		next.Related = fn(next.Related)
	case model.TierContext:
		next.Context = fn(next.Context)
	}
	clean, err := Normalize(next)
	if err != nil {
		return model.Entity{}, err
	}
	if err := r.persist(ctx, clean); err != nil {
		return model.Entity{}, err
	}
	r.entities[clean.ID] = clean
	r.publish()
	return clean, nil
}

// TermSet is the operator-curated part of the admission gate. Entity
// keywords always admit and need not be repeated in Admit.
type TermSet struct {
	Admit []string `json:"keywords"`
	Block []string `json:"blocklist"`
}

type TermList int

const (
	AdmitList TermList = iota
	BlockList
)

// SetAdmissionTerms replaces the curated admission terms.
func (r *Registry) SetAdmissionTerms(terms []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := r.terms
	next.Admit = terms
	return r.setTermsLocked(next)
}

// SetTerms replaces both curated lists.
func (r *Registry) SetTerms(ts TermSet) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.setTermsLocked(ts)
}

func (r *Registry) Terms() TermSet {
	r.mu.Lock()
	defer r.mu.Unlock()
	return TermSet{
		Admit: append([]string(nil), r.terms.Admit...),
		Block: append([]string(nil), r.terms.Block...),
	}
}

// AddTerms appends terms to one curated list. When save is set it receives
// the resulting set before it is published; if it fails nothing changes.
func (r *Registry) AddTerms(list TermList, terms []string, save func(TermSet) error) (TermSet, error) {
	return r.editTerms(list, save, func(cur []string) []string {
		return append(append([]string(nil), cur...), terms...)
	})
}

// RemoveTerms drops terms, compared case-insensitively, from one curated list.
func (r *Registry) RemoveTerms(list TermList, terms []string, save func(TermSet) error) (TermSet, error) {
	drop := make(map[string]struct{}, len(terms))
	for _, t := range terms {
		drop[foldKeyword(t)] = struct{}{}
	}
	return r.editTerms(list, save, func(cur []string) []string {
		out := make([]string, 0, len(cur))
		for _, t := range cur {
			if _, ok := drop[foldKeyword(t)]; !ok {
				out = append(out, t)
			}
		}
		return out
	})
}

func (r *Registry) editTerms(list TermList, save func(TermSet) error, fn func([]string) []string) (TermSet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := r.terms
	switch list {
	case AdmitList:
		next.Admit = fn(next.Admit)
	case BlockList:
		next.Block = fn(next.Block)
	default:
		return TermSet{}, fmt.Errorf("entity: unknown term list %d", list)
	}
	clean, err := cleanTerms(next)
	if err != nil {
		return TermSet{}, err
	}
	if save != nil {
		if err := save(clean); err != nil {
			return TermSet{}, err
		}
	}
	r.terms = clean
	r.publish()
	return clean, nil
}

// setTermsLocked must be called with r.mu held.
func (r *Registry) setTermsLocked(ts TermSet) error {
	clean, err := cleanTerms(ts)
	if err != nil {
		return err
	}
	r.terms = clean
	r.publish()
	return nil
}

func cleanTerms(ts TermSet) (TermSet, error) {
	admit, err := normalizeList(ts.Admit)
	if err != nil {
		return TermSet{}, err
	}
	block, err := normalizeList(ts.Block)
	if err != nil {
		return TermSet{}, err
	}
	return TermSet{Admit: admit, Block: block}, nil
}

func (r *Registry) persist(ctx context.Context, e model.Entity) error {
	if r.store == nil {
		return nil
	}
	if err := r.store.PutEntity(ctx, e); err != nil {
		return fmt.Errorf("save entity %q: %w", e.ID, err)
	}
	return nil
}

// publish must be called with r.mu held.
func (r *Registry) publish() {
	list := make([]model.Entity, 0, len(r.entities))
	for _, e := range r.entities {
		list = append(list, e)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	r.snap.Store(buildSnapshot(list, r.terms))
}

// Normalize trims the id and every keyword, rejects empty keywords and
// drops case-insensitive duplicates within a tier.
func Normalize(e model.Entity) (model.Entity, error) {
	e.ID = strings.TrimSpace(e.ID)
	if e.ID == "" {
		return model.Entity{}, ErrInvalidID
	}
	e.DisplayName = strings.TrimSpace(e.DisplayName)
	if e.DisplayName == "" {
		e.DisplayName = e.ID
	}
	var err error
	if e.Direct, err = normalizeList(e.Direct); err != nil {
		return model.Entity{}, fmt.Errorf("%s direct: %w", e.ID, err)
	}
	if e.Related, err = normalizeList(e.Related); err != nil {
		return model.Entity{}, fmt.Errorf("%s related: %w", e.ID, err)
	}
	if e.Context, err = normalizeList(e.Context); err != nil {
		return model.Entity{}, fmt.Errorf("%s context: %w", e.ID, err)
	}
	if len(e.Direct)+len(e.Related)+len(e.Context) == 0 {
		return model.Entity{}, fmt.Errorf("%s: %w", e.ID, ErrNoKeywords)
	}
	return e, nil
}

func normalizeList(list []string) ([]string, error) {
	if len(list) == 0 {
		return nil, nil
	}
	seen := make(map[string]struct{}, len(list))
	out := make([]string, 0, len(list))
	for _, kw := range list {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			return nil, ErrEmptyKeyword
		}
		key := foldKeyword(kw)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, kw)
	}
	return out, nil
}

func foldKeyword(kw string) string {
	return strings.ToLower(strings.TrimSpace(kw))
}
