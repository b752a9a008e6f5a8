package entity

import (
	"sort"
	"strings"

	"newsguard/internal/lexicon"
	"newsguard/internal/model"
)

type compiledEntity struct {
	entity model.Entity
	tiers  [3][]lexicon.Term
}

// Snapshot is an immutable view of the registry. Safe for concurrent use.
type Snapshot struct {
	entities []compiledEntity
	byID     map[string]int
	// index maps a folded keyword to the entities carrying it in any tier.
	index map[string][]string
	gate  []lexicon.Term
	block []lexicon.Term
}

func buildSnapshot(list []model.Entity, terms TermSet) *Snapshot {
	s := &Snapshot{
		entities: make([]compiledEntity, 0, len(list)),
		byID:     make(map[string]int, len(list)),
		index:    make(map[string][]string),
		block:    lexicon.CompileAll(terms.Block),
	}
	gate := append([]string(nil), terms.Admit...)
	for _, e := range list {
		ce := compiledEntity{entity: e}
		for i, tier := range model.Tiers {
			for _, kw := range e.Keywords(tier) {
				term, ok := lexicon.Compile(kw)
				if !ok {
					continue
				}
				ce.tiers[i] = append(ce.tiers[i], term)
				gate = append(gate, kw)
				folded := lexicon.Fold(kw)
				ids := s.index[folded]
				if len(ids) == 0 || ids[len(ids)-1] != e.ID {
					s.index[folded] = append(ids, e.ID)
				}
			}
		}
		s.byID[e.ID] = len(s.entities)
		s.entities = append(s.entities, ce)
	}
	s.gate = lexicon.CompileAll(gate)
	sort.Slice(s.gate, func(i, j int) bool { return s.gate[i].Word < s.gate[j].Word })
	return s
}

// Match returns one result per entity whose keywords occur in text, at the
// strongest tier that hit. Results are ordered direct, related, context and
// by entity id within a tier.
func (s *Snapshot) Match(text string) []model.EntityMatch {
	t := lexicon.NewText(text)
	var out []model.EntityMatch
	for _, ce := range s.entities {
		for i, tier := range model.Tiers {
			if hits := lexicon.Hits(ce.tiers[i], t); len(hits) > 0 {
				out = append(out, model.EntityMatch{EntityID: ce.entity.ID, Tier: tier, Keywords: hits})
				break
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := out[i].Tier.Rank(), out[j].Tier.Rank()
		if ri != rj {
			return ri < rj
		}
		return out[i].EntityID < out[j].EntityID
	})
	return out
}

// Admit reports whether text passes the gate. A blocked term rejects the
// text outright and is returned as the hit; otherwise any admission term
// admits it.
func (s *Snapshot) Admit(text string) (bool, []string) {
	t := lexicon.NewText(text)
	if blocked := lexicon.Hits(s.block, t); len(blocked) > 0 {
		return false, blocked
	}
	hits := lexicon.Hits(s.gate, t)
	return len(hits) > 0, hits
}

// Lookup returns the ids of entities that carry keyword in any tier.
func (s *Snapshot) Lookup(keyword string) []string {
	return append([]string(nil), s.index[lexicon.Fold(keyword)]...)
}

func (s *Snapshot) GateTerms() []string {
	return lexicon.Words(s.gate)
}

func (s *Snapshot) BlockTerms() []string {
	return lexicon.Words(s.block)
}

func (s *Snapshot) Entities() []model.Entity {
	out := make([]model.Entity, 0, len(s.entities))
	for _, ce := range s.entities {
		out = append(out, ce.entity)
	}
	return out
}

func (s *Snapshot) Len() int {
	return len(s.entities)
}

func (s *Snapshot) entity(id string) (model.Entity, bool) {
	i, ok := s.byID[strings.TrimSpace(id)]
	if !ok {
		return model.Entity{}, false
	}
	return s.entities[i].entity, true
}
