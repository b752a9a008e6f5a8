package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"newsguard/internal/entity"
	"newsguard/internal/model"
)

func (s *Server) handleEntities(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		list := s.registry.List()
		if kw := strings.TrimSpace(r.URL.Query().Get("keyword")); kw != "" {
			list = list[:0]
			for _, id := range s.registry.Snapshot().Lookup(kw) {
				if e, ok := s.registry.Get(id); ok {
					list = append(list, e)
				}
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"entities": list, "count": len(list)})
	case http.MethodPost:
		var e model.Entity
		if err := decodeBody(w, r, &e); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		saved, err := s.registry.Put(r.Context(), e)
		if err != nil {
			writeError(w, entityErrorStatus(err), err)
			return
		}
		s.logEntityChange("entity saved", saved.ID)
		writeJSON(w, http.StatusOK, saved)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleEntity serves /entities/{id} and /entities/{id}/keywords.
func (s *Server) handleEntity(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/entities/"), "/")
	id, sub, _ := strings.Cut(rest, "/")
	if id == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	switch sub {
	case "":
		s.handleEntityByID(w, r, id)
	case "keywords":
		s.handleEntityKeywords(w, r, id)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *Server) handleEntityByID(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		e, ok := s.registry.Get(id)
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, e)
	case http.MethodPut:
		var e model.Entity
		if err := decodeBody(w, r, &e); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		e.ID = id
		saved, err := s.registry.Put(r.Context(), e)
		if err != nil {
			writeError(w, entityErrorStatus(err), err)
			return
		}
		s.logEntityChange("entity saved", saved.ID)
		writeJSON(w, http.StatusOK, saved)
	case http.MethodDelete:
		if err := s.registry.Delete(r.Context(), id); err != nil {
			writeError(w, entityErrorStatus(err), err)
			return
		}
		s.logEntityChange("entity deleted", id)
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

type keywordsRequest struct {
	Tier     model.Tier `json:"tier"`
	List     string     `json:"list"`
	Keywords []string   `json:"keywords"`
}

func (s *Server) handleEntityKeywords(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost && r.Method != http.MethodDelete {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req keywordsRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var (
		saved model.Entity
		err   error
	)
	if r.Method == http.MethodPost {
		saved, err = s.registry.AddKeywords(r.Context(), id, req.Tier, req.Keywords...)
	} else {
		saved, err = s.registry.RemoveKeywords(r.Context(), id, req.Tier, req.Keywords...)
	}
	if err != nil {
		writeError(w, entityErrorStatus(err), err)
		return
	}
	s.logEntityChange("entity keywords changed", id)
	writeJSON(w, http.StatusOK, saved)
}

// handleKeywords edits the curated admission and block lists and persists
// them to the config file when one is in use. "list" is "admit" (default)
// or "block".
func (s *Server) handleKeywords(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		terms := s.registry.Terms()
		writeJSON(w, http.StatusOK, map[string]any{
			"keywords":  terms.Admit,
			"blocklist": terms.Block,
			"gate":      s.registry.Snapshot().GateTerms(),
		})
		return
	case http.MethodPost, http.MethodDelete:
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req keywordsRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var list entity.TermList
	switch strings.ToLower(strings.TrimSpace(req.List)) {
	case "", "admit":
		list = entity.AdmitList
	case "block":
		list = entity.BlockList
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown list %q", req.List))
		return
	}
	save := func(next entity.TermSet) error {
		cfg := *s.cfg.Get()
		cfg.Admission.Keywords = next.Admit
		cfg.Admission.Blocklist = next.Block
		return s.cfg.Update(&cfg)
	}
	var (
		terms entity.TermSet
		err   error
	)
	if r.Method == http.MethodPost {
		terms, err = s.registry.AddTerms(list, req.Keywords, save)
	} else {
		terms, err = s.registry.RemoveTerms(list, req.Keywords, save)
	}
	if err != nil {
		writeError(w, entityErrorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"keywords": terms.Admit, "blocklist": terms.Block})
}

func (s *Server) logEntityChange(msg, id string) {
	if s.logger != nil {
		s.logger.Info(msg, "entity_id", id)
	}
}

func entityErrorStatus(err error) int {
	switch {
	case errors.Is(err, entity.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, entity.ErrEmptyKeyword),
		errors.Is(err, entity.ErrNoKeywords),
		errors.Is(err, entity.ErrInvalidID),
		errors.Is(err, entity.ErrInvalidTier):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
