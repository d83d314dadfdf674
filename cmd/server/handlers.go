package main

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/liamcoop/history/history"
	"github.com/liamcoop/history/rules"
)

// MaxNormalizeBatch caps the URLs accepted by one normalize request
const MaxNormalizeBatch = 1000

// ruleErrorStatus maps rule package errors to HTTP status codes
func ruleErrorStatus(err error) int {
	switch {
	case errors.Is(err, rules.ErrRuleNotFound):
		return http.StatusNotFound
	case errors.Is(err, rules.ErrInvalidPattern), errors.Is(err, rules.ErrInvalidRule):
		return http.StatusBadRequest
	case errors.Is(err, rules.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func ruleIDParam(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "ruleId")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid rule id %q", raw)
	}
	return id, nil
}

// List rules handler
func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	list, err := s.engine.Store().ListAll(r.Context())
	if err != nil {
		respondError(w, ruleErrorStatus(err), "failed to list rules", err)
		return
	}

	respondJSON(w, http.StatusOK, RulesListResponse{Rules: list, Total: len(list)})
}

// Create rule handler
func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var req rules.CreateRuleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	if err := rules.ValidateCreate(req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid rule", err)
		return
	}

	rule, err := s.engine.Store().Create(r.Context(), req)
	if err != nil {
		respondError(w, ruleErrorStatus(err), "failed to create rule", err)
		return
	}

	s.engine.RefreshCaches()
	respondJSON(w, http.StatusCreated, rule)
}

// Get rule handler
func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	id, err := ruleIDParam(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid rule id", err)
		return
	}

	rule, err := s.engine.Store().Get(r.Context(), id)
	if err != nil {
		respondError(w, ruleErrorStatus(err), "failed to get rule", err)
		return
	}

	respondJSON(w, http.StatusOK, rule)
}

// Update rule handler
func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	id, err := ruleIDParam(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid rule id", err)
		return
	}

	var req rules.UpdateRuleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	if err := rules.ValidateUpdate(req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid rule", err)
		return
	}

	rule, err := s.engine.Store().Update(r.Context(), id, req)
	if err != nil {
		respondError(w, ruleErrorStatus(err), "failed to update rule", err)
		return
	}

	s.engine.RefreshCaches()
	respondJSON(w, http.StatusOK, rule)
}

// Delete rule handler
func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id, err := ruleIDParam(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid rule id", err)
		return
	}

	if err := s.engine.Store().Delete(r.Context(), id); err != nil {
		respondError(w, ruleErrorStatus(err), "failed to delete rule", err)
		return
	}

	s.engine.RefreshCaches()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTestRule(w http.ResponseWriter, r *http.Request) {
	var req TestRuleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	if req.TestURL == "" {
		respondError(w, http.StatusBadRequest, "test_url is required", nil)
		return
	}

	result, err := s.engine.TestRule(req.Pattern, req.Replacement, req.TestURL)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid pattern", err)
		return
	}

	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleNormalize(w http.ResponseWriter, r *http.Request) {
	var req NormalizeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	if len(req.URLs) > MaxNormalizeBatch {
		respondError(w, http.StatusBadRequest,
			fmt.Sprintf("at most %d urls per request", MaxNormalizeBatch), nil)
		return
	}

	normalized := s.engine.NormalizeBatch(r.Context(), req.URLs)

	resp := NormalizeResponse{Results: make([]NormalizedURL, len(req.URLs))}
	for i, u := range req.URLs {
		resp.Results[i] = NormalizedURL{OriginalURL: u, NormalizedURL: normalized[i]}
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRefreshCache(w http.ResponseWriter, r *http.Request) {
	s.engine.RefreshCaches()

	respondJSON(w, http.StatusOK, RefreshCacheResponse{
		Message: "normalization caches refreshed",
		Stats:   s.engine.Stats(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	total, err := s.engine.Store().Count(r.Context())
	if err != nil {
		respondError(w, ruleErrorStatus(err), "failed to count rules", err)
		return
	}

	respondJSON(w, http.StatusOK, StatsResponse{CacheStats: s.engine.Stats(), TotalRules: total})
}

// Record visit handler
func (s *Server) handleRecordVisit(w http.ResponseWriter, r *http.Request) {
	var req history.RecordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	visit, err := s.history.Record(r.Context(), req)
	if err != nil {
		if errors.Is(err, history.ErrInvalidVisit) {
			respondError(w, http.StatusBadRequest, "invalid visit", err)
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to record visit", err)
		return
	}

	respondJSON(w, http.StatusCreated, visit)
}

// Search history handler
func (s *Server) handleSearchHistory(w http.ResponseWriter, r *http.Request) {
	q, err := parseHistoryQuery(r.URL.Query())
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid query", err)
		return
	}

	result, err := s.history.Search(r.Context(), q)
	if err != nil {
		if errors.Is(err, history.ErrInvalidQuery) {
			respondError(w, http.StatusBadRequest, "invalid query", err)
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to search history", err)
		return
	}

	visits := result.Visits
	if visits == nil {
		visits = []history.Visit{}
	}
	respondJSON(w, http.StatusOK, HistoryResponse{
		Visits:   visits,
		Page:     result.Page,
		PageSize: result.PageSize,
	})
}

func parseHistoryQuery(values url.Values) (history.Query, error) {
	q := history.Query{
		Keyword: values.Get("keyword"),
		Domain:  values.Get("domain"),
	}

	for _, p := range []struct {
		name string
		dst  **time.Time
	}{
		{"startTime", &q.StartTime},
		{"endTime", &q.EndTime},
	} {
		raw := values.Get(p.name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return history.Query{}, fmt.Errorf("%s must be RFC3339: %w", p.name, err)
		}
		*p.dst = &t
	}

	for _, p := range []struct {
		name string
		dst  *int
	}{
		{"page", &q.Page},
		{"pageSize", &q.PageSize},
	} {
		raw := values.Get(p.name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return history.Query{}, fmt.Errorf("%s must be an integer: %w", p.name, err)
		}
		*p.dst = n
	}

	return q, nil
}
