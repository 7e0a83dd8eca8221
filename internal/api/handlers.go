package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"apiagg/internal/aggregator"
	"apiagg/internal/errors"
	"apiagg/internal/record"
	"apiagg/internal/storage"
	"apiagg/internal/warm"
)

const (
	defaultStatsWindow = 24 * time.Hour
	maxWarmBodyBytes   = 64 << 10
)

// handleAggregation handles GET /api/aggregation
func (s *Server) handleAggregation(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}

	req, err := ParseAggregationParams(r)
	if err != nil {
		WriteAggError(w, err)
		return
	}

	records, err := s.agg.Aggregate(r.Context(), req)
	if err != nil {
		if errors.IsCancellation(err) {
			s.logger.Debug("Aggregation abandoned by client", "query", req.Query, "requestID", GetRequestID(r.Context()))
		}
		WriteAggError(w, err)
		return
	}
	if records == nil {
		records = []record.Record{}
	}

	WriteJSON(w, records, http.StatusOK)
}

// SourcesResponse lists every registered source.
type SourcesResponse struct {
	Sources []aggregator.SourceState `json:"sources"`
}

// handleSources handles GET /sources
func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	WriteJSON(w, SourcesResponse{Sources: s.agg.Sources()}, http.StatusOK)
}

// CacheStatsResponse reports the result cache.
type CacheStatsResponse struct {
	Entries   int      `json:"entries"`
	Hits      uint64   `json:"hits"`
	Misses    uint64   `json:"misses"`
	Evictions uint64   `json:"evictions"`
	HitRatio  float64  `json:"hitRatio"`
	Queries   []string `json:"queries"`
}

// SourceFetchStats is a persisted per-source aggregate with derived rates.
type SourceFetchStats struct {
	storage.SourceAggregate
	AvgDurationMs float64 `json:"avgDurationMs"`
	ErrorRate     float64 `json:"errorRate"`
}

// StatsResponse is the /stats payload.
type StatsResponse struct {
	Timestamp time.Time          `json:"timestamp"`
	Cache     CacheStatsResponse `json:"cache"`
	Since     *time.Time         `json:"since,omitempty"`
	Fetches   []SourceFetchStats `json:"fetches,omitempty"`
	Warm      *warm.Status       `json:"warm,omitempty"`
}

// handleStats handles GET /stats?since=24h
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}

	window, err := QueryParamWindow(r, "since", defaultStatsWindow)
	if err != nil {
		WriteAggError(w, err)
		return
	}

	cs := s.agg.CacheStats()
	queries := s.agg.CachedQueries()
	if queries == nil {
		queries = []string{}
	}
	resp := StatsResponse{
		Timestamp: time.Now().UTC(),
		Cache: CacheStatsResponse{
			Entries:   cs.Entries,
			Hits:      cs.Hits,
			Misses:    cs.Misses,
			Evictions: cs.Evictions,
			HitRatio:  cs.HitRatio(),
			Queries:   queries,
		},
	}

	if s.stats != nil {
		since := resp.Timestamp.Add(-window)
		aggs, err := s.stats.FetchAggregates(since)
		if err != nil {
			s.logger.Error("Failed to load fetch statistics", "error", err)
			InternalError(w, "failed to load fetch statistics", err)
			return
		}
		resp.Since = &since
		resp.Fetches = make([]SourceFetchStats, 0, len(aggs))
		for _, a := range aggs {
			resp.Fetches = append(resp.Fetches, SourceFetchStats{
				SourceAggregate: a,
				AvgDurationMs:   a.AvgDurationMs(),
				ErrorRate:       a.ErrorRate(),
			})
		}
	}
	if s.warmer != nil {
		st := s.warmer.Status()
		resp.Warm = &st
	}

	WriteJSON(w, resp, http.StatusOK)
}

// handleCacheClear handles POST /cache/clear
func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}

	cleared := s.agg.ClearCache()
	s.metrics.SetCacheEntries(s.agg.CacheStats().Entries)
	WriteJSON(w, map[string]interface{}{
		"status":    "success",
		"cleared":   cleared,
		"timestamp": time.Now().UTC(),
	}, http.StatusOK)
}

// CacheEntryResponse describes one query's cache entry.
type CacheEntryResponse struct {
	Query   string `json:"query"`
	Key     string `json:"key"`
	Cached  bool   `json:"cached"`
	Records int    `json:"records"`
}

// handleCacheEntry handles GET and DELETE /cache?query=...
func (s *Server) handleCacheEntry(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet, http.MethodDelete) {
		return
	}
	query := r.URL.Query().Get("query")
	if strings.TrimSpace(query) == "" {
		BadRequest(w, "query is required")
		return
	}

	if r.Method == http.MethodDelete {
		dropped := s.agg.Invalidate(query)
		s.metrics.SetCacheEntries(s.agg.CacheStats().Entries)
		WriteJSON(w, map[string]interface{}{
			"status":      "success",
			"query":       query,
			"invalidated": dropped,
			"timestamp":   time.Now().UTC(),
		}, http.StatusOK)
		return
	}

	n, ok := s.agg.Cached(query)
	WriteJSON(w, CacheEntryResponse{
		Query:   query,
		Key:     aggregator.CacheKey(query),
		Cached:  ok,
		Records: n,
	}, http.StatusOK)
}

// WarmRequest is the body of POST /cache/warm.
type WarmRequest struct {
	Queries []string `json:"queries"`
}

// handleCacheWarm handles POST /cache/warm
func (s *Server) handleCacheWarm(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}

	var body WarmRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxWarmBodyBytes))
	if err := dec.Decode(&body); err != nil {
		BadRequest(w, "request body must be {\"queries\": [...]}")
		return
	}
	if len(body.Queries) == 0 {
		BadRequest(w, "queries must not be empty")
		return
	}

	start := time.Now()
	warmed, err := s.agg.Warm(r.Context(), body.Queries)
	if err != nil {
		WriteAggError(w, err)
		return
	}
	s.metrics.SetCacheEntries(s.agg.CacheStats().Entries)

	WriteJSON(w, map[string]interface{}{
		"status":     "success",
		"warmed":     warmed,
		"durationMs": time.Since(start).Milliseconds(),
		"timestamp":  time.Now().UTC(),
	}, http.StatusOK)
}
