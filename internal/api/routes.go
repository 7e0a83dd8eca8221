package api

import (
	"net/http"

	"apiagg/internal/version"
)

// registerRoutes registers all API routes
func (s *Server) registerRoutes() {
	s.router.HandleFunc("/api/aggregation", s.handleAggregation)

	s.router.HandleFunc("/health", s.handleHealth)
	s.router.HandleFunc("/ready", s.handleReady)

	s.router.HandleFunc("/sources", s.handleSources)
	s.router.HandleFunc("/stats", s.handleStats)
	s.router.HandleFunc("/metrics", s.handleMetrics)

	s.router.HandleFunc("/cache", s.handleCacheEntry)
	s.router.HandleFunc("/cache/clear", s.handleCacheClear)
	s.router.HandleFunc("/cache/warm", s.handleCacheWarm)

	s.router.HandleFunc("/openapi.json", s.handleOpenAPISpec)

	s.router.HandleFunc("/", s.handleRoot)
}

// handleRoot handles requests to the root path
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		NotFound(w, "no route for "+r.URL.Path)
		return
	}
	if !allowMethod(w, r, http.MethodGet) {
		return
	}

	response := map[string]interface{}{
		"name":    "API Aggregator",
		"version": version.Version,
		"endpoints": []string{
			"GET /api/aggregation?query=...&sortBy=date|title|source&sortOrder=asc|desc&sources=a,b - Aggregated records (sources may repeat)",
			"GET /health - Health check",
			"GET /ready - Readiness check",
			"GET /sources - Registered sources and their state",
			"GET /stats?since=24h - Cache and per-source fetch statistics",
			"GET /metrics - Prometheus metrics",
			"GET /cache?query=... - Whether a query's result set is cached",
			"DELETE /cache?query=... - Drop one query's cached result set",
			"POST /cache/clear - Clear the result cache",
			"POST /cache/warm - Warm the result cache for a list of queries",
			"GET /openapi.json - OpenAPI specification",
		},
		"documentation": "/openapi.json",
	}

	WriteJSON(w, response, http.StatusOK)
}
