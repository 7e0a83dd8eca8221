package api

import (
	"net/http"
	"time"

	"apiagg/internal/version"
)

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
}

// ReadyResponse represents the readiness check response
type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Sources   map[string]bool   `json:"sources"`
	Details   map[string]string `json:"details,omitempty"`
}

// handleHealth responds to health check requests (simple liveness check)
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}

	WriteJSON(w, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Version:   version.Version,
	}, http.StatusOK)
}

// handleReady reports "ready" when every source is usable and its last call
// succeeded, and "degraded" otherwise. Aggregation still answers while
// degraded, so both are 200.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}

	resp := ReadyResponse{
		Status:    "ready",
		Timestamp: time.Now().UTC(),
		Sources:   map[string]bool{},
	}
	for _, st := range s.agg.Sources() {
		healthy := st.Healthy()
		resp.Sources[st.ID] = healthy
		if healthy {
			continue
		}
		resp.Status = "degraded"
		if resp.Details == nil {
			resp.Details = map[string]string{}
		}
		switch {
		case !st.Available:
			resp.Details[st.ID] = "not configured"
		case st.LastError != "":
			resp.Details[st.ID] = st.LastError
		}
	}
	if len(resp.Sources) == 0 {
		resp.Status = "degraded"
		resp.Details = map[string]string{"sources": "no sources registered"}
	}

	WriteJSON(w, resp, http.StatusOK)
}
