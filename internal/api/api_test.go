package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"apiagg/internal/aggregator"
	"apiagg/internal/config"
	"apiagg/internal/record"
	"apiagg/internal/sources"
	"apiagg/internal/storage"
)

type stubSource struct {
	id      string
	records []record.Record
	block   chan struct{}
	calls   atomic.Int32
}

func (s *stubSource) ID() string { return s.id }

func (s *stubSource) Fetch(ctx context.Context, query string) ([]record.Record, error) {
	s.calls.Add(1)
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return record.Clone(s.records), nil
}

type stubStats struct {
	aggs  []storage.SourceAggregate
	since time.Time
}

func (s *stubStats) FetchAggregates(since time.Time) ([]storage.SourceAggregate, error) {
	s.since = since
	return s.aggs, nil
}

func defaultSources() []sources.Source {
	now := time.Now().UTC()
	yesterday := now.AddDate(0, 0, -1)
	return []sources.Source{
		&stubSource{id: "GitHub", records: []record.Record{{SourceID: "GitHub", Title: "C Repo", Body: "repo", Link: "https://github.com/c", PublishedAt: &yesterday}}},
		&stubSource{id: "NewsAPI", records: []record.Record{{SourceID: "NewsAPI", Title: "B News", Body: "news", Link: "https://news.example/b", PublishedAt: &now}}},
	}
}

// newTestServer creates a server for testing
func newTestServer(t *testing.T, opts Options, srcs ...sources.Source) *Server {
	t.Helper()
	if len(srcs) == 0 {
		srcs = defaultSources()
	}
	reg, err := sources.NewRegistry(srcs...)
	if err != nil {
		t.Fatal(err)
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetricsCollector()
	}
	agg := aggregator.New(reg, aggregator.Options{Singleflight: true, Recorder: opts.Metrics})
	t.Cleanup(agg.Close)
	opts.Aggregator = agg

	server, err := NewServer(opts)
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	return server
}

func do(t *testing.T, s *Server, method, target string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	return w
}

func TestNewServerRequiresAggregator(t *testing.T) {
	if _, err := NewServer(Options{}); err == nil {
		t.Error("expected error without an aggregator")
	}
}

func TestAggregationEndpoint(t *testing.T) {
	server := newTestServer(t, Options{})

	w := do(t, server, http.MethodGet, "/api/aggregation?query=test", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}

	var records []map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &records); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("len = %d, want 2", len(records))
	}
	if records[0]["title"] != "B News" || records[0]["sourceApi"] != "NewsAPI" {
		t.Errorf("first record = %v, want newest first", records[0])
	}
	for _, key := range []string{"sourceApi", "title", "content", "url", "publishedDate"} {
		if _, ok := records[0][key]; !ok {
			t.Errorf("record missing %q", key)
		}
	}
}

func TestAggregationEndpointParameters(t *testing.T) {
	server := newTestServer(t, Options{})

	tests := []struct {
		name       string
		target     string
		wantStatus int
		wantFirst  string
		wantLen    int
	}{
		{name: "title asc", target: "/api/aggregation?query=test&sortBy=title&sortOrder=asc", wantStatus: 200, wantFirst: "B News", wantLen: 2},
		{name: "title desc", target: "/api/aggregation?query=test&sortBy=title&sortOrder=desc", wantStatus: 200, wantFirst: "C Repo", wantLen: 2},
		{name: "source filter", target: "/api/aggregation?query=test&sources=github", wantStatus: 200, wantFirst: "C Repo", wantLen: 1},
		{name: "repeated sources", target: "/api/aggregation?query=test&sources=github&sources=NewsAPI", wantStatus: 200, wantFirst: "B News", wantLen: 2},
		{name: "comma and repeated sources", target: "/api/aggregation?query=test&sources=nope,newsapi&sources=other", wantStatus: 200, wantFirst: "B News", wantLen: 1},
		{name: "empty sources allows all", target: "/api/aggregation?query=test&sources=", wantStatus: 200, wantFirst: "B News", wantLen: 2},
		{name: "unknown source", target: "/api/aggregation?query=test&sources=nope", wantStatus: 200, wantLen: 0},
		{name: "missing query", target: "/api/aggregation", wantStatus: 400},
		{name: "blank query", target: "/api/aggregation?query=%20%20", wantStatus: 400},
		{name: "bad sortBy", target: "/api/aggregation?query=test&sortBy=stars", wantStatus: 400},
		{name: "bad sortOrder", target: "/api/aggregation?query=test&sortOrder=up", wantStatus: 400},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, server, http.MethodGet, tt.target, "")
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tt.wantStatus, w.Body.String())
			}
			if tt.wantStatus != http.StatusOK {
				var resp ErrorResponse
				if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
					t.Fatal(err)
				}
				if resp.Code != "INVALID_INPUT" {
					t.Errorf("code = %q", resp.Code)
				}
				return
			}
			var records []record.Record
			if err := json.Unmarshal(w.Body.Bytes(), &records); err != nil {
				t.Fatal(err)
			}
			if len(records) != tt.wantLen {
				t.Fatalf("len = %d, want %d", len(records), tt.wantLen)
			}
			if tt.wantLen > 0 && records[0].Title != tt.wantFirst {
				t.Errorf("first = %q, want %q", records[0].Title, tt.wantFirst)
			}
		})
	}
}

func TestAggregationEmptyIsArray(t *testing.T) {
	server := newTestServer(t, Options{}, &stubSource{id: "GitHub"})

	w := do(t, server, http.MethodGet, "/api/aggregation?query=nothing", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if body := strings.TrimSpace(w.Body.String()); body != "[]" {
		t.Errorf("body = %q, want []", body)
	}
}

func TestAggregationClientCancelled(t *testing.T) {
	src := &stubSource{id: "GitHub", block: make(chan struct{})}
	server := newTestServer(t, Options{}, src)
	defer close(src.block)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/aggregation?query=slow", nil).WithContext(ctx)
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		server.ServeHTTP(w, req)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not return after cancellation")
	}
	if w.Code != StatusClientClosedRequest {
		t.Errorf("status = %d, want 499", w.Code)
	}
}

func TestAggregationMethodNotAllowed(t *testing.T) {
	server := newTestServer(t, Options{})
	w := do(t, server, http.MethodPost, "/api/aggregation?query=test", "")
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", w.Code)
	}
	if w.Header().Get("Allow") != http.MethodGet {
		t.Errorf("Allow = %q", w.Header().Get("Allow"))
	}
}

func TestHealthEndpoint(t *testing.T) {
	server := newTestServer(t, Options{})

	w := do(t, server, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var response HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if response.Status != "healthy" || response.Version == "" {
		t.Errorf("response = %+v", response)
	}
}

type unavailableSource struct{ stubSource }

func (u *unavailableSource) Available() bool { return false }

func TestReadyEndpoint(t *testing.T) {
	server := newTestServer(t, Options{})
	w := do(t, server, http.MethodGet, "/ready", "")
	var ready ReadyResponse
	if err := json.Unmarshal(w.Body.Bytes(), &ready); err != nil {
		t.Fatal(err)
	}
	if ready.Status != "ready" || !ready.Sources["GitHub"] || !ready.Sources["NewsAPI"] {
		t.Errorf("ready = %+v", ready)
	}

	degraded := newTestServer(t, Options{}, &stubSource{id: "GitHub"}, &unavailableSource{stubSource{id: "NewsAPI"}})
	w = do(t, degraded, http.MethodGet, "/ready", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	ready = ReadyResponse{}
	_ = json.Unmarshal(w.Body.Bytes(), &ready)
	if ready.Status != "degraded" || ready.Sources["NewsAPI"] || ready.Details["NewsAPI"] == "" {
		t.Errorf("ready = %+v", ready)
	}
}

func TestSourcesEndpoint(t *testing.T) {
	server := newTestServer(t, Options{})
	_ = do(t, server, http.MethodGet, "/api/aggregation?query=test", "")

	w := do(t, server, http.MethodGet, "/sources", "")
	var resp SourcesResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Sources) != 2 || resp.Sources[0].ID != "GitHub" {
		t.Fatalf("sources = %+v", resp.Sources)
	}
	if resp.Sources[0].TotalFetches != 1 || resp.Sources[0].LastCount != 1 {
		t.Errorf("GitHub state = %+v", resp.Sources[0])
	}
}

func TestStatsEndpoint(t *testing.T) {
	stats := &stubStats{aggs: []storage.SourceAggregate{{Source: "GitHub", Fetches: 4, Errors: 1, Items: 10, TotalDurationMs: 400}}}
	server := newTestServer(t, Options{Stats: stats})

	_ = do(t, server, http.MethodGet, "/api/aggregation?query=test", "")
	_ = do(t, server, http.MethodGet, "/api/aggregation?query=TEST&sortBy=title", "")

	w := do(t, server, http.MethodGet, "/stats?since=7d", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp StatsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Cache.Entries != 1 || resp.Cache.Hits != 1 || resp.Cache.Misses != 1 || resp.Cache.Evictions != 0 {
		t.Errorf("cache = %+v", resp.Cache)
	}
	if resp.Cache.HitRatio != 0.5 {
		t.Errorf("hitRatio = %v, want 0.5", resp.Cache.HitRatio)
	}
	if len(resp.Cache.Queries) != 1 || resp.Cache.Queries[0] != "test" {
		t.Errorf("queries = %v, want [test]", resp.Cache.Queries)
	}
	if len(resp.Fetches) != 1 || resp.Fetches[0].AvgDurationMs != 100 || resp.Fetches[0].ErrorRate != 0.25 {
		t.Errorf("fetches = %+v", resp.Fetches)
	}
	if age := time.Since(stats.since); age < 7*24*time.Hour-time.Minute || age > 7*24*time.Hour+time.Minute {
		t.Errorf("since window = %v, want 7d", age)
	}

	if w := do(t, server, http.MethodGet, "/stats?since=soon", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad window status = %d", w.Code)
	}
}

func TestCacheEndpoints(t *testing.T) {
	src := &stubSource{id: "GitHub", records: []record.Record{{SourceID: "GitHub", Title: "t", Body: "b", Link: "https://x"}}}
	server := newTestServer(t, Options{}, src)

	w := do(t, server, http.MethodPost, "/cache/warm", `{"queries":["golang","rust"]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("warm status = %d, body = %s", w.Code, w.Body.String())
	}
	var warmResp map[string]interface{}
	_ = json.Unmarshal(w.Body.Bytes(), &warmResp)
	if warmResp["warmed"] != float64(2) {
		t.Errorf("warm response = %v", warmResp)
	}

	_ = do(t, server, http.MethodGet, "/api/aggregation?query=golang", "")
	if src.calls.Load() != 2 {
		t.Errorf("calls = %d, warmed query should be cached", src.calls.Load())
	}

	w = do(t, server, http.MethodPost, "/cache/clear", "")
	var clearResp map[string]interface{}
	_ = json.Unmarshal(w.Body.Bytes(), &clearResp)
	if clearResp["cleared"] != float64(2) {
		t.Errorf("clear response = %v", clearResp)
	}

	for _, body := range []string{"", `{"queries":[]}`, `not json`} {
		if w := do(t, server, http.MethodPost, "/cache/warm", body); w.Code != http.StatusBadRequest {
			t.Errorf("warm with %q status = %d, want 400", body, w.Code)
		}
	}
	if w := do(t, server, http.MethodGet, "/cache/clear", ""); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /cache/clear status = %d", w.Code)
	}
}

func TestCacheEntryEndpoint(t *testing.T) {
	src := &stubSource{id: "GitHub", records: []record.Record{{SourceID: "GitHub", Title: "t", Body: "b", Link: "https://x"}}}
	server := newTestServer(t, Options{}, src)

	var entry CacheEntryResponse
	w := do(t, server, http.MethodGet, "/cache?query=golang", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	_ = json.Unmarshal(w.Body.Bytes(), &entry)
	if entry.Cached || entry.Records != 0 {
		t.Errorf("entry before aggregation = %+v", entry)
	}

	_ = do(t, server, http.MethodGet, "/api/aggregation?query=golang", "")

	w = do(t, server, http.MethodGet, "/cache?query=%20GoLang%20", "")
	entry = CacheEntryResponse{}
	_ = json.Unmarshal(w.Body.Bytes(), &entry)
	if !entry.Cached || entry.Records != 1 || entry.Key != "golang" {
		t.Errorf("entry after aggregation = %+v", entry)
	}

	w = do(t, server, http.MethodDelete, "/cache?query=GOLANG", "")
	var delResp map[string]interface{}
	_ = json.Unmarshal(w.Body.Bytes(), &delResp)
	if w.Code != http.StatusOK || delResp["invalidated"] != true {
		t.Errorf("delete status = %d, body = %v", w.Code, delResp)
	}

	_ = do(t, server, http.MethodGet, "/api/aggregation?query=golang", "")
	if src.calls.Load() != 2 {
		t.Errorf("calls = %d, invalidated query should fan out again", src.calls.Load())
	}

	w = do(t, server, http.MethodDelete, "/cache?query=rust", "")
	delResp = nil
	_ = json.Unmarshal(w.Body.Bytes(), &delResp)
	if delResp["invalidated"] != false {
		t.Errorf("delete of uncached query = %v", delResp)
	}

	if w := do(t, server, http.MethodGet, "/cache", ""); w.Code != http.StatusBadRequest {
		t.Errorf("missing query status = %d, want 400", w.Code)
	}
	if w := do(t, server, http.MethodPost, "/cache?query=golang", ""); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /cache status = %d, want 405", w.Code)
	}
}

func TestRootAndOpenAPI(t *testing.T) {
	server := newTestServer(t, Options{})

	w := do(t, server, http.MethodGet, "/", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "/api/aggregation") {
		t.Errorf("root = %d %s", w.Code, w.Body.String())
	}

	w = do(t, server, http.MethodGet, "/openapi.json", "")
	var spec map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &spec); err != nil {
		t.Fatal(err)
	}
	paths, _ := spec["paths"].(map[string]interface{})
	for _, p := range []string{"/api/aggregation", "/health", "/ready", "/sources", "/stats", "/metrics", "/cache", "/cache/clear", "/cache/warm"} {
		if _, ok := paths[p]; !ok {
			t.Errorf("openapi missing %s", p)
		}
	}

	if w := do(t, server, http.MethodGet, "/nope", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown path status = %d", w.Code)
	}
}

func TestRateLimitedAggregation(t *testing.T) {
	server := newTestServer(t, Options{RateLimit: config.RateLimitConfig{Enabled: true, RPS: 0.001, Burst: 2}})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		codes = append(codes, do(t, server, http.MethodGet, "/api/aggregation?query=test", "").Code)
	}
	if codes[0] != 200 || codes[1] != 200 || codes[2] != http.StatusTooManyRequests {
		t.Errorf("codes = %v, want [200 200 429]", codes)
	}

	// other routes are not limited
	if w := do(t, server, http.MethodGet, "/health", ""); w.Code != http.StatusOK {
		t.Errorf("health status = %d", w.Code)
	}
}
