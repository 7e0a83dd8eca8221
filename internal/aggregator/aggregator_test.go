package aggregator

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"apiagg/internal/errors"
	"apiagg/internal/record"
	"apiagg/internal/sources"
)

// fakeSource is a scriptable sources.Source with call counters.
type fakeSource struct {
	id       string
	records  []record.Record
	err      error
	panicMsg string
	block    chan struct{}
	delay    time.Duration
	started  chan struct{}

	calls       atomic.Int32
	inflight    atomic.Int32
	maxInflight atomic.Int32
}

func (f *fakeSource) ID() string { return f.id }

func (f *fakeSource) Fetch(ctx context.Context, query string) ([]record.Record, error) {
	f.calls.Add(1)
	n := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		m := f.maxInflight.Load()
		if n <= m || f.maxInflight.CompareAndSwap(m, n) {
			break
		}
	}
	if f.started != nil {
		select {
		case f.started <- struct{}{}:
		default:
		}
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	if f.err != nil {
		return nil, f.err
	}
	return record.Clone(f.records), nil
}

func rec(source, title string, ts *time.Time) record.Record {
	return record.Record{SourceID: source, Title: title, Body: "body of " + title, Link: "https://example.com/" + title, PublishedAt: ts}
}

func at(t time.Time) *time.Time { return &t }

func newTestAggregator(t *testing.T, opts Options, srcs ...sources.Source) *Aggregator {
	t.Helper()
	reg, err := sources.NewRegistry(srcs...)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	a := New(reg, opts)
	t.Cleanup(a.Close)
	return a
}

func titlesOf(records []record.Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.Title
	}
	return out
}

func TestAggregate_FanOutCompleteness(t *testing.T) {
	gh := &fakeSource{id: "GitHub", records: []record.Record{rec("GitHub", "r1", nil), rec("GitHub", "r2", nil)}}
	news := &fakeSource{id: "NewsAPI", records: []record.Record{rec("NewsAPI", "n1", nil), rec("NewsAPI", "n2", nil), rec("NewsAPI", "n3", nil)}}
	empty := &fakeSource{id: "WeatherAPI.com"}
	a := newTestAggregator(t, Options{}, gh, news, empty)

	got, err := a.Aggregate(context.Background(), Request{Query: "golang"})
	if err != nil {
		t.Fatalf("Aggregate() error = %v", err)
	}
	if len(got) != 5 {
		t.Errorf("len = %d, want 5", len(got))
	}
	for _, s := range []*fakeSource{gh, news, empty} {
		if s.calls.Load() != 1 {
			t.Errorf("%s called %d times, want 1", s.id, s.calls.Load())
		}
	}
}

func TestAggregate_FailureIsolation(t *testing.T) {
	good := &fakeSource{id: "GitHub", records: []record.Record{rec("GitHub", "repo", nil)}}
	failing := &fakeSource{id: "NewsAPI", err: stderrors.New("connection refused")}
	panicking := &fakeSource{id: "WeatherAPI.com", panicMsg: "nil map"}
	other := &fakeSource{id: "RSS", records: []record.Record{rec("RSS", "post", nil)}}
	a := newTestAggregator(t, Options{}, good, failing, panicking, other)

	got, err := a.Aggregate(context.Background(), Request{Query: "golang"})
	if err != nil {
		t.Fatalf("Aggregate() error = %v, want nil", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2 (%v)", len(got), titlesOf(got))
	}

	states := map[string]SourceState{}
	for _, s := range a.Sources() {
		states[s.ID] = s
	}
	if states["NewsAPI"].ConsecutiveErrors != 1 || states["NewsAPI"].LastError == "" {
		t.Errorf("NewsAPI state = %+v", states["NewsAPI"])
	}
	if states["WeatherAPI.com"].TotalErrors != 1 {
		t.Errorf("panicking source should count an error: %+v", states["WeatherAPI.com"])
	}
	if states["GitHub"].LastCount != 1 || !states["GitHub"].Healthy() {
		t.Errorf("GitHub state = %+v", states["GitHub"])
	}
}

func TestAggregate_CacheReuseAcrossSortAndFilter(t *testing.T) {
	now := time.Now()
	gh := &fakeSource{id: "GitHub", records: []record.Record{rec("GitHub", "C Repo", at(now.AddDate(0, 0, -1)))}}
	news := &fakeSource{id: "NewsAPI", records: []record.Record{rec("NewsAPI", "B News", at(now))}}
	a := newTestAggregator(t, Options{}, gh, news)
	ctx := context.Background()

	requests := []Request{
		{Query: "golang"},
		{Query: "golang", SortBy: record.SortByTitle, SortOrder: record.Ascending},
		{Query: "GoLang", Sources: record.ParseSourceFilter("github")},
		{Query: "  golang ", SortBy: record.SortBySource, SortOrder: record.Descending, Sources: record.ParseSourceFilter("NewsAPI")},
	}
	for i, req := range requests {
		if _, err := a.Aggregate(ctx, req); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}

	if gh.calls.Load() != 1 || news.calls.Load() != 1 {
		t.Errorf("calls: GitHub=%d NewsAPI=%d, want 1 each", gh.calls.Load(), news.calls.Load())
	}
	stats := a.CacheStats()
	if stats.Hits != 3 || stats.Entries != 1 {
		t.Errorf("CacheStats() = %+v, want 3 hits and 1 entry", stats)
	}
}

func TestAggregate_FilterBySource(t *testing.T) {
	gh := &fakeSource{id: "GitHub", records: []record.Record{rec("GitHub", "a", nil), rec("GitHub", "b", nil)}}
	news := &fakeSource{id: "NewsAPI", records: []record.Record{rec("NewsAPI", "c", nil)}}
	a := newTestAggregator(t, Options{}, gh, news)

	got, err := a.Aggregate(context.Background(), Request{Query: "q", Sources: record.ParseSourceFilter("GITHUB")})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	for _, r := range got {
		if r.SourceID != "GitHub" {
			t.Errorf("unexpected source %q", r.SourceID)
		}
	}

	// a whitespace-only filter is no filter, and the earlier filter must not stick
	all, _ := a.Aggregate(context.Background(), Request{Query: "q", Sources: record.ParseSourceFilter("  ")})
	if len(all) != 3 {
		t.Errorf("len = %d, want 3", len(all))
	}
}

func TestAggregate_SortCorrectness(t *testing.T) {
	now := time.Now()
	gh := &fakeSource{id: "GitHub", records: []record.Record{rec("GitHub", "C Repo", at(now.AddDate(0, 0, -1)))}}
	news := &fakeSource{id: "NewsAPI", records: []record.Record{rec("NewsAPI", "B News", at(now))}}
	a := newTestAggregator(t, Options{}, gh, news)
	ctx := context.Background()

	byDefault, _ := a.Aggregate(ctx, Request{Query: "test"})
	if byDefault[0].Title != "B News" {
		t.Errorf("default order = %v, want B News first", titlesOf(byDefault))
	}

	byTitle, _ := a.Aggregate(ctx, Request{Query: "test", SortBy: record.SortByTitle, SortOrder: record.Ascending})
	if byTitle[0].Title != "B News" || byTitle[1].Title != "C Repo" {
		t.Errorf("title asc = %v", titlesOf(byTitle))
	}

	bySourceDesc, _ := a.Aggregate(ctx, Request{Query: "test", SortBy: record.SortBySource, SortOrder: record.Descending})
	if bySourceDesc[0].SourceID != "NewsAPI" {
		t.Errorf("source desc = %v", titlesOf(bySourceDesc))
	}
}

func TestAggregate_TieBreakDeterminism(t *testing.T) {
	ts := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	gh := &fakeSource{id: "GitHub", records: []record.Record{rec("GitHub", "zulu", at(ts)), rec("GitHub", "Alpha", at(ts))}}
	news := &fakeSource{id: "NewsAPI", records: []record.Record{rec("NewsAPI", "mike", at(ts))}}
	a := newTestAggregator(t, Options{}, gh, news)

	for _, order := range []record.SortOrder{record.Ascending, record.Descending} {
		got, _ := a.Aggregate(context.Background(), Request{Query: "q", SortBy: record.SortByDate, SortOrder: order})
		titles := titlesOf(got)
		if titles[0] != "Alpha" || titles[1] != "mike" || titles[2] != "zulu" {
			t.Errorf("order %s: %v, want ascending titles on equal dates", order, titles)
		}
	}
}

func TestAggregate_Idempotent(t *testing.T) {
	now := time.Now()
	gh := &fakeSource{id: "GitHub", records: []record.Record{rec("GitHub", "x", at(now)), rec("GitHub", "y", nil)}}
	news := &fakeSource{id: "NewsAPI", records: []record.Record{rec("NewsAPI", "z", at(now.Add(-time.Hour)))}}
	a := newTestAggregator(t, Options{}, gh, news)
	req := Request{Query: "q", SortBy: record.SortByTitle, SortOrder: record.Descending}

	first, _ := a.Aggregate(context.Background(), req)
	second, _ := a.Aggregate(context.Background(), req)

	b1, _ := json.Marshal(first)
	b2, _ := json.Marshal(second)
	if string(b1) != string(b2) {
		t.Errorf("outputs differ:\n%s\n%s", b1, b2)
	}
}

func TestAggregate_CallerMutationDoesNotLeakIntoCache(t *testing.T) {
	gh := &fakeSource{id: "GitHub", records: []record.Record{rec("GitHub", "b", nil), rec("GitHub", "a", nil)}}
	a := newTestAggregator(t, Options{}, gh)

	first, _ := a.Aggregate(context.Background(), Request{Query: "q"})
	first[0].Title = "mutated"

	second, _ := a.Aggregate(context.Background(), Request{Query: "q", SortBy: record.SortByTitle, SortOrder: record.Ascending})
	for _, r := range second {
		if r.Title == "mutated" {
			t.Fatal("mutating a result must not change the cached raw set")
		}
	}
}

func TestAggregate_CancellationPropagates(t *testing.T) {
	started := make(chan struct{}, 1)
	slow := &fakeSource{id: "GitHub", block: make(chan struct{}), started: started}
	fast := &fakeSource{id: "NewsAPI", records: []record.Record{rec("NewsAPI", "n", nil)}}
	a := newTestAggregator(t, Options{}, slow, fast)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := a.Aggregate(ctx, Request{Query: "q"})
		errCh <- err
	}()

	<-started
	cancel()

	select {
	case err := <-errCh:
		if !errors.IsCancellation(err) {
			t.Fatalf("err = %v, want cancellation", err)
		}
		if errors.CodeOf(err) != errors.Cancelled {
			t.Errorf("CodeOf() = %s, want CANCELLED", errors.CodeOf(err))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Aggregate did not return after cancellation")
	}

	if a.CacheStats().Entries != 0 {
		t.Error("a cancelled fan-out must not be cached")
	}
	if slow.inflight.Load() != 0 {
		t.Error("source call should have returned after cancellation")
	}

	close(slow.block)
	if _, err := a.Aggregate(context.Background(), Request{Query: "q"}); err != nil {
		t.Fatal(err)
	}
	if slow.calls.Load() != 2 {
		t.Errorf("next call should fan out again, calls = %d", slow.calls.Load())
	}
}

func TestAggregate_AlreadyCancelled(t *testing.T) {
	src := &fakeSource{id: "GitHub"}
	a := newTestAggregator(t, Options{}, src)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := a.Aggregate(ctx, Request{Query: "q"}); !errors.IsCancellation(err) {
		t.Errorf("err = %v, want cancellation", err)
	}
	if src.calls.Load() != 0 {
		t.Error("no source should be called with a cancelled context")
	}
}

func TestAggregate_SourceTimeoutIsNotAnError(t *testing.T) {
	slow := &fakeSource{id: "GitHub", delay: time.Second}
	fast := &fakeSource{id: "NewsAPI", records: []record.Record{rec("NewsAPI", "n", nil)}}
	policy := DefaultQueryPolicy().SetTimeout("GitHub", 20*time.Millisecond)
	a := newTestAggregator(t, Options{Policy: policy}, slow, fast)

	start := time.Now()
	got, err := a.Aggregate(context.Background(), Request{Query: "q"})
	if err != nil {
		t.Fatalf("Aggregate() error = %v", err)
	}
	if len(got) != 1 {
		t.Errorf("len = %d, want 1", len(got))
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("per-source timeout was not applied")
	}
	for _, s := range a.Sources() {
		if s.ID == "GitHub" && s.ConsecutiveErrors != 1 {
			t.Errorf("timed out source state = %+v", s)
		}
	}
}

func TestAggregate_InvalidRecordsDropped(t *testing.T) {
	src := &fakeSource{id: "GitHub", records: []record.Record{
		rec("GitHub", "ok", nil),
		{SourceID: "GitHub", Title: "no link", Body: "b"},
	}}
	a := newTestAggregator(t, Options{}, src)

	got, _ := a.Aggregate(context.Background(), Request{Query: "q"})
	if len(got) != 1 || got[0].Title != "ok" {
		t.Errorf("got %v, want only the valid record", titlesOf(got))
	}
}

func TestAggregate_EmptyQuery(t *testing.T) {
	a := newTestAggregator(t, Options{}, &fakeSource{id: "GitHub"})
	if _, err := a.Aggregate(context.Background(), Request{Query: "   "}); errors.CodeOf(err) != errors.InvalidInput {
		t.Errorf("err = %v, want INVALID_INPUT", err)
	}
}

func TestAggregate_SlidingExpiry(t *testing.T) {
	var mu sync.Mutex
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	src := &fakeSource{id: "GitHub", records: []record.Record{rec("GitHub", "r", nil)}}
	a := newTestAggregator(t, Options{Now: clock, CacheTTL: 5 * time.Minute}, src)
	ctx := context.Background()

	_, _ = a.Aggregate(ctx, Request{Query: "q"})
	advance(4 * time.Minute)
	_, _ = a.Aggregate(ctx, Request{Query: "q"})
	advance(4 * time.Minute)
	_, _ = a.Aggregate(ctx, Request{Query: "q"})
	if src.calls.Load() != 1 {
		t.Fatalf("reads within the window should slide expiry, calls = %d", src.calls.Load())
	}

	advance(6 * time.Minute)
	_, _ = a.Aggregate(ctx, Request{Query: "q"})
	if src.calls.Load() != 2 {
		t.Errorf("entry unread past ttl should be refetched, calls = %d", src.calls.Load())
	}
}

func TestAggregate_SingleflightCollapsesConcurrentMisses(t *testing.T) {
	block := make(chan struct{})
	src := &fakeSource{id: "GitHub", block: block, records: []record.Record{rec("GitHub", "r", nil)}}
	a := newTestAggregator(t, Options{Singleflight: true}, src)

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := a.Aggregate(context.Background(), Request{Query: "q"})
			if err == nil && len(got) != 1 {
				err = stderrors.New("wrong result size")
			}
			errs <- err
		}()
	}

	// let the callers pile up behind the first fan-out
	time.Sleep(50 * time.Millisecond)
	close(block)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Error(err)
		}
	}
	if src.calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", src.calls.Load())
	}
}

func TestAggregate_SingleflightFollowerSurvivesLeaderCancel(t *testing.T) {
	started := make(chan struct{}, 1)
	block := make(chan struct{})
	src := &fakeSource{id: "GitHub", block: block, started: started, records: []record.Record{rec("GitHub", "r", nil)}}
	a := newTestAggregator(t, Options{Singleflight: true}, src)

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := a.Aggregate(leaderCtx, Request{Query: "q"})
		leaderErr <- err
	}()
	<-started

	followerRes := make(chan []record.Record, 1)
	followerErr := make(chan error, 1)
	go func() {
		got, err := a.Aggregate(context.Background(), Request{Query: "q"})
		followerRes <- got
		followerErr <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancelLeader()
	if err := <-leaderErr; !errors.IsCancellation(err) {
		t.Fatalf("leader err = %v, want cancellation", err)
	}
	close(block)

	select {
	case got := <-followerRes:
		if err := <-followerErr; err != nil {
			t.Fatalf("follower err = %v", err)
		}
		if len(got) != 1 {
			t.Errorf("follower len = %d, want 1", len(got))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("follower did not complete")
	}
}

func TestAggregate_MaxInFlightPerSource(t *testing.T) {
	src := &fakeSource{id: "GitHub", delay: 30 * time.Millisecond, records: []record.Record{rec("GitHub", "r", nil)}}
	policy := DefaultQueryPolicy()
	policy.MaxInFlight["GitHub"] = 1
	a := newTestAggregator(t, Options{Policy: policy}, src)

	var wg sync.WaitGroup
	for _, q := range []string{"a", "b", "c"} {
		wg.Add(1)
		go func(q string) {
			defer wg.Done()
			_, _ = a.Aggregate(context.Background(), Request{Query: q})
		}(q)
	}
	wg.Wait()

	if src.calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", src.calls.Load())
	}
	if src.maxInflight.Load() != 1 {
		t.Errorf("max concurrent calls = %d, want 1", src.maxInflight.Load())
	}
}

type captureRecorder struct {
	mu         sync.Mutex
	fetches    []FetchEvent
	aggregates []AggregateEvent
}

func (c *captureRecorder) RecordFetch(e FetchEvent) {
	c.mu.Lock()
	c.fetches = append(c.fetches, e)
	c.mu.Unlock()
}

func (c *captureRecorder) RecordAggregate(e AggregateEvent) {
	c.mu.Lock()
	c.aggregates = append(c.aggregates, e)
	c.mu.Unlock()
}

func TestAggregate_Recorder(t *testing.T) {
	rc := &captureRecorder{}
	good := &fakeSource{id: "GitHub", records: []record.Record{rec("GitHub", "r", nil)}}
	bad := &fakeSource{id: "NewsAPI", err: errors.New(errors.UpstreamStatus, "500")}
	a := newTestAggregator(t, Options{Recorder: Recorders{rc, nil}}, good, bad)

	_, _ = a.Aggregate(context.Background(), Request{Query: "q"})
	_, _ = a.Aggregate(context.Background(), Request{Query: "q"})

	rc.mu.Lock()
	defer rc.mu.Unlock()
	if len(rc.fetches) != 2 {
		t.Fatalf("fetch events = %d, want 2", len(rc.fetches))
	}
	outcomes := map[string]string{}
	for _, e := range rc.fetches {
		outcomes[e.Source] = e.Outcome
	}
	if outcomes["GitHub"] != OutcomeOK || outcomes["NewsAPI"] != OutcomeError {
		t.Errorf("outcomes = %v", outcomes)
	}
	if len(rc.aggregates) != 2 || rc.aggregates[0].Cache != CacheMiss || rc.aggregates[1].Cache != CacheHit {
		t.Errorf("aggregate events = %+v", rc.aggregates)
	}
}

func TestWarmAndClear(t *testing.T) {
	src := &fakeSource{id: "GitHub", records: []record.Record{rec("GitHub", "r", nil)}}
	a := newTestAggregator(t, Options{}, src)

	n, err := a.Warm(context.Background(), []string{"golang", " ", "London"})
	if err != nil || n != 2 {
		t.Fatalf("Warm() = %d, %v", n, err)
	}
	if src.calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", src.calls.Load())
	}

	_, _ = a.Aggregate(context.Background(), Request{Query: "GOLANG"})
	if src.calls.Load() != 2 {
		t.Error("warmed query should be served from cache")
	}
	if len(a.CachedQueries()) != 2 {
		t.Errorf("CachedQueries() = %v", a.CachedQueries())
	}

	hits := a.CacheStats().Hits
	if n, ok := a.Cached(" London "); !ok || n != 1 {
		t.Errorf("Cached(London) = %d, %v; want 1, true", n, ok)
	}
	if a.CacheStats().Hits != hits {
		t.Error("Cached must not count as a cache hit")
	}
	if !a.Invalidate("london") {
		t.Error("Invalidate should drop the warmed entry")
	}
	if _, ok := a.Cached("london"); ok {
		t.Error("invalidated query still cached")
	}
	if a.Invalidate("london") {
		t.Error("second Invalidate should report nothing dropped")
	}
	if cleared := a.ClearCache(); cleared != 1 {
		t.Errorf("ClearCache() = %d, want 1", cleared)
	}
	_, _ = a.Aggregate(context.Background(), Request{Query: "golang"})
	if src.calls.Load() != 3 {
		t.Errorf("cleared query should fan out again, calls = %d", src.calls.Load())
	}
}

func TestParseRequest(t *testing.T) {
	tests := []struct {
		name                              string
		query, sortBy, sortOrder, sources string
		wantErr                           bool
		wantBy                            record.SortField
		wantOrder                         record.SortOrder
	}{
		{name: "defaults", query: "golang", wantBy: record.SortByDate, wantOrder: record.Descending},
		{name: "explicit", query: "golang", sortBy: "title", sortOrder: "asc", sources: "GitHub", wantBy: record.SortByTitle, wantOrder: record.Ascending},
		{name: "empty query", query: " ", wantErr: true},
		{name: "bad sortBy", query: "q", sortBy: "stars", wantErr: true},
		{name: "bad sortOrder", query: "q", sortOrder: "sideways", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := ParseRequest(tt.query, tt.sortBy, tt.sortOrder, tt.sources)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if errors.CodeOf(err) != errors.InvalidInput {
					t.Errorf("CodeOf() = %s", errors.CodeOf(err))
				}
				return
			}
			if req.SortBy != tt.wantBy || req.SortOrder != tt.wantOrder {
				t.Errorf("req = %+v", req)
			}
		})
	}
}
