// Package aggregator fans a query out to every registered source, caches the
// merged raw result set per query, and filters and orders it per request.
package aggregator

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"apiagg/internal/cache"
	"apiagg/internal/errors"
	"apiagg/internal/record"
	"apiagg/internal/slogutil"
	"apiagg/internal/sources"
)

// Request is one aggregation request. Zero SortBy and SortOrder mean date
// and descending; a zero Sources filter allows every source.
type Request struct {
	Query     string
	SortBy    record.SortField
	SortOrder record.SortOrder
	Sources   record.SourceFilter
}

// ParseRequest validates raw boundary parameters into a Request.
func ParseRequest(query, sortBy, sortOrder, sourceList string) (Request, error) {
	if strings.TrimSpace(query) == "" {
		return Request{}, errors.New(errors.InvalidInput, "query is required")
	}
	field, err := record.ParseSortField(sortBy)
	if err != nil {
		return Request{}, err
	}
	order, err := record.ParseSortOrder(sortOrder)
	if err != nil {
		return Request{}, err
	}
	return Request{
		Query:     query,
		SortBy:    field,
		SortOrder: order,
		Sources:   record.ParseSourceFilter(sourceList),
	}, nil
}

// Options configures an Aggregator.
type Options struct {
	Policy *QueryPolicy
	// CacheTTL is the sliding expiry of cached raw sets (default 5m).
	CacheTTL time.Duration
	// JanitorInterval is how often expired cache entries are swept; 0 disables.
	JanitorInterval time.Duration
	// Singleflight collapses concurrent misses for the same query into one fan-out.
	Singleflight bool
	Logger       *slog.Logger
	Recorder     Recorder
	// Now replaces time.Now for the cache clock, for tests.
	Now func() time.Time
}

// Aggregator is the aggregation core. It owns its result cache; create it
// with New and release it with Close.
type Aggregator struct {
	registry *sources.Registry
	policy   *QueryPolicy
	limiter  *sourceLimiter
	cache    *cache.Memory[[]record.Record]
	ttl      time.Duration
	group    *singleflight.Group
	states   *stateTracker
	recorder Recorder
	logger   *slog.Logger
}

// New creates an Aggregator over the sources in registry.
func New(registry *sources.Registry, opts Options) *Aggregator {
	if opts.Policy == nil {
		opts.Policy = DefaultQueryPolicy()
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = cache.DefaultTTL
	}
	if opts.Logger == nil {
		opts.Logger = slogutil.NewDiscardLogger()
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	cacheOpts := []cache.Option{cache.WithJanitor(opts.JanitorInterval)}
	if opts.Now != nil {
		cacheOpts = append(cacheOpts, cache.WithClock(opts.Now))
	}

	a := &Aggregator{
		registry: registry,
		policy:   opts.Policy,
		limiter:  newSourceLimiter(opts.Policy),
		cache:    cache.NewMemory[[]record.Record](cacheOpts...),
		ttl:      opts.CacheTTL,
		states:   newStateTracker(),
		recorder: opts.Recorder,
		logger:   opts.Logger,
	}
	if opts.Singleflight {
		a.group = &singleflight.Group{}
	}

	for _, id := range registry.IDs() {
		a.logger.Info("Registered source", "source", id, "timeout", a.policy.GetTimeout(id), "maxInFlight", a.policy.GetMaxInFlight(id))
	}
	return a
}

// CacheKey is the cache key for query: trimmed and lower-cased.
func CacheKey(query string) string {
	return strings.ToLower(strings.TrimSpace(query))
}

// Aggregate returns the records for req.Query from every source, filtered by
// req.Sources and ordered by req.SortBy and req.SortOrder.
//
// The unfiltered, unsorted result set is cached per query, so requests that
// differ only in sort or filter share one fan-out. Source failures degrade to
// missing records from that source and never fail the call. The only error
// besides invalid input is cancellation of ctx before the result is ready.
func (a *Aggregator) Aggregate(ctx context.Context, req Request) ([]record.Record, error) {
	start := time.Now()
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, errors.New(errors.InvalidInput, "query is required")
	}
	if req.SortBy == "" {
		req.SortBy = record.SortByDate
	}
	if req.SortOrder == "" {
		req.SortOrder = record.Descending
	}
	if err := ctx.Err(); err != nil {
		return nil, a.cancelled(err, start)
	}

	key := CacheKey(query)
	outcome := CacheHit
	raw, ok := a.cache.Get(key)
	if !ok {
		var shared bool
		var err error
		raw, shared, err = a.load(ctx, key, query)
		if err != nil {
			if errors.IsCancellation(err) {
				return nil, a.cancelled(err, start)
			}
			return nil, err
		}
		outcome = CacheMiss
		if shared {
			outcome = CacheShared
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, a.cancelled(err, start)
	}
	out := record.Sort(record.Filter(raw, req.Sources), req.SortBy, req.SortOrder)

	a.logger.Debug("Aggregated query",
		"query", query,
		"cache", outcome,
		"raw", len(raw),
		"returned", len(out),
		"sortBy", string(req.SortBy),
		"sortOrder", string(req.SortOrder),
		"sources", req.Sources.String(),
		"duration", time.Since(start),
	)
	a.recorder.RecordAggregate(AggregateEvent{Cache: outcome, Returned: len(out), Duration: time.Since(start)})
	return out, nil
}

func (a *Aggregator) cancelled(cause error, start time.Time) error {
	err := cause
	var aggErr *errors.AggError
	if !stderrors.As(cause, &aggErr) {
		err = errors.Wrap(errors.Cancelled, "aggregation cancelled", cause)
	}
	a.recorder.RecordAggregate(AggregateEvent{Cache: CacheMiss, Duration: time.Since(start), Err: err})
	return err
}

// load runs the fan-out for a cache miss. With single-flight enabled,
// concurrent misses for the same key wait for one fan-out; shared reports
// that the result was produced for more than one caller.
func (a *Aggregator) load(ctx context.Context, key, query string) (raw []record.Record, shared bool, err error) {
	if a.group == nil {
		raw, err = a.fetchAndStore(ctx, key, query)
		return raw, false, err
	}

	ch := a.group.DoChan(key, func() (interface{}, error) {
		return a.fetchAndStore(ctx, key, query)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			// the leading caller was cancelled but this one is still waiting
			if errors.IsCancellation(res.Err) && ctx.Err() == nil {
				raw, err = a.fetchAndStore(ctx, key, query)
				return raw, false, err
			}
			return nil, res.Shared, res.Err
		}
		return res.Val.([]record.Record), res.Shared, nil
	case <-ctx.Done():
		return nil, false, errors.Wrap(errors.Cancelled, "aggregation cancelled", ctx.Err())
	}
}

// fetchAndStore fans out and caches the raw set unless ctx was cancelled.
func (a *Aggregator) fetchAndStore(ctx context.Context, key, query string) ([]record.Record, error) {
	raw := a.fanOut(ctx, query)
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(errors.Cancelled, "aggregation cancelled", err)
	}
	a.cache.Set(key, raw, a.ttl)
	return raw, nil
}

// fanOut calls every registered source concurrently and waits for all of
// them. Per-source failures contribute nothing.
func (a *Aggregator) fanOut(ctx context.Context, query string) []record.Record {
	srcs := a.registry.All()
	results := make([][]record.Record, len(srcs))

	g, gctx := errgroup.WithContext(ctx)
	for i, src := range srcs {
		i, src := i, src
		g.Go(func() error {
			results[i] = a.fetchOne(gctx, src, query)
			return nil
		})
	}
	_ = g.Wait()

	total := 0
	for _, r := range results {
		total += len(r)
	}
	raw := make([]record.Record, 0, total)
	for _, r := range results {
		raw = append(raw, r...)
	}
	return raw
}

// fetchOne calls a single source, converting every failure, panic included,
// into an empty contribution.
func (a *Aggregator) fetchOne(ctx context.Context, src sources.Source, query string) (recs []record.Record) {
	id := src.ID()
	start := time.Now()
	var err error

	defer func() {
		if r := recover(); r != nil {
			err = errors.New(errors.InternalError, fmt.Sprintf("source panicked: %v", r))
			a.logger.Error("Source panicked", "source", id, "query", query, "panic", r, "stack", string(debug.Stack()))
			recs = nil
		}
		a.finishFetch(ctx, id, query, len(recs), err, time.Since(start))
	}()

	if err = a.limiter.Acquire(ctx, id); err != nil {
		return nil
	}
	defer a.limiter.Release(id)

	callCtx, cancel := context.WithTimeout(ctx, a.policy.GetTimeout(id))
	defer cancel()

	recs, err = src.Fetch(callCtx, query)
	if err != nil {
		if ctx.Err() == nil && stderrors.Is(callCtx.Err(), context.DeadlineExceeded) {
			err = errors.Wrap(errors.Timeout, fmt.Sprintf("%s did not answer within %s", id, a.policy.GetTimeout(id)), err)
		}
		return nil
	}
	return a.validRecords(id, recs)
}

// validRecords drops records that break the record invariant.
func (a *Aggregator) validRecords(id string, recs []record.Record) []record.Record {
	out := recs[:0:0]
	for _, r := range recs {
		if err := r.Validate(); err != nil {
			a.logger.Warn("Dropping invalid record", "source", id, "error", err)
			continue
		}
		out = append(out, r)
	}
	return out
}

func (a *Aggregator) finishFetch(ctx context.Context, id, query string, count int, err error, d time.Duration) {
	now := time.Now()
	outcome := OutcomeOK
	cancelled := false
	switch {
	case err == nil:
	case ctx.Err() != nil || errors.IsCancellation(err):
		outcome = OutcomeCancelled
		cancelled = true
		a.logger.Debug("Source fetch cancelled", "source", id, "query", query)
	case errors.CodeOf(err) == errors.Timeout:
		outcome = OutcomeTimeout
		a.logger.Warn("Source fetch timed out", "source", id, "query", query, "error", err, "duration", d)
	default:
		outcome = OutcomeError
		a.logger.Warn("Source fetch failed", "source", id, "query", query, "error", err, "duration", d)
	}
	if err == nil {
		a.logger.Debug("Source fetch complete", "source", id, "query", query, "count", count, "duration", d)
	}

	a.states.record(id, count, err, cancelled, d, now)
	a.recorder.RecordFetch(FetchEvent{
		Source:   id,
		Query:    query,
		Count:    count,
		Duration: d,
		Outcome:  outcome,
		Err:      err,
		At:       now,
	})
}

// Warm runs a fresh fan-out for each query and replaces its cache entry.
// It returns the number of queries warmed before ctx ended.
func (a *Aggregator) Warm(ctx context.Context, queries []string) (int, error) {
	warmed := 0
	for _, q := range queries {
		q = strings.TrimSpace(q)
		if q == "" {
			continue
		}
		raw, err := a.fetchAndStore(ctx, CacheKey(q), q)
		if err != nil {
			return warmed, err
		}
		warmed++
		a.logger.Info("Warmed cache", "query", q, "records", len(raw))
	}
	return warmed, nil
}

// ClearCache drops every cached result set and returns how many were dropped.
func (a *Aggregator) ClearCache() int {
	n := a.cache.Clear()
	a.logger.Info("Cleared result cache", "entries", n)
	return n
}

// Invalidate drops the cached result set for query.
func (a *Aggregator) Invalidate(query string) bool {
	return a.cache.Delete(CacheKey(query))
}

// Cached reports whether query has a live result set and how many records it
// holds. It neither counts as a lookup nor slides the expiry.
func (a *Aggregator) Cached(query string) (int, bool) {
	raw, ok := a.cache.Peek(CacheKey(query))
	return len(raw), ok
}

// CacheStats returns the result cache counters.
func (a *Aggregator) CacheStats() cache.Stats {
	return a.cache.Stats()
}

// CachedQueries returns the cache keys currently live.
func (a *Aggregator) CachedQueries() []string {
	return a.cache.Keys()
}

// Sources returns the state of every registered source in registration order.
func (a *Aggregator) Sources() []SourceState {
	ids := a.registry.IDs()
	out := make([]SourceState, 0, len(ids))
	for _, src := range a.registry.All() {
		s := a.states.get(src.ID())
		s.Available = sources.IsAvailable(src)
		s.InFlight = a.limiter.InFlight(src.ID())
		out = append(out, s)
	}
	return out
}

// Close stops the cache janitor.
func (a *Aggregator) Close() {
	a.cache.Close()
}
