package storage

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"apiagg/internal/aggregator"
	"apiagg/internal/slogutil"
)

const defaultRecorderBuffer = 256

// RecorderOptions configures a Recorder.
type RecorderOptions struct {
	// Buffer is the number of events held while the writer is busy.
	Buffer int
	// Retention prunes rows older than this on every PruneInterval; 0 keeps everything.
	Retention     time.Duration
	PruneInterval time.Duration
	Logger        *slog.Logger
}

// Recorder writes aggregator fetch events to the database from a single
// background goroutine. Events that arrive while the buffer is full are dropped.
type Recorder struct {
	db     *DB
	events chan aggregator.FetchEvent
	logger *slog.Logger

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
	done    chan struct{}
}

// NewRecorder starts the writer goroutine. Call Close to flush and stop it.
func NewRecorder(db *DB, opts RecorderOptions) *Recorder {
	if opts.Buffer <= 0 {
		opts.Buffer = defaultRecorderBuffer
	}
	if opts.Logger == nil {
		opts.Logger = slogutil.NewDiscardLogger()
	}
	if opts.PruneInterval <= 0 {
		opts.PruneInterval = time.Hour
	}

	r := &Recorder{
		db:     db,
		events: make(chan aggregator.FetchEvent, opts.Buffer),
		logger: opts.Logger,
		done:   make(chan struct{}),
	}
	go r.run(opts.Retention, opts.PruneInterval)
	return r
}

// RecordFetch queues e for writing without blocking.
func (r *Recorder) RecordFetch(e aggregator.FetchEvent) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.events <- e:
	default:
		r.dropped.Add(1)
		r.logger.Debug("Dropping fetch event, recorder buffer full", "source", e.Source)
	}
}

// RecordAggregate is a no-op; only source calls are persisted.
func (r *Recorder) RecordAggregate(aggregator.AggregateEvent) {}

// Dropped returns how many events were discarded because the buffer was full.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Close stops accepting events, writes what is buffered and waits for the writer.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		<-r.done
		return
	}
	r.closed = true
	close(r.events)
	r.mu.Unlock()
	<-r.done
}

func (r *Recorder) run(retention, pruneInterval time.Duration) {
	defer close(r.done)

	var tick <-chan time.Time
	if retention > 0 {
		ticker := time.NewTicker(pruneInterval)
		defer ticker.Stop()
		tick = ticker.C
		r.prune(retention)
	}

	for {
		select {
		case e, ok := <-r.events:
			if !ok {
				return
			}
			r.write(e)
		case <-tick:
			r.prune(retention)
		}
	}
}

func (r *Recorder) write(e aggregator.FetchEvent) {
	rec := FetchRecord{
		Source:     e.Source,
		Query:      e.Query,
		ItemCount:  e.Count,
		DurationMs: e.Duration.Milliseconds(),
		Outcome:    e.Outcome,
		FetchedAt:  e.At,
	}
	if e.Err != nil {
		rec.Error = e.Err.Error()
	}
	if err := r.db.RecordFetch(rec); err != nil {
		r.logger.Warn("Failed to record fetch", "source", e.Source, "error", err)
	}
}

func (r *Recorder) prune(retention time.Duration) {
	n, err := r.db.Prune(time.Now().Add(-retention))
	if err != nil {
		r.logger.Warn("Failed to prune fetch history", "error", err)
		return
	}
	if n > 0 {
		r.logger.Info("Pruned fetch history", "rows", n, "retention", retention)
	}
}
