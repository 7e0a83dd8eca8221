package aggregator

import "time"

// Fetch outcomes reported to a Recorder.
const (
	OutcomeOK        = "ok"
	OutcomeError     = "error"
	OutcomeTimeout   = "timeout"
	OutcomeCancelled = "cancelled"
)

// Cache outcomes reported per Aggregate call.
const (
	CacheHit    = "hit"
	CacheMiss   = "miss"
	CacheShared = "shared"
)

// FetchEvent describes one source call.
type FetchEvent struct {
	Source   string
	Query    string
	Count    int
	Duration time.Duration
	Outcome  string
	Err      error
	At       time.Time
}

// AggregateEvent describes one Aggregate call.
type AggregateEvent struct {
	Cache    string
	Returned int
	Duration time.Duration
	Err      error
}

// Recorder observes aggregation activity. Implementations must not block.
type Recorder interface {
	RecordFetch(FetchEvent)
	RecordAggregate(AggregateEvent)
}

// Recorders fans events out to several recorders.
type Recorders []Recorder

func (rs Recorders) RecordFetch(e FetchEvent) {
	for _, r := range rs {
		if r != nil {
			r.RecordFetch(e)
		}
	}
}

func (rs Recorders) RecordAggregate(e AggregateEvent) {
	for _, r := range rs {
		if r != nil {
			r.RecordAggregate(e)
		}
	}
}

type nopRecorder struct{}

func (nopRecorder) RecordFetch(FetchEvent)         {}
func (nopRecorder) RecordAggregate(AggregateEvent) {}
