package aggregator

import (
	"sync"
	"time"
)

// SourceState is the rolling health of one source.
type SourceState struct {
	ID                string    `json:"id"`
	Available         bool      `json:"available"`
	LastFetched       time.Time `json:"lastFetched,omitempty"`
	LastError         string    `json:"lastError,omitempty"`
	LastCount         int       `json:"lastCount"`
	LastDurationMs    int64     `json:"lastDurationMs"`
	ConsecutiveErrors int       `json:"consecutiveErrors"`
	TotalFetches      int64     `json:"totalFetches"`
	TotalErrors       int64     `json:"totalErrors"`
	InFlight          int       `json:"inFlight"`
}

// Healthy reports whether the source is usable and its last call succeeded.
func (s SourceState) Healthy() bool {
	return s.Available && s.ConsecutiveErrors == 0
}

type stateTracker struct {
	mu     sync.Mutex
	states map[string]*SourceState
}

func newStateTracker() *stateTracker {
	return &stateTracker{states: make(map[string]*SourceState)}
}

func (t *stateTracker) record(id string, count int, err error, cancelled bool, d time.Duration, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.states[id]
	if !ok {
		s = &SourceState{ID: id}
		t.states[id] = s
	}
	// a call abandoned by its caller says nothing about the source
	if cancelled {
		return
	}
	s.TotalFetches++
	s.LastFetched = at
	s.LastDurationMs = d.Milliseconds()
	if err != nil {
		s.TotalErrors++
		s.ConsecutiveErrors++
		s.LastError = err.Error()
		s.LastCount = 0
		return
	}
	s.ConsecutiveErrors = 0
	s.LastError = ""
	s.LastCount = count
}

func (t *stateTracker) get(id string) SourceState {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.states[id]; ok {
		return *s
	}
	return SourceState{ID: id}
}
