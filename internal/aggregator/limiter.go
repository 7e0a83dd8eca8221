package aggregator

import (
	"context"
	"sync"
)

// semaphore implements a counting semaphore
type semaphore struct {
	permits chan struct{}
}

func newSemaphore(permits int) *semaphore {
	return &semaphore{permits: make(chan struct{}, permits)}
}

// Acquire takes a permit, blocking until one is free or ctx is done.
func (s *semaphore) Acquire(ctx context.Context) error {
	select {
	case s.permits <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *semaphore) Release() {
	select {
	case <-s.permits:
	default:
	}
}

// inFlight returns how many permits are held.
func (s *semaphore) inFlight() int {
	return len(s.permits)
}

// sourceLimiter holds one semaphore per source, created on first use.
type sourceLimiter struct {
	policy *QueryPolicy

	mu   sync.Mutex
	sems map[string]*semaphore
}

func newSourceLimiter(policy *QueryPolicy) *sourceLimiter {
	return &sourceLimiter{policy: policy, sems: make(map[string]*semaphore)}
}

func (l *sourceLimiter) get(sourceID string) *semaphore {
	l.mu.Lock()
	defer l.mu.Unlock()
	sem, ok := l.sems[sourceID]
	if !ok {
		sem = newSemaphore(l.policy.GetMaxInFlight(sourceID))
		l.sems[sourceID] = sem
	}
	return sem
}

func (l *sourceLimiter) Acquire(ctx context.Context, sourceID string) error {
	return l.get(sourceID).Acquire(ctx)
}

func (l *sourceLimiter) Release(sourceID string) {
	l.get(sourceID).Release()
}

// InFlight reports the current number of calls into sourceID.
func (l *sourceLimiter) InFlight(sourceID string) int {
	return l.get(sourceID).inFlight()
}
