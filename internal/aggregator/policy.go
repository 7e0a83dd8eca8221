package aggregator

import (
	"time"

	"apiagg/internal/config"
)

const (
	defaultTimeout     = 10 * time.Second
	defaultMaxInFlight = 5
)

// QueryPolicy defines per-source limits applied during fan-out.
type QueryPolicy struct {
	// DefaultTimeout bounds a single source call when no override exists.
	DefaultTimeout time.Duration

	// Timeouts overrides DefaultTimeout per source id.
	Timeouts map[string]time.Duration

	// DefaultMaxInFlight caps concurrent calls into one source across all
	// in-progress aggregations.
	DefaultMaxInFlight int

	// MaxInFlight overrides DefaultMaxInFlight per source id.
	MaxInFlight map[string]int
}

// DefaultQueryPolicy returns the default query policy
func DefaultQueryPolicy() *QueryPolicy {
	return &QueryPolicy{
		DefaultTimeout:     defaultTimeout,
		Timeouts:           map[string]time.Duration{},
		DefaultMaxInFlight: defaultMaxInFlight,
		MaxInFlight:        map[string]int{},
	}
}

// LoadQueryPolicy creates a QueryPolicy from the aggregation config.
// Per-source timeouts are added by the caller with SetTimeout.
func LoadQueryPolicy(cfg config.AggregationConfig) *QueryPolicy {
	policy := DefaultQueryPolicy()
	if cfg.SourceTimeout > 0 {
		policy.DefaultTimeout = cfg.SourceTimeout
	}
	if cfg.MaxInFlightPerSource > 0 {
		policy.DefaultMaxInFlight = cfg.MaxInFlightPerSource
	}
	return policy
}

// SetTimeout overrides the timeout for one source. Non-positive values are ignored.
func (p *QueryPolicy) SetTimeout(sourceID string, d time.Duration) *QueryPolicy {
	if d > 0 {
		p.Timeouts[sourceID] = d
	}
	return p
}

// GetTimeout returns the timeout for a source
func (p *QueryPolicy) GetTimeout(sourceID string) time.Duration {
	if d, ok := p.Timeouts[sourceID]; ok && d > 0 {
		return d
	}
	if p.DefaultTimeout > 0 {
		return p.DefaultTimeout
	}
	return defaultTimeout
}

// GetMaxInFlight returns the concurrency cap for a source
func (p *QueryPolicy) GetMaxInFlight(sourceID string) int {
	if n, ok := p.MaxInFlight[sourceID]; ok && n > 0 {
		return n
	}
	if p.DefaultMaxInFlight > 0 {
		return p.DefaultMaxInFlight
	}
	return defaultMaxInFlight
}
