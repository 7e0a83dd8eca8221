// Package sources defines the adapter contract and the shared plumbing the
// concrete adapters (github, news, weather, feed) are built on.
package sources

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"apiagg/internal/record"
)

// NoDescription is the body used when an upstream item has no summary.
const NoDescription = "No description available."

// Source fetches records for a free-text query from one upstream.
// A well-formed query with no answer returns an empty slice and nil error.
type Source interface {
	ID() string
	Fetch(ctx context.Context, query string) ([]record.Record, error)
}

// Availability is implemented by sources that can tell, without a network
// call, whether they are able to serve requests (e.g. a credential is set).
type Availability interface {
	Available() bool
}

// IsAvailable reports s as available unless it implements Availability and says otherwise.
func IsAvailable(s Source) bool {
	if a, ok := s.(Availability); ok {
		return a.Available()
	}
	return true
}

// Registry is the fixed, ordered set of sources the aggregator fans out to.
type Registry struct {
	mu      sync.RWMutex
	sources []Source
	byID    map[string]Source
}

// NewRegistry registers srcs in order.
func NewRegistry(srcs ...Source) (*Registry, error) {
	r := &Registry{byID: make(map[string]Source)}
	for _, s := range srcs {
		if err := r.Register(s); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds s. IDs must be non-empty and unique ignoring case.
func (r *Registry) Register(s Source) error {
	if s == nil {
		return fmt.Errorf("nil source")
	}
	id := s.ID()
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("source has empty id")
	}
	key := strings.ToLower(id)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.byID[key]; dup {
		return fmt.Errorf("source %q already registered", id)
	}
	r.byID[key] = s
	r.sources = append(r.sources, s)
	return nil
}

// All returns the sources in registration order.
func (r *Registry) All() []Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Source(nil), r.sources...)
}

// Get looks a source up by id, ignoring case.
func (r *Registry) Get(id string) (Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[strings.ToLower(id)]
	return s, ok
}

// IDs returns the registered ids in registration order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, len(r.sources))
	for i, s := range r.sources {
		ids[i] = s.ID()
	}
	return ids
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sources)
}

// Truncate shortens s to at most n runes, adding "..." when cut.
func Truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if n <= 0 || len(runes) <= n {
		return s
	}
	if n <= 3 {
		return string(runes[:n])
	}
	return string(runes[:n-3]) + "..."
}

// Or returns s, or fallback when s is blank.
func Or(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}
