// Package record defines the normalized record every source produces and the
// filtering and ordering applied to aggregated result sets.
package record

import (
	"fmt"
	"strings"
	"time"
)

// Record is one normalized item contributed by a source.
type Record struct {
	SourceID    string     `json:"sourceApi" yaml:"sourceApi"`
	Title       string     `json:"title" yaml:"title"`
	Body        string     `json:"content" yaml:"content"`
	Link        string     `json:"url" yaml:"url"`
	PublishedAt *time.Time `json:"publishedDate,omitempty" yaml:"publishedDate,omitempty"`
}

// Validate checks that the required fields are present.
func (r Record) Validate() error {
	switch {
	case strings.TrimSpace(r.SourceID) == "":
		return fmt.Errorf("record has empty source id")
	case strings.TrimSpace(r.Title) == "":
		return fmt.Errorf("record from %s has empty title", r.SourceID)
	case strings.TrimSpace(r.Body) == "":
		return fmt.Errorf("record %q from %s has empty body", r.Title, r.SourceID)
	case strings.TrimSpace(r.Link) == "":
		return fmt.Errorf("record %q from %s has empty link", r.Title, r.SourceID)
	case r.PublishedAt != nil && r.PublishedAt.IsZero():
		return fmt.Errorf("record %q from %s has zero timestamp", r.Title, r.SourceID)
	}
	return nil
}

// TimePtr returns a pointer to t, or nil when t is the zero time.
func TimePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// Clone returns a shallow copy of records. Timestamps are shared and must not
// be mutated.
func Clone(records []Record) []Record {
	if records == nil {
		return nil
	}
	out := make([]Record, len(records))
	copy(out, records)
	return out
}
