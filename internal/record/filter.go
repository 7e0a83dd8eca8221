package record

import "strings"

// SourceFilter is an allowlist of source ids, matched case-insensitively.
// The zero value allows every source.
type SourceFilter struct {
	ids []string
}

// ParseSourceFilter parses a comma-separated list of source ids.
// Entries are trimmed and empty entries dropped, so "" and " , " yield an
// empty filter.
func ParseSourceFilter(s string) SourceFilter {
	var f SourceFilter
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			f.ids = append(f.ids, part)
		}
	}
	return f
}

// NewSourceFilter builds a filter from individual ids.
func NewSourceFilter(ids ...string) SourceFilter {
	return ParseSourceFilter(strings.Join(ids, ","))
}

func (f SourceFilter) Empty() bool {
	return len(f.ids) == 0
}

// Allows reports whether sourceID passes the filter.
func (f SourceFilter) Allows(sourceID string) bool {
	if f.Empty() {
		return true
	}
	for _, id := range f.ids {
		if strings.EqualFold(id, sourceID) {
			return true
		}
	}
	return false
}

// IDs returns the filter entries as given.
func (f SourceFilter) IDs() []string {
	return append([]string(nil), f.ids...)
}

func (f SourceFilter) String() string {
	return strings.Join(f.ids, ",")
}

// Filter returns the records allowed by f in a new slice.
func Filter(records []Record, f SourceFilter) []Record {
	if f.Empty() {
		return Clone(records)
	}
	out := make([]Record, 0, len(records))
	for _, r := range records {
		if f.Allows(r.SourceID) {
			out = append(out, r)
		}
	}
	return out
}
