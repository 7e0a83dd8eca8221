package record

import (
	"slices"
	"strings"
	"time"

	"apiagg/internal/errors"
)

// SortField selects the primary sort key.
type SortField string

const (
	SortByDate   SortField = "date"
	SortByTitle  SortField = "title"
	SortBySource SortField = "source"
)

// SortOrder selects the direction of the primary key.
type SortOrder string

const (
	Ascending  SortOrder = "asc"
	Descending SortOrder = "desc"
)

// ParseSortField accepts date, title or source (also publishedDate and
// sourceId), case-insensitively. Empty means date.
func ParseSortField(s string) (SortField, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "date", "publisheddate":
		return SortByDate, nil
	case "title":
		return SortByTitle, nil
	case "source", "sourceid", "sourceapi":
		return SortBySource, nil
	}
	return "", errors.New(errors.InvalidInput, "sortBy must be one of date, title, source").
		WithDetails(map[string]string{"sortBy": s})
}

// ParseSortOrder accepts asc or desc (also ascending and descending),
// case-insensitively. Empty means desc.
func ParseSortOrder(s string) (SortOrder, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "desc", "descending":
		return Descending, nil
	case "asc", "ascending":
		return Ascending, nil
	}
	return "", errors.New(errors.InvalidInput, "sortOrder must be asc or desc").
		WithDetails(map[string]string{"sortOrder": s})
}

// Sort returns a sorted copy of records; the input is not modified.
//
// The primary key follows field and order. A missing timestamp compares below
// every present one, so it leads in ascending order and trails in descending
// order. Ties always fall back to ascending case-insensitive title, then to
// exact title, source id, link and body, giving a total order.
func Sort(records []Record, field SortField, order SortOrder) []Record {
	out := Clone(records)
	slices.SortStableFunc(out, func(a, b Record) int {
		return Compare(a, b, field, order)
	})
	return out
}

// Compare orders a and b as Sort does.
func Compare(a, b Record, field SortField, order SortOrder) int {
	var c int
	switch field {
	case SortByTitle:
		c = compareFold(a.Title, b.Title)
	case SortBySource:
		c = compareFold(a.SourceID, b.SourceID)
	default:
		c = compareTime(a.PublishedAt, b.PublishedAt)
	}
	if order == Descending {
		c = -c
	}
	if c != 0 {
		return c
	}
	if c = compareFold(a.Title, b.Title); c != 0 {
		return c
	}
	if c = strings.Compare(a.Title, b.Title); c != 0 {
		return c
	}
	if c = strings.Compare(a.SourceID, b.SourceID); c != 0 {
		return c
	}
	if c = strings.Compare(a.Link, b.Link); c != 0 {
		return c
	}
	return strings.Compare(a.Body, b.Body)
}

func compareFold(a, b string) int {
	return strings.Compare(strings.ToLower(a), strings.ToLower(b))
}

// compareTime treats nil as the minimum time.
func compareTime(a, b *time.Time) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	return a.Compare(*b)
}
