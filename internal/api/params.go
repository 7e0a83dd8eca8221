package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"apiagg/internal/aggregator"
	"apiagg/internal/errors"
	"apiagg/internal/record"
)

// ParseAggregationParams extracts and validates the aggregation query parameters.
// sources may be a comma-separated list, repeated, or both.
func ParseAggregationParams(r *http.Request) (aggregator.Request, error) {
	q := r.URL.Query()
	req, err := aggregator.ParseRequest(q.Get("query"), q.Get("sortBy"), q.Get("sortOrder"), "")
	if err != nil {
		return req, err
	}
	req.Sources = record.NewSourceFilter(q["sources"]...)
	return req, nil
}

// ParseWindow parses a look-back window such as "90m", "24h" or "7d".
func ParseWindow(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid day count %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("window must be non-negative")
	}
	return d, nil
}

// QueryParamWindow extracts a look-back window parameter with a default value.
func QueryParamWindow(r *http.Request, name string, defaultVal time.Duration) (time.Duration, error) {
	val := r.URL.Query().Get(name)
	if val == "" {
		return defaultVal, nil
	}
	d, err := ParseWindow(val)
	if err != nil {
		return 0, errors.Wrap(errors.InvalidInput, fmt.Sprintf("invalid %s parameter", name), err).
			WithDetails(map[string]interface{}{"parameter": name, "value": val})
	}
	return d, nil
}
