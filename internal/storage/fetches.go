package storage

import (
	"database/sql"
	"time"
)

// timeLayout sorts lexically in the same order as the times it encodes.
const timeLayout = "2006-01-02T15:04:05.000Z"

// FetchRecord represents a single source call
type FetchRecord struct {
	ID         int64     `json:"id" yaml:"id"`
	Source     string    `json:"source" yaml:"source"`
	Query      string    `json:"query" yaml:"query"`
	ItemCount  int       `json:"itemCount" yaml:"itemCount"`
	DurationMs int64     `json:"durationMs" yaml:"durationMs"`
	Outcome    string    `json:"outcome" yaml:"outcome"`
	Error      string    `json:"error,omitempty" yaml:"error,omitempty"`
	FetchedAt  time.Time `json:"fetchedAt" yaml:"fetchedAt"`
}

// SourceAggregate represents aggregated fetch stats for one source
type SourceAggregate struct {
	Source          string `json:"source" yaml:"source"`
	Fetches         int64  `json:"fetches" yaml:"fetches"`
	Errors          int64  `json:"errors" yaml:"errors"`
	Timeouts        int64  `json:"timeouts" yaml:"timeouts"`
	Cancelled       int64  `json:"cancelled" yaml:"cancelled"`
	Items           int64  `json:"items" yaml:"items"`
	TotalDurationMs int64  `json:"totalDurationMs" yaml:"totalDurationMs"`
}

// AvgDurationMs returns the mean call latency.
func (a SourceAggregate) AvgDurationMs() float64 {
	if a.Fetches == 0 {
		return 0
	}
	return float64(a.TotalDurationMs) / float64(a.Fetches)
}

// ErrorRate returns the share of calls that failed or timed out.
// Cancelled calls are not counted against the source.
func (a SourceAggregate) ErrorRate() float64 {
	counted := a.Fetches - a.Cancelled
	if counted <= 0 {
		return 0
	}
	return float64(a.Errors+a.Timeouts) / float64(counted)
}

// RecordFetch persists one source call.
func (db *DB) RecordFetch(r FetchRecord) error {
	if r.FetchedAt.IsZero() {
		r.FetchedAt = time.Now()
	}
	var errText sql.NullString
	if r.Error != "" {
		errText = sql.NullString{String: r.Error, Valid: true}
	}
	_, err := db.Exec(`
		INSERT INTO source_fetches (
			source, query, item_count, duration_ms, outcome, error, fetched_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.Source, r.Query, r.ItemCount, r.DurationMs, r.Outcome, errText, formatTime(r.FetchedAt))
	return err
}

// FetchAggregates returns per-source totals for calls made at or after since,
// busiest source first.
func (db *DB) FetchAggregates(since time.Time) ([]SourceAggregate, error) {
	rows, err := db.Query(`
		SELECT
			source,
			COUNT(*) AS fetches,
			SUM(CASE WHEN outcome = 'error' THEN 1 ELSE 0 END) AS errors,
			SUM(CASE WHEN outcome = 'timeout' THEN 1 ELSE 0 END) AS timeouts,
			SUM(CASE WHEN outcome = 'cancelled' THEN 1 ELSE 0 END) AS cancelled,
			COALESCE(SUM(item_count), 0) AS items,
			COALESCE(SUM(duration_ms), 0) AS total_ms
		FROM source_fetches
		WHERE fetched_at >= ?
		GROUP BY source
		ORDER BY fetches DESC, source ASC
	`, formatTime(since))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []SourceAggregate
	for rows.Next() {
		var agg SourceAggregate
		if err := rows.Scan(
			&agg.Source,
			&agg.Fetches,
			&agg.Errors,
			&agg.Timeouts,
			&agg.Cancelled,
			&agg.Items,
			&agg.TotalDurationMs,
		); err != nil {
			return nil, err
		}
		result = append(result, agg)
	}
	return result, rows.Err()
}

// RecentFetches returns the newest calls, optionally for one source only.
func (db *DB) RecentFetches(limit int, source string) ([]FetchRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	var rows *sql.Rows
	var err error
	if source != "" {
		rows, err = db.Query(`
			SELECT id, source, query, item_count, duration_ms, outcome, error, fetched_at
			FROM source_fetches
			WHERE source = ? COLLATE NOCASE
			ORDER BY fetched_at DESC, id DESC
			LIMIT ?
		`, source, limit)
	} else {
		rows, err = db.Query(`
			SELECT id, source, query, item_count, duration_ms, outcome, error, fetched_at
			FROM source_fetches
			ORDER BY fetched_at DESC, id DESC
			LIMIT ?
		`, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []FetchRecord
	for rows.Next() {
		var r FetchRecord
		var errText sql.NullString
		var fetchedAt string
		if err := rows.Scan(
			&r.ID, &r.Source, &r.Query, &r.ItemCount, &r.DurationMs,
			&r.Outcome, &errText, &fetchedAt,
		); err != nil {
			return nil, err
		}
		r.Error = errText.String
		r.FetchedAt, _ = time.Parse(timeLayout, fetchedAt)
		records = append(records, r)
	}
	return records, rows.Err()
}

// Prune removes calls recorded before the cutoff.
func (db *DB) Prune(before time.Time) (int64, error) {
	result, err := db.Exec(`DELETE FROM source_fetches WHERE fetched_at < ?`, formatTime(before))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// FetchTableStats returns the row count and the oldest and newest call times.
func (db *DB) FetchTableStats() (total int64, oldest, newest *time.Time, err error) {
	var oldestStr, newestStr sql.NullString
	err = db.QueryRow(`
		SELECT COUNT(*), MIN(fetched_at), MAX(fetched_at)
		FROM source_fetches
	`).Scan(&total, &oldestStr, &newestStr)
	if err == sql.ErrNoRows {
		return 0, nil, nil, nil
	}
	if err != nil {
		return 0, nil, nil, err
	}

	if oldestStr.Valid {
		if t, parseErr := time.Parse(timeLayout, oldestStr.String); parseErr == nil {
			oldest = &t
		}
	}
	if newestStr.Valid {
		if t, parseErr := time.Parse(timeLayout, newestStr.String); parseErr == nil {
			newest = &t
		}
	}
	return
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}
