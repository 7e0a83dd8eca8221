// Package feed searches configured RSS and Atom feeds.
package feed

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"html"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/mmcdole/gofeed"

	"apiagg/internal/config"
	"apiagg/internal/errors"
	"apiagg/internal/record"
	"apiagg/internal/sources"
)

// ID is the source id feed records carry.
const ID = "RSS"

const maxBodyRunes = 500

var tagPattern = regexp.MustCompile(`<[^>]*>`)

// Source is the RSS/Atom adapter. Every configured feed is downloaded on each
// fetch and its items are matched against the query.
type Source struct {
	cfg    config.FeedConfig
	client *sources.Client
	logger *slog.Logger
}

// New creates the adapter.
func New(cfg config.FeedConfig, client *sources.Client, logger *slog.Logger) *Source {
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 10
	}
	return &Source{cfg: cfg, client: client, logger: logger}
}

func (s *Source) ID() string { return ID }

// Available reports whether any feed is configured.
func (s *Source) Available() bool { return len(s.cfg.URLs) > 0 }

// Fetch downloads the feeds concurrently and returns matching items. It only
// fails when every feed fails.
func (s *Source) Fetch(ctx context.Context, query string) ([]record.Record, error) {
	if !s.Available() {
		return nil, errors.New(errors.UpstreamUnavailable, "no feeds configured")
	}

	type result struct {
		items []*gofeed.Item
		err   error
	}
	results := make([]result, len(s.cfg.URLs))

	var wg sync.WaitGroup
	for i, u := range s.cfg.URLs {
		wg.Add(1)
		go func(i int, u string) {
			defer wg.Done()
			items, err := s.fetchFeed(ctx, u)
			results[i] = result{items: items, err: err}
		}(i, u)
	}
	wg.Wait()

	var all []*gofeed.Item
	var errs []error
	for i, r := range results {
		if r.err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.cfg.URLs[i], r.err))
			continue
		}
		all = append(all, r.items...)
	}
	if len(errs) == len(results) {
		return nil, stderrors.Join(errs...)
	}
	for _, err := range errs {
		s.logger.Warn("Feed fetch failed", "error", err)
	}
	return mapItems(all, query, s.cfg.MaxResults), nil
}

func (s *Source) fetchFeed(ctx context.Context, u string) ([]*gofeed.Item, error) {
	body, err := s.client.Get(ctx, u, map[string]string{
		"Accept": "application/rss+xml, application/atom+xml, application/xml;q=0.9, */*;q=0.8",
	})
	if err != nil {
		return nil, err
	}
	parsed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(errors.UpstreamDecode, "parse feed", err)
	}
	return parsed.Items, nil
}

// mapItems keeps items whose title or description contains query (ignoring
// case) and converts up to limit of them to records.
func mapItems(items []*gofeed.Item, query string, limit int) []record.Record {
	needle := strings.ToLower(strings.TrimSpace(query))
	out := make([]record.Record, 0, min(len(items), limit))
	seen := make(map[string]bool)

	for _, it := range items {
		if len(out) == limit {
			break
		}
		if it == nil || strings.TrimSpace(it.Title) == "" || strings.TrimSpace(it.Link) == "" || seen[it.Link] {
			continue
		}
		summary := plainText(it.Description)
		if summary == "" {
			summary = plainText(it.Content)
		}
		if needle != "" && !strings.Contains(strings.ToLower(it.Title), needle) && !strings.Contains(strings.ToLower(summary), needle) {
			continue
		}
		seen[it.Link] = true

		var published *time.Time
		switch {
		case it.PublishedParsed != nil:
			published = record.TimePtr(it.PublishedParsed.UTC())
		case it.UpdatedParsed != nil:
			published = record.TimePtr(it.UpdatedParsed.UTC())
		}

		out = append(out, record.Record{
			SourceID:    ID,
			Title:       strings.TrimSpace(it.Title),
			Body:        sources.Or(sources.Truncate(summary, maxBodyRunes), sources.NoDescription),
			Link:        it.Link,
			PublishedAt: published,
		})
	}
	return out
}

// plainText strips markup and collapses whitespace.
func plainText(s string) string {
	s = html.UnescapeString(tagPattern.ReplaceAllString(s, " "))
	return strings.Join(strings.Fields(s), " ")
}
