// Package news searches recent articles through NewsAPI.org.
package news

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"apiagg/internal/config"
	"apiagg/internal/errors"
	"apiagg/internal/record"
	"apiagg/internal/sources"
)

// ID is the source id news records carry.
const ID = "NewsAPI"

const maxPageSize = 100

type response struct {
	Status   string    `json:"status"`
	Code     string    `json:"code"`
	Message  string    `json:"message"`
	Articles []article `json:"articles"`
}

type article struct {
	Title       string  `json:"title"`
	Description *string `json:"description"`
	URL         string  `json:"url"`
	PublishedAt string  `json:"publishedAt"`
}

// Source is the NewsAPI adapter.
type Source struct {
	cfg    config.NewsConfig
	client *sources.Client
	logger *slog.Logger
	now    func() time.Time
}

// New creates the adapter.
func New(cfg config.NewsConfig, client *sources.Client, logger *slog.Logger) *Source {
	if cfg.MaxResults <= 0 || cfg.MaxResults > maxPageSize {
		cfg.MaxResults = 10
	}
	if cfg.Window <= 0 {
		cfg.Window = 7 * 24 * time.Hour
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Source{cfg: cfg, client: client, logger: logger, now: time.Now}
}

func (s *Source) ID() string { return ID }

// Available reports whether an API key is configured.
func (s *Source) Available() bool { return s.cfg.APIKey != "" }

// Fetch searches articles published within the configured window.
func (s *Source) Fetch(ctx context.Context, query string) ([]record.Record, error) {
	if !s.Available() {
		return nil, errors.New(errors.UpstreamUnavailable, "NewsAPI key not configured")
	}

	params := url.Values{}
	params.Set("q", query)
	params.Set("from", s.now().Add(-s.cfg.Window).UTC().Format("2006-01-02"))
	params.Set("sortBy", "popularity")
	params.Set("pageSize", strconv.Itoa(s.cfg.MaxResults))
	params.Set("apiKey", s.cfg.APIKey)

	var resp response
	if err := s.client.GetJSON(ctx, s.cfg.BaseURL+"/everything?"+params.Encode(), nil, &resp); err != nil {
		if msg := providerMessage(sources.ErrorBody(err)); msg != "" {
			return nil, errors.Wrap(errors.CodeOf(err), msg, err)
		}
		return nil, err
	}
	if resp.Status == "error" {
		return nil, errors.New(errors.UpstreamStatus, "NewsAPI error: "+resp.Message).
			WithDetails(map[string]string{"code": resp.Code})
	}
	records := mapArticles(resp.Articles, s.cfg.MaxResults)
	if skipped := min(len(resp.Articles), s.cfg.MaxResults) - len(records); skipped > 0 {
		s.logger.Debug("Skipped incomplete articles", "query", query, "skipped", skipped)
	}
	return records, nil
}

// providerMessage extracts the message from a NewsAPI error body.
func providerMessage(body string) string {
	if body == "" {
		return ""
	}
	var r response
	if json.Unmarshal([]byte(body), &r) != nil || r.Message == "" {
		return ""
	}
	return "NewsAPI error: " + r.Message
}

// mapArticles converts articles to records, keeping at most limit. Articles
// without a title or url, and ones NewsAPI reports as removed, are skipped.
func mapArticles(articles []article, limit int) []record.Record {
	out := make([]record.Record, 0, min(len(articles), limit))
	for _, a := range articles {
		if len(out) == limit {
			break
		}
		title := strings.TrimSpace(a.Title)
		if title == "" || title == "[Removed]" || strings.TrimSpace(a.URL) == "" {
			continue
		}
		desc := ""
		if a.Description != nil {
			desc = *a.Description
		}
		var published *time.Time
		if t, err := time.Parse(time.RFC3339, a.PublishedAt); err == nil {
			published = record.TimePtr(t)
		}
		out = append(out, record.Record{
			SourceID:    ID,
			Title:       title,
			Body:        sources.Or(desc, sources.NoDescription),
			Link:        a.URL,
			PublishedAt: published,
		})
	}
	return out
}
