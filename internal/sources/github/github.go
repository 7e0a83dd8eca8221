// Package github lists a user's public repositories from the GitHub REST API.
package github

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode"

	"apiagg/internal/config"
	"apiagg/internal/record"
	"apiagg/internal/sources"
)

// ID is the source id GitHub records carry.
const ID = "GitHub"

const maxPerPage = 100

type repo struct {
	FullName    string  `json:"full_name"`
	Description *string `json:"description"`
	HTMLURL     string  `json:"html_url"`
	CreatedAt   string  `json:"created_at"`
}

// Source is the GitHub adapter. The query is treated as a user handle.
type Source struct {
	cfg    config.GitHubConfig
	client *sources.Client
	logger *slog.Logger
}

// New creates the adapter.
func New(cfg config.GitHubConfig, client *sources.Client, logger *slog.Logger) *Source {
	if cfg.MaxResults <= 0 || cfg.MaxResults > maxPerPage {
		cfg.MaxResults = 10
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Source{cfg: cfg, client: client, logger: logger}
}

func (s *Source) ID() string { return ID }

// Fetch lists repositories for the user named by query. Queries that cannot
// be a user handle and unknown users yield no records.
func (s *Source) Fetch(ctx context.Context, query string) ([]record.Record, error) {
	query = strings.TrimSpace(query)
	if !validHandle(query) {
		s.logger.Debug("Skipping GitHub lookup for non-handle query", "query", query)
		return nil, nil
	}

	u := fmt.Sprintf("%s/users/%s/repos?per_page=%d&sort=updated", s.cfg.BaseURL, url.PathEscape(query), s.cfg.MaxResults)
	headers := map[string]string{
		"Accept":               "application/vnd.github+json",
		"X-GitHub-Api-Version": "2022-11-28",
	}
	if s.cfg.Token != "" {
		headers["Authorization"] = "Bearer " + s.cfg.Token
	}

	var repos []repo
	if err := s.client.GetJSON(ctx, u, headers, &repos); err != nil {
		if sources.StatusCode(err) == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	return mapRepos(repos, s.cfg.MaxResults), nil
}

func validHandle(q string) bool {
	return q != "" && !strings.ContainsFunc(q, unicode.IsSpace)
}

// mapRepos converts API repositories to records, keeping at most limit.
func mapRepos(repos []repo, limit int) []record.Record {
	out := make([]record.Record, 0, min(len(repos), limit))
	for _, r := range repos {
		if len(out) == limit {
			break
		}
		if r.FullName == "" || r.HTMLURL == "" {
			continue
		}
		desc := ""
		if r.Description != nil {
			desc = *r.Description
		}
		var created *time.Time
		if t, err := time.Parse(time.RFC3339, r.CreatedAt); err == nil {
			created = record.TimePtr(t)
		}
		out = append(out, record.Record{
			SourceID:    ID,
			Title:       r.FullName,
			Body:        sources.Or(desc, sources.NoDescription),
			Link:        r.HTMLURL,
			PublishedAt: created,
		})
	}
	return out
}
