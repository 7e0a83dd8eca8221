package main

import (
	"io"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"apiagg/internal/aggregator"
	"apiagg/internal/config"
	"apiagg/internal/slogutil"
	"apiagg/internal/sources/feed"
	"apiagg/internal/sources/github"
	"apiagg/internal/sources/news"
	"apiagg/internal/sources/weather"
	"apiagg/internal/storage"
)

func testLoggerFactory(t *testing.T) *slogutil.LoggerFactory {
	t.Helper()
	lf, err := slogutil.NewLoggerFactory(config.LoggingConfig{Level: "error"}, io.Discard, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = lf.Close() })
	return lf
}

func TestBuildRegistry(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   []string
	}{
		{
			name:   "defaults",
			mutate: func(*config.Config) {},
			want:   []string{github.ID, news.ID, weather.ID},
		},
		{
			name: "feed registered when urls set",
			mutate: func(c *config.Config) {
				c.Sources.Feed.URLs = []string{"https://go.dev/blog/feed.atom"}
			},
			want: []string{github.ID, news.ID, weather.ID, feed.ID},
		},
		{
			name: "disabled adapters skipped",
			mutate: func(c *config.Config) {
				c.Sources.GitHub.Enabled = false
				c.Sources.Weather.Enabled = false
			},
			want: []string{news.ID},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			tt.mutate(cfg)
			reg, err := buildRegistry(cfg, testLoggerFactory(t))
			if err != nil {
				t.Fatalf("buildRegistry() error = %v", err)
			}
			if got := reg.IDs(); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("IDs() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBuildPolicy(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Aggregation.SourceTimeout = 8 * time.Second
	cfg.Sources.News.Timeout = 2 * time.Second

	p := buildPolicy(cfg)
	if got := p.GetTimeout(news.ID); got != 2*time.Second {
		t.Errorf("news timeout = %v, want 2s", got)
	}
	if got := p.GetTimeout(github.ID); got != 8*time.Second {
		t.Errorf("github timeout = %v, want 8s", got)
	}
	if got := p.GetMaxInFlight(github.ID); got != cfg.Aggregation.MaxInFlightPerSource {
		t.Errorf("max in flight = %d, want %d", got, cfg.Aggregation.MaxInFlightPerSource)
	}
}

func TestDescribeSources(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Sources.News.Timeout = 2 * time.Second
	reg, err := buildRegistry(cfg, testLoggerFactory(t))
	if err != nil {
		t.Fatal(err)
	}
	policy := buildPolicy(cfg)

	t.Run("all", func(t *testing.T) {
		resp, err := describeSources(reg, policy, nil)
		if err != nil {
			t.Fatal(err)
		}
		if len(resp.Sources) != 3 {
			t.Errorf("Sources = %+v, want 3 entries", resp.Sources)
		}
	})

	t.Run("named ids keep argument order", func(t *testing.T) {
		resp, err := describeSources(reg, policy, []string{"newsapi", "GITHUB"})
		if err != nil {
			t.Fatal(err)
		}
		if len(resp.Sources) != 2 || resp.Sources[0].ID != news.ID || resp.Sources[1].ID != github.ID {
			t.Fatalf("Sources = %+v", resp.Sources)
		}
		if resp.Sources[0].Timeout != "2s" {
			t.Errorf("news timeout = %q, want 2s", resp.Sources[0].Timeout)
		}
	})

	t.Run("unknown id", func(t *testing.T) {
		_, err := describeSources(reg, policy, []string{"github", "nope"})
		if err == nil || !strings.Contains(err.Error(), `"nope"`) {
			t.Errorf("error = %v, want unknown source nope", err)
		}
	})
}

func TestNewAggregatorRegistersEnabledSources(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Sources.News.Enabled = false

	agg, err := newAggregator(cfg, testLoggerFactory(t), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer agg.Close()

	states := agg.Sources()
	if len(states) != 2 {
		t.Fatalf("Sources() = %d entries, want 2", len(states))
	}
	for _, s := range states {
		if s.ID == news.ID {
			t.Errorf("disabled source %s registered", s.ID)
		}
	}
}

func TestCollectStats(t *testing.T) {
	db, err := storage.Open(filepath.Join(t.TempDir(), "fetches.db"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	now := time.Now()
	rows := []storage.FetchRecord{
		{Source: "GitHub", Query: "golang", ItemCount: 10, DurationMs: 100, Outcome: aggregator.OutcomeOK, FetchedAt: now.Add(-time.Minute)},
		{Source: "GitHub", Query: "rust", DurationMs: 300, Outcome: aggregator.OutcomeError, Error: "boom", FetchedAt: now.Add(-time.Minute)},
		{Source: "NewsAPI", Query: "golang", ItemCount: 5, DurationMs: 50, Outcome: aggregator.OutcomeOK, FetchedAt: now.Add(-72 * time.Hour)},
	}
	for _, r := range rows {
		if err := db.RecordFetch(r); err != nil {
			t.Fatal(err)
		}
	}

	resp, err := collectStats(db, 24*time.Hour, now)
	if err != nil {
		t.Fatalf("collectStats() error = %v", err)
	}
	if resp.TotalRows != 3 {
		t.Errorf("TotalRows = %d, want 3", resp.TotalRows)
	}
	if len(resp.Sources) != 1 {
		t.Fatalf("Sources = %+v, want only GitHub inside the window", resp.Sources)
	}
	gh := resp.Sources[0]
	if gh.Source != "GitHub" || gh.Fetches != 2 || gh.Errors != 1 {
		t.Errorf("GitHub row = %+v", gh)
	}
	if gh.AvgDurationMs != 200 {
		t.Errorf("AvgDurationMs = %v, want 200", gh.AvgDurationMs)
	}
	if gh.ErrorRate != 0.5 {
		t.Errorf("ErrorRate = %v, want 0.5", gh.ErrorRate)
	}
}
