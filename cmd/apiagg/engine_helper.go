package main

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"apiagg/internal/aggregator"
	"apiagg/internal/config"
	"apiagg/internal/slogutil"
	"apiagg/internal/sources"
	"apiagg/internal/sources/feed"
	"apiagg/internal/sources/github"
	"apiagg/internal/sources/news"
	"apiagg/internal/sources/weather"
)

// loadConfig loads and validates the configuration named by --config.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newLoggerFactory builds loggers for a command. Long-running commands keep
// the configured console level and log file unless -v or -q is given;
// one-shot commands log to the console only, at warn by default.
func newLoggerFactory(cfg *config.Config, console io.Writer, longRunning bool) (*slogutil.LoggerFactory, error) {
	logCfg := cfg.Logging
	var level *slog.Level
	if !longRunning || verbosity > 0 || quiet {
		l := slogutil.LevelFromVerbosity(verbosity, quiet)
		level = &l
	}
	if !longRunning {
		logCfg.File = ""
	}
	return slogutil.NewLoggerFactory(logCfg, console, level)
}

// buildRegistry registers every enabled adapter. The RSS adapter is only
// registered when at least one feed URL is configured.
func buildRegistry(cfg *config.Config, lf *slogutil.LoggerFactory) (*sources.Registry, error) {
	client := sources.NewClient(nil)
	logger := lf.For("sources")

	var srcs []sources.Source
	if cfg.Sources.GitHub.Enabled {
		srcs = append(srcs, github.New(cfg.Sources.GitHub, client, logger.With("source", github.ID)))
	}
	if cfg.Sources.News.Enabled {
		srcs = append(srcs, news.New(cfg.Sources.News, client, logger.With("source", news.ID)))
	}
	if cfg.Sources.Weather.Enabled {
		srcs = append(srcs, weather.New(cfg.Sources.Weather, client, logger.With("source", weather.ID)))
	}
	if len(cfg.Sources.Feed.URLs) > 0 {
		srcs = append(srcs, feed.New(cfg.Sources.Feed, client, logger.With("source", feed.ID)))
	}

	reg, err := sources.NewRegistry(srcs...)
	if err != nil {
		return nil, fmt.Errorf("register sources: %w", err)
	}
	return reg, nil
}

// buildPolicy applies per-source timeout overrides on top of the aggregation defaults.
func buildPolicy(cfg *config.Config) *aggregator.QueryPolicy {
	p := aggregator.LoadQueryPolicy(cfg.Aggregation)
	overrides := map[string]time.Duration{
		github.ID:  cfg.Sources.GitHub.Timeout,
		news.ID:    cfg.Sources.News.Timeout,
		weather.ID: cfg.Sources.Weather.Timeout,
		feed.ID:    cfg.Sources.Feed.Timeout,
	}
	for id, d := range overrides {
		p.SetTimeout(id, d)
	}
	return p
}

// newAggregator wires the registry, policy and recorder into an Aggregator.
func newAggregator(cfg *config.Config, lf *slogutil.LoggerFactory, rec aggregator.Recorder) (*aggregator.Aggregator, error) {
	reg, err := buildRegistry(cfg, lf)
	if err != nil {
		return nil, err
	}
	return aggregator.New(reg, aggregator.Options{
		Policy:          buildPolicy(cfg),
		CacheTTL:        cfg.Aggregation.CacheTTL,
		JanitorInterval: cfg.Aggregation.JanitorInterval,
		Singleflight:    cfg.Aggregation.Singleflight,
		Logger:          lf.For("aggregator"),
		Recorder:        rec,
	}), nil
}
