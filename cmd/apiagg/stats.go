package main

import (
	"fmt"
	"os"
	"time"

	"apiagg/internal/api"
	"apiagg/internal/storage"

	"github.com/spf13/cobra"
)

var (
	statsSince  string
	statsPrune  bool
	statsFormat string
	statsRecent int
	statsSource string
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show persisted per-source fetch telemetry",
	Long: `Summarize the per-source fetch telemetry recorded by the server: calls,
errors, timeouts, items and mean latency over a window. With --recent the
newest individual calls are listed as well, optionally for one source.

Examples:
  apiagg stats
  apiagg stats --since 7d --format json
  apiagg stats --prune
  apiagg stats --recent 20 --source github`,
	Args: cobra.NoArgs,
	RunE: runStats,
}

func init() {
	statsCmd.Flags().StringVar(&statsSince, "since", "24h", "Window to summarize (Go duration or days, e.g. 7d)")
	statsCmd.Flags().BoolVar(&statsPrune, "prune", false, "Delete rows older than storage.retention first")
	statsCmd.Flags().StringVar(&statsFormat, "format", "human", "Output format (json, yaml, human)")
	statsCmd.Flags().IntVar(&statsRecent, "recent", 0, "Also list the N most recent fetches")
	statsCmd.Flags().StringVar(&statsSource, "source", "", "Limit --recent to one source id")
	rootCmd.AddCommand(statsCmd)
}

// SourceStatsCLI is one row of the stats output.
type SourceStatsCLI struct {
	storage.SourceAggregate `yaml:",inline"`
	AvgDurationMs           float64 `json:"avgDurationMs" yaml:"avgDurationMs"`
	ErrorRate               float64 `json:"errorRate" yaml:"errorRate"`
}

// StatsResponseCLI is the stats command output.
type StatsResponseCLI struct {
	Database  string                `json:"database" yaml:"database"`
	Since     string                `json:"since" yaml:"since"`
	TotalRows int64                 `json:"totalRows" yaml:"totalRows"`
	Oldest    *time.Time            `json:"oldest,omitempty" yaml:"oldest,omitempty"`
	Newest    *time.Time            `json:"newest,omitempty" yaml:"newest,omitempty"`
	Pruned    int64                 `json:"pruned,omitempty" yaml:"pruned,omitempty"`
	Retention string                `json:"retention,omitempty" yaml:"retention,omitempty"`
	Sources   []SourceStatsCLI      `json:"sources" yaml:"sources"`
	Recent    []storage.FetchRecord `json:"recent,omitempty" yaml:"recent,omitempty"`
}

func runStats(cmd *cobra.Command, args []string) error {
	format, err := ParseOutputFormat(statsFormat, FormatJSON, FormatYAML, FormatHuman)
	if err != nil {
		return err
	}
	window, err := api.ParseWindow(statsSince)
	if err != nil {
		return err
	}
	if statsRecent < 0 {
		return fmt.Errorf("--recent must not be negative")
	}
	if statsSource != "" && statsRecent == 0 {
		return fmt.Errorf("--source requires --recent")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.Storage.Enabled {
		return fmt.Errorf("storage is disabled (set storage.enabled or APIAGG_STORAGE_ENABLED)")
	}
	lf, err := newLoggerFactory(cfg, os.Stderr, false)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer lf.Close()

	db, err := storage.Open(cfg.Storage.Path, lf.For("storage"))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer db.Close()

	var pruned int64
	if statsPrune && cfg.Storage.Retention > 0 {
		pruned, err = db.Prune(time.Now().Add(-cfg.Storage.Retention))
		if err != nil {
			return fmt.Errorf("prune: %w", err)
		}
	}

	resp, err := collectStats(db, window, time.Now())
	if err != nil {
		return err
	}
	if pruned > 0 {
		resp.Pruned = pruned
		resp.Retention = cfg.Storage.Retention.String()
	}
	if statsRecent > 0 {
		resp.Recent, err = db.RecentFetches(statsRecent, statsSource)
		if err != nil {
			return fmt.Errorf("read recent fetches: %w", err)
		}
		if resp.Recent == nil {
			resp.Recent = []storage.FetchRecord{}
		}
	}

	out, err := FormatResponse(resp, format)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), out)
	return nil
}

// collectStats summarizes the fetches recorded in the window ending at now.
func collectStats(db *storage.DB, window time.Duration, now time.Time) (*StatsResponseCLI, error) {
	total, oldest, newest, err := db.FetchTableStats()
	if err != nil {
		return nil, fmt.Errorf("read table stats: %w", err)
	}
	aggs, err := db.FetchAggregates(now.Add(-window))
	if err != nil {
		return nil, fmt.Errorf("read fetch aggregates: %w", err)
	}

	resp := &StatsResponseCLI{
		Database:  db.Path(),
		Since:     window.String(),
		TotalRows: total,
		Oldest:    oldest,
		Newest:    newest,
		Sources:   make([]SourceStatsCLI, 0, len(aggs)),
	}
	for _, a := range aggs {
		resp.Sources = append(resp.Sources, SourceStatsCLI{
			SourceAggregate: a,
			AvgDurationMs:   a.AvgDurationMs(),
			ErrorRate:       a.ErrorRate(),
		})
	}
	return resp, nil
}
