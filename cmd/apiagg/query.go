package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"apiagg/internal/aggregator"
	"apiagg/internal/record"

	"github.com/spf13/cobra"
)

var (
	querySortBy    string
	querySortOrder string
	querySources   string
	queryFormat    string
)

var queryCmd = &cobra.Command{
	Use:   "query <text>",
	Short: "Run one aggregation and print the records",
	Long: `Fan a query out to every configured source in-process and print the merged,
filtered and sorted records.

Examples:
  apiagg query golang
  apiagg query london --sources WeatherAPI.com --format json
  apiagg query kubernetes --sort-by title --sort-order asc`,
	Args: cobra.MinimumNArgs(1),
	RunE: runQuery,
}

func init() {
	queryCmd.Flags().StringVar(&querySortBy, "sort-by", "date", "Sort field (date, title, source)")
	queryCmd.Flags().StringVar(&querySortOrder, "sort-order", "desc", "Sort order (asc, desc)")
	queryCmd.Flags().StringVar(&querySources, "sources", "", "Comma-separated source ids to keep (default: all)")
	queryCmd.Flags().StringVar(&queryFormat, "format", "human", "Output format (json, yaml, human)")
	rootCmd.AddCommand(queryCmd)
}

// QueryResponseCLI is the human view of one aggregation.
type QueryResponseCLI struct {
	Query      string
	SortBy     record.SortField
	SortOrder  record.SortOrder
	DurationMs int64
	Records    []record.Record
}

func runQuery(cmd *cobra.Command, args []string) error {
	format, err := ParseOutputFormat(queryFormat, FormatJSON, FormatYAML, FormatHuman)
	if err != nil {
		return err
	}
	req, err := aggregator.ParseRequest(strings.Join(args, " "), querySortBy, querySortOrder, querySources)
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	lf, err := newLoggerFactory(cfg, os.Stderr, false)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer lf.Close()

	agg, err := newAggregator(cfg, lf, nil)
	if err != nil {
		return err
	}
	defer agg.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	recs, err := agg.Aggregate(ctx, req)
	if err != nil {
		return err
	}
	recs = recordsOrEmpty(recs)

	var out string
	if format == FormatHuman {
		out, err = FormatResponse(&QueryResponseCLI{
			Query:      req.Query,
			SortBy:     req.SortBy,
			SortOrder:  req.SortOrder,
			DurationMs: time.Since(start).Milliseconds(),
			Records:    recs,
		}, format)
	} else {
		out, err = FormatResponse(recs, format)
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), strings.TrimRight(out, "\n"))
	return nil
}
