package main

import (
	"fmt"
	"os"
	"strings"

	"apiagg/internal/aggregator"
	"apiagg/internal/sources"

	"github.com/spf13/cobra"
)

var sourcesFormat string

var sourcesCmd = &cobra.Command{
	Use:   "sources [id...]",
	Short: "List configured sources and their availability",
	Long: `List the sources the current configuration registers. A source without its
credential is still listed; it contributes nothing until the credential is set.

Ids are matched case-insensitively. Naming an id that is not registered is an error.

Examples:
  apiagg sources
  apiagg sources github newsapi --format json`,
	Args: cobra.ArbitraryArgs,
	RunE: runSources,
}

func init() {
	sourcesCmd.Flags().StringVar(&sourcesFormat, "format", "human", "Output format (json, yaml, human)")
	rootCmd.AddCommand(sourcesCmd)
}

// SourceInfoCLI describes one registered source.
type SourceInfoCLI struct {
	ID          string `json:"id" yaml:"id"`
	Available   bool   `json:"available" yaml:"available"`
	Timeout     string `json:"timeout" yaml:"timeout"`
	MaxInFlight int    `json:"maxInFlight" yaml:"maxInFlight"`
}

// SourcesResponseCLI is the sources command output.
type SourcesResponseCLI struct {
	Sources []SourceInfoCLI `json:"sources" yaml:"sources"`
}

func runSources(cmd *cobra.Command, args []string) error {
	format, err := ParseOutputFormat(sourcesFormat, FormatJSON, FormatYAML, FormatHuman)
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

	reg, err := buildRegistry(cfg, lf)
	if err != nil {
		return err
	}
	resp, err := describeSources(reg, buildPolicy(cfg), args)
	if err != nil {
		return err
	}

	out, err := FormatResponse(resp, format)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), out)
	return nil
}

// describeSources reports the named sources, or every registered source when
// ids is empty.
func describeSources(reg *sources.Registry, policy *aggregator.QueryPolicy, ids []string) (*SourcesResponseCLI, error) {
	srcs := reg.All()
	if len(ids) > 0 {
		srcs = make([]sources.Source, 0, len(ids))
		for _, id := range ids {
			src, ok := reg.Get(id)
			if !ok {
				return nil, fmt.Errorf("unknown source %q (registered: %s)", id, strings.Join(reg.IDs(), ", "))
			}
			srcs = append(srcs, src)
		}
	}

	resp := &SourcesResponseCLI{Sources: make([]SourceInfoCLI, 0, len(srcs))}
	for _, src := range srcs {
		resp.Sources = append(resp.Sources, SourceInfoCLI{
			ID:          src.ID(),
			Available:   sources.IsAvailable(src),
			Timeout:     policy.GetTimeout(src.ID()).String(),
			MaxInFlight: policy.GetMaxInFlight(src.ID()),
		})
	}
	return resp, nil
}
