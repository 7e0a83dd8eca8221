package main

import (
	"apiagg/internal/version"

	"github.com/spf13/cobra"
)

var (
	// configPath is the --config flag value; empty means search the default paths.
	configPath string
	verbosity  int
	quiet      bool
)

var rootCmd = &cobra.Command{
	Use:   "apiagg",
	Short: "apiagg - multi-source API aggregator",
	Long: `apiagg fans one query out to several upstream APIs (code host, news index,
weather service, RSS/Atom feeds), normalizes their answers into a single record
shape and returns one filterable, sortable result set.`,
	Version:       version.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate("apiagg version {{.Version}}\n")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Path to a config file (default: ./apiagg.* or $XDG_CONFIG_HOME/apiagg/apiagg.*)")
	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "Increase log verbosity (-v info, -vv debug)")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Silence log output")
}
