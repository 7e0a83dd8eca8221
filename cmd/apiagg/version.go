package main

import (
	"fmt"

	"apiagg/internal/version"

	"github.com/spf13/cobra"
)

var versionFormat string

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE:  runVersion,
}

func init() {
	versionCmd.Flags().StringVar(&versionFormat, "format", "human", "Output format (json, yaml, human)")
	rootCmd.AddCommand(versionCmd)
}

// VersionResponseCLI is the version command output.
type VersionResponseCLI struct {
	Version   string `json:"version" yaml:"version"`
	Commit    string `json:"commit" yaml:"commit"`
	BuildDate string `json:"buildDate" yaml:"buildDate"`
}

func runVersion(cmd *cobra.Command, args []string) error {
	format, err := ParseOutputFormat(versionFormat, FormatJSON, FormatYAML, FormatHuman)
	if err != nil {
		return err
	}
	if format == FormatHuman {
		fmt.Fprintln(cmd.OutOrStdout(), version.Full())
		return nil
	}
	out, err := FormatResponse(&VersionResponseCLI{
		Version:   version.Version,
		Commit:    version.Commit,
		BuildDate: version.BuildDate,
	}, format)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), out)
	return nil
}
