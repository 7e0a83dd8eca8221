package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"apiagg/internal/config"
)

var (
	configFormat    string
	configEnvFormat string
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect apiagg configuration",
	Long:  "View the effective apiagg configuration and the environment variables that override it",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Long: `Display the effective configuration after defaults, the config file and
environment overrides are applied. Credentials are masked.

The yaml and toml formats print the configuration alone, so the output can be
saved as an apiagg.yaml or apiagg.toml file.

Examples:
  apiagg config show
  apiagg config show --format json
  apiagg config show --format toml > apiagg.toml`,
	Args: cobra.NoArgs,
	RunE: runConfigShow,
}

var configEnvCmd = &cobra.Command{
	Use:   "env",
	Short: "List supported environment variables",
	Long:  "Display every APIAGG_* environment variable override and whether it is set",
	Args:  cobra.NoArgs,
	RunE:  runConfigEnv,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration",
	Args:  cobra.NoArgs,
	RunE:  runConfigValidate,
}

func init() {
	configShowCmd.Flags().StringVar(&configFormat, "format", "human", "Output format (json, yaml, toml, human)")
	configEnvCmd.Flags().StringVar(&configEnvFormat, "format", "human", "Output format (json, human)")

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEnvCmd)
	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(configCmd)
}

// ConfigShowResponse is the response format for config show
type ConfigShowResponse struct {
	ConfigPath   string         `json:"configPath,omitempty"`
	UsedDefaults bool           `json:"usedDefaults"`
	EnvOverrides []string       `json:"envOverrides,omitempty"`
	Config       *config.Config `json:"config"`
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	format, err := ParseOutputFormat(configFormat, FormatJSON, FormatYAML, FormatTOML, FormatHuman)
	if err != nil {
		return err
	}
	result, err := config.LoadConfigWithDetails(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	resp := &ConfigShowResponse{
		ConfigPath:   result.ConfigPath,
		UsedDefaults: result.ConfigPath == "",
		EnvOverrides: result.UsedEnv,
		Config:       result.Config.Redacted(),
	}

	var out string
	switch format {
	case FormatYAML, FormatTOML:
		out, err = FormatResponse(resp.Config, format)
	default:
		out, err = FormatResponse(resp, format)
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), strings.TrimRight(out, "\n"))
	return nil
}

// EnvVarCLI is one row of config env.
type EnvVarCLI struct {
	Key string `json:"key"`
	Var string `json:"var"`
	Set bool   `json:"set"`
}

func runConfigEnv(cmd *cobra.Command, args []string) error {
	format, err := ParseOutputFormat(configEnvFormat, FormatJSON, FormatHuman)
	if err != nil {
		return err
	}
	bindings := config.EnvBindings()

	if format == FormatJSON {
		rows := make([]EnvVarCLI, 0, len(bindings))
		for _, b := range bindings {
			rows = append(rows, EnvVarCLI{Key: b.Key, Var: b.Var, Set: b.Set})
		}
		out, err := FormatResponse(rows, format)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), out)
		return nil
	}

	fmt.Fprintln(cmd.OutOrStdout(), formatEnvHuman(bindings))
	return nil
}

func formatEnvHuman(bindings []config.EnvBinding) string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("Environment variable overrides"))
	b.WriteString("\n\n")
	for _, e := range bindings {
		mark := dimStyle.Render("  ")
		if e.Set {
			mark = okStyle.Render("* ")
		}
		b.WriteString(fmt.Sprintf("  %s%-44s %s\n", mark, e.Var, dimStyle.Render(e.Key)))
	}
	b.WriteString("\n")
	b.WriteString(dimStyle.Render("* set in the current environment"))
	return b.String()
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	result, err := config.LoadConfigWithDetails(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := result.Config.Validate(); err != nil {
		return err
	}
	source := result.ConfigPath
	if source == "" {
		source = "defaults"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Configuration is valid (%s)\n", source)
	return nil
}
