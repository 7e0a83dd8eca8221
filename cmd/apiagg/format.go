package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"apiagg/internal/aggregator"
	"apiagg/internal/record"
	"apiagg/internal/sources"
)

// OutputFormat represents the output format type
type OutputFormat string

const (
	FormatJSON  OutputFormat = "json"
	FormatYAML  OutputFormat = "yaml"
	FormatTOML  OutputFormat = "toml"
	FormatHuman OutputFormat = "human"
)

// ParseOutputFormat validates s against the formats a command supports.
func ParseOutputFormat(s string, allowed ...OutputFormat) (OutputFormat, error) {
	f := OutputFormat(strings.ToLower(strings.TrimSpace(s)))
	names := make([]string, 0, len(allowed))
	for _, a := range allowed {
		if f == a {
			return f, nil
		}
		names = append(names, string(a))
	}
	return "", fmt.Errorf("unsupported format %q (expected %s)", s, strings.Join(names, ", "))
}

var (
	colorPrimary = lipgloss.AdaptiveColor{Light: "#5A56E0", Dark: "#7571F9"}
	colorDim     = lipgloss.AdaptiveColor{Light: "#9B9B9B", Dark: "#626262"}
	colorGreen   = lipgloss.AdaptiveColor{Light: "#04B575", Dark: "#25D366"}
	colorRed     = lipgloss.AdaptiveColor{Light: "#D7263D", Dark: "#FF5F5F"}

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorPrimary)

	sourceStyle = lipgloss.NewStyle().
			Foreground(colorGreen).
			Bold(true).
			Width(16)

	titleStyle = lipgloss.NewStyle().Bold(true)

	dimStyle = lipgloss.NewStyle().Foreground(colorDim)

	okStyle  = lipgloss.NewStyle().Foreground(colorGreen)
	badStyle = lipgloss.NewStyle().Foreground(colorRed)
)

// FormatResponse formats a response according to the specified format
func FormatResponse(resp interface{}, format OutputFormat) (string, error) {
	switch format {
	case FormatJSON:
		return formatJSON(resp)
	case FormatYAML:
		return formatYAML(resp)
	case FormatTOML:
		return formatTOML(resp)
	case FormatHuman:
		return formatHuman(resp)
	default:
		return "", fmt.Errorf("unsupported format: %s", format)
	}
}

func formatJSON(resp interface{}) (string, error) {
	data, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return string(data), nil
}

func formatYAML(resp interface{}) (string, error) {
	data, err := yaml.Marshal(resp)
	if err != nil {
		return "", fmt.Errorf("failed to marshal YAML: %w", err)
	}
	return strings.TrimRight(string(data), "\n"), nil
}

// formatTOML only supports tables; a top-level list is an error.
func formatTOML(resp interface{}) (string, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(resp); err != nil {
		return "", fmt.Errorf("failed to marshal TOML: %w", err)
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}

func formatHuman(resp interface{}) (string, error) {
	switch v := resp.(type) {
	case *QueryResponseCLI:
		return formatQueryHuman(v), nil
	case *SourcesResponseCLI:
		return formatSourcesHuman(v), nil
	case *StatsResponseCLI:
		return formatStatsHuman(v), nil
	case *ConfigShowResponse:
		return formatConfigHuman(v)
	default:
		return formatJSON(resp)
	}
}

func formatQueryHuman(resp *QueryResponseCLI) string {
	var b strings.Builder

	b.WriteString(headerStyle.Render(fmt.Sprintf("%d results for %q", len(resp.Records), resp.Query)))
	b.WriteString(dimStyle.Render(fmt.Sprintf("  sorted by %s %s in %dms", resp.SortBy, resp.SortOrder, resp.DurationMs)))
	b.WriteString("\n")
	if len(resp.Records) == 0 {
		b.WriteString(dimStyle.Render("No results."))
		b.WriteString("\n")
		return b.String()
	}
	b.WriteString("\n")

	indent := strings.Repeat(" ", sourceStyle.GetWidth())
	for _, r := range resp.Records {
		b.WriteString(sourceStyle.Render(r.SourceID))
		b.WriteString(titleStyle.Render(r.Title))
		if r.PublishedAt != nil {
			b.WriteString(dimStyle.Render("  " + r.PublishedAt.Local().Format("2006-01-02 15:04")))
		}
		b.WriteString("\n")
		b.WriteString(indent + sources.Truncate(strings.Join(strings.Fields(r.Body), " "), 100) + "\n")
		b.WriteString(indent + dimStyle.Render(r.Link) + "\n")
	}
	return b.String()
}

func formatSourcesHuman(resp *SourcesResponseCLI) string {
	var b strings.Builder

	b.WriteString(headerStyle.Render(fmt.Sprintf("Sources (%d)", len(resp.Sources))))
	b.WriteString("\n")
	if len(resp.Sources) == 0 {
		b.WriteString(dimStyle.Render("No sources are enabled."))
		b.WriteString("\n")
		return b.String()
	}
	for _, s := range resp.Sources {
		status := okStyle.Render("available")
		if !s.Available {
			status = badStyle.Render("missing credentials")
		}
		b.WriteString(fmt.Sprintf("  %s%s  %s\n",
			sourceStyle.Render(s.ID),
			status,
			dimStyle.Render(fmt.Sprintf("timeout %s, max in flight %d", s.Timeout, s.MaxInFlight))))
	}
	return b.String()
}

func formatStatsHuman(resp *StatsResponseCLI) string {
	var b strings.Builder

	b.WriteString(headerStyle.Render("Fetch telemetry"))
	b.WriteString(dimStyle.Render("  " + resp.Database))
	b.WriteString("\n")
	b.WriteString(fmt.Sprintf("  Rows stored: %d", resp.TotalRows))
	if resp.Oldest != nil && resp.Newest != nil {
		b.WriteString(fmt.Sprintf(" (%s to %s)", resp.Oldest.Local().Format(time.DateTime), resp.Newest.Local().Format(time.DateTime)))
	}
	b.WriteString("\n")
	if resp.Pruned > 0 {
		b.WriteString(fmt.Sprintf("  Pruned: %d rows older than %s\n", resp.Pruned, resp.Retention))
	}
	b.WriteString(fmt.Sprintf("  Window: last %s\n\n", resp.Since))

	if len(resp.Sources) == 0 {
		b.WriteString(dimStyle.Render("No fetches recorded in this window."))
		b.WriteString("\n")
	} else {
		b.WriteString(dimStyle.Render(fmt.Sprintf("  %-16s%8s%8s%9s%10s%9s%10s", "SOURCE", "FETCHES", "ERRORS", "TIMEOUTS", "CANCELLED", "ITEMS", "AVG MS")))
		b.WriteString("\n")
		for _, s := range resp.Sources {
			errCol := fmt.Sprintf("%8d", s.Errors)
			if s.ErrorRate > 0.5 {
				errCol = badStyle.Render(errCol)
			}
			b.WriteString(fmt.Sprintf("  %s%8d%s%9d%10d%9d%10.1f\n",
				sourceStyle.Render(s.Source), s.Fetches, errCol, s.Timeouts, s.Cancelled, s.Items, s.AvgDurationMs))
		}
	}

	if resp.Recent != nil {
		b.WriteString("\n")
		b.WriteString(headerStyle.Render(fmt.Sprintf("Recent fetches (%d)", len(resp.Recent))))
		b.WriteString("\n")
		for _, f := range resp.Recent {
			outcome := okStyle.Render(f.Outcome)
			if f.Outcome != aggregator.OutcomeOK {
				outcome = badStyle.Render(f.Outcome)
			}
			b.WriteString(fmt.Sprintf("  %s %s %s %q %d items %dms\n",
				dimStyle.Render(f.FetchedAt.Local().Format(time.DateTime)),
				sourceStyle.Render(f.Source), outcome, f.Query, f.ItemCount, f.DurationMs))
			if f.Error != "" {
				b.WriteString(dimStyle.Render("    " + f.Error))
				b.WriteString("\n")
			}
		}
	}
	return b.String()
}

func formatConfigHuman(resp *ConfigShowResponse) (string, error) {
	var b strings.Builder

	if resp.ConfigPath != "" {
		b.WriteString(headerStyle.Render("Config file: ") + resp.ConfigPath + "\n")
	} else {
		b.WriteString(headerStyle.Render("Config file: ") + dimStyle.Render("none (defaults)") + "\n")
	}
	if len(resp.EnvOverrides) > 0 {
		b.WriteString(headerStyle.Render("Environment overrides: ") + strings.Join(resp.EnvOverrides, ", ") + "\n")
	}
	b.WriteString("\n")

	body, err := formatYAML(resp.Config)
	if err != nil {
		return "", err
	}
	b.WriteString(body + "\n")
	return b.String(), nil
}

// recordsOrEmpty keeps JSON output an array when nothing matched.
func recordsOrEmpty(recs []record.Record) []record.Record {
	if recs == nil {
		return []record.Record{}
	}
	return recs
}
