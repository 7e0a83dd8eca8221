// Package weather reports current conditions from WeatherAPI.com.
package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"apiagg/internal/config"
	"apiagg/internal/errors"
	"apiagg/internal/record"
	"apiagg/internal/sources"
)

// ID is the source id weather records carry.
const ID = "WeatherAPI.com"

// Link is the url every weather record points at.
const Link = "https://www.weatherapi.com/"

// codeNoLocation is WeatherAPI's "No matching location found" error.
const codeNoLocation = 1006

type currentResponse struct {
	Location struct {
		Name           string `json:"name"`
		Region         string `json:"region"`
		Country        string `json:"country"`
		LocaltimeEpoch int64  `json:"localtime_epoch"`
	} `json:"location"`
	Current struct {
		TempC      float64  `json:"temp_c"`
		FeelsLikeC *float64 `json:"feelslike_c"`
		WindKph    float64  `json:"wind_kph"`
		WindDir    string   `json:"wind_dir"`
		Humidity   int      `json:"humidity"`
		Condition  struct {
			Text string `json:"text"`
		} `json:"condition"`
	} `json:"current"`
}

type errorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Source is the WeatherAPI.com adapter. The query is a location.
type Source struct {
	cfg    config.WeatherConfig
	client *sources.Client
	logger *slog.Logger
}

// New creates the adapter.
func New(cfg config.WeatherConfig, client *sources.Client, logger *slog.Logger) *Source {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Source{cfg: cfg, client: client, logger: logger}
}

func (s *Source) ID() string { return ID }

// Available reports whether an API key is configured.
func (s *Source) Available() bool { return s.cfg.APIKey != "" }

// Fetch returns at most one record describing current conditions at query.
func (s *Source) Fetch(ctx context.Context, query string) ([]record.Record, error) {
	if !s.Available() {
		return nil, errors.New(errors.UpstreamUnavailable, "WeatherAPI key not configured")
	}

	params := url.Values{}
	params.Set("key", s.cfg.APIKey)
	params.Set("q", query)

	var resp currentResponse
	if err := s.client.GetJSON(ctx, s.cfg.BaseURL+"/current.json?"+params.Encode(), nil, &resp); err != nil {
		if sources.StatusCode(err) == http.StatusBadRequest {
			var e errorResponse
			if json.Unmarshal([]byte(sources.ErrorBody(err)), &e) == nil && e.Error.Code == codeNoLocation {
				s.logger.Debug("No matching weather location", "query", query)
				return nil, nil
			}
		}
		return nil, err
	}
	return mapCurrent(resp), nil
}

// mapCurrent converts a current-conditions response into a single record.
// A response without a location name yields none.
func mapCurrent(c currentResponse) []record.Record {
	name := strings.TrimSpace(c.Location.Name)
	if name == "" {
		return nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Currently %s°C and %s.", formatTemp(c.Current.TempC), sources.Or(c.Current.Condition.Text, "unknown conditions"))
	var extra []string
	if c.Current.FeelsLikeC != nil {
		extra = append(extra, "feels like "+formatTemp(*c.Current.FeelsLikeC)+"°C")
	}
	if c.Current.WindKph > 0 {
		extra = append(extra, strings.TrimSpace("wind "+formatTemp(c.Current.WindKph)+" kph "+c.Current.WindDir))
	}
	if c.Current.Humidity > 0 {
		extra = append(extra, "humidity "+strconv.Itoa(c.Current.Humidity)+"%")
	}
	if len(extra) > 0 {
		b.WriteString(" " + strings.ToUpper(extra[0][:1]) + extra[0][1:])
		for _, e := range extra[1:] {
			b.WriteString(", " + e)
		}
		b.WriteString(".")
	}

	var observed *time.Time
	if c.Location.LocaltimeEpoch > 0 {
		observed = record.TimePtr(time.Unix(c.Location.LocaltimeEpoch, 0).UTC())
	}

	return []record.Record{{
		SourceID:    ID,
		Title:       "Weather in " + name,
		Body:        b.String(),
		Link:        Link,
		PublishedAt: observed,
	}}
}

func formatTemp(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
