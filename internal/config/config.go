package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to environment overrides, e.g. APIAGG_SOURCES_NEWS_APIKEY.
const EnvPrefix = "APIAGG"

// DefaultWarmSchedule refreshes warmed queries just inside the default cache TTL.
const DefaultWarmSchedule = "@every 4m"

// Config represents the complete apiagg configuration
type Config struct {
	Server      ServerConfig      `json:"server" yaml:"server" toml:"server" mapstructure:"server"`
	Aggregation AggregationConfig `json:"aggregation" yaml:"aggregation" toml:"aggregation" mapstructure:"aggregation"`
	Sources     SourcesConfig     `json:"sources" yaml:"sources" toml:"sources" mapstructure:"sources"`
	RateLimit   RateLimitConfig   `json:"ratelimit" yaml:"ratelimit" toml:"ratelimit" mapstructure:"ratelimit"`
	Storage     StorageConfig     `json:"storage" yaml:"storage" toml:"storage" mapstructure:"storage"`
	Warm        WarmConfig        `json:"warm" yaml:"warm" toml:"warm" mapstructure:"warm"`
	Logging     LoggingConfig     `json:"logging" yaml:"logging" toml:"logging" mapstructure:"logging"`
}

// ServerConfig contains HTTP listener settings
type ServerConfig struct {
	Host string `json:"host" yaml:"host" toml:"host" mapstructure:"host"`
	Port int    `json:"port" yaml:"port" toml:"port" mapstructure:"port"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// AggregationConfig controls the fan-out and the result cache
type AggregationConfig struct {
	CacheTTL             time.Duration `json:"cacheTtl" yaml:"cacheTtl" toml:"cacheTtl" mapstructure:"cacheTtl"`
	JanitorInterval      time.Duration `json:"janitorInterval" yaml:"janitorInterval" toml:"janitorInterval" mapstructure:"janitorInterval"`
	Singleflight         bool          `json:"singleflight" yaml:"singleflight" toml:"singleflight" mapstructure:"singleflight"`
	MaxInFlightPerSource int           `json:"maxInFlightPerSource" yaml:"maxInFlightPerSource" toml:"maxInFlightPerSource" mapstructure:"maxInFlightPerSource"`
	SourceTimeout        time.Duration `json:"sourceTimeout" yaml:"sourceTimeout" toml:"sourceTimeout" mapstructure:"sourceTimeout"`
}

// SourcesConfig holds per-adapter settings
type SourcesConfig struct {
	GitHub  GitHubConfig  `json:"github" yaml:"github" toml:"github" mapstructure:"github"`
	News    NewsConfig    `json:"news" yaml:"news" toml:"news" mapstructure:"news"`
	Weather WeatherConfig `json:"weather" yaml:"weather" toml:"weather" mapstructure:"weather"`
	Feed    FeedConfig    `json:"feed" yaml:"feed" toml:"feed" mapstructure:"feed"`
}

// GitHubConfig configures the code-host adapter
type GitHubConfig struct {
	Enabled    bool          `json:"enabled" yaml:"enabled" toml:"enabled" mapstructure:"enabled"`
	BaseURL    string        `json:"baseUrl" yaml:"baseUrl" toml:"baseUrl" mapstructure:"baseUrl"`
	Token      string        `json:"token" yaml:"token" toml:"token" mapstructure:"token"`
	MaxResults int           `json:"maxResults" yaml:"maxResults" toml:"maxResults" mapstructure:"maxResults"`
	Timeout    time.Duration `json:"timeout" yaml:"timeout" toml:"timeout" mapstructure:"timeout"`
}

// NewsConfig configures the news adapter
type NewsConfig struct {
	Enabled    bool          `json:"enabled" yaml:"enabled" toml:"enabled" mapstructure:"enabled"`
	BaseURL    string        `json:"baseUrl" yaml:"baseUrl" toml:"baseUrl" mapstructure:"baseUrl"`
	APIKey     string        `json:"apiKey" yaml:"apiKey" toml:"apiKey" mapstructure:"apiKey"`
	MaxResults int           `json:"maxResults" yaml:"maxResults" toml:"maxResults" mapstructure:"maxResults"`
	Window     time.Duration `json:"window" yaml:"window" toml:"window" mapstructure:"window"`
	Timeout    time.Duration `json:"timeout" yaml:"timeout" toml:"timeout" mapstructure:"timeout"`
}

// WeatherConfig configures the weather adapter
type WeatherConfig struct {
	Enabled bool          `json:"enabled" yaml:"enabled" toml:"enabled" mapstructure:"enabled"`
	BaseURL string        `json:"baseUrl" yaml:"baseUrl" toml:"baseUrl" mapstructure:"baseUrl"`
	APIKey  string        `json:"apiKey" yaml:"apiKey" toml:"apiKey" mapstructure:"apiKey"`
	Timeout time.Duration `json:"timeout" yaml:"timeout" toml:"timeout" mapstructure:"timeout"`
}

// FeedConfig configures the RSS/Atom adapter. It is registered only when URLs is non-empty.
type FeedConfig struct {
	URLs       []string      `json:"urls" yaml:"urls" toml:"urls" mapstructure:"urls"`
	MaxResults int           `json:"maxResults" yaml:"maxResults" toml:"maxResults" mapstructure:"maxResults"`
	Timeout    time.Duration `json:"timeout" yaml:"timeout" toml:"timeout" mapstructure:"timeout"`
}

// RateLimitConfig controls the per-client limit on the aggregation endpoint
type RateLimitConfig struct {
	Enabled bool    `json:"enabled" yaml:"enabled" toml:"enabled" mapstructure:"enabled"`
	RPS     float64 `json:"rps" yaml:"rps" toml:"rps" mapstructure:"rps"`
	Burst   int     `json:"burst" yaml:"burst" toml:"burst" mapstructure:"burst"`
}

// StorageConfig controls the fetch telemetry database
type StorageConfig struct {
	Enabled   bool          `json:"enabled" yaml:"enabled" toml:"enabled" mapstructure:"enabled"`
	Path      string        `json:"path" yaml:"path" toml:"path" mapstructure:"path"`
	Retention time.Duration `json:"retention" yaml:"retention" toml:"retention" mapstructure:"retention"`
}

// WarmConfig controls scheduled cache warming
type WarmConfig struct {
	Enabled  bool     `json:"enabled" yaml:"enabled" toml:"enabled" mapstructure:"enabled"`
	Schedule string   `json:"schedule" yaml:"schedule" toml:"schedule" mapstructure:"schedule"`
	Queries  []string `json:"queries" yaml:"queries" toml:"queries" mapstructure:"queries"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level      string `json:"level" yaml:"level" toml:"level" mapstructure:"level"`
	File       string `json:"file" yaml:"file" toml:"file" mapstructure:"file"`
	FileLevel  string `json:"fileLevel" yaml:"fileLevel" toml:"fileLevel" mapstructure:"fileLevel"`
	MaxSize    string `json:"maxSize" yaml:"maxSize" toml:"maxSize" mapstructure:"maxSize"`
	MaxBackups int    `json:"maxBackups" yaml:"maxBackups" toml:"maxBackups" mapstructure:"maxBackups"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "localhost",
			Port: 8080,
		},
		Aggregation: AggregationConfig{
			CacheTTL:             5 * time.Minute,
			JanitorInterval:      time.Minute,
			Singleflight:         true,
			MaxInFlightPerSource: 5,
			SourceTimeout:        10 * time.Second,
		},
		Sources: SourcesConfig{
			GitHub: GitHubConfig{
				Enabled:    true,
				BaseURL:    "https://api.github.com",
				MaxResults: 10,
			},
			News: NewsConfig{
				Enabled:    true,
				BaseURL:    "https://newsapi.org/v2",
				MaxResults: 10,
				Window:     7 * 24 * time.Hour,
			},
			Weather: WeatherConfig{
				Enabled: true,
				BaseURL: "https://api.weatherapi.com/v1",
			},
			Feed: FeedConfig{
				URLs:       []string{},
				MaxResults: 10,
			},
		},
		RateLimit: RateLimitConfig{
			Enabled: true,
			RPS:     10,
			Burst:   20,
		},
		Storage: StorageConfig{
			Enabled:   true,
			Path:      filepath.Join(xdg.DataHome, "apiagg", "fetches.db"),
			Retention: 7 * 24 * time.Hour,
		},
		Warm: WarmConfig{
			Enabled:  false,
			Schedule: DefaultWarmSchedule,
			Queries:  []string{},
		},
		Logging: LoggingConfig{
			Level:      "info",
			File:       filepath.Join(xdg.StateHome, "apiagg", "apiagg.log"),
			FileLevel:  "warn",
			MaxSize:    "10MB",
			MaxBackups: 3,
		},
	}
}

// SearchPaths returns the directories searched for apiagg.{yaml,toml,json}.
func SearchPaths() []string {
	return []string{".", filepath.Join(xdg.ConfigHome, "apiagg")}
}

// LoadResult carries the loaded config and where it came from.
type LoadResult struct {
	Config     *Config
	ConfigPath string
	UsedEnv    []string
}

// LoadConfig loads configuration from path, or from the search paths when
// path is empty. A missing config file yields the defaults; environment
// overrides apply in both cases.
func LoadConfig(path string) (*Config, error) {
	res, err := LoadConfigWithDetails(path)
	if err != nil {
		return nil, err
	}
	return res.Config, nil
}

// LoadConfigWithDetails is LoadConfig that also reports the file and
// environment variables that contributed.
func LoadConfigWithDetails(path string) (*LoadResult, error) {
	v := newViper()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("apiagg")
		for _, p := range SearchPaths() {
			v.AddConfigPath(p)
		}
	}

	res := &LoadResult{}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		res.ConfigPath = v.ConfigFileUsed()
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	// A comma-separated env value arrives as a single element.
	cfg.Sources.Feed.URLs = splitList(cfg.Sources.Feed.URLs)
	cfg.Warm.Queries = splitList(cfg.Warm.Queries)

	res.Config = &cfg
	res.UsedEnv = usedEnv(v)
	return res, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v, DefaultConfig())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// setDefaults registers every key so AutomaticEnv can override it during Unmarshal.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)

	v.SetDefault("aggregation.cacheTtl", d.Aggregation.CacheTTL)
	v.SetDefault("aggregation.janitorInterval", d.Aggregation.JanitorInterval)
	v.SetDefault("aggregation.singleflight", d.Aggregation.Singleflight)
	v.SetDefault("aggregation.maxInFlightPerSource", d.Aggregation.MaxInFlightPerSource)
	v.SetDefault("aggregation.sourceTimeout", d.Aggregation.SourceTimeout)

	v.SetDefault("sources.github.enabled", d.Sources.GitHub.Enabled)
	v.SetDefault("sources.github.baseUrl", d.Sources.GitHub.BaseURL)
	v.SetDefault("sources.github.token", d.Sources.GitHub.Token)
	v.SetDefault("sources.github.maxResults", d.Sources.GitHub.MaxResults)
	v.SetDefault("sources.github.timeout", d.Sources.GitHub.Timeout)

	v.SetDefault("sources.news.enabled", d.Sources.News.Enabled)
	v.SetDefault("sources.news.baseUrl", d.Sources.News.BaseURL)
	v.SetDefault("sources.news.apiKey", d.Sources.News.APIKey)
	v.SetDefault("sources.news.maxResults", d.Sources.News.MaxResults)
	v.SetDefault("sources.news.window", d.Sources.News.Window)
	v.SetDefault("sources.news.timeout", d.Sources.News.Timeout)

	v.SetDefault("sources.weather.enabled", d.Sources.Weather.Enabled)
	v.SetDefault("sources.weather.baseUrl", d.Sources.Weather.BaseURL)
	v.SetDefault("sources.weather.apiKey", d.Sources.Weather.APIKey)
	v.SetDefault("sources.weather.timeout", d.Sources.Weather.Timeout)

	v.SetDefault("sources.feed.urls", d.Sources.Feed.URLs)
	v.SetDefault("sources.feed.maxResults", d.Sources.Feed.MaxResults)
	v.SetDefault("sources.feed.timeout", d.Sources.Feed.Timeout)

	v.SetDefault("ratelimit.enabled", d.RateLimit.Enabled)
	v.SetDefault("ratelimit.rps", d.RateLimit.RPS)
	v.SetDefault("ratelimit.burst", d.RateLimit.Burst)

	v.SetDefault("storage.enabled", d.Storage.Enabled)
	v.SetDefault("storage.path", d.Storage.Path)
	v.SetDefault("storage.retention", d.Storage.Retention)

	v.SetDefault("warm.enabled", d.Warm.Enabled)
	v.SetDefault("warm.schedule", d.Warm.Schedule)
	v.SetDefault("warm.queries", d.Warm.Queries)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.file", d.Logging.File)
	v.SetDefault("logging.fileLevel", d.Logging.FileLevel)
	v.SetDefault("logging.maxSize", d.Logging.MaxSize)
	v.SetDefault("logging.maxBackups", d.Logging.MaxBackups)
}

// EnvVarName returns the environment variable that overrides key.
func EnvVarName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// EnvBinding describes one overridable key.
type EnvBinding struct {
	Key string
	Var string
	Set bool
}

// EnvBindings lists every configuration key with its environment variable.
func EnvBindings() []EnvBinding {
	v := newViper()
	keys := v.AllKeys()
	sort.Strings(keys)
	out := make([]EnvBinding, 0, len(keys))
	for _, key := range keys {
		name := EnvVarName(key)
		_, set := os.LookupEnv(name)
		out = append(out, EnvBinding{Key: key, Var: name, Set: set})
	}
	return out
}

func usedEnv(v *viper.Viper) []string {
	var used []string
	keys := v.AllKeys()
	sort.Strings(keys)
	for _, key := range keys {
		name := EnvVarName(key)
		if _, ok := os.LookupEnv(name); ok {
			used = append(used, name)
		}
	}
	return used
}

func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Redacted returns a copy with credentials masked, for display.
func (c *Config) Redacted() *Config {
	cp := *c
	cp.Sources.GitHub.Token = mask(c.Sources.GitHub.Token)
	cp.Sources.News.APIKey = mask(c.Sources.News.APIKey)
	cp.Sources.Weather.APIKey = mask(c.Sources.Weather.APIKey)
	return &cp
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 4 {
		return "****"
	}
	return s[:2] + strings.Repeat("*", len(s)-4) + s[len(s)-2:]
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return &ConfigError{Field: "server.port", Message: "must be between 0 and 65535"}
	}
	if c.Aggregation.CacheTTL <= 0 {
		return &ConfigError{Field: "aggregation.cacheTtl", Message: "must be positive"}
	}
	if c.Aggregation.JanitorInterval < 0 {
		return &ConfigError{Field: "aggregation.janitorInterval", Message: "must not be negative"}
	}
	if c.Aggregation.MaxInFlightPerSource < 1 {
		return &ConfigError{Field: "aggregation.maxInFlightPerSource", Message: "must be at least 1"}
	}
	if c.Aggregation.SourceTimeout <= 0 {
		return &ConfigError{Field: "aggregation.sourceTimeout", Message: "must be positive"}
	}
	if c.RateLimit.Enabled && (c.RateLimit.RPS <= 0 || c.RateLimit.Burst < 1) {
		return &ConfigError{Field: "ratelimit", Message: "rps must be positive and burst at least 1"}
	}
	if c.Storage.Enabled && c.Storage.Path == "" {
		return &ConfigError{Field: "storage.path", Message: "required when storage is enabled"}
	}
	if c.Warm.Enabled {
		if c.Warm.Schedule == "" {
			return &ConfigError{Field: "warm.schedule", Message: "required when warming is enabled"}
		}
		if len(c.Warm.Queries) == 0 {
			return &ConfigError{Field: "warm.queries", Message: "at least one query is required when warming is enabled"}
		}
	}
	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return &ConfigError{Field: "logging.level", Message: "must be debug, info, warn or error"}
	}
	return nil
}

// ConfigError represents a configuration error
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "config error in field '" + e.Field + "': " + e.Message
}
