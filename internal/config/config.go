package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/elonfeng/newsradar/pkg/source"
)

// Config is the root configuration.
type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	Log        LogConfig        `yaml:"log"`
	Watermark  WatermarkConfig  `yaml:"watermark"`
	Fetch      FetchConfig      `yaml:"fetch"`
	Categories []CategoryConfig `yaml:"categories"`
	Topic      TopicConfig      `yaml:"topic"`
	LLM        LLMConfig        `yaml:"llm"`
	Enrich     EnrichConfig     `yaml:"enrich"`
	Notify     NotifyConfig     `yaml:"notify"`
	Server     ServerConfig     `yaml:"server"`
}

// DatabaseConfig configures SQLite storage.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LogConfig sets the log level: debug, info, warn or error.
type LogConfig struct {
	Level string `yaml:"level"`
}

// WatermarkConfig bounds the per-source id window and first-run fetches.
type WatermarkConfig struct {
	Size           int `yaml:"size"`
	FirstRunLimit  int `yaml:"first_run_limit"`
	UnorderedLimit int `yaml:"unordered_limit"`
}

// FetchConfig configures outbound HTTP.
type FetchConfig struct {
	Timeout   string `yaml:"timeout"`
	UserAgent string `yaml:"user_agent"`
}

// ParseTimeout returns the per-source fetch timeout.
func (f FetchConfig) ParseTimeout() time.Duration {
	return parseDuration(f.Timeout, 30*time.Second)
}

// CategoryConfig is one ingestion pipeline.
type CategoryConfig struct {
	Name     string         `yaml:"name"`
	Interval string         `yaml:"interval"`
	MaxItems int            `yaml:"max_items"`
	Keywords []string       `yaml:"keywords"`
	Exclude  []string       `yaml:"exclude_keywords"`
	Sources  []SourceConfig `yaml:"sources"`
}

// ParseInterval returns the poll interval.
func (c CategoryConfig) ParseInterval() time.Duration {
	return parseDuration(c.Interval, time.Minute)
}

// SourceConfig is a single feed, channel or homepage.
type SourceConfig struct {
	Name string `yaml:"name"`
	Kind string `yaml:"kind"` // rss, youtube or newspaper
	URL  string `yaml:"url"`
}

// TopicConfig configures clustering.
type TopicConfig struct {
	Enabled      bool           `yaml:"enabled"`
	SampleSize   int            `yaml:"sample_size"`
	Timeout      string         `yaml:"timeout"`
	Workers      int            `yaml:"workers"`
	QueueSize    int            `yaml:"queue_size"`
	CatchUpLimit int            `yaml:"catchup_limit"`
	CatchUpDelay string         `yaml:"catchup_delay"`
	Timeline     TimelineConfig `yaml:"timeline"`
}

// ParseTimeout returns the per-call clustering timeout.
func (t TopicConfig) ParseTimeout() time.Duration {
	return parseDuration(t.Timeout, 30*time.Second)
}

// ParseCatchUpDelay returns the spacing between catch-up calls.
func (t TopicConfig) ParseCatchUpDelay() time.Duration {
	return parseDuration(t.CatchUpDelay, 2*time.Second)
}

// TimelineConfig holds the thread plausibility thresholds.
type TimelineConfig struct {
	MinBest float64 `yaml:"min_best"`
	MinAvg  float64 `yaml:"min_avg"`
}

// LLMConfig selects the reasoning service.
type LLMConfig struct {
	Provider          string `yaml:"provider"` // "openai" (default), "anthropic" or "gemini"
	Model             string `yaml:"model"`
	APIKey            string `yaml:"api_key"`
	BaseURL           string `yaml:"base_url"` // custom endpoint (optional)
	RequestsPerMinute int    `yaml:"requests_per_minute"`
}

// EnrichConfig configures title translation, summary condensation and
// social posts for videos.
type EnrichConfig struct {
	Enabled           bool   `yaml:"enabled"`
	Language          string `yaml:"language"`
	SummarizeMinChars int    `yaml:"summarize_min_chars"`
	VideoPosts        bool   `yaml:"video_posts"`
}

// NotifyConfig configures push destinations besides websocket listeners.
type NotifyConfig struct {
	Slack   SlackConfig   `yaml:"slack"`
	Discord DiscordConfig `yaml:"discord"`
	Webhook WebhookConfig `yaml:"webhook"`
}

// SlackConfig for Slack webhook notifications.
type SlackConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
}

// DiscordConfig for Discord webhook notifications.
type DiscordConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
}

// WebhookConfig for generic signed webhook notifications.
type WebhookConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Secret  string `yaml:"secret"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{Path: "./newsradar.db"},
		Log:      LogConfig{Level: "info"},
		Watermark: WatermarkConfig{
			Size:           10,
			FirstRunLimit:  5,
			UnorderedLimit: 10,
		},
		Fetch: FetchConfig{Timeout: "30s"},
		Categories: []CategoryConfig{
			{
				Name:     "world",
				Interval: "1m",
				MaxItems: 100,
				Sources: []SourceConfig{
					{Name: "BBC World", Kind: "rss", URL: "https://feeds.bbci.co.uk/news/world/rss.xml"},
					{Name: "Al Jazeera", Kind: "rss", URL: "https://www.aljazeera.com/xml/rss/all.xml"},
					{Name: "Reuters", Kind: "youtube", URL: "https://www.youtube.com/channel/UChqUTb7kYRX8-EiaN3XFrSQ"},
				},
			},
			{
				Name:     "yemen",
				Interval: "1m",
				MaxItems: 100,
				Keywords: []string{"yemen", "sanaa", "aden", "houthi", "hodeidah", "marib", "taiz"},
				Sources: []SourceConfig{
					{Name: "Al Jazeera", Kind: "rss", URL: "https://www.aljazeera.com/xml/rss/all.xml"},
					{Name: "The Guardian", Kind: "newspaper", URL: "https://www.theguardian.com/world/yemen"},
				},
			},
		},
		Topic: TopicConfig{
			Enabled:      true,
			SampleSize:   50,
			Timeout:      "30s",
			Workers:      2,
			QueueSize:    256,
			CatchUpLimit: 200,
			CatchUpDelay: "2s",
			Timeline:     TimelineConfig{MinBest: 0.15, MinAvg: 0.10},
		},
		LLM:    LLMConfig{RequestsPerMinute: 60},
		Enrich: EnrichConfig{SummarizeMinChars: 600},
		Server: ServerConfig{Port: 8080},
	}
}

// Load reads configuration from a YAML file and applies env var overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides overrides config values with environment variables.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("NEWSRADAR_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("NEWSRADAR_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("SLACK_WEBHOOK_URL"); v != "" {
		cfg.Notify.Slack.WebhookURL = v
		cfg.Notify.Slack.Enabled = true
	}
	if v := os.Getenv("DISCORD_WEBHOOK_URL"); v != "" {
		cfg.Notify.Discord.WebhookURL = v
		cfg.Notify.Discord.Enabled = true
	}
	if v := os.Getenv("NEWSRADAR_WEBHOOK_URL"); v != "" {
		cfg.Notify.Webhook.URL = v
		cfg.Notify.Webhook.Enabled = true
	}
	// With no provider configured the first key found picks one; otherwise
	// only the configured provider's key is used.
	keys := []struct{ env, provider string }{
		{"OPENAI_API_KEY", "openai"},
		{"ANTHROPIC_API_KEY", "anthropic"},
		{"GEMINI_API_KEY", "gemini"},
	}
	for _, k := range keys {
		v := os.Getenv(k.env)
		if v == "" || cfg.LLM.APIKey != "" {
			continue
		}
		if cfg.LLM.Provider == "" || strings.EqualFold(cfg.LLM.Provider, k.provider) {
			cfg.LLM.Provider = k.provider
			cfg.LLM.APIKey = v
		}
	}
}

// Validate rejects configurations the pipelines cannot run.
func (c *Config) Validate() error {
	var errs []error
	seen := make(map[string]bool, len(c.Categories))
	for i, cat := range c.Categories {
		name := strings.TrimSpace(cat.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("category %d: missing name", i))
			continue
		}
		if seen[name] {
			errs = append(errs, fmt.Errorf("category %q: duplicate name", name))
		}
		seen[name] = true

		srcNames := make(map[string]bool, len(cat.Sources))
		for _, s := range cat.Sources {
			if s.Name == "" {
				errs = append(errs, fmt.Errorf("category %q: source without name", name))
			}
			if srcNames[s.Name] {
				errs = append(errs, fmt.Errorf("category %q: duplicate source %q", name, s.Name))
			}
			srcNames[s.Name] = true
			if !source.Kind(strings.ToLower(s.Kind)).Valid() {
				errs = append(errs, fmt.Errorf("category %q source %q: unknown kind %q", name, s.Name, s.Kind))
			}
			if strings.TrimSpace(s.URL) == "" {
				errs = append(errs, fmt.Errorf("category %q source %q: empty url", name, s.Name))
			}
		}
	}
	if t := c.Topic.Timeline; t.MinBest < 0 || t.MinBest > 1 || t.MinAvg < 0 || t.MinAvg > 1 {
		errs = append(errs, errors.New("topic.timeline thresholds must be within [0, 1]"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Registry builds the source registry from the configured categories.
func (c *Config) Registry() *source.Registry {
	cats := make([]source.Category, 0, len(c.Categories))
	for _, cc := range c.Categories {
		cat := source.Category{
			Name:     cc.Name,
			Interval: cc.ParseInterval(),
			MaxItems: cc.MaxItems,
			Keywords: cc.Keywords,
			Exclude:  cc.Exclude,
		}
		for _, s := range cc.Sources {
			cat.Sources = append(cat.Sources, source.Descriptor{
				Name: s.Name,
				Kind: source.Kind(strings.ToLower(s.Kind)),
				URL:  s.URL,
			})
		}
		cats = append(cats, cat)
	}
	return source.NewRegistry(cats)
}

// SourceLimits returns the adapter limits.
func (c *Config) SourceLimits() source.Limits {
	return source.Limits{
		FirstRun:  c.Watermark.FirstRunLimit,
		Unordered: c.Watermark.UnorderedLimit,
	}
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
