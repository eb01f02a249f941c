package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elonfeng/newsradar/pkg/source"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func clearEnv(t *testing.T) {
	for _, k := range []string{
		"NEWSRADAR_DB_PATH", "NEWSRADAR_LOG_LEVEL", "OPENAI_API_KEY", "ANTHROPIC_API_KEY",
		"GEMINI_API_KEY", "SLACK_WEBHOOK_URL", "DISCORD_WEBHOOK_URL", "NEWSRADAR_WEBHOOK_URL",
	} {
		t.Setenv(k, "")
	}
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 10, cfg.Watermark.Size)
	assert.Equal(t, 5, cfg.Watermark.FirstRunLimit)
	assert.Equal(t, 0.15, cfg.Topic.Timeline.MinBest)
	assert.Equal(t, 0.10, cfg.Topic.Timeline.MinAvg)
}

func TestLoadFile(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
database:
  path: /tmp/news.db
fetch:
  timeout: 5s
categories:
  - name: yemen
    interval: 2m
    max_items: 50
    keywords: [yemen, sanaa]
    exclude_keywords: [sponsored]
    sources:
      - {name: Wire, kind: RSS, url: "https://example.com/feed.xml"}
      - {name: Channel, kind: youtube, url: "UC123"}
topic:
  timeout: nonsense
  timeline:
    min_best: 0.2
    min_avg: 0.1
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/news.db", cfg.Database.Path)
	assert.Equal(t, 5*time.Second, cfg.Fetch.ParseTimeout())
	assert.Equal(t, 30*time.Second, cfg.Topic.ParseTimeout(), "bad durations fall back")
	assert.Equal(t, 0.2, cfg.Topic.Timeline.MinBest)
	require.Len(t, cfg.Categories, 1, "configured categories replace the defaults")

	reg := cfg.Registry()
	cat, ok := reg.Category("yemen")
	require.True(t, ok)
	assert.Equal(t, 2*time.Minute, cat.Interval)
	assert.Equal(t, 50, cat.MaxItems)
	assert.True(t, cat.Filtered())
	assert.Equal(t, []string{"sponsored"}, cat.Exclude)
	require.Len(t, cat.Sources, 2)
	assert.Equal(t, source.KindRSS, cat.Sources[0].Kind)
	assert.Equal(t, "yemen", cat.Sources[1].Category)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("NEWSRADAR_DB_PATH", "/data/n.db")
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant")
	t.Setenv("SLACK_WEBHOOK_URL", "https://hooks.slack.test/x")

	path := writeConfig(t, "llm:\n  provider: anthropic\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/data/n.db", cfg.Database.Path)
	assert.Equal(t, "anthropic", cfg.LLM.Provider)
	assert.Equal(t, "sk-ant", cfg.LLM.APIKey)
	assert.True(t, cfg.Notify.Slack.Enabled)
}

func TestEnvKeyDoesNotOverrideOtherProvider(t *testing.T) {
	clearEnv(t)
	t.Setenv("OPENAI_API_KEY", "sk-openai")
	path := writeConfig(t, "llm:\n  provider: gemini\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "gemini", cfg.LLM.Provider)
	assert.Empty(t, cfg.LLM.APIKey)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"duplicate category", func(c *Config) { c.Categories = append(c.Categories, c.Categories[0]) }},
		{"unknown kind", func(c *Config) { c.Categories[0].Sources[0].Kind = "telegram" }},
		{"empty url", func(c *Config) { c.Categories[0].Sources[0].URL = " " }},
		{"duplicate source", func(c *Config) {
			c.Categories[0].Sources = append(c.Categories[0].Sources, c.Categories[0].Sources[0])
		}},
		{"missing name", func(c *Config) { c.Categories[0].Name = "" }},
		{"threshold range", func(c *Config) { c.Topic.Timeline.MinBest = 1.5 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
