// Package llm is the boundary to the hosted reasoning services used for
// topic clustering and enrichment.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNoAPIKey is returned by New when the selected provider has no key.
var ErrNoAPIKey = errors.New("llm: no api key configured")

// Request is a single prompt.
type Request struct {
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float64
	// JSON asks the provider for a JSON answer where it supports that.
	JSON bool
}

// Provider generates a completion for a prompt. Implementations must honour
// ctx cancellation.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req Request) (string, error)
}

// Config selects and configures a provider.
type Config struct {
	Provider          string
	Model             string
	APIKey            string
	BaseURL           string
	RequestsPerMinute int
}

// New builds the configured provider wrapped in a rate limiter.
func New(ctx context.Context, cfg Config) (*Limited, error) {
	if cfg.APIKey == "" {
		return nil, ErrNoAPIKey
	}

	var p Provider
	switch strings.ToLower(cfg.Provider) {
	case "anthropic":
		p = NewAnthropic(cfg.Model, cfg.APIKey, cfg.BaseURL)
	case "gemini":
		g, err := NewGemini(ctx, cfg.Model, cfg.APIKey)
		if err != nil {
			return nil, err
		}
		p = g
	case "openai", "":
		p = NewOpenAI(cfg.Model, cfg.APIKey, cfg.BaseURL)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
	return NewLimited(p, cfg.RequestsPerMinute), nil
}

// StripCodeFence removes a surrounding markdown code block, which models
// often add around JSON answers.
func StripCodeFence(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "```") {
		if idx := strings.Index(raw[3:], "\n"); idx >= 0 {
			raw = raw[3+idx+1:]
		}
		if strings.HasSuffix(raw, "```") {
			raw = raw[:len(raw)-3]
		}
		raw = strings.TrimSpace(raw)
	}
	return raw
}

// DecodeJSON parses a model answer into v, tolerating code fences and text
// around a single JSON object.
func DecodeJSON(raw string, v any) error {
	clean := StripCodeFence(raw)
	if err := json.Unmarshal([]byte(clean), v); err == nil {
		return nil
	}
	start := strings.Index(clean, "{")
	end := strings.LastIndex(clean, "}")
	if start >= 0 && end > start {
		if err := json.Unmarshal([]byte(clean[start:end+1]), v); err == nil {
			return nil
		}
	}
	return fmt.Errorf("parse llm response: invalid json: %s", truncateStr(clean, 300))
}

func truncateStr(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
