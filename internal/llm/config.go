package llm

import "time"

// Config holds provider selection and resilience settings.
type Config struct {
	// Provider selects the backend: "openai", "anthropic", "gemini" or "mock".
	Provider string
	APIKey   string
	Model    string
	// BaseURL overrides the OpenAI-compatible endpoint (OpenRouter, local
	// servers).
	BaseURL string

	// Timeout bounds a single attempt. Zero disables it.
	Timeout       time.Duration
	MaxAttempts   int
	MaxConcurrent int
	// RatePerSecond caps outgoing requests. Zero disables limiting.
	RatePerSecond int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Provider:      "openai",
		Model:         "gpt-4o-mini",
		Timeout:       60 * time.Second,
		MaxAttempts:   3,
		MaxConcurrent: 8,
	}
}
