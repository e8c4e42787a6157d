// Package config provides centralized configuration for deckforge.
// Values come from environment variables, an optional YAML file named by
// DECKFORGE_CONFIG and command-line flags bound by the CLI, with defaults.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration values.
type Config struct {
	// Port is the HTTP server listen port.
	Port string

	// DBPath is the path to the SQLite database file.
	DBPath string

	// LogLevel is one of debug, info, warn, error.
	LogLevel string

	// LLMProvider selects which LLM backend to use: "openai", "claude",
	// "gemini", "ollama", "llmkit" or "stub".
	LLMProvider string

	OpenAIKey     string
	OpenAIBaseURL string
	OpenAIModel   string

	AnthropicKey   string
	AnthropicModel string

	GeminiKey   string
	GeminiModel string

	OllamaURL   string
	OllamaModel string

	// ImageProvider selects the image backend: "openai" or "stub".
	ImageProvider string
	ImageModel    string
	ImageSize     string

	// Concurrency caps how many slides of a deck are processed at once.
	Concurrency int

	// MaxRewriteAttempts bounds the validate/rewrite loop of each slide.
	MaxRewriteAttempts int

	// SlideRetries is how many extra attempts a slide gets after a
	// retryable failure.
	SlideRetries int

	// WorkerInterval is the polling interval for the background worker.
	WorkerInterval time.Duration

	// HTTPTimeout is the timeout for outgoing HTTP requests (import, LLM).
	HTTPTimeout time.Duration

	// MaxTextLength is the maximum number of runes kept from an imported page.
	MaxTextLength int

	// CORSOrigin is the allowed CORS origin. Defaults to "*".
	CORSOrigin string
}

var defaults = map[string]any{
	"port":                 "8080",
	"db_path":              "deckforge.db",
	"log_level":            "info",
	"llm_provider":         "openai",
	"openai_api_key":       "",
	"openai_base_url":      "https://api.openai.com/v1",
	"openai_model":         "gpt-4o-mini",
	"anthropic_api_key":    "",
	"anthropic_model":      "claude-sonnet-4-20250514",
	"gemini_api_key":       "",
	"gemini_model":         "gemini-2.0-flash",
	"ollama_url":           "http://localhost:11434",
	"ollama_model":         "llama3",
	"image_provider":       "openai",
	"image_model":          "dall-e-3",
	"image_size":           "1792x1024",
	"concurrency":          3,
	"max_rewrite_attempts": 2,
	"slide_retries":        0,
	"worker_interval":      "3s",
	"http_timeout":         "60s",
	"max_text_length":      15000,
	"cors_origin":          "*",
}

// New returns a viper instance with every key defaulted and bound to its
// upper-case environment variable (db_path <- DB_PATH). Callers may bind
// flags into it before calling FromViper.
func New() *viper.Viper {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.AutomaticEnv()
	return v
}

// Load reads .env.local if present, then builds the configuration from the
// environment and the optional DECKFORGE_CONFIG file.
func Load() (Config, error) {
	LoadEnvFile(".env.local")
	return FromViper(New())
}

// FromViper reads the optional config file and decodes v into a Config.
func FromViper(v *viper.Viper) (Config, error) {
	if path := os.Getenv("DECKFORGE_CONFIG"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("reading %s: %w", path, err)
			}
		}
	}

	cfg := Config{
		Port:               v.GetString("port"),
		DBPath:             v.GetString("db_path"),
		LogLevel:           strings.ToLower(v.GetString("log_level")),
		LLMProvider:        strings.ToLower(v.GetString("llm_provider")),
		OpenAIKey:          v.GetString("openai_api_key"),
		OpenAIBaseURL:      v.GetString("openai_base_url"),
		OpenAIModel:        v.GetString("openai_model"),
		AnthropicKey:       v.GetString("anthropic_api_key"),
		AnthropicModel:     v.GetString("anthropic_model"),
		GeminiKey:          v.GetString("gemini_api_key"),
		GeminiModel:        v.GetString("gemini_model"),
		OllamaURL:          v.GetString("ollama_url"),
		OllamaModel:        v.GetString("ollama_model"),
		ImageProvider:      strings.ToLower(v.GetString("image_provider")),
		ImageModel:         v.GetString("image_model"),
		ImageSize:          v.GetString("image_size"),
		Concurrency:        v.GetInt("concurrency"),
		MaxRewriteAttempts: v.GetInt("max_rewrite_attempts"),
		SlideRetries:       v.GetInt("slide_retries"),
		WorkerInterval:     v.GetDuration("worker_interval"),
		HTTPTimeout:        v.GetDuration("http_timeout"),
		MaxTextLength:      v.GetInt("max_text_length"),
		CORSOrigin:         v.GetString("cors_origin"),
	}

	// Unparseable values decode as zero; fall back to the defaults.
	if cfg.Concurrency < 1 {
		cfg.Concurrency = defaults["concurrency"].(int)
	}
	if cfg.MaxRewriteAttempts < 0 {
		cfg.MaxRewriteAttempts = 0
	}
	if cfg.SlideRetries < 0 {
		cfg.SlideRetries = 0
	}
	if cfg.WorkerInterval <= 0 {
		cfg.WorkerInterval = 3 * time.Second
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 60 * time.Second
	}
	if cfg.MaxTextLength <= 0 {
		cfg.MaxTextLength = defaults["max_text_length"].(int)
	}
	return cfg, nil
}

// UseStubs returns true when no LLM API key is configured for the selected provider.
func (c Config) UseStubs() bool {
	switch c.LLMProvider {
	case "stub":
		return true
	case "claude", "llmkit":
		return c.AnthropicKey == ""
	case "gemini":
		return c.GeminiKey == ""
	case "ollama":
		return false // Ollama runs locally, no key needed
	default:
		return c.OpenAIKey == ""
	}
}

// UseImageStub reports whether images come from the placeholder generator.
func (c Config) UseImageStub() bool {
	return c.ImageProvider == "stub" || c.OpenAIKey == ""
}

// SlogLevel maps LogLevel to a slog level; unknown values mean info.
func (c Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LoadEnvFile sets KEY=VALUE pairs from path as environment variables.
// Variables already present in the environment win. A missing file is fine.
func LoadEnvFile(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		if _, set := os.LookupEnv(k); !set {
			os.Setenv(k, val)
		}
	}
}
