package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds every runtime knob the platform recognizes.
// Values come from environment variables; Load applies defaults
// for anything unset so a bare environment still boots.
type Config struct {
	DatabaseURL string
	ListenAddr  string

	// Vector store settings. Every index in a deployment shares one
	// embedding dimension; changing it invalidates existing indices.
	VectorIndexBasePath string
	EmbeddingDimension  int

	// Handler fallbacks, applied when node config omits the field.
	LLMDefaultTemperature     float64
	LLMDefaultMaxTokens       int
	HTTPDefaultTimeoutSeconds int

	// If true, the validator reports disconnected components instead
	// of rejecting the workflow.
	AllowDisconnectedGraphs bool

	OpenAIAPIKey   string
	OpenAIModel    string
	EmbeddingModel string
}

// Load reads configuration from the environment.
// DATABASE_URL is the only required variable.
func Load() (*Config, error) {
	dbURL, ok := os.LookupEnv("DATABASE_URL")
	if !ok || dbURL == "" {
		return nil, fmt.Errorf("config: DATABASE_URL is not set")
	}

	cfg := &Config{
		DatabaseURL:               dbURL,
		ListenAddr:                envString("LISTEN_ADDR", ":8080"),
		VectorIndexBasePath:       envString("VECTOR_INDEX_BASE_PATH", "./data/indices"),
		EmbeddingDimension:        envInt("EMBEDDING_DIMENSION", 384),
		LLMDefaultTemperature:     envFloat("LLM_DEFAULT_TEMPERATURE", 0.7),
		LLMDefaultMaxTokens:       envInt("LLM_DEFAULT_MAX_TOKENS", 256),
		HTTPDefaultTimeoutSeconds: envInt("HTTP_DEFAULT_TIMEOUT_SECONDS", 30),
		AllowDisconnectedGraphs:   envBool("ALLOW_DISCONNECTED_GRAPHS", false),
		OpenAIAPIKey:              envString("OPENAI_API_KEY", ""),
		OpenAIModel:               envString("OPENAI_MODEL", "gpt-4o-mini"),
		EmbeddingModel:            envString("EMBEDDING_MODEL", "text-embedding-3-small"),
	}

	if cfg.EmbeddingDimension <= 0 {
		return nil, fmt.Errorf("config: EMBEDDING_DIMENSION must be positive, got %d", cfg.EmbeddingDimension)
	}
	if cfg.HTTPDefaultTimeoutSeconds <= 0 {
		return nil, fmt.Errorf("config: HTTP_DEFAULT_TIMEOUT_SECONDS must be positive, got %d", cfg.HTTPDefaultTimeoutSeconds)
	}

	return cfg, nil
}

func envString(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envBool(key string, fallback bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
