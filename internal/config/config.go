package config

import (
	"os"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Database  DatabaseConfig  `toml:"database"`
	Embedding EmbeddingConfig `toml:"embedding"`
	Worker    WorkerConfig    `toml:"worker"`
	Search    SearchConfig    `toml:"search"`
	Context   ContextConfig   `toml:"context"`
	Observer  ObserverConfig  `toml:"observer"`
}

type DatabaseConfig struct {
	// Backend selects the store: "sqlite" or "postgres".
	Backend string `toml:"backend"`
	Path    string `toml:"path"`
	DSN     string `toml:"dsn"`
}

type EmbeddingConfig struct {
	Provider   string `toml:"provider"`
	Model      string `toml:"model"`
	Dimensions int    `toml:"dimensions"`
	APIKey     string `toml:"api_key"`
	BaseURL    string `toml:"base_url"`
	// MaxRetries bounds transient-failure retries per embed call.
	MaxRetries int `toml:"max_retries"`
	// RPM and TPM cap requests and texts per minute; 0 disables the cap.
	RPM int `toml:"rpm"`
	TPM int `toml:"tpm"`
}

type WorkerConfig struct {
	BatchSize      int `toml:"batch_size"`
	PollSeconds    int `toml:"poll_seconds"`
	LeaseSeconds   int `toml:"lease_seconds"`
	ReclaimSeconds int `toml:"reclaim_seconds"`
}

type SearchConfig struct {
	FTSWeight    float32 `toml:"fts_weight"`
	VectorWeight float32 `toml:"vector_weight"`
	Overfetch    int     `toml:"overfetch"`
}

type ContextConfig struct {
	MaxWindowSize  int     `toml:"max_window_size"`
	Overfetch      int     `toml:"overfetch"`
	CharsPerToken  int     `toml:"chars_per_token"`
	NeighborWeight float64 `toml:"neighbor_weight"`
}

type ObserverConfig struct {
	Enabled bool `toml:"enabled"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Database:  DatabaseConfig{Backend: "sqlite", Path: "chatvault.db"},
		Embedding: EmbeddingConfig{Provider: "gemini", Model: "gemini-embedding-001", Dimensions: 1536, MaxRetries: 3},
		Worker:    WorkerConfig{BatchSize: 16, PollSeconds: 2, LeaseSeconds: 60, ReclaimSeconds: 30},
		Search:    SearchConfig{FTSWeight: 0.4, VectorWeight: 0.6, Overfetch: 3},
		Context:   ContextConfig{MaxWindowSize: 50, Overfetch: 3, CharsPerToken: 4, NeighborWeight: 0.3},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "chatvault.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("CHATVAULT_DB_BACKEND"); v != "" {
		cfg.Database.Backend = v
	}
	if v := os.Getenv("CHATVAULT_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("CHATVAULT_DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("CHATVAULT_EMBEDDING_API_KEY"); v != "" {
		cfg.Embedding.APIKey = v
	}
	if v := os.Getenv("CHATVAULT_EMBEDDING_BASE_URL"); v != "" {
		cfg.Embedding.BaseURL = v
	}
	if os.Getenv("CHATVAULT_OBSERVER_ENABLED") == "true" || os.Getenv("CHATVAULT_OBSERVER_ENABLED") == "1" {
		cfg.Observer.Enabled = true
	}

	// Fallbacks
	if cfg.Database.Backend == "postgres" && cfg.Database.DSN == "" {
		cfg.Database.DSN = os.Getenv("DATABASE_URL")
	}

	return cfg
}
