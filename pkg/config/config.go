// Package config loads shopbot settings from a YAML file, a .env file and
// environment overrides, in that order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port       int    `yaml:"port"`
	CORSOrigin string `yaml:"cors_origin"`
}

// LogConfig configures slog.
type LogConfig struct {
	Level string `yaml:"level"`
}

// CorpusConfig configures chunking and tenant index storage.
type CorpusConfig struct {
	Root          string        `yaml:"root"`
	IndexDir      string        `yaml:"index_dir"`
	SoftCap       int           `yaml:"soft_cap"`
	EmbedBatch    int           `yaml:"embed_batch"`
	Backend       string        `yaml:"backend"` // flat | qdrant
	WatchInterval time.Duration `yaml:"watch_interval"`
	Debounce      time.Duration `yaml:"debounce"`
}

// QdrantConfig points at a Qdrant gRPC endpoint.
type QdrantConfig struct {
	Addr             string `yaml:"addr"`
	CollectionPrefix string `yaml:"collection_prefix"`
}

// Neo4jConfig holds record store credentials.
type Neo4jConfig struct {
	URL  string `yaml:"url"`
	User string `yaml:"user"`
	Pass string `yaml:"pass"`
}

// NATSConfig points at the message bus.
type NATSConfig struct {
	URL string `yaml:"url"`
}

// RedisConfig configures the conversation mirror. An empty Addr disables it.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// EmbeddingConfig selects the embedding service.
type EmbeddingConfig struct {
	Provider  string `yaml:"provider"` // ollama | openai
	Model     string `yaml:"model"`
	BaseURL   string `yaml:"base_url"`
	APIKeyEnv string `yaml:"api_key_env"`
}

// ProviderConfig is one entry of the ordered completion provider chain.
type ProviderConfig struct {
	Name      string        `yaml:"name"`
	Kind      string        `yaml:"kind"` // openai | ollama
	BaseURL   string        `yaml:"base_url"`
	Model     string        `yaml:"model"`
	APIKeyEnv string        `yaml:"api_key_env"`
	Timeout   time.Duration `yaml:"timeout"`
	Rate      float64       `yaml:"rate"` // requests per second, 0 = unlimited
	Burst     int           `yaml:"burst"`

	// ModelOverride accepts a chatbot's model in place of Model.
	ModelOverride bool `yaml:"model_override"`
}

// APIKey resolves the provider's key from the environment.
func (p ProviderConfig) APIKey() string {
	if p.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(p.APIKeyEnv)
}

// RetrievalConfig sets the retrieval budget.
type RetrievalConfig struct {
	K int `yaml:"k"`
}

// HistoryConfig bounds conversation context.
type HistoryConfig struct {
	Window          int `yaml:"window"`
	PromptExchanges int `yaml:"prompt_exchanges"`
	SummaryChars    int `yaml:"summary_chars"`
}

// RecordsConfig selects the chatbot/conversation record store.
type RecordsConfig struct {
	Backend string `yaml:"backend"` // memory | neo4j
}

// Config is the root configuration.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Log       LogConfig        `yaml:"log"`
	Corpus    CorpusConfig     `yaml:"corpus"`
	Qdrant    QdrantConfig     `yaml:"qdrant"`
	Neo4j     Neo4jConfig      `yaml:"neo4j"`
	NATS      NATSConfig       `yaml:"nats"`
	Redis     RedisConfig      `yaml:"redis"`
	Embedding EmbeddingConfig  `yaml:"embedding"`
	Providers []ProviderConfig `yaml:"providers"`
	Retrieval RetrievalConfig  `yaml:"retrieval"`
	History   HistoryConfig    `yaml:"history"`
	Records   RecordsConfig    `yaml:"records"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080, CORSOrigin: "*"},
		Log:    LogConfig{Level: "info"},
		Corpus: CorpusConfig{
			Root:          "data/corpus",
			IndexDir:      "data/index",
			SoftCap:       1000,
			EmbedBatch:    32,
			Backend:       "flat",
			WatchInterval: 5 * time.Minute,
			Debounce:      2 * time.Second,
		},
		Qdrant:    QdrantConfig{Addr: "localhost:6334", CollectionPrefix: "shopbot"},
		Neo4j:     Neo4jConfig{URL: "neo4j://localhost:7687", User: "neo4j"},
		NATS:      NATSConfig{URL: "nats://localhost:4222"},
		Redis:     RedisConfig{TTL: 24 * time.Hour},
		Embedding: EmbeddingConfig{Provider: "ollama", Model: "nomic-embed-text", BaseURL: "http://localhost:11434"},
		Providers: []ProviderConfig{
			{Name: "openai", Kind: "openai", Model: "gpt-4o-mini", APIKeyEnv: "OPENAI_API_KEY", Timeout: 30 * time.Second, ModelOverride: true},
			{Name: "ollama", Kind: "ollama", BaseURL: "http://localhost:11434", Model: "llama3.1", Timeout: 60 * time.Second},
		},
		Retrieval: RetrievalConfig{K: 5},
		History:   HistoryConfig{Window: 5, PromptExchanges: 3, SummaryChars: 150},
		Records:   RecordsConfig{Backend: "memory"},
	}
}

// Load reads path (defaults when it does not exist), applies the .env file
// in the working directory if present, then environment overrides.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg as YAML, creating parent directories.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func applyEnv(cfg *Config) {
	str := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v := os.Getenv(k); v != "" {
				*dst = v
				return
			}
		}
	}
	str(&cfg.Log.Level, "SHOPBOT_LOG_LEVEL")
	str(&cfg.Corpus.Root, "SHOPBOT_CORPUS_ROOT")
	str(&cfg.Corpus.IndexDir, "SHOPBOT_INDEX_DIR")
	str(&cfg.Corpus.Backend, "SHOPBOT_INDEX_BACKEND")
	str(&cfg.Qdrant.Addr, "SHOPBOT_QDRANT_ADDR", "QDRANT_URL")
	str(&cfg.Neo4j.URL, "SHOPBOT_NEO4J_URL", "NEO4J_URL")
	str(&cfg.Neo4j.User, "SHOPBOT_NEO4J_USER", "NEO4J_USER")
	str(&cfg.Neo4j.Pass, "SHOPBOT_NEO4J_PASS", "NEO4J_PASS")
	str(&cfg.NATS.URL, "SHOPBOT_NATS_URL", "NATS_URL")
	str(&cfg.Redis.Addr, "SHOPBOT_REDIS_ADDR", "REDIS_URL")
	str(&cfg.Records.Backend, "SHOPBOT_RECORDS")
	str(&cfg.Embedding.Provider, "SHOPBOT_EMBED_PROVIDER")
	str(&cfg.Embedding.Model, "SHOPBOT_EMBED_MODEL")

	if v := os.Getenv("OLLAMA_URL"); v != "" {
		if cfg.Embedding.Provider == "ollama" {
			cfg.Embedding.BaseURL = v
		}
		for i := range cfg.Providers {
			if cfg.Providers[i].Kind == "ollama" {
				cfg.Providers[i].BaseURL = v
			}
		}
	}

	var port string
	str(&port, "SHOPBOT_PORT", "PORT")
	if p, err := strconv.Atoi(port); err == nil && p > 0 {
		cfg.Server.Port = p
	}
}
