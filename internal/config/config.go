// Package config loads resolv settings from defaults, a JSON config file,
// .env files and RESOLV_* environment variables, in increasing precedence.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig
	Log       LogConfig
	Storage   StorageConfig
	Embedding EmbeddingConfig
	Sources   SourcesConfig
	Retrieval RetrievalConfig
	Cache     CacheConfig
	Ranking   RankingConfig
	Profile   ProfileConfig
	Ingest    IngestConfig
}

type ServerConfig struct {
	Host     string
	Port     int
	APIToken string
}

type LogConfig struct {
	Level string
}

type StorageConfig struct {
	DataDir string
}

type EmbeddingConfig struct {
	Provider  string // "ollama", "openai" or "hash"
	BaseURL   string
	Model     string
	APIKey    string
	BatchSize int
	HashDims  int
	Timeout   time.Duration
}

type SourcesConfig struct {
	// Knowledge lists the systems served from locally ingested documents.
	Knowledge     []string
	GitHubToken   string
	GitHubRepos   []string
	GitHubBaseURL string
	Timeout       time.Duration
}

type RetrievalConfig struct {
	MaxKeywords    int
	LimitPerSource int
	MaxResults     int
}

type CacheConfig struct {
	TTL           time.Duration
	SweepInterval time.Duration
	MaxEntries    int
	HotItems      int
}

type RankingConfig struct {
	WeightsFile       string
	HistoryWindowDays int
}

type ProfileConfig struct {
	MaxCached int
}

type IngestConfig struct {
	WatchDir       string
	Include        []string
	ChunkMaxChars  int
	ChunkOverlap   float64
	PollInterval   time.Duration
	RescanInterval time.Duration
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 4100,
		},
		Log: LogConfig{Level: "info"},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Embedding: EmbeddingConfig{
			Provider:  "ollama",
			BaseURL:   "http://localhost:11434",
			Model:     "nomic-embed-text",
			BatchSize: 32,
			HashDims:  256,
			Timeout:   3 * time.Second,
		},
		Sources: SourcesConfig{
			Knowledge: []string{"SERVICENOW", "JIRA", "CONFLUENCE", "SHAREPOINT", "KNOWLEDGE_BASE"},
			Timeout:   5 * time.Second,
		},
		Retrieval: RetrievalConfig{
			MaxKeywords:    10,
			LimitPerSource: 20,
			MaxResults:     10,
		},
		Cache: CacheConfig{
			TTL:           15 * time.Minute,
			SweepInterval: 10 * time.Minute,
			MaxEntries:    10000,
			HotItems:      1000,
		},
		Ranking: RankingConfig{
			HistoryWindowDays: 90,
		},
		Profile: ProfileConfig{
			MaxCached: 1000,
		},
		Ingest: IngestConfig{
			Include:        []string{"*.md", "*.txt", "*.html", "*.htm", "*.pdf"},
			ChunkMaxChars:  1200,
			ChunkOverlap:   0.1,
			PollInterval:   500 * time.Millisecond,
			RescanInterval: time.Hour,
		},
	}
}

// Load reads configuration for the server and CLI.
//
// The config file lives at $XDG_CONFIG_HOME/resolv/config.json. A .env file
// in the working directory or next to the config file is loaded without
// overriding variables already set. Secrets (API token, embedding API key,
// GitHub token) come only from the environment or the secrets file; a
// missing API token is generated and persisted.
func Load() (Config, error) {
	loadDotEnv(".env", filepath.Join(filepath.Dir(configFilePath()), ".env"))
	return loadWith(newFileBackend(configFilePath()), newSecretsFile(secretsFilePath()))
}

func loadDotEnv(paths ...string) {
	var existing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return
	}
	if err := godotenv.Load(existing...); err != nil {
		slog.Warn("could not load .env file", "paths", existing, "error", err)
	}
}

// secretStore abstracts the secrets file for testing.
type secretStore interface {
	Get(account string) (string, error)
	Set(account, value string) error
}

func loadWith(b ConfigBackend, secrets secretStore) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)
	applySecrets(&cfg, secrets)

	if cfg.Server.APIToken == "" {
		token := uuid.New().String()
		if err := secrets.Set(secretAPIToken, token); err != nil {
			return Config{}, fmt.Errorf("storing generated API token: %w", err)
		}
		cfg.Server.APIToken = token
	}

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", cfg.Server.Port)
	}
	if cfg.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be positive, got %s", cfg.Cache.TTL)
	}
	if cfg.Ingest.ChunkOverlap < 0 || cfg.Ingest.ChunkOverlap > 0.5 {
		return fmt.Errorf("ingest.chunk_overlap must be within [0, 0.5], got %v", cfg.Ingest.ChunkOverlap)
	}
	return nil
}

// ParseLogLevel maps log.level to a slog level, defaulting to info.
func ParseLogLevel(s string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func xdgDir(env string, fallback ...string) string {
	dir := os.Getenv(env)
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(append([]string{home}, fallback...)...)
		} else {
			dir = "."
		}
	}
	return dir
}

func defaultDataDir() string {
	return filepath.Join(xdgDir("XDG_DATA_HOME", ".local", "share"), "resolv")
}

func configFilePath() string {
	return filepath.Join(xdgDir("XDG_CONFIG_HOME", ".config"), "resolv", "config.json")
}

func secretsFilePath() string {
	return filepath.Join(xdgDir("XDG_DATA_HOME", ".local", "share"), "resolv", "secrets.json")
}
