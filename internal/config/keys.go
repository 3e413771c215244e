package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kFloat
	kDuration
	kList // comma-separated
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  string // account in the secrets file; secrets never come from the config file
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.host", typ: kString, env: "RESOLV_SERVER_HOST",
		apply:   func(cfg *Config, v any) { cfg.Server.Host = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Host },
	},
	{
		key: "server.port", typ: kInt, env: "RESOLV_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, env: "RESOLV_API_TOKEN",
		secret:  secretAPIToken,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "log.level", typ: kString, env: "RESOLV_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "storage.data_dir", typ: kString, env: "RESOLV_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "embedding.provider", typ: kString, env: "RESOLV_EMBEDDING_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.Provider },
	},
	{
		key: "embedding.base_url", typ: kString, env: "RESOLV_EMBEDDING_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Embedding.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.BaseURL },
	},
	{
		key: "embedding.model", typ: kString, env: "RESOLV_EMBEDDING_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.Model },
	},
	{
		key: "embedding.api_key", typ: kString, env: "RESOLV_EMBEDDING_API_KEY",
		secret:  secretEmbedAPIKey,
		apply:   func(cfg *Config, v any) { cfg.Embedding.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.APIKey },
	},
	{
		key: "embedding.batch_size", typ: kInt, env: "RESOLV_EMBEDDING_BATCH_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Embedding.BatchSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Embedding.BatchSize },
	},
	{
		key: "embedding.hash_dims", typ: kInt, env: "RESOLV_EMBEDDING_HASH_DIMS",
		apply:   func(cfg *Config, v any) { cfg.Embedding.HashDims = v.(int) },
		extract: func(cfg Config) any { return cfg.Embedding.HashDims },
	},
	{
		key: "embedding.timeout", typ: kDuration, env: "RESOLV_EMBEDDING_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Embedding.Timeout },
	},
	{
		key: "sources.knowledge", typ: kList, env: "RESOLV_SOURCES_KNOWLEDGE",
		apply:   func(cfg *Config, v any) { cfg.Sources.Knowledge = v.([]string) },
		extract: func(cfg Config) any { return cfg.Sources.Knowledge },
	},
	{
		key: "sources.github_token", typ: kString, env: "RESOLV_GITHUB_TOKEN",
		secret:  secretGitHubToken,
		apply:   func(cfg *Config, v any) { cfg.Sources.GitHubToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Sources.GitHubToken },
	},
	{
		key: "sources.github_repos", typ: kList, env: "RESOLV_SOURCES_GITHUB_REPOS",
		apply:   func(cfg *Config, v any) { cfg.Sources.GitHubRepos = v.([]string) },
		extract: func(cfg Config) any { return cfg.Sources.GitHubRepos },
	},
	{
		key: "sources.github_base_url", typ: kString, env: "RESOLV_SOURCES_GITHUB_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Sources.GitHubBaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Sources.GitHubBaseURL },
	},
	{
		key: "sources.timeout", typ: kDuration, env: "RESOLV_SOURCES_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Sources.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Sources.Timeout },
	},
	{
		key: "retrieval.max_keywords", typ: kInt, env: "RESOLV_RETRIEVAL_MAX_KEYWORDS",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.MaxKeywords = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.MaxKeywords },
	},
	{
		key: "retrieval.limit_per_source", typ: kInt, env: "RESOLV_RETRIEVAL_LIMIT_PER_SOURCE",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.LimitPerSource = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.LimitPerSource },
	},
	{
		key: "retrieval.max_results", typ: kInt, env: "RESOLV_RETRIEVAL_MAX_RESULTS",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.MaxResults = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.MaxResults },
	},
	{
		key: "cache.ttl", typ: kDuration, env: "RESOLV_CACHE_TTL",
		apply:   func(cfg *Config, v any) { cfg.Cache.TTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Cache.TTL },
	},
	{
		key: "cache.sweep_interval", typ: kDuration, env: "RESOLV_CACHE_SWEEP_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Cache.SweepInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Cache.SweepInterval },
	},
	{
		key: "cache.max_entries", typ: kInt, env: "RESOLV_CACHE_MAX_ENTRIES",
		apply:   func(cfg *Config, v any) { cfg.Cache.MaxEntries = v.(int) },
		extract: func(cfg Config) any { return cfg.Cache.MaxEntries },
	},
	{
		key: "cache.hot_items", typ: kInt, env: "RESOLV_CACHE_HOT_ITEMS",
		apply:   func(cfg *Config, v any) { cfg.Cache.HotItems = v.(int) },
		extract: func(cfg Config) any { return cfg.Cache.HotItems },
	},
	{
		key: "ranking.weights_file", typ: kString, env: "RESOLV_RANKING_WEIGHTS_FILE",
		apply:   func(cfg *Config, v any) { cfg.Ranking.WeightsFile = v.(string) },
		extract: func(cfg Config) any { return cfg.Ranking.WeightsFile },
	},
	{
		key: "ranking.history_window_days", typ: kInt, env: "RESOLV_RANKING_HISTORY_WINDOW_DAYS",
		apply:   func(cfg *Config, v any) { cfg.Ranking.HistoryWindowDays = v.(int) },
		extract: func(cfg Config) any { return cfg.Ranking.HistoryWindowDays },
	},
	{
		key: "profile.max_cached", typ: kInt, env: "RESOLV_PROFILE_MAX_CACHED",
		apply:   func(cfg *Config, v any) { cfg.Profile.MaxCached = v.(int) },
		extract: func(cfg Config) any { return cfg.Profile.MaxCached },
	},
	{
		key: "ingest.watch_dir", typ: kString, env: "RESOLV_INGEST_WATCH_DIR",
		apply:   func(cfg *Config, v any) { cfg.Ingest.WatchDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Ingest.WatchDir },
	},
	{
		key: "ingest.include", typ: kList, env: "RESOLV_INGEST_INCLUDE",
		apply:   func(cfg *Config, v any) { cfg.Ingest.Include = v.([]string) },
		extract: func(cfg Config) any { return cfg.Ingest.Include },
	},
	{
		key: "ingest.chunk_max_chars", typ: kInt, env: "RESOLV_INGEST_CHUNK_MAX_CHARS",
		apply:   func(cfg *Config, v any) { cfg.Ingest.ChunkMaxChars = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.ChunkMaxChars },
	},
	{
		key: "ingest.chunk_overlap", typ: kFloat, env: "RESOLV_INGEST_CHUNK_OVERLAP",
		apply:   func(cfg *Config, v any) { cfg.Ingest.ChunkOverlap = v.(float64) },
		extract: func(cfg Config) any { return cfg.Ingest.ChunkOverlap },
	},
	{
		key: "ingest.poll_interval", typ: kDuration, env: "RESOLV_INGEST_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Ingest.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Ingest.PollInterval },
	},
	{
		key: "ingest.rescan_interval", typ: kDuration, env: "RESOLV_INGEST_RESCAN_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Ingest.RescanInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Ingest.RescanInterval },
	},
}

// parseValue converts raw text to the Go type of a key.
func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kString:
		return raw, nil
	case kInt:
		return strconv.Atoi(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	case kList:
		return splitList(raw), nil
	}
	return nil, fmt.Errorf("unknown key type %d", typ)
}

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func formatValue(v any) string {
	switch val := v.(type) {
	case []string:
		return strings.Join(val, ",")
	case time.Duration:
		return val.String()
	}
	return fmt.Sprintf("%v", v)
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret != "" {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || (raw == "" && s.typ != kString) {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			slog.Warn("could not parse config key, using default", "key", s.key, "value", raw, "error", err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			slog.Warn("could not parse env var, using default", "env", s.env, "value", raw, "error", err)
			continue
		}
		s.apply(cfg, v)
	}
}

// applySecrets fills secrets not provided by the environment from the
// secrets file.
func applySecrets(cfg *Config, secrets secretStore) {
	for _, s := range specs {
		if s.secret == "" || s.extract(*cfg).(string) != "" {
			continue
		}
		v, err := secrets.Get(s.secret)
		if errors.Is(err, errSecretNotFound) {
			continue
		}
		if err != nil {
			slog.Warn("could not read secret", "key", s.key, "error", err)
			continue
		}
		s.apply(cfg, v)
	}
}
