// Recurate - Personalized Financial Content Recommendation
// Copyright 2026 Finlab
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/finlab/recurate

// Package config loads Recurate configuration with layered sources:
// built-in defaults, an optional YAML file, and RECURATE_* environment
// variables (highest priority). Missing required settings fail startup.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// ConfigPathEnvVar overrides the config file search path.
const ConfigPathEnvVar = "RECURATE_CONFIG"

// DefaultConfigPaths are searched in order for a YAML config file.
var DefaultConfigPaths = []string{
	"recurate.yaml",
	"config/recurate.yaml",
	"/etc/recurate/recurate.yaml",
}

// Config is the root configuration for both binaries.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Logging   LoggingConfig   `koanf:"logging"`
	Mongo     MongoConfig     `koanf:"mongo"`
	Search    SearchConfig    `koanf:"search"`
	Portfolio PortfolioConfig `koanf:"portfolio"`
	Scoring   ScoringConfig   `koanf:"scoring"`
	Online    OnlineConfig    `koanf:"online"`
	Batch     BatchConfig     `koanf:"batch"`
	Rules     RulesConfig     `koanf:"rules"`
	Cache     CacheConfig     `koanf:"cache"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	CORSOrigins     []string      `koanf:"cors_origins"`
	RateLimit       int           `koanf:"rate_limit"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error fatal disabled"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// MongoConfig holds document store settings.
type MongoConfig struct {
	URI         string        `koanf:"uri" validate:"required"`
	Database    string        `koanf:"database" validate:"required"`
	MaxPoolSize uint64        `koanf:"max_pool_size"`
	Timeout     time.Duration `koanf:"timeout"`

	UsersCollection      string `koanf:"users_collection"`
	ContentsCollection   string `koanf:"contents_collection"`
	CandidatesCollection string `koanf:"candidates_collection"`
	GlobalDataCollection string `koanf:"global_data_collection"`
}

// SearchConfig holds OpenSearch settings. Interaction logs and daily
// quotes live in day-partitioned indices named <prefix>YYYYMMDD.
type SearchConfig struct {
	Addresses       []string `koanf:"addresses" validate:"required,min=1"`
	Username        string   `koanf:"username"`
	Password        string   `koanf:"password"`
	MaxConnsPerHost int      `koanf:"max_conns_per_host"`

	InteractionIndexPrefix string `koanf:"interaction_index_prefix"`
	QuoteIndexPrefix       string `koanf:"quote_index_prefix"`

	// Per-fetch budgets for online context hydration.
	SeenTimeout    time.Duration `koanf:"seen_timeout"`
	ReturnsTimeout time.Duration `koanf:"returns_timeout"`
}

// PortfolioConfig holds the external portfolio API settings.
type PortfolioConfig struct {
	BaseURL    string        `koanf:"base_url" validate:"required,url"`
	Timeout    time.Duration `koanf:"timeout"`
	MaxRetries uint64        `koanf:"max_retries"`
	TopN       int           `koanf:"top_n"`
}

// SourceWeights are the per-pool weights applied during batch scoring.
type SourceWeights struct {
	Global float64 `koanf:"global"`
	Local  float64 `koanf:"local"`
	Other  float64 `koanf:"other"`
}

// ScoringConfig holds batch score combination settings.
type ScoringConfig struct {
	SourceWeights SourceWeights `koanf:"source_weights"`
	CFWeight      float64       `koanf:"cf_weight"`
	// CBWeight is accepted for config compatibility; no content-based
	// scorer consumes it.
	CBWeight             float64 `koanf:"cb_weight"`
	MinScoreThreshold    float64 `koanf:"min_score_threshold"`
	MaxCandidatesPerUser int     `koanf:"max_candidates_per_user" validate:"min=1"`
	CFUserHistoryLimit   int     `koanf:"cf_user_history_limit" validate:"min=1"`
	CFMinCoOccurrence    int     `koanf:"cf_min_co_occurrence" validate:"min=1"`
}

// OnlineConfig holds request-time ranking settings.
type OnlineConfig struct {
	RecommendationCount int           `koanf:"recommendation_count" validate:"min=1"`
	CoalesceInterval    time.Duration `koanf:"coalesce_interval"`
	CoalesceWorkers     int           `koanf:"coalesce_workers" validate:"min=1"`
	DispatchRate        float64       `koanf:"dispatch_rate"`
	RequestTimeout      time.Duration `koanf:"request_timeout"`
	SeenDays            int           `koanf:"seen_days" validate:"min=1"`
	CandidateFallback   bool          `koanf:"candidate_fallback"`
	FallbackLimit       int           `koanf:"fallback_limit"`
	MetaCacheTTL        time.Duration `koanf:"meta_cache_ttl"`
	AnonymousCacheTTL   time.Duration `koanf:"anonymous_cache_ttl"`
}

// BatchConfig holds batch pipeline settings.
type BatchConfig struct {
	InteractionDays int `koanf:"interaction_days" validate:"min=1"`
	// Workers defaults to runtime.NumCPU() when zero.
	Workers       int    `koanf:"workers"`
	SaveBatchSize int    `koanf:"save_batch_size" validate:"min=1"`
	FallbackDir   string `koanf:"fallback_dir"`
	UserChunkSize int32  `koanf:"user_chunk_size"`
}

// StockTopReturnConfig configures the global top-risers rule.
type StockTopReturnConfig struct {
	TopN             int      `koanf:"top_n"`
	DaysBack         int      `koanf:"days_back"`
	MaxRecords       int      `koanf:"max_records"`
	AllowedCountries []string `koanf:"allowed_countries"`
	MaxAbsReturn     float64  `koanf:"max_abs_return"`
}

// TopLikedConfig configures the other-pool top-liked rule.
type TopLikedConfig struct {
	TopN    int `koanf:"top_n"`
	MaxTopN int `koanf:"max_top_n"`
}

// BoostConfig holds the post-reorder multiplier table.
type BoostConfig struct {
	Owned      float64 `koanf:"owned"`
	Recent     float64 `koanf:"recent"`
	Group1     float64 `koanf:"group1"`
	Onboarding float64 `koanf:"onboarding"`
	TopReturn  float64 `koanf:"top_return"`
}

// RerankConfig holds the component weights of the market-cap/recency/random
// reorder rule.
type RerankConfig struct {
	Original  float64 `koanf:"original"`
	MarketCap float64 `koanf:"market_cap"`
	Recency   float64 `koanf:"recency"`
	Random    float64 `koanf:"random"`
}

// RulesConfig groups per-rule settings.
type RulesConfig struct {
	StockTopReturn StockTopReturnConfig `koanf:"stock_top_return"`
	TopLiked       TopLikedConfig       `koanf:"top_liked"`
	MarketTopic    string               `koanf:"market_topic"`
	Boost          BoostConfig          `koanf:"boost"`
	Rerank         RerankConfig         `koanf:"rerank"`
	NoiseLevel     float64              `koanf:"noise_level"`
}

// CacheConfig holds the embedded badger cache settings.
type CacheConfig struct {
	Path     string `koanf:"path"`
	InMemory bool   `koanf:"in_memory"`
}

// Default returns the built-in defaults. Required fields (Mongo URI,
// search addresses, portfolio URL) are intentionally left empty.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			CORSOrigins:     []string{"*"},
			RateLimit:       100,
			RateLimitWindow: time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Mongo: MongoConfig{
			MaxPoolSize:          10,
			Timeout:              10 * time.Second,
			UsersCollection:      "user",
			ContentsCollection:   "curation",
			CandidatesCollection: "user_candidate",
			GlobalDataCollection: "global_data",
		},
		Search: SearchConfig{
			MaxConnsPerHost:        100,
			InteractionIndexPrefix: "curation-logs-",
			QuoteIndexPrefix:       "screen-",
			SeenTimeout:            500 * time.Millisecond,
			ReturnsTimeout:         800 * time.Millisecond,
		},
		Portfolio: PortfolioConfig{
			Timeout:    3 * time.Second,
			MaxRetries: 3,
			TopN:       50,
		},
		Scoring: ScoringConfig{
			SourceWeights:        SourceWeights{Global: 1.0, Local: 1.0, Other: 1.0},
			CFWeight:             1.0,
			CBWeight:             0.0,
			MinScoreThreshold:    0.0,
			MaxCandidatesPerUser: 500,
			CFUserHistoryLimit:   100,
			CFMinCoOccurrence:    2,
		},
		Online: OnlineConfig{
			RecommendationCount: 20,
			CoalesceInterval:    time.Second,
			CoalesceWorkers:     8,
			DispatchRate:        0,
			RequestTimeout:      5 * time.Second,
			SeenDays:            7,
			CandidateFallback:   true,
			FallbackLimit:       100,
			MetaCacheTTL:        10 * time.Minute,
			AnonymousCacheTTL:   5 * time.Minute,
		},
		Batch: BatchConfig{
			InteractionDays: 30,
			Workers:         0,
			SaveBatchSize:   500,
			FallbackDir:     ".",
			UserChunkSize:   1000,
		},
		Rules: RulesConfig{
			StockTopReturn: StockTopReturnConfig{
				TopN:             10,
				DaysBack:         7,
				MaxRecords:       3000,
				AllowedCountries: []string{"Korea", "USA"},
				MaxAbsReturn:     50.0,
			},
			TopLiked: TopLikedConfig{
				TopN:    50,
				MaxTopN: 1000,
			},
			MarketTopic: "시장",
			Boost: BoostConfig{
				Owned:      1.5,
				Recent:     1.3,
				Group1:     1.2,
				Onboarding: 1.1,
				TopReturn:  2.0,
			},
			Rerank: RerankConfig{
				Original:  1.0,
				MarketCap: 1.0,
				Recency:   1.0,
				Random:    1.0,
			},
			NoiseLevel: 0.01,
		},
		Cache: CacheConfig{
			Path:     "data/cache",
			InMemory: false,
		},
	}
}

// Load reads configuration from defaults, an optional YAML file, and
// RECURATE_* environment variables. Precedence: env > file > defaults.
//
// Environment variables map to config paths with a double underscore
// as the section separator:
//
//	RECURATE_MONGO__URI          -> mongo.uri
//	RECURATE_SCORING__CF_WEIGHT  -> scoring.cf_weight
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	envProvider := env.Provider("RECURATE_", ".", envTransform)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	return nil
}

// findConfigFile returns the first existing config file path, or "".
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envTransform maps RECURATE_SECTION__KEY_NAME to section.key_name.
func envTransform(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, "RECURATE_"))
	return strings.ReplaceAll(key, "__", ".")
}

// sliceConfigPaths are parsed from comma-separated env strings.
var sliceConfigPaths = []string{
	"server.cors_origins",
	"search.addresses",
	"rules.stock_top_return.allowed_countries",
}

// processSliceFields converts comma-separated strings to slices for the
// known slice fields. Env vars arrive as plain strings.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		strVal, ok := k.Get(path).(string)
		if !ok || strVal == "" {
			continue
		}
		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if len(trimmed) > 0 {
			if err := k.Set(path, trimmed); err != nil {
				return fmt.Errorf("set %s: %w", path, err)
			}
		}
	}
	return nil
}
