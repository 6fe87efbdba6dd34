// Package config holds the explicit engine configuration: every recognized
// option is a struct field with a default, an environment override, and
// validation at load time. Misconfiguration fails at startup, not mid-query.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Strategy names the embedding strategy selected at construction.
// There is no implicit runtime fallback between the two.
const (
	StrategyOpenAI        = "openai"
	StrategyDeterministic = "deterministic"
)

type Config struct {
	Server   ServerConfig
	Provider ProviderConfig
	Engine   EngineConfig
	Storage  StorageConfig
	Log      LogConfig
}

type ServerConfig struct {
	Port    int
	MCPPort int
}

// ProviderConfig targets an OpenAI-compatible API for embeddings and chat.
type ProviderConfig struct {
	BaseURL    string
	APIKey     string
	EmbedModel string
	ChatModel  string
	Timeout    time.Duration
}

type EngineConfig struct {
	// Strategy selects the embedding implementation: "openai" calls the
	// configured provider, "deterministic" derives vectors from content
	// hashes (offline mode, tests).
	Strategy      string
	CacheTTL      time.Duration
	CacheCapacity int
	TopK          int
	PerCategoryK  int
	Taxonomy      []string
}

type StorageConfig struct {
	DataDir        string
	BundleMaxBytes int64
}

type LogConfig struct {
	Level string
}

// DefaultTaxonomy is the fixed ordered category list used when none is
// configured. Category-balanced retrieval always answers in this order.
var DefaultTaxonomy = []string{"Business", "RealEstate", "Technology", "Finance", "Legal"}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:    4200,
			MCPPort: 4201,
		},
		Provider: ProviderConfig{
			BaseURL:    "https://api.openai.com/v1",
			EmbedModel: "text-embedding-3-small",
			ChatModel:  "gpt-4o-mini",
			Timeout:    30 * time.Second,
		},
		Engine: EngineConfig{
			Strategy:      StrategyOpenAI,
			CacheTTL:      24 * time.Hour,
			CacheCapacity: 2048,
			TopK:          5,
			PerCategoryK:  2,
			Taxonomy:      DefaultTaxonomy,
		},
		Storage: StorageConfig{
			DataDir:        defaultDataDir(),
			BundleMaxBytes: 256 << 20, // 256MB
		},
		Log: LogConfig{Level: "info"},
	}
}

func defaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "sub000")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".local", "share", "sub000")
}

// Load reads configuration from defaults plus SUB000_* environment
// variables, then validates. A missing API key for the openai strategy is
// a load-time error so misconfiguration is caught at startup.
func Load() (Config, error) {
	cfg := defaults()
	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}

	setInt("SUB000_PORT", &cfg.Server.Port)
	setInt("SUB000_MCP_PORT", &cfg.Server.MCPPort)

	setString("SUB000_PROVIDER_BASE_URL", &cfg.Provider.BaseURL)
	setString("SUB000_API_KEY", &cfg.Provider.APIKey)
	setString("SUB000_EMBED_MODEL", &cfg.Provider.EmbedModel)
	setString("SUB000_CHAT_MODEL", &cfg.Provider.ChatModel)
	setDuration("SUB000_PROVIDER_TIMEOUT", &cfg.Provider.Timeout)

	setString("SUB000_STRATEGY", &cfg.Engine.Strategy)
	setDuration("SUB000_CACHE_TTL", &cfg.Engine.CacheTTL)
	setInt("SUB000_CACHE_CAPACITY", &cfg.Engine.CacheCapacity)
	setInt("SUB000_TOP_K", &cfg.Engine.TopK)
	setInt("SUB000_PER_CATEGORY_K", &cfg.Engine.PerCategoryK)
	if v := os.Getenv("SUB000_TAXONOMY"); v != "" {
		parts := strings.Split(v, ",")
		taxonomy := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				taxonomy = append(taxonomy, p)
			}
		}
		if len(taxonomy) > 0 {
			cfg.Engine.Taxonomy = taxonomy
		}
	}

	setString("SUB000_DATA_DIR", &cfg.Storage.DataDir)
	if v := os.Getenv("SUB000_BUNDLE_MAX_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Storage.BundleMaxBytes = n
		}
	}

	setString("SUB000_LOG_LEVEL", &cfg.Log.Level)
}

// Validate checks every recognized option. Errors here are fatal at startup.
func (c Config) Validate() error {
	switch c.Engine.Strategy {
	case StrategyOpenAI:
		if c.Provider.APIKey == "" {
			return fmt.Errorf("missing required config: provider API key. " +
				"Set it via environment variable SUB000_API_KEY, " +
				"or select SUB000_STRATEGY=deterministic for offline mode")
		}
	case StrategyDeterministic:
		// No credentials needed.
	default:
		return fmt.Errorf("unknown embedding strategy %q (want %q or %q)",
			c.Engine.Strategy, StrategyOpenAI, StrategyDeterministic)
	}

	if c.Provider.EmbedModel == "" {
		return fmt.Errorf("embed model must not be empty")
	}
	if c.Provider.ChatModel == "" {
		return fmt.Errorf("chat model must not be empty")
	}
	if c.Provider.Timeout <= 0 {
		return fmt.Errorf("provider timeout must be positive, got %s", c.Provider.Timeout)
	}
	if c.Engine.CacheTTL <= 0 {
		return fmt.Errorf("cache TTL must be positive, got %s", c.Engine.CacheTTL)
	}
	if c.Engine.CacheCapacity <= 0 {
		return fmt.Errorf("cache capacity must be positive, got %d", c.Engine.CacheCapacity)
	}
	if c.Engine.TopK <= 0 {
		return fmt.Errorf("top-k must be positive, got %d", c.Engine.TopK)
	}
	if c.Engine.PerCategoryK <= 0 {
		return fmt.Errorf("per-category k must be positive, got %d", c.Engine.PerCategoryK)
	}
	if len(c.Engine.Taxonomy) == 0 {
		return fmt.Errorf("taxonomy must not be empty")
	}
	seen := make(map[string]bool, len(c.Engine.Taxonomy))
	for _, cat := range c.Engine.Taxonomy {
		if cat == "" {
			return fmt.Errorf("taxonomy contains an empty category name")
		}
		if seen[cat] {
			return fmt.Errorf("taxonomy contains duplicate category %q", cat)
		}
		seen[cat] = true
	}
	if c.Storage.BundleMaxBytes <= 0 {
		return fmt.Errorf("bundle size limit must be positive, got %d", c.Storage.BundleMaxBytes)
	}
	return nil
}
