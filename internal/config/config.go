// Package config loads application configuration from config.yaml and
// LEADGEN_-prefixed environment variables, and initializes the global logger.
package config

import (
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig               `yaml:"store" mapstructure:"store"`
	Extract    ExtractConfig             `yaml:"extract" mapstructure:"extract"`
	Reader     ReaderConfig              `yaml:"reader" mapstructure:"reader"`
	Anthropic  AnthropicConfig           `yaml:"anthropic" mapstructure:"anthropic"`
	Rate       RateConfig                `yaml:"rate" mapstructure:"rate"`
	Platforms  map[string]PlatformConfig `yaml:"platforms" mapstructure:"platforms"`
	Stages     map[string]StageConfig    `yaml:"stages" mapstructure:"stages"`
	Exclusions []ExclusionRule           `yaml:"exclusions" mapstructure:"exclusions"`
	Server     ServerConfig              `yaml:"server" mapstructure:"server"`
	Log        LogConfig                 `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ExtractConfig configures the structured-extraction service.
type ExtractConfig struct {
	Provider    string `yaml:"provider" mapstructure:"provider"`
	BaseURL     string `yaml:"base_url" mapstructure:"base_url"`
	Key         string `yaml:"key" mapstructure:"key"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxAgeHours int    `yaml:"max_age_hours" mapstructure:"max_age_hours"`
}

// Timeout returns the per-call extraction timeout.
func (c ExtractConfig) Timeout() time.Duration {
	if c.TimeoutSecs <= 0 {
		return 45 * time.Second
	}
	return time.Duration(c.TimeoutSecs) * time.Second
}

// MaxAge returns the acceptable cached-result age.
func (c ExtractConfig) MaxAge() time.Duration {
	if c.MaxAgeHours <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(c.MaxAgeHours) * time.Hour
}

// ReaderConfig configures the markdown reader used by the claude provider.
type ReaderConfig struct {
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Key     string `yaml:"key" mapstructure:"key"`
}

// AnthropicConfig holds Anthropic API settings for the claude provider.
type AnthropicConfig struct {
	Key   string `yaml:"key" mapstructure:"key"`
	Model string `yaml:"model" mapstructure:"model"`
}

// RateConfig is the shared (count, window) budget for outbound extraction
// calls. All step processors acquire from the same budget.
type RateConfig struct {
	Count      int `yaml:"count" mapstructure:"count"`
	WindowSecs int `yaml:"window_secs" mapstructure:"window_secs"`
}

// Window returns the budget window as a duration.
func (c RateConfig) Window() time.Duration {
	if c.WindowSecs <= 0 {
		return time.Minute
	}
	return time.Duration(c.WindowSecs) * time.Second
}

// PlatformConfig describes one directory source platform.
type PlatformConfig struct {
	PageSize       int    `yaml:"page_size" mapstructure:"page_size"`
	ListingURL     string `yaml:"listing_url" mapstructure:"listing_url"`
	LeadURLPattern string `yaml:"lead_url_pattern" mapstructure:"lead_url_pattern"`
}

// StageConfig holds the prompt and output schema for one pipeline stage.
// Stages are keyed by step number ("1".."5") in configuration.
type StageConfig struct {
	Prompt string `yaml:"prompt" mapstructure:"prompt"`
	Schema string `yaml:"schema" mapstructure:"schema"`
	Fresh  bool   `yaml:"fresh" mapstructure:"fresh"`
}

// Stage returns the configuration for a step number, or a zero value.
func (c *Config) Stage(step int) StageConfig {
	return c.Stages[strconv.Itoa(step)]
}

// ExclusionRule is one denylist entry evaluated against candidate names.
type ExclusionRule struct {
	Pattern         string `yaml:"pattern" mapstructure:"pattern"`
	CaseInsensitive bool   `yaml:"case_insensitive" mapstructure:"case_insensitive"`
}

// ServerConfig configures the job control API server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("LEADGEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("extract.provider", "http")
	v.SetDefault("extract.timeout_secs", 45)
	v.SetDefault("extract.max_age_hours", 24)
	v.SetDefault("reader.base_url", "https://r.jina.ai")
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("rate.count", 10)
	v.SetDefault("rate.window_secs", 60)
	v.SetDefault("platforms.ubereats.page_size", 21)
	v.SetDefault("platforms.ubereats.listing_url", "https://www.ubereats.com/feed")
	v.SetDefault("platforms.ubereats.lead_url_pattern", `^https://www\.ubereats\.com/store/[^/]+`)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	if len(cfg.Exclusions) == 0 {
		cfg.Exclusions = DefaultExclusions()
	}
	if len(cfg.Stages) == 0 {
		cfg.Stages = DefaultStages()
	}

	return &cfg, nil
}

// Platform returns the configuration for a platform id, with a 21-item
// page size fallback when the platform has no explicit entry.
func (c *Config) Platform(id string) PlatformConfig {
	p, ok := c.Platforms[id]
	if !ok {
		return PlatformConfig{PageSize: 21}
	}
	if p.PageSize <= 0 {
		p.PageSize = 21
	}
	return p
}

// DefaultExclusions returns the built-in denylist of national chains that
// should never become leads. Patterns tolerate spacing and punctuation
// variants at match time.
func DefaultExclusions() []ExclusionRule {
	brands := []string{
		"McDonald's",
		"Burger King",
		"KFC",
		"Subway",
		"Starbucks",
		"Domino's",
		"Pizza Hut",
		"Taco Bell",
		"Wendy's",
		"Dunkin",
		"Chipotle",
		"Popeyes",
		"Nando's",
	}
	rules := make([]ExclusionRule, len(brands))
	for i, b := range brands {
		rules[i] = ExclusionRule{Pattern: b, CaseInsensitive: true}
	}
	return rules
}

// DefaultStages returns built-in prompts and schemas for the five stages.
// Production deployments override these in config.yaml.
func DefaultStages() map[string]StageConfig {
	return map[string]StageConfig{
		"1": {
			Prompt: "List every business on this directory page. For each, return its display name and canonical store page URL.",
			Schema: `{"type":"object","properties":{"businesses":{"type":"array","items":{"type":"object","properties":{"name":{"type":"string"},"url":{"type":"string"}},"required":["name","url"]}}},"required":["businesses"]}`,
			Fresh:  true,
		},
		"2": {
			Prompt: "Extract this business's street address, city, region, country, star rating and review count from its directory page.",
			Schema: `{"type":"object","properties":{"address":{"type":["string","null"]},"city":{"type":["string","null"]},"region":{"type":["string","null"]},"country":{"type":["string","null"]},"rating":{"type":["number","null"]},"review_count":{"type":["integer","null"]}}}`,
		},
		"3": {
			Prompt: "Find this business's own website URL and public phone number.",
			Schema: `{"type":"object","properties":{"website":{"type":["string","null"]},"phone":{"type":["string","null"]}}}`,
		},
		"4": {
			Prompt: "Find this business's Facebook and Instagram profile URLs.",
			Schema: `{"type":"object","properties":{"facebook_url":{"type":["string","null"]},"instagram_url":{"type":["string","null"]}}}`,
		},
		"5": {
			Prompt: "Find the owner or manager of this business and their contact email and phone number.",
			Schema: `{"type":"object","properties":{"contact_name":{"type":["string","null"]},"contact_email":{"type":["string","null"]},"contact_phone":{"type":["string","null"]}}}`,
		},
	}
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
