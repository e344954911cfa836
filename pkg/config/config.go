// Package config holds the kernel configuration object. Every numeric policy
// knob lives here; code paths never embed literal thresholds.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables honored by Load.
const (
	EnvDevMode       = "DEV_MODE"
	EnvAllowUnsigned = "ALLOW_UNSIGNED"
)

// Config is the validated kernel configuration.
type Config struct {
	Root string `yaml:"root" json:"root"`

	DevMode       bool `yaml:"dev_mode" json:"dev_mode"`
	AllowUnsigned bool `yaml:"allow_unsigned" json:"allow_unsigned"`

	Ledger   LedgerConfig   `yaml:"ledger" json:"ledger"`
	Query    QueryConfig    `yaml:"query" json:"query"`
	Budget   BudgetConfig   `yaml:"budget" json:"budget"`
	Gateway  GatewayConfig  `yaml:"gateway" json:"gateway"`
	Attention AttentionConfig `yaml:"attention" json:"attention"`
	Session  SessionConfig  `yaml:"session" json:"session"`
	Metering MeteringConfig `yaml:"metering" json:"metering"`

	// Tools maps tool names to WASI module paths, registered per turn on the
	// executing stack.
	Tools map[string]string `yaml:"tools,omitempty" json:"tools,omitempty"`
}

// LedgerConfig controls segment rotation.
type LedgerConfig struct {
	MaxSegmentBytes   int64 `yaml:"max_segment_bytes" json:"max_segment_bytes"`
	MaxSegmentEntries int   `yaml:"max_segment_entries" json:"max_segment_entries"`
}

// QueryConfig controls LedgerQuery paging and index freshness.
type QueryConfig struct {
	MaxPageSize           int   `yaml:"max_page_size" json:"max_page_size"`
	IndexRebuildThreshold int   `yaml:"index_rebuild_threshold" json:"index_rebuild_threshold"`
	IndexTTLSeconds       int64 `yaml:"index_ttl_seconds" json:"index_ttl_seconds"`
	QueryTimeoutMs        int64 `yaml:"query_timeout_ms" json:"query_timeout_ms"`
}

// BudgetConfig holds default token allocations.
type BudgetConfig struct {
	SessionTokens int `yaml:"session_tokens" json:"session_tokens"`
	WorkOrderTokens int `yaml:"work_order_tokens" json:"work_order_tokens"`
	CallTokens    int `yaml:"call_tokens" json:"call_tokens"`
}

// GatewayConfig controls the LLM gateway pipeline.
type GatewayConfig struct {
	BreakerThreshold   int   `yaml:"breaker_threshold" json:"breaker_threshold"`
	BreakerWindowMs    int64 `yaml:"breaker_window_ms" json:"breaker_window_ms"`
	ProviderTimeoutSec int   `yaml:"provider_timeout_seconds" json:"provider_timeout_seconds"`
	ProviderConcurrency int  `yaml:"provider_concurrency" json:"provider_concurrency"`
	ProviderRatePerSec float64 `yaml:"provider_rate_per_second" json:"provider_rate_per_second"`
}

// AttentionConfig controls context assembly budgets and caching.
type AttentionConfig struct {
	CharsPerToken    int    `yaml:"chars_per_token" json:"chars_per_token"`
	MaxContextTokens int    `yaml:"max_context_tokens" json:"max_context_tokens"`
	MaxQueries       int    `yaml:"max_queries" json:"max_queries"`
	TimeoutMs        int64  `yaml:"timeout_ms" json:"timeout_ms"`
	CacheTTLSeconds  int64  `yaml:"cache_ttl_seconds" json:"cache_ttl_seconds"`
	RedisAddr        string `yaml:"redis_addr" json:"redis_addr"`
	TemplateDir      string `yaml:"template_dir" json:"template_dir"`
}

// SessionConfig controls SessionHost behavior.
type SessionConfig struct {
	IdleTimeoutSec int `yaml:"idle_timeout_seconds" json:"idle_timeout_seconds"`
	TurnLimit      int `yaml:"turn_limit" json:"turn_limit"`
}

// MeteringConfig controls the usage meter.
type MeteringConfig struct {
	DatabasePath string `yaml:"database_path" json:"database_path"`
	Enabled      bool   `yaml:"enabled" json:"enabled"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Ledger: LedgerConfig{
			MaxSegmentBytes:   1 << 20,
			MaxSegmentEntries: 10000,
		},
		Query: QueryConfig{
			MaxPageSize:           500,
			IndexRebuildThreshold: 256,
			IndexTTLSeconds:       30,
			QueryTimeoutMs:        5000,
		},
		Budget: BudgetConfig{
			SessionTokens:   100000,
			WorkOrderTokens: 8000,
			CallTokens:      4000,
		},
		Gateway: GatewayConfig{
			BreakerThreshold:    5,
			BreakerWindowMs:     10000,
			ProviderTimeoutSec:  60,
			ProviderConcurrency: 4,
			ProviderRatePerSec:  10,
		},
		Attention: AttentionConfig{
			CharsPerToken:    4,
			MaxContextTokens: 4000,
			MaxQueries:       8,
			TimeoutMs:        2000,
			CacheTTLSeconds:  60,
		},
		Session: SessionConfig{
			IdleTimeoutSec: 1800,
			TurnLimit:      50,
		},
		Metering: MeteringConfig{Enabled: false},
	}
}

// Load reads a YAML config file over the defaults, then applies environment
// overrides. path may be empty.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("CONTROL_PLANE_ROOT"); v != "" {
		c.Root = v
	}
	if os.Getenv(EnvDevMode) == "true" || os.Getenv(EnvDevMode) == "1" {
		c.DevMode = true
	}
	if os.Getenv(EnvAllowUnsigned) == "true" || os.Getenv(EnvAllowUnsigned) == "1" {
		c.AllowUnsigned = true
	}
}

// Validate rejects configurations the kernel cannot run with.
func (c *Config) Validate() error {
	if c.Ledger.MaxSegmentBytes <= 0 {
		return fmt.Errorf("config: ledger.max_segment_bytes must be positive")
	}
	if c.Ledger.MaxSegmentEntries <= 0 {
		return fmt.Errorf("config: ledger.max_segment_entries must be positive")
	}
	if c.Query.MaxPageSize <= 0 {
		return fmt.Errorf("config: query.max_page_size must be positive")
	}
	if c.Budget.SessionTokens <= 0 || c.Budget.WorkOrderTokens <= 0 || c.Budget.CallTokens <= 0 {
		return fmt.Errorf("config: budget allocations must be positive")
	}
	if c.Budget.WorkOrderTokens > c.Budget.SessionTokens {
		return fmt.Errorf("config: budget.work_order_tokens exceeds session allocation")
	}
	if c.Gateway.BreakerThreshold <= 0 || c.Gateway.BreakerWindowMs <= 0 {
		return fmt.Errorf("config: gateway breaker settings must be positive")
	}
	if c.Attention.CharsPerToken <= 0 {
		return fmt.Errorf("config: attention.chars_per_token must be positive")
	}
	if c.Attention.MaxContextTokens <= 0 || c.Attention.MaxQueries <= 0 {
		return fmt.Errorf("config: attention budgets must be positive")
	}
	return nil
}

// BreakerWindow returns the circuit breaker rolling window.
func (c *Config) BreakerWindow() time.Duration {
	return time.Duration(c.Gateway.BreakerWindowMs) * time.Millisecond
}

// ProviderTimeout returns the gateway provider timeout.
func (c *Config) ProviderTimeout() time.Duration {
	return time.Duration(c.Gateway.ProviderTimeoutSec) * time.Second
}

// AttentionTimeout returns the attention pipeline deadline.
func (c *Config) AttentionTimeout() time.Duration {
	return time.Duration(c.Attention.TimeoutMs) * time.Millisecond
}
