// Package config loads and validates the alignd configuration from its
// TOML file and ALIGND_-prefixed environment variables.
package config

import (
	"path/filepath"
	"time"
)

// Config is the complete alignd configuration.
type Config struct {
	// Data directory; all persisted state lives under it.
	DataDir string `toml:"data_dir" mapstructure:"data_dir"`

	Chain      ChainConfig      `toml:"chain" mapstructure:"chain"`
	Mediator   MediatorConfig   `toml:"mediator" mapstructure:"mediator"`
	LLM        LLMConfig        `toml:"llm" mapstructure:"llm"`
	Embedding  EmbeddingConfig  `toml:"embedding" mapstructure:"embedding"`
	Engine     EngineConfig     `toml:"engine" mapstructure:"engine"`
	Vector     VectorConfig     `toml:"vector" mapstructure:"vector"`
	Storage    StorageConfig    `toml:"storage" mapstructure:"storage"`
	Challenge  ChallengeConfig  `toml:"challenge" mapstructure:"challenge"`
	Reputation ReputationConfig `toml:"reputation" mapstructure:"reputation"`
	Server     ServerConfig     `toml:"server" mapstructure:"server"`
	Log        LogConfig        `toml:"log" mapstructure:"log"`

	configPath string
}

// ChainConfig points the adapter at the intent ledger.
type ChainConfig struct {
	Endpoint          string `toml:"endpoint" mapstructure:"endpoint"`
	ChainID           string `toml:"chain_id" mapstructure:"chain_id"`
	RequestTimeoutMS  int    `toml:"request_timeout_ms" mapstructure:"request_timeout_ms"`
	WriteTimeoutMS    int    `toml:"write_timeout_ms" mapstructure:"write_timeout_ms"`
	MaxRetries        int    `toml:"max_retries" mapstructure:"max_retries"`
	BreakerThreshold  int    `toml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerCooldownMS int    `toml:"breaker_cooldown_ms" mapstructure:"breaker_cooldown_ms"`
}

// MediatorConfig is this process's on-chain identity and fee policy.
type MediatorConfig struct {
	PublicKey             string  `toml:"public_key" mapstructure:"public_key"`
	PrivateKey            string  `toml:"private_key" mapstructure:"private_key"`
	KeyType               string  `toml:"key_type" mapstructure:"key_type"`
	FeePercent            float64 `toml:"fee_percent" mapstructure:"fee_percent"`
	AcceptanceWindowHours int     `toml:"acceptance_window_hours" mapstructure:"acceptance_window_hours"`
}

// LLMConfig selects the negotiation model backend.
type LLMConfig struct {
	Provider  string `toml:"provider" mapstructure:"provider"`
	APIKey    string `toml:"api_key" mapstructure:"api_key"`
	Model     string `toml:"model" mapstructure:"model"`
	MaxTokens int    `toml:"max_tokens" mapstructure:"max_tokens"`
	TimeoutMS int    `toml:"timeout_ms" mapstructure:"timeout_ms"`
}

// EmbeddingConfig selects the embedding backend.
type EmbeddingConfig struct {
	Provider   string `toml:"provider" mapstructure:"provider"`
	APIKey     string `toml:"api_key" mapstructure:"api_key"`
	Model      string `toml:"model" mapstructure:"model"`
	Dimensions int    `toml:"dimensions" mapstructure:"dimensions"`
	TimeoutMS  int    `toml:"timeout_ms" mapstructure:"timeout_ms"`
}

// EngineConfig tunes the three loops and the per-cycle budgets.
type EngineConfig struct {
	CyclePeriodMS    int     `toml:"cycle_period_ms" mapstructure:"cycle_period_ms"`
	IngestPeriodMS   int     `toml:"ingest_period_ms" mapstructure:"ingest_period_ms"`
	MonitorPeriodMS  int     `toml:"monitor_period_ms" mapstructure:"monitor_period_ms"`
	MinConfidence    float64 `toml:"min_confidence" mapstructure:"min_confidence"`
	MinSimilarity    float64 `toml:"min_similarity" mapstructure:"min_similarity"`
	MaxPerCycle      int     `toml:"max_per_cycle" mapstructure:"max_per_cycle"`
	TopK             int     `toml:"top_k" mapstructure:"top_k"`
	LLMCallsPerCycle int     `toml:"llm_calls_per_cycle" mapstructure:"llm_calls_per_cycle"`
	CycleBudgetMS    int     `toml:"cycle_budget_ms" mapstructure:"cycle_budget_ms"`
	ShutdownGraceMS  int     `toml:"shutdown_grace_ms" mapstructure:"shutdown_grace_ms"`
	Production       bool    `toml:"production" mapstructure:"production"`
}

// VectorConfig tunes the ANN index.
type VectorConfig struct {
	Path           string `toml:"path" mapstructure:"path"`
	MaxElements    int    `toml:"max_elements" mapstructure:"max_elements"`
	EfConstruction int    `toml:"ef_construction" mapstructure:"ef_construction"`
	EfSearch       int    `toml:"ef_search" mapstructure:"ef_search"`
	M              int    `toml:"m" mapstructure:"m"`
}

// StorageConfig selects the submission journal backend.
type StorageConfig struct {
	Backend string `toml:"backend" mapstructure:"backend"`
	Path    string `toml:"path" mapstructure:"path"`
}

// ChallengeConfig controls scanning of foreign settlements.
type ChallengeConfig struct {
	Enabled         bool    `toml:"enabled" mapstructure:"enabled"`
	MinConfidence   float64 `toml:"min_confidence" mapstructure:"min_confidence"`
	ScanWindowHours int     `toml:"scan_window_hours" mapstructure:"scan_window_hours"`
	ScanLimit       int     `toml:"scan_limit" mapstructure:"scan_limit"`
}

// ReputationConfig locates the local counter cache.
type ReputationConfig struct {
	Path string `toml:"path" mapstructure:"path"`
}

// ServerConfig controls the local status/metrics listener.
type ServerConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	Listen  string `toml:"listen" mapstructure:"listen"`
}

// LogConfig controls logging output.
type LogConfig struct {
	Level  string `toml:"level" mapstructure:"level"`
	Format string `toml:"format" mapstructure:"format"`
}

// GetConfigPath returns the path the configuration was loaded from, or ""
// when only defaults and environment were used.
func (c *Config) GetConfigPath() string { return c.configPath }

// VectorDir resolves the vector index directory.
func (c *Config) VectorDir() string {
	if c.Vector.Path != "" {
		return c.Vector.Path
	}
	return filepath.Join(c.DataDir, "vectors")
}

// JournalDir resolves the submission journal directory.
func (c *Config) JournalDir() string {
	if c.Storage.Path != "" {
		return c.Storage.Path
	}
	return filepath.Join(c.DataDir, "journal")
}

// ReputationPath resolves the reputation cache file.
func (c *Config) ReputationPath() string {
	if c.Reputation.Path != "" {
		return c.Reputation.Path
	}
	return filepath.Join(c.DataDir, "reputation.json")
}

// RequestTimeout returns the chain read timeout.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Chain.RequestTimeoutMS) * time.Millisecond
}

// WriteTimeout returns the chain write timeout.
func (c *Config) WriteTimeout() time.Duration {
	return time.Duration(c.Chain.WriteTimeoutMS) * time.Millisecond
}

// BreakerCooldown returns the circuit breaker open interval.
func (c *Config) BreakerCooldown() time.Duration {
	return time.Duration(c.Chain.BreakerCooldownMS) * time.Millisecond
}

// CyclePeriod returns the alignment cycle period.
func (c *Config) CyclePeriod() time.Duration {
	return time.Duration(c.Engine.CyclePeriodMS) * time.Millisecond
}

// IngestPeriod returns the ingest loop period.
func (c *Config) IngestPeriod() time.Duration {
	return time.Duration(c.Engine.IngestPeriodMS) * time.Millisecond
}

// MonitorPeriod returns the settlement monitor period.
func (c *Config) MonitorPeriod() time.Duration {
	return time.Duration(c.Engine.MonitorPeriodMS) * time.Millisecond
}

// CycleBudget returns the wall-clock budget of one cycle.
func (c *Config) CycleBudget() time.Duration {
	return time.Duration(c.Engine.CycleBudgetMS) * time.Millisecond
}

// ShutdownGrace returns the drain deadline applied at shutdown.
func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.Engine.ShutdownGraceMS) * time.Millisecond
}

// AcceptanceWindow returns the settlement acceptance window.
func (c *Config) AcceptanceWindow() time.Duration {
	return time.Duration(c.Mediator.AcceptanceWindowHours) * time.Hour
}

// LLMTimeout returns the negotiation call timeout.
func (c *Config) LLMTimeout() time.Duration {
	return time.Duration(c.LLM.TimeoutMS) * time.Millisecond
}

// EmbeddingTimeout returns the embedding call timeout.
func (c *Config) EmbeddingTimeout() time.Duration {
	return time.Duration(c.Embedding.TimeoutMS) * time.Millisecond
}

// ChallengeScanWindow returns how far back the challenge scan looks.
func (c *Config) ChallengeScanWindow() time.Duration {
	return time.Duration(c.Challenge.ScanWindowHours) * time.Hour
}
