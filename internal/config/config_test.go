package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsOnly(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8080", cfg.Chain.Endpoint)
	assert.Equal(t, "intentchain-local", cfg.Chain.ChainID)
	assert.Equal(t, 2.0, cfg.Mediator.FeePercent)
	assert.Equal(t, 72*time.Hour, cfg.AcceptanceWindow())
	assert.Equal(t, 0.6, cfg.Engine.MinConfidence)
	assert.Equal(t, 0.5, cfg.Engine.MinSimilarity)
	assert.Equal(t, 3, cfg.Engine.MaxPerCycle)
	assert.Equal(t, 20, cfg.Engine.TopK)
	assert.Equal(t, 10*time.Second, cfg.IngestPeriod())
	assert.Equal(t, 30*time.Second, cfg.CyclePeriod())
	assert.Equal(t, time.Minute, cfg.MonitorPeriod())
	assert.Equal(t, 10*time.Second, cfg.ShutdownGrace())
	assert.Equal(t, 10000, cfg.Vector.MaxElements)
	assert.Equal(t, 0.8, cfg.Challenge.MinConfidence)
	assert.True(t, cfg.Challenge.Enabled)
	assert.Equal(t, "pebble", cfg.Storage.Backend)
	assert.Equal(t, filepath.Join("data", "vectors"), cfg.VectorDir())
	assert.Equal(t, filepath.Join("data", "reputation.json"), cfg.ReputationPath())
	assert.Empty(t, cfg.GetConfigPath())
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "alignd.toml")
	content := `
data_dir = "/var/lib/alignd"

[chain]
endpoint = "http://ledger.internal:9090"
chain_id = "intentchain-main"

[mediator]
public_key = "ED01"
private_key = "deadbeef"
fee_percent = 3.5

[embedding]
provider = "openai"
api_key = "sk-test"
dimensions = 512

[engine]
cycle_period_ms = 5000
production = true

[vector]
path = "/fast/vectors"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "http://ledger.internal:9090", cfg.Chain.Endpoint)
	assert.Equal(t, "intentchain-main", cfg.Chain.ChainID)
	assert.Equal(t, 3.5, cfg.Mediator.FeePercent)
	assert.Equal(t, 512, cfg.Embedding.Dimensions)
	assert.Equal(t, 5*time.Second, cfg.CyclePeriod())
	assert.True(t, cfg.Engine.Production)
	assert.Equal(t, "/fast/vectors", cfg.VectorDir())
	assert.Equal(t, filepath.Join("/var/lib/alignd", "journal"), cfg.JournalDir())
	assert.Equal(t, path, cfg.GetConfigPath())

	// File values must not disturb untouched defaults.
	assert.Equal(t, 0.6, cfg.Engine.MinConfidence)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist")
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("ALIGND_CHAIN_ENDPOINT", "http://env-ledger:7000")
	t.Setenv("ALIGND_ENGINE_MAX_PER_CYCLE", "5")
	t.Setenv("ALIGND_ENGINE_LLM_CALLS_PER_CYCLE", "10")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "http://env-ledger:7000", cfg.Chain.Endpoint)
	assert.Equal(t, 5, cfg.Engine.MaxPerCycle)
}

func TestValidateRejections(t *testing.T) {
	base := func() *Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		detail string
	}{
		{"bad llm provider", func(c *Config) { c.LLM.Provider = "llama-at-home" }, "llm.provider"},
		{"bad embedding provider", func(c *Config) { c.Embedding.Provider = "tfidf" }, "embedding.provider"},
		{"fallback in production", func(c *Config) { c.Engine.Production = true }, "not allowed in production"},
		{"fee percent range", func(c *Config) { c.Mediator.FeePercent = 101 }, "fee_percent"},
		{"confidence range", func(c *Config) { c.Engine.MinConfidence = 1.5 }, "min_confidence"},
		{"similarity range", func(c *Config) { c.Engine.MinSimilarity = -0.1 }, "min_similarity"},
		{"zero cycle period", func(c *Config) { c.Engine.CyclePeriodMS = 0 }, "loop periods"},
		{"llm budget below per-cycle", func(c *Config) { c.Engine.LLMCallsPerCycle = 1 }, "llm_calls_per_cycle"},
		{"bad backend", func(c *Config) { c.Storage.Backend = "etcd" }, "storage.backend"},
		{"bad key type", func(c *Config) { c.Mediator.KeyType = "rsa" }, "key_type"},
		{"bad listen", func(c *Config) { c.Server.Listen = "not-an-addr" }, "server.listen"},
		{"challenge confidence", func(c *Config) { c.Challenge.MinConfidence = 2 }, "challenge.min_confidence"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := Validate(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.detail)
		})
	}
}
