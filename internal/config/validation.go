package config

import (
	"fmt"
	"net"
)

var (
	llmProviders       = map[string]bool{"anthropic": true, "openai": true}
	embeddingProviders = map[string]bool{"openai": true, "voyage": true, "cohere": true, "fallback": true}
	keyTypes           = map[string]bool{"ed25519": true, "secp256k1": true}
	journalBackends    = map[string]bool{"pebble": true, "leveldb": true, "memory": true}
)

// Validate checks ranges, enumerations, and cross-field rules on the
// complete configuration. Key material is checked for presence only; the
// keys package rejects malformed keys at load time.
func Validate(cfg *Config) error {
	if cfg.Chain.Endpoint == "" {
		return fmt.Errorf("chain.endpoint is required")
	}
	if cfg.Chain.RequestTimeoutMS <= 0 || cfg.Chain.WriteTimeoutMS <= 0 {
		return fmt.Errorf("chain timeouts must be positive")
	}
	if cfg.Chain.MaxRetries < 0 {
		return fmt.Errorf("chain.max_retries must be >= 0")
	}
	if cfg.Chain.BreakerThreshold <= 0 {
		return fmt.Errorf("chain.breaker_threshold must be positive")
	}

	if !keyTypes[cfg.Mediator.KeyType] {
		return fmt.Errorf("mediator.key_type must be ed25519 or secp256k1, got %q", cfg.Mediator.KeyType)
	}
	if cfg.Mediator.FeePercent < 0 || cfg.Mediator.FeePercent > 100 {
		return fmt.Errorf("mediator.fee_percent must be in [0,100], got %v", cfg.Mediator.FeePercent)
	}
	if cfg.Mediator.AcceptanceWindowHours <= 0 {
		return fmt.Errorf("mediator.acceptance_window_hours must be positive")
	}

	if !llmProviders[cfg.LLM.Provider] {
		return fmt.Errorf("llm.provider must be anthropic or openai, got %q", cfg.LLM.Provider)
	}
	if cfg.LLM.Model == "" {
		return fmt.Errorf("llm.model is required")
	}
	if cfg.LLM.MaxTokens <= 0 {
		return fmt.Errorf("llm.max_tokens must be positive")
	}

	if !embeddingProviders[cfg.Embedding.Provider] {
		return fmt.Errorf("embedding.provider must be one of openai, voyage, cohere, fallback; got %q", cfg.Embedding.Provider)
	}
	if cfg.Embedding.Dimensions <= 0 {
		return fmt.Errorf("embedding.dimensions must be positive")
	}
	if cfg.Engine.Production && cfg.Embedding.Provider == "fallback" {
		return fmt.Errorf("embedding.provider fallback is not allowed in production")
	}

	if cfg.Engine.CyclePeriodMS <= 0 || cfg.Engine.IngestPeriodMS <= 0 || cfg.Engine.MonitorPeriodMS <= 0 {
		return fmt.Errorf("engine loop periods must be positive")
	}
	if cfg.Engine.MinConfidence < 0 || cfg.Engine.MinConfidence > 1 {
		return fmt.Errorf("engine.min_confidence must be in [0,1], got %v", cfg.Engine.MinConfidence)
	}
	if cfg.Engine.MinSimilarity < 0 || cfg.Engine.MinSimilarity > 1 {
		return fmt.Errorf("engine.min_similarity must be in [0,1], got %v", cfg.Engine.MinSimilarity)
	}
	if cfg.Engine.MaxPerCycle <= 0 {
		return fmt.Errorf("engine.max_per_cycle must be positive")
	}
	if cfg.Engine.TopK <= 0 {
		return fmt.Errorf("engine.top_k must be positive")
	}
	if cfg.Engine.LLMCallsPerCycle < cfg.Engine.MaxPerCycle {
		return fmt.Errorf("engine.llm_calls_per_cycle (%d) must be >= engine.max_per_cycle (%d)",
			cfg.Engine.LLMCallsPerCycle, cfg.Engine.MaxPerCycle)
	}
	if cfg.Engine.ShutdownGraceMS <= 0 {
		return fmt.Errorf("engine.shutdown_grace_ms must be positive")
	}

	if cfg.Vector.MaxElements <= 0 {
		return fmt.Errorf("vector.max_elements must be positive")
	}
	if cfg.Vector.EfConstruction <= 0 || cfg.Vector.EfSearch <= 0 || cfg.Vector.M <= 1 {
		return fmt.Errorf("vector hnsw parameters must be positive (m > 1)")
	}

	if !journalBackends[cfg.Storage.Backend] {
		return fmt.Errorf("storage.backend must be one of pebble, leveldb, memory; got %q", cfg.Storage.Backend)
	}

	if cfg.Challenge.MinConfidence < 0 || cfg.Challenge.MinConfidence > 1 {
		return fmt.Errorf("challenge.min_confidence must be in [0,1], got %v", cfg.Challenge.MinConfidence)
	}
	if cfg.Challenge.Enabled && cfg.Challenge.ScanLimit <= 0 {
		return fmt.Errorf("challenge.scan_limit must be positive when challenges are enabled")
	}

	if cfg.Server.Enabled {
		if _, _, err := net.SplitHostPort(cfg.Server.Listen); err != nil {
			return fmt.Errorf("server.listen is not a host:port address: %w", err)
		}
	}

	return nil
}
