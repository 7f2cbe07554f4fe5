package config

import "github.com/spf13/viper"

// setDefaults sets every recognised option to its documented default.
func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "data")

	// Chain adapter
	v.SetDefault("chain.endpoint", "http://localhost:8080")
	v.SetDefault("chain.chain_id", "intentchain-local")
	v.SetDefault("chain.request_timeout_ms", 10000)
	v.SetDefault("chain.write_timeout_ms", 15000)
	v.SetDefault("chain.max_retries", 4)
	v.SetDefault("chain.breaker_threshold", 5)
	v.SetDefault("chain.breaker_cooldown_ms", 30000)

	// Mediator identity and fee policy
	v.SetDefault("mediator.key_type", "ed25519")
	v.SetDefault("mediator.fee_percent", 2.0)
	v.SetDefault("mediator.acceptance_window_hours", 72)

	// Negotiation LLM
	v.SetDefault("llm.provider", "anthropic")
	v.SetDefault("llm.model", "claude-sonnet-4-20250514")
	v.SetDefault("llm.max_tokens", 1024)
	v.SetDefault("llm.timeout_ms", 30000)

	// Embeddings
	v.SetDefault("embedding.provider", "fallback")
	v.SetDefault("embedding.model", "text-embedding-3-small")
	v.SetDefault("embedding.dimensions", 256)
	v.SetDefault("embedding.timeout_ms", 30000)

	// Engine loops and budgets
	v.SetDefault("engine.cycle_period_ms", 30000)
	v.SetDefault("engine.ingest_period_ms", 10000)
	v.SetDefault("engine.monitor_period_ms", 60000)
	v.SetDefault("engine.min_confidence", 0.6)
	v.SetDefault("engine.min_similarity", 0.5)
	v.SetDefault("engine.max_per_cycle", 3)
	v.SetDefault("engine.top_k", 20)
	v.SetDefault("engine.llm_calls_per_cycle", 6)
	v.SetDefault("engine.cycle_budget_ms", 25000)
	v.SetDefault("engine.shutdown_grace_ms", 10000)
	v.SetDefault("engine.production", false)

	// Vector index
	v.SetDefault("vector.max_elements", 10000)
	v.SetDefault("vector.ef_construction", 200)
	v.SetDefault("vector.ef_search", 64)
	v.SetDefault("vector.m", 16)

	// Submission journal
	v.SetDefault("storage.backend", "pebble")

	// Challenge scanning
	v.SetDefault("challenge.enabled", true)
	v.SetDefault("challenge.min_confidence", 0.8)
	v.SetDefault("challenge.scan_window_hours", 24)
	v.SetDefault("challenge.scan_limit", 25)

	// Local status server
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.listen", "127.0.0.1:7421")

	// Logging
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}
