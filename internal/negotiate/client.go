package negotiate

import (
	"fmt"

	"github.com/meshalign/alignd/internal/config"
)

// NewClient builds the configured negotiation backend.
func NewClient(cfg *config.Config) (Client, error) {
	lc := cfg.LLM
	switch lc.Provider {
	case "anthropic":
		if lc.APIKey == "" {
			return nil, fmt.Errorf("llm.api_key is required for provider anthropic")
		}
		return newAnthropicClient(lc), nil
	case "openai":
		if lc.APIKey == "" {
			return nil, fmt.Errorf("llm.api_key is required for provider openai")
		}
		return newOpenAIClient(lc), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", lc.Provider)
	}
}
