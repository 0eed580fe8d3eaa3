package provider

import (
	"fmt"
	"net/http"
)

const (
	APIOpenAI    = "openai-completions"
	APIAnthropic = "anthropic-messages"
)

// Config mirrors config.OracleConfig to avoid an import cycle.
type Config struct {
	ID       string
	Endpoint string
	APIKey   string
	API      string
	// HTTPClient overrides the default client when set.
	HTTPClient *http.Client
}

// FromConfig creates a Provider. The api field picks the wire format:
//   - "openai-completions"  -> OpenAI-compatible (vLLM, Ollama, OpenAI, ...)
//   - "anthropic-messages"  -> Anthropic Messages API
func FromConfig(cfg Config) (Provider, error) {
	id := cfg.ID
	if id == "" {
		id = "oracle"
	}
	switch cfg.API {
	case APIOpenAI, "":
		var opts []OpenAIOption
		if cfg.HTTPClient != nil {
			opts = append(opts, WithOpenAIHTTPClient(cfg.HTTPClient))
		}
		return NewOpenAIProvider(id, cfg.Endpoint, cfg.APIKey, opts...), nil
	case APIAnthropic:
		var opts []AnthropicOption
		if cfg.HTTPClient != nil {
			opts = append(opts, WithAnthropicHTTPClient(cfg.HTTPClient))
		}
		return NewAnthropicProvider(id, cfg.Endpoint, cfg.APIKey, opts...), nil
	default:
		return nil, fmt.Errorf("unknown api type %q for oracle %q (supported: %s, %s)",
			cfg.API, id, APIOpenAI, APIAnthropic)
	}
}
