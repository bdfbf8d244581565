package llm

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/WessleyAI/shopbot/pkg/config"
	"github.com/WessleyAI/shopbot/pkg/metrics"
	"github.com/WessleyAI/shopbot/pkg/ollama"
)

// NewProvider builds the provider described by pc.
func NewProvider(pc config.ProviderConfig) (Provider, error) {
	switch pc.Kind {
	case "openai":
		return NewOpenAI(OpenAIOpts{Name: pc.Name, BaseURL: pc.BaseURL, APIKey: pc.APIKey(), Model: pc.Model}), nil
	case "ollama":
		return NewOllama(pc.Name, pc.BaseURL, pc.Model), nil
	default:
		return nil, fmt.Errorf("llm: unknown provider kind %q", pc.Kind)
	}
}

// ChainFromConfig builds a chain from the ordered provider list.
func ChainFromConfig(pcs []config.ProviderConfig, log *slog.Logger, m *metrics.Pipeline) (*Chain, error) {
	c := NewChain(log, m)
	for _, pc := range pcs {
		p, err := NewProvider(pc)
		if err != nil {
			return nil, err
		}
		c.Add(p, LinkOpts{Timeout: pc.Timeout, Rate: pc.Rate, Burst: pc.Burst, ModelOverride: pc.ModelOverride})
	}
	return c, nil
}

// EmbedderFromConfig builds the embedding client.
func EmbedderFromConfig(ec config.EmbeddingConfig) (Embedder, error) {
	switch ec.Provider {
	case "ollama":
		return ollama.NewEmbedClient(ec.BaseURL, ec.Model), nil
	case "openai":
		key := os.Getenv("OPENAI_API_KEY")
		if ec.APIKeyEnv != "" {
			key = os.Getenv(ec.APIKeyEnv)
		}
		return NewOpenAIEmbedder(OpenAIOpts{BaseURL: ec.BaseURL, APIKey: key, Model: ec.Model}), nil
	default:
		return nil, fmt.Errorf("llm: unknown embedding provider %q", ec.Provider)
	}
}
