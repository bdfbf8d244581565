package config

import (
	"errors"
	"fmt"
	"strings"
)

// ValidationError reports an impossible configuration value.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Validate returns every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, invalid("server.port", "out of range: %d", c.Server.Port))
	}
	if c.Corpus.SoftCap <= 0 {
		errs = append(errs, invalid("corpus.soft_cap", "must be positive"))
	}
	if c.Corpus.EmbedBatch <= 0 {
		errs = append(errs, invalid("corpus.embed_batch", "must be positive"))
	}
	switch c.Corpus.Backend {
	case "flat", "qdrant":
	default:
		errs = append(errs, invalid("corpus.backend", "unknown backend %q", c.Corpus.Backend))
	}
	switch c.Records.Backend {
	case "memory", "neo4j":
	default:
		errs = append(errs, invalid("records.backend", "unknown backend %q", c.Records.Backend))
	}
	switch c.Embedding.Provider {
	case "ollama", "openai":
	default:
		errs = append(errs, invalid("embedding.provider", "unknown provider %q", c.Embedding.Provider))
	}
	if c.Retrieval.K <= 0 {
		errs = append(errs, invalid("retrieval.k", "must be positive"))
	}
	if c.History.Window <= 0 {
		errs = append(errs, invalid("history.window", "must be positive"))
	}
	if c.History.PromptExchanges < 0 || c.History.PromptExchanges > c.History.Window {
		errs = append(errs, invalid("history.prompt_exchanges", "must be within 0..window"))
	}
	if c.History.SummaryChars <= 0 {
		errs = append(errs, invalid("history.summary_chars", "must be positive"))
	}
	if len(c.Providers) == 0 {
		errs = append(errs, invalid("providers", "at least one provider is required"))
	}
	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		field := fmt.Sprintf("providers[%d]", i)
		if strings.TrimSpace(p.Name) == "" {
			errs = append(errs, invalid(field+".name", "required"))
		} else if seen[p.Name] {
			errs = append(errs, invalid(field+".name", "duplicate %q", p.Name))
		}
		seen[p.Name] = true
		switch p.Kind {
		case "openai", "ollama":
		default:
			errs = append(errs, invalid(field+".kind", "unknown kind %q", p.Kind))
		}
		if p.Timeout < 0 || p.Rate < 0 || p.Burst < 0 {
			errs = append(errs, invalid(field, "timeout, rate and burst must not be negative"))
		}
	}
	return errors.Join(errs...)
}
