// Package llm defines completion providers and embedders, and the ordered
// fallback chain that tries providers until one answers.
package llm

import (
	"context"
	"errors"
)

// ErrEmptyResponse is returned when a provider answers with no content.
var ErrEmptyResponse = errors.New("llm: empty response")

// Request is one completion call.
type Request struct {
	System string
	Prompt string
	// Model overrides the provider's configured model when non-empty and
	// the chain link accepts overrides.
	Model       string
	Temperature float32
	// JSON asks the provider for a JSON object when it supports that.
	JSON bool
}

// Provider generates a completion for a prompt.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (string, error)
}

// Embedder turns texts into vectors, one per text, in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// ProviderFunc adapts a function into a Provider.
type ProviderFunc struct {
	ProviderName string
	Fn           func(ctx context.Context, req Request) (string, error)
}

func (p ProviderFunc) Name() string { return p.ProviderName }

func (p ProviderFunc) Complete(ctx context.Context, req Request) (string, error) {
	return p.Fn(ctx, req)
}
