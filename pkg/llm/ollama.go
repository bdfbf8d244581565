package llm

import (
	"context"
	"fmt"

	"github.com/WessleyAI/shopbot/pkg/ollama"
)

// Ollama is a Provider backed by a local Ollama server.
type Ollama struct {
	name   string
	model  string
	client *ollama.Client
}

// NewOllama creates an Ollama chat provider.
func NewOllama(name, baseURL, model string) *Ollama {
	if name == "" {
		name = "ollama"
	}
	return &Ollama{name: name, model: model, client: ollama.New(baseURL, nil)}
}

func (p *Ollama) Name() string { return p.name }

func (p *Ollama) Complete(ctx context.Context, req Request) (string, error) {
	model := p.model
	if req.Model != "" {
		model = req.Model
	}
	creq := ollama.ChatRequest{Model: model, Temperature: float64(req.Temperature)}
	if req.System != "" {
		creq.Messages = append(creq.Messages, ollama.Message{Role: "system", Content: req.System})
	}
	creq.Messages = append(creq.Messages, ollama.Message{Role: "user", Content: req.Prompt})
	if req.JSON {
		creq.Format = "json"
	}

	out, err := p.client.Chat(ctx, creq)
	if err != nil {
		return "", fmt.Errorf("%s: %w", p.name, err)
	}
	if out == "" {
		return "", fmt.Errorf("%s: %w", p.name, ErrEmptyResponse)
	}
	return out, nil
}
