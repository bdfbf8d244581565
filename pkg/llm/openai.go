package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIOpts configures an OpenAI-compatible endpoint.
type OpenAIOpts struct {
	Name    string
	BaseURL string // empty uses api.openai.com
	APIKey  string
	Model   string
	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
}

func newOpenAIClient(opts OpenAIOpts) *openai.Client {
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	if opts.HTTPClient != nil {
		cfg.HTTPClient = opts.HTTPClient
	} else {
		cfg.HTTPClient = &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return openai.NewClientWithConfig(cfg)
}

// OpenAI is a Provider backed by the chat completions API.
type OpenAI struct {
	name   string
	model  string
	client *openai.Client
}

// NewOpenAI creates an OpenAI-compatible provider.
func NewOpenAI(opts OpenAIOpts) *OpenAI {
	if opts.Name == "" {
		opts.Name = "openai"
	}
	return &OpenAI{name: opts.Name, model: opts.Model, client: newOpenAIClient(opts)}
}

func (p *OpenAI) Name() string { return p.name }

// Complete sends a system and user message and returns the first choice.
func (p *OpenAI) Complete(ctx context.Context, req Request) (string, error) {
	model := p.model
	if req.Model != "" {
		model = req.Model
	}
	msgs := make([]openai.ChatCompletionMessage, 0, 2)
	if req.System != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Prompt})

	creq := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    msgs,
		Temperature: req.Temperature,
	}
	if req.JSON {
		creq.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}

	resp, err := p.client.CreateChatCompletion(ctx, creq)
	if err != nil {
		return "", fmt.Errorf("%s: %w", p.name, err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", fmt.Errorf("%s: %w", p.name, ErrEmptyResponse)
	}
	return resp.Choices[0].Message.Content, nil
}

// OpenAIEmbedder embeds text with the embeddings API.
type OpenAIEmbedder struct {
	model  string
	client *openai.Client
}

// NewOpenAIEmbedder creates an embedder for opts.Model.
func NewOpenAIEmbedder(opts OpenAIOpts) *OpenAIEmbedder {
	if opts.Model == "" {
		opts.Model = string(openai.SmallEmbedding3)
	}
	return &OpenAIEmbedder{model: opts.Model, client: newOpenAIClient(opts)}
}

// Embed returns vectors ordered by input position.
func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(e.model),
	})
	if err != nil {
		return nil, fmt.Errorf("openai embed: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai embed: got %d vectors for %d texts", len(resp.Data), len(texts))
	}
	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, errors.New("openai embed: index out of range")
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}
