// Package ollama is a small client for the Ollama HTTP API: batch
// embeddings and non-streaming chat.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrNotFound is returned for a 404 from the server, which Ollama uses both
// for unknown models and for endpoints an older server lacks.
var ErrNotFound = errors.New("ollama: not found")

// Client talks to one Ollama server.
type Client struct {
	baseURL string
	client  *http.Client
}

// New creates a client for baseURL. A nil httpClient uses one with a
// two minute timeout.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 2 * time.Minute}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), client: httpClient}
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("ollama: encode %s: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("ollama %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("ollama %s: %w", path, ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("ollama %s: status %d: %s", path, resp.StatusCode, bytes.TrimSpace(msg))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("ollama %s decode: %w", path, err)
	}
	return nil
}

// EmbedClient embeds text with one Ollama embedding model.
type EmbedClient struct {
	*Client
	model string
}

// NewEmbedClient creates an Ollama embedding client.
func NewEmbedClient(baseURL, model string) *EmbedClient {
	return &EmbedClient{Client: New(baseURL, nil), model: model}
}

type embedReq struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResp struct {
	Embeddings [][]float32 `json:"embeddings"`
}

type legacyEmbedReq struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type legacyEmbedResp struct {
	Embedding []float64 `json:"embedding"`
}

// Embed returns one vector per text, in input order. Servers without the
// batch endpoint are served one text at a time.
func (c *EmbedClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	var resp embedResp
	err := c.post(ctx, "/api/embed", embedReq{Model: c.model, Input: texts}, &resp)
	if errors.Is(err, ErrNotFound) {
		return c.embedEach(ctx, texts)
	}
	if err != nil {
		return nil, err
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("ollama embed: got %d vectors for %d texts", len(resp.Embeddings), len(texts))
	}
	return resp.Embeddings, nil
}

func (c *EmbedClient) embedEach(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		var resp legacyEmbedResp
		if err := c.post(ctx, "/api/embeddings", legacyEmbedReq{Model: c.model, Prompt: text}, &resp); err != nil {
			return nil, fmt.Errorf("embed batch [%d]: %w", i, err)
		}
		vec := make([]float32, len(resp.Embedding))
		for j, v := range resp.Embedding {
			vec[j] = float32(v)
		}
		out[i] = vec
	}
	return out, nil
}
