package ollama

import (
	"context"
	"fmt"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is a non-streaming chat call. Format "json" asks the model
// for a JSON object.
type ChatRequest struct {
	Model       string
	Messages    []Message
	Format      string
	Temperature float64
}

type chatReq struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Format   string         `json:"format,omitempty"`
	Options  map[string]any `json:"options,omitempty"`
}

type chatResp struct {
	Message Message `json:"message"`
	Done    bool    `json:"done"`
	Error   string  `json:"error"`
}

// Chat sends req and returns the assistant message content.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (string, error) {
	in := chatReq{
		Model:    req.Model,
		Messages: req.Messages,
		Format:   req.Format,
		Options:  map[string]any{"temperature": req.Temperature},
	}
	var out chatResp
	if err := c.post(ctx, "/api/chat", in, &out); err != nil {
		return "", err
	}
	if out.Error != "" {
		return "", fmt.Errorf("ollama chat: %s", out.Error)
	}
	return out.Message.Content, nil
}
