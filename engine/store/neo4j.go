package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/WessleyAI/shopbot/engine/domain"
	"github.com/WessleyAI/shopbot/pkg/repo"
)

// Node labels.
const (
	ChatbotLabel      = "Chatbot"
	ConversationLabel = "Conversation"
	IndexLabel        = "TenantIndex"
)

// Connect opens a Neo4j driver and verifies connectivity.
func Connect(ctx context.Context, url, user, pass string) (neo4j.DriverWithContext, error) {
	auth := neo4j.NoAuth()
	if user != "" {
		auth = neo4j.BasicAuth(user, pass, "")
	}
	driver, err := neo4j.NewDriverWithContext(url, auth)
	if err != nil {
		return nil, fmt.Errorf("store: neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("store: neo4j connect %s: %w", url, err)
	}
	return driver, nil
}

// NewNeo4j creates a Store backed by Neo4j nodes.
func NewNeo4j(driver neo4j.DriverWithContext) *Records {
	return New(
		repo.NewNeo4jRepo[domain.Chatbot, string](driver, ChatbotLabel, chatbotProps, chatbotFromRecord),
		repo.NewNeo4jRepo[domain.Conversation, string](driver, ConversationLabel, conversationProps, conversationFromRecord),
		repo.NewNeo4jRepo[domain.IndexMetadata, string](driver, IndexLabel, indexProps, indexFromRecord,
			repo.WithIDKey[domain.IndexMetadata, string]("tenant_id")),
	)
}

func chatbotProps(b domain.Chatbot) map[string]any {
	return map[string]any{
		"id":               b.ID,
		"name":             b.Name,
		"role":             b.Role,
		"fallback_message": b.FallbackMessage,
		"model":            b.Model,
		"corpus_dir":       b.CorpusDir,
	}
}

func chatbotFromRecord(rec *neo4j.Record) (domain.Chatbot, error) {
	p, err := repo.NodeProps(rec)
	if err != nil {
		return domain.Chatbot{}, err
	}
	return domain.Chatbot{
		ID:              str(p, "id"),
		Name:            str(p, "name"),
		Role:            str(p, "role"),
		FallbackMessage: str(p, "fallback_message"),
		Model:           str(p, "model"),
		CorpusDir:       str(p, "corpus_dir"),
	}, nil
}

// Node properties must be primitives, so history is stored as JSON text.
func conversationProps(c domain.Conversation) map[string]any {
	history, _ := json.Marshal(c.History)
	return map[string]any{
		"id":         c.ID,
		"chatbot_id": c.ChatbotID,
		"user_id":    c.UserID,
		"history":    string(history),
		"updated_at": c.UpdatedAt,
	}
}

func conversationFromRecord(rec *neo4j.Record) (domain.Conversation, error) {
	p, err := repo.NodeProps(rec)
	if err != nil {
		return domain.Conversation{}, err
	}
	c := domain.Conversation{
		ID:        str(p, "id"),
		ChatbotID: str(p, "chatbot_id"),
		UserID:    str(p, "user_id"),
	}
	if h := str(p, "history"); h != "" {
		if err := json.Unmarshal([]byte(h), &c.History); err != nil {
			return c, fmt.Errorf("store: conversation %s history: %w", c.ID, err)
		}
	}
	if t, ok := p["updated_at"].(time.Time); ok {
		c.UpdatedAt = t
	}
	return c, nil
}

func indexProps(m domain.IndexMetadata) map[string]any {
	files, _ := json.Marshal(m.Files)
	return map[string]any{
		"tenant_id":  m.TenantID,
		"files":      string(files),
		"documents":  int64(m.Documents),
		"chunks":     int64(m.Chunks),
		"dimension":  int64(m.Dimension),
		"backend":    m.Backend,
		"generation": m.Generation,
		"built_at":   m.BuiltAt,
	}
}

func indexFromRecord(rec *neo4j.Record) (domain.IndexMetadata, error) {
	p, err := repo.NodeProps(rec)
	if err != nil {
		return domain.IndexMetadata{}, err
	}
	m := domain.IndexMetadata{
		TenantID:   str(p, "tenant_id"),
		Documents:  num(p, "documents"),
		Chunks:     num(p, "chunks"),
		Dimension:  num(p, "dimension"),
		Backend:    str(p, "backend"),
		Generation: str(p, "generation"),
	}
	if f := str(p, "files"); f != "" {
		if err := json.Unmarshal([]byte(f), &m.Files); err != nil {
			return m, fmt.Errorf("store: index %s files: %w", m.TenantID, err)
		}
	}
	if t, ok := p["built_at"].(time.Time); ok {
		m.BuiltAt = t
	}
	return m, nil
}

func num(p map[string]any, key string) int {
	n, _ := p[key].(int64)
	return int(n)
}

func str(p map[string]any, key string) string {
	s, _ := p[key].(string)
	return s
}
