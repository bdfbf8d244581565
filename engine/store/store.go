// Package store persists chatbots, conversations and index records. Lookups
// of missing records report absence, not errors.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/WessleyAI/shopbot/engine/domain"
	"github.com/WessleyAI/shopbot/pkg/repo"
)

// Chatbots reads and writes tenant records.
type Chatbots interface {
	Chatbot(ctx context.Context, id string) (domain.Chatbot, bool, error)
	SaveChatbot(ctx context.Context, bot domain.Chatbot) error
	ListChatbots(ctx context.Context) ([]domain.Chatbot, error)
	DeleteChatbot(ctx context.Context, id string) error
}

// Conversations reads and writes conversation histories.
type Conversations interface {
	Conversation(ctx context.Context, id string) (domain.Conversation, bool, error)
	SaveConversation(ctx context.Context, conv domain.Conversation) error
	ListConversations(ctx context.Context, chatbotID string) ([]domain.Conversation, error)
	DeleteConversation(ctx context.Context, id string) error
}

// Indexes records the metadata of each tenant's live index, keyed by tenant.
type Indexes interface {
	IndexRecord(ctx context.Context, tenant string) (domain.IndexMetadata, bool, error)
	SaveIndexRecord(ctx context.Context, meta domain.IndexMetadata) error
}

// Store is the record store the query surface depends on.
type Store interface {
	Chatbots
	Conversations
	Indexes
}

// Records implements Store over three repositories.
type Records struct {
	bots  repo.Repository[domain.Chatbot, string]
	convs repo.Repository[domain.Conversation, string]
	idx   repo.Repository[domain.IndexMetadata, string]
	now   func() time.Time
}

var _ Store = (*Records)(nil)

// New creates a Store over the given repositories.
func New(
	bots repo.Repository[domain.Chatbot, string],
	convs repo.Repository[domain.Conversation, string],
	idx repo.Repository[domain.IndexMetadata, string],
) *Records {
	return &Records{bots: bots, convs: convs, idx: idx, now: time.Now}
}

// NewMemory creates a Store held in process memory.
func NewMemory() *Records {
	return New(
		repo.NewMemoryRepo(func(b domain.Chatbot) string { return b.ID }, nil),
		repo.NewMemoryRepo(
			func(c domain.Conversation) string { return c.ID },
			func(c domain.Conversation, f map[string]any) bool {
				id, ok := f["chatbot_id"]
				return !ok || id == c.ChatbotID
			},
		),
		repo.NewMemoryRepo(func(m domain.IndexMetadata) string { return m.TenantID }, nil),
	)
}

func (s *Records) Chatbot(ctx context.Context, id string) (domain.Chatbot, bool, error) {
	return lookup(ctx, s.bots, id)
}

func (s *Records) SaveChatbot(ctx context.Context, bot domain.Chatbot) error {
	if err := domain.ValidateTenantID(bot.ID); err != nil {
		return err
	}
	if _, err := repo.Save(ctx, s.bots, bot); err != nil {
		return fmt.Errorf("store: save chatbot %s: %w", bot.ID, err)
	}
	return nil
}

func (s *Records) ListChatbots(ctx context.Context) ([]domain.Chatbot, error) {
	bots, err := s.bots.List(ctx, repo.ListOpts{})
	if err != nil {
		return nil, fmt.Errorf("store: list chatbots: %w", err)
	}
	return bots, nil
}

func (s *Records) DeleteChatbot(ctx context.Context, id string) error {
	if err := s.bots.Delete(ctx, id); err != nil {
		return fmt.Errorf("store: delete chatbot %s: %w", id, err)
	}
	return nil
}

func (s *Records) Conversation(ctx context.Context, id string) (domain.Conversation, bool, error) {
	return lookup(ctx, s.convs, id)
}

// SaveConversation upserts conv, stamping UpdatedAt.
func (s *Records) SaveConversation(ctx context.Context, conv domain.Conversation) error {
	if conv.ID == "" {
		return errors.New("store: conversation without id")
	}
	conv.UpdatedAt = s.now().UTC()
	if _, err := repo.Save(ctx, s.convs, conv); err != nil {
		return fmt.Errorf("store: save conversation %s: %w", conv.ID, err)
	}
	return nil
}

func (s *Records) ListConversations(ctx context.Context, chatbotID string) ([]domain.Conversation, error) {
	convs, err := s.convs.List(ctx, repo.ListOpts{Filter: map[string]any{"chatbot_id": chatbotID}})
	if err != nil {
		return nil, fmt.Errorf("store: list conversations: %w", err)
	}
	return convs, nil
}

func (s *Records) DeleteConversation(ctx context.Context, id string) error {
	if err := s.convs.Delete(ctx, id); err != nil {
		return fmt.Errorf("store: delete conversation %s: %w", id, err)
	}
	return nil
}

func (s *Records) IndexRecord(ctx context.Context, tenant string) (domain.IndexMetadata, bool, error) {
	return lookup(ctx, s.idx, tenant)
}

// SaveIndexRecord replaces the tenant's index record.
func (s *Records) SaveIndexRecord(ctx context.Context, meta domain.IndexMetadata) error {
	if err := domain.ValidateTenantID(meta.TenantID); err != nil {
		return err
	}
	if _, err := repo.Save(ctx, s.idx, meta); err != nil {
		return fmt.Errorf("store: save index record %s: %w", meta.TenantID, err)
	}
	return nil
}

func lookup[T any](ctx context.Context, r repo.Repository[T, string], id string) (T, bool, error) {
	v, err := r.Get(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		var zero T
		return zero, false, nil
	}
	if err != nil {
		var zero T
		return zero, false, fmt.Errorf("store: get %s: %w", id, err)
	}
	return v, true, nil
}
