package rag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/WessleyAI/shopbot/engine/domain"
	"github.com/WessleyAI/shopbot/engine/query"
	"github.com/WessleyAI/shopbot/engine/retrieve"
	"github.com/WessleyAI/shopbot/engine/session"
	"github.com/WessleyAI/shopbot/engine/store"
	"github.com/WessleyAI/shopbot/pkg/metrics"
)

// Deps are the collaborators of a Service.
type Deps struct {
	Store        store.Store
	Keeper       *session.Keeper
	Analyzer     *query.Analyzer
	Retriever    *retrieve.Retriever
	Orchestrator *Orchestrator
	Metrics      *metrics.Pipeline
	Logger       *slog.Logger
}

// Service is the query surface: it runs one query through analysis,
// retrieval and generation for a tenant and records the exchange.
type Service struct {
	d   Deps
	log *slog.Logger
	now func() time.Time
}

// NewService creates a Service.
func NewService(d Deps) *Service {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Metrics == nil {
		d.Metrics = metrics.Discard()
	}
	return &Service{d: d, log: d.Logger, now: time.Now}
}

// Query is one request to the query surface.
type Query struct {
	TenantID       string
	UserID         string
	ConversationID string
	Text           string
	// History, when non-nil, replaces the conversation's stored history.
	History []domain.Exchange
}

// ProcessQuery answers q. It never returns an error or panics: failures are
// reported through the reply's status, with the cause in Reply.Err. A new
// conversation id is assigned when q carries none.
func (s *Service) ProcessQuery(ctx context.Context, q Query) (reply domain.Reply) {
	ctx, span := tracer.Start(ctx, "rag.process_query")
	defer span.End()

	if q.ConversationID == "" {
		q.ConversationID = uuid.NewString()
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("rag: panic while answering", "tenant", q.TenantID, "conversation", q.ConversationID, "panic", r)
			reply = domain.ErrorReply("internal error", fmt.Errorf("rag: panic: %v", r))
		}
		reply.ConversationID = q.ConversationID
		s.d.Metrics.Queries.WithLabelValues(string(reply.Status)).Inc()
	}()

	if err := domain.ValidateTenantID(q.TenantID); err != nil {
		return domain.ErrorReply("invalid chatbot id", err)
	}
	if err := domain.ValidateQuery(q.Text); err != nil {
		return domain.ErrorReply(validationMessage(err), err)
	}

	bot, ok, err := s.d.Store.Chatbot(ctx, q.TenantID)
	if err != nil {
		s.log.Error("rag: chatbot lookup failed", "tenant", q.TenantID, "err", err)
		return domain.ErrorReply("could not load chatbot", err)
	}
	if !ok {
		return domain.ErrorReply("chatbot not found", fmt.Errorf("chatbot %s: %w", q.TenantID, domain.ErrNotFound))
	}

	stored, ok, err := s.d.Store.Conversation(ctx, q.ConversationID)
	if err != nil {
		s.log.Warn("rag: conversation lookup failed", "tenant", q.TenantID, "conversation", q.ConversationID, "err", err)
	}
	if ok && stored.ChatbotID != q.TenantID {
		return domain.ErrorReply("conversation not found", fmt.Errorf("conversation %s: %w", q.ConversationID, domain.ErrNotFound))
	}

	key := session.Key{Tenant: q.TenantID, Conversation: q.ConversationID}
	unlock := s.d.Keeper.Lock(key)
	defer unlock()

	cc := s.conversation(ctx, key, q.History, stored)
	a := s.d.Analyzer.Analyze(ctx, q.Text, cc)

	var chunks []string
	results, err := s.d.Retriever.Retrieve(ctx, q.TenantID, a)
	if err != nil {
		s.log.Warn("rag: retrieval failed, answering without context", "tenant", q.TenantID, "err", err)
	} else {
		chunks = retrieve.Texts(results)
	}

	// Generation outlives a caller that stops waiting; provider timeouts
	// still bound it.
	resp := s.d.Orchestrator.Respond(context.WithoutCancel(ctx), bot, q.Text, a, chunks, cc.History)
	if resp.Reply.Status == domain.StatusError {
		return resp.Reply
	}

	cc = s.d.Keeper.Update(ctx, key, domain.Exchange{
		Query:    q.Text,
		Response: resp.Raw,
		Analysis: &a,
		Chunks:   len(chunks),
		At:       s.now().UTC(),
	})
	conv := domain.Conversation{
		ID:        q.ConversationID,
		ChatbotID: q.TenantID,
		UserID:    q.UserID,
		History:   cc.History,
	}
	if err := s.d.Store.SaveConversation(ctx, conv); err != nil {
		s.log.Warn("rag: conversation not persisted", "tenant", q.TenantID, "conversation", q.ConversationID, "err", err)
	}
	return resp.Reply
}

// conversation returns the conversation's context, seeding the keeper from an
// explicit history or, for a conversation it has not seen, from the stored
// record.
func (s *Service) conversation(ctx context.Context, key session.Key, history []domain.Exchange, stored domain.Conversation) domain.ConversationContext {
	if history != nil {
		return s.d.Keeper.Replace(ctx, key, history)
	}
	cc := s.d.Keeper.Get(ctx, key)
	if len(cc.History) > 0 || len(stored.History) == 0 {
		return cc
	}
	return s.d.Keeper.Replace(ctx, key, stored.History)
}

// ForgetConversation drops one of the tenant's conversations from the
// keeper and the record store. A conversation owned by another tenant is
// reported as not found.
func (s *Service) ForgetConversation(ctx context.Context, tenant, id string) error {
	conv, ok, err := s.d.Store.Conversation(ctx, id)
	if err != nil {
		return fmt.Errorf("rag: forget conversation: %w", err)
	}
	if !ok || conv.ChatbotID != tenant {
		return fmt.Errorf("rag: forget conversation %s: %w", id, domain.ErrNotFound)
	}
	s.d.Keeper.Forget(ctx, session.Key{Tenant: tenant, Conversation: id})
	if err := s.d.Store.DeleteConversation(ctx, id); err != nil {
		return fmt.Errorf("rag: forget conversation: %w", err)
	}
	return nil
}

// ForgetTenant drops every conversation of tenant, from the keeper and
// from the record store, as when the tenant's chatbot is deleted.
func (s *Service) ForgetTenant(ctx context.Context, tenant string) error {
	s.d.Keeper.ForgetTenant(ctx, tenant)
	convs, err := s.d.Store.ListConversations(ctx, tenant)
	if err != nil {
		return fmt.Errorf("rag: forget tenant: %w", err)
	}
	for _, c := range convs {
		s.d.Keeper.Forget(ctx, session.Key{Tenant: tenant, Conversation: c.ID})
		if err := s.d.Store.DeleteConversation(ctx, c.ID); err != nil {
			return fmt.Errorf("rag: forget tenant: %w", err)
		}
	}
	s.log.Info("rag: tenant conversations forgotten", "tenant", tenant, "stored", len(convs))
	return nil
}

func validationMessage(err error) string {
	switch {
	case errors.Is(err, domain.ErrQueryTooShort):
		return "query is empty"
	case errors.Is(err, domain.ErrQueryTooLong):
		return "query is too long"
	case errors.Is(err, domain.ErrQueryInjection):
		return "query contains unsupported content"
	default:
		return "invalid query"
	}
}
