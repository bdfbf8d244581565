package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/nats-io/nats.go"

	"github.com/WessleyAI/shopbot/engine/domain"
	"github.com/WessleyAI/shopbot/engine/ingest"
	"github.com/WessleyAI/shopbot/engine/rag"
	"github.com/WessleyAI/shopbot/engine/store"
	"github.com/WessleyAI/shopbot/pkg/llm"
	"github.com/WessleyAI/shopbot/pkg/mid"
)

type querier interface {
	ProcessQuery(ctx context.Context, q rag.Query) domain.Reply
	ForgetConversation(ctx context.Context, tenant, id string) error
	ForgetTenant(ctx context.Context, tenant string) error
}

type indexer interface {
	Metadata(ctx context.Context, tenant string) (domain.IndexMetadata, error)
}

// rebuildFunc starts or runs a rebuild. A nil event means it was queued.
type rebuildFunc func(ctx context.Context, req ingest.RebuildRequest) (*ingest.RebuiltEvent, error)

func inlineRebuild(w *ingest.Worker) rebuildFunc {
	return func(ctx context.Context, req ingest.RebuildRequest) (*ingest.RebuiltEvent, error) {
		ev, err := w.Rebuild(ctx, req)
		if err != nil {
			return nil, err
		}
		return &ev, nil
	}
}

func queuedRebuild(nc *nats.Conn) rebuildFunc {
	return func(ctx context.Context, req ingest.RebuildRequest) (*ingest.RebuiltEvent, error) {
		return nil, ingest.RequestRebuild(ctx, nc, req)
	}
}

type server struct {
	queries  querier
	index    indexer
	bots     store.Chatbots
	convs    store.Conversations
	rebuild  rebuildFunc
	root     string
	log      *slog.Logger
	metrics  http.Handler
	backend  string
	provider []string
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.Handle("GET /metrics", s.metrics)
	mux.HandleFunc("GET /api/chatbots", s.handleListChatbots)
	mux.HandleFunc("GET /api/chatbots/{id}", s.handleGetChatbot)
	mux.HandleFunc("PUT /api/chatbots/{id}", s.handlePutChatbot)
	mux.HandleFunc("DELETE /api/chatbots/{id}", s.handleDeleteChatbot)
	mux.HandleFunc("POST /api/chatbots/{id}/query", s.handleQuery)
	mux.HandleFunc("POST /api/chatbots/{id}/rebuild", s.handleRebuild)
	mux.HandleFunc("GET /api/chatbots/{id}/index", s.handleIndex)
	mux.HandleFunc("GET /api/chatbots/{id}/conversations", s.handleConversations)
	mux.HandleFunc("DELETE /api/chatbots/{id}/conversations/{conv}", s.handleDeleteConversation)
	return mux
}

// QueryRequest is the JSON body for POST /api/chatbots/{id}/query.
type QueryRequest struct {
	UserID         string            `json:"user_id"`
	ConversationID string            `json:"conversation_id,omitempty"`
	Query          string            `json:"query"`
	History        []domain.Exchange `json:"history,omitempty"`
}

// RebuildRequest is the optional JSON body for POST /api/chatbots/{id}/rebuild.
type RebuildRequest struct {
	Force bool `json:"force"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, domain.Reply{Status: domain.StatusError, Message: msg})
}

// replyStatus maps an error reply's cause to an HTTP status. An exhausted
// provider chain still carries the chatbot's fallback message, so it is a
// normal response.
func replyStatus(r domain.Reply) int {
	if r.Status != domain.StatusError {
		return http.StatusOK
	}
	var ve *domain.ValidationError
	switch {
	case errors.Is(r.Err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.As(r.Err, &ve):
		return http.StatusBadRequest
	case errors.Is(r.Err, llm.ErrExhausted):
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"backend":   s.backend,
		"providers": s.provider,
	})
}

func (s *server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	reply := s.queries.ProcessQuery(r.Context(), rag.Query{
		TenantID:       r.PathValue("id"),
		UserID:         req.UserID,
		ConversationID: req.ConversationID,
		Text:           req.Query,
		History:        req.History,
	})
	status := replyStatus(reply)
	if status == http.StatusInternalServerError {
		s.log.Error("query failed", "chatbot", r.PathValue("id"), "err", reply.Err, "request_id", mid.RequestIDFrom(r.Context()))
	}
	writeJSON(w, status, reply)
}

// chatbot loads the path's chatbot, writing the error response when it
// cannot.
func (s *server) chatbot(w http.ResponseWriter, r *http.Request) (domain.Chatbot, bool) {
	id := r.PathValue("id")
	bot, ok, err := s.bots.Chatbot(r.Context(), id)
	switch {
	case err != nil:
		s.log.Error("chatbot lookup failed", "chatbot", id, "err", err)
		writeError(w, http.StatusInternalServerError, "could not load chatbot")
		return bot, false
	case !ok:
		writeError(w, http.StatusNotFound, "chatbot not found")
		return bot, false
	}
	return bot, true
}

func (s *server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	bot, ok := s.chatbot(w, r)
	if !ok {
		return
	}
	var body RebuildRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	ev, err := s.rebuild(r.Context(), ingest.RebuildRequest{TenantID: bot.ID, SourceDir: bot.CorpusDir, Force: body.Force})
	var ve *domain.ValidationError
	switch {
	case errors.As(err, &ve):
		writeError(w, http.StatusBadRequest, "invalid "+ve.Field)
	case errors.Is(err, domain.ErrEmptyCorpus):
		writeError(w, http.StatusUnprocessableEntity, "corpus produced no chunks")
	case err != nil:
		s.log.Error("rebuild failed", "chatbot", bot.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "rebuild failed")
	case ev == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "tenant_id": bot.ID})
	default:
		writeJSON(w, http.StatusOK, ev)
	}
}

func (s *server) handleIndex(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	meta, err := s.index.Metadata(r.Context(), id)
	switch {
	case errors.Is(err, domain.ErrIndexMissing):
		writeError(w, http.StatusNotFound, "no index built")
	case err != nil:
		s.log.Error("index metadata failed", "chatbot", id, "err", err)
		writeError(w, http.StatusInternalServerError, "could not read index")
	default:
		writeJSON(w, http.StatusOK, meta)
	}
}

func (s *server) handleListChatbots(w http.ResponseWriter, r *http.Request) {
	bots, err := s.bots.ListChatbots(r.Context())
	if err != nil {
		s.log.Error("list chatbots failed", "err", err)
		writeError(w, http.StatusInternalServerError, "could not list chatbots")
		return
	}
	if bots == nil {
		bots = []domain.Chatbot{}
	}
	writeJSON(w, http.StatusOK, bots)
}

func (s *server) handleGetChatbot(w http.ResponseWriter, r *http.Request) {
	if bot, ok := s.chatbot(w, r); ok {
		writeJSON(w, http.StatusOK, bot)
	}
}

func (s *server) handlePutChatbot(w http.ResponseWriter, r *http.Request) {
	var bot domain.Chatbot
	if err := json.NewDecoder(r.Body).Decode(&bot); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	bot.ID = r.PathValue("id")
	if bot.CorpusDir != "" && s.root != "" {
		if _, err := ingest.ResolveSourceDir(s.root, bot.ID, bot.CorpusDir); err != nil {
			writeError(w, http.StatusBadRequest, "corpus_dir must lie inside the chatbot's corpus directory")
			return
		}
	}
	var ve *domain.ValidationError
	if err := s.bots.SaveChatbot(r.Context(), bot); errors.As(err, &ve) {
		writeError(w, http.StatusBadRequest, "invalid chatbot id")
		return
	} else if err != nil {
		s.log.Error("save chatbot failed", "chatbot", bot.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "could not save chatbot")
		return
	}
	writeJSON(w, http.StatusOK, bot)
}

func (s *server) handleDeleteChatbot(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.queries.ForgetTenant(r.Context(), id); err != nil {
		s.log.Error("forget conversations failed", "chatbot", id, "err", err)
		writeError(w, http.StatusInternalServerError, "could not delete conversations")
		return
	}
	if err := s.bots.DeleteChatbot(r.Context(), id); err != nil {
		s.log.Error("delete chatbot failed", "chatbot", id, "err", err)
		writeError(w, http.StatusInternalServerError, "could not delete chatbot")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleConversations(w http.ResponseWriter, r *http.Request) {
	bot, ok := s.chatbot(w, r)
	if !ok {
		return
	}
	convs, err := s.convs.ListConversations(r.Context(), bot.ID)
	if err != nil {
		s.log.Error("list conversations failed", "chatbot", bot.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "could not list conversations")
		return
	}
	if convs == nil {
		convs = []domain.Conversation{}
	}
	writeJSON(w, http.StatusOK, convs)
}

func (s *server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	bot, ok := s.chatbot(w, r)
	if !ok {
		return
	}
	conv := r.PathValue("conv")
	err := s.queries.ForgetConversation(r.Context(), bot.ID, conv)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "conversation not found")
	case err != nil:
		s.log.Error("delete conversation failed", "chatbot", bot.ID, "conversation", conv, "err", err)
		writeError(w, http.StatusInternalServerError, "could not delete conversation")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}
