// Package domain defines the core types shared by the shopbot retrieval and
// generation pipeline, together with the sentinel errors and validation that
// guard its entry points.
package domain

import (
	"path/filepath"
	"strings"
	"time"
)

// ContentType selects how a source document is split into chunks.
type ContentType string

const (
	ContentTabular    ContentType = "tabular"
	ContentMarkdown   ContentType = "markdown"
	ContentText       ContentType = "text"
	ContentPaginated  ContentType = "paginated"
	ContentStructured ContentType = "structured"
	ContentUnknown    ContentType = ""
)

var extContentTypes = map[string]ContentType{
	".csv":      ContentTabular,
	".tsv":      ContentTabular,
	".md":       ContentMarkdown,
	".markdown": ContentMarkdown,
	".txt":      ContentText,
	".text":     ContentText,
	".pdf":      ContentPaginated,
	".pages":    ContentPaginated,
	".json":     ContentStructured,
	".jsonl":    ContentStructured,
	".yaml":     ContentStructured,
	".yml":      ContentStructured,
}

// ContentTypeFor infers the content type from a file extension.
// Unknown extensions return ContentUnknown.
func ContentTypeFor(path string) ContentType {
	return extContentTypes[strings.ToLower(filepath.Ext(path))]
}

// SourceDocument is one ingested file or record batch.
type SourceDocument struct {
	Path        string      `json:"path"`
	ContentType ContentType `json:"content_type"`
	ModTime     time.Time   `json:"mod_time"`
	Content     []byte      `json:"-"`
}

// Chunk is the atomic retrievable unit of text. Optional fields are empty
// when the originating format has no notion of them.
type Chunk struct {
	Text    string `json:"text"`
	Source  string `json:"source"`
	Section string `json:"section,omitempty"`
	Page    int    `json:"page,omitempty"`
	URL     string `json:"url,omitempty"`
}

// IndexMetadata records what a tenant index was built from. It is the only
// input to the staleness decision.
type IndexMetadata struct {
	TenantID   string               `json:"tenant_id"`
	Files      map[string]time.Time `json:"files"`
	Documents  int                  `json:"documents"`
	Chunks     int                  `json:"chunks"`
	Dimension  int                  `json:"dimension"`
	Backend    string               `json:"backend"`
	Generation string               `json:"generation"`
	BuiltAt    time.Time            `json:"built_at"`
}

// SortCriterion is the attribute a sort/filter request orders by.
type SortCriterion string

const (
	SortNone       SortCriterion = ""
	SortPrice      SortCriterion = "price"
	SortDate       SortCriterion = "date"
	SortPopularity SortCriterion = "popularity"
)

// SortDirection is the requested ordering.
type SortDirection string

const (
	SortAsc  SortDirection = "asc"
	SortDesc SortDirection = "desc"
)

// QueryAnalysis is the derived, per-query understanding of a user message.
// It is never persisted on its own.
type QueryAnalysis struct {
	Original       string        `json:"original"`
	Enhanced       string        `json:"enhanced"`
	SortIntent     bool          `json:"sort_intent"`
	SortBy         SortCriterion `json:"sort_by,omitempty"`
	SortDir        SortDirection `json:"sort_dir,omitempty"`
	PriceRelated   bool          `json:"price_related"`
	Entity         string        `json:"entity,omitempty"`
	FollowUp       bool          `json:"follow_up"`
	Attributes     []string      `json:"attributes,omitempty"`
	ProductRelated bool          `json:"product_related"`
}

// Exchange is one query/response pair in a conversation.
type Exchange struct {
	Query    string         `json:"query"`
	Response string         `json:"response"`
	Analysis *QueryAnalysis `json:"analysis,omitempty"`
	Chunks   int            `json:"chunks,omitempty"`
	At       time.Time      `json:"at"`
}

// ConversationContext is what the context keeper holds for one
// conversation: the bounded exchange window and the last entity mentioned.
type ConversationContext struct {
	ConversationID string     `json:"conversation_id"`
	History        []Exchange `json:"history"`
	Entity         string     `json:"entity,omitempty"`
}

// Chatbot is a tenant: an isolated chatbot with its own corpus and index.
type Chatbot struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Role            string `json:"role,omitempty"`
	FallbackMessage string `json:"fallback_message,omitempty"`
	Model           string `json:"model,omitempty"`
	CorpusDir       string `json:"corpus_dir,omitempty"`
}

// Conversation is the persisted history of one user talking to one chatbot.
type Conversation struct {
	ID        string     `json:"id"`
	ChatbotID string     `json:"chatbot_id"`
	UserID    string     `json:"user_id"`
	History   []Exchange `json:"history"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Product is one entry of a product-template answer. Position, URL, Name,
// Price and Image are always present (possibly empty when the model left
// them out); Description and Comparison are omitted when absent.
type Product struct {
	Position    int    `json:"position"`
	URL         string `json:"url"`
	Name        string `json:"name"`
	Price       string `json:"price"`
	Image       string `json:"image"`
	Description string `json:"description,omitempty"`
	Comparison  string `json:"comparison,omitempty"`
}

// Status discriminates the outcome of a query.
type Status string

const (
	// StatusSuccess means the model answered with valid JSON.
	StatusSuccess Status = "success"
	// StatusDegraded means the model answered but not in JSON; the raw
	// cleaned text is returned as the answer.
	StatusDegraded Status = "degraded"
	// StatusError means no answer could be produced.
	StatusError Status = "error"
)

// Reply is the discriminated result returned by the query surface.
type Reply struct {
	Status         Status         `json:"status"`
	Answer         string         `json:"answer,omitempty"`
	Message        string         `json:"message,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
	Products       []Product      `json:"products,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Provider       string         `json:"provider,omitempty"`
	// Err is the cause of an error reply, for callers that map causes to
	// transport codes. It is never serialized.
	Err error `json:"-"`
}

// ErrorReply builds an error-status reply carrying msg and its cause.
func ErrorReply(msg string, cause error) Reply {
	return Reply{Status: StatusError, Message: msg, Err: cause}
}
