// Package rag turns an analysed query and its retrieved chunks into an
// answer. It builds the prompt from the chatbot's persona and the recent
// conversation, drives the provider fallback chain and recovers a JSON
// answer from whatever the model produced.
package rag

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/WessleyAI/shopbot/engine/domain"
	"github.com/WessleyAI/shopbot/pkg/fn"
	"github.com/WessleyAI/shopbot/pkg/llm"
)

var tracer = otel.Tracer("shopbot/rag")

// Completer produces a completion. *llm.Chain satisfies it.
type Completer interface {
	Complete(ctx context.Context, req llm.Request) fn.Result[llm.Completion]
}

// Options configures the Orchestrator.
type Options struct {
	// PromptExchanges is how many recent exchanges enter the prompt.
	PromptExchanges int
	// SummaryChars caps each prior answer quoted in the prompt.
	SummaryChars int
	Temperature  float32
	Logger       *slog.Logger
}

// DefaultOptions returns the prompt bounds used when none are configured.
func DefaultOptions() Options {
	return Options{
		PromptExchanges: 3,
		SummaryChars:    150,
		Temperature:     0.3,
	}
}

// Orchestrator generates replies.
type Orchestrator struct {
	generate fn.Stage[llm.Request, llm.Completion]
	opts     Options
	log      *slog.Logger
}

// NewOrchestrator creates an Orchestrator over c.
func NewOrchestrator(c Completer, opts Options) *Orchestrator {
	d := DefaultOptions()
	if opts.PromptExchanges <= 0 {
		opts.PromptExchanges = d.PromptExchanges
	}
	if opts.SummaryChars <= 0 {
		opts.SummaryChars = d.SummaryChars
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Orchestrator{
		generate: fn.TracedStage[llm.Request, llm.Completion]("rag.generate", c.Complete),
		opts:     opts,
		log:      opts.Logger,
	}
}

// Response is a reply plus the raw model text it came from, which is what
// conversation history records.
type Response struct {
	Reply domain.Reply
	Raw   string
}

// Respond answers query for bot. It never fails: an exhausted provider
// chain yields an error reply carrying the chatbot's fallback message, and
// an answer without a JSON object yields a degraded reply with the cleaned
// text.
func (o *Orchestrator) Respond(ctx context.Context, bot domain.Chatbot, query string, a domain.QueryAnalysis, chunks []string, history []domain.Exchange) Response {
	ctx, span := tracer.Start(ctx, "rag.respond")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant", bot.ID),
		attribute.Bool("rag.product", a.ProductRelated),
		attribute.Int("rag.chunks", len(chunks)),
	)

	req := llm.Request{
		System:      systemPrompt(bot, a),
		Prompt:      userPrompt(query, a, chunks, history, o.opts.PromptExchanges, o.opts.SummaryChars),
		Model:       bot.Model,
		Temperature: o.opts.Temperature,
		JSON:        true,
	}
	c, err := o.generate(ctx, req).Unwrap()
	if err != nil {
		o.log.Error("rag: provider chain exhausted", "tenant", bot.ID, "err", err)
		reply := domain.ErrorReply(fallbackMessage(bot), err)
		return Response{Reply: reply}
	}

	reply := domain.Reply{Provider: c.Provider}
	switch p := Clean(c.Text).(type) {
	case Structured:
		reply.Status = domain.StatusSuccess
		reply.Answer = AnswerText(p)
		reply.Data = p.Value
		if a.ProductRelated {
			reply.Products = Products(p.Value)
		}
		if reply.Answer == "" && len(reply.Products) == 0 {
			o.log.Warn("rag: json answer has no answer text", "tenant", bot.ID, "provider", c.Provider)
			reply.Status = domain.StatusDegraded
			reply.Answer = p.Text
		}
	case PlainText:
		o.log.Warn("rag: answer is not json", "tenant", bot.ID, "provider", c.Provider)
		reply.Status = domain.StatusDegraded
		reply.Answer = p.Text
	}
	span.SetAttributes(attribute.String("rag.status", string(reply.Status)))
	return Response{Reply: reply, Raw: c.Text}
}
