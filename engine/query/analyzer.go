// Package query derives a QueryAnalysis from a user message: sort intent,
// the entity it refers to, whether it follows up on an earlier exchange and
// whether it is about products at all.
package query

import (
	"context"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/WessleyAI/shopbot/engine/domain"
	"github.com/WessleyAI/shopbot/pkg/fn"
	"github.com/WessleyAI/shopbot/pkg/llm"
)

var tracer = otel.Tracer("shopbot/query")

// Completer is the text completion surface the classifier needs.
// *llm.Chain satisfies it.
type Completer interface {
	Complete(ctx context.Context, req llm.Request) fn.Result[llm.Completion]
}

// Options configures an Analyzer.
type Options struct {
	// Classifier, when set, is asked for a yes/no product verdict that
	// overrides the keyword heuristic.
	Classifier Completer
	// ClassifyTimeout bounds the classifier call. Defaults to 10s.
	ClassifyTimeout time.Duration
	Logger          *slog.Logger
}

// Analyzer turns a query plus its conversation context into a QueryAnalysis.
// It is safe for concurrent use.
type Analyzer struct {
	classifier Completer
	timeout    time.Duration
	log        *slog.Logger
}

// New creates an Analyzer.
func New(opts Options) *Analyzer {
	if opts.ClassifyTimeout <= 0 {
		opts.ClassifyTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Analyzer{classifier: opts.Classifier, timeout: opts.ClassifyTimeout, log: opts.Logger}
}

// Analyze classifies q. A follow-up that names no entity of its own inherits
// the entity held in cc, which is prefixed onto the enhanced query.
func (a *Analyzer) Analyze(ctx context.Context, q string, cc domain.ConversationContext) domain.QueryAnalysis {
	ctx, span := tracer.Start(ctx, "query.analyze")
	defer span.End()

	q = strings.TrimSpace(q)
	lower := strings.ToLower(q)
	an := domain.QueryAnalysis{Original: q, Enhanced: q}

	an.SortIntent, an.SortBy, an.SortDir = DetectSort(lower)
	an.PriceRelated = priceRelateRe.MatchString(lower)
	an.Entity = ExtractEntity(lower)
	an.FollowUp = IsFollowUp(lower)
	an.Attributes = Attributes(lower)

	if an.FollowUp && an.Entity == "" && cc.Entity != "" {
		an.Enhanced = cc.Entity + " " + q
		an.Entity = cc.Entity
	}

	fallback := KeywordProduct(lower) || an.Entity != "" || an.SortIntent
	an.ProductRelated = a.classify(ctx, an.Enhanced, fallback)

	span.SetAttributes(
		attribute.Bool("sort_intent", an.SortIntent),
		attribute.Bool("follow_up", an.FollowUp),
		attribute.Bool("product", an.ProductRelated),
	)
	return an
}

// DetectSort reports a sort/filter request and its criterion. lower must be
// lowercased. A sort request naming no known criterion returns SortNone.
func DetectSort(lower string) (bool, domain.SortCriterion, domain.SortDirection) {
	if !sortRe.MatchString(lower) {
		return false, domain.SortNone, ""
	}
	switch {
	case priceWordRe.MatchString(lower):
		if lowRe.MatchString(lower) {
			return true, domain.SortPrice, domain.SortAsc
		}
		return true, domain.SortPrice, domain.SortDesc
	case dateWordRe.MatchString(lower):
		return true, domain.SortDate, domain.SortDesc
	case popularRe.MatchString(lower):
		return true, domain.SortPopularity, domain.SortDesc
	}
	return true, domain.SortNone, ""
}

// ExtractEntity returns the product phrase lower refers to: up to three
// words after an indicator phrase, or else a known product type with up to
// three modifiers before it.
func ExtractEntity(lower string) string {
	if loc := indicatorRe.FindStringIndex(lower); loc != nil {
		if e := phraseAfter(lower[loc[1]:]); e != "" {
			return e
		}
	}
	return vocabularyEntity(words(lower))
}

func phraseAfter(rest string) string {
	if i := strings.IndexAny(rest, ".,!?;:"); i >= 0 {
		rest = rest[:i]
	}
	ws := words(rest)
	for len(ws) > 0 && articles[ws[0]] {
		ws = ws[1:]
	}
	var out []string
	for _, w := range ws {
		if len(out) == 3 || stopWords[w] {
			break
		}
		out = append(out, w)
	}
	return strings.Join(out, " ")
}

func vocabularyEntity(ws []string) string {
	for i, w := range ws {
		if !productTypeSet[w] {
			continue
		}
		start := i
		for start > 0 && i-start < 3 && !stopWords[ws[start-1]] {
			start--
		}
		return strings.Join(ws[start:i+1], " ")
	}
	return ""
}

// IsFollowUp reports whether lower opens with a referential pronoun or
// contains a follow-up phrase.
func IsFollowUp(lower string) bool {
	ws := words(lower)
	if len(ws) > 0 && followUpPronouns[ws[0]] {
		return true
	}
	return followUpRe.MatchString(lower)
}

// Attributes lists colour, size and material words in order of appearance.
func Attributes(lower string) []string {
	var out []string
	for _, w := range words(lower) {
		if attributeSet[w] {
			out = append(out, w)
		}
	}
	return fn.Unique(out)
}

// KeywordProduct is the heuristic product classifier.
func KeywordProduct(lower string) bool {
	return productRe.MatchString(lower)
}

func words(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '\''
	})
}
