package query

import (
	"context"
	"strings"

	"github.com/WessleyAI/shopbot/pkg/llm"
)

const classifierSystem = `You decide whether a customer message to an online shop is about products ` +
	`(finding, comparing, pricing, buying, shipping or returning items). ` +
	`Reply with exactly one word: yes or no.`

// classify asks the classifier for a verdict and falls back to the keyword
// heuristic when the call fails or the answer is neither yes nor no.
func (a *Analyzer) classify(ctx context.Context, text string, fallback bool) bool {
	if a.classifier == nil {
		return fallback
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	c, err := a.classifier.Complete(ctx, llm.Request{
		System: classifierSystem,
		Prompt: "Message: " + text,
	}).Unwrap()
	if err != nil {
		a.log.Debug("query: classifier unavailable, using keywords", "err", err)
		return fallback
	}
	v, ok := verdict(c.Text)
	if !ok {
		a.log.Debug("query: classifier verdict unclear", "answer", c.Text, "provider", c.Provider)
		return fallback
	}
	return v
}

// verdict reads the first word of a classifier answer.
func verdict(answer string) (bool, bool) {
	ws := words(strings.ToLower(answer))
	if len(ws) == 0 {
		return false, false
	}
	switch ws[0] {
	case "yes":
		return true, true
	case "no":
		return false, true
	}
	return false, false
}
