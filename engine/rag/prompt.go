package rag

import (
	"fmt"
	"strings"

	"github.com/WessleyAI/shopbot/engine/domain"
)

const (
	defaultRole     = "a helpful shopping assistant"
	defaultFallback = "I'm sorry, I can't answer that right now. Please try again in a moment."
)

const productSystem = `You are %s, %s.
Answer the shopper using ONLY the catalogue context provided. Reply with one JSON object and no text outside it:
{"answer": "<short reply to the shopper>", "products": [{"position": 1, "url": "", "name": "", "price": "", "image": "", "description": "", "comparison": ""}]}
Every product must carry position, url, name, price and image; description and comparison are optional.
Number positions from 1 in the order the products appear in the context.
If the context holds nothing relevant, return an empty products list and set answer to: %q`

const conversationalSystem = `You are %s, %s.
Decide whether the message is casual chat, a support question (orders, shipping, returns, store policies) or irrelevant to the store, and reply in kind.
Use the context when it answers a support question. Reply with one JSON object and no text outside it:
{"answer": "<your reply>", "category": "casual|support|irrelevant"}
If you cannot help, set answer to: %q`

// systemPrompt picks the product or conversational template for a.
func systemPrompt(bot domain.Chatbot, a domain.QueryAnalysis) string {
	name := bot.Name
	if name == "" {
		name = bot.ID
	}
	role := bot.Role
	if role == "" {
		role = defaultRole
	}
	tmpl := conversationalSystem
	if a.ProductRelated {
		tmpl = productSystem
	}
	return fmt.Sprintf(tmpl, name, role, fallbackMessage(bot))
}

func fallbackMessage(bot domain.Chatbot) string {
	if bot.FallbackMessage != "" {
		return bot.FallbackMessage
	}
	return defaultFallback
}

// userPrompt lays out the recent history, the retrieved context and the
// query. Only the newest exchanges are included and each prior answer is
// summarised to summaryChars.
func userPrompt(query string, a domain.QueryAnalysis, chunks []string, history []domain.Exchange, exchanges, summaryChars int) string {
	var b strings.Builder
	if len(history) > exchanges {
		history = history[len(history)-exchanges:]
	}
	if len(history) > 0 {
		b.WriteString("Conversation so far:\n")
		for _, ex := range history {
			fmt.Fprintf(&b, "Shopper: %s\nAssistant: %s\n", ex.Query, summarise(ex.Response, summaryChars))
		}
		b.WriteString("\n")
	}

	b.WriteString("Context:\n")
	if len(chunks) == 0 {
		b.WriteString("(no matching catalogue entries)\n")
	}
	for i, c := range chunks {
		fmt.Fprintf(&b, "[%d] %s\n", i+1, c)
	}
	if a.SortIntent && a.SortBy == domain.SortPrice {
		order := "highest to lowest"
		if a.SortDir == domain.SortAsc {
			order = "lowest to highest"
		}
		fmt.Fprintf(&b, "The context is already sorted by price, %s. Keep that order.\n", order)
	}

	fmt.Fprintf(&b, "\nShopper: %s\n", query)
	return b.String()
}

// summarise reduces a stored response to its answer text, cut to n runes.
func summarise(response string, n int) string {
	text := AnswerText(Clean(response))
	if text == "" {
		text = strings.TrimSpace(response)
	}
	text = strings.Join(strings.Fields(text), " ")
	r := []rune(text)
	if n <= 0 || len(r) <= n {
		return text
	}
	return strings.TrimSpace(string(r[:n])) + "..."
}
