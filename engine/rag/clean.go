package rag

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/WessleyAI/shopbot/engine/domain"
)

// Parsed is the outcome of cleaning a model answer: Structured when a JSON
// object could be recovered from it, PlainText otherwise.
type Parsed interface {
	cleaned() string
}

// Structured is a model answer that held a JSON object.
type Structured struct {
	Value map[string]any
	Text  string
}

// PlainText is a model answer with no usable JSON object.
type PlainText struct {
	Text string
}

func (s Structured) cleaned() string { return s.Text }
func (p PlainText) cleaned() string  { return p.Text }

var (
	fenceRe   = regexp.MustCompile("```[A-Za-z]*")
	unescaper = strings.NewReplacer(`\n`, "\n", `\"`, `"`)
)

// Clean strips code fences, recovers the span from the first '{' to the
// last '}' and parses it as a JSON object with every string trimmed. Escaped
// newlines and quotes are unescaped when the span does not parse as is.
func Clean(raw string) Parsed {
	text := strings.TrimSpace(fenceRe.ReplaceAllString(raw, ""))
	if v, ok := objectIn(text); ok {
		return Structured{Value: v, Text: text}
	}
	text = strings.TrimSpace(unescaper.Replace(text))
	if v, ok := objectIn(text); ok {
		return Structured{Value: v, Text: text}
	}
	return PlainText{Text: text}
}

func objectIn(text string) (map[string]any, bool) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, false
	}
	var v map[string]any
	if err := json.Unmarshal([]byte(text[start:end+1]), &v); err != nil {
		return nil, false
	}
	return trimStrings(v).(map[string]any), true
}

func trimStrings(v any) any {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case map[string]any:
		for k, e := range t {
			t[k] = trimStrings(e)
		}
		return t
	case []any:
		for i, e := range t {
			t[i] = trimStrings(e)
		}
		return t
	default:
		return v
	}
}

// answerKeys are tried in order for the shopper-facing text of a
// structured answer.
var answerKeys = []string{"answer", "response", "message"}

// AnswerText returns the shopper-facing text of p, or "" when a structured
// answer carries none of answerKeys.
func AnswerText(p Parsed) string {
	s, ok := p.(Structured)
	if !ok {
		return p.cleaned()
	}
	for _, k := range answerKeys {
		if a, ok := s.Value[k].(string); ok && a != "" {
			return a
		}
	}
	return ""
}

// Products reads the "products" list of a structured answer. Entries that
// are not objects are skipped; a missing position takes the entry's
// one-based place in the list.
func Products(v map[string]any) []domain.Product {
	list, _ := v["products"].([]any)
	var out []domain.Product
	for i, e := range list {
		m, ok := e.(map[string]any)
		if !ok {
			continue
		}
		p := domain.Product{
			URL:         field(m, "url"),
			Name:        field(m, "name"),
			Price:       field(m, "price"),
			Image:       field(m, "image"),
			Description: field(m, "description"),
			Comparison:  field(m, "comparison"),
		}
		p.Position = i + 1
		switch pos := m["position"].(type) {
		case float64:
			p.Position = int(pos)
		case string:
			if n, err := strconv.Atoi(strings.TrimSpace(pos)); err == nil {
				p.Position = n
			}
		}
		out = append(out, p)
	}
	return out
}

func field(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}
