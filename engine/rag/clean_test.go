package rag

import (
	"testing"
)

func TestCleanExtractsFencedJSON(t *testing.T) {
	raw := "Sure! ```json\\n{\\\"answer\\\": \\\" hi \\\"}\\n``` thanks"
	p, ok := Clean(raw).(Structured)
	if !ok {
		t.Fatalf("expected structured, got %#v", Clean(raw))
	}
	if got := AnswerText(p); got != "hi" {
		t.Fatalf("answer = %q", got)
	}
}

func TestCleanKeepsEscapedQuotesInsideValidJSON(t *testing.T) {
	p, ok := Clean(`{"answer": "they said \"soon\""}`).(Structured)
	if !ok {
		t.Fatal("valid json rejected")
	}
	if p.Value["answer"] != `they said "soon"` {
		t.Fatalf("answer = %q", p.Value["answer"])
	}
}

func TestCleanTrimsNestedStrings(t *testing.T) {
	p, ok := Clean("```\n{\"answer\": \"ok \", \"products\": [{\"name\": \"  Slim Jeans\\n\", \"tags\": [\" a \"]}]}\n```").(Structured)
	if !ok {
		t.Fatal("expected structured")
	}
	products := p.Value["products"].([]any)
	item := products[0].(map[string]any)
	if item["name"] != "Slim Jeans" || item["tags"].([]any)[0] != "a" {
		t.Fatalf("strings not trimmed: %#v", item)
	}
}

func TestCleanFallsBackToPlainText(t *testing.T) {
	cases := map[string]string{
		"no json":      "We ship worldwide.",
		"broken json":  `{"answer": "half`,
		"reversed":     "} nothing {",
		"array only":   `["a", "b"]`,
		"fenced prose": "```\nJust text\n```",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			p, ok := Clean(raw).(PlainText)
			if !ok {
				t.Fatalf("expected plain text, got %#v", Clean(raw))
			}
			if p.Text == "" {
				t.Fatal("plain text lost")
			}
			if AnswerText(p) != p.Text {
				t.Fatalf("answer text = %q", AnswerText(p))
			}
		})
	}
	if p := Clean("```\nJust text\n```").(PlainText); p.Text != "Just text" {
		t.Fatalf("fences kept: %q", p.Text)
	}
}

func TestAnswerTextKeys(t *testing.T) {
	if got := AnswerText(Structured{Value: map[string]any{"response": "r"}}); got != "r" {
		t.Errorf("response key: %q", got)
	}
	if got := AnswerText(Structured{Value: map[string]any{"other": 1}}); got != "" {
		t.Errorf("no answer key: %q", got)
	}
}

func TestProducts(t *testing.T) {
	v := map[string]any{"products": []any{
		map[string]any{"position": float64(2), "url": "https://shop/p/2", "name": "Boot", "price": 49.5, "image": "b.jpg"},
		"junk",
		map[string]any{"position": " 7 ", "name": "Sock", "description": "wool", "comparison": "warmer"},
		map[string]any{"name": "Hat"},
	}}
	got := Products(v)
	if len(got) != 3 {
		t.Fatalf("got %+v", got)
	}
	if got[0].Position != 2 || got[0].Price != "49.5" || got[0].Image != "b.jpg" || got[0].Description != "" {
		t.Errorf("first = %+v", got[0])
	}
	if got[1].Position != 7 || got[1].Description != "wool" || got[1].Comparison != "warmer" || got[1].URL != "" {
		t.Errorf("second = %+v", got[1])
	}
	if got[2].Position != 4 {
		t.Errorf("missing position should be list place, got %d", got[2].Position)
	}
	if Products(map[string]any{"answer": "x"}) != nil {
		t.Error("no products key should give nil")
	}
}
