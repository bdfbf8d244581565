package query

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"

	"github.com/WessleyAI/shopbot/engine/domain"
	"github.com/WessleyAI/shopbot/pkg/fn"
	"github.com/WessleyAI/shopbot/pkg/llm"
)

type fakeCompleter struct {
	answer string
	err    error
	calls  int
	last   llm.Request
}

func (f *fakeCompleter) Complete(_ context.Context, req llm.Request) fn.Result[llm.Completion] {
	f.calls++
	f.last = req
	if f.err != nil {
		return fn.Err[llm.Completion](f.err)
	}
	return fn.Ok(llm.Completion{Text: f.answer, Provider: "fake"})
}

func TestContextFusion(t *testing.T) {
	a := New(Options{})
	cc := domain.ConversationContext{Entity: "jeans"}

	got := a.Analyze(context.Background(), "sort by price low to high", cc)
	if got.Enhanced != "jeans sort by price low to high" {
		t.Errorf("enhanced = %q", got.Enhanced)
	}
	if !got.SortIntent || got.SortBy != domain.SortPrice || got.SortDir != domain.SortAsc {
		t.Errorf("sort = %v %q %q", got.SortIntent, got.SortBy, got.SortDir)
	}
	if got.Entity != "jeans" || !got.FollowUp || !got.PriceRelated {
		t.Errorf("unexpected analysis %+v", got)
	}
	if got.Original != "sort by price low to high" {
		t.Errorf("original = %q", got.Original)
	}
}

func TestNoFusionWhenEntityPresent(t *testing.T) {
	a := New(Options{})
	got := a.Analyze(context.Background(), "also show me red boots", domain.ConversationContext{Entity: "jeans"})
	if got.Enhanced != "also show me red boots" || got.Entity != "red boots" {
		t.Fatalf("got %+v", got)
	}
}

func TestNoFusionWithoutPriorEntity(t *testing.T) {
	a := New(Options{})
	got := a.Analyze(context.Background(), "how much is it?", domain.ConversationContext{})
	if got.Enhanced != "how much is it?" || got.Entity != "" || !got.FollowUp {
		t.Fatalf("got %+v", got)
	}
}

func TestDetectSort(t *testing.T) {
	tests := []struct {
		q      string
		intent bool
		by     domain.SortCriterion
		dir    domain.SortDirection
	}{
		{"sort by price low to high", true, domain.SortPrice, domain.SortAsc},
		{"order these by price", true, domain.SortPrice, domain.SortDesc},
		{"list them from lowest price", true, domain.SortPrice, domain.SortAsc},
		{"show only the latest arrivals", true, domain.SortDate, domain.SortDesc},
		{"arrange by most popular", true, domain.SortPopularity, domain.SortDesc},
		{"filter the results", true, domain.SortNone, ""},
		{"sorted by price please", true, domain.SortPrice, domain.SortDesc},
		{"what is the price of this hat", false, domain.SortNone, ""},
		{"listing by price, lowest first", true, domain.SortPrice, domain.SortAsc},
		{"arranged by popular picks", true, domain.SortPopularity, domain.SortDesc},
		{"i want to listen to music", false, domain.SortNone, ""},
		{"is this an ordinary sortie", false, domain.SortNone, ""},
		{"a filtration jug", false, domain.SortNone, ""},
	}
	for _, tt := range tests {
		t.Run(tt.q, func(t *testing.T) {
			intent, by, dir := DetectSort(tt.q)
			if intent != tt.intent || by != tt.by || dir != tt.dir {
				t.Errorf("got %v %q %q, want %v %q %q", intent, by, dir, tt.intent, tt.by, tt.dir)
			}
		})
	}
}

func TestExtractEntity(t *testing.T) {
	tests := []struct{ q, want string }{
		{"show me jeans", "jeans"},
		{"show me the red jeans under $50", "red jeans"},
		{"i'm looking for a leather wallet, please", "leather wallet"},
		{"can you find slim fit black chinos for work", "slim fit black"},
		{"search for wireless headphones", "wireless headphones"},
		{"tell me about the return policy", "return policy"},
		{"do you have cheap red boots", "cheap red boots"},
		{"i need a warm winter wool coat", "warm winter wool coat"},
		{"what are your opening hours", ""},
		{"sort by price low to high", ""},
	}
	for _, tt := range tests {
		t.Run(tt.q, func(t *testing.T) {
			if got := ExtractEntity(tt.q); got != tt.want {
				t.Errorf("ExtractEntity(%q) = %q, want %q", tt.q, got, tt.want)
			}
		})
	}
}

func TestIsFollowUp(t *testing.T) {
	tests := map[string]bool{
		"it looks great":           true,
		"those are nice, any blue": true,
		"how much are they":        true,
		"tell me more":             true,
		"what about the green one": true,
		"sort by newest":           true,
		"show me jeans":            false,
		"hello there":              false,
		"item details":             false,
		"sorting by newest":        true,
		"ordinary day":             false,
	}
	for q, want := range tests {
		if got := IsFollowUp(q); got != want {
			t.Errorf("IsFollowUp(%q) = %v, want %v", q, got, want)
		}
	}
}

func TestAttributes(t *testing.T) {
	got := Attributes("red cotton shirt in xl, or a red linen one")
	want := []string{"red", "cotton", "xl", "linen"}
	if !slices.Equal(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestKeywordClassification(t *testing.T) {
	a := New(Options{})
	tests := map[string]bool{
		"do you offer free shipping?":  true,
		"i want to buy a gift":         true,
		"show me jeans":                true,
		"hi, how are you today?":       false,
		"what are your opening hours?": false,
		"i want to listen to music":    false,
	}
	for q, want := range tests {
		if got := a.Analyze(context.Background(), q, domain.ConversationContext{}); got.ProductRelated != want {
			t.Errorf("%q: product = %v, want %v", q, got.ProductRelated, want)
		}
	}
}

func TestClassifierOverridesKeywords(t *testing.T) {
	tests := []struct {
		name   string
		answer string
		err    error
		q      string
		want   bool
	}{
		{"yes overrides", "Yes.", nil, "hi, how are you today?", true},
		{"no overrides", "no", nil, "do you offer free shipping?", false},
		{"quoted verdict", `"YES"`, nil, "hello", true},
		{"unclear keeps keywords", "maybe", nil, "do you offer free shipping?", true},
		{"not sure is unclear", "not sure", nil, "hello", false},
		{"failure keeps keywords", "", errors.New("down"), "do you offer free shipping?", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &fakeCompleter{answer: tt.answer, err: tt.err}
			a := New(Options{Classifier: c})
			got := a.Analyze(context.Background(), tt.q, domain.ConversationContext{})
			if got.ProductRelated != tt.want {
				t.Errorf("product = %v, want %v", got.ProductRelated, tt.want)
			}
			if c.calls != 1 {
				t.Errorf("classifier called %d times", c.calls)
			}
			if !strings.Contains(c.last.Prompt, tt.q) {
				t.Errorf("prompt %q does not carry the query", c.last.Prompt)
			}
		})
	}
}

func TestClassifierSeesEnhancedQuery(t *testing.T) {
	c := &fakeCompleter{answer: "yes"}
	a := New(Options{Classifier: c})
	a.Analyze(context.Background(), "how much is it", domain.ConversationContext{Entity: "red boots"})
	if !strings.Contains(c.last.Prompt, "red boots how much is it") {
		t.Fatalf("prompt = %q", c.last.Prompt)
	}
}

func TestClassifierThroughChain(t *testing.T) {
	chain := llm.NewChain(nil, nil).
		Add(llm.ProviderFunc{ProviderName: "down", Fn: func(context.Context, llm.Request) (string, error) {
			return "", errors.New("503")
		}}, llm.LinkOpts{}).
		Add(llm.ProviderFunc{ProviderName: "up", Fn: func(context.Context, llm.Request) (string, error) {
			return "no", nil
		}}, llm.LinkOpts{})

	a := New(Options{Classifier: chain})
	if got := a.Analyze(context.Background(), "buy now", domain.ConversationContext{}); got.ProductRelated {
		t.Fatal("secondary provider verdict ignored")
	}
}
