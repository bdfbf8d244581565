package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/WessleyAI/shopbot/pkg/config"
	"github.com/WessleyAI/shopbot/pkg/metrics"
	"github.com/WessleyAI/shopbot/pkg/resilience"
)

func stub(name, out string, err error, calls *int) Provider {
	return ProviderFunc{ProviderName: name, Fn: func(context.Context, Request) (string, error) {
		if calls != nil {
			*calls++
		}
		return out, err
	}}
}

func TestChainFallsBackInOrder(t *testing.T) {
	m := metrics.NewPipeline(metrics.New("test"))
	var primary, secondary int
	c := NewChain(nil, m).
		Add(stub("primary", "", errors.New("503"), &primary), LinkOpts{}).
		Add(stub("secondary", "answer", nil, &secondary), LinkOpts{})

	got, err := c.Complete(context.Background(), Request{Prompt: "hi"}).Unwrap()
	if err != nil {
		t.Fatal(err)
	}
	if got.Text != "answer" || got.Provider != "secondary" || primary != 1 || secondary != 1 {
		t.Fatalf("got %+v (primary=%d secondary=%d)", got, primary, secondary)
	}
	if v := testutil.ToFloat64(m.ProviderCalls.WithLabelValues("primary", "error")); v != 1 {
		t.Errorf("primary error count = %v", v)
	}
	if v := testutil.ToFloat64(m.ProviderCalls.WithLabelValues("secondary", "ok")); v != 1 {
		t.Errorf("secondary ok count = %v", v)
	}
}

func TestChainStopsAtFirstSuccess(t *testing.T) {
	var second int
	c := NewChain(nil, nil).
		Add(stub("a", "first", nil, nil), LinkOpts{}).
		Add(stub("b", "second", nil, &second), LinkOpts{})
	got, _ := c.Complete(context.Background(), Request{}).Unwrap()
	if got.Provider != "a" || second != 0 {
		t.Fatalf("expected only the primary, got %+v", got)
	}
}

func TestChainTreatsBlankAnswerAsFailure(t *testing.T) {
	c := NewChain(nil, nil).
		Add(stub("blank", "  \n", nil, nil), LinkOpts{}).
		Add(stub("real", "ok", nil, nil), LinkOpts{})
	got, _ := c.Complete(context.Background(), Request{}).Unwrap()
	if got.Provider != "real" {
		t.Fatalf("got %+v", got)
	}
}

func TestChainExhausted(t *testing.T) {
	c := NewChain(nil, nil).
		Add(stub("a", "", errors.New("boom a"), nil), LinkOpts{}).
		Add(stub("b", "", errors.New("boom b"), nil), LinkOpts{})
	r := c.Complete(context.Background(), Request{})
	if !errors.Is(r.Error(), ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", r.Error())
	}
	if msg := r.Error().Error(); !strings.Contains(msg, "boom a") || !strings.Contains(msg, "boom b") {
		t.Errorf("failures missing from %q", msg)
	}

	if !errors.Is(NewChain(nil, nil).Complete(context.Background(), Request{}).Error(), ErrExhausted) {
		t.Error("an empty chain must report exhaustion")
	}
}

func TestChainPerProviderTimeout(t *testing.T) {
	slow := ProviderFunc{ProviderName: "slow", Fn: func(ctx context.Context, _ Request) (string, error) {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(time.Second):
			return "late", nil
		}
	}}
	m := metrics.NewPipeline(metrics.New("test"))
	c := NewChain(nil, m).
		Add(slow, LinkOpts{Timeout: 10 * time.Millisecond}).
		Add(stub("fast", "ok", nil, nil), LinkOpts{})

	got, err := c.Complete(context.Background(), Request{}).Unwrap()
	if err != nil || got.Provider != "fast" {
		t.Fatalf("got %+v, %v", got, err)
	}
	if v := testutil.ToFloat64(m.ProviderCalls.WithLabelValues("slow", "timeout")); v != 1 {
		t.Errorf("timeout count = %v", v)
	}
}

func TestChainBreakerSkipsFailingProvider(t *testing.T) {
	var calls int
	m := metrics.NewPipeline(metrics.New("test"))
	c := NewChain(nil, m).
		Add(stub("flaky", "", errors.New("down"), &calls), LinkOpts{Breaker: resilience.BreakerOpts{FailThreshold: 1, Timeout: time.Hour}}).
		Add(stub("backup", "ok", nil, nil), LinkOpts{})

	for i := 0; i < 3; i++ {
		if c.Complete(context.Background(), Request{}).IsErr() {
			t.Fatal("backup should answer")
		}
	}
	if calls != 1 {
		t.Fatalf("open breaker should stop calls, got %d", calls)
	}
	if v := testutil.ToFloat64(m.ProviderCalls.WithLabelValues("flaky", "open")); v != 2 {
		t.Errorf("open count = %v", v)
	}
}

func TestChainCancelledContext(t *testing.T) {
	var calls int
	c := NewChain(nil, nil).Add(stub("a", "ok", nil, &calls), LinkOpts{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if c.Complete(ctx, Request{}).IsOk() || calls != 0 {
		t.Fatalf("expected no attempt on a cancelled context, calls=%d", calls)
	}
}

func TestOpenAIProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path %s", r.URL.Path)
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["model"] != "override" {
			t.Errorf("model = %v", body["model"])
		}
		if rf, _ := body["response_format"].(map[string]any); rf["type"] != "json_object" {
			t.Errorf("response_format = %v", body["response_format"])
		}
		if msgs, _ := body["messages"].([]any); len(msgs) != 2 {
			t.Errorf("messages = %v", body["messages"])
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"c1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"{\"answer\":\"hi\"}"},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	p := NewOpenAI(OpenAIOpts{BaseURL: srv.URL + "/v1", APIKey: "k", Model: "gpt-4o-mini"})
	out, err := p.Complete(context.Background(), Request{System: "s", Prompt: "u", Model: "override", JSON: true})
	if err != nil || out != `{"answer":"hi"}` {
		t.Fatalf("got %q, %v", out, err)
	}
	if p.Name() != "openai" {
		t.Errorf("name = %q", p.Name())
	}
}

func TestOpenAIProviderEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"c1","object":"chat.completion","choices":[]}`))
	}))
	defer srv.Close()

	_, err := NewOpenAI(OpenAIOpts{BaseURL: srv.URL, Model: "m"}).Complete(context.Background(), Request{Prompt: "u"})
	if !errors.Is(err, ErrEmptyResponse) {
		t.Fatalf("expected ErrEmptyResponse, got %v", err)
	}
}

func TestOpenAIEmbedderOrdersByIndex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			t.Errorf("path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"object":"list","model":"m","data":[` +
			`{"object":"embedding","index":1,"embedding":[0,1]},` +
			`{"object":"embedding","index":0,"embedding":[1,0]}]}`))
	}))
	defer srv.Close()

	vecs, err := NewOpenAIEmbedder(OpenAIOpts{BaseURL: srv.URL, Model: "m"}).Embed(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatal(err)
	}
	if vecs[0][0] != 1 || vecs[1][1] != 1 {
		t.Fatalf("vectors out of order: %v", vecs)
	}
}

func TestOllamaProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["model"] != "llama3.1" || body["format"] != "json" {
			t.Errorf("unexpected body %v", body)
		}
		w.Write([]byte(`{"message":{"role":"assistant","content":"local answer"},"done":true}`))
	}))
	defer srv.Close()

	out, err := NewOllama("", srv.URL, "llama3.1").Complete(context.Background(), Request{Prompt: "u", JSON: true})
	if err != nil || out != "local answer" {
		t.Fatalf("got %q, %v", out, err)
	}
}

func TestChainFromConfig(t *testing.T) {
	c, err := ChainFromConfig(config.Default().Providers, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	names := c.Providers()
	if c.Len() != 2 || names[0] != "openai" || names[1] != "ollama" {
		t.Fatalf("providers = %v", names)
	}

	if _, err := ChainFromConfig([]config.ProviderConfig{{Name: "x", Kind: "palm"}}, nil, nil); err == nil {
		t.Fatal("expected unknown kind error")
	}
	if _, err := EmbedderFromConfig(config.EmbeddingConfig{Provider: "ollama", BaseURL: "http://x", Model: "m"}); err != nil {
		t.Fatal(err)
	}
	if _, err := EmbedderFromConfig(config.EmbeddingConfig{Provider: "cohere"}); err == nil {
		t.Fatal("expected unknown embedder error")
	}
}

func TestChainAppliesModelOverridePerLink(t *testing.T) {
	var secondaryModel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		secondaryModel, _ = body["model"].(string)
		w.Write([]byte(`{"message":{"role":"assistant","content":"local answer"},"done":true}`))
	}))
	defer srv.Close()

	var primaryModel string
	primary := ProviderFunc{ProviderName: "openai", Fn: func(_ context.Context, req Request) (string, error) {
		primaryModel = req.Model
		return "", errors.New("500 internal error")
	}}
	c := NewChain(nil, nil).
		Add(primary, LinkOpts{ModelOverride: true}).
		Add(NewOllama("ollama", srv.URL, "llama3"), LinkOpts{})

	got, err := c.Complete(context.Background(), Request{Prompt: "u", Model: "gpt-4o"}).Unwrap()
	if err != nil {
		t.Fatal(err)
	}
	if got.Provider != "ollama" || got.Text != "local answer" {
		t.Fatalf("got %+v", got)
	}
	if primaryModel != "gpt-4o" {
		t.Errorf("primary model = %q", primaryModel)
	}
	if secondaryModel != "llama3" {
		t.Errorf("secondary model = %q, want its own", secondaryModel)
	}
}

func TestChainFromConfigModelOverride(t *testing.T) {
	var got []string
	record := func(name string) Provider {
		return ProviderFunc{ProviderName: name, Fn: func(_ context.Context, req Request) (string, error) {
			got = append(got, req.Model)
			return "", errors.New("down")
		}}
	}
	pcs := config.Default().Providers
	if !pcs[0].ModelOverride || pcs[1].ModelOverride {
		t.Fatalf("default overrides = %v, %v", pcs[0].ModelOverride, pcs[1].ModelOverride)
	}
	c := NewChain(nil, nil)
	for _, pc := range pcs {
		c.Add(record(pc.Name), LinkOpts{ModelOverride: pc.ModelOverride})
	}
	c.Complete(context.Background(), Request{Model: "gpt-4o"})
	if len(got) != 2 || got[0] != "gpt-4o" || got[1] != "" {
		t.Fatalf("models seen = %q", got)
	}
}
