package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/WessleyAI/shopbot/engine/corpus"
	"github.com/WessleyAI/shopbot/engine/domain"
	"github.com/WessleyAI/shopbot/engine/ingest"
	"github.com/WessleyAI/shopbot/engine/rag"
	"github.com/WessleyAI/shopbot/engine/store"
	"github.com/WessleyAI/shopbot/pkg/llm"
	"github.com/WessleyAI/shopbot/pkg/metrics"
	"github.com/WessleyAI/shopbot/pkg/mid"
)

// --- fakes ---

type fakeQuerier struct {
	got   rag.Query
	reply domain.Reply
	// owners maps conversation ids to their tenant.
	owners  map[string]string
	forgot  []string
	tenants []string
}

func (f *fakeQuerier) ForgetConversation(_ context.Context, tenant, id string) error {
	if f.owners[id] != tenant {
		return fmt.Errorf("rag: forget conversation %s: %w", id, domain.ErrNotFound)
	}
	f.forgot = append(f.forgot, id)
	return nil
}

func (f *fakeQuerier) ForgetTenant(_ context.Context, tenant string) error {
	f.tenants = append(f.tenants, tenant)
	return nil
}

func (f *fakeQuerier) ProcessQuery(_ context.Context, q rag.Query) domain.Reply {
	f.got = q
	r := f.reply
	r.ConversationID = q.ConversationID
	return r
}

type fakeIndex map[string]domain.IndexMetadata

func (f fakeIndex) Metadata(_ context.Context, tenant string) (domain.IndexMetadata, error) {
	m, ok := f[tenant]
	if !ok {
		return m, fmt.Errorf("corpus: %s: %w", tenant, domain.ErrIndexMissing)
	}
	return m, nil
}

type fakeBuilder struct {
	calls []ingest.RebuildRequest
	err   error
}

func (b *fakeBuilder) BuildDir(_ context.Context, tenant, dir string, force bool) (corpus.BuildResult, error) {
	b.calls = append(b.calls, ingest.RebuildRequest{TenantID: tenant, SourceDir: dir, Force: force})
	if b.err != nil {
		return corpus.BuildResult{}, b.err
	}
	return corpus.BuildResult{Metadata: domain.IndexMetadata{TenantID: tenant, Chunks: 3, Generation: "g7"}}, nil
}

type testServer struct {
	*server
	q       *fakeQuerier
	records *store.Records
	builder *fakeBuilder
	handler http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	records := store.NewMemory()
	if err := records.SaveChatbot(context.Background(), domain.Chatbot{ID: "acme", Name: "Acme", CorpusDir: "/data/acme"}); err != nil {
		t.Fatal(err)
	}
	ts := &testServer{
		q:       &fakeQuerier{reply: domain.Reply{Status: domain.StatusSuccess, Answer: "hi"}},
		records: records,
		builder: &fakeBuilder{},
	}
	reg := metrics.New("api_test")
	ts.server = &server{
		queries:  ts.q,
		index:    fakeIndex{"acme": {TenantID: "acme", Chunks: 12, Generation: "g1", BuiltAt: time.Unix(0, 0).UTC()}},
		bots:     records,
		convs:    records,
		rebuild:  inlineRebuild(ingest.NewWorker(nil, ingest.Deps{Builder: ts.builder, CorpusRoot: "/data", Logger: log})),
		root:     "/data",
		log:      log,
		metrics:  reg.Handler(),
		backend:  "flat",
		provider: []string{"openai", "ollama"},
	}
	ts.handler = mid.Chain(ts.routes(), mid.RequestID(), mid.Recover(log), mid.Metrics(reg), mid.BodyLimit(maxBody))
	return ts
}

func (ts *testServer) do(method, path, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, httptest.NewRequest(method, path, r))
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

// --- tests ---

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do("GET", "/api/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	resp := decode[map[string]any](t, rec)
	if resp["status"] != "ok" || resp["backend"] != "flat" {
		t.Fatalf("health = %v", resp)
	}
	if rec.Header().Get(mid.RequestIDHeader) == "" {
		t.Fatal("request id header missing")
	}
}

func TestQueryPassesRequestThrough(t *testing.T) {
	ts := newTestServer(t)
	body := `{"user_id":"u1","conversation_id":"c1","query":"blue jeans","history":[{"query":"hi","response":"hello"}]}`
	rec := ts.do("POST", "/api/chatbots/acme/query", body)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	got := ts.q.got
	if got.TenantID != "acme" || got.UserID != "u1" || got.ConversationID != "c1" || got.Text != "blue jeans" {
		t.Fatalf("query = %+v", got)
	}
	if len(got.History) != 1 || got.History[0].Response != "hello" {
		t.Fatalf("history = %+v", got.History)
	}
	reply := decode[domain.Reply](t, rec)
	if reply.Status != domain.StatusSuccess || reply.Answer != "hi" || reply.ConversationID != "c1" {
		t.Fatalf("reply = %+v", reply)
	}
}

func TestQueryWithoutHistoryKeepsNil(t *testing.T) {
	ts := newTestServer(t)
	ts.do("POST", "/api/chatbots/acme/query", `{"user_id":"u1","query":"jeans"}`)
	if ts.q.got.History != nil {
		t.Fatal("absent history must not replace the stored one")
	}
}

func TestQueryStatusMapping(t *testing.T) {
	cases := []struct {
		name  string
		reply domain.Reply
		want  int
	}{
		{"success", domain.Reply{Status: domain.StatusSuccess}, http.StatusOK},
		{"degraded", domain.Reply{Status: domain.StatusDegraded}, http.StatusOK},
		{"not found", domain.ErrorReply("chatbot not found", fmt.Errorf("x: %w", domain.ErrNotFound)), http.StatusNotFound},
		{"validation", domain.ErrorReply("query is empty", domain.NewValidationError("query", "", domain.ErrQueryTooShort)), http.StatusBadRequest},
		{"exhausted", domain.ErrorReply("Please email us.", fmt.Errorf("%w: timeout", llm.ErrExhausted)), http.StatusOK},
		{"internal", domain.ErrorReply("could not load chatbot", errors.New("neo4j down")), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestServer(t)
			ts.q.reply = tc.reply
			rec := ts.do("POST", "/api/chatbots/acme/query", `{"query":"jeans"}`)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, rec.Code)
			}
			if reply := decode[domain.Reply](t, rec); reply.Status != tc.reply.Status {
				t.Fatalf("status = %s", reply.Status)
			}
		})
	}
}

func TestQueryInvalidJSON(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do("POST", "/api/chatbots/acme/query", "not json")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestQueryBodyTooLarge(t *testing.T) {
	ts := newTestServer(t)
	big := `{"query":"` + strings.Repeat("a", maxBody) + `"}`
	rec := ts.do("POST", "/api/chatbots/acme/query", big)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestRebuildInline(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do("POST", "/api/chatbots/acme/rebuild", `{"force":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	ev := decode[ingest.RebuiltEvent](t, rec)
	if ev.Chunks != 3 || ev.Generation != "g7" {
		t.Fatalf("event = %+v", ev)
	}
	if c := ts.builder.calls[0]; c.SourceDir != "/data/acme" || !c.Force {
		t.Fatalf("build call = %+v", c)
	}
}

func TestRebuildWithoutBody(t *testing.T) {
	ts := newTestServer(t)
	if rec := ts.do("POST", "/api/chatbots/acme/rebuild", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ts.builder.calls[0].Force {
		t.Fatal("force set without a body")
	}
}

func TestRebuildErrors(t *testing.T) {
	ts := newTestServer(t)
	if rec := ts.do("POST", "/api/chatbots/nobody/rebuild", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown chatbot: %d", rec.Code)
	}

	ts.builder.err = domain.ErrEmptyCorpus
	if rec := ts.do("POST", "/api/chatbots/acme/rebuild", ""); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("empty corpus: %d", rec.Code)
	}

	ts.builder.err = errors.New("embedding service down")
	if rec := ts.do("POST", "/api/chatbots/acme/rebuild", ""); rec.Code != http.StatusInternalServerError {
		t.Fatalf("build failure: %d", rec.Code)
	}
}

func TestRebuildRejectsCorpusDirOutsideTenant(t *testing.T) {
	ts := newTestServer(t)
	for _, dir := range []string{"/etc", "../other-tenant"} {
		ts.records.SaveChatbot(context.Background(), domain.Chatbot{ID: "rogue", Name: "Rogue", CorpusDir: dir})
		if rec := ts.do("POST", "/api/chatbots/rogue/rebuild", ""); rec.Code != http.StatusBadRequest {
			t.Fatalf("corpus_dir %q: %d %s", dir, rec.Code, rec.Body)
		}
	}
	if len(ts.builder.calls) != 0 {
		t.Fatalf("builder reached: %+v", ts.builder.calls)
	}
}

func TestRebuildQueued(t *testing.T) {
	ts := newTestServer(t)
	var queued ingest.RebuildRequest
	ts.rebuild = func(_ context.Context, req ingest.RebuildRequest) (*ingest.RebuiltEvent, error) {
		queued = req
		return nil, nil
	}
	rec := ts.do("POST", "/api/chatbots/acme/rebuild", "")
	if rec.Code != http.StatusAccepted || queued.TenantID != "acme" {
		t.Fatalf("code %d, queued %+v", rec.Code, queued)
	}
}

func TestIndexMetadata(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do("GET", "/api/chatbots/acme/index", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if meta := decode[domain.IndexMetadata](t, rec); meta.Chunks != 12 || meta.Generation != "g1" {
		t.Fatalf("meta = %+v", meta)
	}
	if rec := ts.do("GET", "/api/chatbots/other/index", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("missing index: %d", rec.Code)
	}
}

func TestChatbotCRUD(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do("PUT", "/api/chatbots/denim", `{"id":"ignored","name":"Denim Co","fallback_message":"Call us."}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("put: %d %s", rec.Code, rec.Body)
	}
	bot, ok, _ := ts.records.Chatbot(context.Background(), "denim")
	if !ok || bot.Name != "Denim Co" || bot.FallbackMessage != "Call us." {
		t.Fatalf("stored = %+v %v", bot, ok)
	}

	if rec := ts.do("GET", "/api/chatbots/denim", ""); decode[domain.Chatbot](t, rec).Name != "Denim Co" {
		t.Fatal("get returned the wrong chatbot")
	}
	if bots := decode[[]domain.Chatbot](t, ts.do("GET", "/api/chatbots", "")); len(bots) != 2 {
		t.Fatalf("list = %+v", bots)
	}
	if rec := ts.do("DELETE", "/api/chatbots/denim", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", rec.Code)
	}
	if rec := ts.do("GET", "/api/chatbots/denim", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete: %d", rec.Code)
	}
	if rec := ts.do("PUT", "/api/chatbots/.hidden", `{"name":"x"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid id: %d", rec.Code)
	}
	if rec := ts.do("PUT", "/api/chatbots/denim", `{`); rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid body: %d", rec.Code)
	}
}

func TestDeleteChatbotForgetsConversations(t *testing.T) {
	ts := newTestServer(t)
	if rec := ts.do("DELETE", "/api/chatbots/acme", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", rec.Code)
	}
	if len(ts.q.tenants) != 1 || ts.q.tenants[0] != "acme" {
		t.Fatalf("forgotten tenants = %v", ts.q.tenants)
	}
}

func TestDeleteConversation(t *testing.T) {
	ts := newTestServer(t)
	ts.q.owners = map[string]string{"c1": "acme", "c2": "other"}

	if rec := ts.do("DELETE", "/api/chatbots/acme/conversations/c1", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("delete own: %d", rec.Code)
	}
	if rec := ts.do("DELETE", "/api/chatbots/acme/conversations/c2", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("delete other tenant's: %d", rec.Code)
	}
	if rec := ts.do("DELETE", "/api/chatbots/nobody/conversations/c1", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("delete under unknown chatbot: %d", rec.Code)
	}
	if len(ts.q.forgot) != 1 || ts.q.forgot[0] != "c1" {
		t.Fatalf("forgotten = %v", ts.q.forgot)
	}
}

func TestPutChatbotCorpusDir(t *testing.T) {
	ts := newTestServer(t)
	for _, dir := range []string{"/etc", "../other-tenant", "/data/acme"} {
		if rec := ts.do("PUT", "/api/chatbots/denim", `{"name":"Denim Co","corpus_dir":"`+dir+`"}`); rec.Code != http.StatusBadRequest {
			t.Fatalf("corpus_dir %q: %d", dir, rec.Code)
		}
	}
	if _, ok, _ := ts.records.Chatbot(context.Background(), "denim"); ok {
		t.Fatal("chatbot with an outside corpus_dir was stored")
	}
	if rec := ts.do("PUT", "/api/chatbots/denim", `{"name":"Denim Co","corpus_dir":"/data/denim/feeds"}`); rec.Code != http.StatusOK {
		t.Fatalf("inside corpus_dir: %d %s", rec.Code, rec.Body)
	}
}

func TestConversationsList(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	ts.records.SaveConversation(ctx, domain.Conversation{ID: "c1", ChatbotID: "acme", History: []domain.Exchange{{Query: "hi"}}})
	ts.records.SaveConversation(ctx, domain.Conversation{ID: "c2", ChatbotID: "other"})

	convs := decode[[]domain.Conversation](t, ts.do("GET", "/api/chatbots/acme/conversations", ""))
	if len(convs) != 1 || convs[0].ID != "c1" {
		t.Fatalf("convs = %+v", convs)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.do("GET", "/api/health", "")
	rec := ts.do("GET", "/metrics", "")
	if rec.Code != http.StatusOK || !bytes.Contains(rec.Body.Bytes(), []byte("api_test_http_requests_total")) {
		t.Fatalf("metrics: %d", rec.Code)
	}
}
