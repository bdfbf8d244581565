package chunker

import (
	"math/rand"
	"strings"
	"testing"

	"github.com/WessleyAI/shopbot/engine/domain"
)

func doc(path, content string) domain.SourceDocument {
	return domain.SourceDocument{Path: path, Content: []byte(content)}
}

func texts(chunks []domain.Chunk) []string {
	out := make([]string, len(chunks))
	for i, c := range chunks {
		out[i] = c.Text
	}
	return out
}

type skipRecorder struct {
	reasons []string
}

func (s *skipRecorder) record(_ string, reason string) { s.reasons = append(s.reasons, reason) }

func TestTabularRowsOmitMissingCells(t *testing.T) {
	c := New(Options{})
	got := texts(c.Chunk(doc("catalog.csv", "name,price,color\nShirt,$20,\nJeans,NaN,blue\n,,\n")))
	want := []string{"name: Shirt | price: $20", "name: Jeans | color: blue"}
	if len(got) != len(want) {
		t.Fatalf("got %d chunks: %q", len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("chunk %d: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestTabularTSVAndURL(t *testing.T) {
	c := New(Options{})
	chunks := c.Chunk(doc("feed.tsv", "title\turl\nBoots\thttps://shop.test/boots\n"))
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	if chunks[0].Text != "title: Boots | url: https://shop.test/boots" {
		t.Errorf("text: %q", chunks[0].Text)
	}
	if chunks[0].URL != "https://shop.test/boots" || chunks[0].Source != "feed.tsv" {
		t.Errorf("unexpected chunk %+v", chunks[0])
	}
}

func TestMarkdownClosesAtHeadings(t *testing.T) {
	src := "# A\nalpha\n\n# B\nbeta\n"

	one := New(Options{}).Chunk(doc("faq.md", src))
	if len(one) != 1 || one[0].Section != "A" {
		t.Fatalf("expected sections merged under the cap, got %+v", one)
	}

	two := New(Options{SoftCap: 12}).Chunk(doc("faq.md", src))
	if len(two) != 2 {
		t.Fatalf("expected 2 chunks, got %q", texts(two))
	}
	if two[0].Text != "# A\nalpha" || two[0].Section != "A" {
		t.Errorf("first chunk %+v", two[0])
	}
	if two[1].Text != "# B\nbeta" || two[1].Section != "B" {
		t.Errorf("second chunk %+v", two[1])
	}
}

func TestMarkdownSplitsOversizedSection(t *testing.T) {
	lines := []string{"## Sizes"}
	for i := 0; i < 10; i++ {
		lines = append(lines, strings.Repeat("s", 30))
	}
	chunks := New(Options{SoftCap: 80}).Chunk(doc("sizes.md", strings.Join(lines, "\n")))
	if len(chunks) < 2 {
		t.Fatalf("expected the section to be split, got %d chunks", len(chunks))
	}
	for _, ch := range chunks {
		if runeLen(ch.Text) > 80 {
			t.Errorf("chunk over cap: %d", runeLen(ch.Text))
		}
		if ch.Section != "Sizes" {
			t.Errorf("section = %q", ch.Section)
		}
	}
}

func TestTextPacksParagraphs(t *testing.T) {
	p := strings.Repeat("a", 400)
	chunks := New(Options{}).Chunk(doc("about.txt", p+"\n\n"+p+"\n \n"+p))
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	if runeLen(chunks[0].Text) != 802 || runeLen(chunks[1].Text) != 400 {
		t.Errorf("lengths %d, %d", runeLen(chunks[0].Text), runeLen(chunks[1].Text))
	}
}

func TestTextOversizedParagraphStaysWhole(t *testing.T) {
	long := strings.Repeat("b", 1500)
	chunks := New(Options{}).Chunk(doc("long.txt", "short\n\n"+long+"\n\ntail"))
	got := texts(chunks)
	if len(got) != 3 || got[1] != long {
		t.Fatalf("unexpected chunks: %d", len(got))
	}
}

func TestChunkSizeBound(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	const softCap = 300
	c := New(Options{SoftCap: softCap})

	for trial := 0; trial < 50; trial++ {
		var paras []string
		for i := 0; i < 1+rng.Intn(20); i++ {
			words := make([]string, 1+rng.Intn(80))
			for j := range words {
				words[j] = strings.Repeat("w", 1+rng.Intn(9))
			}
			paras = append(paras, strings.Join(words, " "))
		}
		for _, ch := range c.Chunk(doc("gen.txt", strings.Join(paras, "\n\n"))) {
			n := runeLen(ch.Text)
			if n > softCap && strings.Contains(ch.Text, "\n\n") {
				t.Fatalf("trial %d: multi-paragraph chunk of %d chars exceeds cap", trial, n)
			}
		}
	}
}

func TestPaginatedPrefixesPages(t *testing.T) {
	chunks := New(Options{}).Chunk(doc("guide.pdf", "first page\f\fsecond page"))
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %q", texts(chunks))
	}
	if chunks[0].Text != "[Page 1] first page" || chunks[0].Page != 1 {
		t.Errorf("page 1: %+v", chunks[0])
	}
	if chunks[1].Text != "[Page 3] second page" || chunks[1].Page != 3 {
		t.Errorf("page 3: %+v", chunks[1])
	}
}

func TestBinaryPDFIsSkipped(t *testing.T) {
	rec := &skipRecorder{}
	c := New(Options{OnSkip: rec.record})
	if got := c.Chunk(doc("scan.pdf", "%PDF-1.7\n\x00\x01binary")); got != nil {
		t.Fatalf("expected no chunks, got %d", len(got))
	}
	if len(rec.reasons) != 1 || rec.reasons[0] != "unsupported" {
		t.Errorf("reasons = %v", rec.reasons)
	}
}

func TestStructuredJSONRecords(t *testing.T) {
	src := `{"products":[{"name":"Tee","price":19.5,"url":"https://shop.test/tee",` +
		`"variants":[{"size":"M"}],"tags":["a","b"],"sku":null,` +
		`"description":"<p>Soft &amp; light</p><script>x()</script>"}]}`
	chunks := New(Options{}).Chunk(doc("products.json", src))
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	want := "name: Tee | price: 19.5 | url: https://shop.test/tee | variants.0.size: M | tags: a, b | description: Soft & light"
	if chunks[0].Text != want {
		t.Errorf("text:\n got %q\nwant %q", chunks[0].Text, want)
	}
	if chunks[0].URL != "https://shop.test/tee" || chunks[0].Section != "Tee" {
		t.Errorf("unexpected chunk %+v", chunks[0])
	}
}

func TestStructuredJSONLines(t *testing.T) {
	src := "{\"name\":\"A\",\"price\":1}\n{\"name\":\"B\",\"price\":2}\n"
	got := texts(New(Options{}).Chunk(doc("feed.jsonl", src)))
	if len(got) != 2 || got[0] != "name: A | price: 1" || got[1] != "name: B | price: 2" {
		t.Fatalf("got %q", got)
	}
}

func TestStructuredYAMLKeepsKeyOrder(t *testing.T) {
	src := "items:\n  - title: Hat\n    price: 12\n    specs:\n      material: wool\n  - title: Scarf\n    price: 8\n"
	got := texts(New(Options{}).Chunk(doc("catalog.yaml", src)))
	want := []string{"title: Hat | price: 12 | specs.material: wool", "title: Scarf | price: 8"}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("got %q", got)
	}
}

func TestCorruptDocumentIsSkipped(t *testing.T) {
	rec := &skipRecorder{}
	c := New(Options{OnSkip: rec.record})
	docs := []domain.SourceDocument{
		doc("broken.json", `{"name": "A",`),
		doc("bad.txt", "ok\xff\xfe"),
		doc("notes.docx", "whatever"),
		doc("good.txt", "fine"),
	}
	got := c.ChunkAll(docs)
	if len(got) != 1 || got[0].Text != "fine" {
		t.Fatalf("expected only the good document, got %q", texts(got))
	}
	want := []string{"corrupt", "encoding", "unsupported"}
	if len(rec.reasons) != len(want) {
		t.Fatalf("reasons = %v", rec.reasons)
	}
	for i := range want {
		if rec.reasons[i] != want[i] {
			t.Errorf("reason %d: got %q, want %q", i, rec.reasons[i], want[i])
		}
	}
}

func TestChunksIsLazyAndRestartable(t *testing.T) {
	rec := &skipRecorder{}
	c := New(Options{OnSkip: rec.record})

	seq := c.Chunks(doc("a.txt", "one\n\ntwo"))
	bad := c.Chunks(doc("scan.pdf", "%PDF-1.4"))
	if len(rec.reasons) != 0 {
		t.Fatal("sequence was evaluated before iteration")
	}
	for range bad {
	}
	if len(rec.reasons) != 1 {
		t.Fatalf("expected one skip after iteration, got %d", len(rec.reasons))
	}

	count := func() int {
		n := 0
		for range seq {
			n++
		}
		return n
	}
	if a, b := count(), count(); a != 1 || b != 1 {
		t.Errorf("counts %d, %d", a, b)
	}
}
