// Package chunker turns heterogeneous source documents (tabular exports,
// markdown, free text, paginated text and structured product records) into
// normalized text chunks sized for embedding.
package chunker

import (
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/WessleyAI/shopbot/engine/domain"
)

// DefaultSoftCap is the target maximum chunk length in characters.
const DefaultSoftCap = 1000

// Options configures a Chunker.
type Options struct {
	// SoftCap bounds chunk length in characters. A single paragraph or line
	// longer than the cap still forms one chunk.
	SoftCap int
	Logger  *slog.Logger
	// OnSkip, when set, is called for every document that yields no chunks
	// because it could not be loaded.
	OnSkip func(path string, reason string)
}

// Chunker dispatches documents to the splitter for their content type.
// It holds no mutable state and is safe for concurrent use.
type Chunker struct {
	softCap int
	log     *slog.Logger
	onSkip  func(string, string)
}

// New creates a Chunker.
func New(opts Options) *Chunker {
	if opts.SoftCap <= 0 {
		opts.SoftCap = DefaultSoftCap
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Chunker{softCap: opts.SoftCap, log: opts.Logger, onSkip: opts.OnSkip}
}

// SoftCap returns the configured soft cap.
func (c *Chunker) SoftCap() int { return c.softCap }

// Split chunks doc and reports loader failures as errors.
func (c *Chunker) Split(doc domain.SourceDocument) ([]domain.Chunk, error) {
	ct := doc.ContentType
	if ct == domain.ContentUnknown {
		ct = domain.ContentTypeFor(doc.Path)
	}
	switch ct {
	case domain.ContentTabular:
		return c.tabular(doc)
	case domain.ContentMarkdown:
		if err := requireUTF8(doc); err != nil {
			return nil, err
		}
		return c.markdown(doc), nil
	case domain.ContentText:
		if err := requireUTF8(doc); err != nil {
			return nil, err
		}
		return c.text(doc), nil
	case domain.ContentPaginated:
		return c.paginated(doc)
	case domain.ContentStructured:
		return c.structured(doc)
	default:
		return nil, fmt.Errorf("chunker: %s: %w", doc.Path, domain.ErrUnsupportedContent)
	}
}

// Chunk chunks doc. A document that cannot be loaded is logged and yields
// no chunks; it never affects other documents.
func (c *Chunker) Chunk(doc domain.SourceDocument) (chunks []domain.Chunk) {
	defer func() {
		if r := recover(); r != nil {
			c.skip(doc.Path, fmt.Errorf("chunker: panic: %v", r))
			chunks = nil
		}
	}()
	chunks, err := c.Split(doc)
	if err != nil {
		c.skip(doc.Path, err)
		return nil
	}
	return chunks
}

// Chunks returns a lazy sequence over doc's chunks. Nothing is computed
// until the sequence is ranged over, and it can be ranged over again.
func (c *Chunker) Chunks(doc domain.SourceDocument) iter.Seq[domain.Chunk] {
	return func(yield func(domain.Chunk) bool) {
		for _, ch := range c.Chunk(doc) {
			if !yield(ch) {
				return
			}
		}
	}
}

// ChunkAll concatenates the chunks of docs in order.
func (c *Chunker) ChunkAll(docs []domain.SourceDocument) []domain.Chunk {
	var out []domain.Chunk
	for _, d := range docs {
		out = append(out, c.Chunk(d)...)
	}
	return out
}

func (c *Chunker) skip(path string, err error) {
	c.log.Warn("chunker: document skipped", "path", path, "err", err)
	if c.onSkip != nil {
		c.onSkip(path, skipReason(err))
	}
}

func skipReason(err error) string {
	switch {
	case err == nil:
		return "unknown"
	case strings.Contains(err.Error(), domain.ErrUnsupportedContent.Error()):
		return "unsupported"
	case strings.Contains(err.Error(), "utf-8"):
		return "encoding"
	default:
		return "corrupt"
	}
}

func requireUTF8(doc domain.SourceDocument) error {
	if !utf8.Valid(doc.Content) {
		return fmt.Errorf("chunker: %s: invalid utf-8", doc.Path)
	}
	return nil
}

func runeLen(s string) int { return utf8.RuneCountInString(s) }

// packer greedily joins pieces with sep until adding the next piece would
// push the chunk past the cap. A piece longer than the cap on its own is
// emitted unsplit.
type packer struct {
	cap int
	sep string
	cur strings.Builder
	n   int
	out []string
}

func (p *packer) add(piece string) {
	l := runeLen(piece)
	if p.n > 0 && p.n+runeLen(p.sep)+l > p.cap {
		p.flush()
	}
	if p.n > 0 {
		p.cur.WriteString(p.sep)
		p.n += runeLen(p.sep)
	}
	p.cur.WriteString(piece)
	p.n += l
}

func (p *packer) flush() {
	if p.n == 0 {
		return
	}
	p.out = append(p.out, p.cur.String())
	p.cur.Reset()
	p.n = 0
}

func (p *packer) result() []string {
	p.flush()
	return p.out
}
