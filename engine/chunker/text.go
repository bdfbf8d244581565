package chunker

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/WessleyAI/shopbot/engine/domain"
)

var blankLineRe = regexp.MustCompile(`\n[ \t]*\n`)

// paragraphs splits text on blank lines and drops empty paragraphs.
func paragraphs(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var out []string
	for _, p := range blankLineRe.Split(text, -1) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func packParagraphs(text string, limit int) []string {
	p := &packer{cap: limit, sep: "\n\n"}
	for _, para := range paragraphs(text) {
		p.add(para)
	}
	return p.result()
}

// text packs paragraphs greedily under the soft cap.
func (c *Chunker) text(doc domain.SourceDocument) []domain.Chunk {
	var chunks []domain.Chunk
	for _, t := range packParagraphs(string(doc.Content), c.softCap) {
		chunks = append(chunks, domain.Chunk{Text: t, Source: doc.Path})
	}
	return chunks
}

var pdfMagic = []byte("%PDF-")

// paginated treats form feeds as page breaks. Each page is packed like free
// text and every chunk is prefixed with its page marker.
func (c *Chunker) paginated(doc domain.SourceDocument) ([]domain.Chunk, error) {
	if bytes.HasPrefix(doc.Content, pdfMagic) {
		return nil, fmt.Errorf("chunker: %s: binary pdf needs text extraction: %w", doc.Path, domain.ErrUnsupportedContent)
	}
	if !utf8.Valid(doc.Content) {
		return nil, fmt.Errorf("chunker: %s: invalid utf-8", doc.Path)
	}

	var chunks []domain.Chunk
	for i, page := range strings.Split(string(doc.Content), "\f") {
		num := i + 1
		prefix := "[Page " + strconv.Itoa(num) + "] "
		limit := max(c.softCap-runeLen(prefix), 1)
		for _, t := range packParagraphs(page, limit) {
			chunks = append(chunks, domain.Chunk{Text: prefix + t, Source: doc.Path, Page: num})
		}
	}
	return chunks, nil
}
