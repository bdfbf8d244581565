package chunker

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/WessleyAI/shopbot/engine/domain"
)

// nullCells are cell values treated as missing.
var nullCells = map[string]bool{
	"": true, "null": true, "nan": true, "none": true, "n/a": true,
}

func isNull(v string) bool {
	return nullCells[strings.ToLower(strings.TrimSpace(v))]
}

// tabular emits one chunk per data row, rendered as "column: value" pairs
// joined by " | ". Missing cells are omitted.
func (c *Chunker) tabular(doc domain.SourceDocument) ([]domain.Chunk, error) {
	if !utf8.Valid(doc.Content) {
		return nil, fmt.Errorf("chunker: %s: invalid utf-8", doc.Path)
	}
	r := csv.NewReader(bytes.NewReader(bytes.TrimPrefix(doc.Content, []byte("\ufeff"))))
	if strings.EqualFold(filepath.Ext(doc.Path), ".tsv") {
		r.Comma = '\t'
	}
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("chunker: %s: header: %w", doc.Path, err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	var chunks []domain.Chunk
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("chunker: %s: row: %w", doc.Path, err)
		}
		text, url := renderRow(header, row)
		if text == "" {
			continue
		}
		chunks = append(chunks, domain.Chunk{Text: text, Source: doc.Path, URL: url})
	}
	return chunks, nil
}

func renderRow(header, row []string) (text, url string) {
	parts := make([]string, 0, len(row))
	for i, cell := range row {
		if isNull(cell) {
			continue
		}
		col := fmt.Sprintf("column_%d", i+1)
		if i < len(header) && header[i] != "" {
			col = header[i]
		}
		cell = strings.TrimSpace(cell)
		if url == "" && isURLKey(col) {
			url = cell
		}
		parts = append(parts, col+": "+cell)
	}
	return strings.Join(parts, " | "), url
}

func isURLKey(k string) bool {
	switch strings.ToLower(k) {
	case "url", "link", "product_url", "permalink":
		return true
	}
	return false
}
