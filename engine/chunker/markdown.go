package chunker

import (
	"regexp"
	"strings"

	"github.com/WessleyAI/shopbot/engine/domain"
)

var headingRe = regexp.MustCompile(`^\s{0,3}(#{1,6})\s+(.*?)\s*#*\s*$`)

type mdSection struct {
	title string
	lines []string
}

// markdown groups whole sections (a heading and its body) into chunks until
// the soft cap is reached. Chunks close at heading boundaries; a section
// larger than the cap is split between lines.
func (c *Chunker) markdown(doc domain.SourceDocument) []domain.Chunk {
	sections := splitSections(string(doc.Content))

	var (
		chunks  []domain.Chunk
		cur     strings.Builder
		n       int
		section string
	)
	flush := func() {
		text := strings.TrimSpace(cur.String())
		if text != "" {
			chunks = append(chunks, domain.Chunk{Text: text, Source: doc.Path, Section: section})
		}
		cur.Reset()
		n = 0
		section = ""
	}
	write := func(s string, title string) {
		if n > 0 {
			cur.WriteByte('\n')
			n++
		}
		if n == 0 {
			section = title
		}
		cur.WriteString(s)
		n += runeLen(s)
	}

	for _, sec := range sections {
		body := strings.Join(sec.lines, "\n")
		l := runeLen(body)
		if n > 0 && n+1+l > c.softCap {
			flush()
		}
		if l <= c.softCap {
			write(body, sec.title)
			continue
		}
		// Oversized section: pack its lines on their own.
		for _, line := range sec.lines {
			ll := runeLen(line)
			if n > 0 && n+1+ll > c.softCap {
				flush()
			}
			write(line, sec.title)
		}
	}
	flush()
	return chunks
}

func splitSections(src string) []mdSection {
	src = strings.ReplaceAll(src, "\r\n", "\n")
	var (
		out []mdSection
		cur mdSection
	)
	for _, line := range strings.Split(src, "\n") {
		if m := headingRe.FindStringSubmatch(line); m != nil {
			if hasContent(cur.lines) {
				out = append(out, cur)
			}
			cur = mdSection{title: m[2], lines: []string{line}}
			continue
		}
		cur.lines = append(cur.lines, line)
	}
	if hasContent(cur.lines) {
		out = append(out, cur)
	}
	for i := range out {
		out[i].lines = trimBlank(out[i].lines)
	}
	return out
}

func hasContent(lines []string) bool {
	for _, l := range lines {
		if strings.TrimSpace(l) != "" {
			return true
		}
	}
	return false
}

func trimBlank(lines []string) []string {
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}
	for len(lines) > 0 && strings.TrimSpace(lines[0]) == "" {
		lines = lines[1:]
	}
	return lines
}
