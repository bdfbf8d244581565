package chunker

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/net/html"
	"gopkg.in/yaml.v3"

	"github.com/WessleyAI/shopbot/engine/domain"
)

// field and object keep source key order so rendered records read the way
// the catalog export wrote them.
type field struct {
	key string
	val any
}

type object []field

func (o object) get(key string) (any, bool) {
	for _, f := range o {
		if strings.EqualFold(f.key, key) {
			return f.val, true
		}
	}
	return nil, false
}

// recordKeys name wrapper fields that hold the record list in exports such
// as {"products": [...]}.
var recordKeys = map[string]bool{
	"products": true, "items": true, "records": true, "data": true, "results": true, "entries": true,
}

// descriptionKeys hold embedded long free text, often HTML.
var descriptionKeys = map[string]bool{
	"description": true, "body_html": true, "long_description": true, "details": true,
}

// structured emits one chunk per record: a flattened "path: value" rendering
// with nested keys joined by dots.
func (c *Chunker) structured(doc domain.SourceDocument) ([]domain.Chunk, error) {
	var (
		values []any
		err    error
	)
	switch strings.ToLower(filepath.Ext(doc.Path)) {
	case ".yaml", ".yml":
		values, err = decodeYAML(doc.Content)
	default:
		values, err = decodeJSON(doc.Content)
	}
	if err != nil {
		return nil, fmt.Errorf("chunker: %s: %w", doc.Path, err)
	}

	var chunks []domain.Chunk
	for _, v := range values {
		for _, rec := range records(v) {
			text := renderRecord(rec)
			if text == "" {
				continue
			}
			chunks = append(chunks, domain.Chunk{
				Text:    text,
				Source:  doc.Path,
				Section: recordTitle(rec),
				URL:     recordURL(rec),
			})
		}
	}
	return chunks, nil
}

// decodeJSON reads a single JSON document or a JSON-lines stream.
func decodeJSON(b []byte) ([]any, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var out []any
	for dec.More() {
		v, err := decodeJSONValue(dec)
		if err != nil {
			return nil, fmt.Errorf("json: %w", err)
		}
		out = append(out, v)
	}
	// More reports false on a syntax error as well as at end of input.
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		if err == nil {
			err = errors.New("unexpected closing delimiter")
		}
		return nil, fmt.Errorf("json: %w", err)
	}
	return out, nil
}

func decodeJSONValue(dec *json.Decoder) (any, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	d, ok := tok.(json.Delim)
	if !ok {
		return tok, nil
	}
	switch d {
	case '{':
		var obj object
		for dec.More() {
			kt, err := dec.Token()
			if err != nil {
				return nil, err
			}
			key, _ := kt.(string)
			v, err := decodeJSONValue(dec)
			if err != nil {
				return nil, err
			}
			obj = append(obj, field{key: key, val: v})
		}
		if _, err := dec.Token(); err != nil {
			return nil, err
		}
		return obj, nil
	case '[':
		arr := []any{}
		for dec.More() {
			v, err := decodeJSONValue(dec)
			if err != nil {
				return nil, err
			}
			arr = append(arr, v)
		}
		if _, err := dec.Token(); err != nil {
			return nil, err
		}
		return arr, nil
	}
	return nil, fmt.Errorf("unexpected delimiter %q", d)
}

// decodeYAML reads every document of a YAML stream.
func decodeYAML(b []byte) ([]any, error) {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	var out []any
	for {
		var n yaml.Node
		err := dec.Decode(&n)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("yaml: %w", err)
		}
		out = append(out, fromNode(&n))
	}
}

func fromNode(n *yaml.Node) any {
	switch n.Kind {
	case yaml.DocumentNode:
		if len(n.Content) == 0 {
			return nil
		}
		return fromNode(n.Content[0])
	case yaml.MappingNode:
		obj := make(object, 0, len(n.Content)/2)
		for i := 0; i+1 < len(n.Content); i += 2 {
			obj = append(obj, field{key: n.Content[i].Value, val: fromNode(n.Content[i+1])})
		}
		return obj
	case yaml.SequenceNode:
		arr := make([]any, 0, len(n.Content))
		for _, c := range n.Content {
			arr = append(arr, fromNode(c))
		}
		return arr
	case yaml.AliasNode:
		return fromNode(n.Alias)
	case yaml.ScalarNode:
		if n.Tag == "!!null" {
			return nil
		}
		return n.Value
	}
	return nil
}

func records(v any) []object {
	switch t := v.(type) {
	case object:
		for _, f := range t {
			list, ok := f.val.([]any)
			if !ok || !(len(t) == 1 || recordKeys[strings.ToLower(f.key)]) {
				continue
			}
			if recs := objectsIn(list); len(recs) > 0 {
				return recs
			}
		}
		return []object{t}
	case []any:
		return objectsIn(t)
	case nil:
		return nil
	default:
		return []object{{{key: "value", val: t}}}
	}
}

func objectsIn(list []any) []object {
	var out []object
	for _, e := range list {
		switch t := e.(type) {
		case object:
			out = append(out, t)
		case nil:
		default:
			out = append(out, object{{key: "value", val: t}})
		}
	}
	return out
}

func renderRecord(rec object) string {
	var parts []string
	flatten("", rec, &parts)
	return strings.Join(parts, " | ")
}

func flatten(prefix string, v any, parts *[]string) {
	switch t := v.(type) {
	case object:
		for _, f := range t {
			flatten(joinKey(prefix, f.key), f.val, parts)
		}
	case []any:
		if scalars, ok := scalarList(t); ok {
			if len(scalars) > 0 {
				*parts = append(*parts, prefix+": "+strings.Join(scalars, ", "))
			}
			return
		}
		for i, e := range t {
			flatten(joinKey(prefix, strconv.Itoa(i)), e, parts)
		}
	default:
		s, ok := scalar(t)
		if !ok {
			return
		}
		if descriptionKeys[strings.ToLower(lastSegment(prefix))] {
			s = cleanHTML(s)
		}
		if s == "" {
			return
		}
		*parts = append(*parts, prefix+": "+s)
	}
}

func scalarList(list []any) ([]string, bool) {
	out := make([]string, 0, len(list))
	for _, e := range list {
		switch e.(type) {
		case object, []any:
			return nil, false
		}
		if s, ok := scalar(e); ok {
			out = append(out, s)
		}
	}
	return out, true
}

func scalar(v any) (string, bool) {
	var s string
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		s = t
	case json.Number:
		s = t.String()
	case bool:
		s = strconv.FormatBool(t)
	default:
		s = fmt.Sprint(t)
	}
	s = strings.TrimSpace(s)
	if isNull(s) {
		return "", false
	}
	return s, true
}

func joinKey(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

func lastSegment(path string) string {
	if i := strings.LastIndexByte(path, '.'); i >= 0 {
		return path[i+1:]
	}
	return path
}

func recordURL(rec object) string {
	for _, f := range rec {
		if isURLKey(f.key) {
			if s, ok := scalar(f.val); ok {
				return s
			}
		}
	}
	return ""
}

func recordTitle(rec object) string {
	for _, k := range []string{"name", "title"} {
		if v, ok := rec.get(k); ok {
			if s, ok := scalar(v); ok {
				return s
			}
		}
	}
	return ""
}

// cleanHTML decodes entities, drops tags along with script and style
// bodies, and collapses whitespace.
func cleanHTML(s string) string {
	s = html.UnescapeString(s)
	if !strings.ContainsRune(s, '<') {
		return strings.Join(strings.Fields(s), " ")
	}
	z := html.NewTokenizer(strings.NewReader(s))
	var (
		b    strings.Builder
		skip int
	)
	for {
		switch z.Next() {
		case html.ErrorToken:
			return strings.Join(strings.Fields(b.String()), " ")
		case html.StartTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "script", "style":
				skip++
			default:
				b.WriteByte(' ')
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "script", "style":
				if skip > 0 {
					skip--
				}
			default:
				b.WriteByte(' ')
			}
		case html.SelfClosingTagToken:
			b.WriteByte(' ')
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
			}
		}
	}
}
