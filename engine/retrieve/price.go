package retrieve

import (
	"cmp"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/WessleyAI/shopbot/engine/corpus"
	"github.com/WessleyAI/shopbot/engine/domain"
	"github.com/WessleyAI/shopbot/pkg/fn"
)

var priceIndicators = []string{"price:", "$", "cost:", "priced at"}

var numberRe = regexp.MustCompile(`\d[\d,]*(?:\.\d+)?`)

// ExtractPrice finds the earliest price indicator in text and parses the
// first number after it.
func ExtractPrice(text string) (float64, bool) {
	lower := strings.ToLower(text)
	start, end := -1, -1
	for _, ind := range priceIndicators {
		if i := strings.Index(lower, ind); i >= 0 && (start < 0 || i < start) {
			start, end = i, i+len(ind)
		}
	}
	if start < 0 {
		return 0, false
	}
	tok := numberRe.FindString(lower[end:])
	if tok == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(tok, ",", ""), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

type priced struct {
	res   corpus.Result
	price float64
}

// SortByPrice orders results by extracted price. Results without a
// parsable price are left out; equal prices keep their search order.
func SortByPrice(results []corpus.Result, dir domain.SortDirection) []corpus.Result {
	ps := fn.FilterMap(results, func(r corpus.Result) (priced, bool) {
		p, ok := ExtractPrice(r.Chunk.Text)
		return priced{res: r, price: p}, ok
	})
	slices.SortStableFunc(ps, func(a, b priced) int {
		if dir == domain.SortDesc {
			return cmp.Compare(b.price, a.price)
		}
		return cmp.Compare(a.price, b.price)
	})
	return fn.Map(ps, func(p priced) corpus.Result { return p.res })
}
