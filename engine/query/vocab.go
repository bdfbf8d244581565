package query

import (
	"regexp"
	"slices"
	"strings"

	"github.com/WessleyAI/shopbot/pkg/fn"
)

var sortKeywords = []string{"sort", "order", "arrange", "filter", "list", "show only"}

var entityIndicators = []string{
	"show me", "looking for", "find", "search for", "information about", "about the",
}

var followUpPronouns = map[string]bool{
	"it": true, "that": true, "this": true, "they": true, "those": true,
	"these": true, "them": true,
}

var followUpPhrases = []string{
	"how much", "tell me more", "also", "what about", "more about", "more like",
	"anything else", "any other", "the same", "cheaper", "instead",
	"sort", "order by", "arrange", "filter", "show only",
}

// productKeywords mark a query as shopping-related when no classifier
// verdict is available.
var productKeywords = []string{
	"buy", "price", "cost", "shipping", "discount", "sale", "deal", "coupon",
	"stock", "available", "size", "purchase", "cheap", "expensive", "deliver",
	"return", "refund", "warranty", "product", "brand", "order", "checkout",
}

// productTypes is the vocabulary used when no indicator phrase names the
// entity. Plurals are listed explicitly.
var productTypes = []string{
	"shirt", "shirts", "t-shirt", "t-shirts", "tee", "tees", "blouse", "top", "tops",
	"jeans", "pants", "trousers", "shorts", "leggings", "skirt", "skirts",
	"dress", "dresses", "jacket", "jackets", "coat", "coats", "hoodie", "hoodies",
	"sweater", "sweaters", "cardigan", "suit", "suits",
	"shoes", "sneakers", "trainers", "boots", "sandals", "heels", "slippers",
	"hat", "hats", "cap", "caps", "scarf", "gloves", "socks", "belt", "belts",
	"bag", "bags", "backpack", "backpacks", "wallet", "wallets", "purse",
	"watch", "watches", "sunglasses", "necklace", "ring", "rings", "earrings", "bracelet",
	"phone", "phones", "laptop", "laptops", "tablet", "tablets", "headphones", "earbuds",
	"camera", "cameras", "charger", "speaker", "speakers", "monitor", "keyboard", "mouse",
	"mug", "mugs", "bottle", "bottles", "lamp", "lamps", "chair", "chairs", "desk", "table",
	"sofa", "bed", "mattress", "pillow", "pillows", "blanket", "towel", "towels",
	"perfume", "cream", "shampoo", "candle", "candles", "book", "books", "toy", "toys",
}

// attributeWords are colours, sizes and materials worth carrying as
// attribute mentions.
var attributeWords = []string{
	"black", "white", "red", "blue", "green", "yellow", "pink", "purple", "orange",
	"brown", "grey", "gray", "beige", "navy", "gold", "silver",
	"xs", "small", "medium", "large", "xl", "xxl",
	"cotton", "leather", "wool", "linen", "silk", "denim", "polyester", "cashmere",
	"waterproof", "wireless", "organic", "vegan",
}

// stopWords end an entity phrase.
var stopWords = map[string]bool{
	"a": true, "an": true, "the": true, "some": true, "any": true, "me": true,
	"my": true, "your": true, "our": true, "for": true, "with": true, "by": true,
	"in": true, "on": true, "of": true, "to": true, "and": true, "or": true,
	"under": true, "over": true, "below": true, "above": true, "than": true,
	"that": true, "which": true, "is": true, "are": true, "please": true,
	"from": true, "at": true, "i": true, "you": true, "it": true, "can": true,
	"sort": true, "sorted": true, "order": true, "ordered": true, "arrange": true,
	"filter": true, "list": true, "show": true, "only": true, "find": true,
	"price": true, "prices": true, "cost": true, "costs": true,
	"do": true, "does": true, "have": true, "has": true, "need": true, "want": true,
	"got": true, "sell": true, "sells": true, "get": true, "buy": true, "what": true,
	"how": true, "where": true, "when": true, "who": true, "why": true, "there": true,
	"this": true, "these": true, "those": true, "they": true, "them": true, "we": true,
	"us": true, "about": true, "more": true, "much": true, "like": true, "also": true,
	"if": true, "be": true, "will": true, "would": true, "could": true, "should": true,
	"not": true, "all": true, "looking": true, "search": true,
}

var articles = map[string]bool{"a": true, "an": true, "the": true, "some": true, "any": true}

var (
	sortRe         *regexp.Regexp
	indicatorRe    *regexp.Regexp
	followUpRe     *regexp.Regexp
	productRe      *regexp.Regexp
	productTypeSet map[string]bool
	attributeSet   map[string]bool
)

var (
	priceWordRe   = regexp.MustCompile(`\bprice|\bcheap`)
	lowRe         = regexp.MustCompile(`\blow|\bcheap`)
	dateWordRe    = regexp.MustCompile(`\b(new|newest|recent|latest)\b`)
	popularRe     = regexp.MustCompile(`\bpopular`)
	priceRelateRe = regexp.MustCompile(`\$|\bprice|\bcost|\bcheap|\bexpensive|\bbudget|\bafford|\bdiscount`)
)

func init() {
	sortRe = alternation(sortKeywords, false)
	indicatorRe = alternation(entityIndicators, true)
	followUpRe = alternation(followUpPhrases, false)
	productRe = regexp.MustCompile(`\b(` + strings.Join(quoteAll(productKeywords), "|") + `)`)
	productTypeSet = setOf(productTypes)
	attributeSet = setOf(attributeWords)
}

// alternation builds a regex over phrases, longest first so "show only"
// wins over a shorter overlapping phrase. Without whole, single words also
// match their inflections ("sorted", "ordering", "arranged") but never an
// unrelated longer word ("listen").
func alternation(phrases []string, whole bool) *regexp.Regexp {
	sorted := slices.Clone(phrases)
	slices.SortStableFunc(sorted, func(a, b string) int { return len(b) - len(a) })
	alts := quoteAll(sorted)
	if !whole {
		alts = fn.Map(sorted, inflected)
	}
	return regexp.MustCompile(`\b(` + strings.Join(alts, "|") + `)\b`)
}

func inflected(word string) string {
	if strings.Contains(word, " ") {
		return regexp.QuoteMeta(word)
	}
	if stem, ok := strings.CutSuffix(word, "e"); ok {
		return regexp.QuoteMeta(stem) + `(?:e|es|ed|ing)`
	}
	return regexp.QuoteMeta(word) + `(?:s|ed|ing)?`
}

func quoteAll(words []string) []string {
	out := make([]string, len(words))
	for i, w := range words {
		out[i] = regexp.QuoteMeta(w)
	}
	return out
}

func setOf(words []string) map[string]bool {
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}
