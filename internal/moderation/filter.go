// Package moderation provides content filtering and moderation capabilities.
// It screens chat messages for prohibited content and enforces community
// guidelines before messages are delivered to recipients.
package moderation

import (
	"sort"
	"strings"
	"unicode"

	goahocorasick "github.com/anknown/ahocorasick"
	"github.com/samber/lo"
	"golang.org/x/text/cases"
)

// Reasons reported in FilterResult.
const (
	ReasonBlockedKeyword = "blocked_keyword"
	ReasonSpamPattern    = "spam_pattern"
)

// DefaultTerms is the built-in denylist. Terms are matched as whole words;
// multi-word terms must appear as consecutive words.
var DefaultTerms = []string{
	// slurs
	"nigger", "nigga", "faggot", "fag", "retard", "tranny", "kike", "spic", "chink",
	// self harm and threats
	"kill yourself", "kys", "go die", "hang yourself", "i will kill you",
	"bomb threat",
	// sexual content involving minors or solicitation
	"child porn", "cp links", "send nudes", "nudes for sale",
	// extremism
	"heil hitler", "white power",
	// scams
	"free bitcoin", "crypto giveaway", "double your money",
}

// FilterResult is the outcome of a moderation check. The zero value means the
// text is allowed.
type FilterResult struct {
	Blocked bool   `json:"blocked"`
	Reason  string `json:"reason,omitempty"`
	Term    string `json:"term,omitempty"`
}

// Option configures a Filter.
type Option func(*Filter)

// WithSpamChecks enables the URL, phone number and flood checks in addition
// to the denylist.
func WithSpamChecks() Option {
	return func(f *Filter) { f.spam = true }
}

// WithExtraTerms adds terms to the denylist the filter is built from.
func WithExtraTerms(terms ...string) Option {
	return func(f *Filter) { f.extra = append(f.extra, terms...) }
}

// Filter checks text against a denylist. It is immutable after construction
// and safe for concurrent use.
type Filter struct {
	matcher *goahocorasick.Machine
	terms   map[string]string // space-padded pattern -> term
	spam    bool
	extra   []string // consumed by NewFilterWithTerms
}

// NewFilter builds a Filter over DefaultTerms.
func NewFilter(opts ...Option) *Filter {
	return NewFilterWithTerms(DefaultTerms, opts...)
}

// NewFilterWithTerms builds a Filter over the given terms. Terms are case
// folded and split into words the same way messages are; blank terms are
// ignored.
func NewFilterWithTerms(terms []string, opts ...Option) *Filter {
	f := &Filter{terms: make(map[string]string, len(terms))}
	for _, opt := range opts {
		opt(f)
	}

	for _, term := range lo.Flatten([][]string{terms, f.extra}) {
		words := tokenizePlain(fold(term))
		if len(words) == 0 {
			continue
		}
		canonical := strings.Join(words, " ")
		f.terms[" "+canonical+" "] = canonical
	}
	f.extra = nil
	if len(f.terms) == 0 {
		return f
	}

	keys := make([]string, 0, len(f.terms))
	for k := range f.terms {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	patterns := make([][]rune, len(keys))
	for i, k := range keys {
		patterns[i] = []rune(k)
	}

	m := new(goahocorasick.Machine)
	if err := m.Build(patterns); err != nil {
		// Build only fails on an empty dictionary, which is handled above.
		panic("moderation: build matcher: " + err.Error())
	}
	f.matcher = m
	return f
}

// Len returns the number of distinct terms in the denylist.
func (f *Filter) Len() int {
	return len(f.terms)
}

// IsAllowed reports whether text passes the filter.
func (f *Filter) IsAllowed(text string) bool {
	return !f.Check(text).Blocked
}

// Check runs the denylist over text, first on the plain words and then on a
// leetspeak-normalized reading. When spam checks are enabled they run last,
// so a keyword match always wins.
func (f *Filter) Check(text string) FilterResult {
	if text == "" {
		return FilterResult{}
	}

	folded := fold(text)
	if term, ok := f.match(tokenizePlain(folded)); ok {
		return FilterResult{Blocked: true, Reason: ReasonBlockedKeyword, Term: term}
	}

	leet := tokenizeLeet(folded)
	for i, tok := range leet {
		leet[i] = normalizeLeet(tok)
	}
	if term, ok := f.match(leet); ok {
		return FilterResult{Blocked: true, Reason: ReasonBlockedKeyword, Term: term}
	}

	if f.spam {
		return f.checkSpamPatterns(text)
	}
	return FilterResult{}
}

// match searches the space-joined token stream for any padded pattern and
// returns the earliest matching term.
func (f *Filter) match(tokens []string) (string, bool) {
	if f.matcher == nil || len(tokens) == 0 {
		return "", false
	}

	stream := []rune(" " + strings.Join(tokens, " ") + " ")
	hits := f.matcher.MultiPatternSearch(stream, false)
	if len(hits) == 0 {
		return "", false
	}

	best := hits[0]
	for _, h := range hits[1:] {
		if h.Pos < best.Pos {
			best = h
		}
	}
	term, ok := f.terms[string(best.Word)]
	return term, ok
}

// fold applies Unicode case folding. A Caser holds state, so one is created
// per call.
func fold(s string) string {
	return cases.Fold().String(s)
}

// tokenizePlain splits text on every rune that is not a letter or digit.
func tokenizePlain(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// tokenizeLeet splits text like tokenizePlain but keeps the symbols that
// stand in for letters, so "$h!t" survives as one token.
func tokenizeLeet(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		if _, ok := leetMap[r]; ok {
			return false
		}
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

var leetMap = map[rune]rune{
	'0': 'o',
	'1': 'i',
	'!': 'i',
	'3': 'e',
	'4': 'a',
	'@': 'a',
	'$': 's',
	'5': 's',
	'7': 't',
}

// normalizeLeet replaces common letter substitutions with the letter.
func normalizeLeet(s string) string {
	return strings.Map(func(r rune) rune {
		if repl, ok := leetMap[r]; ok {
			return repl
		}
		return r
	}, s)
}
