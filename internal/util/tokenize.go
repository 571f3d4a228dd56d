package util

import (
	"strings"
	"unicode"
)

// minTokenLength filters out very short words that carry no matching signal.
const minTokenLength = 3

// stopwords are common English function words excluded from keyword matching.
var stopwords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "and": {}, "or": {}, "but": {}, "is": {},
	"are": {}, "was": {}, "were": {}, "be": {}, "been": {}, "being": {},
	"have": {}, "has": {}, "had": {}, "do": {}, "does": {}, "did": {},
	"will": {}, "would": {}, "should": {}, "could": {}, "may": {},
	"might": {}, "can": {}, "i": {}, "you": {}, "he": {}, "she": {},
	"it": {}, "we": {}, "they": {}, "my": {}, "your": {}, "his": {},
	"her": {}, "its": {}, "our": {}, "their": {}, "this": {}, "that": {},
	"these": {}, "those": {},
}

// Tokenize lowercases the message, splits it on non-alphanumeric runs, and
// drops stopwords and words shorter than three characters. The result is the
// keyword set used by the guideline pre-filter.
func Tokenize(message string) []string {
	var tokens []string
	var b strings.Builder
	flush := func() {
		if b.Len() == 0 {
			return
		}
		w := b.String()
		b.Reset()
		if len(w) < minTokenLength {
			return
		}
		if _, skip := stopwords[w]; skip {
			return
		}
		tokens = append(tokens, w)
	}
	for _, r := range strings.ToLower(message) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' {
			b.WriteRune(r)
			continue
		}
		flush()
	}
	flush()
	return tokens
}

// NormalizeKeyword canonicalizes a configured guideline keyword so it can be
// compared against tokenized message words.
func NormalizeKeyword(keyword string) string {
	return strings.ToLower(strings.TrimSpace(keyword))
}
