package memory

import (
	"math"
	"strings"
	"unicode"
)

// commonPrefixes are boilerplate openings stripped before similarity
// comparison so "User prefers X" and "the user prefers X" compare equal.
var commonPrefixes = []string{
	"the user", "user", "the assistant", "assistant", "note that",
	"remember that", "it seems", "apparently",
}

var stopWords = map[string]bool{
	"a": true, "an": true, "the": true, "is": true, "are": true, "was": true,
	"were": true, "be": true, "been": true, "to": true, "of": true, "in": true,
	"on": true, "at": true, "for": true, "and": true, "or": true, "but": true,
	"with": true, "that": true, "this": true, "it": true, "as": true,
	"by": true, "from": true, "has": true, "have": true, "had": true,
	"do": true, "does": true, "did": true, "not": true, "no": true,
	"so": true, "if": true, "then": true, "than": true, "too": true,
	"very": true, "can": true, "will": true, "just": true,
}

// normalizeContent lowercases, strips boilerplate prefixes, and collapses
// whitespace.
func normalizeContent(s string) string {
	out := strings.ToLower(strings.TrimSpace(s))
	for _, prefix := range commonPrefixes {
		if strings.HasPrefix(out, prefix+" ") {
			out = strings.TrimPrefix(out, prefix+" ")
			break
		}
	}
	return strings.Join(strings.Fields(out), " ")
}

// tokenize splits text into lowercase word tokens, dropping punctuation
// and stop words.
func tokenize(s string) []string {
	var tokens []string
	var current strings.Builder
	flush := func() {
		if current.Len() == 0 {
			return
		}
		tok := current.String()
		current.Reset()
		if len(tok) < 2 || stopWords[tok] {
			return
		}
		tokens = append(tokens, tok)
	}
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			current.WriteRune(r)
		} else if unicode.Is(unicode.Han, r) {
			// CJK has no word boundaries; index each character.
			flush()
			tokens = append(tokens, string(r))
		} else {
			flush()
		}
	}
	flush()
	return tokens
}

// ftsQuery builds a sanitized OR query from the text's tokens. FTS5 syntax
// characters never reach the query string.
func ftsQuery(s string) string {
	tokens := tokenize(s)
	if len(tokens) == 0 {
		return ""
	}
	if len(tokens) > 12 {
		tokens = tokens[:12]
	}
	quoted := make([]string, len(tokens))
	for i, tok := range tokens {
		quoted[i] = `"` + strings.ReplaceAll(tok, `"`, "") + `"`
	}
	return strings.Join(quoted, " OR ")
}

// termVector builds a term-frequency vector for cosine comparison.
func termVector(s string) map[string]float64 {
	vec := make(map[string]float64)
	for _, tok := range tokenize(s) {
		vec[tok]++
	}
	return vec
}

// cosineDistance returns 1 - cosine similarity of the two texts' term
// vectors; 0 means identical token distribution, 1 means disjoint.
func cosineDistance(a, b string) float64 {
	va, vb := termVector(a), termVector(b)
	if len(va) == 0 || len(vb) == 0 {
		return 1
	}
	var dot, na, nb float64
	for tok, wa := range va {
		na += wa * wa
		if wb, ok := vb[tok]; ok {
			dot += wa * wb
		}
	}
	for _, wb := range vb {
		nb += wb * wb
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}

// wordOverlap is the Jaccard-style overlap used by the consolidation dedup
// sweep: shared tokens over the smaller token set.
func wordOverlap(a, b string) float64 {
	va, vb := termVector(a), termVector(b)
	if len(va) == 0 || len(vb) == 0 {
		return 0
	}
	shared := 0
	for tok := range va {
		if _, ok := vb[tok]; ok {
			shared++
		}
	}
	smaller := len(va)
	if len(vb) < smaller {
		smaller = len(vb)
	}
	return float64(shared) / float64(smaller)
}
