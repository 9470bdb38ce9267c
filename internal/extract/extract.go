// Package extract finds the short passage of a page body most relevant
// to a query. It is the "slice" step of the retrieval pipeline: pure
// string work, no I/O, deterministic for identical inputs.
package extract

import (
	"regexp"
	"strings"
)

const (
	// DefaultMaxWords caps the length of a returned quote.
	DefaultMaxWords = 40

	// fallbackScore is reported when no sentence shares a token with
	// the query and the head of the document is returned instead.
	fallbackScore = 0.1

	// Weights for sentence scoring: token overlap dominates, sequence
	// similarity breaks near-ties between sentences with equal overlap.
	tokenWeight    = 0.7
	sequenceWeight = 0.3
)

// Passage is the best quote found for a query.
type Passage struct {
	Quote     string  `json:"quote"`
	Score     float64 `json:"score"`
	WordCount int     `json:"word_count"`
	CharCount int     `json:"char_count"`
}

// nonWord strips punctuation during token normalization, keeping
// letters, digits, underscore and whitespace.
var nonWord = regexp.MustCompile(`[^\p{L}\p{N}_\s]+`)

// Relevant returns the most relevant passage of body for query,
// truncated to maxWords on a word boundary. An empty body yields an
// empty quote with score 0.
func Relevant(body, query string, maxWords int) Passage {
	if maxWords <= 0 {
		maxWords = DefaultMaxWords
	}
	if strings.TrimSpace(body) == "" {
		return Passage{}
	}

	sentences := SplitSentences(body)
	queryNorm := normalizeText(query)
	queryTokens := tokenSet(queryNorm)

	// Very short documents have nothing to choose between.
	if len(sentences) <= 1 {
		return scoredPassage(truncateWords(body, maxWords), queryTokens)
	}

	bestIdx := -1
	bestCombined := 0.0
	for i, sentence := range sentences {
		sentNorm := normalizeText(sentence)
		overlap := overlapRatio(queryTokens, tokenSet(sentNorm))
		if overlap == 0 {
			continue
		}
		combined := tokenWeight*overlap + sequenceWeight*SequenceRatio(queryNorm, sentNorm)
		// Strict > keeps the earliest sentence on ties.
		if bestIdx == -1 || combined > bestCombined {
			bestIdx = i
			bestCombined = combined
		}
	}

	if bestIdx == -1 {
		p := scoredPassage(truncateWords(body, maxWords), queryTokens)
		p.Score = fallbackScore
		return p
	}

	quote := sentences[bestIdx]

	// A very short best sentence reads better with its neighbours.
	if len(strings.Fields(quote)) < maxWords/2 {
		start := bestIdx - 1
		if start < 0 {
			start = 0
		}
		end := bestIdx + 2
		if end > len(sentences) {
			end = len(sentences)
		}
		quote = strings.Join(sentences[start:end], " ")
	}

	return scoredPassage(truncateWords(quote, maxWords), queryTokens)
}

// scoredPassage wraps quote with the final relevance score: the share
// of query tokens present in the quote.
func scoredPassage(quote string, queryTokens map[string]struct{}) Passage {
	words := strings.Fields(quote)
	score := overlapRatio(queryTokens, tokenSet(normalizeText(quote)))
	if score == 0 && len(queryTokens) == 0 {
		score = fallbackScore
	}
	return Passage{
		Quote:     quote,
		Score:     score,
		WordCount: len(words),
		CharCount: len(quote),
	}
}

// SplitSentences cuts text at sentence terminators (. ! ?) followed by
// whitespace, keeping the terminator with its sentence.
func SplitSentences(text string) []string {
	var sentences []string
	runes := []rune(text)
	start := 0
	for i := 0; i < len(runes); i++ {
		switch runes[i] {
		case '.', '!', '?':
			// Absorb a run of terminators ("?!", "...").
			j := i
			for j+1 < len(runes) && isTerminator(runes[j+1]) {
				j++
			}
			if j+1 >= len(runes) || isSpace(runes[j+1]) {
				if s := strings.TrimSpace(string(runes[start : j+1])); s != "" {
					sentences = append(sentences, s)
				}
				i = j
				start = j + 1
			} else {
				i = j
			}
		}
	}
	if start < len(runes) {
		if s := strings.TrimSpace(string(runes[start:])); s != "" {
			sentences = append(sentences, s)
		}
	}
	return sentences
}

func isTerminator(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}

// normalizeText lowercases and strips punctuation.
func normalizeText(text string) string {
	return strings.TrimSpace(nonWord.ReplaceAllString(strings.ToLower(text), ""))
}

// tokenSet builds the set of words in normalized text.
func tokenSet(normalized string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.Fields(normalized) {
		set[w] = struct{}{}
	}
	return set
}

// overlapRatio is |query ∩ other| / |query|, or 0 for an empty query.
func overlapRatio(query, other map[string]struct{}) float64 {
	if len(query) == 0 {
		return 0
	}
	common := 0
	for w := range query {
		if _, ok := other[w]; ok {
			common++
		}
	}
	return float64(common) / float64(len(query))
}

// truncateWords keeps the first maxWords whitespace-separated words.
func truncateWords(text string, maxWords int) string {
	words := strings.Fields(text)
	if len(words) > maxWords {
		words = words[:maxWords]
	}
	return strings.Join(words, " ")
}

// SequenceRatio computes the Ratcliff/Obershelp similarity of two
// strings: twice the number of matching characters over the total
// length, with matches found by recursively taking the longest common
// substring. Returns a value in [0, 1].
func SequenceRatio(a, b string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	matched := matchingChars([]rune(a), []rune(b))
	return 2 * float64(matched) / float64(len([]rune(a))+len([]rune(b)))
}

// matchingChars counts characters covered by recursively matching the
// longest common substring and the regions on either side of it.
func matchingChars(a, b []rune) int {
	ai, bi, size := longestCommonSubstring(a, b)
	if size == 0 {
		return 0
	}
	total := size
	total += matchingChars(a[:ai], b[:bi])
	total += matchingChars(a[ai+size:], b[bi+size:])
	return total
}

// longestCommonSubstring returns the start offsets and length of the
// longest run of identical characters shared by a and b.
func longestCommonSubstring(a, b []rune) (ai, bi, size int) {
	if len(a) == 0 || len(b) == 0 {
		return 0, 0, 0
	}
	// prev[j] holds the match length ending at a[i-1], b[j-1].
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				curr[j] = prev[j-1] + 1
				if curr[j] > size {
					size = curr[j]
					ai = i - size
					bi = j - size
				}
			} else {
				curr[j] = 0
			}
		}
		prev, curr = curr, prev
	}
	return ai, bi, size
}
