// Package textnorm normalizes questions into the canonical form used for
// cache identity, query signatures and keyword detection.
package textnorm

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
)

// Normalize case-folds q, strips punctuation and symbols, and collapses
// whitespace. Questions that differ only in those respects normalize to the
// same string.
func Normalize(q string) string {
	// A Caser is stateful, so each call gets its own.
	folded := cases.Fold().String(q)

	var sb strings.Builder
	sb.Grow(len(folded))
	for _, r := range folded {
		switch {
		case unicode.IsPunct(r), unicode.IsSymbol(r):
			continue
		case unicode.IsSpace(r):
			sb.WriteRune(' ')
		default:
			sb.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(sb.String()), " ")
}

// Hash returns the hex SHA-256 digest of an already normalized question.
func Hash(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// Tokens returns the words of the normalized question whose length in runes
// is at least minLen, in order of appearance (duplicates kept).
func Tokens(q string, minLen int) []string {
	words := strings.Fields(Normalize(q))
	out := words[:0]
	for _, w := range words {
		if utf8.RuneCountInString(w) >= minLen {
			out = append(out, w)
		}
	}
	return out
}

// Signature returns the de-duplicated, sorted word set of q joined by spaces.
// Reordered phrasings of the same question share a signature.
func Signature(q string) string {
	words := strings.Fields(Normalize(q))
	if len(words) == 0 {
		return ""
	}
	sort.Strings(words)

	uniq := words[:1]
	for _, w := range words[1:] {
		if w != uniq[len(uniq)-1] {
			uniq = append(uniq, w)
		}
	}
	return strings.Join(uniq, " ")
}

// ContainsPhrase reports whether phrase occurs in normalized as a sequence of
// whole words.
func ContainsPhrase(normalized, phrase string) bool {
	phrase = Normalize(phrase)
	if phrase == "" {
		return false
	}
	return strings.Contains(" "+normalized+" ", " "+phrase+" ")
}

// ContainsAny returns the first phrase found in normalized, if any.
func ContainsAny(normalized string, phrases []string) (string, bool) {
	for _, p := range phrases {
		if ContainsPhrase(normalized, p) {
			return p, true
		}
	}
	return "", false
}
