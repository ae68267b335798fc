// Package sparse builds keyword-frequency sparse vectors for hybrid search.
package sparse

import (
	"hash/fnv"
	"sort"

	"github.com/knoguchi/ragcache/internal/textnorm"
	"github.com/knoguchi/ragcache/internal/vectorstore"
)

const (
	// DefaultVocabularySize is the number of hash slots.
	DefaultVocabularySize uint32 = 1 << 20

	// MinTokenLength drops very short tokens.
	MinTokenLength = 3
)

// Vectorizer maps text to a sparse vector by hashing tokens into a fixed
// number of slots. Indexing and querying must use the same vocabulary size.
type Vectorizer struct {
	vocabSize uint32
}

// NewVectorizer creates a vectorizer. A zero size selects DefaultVocabularySize.
func NewVectorizer(vocabSize uint32) *Vectorizer {
	if vocabSize == 0 {
		vocabSize = DefaultVocabularySize
	}
	return &Vectorizer{vocabSize: vocabSize}
}

// Slot returns the stable slot for a token.
func (v *Vectorizer) Slot(token string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(token))
	return h.Sum32() % v.vocabSize
}

// Vectorize returns the term-frequency vector for text, sorted by slot.
// When two distinct tokens share a slot only the first one seen is kept.
func (v *Vectorizer) Vectorize(text string) *vectorstore.SparseVector {
	tokens := textnorm.Tokens(text, MinTokenLength)
	if len(tokens) == 0 {
		return &vectorstore.SparseVector{}
	}

	freq := make(map[string]int, len(tokens))
	var order []string
	for _, tok := range tokens {
		if freq[tok] == 0 {
			order = append(order, tok)
		}
		freq[tok]++
	}

	type entry struct {
		slot  uint32
		value float32
	}
	seen := make(map[uint32]bool, len(order))
	entries := make([]entry, 0, len(order))
	for _, tok := range order {
		slot := v.Slot(tok)
		if seen[slot] {
			continue
		}
		seen[slot] = true
		entries = append(entries, entry{slot: slot, value: float32(freq[tok])})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].slot < entries[j].slot })

	vec := &vectorstore.SparseVector{
		Indices: make([]uint32, len(entries)),
		Values:  make([]float32, len(entries)),
	}
	for i, e := range entries {
		vec.Indices[i] = e.slot
		vec.Values[i] = e.value
	}
	return vec
}
