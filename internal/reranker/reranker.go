// Package reranker provides conditional re-ranking of retrieved passages.
//
// # Trade-offs
//
// Re-ranking costs an extra completion call per query, so the retriever
// only asks for it when the ranked list is uncertain (near-equal top scores)
// or the question is temporal or comparative.
//
//   - Latency: adds one completion round trip, bounded by a caller timeout
//   - Quality: resolves near-ties that vector similarity cannot separate
//   - Failure: any error leaves the original order untouched
package reranker

import "context"

// Reranker orders passages by relevance to a query.
type Reranker interface {
	// Rank returns a permutation of passage indices, most relevant first.
	// Every index in [0, len(passages)) appears exactly once.
	Rank(ctx context.Context, query string, passages []string) ([]int, error)
}

// Apply reorders items by the given permutation.
func Apply[T any](items []T, order []int) []T {
	out := make([]T, 0, len(items))
	for _, idx := range order {
		out = append(out, items[idx])
	}
	return out
}
