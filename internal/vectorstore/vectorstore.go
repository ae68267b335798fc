// Package vectorstore provides the hybrid dense+sparse vector index adapter.
package vectorstore

import "context"

// SparseVector represents a sparse keyword vector. Indices are sorted
// ascending and unique.
type SparseVector struct {
	Indices []uint32
	Values  []float32
}

// Filter restricts a query to points with matching metadata.
type Filter struct {
	Category    string `json:"category,omitempty"`
	MinPriority int    `json:"min_priority,omitempty"`
}

// Empty reports whether the filter matches everything.
func (f *Filter) Empty() bool {
	return f == nil || (f.Category == "" && f.MinPriority == 0)
}

// Query is one hybrid similarity query.
type Query struct {
	Dense  []float32
	Sparse *SparseVector
	TopK   int
	Filter *Filter
	// BlendWeight is the share of the dense score in the blended score.
	BlendWeight float32
}

// Match is one ranked point returned by the index.
type Match struct {
	ID       string
	Score    float32
	Content  string
	Source   string
	Metadata map[string]string
}

// Index defines the interface for the external vector index.
type Index interface {
	// HybridQuery returns up to q.TopK matches ordered by blended score.
	HybridQuery(ctx context.Context, q Query) ([]Match, error)
}
