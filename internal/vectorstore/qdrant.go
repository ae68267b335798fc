package vectorstore

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"

	"github.com/qdrant/go-client/qdrant"
	"golang.org/x/sync/errgroup"
)

const (
	// Vector field names for hybrid search
	denseVectorName  = "dense"
	sparseVectorName = "sparse"

	payloadContent  = "content"
	payloadSource   = "source"
	payloadCategory = "category"
	payloadPriority = "priority"
)

// QdrantConfig configures the Qdrant connection.
type QdrantConfig struct {
	// URL in "host:port" form (e.g. "localhost:6334").
	URL        string
	APIKey     string
	UseTLS     bool
	Collection string
}

// QdrantStore implements Index using Qdrant named dense and sparse vectors
type QdrantStore struct {
	client     *qdrant.Client
	collection string
}

// NewQdrantStore creates a new Qdrant vector store client
func NewQdrantStore(cfg QdrantConfig) (*QdrantStore, error) {
	host, portStr, err := net.SplitHostPort(cfg.URL)
	if err != nil {
		// If no port specified, assume default
		host = cfg.URL
		portStr = "6334"
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid port in qdrant url: %w", err)
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	collection := cfg.Collection
	if collection == "" {
		collection = "documents"
	}
	return &QdrantStore{client: client, collection: collection}, nil
}

// Close closes the Qdrant client connection
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

// HealthCheck verifies the Qdrant server responds.
func (s *QdrantStore) HealthCheck(ctx context.Context) error {
	if _, err := s.client.HealthCheck(ctx); err != nil {
		return fmt.Errorf("qdrant health check failed: %w", err)
	}
	return nil
}

// EnsureHybridCollection creates the collection with dense and sparse
// vectors if it does not exist yet.
func (s *QdrantStore) EnsureHybridCollection(ctx context.Context, dimension int) error {
	exists, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil {
		return fmt.Errorf("failed to check collection existence: %w", err)
	}
	if exists {
		return nil
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: qdrant.NewVectorsConfigMap(map[string]*qdrant.VectorParams{
			denseVectorName: {
				Size:     uint64(dimension),
				Distance: qdrant.Distance_Cosine,
			},
		}),
		SparseVectorsConfig: qdrant.NewSparseVectorsConfig(map[string]*qdrant.SparseVectorParams{
			sparseVectorName: {},
		}),
	})
	if err != nil {
		return fmt.Errorf("failed to create hybrid collection: %w", err)
	}
	return nil
}

// HybridQuery runs the dense and sparse queries concurrently and blends
// their scores as w*dense + (1-w)*sparse.
func (s *QdrantStore) HybridQuery(ctx context.Context, q Query) ([]Match, error) {
	if q.TopK <= 0 {
		return nil, nil
	}
	candidates := uint64(q.TopK * 2)
	filter := buildFilter(q.Filter)

	var dense, sparse []*qdrant.ScoredPoint
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		points, err := s.client.Query(gctx, &qdrant.QueryPoints{
			CollectionName: s.collection,
			Query:          qdrant.NewQueryDense(q.Dense),
			Using:          qdrant.PtrOf(denseVectorName),
			Filter:         filter,
			Limit:          qdrant.PtrOf(candidates),
			WithPayload:    qdrant.NewWithPayload(true),
		})
		if err != nil {
			return fmt.Errorf("dense query failed: %w", err)
		}
		dense = points
		return nil
	})
	if q.Sparse != nil && len(q.Sparse.Indices) > 0 {
		g.Go(func() error {
			points, err := s.client.Query(gctx, &qdrant.QueryPoints{
				CollectionName: s.collection,
				Query:          qdrant.NewQuerySparse(q.Sparse.Indices, q.Sparse.Values),
				Using:          qdrant.PtrOf(sparseVectorName),
				Filter:         filter,
				Limit:          qdrant.PtrOf(candidates),
				WithPayload:    qdrant.NewWithPayload(true),
			})
			if err != nil {
				return fmt.Errorf("sparse query failed: %w", err)
			}
			sparse = points
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return Blend(toMatches(dense), toMatches(sparse), q.BlendWeight, q.TopK), nil
}

// Blend merges dense and sparse result lists by point id. Sparse scores are
// scaled into [0,1] by the best sparse score before weighting; a point
// missing from one list contributes zero for that side.
func Blend(dense, sparse []Match, weight float32, topK int) []Match {
	var maxSparse float32
	for _, m := range sparse {
		if m.Score > maxSparse {
			maxSparse = m.Score
		}
	}

	byID := make(map[string]*Match, len(dense)+len(sparse))
	order := make([]string, 0, len(dense)+len(sparse))
	for _, m := range dense {
		m.Score = weight * m.Score
		byID[m.ID] = &m
		order = append(order, m.ID)
	}
	for _, m := range sparse {
		norm := float32(0)
		if maxSparse > 0 {
			norm = m.Score / maxSparse
		}
		if existing, ok := byID[m.ID]; ok {
			existing.Score += (1 - weight) * norm
			continue
		}
		m.Score = (1 - weight) * norm
		byID[m.ID] = &m
		order = append(order, m.ID)
	}

	out := make([]Match, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Score > out[j].Score
	})
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out
}

func buildFilter(f *Filter) *qdrant.Filter {
	if f.Empty() {
		return nil
	}
	var must []*qdrant.Condition
	if f.Category != "" {
		must = append(must, qdrant.NewMatch(payloadCategory, f.Category))
	}
	if f.MinPriority > 0 {
		must = append(must, qdrant.NewRange(payloadPriority, &qdrant.Range{
			Gte: qdrant.PtrOf(float64(f.MinPriority)),
		}))
	}
	return &qdrant.Filter{Must: must}
}

func toMatches(points []*qdrant.ScoredPoint) []Match {
	matches := make([]Match, 0, len(points))
	for _, point := range points {
		m := Match{
			ID:       pointID(point.GetId()),
			Score:    point.GetScore(),
			Metadata: make(map[string]string),
		}
		for k, v := range point.GetPayload() {
			value := payloadString(v)
			switch k {
			case payloadContent:
				m.Content = value
			case payloadSource:
				m.Source = value
				m.Metadata[k] = value
			default:
				m.Metadata[k] = value
			}
		}
		if m.Source == "" {
			m.Source = m.ID
		}
		matches = append(matches, m)
	}
	return matches
}

func pointID(id *qdrant.PointId) string {
	if id == nil {
		return ""
	}
	if u := id.GetUuid(); u != "" {
		return u
	}
	return strconv.FormatUint(id.GetNum(), 10)
}

func payloadString(v *qdrant.Value) string {
	switch kind := v.GetKind().(type) {
	case *qdrant.Value_StringValue:
		return kind.StringValue
	case *qdrant.Value_IntegerValue:
		return strconv.FormatInt(kind.IntegerValue, 10)
	case *qdrant.Value_DoubleValue:
		return strconv.FormatFloat(kind.DoubleValue, 'f', -1, 64)
	case *qdrant.Value_BoolValue:
		return strconv.FormatBool(kind.BoolValue)
	default:
		return ""
	}
}

// Ensure QdrantStore implements Index
var _ Index = (*QdrantStore)(nil)
