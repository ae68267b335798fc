package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knoguchi/ragcache/internal/repository"
)

func TestStore_UpsertReplacesByNormalizedQuestion(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	id1, err := s.Upsert(ctx, &repository.CacheEntry{NormalizedQuestion: "what is pto", Answer: "a1", Confidence: 0.8})
	require.NoError(t, err)
	require.NoError(t, s.IncrementFeedback(ctx, id1, repository.CounterPositive))
	_, err = s.Deactivate(ctx, id1)
	require.NoError(t, err)

	id2, err := s.Upsert(ctx, &repository.CacheEntry{NormalizedQuestion: "what is pto", Answer: "a2", Confidence: 0.9})
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
	assert.Equal(t, 1, s.Len())

	got, err := s.GetByID(ctx, id1)
	require.NoError(t, err)
	assert.Equal(t, "a2", got.Answer)
	assert.True(t, got.Active)
	assert.Zero(t, got.PositiveFeedback)
}

func TestStore_FindActive(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	now := time.Now()

	_, err := s.Upsert(ctx, &repository.CacheEntry{
		NormalizedQuestion: "what is pto",
		Variations:         []string{"how much vacation do i get"},
		Confidence:         0.7,
		ExpiresAt:          now.Add(time.Hour),
	})
	require.NoError(t, err)

	_, err = s.FindActive(ctx, "what is pto", 0.6, now)
	assert.NoError(t, err)
	_, err = s.FindActive(ctx, "what is pto", 0.8, now)
	assert.ErrorIs(t, err, repository.ErrNotFound)
	_, err = s.FindActive(ctx, "what is pto", 0.6, now.Add(2*time.Hour))
	assert.ErrorIs(t, err, repository.ErrNotFound)

	e, err := s.FindActiveByVariation(ctx, "how much vacation do i get", 0.6, now)
	require.NoError(t, err)
	assert.Equal(t, "what is pto", e.NormalizedQuestion)
}

func TestStore_Deactivate(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	id, err := s.Upsert(ctx, &repository.CacheEntry{NormalizedQuestion: "q"})
	require.NoError(t, err)

	changed, err := s.Deactivate(ctx, id)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = s.Deactivate(ctx, id)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	id, err := s.Upsert(ctx, &repository.CacheEntry{NormalizedQuestion: "q", Sources: []repository.SourceRecord{{URL: "a"}}})
	require.NoError(t, err)

	e, err := s.GetByID(ctx, id)
	require.NoError(t, err)
	e.Sources[0].URL = "mutated"

	again, err := s.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "a", again.Sources[0].URL)
}

func TestStore_Events(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.AppendEvent(ctx, &repository.FeedbackEvent{
			Query:     "q",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	events, err := s.ListEvents(ctx, 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, base.Add(2*time.Minute), events[0].CreatedAt)
	assert.Equal(t, base.Add(time.Minute), events[1].CreatedAt)
}
