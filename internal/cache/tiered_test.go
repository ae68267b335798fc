package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knoguchi/ragcache/internal/memory"
	"github.com/knoguchi/ragcache/internal/repository"
	"github.com/knoguchi/ragcache/internal/textnorm"
)

const testFastTTL = time.Hour

func setupCache(t *testing.T) (*TieredCache, *memory.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := memory.NewStore()
	c := New(store, NewRedisTier(client), Config{
		FastTTL:       testFastTTL,
		PersistentTTL: 30 * 24 * time.Hour,
		MinConfidence: 0.6,
	})
	return c, store, mr
}

var ptoSources = []repository.SourceRecord{{Title: "PTO Policy 2025", URL: "https://hr.example.com/pto", Score: 0.91}}

func TestTieredCache_RoundTrip(t *testing.T) {
	ctx := context.Background()
	c, _, mr := setupCache(t)

	res, err := c.Set(ctx, "What is the PTO policy?", "Employees accrue 20 days.", ptoSources, SetOptions{Confidence: 0.9})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, mr.Exists(Key("what is the pto policy", "")))

	got, err := c.Get(ctx, "what is the pto policy", "")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, res.ID, got.ID)
	assert.Equal(t, "Employees accrue 20 days.", got.Answer)
	assert.Equal(t, repository.ServedFromFast, got.ServedFrom)
	assert.Equal(t, ptoSources, got.Sources)
	assert.False(t, got.MatchedVariation)
}

func TestTieredCache_MissReturnsNil(t *testing.T) {
	c, _, _ := setupCache(t)

	got, err := c.Get(context.Background(), "unknown question", "")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = c.Get(context.Background(), "?!", "")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestTieredCache_PromotesPersistentHit(t *testing.T) {
	ctx := context.Background()
	c, store, mr := setupCache(t)

	id, err := store.Upsert(ctx, &repository.CacheEntry{
		Question:           "What is the PTO policy?",
		NormalizedQuestion: "what is the pto policy",
		Answer:             "20 days",
		Confidence:         0.8,
		CreatedBy:          repository.CreatedByAuto,
		ExpiresAt:          time.Now().Add(24 * time.Hour),
	})
	require.NoError(t, err)

	got, err := c.Get(ctx, "What is the PTO policy", "")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, repository.ServedFromPersistent, got.ServedFrom)

	key := Key("what is the pto policy", "")
	require.True(t, mr.Exists(key))
	assert.Equal(t, testFastTTL, mr.TTL(key))

	got, err = c.Get(ctx, "what is the pto policy?", "")
	require.NoError(t, err)
	assert.Equal(t, repository.ServedFromFast, got.ServedFrom)

	stored, err := store.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stored.ServeCount)
	assert.NotNil(t, stored.LastServedAt)
}

func TestTieredCache_FastHitRefreshesTTL(t *testing.T) {
	ctx := context.Background()
	c, _, mr := setupCache(t)

	_, err := c.Set(ctx, "pto policy", "20 days", nil, SetOptions{Confidence: 0.9})
	require.NoError(t, err)

	key := Key("pto policy", "")
	mr.FastForward(30 * time.Minute)
	assert.Equal(t, 30*time.Minute, mr.TTL(key))

	_, err = c.Get(ctx, "pto policy", "")
	require.NoError(t, err)
	assert.Equal(t, testFastTTL, mr.TTL(key))
}

func TestTieredCache_FastExpiryFallsBackToPersistent(t *testing.T) {
	ctx := context.Background()
	c, _, mr := setupCache(t)

	_, err := c.Set(ctx, "pto policy", "20 days", nil, SetOptions{Confidence: 0.9})
	require.NoError(t, err)
	mr.FastForward(testFastTTL + time.Second)

	got, err := c.Get(ctx, "pto policy", "")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, repository.ServedFromPersistent, got.ServedFrom)
}

func TestTieredCache_LowConfidenceNotServed(t *testing.T) {
	ctx := context.Background()
	c, _, mr := setupCache(t)

	_, err := c.Set(ctx, "pto policy", "maybe 20 days", nil, SetOptions{Confidence: 0.5})
	require.NoError(t, err)
	assert.Empty(t, mr.Keys())

	got, err := c.Get(ctx, "pto policy", "")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestTieredCache_Variations(t *testing.T) {
	ctx := context.Background()
	c, _, mr := setupCache(t)

	_, err := c.Set(ctx, "What is the PTO policy?", "20 days", nil, SetOptions{
		Confidence: 0.9,
		Variations: []string{"How much vacation do I get?", "what is the pto policy", ""},
	})
	require.NoError(t, err)

	got, err := c.Get(ctx, "how much vacation do i get", "")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, repository.ServedFromFast, got.ServedFrom)
	assert.True(t, got.MatchedVariation)
	assert.Equal(t, []string{"how much vacation do i get"}, got.Variations)

	mr.FlushAll()
	got, err = c.Get(ctx, "How much vacation do I get?", "")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, repository.ServedFromPersistent, got.ServedFrom)
	assert.True(t, got.MatchedVariation)
}

func TestTieredCache_SessionKeys(t *testing.T) {
	ctx := context.Background()
	c, _, mr := setupCache(t)

	_, err := c.Set(ctx, "pto policy", "20 days", nil, SetOptions{Confidence: 0.9, SessionID: "s1"})
	require.NoError(t, err)
	assert.True(t, mr.Exists(Key("pto policy", "s1")))
	assert.False(t, mr.Exists(Key("pto policy", "")))

	got, err := c.Get(ctx, "pto policy", "s1")
	require.NoError(t, err)
	assert.Equal(t, repository.ServedFromFast, got.ServedFrom)

	// Another session falls through to the shared persistent tier.
	got, err = c.Get(ctx, "pto policy", "s2")
	require.NoError(t, err)
	assert.Equal(t, repository.ServedFromPersistent, got.ServedFrom)
	assert.True(t, mr.Exists(Key("pto policy", "s2")))
}

func TestTieredCache_Protection(t *testing.T) {
	tests := []struct {
		name        string
		existing    repository.CacheEntry
		incoming    float64
		wantSuccess bool
	}{
		{
			name:     "manual entry",
			existing: repository.CacheEntry{CreatedBy: repository.CreatedByManual, Confidence: 0.5},
			incoming: 0.99,
		},
		{
			name:     "positive feedback and higher confidence",
			existing: repository.CacheEntry{CreatedBy: repository.CreatedByAuto, Confidence: 0.9, PositiveFeedback: 3, NegativeFeedback: 1},
			incoming: 0.8,
		},
		{
			name:        "positive feedback but lower confidence",
			existing:    repository.CacheEntry{CreatedBy: repository.CreatedByAuto, Confidence: 0.7, PositiveFeedback: 3},
			incoming:    0.8,
			wantSuccess: true,
		},
		{
			name:        "no net positive feedback",
			existing:    repository.CacheEntry{CreatedBy: repository.CreatedByAuto, Confidence: 0.9, PositiveFeedback: 1, NegativeFeedback: 1},
			incoming:    0.5,
			wantSuccess: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			c, store, _ := setupCache(t)

			existing := tt.existing
			existing.Question = "pto policy"
			existing.NormalizedQuestion = "pto policy"
			existing.Answer = "original"
			existing.ExpiresAt = time.Now().Add(time.Hour)
			id, err := store.Upsert(ctx, &existing)
			require.NoError(t, err)
			// Upsert resets counters; restore them.
			for i := 0; i < tt.existing.PositiveFeedback; i++ {
				require.NoError(t, store.IncrementFeedback(ctx, id, repository.CounterPositive))
			}
			for i := 0; i < tt.existing.NegativeFeedback; i++ {
				require.NoError(t, store.IncrementFeedback(ctx, id, repository.CounterNegative))
			}

			res, err := c.Set(ctx, "PTO policy", "replacement", nil, SetOptions{Confidence: tt.incoming})
			require.NoError(t, err)
			assert.Equal(t, tt.wantSuccess, res.Success)
			assert.Equal(t, id, res.ID)

			stored, err := store.GetByID(ctx, id)
			require.NoError(t, err)
			if tt.wantSuccess {
				assert.Equal(t, "replacement", stored.Answer)
			} else {
				assert.Equal(t, ReasonProtected, res.Reason)
				assert.Equal(t, "original", stored.Answer)
			}
		})
	}
}

func TestTieredCache_VariationDoesNotShadowAnotherEntry(t *testing.T) {
	ctx := context.Background()
	c, _, mr := setupCache(t)

	manual, err := c.Set(ctx, "What is the PTO policy?", "MANUAL curated answer", nil, SetOptions{Confidence: 1, CreatedBy: repository.CreatedByManual})
	require.NoError(t, err)

	res, err := c.Set(ctx, "How many vacation days?", "AUTO other answer", nil, SetOptions{
		Confidence: 0.9,
		Variations: []string{"what is the pto policy", "vacation allowance"},
	})
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.True(t, mr.Exists(Key("vacation allowance", "")))

	got, err := c.Get(ctx, "What is the PTO policy?", "")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, manual.ID, got.ID)
	assert.Equal(t, "MANUAL curated answer", got.Answer)
	assert.Equal(t, repository.ServedFromFast, got.ServedFrom)

	mr.FlushAll()
	got, err = c.Get(ctx, "What is the PTO policy?", "")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "MANUAL curated answer", got.Answer)
	assert.Equal(t, repository.ServedFromPersistent, got.ServedFrom)
}

func TestTieredCache_OverwritePurgesOldVariationKeys(t *testing.T) {
	ctx := context.Background()
	c, _, mr := setupCache(t)

	_, err := c.Set(ctx, "What is the PTO policy?", "OLD answer", nil, SetOptions{Confidence: 0.9, Variations: []string{"pto rules"}})
	require.NoError(t, err)
	require.True(t, mr.Exists(Key("pto rules", "")))

	_, err = c.Set(ctx, "What is the PTO policy?", "NEW answer", nil, SetOptions{Confidence: 0.9})
	require.NoError(t, err)
	assert.False(t, mr.Exists(Key("pto rules", "")))

	got, err := c.Get(ctx, "pto rules", "")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = c.Get(ctx, "what is the pto policy", "")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "NEW answer", got.Answer)
}

func TestTieredCache_ManualWriteOverridesProtection(t *testing.T) {
	ctx := context.Background()
	c, store, _ := setupCache(t)

	_, err := c.Set(ctx, "pto policy", "manual v1", nil, SetOptions{Confidence: 1, CreatedBy: repository.CreatedByManual})
	require.NoError(t, err)

	res, err := c.Set(ctx, "pto policy", "manual v2", nil, SetOptions{Confidence: 1, CreatedBy: repository.CreatedByManual})
	require.NoError(t, err)
	assert.True(t, res.Success)

	stored, err := store.GetByNormalized(ctx, "pto policy")
	require.NoError(t, err)
	assert.Equal(t, "manual v2", stored.Answer)
}

func TestTieredCache_InactiveEntryNotProtected(t *testing.T) {
	ctx := context.Background()
	c, _, _ := setupCache(t)

	first, err := c.Set(ctx, "pto policy", "manual", nil, SetOptions{Confidence: 1, CreatedBy: repository.CreatedByManual})
	require.NoError(t, err)
	_, err = c.Invalidate(ctx, first.ID)
	require.NoError(t, err)

	res, err := c.Set(ctx, "pto policy", "auto", nil, SetOptions{Confidence: 0.7})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, first.ID, res.ID)
}

func TestTieredCache_SetValidation(t *testing.T) {
	c, _, _ := setupCache(t)

	_, err := c.Set(context.Background(), "  ", "a", nil, SetOptions{})
	assert.ErrorIs(t, err, ErrEmptyQuestion)

	_, err = c.Set(context.Background(), "q", "a", nil, SetOptions{CreatedBy: "robot"})
	assert.ErrorIs(t, err, ErrInvalidAuthor)
}

func TestTieredCache_Invalidate(t *testing.T) {
	ctx := context.Background()
	c, _, mr := setupCache(t)

	res, err := c.Set(ctx, "pto policy", "20 days", nil, SetOptions{Confidence: 0.9})
	require.NoError(t, err)
	require.NoError(t, mr.Set("cache:unrelated", "x"))

	changed, err := c.Invalidate(ctx, res.ID)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Empty(t, mr.Keys())

	got, err := c.Get(ctx, "pto policy", "")
	require.NoError(t, err)
	assert.Nil(t, got)

	// Idempotent.
	changed, err = c.Invalidate(ctx, res.ID)
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = c.Invalidate(ctx, uuid.New())
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestTieredCache_UpdateFeedback(t *testing.T) {
	ctx := context.Background()
	c, store, _ := setupCache(t)

	res, err := c.Set(ctx, "pto policy", "20 days", nil, SetOptions{Confidence: 0.8})
	require.NoError(t, err)

	require.NoError(t, c.UpdateFeedback(ctx, res.ID, repository.CounterPositive))
	require.NoError(t, c.UpdateFeedback(ctx, res.ID, repository.CounterNegative))
	require.NoError(t, c.UpdateFeedback(ctx, res.ID, repository.CounterPositive))

	stored, err := store.GetByID(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.PositiveFeedback)
	assert.Equal(t, 1, stored.NegativeFeedback)
	assert.Equal(t, 0.8, stored.Confidence)
}

func TestTieredCache_ClearFastTier(t *testing.T) {
	ctx := context.Background()
	c, _, mr := setupCache(t)

	for _, q := range []string{"a question", "b question", "c question"} {
		_, err := c.Set(ctx, q, "answer", nil, SetOptions{Confidence: 0.9})
		require.NoError(t, err)
	}
	require.NoError(t, mr.Set("other:key", "keep"))

	n, err := c.ClearFastTier(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"other:key"}, mr.Keys())
}

func TestTieredCache_FastTierDownDegradesToPersistent(t *testing.T) {
	ctx := context.Background()
	c, store, mr := setupCache(t)
	mr.Close()

	res, err := c.Set(ctx, "What is the PTO policy?", "20 days", ptoSources, SetOptions{Confidence: 0.9})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, store.Len())

	got, err := c.Get(ctx, "what is the pto policy", "")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, repository.ServedFromPersistent, got.ServedFrom)

	_, err = c.Invalidate(ctx, res.ID)
	assert.NoError(t, err)
	assert.Error(t, c.PingFast(ctx))
}

func TestTieredCache_WithoutFastTier(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	c := New(store, nil, Config{MinConfidence: 0.6})

	_, err := c.Set(ctx, "pto policy", "20 days", nil, SetOptions{Confidence: 0.9})
	require.NoError(t, err)

	got, err := c.Get(ctx, "pto policy", "")
	require.NoError(t, err)
	assert.Equal(t, repository.ServedFromPersistent, got.ServedFrom)
	assert.NoError(t, c.PingFast(ctx))
}

type failingStore struct {
	*memory.Store
}

func (failingStore) FindActive(context.Context, string, float64, time.Time) (*repository.CacheEntry, error) {
	return nil, repository.ErrPersistence
}

func (failingStore) Upsert(context.Context, *repository.CacheEntry) (uuid.UUID, error) {
	return uuid.Nil, repository.ErrPersistence
}

func TestTieredCache_PersistenceErrorsSurface(t *testing.T) {
	ctx := context.Background()
	c := New(failingStore{memory.NewStore()}, nil, Config{})

	_, err := c.Get(ctx, "pto policy", "")
	assert.True(t, errors.Is(err, repository.ErrPersistence))

	_, err = c.Set(ctx, "pto policy", "a", nil, SetOptions{Confidence: 0.9})
	assert.True(t, errors.Is(err, repository.ErrPersistence))
}

func TestKey(t *testing.T) {
	h := textnorm.Hash("pto policy")
	assert.Equal(t, "cache:"+h, Key("pto policy", ""))
	assert.Equal(t, "cache:"+h+":s1", Key("pto policy", "s1"))
}

func TestOpenRedis_StartsWithoutServer(t *testing.T) {
	ctx := context.Background()
	_, err := OpenRedis("not a url")
	assert.Error(t, err)

	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	fast, err := OpenRedis("redis://" + addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = fast.Close() })

	store := memory.NewStore()
	c := New(store, fast, Config{MinConfidence: 0.6})
	assert.Error(t, c.PingFast(ctx))

	_, err = c.Set(ctx, "pto policy", "20 days", nil, SetOptions{Confidence: 0.9})
	require.NoError(t, err)
	got, err := c.Get(ctx, "pto policy", "")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, repository.ServedFromPersistent, got.ServedFrom)

	require.NoError(t, mr.Restart())
	assert.NoError(t, c.PingFast(ctx))
}
