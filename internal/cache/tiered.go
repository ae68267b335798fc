// Package cache implements the two-tier answer cache: a short-TTL fast tier
// (Redis) in front of the durable store.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/knoguchi/ragcache/internal/metrics"
	"github.com/knoguchi/ragcache/internal/repository"
	"github.com/knoguchi/ragcache/internal/textnorm"
)

// KeyPrefix prefixes every fast-tier key.
const KeyPrefix = "cache:"

// Write outcomes.
const (
	ReasonProtected = "protected"

	outcomeStored    = "stored"
	outcomeProtected = "protected"
	outcomeError     = "error"
)

const (
	DefaultFastTTL       = time.Hour
	DefaultPersistentTTL = 30 * 24 * time.Hour
	DefaultMinConfidence = 0.6
	DefaultFastTimeout   = 250 * time.Millisecond
)

var (
	// ErrEmptyQuestion is returned when a question normalizes to nothing.
	ErrEmptyQuestion = errors.New("question is empty")
	// ErrInvalidAuthor is returned for an unknown CreatedBy.
	ErrInvalidAuthor = errors.New("created_by must be auto or manual")
)

// Key returns the fast-tier key for a normalized question, optionally scoped
// to a session.
func Key(normalized, sessionID string) string {
	k := KeyPrefix + textnorm.Hash(normalized)
	if sessionID != "" {
		k += ":" + sessionID
	}
	return k
}

// Config tunes the tiers.
type Config struct {
	// FastTTL must be shorter than PersistentTTL.
	FastTTL       time.Duration
	PersistentTTL time.Duration
	// MinConfidence is the floor for serving persistent entries.
	MinConfidence float64
	// FastTimeout bounds every fast-tier call.
	FastTimeout time.Duration
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
}

// SetOptions are the optional parameters of Set.
type SetOptions struct {
	Confidence float64
	CreatedBy  repository.CreatedBy
	// Variations are alternate phrasings that should resolve to this answer.
	Variations []string
	SessionID  string
	// TTL overrides the persistent TTL.
	TTL time.Duration
}

// SetResult reports the outcome of Set. A protected entry is not an error.
type SetResult struct {
	ID      uuid.UUID `json:"id"`
	Success bool      `json:"success"`
	Reason  string    `json:"reason,omitempty"`
}

// TieredCache serves answers from the fast tier, then the persistent store.
// Fast-tier failures degrade to a miss; persistent failures are returned.
type TieredCache struct {
	cfg   Config
	fast  FastTier
	store repository.CacheRepository
	now   func() time.Time
}

// New creates a tiered cache. fast may be nil, in which case only the
// persistent tier is used.
func New(store repository.CacheRepository, fast FastTier, cfg Config) *TieredCache {
	if cfg.FastTTL <= 0 {
		cfg.FastTTL = DefaultFastTTL
	}
	if cfg.PersistentTTL <= 0 {
		cfg.PersistentTTL = DefaultPersistentTTL
	}
	if cfg.FastTimeout <= 0 {
		cfg.FastTimeout = DefaultFastTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &TieredCache{cfg: cfg, fast: fast, store: store, now: time.Now}
}

// Get looks up question. A full miss returns (nil, nil).
func (c *TieredCache) Get(ctx context.Context, question, sessionID string) (*repository.CacheEntry, error) {
	normalized := textnorm.Normalize(question)
	if normalized == "" {
		return nil, nil
	}
	now := c.now()

	keys := []string{Key(normalized, "")}
	if sessionID != "" {
		keys = []string{Key(normalized, sessionID), keys[0]}
	}
	for _, key := range keys {
		entry := c.fastGet(ctx, key)
		if entry == nil || !entry.Active || entry.Expired(now) {
			continue
		}
		c.fastExpire(ctx, key)
		entry.ServedFrom = repository.ServedFromFast
		entry.MatchedVariation = entry.NormalizedQuestion != normalized
		c.recordServe(ctx, entry.ID, now)
		c.cfg.Metrics.CacheLookup(repository.ServedFromFast, "hit")
		return entry, nil
	}
	c.cfg.Metrics.CacheLookup(repository.ServedFromFast, "miss")

	entry, err := c.store.FindActive(ctx, normalized, c.cfg.MinConfidence, now)
	matchedVariation := false
	if errors.Is(err, repository.ErrNotFound) {
		entry, err = c.store.FindActiveByVariation(ctx, normalized, c.cfg.MinConfidence, now)
		matchedVariation = true
	}
	if errors.Is(err, repository.ErrNotFound) {
		c.cfg.Metrics.CacheLookup(repository.ServedFromPersistent, "miss")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up cached answer: %w", err)
	}

	c.fastSet(ctx, Key(normalized, sessionID), entry)
	c.recordServe(ctx, entry.ID, now)
	entry.ServedFrom = repository.ServedFromPersistent
	entry.MatchedVariation = matchedVariation
	c.cfg.Metrics.CacheLookup(repository.ServedFromPersistent, "hit")
	return entry, nil
}

// Set stores an answer for question. Automatic writes never replace an
// active entry that is manual, or that has net positive feedback and at
// least the incoming confidence.
func (c *TieredCache) Set(ctx context.Context, question, answer string, sources []repository.SourceRecord, opts SetOptions) (*SetResult, error) {
	normalized := textnorm.Normalize(question)
	if normalized == "" {
		return nil, ErrEmptyQuestion
	}
	if opts.CreatedBy == "" {
		opts.CreatedBy = repository.CreatedByAuto
	}
	if !opts.CreatedBy.Valid() {
		return nil, ErrInvalidAuthor
	}
	confidence := min(max(opts.Confidence, 0), 1)
	now := c.now()

	existing, err := c.store.GetByNormalized(ctx, normalized)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		c.cfg.Metrics.CacheWrite(outcomeError)
		return nil, fmt.Errorf("failed to load cached answer: %w", err)
	}
	if opts.CreatedBy == repository.CreatedByAuto && existing != nil && protected(existing, confidence, now) {
		c.cfg.Logger.Info("cache write skipped, entry is protected",
			"cache_id", existing.ID, "created_by", existing.CreatedBy)
		c.cfg.Metrics.CacheWrite(outcomeProtected)
		return &SetResult{ID: existing.ID, Success: false, Reason: ReasonProtected}, nil
	}

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = c.cfg.PersistentTTL
	}
	entry := &repository.CacheEntry{
		Question:           question,
		NormalizedQuestion: normalized,
		Variations:         normalizeVariations(normalized, opts.Variations),
		Answer:             answer,
		Sources:            sources,
		Confidence:         confidence,
		CreatedBy:          opts.CreatedBy,
		Active:             true,
		ExpiresAt:          now.Add(ttl).UTC(),
		CreatedAt:          now.UTC(),
		UpdatedAt:          now.UTC(),
	}
	id, err := c.store.Upsert(ctx, entry)
	if err != nil {
		c.cfg.Metrics.CacheWrite(outcomeError)
		return nil, fmt.Errorf("failed to store cached answer: %w", err)
	}
	entry.ID = id

	// Drop copies of the previous answer, including session-scoped ones and
	// those mirrored under its variations.
	c.fastDeletePrefix(ctx, Key(normalized, ""))
	if existing != nil {
		for _, v := range existing.Variations {
			c.fastDeletePrefix(ctx, Key(v, ""))
		}
	}
	if confidence >= c.cfg.MinConfidence {
		c.fastSet(ctx, Key(normalized, opts.SessionID), entry)
		for _, v := range entry.Variations {
			if c.ownedElsewhere(ctx, v, id, now) {
				continue
			}
			c.fastSet(ctx, Key(v, opts.SessionID), entry)
		}
	}

	c.cfg.Metrics.CacheWrite(outcomeStored)
	return &SetResult{ID: id, Success: true}, nil
}

// ownedElsewhere reports whether another live entry has variation as its own
// question. An exact match must win over a variation, so such keys are not
// mirrored. A lookup failure is treated as owned.
func (c *TieredCache) ownedElsewhere(ctx context.Context, variation string, id uuid.UUID, now time.Time) bool {
	other, err := c.store.GetByNormalized(ctx, variation)
	if errors.Is(err, repository.ErrNotFound) {
		return false
	}
	if err != nil {
		c.cfg.Logger.Warn("skipping variation mirror", "variation", variation, "error", err)
		return true
	}
	return other.ID != id && other.Active && !other.Expired(now)
}

func protected(existing *repository.CacheEntry, incoming float64, now time.Time) bool {
	if !existing.Active || existing.Expired(now) {
		return false
	}
	if existing.CreatedBy == repository.CreatedByManual {
		return true
	}
	return existing.PositiveFeedback > existing.NegativeFeedback && existing.Confidence >= incoming
}

func normalizeVariations(normalized string, variations []string) []string {
	var out []string
	seen := map[string]bool{normalized: true}
	for _, v := range variations {
		n := textnorm.Normalize(v)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

// UpdateFeedback bumps one feedback counter of an entry. Confidence is not
// changed.
func (c *TieredCache) UpdateFeedback(ctx context.Context, id uuid.UUID, counter repository.FeedbackCounter) error {
	if err := c.store.IncrementFeedback(ctx, id, counter); err != nil {
		return fmt.Errorf("failed to record cache feedback: %w", err)
	}
	return nil
}

// Lookup returns an entry by id regardless of its state.
func (c *TieredCache) Lookup(ctx context.Context, id uuid.UUID) (*repository.CacheEntry, error) {
	return c.store.GetByID(ctx, id)
}

// Invalidate deactivates an entry and clears the fast tier. Invalidating an
// inactive entry succeeds; changed reports whether it was active.
func (c *TieredCache) Invalidate(ctx context.Context, id uuid.UUID) (changed bool, err error) {
	changed, err = c.store.Deactivate(ctx, id)
	if err != nil {
		return false, fmt.Errorf("failed to invalidate cached answer: %w", err)
	}
	if _, err := c.ClearFastTier(ctx); err != nil {
		c.degraded("clear", err)
	}
	return changed, nil
}

// ClearFastTier deletes every fast-tier cache key.
func (c *TieredCache) ClearFastTier(ctx context.Context) (int, error) {
	if c.fast == nil {
		return 0, nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.FastTimeout*4)
	defer cancel()
	return c.fast.DeleteByPrefix(ctx, KeyPrefix)
}

// PingFast checks the fast tier. A cache without one is always healthy.
func (c *TieredCache) PingFast(ctx context.Context) error {
	if c.fast == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.FastTimeout)
	defer cancel()
	return c.fast.Ping(ctx)
}

func (c *TieredCache) fastGet(ctx context.Context, key string) *repository.CacheEntry {
	if c.fast == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.FastTimeout)
	defer cancel()

	data, ok, err := c.fast.Get(ctx, key)
	if err != nil {
		c.degraded("get", err)
		return nil
	}
	if !ok {
		return nil
	}
	var entry repository.CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		c.cfg.Logger.Warn("discarding undecodable fast-tier value", "key", key, "error", err)
		return nil
	}
	return &entry
}

func (c *TieredCache) fastSet(ctx context.Context, key string, entry *repository.CacheEntry) {
	if c.fast == nil {
		return
	}
	stored := *entry
	stored.ServedFrom = ""
	stored.MatchedVariation = false
	data, err := json.Marshal(&stored)
	if err != nil {
		c.cfg.Logger.Error("failed to encode cache entry", "cache_id", entry.ID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.FastTimeout)
	defer cancel()
	if err := c.fast.Set(ctx, key, data, c.cfg.FastTTL); err != nil {
		c.degraded("set", err)
	}
}

func (c *TieredCache) fastExpire(ctx context.Context, key string) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.FastTimeout)
	defer cancel()
	if err := c.fast.Expire(ctx, key, c.cfg.FastTTL); err != nil {
		c.degraded("expire", err)
	}
}

func (c *TieredCache) fastDeletePrefix(ctx context.Context, prefix string) {
	if c.fast == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.FastTimeout)
	defer cancel()
	if _, err := c.fast.DeleteByPrefix(ctx, prefix); err != nil {
		c.degraded("delete", err)
	}
}

func (c *TieredCache) recordServe(ctx context.Context, id uuid.UUID, at time.Time) {
	if err := c.store.RecordServe(ctx, id, at.UTC()); err != nil {
		c.cfg.Logger.Warn("failed to record cache serve", "cache_id", id, "error", err)
	}
}

func (c *TieredCache) degraded(op string, err error) {
	c.cfg.Logger.Warn("fast cache tier unavailable", "op", op, "error", err)
	c.cfg.Metrics.Degraded(metrics.ComponentFastTier)
}
