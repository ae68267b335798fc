package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knoguchi/ragcache/internal/cache"
	"github.com/knoguchi/ragcache/internal/classifier"
	"github.com/knoguchi/ragcache/internal/feedback"
	"github.com/knoguchi/ragcache/internal/llm"
	"github.com/knoguchi/ragcache/internal/memory"
	"github.com/knoguchi/ragcache/internal/repository"
	"github.com/knoguchi/ragcache/internal/retriever"
)

type stubRetriever struct {
	result *retriever.Result
	err    error
	calls  int
}

func (s *stubRetriever) Retrieve(context.Context, string, int) (*retriever.Result, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

type stubLLM struct {
	answer     string
	err        error
	calls      int
	lastPrompt string
}

func (s *stubLLM) Generate(_ context.Context, prompt string, _ llm.GenerateOptions) (string, error) {
	s.calls++
	s.lastPrompt = prompt
	return s.answer, s.err
}

func ptoResult(top float64) *retriever.Result {
	return &retriever.Result{
		Matches: []*retriever.Match{
			{ID: "1", Source: "pto.pdf", Content: "Full-time employees accrue 20 days of PTO per year.", Metadata: map[string]string{"title": "PTO Policy"}, RawScore: top, AdjustedScore: top},
			{ID: "2", Source: "holidays.pdf", Content: "The office closes for eleven public holidays.", RawScore: 0.5, AdjustedScore: 0.5},
		},
		Confident: top >= 0.7,
	}
}

type fixture struct {
	store     *memory.Store
	cache     *cache.TieredCache
	retriever *stubRetriever
	llm       *stubLLM
	answers   *AnswerService
	feedback  *FeedbackService
}

func newFixture(t *testing.T, top float64) *fixture {
	t.Helper()
	store := memory.NewStore()
	tc := cache.New(store, nil, cache.Config{MinConfidence: 0.6})
	r := &stubRetriever{result: ptoResult(top)}
	model := &stubLLM{answer: " You get 20 days of PTO. [Doc 1] "}

	cl, err := classifier.New(nil, classifier.Config{})
	require.NoError(t, err)
	adjuster := feedback.NewAdjuster(store, feedback.Config{})
	job := feedback.NewAnalysisJob(feedback.AnalysisJobConfig{}, adjuster, store)

	return &fixture{
		store:     store,
		cache:     tc,
		retriever: r,
		llm:       model,
		answers:   NewAnswerService(tc, r, model, AnswerConfig{Model: "stub"}),
		feedback:  NewFeedbackService(cl, tc, adjuster, store, job, nil),
	}
}

func TestAsk_GeneratesThenServesFromCache(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0.9)

	first, err := f.answers.Ask(ctx, AskRequest{Question: "How many PTO days do I get?"})
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.Equal(t, "You get 20 days of PTO. [Doc 1]", first.Answer)
	assert.InDelta(t, 0.9, first.Confidence, 1e-9)
	require.NotNil(t, first.CacheWrite)
	assert.True(t, first.CacheWrite.Success)
	require.Len(t, first.Sources, 2)
	assert.Equal(t, "PTO Policy", first.Sources[0].Title)
	assert.Equal(t, "pto.pdf", first.Sources[0].URL)
	assert.Equal(t, "holidays.pdf", first.Sources[1].Title)
	assert.Equal(t, "stub", first.Metadata.Model)

	second, err := f.answers.Ask(ctx, AskRequest{Question: "how many pto days do i get"})
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, repository.ServedFromPersistent, second.ServedFrom)
	assert.Equal(t, first.Answer, second.Answer)
	assert.Equal(t, *first.CacheID, *second.CacheID)
	assert.Equal(t, 1, f.retriever.calls)
	assert.Equal(t, 1, f.llm.calls)
}

func TestAsk_SkipCache(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0.9)

	_, err := f.answers.Ask(ctx, AskRequest{Question: "PTO days?"})
	require.NoError(t, err)
	resp, err := f.answers.Ask(ctx, AskRequest{Question: "PTO days?", SkipCache: true})
	require.NoError(t, err)
	assert.False(t, resp.Cached)
	assert.Equal(t, 2, f.llm.calls)
}

func TestAsk_LowConfidenceIsNotServed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0.4)

	first, err := f.answers.Ask(ctx, AskRequest{Question: "PTO days?"})
	require.NoError(t, err)
	assert.InDelta(t, 0.4, first.Confidence, 1e-9)

	second, err := f.answers.Ask(ctx, AskRequest{Question: "PTO days?"})
	require.NoError(t, err)
	assert.False(t, second.Cached)
	assert.Equal(t, 2, f.llm.calls)
}

func TestAsk_NoMatches(t *testing.T) {
	f := newFixture(t, 0.9)
	f.retriever.result = &retriever.Result{}

	resp, err := f.answers.Ask(context.Background(), AskRequest{Question: "Where is the cafeteria?"})
	require.NoError(t, err)
	assert.Equal(t, noContextAnswer, resp.Answer)
	assert.Empty(t, resp.Sources)
	assert.Nil(t, resp.CacheID)
	assert.Zero(t, f.llm.calls)
	assert.Zero(t, f.store.Len())
}

func TestAsk_Errors(t *testing.T) {
	ctx := context.Background()

	f := newFixture(t, 0.9)
	_, err := f.answers.Ask(ctx, AskRequest{Question: "   "})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	f.retriever.err = retriever.ErrRetrievalUnavailable
	_, err = f.answers.Ask(ctx, AskRequest{Question: "PTO days?"})
	assert.ErrorIs(t, err, retriever.ErrRetrievalUnavailable)

	f = newFixture(t, 0.9)
	cause := errors.New("model overloaded")
	f.llm.err = cause
	_, err = f.answers.Ask(ctx, AskRequest{Question: "PTO days?"})
	assert.ErrorIs(t, err, ErrGenerationFailed)
	assert.ErrorIs(t, err, cause)
	assert.Zero(t, f.store.Len())
}

func TestBuildPrompt(t *testing.T) {
	prompt := buildPrompt("SYSTEM", ptoResult(0.9).Matches, "How many PTO days?")

	assert.True(t, strings.HasPrefix(prompt, "SYSTEM\n\n## Context Documents\n\n"))
	assert.Contains(t, prompt, "[Doc 1] (Title: PTO Policy) (Source: pto.pdf)\nFull-time employees")
	assert.Contains(t, prompt, "[Doc 2] (Source: holidays.pdf)\n")
	assert.True(t, strings.HasSuffix(prompt, "## Question\nHow many PTO days?\n\n## Answer (be brief and direct)\n"))
}

func TestDeduplicateMatches(t *testing.T) {
	matches := []*retriever.Match{
		{ID: "a", Content: "Employees accrue twenty days of paid time off each year."},
		{ID: "b", Content: "Employees accrue twenty days of paid time off each year!"},
		{ID: "c", Content: "Expense reports are due within thirty days."},
	}
	out := deduplicateMatches(matches, 0.7)
	require.Len(t, out, 2)
	assert.Equal(t, "a", out[0].ID)
	assert.Equal(t, "c", out[1].ID)
}

func TestCounterFor(t *testing.T) {
	assert.Equal(t, repository.CounterPositive, CounterFor(1))
	assert.Equal(t, repository.CounterPositive, CounterFor(0.5))
	assert.Equal(t, repository.CounterNeutral, CounterFor(0.3))
	assert.Equal(t, repository.CounterNeutral, CounterFor(0))
	assert.Equal(t, repository.CounterNegative, CounterFor(-2))
}

func TestFeedback_RecordAgainstCachedAnswer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0.9)

	ask, err := f.answers.Ask(ctx, AskRequest{Question: "PTO days?"})
	require.NoError(t, err)

	resp, err := f.feedback.Record(ctx, FeedbackRequest{CacheID: ask.CacheID, Rating: repository.RatingNotHelpful})
	require.NoError(t, err)
	assert.Equal(t, repository.CounterNegative, resp.Counter)
	assert.Equal(t, -2.0, resp.Classification.Weight)
	assert.Equal(t, []string{"pto.pdf", "holidays.pdf"}, resp.SourcesUpdated)

	entry, err := f.store.GetByID(ctx, *ask.CacheID)
	require.NoError(t, err)
	assert.Equal(t, 1, entry.NegativeFeedback)

	scores, err := f.store.GetSourceScores(ctx, []string{"pto.pdf", "holidays.pdf"})
	require.NoError(t, err)
	require.Contains(t, scores, "pto.pdf")
	assert.Equal(t, 1, scores["pto.pdf"].NotHelpful)
	assert.Equal(t, -2.0, scores["pto.pdf"].Score)

	events, err := f.store.ListEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, resp.EventID, events[0].ID)
	assert.Equal(t, "PTO days?", events[0].Query)
	assert.Equal(t, ask.CacheID.String(), events[0].MessageID)
}

func TestFeedback_CommentWithIssues(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0.9)

	resp, err := f.feedback.Record(ctx, FeedbackRequest{
		SourceKey: "pto.pdf",
		MessageID: "m-1",
		Rating:    repository.RatingHelpful,
		Comment:   "Useful, but the link is broken",
	})
	require.NoError(t, err)
	assert.Equal(t, repository.RatingPartiallyHelpful, resp.Classification.AdjustedRating)
	assert.Contains(t, resp.Classification.Issues, classifier.IssueBrokenLink)
	assert.Equal(t, repository.CounterPositive, resp.Counter)

	scores, err := f.store.GetSourceScores(ctx, []string{"pto.pdf"})
	require.NoError(t, err)
	assert.Equal(t, 1, scores["pto.pdf"].HelpfulWithIssues)
	assert.Equal(t, 1, scores["pto.pdf"].IssueCounts[classifier.IssueBrokenLink])
}

func TestFeedback_Validation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0.9)

	_, err := f.feedback.Record(ctx, FeedbackRequest{SourceKey: "a.pdf", Rating: "great"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = f.feedback.Record(ctx, FeedbackRequest{Rating: repository.RatingHelpful})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	missing := uuid.New()
	_, err = f.feedback.Record(ctx, FeedbackRequest{CacheID: &missing, Rating: repository.RatingHelpful})
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestFeedback_Analyze(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0.9)

	last, err := f.feedback.LastAnalysis(ctx)
	require.NoError(t, err)
	assert.Nil(t, last)

	for _, rating := range []repository.Rating{repository.RatingHelpful, repository.RatingHelpful, repository.RatingNotHelpful} {
		_, err := f.feedback.Record(ctx, FeedbackRequest{SourceKey: "pto.pdf", Query: "pto days", Rating: rating})
		require.NoError(t, err)
	}

	run, err := f.feedback.Analyze(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, run.EventsProcessed)
	assert.Equal(t, 1, run.SourcesScored)
	assert.WithinDuration(t, time.Now(), run.RanAt, time.Minute)

	last, err = f.feedback.LastAnalysis(ctx)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, 3, last.EventsProcessed)
}

type failingEvents struct {
	*memory.Store
}

func (failingEvents) AppendEvent(context.Context, *repository.FeedbackEvent) error {
	return repository.ErrPersistence
}

func TestFeedback_EventLogFailureLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0.9)

	ask, err := f.answers.Ask(ctx, AskRequest{Question: "PTO days?"})
	require.NoError(t, err)

	cl, err := classifier.New(nil, classifier.Config{})
	require.NoError(t, err)
	adjuster := feedback.NewAdjuster(f.store, feedback.Config{})
	events := failingEvents{f.store}
	svc := NewFeedbackService(cl, f.cache, adjuster, events, feedback.NewAnalysisJob(feedback.AnalysisJobConfig{}, adjuster, f.store), nil)

	for i := 0; i < 2; i++ {
		_, err := svc.Record(ctx, FeedbackRequest{CacheID: ask.CacheID, Rating: repository.RatingNotHelpful})
		assert.ErrorIs(t, err, repository.ErrPersistence)
	}

	entry, err := f.store.GetByID(ctx, *ask.CacheID)
	require.NoError(t, err)
	assert.Zero(t, entry.NegativeFeedback)

	scores, err := f.store.GetSourceScores(ctx, []string{"pto.pdf", "holidays.pdf"})
	require.NoError(t, err)
	assert.Empty(t, scores)

	logged, err := f.store.ListEvents(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, logged)
}

type failingScorer struct{}

func (failingScorer) RecordFeedback(context.Context, string, repository.Rating, float64, []string) (*repository.SourceScore, error) {
	return nil, repository.ErrPersistence
}

func TestFeedback_ScoreFailureKeepsLoggedEvent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0.9)

	cl, err := classifier.New(nil, classifier.Config{})
	require.NoError(t, err)
	adjuster := feedback.NewAdjuster(f.store, feedback.Config{})
	svc := NewFeedbackService(cl, f.cache, failingScorer{}, f.store, feedback.NewAnalysisJob(feedback.AnalysisJobConfig{}, adjuster, f.store), nil)

	resp, err := svc.Record(ctx, FeedbackRequest{SourceKey: "pto.pdf", Query: "pto days", Rating: repository.RatingHelpful})
	require.NoError(t, err)
	assert.Empty(t, resp.SourcesUpdated)

	logged, err := f.store.ListEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, logged, 1)
	assert.Equal(t, resp.EventID, logged[0].ID)

	// The rebuild recovers the score the failed update missed.
	run, err := f.feedback.Analyze(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, run.SourcesScored)
	scores, err := f.store.GetSourceScores(ctx, []string{"pto.pdf"})
	require.NoError(t, err)
	assert.Contains(t, scores, "pto.pdf")
}
