package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/knoguchi/ragcache/internal/cache"
	"github.com/knoguchi/ragcache/internal/repository"
	"github.com/knoguchi/ragcache/internal/retriever"
	"github.com/knoguchi/ragcache/internal/service"
)

const maxBodyBytes = 1 << 20

// AnswerAPI answers and retrieves.
type AnswerAPI interface {
	Ask(ctx context.Context, req service.AskRequest) (*service.AskResponse, error)
	Retrieve(ctx context.Context, question string, topK int) (*retriever.Result, error)
}

// FeedbackAPI records and analyzes feedback.
type FeedbackAPI interface {
	Record(ctx context.Context, req service.FeedbackRequest) (*service.FeedbackResponse, error)
	Analyze(ctx context.Context) (*repository.AnalysisRun, error)
	LastAnalysis(ctx context.Context) (*repository.AnalysisRun, error)
}

// CacheAPI is the tiered cache surface exposed over HTTP.
type CacheAPI interface {
	Get(ctx context.Context, question, sessionID string) (*repository.CacheEntry, error)
	Set(ctx context.Context, question, answer string, sources []repository.SourceRecord, opts cache.SetOptions) (*cache.SetResult, error)
	Lookup(ctx context.Context, id uuid.UUID) (*repository.CacheEntry, error)
	Invalidate(ctx context.Context, id uuid.UUID) (bool, error)
	ClearFastTier(ctx context.Context) (int, error)
}

type handlers struct {
	answers  AnswerAPI
	feedback FeedbackAPI
	cache    CacheAPI
	logger   *slog.Logger
}

type retrieveRequest struct {
	Question string `json:"question"`
	TopK     int    `json:"top_k,omitempty"`
}

type setCacheRequest struct {
	Question   string                    `json:"question"`
	Answer     string                    `json:"answer"`
	Sources    []repository.SourceRecord `json:"sources"`
	Confidence float64                   `json:"confidence"`
	CreatedBy  repository.CreatedBy      `json:"created_by,omitempty"`
	Variations []string                  `json:"variations,omitempty"`
	SessionID  string                    `json:"session_id,omitempty"`
	TTLSeconds int                       `json:"ttl_seconds,omitempty"`
}

func (h *handlers) ask(w http.ResponseWriter, r *http.Request) {
	var req service.AskRequest
	if !h.decode(w, r, &req) {
		return
	}
	resp, err := h.answers.Ask(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) retrieve(w http.ResponseWriter, r *http.Request) {
	var req retrieveRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.answers.Retrieve(r.Context(), req.Question, req.TopK)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handlers) getCache(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	entry, err := h.cache.Get(r.Context(), q.Get("question"), q.Get("session_id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if entry == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "cache miss"})
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *handlers) setCache(w http.ResponseWriter, r *http.Request) {
	var req setCacheRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.CreatedBy == "" {
		req.CreatedBy = repository.CreatedByManual
	}
	res, err := h.cache.Set(r.Context(), req.Question, req.Answer, req.Sources, cache.SetOptions{
		Confidence: req.Confidence,
		CreatedBy:  req.CreatedBy,
		Variations: req.Variations,
		SessionID:  req.SessionID,
		TTL:        time.Duration(req.TTLSeconds) * time.Second,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handlers) lookupCache(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	entry, err := h.cache.Lookup(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *handlers) invalidateCache(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	changed, err := h.cache.Invalidate(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "invalidated": changed})
}

func (h *handlers) clearFastTier(w http.ResponseWriter, r *http.Request) {
	n, err := h.cache.ClearFastTier(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

func (h *handlers) recordFeedback(w http.ResponseWriter, r *http.Request) {
	var req service.FeedbackRequest
	if !h.decode(w, r, &req) {
		return
	}
	resp, err := h.feedback.Record(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) analyze(w http.ResponseWriter, r *http.Request) {
	run, err := h.feedback.Analyze(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *handlers) lastAnalysis(w http.ResponseWriter, r *http.Request) {
	run, err := h.feedback.LastAnalysis(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if run == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no analysis has run"})
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *handlers) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.writeError(w, r, fmt.Errorf("%w: malformed JSON body: %w", service.ErrInvalidRequest, err))
		return false
	}
	return true
}

func (h *handlers) pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, fmt.Errorf("%w: invalid id", service.ErrInvalidRequest))
		return uuid.Nil, false
	}
	return id, true
}

// statusFor maps an error to an HTTP status code.
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidRequest),
		errors.Is(err, cache.ErrEmptyQuestion),
		errors.Is(err, cache.ErrInvalidAuthor):
		return http.StatusBadRequest
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, retriever.ErrRetrievalUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, service.ErrGenerationFailed):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	msg := err.Error()
	if code >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			"path", r.URL.Path,
			"status", code,
			"request_id", middleware.GetReqID(r.Context()),
			"error", err)
		msg = http.StatusText(code)
	}
	writeJSON(w, code, map[string]string{"error": msg})
}
