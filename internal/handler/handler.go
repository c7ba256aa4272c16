// Package handler exposes the coach over a JSON HTTP API.
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	appI18n "github.com/pavelanni/coach/internal/i18n"
	"github.com/pavelanni/coach/internal/model"
	"github.com/pavelanni/coach/internal/orchestrator"
	"github.com/pavelanni/coach/internal/store"
	"github.com/pavelanni/coach/internal/transcript"
	"github.com/pavelanni/coach/internal/tutor"
)

const maxBodyBytes = 1 << 20

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store  *store.Store
	orch   *orchestrator.Orchestrator
	tutors *tutor.Registry
	config model.ServerConfig
}

// New creates a new Handler.
func New(s *store.Store, o *orchestrator.Orchestrator, tutors *tutor.Registry, cfg model.ServerConfig) *Handler {
	if cfg.ChatOutput == "" {
		cfg.ChatOutput = model.ChatOutputText
	}
	return &Handler{store: s, orch: o, tutors: tutors, config: cfg}
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/health", h.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(h.requireAPIKey)

		r.Post("/calendar/seed", h.handleSeedCalendar)
		r.Get("/topics", h.handleTopics)
		r.Get("/skills", h.handleSkills)
		r.Get("/question/select", h.handleSelectQuestion)
		r.Post("/chat", h.handleChat)
		r.Post("/chatter", h.handleChatter)
		r.Delete("/chatter/{sessionID}", h.handleDeleteChatter)
		r.Post("/session/finalize", h.handleFinalize)
		r.Post("/session/next", h.handleNext)
		r.Post("/orchestrate", h.handleOrchestrate)
		r.Post("/initializer", h.handleInitializer)
	})
}

// requestBody is the union of the JSON bodies the API accepts.
type requestBody struct {
	orchestrator.Request
	UserMessage         string          `json:"user_message"`
	ConversationHistory json.RawMessage `json:"conversation_history"`
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request) (orchestrator.Request, bool) {
	var body requestBody
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return orchestrator.Request{}, false
	}
	req := body.Request
	if req.Message == "" {
		req.Message = body.UserMessage
	}
	turns, err := transcript.Normalize(body.ConversationHistory)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return orchestrator.Request{}, false
	}
	req.History = turns
	return req, true
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleSeedCalendar(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r)
	if !ok {
		return
	}
	res, err := h.orch.SeedCalendar(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"inserted":   res.Seeded,
		"session_id": res.SessionID,
	})
}

func (h *Handler) handleTopics(w http.ResponseWriter, r *http.Request) {
	date := dateParam(r)
	entry, err := h.store.GetCalendar(r.Context(), date)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if entry == nil {
		writeError(w, http.StatusNotFound, appI18n.Td(r.Context(), appI18n.NoCalendar, map[string]any{"Date": date}))
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) handleSkills(w http.ResponseWriter, r *http.Request) {
	levels, err := h.store.ListSkillLevels(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if levels == nil {
		levels = []model.SkillLevel{}
	}
	writeJSON(w, http.StatusOK, levels)
}

func (h *Handler) handleSelectQuestion(w http.ResponseWriter, r *http.Request) {
	res, _, err := h.orch.SelectQuestions(r.Context(), orchestrator.Request{
		Date:      dateParam(r),
		SessionID: r.URL.Query().Get("session_id"),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	questions := res.Questions
	if questions == nil {
		questions = []model.QuestionSummary{}
	}
	var first *model.QuestionSummary
	if len(questions) > 0 {
		first = &questions[0]
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"date":       res.Date,
		"session_id": res.SessionID,
		"question":   first,
		"questions":  questions,
		"message":    appI18n.Tp(r.Context(), appI18n.QuestionsSelected, len(questions)),
		"degraded":   res.Degraded,
	})
}

func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r)
	if !ok {
		return
	}
	res, err := h.orch.Chat(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := map[string]any{"response": res.Reply.Raw, "session_id": res.SessionID}
	if res.Degraded != "" {
		out["degraded"] = res.Degraded
	}
	writeJSON(w, http.StatusOK, out)
}

// handleChatter is the session-keyed chat: the first call for a session id
// must carry question_answer.
func (h *Handler) handleChatter(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r)
	if !ok {
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	if _, live := h.tutors.Get(req.SessionID); !live && strings.TrimSpace(req.Answer) == "" {
		writeError(w, http.StatusBadRequest, appI18n.T(r.Context(), appI18n.AnswerRequired))
		return
	}
	res, err := h.orch.Chat(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := map[string]any{
		"session_id": res.SessionID,
		"response":   res.Reply.Raw,
	}
	if res.Reply.Correct != nil {
		out["correct_status"] = *res.Reply.Correct
	}
	if res.Degraded != "" {
		out["degraded"] = res.Degraded
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleDeleteChatter(w http.ResponseWriter, r *http.Request) {
	if !h.tutors.Delete(chi.URLParam(r, "sessionID")) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleFinalize(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r)
	if !ok {
		return
	}
	res, err := h.orch.Finalize(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := map[string]any{
		"deltas":       res.Scores,
		"mode":         res.ScoreMode,
		"skill_levels": res.Skills,
	}
	if res.Degraded != "" {
		out["degraded"] = res.Degraded
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleNext(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r)
	if !ok {
		return
	}
	s, err := h.orch.NextStep(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *Handler) handleOrchestrate(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r)
	if !ok {
		return
	}
	res, err := h.orch.Handle(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleInitializer(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r)
	if !ok {
		return
	}
	res, err := h.orch.Initialize(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func dateParam(r *http.Request) string {
	if d := r.URL.Query().Get("date"); d != "" {
		return d
	}
	return model.Today()
}

// fail maps an error to a status code. Internal errors are logged and
// reported without detail.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, tutor.ErrAnswerRequired):
		writeError(w, http.StatusBadRequest, appI18n.T(r.Context(), appI18n.AnswerRequired))
	case errors.Is(err, tutor.ErrClosed):
		writeError(w, http.StatusConflict, appI18n.T(r.Context(), appI18n.ChatSessionClosed))
	case errors.Is(err, orchestrator.ErrBadRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
