package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavelanni/coach/internal/finalizer"
	appI18n "github.com/pavelanni/coach/internal/i18n"
	"github.com/pavelanni/coach/internal/llm"
	"github.com/pavelanni/coach/internal/model"
	"github.com/pavelanni/coach/internal/orchestrator"
	"github.com/pavelanni/coach/internal/selector"
	"github.com/pavelanni/coach/internal/store"
	"github.com/pavelanni/coach/internal/tutor"
)

type testServer struct {
	router http.Handler
	store  *store.Store
	mock   *llm.MockProvider
	tutors *tutor.Registry
}

func newTestServer(t *testing.T, cfg model.ServerConfig) testServer {
	t.Helper()
	st, err := store.New("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	mock := llm.NewMockProvider()
	tutors := tutor.NewRegistry(tutor.Config{Provider: mock, Output: cfg.ChatOutput}, time.Minute)
	t.Cleanup(tutors.Stop)

	orch := orchestrator.New(st, selector.New(st, mock), finalizer.New(st, mock, cfg.ScoreMode), tutors,
		orchestrator.Config{MarkAsked: true, StudentName: "Alice", ExamName: "Math"})

	r := chi.NewRouter()
	r.Use(appI18n.Middleware("en"))
	New(st, orch, tutors, cfg).Routes(r)
	return testServer{router: r, store: st, mock: mock, tutors: tutors}
}

func (s testServer) do(t *testing.T, method, path string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, model.ServerConfig{})
	rec := s.do(t, "GET", "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestSeedAndTopics(t *testing.T) {
	s := newTestServer(t, model.ServerConfig{})

	rec := s.do(t, "GET", "/topics?date=2024-01-01", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, decodeBody(t, rec)["error"], "2024-01-01")

	rec = s.do(t, "POST", "/calendar/seed", map[string]any{
		"entries": []map[string]any{{"date": "2024-01-01", "topics": []string{"algebra"}, "n_questions": 1}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, float64(1), decodeBody(t, rec)["inserted"])

	rec = s.do(t, "GET", "/topics?date=2024-01-01", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"date":"2024-01-01","topics":["algebra"],"n_questions":1}`, rec.Body.String())
}

func TestSeedRejectsBadInput(t *testing.T) {
	s := newTestServer(t, model.ServerConfig{})

	rec := s.do(t, "POST", "/calendar/seed", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, "POST", "/calendar/seed", map[string]any{"entries": []any{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSelectQuestionHidesAnswer(t *testing.T) {
	s := newTestServer(t, model.ServerConfig{})
	ctx := context.Background()
	_, err := s.store.InsertQuestion(ctx, model.Question{QuestionPrompt: "Angles in a triangle?", Answer: "180", TopicTag1: "geometry"})
	require.NoError(t, err)
	require.NoError(t, s.store.UpsertCalendar(ctx, []model.CalendarEntry{{Date: "2024-01-01", Topics: []string{"geometry"}, NQuestions: 1}}))
	s.mock.AddResponse(llm.MockResponse{Content: "sorry, no JSON today"})

	rec := s.do(t, "GET", "/question/select?date=2024-01-01", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	q := body["question"].(map[string]any)
	assert.Equal(t, "Angles in a triangle?", q["question"])
	assert.Equal(t, selector.FallbackReason, q["selection_reason"])
	assert.NotContains(t, rec.Body.String(), "180")
	assert.NotEmpty(t, body["degraded"])
	assert.Equal(t, "1 question selected.", body["message"])
}

func TestSelectQuestionWithoutCalendar(t *testing.T) {
	s := newTestServer(t, model.ServerConfig{})
	rec := s.do(t, "GET", "/question/select?date=2024-01-01", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Nil(t, body["question"])
	assert.Empty(t, body["questions"])
}

func TestChatter(t *testing.T) {
	s := newTestServer(t, model.ServerConfig{})

	rec := s.do(t, "POST", "/chatter", map[string]any{"session_id": "s1", "user_message": "hi"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 0, s.mock.CallCount())

	s.mock.AddResponse(llm.MockResponse{Content: "What do you get if you add 2 and 2?"})
	rec = s.do(t, "POST", "/chatter", map[string]any{"session_id": "s1", "user_message": "hi", "question_answer": "4"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "What do you get if you add 2 and 2?", decodeBody(t, rec)["response"])

	s.mock.AddResponse(llm.MockResponse{Content: "Well done."})
	rec = s.do(t, "POST", "/chatter", map[string]any{"session_id": "s1", "user_message": "4"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, "Well done.", body["response"])
	assert.Equal(t, true, body["correct_status"])

	rec = s.do(t, "DELETE", "/chatter/s1", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = s.do(t, "DELETE", "/chatter/s1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestChatterGeneratesSessionID(t *testing.T) {
	s := newTestServer(t, model.ServerConfig{})
	s.mock.AddResponse(llm.MockResponse{Content: "Let's start."})
	rec := s.do(t, "POST", "/chatter", map[string]any{"user_message": "hi", "question_answer": "4"})
	require.Equal(t, http.StatusOK, rec.Code)
	id, _ := decodeBody(t, rec)["session_id"].(string)
	assert.Len(t, id, 36)
	assert.Equal(t, 1, s.tutors.Len())
}

func TestChatJSONOutputIsVerbatim(t *testing.T) {
	s := newTestServer(t, model.ServerConfig{ChatOutput: model.ChatOutputJSON})
	raw := `{"response":"Think about counting.","correct_status":false}`
	s.mock.AddResponse(llm.MockResponse{Content: "```json\n" + raw + "\n```"})

	rec := s.do(t, "POST", "/chat", map[string]any{
		"student_data":    map[string]any{"student_name": "Alice", "exam_name": "Math"},
		"message":         "help",
		"question_answer": "4",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, raw, decodeBody(t, rec)["response"])
}

func TestChatWithoutAnswerIsBadRequest(t *testing.T) {
	s := newTestServer(t, model.ServerConfig{})
	rec := s.do(t, "POST", "/chat", map[string]any{"message": "help"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFinalize(t *testing.T) {
	s := newTestServer(t, model.ServerConfig{})
	s.mock.AddResponse(llm.MockResponse{Content: `{"algebra": 65, "geometry": 20}`})

	rec := s.do(t, "POST", "/session/finalize", map[string]any{
		"student_data":         map[string]any{"student_name": "Alice", "exam_name": "Math"},
		"conversation_history": "[tutor]: 'Let us review algebra: solve x+1=2' [student]: 'x = 1'",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, map[string]any{"algebra": float64(65)}, body["deltas"])
	assert.Equal(t, "absolute", body["mode"])

	rec = s.do(t, "GET", "/skills", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[{"topic":"algebra","skill_level":65}]`, rec.Body.String())
}

func TestFinalizeAcceptsTurnArray(t *testing.T) {
	s := newTestServer(t, model.ServerConfig{})
	s.mock.AddResponse(llm.MockResponse{Content: `{"geometry": 40}`})

	rec := s.do(t, "POST", "/session/finalize", map[string]any{
		"conversation_history": []map[string]string{
			{"role": "assistant", "content": "Which geometry shape has three sides?"},
			{"role": "user", "content": "triangle"},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, map[string]any{"geometry": float64(40)}, decodeBody(t, rec)["deltas"])
}

func TestSessionNext(t *testing.T) {
	s := newTestServer(t, model.ServerConfig{})
	rec := s.do(t, "POST", "/session/next", map[string]any{"stage": "asked", "date": "2024-01-01"})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "POST", body["method"])
	assert.Equal(t, "/chat", body["endpoint"])
	assert.NotNil(t, body["example_body"])
}

func TestOrchestrateSuggestsSeedingForNewDate(t *testing.T) {
	s := newTestServer(t, model.ServerConfig{})
	rec := s.do(t, "POST", "/orchestrate", map[string]any{"date": "2024-01-01"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, "init", body["stage"])
	assert.Equal(t, "suggest", body["action"])
	suggestion := body["suggestion"].(map[string]any)
	assert.Equal(t, "/calendar/seed", suggestion["endpoint"])
}

func TestInitializer(t *testing.T) {
	s := newTestServer(t, model.ServerConfig{})
	rec := s.do(t, "POST", "/initializer", map[string]any{"date": "2024-01-01"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["created"])

	rec = s.do(t, "GET", "/topics?date=2024-01-01", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"date":"2024-01-01","topics":["general"],"n_questions":1}`, rec.Body.String())
}

func TestAPIKey(t *testing.T) {
	hash, err := HashAPIKey("s3cret")
	require.NoError(t, err)
	s := newTestServer(t, model.ServerConfig{APIKeyHash: hash})

	assert.Equal(t, http.StatusOK, s.do(t, "GET", "/health", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, s.do(t, "GET", "/skills", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, s.do(t, "GET", "/skills", nil, "Authorization", "Bearer wrong").Code)
	assert.Equal(t, http.StatusOK, s.do(t, "GET", "/skills", nil, "Authorization", "Bearer s3cret").Code)
	assert.Equal(t, http.StatusOK, s.do(t, "GET", "/skills", nil, "X-API-Key", "s3cret").Code)
}

func TestLocalizedErrors(t *testing.T) {
	s := newTestServer(t, model.ServerConfig{})
	rec := s.do(t, "POST", "/chatter", map[string]any{"session_id": "s1", "user_message": "hi"}, "Accept-Language", "ru")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.NotContains(t, decodeBody(t, rec)["error"], "question_answer is required to start")
}
