package finalizer

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavelanni/coach/internal/llm"
	"github.com/pavelanni/coach/internal/model"
	"github.com/pavelanni/coach/internal/store"
	"github.com/pavelanni/coach/internal/transcript"
)

func newStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	for _, q := range []model.Question{
		{QuestionPrompt: "Solve x+1=2", Answer: "1", TopicTag1: "algebra"},
		{QuestionPrompt: "Sum of angles in a triangle?", Answer: "180", TopicTag1: "geometry"},
	} {
		_, err := st.InsertQuestion(ctx, q)
		require.NoError(t, err)
	}
	require.NoError(t, st.SetSkillLevel(ctx, "algebra", 40))
	return st
}

var algebraChat = transcript.Parse("[tutor]: 'Let us practice algebra. Solve x+1=2.' [student]: 'x is 1'")

func TestEvaluateFiltersUndiscussedTopics(t *testing.T) {
	st := newStore(t)
	mock := llm.NewMockProvider(llm.MockResponse{Content: "```json\n{\"Algebra\": 72.4, \"geometry\": 90}\n```"})
	f := New(st, mock, "")

	out := f.Evaluate(context.Background(), Input{
		Student: model.StudentData{StudentName: "Alice", ExamName: "Math"},
		Turns:   algebraChat,
	})
	require.Equal(t, model.KindOk, out.Kind)
	assert.Equal(t, model.ScoreAbsolute, out.Value.Mode)
	assert.Equal(t, map[string]int{"algebra": 72}, out.Value.Scores)

	call := mock.LastCall()
	assert.Equal(t, "algebra, geometry", between(call.Messages[0].Content, "Available Topics: ", "\n"))
	assert.Contains(t, call.Messages[0].Content, "- algebra: 40")
	assert.Contains(t, call.Messages[0].Content, "x is 1")
	assert.NotNil(t, call.Schema)
}

func TestEvaluateDiscussedTopics(t *testing.T) {
	st := newStore(t)
	mock := llm.NewMockProvider(llm.MockResponse{Content: `{"arithmetic": 55}`})
	f := New(st, mock, model.ScoreAbsolute)

	out := f.Evaluate(context.Background(), Input{
		Turns:  transcript.Parse("[tutor]: 'What is 2+2?' [student]: '4'"),
		Topics: []string{"Arithmetic"},
	})
	require.Equal(t, model.KindOk, out.Kind)
	assert.Equal(t, map[string]int{"Arithmetic": 55}, out.Value.Scores)
}

func TestEvaluateBounds(t *testing.T) {
	tests := []struct {
		name string
		mode model.ScoreMode
		in   string
		want int
	}{
		{"absolute above range", model.ScoreAbsolute, `{"algebra": 130}`, 100},
		{"absolute below range", model.ScoreAbsolute, `{"algebra": -3}`, 0},
		{"delta rounded to step", model.ScoreDelta, `{"algebra": 7}`, 5},
		{"delta negative", model.ScoreDelta, `{"algebra": -13}`, -15},
		{"delta capped", model.ScoreDelta, `{"algebra": 60}`, 25},
		{"absolute huge", model.ScoreAbsolute, `{"algebra": 1e300}`, 100},
		{"absolute huge negative", model.ScoreAbsolute, `{"algebra": -1e300}`, 0},
		{"delta huge", model.ScoreDelta, `{"algebra": 1e300}`, 25},
		{"delta huge negative", model.ScoreDelta, `{"algebra": -1e300}`, -25},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := llm.NewMockProvider(llm.MockResponse{Content: tt.in})
			f := New(newStore(t), mock, tt.mode)
			out := f.Evaluate(context.Background(), Input{Turns: algebraChat})
			require.Equal(t, model.KindOk, out.Kind)
			assert.Equal(t, tt.mode, out.Value.Mode)
			assert.Equal(t, tt.want, out.Value.Scores["algebra"])
		})
	}
}

func TestEvaluateDeltaPrompt(t *testing.T) {
	mock := llm.NewMockProvider(llm.MockResponse{Content: `{}`})
	f := New(newStore(t), mock, model.ScoreDelta)
	out := f.Evaluate(context.Background(), Input{Turns: algebraChat})
	require.Equal(t, model.KindOk, out.Kind)
	assert.NotNil(t, out.Value.Scores)
	assert.Empty(t, out.Value.Scores)
	assert.Contains(t, mock.LastCall().Messages[0].Content, "multiples of 5")
}

func TestEvaluateUnscored(t *testing.T) {
	tests := []struct {
		name string
		resp llm.MockResponse
	}{
		{"malformed", llm.MockResponse{Content: "algebra: great"}},
		{"wrong shape", llm.MockResponse{Content: `{"algebra": "high"}`}},
		{"model error", llm.MockResponse{Err: errors.New("connection reset")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := New(newStore(t), llm.NewMockProvider(tt.resp), "")
			out := f.Evaluate(context.Background(), Input{Turns: algebraChat})
			require.True(t, out.IsDegraded())
			assert.Nil(t, out.Value.Scores)
		})
	}
}

func TestEvaluateEmptyConversation(t *testing.T) {
	mock := llm.NewMockProvider()
	f := New(newStore(t), mock, "")
	out := f.Evaluate(context.Background(), Input{})
	require.True(t, out.IsDegraded())
	assert.Nil(t, out.Value.Scores)
	assert.Equal(t, 0, mock.CallCount())
}

type brokenStore struct{}

func (brokenStore) UniqueTopics(context.Context) ([]string, error) {
	return nil, errors.New("database is locked")
}

func (brokenStore) ListSkillLevels(context.Context) ([]model.SkillLevel, error) {
	return nil, nil
}

func TestEvaluateStorageFailureIsFatal(t *testing.T) {
	f := New(brokenStore{}, llm.NewMockProvider(), "")
	out := f.Evaluate(context.Background(), Input{Turns: algebraChat})
	assert.True(t, out.IsFatal())
}

func between(s, start, end string) string {
	_, after, ok := strings.Cut(s, start)
	if !ok {
		return ""
	}
	before, _, _ := strings.Cut(after, end)
	return before
}
