package seed

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavelanni/coach/internal/model"
	"github.com/pavelanni/coach/internal/store"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func newStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func seedDir(t *testing.T) string {
	dir := t.TempDir()
	writeFile(t, dir, "students.json", `[{"student_name": "Alice", "exam_name": "Algebra I"}]`)
	writeFile(t, dir, "student_memory.yaml", `
- likes visual explanations
- memory_entry: struggles with fractions
- ""
`)
	writeFile(t, dir, "calendar_entries.json", `[
  {"date": "2024-01-01", "topics": ["algebra", "geometry"], "n_questions": 2},
  {"date": "2024-01-02", "topics": ["fractions"]}
]`)
	writeFile(t, dir, "skill_levels.yaml", `
- topic: algebra
  skill_level: 40
- topic: geometry
  skill_level: 120
`)
	writeFile(t, dir, "questions.json", `[
  {"question_prompt": "Solve x+1=2", "answer": "1", "difficulty": "Easy", "topic_tag1": "algebra"},
  {"question_prompt": "Sum of triangle angles?", "answer": "180", "topic_tag1": "geometry"}
]`)
	return dir
}

func TestLoadDir(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	dir := seedDir(t)

	rep, err := NewLoader(st, model.StudentData{}).LoadDir(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{
		FileStudents:  1,
		FileMemory:    2,
		FileCalendar:  2,
		FileSkills:    2,
		FileQuestions: 2,
	}, rep.Imported)

	data, err := st.StudentData(ctx, "Alice", "Algebra I")
	require.NoError(t, err)
	assert.Equal(t, []string{"likes visual explanations", "struggles with fractions"}, data.Memory)

	entry, err := st.GetCalendar(ctx, "2024-01-02")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, 1, entry.NQuestions)

	level, _, err := st.GetSkillLevel(ctx, "geometry")
	require.NoError(t, err)
	assert.Equal(t, 100, level)

	q, err := st.GetQuestion(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, model.DifficultyEasy, q.Difficulty)

	// Second run imports nothing.
	rep, err = NewLoader(st, model.StudentData{}).LoadDir(ctx, dir)
	require.NoError(t, err)
	assert.Empty(t, rep.Imported)
	assert.Len(t, rep.Skipped, 5)

	// A changed file is not re-imported.
	writeFile(t, dir, "questions.json", `[{"question_prompt": "New?", "answer": "x", "topic_tag1": "algebra"}]`)
	_, err = NewLoader(st, model.StudentData{}).LoadDir(ctx, dir)
	require.NoError(t, err)
	n, err := st.CountRows(ctx, "questions")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestLoadDirSkipsPopulatedTables(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	_, err := st.InsertQuestion(ctx, model.Question{QuestionPrompt: "existing", Answer: "a", TopicTag1: "x"})
	require.NoError(t, err)

	dir := t.TempDir()
	writeFile(t, dir, "questions.yml", `
- question_prompt: "What is 2+2?"
  answer: "4"
  topic_tag1: arithmetic
`)
	rep, err := NewLoader(st, model.StudentData{StudentName: "Bob", ExamName: "Math"}).LoadDir(ctx, dir)
	require.NoError(t, err)
	assert.Empty(t, rep.Imported)
	assert.Equal(t, []string{"questions.yml"}, rep.Skipped)

	st2, err := st.FirstStudent(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Bob", st2.StudentName)
}

func TestLoadDirErrors(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	_, err := NewLoader(st, model.StudentData{}).LoadDir(ctx, filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)

	dir := t.TempDir()
	writeFile(t, dir, "calendar_entries.json", `{"date": "2024-01-01"}`)
	_, err = NewLoader(st, model.StudentData{}).LoadDir(ctx, dir)
	assert.Error(t, err)

	entry, err := st.GetCalendar(ctx, "2024-01-01")
	require.NoError(t, err)
	assert.Nil(t, entry)
}
