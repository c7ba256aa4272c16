package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"

	"github.com/pavelanni/coach/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("newTestStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func insertTestQuestion(t *testing.T, s *Store, prompt string, tags ...string) int64 {
	t.Helper()
	q := model.Question{
		QuestionPrompt: prompt,
		Answer:         "answer for " + prompt,
		Explanation:    "explanation for " + prompt,
		Difficulty:     model.DifficultyEasy,
	}
	for i, tag := range tags {
		switch i {
		case 0:
			q.TopicTag1 = tag
		case 1:
			q.TopicTag2 = tag
		case 2:
			q.TopicTag3 = tag
		}
	}
	id, err := s.InsertQuestion(context.Background(), q)
	if err != nil {
		t.Fatalf("insertTestQuestion: %v", err)
	}
	return id
}

func TestParseDialect(t *testing.T) {
	tests := []struct {
		in      string
		want    Dialect
		wantErr bool
	}{
		{"", DialectSQLite, false},
		{"sqlite", DialectSQLite, false},
		{"pgx", DialectPostgres, false},
		{"Postgres", DialectPostgres, false},
		{"mysql", "", true},
	}
	for _, tt := range tests {
		got, err := ParseDialect(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseDialect(%q) = (%q, %v), want %q", tt.in, got, err, tt.want)
		}
	}
}

func TestRebind(t *testing.T) {
	q := `SELECT a FROM t WHERE x = ? AND y = ?`
	if got := DialectSQLite.rebind(q); got != q {
		t.Errorf("sqlite rebind changed query: %q", got)
	}
	want := `SELECT a FROM t WHERE x = $1 AND y = $2`
	if got := DialectPostgres.rebind(q); got != want {
		t.Errorf("postgres rebind = %q, want %q", got, want)
	}
}

func TestMigrationsApplied(t *testing.T) {
	s := newTestStore(t)
	v, err := s.SchemaVersion(context.Background())
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if v < 1 {
		t.Errorf("expected schema version >= 1, got %d", v)
	}
	// Re-running is a no-op.
	if err := s.migrate(context.Background()); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestStudentAndMemory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	st, err := s.GetStudent(ctx, "alice", "algebra")
	if err != nil || st != nil {
		t.Fatalf("expected no student, got %+v, %v", st, err)
	}

	created, err := s.EnsureStudent(ctx, "alice", "algebra")
	if err != nil {
		t.Fatalf("EnsureStudent: %v", err)
	}
	again, err := s.EnsureStudent(ctx, "alice", "algebra")
	if err != nil {
		t.Fatalf("EnsureStudent again: %v", err)
	}
	if created.ID != again.ID {
		t.Errorf("EnsureStudent not idempotent: %d vs %d", created.ID, again.ID)
	}

	if _, err := s.AddMemory(ctx, created.ID, "prefers visual examples"); err != nil {
		t.Fatalf("AddMemory: %v", err)
	}
	if _, err := s.AddMemory(ctx, created.ID, "confuses sine and cosine"); err != nil {
		t.Fatalf("AddMemory: %v", err)
	}
	first, _ := s.AddMemory(ctx, created.ID, "prefers visual examples")
	replayed, err := s.AddMemory(ctx, created.ID, "prefers visual examples")
	if err != nil || first != replayed {
		t.Errorf("repeated AddMemory = %d, %v; want id %d", replayed, err, first)
	}

	data, err := s.StudentData(ctx, "alice", "algebra")
	if err != nil {
		t.Fatalf("StudentData: %v", err)
	}
	if len(data.Memory) != 2 || data.Memory[0] != "prefers visual examples" {
		t.Errorf("unexpected memory: %v", data.Memory)
	}

	empty, err := s.StudentData(ctx, "bob", "algebra")
	if err != nil {
		t.Fatalf("StudentData unknown: %v", err)
	}
	if empty.Memory == nil || len(empty.Memory) != 0 {
		t.Errorf("expected empty non-nil memory, got %v", empty.Memory)
	}

	firstStudent, err := s.FirstStudent(ctx)
	if err != nil || firstStudent == nil || firstStudent.StudentName != "alice" {
		t.Errorf("FirstStudent = %+v, %v", firstStudent, err)
	}
}

func TestCalendar(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e, err := s.GetCalendar(ctx, "2025-01-01")
	if err != nil || e != nil {
		t.Fatalf("expected no entry, got %+v, %v", e, err)
	}

	err = s.UpsertCalendar(ctx, []model.CalendarEntry{
		{Date: "2025-01-02", Topics: []string{"geometry"}, NQuestions: 1},
		{Date: "2025-01-01", Topics: []string{"algebra", "trigonometry"}, NQuestions: 2},
	})
	if err != nil {
		t.Fatalf("UpsertCalendar: %v", err)
	}

	e, err = s.GetCalendar(ctx, "2025-01-01")
	if err != nil {
		t.Fatalf("GetCalendar: %v", err)
	}
	if len(e.Topics) != 2 || e.Topics[1] != "trigonometry" || e.NQuestions != 2 {
		t.Errorf("unexpected entry: %+v", e)
	}

	// Upsert replaces.
	if err := s.UpsertCalendar(ctx, []model.CalendarEntry{{Date: "2025-01-01", Topics: nil, NQuestions: 1}}); err != nil {
		t.Fatalf("UpsertCalendar replace: %v", err)
	}
	e, _ = s.GetCalendar(ctx, "2025-01-01")
	if len(e.Topics) != 0 {
		t.Errorf("expected empty topics after replace, got %v", e.Topics)
	}

	all, err := s.ListCalendar(ctx)
	if err != nil {
		t.Fatalf("ListCalendar: %v", err)
	}
	if len(all) != 2 || all[0].Date != "2025-01-01" {
		t.Errorf("unexpected calendar: %+v", all)
	}
}

func TestSkillLevels(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SetSkillLevel(ctx, "algebra", 40); err != nil {
		t.Fatalf("SetSkillLevel: %v", err)
	}
	if err := s.SetSkillLevel(ctx, "geometry", 150); err != nil {
		t.Fatalf("SetSkillLevel: %v", err)
	}
	if err := s.SetSkillLevel(ctx, "  ", 10); err == nil {
		t.Error("expected error for empty topic")
	}

	lvl, ok, err := s.GetSkillLevel(ctx, "geometry")
	if err != nil || !ok || lvl != 100 {
		t.Errorf("geometry = %d, %v, %v; want clamped 100", lvl, ok, err)
	}
	_, ok, _ = s.GetSkillLevel(ctx, "calculus")
	if ok {
		t.Error("calculus should not exist")
	}

	updated, err := s.ApplyScores(ctx, model.ScoreReport{
		Mode:   model.ScoreDelta,
		Scores: map[string]int{"algebra": -50, "calculus": 15},
	})
	if err != nil {
		t.Fatalf("ApplyScores delta: %v", err)
	}
	if updated["algebra"] != 0 || updated["calculus"] != 15 {
		t.Errorf("delta result = %v", updated)
	}

	updated, err = s.ApplyScores(ctx, model.ScoreReport{
		Mode:   model.ScoreAbsolute,
		Scores: map[string]int{"algebra": 72},
	})
	if err != nil {
		t.Fatalf("ApplyScores absolute: %v", err)
	}
	if updated["algebra"] != 72 {
		t.Errorf("absolute result = %v", updated)
	}

	levels, err := s.ListSkillLevels(ctx)
	if err != nil {
		t.Fatalf("ListSkillLevels: %v", err)
	}
	if len(levels) != 3 || levels[0].Topic != "algebra" || levels[0].SkillLevel != 72 {
		t.Errorf("unexpected levels: %+v", levels)
	}
}

func TestQuestionBank(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	q1 := insertTestQuestion(t, s, "Solve x+1=2", "Algebra", "equations")
	q2 := insertTestQuestion(t, s, "Area of a circle", "geometry")
	q3 := insertTestQuestion(t, s, "Factor x^2-1", "polynomials", "", "algebra")

	got, err := s.GetQuestion(ctx, q2)
	if err != nil {
		t.Fatalf("GetQuestion: %v", err)
	}
	if got.QuestionPrompt != "Area of a circle" || got.HasBeenAsked {
		t.Errorf("unexpected question: %+v", got)
	}
	if _, err := s.GetQuestion(ctx, 9999); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("expected ErrNoRows, got %v", err)
	}

	byTopic, err := s.QuestionsByTopic(ctx, "algebra", true)
	if err != nil {
		t.Fatalf("QuestionsByTopic: %v", err)
	}
	if len(byTopic) != 2 {
		t.Fatalf("expected 2 algebra questions (case-insensitive, any tag), got %d", len(byTopic))
	}

	if err := s.MarkAsked(ctx, q1, 0); err != nil {
		t.Fatalf("MarkAsked: %v", err)
	}
	byTopic, _ = s.QuestionsByTopic(ctx, "algebra", true)
	if byTopic[0].ID != q3 || !byTopic[1].HasBeenAsked {
		t.Errorf("expected unasked first, got %+v", byTopic)
	}
	unasked, _ := s.QuestionsByTopic(ctx, "algebra", false)
	if len(unasked) != 1 || unasked[0].ID != q3 {
		t.Errorf("expected only q3 unasked, got %+v", unasked)
	}

	topics, err := s.UniqueTopics(ctx)
	if err != nil {
		t.Fatalf("UniqueTopics: %v", err)
	}
	want := []string{"Algebra", "algebra", "equations", "geometry", "polynomials"}
	if len(topics) != len(want) {
		t.Fatalf("topics = %v, want %v", topics, want)
	}
	for i := range want {
		if topics[i] != want[i] {
			t.Errorf("topics[%d] = %q, want %q", i, topics[i], want[i])
		}
	}

	ok, err := s.QuestionExists(ctx, q2)
	if err != nil || !ok {
		t.Errorf("QuestionExists(q2) = %v, %v", ok, err)
	}
	ok, _ = s.QuestionExists(ctx, 4242)
	if ok {
		t.Error("QuestionExists(4242) should be false")
	}

	n, err := s.CountRows(ctx, "questions")
	if err != nil || n != 3 {
		t.Errorf("CountRows = %d, %v", n, err)
	}
	if _, err := s.CountRows(ctx, "sqlite_master"); err == nil {
		t.Error("expected error for non-seedable table")
	}
}

func TestSessionStateAndLog(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	st, err := s.GetSessionState(ctx, "alice:2025-01-01", "2025-01-01")
	if err != nil || st != nil {
		t.Fatalf("expected no state, got %+v, %v", st, err)
	}

	err = s.CommitStep(ctx, Step{
		SessionID: "alice:2025-01-01",
		Date:      "2025-01-01",
		Action:    model.ActionSelectQuestion,
		Meta:      map[string]any{"count": 1},
		Next:      model.StageAsked,
		Answer:    "4",
	}, func(tx *Tx) error {
		return tx.SetMetadata(ctx, "touched", "yes")
	})
	if err != nil {
		t.Fatalf("CommitStep: %v", err)
	}

	st, err = s.GetSessionState(ctx, "alice:2025-01-01", "2025-01-01")
	if err != nil || st == nil {
		t.Fatalf("GetSessionState: %+v, %v", st, err)
	}
	if st.Stage != model.StageAsked || st.Answer != "4" {
		t.Errorf("unexpected state: %+v", st)
	}
	if v, _ := s.GetMetadata(ctx, "touched"); v != "yes" {
		t.Errorf("write in step not committed, got %q", v)
	}

	// Answer survives a transition that does not carry one.
	if err := s.CommitStep(ctx, Step{
		SessionID: "alice:2025-01-01", Date: "2025-01-01",
		Action: model.ActionChat, Next: model.StageChatted,
	}, nil); err != nil {
		t.Fatalf("CommitStep chat: %v", err)
	}
	st, _ = s.GetSessionState(ctx, "alice:2025-01-01", "2025-01-01")
	if st.Stage != model.StageChatted || st.Answer != "4" {
		t.Errorf("unexpected state after chat: %+v", st)
	}

	has, err := s.HasAction(ctx, "alice:2025-01-01", "2025-01-01", model.ActionSelectQuestion)
	if err != nil || !has {
		t.Errorf("HasAction select = %v, %v", has, err)
	}
	has, _ = s.HasAction(ctx, "alice:2025-01-01", "2025-01-01", model.ActionFinalize)
	if has {
		t.Error("finalize should not be logged")
	}

	entries, err := s.ListLog(ctx, "alice:2025-01-01", "")
	if err != nil {
		t.Fatalf("ListLog: %v", err)
	}
	if len(entries) != 2 || entries[0].Action != model.ActionSelectQuestion || entries[1].Action != model.ActionChat {
		t.Fatalf("unexpected log: %+v", entries)
	}
	var meta map[string]int
	if err := json.Unmarshal(entries[0].Meta, &meta); err != nil || meta["count"] != 1 {
		t.Errorf("meta = %s, %v", entries[0].Meta, err)
	}
}

func TestCommitStepRollsBack(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := s.CommitStep(ctx, Step{
		SessionID: "s", Date: "2025-01-01", Action: model.ActionSeedCalendar, Next: model.StagePlanned,
	}, func(tx *Tx) error {
		if err := tx.UpsertCalendar(ctx, []model.CalendarEntry{{Date: "2025-01-01", Topics: []string{"a"}, NQuestions: 1}}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if e, _ := s.GetCalendar(ctx, "2025-01-01"); e != nil {
		t.Error("calendar write should have been rolled back")
	}
	if st, _ := s.GetSessionState(ctx, "s", "2025-01-01"); st != nil {
		t.Error("state should not be set")
	}
	if has, _ := s.HasAction(ctx, "s", "2025-01-01", model.ActionSeedCalendar); has {
		t.Error("failed step should not be logged")
	}
}

func TestMetadata(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	v, err := s.GetMetadata(ctx, "missing")
	if err != nil || v != "" {
		t.Errorf("GetMetadata missing = %q, %v", v, err)
	}
	if err := s.SetMetadata(ctx, "seed:questions", "abc"); err != nil {
		t.Fatalf("SetMetadata: %v", err)
	}
	if err := s.SetMetadata(ctx, "seed:questions", "def"); err != nil {
		t.Fatalf("SetMetadata overwrite: %v", err)
	}
	if v, _ := s.GetMetadata(ctx, "seed:questions"); v != "def" {
		t.Errorf("expected def, got %q", v)
	}
}

func TestSeedHash(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if h, err := s.SeedHash(ctx, "questions.json"); err != nil || h != "" {
		t.Fatalf("SeedHash before import = %q, %v", h, err)
	}
	err := s.InTx(ctx, func(tx *Tx) error {
		return tx.RecordSeed(ctx, "questions.json", "abc123")
	})
	if err != nil {
		t.Fatalf("RecordSeed: %v", err)
	}
	if h, _ := s.SeedHash(ctx, "questions.json"); h != "abc123" {
		t.Errorf("SeedHash = %q", h)
	}
	if v, _ := s.GetMetadata(ctx, "seed:questions.json"); v != "abc123" {
		t.Errorf("metadata key = %q", v)
	}
}

func TestExport(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	st, _ := s.EnsureStudent(ctx, "alice", "algebra")
	s.AddMemory(ctx, st.ID, "likes puzzles")
	s.UpsertCalendar(ctx, []model.CalendarEntry{{Date: "2025-01-01", Topics: []string{"algebra"}, NQuestions: 1}})
	s.SetSkillLevel(ctx, "algebra", 30)
	s.AppendLog(ctx, model.LogEntry{SessionID: "alice:2025-01-01", Date: "2025-01-01", Action: model.ActionSeedCalendar})

	exp, err := s.Export(ctx, "alice", "algebra")
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if exp.Student == nil || len(exp.Memory) != 1 || len(exp.Calendar) != 1 ||
		len(exp.SkillLevels) != 1 || len(exp.Log) != 1 {
		t.Errorf("unexpected export: %+v", exp)
	}

	anon, err := s.Export(ctx, "nobody", "none")
	if err != nil {
		t.Fatalf("Export unknown: %v", err)
	}
	if anon.Student != nil || len(anon.Calendar) != 1 {
		t.Errorf("unexpected anonymous export: %+v", anon)
	}
}
