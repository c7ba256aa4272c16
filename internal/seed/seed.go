// Package seed imports initial data from JSON or YAML files. Each file is
// imported once; its sha256 is recorded in the store's metadata.
package seed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pavelanni/coach/internal/model"
	"github.com/pavelanni/coach/internal/store"
)

// Seed file base names, in import order.
const (
	FileStudents  = "students"
	FileMemory    = "student_memory"
	FileCalendar  = "calendar_entries"
	FileSkills    = "skill_levels"
	FileQuestions = "questions"
)

var extensions = []string{".json", ".yaml", ".yml"}

type studentRecord struct {
	StudentName string `json:"student_name" yaml:"student_name"`
	ExamName    string `json:"exam_name" yaml:"exam_name"`
}

type calendarRecord struct {
	Date       string   `json:"date" yaml:"date"`
	Topics     []string `json:"topics" yaml:"topics"`
	NQuestions *int     `json:"n_questions" yaml:"n_questions"`
}

type skillRecord struct {
	Topic      string `json:"topic" yaml:"topic"`
	SkillLevel int    `json:"skill_level" yaml:"skill_level"`
}

type questionRecord struct {
	QuestionPrompt string `json:"question_prompt" yaml:"question_prompt"`
	Answer         string `json:"answer" yaml:"answer"`
	Explanation    string `json:"explanation" yaml:"explanation"`
	Difficulty     string `json:"difficulty" yaml:"difficulty"`
	TopicTag1      string `json:"topic_tag1" yaml:"topic_tag1"`
	TopicTag2      string `json:"topic_tag2" yaml:"topic_tag2"`
	TopicTag3      string `json:"topic_tag3" yaml:"topic_tag3"`
	HasBeenAsked   bool   `json:"has_been_asked" yaml:"has_been_asked"`
}

// Report counts imported rows per file.
type Report struct {
	Imported map[string]int
	Skipped  []string
}

// Loader imports seed files into a store.
type Loader struct {
	store   *store.Store
	student model.StudentData
}

// NewLoader returns a Loader. student names the record used when the
// students file is absent or empty.
func NewLoader(st *store.Store, student model.StudentData) *Loader {
	if student.StudentName == "" {
		student.StudentName = "Student"
	}
	if student.ExamName == "" {
		student.ExamName = "Exam"
	}
	return &Loader{store: st, student: student}
}

// LoadDir imports every known seed file found in dir.
func (l *Loader) LoadDir(ctx context.Context, dir string) (Report, error) {
	rep := Report{Imported: map[string]int{}}
	info, err := os.Stat(dir)
	if err != nil {
		return rep, fmt.Errorf("seed dir: %w", err)
	}
	if !info.IsDir() {
		return rep, fmt.Errorf("seed dir %s is not a directory", dir)
	}

	student, err := l.defaultStudent(ctx, dir)
	if err != nil {
		return rep, err
	}

	for _, name := range []string{FileStudents, FileMemory, FileCalendar, FileSkills, FileQuestions} {
		path, ok := findFile(dir, name)
		if !ok {
			continue
		}
		n, imported, err := l.loadFile(ctx, path, name, student)
		if err != nil {
			return rep, err
		}
		if !imported {
			rep.Skipped = append(rep.Skipped, filepath.Base(path))
			continue
		}
		rep.Imported[name] = n
		slog.Info("imported seed file", "path", path, "count", n)
	}
	return rep, nil
}

func findFile(dir, name string) (string, bool) {
	for _, ext := range extensions {
		p := filepath.Join(dir, name+ext)
		if _, err := os.Stat(p); err == nil {
			return p, true
		}
	}
	return "", false
}

// defaultStudent ensures the student the other files attach to.
func (l *Loader) defaultStudent(ctx context.Context, dir string) (model.Student, error) {
	name, exam := l.student.StudentName, l.student.ExamName
	if path, ok := findFile(dir, FileStudents); ok {
		var students []studentRecord
		if err := decodeFile(path, &students); err != nil {
			return model.Student{}, err
		}
		if len(students) > 0 && students[0].StudentName != "" {
			name, exam = students[0].StudentName, students[0].ExamName
		}
	}
	return l.store.EnsureStudent(ctx, name, exam)
}

// loadFile imports one file unless it was imported before or its table
// already has rows.
func (l *Loader) loadFile(ctx context.Context, path, name string, student model.Student) (int, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false, fmt.Errorf("read %s: %w", path, err)
	}
	hash := sha256sum(data)
	file := filepath.Base(path)

	stored, err := l.store.SeedHash(ctx, file)
	if err != nil {
		return 0, false, fmt.Errorf("check import status for %s: %w", path, err)
	}
	if stored == hash {
		slog.Info("seed file unchanged, skipping", "path", path)
		return 0, false, nil
	}
	if stored != "" {
		slog.Warn("seed file changed since last import, skipping to keep existing data", "path", path)
		return 0, false, nil
	}

	table := name
	if name != FileStudents {
		count, err := l.store.CountRows(ctx, table)
		if err != nil {
			return 0, false, err
		}
		if count > 0 {
			slog.Info("table already populated, skipping seed", "table", table, "rows", count)
			return 0, false, nil
		}
	}

	var n int
	err = l.store.InTx(ctx, func(tx *store.Tx) error {
		var err error
		switch name {
		case FileStudents:
			n = 1
		case FileMemory:
			n, err = importMemory(ctx, tx, path, student.ID)
		case FileCalendar:
			n, err = importCalendar(ctx, tx, path)
		case FileSkills:
			n, err = importSkills(ctx, tx, path)
		case FileQuestions:
			n, err = importQuestions(ctx, tx, path)
		}
		if err != nil {
			return err
		}
		return tx.RecordSeed(ctx, file, hash)
	})
	if err != nil {
		return 0, false, fmt.Errorf("import %s: %w", path, err)
	}
	return n, true, nil
}

func importMemory(ctx context.Context, tx *store.Tx, path string, studentID int64) (int, error) {
	var items []any
	if err := decodeFile(path, &items); err != nil {
		return 0, err
	}
	n := 0
	for _, it := range items {
		var text string
		switch v := it.(type) {
		case string:
			text = v
		case map[string]any:
			text, _ = v["memory_entry"].(string)
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		if _, err := tx.AddMemory(ctx, studentID, text); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func importCalendar(ctx context.Context, tx *store.Tx, path string) (int, error) {
	var records []calendarRecord
	if err := decodeFile(path, &records); err != nil {
		return 0, err
	}
	entries := make([]model.CalendarEntry, 0, len(records))
	for _, r := range records {
		if r.Date == "" {
			continue
		}
		n := 1
		if r.NQuestions != nil {
			n = *r.NQuestions
		}
		entries = append(entries, model.CalendarEntry{Date: r.Date, Topics: r.Topics, NQuestions: n})
	}
	return len(entries), tx.UpsertCalendar(ctx, entries)
}

func importSkills(ctx context.Context, tx *store.Tx, path string) (int, error) {
	var records []skillRecord
	if err := decodeFile(path, &records); err != nil {
		return 0, err
	}
	n := 0
	for _, r := range records {
		if strings.TrimSpace(r.Topic) == "" {
			continue
		}
		if err := tx.SetSkillLevel(ctx, r.Topic, r.SkillLevel); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func importQuestions(ctx context.Context, tx *store.Tx, path string) (int, error) {
	var records []questionRecord
	if err := decodeFile(path, &records); err != nil {
		return 0, err
	}
	n := 0
	for _, r := range records {
		if strings.TrimSpace(r.QuestionPrompt) == "" {
			continue
		}
		_, err := tx.InsertQuestion(ctx, model.Question{
			QuestionPrompt: r.QuestionPrompt,
			Answer:         r.Answer,
			Explanation:    r.Explanation,
			Difficulty:     model.Difficulty(strings.ToLower(r.Difficulty)),
			TopicTag1:      r.TopicTag1,
			TopicTag2:      r.TopicTag2,
			TopicTag3:      r.TopicTag3,
			HasBeenAsked:   r.HasBeenAsked,
		})
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// decodeFile parses JSON or YAML by extension.
func decodeFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, v)
	default:
		err = json.Unmarshal(data, v)
	}
	if err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func sha256sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
