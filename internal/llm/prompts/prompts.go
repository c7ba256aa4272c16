// Package prompts renders the model prompts from embedded templates.
package prompts

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"text/template"
	"unicode/utf8"

	"github.com/pavelanni/coach/internal/model"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

// System prompts for the single-shot agents.
const (
	SelectSystem   = "You are a question selection engine for an intelligent tutoring system. Always respond with valid JSON only."
	FinalizeSystem = `You are a performance evaluator. Analyze the conversation and estimate student scores (0-100 scale: 0-25=novice, 26-50=beginner, 51-75=intermediate, 76-100=advanced). Return ONLY valid JSON with format: {"topic": score, ...}. No other text.`
)

const maxStudentRunes = 10000

var (
	studentAnswerRegex      = regexp.MustCompile(`(?i)</?\s*student-answer\b[^>]*>`)
	systemInstructionsRegex = regexp.MustCompile(`(?i)</?\s*system-instructions\b[^>]*>`)
)

var (
	loadOnce  sync.Once
	loadErr   error
	templates *template.Template
)

func load() error {
	loadOnce.Do(func() {
		templates, loadErr = template.New("prompts").
			Funcs(template.FuncMap{"join": strings.Join}).
			ParseFS(templateFS, "templates/*.tmpl")
		if loadErr != nil {
			loadErr = fmt.Errorf("parse prompt templates: %w", loadErr)
		}
	})
	return loadErr
}

func render(name string, data any) (string, error) {
	if err := load(); err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// TutorData holds template data for the tutor system prompt.
type TutorData struct {
	StudentName string
	ExamName    string
	Memory      []string
	Question    string
	Answer      string
	MemoryTool  bool
	JSONOutput  bool
}

// BuildTutorSystem renders the tutor's system instruction.
func BuildTutorSystem(d TutorData) (string, error) {
	if d.StudentName == "" {
		d.StudentName = "Student"
	}
	if d.ExamName == "" {
		d.ExamName = "Exam"
	}
	return render("tutor_system.tmpl", d)
}

// Candidate is a question offered to the selector model. It carries the
// bank id so selections can be mapped back to rows.
type Candidate struct {
	ID             int64            `json:"id"`
	QuestionPrompt string           `json:"question_prompt"`
	TopicTag1      string           `json:"topic_tag1"`
	TopicTag2      string           `json:"topic_tag2"`
	TopicTag3      string           `json:"topic_tag3"`
	Answer         string           `json:"answer"`
	Explanation    string           `json:"explanation"`
	Difficulty     model.Difficulty `json:"difficulty"`
	HasBeenAsked   bool             `json:"has_been_asked"`
	SourceTopic    string           `json:"source_topic"`
}

// SelectData holds the selector payload.
type SelectData struct {
	ScheduledTopics  []string               `json:"scheduled_topics"`
	SkillLevels      map[string]int         `json:"skill_levels"`
	QuestionsByTopic map[string][]Candidate `json:"questions_by_topic"`
}

// BuildSelectPrompt renders the question selection request.
func BuildSelectPrompt(d SelectData) (string, error) {
	payload, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("marshal selection payload: %w", err)
	}
	return render("select.tmpl", struct{ Payload string }{string(payload)})
}

// FinalizeData holds template data for the scoring request.
type FinalizeData struct {
	StudentName string
	ExamName    string
	KnownTopics []string
	Skills      []model.SkillLevel
	Memory      []string
	Transcript  string
	Delta       bool
}

// BuildFinalizePrompt renders the scoring request. The transcript is
// sanitized before it is embedded.
func BuildFinalizePrompt(d FinalizeData) (string, error) {
	if d.StudentName == "" {
		d.StudentName = "default"
	}
	if d.ExamName == "" {
		d.ExamName = "default"
	}
	d.Transcript = SanitizeStudentText(d.Transcript)
	return render("finalize.tmpl", d)
}

// SanitizeStudentText strips prompt delimiter tags from student-supplied
// text and truncates it.
func SanitizeStudentText(s string) string {
	s = studentAnswerRegex.ReplaceAllString(s, "")
	s = systemInstructionsRegex.ReplaceAllString(s, "")
	s = strings.TrimSpace(s)

	if s == "" {
		return "[No answer provided]"
	}

	if utf8.RuneCountInString(s) > maxStudentRunes {
		runes := []rune(s)
		s = string(runes[:maxStudentRunes]) + "\n\n[Answer truncated due to length]"
	}
	return s
}
