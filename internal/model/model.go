package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DateLayout is the calendar date format used throughout the API.
const DateLayout = "2006-01-02"

// Today returns the current local date in DateLayout.
func Today() string {
	return time.Now().Format(DateLayout)
}

// Stage is where a single day's tutoring session currently stands.
type Stage string

const (
	StageInit    Stage = "init"
	StagePlanned Stage = "planned"
	StageAsked   Stage = "asked"
	StageChatted Stage = "chatted"
)

// ParseStage normalizes a caller-supplied stage label. Unknown labels
// return ok=false; an empty label returns ("", true).
func ParseStage(s string) (Stage, bool) {
	switch Stage(s) {
	case "":
		return "", true
	case StageInit, StagePlanned, StageAsked, StageChatted:
		return Stage(s), true
	default:
		return Stage(s), false
	}
}

// Action names an orchestrator decision. Actions are recorded verbatim in
// the orchestration log.
type Action string

const (
	ActionSeedCalendar   Action = "seed_calendar"
	ActionSelectQuestion Action = "select_question"
	ActionChat           Action = "chat"
	ActionFinalize       Action = "finalize"
	ActionInitialize     Action = "initialize"
	ActionSuggest        Action = "suggest"
)

// Role is a transcript speaker.
type Role string

const (
	RoleTutor   Role = "tutor"
	RoleStudent Role = "student"
)

// StudentData is the student context handed to the agents.
type StudentData struct {
	StudentName string   `json:"student_name"`
	ExamName    string   `json:"exam_name"`
	Memory      []string `json:"memory"`
}

// Student is a persisted student row.
type Student struct {
	ID          int64     `json:"id"`
	StudentName string    `json:"student_name"`
	ExamName    string    `json:"exam_name"`
	CreatedAt   time.Time `json:"created_at"`
}

// MemoryEntry is a durable note about the student.
type MemoryEntry struct {
	ID          int64     `json:"id"`
	StudentID   int64     `json:"student_id"`
	MemoryEntry string    `json:"memory_entry"`
	CreatedAt   time.Time `json:"created_at"`
}

// CalendarEntry is one day's study plan.
type CalendarEntry struct {
	Date       string   `json:"date"`
	Topics     []string `json:"topics"`
	NQuestions int      `json:"n_questions"`
}

// SkillLevel is the student's mastery estimate for a topic.
type SkillLevel struct {
	Topic      string `json:"topic"`
	SkillLevel int    `json:"skill_level"`
}

// Difficulty represents question difficulty level.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// Question is a question bank row.
type Question struct {
	ID             int64      `json:"id"`
	QuestionPrompt string     `json:"question_prompt"`
	Answer         string     `json:"answer"`
	Explanation    string     `json:"explanation"`
	Difficulty     Difficulty `json:"difficulty"`
	TopicTag1      string     `json:"topic_tag1"`
	TopicTag2      string     `json:"topic_tag2"`
	TopicTag3      string     `json:"topic_tag3"`
	HasBeenAsked   bool       `json:"has_been_asked"`
}

// Tags returns the non-empty topic tags in column order.
func (q Question) Tags() []string {
	var tags []string
	for _, t := range []string{q.TopicTag1, q.TopicTag2, q.TopicTag3} {
		if t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

// SelectedQuestion is a question chosen for a scheduled topic. ID is zero
// for questions synthesized by the model.
type SelectedQuestion struct {
	ID              int64      `json:"id,omitempty"`
	QuestionPrompt  string     `json:"question_prompt"`
	TopicTag1       string     `json:"topic_tag1"`
	TopicTag2       string     `json:"topic_tag2"`
	TopicTag3       string     `json:"topic_tag3"`
	Answer          string     `json:"answer"`
	Explanation     string     `json:"explanation"`
	Difficulty      Difficulty `json:"difficulty"`
	HasBeenAsked    bool       `json:"has_been_asked"`
	SourceTopic     string     `json:"source_topic"`
	SelectionReason string     `json:"selection_reason"`
}

// Summary hides the answer and explanation of a selection.
func (s SelectedQuestion) Summary() QuestionSummary {
	var tags []string
	for _, t := range []string{s.TopicTag1, s.TopicTag2, s.TopicTag3} {
		if t != "" {
			tags = append(tags, t)
		}
	}
	return QuestionSummary{
		ID:              s.ID,
		Question:        s.QuestionPrompt,
		Difficulty:      s.Difficulty,
		TopicTags:       tags,
		SourceTopic:     s.SourceTopic,
		SelectionReason: s.SelectionReason,
	}
}

// QuestionSummary is the student-facing view of a selected question.
type QuestionSummary struct {
	ID              int64      `json:"id,omitempty"`
	Question        string     `json:"question"`
	Difficulty      Difficulty `json:"difficulty"`
	TopicTags       []string   `json:"topic_tags"`
	SourceTopic     string     `json:"source_topic"`
	SelectionReason string     `json:"selection_reason"`
}

// LogEntry is one append-only orchestration log row.
type LogEntry struct {
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	SessionID string          `json:"session_id"`
	Date      string          `json:"date"`
	Action    Action          `json:"action_name"`
	Meta      json.RawMessage `json:"meta,omitempty"`
}

// SessionState is the persisted finite-state record for a (session, date)
// pair. Stage holds the next stage to run.
type SessionState struct {
	SessionID        string    `json:"session_id"`
	Date             string    `json:"date"`
	Stage            Stage     `json:"stage"`
	LastTransitionAt time.Time `json:"last_transition_ts"`
	Answer           string    `json:"-"`
}

// Turn is a single transcript utterance.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ScoreMode selects whether the finalizer reports absolute mastery or
// changes relative to the current level.
type ScoreMode string

const (
	ScoreAbsolute ScoreMode = "absolute"
	ScoreDelta    ScoreMode = "delta"
)

// ParseScoreMode parses a score mode name. Empty means absolute.
func ParseScoreMode(s string) (ScoreMode, error) {
	switch m := ScoreMode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ScoreAbsolute, nil
	case ScoreAbsolute, ScoreDelta:
		return m, nil
	default:
		return "", fmt.Errorf("unknown score mode %q", s)
	}
}

// ScoreReport is the finalizer's output. Scores is nil when the session
// could not be scored.
type ScoreReport struct {
	Mode   ScoreMode      `json:"mode"`
	Scores map[string]int `json:"scores"`
}

// ChatOutput selects the tutor's reply contract.
type ChatOutput string

const (
	ChatOutputText ChatOutput = "text"
	ChatOutputJSON ChatOutput = "json"
)

// ParseChatOutput parses an output contract name. Empty means text.
func ParseChatOutput(s string) (ChatOutput, error) {
	switch o := ChatOutput(strings.ToLower(strings.TrimSpace(s))); o {
	case "":
		return ChatOutputText, nil
	case ChatOutputText, ChatOutputJSON:
		return o, nil
	default:
		return "", fmt.Errorf("unknown chat output %q", s)
	}
}

// ChatReply is a single tutor turn. Correct is nil when correctness is
// unknown. Raw is the reply as the configured output contract delivers it:
// plain text, or the JSON object string.
type ChatReply struct {
	Response string `json:"response"`
	Correct  *bool  `json:"correct_status,omitempty"`
	Raw      string `json:"-"`
}
