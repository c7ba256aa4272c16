package model

import "time"

// Export is the top-level JSON structure written by `coach export`.
type Export struct {
	ExportedAt  time.Time       `json:"exported_at"`
	Student     *Student        `json:"student,omitempty"`
	Memory      []MemoryEntry   `json:"memory"`
	Calendar    []CalendarEntry `json:"calendar"`
	SkillLevels []SkillLevel    `json:"skill_levels"`
	Log         []LogEntry      `json:"orchestration_log"`
}

// ServerConfig holds runtime parameters set via CLI flags.
type ServerConfig struct {
	ChatOutput  ChatOutput
	ScoreMode   ScoreMode
	MarkAsked   bool          // mark model-chosen bank questions as asked
	SessionTTL  time.Duration // idle lifetime of in-process tutor sessions
	StudentName string        // default student when a request omits student_data
	ExamName    string
	APIKeyHash  string // bcrypt hash; empty disables auth
}
