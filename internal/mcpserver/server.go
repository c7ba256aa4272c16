// Package mcpserver exposes the coach's store as MCP tools so external
// agents can read the question bank and calendar and record progress.
package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"strings"

	mcp "github.com/felixgeelhaar/mcp-go"
	"github.com/felixgeelhaar/mcp-go/server"

	"github.com/pavelanni/coach/internal/model"
	"github.com/pavelanni/coach/internal/store"
)

// Server wraps the MCP server with coach tools.
type Server struct {
	mcpServer *server.Server
	store     *store.Store
	student   model.StudentData
}

// Config contains configuration for the MCP server.
type Config struct {
	Store   *store.Store
	Version string
	// Default student for add_memory_entry calls that name none.
	StudentName string
	ExamName    string
}

// NewServer creates a new MCP server.
func NewServer(cfg Config) *Server {
	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	s := &Server{
		store:   cfg.Store,
		student: model.StudentData{StudentName: cfg.StudentName, ExamName: cfg.ExamName},
	}
	s.mcpServer = server.New(server.Info{
		Name:    "coach",
		Version: version,
	}, server.WithInstructions(`
Coach is a tutoring backend. These tools read the question bank, the study
calendar and the student's skill levels, and record durable notes about the
student.

Available tools:
- get_question_by_topic: Questions tagged with a topic, unasked first
- get_unique_topics: Every topic tag in the question bank
- get_skill_level_pairs: Current skill level (0-100) per topic
- get_topics_by_date: The study plan for a date
- add_memory_entry: Save a note about the student
- update_skill_level: Set the skill level of a topic
`))
	s.registerTools()
	return s
}

func (s *Server) registerTools() {
	s.mcpServer.Tool("get_question_by_topic").
		Description("List questions tagged with a topic. Unasked questions come first.").
		Handler(s.handleQuestionsByTopic)

	s.mcpServer.Tool("get_unique_topics").
		Description("List every topic tag used in the question bank.").
		Handler(s.handleUniqueTopics)

	s.mcpServer.Tool("get_skill_level_pairs").
		Description("List the student's skill level for each topic.").
		Handler(s.handleSkillLevels)

	s.mcpServer.Tool("get_topics_by_date").
		Description("Get the scheduled topics and question count for a date.").
		Handler(s.handleTopicsByDate)

	s.mcpServer.Tool("add_memory_entry").
		Description("Save a durable note about the student: learning style, strengths, weaknesses, interests.").
		Handler(s.handleAddMemory)

	s.mcpServer.Tool("update_skill_level").
		Description("Set the skill level (0-100) of a topic.").
		Handler(s.handleUpdateSkill)
}

type TopicInput struct {
	Topic        string `json:"topic" jsonschema:"description=Topic tag to match (case-insensitive)"`
	IncludeAsked bool   `json:"include_asked,omitempty" jsonschema:"description=Also return questions already asked"`
}

type QuestionsOutput struct {
	Questions []model.Question `json:"questions"`
}

type EmptyInput struct{}

type TopicsOutput struct {
	Topics []string `json:"topics"`
}

type SkillLevelsOutput struct {
	SkillLevels []model.SkillLevel `json:"skill_levels"`
}

type DateInput struct {
	Date string `json:"date" jsonschema:"description=Date in YYYY-MM-DD format"`
}

type CalendarOutput struct {
	Found bool `json:"found"`
	model.CalendarEntry
}

type MemoryInput struct {
	MemoryEntry string `json:"memory_entry" jsonschema:"description=The note to remember"`
	StudentName string `json:"student_name,omitempty" jsonschema:"description=Student name (defaults to the configured student)"`
	ExamName    string `json:"exam_name,omitempty" jsonschema:"description=Exam name (defaults to the configured exam)"`
}

type MemoryOutput struct {
	ID      int64  `json:"id"`
	Message string `json:"message"`
}

type SkillInput struct {
	Topic      string `json:"topic" jsonschema:"description=Topic name"`
	SkillLevel int    `json:"skill_level" jsonschema:"description=Skill level from 0 to 100"`
}

func (s *Server) handleQuestionsByTopic(ctx context.Context, input TopicInput) (QuestionsOutput, error) {
	topic := strings.TrimSpace(input.Topic)
	if topic == "" {
		return QuestionsOutput{}, errors.New("topic is required")
	}
	qs, err := s.store.QuestionsByTopic(ctx, topic, input.IncludeAsked)
	if err != nil {
		return QuestionsOutput{}, fmt.Errorf("questions for %s: %w", topic, err)
	}
	if qs == nil {
		qs = []model.Question{}
	}
	return QuestionsOutput{Questions: qs}, nil
}

func (s *Server) handleUniqueTopics(ctx context.Context, _ EmptyInput) (TopicsOutput, error) {
	topics, err := s.store.UniqueTopics(ctx)
	if err != nil {
		return TopicsOutput{}, err
	}
	if topics == nil {
		topics = []string{}
	}
	return TopicsOutput{Topics: topics}, nil
}

func (s *Server) handleSkillLevels(ctx context.Context, _ EmptyInput) (SkillLevelsOutput, error) {
	levels, err := s.store.ListSkillLevels(ctx)
	if err != nil {
		return SkillLevelsOutput{}, err
	}
	if levels == nil {
		levels = []model.SkillLevel{}
	}
	return SkillLevelsOutput{SkillLevels: levels}, nil
}

func (s *Server) handleTopicsByDate(ctx context.Context, input DateInput) (CalendarOutput, error) {
	date := strings.TrimSpace(input.Date)
	if date == "" {
		date = model.Today()
	}
	entry, err := s.store.GetCalendar(ctx, date)
	if err != nil {
		return CalendarOutput{}, err
	}
	if entry == nil {
		return CalendarOutput{CalendarEntry: model.CalendarEntry{Date: date, Topics: []string{}}}, nil
	}
	return CalendarOutput{Found: true, CalendarEntry: *entry}, nil
}

func (s *Server) handleAddMemory(ctx context.Context, input MemoryInput) (MemoryOutput, error) {
	entry := strings.TrimSpace(input.MemoryEntry)
	if entry == "" {
		return MemoryOutput{}, errors.New("memory_entry is required")
	}
	name, exam := input.StudentName, input.ExamName
	if name == "" {
		name, exam = s.student.StudentName, s.student.ExamName
	}
	if name == "" {
		first, err := s.store.FirstStudent(ctx)
		if err != nil {
			return MemoryOutput{}, err
		}
		if first == nil {
			return MemoryOutput{}, errors.New("no student: pass student_name and exam_name")
		}
		name, exam = first.StudentName, first.ExamName
	}
	st, err := s.store.EnsureStudent(ctx, name, exam)
	if err != nil {
		return MemoryOutput{}, err
	}
	id, err := s.store.AddMemory(ctx, st.ID, entry)
	if err != nil {
		return MemoryOutput{}, err
	}
	return MemoryOutput{ID: id, Message: fmt.Sprintf("Saved memory for %s", name)}, nil
}

func (s *Server) handleUpdateSkill(ctx context.Context, input SkillInput) (model.SkillLevel, error) {
	topic := strings.TrimSpace(input.Topic)
	if topic == "" {
		return model.SkillLevel{}, errors.New("topic is required")
	}
	level := store.ClampSkill(input.SkillLevel)
	if err := s.store.SetSkillLevel(ctx, topic, level); err != nil {
		return model.SkillLevel{}, err
	}
	return model.SkillLevel{Topic: topic, SkillLevel: level}, nil
}

// ServeStdio serves the tools on stdio.
func (s *Server) ServeStdio(ctx context.Context) error {
	return mcp.ServeStdio(ctx, s.mcpServer)
}

// ServeHTTP serves the tools over HTTP on addr.
func (s *Server) ServeHTTP(ctx context.Context, addr string) error {
	return mcp.ServeHTTP(ctx, s.mcpServer, addr)
}
