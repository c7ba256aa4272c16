// Package tutor runs guided chat sessions about a single question whose
// answer the tutor knows but must not reveal.
package tutor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pavelanni/coach/internal/i18n"
	"github.com/pavelanni/coach/internal/llm"
	"github.com/pavelanni/coach/internal/llm/prompts"
	"github.com/pavelanni/coach/internal/model"
)

var (
	// ErrClosed is returned by Chat after Close.
	ErrClosed = errors.New("tutor session closed")
	// ErrAnswerRequired is returned when a new session has no known answer.
	ErrAnswerRequired = errors.New("question_answer is required for a new session")
)

// State is the connection state of a session.
type State int

const (
	StateUnconnected State = iota
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnconnected:
		return "unconnected"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// MemoryWriter persists durable notes about a student.
type MemoryWriter interface {
	RecordMemory(ctx context.Context, student model.StudentData, entry string) error
}

// Config is shared by every session of a registry.
type Config struct {
	Provider llm.Provider
	Output   model.ChatOutput
	// Memory, when set, is offered to the model as the add_memory_entry tool.
	Memory    MemoryWriter
	MaxTokens int
}

// Params describe one session.
type Params struct {
	ID       string
	Student  model.StudentData
	Question string
	Answer   string
	// History seeds the transcript with earlier turns.
	History []model.Turn
}

// Session is a tutoring conversation. Turns are serialized by a
// per-session mutex.
type Session struct {
	id       string
	cfg      Config
	student  model.StudentData
	question string
	answer   string

	mu         sync.Mutex
	state      State
	conv       *llm.Conversation
	transcript []model.Turn
	stated     bool // student has stated the answer

	lastUsed atomic.Int64 // unix nanos
	// closed mirrors state == StateClosed so the registry can check it
	// without waiting out a turn in progress.
	closed atomic.Bool
}

// NewSession creates an unconnected session.
func NewSession(cfg Config, p Params) (*Session, error) {
	if strings.TrimSpace(p.Answer) == "" {
		return nil, ErrAnswerRequired
	}
	if cfg.Output == "" {
		cfg.Output = model.ChatOutputText
	}
	s := &Session{
		id:         p.ID,
		cfg:        cfg,
		student:    p.Student,
		question:   strings.TrimSpace(p.Question),
		answer:     strings.TrimSpace(p.Answer),
		transcript: append([]model.Turn(nil), p.History...),
	}
	for _, t := range s.transcript {
		if t.Role == model.RoleStudent && StatesAnswer(t.Content, s.answer) {
			s.stated = true
		}
	}
	s.touch()
	return s, nil
}

func (s *Session) ID() string { return s.id }

// Question returns the question under discussion.
func (s *Session) Question() string { return s.question }

// Answer returns the known answer.
func (s *Session) Answer() string { return s.answer }

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Transcript returns a copy of the turns so far.
func (s *Session) Transcript() []model.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Turn(nil), s.transcript...)
}

func (s *Session) touch() { s.lastUsed.Store(time.Now().UnixNano()) }

func (s *Session) idleSince() time.Time { return time.Unix(0, s.lastUsed.Load()) }

// Chat sends one student message. Model and connection failures return a
// Degraded apology and drop the session back to unconnected so the next
// call reconnects. Chat on a closed session is Fatal with ErrClosed.
func (s *Session) Chat(ctx context.Context, message string) model.Outcome[model.ChatReply] {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()

	if s.state == StateClosed {
		return model.Fatal[model.ChatReply](ErrClosed)
	}
	if s.state == StateUnconnected {
		if err := s.connect(); err != nil {
			return s.apologize(ctx, err)
		}
	}

	statesNow := StatesAnswer(message, s.answer)
	resp, err := s.conv.Send(ctx, message)
	if err != nil {
		s.state = StateUnconnected
		s.conv = nil
		return s.apologize(ctx, err)
	}
	if statesNow {
		s.stated = true
	}

	reply, reason := s.shape(ctx, resp.Content, statesNow)
	s.transcript = append(s.transcript,
		model.Turn{Role: model.RoleStudent, Content: message},
		model.Turn{Role: model.RoleTutor, Content: reply.Response},
	)
	if reason != "" {
		slog.Warn("tutor reply reshaped", "session_id", s.id, "reason", reason)
		return model.Degraded(reply, reason)
	}
	return model.Ok(reply)
}

// shape applies the output contract and the answer guard to raw model
// text. A non-empty reason means the reply did not follow the contract.
func (s *Session) shape(ctx context.Context, raw string, statesNow bool) (model.ChatReply, string) {
	var (
		reply        model.ChatReply
		reason       string
		modelCorrect bool
	)
	switch s.cfg.Output {
	case model.ChatOutputJSON:
		text := llm.StripFences(raw)
		var parsed struct {
			Response string `json:"response"`
			Correct  bool   `json:"correct_status"`
		}
		if err := llm.ValidateJSON(replySchema, text); err != nil {
			reason = "reply not in the expected JSON shape"
			parsed.Response = strings.TrimSpace(raw)
		} else if err := json.Unmarshal([]byte(text), &parsed); err != nil {
			reason = "reply not in the expected JSON shape"
			parsed.Response = strings.TrimSpace(raw)
		}
		reply.Response = parsed.Response
		modelCorrect = parsed.Correct
		correct := parsed.Correct || statesNow
		reply.Correct = &correct
		reply.Raw = text
	default:
		reply.Response = strings.TrimSpace(raw)
		if statesNow {
			correct := true
			reply.Correct = &correct
		}
	}

	changed := reason != ""
	if s.cfg.Output == model.ChatOutputJSON && statesNow && !modelCorrect {
		changed = true
	}
	if reply.Response == "" {
		reply.Response = i18n.T(ctx, i18n.ChatEmptyReply)
		changed = true
	}
	if !s.stated {
		var masked bool
		reply.Response, masked = MaskAnswer(reply.Response, s.answer)
		if masked {
			slog.Warn("masked answer in tutor reply", "session_id", s.id)
			changed = true
		}
	}
	if statesNow {
		affirmed := Affirm(reply.Response, i18n.T(ctx, i18n.ChatAffirmation))
		changed = changed || affirmed != reply.Response
		reply.Response = affirmed
	}

	if s.cfg.Output == model.ChatOutputJSON && changed {
		b, _ := json.Marshal(struct {
			Response string `json:"response"`
			Correct  bool   `json:"correct_status"`
		}{reply.Response, *reply.Correct})
		reply.Raw = string(b)
	}
	if s.cfg.Output != model.ChatOutputJSON {
		reply.Raw = reply.Response
	}
	return reply, reason
}

func (s *Session) apologize(ctx context.Context, err error) model.Outcome[model.ChatReply] {
	slog.Warn("tutor chat failed", "session_id", s.id, "error", err)
	apology := i18n.T(ctx, i18n.ChatApology)
	reply := model.ChatReply{Response: apology, Raw: apology}
	if s.cfg.Output == model.ChatOutputJSON {
		f := false
		reply.Correct = &f
		b, _ := json.Marshal(map[string]any{"response": apology, "correct_status": false})
		reply.Raw = string(b)
	}
	return model.Degraded(reply, err.Error())
}

// connect opens the model-side conversation, replaying the transcript so
// a reconnect keeps context.
func (s *Session) connect() error {
	system, err := prompts.BuildTutorSystem(prompts.TutorData{
		StudentName: s.student.StudentName,
		ExamName:    s.student.ExamName,
		Memory:      s.student.Memory,
		Question:    s.question,
		Answer:      s.answer,
		MemoryTool:  s.cfg.Memory != nil,
		JSONOutput:  s.cfg.Output == model.ChatOutputJSON,
	})
	if err != nil {
		return fmt.Errorf("build tutor prompt: %w", err)
	}

	base := llm.Request{System: system, MaxTokens: s.cfg.MaxTokens, Temperature: 0.3}
	if s.cfg.Memory != nil {
		base.Tools = []llm.Tool{s.memoryTool()}
	}
	for _, t := range s.transcript {
		role := llm.RoleUser
		if t.Role == model.RoleTutor {
			role = llm.RoleAssistant
		}
		base.Messages = append(base.Messages, llm.Message{Role: role, Content: t.Content})
	}
	s.conv = llm.NewConversation(s.cfg.Provider, base)
	s.state = StateConnected
	slog.Debug("tutor session connected", "session_id", s.id, "replayed_turns", len(base.Messages))
	return nil
}

func (s *Session) memoryTool() llm.Tool {
	return llm.Tool{
		Name:        "add_memory_entry",
		Description: "Save a durable note about the student (learning style, strengths, weaknesses, interests).",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"memory_entry": map[string]any{
					"type":        "string",
					"description": "The note to remember about the student.",
				},
			},
			"required": []string{"memory_entry"},
		},
		Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
			var in struct {
				MemoryEntry string `json:"memory_entry"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return "", fmt.Errorf("decode add_memory_entry args: %w", err)
			}
			entry := strings.TrimSpace(in.MemoryEntry)
			if entry == "" {
				return "", errors.New("memory_entry is empty")
			}
			if err := s.cfg.Memory.RecordMemory(ctx, s.student, entry); err != nil {
				return "", err
			}
			if !slices.Contains(s.student.Memory, entry) {
				s.student.Memory = append(s.student.Memory, entry)
			}
			return i18n.T(ctx, i18n.MemorySaved), nil
		},
	}
}

// Close ends the session. Further Chat calls fail with ErrClosed.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed.Store(true)
	if s.state != StateClosed {
		s.state = StateClosed
		s.conv = nil
		slog.Debug("tutor session closed", "session_id", s.id)
	}
	return nil
}

var replySchema = &llm.Schema{
	Name: "tutor-reply",
	Definition: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"response":       map[string]any{"type": "string"},
			"correct_status": map[string]any{"type": "boolean"},
		},
		"required": []string{"response", "correct_status"},
	},
}
