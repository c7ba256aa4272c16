// Package orchestrator decides the next step of a day's tutoring session
// and runs it against exactly one agent.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/pavelanni/coach/internal/finalizer"
	"github.com/pavelanni/coach/internal/model"
	"github.com/pavelanni/coach/internal/selector"
	"github.com/pavelanni/coach/internal/store"
	"github.com/pavelanni/coach/internal/tutor"
)

// ErrBadRequest marks caller input that cannot be acted on.
var ErrBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrBadRequest, fmt.Sprintf(format, args...))
}

// Config holds orchestrator settings.
type Config struct {
	// MarkAsked flags selected bank questions as asked.
	MarkAsked bool
	// Default student used when a request carries none.
	StudentName string
	ExamName    string
}

// Orchestrator coordinates the agents around the store.
type Orchestrator struct {
	store     *store.Store
	selector  *selector.Selector
	finalizer *finalizer.Finalizer
	tutors    *tutor.Registry
	cfg       Config
}

func New(st *store.Store, sel *selector.Selector, fin *finalizer.Finalizer, tutors *tutor.Registry, cfg Config) *Orchestrator {
	return &Orchestrator{store: st, selector: sel, finalizer: fin, tutors: tutors, cfg: cfg}
}

// Request is one orchestration call. Only the fields the resolved stage
// needs are read.
type Request struct {
	Stage     string                `json:"stage"`
	Date      string                `json:"date"`
	SessionID string                `json:"session_id"`
	Student   *model.StudentData    `json:"student_data"`
	Message   string                `json:"message"`
	Answer    string                `json:"question_answer"`
	Question  string                `json:"question"`
	History   []model.Turn          `json:"-"`
	Entries   []model.CalendarEntry `json:"entries"`
	// Auto selects questions right after seeding.
	Auto bool `json:"auto"`
}

// Result reports what a call did.
type Result struct {
	Stage      model.Stage             `json:"stage"`
	Action     model.Action            `json:"action"`
	SessionID  string                  `json:"session_id"`
	Date       string                  `json:"date"`
	NextStage  model.Stage             `json:"next_stage,omitempty"`
	Degraded   string                  `json:"degraded,omitempty"`
	Seeded     int                     `json:"seeded,omitempty"`
	Questions  []model.QuestionSummary `json:"questions,omitempty"`
	Reply      *model.ChatReply        `json:"reply,omitempty"`
	ScoreMode  model.ScoreMode         `json:"score_mode,omitempty"`
	Scores     map[string]int          `json:"scores,omitempty"`
	Skills     map[string]int          `json:"skill_levels,omitempty"`
	Suggestion *Suggestion             `json:"suggestion,omitempty"`
}

// call is a request with defaults applied.
type call struct {
	Request
	date      string
	sessionID string
	student   model.StudentData
}

func (o *Orchestrator) prepare(ctx context.Context, req Request) (call, error) {
	c := call{Request: req, date: strings.TrimSpace(req.Date)}
	if c.date == "" {
		c.date = model.Today()
	} else if _, err := time.Parse(model.DateLayout, c.date); err != nil {
		return c, badRequest("date %q is not YYYY-MM-DD", req.Date)
	}
	student, err := o.resolveStudent(ctx, req.Student)
	if err != nil {
		return c, err
	}
	c.student = student
	c.sessionID = strings.TrimSpace(req.SessionID)
	if c.sessionID == "" {
		c.sessionID = student.StudentName + ":" + c.date
	}
	return c, nil
}

// resolveStudent fills in the default student and loads stored memory.
func (o *Orchestrator) resolveStudent(ctx context.Context, in *model.StudentData) (model.StudentData, error) {
	var sd model.StudentData
	if in != nil {
		sd = *in
	}
	if sd.StudentName == "" {
		sd.StudentName, sd.ExamName = o.cfg.StudentName, o.cfg.ExamName
		if sd.StudentName == "" {
			first, err := o.store.FirstStudent(ctx)
			if err != nil {
				return sd, fmt.Errorf("load default student: %w", err)
			}
			if first != nil {
				sd.StudentName, sd.ExamName = first.StudentName, first.ExamName
			}
		}
	}
	if sd.StudentName == "" {
		sd.StudentName = "Student"
	}
	if sd.ExamName == "" {
		sd.ExamName = "Exam"
	}
	if sd.Memory == nil {
		stored, err := o.store.StudentData(ctx, sd.StudentName, sd.ExamName)
		if err != nil {
			return sd, fmt.Errorf("load student memory: %w", err)
		}
		sd.Memory = stored.Memory
	}
	return sd, nil
}

// Handle resolves the stage and runs it. Only the init stage with seed
// entries and Auto set runs two steps.
func (o *Orchestrator) Handle(ctx context.Context, req Request) (Result, error) {
	c, err := o.prepare(ctx, req)
	if err != nil {
		return Result{}, err
	}
	stage, err := o.resolveStage(ctx, c)
	if err != nil {
		return Result{}, err
	}
	slog.Debug("orchestrating", "session_id", c.sessionID, "date", c.date, "stage", stage)

	switch stage {
	case model.StageInit:
		return o.init(ctx, c)
	case model.StagePlanned:
		return o.selectStep(ctx, c, stage)
	case model.StageAsked:
		return o.chat(ctx, c, stage)
	case model.StageChatted:
		return o.finalize(ctx, c, stage)
	default:
		return o.suggest(ctx, c, stage)
	}
}

// ResolveStage reports the stage Handle would run, without side effects.
func (o *Orchestrator) ResolveStage(ctx context.Context, req Request) (model.Stage, string, error) {
	c, err := o.prepare(ctx, req)
	if err != nil {
		return "", "", err
	}
	stage, err := o.resolveStage(ctx, c)
	return stage, c.date, err
}

// resolveStage: explicit stage, then init when the date has no calendar,
// then the stage record, then inference from the log.
func (o *Orchestrator) resolveStage(ctx context.Context, c call) (model.Stage, error) {
	if c.Stage != "" {
		stage, _ := model.ParseStage(strings.ToLower(strings.TrimSpace(c.Stage)))
		return stage, nil
	}
	entry, err := o.store.GetCalendar(ctx, c.date)
	if err != nil {
		return "", fmt.Errorf("get calendar: %w", err)
	}
	if entry == nil {
		return model.StageInit, nil
	}
	st, err := o.store.GetSessionState(ctx, c.sessionID, c.date)
	if err != nil {
		return "", fmt.Errorf("get session state: %w", err)
	}
	if st != nil {
		return st.Stage, nil
	}
	return o.inferStage(ctx, c.sessionID, c.date)
}

// inferStage derives the stage from the orchestration log for sessions
// that have no stage record.
func (o *Orchestrator) inferStage(ctx context.Context, sessionID, date string) (model.Stage, error) {
	has := func(a model.Action) (bool, error) { return o.store.HasAction(ctx, sessionID, date, a) }

	selected, err := has(model.ActionSelectQuestion)
	if err != nil || !selected {
		return model.StagePlanned, err
	}
	chatted, err := has(model.ActionChat)
	if err != nil || !chatted {
		return model.StageAsked, err
	}
	finalized, err := has(model.ActionFinalize)
	if err != nil || !finalized {
		return model.StageChatted, err
	}
	return model.StagePlanned, nil
}

func (o *Orchestrator) init(ctx context.Context, c call) (Result, error) {
	if len(c.Entries) == 0 {
		entry, err := o.store.GetCalendar(ctx, c.date)
		if err != nil {
			return Result{}, fmt.Errorf("get calendar: %w", err)
		}
		if entry != nil {
			return o.selectStep(ctx, c, model.StageInit)
		}
		return o.suggest(ctx, c, model.StageInit)
	}

	res, err := o.seed(ctx, c, model.StageInit)
	if err != nil || !c.Auto {
		return res, err
	}
	sel, err := o.selectStep(ctx, c, model.StageInit)
	if err != nil {
		return res, err
	}
	sel.Seeded = res.Seeded
	return sel, nil
}

// SeedCalendar upserts calendar entries. The latest write for a date wins.
func (o *Orchestrator) SeedCalendar(ctx context.Context, req Request) (Result, error) {
	c, err := o.prepare(ctx, req)
	if err != nil {
		return Result{}, err
	}
	return o.seed(ctx, c, model.StageInit)
}

func (o *Orchestrator) seed(ctx context.Context, c call, stage model.Stage) (Result, error) {
	if len(c.Entries) == 0 {
		return Result{}, badRequest("entries must not be empty")
	}
	for i, e := range c.Entries {
		if _, err := time.Parse(model.DateLayout, e.Date); err != nil {
			return Result{}, badRequest("entries[%d].date %q is not YYYY-MM-DD", i, e.Date)
		}
		if e.NQuestions < 0 {
			return Result{}, badRequest("entries[%d].n_questions must not be negative", i)
		}
	}

	res := Result{Stage: stage, Action: model.ActionSeedCalendar, SessionID: c.sessionID, Date: c.date, Seeded: len(c.Entries)}
	step := store.Step{
		SessionID: c.sessionID,
		Date:      c.date,
		Action:    model.ActionSeedCalendar,
		Meta:      map[string]any{"stage": stage, "entries": len(c.Entries)},
	}
	if seedsDate(c.Entries, c.date) {
		step.Next = model.StagePlanned
		res.NextStage = model.StagePlanned
	}
	err := o.store.CommitStep(ctx, step, func(tx *store.Tx) error {
		return tx.UpsertCalendar(ctx, c.Entries)
	})
	if err != nil {
		return Result{}, fmt.Errorf("seed calendar: %w", err)
	}
	return res, nil
}

func seedsDate(entries []model.CalendarEntry, date string) bool {
	for _, e := range entries {
		if e.Date == date {
			return true
		}
	}
	return false
}

// SelectQuestions runs the selector for the request's date.
func (o *Orchestrator) SelectQuestions(ctx context.Context, req Request) (Result, []model.SelectedQuestion, error) {
	c, err := o.prepare(ctx, req)
	if err != nil {
		return Result{}, nil, err
	}
	return o.runSelect(ctx, c, model.StagePlanned)
}

func (o *Orchestrator) selectStep(ctx context.Context, c call, stage model.Stage) (Result, error) {
	res, _, err := o.runSelect(ctx, c, stage)
	return res, err
}

// selectionMeta is what the select step logs. It never holds answers.
type selectionMeta struct {
	Stage     model.Stage             `json:"stage"`
	Outcome   string                  `json:"outcome"`
	Reason    string                  `json:"reason,omitempty"`
	Questions []model.QuestionSummary `json:"questions"`
}

func (o *Orchestrator) runSelect(ctx context.Context, c call, stage model.Stage) (Result, []model.SelectedQuestion, error) {
	out := o.selector.Select(ctx, c.date)
	if out.IsFatal() {
		return Result{}, nil, fmt.Errorf("select questions: %w", out.Err)
	}

	res := Result{Stage: stage, Action: model.ActionSelectQuestion, SessionID: c.sessionID, Date: c.date}
	meta := selectionMeta{Stage: stage, Outcome: out.Kind.String(), Reason: out.Reason, Questions: []model.QuestionSummary{}}
	for _, q := range out.Value {
		meta.Questions = append(meta.Questions, q.Summary())
	}
	res.Questions = meta.Questions
	if out.IsDegraded() {
		res.Degraded = out.Reason
	}

	step := store.Step{SessionID: c.sessionID, Date: c.date, Action: model.ActionSelectQuestion, Meta: meta}
	if len(out.Value) > 0 {
		step.Next = model.StageAsked
		step.Answer = out.Value[0].Answer
		res.NextStage = model.StageAsked
	}
	err := o.store.CommitStep(ctx, step, func(tx *store.Tx) error {
		if !o.cfg.MarkAsked {
			return nil
		}
		for _, q := range out.Value {
			if q.ID == 0 {
				continue
			}
			exists, err := tx.QuestionExists(ctx, q.ID)
			if err != nil {
				return err
			}
			if exists {
				if err := tx.MarkAsked(ctx, q.ID); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return Result{}, nil, fmt.Errorf("record selection: %w", err)
	}
	if len(out.Value) > 0 {
		// a new question starts a new conversation
		o.tutors.Delete(c.sessionID)
	}
	return res, out.Value, nil
}

// lastSelection returns the questions of the latest select step.
func (o *Orchestrator) lastSelection(ctx context.Context, sessionID, date string) []model.QuestionSummary {
	entries, err := o.store.ListLog(ctx, sessionID, date)
	if err != nil {
		slog.Warn("read orchestration log", "session_id", sessionID, "error", err)
		return nil
	}
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Action != model.ActionSelectQuestion {
			continue
		}
		var meta selectionMeta
		if err := json.Unmarshal(entries[i].Meta, &meta); err == nil && len(meta.Questions) > 0 {
			return meta.Questions
		}
	}
	return nil
}

// discussedTopics returns the tags of the selected question the tutor
// session was about. Other questions selected the same day do not count.
func (o *Orchestrator) discussedTopics(ctx context.Context, c call) []string {
	question := strings.TrimSpace(c.Question)
	if sess, ok := o.tutors.Get(c.sessionID); ok && sess.Question() != "" {
		question = sess.Question()
	}
	if question == "" {
		return nil
	}
	for _, q := range o.lastSelection(ctx, c.sessionID, c.date) {
		if strings.TrimSpace(q.Question) == question {
			return append(slices.Clone(q.TopicTags), q.SourceTopic)
		}
	}
	return nil
}

// Chat sends one student message to the tutor session.
func (o *Orchestrator) Chat(ctx context.Context, req Request) (Result, error) {
	c, err := o.prepare(ctx, req)
	if err != nil {
		return Result{}, err
	}
	return o.chat(ctx, c, model.StageAsked)
}

func (o *Orchestrator) chat(ctx context.Context, c call, stage model.Stage) (Result, error) {
	message := strings.TrimSpace(c.Message)
	if message == "" {
		return Result{}, badRequest("message must not be empty")
	}

	answer := strings.TrimSpace(c.Answer)
	question := strings.TrimSpace(c.Question)
	if _, live := o.tutors.Get(c.sessionID); !live {
		if answer == "" {
			st, err := o.store.GetSessionState(ctx, c.sessionID, c.date)
			if err != nil {
				return Result{}, fmt.Errorf("get session state: %w", err)
			}
			if st != nil {
				answer = st.Answer
			}
		}
		if question == "" {
			if qs := o.lastSelection(ctx, c.sessionID, c.date); len(qs) > 0 {
				question = qs[0].Question
			}
		}
	}

	sess, created, err := o.tutors.GetOrCreate(tutor.Params{
		ID:       c.sessionID,
		Student:  c.student,
		Question: question,
		Answer:   answer,
		History:  c.History,
	})
	if err != nil {
		return Result{}, err
	}
	if created {
		slog.Info("tutor session started", "session_id", c.sessionID)
	}

	before := len(sess.Transcript())
	out := sess.Chat(ctx, message)
	if out.IsFatal() {
		return Result{}, fmt.Errorf("chat: %w", out.Err)
	}

	reply := out.Value
	res := Result{Stage: stage, Action: model.ActionChat, SessionID: c.sessionID, Date: c.date, Reply: &reply}
	if out.IsDegraded() {
		res.Degraded = out.Reason
	}
	meta := map[string]any{"stage": stage, "outcome": out.Kind.String()}
	if reply.Correct != nil {
		meta["correct"] = *reply.Correct
	}
	if out.Reason != "" {
		meta["reason"] = out.Reason
	}

	step := store.Step{SessionID: c.sessionID, Date: c.date, Action: model.ActionChat, Meta: meta}
	if len(sess.Transcript()) > before {
		step.Next = model.StageChatted
		res.NextStage = model.StageChatted
	}
	if err := o.store.CommitStep(ctx, step, nil); err != nil {
		return Result{}, fmt.Errorf("record chat: %w", err)
	}
	return res, nil
}

// Finalize scores the conversation and applies the scores to skill
// levels. Unscorable conversations leave skill levels and the stage alone.
func (o *Orchestrator) Finalize(ctx context.Context, req Request) (Result, error) {
	c, err := o.prepare(ctx, req)
	if err != nil {
		return Result{}, err
	}
	return o.finalize(ctx, c, model.StageChatted)
}

func (o *Orchestrator) finalize(ctx context.Context, c call, stage model.Stage) (Result, error) {
	turns := c.History
	if len(turns) == 0 {
		if sess, ok := o.tutors.Get(c.sessionID); ok {
			turns = sess.Transcript()
		}
	}
	if len(turns) == 0 {
		return Result{}, badRequest("conversation_history is required when no tutor session is live")
	}

	out := o.finalizer.Evaluate(ctx, finalizer.Input{
		Student: c.student,
		Turns:   turns,
		Topics:  o.discussedTopics(ctx, c),
	})
	if out.IsFatal() {
		return Result{}, fmt.Errorf("finalize: %w", out.Err)
	}

	report := out.Value
	res := Result{
		Stage:     stage,
		Action:    model.ActionFinalize,
		SessionID: c.sessionID,
		Date:      c.date,
		ScoreMode: report.Mode,
		Scores:    report.Scores,
	}
	meta := map[string]any{"stage": stage, "outcome": out.Kind.String(), "mode": report.Mode, "scores": report.Scores}
	step := store.Step{SessionID: c.sessionID, Date: c.date, Action: model.ActionFinalize, Meta: meta}

	if report.Scores == nil {
		res.Degraded = out.Reason
		meta["reason"] = out.Reason
		if err := o.store.CommitStep(ctx, step, nil); err != nil {
			return Result{}, fmt.Errorf("record finalize: %w", err)
		}
		return res, nil
	}

	step.Next = model.StagePlanned
	res.NextStage = model.StagePlanned
	err := o.store.CommitStep(ctx, step, func(tx *store.Tx) error {
		levels, err := tx.ApplyScores(ctx, report)
		res.Skills = levels
		return err
	})
	if err != nil {
		return Result{}, fmt.Errorf("apply scores: %w", err)
	}
	o.tutors.Delete(c.sessionID)
	return res, nil
}

func (o *Orchestrator) suggest(ctx context.Context, c call, stage model.Stage) (Result, error) {
	s := Suggest(ctx, stage, c.date)
	res := Result{Stage: stage, Action: model.ActionSuggest, SessionID: c.sessionID, Date: c.date, Suggestion: &s}
	err := o.store.CommitStep(ctx, store.Step{
		SessionID: c.sessionID,
		Date:      c.date,
		Action:    model.ActionSuggest,
		Meta:      map[string]any{"stage": stage, "endpoint": s.Endpoint},
	}, nil)
	if err != nil {
		return Result{}, fmt.Errorf("record suggestion: %w", err)
	}
	return res, nil
}
