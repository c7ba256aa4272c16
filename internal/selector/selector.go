// Package selector picks at most one question per scheduled topic for a
// day, asking the model first and falling back to a deterministic choice.
package selector

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/pavelanni/coach/internal/llm"
	"github.com/pavelanni/coach/internal/llm/prompts"
	"github.com/pavelanni/coach/internal/model"
)

// FallbackReason marks selections made without a usable model reply.
const FallbackReason = "Default selection due to invalid model response"

// Store is the data the selector reads.
type Store interface {
	GetCalendar(ctx context.Context, date string) (*model.CalendarEntry, error)
	QuestionsByTopic(ctx context.Context, topic string, includeAsked bool) ([]model.Question, error)
	ListSkillLevels(ctx context.Context) ([]model.SkillLevel, error)
}

// Selector chooses questions for a date.
type Selector struct {
	store    Store
	provider llm.Provider
}

func New(store Store, provider llm.Provider) *Selector {
	return &Selector{store: store, provider: provider}
}

var selectionSchema = &llm.Schema{
	Name: "question-selection",
	Definition: map[string]any{
		"type": "array",
		"items": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"id":               map[string]any{"type": "integer"},
				"question_prompt":  map[string]any{"type": "string", "minLength": 1},
				"answer":           map[string]any{"type": []any{"string", "number"}},
				"source_topic":     map[string]any{"type": "string"},
				"selection_reason": map[string]any{"type": "string"},
			},
			"required": []string{"question_prompt", "answer"},
		},
	},
}

// Select returns the questions for date. A date without a calendar entry
// or with no topics yields an empty Ok result. Model failures and unusable
// replies yield a Degraded result carrying the first candidate per topic.
// Only storage failures are Fatal.
func (s *Selector) Select(ctx context.Context, date string) model.Outcome[[]model.SelectedQuestion] {
	entry, err := s.store.GetCalendar(ctx, date)
	if err != nil {
		return model.Fatal[[]model.SelectedQuestion](fmt.Errorf("get calendar %s: %w", date, err))
	}
	if entry == nil || len(entry.Topics) == 0 {
		return model.Ok([]model.SelectedQuestion{})
	}

	candidates := make(map[string][]model.Question, len(entry.Topics))
	payload := prompts.SelectData{
		ScheduledTopics:  entry.Topics,
		SkillLevels:      map[string]int{},
		QuestionsByTopic: map[string][]prompts.Candidate{},
	}
	for _, topic := range entry.Topics {
		qs, err := s.store.QuestionsByTopic(ctx, topic, true)
		if err != nil {
			return model.Fatal[[]model.SelectedQuestion](fmt.Errorf("questions for %s: %w", topic, err))
		}
		candidates[topic] = qs
		for _, q := range qs {
			payload.QuestionsByTopic[topic] = append(payload.QuestionsByTopic[topic], prompts.Candidate{
				ID:             q.ID,
				QuestionPrompt: q.QuestionPrompt,
				TopicTag1:      q.TopicTag1,
				TopicTag2:      q.TopicTag2,
				TopicTag3:      q.TopicTag3,
				Answer:         q.Answer,
				Explanation:    q.Explanation,
				Difficulty:     q.Difficulty,
				HasBeenAsked:   q.HasBeenAsked,
				SourceTopic:    topic,
			})
		}
	}
	levels, err := s.store.ListSkillLevels(ctx)
	if err != nil {
		return model.Fatal[[]model.SelectedQuestion](fmt.Errorf("list skill levels: %w", err))
	}
	for _, l := range levels {
		payload.SkillLevels[l.Topic] = l.SkillLevel
	}

	limit := entry.NQuestions
	if limit <= 0 || limit > len(entry.Topics) {
		limit = len(entry.Topics)
	}

	selected, reason := s.ask(ctx, payload, entry.Topics, candidates)
	if reason == "" {
		return model.Ok(capSelections(selected, limit))
	}

	slog.Warn("question selection fell back to deterministic choice", "date", date, "reason", reason)
	return model.Degraded(capSelections(Fallback(entry.Topics, candidates), limit), reason)
}

// ask returns the model's selections, or a non-empty reason when they are
// unusable.
func (s *Selector) ask(ctx context.Context, payload prompts.SelectData, topics []string, candidates map[string][]model.Question) ([]model.SelectedQuestion, string) {
	prompt, err := prompts.BuildSelectPrompt(payload)
	if err != nil {
		return nil, err.Error()
	}
	resp, err := s.provider.Generate(ctx, llm.Request{
		System:   prompts.SelectSystem,
		Messages: []llm.Message{{Role: llm.RoleUser, Content: prompt}},
	})
	if err != nil {
		slog.Warn("question selection request failed", "error", err)
		return nil, "model request failed: " + err.Error()
	}

	text := llm.StripFences(resp.Content)
	if text == "" {
		return nil, "empty model response"
	}
	if err := llm.ValidateJSON(selectionSchema, text); err != nil {
		slog.Debug("unusable selection reply", "raw", resp.Content, "error", err)
		return nil, "invalid model response"
	}
	var raw []rawSelection
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return nil, "invalid model response"
	}

	selected := reconcile(raw, topics, candidates)
	if len(selected) == 0 {
		return nil, "model selected no scheduled topic"
	}
	return selected, ""
}

type rawSelection struct {
	ID              int64            `json:"id"`
	QuestionPrompt  string           `json:"question_prompt"`
	TopicTag1       string           `json:"topic_tag1"`
	TopicTag2       string           `json:"topic_tag2"`
	TopicTag3       string           `json:"topic_tag3"`
	Answer          json.RawMessage  `json:"answer"`
	Explanation     string           `json:"explanation"`
	Difficulty      model.Difficulty `json:"difficulty"`
	HasBeenAsked    bool             `json:"has_been_asked"`
	SourceTopic     string           `json:"source_topic"`
	SelectionReason string           `json:"selection_reason"`
}

// reconcile keeps at most one selection per scheduled topic, in schedule
// order. Selections naming a candidate id take the stored question text
// and answer.
func reconcile(raw []rawSelection, topics []string, candidates map[string][]model.Question) []model.SelectedQuestion {
	byTopic := map[string]model.SelectedQuestion{}
	for _, r := range raw {
		topic := matchTopic(topics, r.SourceTopic, r.TopicTag1, r.TopicTag2, r.TopicTag3)
		if topic == "" {
			continue
		}
		if _, dup := byTopic[topic]; dup {
			continue
		}
		sel := model.SelectedQuestion{
			QuestionPrompt:  strings.TrimSpace(r.QuestionPrompt),
			TopicTag1:       r.TopicTag1,
			TopicTag2:       r.TopicTag2,
			TopicTag3:       r.TopicTag3,
			Answer:          answerText(r.Answer),
			Explanation:     r.Explanation,
			Difficulty:      r.Difficulty,
			HasBeenAsked:    r.HasBeenAsked,
			SourceTopic:     topic,
			SelectionReason: r.SelectionReason,
		}
		if r.ID > 0 {
			if q, ok := findQuestion(candidates[topic], r.ID); ok {
				sel = fromQuestion(q, topic, r.SelectionReason)
			}
		}
		if sel.QuestionPrompt == "" || sel.Answer == "" {
			continue
		}
		byTopic[topic] = sel
	}

	var out []model.SelectedQuestion
	for _, t := range topics {
		if sel, ok := byTopic[t]; ok {
			out = append(out, sel)
		}
	}
	return out
}

// Fallback picks the first candidate per topic in bank order (lowest id),
// regardless of asked status. Topics without candidates are skipped.
func Fallback(topics []string, candidates map[string][]model.Question) []model.SelectedQuestion {
	out := []model.SelectedQuestion{}
	seen := map[string]bool{}
	for _, t := range topics {
		if seen[t] || len(candidates[t]) == 0 {
			continue
		}
		seen[t] = true
		first := slices.MinFunc(candidates[t], func(a, b model.Question) int {
			return cmp.Compare(a.ID, b.ID)
		})
		out = append(out, fromQuestion(first, t, FallbackReason))
	}
	return out
}

func fromQuestion(q model.Question, topic, reason string) model.SelectedQuestion {
	return model.SelectedQuestion{
		ID:              q.ID,
		QuestionPrompt:  q.QuestionPrompt,
		TopicTag1:       q.TopicTag1,
		TopicTag2:       q.TopicTag2,
		TopicTag3:       q.TopicTag3,
		Answer:          q.Answer,
		Explanation:     q.Explanation,
		Difficulty:      q.Difficulty,
		HasBeenAsked:    q.HasBeenAsked,
		SourceTopic:     topic,
		SelectionReason: reason,
	}
}

func findQuestion(qs []model.Question, id int64) (model.Question, bool) {
	for _, q := range qs {
		if q.ID == id {
			return q, true
		}
	}
	return model.Question{}, false
}

// matchTopic returns the scheduled spelling of the first hint that names a
// scheduled topic, compared case-insensitively.
func matchTopic(topics []string, hints ...string) string {
	for _, h := range hints {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		for _, t := range topics {
			if strings.EqualFold(t, h) {
				return t
			}
		}
	}
	return ""
}

// answerText accepts answers the model emitted as strings or numbers.
func answerText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(string(raw))
}

func capSelections(sel []model.SelectedQuestion, limit int) []model.SelectedQuestion {
	if len(sel) > limit {
		return sel[:limit]
	}
	return sel
}
