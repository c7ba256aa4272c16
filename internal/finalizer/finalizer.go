// Package finalizer scores a finished tutoring conversation per topic.
package finalizer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/pavelanni/coach/internal/llm"
	"github.com/pavelanni/coach/internal/llm/prompts"
	"github.com/pavelanni/coach/internal/model"
	"github.com/pavelanni/coach/internal/transcript"
)

const (
	maxDelta  = 25
	deltaStep = 5
)

// Store is the calibration data the finalizer reads.
type Store interface {
	UniqueTopics(ctx context.Context) ([]string, error)
	ListSkillLevels(ctx context.Context) ([]model.SkillLevel, error)
}

// Finalizer asks the model for per-topic scores.
type Finalizer struct {
	store    Store
	provider llm.Provider
	mode     model.ScoreMode
}

// New returns a Finalizer. An empty mode means absolute scores.
func New(store Store, provider llm.Provider, mode model.ScoreMode) *Finalizer {
	if mode == "" {
		mode = model.ScoreAbsolute
	}
	return &Finalizer{store: store, provider: provider, mode: mode}
}

// Mode reports the score mode in use.
func (f *Finalizer) Mode() model.ScoreMode { return f.mode }

// Input is one conversation to score.
type Input struct {
	Student model.StudentData
	Turns   []model.Turn
	// Topics count as discussed even when the transcript never names
	// them, such as the tags of the question under discussion.
	Topics []string
}

var scoreSchema = &llm.Schema{
	Name: "topic-scores",
	Definition: map[string]any{
		"type":                 "object",
		"additionalProperties": map[string]any{"type": "number"},
	},
}

// Evaluate scores the conversation. A report with nil Scores means the
// session could not be scored and skill levels must be left alone; it is
// returned as Degraded. Only storage failures are Fatal.
func (f *Finalizer) Evaluate(ctx context.Context, in Input) model.Outcome[model.ScoreReport] {
	unscored := model.ScoreReport{Mode: f.mode}

	text := transcript.Text(in.Turns)
	if strings.TrimSpace(text) == "" {
		return model.Degraded(unscored, "empty conversation")
	}

	known, err := f.store.UniqueTopics(ctx)
	if err != nil {
		return model.Fatal[model.ScoreReport](fmt.Errorf("load topics: %w", err))
	}
	skills, err := f.store.ListSkillLevels(ctx)
	if err != nil {
		return model.Fatal[model.ScoreReport](fmt.Errorf("load skill levels: %w", err))
	}

	prompt, err := prompts.BuildFinalizePrompt(prompts.FinalizeData{
		StudentName: in.Student.StudentName,
		ExamName:    in.Student.ExamName,
		KnownTopics: known,
		Skills:      skills,
		Memory:      in.Student.Memory,
		Transcript:  text,
		Delta:       f.mode == model.ScoreDelta,
	})
	if err != nil {
		return model.Fatal[model.ScoreReport](err)
	}

	resp, err := f.provider.Generate(ctx, llm.Request{
		System:      prompts.FinalizeSystem,
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: prompt}},
		Schema:      scoreSchema,
		Temperature: 0.1,
		MaxTokens:   512,
	})
	if err != nil {
		slog.Warn("score request failed", "error", err)
		return model.Degraded(unscored, err.Error())
	}
	slog.Debug("score reply", "content", resp.Content)

	var raw map[string]float64
	if err := json.Unmarshal([]byte(llm.StripFences(resp.Content)), &raw); err != nil {
		slog.Warn("unparsable score reply", "error", err)
		return model.Degraded(unscored, "unparsable score reply")
	}

	report := model.ScoreReport{Mode: f.mode, Scores: f.filter(raw, text, known, in.Topics)}
	if dropped := len(raw) - len(report.Scores); dropped > 0 {
		slog.Info("dropped scores for topics not discussed", "count", dropped)
	}
	return model.Ok(report)
}

// filter keeps topics that occur in the conversation or in discussed,
// canonicalizes their spelling to a known topic, and bounds the values.
func (f *Finalizer) filter(raw map[string]float64, text string, known, discussed []string) map[string]int {
	lower := strings.ToLower(text)
	canonical := make(map[string]string, len(known)+len(discussed))
	for _, t := range known {
		canonical[strings.ToLower(t)] = t
	}
	isDiscussed := make(map[string]bool, len(discussed))
	for _, t := range discussed {
		k := strings.ToLower(strings.TrimSpace(t))
		if k == "" {
			continue
		}
		isDiscussed[k] = true
		if _, ok := canonical[k]; !ok {
			canonical[k] = strings.TrimSpace(t)
		}
	}

	scores := make(map[string]int, len(raw))
	for topic, v := range raw {
		k := strings.ToLower(strings.TrimSpace(topic))
		if k == "" || (!isDiscussed[k] && !strings.Contains(lower, k)) {
			continue
		}
		name := strings.TrimSpace(topic)
		if c, ok := canonical[k]; ok {
			name = c
		}
		scores[name] = f.bound(v)
	}
	return scores
}

// bound clamps in float64 first so huge or infinite values do not
// overflow the int conversion. NaN scores as the lower bound.
func (f *Finalizer) bound(v float64) int {
	if math.IsNaN(v) {
		v = math.Inf(-1)
	}
	if f.mode == model.ScoreDelta {
		v = max(-maxDelta, min(maxDelta, v))
		return int(math.Round(v/deltaStep)) * deltaStep
	}
	return int(math.Round(max(0, min(100, v))))
}
