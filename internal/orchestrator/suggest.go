package orchestrator

import (
	"context"
	"net/url"

	"github.com/pavelanni/coach/internal/i18n"
	"github.com/pavelanni/coach/internal/model"
)

// Suggestion describes the API call that advances a session.
type Suggestion struct {
	Stage       model.Stage `json:"stage"`
	Action      string      `json:"action"`
	Method      string      `json:"method"`
	Endpoint    string      `json:"endpoint"`
	ExampleBody any         `json:"example_body,omitempty"`
	Reason      string      `json:"reason"`
}

// Suggest returns the next call for stage. Unknown stages, including
// init, suggest seeding the calendar.
func Suggest(ctx context.Context, stage model.Stage, date string) Suggestion {
	exampleStudent := map[string]any{"student_name": "Alice", "exam_name": "Algebra I"}
	switch stage {
	case model.StagePlanned:
		return Suggestion{
			Stage:    stage,
			Action:   string(model.ActionSelectQuestion),
			Method:   "GET",
			Endpoint: "/question/select?" + url.Values{"date": {date}}.Encode(),
			Reason:   i18n.T(ctx, i18n.SuggestPlanned),
		}
	case model.StageAsked:
		return Suggestion{
			Stage:    stage,
			Action:   string(model.ActionChat),
			Method:   "POST",
			Endpoint: "/chat",
			ExampleBody: map[string]any{
				"student_data": exampleStudent,
				"date":         date,
				"message":      "I think the answer is...",
			},
			Reason: i18n.T(ctx, i18n.SuggestAsked),
		}
	case model.StageChatted:
		return Suggestion{
			Stage:    stage,
			Action:   string(model.ActionFinalize),
			Method:   "POST",
			Endpoint: "/session/finalize",
			ExampleBody: map[string]any{
				"student_data":         exampleStudent,
				"date":                 date,
				"conversation_history": "[tutor]: 'What is 2+2?' [student]: '4'",
			},
			Reason: i18n.T(ctx, i18n.SuggestChatted),
		}
	default:
		return Suggestion{
			Stage:    stage,
			Action:   string(model.ActionSeedCalendar),
			Method:   "POST",
			Endpoint: "/calendar/seed",
			ExampleBody: map[string]any{
				"entries": []model.CalendarEntry{{Date: date, Topics: []string{"algebra"}, NQuestions: 1}},
			},
			Reason: i18n.Td(ctx, i18n.SuggestInit, map[string]any{"Date": date}),
		}
	}
}

// NextStep resolves the stage for req without side effects and suggests
// the call that runs it.
func (o *Orchestrator) NextStep(ctx context.Context, req Request) (Suggestion, error) {
	stage, date, err := o.ResolveStage(ctx, req)
	if err != nil {
		return Suggestion{}, err
	}
	return Suggest(ctx, stage, date), nil
}
