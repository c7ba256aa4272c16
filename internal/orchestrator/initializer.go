package orchestrator

import (
	"context"
	"fmt"

	"github.com/pavelanni/coach/internal/model"
	"github.com/pavelanni/coach/internal/store"
)

// Default plan for a date initialized without a calendar.
var (
	DefaultTopics     = []string{"general"}
	DefaultNQuestions = 1
)

// InitResult reports what Initialize found or created.
type InitResult struct {
	Student   model.Student       `json:"student"`
	Entry     model.CalendarEntry `json:"calendar_entry"`
	Created   bool                `json:"created"`
	SessionID string              `json:"session_id"`
}

// Initialize makes sure the student and a calendar entry for the date
// exist. An existing entry is returned unchanged.
func (o *Orchestrator) Initialize(ctx context.Context, req Request) (InitResult, error) {
	c, err := o.prepare(ctx, req)
	if err != nil {
		return InitResult{}, err
	}
	res := InitResult{SessionID: c.sessionID}

	entry, err := o.store.GetCalendar(ctx, c.date)
	if err != nil {
		return res, fmt.Errorf("get calendar: %w", err)
	}
	if entry != nil {
		res.Entry = *entry
	} else {
		res.Entry = model.CalendarEntry{
			Date:       c.date,
			Topics:     append([]string(nil), DefaultTopics...),
			NQuestions: DefaultNQuestions,
		}
		res.Created = true
	}

	step := store.Step{
		SessionID: c.sessionID,
		Date:      c.date,
		Action:    model.ActionInitialize,
		Meta:      map[string]any{"created": res.Created, "topics": res.Entry.Topics},
	}
	if res.Created {
		step.Next = model.StagePlanned
	}
	err = o.store.CommitStep(ctx, step, func(tx *store.Tx) error {
		st, err := tx.EnsureStudent(ctx, c.student.StudentName, c.student.ExamName)
		if err != nil {
			return err
		}
		res.Student = st
		if res.Created {
			return tx.UpsertCalendar(ctx, []model.CalendarEntry{res.Entry})
		}
		return nil
	})
	if err != nil {
		return InitResult{}, fmt.Errorf("initialize: %w", err)
	}
	return res, nil
}
