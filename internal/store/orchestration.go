package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/pavelanni/coach/internal/model"
)

// AppendLog records an orchestrator decision. ID and Timestamp are filled
// in when empty.
func (c conn) AppendLog(ctx context.Context, e model.LogEntry) (model.LogEntry, error) {
	if e.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return e, fmt.Errorf("generate log id: %w", err)
		}
		e.ID = id.String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = nowUTC()
	}
	meta := e.Meta
	if len(meta) == 0 {
		meta = json.RawMessage(`{}`)
	}
	if _, err := c.exec(ctx,
		`INSERT INTO orchestrator_log (id, ts, session_id, date, action, meta) VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.Timestamp, e.SessionID, e.Date, string(e.Action), string(meta),
	); err != nil {
		return e, fmt.Errorf("append log: %w", err)
	}
	e.Meta = meta
	return e, nil
}

// HasAction reports whether action was logged for (sessionID, date).
func (c conn) HasAction(ctx context.Context, sessionID, date string, action model.Action) (bool, error) {
	var n int
	err := c.queryRow(ctx,
		`SELECT COUNT(*) FROM orchestrator_log WHERE session_id = ? AND date = ? AND action = ?`,
		sessionID, date, string(action),
	).Scan(&n)
	return n > 0, err
}

// ListLog returns the log for (sessionID, date) in order. Empty arguments
// match everything.
func (c conn) ListLog(ctx context.Context, sessionID, date string) ([]model.LogEntry, error) {
	query := `SELECT id, ts, session_id, date, action, meta FROM orchestrator_log WHERE 1=1`
	var args []any
	if sessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, sessionID)
	}
	if date != "" {
		query += ` AND date = ?`
		args = append(args, date)
	}
	rows, err := c.query(ctx, query+` ORDER BY ts, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []model.LogEntry
	for rows.Next() {
		var (
			e      model.LogEntry
			action string
			meta   string
		)
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.SessionID, &e.Date, &action, &meta); err != nil {
			return nil, err
		}
		e.Action = model.Action(action)
		e.Meta = json.RawMessage(meta)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetSessionState returns the stage record for (sessionID, date), or nil.
func (c conn) GetSessionState(ctx context.Context, sessionID, date string) (*model.SessionState, error) {
	var (
		st    model.SessionState
		stage string
	)
	err := c.queryRow(ctx,
		`SELECT session_id, date, stage, last_transition_at, answer FROM session_states
		 WHERE session_id = ? AND date = ?`, sessionID, date,
	).Scan(&st.SessionID, &st.Date, &stage, &st.LastTransitionAt, &st.Answer)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	st.Stage = model.Stage(stage)
	return &st, nil
}

// SetSessionState upserts the stage record. An empty Answer keeps the
// stored one.
func (c conn) SetSessionState(ctx context.Context, st model.SessionState) error {
	if st.LastTransitionAt.IsZero() {
		st.LastTransitionAt = nowUTC()
	}
	_, err := c.exec(ctx,
		`INSERT INTO session_states (session_id, date, stage, last_transition_at, answer)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(session_id, date) DO UPDATE SET
			stage = excluded.stage,
			last_transition_at = excluded.last_transition_at,
			answer = CASE WHEN excluded.answer = '' THEN session_states.answer ELSE excluded.answer END`,
		st.SessionID, st.Date, string(st.Stage), st.LastTransitionAt, st.Answer,
	)
	if err != nil {
		return fmt.Errorf("set session state: %w", err)
	}
	return nil
}

// Step is one orchestrator transition.
type Step struct {
	SessionID string
	Date      string
	Action    model.Action
	Meta      any
	Next      model.Stage // empty leaves the stage record untouched
	Answer    string
}

// CommitStep runs write and the stage transition in one transaction, then
// appends the log entry. Failures of write or the transition are returned;
// a failed log append is only logged.
func (s *Store) CommitStep(ctx context.Context, step Step, write func(tx *Tx) error) error {
	err := s.InTx(ctx, func(tx *Tx) error {
		if write != nil {
			if err := write(tx); err != nil {
				return err
			}
		}
		if step.Next == "" {
			return nil
		}
		return tx.SetSessionState(ctx, model.SessionState{
			SessionID: step.SessionID,
			Date:      step.Date,
			Stage:     step.Next,
			Answer:    step.Answer,
		})
	})
	if err != nil {
		return err
	}

	meta, err := json.Marshal(step.Meta)
	if err != nil || step.Meta == nil {
		meta = []byte(`{}`)
	}
	if _, err := s.AppendLog(ctx, model.LogEntry{
		SessionID: step.SessionID,
		Date:      step.Date,
		Action:    step.Action,
		Meta:      meta,
	}); err != nil {
		slog.Warn("orchestration log append failed",
			"session_id", step.SessionID, "date", step.Date, "action", step.Action, "error", err)
	}
	return nil
}
