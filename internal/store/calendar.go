package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pavelanni/coach/internal/model"
)

// UpsertCalendar inserts or replaces calendar entries keyed by date.
func (c conn) UpsertCalendar(ctx context.Context, entries []model.CalendarEntry) error {
	for _, e := range entries {
		topics := e.Topics
		if topics == nil {
			topics = []string{}
		}
		raw, err := json.Marshal(topics)
		if err != nil {
			return err
		}
		if _, err := c.exec(ctx,
			`INSERT INTO calendar_entries (date, topics, n_questions) VALUES (?, ?, ?)
			 ON CONFLICT(date) DO UPDATE SET topics = excluded.topics, n_questions = excluded.n_questions`,
			e.Date, string(raw), e.NQuestions,
		); err != nil {
			return fmt.Errorf("upsert calendar %s: %w", e.Date, err)
		}
	}
	return nil
}

// GetCalendar returns the entry for date, or nil when nothing is scheduled.
func (c conn) GetCalendar(ctx context.Context, date string) (*model.CalendarEntry, error) {
	var (
		e   model.CalendarEntry
		raw string
	)
	err := c.queryRow(ctx,
		`SELECT date, topics, n_questions FROM calendar_entries WHERE date = ?`, date,
	).Scan(&e.Date, &raw, &e.NQuestions)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(raw), &e.Topics); err != nil {
		return nil, fmt.Errorf("decode topics for %s: %w", date, err)
	}
	return &e, nil
}

// ListCalendar returns every entry ordered by date.
func (c conn) ListCalendar(ctx context.Context) ([]model.CalendarEntry, error) {
	rows, err := c.query(ctx, `SELECT date, topics, n_questions FROM calendar_entries ORDER BY date`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []model.CalendarEntry
	for rows.Next() {
		var (
			e   model.CalendarEntry
			raw string
		)
		if err := rows.Scan(&e.Date, &raw, &e.NQuestions); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(raw), &e.Topics); err != nil {
			return nil, fmt.Errorf("decode topics for %s: %w", e.Date, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
