package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/pavelanni/coach/internal/model"
)

const questionColumns = `id, question_prompt, answer, explanation, difficulty,
	topic_tag1, topic_tag2, topic_tag3, has_been_asked`

func scanQuestion(sc interface{ Scan(...any) error }) (model.Question, error) {
	var q model.Question
	err := sc.Scan(&q.ID, &q.QuestionPrompt, &q.Answer, &q.Explanation, &q.Difficulty,
		&q.TopicTag1, &q.TopicTag2, &q.TopicTag3, &q.HasBeenAsked)
	return q, err
}

// InsertQuestion stores a question.
func (c conn) InsertQuestion(ctx context.Context, q model.Question) (int64, error) {
	if q.Difficulty == "" {
		q.Difficulty = model.DifficultyMedium
	}
	var id int64
	err := c.queryRow(ctx,
		`INSERT INTO questions (question_prompt, answer, explanation, difficulty,
			topic_tag1, topic_tag2, topic_tag3, has_been_asked)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		q.QuestionPrompt, q.Answer, q.Explanation, q.Difficulty,
		q.TopicTag1, q.TopicTag2, q.TopicTag3, q.HasBeenAsked,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert question: %w", err)
	}
	return id, nil
}

// GetQuestion returns a question by ID.
func (c conn) GetQuestion(ctx context.Context, id int64) (model.Question, error) {
	return scanQuestion(c.queryRow(ctx,
		`SELECT `+questionColumns+` FROM questions WHERE id = ?`, id))
}

// ListQuestions returns all questions.
func (c conn) ListQuestions(ctx context.Context) ([]model.Question, error) {
	return c.listQuestions(ctx, `SELECT `+questionColumns+` FROM questions ORDER BY id`)
}

// QuestionsByTopic returns questions carrying topic in any tag column,
// compared case-insensitively. Unasked questions come first. When
// includeAsked is false, asked questions are omitted.
func (c conn) QuestionsByTopic(ctx context.Context, topic string, includeAsked bool) ([]model.Question, error) {
	t := strings.TrimSpace(topic)
	query := `SELECT ` + questionColumns + ` FROM questions
		WHERE (LOWER(topic_tag1) = LOWER(?) OR LOWER(topic_tag2) = LOWER(?) OR LOWER(topic_tag3) = LOWER(?))`
	if !includeAsked {
		query += ` AND has_been_asked = ?`
		return c.listQuestions(ctx, query+` ORDER BY id`, t, t, t, false)
	}
	return c.listQuestions(ctx, query+` ORDER BY has_been_asked, id`, t, t, t)
}

func (c conn) listQuestions(ctx context.Context, query string, args ...any) ([]model.Question, error) {
	rows, err := c.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var questions []model.Question
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, err
		}
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

// UniqueTopics returns the sorted union of all non-empty topic tags.
func (c conn) UniqueTopics(ctx context.Context) ([]string, error) {
	rows, err := c.query(ctx,
		`SELECT topic_tag1 FROM questions UNION SELECT topic_tag2 FROM questions UNION SELECT topic_tag3 FROM questions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	seen := map[string]bool{}
	topics := []string{}
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics, rows.Err()
}

// MarkAsked flags the given questions as asked. Unknown IDs are ignored.
func (c conn) MarkAsked(ctx context.Context, ids ...int64) error {
	for _, id := range ids {
		if id == 0 {
			continue
		}
		if _, err := c.exec(ctx, `UPDATE questions SET has_been_asked = ? WHERE id = ?`, true, id); err != nil {
			return fmt.Errorf("mark question %d asked: %w", id, err)
		}
	}
	return nil
}

// QuestionExists reports whether a question with id is in the bank.
func (c conn) QuestionExists(ctx context.Context, id int64) (bool, error) {
	var one int
	err := c.queryRow(ctx, `SELECT 1 FROM questions WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}
