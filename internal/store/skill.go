package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/pavelanni/coach/internal/model"
)

// Skill levels are kept within this range.
const (
	MinSkill = 0
	MaxSkill = 100
)

// ClampSkill bounds a level to [MinSkill, MaxSkill].
func ClampSkill(v int) int {
	return max(MinSkill, min(MaxSkill, v))
}

// ListSkillLevels returns all (topic, level) pairs ordered by topic.
func (c conn) ListSkillLevels(ctx context.Context) ([]model.SkillLevel, error) {
	rows, err := c.query(ctx, `SELECT topic, skill_level FROM skill_levels ORDER BY topic`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var levels []model.SkillLevel
	for rows.Next() {
		var l model.SkillLevel
		if err := rows.Scan(&l.Topic, &l.SkillLevel); err != nil {
			return nil, err
		}
		levels = append(levels, l)
	}
	return levels, rows.Err()
}

// GetSkillLevel returns the level for topic and whether it exists.
func (c conn) GetSkillLevel(ctx context.Context, topic string) (int, bool, error) {
	var lvl int
	err := c.queryRow(ctx, `SELECT skill_level FROM skill_levels WHERE topic = ?`, topic).Scan(&lvl)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return lvl, true, nil
}

// SetSkillLevel upserts a clamped level for topic.
func (c conn) SetSkillLevel(ctx context.Context, topic string, level int) error {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return errors.New("empty topic")
	}
	_, err := c.exec(ctx,
		`INSERT INTO skill_levels (topic, skill_level) VALUES (?, ?)
		 ON CONFLICT(topic) DO UPDATE SET skill_level = excluded.skill_level`,
		topic, ClampSkill(level),
	)
	if err != nil {
		return fmt.Errorf("set skill %s: %w", topic, err)
	}
	return nil
}

// ApplyScores writes a finalizer report. Absolute scores replace the stored
// level; deltas are added to it. Results are clamped. It returns the new
// levels keyed by topic.
func (c conn) ApplyScores(ctx context.Context, report model.ScoreReport) (map[string]int, error) {
	updated := make(map[string]int, len(report.Scores))
	for topic, v := range report.Scores {
		next := v
		if report.Mode == model.ScoreDelta {
			cur, _, err := c.GetSkillLevel(ctx, topic)
			if err != nil {
				return nil, err
			}
			next = cur + v
		}
		next = ClampSkill(next)
		if err := c.SetSkillLevel(ctx, topic, next); err != nil {
			return nil, err
		}
		updated[topic] = next
	}
	return updated, nil
}
