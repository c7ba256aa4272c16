package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pavelanni/coach/internal/model"
)

func nowUTC() time.Time { return time.Now().UTC() }

// EnsureStudent returns the student row for (name, exam), creating it if
// missing.
func (c conn) EnsureStudent(ctx context.Context, name, exam string) (model.Student, error) {
	if _, err := c.exec(ctx,
		`INSERT INTO students (student_name, exam_name, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(student_name, exam_name) DO NOTHING`,
		name, exam, nowUTC(),
	); err != nil {
		return model.Student{}, fmt.Errorf("insert student: %w", err)
	}
	st, err := c.GetStudent(ctx, name, exam)
	if err != nil {
		return model.Student{}, err
	}
	return *st, nil
}

// GetStudent returns nil when the student does not exist.
func (c conn) GetStudent(ctx context.Context, name, exam string) (*model.Student, error) {
	var st model.Student
	err := c.queryRow(ctx,
		`SELECT id, student_name, exam_name, created_at FROM students
		 WHERE student_name = ? AND exam_name = ?`, name, exam,
	).Scan(&st.ID, &st.StudentName, &st.ExamName, &st.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// FirstStudent returns the earliest created student, or nil.
func (c conn) FirstStudent(ctx context.Context) (*model.Student, error) {
	var st model.Student
	err := c.queryRow(ctx,
		`SELECT id, student_name, exam_name, created_at FROM students ORDER BY id LIMIT 1`,
	).Scan(&st.ID, &st.StudentName, &st.ExamName, &st.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// AddMemory appends a memory entry for the student. An entry the student
// already has is not stored twice; its id is returned instead, so a
// replayed tool call leaves one row.
func (c conn) AddMemory(ctx context.Context, studentID int64, entry string) (int64, error) {
	var id int64
	err := c.queryRow(ctx,
		`SELECT id FROM student_memory WHERE student_id = ? AND memory_entry = ? ORDER BY id LIMIT 1`,
		studentID, entry,
	).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("find memory: %w", err)
	}
	err = c.queryRow(ctx,
		`INSERT INTO student_memory (student_id, memory_entry, created_at) VALUES (?, ?, ?) RETURNING id`,
		studentID, entry, nowUTC(),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert memory: %w", err)
	}
	return id, nil
}

// ListMemory returns a student's memory entries oldest first.
func (c conn) ListMemory(ctx context.Context, studentID int64) ([]model.MemoryEntry, error) {
	rows, err := c.query(ctx,
		`SELECT id, student_id, memory_entry, created_at FROM student_memory
		 WHERE student_id = ? ORDER BY id`, studentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []model.MemoryEntry
	for rows.Next() {
		var m model.MemoryEntry
		if err := rows.Scan(&m.ID, &m.StudentID, &m.MemoryEntry, &m.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, m)
	}
	return entries, rows.Err()
}

// StudentData loads the agent-facing view of a student. A student that
// does not exist yet yields empty memory.
func (c conn) StudentData(ctx context.Context, name, exam string) (model.StudentData, error) {
	data := model.StudentData{StudentName: name, ExamName: exam, Memory: []string{}}
	st, err := c.GetStudent(ctx, name, exam)
	if err != nil || st == nil {
		return data, err
	}
	entries, err := c.ListMemory(ctx, st.ID)
	if err != nil {
		return data, err
	}
	for _, e := range entries {
		data.Memory = append(data.Memory, e.MemoryEntry)
	}
	return data, nil
}
