package tutor

import (
	"context"
	"fmt"

	"github.com/pavelanni/coach/internal/model"
)

// MemoryStore is the storage the memory tool writes through.
type MemoryStore interface {
	EnsureStudent(ctx context.Context, name, exam string) (model.Student, error)
	AddMemory(ctx context.Context, studentID int64, entry string) (int64, error)
}

// StoreMemory adapts a MemoryStore to MemoryWriter.
func StoreMemory(st MemoryStore) MemoryWriter {
	return storeMemory{st: st}
}

type storeMemory struct {
	st MemoryStore
}

func (m storeMemory) RecordMemory(ctx context.Context, student model.StudentData, entry string) error {
	stu, err := m.st.EnsureStudent(ctx, student.StudentName, student.ExamName)
	if err != nil {
		return fmt.Errorf("ensure student: %w", err)
	}
	if _, err := m.st.AddMemory(ctx, stu.ID, entry); err != nil {
		return fmt.Errorf("add memory: %w", err)
	}
	return nil
}
