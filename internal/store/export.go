package store

import (
	"context"
	"fmt"

	"github.com/pavelanni/coach/internal/model"
)

// Export snapshots the student's progress. A nil student exports the
// shared tables only.
func (s *Store) Export(ctx context.Context, name, exam string) (model.Export, error) {
	out := model.Export{ExportedAt: nowUTC()}

	st, err := s.GetStudent(ctx, name, exam)
	if err != nil {
		return out, fmt.Errorf("get student: %w", err)
	}
	if st != nil {
		out.Student = st
		if out.Memory, err = s.ListMemory(ctx, st.ID); err != nil {
			return out, fmt.Errorf("list memory: %w", err)
		}
	}
	if out.Calendar, err = s.ListCalendar(ctx); err != nil {
		return out, fmt.Errorf("list calendar: %w", err)
	}
	if out.SkillLevels, err = s.ListSkillLevels(ctx); err != nil {
		return out, fmt.Errorf("list skill levels: %w", err)
	}
	if out.Log, err = s.ListLog(ctx, "", ""); err != nil {
		return out, fmt.Errorf("list log: %w", err)
	}
	return out, nil
}
