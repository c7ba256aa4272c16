package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/pavelanni/coach/internal/model"
)

func run(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	root := rootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	require.NoError(t, root.Execute(), out.String())
	return out.String()
}

func TestHashKey(t *testing.T) {
	out := run(t, "hash-key", "s3cret")
	hash := strings.TrimSpace(out)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("s3cret")))
}

func TestSeedThenExport(t *testing.T) {
	tmp := t.TempDir()
	db := filepath.Join(tmp, "coach.db")
	dir := filepath.Join(tmp, "seed")
	require.NoError(t, os.Mkdir(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "students.json"),
		[]byte(`[{"student_name": "Alice", "exam_name": "Algebra I"}]`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "calendar_entries.yaml"),
		[]byte("- date: \"2024-03-01\"\n  topics: [algebra]\n  n_questions: 2\n"), 0o644))

	out := run(t, "seed", "--db", db, "--dir", dir, "--log-level", "error")
	assert.Contains(t, out, "imported calendar_entries")

	out = run(t, "seed", "--db", db, "--dir", dir, "--log-level", "error")
	assert.Contains(t, out, "skipped  calendar_entries.yaml")

	exportPath := filepath.Join(tmp, "export.json")
	run(t, "export", "--db", db, "-o", exportPath, "--log-level", "error")

	data, err := os.ReadFile(exportPath)
	require.NoError(t, err)
	var export model.Export
	require.NoError(t, json.Unmarshal(data, &export))
	require.NotNil(t, export.Student)
	assert.Equal(t, "Alice", export.Student.StudentName)
	require.Len(t, export.Calendar, 1)
	assert.Equal(t, []string{"algebra"}, export.Calendar[0].Topics)
	assert.Equal(t, 2, export.Calendar[0].NQuestions)
}
