// Package transcript converts between the transcript shapes clients send:
// delimited strings such as "[tutor]: 'What is 2+2?' [student]: '4'" and
// sequences of {role, content} objects.
package transcript

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/pavelanni/coach/internal/model"
)

var markerRegex = regexp.MustCompile(`(?i)\[\s*(tutor|student|assistant|user)\s*\]\s*:\s*`)

// Parse splits a delimited transcript into turns. Text without any
// speaker marker is treated as a single student turn.
func Parse(s string) []model.Turn {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	locs := markerRegex.FindAllStringSubmatchIndex(s, -1)
	if len(locs) == 0 {
		return []model.Turn{{Role: model.RoleStudent, Content: unquote(s)}}
	}

	var turns []model.Turn
	if lead := strings.TrimSpace(s[:locs[0][0]]); lead != "" {
		turns = append(turns, model.Turn{Role: model.RoleStudent, Content: unquote(lead)})
	}
	for i, loc := range locs {
		end := len(s)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		content := unquote(s[loc[1]:end])
		if content == "" {
			continue
		}
		turns = append(turns, model.Turn{
			Role:    normalizeRole(s[loc[2]:loc[3]]),
			Content: content,
		})
	}
	return turns
}

// Normalize decodes a transcript sent either as a JSON string or as a JSON
// array of {role, content} objects.
func Normalize(raw json.RawMessage) ([]model.Turn, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("decode transcript string: %w", err)
		}
		return Parse(s), nil
	case '[':
		var items []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		}
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, fmt.Errorf("decode transcript turns: %w", err)
		}
		turns := make([]model.Turn, 0, len(items))
		for _, it := range items {
			turns = append(turns, model.Turn{Role: normalizeRole(it.Role), Content: it.Content})
		}
		return turns, nil
	default:
		return nil, fmt.Errorf("transcript must be a string or an array, got %q", raw[:1])
	}
}

// Text renders turns as readable "role: content" lines.
func Text(turns []model.Turn) string {
	var sb strings.Builder
	for _, t := range turns {
		role := string(t.Role)
		if role == "" {
			role = "unknown"
		}
		sb.WriteString(role + ": " + t.Content + "\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

// LastStudent returns the content of the most recent student turn.
func LastStudent(turns []model.Turn) (string, bool) {
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == model.RoleStudent {
			return turns[i].Content, true
		}
	}
	return "", false
}

func normalizeRole(r string) model.Role {
	switch strings.ToLower(strings.TrimSpace(r)) {
	case "student", "user":
		return model.RoleStudent
	case "tutor", "assistant":
		return model.RoleTutor
	default:
		return model.Role(strings.ToLower(strings.TrimSpace(r)))
	}
}

func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 {
		if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
			s = strings.TrimSpace(s[1 : len(s)-1])
		}
	}
	return s
}
