// Package i18n localizes the coach's user-facing text: tutor fallbacks,
// next-step hints and API error messages.
package i18n

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"slices"
	"strings"
	"sync"

	"github.com/nicksnyder/go-i18n/v2/i18n"
	"golang.org/x/text/language"
)

// MessageID names a localized message.
type MessageID string

const (
	ChatApology       MessageID = "ChatApology"
	ChatEmptyReply    MessageID = "ChatEmptyReply"
	ChatAffirmation   MessageID = "ChatAffirmation"
	ChatSessionClosed MessageID = "ChatSessionClosed"
	AnswerRequired    MessageID = "AnswerRequired"
	NoCalendar        MessageID = "NoCalendar"
	SuggestInit       MessageID = "SuggestInit"
	SuggestPlanned    MessageID = "SuggestPlanned"
	SuggestAsked      MessageID = "SuggestAsked"
	SuggestChatted    MessageID = "SuggestChatted"
	QuestionsSelected MessageID = "QuestionsSelected"
	MemorySaved       MessageID = "MemorySaved"
)

// DefaultLang is used when no language is configured.
const DefaultLang = "en"

//go:embed locales/*.json
var localeFS embed.FS

type ctxKey struct{}

var (
	mu        sync.RWMutex
	bundle    *i18n.Bundle
	supported []string
)

// Init loads every embedded locale with lang as the bundle default. lang
// must be one of Supported.
func Init(lang string) error {
	tag, err := language.Parse(lang)
	if err != nil {
		return fmt.Errorf("parse language %q: %w", lang, err)
	}

	b := i18n.NewBundle(tag)
	b.RegisterUnmarshalFunc("json", json.Unmarshal)

	entries, err := localeFS.ReadDir("locales")
	if err != nil {
		return fmt.Errorf("read locales dir: %w", err)
	}
	var langs []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := localeFS.ReadFile(path.Join("locales", e.Name()))
		if err != nil {
			return fmt.Errorf("read locale file %s: %w", e.Name(), err)
		}
		mf, err := b.ParseMessageFileBytes(data, e.Name())
		if err != nil {
			return fmt.Errorf("parse locale file %s: %w", e.Name(), err)
		}
		langs = append(langs, mf.Tag.String())
	}
	base, _ := tag.Base()
	if !slices.Contains(langs, tag.String()) && !slices.Contains(langs, base.String()) {
		return fmt.Errorf("unsupported language %q (have %s)", lang, strings.Join(langs, ", "))
	}

	mu.Lock()
	bundle, supported = b, langs
	mu.Unlock()
	slog.Debug("loaded locales", "default", tag, "languages", langs)
	return nil
}

// Supported lists the languages with an embedded locale file.
func Supported() []string {
	return slices.Clone(current().supported)
}

type state struct {
	bundle    *i18n.Bundle
	supported []string
}

func current() state {
	mu.RLock()
	b := bundle
	s := state{bundle: b, supported: supported}
	mu.RUnlock()
	if b != nil {
		return s
	}
	if err := Init(DefaultLang); err != nil {
		slog.Error("load default locale bundle", "error", err)
		return state{bundle: i18n.NewBundle(language.English)}
	}
	mu.RLock()
	defer mu.RUnlock()
	return state{bundle: bundle, supported: supported}
}

// NewLocalizer creates a localizer for the given languages in preference
// order. Entries may be Accept-Language header values.
func NewLocalizer(langs ...string) *i18n.Localizer {
	return i18n.NewLocalizer(current().bundle, langs...)
}

// WithLocalizer stores a localizer in the context.
func WithLocalizer(ctx context.Context, loc *i18n.Localizer) context.Context {
	return context.WithValue(ctx, ctxKey{}, loc)
}

func localizerFromCtx(ctx context.Context) *i18n.Localizer {
	if loc, ok := ctx.Value(ctxKey{}).(*i18n.Localizer); ok {
		return loc
	}
	return NewLocalizer()
}

// localize renders id, falling back to the id itself when no locale has it.
func localize(ctx context.Context, id MessageID, data map[string]any, count any) string {
	s, err := localizerFromCtx(ctx).Localize(&i18n.LocalizeConfig{
		MessageID:    string(id),
		TemplateData: data,
		PluralCount:  count,
	})
	if err != nil {
		slog.Warn("missing translation", "id", id, "error", err)
		return string(id)
	}
	return s
}

// T translates a message.
func T(ctx context.Context, id MessageID) string {
	return localize(ctx, id, nil, nil)
}

// Td translates a message with template data.
func Td(ctx context.Context, id MessageID, data map[string]any) string {
	return localize(ctx, id, data, nil)
}

// Tp translates a pluralized message. The count is available to the
// template as .Count.
func Tp(ctx context.Context, id MessageID, count int) string {
	return localize(ctx, id, map[string]any{"Count": count}, count)
}
