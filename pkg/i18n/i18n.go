// Package i18n localizes the user-facing strings: toasts, placeholders and
// chatbot notices.
package i18n

import (
	"embed"

	"github.com/BurntSushi/toml"
	"github.com/nicksnyder/go-i18n/v2/i18n"
	"github.com/rs/zerolog/log"
	"golang.org/x/text/language"
)

var (
	//go:embed *.toml
	f embed.FS
)

type Localizer struct {
	bundle    *i18n.Bundle
	localizer *i18n.Localizer
	lang      string
}

// NewLocalizer loads the embedded bundles and resolves messages for lang,
// falling back to English.
func NewLocalizer(lang string) *Localizer {
	if !AllowedLangs[lang] {
		log.Warn().Str("component", "i18n").Str("lang", lang).Msg("unsupported language, using default")
		lang = DefaultLang
	}
	bundle := i18n.NewBundle(language.English)
	bundle.RegisterUnmarshalFunc("toml", toml.Unmarshal)
	for l := range AllowedLangs {
		path := l + ".toml"
		if _, err := bundle.LoadMessageFileFS(f, path); err != nil {
			log.Error().Err(err).Str("component", "i18n").Str("file", path).Msg("failed to load message file")
		}
	}
	return &Localizer{
		bundle:    bundle,
		localizer: i18n.NewLocalizer(bundle, lang, "en"),
		lang:      lang,
	}
}

func (l *Localizer) Lang() string { return l.lang }

// T returns the message for id, or id itself when it is unknown.
func (l *Localizer) T(id string) string {
	return l.TData(id, nil)
}

func (l *Localizer) TData(id string, data map[string]any) string {
	if l == nil {
		return id
	}
	str, err := l.localizer.Localize(&i18n.LocalizeConfig{
		MessageID:    id,
		TemplateData: data,
	})
	if err != nil {
		log.Debug().Err(err).Str("component", "i18n").Str("id", id).Msg("missing message")
		return id
	}
	return str
}

// QuickReplies are the canned chatbot prompts.
func (l *Localizer) QuickReplies() []string {
	return []string{l.T(ChatbotQuickAsk), l.T(ChatbotQuickRep), l.T(ChatbotQuickAbout)}
}
