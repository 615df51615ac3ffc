// Package render turns conversations, messages, bot replies and toasts into
// terminal text for the CLI and the TUIs.
package render

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"golang.org/x/term"

	"github.com/go-go-golems/chatline/pkg/i18n"
	"github.com/go-go-golems/chatline/pkg/model"
	"github.com/go-go-golems/chatline/pkg/notify"
)

const (
	DefaultWidth = 80
	previewRunes = 40
)

var (
	HeaderStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	SubtleStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("246"))
	BadgeStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("231")).Background(lipgloss.Color("161")).Padding(0, 1)
	OwnStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	PartnerStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	RecalledStyle = lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("242"))
	SelectedStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213"))

	toastStyles = map[notify.Level]lipgloss.Style{
		notify.LevelInfo:    lipgloss.NewStyle().Foreground(lipgloss.Color("63")),
		notify.LevelSuccess: lipgloss.NewStyle().Foreground(lipgloss.Color("118")),
		notify.LevelWarning: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		notify.LevelDanger:  lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
	}
)

// TerminalWidth is the column count of f, or DefaultWidth when f is not a terminal.
func TerminalWidth(f *os.File) int {
	if f == nil {
		return DefaultWidth
	}
	w, _, err := term.GetSize(int(f.Fd()))
	if err != nil || w <= 0 {
		return DefaultWidth
	}
	return w
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// When is a relative time such as "3 minutes ago"; empty for the zero value.
func When(ts model.Timestamp, now time.Time) string {
	if ts.IsZero() {
		return ""
	}
	return humanize.RelTime(ts.Time, now, "ago", "from now")
}

// ConversationLine is one row of the conversation list.
func ConversationLine(s model.ConversationSummary, now time.Time, loc *i18n.Localizer) string {
	var b strings.Builder
	b.WriteString(HeaderStyle.Render(s.Label()))
	if when := When(s.LastTimestamp, now); when != "" {
		b.WriteString(" " + SubtleStyle.Render(when))
	}
	if s.Unread > 0 {
		b.WriteString(" " + BadgeStyle.Render(loc.TData(i18n.MessageUnreadBadge, map[string]any{"Count": s.Unread})))
	}
	if s.LastMessage != "" {
		b.WriteString("\n  " + SubtleStyle.Render(truncate(s.LastMessage, previewRunes)))
	}
	return b.String()
}

// MessageLine is one transcript entry followed by its attachment links.
func MessageLine(m model.ChatMessage, viewer string) string {
	style := PartnerStyle
	if m.SenderUsername == viewer {
		style = OwnStyle
	}
	clock := ""
	if !m.CreatedAt.IsZero() {
		clock = SubtleStyle.Render("["+m.CreatedAt.Clock()+"]") + " "
	}
	content := style.Render(m.Content)
	if m.Recalled {
		content = RecalledStyle.Render(m.Content)
	}
	line := fmt.Sprintf("%s%s %s %s", clock, style.Bold(true).Render(m.SenderUsername+":"), content, SubtleStyle.Render("#"+m.ID.String()))
	for _, a := range m.Attachments {
		line += "\n    📎 " + a.Name() + " " + SubtleStyle.Render(a.URL)
	}
	return line
}

// Toast renders a toast on one line.
func Toast(t notify.Toast) string {
	style, ok := toastStyles[t.Level]
	if !ok {
		style = toastStyles[notify.LevelInfo]
	}
	text := t.Message
	if t.Title != "" {
		text = t.Title + ": " + t.Message
	}
	return style.Render("● " + text)
}

// BotText renders a bot reply as markdown wrapped to width. It falls back to
// the raw text when rendering fails.
func BotText(text string, width int) string {
	if width <= 0 {
		width = DefaultWidth
	}
	r, err := glamour.NewTermRenderer(glamour.WithStandardStyle("dark"), glamour.WithWordWrap(width))
	if err != nil {
		return text
	}
	out, err := r.Render(text)
	if err != nil {
		return text
	}
	return strings.TrimRight(out, "\n")
}

// BotLine renders one chatbot transcript entry.
func BotLine(m model.BotMessage, width int) string {
	stamp := ""
	if m.Timestamp != "" {
		stamp = SubtleStyle.Render("["+m.Timestamp+"]") + " "
	}
	if m.FromUser {
		return stamp + OwnStyle.Bold(true).Render("you: ") + OwnStyle.Render(m.Content)
	}
	return stamp + PartnerStyle.Bold(true).Render("bot:") + "\n" + BotText(m.Content, width)
}
