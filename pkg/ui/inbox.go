package ui

import (
	"context"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/go-go-golems/chatline/pkg/api"
	"github.com/go-go-golems/chatline/pkg/i18n"
	"github.com/go-go-golems/chatline/pkg/mirror"
	"github.com/go-go-golems/chatline/pkg/model"
	"github.com/go-go-golems/chatline/pkg/notify"
	"github.com/go-go-golems/chatline/pkg/render"
)

// Chat is what the inbox drives; *messenger.Messenger implements it.
type Chat interface {
	Viewer() string
	Conversations(query string) []model.ConversationSummary
	Open(ctx context.Context, partner, displayName, avatarURL string) error
	SendMessage(ctx context.Context, text string, files []api.File) error
	Recall(ctx context.Context, id model.MessageID) error
	Delete(ctx context.Context, id model.MessageID) error
	CanRecall(msg model.ChatMessage) bool
}

type focus int

const (
	focusList focus = iota
	focusInput
)

const sidebarWidth = 34

// InboxModel shows the conversation list on the left and the open
// conversation on the right. Tab switches focus, enter opens or sends,
// ctrl+r recalls the last own message, ctrl+x deletes it, "/" filters.
type InboxModel struct {
	ctx    context.Context
	chat   Chat
	loc    *i18n.Localizer
	events <-chan tea.Msg
	now    func() time.Time

	items    []model.ConversationSummary
	selected int
	query    string
	filter   bool

	partner    string
	transcript []model.ChatMessage
	viewport   viewport.Model
	input      textinput.Model
	focus      focus
	toast      *notify.Toast
	connected  bool

	width, height int
}

func NewInboxModel(ctx context.Context, chat Chat, loc *i18n.Localizer, events <-chan tea.Msg) InboxModel {
	ti := textinput.New()
	ti.Prompt = "> "
	ti.CharLimit = 4000
	vp := viewport.New(60, 20)
	return InboxModel{
		ctx:      ctx,
		chat:     chat,
		loc:      loc,
		events:   events,
		now:      time.Now,
		viewport: vp,
		input:    ti,
		items:    chat.Conversations(""),
	}
}

func (m InboxModel) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, waitForUIEvent(m.events))
}

func (m InboxModel) run(fn func() error) tea.Cmd {
	return func() tea.Msg {
		if err := fn(); err != nil {
			return errMsg{err: err}
		}
		return nil
	}
}

func (m InboxModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch ev := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = ev.Width, ev.Height
		m.viewport.Width = max(ev.Width-sidebarWidth-2, 20)
		m.viewport.Height = max(ev.Height-4, 5)
		m.input.Width = m.viewport.Width - 2
		m.refreshTranscript()
		return m, nil
	case ConversationsMsg:
		m.items = mirror.Filter(ev.Items, m.query)
		m.clampSelection()
		return m, waitForUIEvent(m.events)
	case TranscriptMsg:
		m.partner = ev.Partner
		m.transcript = ev.Messages
		m.refreshTranscript()
		return m, waitForUIEvent(m.events)
	case ToastMsg:
		t := notify.Toast(ev)
		m.toast = &t
		return m, waitForUIEvent(m.events)
	case StatusMsg:
		m.connected = ev.Connected
		return m, waitForUIEvent(m.events)
	case errMsg:
		return m, nil
	case tea.KeyMsg:
		return m.handleKey(ev)
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m InboxModel) handleKey(k tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch k.String() {
	case "ctrl+c":
		return m, tea.Quit
	case "tab":
		if m.focus == focusList {
			m.focus = focusInput
			m.input.Focus()
		} else {
			m.focus = focusList
			m.input.Blur()
		}
		return m, nil
	case "ctrl+r", "ctrl+x":
		last, ok := m.lastOwn()
		if !ok {
			return m, nil
		}
		if k.String() == "ctrl+r" {
			return m, m.run(func() error { return m.chat.Recall(m.ctx, last.ID) })
		}
		return m, m.run(func() error { return m.chat.Delete(m.ctx, last.ID) })
	}

	if m.focus == focusInput {
		switch k.Type {
		case tea.KeyEnter:
			text := m.input.Value()
			m.input.Reset()
			return m, m.run(func() error { return m.chat.SendMessage(m.ctx, text, nil) })
		case tea.KeyEsc:
			m.focus = focusList
			m.input.Blur()
			return m, nil
		}
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(k)
		return m, cmd
	}

	if m.filter {
		switch k.Type {
		case tea.KeyEnter, tea.KeyEsc:
			m.filter = false
		case tea.KeyBackspace:
			if r := []rune(m.query); len(r) > 0 {
				m.query = string(r[:len(r)-1])
			}
		case tea.KeyRunes, tea.KeySpace:
			m.query += string(k.Runes)
		}
		m.items = m.chat.Conversations(m.query)
		m.clampSelection()
		return m, nil
	}

	switch k.String() {
	case "q", "esc":
		return m, tea.Quit
	case "/":
		m.filter = true
	case "up", "k":
		if m.selected > 0 {
			m.selected--
		}
	case "down", "j":
		if m.selected < len(m.items)-1 {
			m.selected++
		}
	case "enter":
		if m.selected < len(m.items) {
			s := m.items[m.selected]
			m.focus = focusInput
			m.input.Focus()
			return m, m.run(func() error { return m.chat.Open(m.ctx, s.Username, s.DisplayName, s.AvatarURL) })
		}
	}
	return m, nil
}

func (m *InboxModel) clampSelection() {
	if m.selected >= len(m.items) {
		m.selected = max(len(m.items)-1, 0)
	}
}

func (m InboxModel) lastOwn() (model.ChatMessage, bool) {
	for i := len(m.transcript) - 1; i >= 0; i-- {
		if m.chat.CanRecall(m.transcript[i]) {
			return m.transcript[i], true
		}
	}
	return model.ChatMessage{}, false
}

func (m *InboxModel) refreshTranscript() {
	lines := make([]string, 0, len(m.transcript))
	for _, msg := range m.transcript {
		lines = append(lines, render.MessageLine(msg, m.chat.Viewer()))
	}
	m.viewport.SetContent(strings.Join(lines, "\n"))
	m.viewport.GotoBottom()
}

func (m InboxModel) View() string {
	var left strings.Builder
	title := render.HeaderStyle.Render(m.chat.Viewer())
	if !m.connected {
		title += " " + render.SubtleStyle.Render("(offline)")
	}
	left.WriteString(title + "\n")
	if m.filter || m.query != "" {
		left.WriteString(render.SubtleStyle.Render("/"+m.query) + "\n")
	}
	if len(m.items) == 0 {
		left.WriteString(render.SubtleStyle.Render(m.loc.T(i18n.MessageNoChats)))
	}
	now := m.now()
	for i, it := range m.items {
		line := render.ConversationLine(it, now, m.loc)
		if i == m.selected {
			line = render.SelectedStyle.Render("▸ ") + line
		} else {
			line = "  " + line
		}
		left.WriteString(line + "\n")
	}

	var right string
	if m.partner == "" {
		right = render.SubtleStyle.Render(m.loc.T(i18n.MessageSelectPartner))
	} else {
		right = render.HeaderStyle.Render(m.partner) + "\n" + m.viewport.View() + "\n" + m.input.View()
	}
	body := lipgloss.JoinHorizontal(lipgloss.Top,
		lipgloss.NewStyle().Width(sidebarWidth).Render(left.String()),
		lipgloss.NewStyle().PaddingLeft(2).Render(right),
	)
	if m.toast != nil {
		body += "\n" + render.Toast(*m.toast)
	}
	return body
}
