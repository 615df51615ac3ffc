package ui

import (
	"context"
	"fmt"
	"strings"

	bspinner "github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/go-go-golems/chatline/pkg/chatbot"
	"github.com/go-go-golems/chatline/pkg/i18n"
	"github.com/go-go-golems/chatline/pkg/notify"
	"github.com/go-go-golems/chatline/pkg/render"
)

// Bot is what the chatbot program drives; *chatbot.Widget implements it.
type Bot interface {
	Send(ctx context.Context, text string) error
	Snapshot() chatbot.Snapshot
	QuickReplies() []string
}

// BotModel is the chatbot window. F1-F3 send the quick replies.
type BotModel struct {
	ctx    context.Context
	bot    Bot
	loc    *i18n.Localizer
	events <-chan tea.Msg

	snap      chatbot.Snapshot
	connected bool
	toast     *notify.Toast

	spinner  bspinner.Model
	viewport viewport.Model
	input    textinput.Model
	width    int
}

func NewBotModel(ctx context.Context, bot Bot, loc *i18n.Localizer, events <-chan tea.Msg) BotModel {
	sp := bspinner.New()
	sp.Spinner = bspinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("63")).Bold(true)
	ti := textinput.New()
	ti.Prompt = "> "
	ti.Focus()
	m := BotModel{
		ctx:      ctx,
		bot:      bot,
		loc:      loc,
		events:   events,
		snap:     bot.Snapshot(),
		spinner:  sp,
		viewport: viewport.New(render.DefaultWidth, 20),
		input:    ti,
		width:    render.DefaultWidth,
	}
	m.refresh()
	return m
}

func (m BotModel) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.spinner.Tick, waitForUIEvent(m.events))
}

func (m BotModel) send(text string) tea.Cmd {
	return func() tea.Msg {
		if err := m.bot.Send(m.ctx, text); err != nil {
			return errMsg{err: err}
		}
		return nil
	}
}

func (m BotModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch ev := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = ev.Width
		m.viewport.Width = ev.Width
		m.viewport.Height = max(ev.Height-5, 5)
		m.input.Width = ev.Width - 4
		m.refresh()
		return m, nil
	case BotMsg:
		m.snap = chatbot.Snapshot(ev)
		m.refresh()
		return m, waitForUIEvent(m.events)
	case StatusMsg:
		m.connected = ev.Connected
		return m, waitForUIEvent(m.events)
	case ToastMsg:
		t := notify.Toast(ev)
		m.toast = &t
		return m, waitForUIEvent(m.events)
	case errMsg:
		return m, nil
	case bspinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(ev)
		return m, cmd
	case tea.KeyMsg:
		switch ev.String() {
		case "ctrl+c", "esc":
			return m, tea.Quit
		case "enter":
			text := m.input.Value()
			m.input.Reset()
			return m, m.send(text)
		case "f1", "f2", "f3":
			replies := m.bot.QuickReplies()
			i := int(ev.String()[1] - '1')
			if i < len(replies) {
				return m, m.send(replies[i])
			}
			return m, nil
		}
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(ev)
		return m, cmd
	}
	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m *BotModel) refresh() {
	if m.snap.Welcome != "" && len(m.snap.Transcript) == 0 {
		m.viewport.SetContent(render.BotText(m.snap.Welcome, m.width))
		return
	}
	parts := make([]string, 0, len(m.snap.Transcript))
	for _, msg := range m.snap.Transcript {
		parts = append(parts, render.BotLine(msg, m.width))
	}
	m.viewport.SetContent(strings.Join(parts, "\n"))
	m.viewport.GotoBottom()
}

func (m BotModel) View() string {
	status := m.loc.T(i18n.ChatbotOnline)
	if !m.connected {
		status = m.loc.T(i18n.ChatbotOffline)
	}
	header := render.HeaderStyle.Render("chatbot") + " " + render.SubtleStyle.Render(status+" · "+m.snap.SessionID)
	var b strings.Builder
	b.WriteString(header + "\n" + m.viewport.View() + "\n")
	if m.snap.Typing {
		b.WriteString(m.spinner.View() + " " + render.SubtleStyle.Render(m.loc.T(i18n.ChatbotTyping)) + "\n")
	}
	var quick []string
	for i, q := range m.bot.QuickReplies() {
		quick = append(quick, fmt.Sprintf("F%d %s", i+1, q))
	}
	b.WriteString(render.SubtleStyle.Render(strings.Join(quick, "  ")) + "\n")
	b.WriteString(m.input.View())
	if m.toast != nil {
		b.WriteString("\n" + render.Toast(*m.toast))
	}
	return b.String()
}
