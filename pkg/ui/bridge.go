// Package ui holds the bubbletea programs for the inbox and the chatbot.
package ui

import (
	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatline/pkg/chatbot"
	"github.com/go-go-golems/chatline/pkg/model"
	"github.com/go-go-golems/chatline/pkg/notify"
)

type ConversationsMsg struct {
	Items []model.ConversationSummary
}

type TranscriptMsg struct {
	Partner  string
	Messages []model.ChatMessage
}

type ToastMsg notify.Toast

type BotMsg chatbot.Snapshot

// StatusMsg reports whether the real-time channel is up.
type StatusMsg struct {
	Connected bool
}

type errMsg struct{ err error }

// Bridge turns module callbacks into tea messages. It implements
// messenger.View and notify.Toaster; Bot can be passed to chatbot.WithOnChange.
// Sends never block: when the program falls behind, updates are dropped.
type Bridge struct {
	ch chan tea.Msg
}

func NewBridge(buffer int) *Bridge {
	if buffer <= 0 {
		buffer = 256
	}
	return &Bridge{ch: make(chan tea.Msg, buffer)}
}

func (b *Bridge) Events() <-chan tea.Msg { return b.ch }

func (b *Bridge) send(msg tea.Msg) {
	select {
	case b.ch <- msg:
	default:
		log.Debug().Str("component", "ui").Msgf("dropping %T, program is behind", msg)
	}
}

func (b *Bridge) ConversationsChanged(items []model.ConversationSummary) {
	b.send(ConversationsMsg{Items: items})
}

func (b *Bridge) TranscriptChanged(partner string, messages []model.ChatMessage) {
	b.send(TranscriptMsg{Partner: partner, Messages: messages})
}

func (b *Bridge) Toast(t notify.Toast) { b.send(ToastMsg(t)) }

func (b *Bridge) Bot(s chatbot.Snapshot) { b.send(BotMsg(s)) }

func (b *Bridge) Status(connected bool) { b.send(StatusMsg{Connected: connected}) }

func waitForUIEvent(ch <-chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		e, ok := <-ch
		if !ok {
			return nil
		}
		return e
	}
}
