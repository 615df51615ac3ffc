// Package messenger is the primary chat module: the conversation list, the
// open conversation's transcript, sending with attachments, and recall and
// delete. Inbound events arrive through Handle, one at a time.
package messenger

import (
	"context"
	stderrors "errors"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/go-go-golems/chatline/pkg/api"
	"github.com/go-go-golems/chatline/pkg/events"
	"github.com/go-go-golems/chatline/pkg/i18n"
	"github.com/go-go-golems/chatline/pkg/mirror"
	"github.com/go-go-golems/chatline/pkg/model"
	"github.com/go-go-golems/chatline/pkg/notify"
	"github.com/go-go-golems/chatline/pkg/realtime"
)

const (
	QueueDestination = "/user/queue/messages"
	SendDestination  = "/app/chat.send"
)

var (
	ErrNoRecipient  = stderrors.New("no conversation is open")
	ErrEmptyMessage = stderrors.New("message has no text and no attachments")
)

// API is the HTTP surface the module needs; *api.Client implements it.
type API interface {
	ConversationSummaries(ctx context.Context) ([]model.ConversationSummary, error)
	Conversation(ctx context.Context, partner string, page, size int) ([]model.ChatMessage, error)
	MarkRead(ctx context.Context, partner string) error
	UploadAttachments(ctx context.Context, files []api.File) ([]string, error)
	Recall(ctx context.Context, id model.MessageID) error
	Delete(ctx context.Context, id model.MessageID) error
}

// Publisher sends over the real-time channel; *realtime.Session implements it.
type Publisher interface {
	Send(ctx context.Context, destination string, payload any) (realtime.Delivery, error)
}

// View receives immutable snapshots after every change. Calls happen outside
// the module lock and must not block.
type View interface {
	ConversationsChanged(items []model.ConversationSummary)
	TranscriptChanged(partner string, messages []model.ChatMessage)
}

// SendPayload is the body published to SendDestination.
type SendPayload struct {
	RecipientUsername   string   `json:"recipientUsername"`
	Content             string   `json:"content"`
	AttachmentFilenames []string `json:"attachmentFilenames"`
}

type pending struct {
	id      model.MessageID
	partner string
	content string
}

type Messenger struct {
	viewer  string
	api     API
	pub     Publisher
	toaster notify.Toaster
	loc     *i18n.Localizer
	mirror  *mirror.Store
	view    View
	now     func() time.Time
	baseCtx context.Context

	mu         sync.Mutex
	open       string
	transcript []model.ChatMessage
	pending    []pending

	bg sync.WaitGroup
}

type Option func(*Messenger)

func WithView(v View) Option { return func(m *Messenger) { m.view = v } }

func WithToaster(t notify.Toaster) Option { return func(m *Messenger) { m.toaster = t } }

func WithLocalizer(l *i18n.Localizer) Option { return func(m *Messenger) { m.loc = l } }

func WithMirror(s *mirror.Store) Option { return func(m *Messenger) { m.mirror = s } }

func WithClock(now func() time.Time) Option { return func(m *Messenger) { m.now = now } }

// WithBaseContext sets the context of fire-and-forget requests.
func WithBaseContext(ctx context.Context) Option { return func(m *Messenger) { m.baseCtx = ctx } }

func New(viewer string, a API, pub Publisher, opts ...Option) *Messenger {
	m := &Messenger{
		viewer:  viewer,
		api:     a,
		pub:     pub,
		toaster: notify.LogToaster{},
		mirror:  mirror.NewStore(),
		now:     time.Now,
		baseCtx: context.Background(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Messenger) Viewer() string { return m.viewer }

func (m *Messenger) OpenPartner() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open
}

// Transcript returns a copy of the open conversation's messages.
func (m *Messenger) Transcript() []model.ChatMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.ChatMessage(nil), m.transcript...)
}

// Conversations returns the sorted list, filtered by query.
func (m *Messenger) Conversations(query string) []model.ConversationSummary {
	return mirror.Filter(m.mirror.Sorted(), query)
}

func (m *Messenger) Summary(partner string) (model.ConversationSummary, bool) {
	return m.mirror.Get(partner)
}

// CanRecall reports whether the viewer may recall msg.
func (m *Messenger) CanRecall(msg model.ChatMessage) bool {
	return msg.SenderUsername == m.viewer && !msg.Recalled
}

// Wait blocks until background requests such as mark-read finished.
func (m *Messenger) Wait() { m.bg.Wait() }

// LoadConversations fetches the summary list into the mirror.
func (m *Messenger) LoadConversations(ctx context.Context) error {
	items, err := m.api.ConversationSummaries(ctx)
	if err != nil {
		log.Warn().Err(err).Str("component", "messenger").Msg("load conversations failed")
		notify.Show(m.toaster, notify.LevelDanger, m.loc.T(i18n.ToastLoadFailed))
		return errors.Wrap(err, "load conversations")
	}
	m.mirror.Load(items)
	m.publishConversations()
	return nil
}

// Select makes partner the send target without loading its history.
func (m *Messenger) Select(partner string) error {
	partner = strings.TrimSpace(partner)
	if partner == "" {
		return ErrNoRecipient
	}
	m.mirror.Touch(partner, "", "")
	m.mu.Lock()
	m.open = partner
	m.transcript = nil
	m.pending = nil
	m.mu.Unlock()
	return nil
}

// Open makes partner the open conversation: unread is cleared, a read
// receipt is sent in the background and the history is loaded.
func (m *Messenger) Open(ctx context.Context, partner, displayName, avatarURL string) error {
	partner = strings.TrimSpace(partner)
	if partner == "" {
		return ErrNoRecipient
	}
	m.mirror.Touch(partner, displayName, avatarURL)
	m.mirror.ClearUnread(partner)

	m.mu.Lock()
	m.open = partner
	m.transcript = nil
	m.pending = nil
	m.mu.Unlock()

	m.markRead(partner)
	m.publishConversations()
	m.publishTranscript()

	msgs, err := m.api.Conversation(ctx, partner, 0, api.HistoryPageSize)
	if err != nil {
		log.Warn().Err(err).Str("component", "messenger").Str("partner", partner).Msg("load conversation failed")
		notify.Show(m.toaster, notify.LevelDanger, m.loc.T(i18n.ToastLoadFailed))
		return errors.Wrapf(err, "load conversation with %s", partner)
	}
	m.mu.Lock()
	if m.open != partner {
		m.mu.Unlock()
		return nil
	}
	m.transcript = append([]model.ChatMessage(nil), msgs...)
	m.mu.Unlock()
	m.publishTranscript()
	return nil
}

// CloseConversation leaves the open conversation.
func (m *Messenger) CloseConversation() {
	m.mu.Lock()
	m.open = ""
	m.transcript = nil
	m.pending = nil
	m.mu.Unlock()
	m.publishTranscript()
}

// SendMessage uploads files, publishes the message and appends an
// optimistic bubble. Any failure aborts the whole send.
func (m *Messenger) SendMessage(ctx context.Context, text string, files []api.File) error {
	partner := m.OpenPartner()
	if partner == "" {
		notify.Show(m.toaster, notify.LevelWarning, m.loc.T(i18n.ToastNoRecipient))
		return ErrNoRecipient
	}
	text = strings.TrimSpace(text)
	if text == "" && len(files) == 0 {
		return ErrEmptyMessage
	}

	filenames := []string{}
	if len(files) > 0 {
		notify.Show(m.toaster, notify.LevelInfo, m.loc.T(i18n.ToastUploading))
		names, err := m.api.UploadAttachments(ctx, files)
		if err != nil {
			return m.sendFailed(err, "upload attachments")
		}
		filenames = append(filenames, names...)
	}

	now := m.now()
	msg := model.ChatMessage{
		ID:                model.MessageIDFromInt(now.UnixMilli()),
		Content:           text,
		SenderUsername:    m.viewer,
		RecipientUsername: partner,
		CreatedAt:         model.NewTimestamp(now),
		Attachments:       lo.Map(filenames, func(fn string, _ int) model.Attachment { return model.StoredAttachment(fn) }),
	}
	// The bubble goes in before the publish so an early echo finds it.
	m.mu.Lock()
	appended := m.open == partner
	if appended {
		m.transcript = append(m.transcript, msg)
		m.pending = append(m.pending, pending{id: msg.ID, partner: partner, content: text})
	}
	m.mu.Unlock()

	payload := SendPayload{RecipientUsername: partner, Content: text, AttachmentFilenames: filenames}
	if _, err := m.pub.Send(ctx, SendDestination, payload); err != nil {
		if appended {
			m.dropOptimistic(msg.ID)
		}
		return m.sendFailed(err, "publish message")
	}
	if appended {
		m.publishTranscript()
	}
	return nil
}

func (m *Messenger) dropOptimistic(id model.MessageID) {
	m.mu.Lock()
	m.pending = lo.Reject(m.pending, func(p pending, _ int) bool { return p.id == id })
	m.mu.Unlock()
	m.removeMessage(id)
}

func (m *Messenger) sendFailed(err error, what string) error {
	log.Warn().Err(err).Str("component", "messenger").Msg(what + " failed")
	notify.Show(m.toaster, notify.LevelDanger, m.loc.T(i18n.ToastSendFailed))
	return errors.Wrap(err, what)
}

// Recall asks the server to recall id. The transcript changes when the
// RECALL event comes back.
func (m *Messenger) Recall(ctx context.Context, id model.MessageID) error {
	if err := m.api.Recall(ctx, id); err != nil {
		log.Warn().Err(err).Str("component", "messenger").Str("id", id.String()).Msg("recall failed")
		notify.Show(m.toaster, notify.LevelDanger, m.loc.T(i18n.ToastRecallFailed))
		return errors.Wrapf(err, "recall %s", id)
	}
	notify.Show(m.toaster, notify.LevelSuccess, m.loc.T(i18n.ToastRecallSuccess))
	return nil
}

// Delete removes id on the server and locally.
func (m *Messenger) Delete(ctx context.Context, id model.MessageID) error {
	if err := m.api.Delete(ctx, id); err != nil {
		log.Warn().Err(err).Str("component", "messenger").Str("id", id.String()).Msg("delete failed")
		notify.Show(m.toaster, notify.LevelDanger, m.loc.T(i18n.ToastDeleteFailed))
		return errors.Wrapf(err, "delete %s", id)
	}
	if m.removeMessage(id) {
		m.publishTranscript()
	}
	notify.Show(m.toaster, notify.LevelSuccess, m.loc.T(i18n.ToastDeleteSuccess))
	return nil
}

// Handle applies one event from the chat queue.
func (m *Messenger) Handle(ev events.Event) {
	switch e := ev.(type) {
	case events.Chat:
		m.handleChat(e)
	case events.Recall:
		if m.recallMessage(e.MessageID) {
			m.publishTranscript()
		}
		notify.Show(m.toaster, notify.LevelInfo, m.loc.T(i18n.ToastRecalledRemote))
	case events.Delete:
		if m.removeMessage(e.MessageID) {
			m.publishTranscript()
		}
		notify.Show(m.toaster, notify.LevelInfo, m.loc.T(i18n.ToastDeletedRemote))
	case events.ConversationUpdate:
		m.mirror.ApplyUpdate(e)
		m.publishConversations()
	default:
		log.Debug().Str("component", "messenger").Str("kind", string(ev.Kind())).Msg("ignoring event")
	}
}

func (m *Messenger) handleChat(e events.Chat) {
	m.mu.Lock()
	open := m.open
	m.mirror.ApplyChat(m.viewer, open, e)

	inOpen := open != "" && (open == e.SenderUsername || open == e.RecipientUsername)
	receipt := false
	if inOpen {
		if e.SenderUsername == m.viewer && m.adoptEchoLocked(e) {
			log.Debug().Str("component", "messenger").Str("id", e.ID.String()).Msg("server echo matched optimistic message")
		} else {
			m.transcript = append(m.transcript, e.Message())
		}
		receipt = e.RecipientUsername == m.viewer && e.SenderUsername == open
	}
	m.mu.Unlock()

	if receipt {
		m.markRead(open)
	}
	m.publishConversations()
	if inOpen {
		m.publishTranscript()
	}
}

// adoptEchoLocked gives the oldest pending optimistic message with the same
// partner and content the server's id. It reports whether one matched.
func (m *Messenger) adoptEchoLocked(e events.Chat) bool {
	for i, p := range m.pending {
		if p.partner != e.RecipientUsername || p.content != e.Content {
			continue
		}
		m.pending = append(m.pending[:i], m.pending[i+1:]...)
		for j := range m.transcript {
			if m.transcript[j].ID != p.id {
				continue
			}
			msg := e.Message()
			if len(msg.Attachments) == 0 {
				msg.Attachments = m.transcript[j].Attachments
			}
			if msg.CreatedAt.IsZero() {
				msg.CreatedAt = m.transcript[j].CreatedAt
			}
			m.transcript[j] = msg
			return true
		}
		return false
	}
	return false
}

func (m *Messenger) recallMessage(id model.MessageID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.transcript {
		if m.transcript[i].ID == id {
			m.transcript[i].Content = m.loc.T(i18n.MessageRecalled)
			m.transcript[i].Recalled = true
			return true
		}
	}
	return false
}

func (m *Messenger) removeMessage(id model.MessageID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.transcript {
		if m.transcript[i].ID == id {
			m.transcript = append(m.transcript[:i], m.transcript[i+1:]...)
			return true
		}
	}
	return false
}

func (m *Messenger) markRead(partner string) {
	m.bg.Add(1)
	go func() {
		defer m.bg.Done()
		if err := m.api.MarkRead(m.baseCtx, partner); err != nil {
			log.Debug().Err(err).Str("component", "messenger").Str("partner", partner).Msg("mark-read failed")
		}
	}()
}

func (m *Messenger) publishConversations() {
	if m.view != nil {
		m.view.ConversationsChanged(m.mirror.Sorted())
	}
}

func (m *Messenger) publishTranscript() {
	if m.view == nil {
		return
	}
	m.mu.Lock()
	partner := m.open
	msgs := append([]model.ChatMessage(nil), m.transcript...)
	m.mu.Unlock()
	m.view.TranscriptChanged(partner, msgs)
}
