// Package chatbot is the support chatbot: a per-browser session id, its own
// real-time session with unbounded retry, and a transcript of user and bot
// messages.
package chatbot

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/go-go-golems/chatline/pkg/events"
	"github.com/go-go-golems/chatline/pkg/i18n"
	"github.com/go-go-golems/chatline/pkg/kvstore"
	"github.com/go-go-golems/chatline/pkg/model"
	"github.com/go-go-golems/chatline/pkg/realtime"
	"github.com/go-go-golems/chatline/pkg/stompws"
)

const (
	SessionKey      = "chatbot_session_id"
	TopicPrefix     = "/topic/chatbot/"
	SendDestination = "/app/chatbot/send"
)

var idCharset = append(append([]rune{}, lo.LowerCaseLettersCharset...), lo.NumbersCharset...)

// Destination is the topic bot replies for sessionID arrive on.
func Destination(sessionID string) string {
	return TopicPrefix + sessionID
}

// NewSessionID returns session_<unix-ms>_<9 base36 chars>.
func NewSessionID(now time.Time) string {
	return model.ChatbotSessionPrefix + strconv.FormatInt(now.UnixMilli(), 10) + "_" + lo.RandomString(9, idCharset)
}

type API interface {
	ChatbotHistory(ctx context.Context, sessionID string) ([]model.BotMessage, error)
	NewChatbotSession(ctx context.Context) (string, error)
	EndChatbotSession(ctx context.Context, sessionID string) error
}

// Channel is the real-time session the widget talks over; *realtime.Session
// implements it.
type Channel interface {
	Send(ctx context.Context, destination string, payload any) (realtime.Delivery, error)
	Subscribe(destination string, h stompws.Handler) error
	Unsubscribe(destination string) error
}

type SendPayload struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
}

// Snapshot is what a view renders.
type Snapshot struct {
	SessionID  string
	Transcript []model.BotMessage
	Typing     bool
	Welcome    string
}

type Widget struct {
	api     API
	ch      Channel
	store   kvstore.Store
	loc     *i18n.Localizer
	now     func() time.Time
	forward stompws.Handler
	onView  func(Snapshot)

	mu         sync.Mutex
	sessionID  string
	transcript []model.BotMessage
	typing     bool
}

type Option func(*Widget)

func WithLocalizer(l *i18n.Localizer) Option { return func(w *Widget) { w.loc = l } }

func WithClock(now func() time.Time) Option { return func(w *Widget) { w.now = now } }

// WithForward routes bot frames through h, typically an event bus, instead of
// decoding them in place. The bus consumer must call Handle.
func WithForward(h stompws.Handler) Option { return func(w *Widget) { w.forward = h } }

func WithOnChange(fn func(Snapshot)) Option { return func(w *Widget) { w.onView = fn } }

// New restores or creates the session id and subscribes to its reply topic.
func New(ctx context.Context, store kvstore.Store, a API, ch Channel, opts ...Option) (*Widget, error) {
	w := &Widget{api: a, ch: ch, store: store, now: time.Now}
	for _, o := range opts {
		o(w)
	}
	if w.forward == nil {
		w.forward = w.decodeInPlace
	}

	sid, ok, err := store.Get(ctx, SessionKey)
	if err != nil {
		return nil, errors.Wrap(err, "read chatbot session id")
	}
	if !ok || sid == "" {
		sid = NewSessionID(w.now())
		if err := store.Set(ctx, SessionKey, sid); err != nil {
			return nil, errors.Wrap(err, "store chatbot session id")
		}
		log.Debug().Str("component", "chatbot").Str("session", sid).Msg("created session id")
	}
	w.sessionID = sid
	if err := ch.Subscribe(Destination(sid), w.forward); err != nil {
		return nil, errors.Wrap(err, "subscribe chatbot topic")
	}
	return w, nil
}

func (w *Widget) decodeInPlace(m stompws.Message) {
	ev, err := events.DecodeBot(m.Body)
	if err != nil {
		log.Debug().Err(err).Str("component", "chatbot").Msg("skipping bot frame")
		return
	}
	w.Handle(ev)
}

func (w *Widget) SessionID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sessionID
}

func (w *Widget) QuickReplies() []string { return w.loc.QuickReplies() }

func (w *Widget) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snapshotLocked()
}

func (w *Widget) snapshotLocked() Snapshot {
	s := Snapshot{
		SessionID:  w.sessionID,
		Transcript: append([]model.BotMessage(nil), w.transcript...),
		Typing:     w.typing,
	}
	if len(w.transcript) == 0 {
		s.Welcome = w.loc.T(i18n.ChatbotWelcome)
	}
	return s
}

func (w *Widget) clock() string {
	return w.now().Format("15:04")
}

// Send shows text as a user message and publishes it. While the channel is
// down the message is queued by the session and a connecting notice is
// shown; the flush on reconnect does not display it again.
func (w *Widget) Send(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	w.mu.Lock()
	sid := w.sessionID
	w.transcript = append(w.transcript, model.BotMessage{FromUser: true, Content: text, Timestamp: w.clock()})
	w.mu.Unlock()

	delivery, err := w.ch.Send(ctx, SendDestination, SendPayload{SessionID: sid, Message: text})
	w.mu.Lock()
	switch {
	case err != nil:
		log.Warn().Err(err).Str("component", "chatbot").Msg("send failed")
	case delivery == realtime.Queued:
		w.typing = false
		w.transcript = append(w.transcript, model.BotMessage{Content: w.loc.T(i18n.ChatbotConnecting), Timestamp: w.clock(), Notice: true})
	default:
		w.typing = true
	}
	snap := w.snapshotLocked()
	w.mu.Unlock()
	w.changed(snap)
	return errors.Wrap(err, "send chatbot message")
}

// Handle applies a bot reply.
func (w *Widget) Handle(ev events.Event) {
	resp, ok := ev.(events.BotResponse)
	if !ok {
		return
	}
	msg := resp.Message
	msg.FromUser = false
	w.mu.Lock()
	if msg.Timestamp == "" {
		msg.Timestamp = w.clock()
	}
	w.typing = false
	w.transcript = append(w.transcript, msg)
	snap := w.snapshotLocked()
	w.mu.Unlock()
	w.changed(snap)
}

// LoadHistory replaces the transcript with the server's history.
func (w *Widget) LoadHistory(ctx context.Context) error {
	sid := w.SessionID()
	msgs, err := w.api.ChatbotHistory(ctx, sid)
	if err != nil {
		log.Warn().Err(err).Str("component", "chatbot").Str("session", sid).Msg("load history failed")
		return errors.Wrap(err, "load chatbot history")
	}
	w.mu.Lock()
	if w.sessionID != sid {
		w.mu.Unlock()
		return nil
	}
	w.transcript = append([]model.BotMessage(nil), msgs...)
	snap := w.snapshotLocked()
	w.mu.Unlock()
	w.changed(snap)
	return nil
}

// NewSession asks the server for a new conversation and switches to it.
func (w *Widget) NewSession(ctx context.Context) (string, error) {
	sid, err := w.api.NewChatbotSession(ctx)
	if err != nil {
		return "", errors.Wrap(err, "new chatbot session")
	}
	if err := w.switchTo(ctx, sid); err != nil {
		return "", err
	}
	return sid, nil
}

// EndSession closes the conversation on the server and starts over with a
// fresh local id.
func (w *Widget) EndSession(ctx context.Context) error {
	old := w.SessionID()
	if err := w.api.EndChatbotSession(ctx, old); err != nil {
		return errors.Wrap(err, "end chatbot session")
	}
	return w.switchTo(ctx, NewSessionID(w.now()))
}

func (w *Widget) switchTo(ctx context.Context, sid string) error {
	if err := w.store.Set(ctx, SessionKey, sid); err != nil {
		return errors.Wrap(err, "store chatbot session id")
	}
	w.mu.Lock()
	old := w.sessionID
	w.sessionID = sid
	w.transcript = nil
	w.typing = false
	snap := w.snapshotLocked()
	w.mu.Unlock()

	if err := w.ch.Unsubscribe(Destination(old)); err != nil {
		log.Debug().Err(err).Str("component", "chatbot").Str("session", old).Msg("unsubscribe failed")
	}
	if err := w.ch.Subscribe(Destination(sid), w.forward); err != nil {
		return errors.Wrap(err, "subscribe chatbot topic")
	}
	log.Info().Str("component", "chatbot").Str("session", sid).Msg("switched chatbot session")
	w.changed(snap)
	return nil
}

func (w *Widget) changed(s Snapshot) {
	if w.onView != nil {
		w.onView(s)
	}
}
