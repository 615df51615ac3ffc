package chatbot

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatline/pkg/events"
	"github.com/go-go-golems/chatline/pkg/i18n"
	"github.com/go-go-golems/chatline/pkg/kvstore"
	"github.com/go-go-golems/chatline/pkg/model"
	"github.com/go-go-golems/chatline/pkg/realtime"
	"github.com/go-go-golems/chatline/pkg/stompws"
	"github.com/go-go-golems/chatline/pkg/stompws/stomptest"
)

type fakeAPI struct {
	history map[string][]model.BotMessage
	ended   []string
	nextID  string
}

func (f *fakeAPI) ChatbotHistory(_ context.Context, sid string) ([]model.BotMessage, error) {
	return f.history[sid], nil
}

func (f *fakeAPI) NewChatbotSession(context.Context) (string, error) {
	if f.nextID == "" {
		return "", errors.New("unavailable")
	}
	return f.nextID, nil
}

func (f *fakeAPI) EndChatbotSession(_ context.Context, sid string) error {
	f.ended = append(f.ended, sid)
	return nil
}

type fakeChannel struct {
	mu       sync.Mutex
	delivery realtime.Delivery
	subs     map[string]stompws.Handler
	sent     []string
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{subs: map[string]stompws.Handler{}}
}

func (c *fakeChannel) Send(_ context.Context, destination string, payload any) (realtime.Delivery, error) {
	b, _ := json.Marshal(payload)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, destination+" "+string(b))
	return c.delivery, nil
}

func (c *fakeChannel) Subscribe(destination string, h stompws.Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[destination] = h
	return nil
}

func (c *fakeChannel) Unsubscribe(destination string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, destination)
	return nil
}

var clock = func() time.Time { return time.Date(2024, 5, 1, 14, 5, 0, 0, time.UTC) }

func newWidget(t *testing.T, store kvstore.Store, a API, ch Channel) *Widget {
	t.Helper()
	w, err := New(context.Background(), store, a, ch, WithLocalizer(i18n.NewLocalizer("vi")), WithClock(clock))
	require.NoError(t, err)
	return w
}

func TestNewSessionID_Format(t *testing.T) {
	id := NewSessionID(time.UnixMilli(1714572300000))
	require.Regexp(t, regexp.MustCompile(`^session_1714572300000_[0-9a-z]{9}$`), id)
	require.NotEqual(t, id, NewSessionID(time.UnixMilli(1714572300000)))
}

func TestNew_PersistsSessionID(t *testing.T) {
	store := kvstore.NewMemoryStore()
	ch := newFakeChannel()
	w := newWidget(t, store, &fakeAPI{}, ch)
	sid := w.SessionID()
	require.True(t, strings.HasPrefix(sid, "session_"))
	require.Contains(t, ch.subs, "/topic/chatbot/"+sid)

	again := newWidget(t, store, &fakeAPI{}, newFakeChannel())
	require.Equal(t, sid, again.SessionID())
}

func TestSend_ConnectedShowsTyping(t *testing.T) {
	store := kvstore.NewMemoryStore()
	require.NoError(t, store.Set(context.Background(), SessionKey, "session_1_abcdefghi"))
	ch := newFakeChannel()
	var snaps []Snapshot
	w, err := New(context.Background(), store, &fakeAPI{}, ch,
		WithLocalizer(i18n.NewLocalizer("vi")), WithClock(clock),
		WithOnChange(func(s Snapshot) { snaps = append(snaps, s) }))
	require.NoError(t, err)
	require.NotEmpty(t, w.Snapshot().Welcome)

	require.NoError(t, w.Send(context.Background(), "   "))
	require.Empty(t, ch.sent)

	require.NoError(t, w.Send(context.Background(), " Cách đặt câu hỏi? "))
	require.Equal(t, []string{`/app/chatbot/send {"sessionId":"session_1_abcdefghi","message":"Cách đặt câu hỏi?"}`}, ch.sent)
	s := w.Snapshot()
	require.True(t, s.Typing)
	require.Empty(t, s.Welcome)
	require.Equal(t, []model.BotMessage{{FromUser: true, Content: "Cách đặt câu hỏi?", Timestamp: "14:05"}}, s.Transcript)

	ch.subs["/topic/chatbot/session_1_abcdefghi"](stompws.Message{Body: []byte(`{"fromUser":false,"content":"Bạn bấm nút Đặt câu hỏi.","timestamp":"14:06"}`)})
	s = w.Snapshot()
	require.False(t, s.Typing)
	require.Len(t, s.Transcript, 2)
	require.Equal(t, "14:06", s.Transcript[1].Timestamp)
	require.Len(t, snaps, 2)
}

func TestSend_QueuedShowsConnectingNotice(t *testing.T) {
	ch := newFakeChannel()
	ch.delivery = realtime.Queued
	w := newWidget(t, kvstore.NewMemoryStore(), &fakeAPI{}, ch)

	require.NoError(t, w.Send(context.Background(), "xin chào"))
	s := w.Snapshot()
	require.False(t, s.Typing)
	require.Len(t, s.Transcript, 2)
	require.True(t, s.Transcript[0].FromUser)
	require.Equal(t, "Đang kết nối... Vui lòng đợi giây lát.", s.Transcript[1].Content)
	require.True(t, s.Transcript[1].Notice)
}

func TestHistoryAndSessions(t *testing.T) {
	store := kvstore.NewMemoryStore()
	require.NoError(t, store.Set(context.Background(), SessionKey, "session_1_aaaaaaaaa"))
	a := &fakeAPI{history: map[string][]model.BotMessage{
		"session_1_aaaaaaaaa": {{FromUser: true, Content: "hi"}, {Content: "Xin chào", Timestamp: "10:00"}},
	}}
	ch := newFakeChannel()
	w := newWidget(t, store, a, ch)

	require.NoError(t, w.LoadHistory(context.Background()))
	require.Len(t, w.Snapshot().Transcript, 2)

	_, err := w.NewSession(context.Background())
	require.Error(t, err)
	require.Equal(t, "session_1_aaaaaaaaa", w.SessionID())

	a.nextID = "6f1c"
	sid, err := w.NewSession(context.Background())
	require.NoError(t, err)
	require.Equal(t, "6f1c", sid)
	require.Empty(t, w.Snapshot().Transcript)
	require.Contains(t, ch.subs, "/topic/chatbot/6f1c")
	require.NotContains(t, ch.subs, "/topic/chatbot/session_1_aaaaaaaaa")
	stored, _, _ := store.Get(context.Background(), SessionKey)
	require.Equal(t, "6f1c", stored)

	require.NoError(t, w.EndSession(context.Background()))
	require.Equal(t, []string{"6f1c"}, a.ended)
	require.True(t, strings.HasPrefix(w.SessionID(), "session_"))
	require.Len(t, ch.subs, 1)
}

func TestHandle_IgnoresOtherEvents(t *testing.T) {
	w := newWidget(t, kvstore.NewMemoryStore(), &fakeAPI{}, newFakeChannel())
	w.Handle(events.Recall{MessageID: "1"})
	require.Empty(t, w.Snapshot().Transcript)
}

func TestWidget_DropDuringSendIsSentOnce(t *testing.T) {
	b := stomptest.NewBroker()
	defer b.Close()

	sess, err := realtime.NewSession(realtime.STOMPDialer{URL: b.URL()},
		realtime.WithName("chatbot"),
		realtime.WithPolicy(realtime.Fixed(30*time.Millisecond)),
		realtime.WithOutbox(realtime.OutboxUnbounded),
	)
	require.NoError(t, err)
	w := newWidget(t, kvstore.NewMemoryStore(), &fakeAPI{}, sess)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = sess.Run(ctx) }()
	require.Eventually(t, sess.Connected, 2*time.Second, 10*time.Millisecond)

	b.Reject(2)
	b.DropAll()
	require.Eventually(t, func() bool { return !sess.Connected() }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, w.Send(ctx, "are you there?"))
	require.Equal(t, 1, sess.Pending())

	require.Eventually(t, func() bool { return len(b.Sent()) == 1 }, 3*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	sent := b.Sent()
	require.Len(t, sent, 1)
	require.JSONEq(t, `{"sessionId":"`+w.SessionID()+`","message":"are you there?"}`, string(sent[0].Body))
	require.Equal(t, 0, sess.Pending())

	users := 0
	for _, m := range w.Snapshot().Transcript {
		if m.FromUser {
			users++
		}
	}
	require.Equal(t, 1, users)

	require.Eventually(t, func() bool { return b.Subscribed(Destination(w.SessionID())) }, 2*time.Second, 10*time.Millisecond)
	b.Publish(Destination(w.SessionID()), []byte(`{"content":"Yes!"}`))
	require.Eventually(t, func() bool {
		tr := w.Snapshot().Transcript
		return tr[len(tr)-1].Content == "Yes!"
	}, 2*time.Second, 10*time.Millisecond)
}
