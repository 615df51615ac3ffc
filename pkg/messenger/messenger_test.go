package messenger

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatline/pkg/api"
	"github.com/go-go-golems/chatline/pkg/events"
	"github.com/go-go-golems/chatline/pkg/i18n"
	"github.com/go-go-golems/chatline/pkg/model"
	"github.com/go-go-golems/chatline/pkg/notify"
	"github.com/go-go-golems/chatline/pkg/realtime"
)

type fakeAPI struct {
	mu         sync.Mutex
	summaries  []model.ConversationSummary
	history    map[string][]model.ChatMessage
	marks      []string
	uploads    int
	uploadErr  error
	recallErr  error
	historyErr error
	deleted    []model.MessageID
}

func (f *fakeAPI) ConversationSummaries(context.Context) ([]model.ConversationSummary, error) {
	return f.summaries, nil
}

func (f *fakeAPI) Conversation(_ context.Context, partner string, page, size int) ([]model.ChatMessage, error) {
	if page != 0 || size != api.HistoryPageSize {
		return nil, errors.New("unexpected page")
	}
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	return f.history[partner], nil
}

func (f *fakeAPI) MarkRead(_ context.Context, partner string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marks = append(f.marks, partner)
	return nil
}

func (f *fakeAPI) Marks() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.marks...)
}

func (f *fakeAPI) UploadAttachments(_ context.Context, files []api.File) ([]string, error) {
	f.uploads++
	if f.uploadErr != nil {
		return nil, f.uploadErr
	}
	out := []string{}
	for _, file := range files {
		out = append(out, "99_"+file.Name)
	}
	return out, nil
}

func (f *fakeAPI) Recall(context.Context, model.MessageID) error { return f.recallErr }

func (f *fakeAPI) Delete(_ context.Context, id model.MessageID) error {
	f.deleted = append(f.deleted, id)
	return nil
}

type published struct {
	destination string
	body        string
}

type fakePublisher struct {
	err  error
	sent []published
}

func (p *fakePublisher) Send(_ context.Context, destination string, payload any) (realtime.Delivery, error) {
	if p.err != nil {
		return 0, p.err
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}
	p.sent = append(p.sent, published{destination: destination, body: string(b)})
	return realtime.Sent, nil
}

type recordingView struct {
	mu            sync.Mutex
	conversations [][]model.ConversationSummary
	transcripts   int
}

func (v *recordingView) ConversationsChanged(items []model.ConversationSummary) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.conversations = append(v.conversations, items)
}

func (v *recordingView) TranscriptChanged(string, []model.ChatMessage) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.transcripts++
}

func (v *recordingView) last() []model.ConversationSummary {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.conversations[len(v.conversations)-1]
}

type fixture struct {
	m      *Messenger
	api    *fakeAPI
	pub    *fakePublisher
	toasts *notify.Recorder
	view   *recordingView
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		api:    &fakeAPI{history: map[string][]model.ChatMessage{}},
		pub:    &fakePublisher{},
		toasts: &notify.Recorder{},
		view:   &recordingView{},
	}
	now := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)
	f.m = New("alice", f.api, f.pub,
		WithToaster(f.toasts),
		WithView(f.view),
		WithLocalizer(i18n.NewLocalizer("en")),
		WithClock(func() time.Time { return now }),
	)
	return f
}

func chatEvent(id, from, to, content string, at time.Time) events.Chat {
	return events.Chat{
		ID:                model.MessageID(id),
		SenderUsername:    from,
		RecipientUsername: to,
		Content:           content,
		Timestamp:         model.NewTimestamp(at),
	}
}

func TestOpen_ClearsUnreadMarksReadLoadsHistory(t *testing.T) {
	f := newFixture(t)
	f.api.summaries = []model.ConversationSummary{{Username: "bob", Unread: 3}}
	f.api.history["bob"] = []model.ChatMessage{{ID: "1", Content: "hi", SenderUsername: "bob"}}
	require.NoError(t, f.m.LoadConversations(context.Background()))

	require.NoError(t, f.m.Open(context.Background(), "bob", "Bob", ""))
	f.m.Wait()

	s, ok := f.m.Summary("bob")
	require.True(t, ok)
	require.Equal(t, 0, s.Unread)
	require.Equal(t, "Bob", s.DisplayName)
	require.Equal(t, []string{"bob"}, f.api.Marks())
	require.Len(t, f.m.Transcript(), 1)
}

func TestHandleChat_FromOpenPartnerMarksReadOnce(t *testing.T) {
	f := newFixture(t)
	f.api.summaries = []model.ConversationSummary{{Username: "bob", Unread: 0}}
	require.NoError(t, f.m.LoadConversations(context.Background()))
	require.NoError(t, f.m.Open(context.Background(), "bob", "", ""))
	f.m.Wait()
	before := len(f.api.Marks())

	f.m.Handle(chatEvent("10", "bob", "alice", "ping", time.Now()))
	f.m.Wait()

	s, _ := f.m.Summary("bob")
	require.Equal(t, 0, s.Unread)
	require.Equal(t, "ping", s.LastMessage)
	require.Len(t, f.api.Marks(), before+1)
	require.Len(t, f.m.Transcript(), 1)
}

func TestHandleChat_OtherPartnerBumpsUnread(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.m.Open(context.Background(), "bob", "", ""))
	f.m.Wait()
	marks := len(f.api.Marks())

	f.m.Handle(chatEvent("11", "carol", "alice", "hey", time.Now()))
	f.m.Handle(chatEvent("12", "carol", "alice", "again", time.Now()))
	f.m.Wait()

	s, ok := f.m.Summary("carol")
	require.True(t, ok)
	require.Equal(t, 2, s.Unread)
	require.Empty(t, f.m.Transcript())
	require.Len(t, f.api.Marks(), marks)
}

func TestHandleChat_NoOpenConversationBumpsUnread(t *testing.T) {
	f := newFixture(t)
	f.m.Handle(chatEvent("1", "bob", "alice", "hi", time.Now()))
	s, _ := f.m.Summary("bob")
	require.Equal(t, 1, s.Unread)
	require.Empty(t, f.api.Marks())
}

func TestConversations_SortedNewestFirst(t *testing.T) {
	f := newFixture(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	f.m.Handle(chatEvent("1", "bob", "alice", "old", base))
	f.m.Handle(chatEvent("2", "carol", "alice", "new", base.Add(time.Hour)))
	f.m.Handle(chatEvent("3", "dave", "alice", "mid", base.Add(time.Minute)))

	var names []string
	for _, s := range f.view.last() {
		names = append(names, s.Username)
	}
	require.Equal(t, []string{"carol", "dave", "bob"}, names)

	filtered := f.m.Conversations("DA")
	require.Len(t, filtered, 1)
	require.Equal(t, "dave", filtered[0].Username)
}

func TestSendMessage_Hello(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.m.Open(context.Background(), "bob", "", ""))

	require.NoError(t, f.m.SendMessage(context.Background(), "  hello ", nil))

	require.Equal(t, 0, f.api.uploads)
	require.Equal(t, []published{{
		destination: SendDestination,
		body:        `{"recipientUsername":"bob","content":"hello","attachmentFilenames":[]}`,
	}}, f.pub.sent)

	tr := f.m.Transcript()
	require.Len(t, tr, 1)
	require.Equal(t, "alice", tr[0].SenderUsername)
	require.Equal(t, "hello", tr[0].Content)
	require.True(t, f.m.CanRecall(tr[0]))
	require.Empty(t, f.toasts.Toasts())
}

func TestSelect_SendsWithoutHistory(t *testing.T) {
	f := newFixture(t)
	f.api.historyErr = errors.New("history down")
	require.Error(t, f.m.Open(context.Background(), "bob", "", ""))
	f.m.Wait()

	require.NoError(t, f.m.Select(" carol "))
	require.Equal(t, "carol", f.m.OpenPartner())
	require.NoError(t, f.m.SendMessage(context.Background(), "hey", nil))
	require.Len(t, f.pub.sent, 1)
	require.Contains(t, f.pub.sent[0].body, `"recipientUsername":"carol"`)

	require.ErrorIs(t, f.m.Select("  "), ErrNoRecipient)
}

func TestSendMessage_EchoIsDeduplicated(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.m.Open(context.Background(), "bob", "", ""))
	require.NoError(t, f.m.SendMessage(context.Background(), "hello", nil))

	f.m.Handle(chatEvent("500", "alice", "bob", "hello", time.Now()))
	tr := f.m.Transcript()
	require.Len(t, tr, 1)
	require.Equal(t, model.MessageID("500"), tr[0].ID)

	f.m.Handle(chatEvent("501", "alice", "bob", "hello", time.Now()))
	require.Len(t, f.m.Transcript(), 2)
}

func TestSendMessage_WithFiles(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.m.Open(context.Background(), "bob", "", ""))
	require.NoError(t, f.m.SendMessage(context.Background(), "", []api.File{{Name: "a.pdf", Data: []byte("x")}}))

	require.Equal(t, 1, f.api.uploads)
	require.Equal(t, `{"recipientUsername":"bob","content":"","attachmentFilenames":["99_a.pdf"]}`, f.pub.sent[0].body)
	require.Equal(t, []string{"Uploading files..."}, f.toasts.Messages())
	tr := f.m.Transcript()
	require.Equal(t, "/messages/attachments/99_a.pdf", tr[0].Attachments[0].URL)
}

func TestSendMessage_Failures(t *testing.T) {
	f := newFixture(t)
	require.ErrorIs(t, f.m.SendMessage(context.Background(), "hi", nil), ErrNoRecipient)
	require.Equal(t, []string{"No recipient selected"}, f.toasts.Messages())

	require.NoError(t, f.m.Open(context.Background(), "bob", "", ""))
	require.ErrorIs(t, f.m.SendMessage(context.Background(), "   ", nil), ErrEmptyMessage)

	f.toasts.Reset()
	f.api.uploadErr = errors.New("413")
	err := f.m.SendMessage(context.Background(), "hi", []api.File{{Name: "big.bin"}})
	require.Error(t, err)
	require.Empty(t, f.pub.sent)
	require.Equal(t, []string{"Uploading files...", "Sending failed"}, f.toasts.Messages())

	f.toasts.Reset()
	f.pub.err = realtime.ErrNotConnected
	err = f.m.SendMessage(context.Background(), "hi", nil)
	require.ErrorIs(t, err, realtime.ErrNotConnected)
	require.Equal(t, []string{"Sending failed"}, f.toasts.Messages())
	require.Empty(t, f.m.Transcript())
}

func TestRecallAndDelete(t *testing.T) {
	f := newFixture(t)
	f.api.history["bob"] = []model.ChatMessage{
		{ID: "1", Content: "first", SenderUsername: "alice"},
		{ID: "2", Content: "second", SenderUsername: "bob"},
	}
	require.NoError(t, f.m.Open(context.Background(), "bob", "", ""))

	f.m.Handle(events.Recall{MessageID: "1"})
	tr := f.m.Transcript()
	require.Equal(t, "[Message recalled]", tr[0].Content)
	require.True(t, tr[0].Recalled)
	require.False(t, f.m.CanRecall(tr[0]))
	require.False(t, f.m.CanRecall(tr[1]))

	before := f.view.transcripts
	f.m.Handle(events.Recall{MessageID: "404"})
	require.Equal(t, before, f.view.transcripts)
	require.Equal(t, tr, f.m.Transcript())

	f.m.Handle(events.Delete{MessageID: "2"})
	require.Len(t, f.m.Transcript(), 1)
	require.Equal(t, []string{"A message was recalled", "A message was recalled", "A message was deleted"}, f.toasts.Messages())

	f.toasts.Reset()
	require.NoError(t, f.m.Recall(context.Background(), "1"))
	require.NoError(t, f.m.Delete(context.Background(), "1"))
	require.Empty(t, f.m.Transcript())
	require.Equal(t, []model.MessageID{"1"}, f.api.deleted)
	require.Equal(t, []string{"Message recalled", "Deleted"}, f.toasts.Messages())

	f.toasts.Reset()
	f.api.recallErr = errors.New("403")
	require.Error(t, f.m.Recall(context.Background(), "9"))
	require.Equal(t, []string{"Recall failed"}, f.toasts.Messages())
}

func TestHandleConversationUpdate(t *testing.T) {
	f := newFixture(t)
	last := "from another tab"
	unread := 4
	f.m.Handle(events.ConversationUpdate{PartnerUsername: "erin", LastMessage: &last, Unread: &unread})
	s, ok := f.m.Summary("erin")
	require.True(t, ok)
	require.Equal(t, 4, s.Unread)
	require.Equal(t, last, s.LastMessage)
}
