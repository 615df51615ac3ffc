package mirror

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatline/pkg/events"
	"github.com/go-go-golems/chatline/pkg/model"
)

func ts(min int) model.Timestamp {
	return model.NewTimestamp(time.Date(2024, 1, 1, 10, min, 0, 0, time.UTC))
}

func TestApplyChat_IncrementsWhenConversationNotOpen(t *testing.T) {
	s := NewStore()
	ev := events.Chat{SenderUsername: "bob", RecipientUsername: "alice", Content: "hi", Timestamp: ts(1)}

	partner, bumped := s.ApplyChat("alice", "", ev)
	require.Equal(t, "bob", partner)
	require.True(t, bumped)

	_, bumped = s.ApplyChat("alice", "carol", ev)
	require.True(t, bumped)

	got, ok := s.Get("bob")
	require.True(t, ok)
	require.Equal(t, 2, got.Unread)
	require.Equal(t, "hi", got.LastMessage)
	require.Equal(t, "bob", got.DisplayName)
	require.Equal(t, model.DefaultAvatarURL, got.AvatarURL)
}

func TestApplyChat_OpenSenderSuppressesUnread(t *testing.T) {
	s := NewStore()
	_, bumped := s.ApplyChat("alice", "bob", events.Chat{SenderUsername: "bob", RecipientUsername: "alice", Content: "hey"})
	require.False(t, bumped)
	got, _ := s.Get("bob")
	require.Equal(t, 0, got.Unread)
}

func TestApplyChat_OwnMessagesNeverCountAsUnread(t *testing.T) {
	s := NewStore()
	partner, bumped := s.ApplyChat("alice", "", events.Chat{SenderUsername: "alice", RecipientUsername: "bob", Content: "out"})
	require.Equal(t, "bob", partner)
	require.False(t, bumped)
	got, _ := s.Get("bob")
	require.Equal(t, "out", got.LastMessage)
}

func TestApplyUpdate_MergesPresentFields(t *testing.T) {
	s := NewStore()
	s.Load([]model.ConversationSummary{{Username: "bob", LastMessage: "old", Unread: 4, LastTimestamp: ts(1)}})

	msg := "new"
	s.ApplyUpdate(events.ConversationUpdate{PartnerUsername: "bob", LastMessage: &msg})
	got, _ := s.Get("bob")
	require.Equal(t, "new", got.LastMessage)
	require.Equal(t, 4, got.Unread)
	require.True(t, got.LastTimestamp.Equal(ts(1).Time))

	zero := 0
	s.ApplyUpdate(events.ConversationUpdate{PartnerUsername: "bob", Unread: &zero})
	got, _ = s.Get("bob")
	require.Equal(t, 0, got.Unread)

	s.ApplyUpdate(events.ConversationUpdate{PartnerUsername: "dave"})
	_, ok := s.Get("dave")
	require.True(t, ok)
}

func TestSorted_NewestFirstUntimedLast(t *testing.T) {
	s := NewStore()
	s.Load([]model.ConversationSummary{
		{Username: "a", LastTimestamp: ts(5)},
		{Username: "b"},
		{Username: "c", LastTimestamp: ts(9)},
		{Username: "d"},
		{Username: "e", LastTimestamp: ts(1)},
	})
	var names []string
	for _, it := range s.Sorted() {
		names = append(names, it.Username)
	}
	require.Equal(t, []string{"c", "a", "e", "b", "d"}, names)
}

func TestSorted_RandomizedInvariant(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for round := 0; round < 50; round++ {
		s := NewStore()
		for i := 0; i < 20; i++ {
			partner := string(rune('a' + r.Intn(10)))
			ev := events.Chat{SenderUsername: partner, RecipientUsername: "me", Content: "x"}
			if r.Intn(4) > 0 {
				ev.Timestamp = ts(r.Intn(60))
			}
			s.ApplyChat("me", "", ev)
		}
		items := s.Sorted()
		for i := 1; i < len(items); i++ {
			prev, cur := items[i-1].LastTimestamp, items[i].LastTimestamp
			if prev.IsZero() {
				require.True(t, cur.IsZero(), "timed entry after untimed one")
				continue
			}
			if !cur.IsZero() {
				require.False(t, cur.After(prev.Time))
			}
		}
	}
}

func TestFilterAndTotals(t *testing.T) {
	items := []model.ConversationSummary{
		{Username: "bob", DisplayName: "Bob Builder", LastMessage: "Can we fix it?", Unread: 2},
		{Username: "carol", DisplayName: "Carol", LastMessage: "see you", Unread: 1},
	}
	require.Len(t, Filter(items, ""), 2)
	require.Len(t, Filter(items, "BUILDER"), 1)
	require.Len(t, Filter(items, "see"), 1)
	require.Empty(t, Filter(items, "zzz"))
	require.Equal(t, 3, TotalUnread(items))
}

func TestClearUnreadAndTouch(t *testing.T) {
	s := NewStore(WithDefaultAvatar("/a.png"))
	s.Touch("zed", "Zed", "")
	got, _ := s.Get("zed")
	require.Equal(t, "Zed", got.DisplayName)
	require.Equal(t, "/a.png", got.AvatarURL)

	s.ApplyChat("me", "", events.Chat{SenderUsername: "zed", RecipientUsername: "me"})
	s.ClearUnread("zed")
	got, _ = s.Get("zed")
	require.Equal(t, 0, got.Unread)
	require.Equal(t, 1, s.Len())
}
