// Package mirror keeps the in-memory conversation list: one summary per
// partner, mirrored from the summary endpoint and updated from live events.
package mirror

import (
	"sort"
	"strings"
	"sync"

	"github.com/samber/lo"

	"github.com/go-go-golems/chatline/pkg/events"
	"github.com/go-go-golems/chatline/pkg/model"
)

type Store struct {
	mu            sync.RWMutex
	items         map[string]*model.ConversationSummary
	defaultAvatar string
}

type Option func(*Store)

func WithDefaultAvatar(url string) Option {
	return func(s *Store) {
		if url != "" {
			s.defaultAvatar = url
		}
	}
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		items:         map[string]*model.ConversationSummary{},
		defaultAvatar: model.DefaultAvatarURL,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) entryLocked(partner string) *model.ConversationSummary {
	if e, ok := s.items[partner]; ok {
		return e
	}
	e := model.NewConversationSummary(partner)
	e.AvatarURL = s.defaultAvatar
	s.items[partner] = &e
	return &e
}

// Load replaces or inserts summaries fetched from the server.
func (s *Store) Load(items []model.ConversationSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range items {
		if it.Username == "" {
			continue
		}
		it := it
		if it.DisplayName == "" {
			it.DisplayName = it.Username
		}
		if it.AvatarURL == "" {
			it.AvatarURL = s.defaultAvatar
		}
		s.items[it.Username] = &it
	}
}

// ApplyChat records a chat event seen by viewer while openPartner is the
// conversation on screen ("" when none). It returns the partner the event was
// filed under and whether the unread count was incremented.
func (s *Store) ApplyChat(viewer, openPartner string, ev events.Chat) (string, bool) {
	partner := ev.Partner(viewer)
	if partner == "" {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entryLocked(partner)
	e.LastMessage = ev.Content
	e.LastTimestamp = ev.Timestamp
	bumped := false
	if ev.RecipientUsername == viewer && (openPartner == "" || openPartner != ev.SenderUsername) {
		e.Unread++
		bumped = true
	}
	return partner, bumped
}

// ApplyUpdate merges the fields present in a CONVERSATION_UPDATE.
func (s *Store) ApplyUpdate(ev events.ConversationUpdate) {
	if ev.PartnerUsername == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entryLocked(ev.PartnerUsername)
	if ev.LastMessage != nil && *ev.LastMessage != "" {
		e.LastMessage = *ev.LastMessage
	}
	if ev.LastTimestamp != nil && !ev.LastTimestamp.IsZero() {
		e.LastTimestamp = *ev.LastTimestamp
	}
	if ev.Unread != nil {
		e.Unread = *ev.Unread
	}
}

// Touch makes sure partner has an entry, filling display name and avatar when given.
func (s *Store) Touch(partner, displayName, avatarURL string) {
	if partner == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entryLocked(partner)
	if displayName != "" {
		e.DisplayName = displayName
	}
	if avatarURL != "" {
		e.AvatarURL = avatarURL
	}
}

func (s *Store) ClearUnread(partner string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.items[partner]; ok {
		e.Unread = 0
	}
}

func (s *Store) Get(partner string) (model.ConversationSummary, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.items[partner]
	if !ok {
		return model.ConversationSummary{}, false
	}
	return *e, true
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Sorted returns a copy of all summaries ordered for display.
func (s *Store) Sorted() []model.ConversationSummary {
	s.mu.RLock()
	out := make([]model.ConversationSummary, 0, len(s.items))
	for _, e := range s.items {
		out = append(out, *e)
	}
	s.mu.RUnlock()
	Sort(out)
	return out
}

// Sort orders by last timestamp, newest first. Entries without a timestamp go
// last; ties fall back to the username so the order is deterministic.
func Sort(items []model.ConversationSummary) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i].LastTimestamp, items[j].LastTimestamp
		switch {
		case a.IsZero() && b.IsZero():
			return items[i].Username < items[j].Username
		case a.IsZero():
			return false
		case b.IsZero():
			return true
		case !a.Equal(b.Time):
			return a.After(b.Time)
		default:
			return items[i].Username < items[j].Username
		}
	})
}

// Filter keeps the summaries whose display name or preview contains q,
// case-insensitively. An empty query keeps everything.
func Filter(items []model.ConversationSummary, q string) []model.ConversationSummary {
	q = strings.ToLower(strings.TrimSpace(q))
	if q == "" {
		return items
	}
	return lo.Filter(items, func(it model.ConversationSummary, _ int) bool {
		return strings.Contains(strings.ToLower(it.Label()), q) ||
			strings.Contains(strings.ToLower(it.LastMessage), q)
	})
}

// TotalUnread sums the unread counters.
func TotalUnread(items []model.ConversationSummary) int {
	return lo.SumBy(items, func(it model.ConversationSummary) int { return it.Unread })
}
