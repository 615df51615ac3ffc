package notify

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatline/pkg/events"
	"github.com/go-go-golems/chatline/pkg/model"
)

func NotificationDestination(username string) string {
	return "/user/" + username + "/queue/notifications"
}

func GroupDestination(groupID string) string {
	return "/topic/group." + groupID
}

// Snapshot is an immutable copy of the center state handed to views.
type Snapshot struct {
	Badge   int
	Feed    []model.GroupPost
	Members []model.GroupMember
}

type Center struct {
	username string
	groupID  string
	toaster  Toaster
	onChange func(Snapshot)

	mu      sync.Mutex
	badge   int
	feed    []model.GroupPost
	members []model.GroupMember
}

type CenterOption func(*Center)

// WithGroup subscribes the group topic as well.
func WithGroup(groupID string) CenterOption {
	return func(c *Center) { c.groupID = groupID }
}

func WithOnChange(fn func(Snapshot)) CenterOption {
	return func(c *Center) { c.onChange = fn }
}

func NewCenter(username string, toaster Toaster, opts ...CenterOption) *Center {
	if toaster == nil {
		toaster = LogToaster{}
	}
	c := &Center{username: username, toaster: toaster}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Destinations lists the STOMP destinations the center consumes.
func (c *Center) Destinations() []string {
	out := []string{NotificationDestination(c.username)}
	if c.groupID != "" {
		out = append(out, GroupDestination(c.groupID))
	}
	return out
}

func (c *Center) GroupID() string { return c.groupID }

// Handle applies one decoded notification or group event.
func (c *Center) Handle(ev events.Event) {
	switch e := ev.(type) {
	case events.NotificationEvent:
		c.mu.Lock()
		c.badge++
		c.mu.Unlock()
		c.toaster.Toast(Toast{Title: e.Notification.Heading(), Message: e.Notification.Message, Level: LevelInfo, At: time.Now()})
	case events.GroupNewPost:
		c.mu.Lock()
		c.feed = append([]model.GroupPost{e.Post}, c.feed...)
		c.mu.Unlock()
	case events.GroupMemberUpdate:
		c.mu.Lock()
		c.members = append([]model.GroupMember(nil), e.Members...)
		c.mu.Unlock()
	default:
		log.Debug().Str("component", "notify").Str("kind", string(ev.Kind())).Msg("ignoring event")
		return
	}
	c.changed()
}

func (c *Center) ResetBadge() {
	c.mu.Lock()
	c.badge = 0
	c.mu.Unlock()
	c.changed()
}

func (c *Center) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		Badge:   c.badge,
		Feed:    append([]model.GroupPost(nil), c.feed...),
		Members: append([]model.GroupMember(nil), c.members...),
	}
}

func (c *Center) changed() {
	if c.onChange != nil {
		c.onChange(c.Snapshot())
	}
}
