// Package events models the payloads pushed over the real-time channel as a
// closed set of variants. Each subscription has its own decoder; decoders
// reject untyped or unknown payloads with ErrIgnored so callers can drop them
// without logging, and wrap JSON syntax errors in *DecodeError.
package events

import (
	"github.com/go-go-golems/chatline/pkg/model"
)

type Kind string

const (
	KindChat               Kind = "CHAT"
	KindRecall             Kind = "RECALL"
	KindDelete             Kind = "DELETE"
	KindConversationUpdate Kind = "CONVERSATION_UPDATE"
	KindBotResponse        Kind = "BOT_RESPONSE"
	KindNotification       Kind = "NOTIFICATION"
	KindGroupNewPost       Kind = "NEW_POST"
	KindGroupMemberUpdate  Kind = "MEMBER_UPDATE"
)

// Event is implemented only by the variants in this package.
type Event interface {
	Kind() Kind
	isEvent()
}

// Chat is a new direct message, delivered to both sender and recipient.
type Chat struct {
	ID                model.MessageID
	SenderUsername    string
	RecipientUsername string
	Content           string
	Timestamp         model.Timestamp
	Attachments       []model.Attachment
}

func (Chat) Kind() Kind { return KindChat }
func (Chat) isEvent()   {}

// Message converts the event into a transcript entry.
func (c Chat) Message() model.ChatMessage {
	return model.ChatMessage{
		ID:                c.ID,
		Content:           c.Content,
		SenderUsername:    c.SenderUsername,
		RecipientUsername: c.RecipientUsername,
		CreatedAt:         c.Timestamp,
		Attachments:       c.Attachments,
	}
}

// Partner is the other participant from the viewer's perspective.
func (c Chat) Partner(viewer string) string {
	if viewer != "" && viewer == c.SenderUsername {
		return c.RecipientUsername
	}
	return c.SenderUsername
}

type Recall struct {
	MessageID model.MessageID
}

func (Recall) Kind() Kind { return KindRecall }
func (Recall) isEvent()   {}

type Delete struct {
	MessageID model.MessageID
}

func (Delete) Kind() Kind { return KindDelete }
func (Delete) isEvent()   {}

// ConversationUpdate carries a partial summary; nil fields are left untouched.
type ConversationUpdate struct {
	PartnerUsername string
	LastMessage     *string
	LastTimestamp   *model.Timestamp
	Unread          *int
}

func (ConversationUpdate) Kind() Kind { return KindConversationUpdate }
func (ConversationUpdate) isEvent()   {}

type BotResponse struct {
	Message model.BotMessage
}

func (BotResponse) Kind() Kind { return KindBotResponse }
func (BotResponse) isEvent()   {}

type NotificationEvent struct {
	Notification model.Notification
}

func (NotificationEvent) Kind() Kind { return KindNotification }
func (NotificationEvent) isEvent()   {}

type GroupNewPost struct {
	Post model.GroupPost
}

func (GroupNewPost) Kind() Kind { return KindGroupNewPost }
func (GroupNewPost) isEvent()   {}

type GroupMemberUpdate struct {
	Members []model.GroupMember
}

func (GroupMemberUpdate) Kind() Kind { return KindGroupMemberUpdate }
func (GroupMemberUpdate) isEvent()   {}

// Kinds lists every variant kind.
var Kinds = []Kind{
	KindChat,
	KindRecall,
	KindDelete,
	KindConversationUpdate,
	KindBotResponse,
	KindNotification,
	KindGroupNewPost,
	KindGroupMemberUpdate,
}
