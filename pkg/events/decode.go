package events

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/go-go-golems/chatline/pkg/model"
)

// ErrIgnored marks payloads without a usable type tag. They are dropped silently.
var ErrIgnored = stderrors.New("event ignored")

// DecodeError wraps a payload that is not valid JSON for its channel.
type DecodeError struct {
	Channel string
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s payload: %v", e.Channel, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Decoder turns one frame body into an Event.
type Decoder func(body []byte) (Event, error)

type chatWire struct {
	Type              string             `json:"type"`
	ID                model.MessageID    `json:"id"`
	MessageID         model.MessageID    `json:"messageId"`
	SenderUsername    string             `json:"senderUsername"`
	RecipientUsername string             `json:"recipientUsername"`
	Content           string             `json:"content"`
	Timestamp         model.Timestamp    `json:"timestamp"`
	Attachments       []model.Attachment `json:"attachments"`
	PartnerUsername   string             `json:"partnerUsername"`
	LastMessage       *string            `json:"lastMessage"`
	LastTimestamp     *model.Timestamp   `json:"lastTimestamp"`
	Unread            *int               `json:"unread"`
}

// DecodeChat decodes payloads of /user/queue/messages.
func DecodeChat(body []byte) (Event, error) {
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, ErrIgnored
	}
	var w chatWire
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, &DecodeError{Channel: "chat", Err: err}
	}
	switch Kind(w.Type) {
	case KindChat:
		id := w.ID
		if id.IsZero() {
			id = w.MessageID
		}
		return Chat{
			ID:                id,
			SenderUsername:    w.SenderUsername,
			RecipientUsername: w.RecipientUsername,
			Content:           w.Content,
			Timestamp:         w.Timestamp,
			Attachments:       w.Attachments,
		}, nil
	case KindRecall:
		return Recall{MessageID: w.MessageID}, nil
	case KindDelete:
		return Delete{MessageID: w.MessageID}, nil
	case KindConversationUpdate:
		if w.PartnerUsername == "" {
			return nil, ErrIgnored
		}
		return ConversationUpdate{
			PartnerUsername: w.PartnerUsername,
			LastMessage:     w.LastMessage,
			LastTimestamp:   w.LastTimestamp,
			Unread:          w.Unread,
		}, nil
	default:
		return nil, ErrIgnored
	}
}

// DecodeBot decodes payloads of /topic/chatbot/{sessionId}. Bot replies carry
// no type tag; a reply without content is ignored.
func DecodeBot(body []byte) (Event, error) {
	var m model.BotMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, &DecodeError{Channel: "chatbot", Err: err}
	}
	if m.Content == "" {
		return nil, ErrIgnored
	}
	return BotResponse{Message: m}, nil
}

// DecodeNotification decodes payloads of /user/{username}/queue/notifications.
func DecodeNotification(body []byte) (Event, error) {
	var n model.Notification
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, &DecodeError{Channel: "notifications", Err: err}
	}
	if n.Message == "" && n.Heading() == "" {
		return nil, ErrIgnored
	}
	return NotificationEvent{Notification: n}, nil
}

// DecodeGroup decodes payloads of /topic/group.{groupId}.
func DecodeGroup(body []byte) (Event, error) {
	var w struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, &DecodeError{Channel: "group", Err: err}
	}
	switch Kind(w.Type) {
	case KindGroupNewPost:
		var p model.GroupPost
		if err := json.Unmarshal(w.Data, &p); err != nil {
			return nil, &DecodeError{Channel: "group", Err: err}
		}
		return GroupNewPost{Post: p}, nil
	case KindGroupMemberUpdate:
		var members []model.GroupMember
		if len(w.Data) > 0 && string(w.Data) != "null" {
			if err := json.Unmarshal(w.Data, &members); err != nil {
				return nil, &DecodeError{Channel: "group", Err: err}
			}
		}
		return GroupMemberUpdate{Members: members}, nil
	default:
		return nil, ErrIgnored
	}
}
