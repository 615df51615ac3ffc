// Package model holds the client-side data shapes shared by the chat, chatbot
// and notification modules, together with their JSON wire mapping.
package model

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

const (
	DefaultAvatarURL     = "/images/default-avatar.png"
	AttachmentURLPrefix  = "/messages/attachments/"
	ChatbotSessionPrefix = "session_"
)

// MessageID identifies a chat message. The server emits numeric ids, local
// optimistic messages use the send time in milliseconds.
type MessageID string

func (id MessageID) String() string { return string(id) }

func (id MessageID) IsZero() bool { return id == "" }

func (id *MessageID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = MessageID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*id = MessageID(n.String())
	return nil
}

func MessageIDFromInt(n int64) MessageID {
	return MessageID(strconv.FormatInt(n, 10))
}

// ConversationSummary is the per-partner entry of the conversation list.
type ConversationSummary struct {
	Username      string    `json:"username"`
	DisplayName   string    `json:"displayName"`
	AvatarURL     string    `json:"avatar"`
	LastMessage   string    `json:"lastMessage"`
	LastTimestamp Timestamp `json:"lastTimestamp"`
	Unread        int       `json:"unread"`
}

// NewConversationSummary returns the entry created the first time a partner
// shows up in an event.
func NewConversationSummary(username string) ConversationSummary {
	return ConversationSummary{
		Username:    username,
		DisplayName: username,
		AvatarURL:   DefaultAvatarURL,
	}
}

// Label is the name shown for the partner.
func (s ConversationSummary) Label() string {
	if s.DisplayName != "" {
		return s.DisplayName
	}
	return s.Username
}

type Attachment struct {
	Filename     string `json:"filename"`
	OriginalName string `json:"originalName,omitempty"`
	URL          string `json:"url,omitempty"`
}

// Name is the label of the attachment link.
func (a Attachment) Name() string {
	if a.OriginalName != "" {
		return a.OriginalName
	}
	return a.Filename
}

// StoredAttachment describes a file that was just uploaded and is referenced
// by filename only.
func StoredAttachment(filename string) Attachment {
	return Attachment{
		Filename:     filename,
		OriginalName: filename,
		URL:          AttachmentURLPrefix + filename,
	}
}

type ChatMessage struct {
	ID                MessageID    `json:"id"`
	Content           string       `json:"content"`
	SenderUsername    string       `json:"senderUsername"`
	RecipientUsername string       `json:"recipientUsername,omitempty"`
	CreatedAt         Timestamp    `json:"createdAt"`
	Attachments       []Attachment `json:"attachments"`
	Recalled          bool         `json:"recalled,omitempty"`
}

// UnmarshalJSON accepts the push shape (senderUsername, createdAt) as well as
// the REST history shape (from, to, timestamp, messageId).
func (m *ChatMessage) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID                MessageID    `json:"id"`
		MessageID         MessageID    `json:"messageId"`
		Content           *string      `json:"content"`
		Body              *string      `json:"body"`
		SenderUsername    string       `json:"senderUsername"`
		From              string       `json:"from"`
		RecipientUsername string       `json:"recipientUsername"`
		To                string       `json:"to"`
		CreatedAt         Timestamp    `json:"createdAt"`
		Timestamp         Timestamp    `json:"timestamp"`
		Attachments       []Attachment `json:"attachments"`
		Recalled          bool         `json:"recalled"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = ChatMessage{
		ID:                firstID(raw.ID, raw.MessageID),
		SenderUsername:    firstString(raw.SenderUsername, raw.From),
		RecipientUsername: firstString(raw.RecipientUsername, raw.To),
		CreatedAt:         raw.CreatedAt,
		Attachments:       raw.Attachments,
		Recalled:          raw.Recalled,
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = raw.Timestamp
	}
	switch {
	case raw.Content != nil:
		m.Content = *raw.Content
	case raw.Body != nil:
		m.Content = *raw.Body
	}
	return nil
}

// BotMessage is one entry of the chatbot transcript.
type BotMessage struct {
	FromUser   bool     `json:"fromUser"`
	Content    string   `json:"content"`
	Timestamp  string   `json:"timestamp,omitempty"`
	Intent     string   `json:"intent,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
	// Notice marks locally generated status lines.
	Notice bool `json:"-"`
}

type Notification struct {
	ID        MessageID `json:"id"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Type      string    `json:"type"`
	Read      bool      `json:"read"`
	CreatedAt Timestamp `json:"createdAt"`
}

// Heading is the toast title. Notifications without a title use their type.
func (n Notification) Heading() string {
	if n.Title != "" {
		return n.Title
	}
	return n.Type
}

type User struct {
	ID         int64  `json:"id"`
	Username   string `json:"username"`
	Email      string `json:"email,omitempty"`
	Reputation int    `json:"reputation,omitempty"`
	AvatarURL  string `json:"avatar,omitempty"`
}

// ImageMetadata is the reply of the image upload endpoint. Fields beyond the
// common ones are kept in Raw.
type ImageMetadata struct {
	ID          int64           `json:"id"`
	Filename    string          `json:"filename"`
	URL         string          `json:"url"`
	ContentType string          `json:"contentType"`
	Size        int64           `json:"size"`
	Raw         json.RawMessage `json:"-"`
}

func (im *ImageMetadata) UnmarshalJSON(data []byte) error {
	type plain ImageMetadata
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*im = ImageMetadata(p)
	im.Raw = append(json.RawMessage(nil), data...)
	return nil
}

type GroupPost struct {
	ID        MessageID `json:"id"`
	Author    string    `json:"author"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	CreatedAt Timestamp `json:"createdAt"`
}

type GroupMember struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Role     string `json:"role,omitempty"`
}

func firstString(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstID(values ...MessageID) MessageID {
	for _, v := range values {
		if !v.IsZero() {
			return v
		}
	}
	return ""
}
