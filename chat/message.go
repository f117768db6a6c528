package chat

import (
	"errors"
	"time"
)

var (
	ErrNoConversation = errors.New("chat: conversation id is required")
	ErrEmptyMessage   = errors.New("chat: content or media is required")
)

// Message is one chat message, as carried by a websocket text frame or the history API.
//
// ID is assigned by the server. Until then a locally originated message is identified
// by CorrelationID, which the client generates.
type Message struct {
	ID             string         `json:"id,omitempty"`
	SenderID       string         `json:"senderId,omitempty"`
	ConversationID string         `json:"conversationId,omitempty"`
	Content        string         `json:"content,omitempty"`
	MediaFileID    string         `json:"mediaFileId,omitempty"`
	MediaFileType  string         `json:"mediaFileType,omitempty"`
	ReplyTo        string         `json:"replyTo,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
	Reactions      map[string]int `json:"reactions,omitempty"`
	CorrelationID  string         `json:"correlationId,omitempty"`
}

// Pending reports whether the server has not acknowledged the message yet.
func (m *Message) Pending() bool {
	return m.ID == ""
}

// Key returns the dedup identity: the server id once assigned, the correlation token
// before that, or "" when the message carries neither.
func (m *Message) Key() string {
	if m.ID != "" {
		return "id:" + m.ID
	}
	if m.CorrelationID != "" {
		return "corr:" + m.CorrelationID
	}
	return ""
}

// SameAs reports whether m and o are the same logical message.
func (m *Message) SameAs(o *Message) bool {
	if m == nil || o == nil {
		return false
	}
	if m.ID != "" && o.ID != "" {
		return m.ID == o.ID
	}
	return m.CorrelationID != "" && m.CorrelationID == o.CorrelationID
}

// ValidateOutbound checks a message before it is written to the socket.
func (m *Message) ValidateOutbound() error {
	if m.ConversationID == "" {
		return ErrNoConversation
	}
	if m.Content == "" && m.MediaFileID == "" {
		return ErrEmptyMessage
	}
	return nil
}
