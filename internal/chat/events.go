package chat

import (
	"time"

	"github.com/google/uuid"

	"groupchat/internal/storage"
)

// EventType names a server to client push
type EventType string

const (
	EventReceiveMessage EventType = "receive-message"
	EventMessageStatus  EventType = "message-status"
	EventUserTyping     EventType = "user-typing"
	EventResync         EventType = "resync"
	EventPresence       EventType = "presence"
)

// Event is a single push queued on a connection. Payload is encoded by the transport.
type Event struct {
	Type    EventType
	ID      string
	Payload interface{}
}

type TypingPayload struct {
	GroupID  int64  `json:"groupId"`
	UserID   int64  `json:"userId"`
	Name     string `json:"name"`
	IsTyping bool   `json:"isTyping"`
}

type StatusPayload struct {
	MessageID uuid.UUID            `json:"messageId"`
	GroupID   int64                `json:"groupId"`
	UserID    int64                `json:"userId"`
	State     storage.ReceiptState `json:"state"`
	UpdatedAt time.Time            `json:"updatedAt"`
}

type PresencePayload struct {
	GroupID int64 `json:"groupId"`
	UserID  int64 `json:"userId"`
	Online  bool  `json:"online"`
}

// Backfill is the answer to a resync: the log suffix after the client's last known sequence
type Backfill struct {
	GroupID  int64             `json:"groupId"`
	Messages []storage.Message `json:"messages"`
	// Truncated reports that part of the requested range was cleared from the log
	Truncated bool  `json:"truncated"`
	HasMore   bool  `json:"hasMore"`
	Latest    int64 `json:"latest"`
}
