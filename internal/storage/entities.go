package storage

import (
	"time"

	"github.com/google/uuid"
)

type User struct {
	ID          int64     `json:"id"`
	Username    string    `json:"username"`
	Name        string    `json:"name"`
	Avatar      string    `json:"avatar,omitempty"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

type Group struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Avatar    string    `json:"avatar,omitempty"`
	Members   []int64   `json:"members"`
	CreatedAt time.Time `json:"createdAt"`
	// ClearedThrough is the highest sequence removed from the log by a chat clear
	ClearedThrough int64 `json:"clearedThrough"`
}

type Message struct {
	ID              uuid.UUID  `json:"id"`
	Group           int64      `json:"groupId"`
	Sender          int64      `json:"senderId"`
	Content         string     `json:"content"`
	Sequence        int64      `json:"sequence"`
	CreatedAt       time.Time  `json:"createdAt"`
	ClientTimestamp *time.Time `json:"clientTimestamp,omitempty"`
}

// ReceiptState is the delivery state of a message for one recipient.
// States are ordered: a receipt only moves from a lower to a higher state.
type ReceiptState int16

const (
	ReceiptSent ReceiptState = iota + 1
	ReceiptDelivered
	ReceiptRead
)

func (s ReceiptState) String() string {
	switch s {
	case ReceiptSent:
		return "sent"
	case ReceiptDelivered:
		return "delivered"
	case ReceiptRead:
		return "read"
	default:
		return "unknown"
	}
}

func (s ReceiptState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *ReceiptState) UnmarshalText(b []byte) error {
	switch string(b) {
	case "sent":
		*s = ReceiptSent
	case "delivered":
		*s = ReceiptDelivered
	case "read":
		*s = ReceiptRead
	default:
		return ErrBadReceiptState
	}
	return nil
}

type Receipt struct {
	Message   uuid.UUID    `json:"messageId"`
	User      int64        `json:"userId"`
	State     ReceiptState `json:"state"`
	UpdatedAt time.Time    `json:"updatedAt"`
}
