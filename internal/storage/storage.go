package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrUserExists       = errors.New("user already exists")
	ErrUserNotExist     = errors.New("user does not exist")
	ErrGroupNotExist    = errors.New("group does not exist")
	ErrGroupBadUsers    = errors.New("bad users list")
	ErrAlreadyMember    = errors.New("user is already a group member")
	ErrNotMember        = errors.New("user is not a group member")
	ErrLastMember       = errors.New("group must keep at least one member")
	ErrMessageNotExist  = errors.New("message does not exist")
	ErrReceiptNotExist  = errors.New("receipt does not exist")
	ErrSequenceConflict = errors.New("sequence already taken")
	ErrBadReceiptState  = errors.New("bad receipt state")
)

// Store is the durable source of truth for users, groups, memberships, the per-group message log
// and delivery receipts
type Store interface {
	CreateUser(ctx context.Context, username, name string) (int64, error)
	User(ctx context.Context, id int64) (User, error)
	UpdateUser(ctx context.Context, user User) error

	// CreateGroup creates a group with the provided members, the first one being the creator
	CreateGroup(ctx context.Context, name string, users []int64) (int64, error)
	Group(ctx context.Context, id int64) (Group, error)
	UpdateGroup(ctx context.Context, id int64, name, avatar string) error
	GroupsByUserID(ctx context.Context, user int64) ([]Group, error)
	DeleteGroup(ctx context.Context, id int64) error
	AddMember(ctx context.Context, group, user int64) error
	RemoveMember(ctx context.Context, group, user int64) error
	IsMember(ctx context.Context, group, user int64) (bool, error)
	Members(ctx context.Context, group int64) ([]int64, error)

	// LastSequence returns the highest sequence ever assigned in the group, cleared messages included
	LastSequence(ctx context.Context, group int64) (int64, error)
	// AppendMessage atomically persists the message at its sequence together with a sent receipt
	// for every recipient. ErrSequenceConflict is returned when the sequence is not the next one.
	AppendMessage(ctx context.Context, msg Message, recipients []int64) error
	// Messages returns at most limit messages with sequence greater than after, in increasing order
	Messages(ctx context.Context, group, after int64, limit int) ([]Message, error)
	Message(ctx context.Context, id uuid.UUID) (Message, error)
	// ClearMessages removes the group's log and returns the sequence it was cleared through
	ClearMessages(ctx context.Context, group int64) (int64, error)

	// AdvanceReceipt moves a receipt forward to state. When the receipt is already at or past
	// state it is returned unchanged with advanced set to false.
	AdvanceReceipt(ctx context.Context, message uuid.UUID, user int64, state ReceiptState, at time.Time) (r Receipt, advanced bool, err error)
	Receipts(ctx context.Context, message uuid.UUID) ([]Receipt, error)

	Close()
}
