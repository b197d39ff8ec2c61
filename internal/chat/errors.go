package chat

import (
	"errors"
	"fmt"
)

var (
	ErrNotAMember         = errors.New("user is not a group member")
	ErrNotJoined          = errors.New("group is not joined by connection")
	ErrUnknownGroup       = errors.New("group does not exist")
	ErrUnknownMessage     = errors.New("message does not exist")
	ErrNotARecipient      = errors.New("user is not a message recipient")
	ErrPersistenceFailure = errors.New("persistence failure")
	ErrConnectionClosed   = errors.New("connection is closed")
)

// persistenceFailure wraps a store error so callers can match ErrPersistenceFailure
// while the cause stays in the message
func persistenceFailure(err error) error {
	return fmt.Errorf("%w: %v", ErrPersistenceFailure, err)
}
