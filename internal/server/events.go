package server

import (
	"encoding/json"
	"errors"

	"groupchat/internal/chat"
	"groupchat/internal/storage"
)

// client to server events
const (
	eventJoinGroup      = "join-group"
	eventLeaveGroup     = "leave-group"
	eventSendMessage    = "send-message"
	eventDeliverMessage = "deliver-message"
	eventReadMessage    = "read-message"
	eventTyping         = "user-typing"
	eventResync         = "resync"
)

// server to client events besides chat.EventType
const (
	eventAck   chat.EventType = "ack"
	eventError chat.EventType = "error"
)

// error codes sent in error events
const (
	codeNotAMember         = "not_a_member"
	codeUnknownGroup       = "unknown_group"
	codeUnknownMessage     = "unknown_message"
	codeNotARecipient      = "not_a_recipient"
	codePersistenceFailure = "persistence_failure"
	codeBadRequest         = "bad_request"
	codeForbidden          = "forbidden"
	codeInternal           = "internal"
)

var errForbidden = errors.New("sender does not match the connection user")

// envelope is the wire form of every event
type envelope struct {
	Event chat.EventType `json:"event"`
	ID    string         `json:"id,omitempty"`
	Data  interface{}    `json:"data"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type messageAck struct {
	Message storage.Message `json:"message"`
}

type receiptAck struct {
	Receipt storage.Receipt `json:"receipt"`
}

func encodeEvent(e chat.Event) ([]byte, error) {
	return json.Marshal(envelope{Event: e.Type, ID: e.ID, Data: e.Payload})
}

func ackEvent(id string, data interface{}) chat.Event {
	if data == nil {
		data = struct{}{}
	}
	return chat.Event{Type: eventAck, ID: id, Payload: data}
}

// errorEvent maps err to a stable error code
func errorEvent(id string, err error) chat.Event {
	p := errorPayload{Message: err.Error()}
	var fe fieldError
	switch {
	case errors.As(err, &fe):
		p.Code = codeBadRequest
	case errors.Is(err, errForbidden):
		p.Code = codeForbidden
	case errors.Is(err, chat.ErrNotAMember), errors.Is(err, chat.ErrNotJoined):
		p.Code = codeNotAMember
	case errors.Is(err, chat.ErrUnknownGroup):
		p.Code = codeUnknownGroup
	case errors.Is(err, chat.ErrUnknownMessage):
		p.Code = codeUnknownMessage
	case errors.Is(err, chat.ErrNotARecipient):
		p.Code = codeNotARecipient
	case errors.Is(err, chat.ErrPersistenceFailure):
		p.Code = codePersistenceFailure
		p.Message = "message could not be stored"
	default:
		p.Code = codeInternal
		p.Message = "internal error"
	}
	return chat.Event{Type: eventError, ID: id, Payload: p}
}
