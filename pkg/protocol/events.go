// Package protocol defines the events exchanged with the relay over the live connection.
//
// Every event travels as a JSON envelope {"event": "<kind>", "data": {...}}. Each kind has
// exactly one concrete Go type, so consumers switch on the type rather than on strings.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind names an event on the wire.
type Kind string

const (
	KindJoin        Kind = "join"
	KindSendMessage Kind = "send_message"
	KindTyping      Kind = "typing"
	KindNewMessage  Kind = "new_message"
	KindMessageSent Kind = "message_sent"
	KindUserTyping  Kind = "user_typing"
	KindError       Kind = "error"

	// Local pseudo-events produced by the transport, never sent over the wire.
	KindConnected    Kind = "connect"
	KindDisconnected Kind = "disconnect"
)

var (
	// ErrUnknownEvent is returned by Decode for an envelope whose kind is not recognised.
	ErrUnknownEvent = errors.New("unknown event")
	// ErrInvalidEvent is returned for an inbound event whose payload is incomplete.
	ErrInvalidEvent = errors.New("invalid event")
)

// Event is implemented by every event type.
type Event interface {
	Kind() Kind
}

// Identity is the signed-in user as supplied by the login collaborator.
type Identity struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Phone    string `json:"phone"`
}

// User is the public profile of another party.
type User struct {
	ID       int64      `json:"id"`
	Username string     `json:"username"`
	Phone    string     `json:"phone"`
	IsOnline bool       `json:"is_online"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
}

// Message is a single chat message. Immutable once created.
type Message struct {
	ID         string    `json:"id"`
	SenderID   int64     `json:"sender_id"`
	ReceiverID int64     `json:"receiver_id"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	IsRead     bool      `json:"is_read"`
}

// Counterparty returns the participant of m that is not self.
func (m Message) Counterparty(self int64) int64 {
	if m.SenderID == self {
		return m.ReceiverID
	}
	return m.SenderID
}

// Involves reports whether id is the sender or the receiver of m.
func (m Message) Involves(id int64) bool {
	return m.SenderID == id || m.ReceiverID == id
}

// Validate checks that m carries the fields every relayed message has.
func (m Message) Validate() error {
	switch {
	case m.ID == "":
		return fmt.Errorf("%w: message has no id", ErrInvalidEvent)
	case m.SenderID == 0 || m.ReceiverID == 0:
		return fmt.Errorf("%w: message %s is missing a party", ErrInvalidEvent, m.ID)
	case m.Timestamp.IsZero():
		return fmt.Errorf("%w: message %s has no timestamp", ErrInvalidEvent, m.ID)
	}
	return nil
}

// ConversationSummary is one row of the conversation list.
type ConversationSummary struct {
	ContactID          int64      `json:"user_id"`
	Username           string     `json:"username"`
	Phone              string     `json:"phone"`
	IsOnline           bool       `json:"is_online"`
	LastSeen           *time.Time `json:"last_seen,omitempty"`
	LastMessageTime    *time.Time `json:"last_message_time,omitempty"`
	LastMessagePreview string     `json:"last_message_content"`
}

// Outbound events.

type Join struct {
	UserID int64 `json:"user_id"`
}

type SendMessage struct {
	SenderID   int64  `json:"sender_id"`
	ReceiverID int64  `json:"receiver_id"`
	Content    string `json:"content"`
}

type Typing struct {
	SenderID   int64 `json:"sender_id"`
	ReceiverID int64 `json:"receiver_id"`
	IsTyping   bool  `json:"is_typing"`
}

// Inbound events.

type NewMessage struct {
	Message Message `json:"message"`
	Sender  User    `json:"sender"`
}

type MessageSent struct {
	Message Message `json:"message"`
}

type UserTyping struct {
	UserID   int64 `json:"user_id"`
	IsTyping bool  `json:"is_typing"`
}

// Validator is implemented by inbound events that can be checked for completeness.
type Validator interface {
	Validate() error
}

func (e NewMessage) Validate() error  { return e.Message.Validate() }
func (e MessageSent) Validate() error { return e.Message.Validate() }

func (e UserTyping) Validate() error {
	if e.UserID == 0 {
		return fmt.Errorf("%w: user_typing has no user", ErrInvalidEvent)
	}
	return nil
}

// Error is sent by the relay when it rejects a request.
type Error struct {
	Message string `json:"message"`
}

// Connected is delivered locally once the transport handshake completes.
type Connected struct{}

// Disconnected is delivered locally when the transport goes away. Err is nil for an
// explicit close.
type Disconnected struct {
	Err error
}

func (Join) Kind() Kind         { return KindJoin }
func (SendMessage) Kind() Kind  { return KindSendMessage }
func (Typing) Kind() Kind       { return KindTyping }
func (NewMessage) Kind() Kind   { return KindNewMessage }
func (MessageSent) Kind() Kind  { return KindMessageSent }
func (UserTyping) Kind() Kind   { return KindUserTyping }
func (Error) Kind() Kind        { return KindError }
func (Connected) Kind() Kind    { return KindConnected }
func (Disconnected) Kind() Kind { return KindDisconnected }

// Envelope is the JSON frame carried by every websocket message.
type Envelope struct {
	Event Kind            `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode wraps ev in an envelope and marshals it.
func Encode(ev Event) ([]byte, error) {
	switch ev.(type) {
	case Connected, Disconnected:
		return nil, fmt.Errorf("%s is a local event and cannot be encoded", ev.Kind())
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", ev.Kind(), err)
	}
	return json.Marshal(Envelope{Event: ev.Kind(), Data: data})
}

// Decode parses an envelope into its concrete event type.
func Decode(raw []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}

	var ev Event
	var err error
	switch env.Event {
	case KindJoin:
		ev, err = decodeData[Join](env.Data)
	case KindSendMessage:
		ev, err = decodeData[SendMessage](env.Data)
	case KindTyping:
		ev, err = decodeData[Typing](env.Data)
	case KindNewMessage:
		ev, err = decodeData[NewMessage](env.Data)
	case KindMessageSent:
		ev, err = decodeData[MessageSent](env.Data)
	case KindUserTyping:
		ev, err = decodeData[UserTyping](env.Data)
	case KindError:
		ev, err = decodeData[Error](env.Data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", env.Event, err)
	}
	if v, ok := ev.(Validator); ok {
		if err := v.Validate(); err != nil {
			return nil, err
		}
	}
	return ev, nil
}

func decodeData[T Event](data json.RawMessage) (T, error) {
	var v T
	if len(data) == 0 {
		return v, errors.New("missing data")
	}
	err := json.Unmarshal(data, &v)
	return v, err
}
