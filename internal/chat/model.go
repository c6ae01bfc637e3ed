package chat

import (
	"errors"

	"relaychat/pkg/protocol"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrForbidden = errors.New("forbidden")
)

// Messages the relay sends back in error events.
const (
	errIncomplete  = "incomplete payload: sender_id, receiver_id and content are required"
	errImpersonate = "sender does not match the authenticated user"
	errRateLimited = "rate limit exceeded"
	errNotSaved    = "message could not be saved"
	errUnsupported = "unsupported event"
	errMalformed   = "malformed event"
)

// inbound is one frame read from a client, handed to the hub.
type inbound struct {
	client *Client
	event  protocol.Event
	err    error
}
