// Package conversation holds the client-side conversation index and the message ledger
// of the open conversation, and reconciles both against local sends and relay events.
//
// Every method is a pure state transition with no I/O. The caller owns the State and is
// responsible for calling it from a single goroutine.
package conversation

import "relaychat/pkg/protocol"

// Token identifies one history fetch. Only the token returned by the latest Switch is
// accepted by ApplyHistory.
type Token uint64

// State is the conversation index plus the ledger of the active conversation.
type State struct {
	self   int64
	index  *Index
	active int64
	ledger *Ledger
	token  Token

	loading bool
}

// NewState creates an empty State for the local identity self.
func NewState(self int64) *State {
	return &State{self: self, index: NewIndex()}
}

// Self returns the local identity id.
func (s *State) Self() int64 { return s.self }

// Index returns the conversation index.
func (s *State) Index() *Index { return s.index }

// Active returns the open contact, or 0 when none is open.
func (s *State) Active() int64 { return s.active }

// Loading reports whether the active conversation is waiting for its history.
func (s *State) Loading() bool { return s.loading }

// Messages returns the ledger of the active conversation.
func (s *State) Messages() []protocol.Message {
	if s.ledger == nil {
		return nil
	}
	return s.ledger.Messages()
}

// Switch makes contact the active conversation and starts a new history load. The
// returned token must accompany the fetched history.
func (s *State) Switch(contact int64) Token {
	s.token++
	s.active = contact
	s.ledger = NewLedger(contact)
	s.loading = true
	return s.token
}

// Close clears the active conversation and invalidates any outstanding history fetch.
func (s *State) Close() {
	s.token++
	s.active = 0
	s.ledger = nil
	s.loading = false
}

// ApplyHistory merges a fetched history into the active ledger. The history becomes the
// base; messages that streamed in live and are missing from it are appended after it in
// arrival order. A result for a superseded token is discarded and ApplyHistory returns
// false.
func (s *State) ApplyHistory(tok Token, history []protocol.Message) bool {
	if tok != s.token || s.ledger == nil {
		return false
	}
	s.ledger = s.ledger.merge(history)
	s.loading = false
	return true
}

// RecordOutgoing applies the relay's confirmation of a message sent by the local user.
// It appends to the ledger when the counterparty's conversation is open and always
// refreshes the counterparty's summary. It reports whether the ledger changed.
func (s *State) RecordOutgoing(msg protocol.Message) bool {
	contact := msg.Counterparty(s.self)
	s.index.Touch(contact, msg, nil)

	if s.ledger == nil || s.active != contact {
		return false
	}
	return s.ledger.Append(msg)
}

// RecordIncoming applies a message delivered by the relay from another user. It appends
// to the ledger when the message belongs to the open conversation and always refreshes
// the sender's summary. A message not addressed to self is ignored. It reports whether
// the ledger changed.
func (s *State) RecordIncoming(msg protocol.Message, sender *protocol.User) bool {
	if msg.SenderID == s.self {
		return s.RecordOutgoing(msg)
	}
	if msg.ReceiverID != s.self {
		return false
	}

	profile := sender
	if profile != nil {
		p := *profile
		p.IsOnline = true
		profile = &p
	}
	s.index.Touch(msg.SenderID, msg, profile)

	if s.ledger == nil || s.active == 0 {
		return false
	}
	if s.active != msg.SenderID {
		return false
	}
	return s.ledger.Append(msg)
}

// ReplaceConversations seeds the index from a conversation-list fetch.
func (s *State) ReplaceConversations(list []protocol.ConversationSummary) {
	s.index.Replace(list)
}
