package conversation

import (
	"slices"

	"relaychat/pkg/protocol"
)

// Ledger is the append-only message sequence of one conversation. Entries are kept in
// the order they were confirmed and never mutated or removed.
type Ledger struct {
	contact  int64
	messages []protocol.Message
	ids      map[string]struct{}
}

func NewLedger(contact int64) *Ledger {
	return &Ledger{contact: contact, ids: make(map[string]struct{})}
}

// Contact returns the counterparty of this conversation.
func (l *Ledger) Contact() int64 {
	return l.contact
}

// Append adds msg unless a message with the same id is already present. It reports
// whether the ledger changed.
func (l *Ledger) Append(msg protocol.Message) bool {
	if _, dup := l.ids[msg.ID]; dup {
		return false
	}
	l.ids[msg.ID] = struct{}{}
	l.messages = append(l.messages, msg)
	return true
}

// Has reports whether a message id is present.
func (l *Ledger) Has(id string) bool {
	_, ok := l.ids[id]
	return ok
}

// Len returns the number of messages.
func (l *Ledger) Len() int {
	return len(l.messages)
}

// Messages returns a copy of the entries in order.
func (l *Ledger) Messages() []protocol.Message {
	return slices.Clone(l.messages)
}

// merge builds the ledger that results from taking history as the base and appending,
// in their current order, every entry of l not present in history.
func (l *Ledger) merge(history []protocol.Message) *Ledger {
	out := NewLedger(l.contact)
	for _, m := range history {
		out.Append(m)
	}
	for _, m := range l.messages {
		out.Append(m)
	}
	return out
}
