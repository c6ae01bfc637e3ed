package conversation

import (
	"cmp"
	"slices"
	"time"

	"relaychat/pkg/protocol"
)

// Index is the recency-ordered set of conversation summaries, one per contact.
type Index struct {
	byContact map[int64]protocol.ConversationSummary
}

func NewIndex() *Index {
	return &Index{byContact: make(map[int64]protocol.ConversationSummary)}
}

// Replace swaps the whole index for a freshly fetched list. Later duplicates of the same
// contact are ignored, so the first (most recent) row wins.
func (x *Index) Replace(list []protocol.ConversationSummary) {
	x.byContact = make(map[int64]protocol.ConversationSummary, len(list))
	for _, s := range list {
		if _, dup := x.byContact[s.ContactID]; dup {
			continue
		}
		x.byContact[s.ContactID] = s
	}
}

// Upsert inserts s or replaces the existing summary for s.ContactID.
func (x *Index) Upsert(s protocol.ConversationSummary) {
	x.byContact[s.ContactID] = s
}

// Get returns the summary for contact.
func (x *Index) Get(contact int64) (protocol.ConversationSummary, bool) {
	s, ok := x.byContact[contact]
	return s, ok
}

// Touch refreshes the preview of contact's summary with msg, creating the summary when
// the contact is new. profile, when non-nil, refreshes the identity fields too.
func (x *Index) Touch(contact int64, msg protocol.Message, profile *protocol.User) {
	s, ok := x.byContact[contact]
	if !ok {
		s = protocol.ConversationSummary{ContactID: contact}
	}
	if profile != nil {
		s.Username = profile.Username
		s.Phone = profile.Phone
		s.IsOnline = profile.IsOnline
		if profile.LastSeen != nil {
			s.LastSeen = profile.LastSeen
		}
	}
	ts := msg.Timestamp
	s.LastMessageTime = &ts
	s.LastMessagePreview = msg.Content
	x.byContact[contact] = s
}

// Len returns the number of summaries.
func (x *Index) Len() int {
	return len(x.byContact)
}

// List returns the summaries, most recent first. Contacts without messages sort last;
// ties break on contact id.
func (x *Index) List() []protocol.ConversationSummary {
	out := make([]protocol.ConversationSummary, 0, len(x.byContact))
	for _, s := range x.byContact {
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b protocol.ConversationSummary) int {
		if c := compareTimes(b.LastMessageTime, a.LastMessageTime); c != 0 {
			return c
		}
		return cmp.Compare(a.ContactID, b.ContactID)
	})
	return out
}

func compareTimes(a, b *time.Time) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	default:
		return a.Compare(*b)
	}
}
