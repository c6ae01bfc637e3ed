// Package presence tracks typing indicators in both directions.
//
// Outbound, keystrokes become a debounced pair of typing=true / typing=false events.
// Inbound, typing events become a per-contact flag that expires on its own.
package presence

import (
	"maps"
	"time"

	"relaychat/pkg/protocol"
)

const (
	// DefaultQuietWindow is how long the local user must stop typing before
	// typing=false is sent.
	DefaultQuietWindow = 2 * time.Second

	// DefaultTypingExpiry is how long an inbound typing=true stays visible without
	// a refresh.
	DefaultTypingExpiry = 3 * time.Second
)

// Pair identifies an outbound typing stream from the local user to one contact.
type Pair struct {
	Local  int64
	Remote int64
}

type Options struct {
	QuietWindow  time.Duration
	TypingExpiry time.Duration
	Clock        Clock

	// Dispatch runs fired timer callbacks on the tracker's owning goroutine.
	Dispatch func(func())

	// OnFlagChange is called whenever an inbound flag flips.
	OnFlagChange func(contactID int64, typing bool)
}

// Tracker is not safe for concurrent use; see Registry.
type Tracker struct {
	emit     func(protocol.Typing)
	quiet    time.Duration
	expiry   time.Duration
	onChange func(int64, bool)

	typing      map[Pair]bool
	quietTimers *Registry[Pair]

	flags        map[int64]bool
	expiryTimers *Registry[int64]
}

// NewTracker creates a Tracker that hands outbound presence events to emit.
func NewTracker(emit func(protocol.Typing), opts Options) *Tracker {
	if opts.QuietWindow <= 0 {
		opts.QuietWindow = DefaultQuietWindow
	}
	if opts.TypingExpiry <= 0 {
		opts.TypingExpiry = DefaultTypingExpiry
	}
	if opts.OnFlagChange == nil {
		opts.OnFlagChange = func(int64, bool) {}
	}
	return &Tracker{
		emit:         emit,
		quiet:        opts.QuietWindow,
		expiry:       opts.TypingExpiry,
		onChange:     opts.OnFlagChange,
		typing:       make(map[Pair]bool),
		quietTimers:  NewRegistry[Pair](opts.Clock, opts.Dispatch),
		flags:        make(map[int64]bool),
		expiryTimers: NewRegistry[int64](opts.Clock, opts.Dispatch),
	}
}

// Keystroke records local typing activity towards remote.
func (t *Tracker) Keystroke(local, remote int64) {
	p := Pair{Local: local, Remote: remote}
	if !t.typing[p] {
		t.typing[p] = true
		t.emit(protocol.Typing{SenderID: local, ReceiverID: remote, IsTyping: true})
	}
	t.quietTimers.Schedule(p, t.quiet, func() {
		t.stop(p)
	})
}

// StopTyping ends the outbound typing state for the pair immediately, as when a message
// is sent. It reports whether typing=false was emitted.
func (t *Tracker) StopTyping(local, remote int64) bool {
	p := Pair{Local: local, Remote: remote}
	t.quietTimers.Cancel(p)
	if !t.typing[p] {
		return false
	}
	t.stop(p)
	return true
}

func (t *Tracker) stop(p Pair) {
	delete(t.typing, p)
	t.emit(protocol.Typing{SenderID: p.Local, ReceiverID: p.Remote, IsTyping: false})
}

// IsTyping reports whether the local user is currently marked as typing to remote.
func (t *Tracker) IsTyping(local, remote int64) bool {
	return t.typing[Pair{Local: local, Remote: remote}]
}

// Observe applies an inbound presence event.
func (t *Tracker) Observe(ev protocol.UserTyping) {
	contact := ev.UserID
	if !ev.IsTyping {
		t.expiryTimers.Cancel(contact)
		t.setFlag(contact, false)
		return
	}

	t.setFlag(contact, true)
	t.expiryTimers.Schedule(contact, t.expiry, func() {
		t.setFlag(contact, false)
	})
}

func (t *Tracker) setFlag(contact int64, typing bool) {
	prev, seen := t.flags[contact]
	t.flags[contact] = typing
	if !seen || prev != typing {
		t.onChange(contact, typing)
	}
}

// Flag returns the inbound typing flag for contact.
func (t *Tracker) Flag(contact int64) bool {
	return t.flags[contact]
}

// Flags returns a copy of all inbound typing flags.
func (t *Tracker) Flags() map[int64]bool {
	return maps.Clone(t.flags)
}

// PendingExpiries returns the number of live inbound expiry timers.
func (t *Tracker) PendingExpiries() int {
	return t.expiryTimers.Len()
}

// Reset cancels every timer and forgets all state without emitting anything.
func (t *Tracker) Reset() {
	t.quietTimers.CancelAll()
	t.expiryTimers.CancelAll()
	clear(t.typing)
	clear(t.flags)
}
