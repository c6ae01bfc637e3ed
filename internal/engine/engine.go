// Package engine is the synchronization facade between the view layer and the relay.
//
// One goroutine (Run) owns every piece of client state: the conversation index, the open
// ledger and the typing presence. Transport events, timer fires, history results and
// view calls are all turned into closures on a single queue and run to completion in
// order, so nothing inside needs a lock.
package engine

import (
	"context"
	"errors"
	"log"
	"strings"

	"relaychat/internal/conversation"
	"relaychat/internal/presence"
	"relaychat/internal/session"
	"relaychat/pkg/protocol"
)

const queueSize = 256

var (
	ErrNoIdentity   = errors.New("no identity: session not started")
	ErrEmptyMessage = errors.New("message content is empty")
	ErrNoContact    = errors.New("no contact selected")
	ErrStopped      = errors.New("engine stopped")

	// ErrIdentityChanged is returned when the identity changed while a fetch was in flight.
	ErrIdentityChanged = errors.New("identity changed during fetch")
)

// Transport is the live connection the engine drives. *session.Session implements it.
type Transport interface {
	Open(id protocol.Identity)
	Close()
	Emit(ev protocol.Event) error
	Subscribe(fn func(protocol.Event)) (unsubscribe func())
	Status() session.Status
}

// Directory is the request/response collaborator that serves history and the
// conversation list. *api.Client implements it.
type Directory interface {
	History(ctx context.Context, contactID int64) ([]protocol.Message, error)
	Conversations(ctx context.Context) ([]protocol.ConversationSummary, error)
}

// ChangeKind says which part of the state a Change refers to.
type ChangeKind int

const (
	ChangeStatus ChangeKind = iota
	ChangeConversations
	ChangeMessages
	ChangeTyping
)

// Change is passed to the OnChange callback after the state moved.
type Change struct {
	Kind      ChangeKind
	ContactID int64
}

type Option func(*Engine)

// WithClock replaces the clock driving typing timers.
func WithClock(c presence.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithPresence overrides the typing quiet window and expiry.
func WithPresence(opts presence.Options) Option {
	return func(e *Engine) {
		e.presenceOpts.QuietWindow = opts.QuietWindow
		e.presenceOpts.TypingExpiry = opts.TypingExpiry
	}
}

// WithOnChange registers fn to be told about state changes. fn runs on the engine
// goroutine: it may read the Change but must not call back into the Engine.
func WithOnChange(fn func(Change)) Option {
	return func(e *Engine) { e.onChange = fn }
}

// Engine is the synchronization facade. Its methods are safe for concurrent use.
type Engine struct {
	transport    Transport
	directory    Directory
	clock        presence.Clock
	presenceOpts presence.Options
	onChange     func(Change)

	queue chan func()
	done  chan struct{}

	// Owned by the Run goroutine.
	ctx         context.Context
	identity    *protocol.Identity
	state       *conversation.State
	typing      *presence.Tracker
	unsubscribe func()
	cancelFetch context.CancelFunc
}

func New(t Transport, d Directory, opts ...Option) *Engine {
	e := &Engine{
		transport: t,
		directory: d,
		clock:     presence.RealClock{},
		onChange:  func(Change) {},
		queue:     make(chan func(), queueSize),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run processes the queue until ctx is cancelled. On exit it unsubscribes from the
// transport, drops all timers and closes the connection.
func (e *Engine) Run(ctx context.Context) error {
	e.ctx = ctx
	for {
		select {
		case fn := <-e.queue:
			fn()
		case <-ctx.Done():
			close(e.done)
			e.end()
			e.transport.Close()
			return ctx.Err()
		}
	}
}

// post queues fn for the Run goroutine. It reports false once Run has exited.
func (e *Engine) post(fn func()) bool {
	select {
	case e.queue <- fn:
		return true
	case <-e.done:
		return false
	}
}

// call runs fn on the Run goroutine and waits for it.
func (e *Engine) call(fn func()) bool {
	finished := make(chan struct{})
	if !e.post(func() {
		defer close(finished)
		fn()
	}) {
		return false
	}
	select {
	case <-finished:
		return true
	case <-e.done:
		return false
	}
}

// Start signs identity in: it resets state when the identity changed, subscribes to the
// transport once, and opens the connection. Calling Start again for the same identity
// after a disconnect reconnects without losing state.
func (e *Engine) Start(id protocol.Identity) {
	if !e.call(func() { e.begin(id) }) {
		return
	}
	e.transport.Open(id)
}

// Stop signs the identity out: it unsubscribes, drops all state and timers, and closes
// the connection.
func (e *Engine) Stop() {
	e.call(e.end)
	e.transport.Close()
}

// SetIdentity follows the identity provider: nil means no session.
func (e *Engine) SetIdentity(id *protocol.Identity) {
	if id == nil {
		e.Stop()
		return
	}
	e.Start(*id)
}

func (e *Engine) begin(id protocol.Identity) {
	if e.identity != nil && e.identity.ID != id.ID {
		e.end()
	}
	if e.identity == nil {
		e.identity = &id
		e.state = conversation.NewState(id.ID)
		e.typing = presence.NewTracker(e.emitTyping, presence.Options{
			QuietWindow:  e.presenceOpts.QuietWindow,
			TypingExpiry: e.presenceOpts.TypingExpiry,
			Clock:        e.clock,
			Dispatch:     func(f func()) { e.post(f) },
			OnFlagChange: func(contact int64, _ bool) {
				e.onChange(Change{Kind: ChangeTyping, ContactID: contact})
			},
		})
	}
	if e.unsubscribe == nil {
		e.unsubscribe = e.transport.Subscribe(func(ev protocol.Event) {
			e.post(func() { e.dispatch(ev) })
		})
	}
}

func (e *Engine) end() {
	if e.unsubscribe != nil {
		e.unsubscribe()
		e.unsubscribe = nil
	}
	if e.cancelFetch != nil {
		e.cancelFetch()
		e.cancelFetch = nil
	}
	if e.typing != nil {
		e.typing.Reset()
	}
	e.identity = nil
	e.state = nil
	e.typing = nil
}

func (e *Engine) emitTyping(ev protocol.Typing) {
	if err := e.transport.Emit(ev); err != nil {
		log.Printf("engine: typing event to %d not sent: %v", ev.ReceiverID, err)
	}
}

// dispatch is the single entry point for transport events.
func (e *Engine) dispatch(ev protocol.Event) {
	switch ev.(type) {
	case protocol.Connected:
		e.onChange(Change{Kind: ChangeStatus})
		return
	case protocol.Disconnected:
		if e.typing != nil {
			e.typing.Reset()
		}
		e.onChange(Change{Kind: ChangeStatus})
		return
	}

	if e.state == nil {
		// Queued before Stop; the session it belonged to is gone.
		return
	}

	if !e.acceptable(ev) {
		return
	}

	switch ev := ev.(type) {
	case protocol.NewMessage:
		contact := ev.Message.Counterparty(e.state.Self())
		var sender *protocol.User
		if ev.Sender.ID != 0 {
			sender = &ev.Sender
		}
		if e.state.RecordIncoming(ev.Message, sender) {
			e.onChange(Change{Kind: ChangeMessages, ContactID: contact})
		}
		e.onChange(Change{Kind: ChangeConversations, ContactID: contact})

	case protocol.MessageSent:
		contact := ev.Message.Counterparty(e.state.Self())
		if e.state.RecordOutgoing(ev.Message) {
			e.onChange(Change{Kind: ChangeMessages, ContactID: contact})
		}
		e.onChange(Change{Kind: ChangeConversations, ContactID: contact})

	case protocol.UserTyping:
		e.typing.Observe(ev)

	case protocol.Error:
		log.Printf("engine: relay rejected request: %s", ev.Message)

	default:
		log.Printf("engine: dropping unexpected %s event", ev.Kind())
	}
}

// acceptable logs and rejects inbound events that are incomplete or that belong to a
// conversation the local identity is not part of.
func (e *Engine) acceptable(ev protocol.Event) bool {
	if v, ok := ev.(protocol.Validator); ok {
		if err := v.Validate(); err != nil {
			log.Printf("engine: dropping %s event: %v", ev.Kind(), err)
			return false
		}
	}
	self := e.state.Self()
	switch ev := ev.(type) {
	case protocol.NewMessage:
		if !ev.Message.Involves(self) {
			log.Printf("engine: dropping new_message %s between %d and %d", ev.Message.ID, ev.Message.SenderID, ev.Message.ReceiverID)
			return false
		}
	case protocol.MessageSent:
		if ev.Message.SenderID != self {
			log.Printf("engine: dropping message_sent %s from %d", ev.Message.ID, ev.Message.SenderID)
			return false
		}
	}
	return true
}

// Send asks the relay to deliver content to contactID. The message appears in the
// ledger only once the relay confirms it with message_sent.
func (e *Engine) Send(contactID int64, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return ErrEmptyMessage
	}

	var err error
	if !e.call(func() {
		if e.identity == nil {
			err = ErrNoIdentity
			return
		}
		self := e.identity.ID
		e.typing.StopTyping(self, contactID)
		err = e.transport.Emit(protocol.SendMessage{
			SenderID:   self,
			ReceiverID: contactID,
			Content:    content,
		})
	}) {
		return ErrStopped
	}
	return err
}

// Keystroke reports local typing activity in the open conversation.
func (e *Engine) Keystroke() {
	e.post(func() {
		if e.identity == nil || e.state.Active() == 0 {
			return
		}
		e.typing.Keystroke(e.identity.ID, e.state.Active())
	})
}

// SwitchConversation opens contact's conversation and reloads its history. A contact
// not yet in the index (picked from a search) is added to it.
func (e *Engine) SwitchConversation(contact protocol.ConversationSummary) error {
	var err error
	if !e.call(func() {
		if e.identity == nil {
			err = ErrNoIdentity
			return
		}
		if contact.ContactID == 0 {
			err = ErrNoContact
			return
		}
		e.switchTo(contact)
	}) {
		return ErrStopped
	}
	return err
}

func (e *Engine) switchTo(contact protocol.ConversationSummary) {
	self := e.identity.ID
	if prev := e.state.Active(); prev != 0 && prev != contact.ContactID {
		e.typing.StopTyping(self, prev)
	}
	if _, ok := e.state.Index().Get(contact.ContactID); !ok {
		e.state.Index().Upsert(contact)
		e.onChange(Change{Kind: ChangeConversations, ContactID: contact.ContactID})
	}

	if e.cancelFetch != nil {
		e.cancelFetch()
	}
	tok := e.state.Switch(contact.ContactID)
	ctx, cancel := context.WithCancel(e.ctx)
	e.cancelFetch = cancel
	e.onChange(Change{Kind: ChangeMessages, ContactID: contact.ContactID})

	state := e.state
	go func() {
		history, err := e.directory.History(ctx, contact.ContactID)
		e.post(func() {
			if e.state != state {
				return
			}
			if err != nil {
				if ctx.Err() == nil {
					log.Printf("engine: history for %d: %v", contact.ContactID, err)
				}
				return
			}
			if state.ApplyHistory(tok, history) {
				e.onChange(Change{Kind: ChangeMessages, ContactID: contact.ContactID})
			}
		})
	}()
}

// CloseConversation leaves the open conversation.
func (e *Engine) CloseConversation() {
	e.post(func() {
		if e.identity == nil {
			return
		}
		if prev := e.state.Active(); prev != 0 {
			e.typing.StopTyping(e.identity.ID, prev)
		}
		if e.cancelFetch != nil {
			e.cancelFetch()
			e.cancelFetch = nil
		}
		e.state.Close()
		e.onChange(Change{Kind: ChangeMessages})
	})
}

// RefreshConversations replaces the index with a fresh conversation-list fetch. The
// result is discarded if the identity changed while the fetch was in flight.
func (e *Engine) RefreshConversations(ctx context.Context) error {
	var target *conversation.State
	if !e.call(func() { target = e.state }) {
		return ErrStopped
	}
	if target == nil {
		return ErrNoIdentity
	}

	list, err := e.directory.Conversations(ctx)
	if err != nil {
		return err
	}
	var callErr error
	if !e.call(func() {
		if e.state != target {
			callErr = ErrIdentityChanged
			return
		}
		e.state.ReplaceConversations(list)
		e.onChange(Change{Kind: ChangeConversations})
	}) {
		return ErrStopped
	}
	return callErr
}

// Status returns the connection status.
func (e *Engine) Status() session.Status {
	return e.transport.Status()
}

// Identity returns the signed-in identity, if any.
func (e *Engine) Identity() (protocol.Identity, bool) {
	var id protocol.Identity
	var ok bool
	e.call(func() {
		if e.identity != nil {
			id, ok = *e.identity, true
		}
	})
	return id, ok
}

// TypingFlags returns a snapshot of which contacts are currently typing.
func (e *Engine) TypingFlags() map[int64]bool {
	flags := map[int64]bool{}
	e.call(func() {
		if e.typing != nil {
			flags = e.typing.Flags()
		}
	})
	return flags
}

// Conversations returns the index, most recent first.
func (e *Engine) Conversations() []protocol.ConversationSummary {
	var list []protocol.ConversationSummary
	e.call(func() {
		if e.state != nil {
			list = e.state.Index().List()
		}
	})
	return list
}

// Active returns the open contact, or 0.
func (e *Engine) Active() int64 {
	var id int64
	e.call(func() {
		if e.state != nil {
			id = e.state.Active()
		}
	})
	return id
}

// Messages returns the ledger of the open conversation.
func (e *Engine) Messages() []protocol.Message {
	var msgs []protocol.Message
	e.call(func() {
		if e.state != nil {
			msgs = e.state.Messages()
		}
	})
	return msgs
}

// Loading reports whether the open conversation is still waiting for its history.
func (e *Engine) Loading() bool {
	var loading bool
	e.call(func() {
		if e.state != nil {
			loading = e.state.Loading()
		}
	})
	return loading
}
