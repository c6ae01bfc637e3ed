package chat

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"relaychat/internal/broker"
	"relaychat/pkg/protocol"
)

const storeTimeout = 5 * time.Second

// MessageStore persists relayed messages. *Repository implements it.
type MessageStore interface {
	SaveMessage(ctx context.Context, m protocol.Message) error
}

// PresenceStore tracks who is online. *user.Service implements it.
type PresenceStore interface {
	SetOnline(ctx context.Context, userID int64, online bool) error
	Profile(ctx context.Context, userID int64) (protocol.User, error)
}

// Limiter throttles send_message per user.
type Limiter interface {
	AllowUser(userID int64) bool
}

// Hub owns every local connection. It turns client frames into deliveries on the
// broker and hands broker deliveries to the joined clients of their target user.
type Hub struct {
	conns   map[*Client]bool
	clients map[int64]map[*Client]bool // joined clients by user

	Register   chan *Client
	Unregister chan *Client
	inbound    chan inbound
	done       chan struct{}

	broker   broker.Broker
	messages MessageStore
	presence PresenceStore
	limiter  Limiter

	now       func() time.Time
	lastStamp time.Time
}

func NewHub(b broker.Broker, messages MessageStore, presence PresenceStore, limiter Limiter) *Hub {
	return &Hub{
		conns:      make(map[*Client]bool),
		clients:    make(map[int64]map[*Client]bool),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		inbound:    make(chan inbound, 256),
		done:       make(chan struct{}),
		broker:     b,
		messages:   messages,
		presence:   presence,
		limiter:    limiter,
		now:        time.Now,
	}
}

// Run subscribes to the broker and serves clients until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)

	deliveries, err := h.broker.Subscribe(ctx)
	if err != nil {
		return err
	}

	for {
		select {
		case client := <-h.Register:
			h.conns[client] = true

		case client := <-h.Unregister:
			h.remove(client)

		case in := <-h.inbound:
			h.handle(ctx, in)

		case d, ok := <-deliveries:
			if !ok {
				deliveries = nil
				continue
			}
			h.deliver(d)

		case <-ctx.Done():
			for client := range h.conns {
				h.remove(client)
			}
			return ctx.Err()
		}
	}
}

func (h *Hub) register(c *Client) bool {
	select {
	case h.Register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) unregister(c *Client) {
	select {
	case h.Unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) receive(in inbound) bool {
	select {
	case h.inbound <- in:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) remove(c *Client) {
	if !h.conns[c] {
		return
	}
	delete(h.conns, c)
	close(c.send)

	if !c.joined {
		return
	}
	set := h.clients[c.UserID]
	delete(set, c)
	if len(set) == 0 {
		delete(h.clients, c.UserID)
		h.setOnline(c.UserID, false)
	}
}

func (h *Hub) setOnline(userID int64, online bool) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := h.presence.SetOnline(ctx, userID, online); err != nil {
		log.Printf("❌ presence update for user %d: %v", userID, err)
	}
}

// stamp returns a strictly increasing timestamp with database precision.
func (h *Hub) stamp() time.Time {
	t := h.now().UTC().Truncate(time.Microsecond)
	if !t.After(h.lastStamp) {
		t = h.lastStamp.Add(time.Microsecond)
	}
	h.lastStamp = t
	return t
}

func (h *Hub) handle(ctx context.Context, in inbound) {
	c := in.client
	if !h.conns[c] {
		return
	}
	if in.err != nil {
		log.Printf("user %d sent a bad frame: %v", c.UserID, in.err)
		h.reply(c, protocol.Error{Message: errMalformed})
		return
	}

	switch ev := in.event.(type) {
	case protocol.Join:
		h.join(c, ev)
	case protocol.SendMessage:
		h.sendMessage(ctx, c, ev)
	case protocol.Typing:
		if ev.ReceiverID == 0 {
			return
		}
		h.publish(ctx, ev.ReceiverID, protocol.UserTyping{UserID: c.UserID, IsTyping: ev.IsTyping})
	default:
		h.reply(c, protocol.Error{Message: errUnsupported})
	}
}

func (h *Hub) join(c *Client, ev protocol.Join) {
	if ev.UserID != c.UserID {
		h.reply(c, protocol.Error{Message: errImpersonate})
		return
	}
	if c.joined {
		return
	}
	c.joined = true

	set, ok := h.clients[c.UserID]
	if !ok {
		set = make(map[*Client]bool)
		h.clients[c.UserID] = set
	}
	set[c] = true
	if !ok {
		h.setOnline(c.UserID, true)
	}
	log.Printf("user %d joined", c.UserID)
}

func (h *Hub) sendMessage(ctx context.Context, c *Client, ev protocol.SendMessage) {
	content := strings.TrimSpace(ev.Content)
	if ev.ReceiverID == 0 || content == "" {
		h.reply(c, protocol.Error{Message: errIncomplete})
		return
	}
	if ev.SenderID != 0 && ev.SenderID != c.UserID {
		h.reply(c, protocol.Error{Message: errImpersonate})
		return
	}
	if h.limiter != nil && !h.limiter.AllowUser(c.UserID) {
		h.reply(c, protocol.Error{Message: errRateLimited})
		return
	}

	msg := protocol.Message{
		ID:         uuid.NewString(),
		SenderID:   c.UserID,
		ReceiverID: ev.ReceiverID,
		Content:    content,
		Timestamp:  h.stamp(),
	}

	storeCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	err := h.messages.SaveMessage(storeCtx, msg)
	cancel()
	if err != nil {
		log.Printf("❌ DB Error: %v", err)
		h.reply(c, protocol.Error{Message: errNotSaved})
		return
	}

	sender, err := h.presence.Profile(ctx, c.UserID)
	if err != nil {
		sender = protocol.User{ID: c.UserID, Username: c.Username}
	}
	sender.IsOnline = true

	h.publish(ctx, msg.ReceiverID, protocol.NewMessage{Message: msg, Sender: sender})
	h.reply(c, protocol.MessageSent{Message: msg})
}

// publish routes ev to every relay instance, one of which holds the target's clients.
func (h *Hub) publish(ctx context.Context, target int64, ev protocol.Event) {
	data, err := protocol.Encode(ev)
	if err != nil {
		log.Printf("encode %s: %v", ev.Kind(), err)
		return
	}
	if err := h.broker.Publish(ctx, broker.Delivery{TargetID: target, Payload: data}); err != nil {
		log.Printf("❌ Broker publish to user %d: %v", target, err)
	}
}

func (h *Hub) deliver(d broker.Delivery) {
	for client := range h.clients[d.TargetID] {
		h.enqueue(client, d.Payload)
	}
}

func (h *Hub) reply(c *Client, ev protocol.Event) {
	data, err := protocol.Encode(ev)
	if err != nil {
		log.Printf("encode %s: %v", ev.Kind(), err)
		return
	}
	h.enqueue(c, data)
}

// enqueue drops a client whose buffer is full.
func (h *Hub) enqueue(c *Client, data []byte) {
	select {
	case c.send <- data:
	default:
		h.remove(c)
	}
}
