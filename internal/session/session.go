// Package session owns the live websocket connection to the relay for one signed-in
// identity.
package session

import (
	"context"
	"errors"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"relaychat/pkg/protocol"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the relay.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong from the relay.
	pingPeriod     = (pongWait * 9) / 10 // Must be less than pongWait.
	maxMessageSize = 64 * 1024
	sendBuffer     = 64
)

var (
	// ErrNotConnected is returned by Emit when there is no live connection.
	ErrNotConnected = errors.New("not connected to relay")

	// ErrSendBufferFull is returned by Emit when the outbound queue is saturated.
	ErrSendBufferFull = errors.New("send buffer full")
)

// Status is the connection state.
type Status int

const (
	Disconnected Status = iota
	Connecting
	Connected
)

func (s Status) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// Session holds at most one connection at a time. Its lifecycle is explicit: Open
// starts a connection for an identity and Close releases it.
type Session struct {
	url    string
	token  string
	header http.Header
	dialer *websocket.Dialer

	mu       sync.RWMutex
	status   Status
	identity protocol.Identity
	link     *link

	subsMu  sync.RWMutex
	subs    []subscriber
	nextSub int

	wg sync.WaitGroup
}

type subscriber struct {
	id int
	fn func(protocol.Event)
}

// link is one connection attempt and, once dialed, its socket.
type link struct {
	conn   *websocket.Conn // guarded by Session.mu
	send   chan []byte
	done   chan struct{}
	cancel context.CancelFunc
	once   sync.Once
}

func (l *link) shutdown(conn *websocket.Conn) {
	l.once.Do(func() {
		close(l.done)
		l.cancel()
		if conn != nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			conn.Close()
		}
	})
}

type Option func(*Session)

// WithToken authenticates the websocket handshake with a bearer token, passed in the
// token query parameter.
func WithToken(token string) Option {
	return func(s *Session) { s.token = token }
}

// WithHeader adds request headers to the handshake.
func WithHeader(h http.Header) Option {
	return func(s *Session) { s.header = h }
}

// WithDialer replaces websocket.DefaultDialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(s *Session) { s.dialer = d }
}

// New creates a Session for the relay at rawURL (ws:// or wss://). It does not connect.
func New(rawURL string, opts ...Option) *Session {
	s := &Session{url: rawURL, dialer: websocket.DefaultDialer}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Status returns the current connection state.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Identity returns the identity of the current or last connection.
func (s *Session) Identity() protocol.Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity
}

// Open connects on behalf of id. It is a no-op while a connection for the same identity
// is connecting or connected; a connection for another identity is closed first.
//
// Open never blocks on the network and never returns a dial error: failures show up
// as a transition back to Disconnected and a protocol.Disconnected event.
func (s *Session) Open(id protocol.Identity) {
	s.mu.RLock()
	same := s.link != nil && s.identity.ID == id.ID
	s.mu.RUnlock()
	if same {
		return
	}
	s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	l := &link{
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
		cancel: cancel,
	}

	s.mu.Lock()
	s.identity = id
	s.link = l
	s.status = Connecting
	s.mu.Unlock()

	s.wg.Add(1)
	go s.connect(ctx, l, id)
}

// Close tears down the connection, if any, and waits for its goroutines to exit.
// It is safe to call more than once, but not from inside a subscriber, since it
// waits for the reader goroutine that runs subscribers.
func (s *Session) Close() {
	s.mu.Lock()
	l := s.link
	var conn *websocket.Conn
	if l != nil {
		conn = l.conn
	}
	s.link = nil
	s.status = Disconnected
	s.mu.Unlock()

	if l == nil {
		return
	}
	l.shutdown(conn)
	s.wg.Wait()
	s.publish(protocol.Disconnected{})
}

// Emit queues ev for delivery to the relay.
func (s *Session) Emit(ev protocol.Event) error {
	s.mu.RLock()
	l := s.link
	status := s.status
	s.mu.RUnlock()

	if l == nil || status != Connected {
		return ErrNotConnected
	}

	data, err := protocol.Encode(ev)
	if err != nil {
		return err
	}

	select {
	case l.send <- data:
		return nil
	case <-l.done:
		return ErrNotConnected
	default:
		return ErrSendBufferFull
	}
}

// Subscribe registers fn for every event delivered by the relay, plus the local
// Connected and Disconnected events. fn runs on the session's reader goroutine and
// must not block for long. The returned function removes the subscription.
func (s *Session) Subscribe(fn func(protocol.Event)) (unsubscribe func()) {
	s.subsMu.Lock()
	s.nextSub++
	id := s.nextSub
	s.subs = append(s.subs, subscriber{id: id, fn: fn})
	s.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subsMu.Lock()
			defer s.subsMu.Unlock()
			for i, sub := range s.subs {
				if sub.id == id {
					s.subs = append(s.subs[:i], s.subs[i+1:]...)
					return
				}
			}
		})
	}
}

func (s *Session) publish(ev protocol.Event) {
	s.subsMu.RLock()
	subs := make([]subscriber, len(s.subs))
	copy(subs, s.subs)
	s.subsMu.RUnlock()

	for _, sub := range subs {
		sub.fn(ev)
	}
}

func (s *Session) dialURL() (string, error) {
	if s.token == "" {
		return s.url, nil
	}
	u, err := url.Parse(s.url)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("token", s.token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (s *Session) connect(ctx context.Context, l *link, id protocol.Identity) {
	defer s.wg.Done()

	target, err := s.dialURL()
	if err != nil {
		log.Printf("session: invalid relay url %q: %v", s.url, err)
		s.drop(l, err)
		return
	}

	conn, _, err := s.dialer.DialContext(ctx, target, s.header)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("session: dial failed: %v", err)
			s.drop(l, err)
		}
		return
	}

	s.mu.Lock()
	if s.link != l {
		// Closed or replaced while dialing.
		s.mu.Unlock()
		conn.Close()
		return
	}
	l.conn = conn
	// The join announcement is queued before Emit can see Connected, so it is always
	// the first frame on the connection.
	if data, err := protocol.Encode(protocol.Join{UserID: id.ID}); err == nil {
		l.send <- data
	}
	s.status = Connected
	s.mu.Unlock()

	s.wg.Add(2)
	go s.writePump(l, conn)
	go s.readPump(l, conn)

	s.publish(protocol.Connected{})
}

// drop handles a connection that failed or went away on its own.
func (s *Session) drop(l *link, cause error) {
	s.mu.Lock()
	if s.link != l {
		s.mu.Unlock()
		return
	}
	conn := l.conn
	s.link = nil
	s.status = Disconnected
	s.mu.Unlock()

	l.shutdown(conn)
	s.publish(protocol.Disconnected{Err: cause})
}

// readPump pumps events from the relay to the subscribers.
func (s *Session) readPump(l *link, conn *websocket.Conn) {
	defer s.wg.Done()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-l.done:
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Printf("session: read error: %v", err)
				}
			}
			s.drop(l, err)
			return
		}

		ev, err := protocol.Decode(raw)
		if err != nil {
			log.Printf("session: dropping event: %v", err)
			continue
		}
		s.publish(ev)
	}
}

// writePump pumps queued events to the relay and keeps the connection alive.
func (s *Session) writePump(l *link, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.wg.Done()
	}()

	for {
		select {
		case data := <-l.send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.drop(l, err)
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.drop(l, err)
				return
			}

		case <-l.done:
			return
		}
	}
}
