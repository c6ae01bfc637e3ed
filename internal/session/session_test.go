package session_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"relaychat/internal/session"
	"relaychat/pkg/protocol"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// relay is a scripted websocket server. Every accepted connection reports the frames it
// receives on frames and can be written to through conns.
type relay struct {
	server *httptest.Server
	frames chan protocol.Event
	conns  chan *websocket.Conn
	tokens chan string
}

func newRelay(t *testing.T) *relay {
	t.Helper()
	r := &relay{
		frames: make(chan protocol.Event, 32),
		conns:  make(chan *websocket.Conn, 8),
		tokens: make(chan string, 8),
	}
	r.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		c, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			t.Errorf("failed to upgrade: %v", err)
			return
		}
		defer c.Close()
		r.tokens <- req.URL.Query().Get("token")
		r.conns <- c

		for {
			_, data, err := c.ReadMessage()
			if err != nil {
				return
			}
			ev, err := protocol.Decode(data)
			if err != nil {
				t.Errorf("relay received undecodable frame: %v", err)
				continue
			}
			r.frames <- ev
		}
	}))
	t.Cleanup(r.server.Close)
	return r
}

func (r *relay) url() string {
	return "ws" + strings.TrimPrefix(r.server.URL, "http")
}

func (r *relay) nextFrame(t *testing.T) protocol.Event {
	t.Helper()
	select {
	case ev := <-r.frames:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for frame")
		return nil
	}
}

func (r *relay) nextConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-r.conns:
		return c
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for connection")
		return nil
	}
}

type eventLog struct {
	mu     sync.Mutex
	events []protocol.Event
	notify chan struct{}
}

func newEventLog() *eventLog {
	return &eventLog{notify: make(chan struct{}, 64)}
}

func (l *eventLog) add(ev protocol.Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
	l.notify <- struct{}{}
}

func (l *eventLog) waitFor(t *testing.T, match func(protocol.Event) bool) protocol.Event {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		l.mu.Lock()
		for _, ev := range l.events {
			if match(ev) {
				l.mu.Unlock()
				return ev
			}
		}
		l.mu.Unlock()
		select {
		case <-l.notify:
		case <-deadline:
			t.Fatal("timeout waiting for event")
			return nil
		}
	}
}

func isKind(k protocol.Kind) func(protocol.Event) bool {
	return func(ev protocol.Event) bool { return ev.Kind() == k }
}

func waitStatus(t *testing.T, s *session.Session, want session.Status) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for s.Status() != want {
		if time.Now().After(deadline) {
			t.Fatalf("status = %s, want %s", s.Status(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSession_OpenAnnouncesIdentity(t *testing.T) {
	r := newRelay(t)
	s := session.New(r.url(), session.WithToken("secret"))
	defer s.Close()

	if s.Status() != session.Disconnected {
		t.Fatalf("initial status = %s", s.Status())
	}

	s.Open(protocol.Identity{ID: 1, Username: "alice"})

	ev := r.nextFrame(t)
	join, ok := ev.(protocol.Join)
	if !ok {
		t.Fatalf("expected join as first frame, got %T", ev)
	}
	if join.UserID != 1 {
		t.Errorf("join.UserID = %d, want 1", join.UserID)
	}
	if tok := <-r.tokens; tok != "secret" {
		t.Errorf("token = %q, want secret", tok)
	}
	waitStatus(t, s, session.Connected)
}

func TestSession_OpenSameIdentityIsNoop(t *testing.T) {
	r := newRelay(t)
	s := session.New(r.url())
	defer s.Close()

	s.Open(protocol.Identity{ID: 1})
	r.nextConn(t)
	waitStatus(t, s, session.Connected)

	s.Open(protocol.Identity{ID: 1})

	select {
	case <-r.conns:
		t.Fatal("reopening for the same identity must not dial again")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSession_OpenOtherIdentityReplacesConnection(t *testing.T) {
	r := newRelay(t)
	s := session.New(r.url())
	defer s.Close()

	s.Open(protocol.Identity{ID: 1})
	if join := r.nextFrame(t).(protocol.Join); join.UserID != 1 {
		t.Fatalf("first join for %d", join.UserID)
	}

	s.Open(protocol.Identity{ID: 2})
	if join := r.nextFrame(t).(protocol.Join); join.UserID != 2 {
		t.Fatalf("second join for %d", join.UserID)
	}
	if got := s.Identity().ID; got != 2 {
		t.Errorf("Identity().ID = %d, want 2", got)
	}
}

func TestSession_DeliversInboundEvents(t *testing.T) {
	r := newRelay(t)
	s := session.New(r.url())
	defer s.Close()

	events := newEventLog()
	unsubscribe := s.Subscribe(events.add)
	defer unsubscribe()

	s.Open(protocol.Identity{ID: 1})
	c := r.nextConn(t)
	events.waitFor(t, isKind(protocol.KindConnected))

	c.WriteMessage(websocket.TextMessage, []byte(`{"event":"bogus","data":{}}`))
	c.WriteMessage(websocket.TextMessage, []byte(`not json`))
	data, _ := protocol.Encode(protocol.UserTyping{UserID: 42, IsTyping: true})
	c.WriteMessage(websocket.TextMessage, data)

	ev := events.waitFor(t, isKind(protocol.KindUserTyping))
	if typing := ev.(protocol.UserTyping); typing.UserID != 42 || !typing.IsTyping {
		t.Errorf("unexpected event: %+v", typing)
	}
}

func TestSession_EmitAndClose(t *testing.T) {
	r := newRelay(t)
	s := session.New(r.url())

	if err := s.Emit(protocol.Typing{SenderID: 1, ReceiverID: 2, IsTyping: true}); !errors.Is(err, session.ErrNotConnected) {
		t.Fatalf("Emit before Open: err = %v, want ErrNotConnected", err)
	}

	s.Open(protocol.Identity{ID: 1})
	r.nextFrame(t) // join
	waitStatus(t, s, session.Connected)

	if err := s.Emit(protocol.SendMessage{SenderID: 1, ReceiverID: 2, Content: "hi"}); err != nil {
		t.Fatalf("Emit() error = %v", err)
	}
	if send, ok := r.nextFrame(t).(protocol.SendMessage); !ok || send.Content != "hi" {
		t.Fatalf("unexpected frame %+v", send)
	}

	s.Close()
	s.Close()

	if s.Status() != session.Disconnected {
		t.Errorf("status after Close = %s", s.Status())
	}
	if err := s.Emit(protocol.Typing{}); !errors.Is(err, session.ErrNotConnected) {
		t.Errorf("Emit after Close: err = %v, want ErrNotConnected", err)
	}
}

func TestSession_DialFailureSurfacesAsStatus(t *testing.T) {
	s := session.New("ws://127.0.0.1:1/ws")
	defer s.Close()

	events := newEventLog()
	s.Subscribe(events.add)

	s.Open(protocol.Identity{ID: 1})

	ev := events.waitFor(t, isKind(protocol.KindDisconnected))
	if ev.(protocol.Disconnected).Err == nil {
		t.Error("expected the dial error on the Disconnected event")
	}
	waitStatus(t, s, session.Disconnected)
}

func TestSession_RelayHangupDisconnects(t *testing.T) {
	r := newRelay(t)
	s := session.New(r.url())
	defer s.Close()

	events := newEventLog()
	s.Subscribe(events.add)

	s.Open(protocol.Identity{ID: 1})
	c := r.nextConn(t)
	waitStatus(t, s, session.Connected)

	c.Close()

	events.waitFor(t, isKind(protocol.KindDisconnected))
	waitStatus(t, s, session.Disconnected)

	// The caller decides to reconnect by opening again.
	s.Open(protocol.Identity{ID: 1})
	r.nextConn(t)
	waitStatus(t, s, session.Connected)
}

func TestSession_Unsubscribe(t *testing.T) {
	r := newRelay(t)
	s := session.New(r.url())
	defer s.Close()

	var mu sync.Mutex
	count := 0
	unsubscribe := s.Subscribe(func(protocol.Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	unsubscribe()
	unsubscribe()

	s.Open(protocol.Identity{ID: 1})
	r.nextConn(t)
	waitStatus(t, s, session.Connected)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 0 {
		t.Errorf("unsubscribed handler called %d times", count)
	}
}
