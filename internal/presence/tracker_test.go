package presence

import (
	"testing"
	"time"

	"relaychat/pkg/protocol"
)

type recorder struct {
	events []protocol.Typing
}

func (r *recorder) emit(ev protocol.Typing) {
	r.events = append(r.events, ev)
}

func newTestTracker(clock *ManualClock) (*Tracker, *recorder) {
	rec := &recorder{}
	tr := NewTracker(rec.emit, Options{Clock: clock})
	return tr, rec
}

func TestTracker_InboundExpiresAfterThreeSeconds(t *testing.T) {
	clock := NewManualClock()
	tr, _ := newTestTracker(clock)

	tr.Observe(protocol.UserTyping{UserID: 42, IsTyping: true})
	if !tr.Flag(42) {
		t.Fatal("expected flag to be set")
	}

	clock.Advance(2999 * time.Millisecond)
	if !tr.Flag(42) {
		t.Fatal("expected flag to still be set just before expiry")
	}

	clock.Advance(time.Millisecond)
	if tr.Flag(42) {
		t.Fatal("expected flag to clear at expiry")
	}
	if tr.PendingExpiries() != 0 {
		t.Errorf("expected no pending expiries, got %d", tr.PendingExpiries())
	}
}

func TestTracker_InboundRefreshResetsTimer(t *testing.T) {
	clock := NewManualClock()
	tr, _ := newTestTracker(clock)

	tr.Observe(protocol.UserTyping{UserID: 42, IsTyping: true})
	clock.Advance(time.Second)
	tr.Observe(protocol.UserTyping{UserID: 42, IsTyping: true})

	if n := tr.PendingExpiries(); n != 1 {
		t.Fatalf("expected exactly one expiry timer, got %d", n)
	}
	if n := clock.Pending(); n != 1 {
		t.Fatalf("expected exactly one scheduled timer on the clock, got %d", n)
	}

	// 3.5s after the first event: the first timer would have fired by now.
	clock.Advance(2500 * time.Millisecond)
	if !tr.Flag(42) {
		t.Fatal("expected flag to remain set after the original deadline")
	}

	// 4s after the first event.
	clock.Advance(500 * time.Millisecond)
	if tr.Flag(42) {
		t.Fatal("expected flag to clear four seconds after the first event")
	}
}

func TestTracker_InboundExplicitFalse(t *testing.T) {
	clock := NewManualClock()
	tr, _ := newTestTracker(clock)

	var changes []bool
	tr.onChange = func(_ int64, typing bool) { changes = append(changes, typing) }

	tr.Observe(protocol.UserTyping{UserID: 7, IsTyping: true})
	tr.Observe(protocol.UserTyping{UserID: 7, IsTyping: false})

	if tr.Flag(7) {
		t.Fatal("expected flag cleared by explicit false")
	}
	if tr.PendingExpiries() != 0 || clock.Pending() != 0 {
		t.Fatal("expected expiry timer to be cancelled")
	}
	if len(changes) != 2 || !changes[0] || changes[1] {
		t.Errorf("unexpected flag changes: %v", changes)
	}

	clock.Advance(5 * time.Second)
	if len(changes) != 2 {
		t.Errorf("cancelled timer must not fire, got changes %v", changes)
	}
}

func TestTracker_OutboundDebounce(t *testing.T) {
	clock := NewManualClock()
	tr, rec := newTestTracker(clock)

	tr.Keystroke(1, 42)
	clock.Advance(time.Second)
	tr.Keystroke(1, 42)
	clock.Advance(time.Second)
	tr.Keystroke(1, 42)

	if len(rec.events) != 1 || !rec.events[0].IsTyping {
		t.Fatalf("expected a single typing=true, got %+v", rec.events)
	}

	clock.Advance(1999 * time.Millisecond)
	if len(rec.events) != 1 {
		t.Fatalf("quiet window not yet elapsed, got %+v", rec.events)
	}

	clock.Advance(time.Millisecond)
	if len(rec.events) != 2 || rec.events[1].IsTyping {
		t.Fatalf("expected typing=false after quiet window, got %+v", rec.events)
	}
	if tr.IsTyping(1, 42) {
		t.Error("expected typing mark cleared")
	}
}

func TestTracker_StopTypingOnSend(t *testing.T) {
	clock := NewManualClock()
	tr, rec := newTestTracker(clock)

	tr.Keystroke(1, 42)
	if !tr.StopTyping(1, 42) {
		t.Fatal("expected StopTyping to emit")
	}
	if tr.StopTyping(1, 42) {
		t.Fatal("second StopTyping must be a no-op")
	}

	clock.Advance(10 * time.Second)

	if len(rec.events) != 2 {
		t.Fatalf("expected exactly true then false, got %+v", rec.events)
	}
	if want := (protocol.Typing{SenderID: 1, ReceiverID: 42, IsTyping: false}); rec.events[1] != want {
		t.Errorf("got %+v, want %+v", rec.events[1], want)
	}
}

func TestTracker_PairsAreIndependent(t *testing.T) {
	clock := NewManualClock()
	tr, rec := newTestTracker(clock)

	tr.Keystroke(1, 42)
	tr.Keystroke(1, 43)
	tr.StopTyping(1, 42)

	if !tr.IsTyping(1, 43) {
		t.Fatal("stopping one pair must not affect another")
	}
	if len(rec.events) != 3 {
		t.Fatalf("expected 3 events, got %+v", rec.events)
	}
}

func TestTracker_Reset(t *testing.T) {
	clock := NewManualClock()
	tr, rec := newTestTracker(clock)

	tr.Keystroke(1, 42)
	tr.Observe(protocol.UserTyping{UserID: 42, IsTyping: true})
	tr.Reset()

	if clock.Pending() != 0 {
		t.Errorf("expected all timers stopped, %d pending", clock.Pending())
	}
	if len(tr.Flags()) != 0 {
		t.Errorf("expected flags cleared, got %v", tr.Flags())
	}
	clock.Advance(10 * time.Second)
	if len(rec.events) != 1 {
		t.Errorf("reset must not emit, got %+v", rec.events)
	}
}

func TestRegistry_DispatchedStaleFireIsDropped(t *testing.T) {
	clock := NewManualClock()

	// Capture fired callbacks instead of running them, to simulate a fire that was
	// already queued when the key got rescheduled.
	var queued []func()
	reg := NewRegistry[string](clock, func(f func()) { queued = append(queued, f) })

	fired := 0
	reg.Schedule("k", time.Second, func() { fired++ })
	clock.Advance(time.Second)
	reg.Schedule("k", time.Second, func() { fired += 10 })

	for _, f := range queued {
		f()
	}
	if fired != 0 {
		t.Fatalf("stale fire must be dropped, fired = %d", fired)
	}
	if !reg.Active("k") {
		t.Fatal("replacement timer must still be active")
	}

	queued = nil
	clock.Advance(time.Second)
	for _, f := range queued {
		f()
	}
	if fired != 10 {
		t.Fatalf("expected replacement to fire, fired = %d", fired)
	}
}
