package broker

import (
	"context"
	"errors"
	"log"
	"sync"
)

var ErrClosed = errors.New("broker closed")

// Local fans deliveries out inside one process. It serves single-instance relays and
// tests.
type Local struct {
	mu     sync.Mutex
	subs   map[chan Delivery]struct{}
	closed bool
}

func NewLocal() *Local {
	return &Local{subs: make(map[chan Delivery]struct{})}
}

func (l *Local) Publish(ctx context.Context, d Delivery) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	subs := make([]chan Delivery, 0, len(l.subs))
	for ch := range l.subs {
		subs = append(subs, ch)
	}
	l.mu.Unlock()

	// Publishers may also be the readers of a subscription, so a full subscriber
	// loses the delivery instead of blocking.
	for _, ch := range subs {
		select {
		case ch <- d:
		default:
			log.Printf("broker: subscriber full, dropping delivery for user %d", d.TargetID)
		}
	}
	return ctx.Err()
}

func (l *Local) Subscribe(ctx context.Context) (<-chan Delivery, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}

	in := make(chan Delivery, 256)
	l.subs[in] = struct{}{}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		defer func() {
			l.mu.Lock()
			delete(l.subs, in)
			l.mu.Unlock()
		}()
		for {
			select {
			case d := <-in:
				select {
				case out <- d:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (l *Local) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return nil
}
