package broker

import (
	"context"
	"fmt"
	"log"
	"strconv"

	"github.com/nats-io/nats.go"
)

const natsSubjectPrefix = "relay.user"

type NATS struct {
	nc *nats.Conn
}

// NewNATS connects to the NATS server at url.
func NewNATS(url string) (*NATS, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url, nats.Name("relaychat"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NATS{nc: nc}, nil
}

// subject addresses one user, e.g. relay.user.42.
func subject(target int64) string {
	return natsSubjectPrefix + "." + strconv.FormatInt(target, 10)
}

func (n *NATS) Publish(ctx context.Context, d Delivery) error {
	data, err := encode(d)
	if err != nil {
		return err
	}
	if err := n.nc.Publish(subject(d.TargetID), data); err != nil {
		return fmt.Errorf("failed to publish to subject '%s': %w", subject(d.TargetID), err)
	}
	return nil
}

func (n *NATS) Subscribe(ctx context.Context) (<-chan Delivery, error) {
	msgs := make(chan *nats.Msg, 256)
	sub, err := n.nc.ChanSubscribe(natsSubjectPrefix+".*", msgs)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s.*: %w", natsSubjectPrefix, err)
	}
	if err := n.nc.Flush(); err != nil {
		sub.Unsubscribe()
		return nil, err
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		defer sub.Unsubscribe()

		for {
			select {
			case m := <-msgs:
				d, err := decode(m.Data)
				if err != nil {
					log.Printf("broker: subject '%s': %v", m.Subject, err)
					continue
				}
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

func (n *NATS) Close() error {
	if n.nc != nil {
		n.nc.Close()
	}
	return nil
}
