// Package broker routes relay deliveries between relay instances. Every instance
// publishes what it produces and subscribes to everything, then hands each delivery to
// the locally connected clients of its target user.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
)

// Delivery is one encoded event addressed to a user.
type Delivery struct {
	TargetID int64           `json:"target_id"`
	Payload  json.RawMessage `json:"payload"`
}

type Broker interface {
	Publish(ctx context.Context, d Delivery) error
	// Subscribe streams deliveries until ctx is cancelled, then closes the channel.
	Subscribe(ctx context.Context) (<-chan Delivery, error)
	Close() error
}

// New picks a backend by name: "redis", "nats" or "local".
func New(kind, redisAddr, natsURL string) (Broker, error) {
	switch kind {
	case "", "redis":
		return NewRedis(redisAddr)
	case "nats":
		return NewNATS(natsURL)
	case "local":
		return NewLocal(), nil
	default:
		return nil, fmt.Errorf("unknown broker %q", kind)
	}
}

func encode(d Delivery) ([]byte, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encode delivery: %w", err)
	}
	return data, nil
}

func decode(data []byte) (Delivery, error) {
	var d Delivery
	if err := json.Unmarshal(data, &d); err != nil {
		return Delivery{}, fmt.Errorf("decode delivery: %w", err)
	}
	return d, nil
}
