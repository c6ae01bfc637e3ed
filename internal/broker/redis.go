package broker

import (
	"context"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"
)

const redisChannel = "relay-deliveries"

type Redis struct {
	client *redis.Client
}

// NewRedis connects to Redis at addr and checks it with a ping.
func NewRedis(addr string) (*Redis, error) {
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if _, err := client.Ping(context.Background()).Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &Redis{client: client}, nil
}

func (r *Redis) Publish(ctx context.Context, d Delivery) error {
	data, err := encode(d)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, redisChannel, data).Err()
}

func (r *Redis) Subscribe(ctx context.Context) (<-chan Delivery, error) {
	pubsub := r.client.Subscribe(ctx, redisChannel)
	// Wait for the subscription to be confirmed so nothing published afterwards is lost.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", redisChannel, err)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				d, err := decode([]byte(msg.Payload))
				if err != nil {
					log.Printf("broker: %v", err)
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

func (r *Redis) Close() error {
	return r.client.Close()
}
