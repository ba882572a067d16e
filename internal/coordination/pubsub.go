package coordination

import (
	"context"

	"github.com/go-redis/redis/v8"
)

// Bus implements the fire-and-forget Pub/Sub contract of spec.md §4.2.
// Consumers must tolerate drops and reordering unless the payload itself
// carries a sequence number, as log records do.
type Bus struct {
	client *redis.Client
}

func NewBus(client *redis.Client) *Bus {
	return &Bus{client: client}
}

// Publish is at-most-once and never blocks on subscriber presence.
func (b *Bus) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.client.Publish(ctx, channel, payload).Err()
}

// Subscription wraps a redis.PubSub so callers get a plain payload channel.
type Subscription struct {
	ps *redis.PubSub
	C  <-chan []byte
}

func (s *Subscription) Close() error {
	return s.ps.Close()
}

// Subscribe opens a channel subscription, translating redis.Message into a
// plain byte-slice stream on C.
func (b *Bus) Subscribe(ctx context.Context, channel string) *Subscription {
	ps := b.client.Subscribe(ctx, channel)
	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		ch := ps.Channel()
		for msg := range ch {
			select {
			case out <- []byte(msg.Payload):
			case <-ctx.Done():
				return
			}
		}
	}()
	return &Subscription{ps: ps, C: out}
}

// RunChannel and FinalChannel build the per-run channel names used by the
// stream multiplexer and dispatcher final-notification publish.
func RunChannel(runID string) string {
	return "run:" + runID + ":stream"
}

func FinalChannel(runID string) string {
	return "run:" + runID + ":final"
}
