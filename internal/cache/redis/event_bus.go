package redis

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/takarun/takaledger/internal/domain"
)

// streamField is the entry field holding the encoded ledger event.
const streamField = "event"

// EventBus implements domain.EventBus. Live ledger events go over Pub/Sub;
// the durable copy goes to a capped stream that operators page through.
type EventBus struct {
	c *Client
}

func NewEventBus(c *Client) *EventBus {
	return &EventBus{c: c}
}

func (b *EventBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.c.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe returns a channel of payloads published on channel, which may
// be a glob pattern. The channel closes when ctx is done.
func (b *EventBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	var ps *redis.PubSub
	if hasPattern(channel) {
		ps = b.c.rdb.PSubscribe(ctx, channel)
	} else {
		ps = b.c.rdb.Subscribe(ctx, channel)
	}
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", channel, err)
	}

	out := make(chan []byte, 128)
	go func() {
		defer close(out)
		defer ps.Close()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func hasPattern(channel string) bool {
	return strings.ContainsAny(channel, "*?[")
}

// StreamAppend adds payload to the stream, trimming it to roughly the
// configured length.
func (b *EventBus) StreamAppend(ctx context.Context, stream string, payload []byte) error {
	err := b.c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: b.c.key(stream),
		MaxLen: b.c.streamMaxLen,
		Approx: true,
		Values: map[string]any{streamField: payload},
	}).Err()
	if err != nil {
		return fmt.Errorf("redis: append %s: %w", stream, err)
	}
	return nil
}

// StreamRead pages forward through the stream. Entries strictly after
// lastID are returned oldest first; "" or "0" starts at the beginning.
func (b *EventBus) StreamRead(ctx context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error) {
	entries, err := b.c.rdb.XRangeN(ctx, b.c.key(stream), rangeStart(lastID), "+", int64(count)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: read %s after %s: %w", stream, lastID, err)
	}
	msgs := make([]domain.StreamMessage, 0, len(entries))
	for _, e := range entries {
		switch v := e.Values[streamField].(type) {
		case string:
			msgs = append(msgs, domain.StreamMessage{ID: e.ID, Payload: []byte(v)})
		case []byte:
			msgs = append(msgs, domain.StreamMessage{ID: e.ID, Payload: v})
		}
	}
	return msgs, nil
}

// rangeStart turns a last-seen id into an exclusive XRANGE start.
func rangeStart(lastID string) string {
	if lastID == "" || lastID == "0" || lastID == "0-0" {
		return "-"
	}
	return "(" + lastID
}

var _ domain.EventBus = (*EventBus)(nil)
