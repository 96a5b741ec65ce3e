package domain

import (
	"context"
	"time"
)

// LockManager hands out short-lived exclusive locks keyed by name. Acquire
// returns ErrLockHeld when another holder owns the key.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// RateLimiter admits at most limit requests per key within window.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// StreamMessage is one durable ledger event and its stream position.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// EventBus carries encoded ledger events. Publish/Subscribe are
// fire-and-forget; the stream keeps a capped history readable by position.
type EventBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
