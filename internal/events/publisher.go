// Package events publishes ledger events on the signal bus for live
// subscribers and appends them to the durable ledger stream.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/takarun/takaledger/internal/domain"
)

// Publisher fans ledger events out over a domain.EventBus. A nil bus makes
// every call a no-op.
type Publisher struct {
	bus    domain.EventBus
	logger *slog.Logger
	now    func() time.Time
}

// NewPublisher creates a Publisher over bus.
func NewPublisher(bus domain.EventBus, logger *slog.Logger) *Publisher {
	return &Publisher{
		bus:    bus,
		logger: logger.With(slog.String("component", "events")),
		now:    time.Now,
	}
}

// Publish sends one event. Bus failures are logged, never returned: the
// ledger transition that produced the event has already committed.
func (p *Publisher) Publish(ctx context.Context, channel, eventType string, payload map[string]any) {
	if p == nil || p.bus == nil {
		return
	}
	body, err := json.Marshal(domain.LedgerEvent{
		Type:      eventType,
		Payload:   payload,
		CreatedAt: p.now().UTC(),
	})
	if err != nil {
		p.logger.ErrorContext(ctx, "marshal event", slog.String("type", eventType), slog.String("error", err.Error()))
		return
	}
	if err := p.bus.Publish(ctx, channel, body); err != nil {
		p.logger.WarnContext(ctx, "publish event",
			slog.String("channel", channel),
			slog.String("type", eventType),
			slog.String("error", err.Error()),
		)
	}
	if err := p.bus.StreamAppend(ctx, domain.StreamLedger, body); err != nil {
		p.logger.WarnContext(ctx, "append ledger stream",
			slog.String("type", eventType),
			slog.String("error", err.Error()),
		)
	}
}
