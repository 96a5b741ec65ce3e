// Package notify delivers operator alerts to Telegram and Discord.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Alert event types raised by the ledger service.
const (
	EventMirrorAbandoned = "mirror_abandoned"
	EventGasLow          = "gas_low"
	EventGasCritical     = "gas_critical"
	EventSyncFailed      = "sync_failed"
	EventLifecycle       = "lifecycle"
)

// severity tags the title so a critical alert stands out in a busy channel.
var severity = map[string]string{
	EventMirrorAbandoned: "ALERT",
	EventGasCritical:     "CRITICAL",
	EventGasLow:          "WARN",
	EventSyncFailed:      "WARN",
	EventLifecycle:       "INFO",
}

// Sender is one delivery channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Options configures a Notifier.
type Options struct {
	// Events restricts delivery to these event types; empty allows all.
	Events []string
	// Environment is prefixed to every title, e.g. "prod".
	Environment string
	// Cooldown suppresses an identical event+title pair sent again within
	// the window. Lifecycle alerts are never suppressed.
	Cooldown time.Duration
}

// Notifier fans alerts out to every sender.
type Notifier struct {
	senders  []Sender
	events   map[string]bool
	env      string
	cooldown time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	lastSent map[string]time.Time
}

// NewNotifier creates a Notifier. With no senders every call is a no-op.
func NewNotifier(senders []Sender, opts Options, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(opts.Events))
	for _, e := range opts.Events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders:  senders,
		events:   allowed,
		env:      opts.Environment,
		cooldown: opts.Cooldown,
		logger:   logger.With(slog.String("component", "notifier")),
		now:      time.Now,
		lastSent: map[string]time.Time{},
	}
}

// Notify delivers an alert of the given event type unless it is filtered
// out or still cooling down.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if len(n.senders) == 0 {
		return nil
	}
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "alert filtered", slog.String("event", event))
		return nil
	}
	if n.suppressed(event, title) {
		n.logger.DebugContext(ctx, "alert suppressed by cooldown",
			slog.String("event", event),
			slog.String("title", title),
		)
		return nil
	}
	return n.dispatch(ctx, n.decorate(event, title), message)
}

func (n *Notifier) suppressed(event, title string) bool {
	if n.cooldown <= 0 || event == EventLifecycle {
		return false
	}
	key := event + "\x00" + title
	now := n.now()

	n.mu.Lock()
	defer n.mu.Unlock()
	if last, ok := n.lastSent[key]; ok && now.Sub(last) < n.cooldown {
		return true
	}
	n.lastSent[key] = now
	return false
}

func (n *Notifier) decorate(event, title string) string {
	var b strings.Builder
	if sev, ok := severity[event]; ok {
		b.WriteString("[" + sev + "] ")
	}
	if n.env != "" {
		b.WriteString(n.env + ": ")
	}
	b.WriteString(title)
	return b.String()
}

// dispatch tries every sender; one failing sender does not stop the rest.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "alert delivery failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d of %d senders failed: %w", len(errs), len(n.senders), errors.Join(errs...))
	}
	return nil
}
