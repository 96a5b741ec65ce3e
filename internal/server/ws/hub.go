// Package ws relays ledger events from the event bus to WebSocket clients.
// Players see market activity only; admins may follow every ledger channel.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/takarun/takaledger/internal/domain"
	"github.com/takarun/takaledger/internal/server/middleware"
)

// ledgerChannels are the bus channels the hub relays.
var ledgerChannels = []string{
	domain.ChannelMarkets,
	domain.ChannelBets,
	domain.ChannelRuns,
	domain.ChannelMirror,
	domain.ChannelTreasury,
}

// publicChannels carry no per-user data.
var publicChannels = map[string]bool{
	domain.ChannelMarkets: true,
}

// Config holds hub settings. Origins restricts browser upgrades; empty
// accepts any origin.
type Config struct {
	Mode      string
	StartedAt time.Time
	Origins   []string
}

// frame is the envelope of every relayed event.
type frame struct {
	Channel string          `json:"channel"`
	Event   json.RawMessage `json:"event"`
}

// Hub tracks connected clients and fans bus messages out to them.
type Hub struct {
	bus       domain.EventBus
	upgrader  websocket.Upgrader
	mode      string
	startedAt time.Time
	logger    *slog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

func NewHub(bus domain.EventBus, logger *slog.Logger, cfg Config) *Hub {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "unknown"
	}
	started := cfg.StartedAt
	if started.IsZero() {
		started = time.Now().UTC()
	}
	h := &Hub{
		bus:       bus,
		mode:      mode,
		startedAt: started,
		logger:    logger.With(slog.String("component", "ws")),
		clients:   map[*client]struct{}{},
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(cfg.Origins),
	}
	return h
}

func originChecker(origins []string) func(*http.Request) bool {
	if len(origins) == 0 {
		return func(*http.Request) bool { return true }
	}
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[strings.ToLower(o)] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || allowed["*"] || allowed[strings.ToLower(origin)]
	}
}

// Run relays every ledger channel until ctx is done, then disconnects all
// clients.
func (h *Hub) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, ch := range ledgerChannels {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.relay(ctx, ch)
		}()
	}
	<-ctx.Done()
	wg.Wait()

	h.mu.Lock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	return ctx.Err()
}

func (h *Hub) relay(ctx context.Context, channel string) {
	msgs, err := h.bus.Subscribe(ctx, channel)
	if err != nil {
		h.logger.ErrorContext(ctx, "subscribe failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
		return
	}
	for data := range msgs {
		body, err := json.Marshal(frame{Channel: channel, Event: data})
		if err != nil {
			h.logger.WarnContext(ctx, "bad event on bus", slog.String("channel", channel))
			continue
		}
		h.deliver(channel, body)
	}
}

// deliver queues body for every client subscribed to channel. A client
// whose queue is full is disconnected so it reconnects and resyncs instead
// of silently missing ledger events.
func (h *Hub) deliver(channel string, body []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if !c.isSubscribed(channel) {
			continue
		}
		select {
		case c.send <- body:
		default:
			h.logger.Warn("disconnecting slow client", slog.String("channel", channel))
			delete(h.clients, c)
			close(c.send)
		}
	}
}

func (h *Hub) add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// sendTo queues body for one client if it is still connected.
func (h *Hub) sendTo(c *client, body []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- body:
	default:
	}
}

func (h *Hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// HandleWS upgrades the request. Admins start subscribed to every channel,
// everyone else to the public ones.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WarnContext(r.Context(), "upgrade failed", slog.String("error", err.Error()))
		return
	}
	id := middleware.IdentityFrom(r.Context())
	c := newClient(h, conn, id.Admin)
	if !h.add(c) {
		_ = conn.Close()
		return
	}
	h.logger.InfoContext(r.Context(), "client connected",
		slog.String("uid", id.UID),
		slog.Bool("admin", id.Admin),
		slog.Int("clients", h.count()),
	)
	c.reply(c.status())

	go c.writePump()
	go c.readPump()
}
