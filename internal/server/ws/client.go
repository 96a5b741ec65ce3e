package ws

import (
	"encoding/json"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 4096
	sendBuffer     = 256
)

// request is a control message from the client.
type request struct {
	Action   string   `json:"action"`
	Channels []string `json:"channels"`
}

// reply is a control message to the client.
type reply struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

type client struct {
	hub   *Hub
	conn  *websocket.Conn
	send  chan []byte
	admin bool

	mu   sync.RWMutex
	subs map[string]bool
}

func newClient(h *Hub, conn *websocket.Conn, admin bool) *client {
	c := &client{
		hub:   h,
		conn:  conn,
		send:  make(chan []byte, sendBuffer),
		admin: admin,
		subs:  map[string]bool{},
	}
	for _, ch := range ledgerChannels {
		if c.allowed(ch) {
			c.subs[ch] = true
		}
	}
	return c
}

// allowed reports whether the client may receive channel at all. Patterns
// are checked per delivered channel instead.
func (c *client) allowed(channel string) bool {
	return c.admin || publicChannels[channel]
}

// isSubscribed reports whether channel should be relayed to the client.
// A trailing '*' subscribes to every channel with that prefix.
func (c *client) isSubscribed(channel string) bool {
	if !c.allowed(channel) {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.subs[channel] {
		return true
	}
	for sub := range c.subs {
		if prefix, ok := strings.CutSuffix(sub, "*"); ok && strings.HasPrefix(channel, prefix) {
			return true
		}
	}
	return false
}

// apply changes the subscription set and returns the acknowledgement.
// Exact channels the client may not read are refused and listed as denied.
func (c *client) apply(req request) reply {
	var accepted, denied []string
	c.mu.Lock()
	for _, ch := range req.Channels {
		switch {
		case req.Action == "unsubscribe":
			delete(c.subs, ch)
			accepted = append(accepted, ch)
		case strings.HasSuffix(ch, "*") || c.allowed(ch):
			c.subs[ch] = true
			accepted = append(accepted, ch)
		default:
			denied = append(denied, ch)
		}
	}
	c.mu.Unlock()

	typ := "subscribed"
	if req.Action == "unsubscribe" {
		typ = "unsubscribed"
	}
	return reply{Type: typ, Payload: map[string]any{"channels": accepted, "denied": denied}}
}

// status is the first message on every connection.
func (c *client) status() reply {
	c.mu.RLock()
	subs := make([]string, 0, len(c.subs))
	for ch := range c.subs {
		subs = append(subs, ch)
	}
	c.mu.RUnlock()
	slices.Sort(subs)

	return reply{Type: "ledger_status", Payload: map[string]any{
		"mode":           c.hub.mode,
		"uptime_seconds": max(int64(time.Since(c.hub.startedAt).Seconds()), 0),
		"channels":       subs,
	}}
}

// reply queues a control message without blocking.
func (c *client) reply(r reply) {
	body, err := json.Marshal(r)
	if err != nil {
		return
	}
	c.hub.sendTo(c, body)
}

func (c *client) readPump() {
	defer func() {
		c.hub.remove(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("unexpected close", slog.String("error", err.Error()))
			}
			return
		}
		var req request
		if err := json.Unmarshal(msg, &req); err != nil || (req.Action != "subscribe" && req.Action != "unsubscribe") {
			c.reply(reply{Type: "error", Payload: map[string]any{"message": "expected {action: subscribe|unsubscribe, channels: [...]}"}})
			continue
		}
		c.reply(c.apply(req))
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
