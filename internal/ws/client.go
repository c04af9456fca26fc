package ws

import (
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/manpreetbhatti/codesync/internal/collab"
	"github.com/manpreetbhatti/codesync/internal/ratelimit"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024
	sendBuffer     = 512
	maxViolations  = 1000
)

// Options configure how channels are accepted.
type Options struct {
	// Origins allowed to open a channel. Empty or "*" allows any origin.
	Origins           []string
	MessagesPerSecond int
	MessageBurst      int
}

// Client is one participant's channel.
type Client struct {
	hub   *Hub
	conn  *websocket.Conn
	send  chan []byte
	id    string
	guard *ratelimit.Guard
	log   *slog.Logger

	closeOnce sync.Once
}

func newClient(hub *Hub, conn *websocket.Conn, opts Options) *Client {
	id := uuid.NewString()
	return &Client{
		hub:   hub,
		conn:  conn,
		send:  make(chan []byte, sendBuffer),
		id:    id,
		guard: ratelimit.NewGuard(float64(opts.MessagesPerSecond), opts.MessageBurst, maxViolations),
		log:   hub.log.With("channel", id),
	}
}

func (c *Client) ID() string {
	return c.id
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		if c.conn != nil {
			c.conn.Close()
		}
	})
}

// Handler upgrades HTTP requests to channels registered with hub.
func Handler(hub *Hub, opts Options) http.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     checkOrigin(opts.Origins),
	}
	if opts.MessagesPerSecond <= 0 {
		opts.MessagesPerSecond = 100
	}
	if opts.MessageBurst <= 0 {
		opts.MessageBurst = 200
	}

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			hub.log.Warn("upgrade failed", "error", err)
			return
		}

		client := newClient(hub, conn, opts)
		select {
		case hub.register <- client:
		case <-hub.done:
			conn.Close()
			return
		}

		go client.writePump()
		go client.readPump()
	}
}

func checkOrigin(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 || slices.Contains(allowed, "*") {
			return true
		}
		return slices.Contains(allowed, origin)
	}
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("websocket error", "error", err)
			}
			return
		}

		switch c.guard.Check() {
		case ratelimit.Drop:
			if c.guard.Violations()%100 == 1 {
				c.log.Warn("rate limit exceeded", "violations", c.guard.Violations())
			}
			continue
		case ratelimit.Disconnect:
			c.log.Warn("disconnecting for excessive rate limit violations")
			return
		}

		env, err := collab.ParseEnvelope(frame)
		if err != nil {
			c.log.Warn("invalid frame", "error", err)
			continue
		}

		select {
		case c.hub.inbound <- &Message{ClientID: c.id, Event: env.Event, Data: env.Data}:
		case <-c.hub.done:
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
