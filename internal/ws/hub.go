package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/samber/lo"

	"github.com/manpreetbhatti/codesync/internal/collab"
)

var ErrHubClosed = errors.New("hub is closed")

// Dispatcher receives channel events on the hub's loop.
type Dispatcher interface {
	HandleEvent(channelID, event string, data json.RawMessage)
	HandleDisconnect(channelID string)
}

// Hub owns every connected channel and the room grouping. All dispatching
// happens on the single goroutine running Run.
type Hub struct {
	// Connected clients by channel id
	clients map[string]*Client

	// Channel ids grouped by room, in join order
	rooms map[string][]string

	// Inbound events from clients
	inbound chan *Message

	register   chan *Client
	unregister chan *Client

	// Work scheduled onto the loop from other goroutines
	tasks chan func()

	done chan struct{}
	log  *slog.Logger
	mu   sync.RWMutex
}

type Message struct {
	ClientID string
	Event    string
	Data     json.RawMessage
}

func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Hub{
		clients:    make(map[string]*Client),
		rooms:      make(map[string][]string),
		inbound:    make(chan *Message, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		tasks:      make(chan func(), 64),
		done:       make(chan struct{}),
		log:        log,
	}
}

// Run processes registrations, events and scheduled tasks until ctx ends.
func (h *Hub) Run(ctx context.Context, d Dispatcher) {
	defer h.shutdown()

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("channel connected", "channel", client.id, "total", total)

		case client := <-h.unregister:
			h.drop(client, d)

		case msg := <-h.inbound:
			if h.client(msg.ClientID) == nil {
				continue
			}
			d.HandleEvent(msg.ClientID, msg.Event, msg.Data)

		case fn := <-h.tasks:
			h.runTask(fn)
		}
	}
}

func (h *Hub) runTask(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("scheduled task panicked", "panic", r)
		}
	}()
	fn()
}

// drop reports the disconnect, then forgets the client. Repeated drops of the same client are ignored.
func (h *Hub) drop(client *Client, d Dispatcher) {
	if h.client(client.id) != client {
		return
	}
	d.HandleDisconnect(client.id)

	h.mu.Lock()
	for roomID, ids := range h.rooms {
		h.removeLocked(client.id, roomID, ids)
	}
	delete(h.clients, client.id)
	close(client.send)
	remaining := len(h.clients)
	h.mu.Unlock()

	h.log.Debug("channel disconnected", "channel", client.id, "remaining", remaining)
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	close(h.done)
	for id, client := range h.clients {
		close(client.send)
		delete(h.clients, id)
	}
	h.rooms = make(map[string][]string)
}

func (h *Hub) client(id string) *Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clients[id]
}

// Join adds a connected channel to a room group. Joining twice is a no-op.
func (h *Hub) Join(channelID, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[channelID]; !ok {
		return
	}
	if lo.Contains(h.rooms[roomID], channelID) {
		return
	}
	h.rooms[roomID] = append(h.rooms[roomID], channelID)
}

func (h *Hub) Leave(channelID, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(channelID, roomID, h.rooms[roomID])
}

func (h *Hub) removeLocked(channelID, roomID string, ids []string) {
	if !lo.Contains(ids, channelID) {
		return
	}
	rest := lo.Without(ids, channelID)
	if len(rest) == 0 {
		delete(h.rooms, roomID)
		return
	}
	h.rooms[roomID] = rest
}

func (h *Hub) Channels(roomID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]string(nil), h.rooms[roomID]...)
}

func (h *Hub) Connected(channelID string) bool {
	return h.client(channelID) != nil
}

// Emit queues an event for one channel. A channel whose send buffer is full
// is closed; its disconnect then runs through the normal unregister path.
func (h *Hub) Emit(channelID, event string, payload any) {
	client := h.client(channelID)
	if client == nil {
		return
	}
	frame, err := collab.Encode(event, payload)
	if err != nil {
		h.log.Error("encoding event", "channel", channelID, "event", event, "error", err)
		return
	}

	select {
	case client.send <- frame:
	default:
		h.log.Warn("send buffer full, closing channel", "channel", channelID)
		client.close()
	}
}

func (h *Hub) Close(channelID string) {
	if client := h.client(channelID); client != nil {
		client.close()
	}
}

func (h *Hub) Schedule(fn func()) {
	select {
	case h.tasks <- fn:
	case <-h.done:
	}
}

// Do runs fn on the loop and waits for it to finish.
func (h *Hub) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	task := func() {
		defer close(finished)
		fn()
	}

	select {
	case h.tasks <- task:
	case <-h.done:
		return ErrHubClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-finished:
		return nil
	case <-h.done:
		return ErrHubClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats

func (h *Hub) GetRoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// GetActiveRooms maps each non-empty room to its channel count.
func (h *Hub) GetActiveRooms() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return lo.MapValues(h.rooms, func(ids []string, _ string) int { return len(ids) })
}
