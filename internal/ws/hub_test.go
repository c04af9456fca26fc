package ws

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// recordingDispatcher captures what the hub hands to the protocol layer.
type recordingDispatcher struct {
	mu           sync.Mutex
	events       []string
	disconnected []string
}

func (d *recordingDispatcher) HandleEvent(channelID, event string, _ json.RawMessage) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, channelID+":"+event)
}

func (d *recordingDispatcher) HandleDisconnect(channelID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.disconnected = append(d.disconnected, channelID)
}

func (d *recordingDispatcher) snapshot() ([]string, []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.events...), append([]string(nil), d.disconnected...)
}

func newTestClient(h *Hub, id string, buffer int) *Client {
	return &Client{hub: h, id: id, send: make(chan []byte, buffer), log: h.log}
}

func startHub(t *testing.T) (*Hub, *recordingDispatcher) {
	t.Helper()
	hub := NewHub(nil)
	d := &recordingDispatcher{}
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx, d)
	t.Cleanup(cancel)
	return hub, d
}

func TestHubCreation(t *testing.T) {
	hub := NewHub(nil)
	require.NotNil(t, hub)
	require.NotNil(t, hub.rooms)
	require.NotNil(t, hub.clients)
	require.Zero(t, hub.GetClientCount())
	require.Zero(t, hub.GetRoomCount())
	require.Empty(t, hub.GetActiveRooms())
}

func TestHubRoomGroupingKeepsJoinOrder(t *testing.T) {
	req := require.New(t)
	hub, _ := startHub(t)
	for _, id := range []string{"a", "b", "c"} {
		hub.register <- newTestClient(hub, id, 4)
	}

	req.NoError(hub.Do(context.Background(), func() {
		hub.Join("c", "r1")
		hub.Join("a", "r1")
		hub.Join("b", "r1")
		hub.Join("a", "r1")
		hub.Join("ghost", "r1")
	}))

	req.Equal([]string{"c", "a", "b"}, hub.Channels("r1"))
	req.Equal(map[string]int{"r1": 3}, hub.GetActiveRooms())

	req.NoError(hub.Do(context.Background(), func() { hub.Leave("a", "r1") }))
	req.Equal([]string{"c", "b"}, hub.Channels("r1"))

	req.NoError(hub.Do(context.Background(), func() {
		hub.Leave("c", "r1")
		hub.Leave("b", "r1")
	}))
	req.Zero(hub.GetRoomCount(), "empty groups are removed")
}

func TestHubDispatchesEventsFromKnownClients(t *testing.T) {
	req := require.New(t)
	hub, d := startHub(t)
	hub.register <- newTestClient(hub, "a", 4)

	hub.inbound <- &Message{ClientID: "a", Event: "join"}
	hub.inbound <- &Message{ClientID: "stranger", Event: "join"}
	req.NoError(hub.Do(context.Background(), func() {}))

	events, _ := d.snapshot()
	req.Equal([]string{"a:join"}, events)
}

func TestHubUnregisterIsIdempotent(t *testing.T) {
	req := require.New(t)
	hub, d := startHub(t)
	client := newTestClient(hub, "a", 4)
	hub.register <- client
	req.NoError(hub.Do(context.Background(), func() { hub.Join("a", "r1") }))

	hub.unregister <- client
	hub.unregister <- client
	req.NoError(hub.Do(context.Background(), func() {}))

	_, disconnected := d.snapshot()
	req.Equal([]string{"a"}, disconnected)
	req.False(hub.Connected("a"))
	req.Empty(hub.Channels("r1"))

	_, open := <-client.send
	req.False(open, "send channel is closed on unregister")
}

func TestHubEmitEncodesEnvelope(t *testing.T) {
	req := require.New(t)
	hub, _ := startHub(t)
	client := newTestClient(hub, "a", 4)
	hub.register <- client

	req.NoError(hub.Do(context.Background(), func() {
		hub.Emit("a", "code-change", map[string]string{"code": "x"})
		hub.Emit("a", "left", nil)
		hub.Emit("nobody", "code-change", nil)
	}))

	req.JSONEq(`{"event":"code-change","data":{"code":"x"}}`, string(<-client.send))
	req.JSONEq(`{"event":"left","data":{}}`, string(<-client.send))
}

func TestHubEmitWithFullBufferDoesNotBlock(t *testing.T) {
	hub, _ := startHub(t)
	hub.register <- newTestClient(hub, "a", 1)

	done := make(chan struct{})
	go func() {
		defer close(done)
		hub.Do(context.Background(), func() {
			hub.Emit("a", "output-change", nil)
			hub.Emit("a", "output-change", nil)
		})
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("emit blocked on a full send buffer")
	}
}

func TestHubScheduleRunsOnLoop(t *testing.T) {
	hub, _ := startHub(t)

	ran := make(chan struct{})
	hub.Schedule(func() { close(ran) })

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("scheduled task never ran")
	}
}

func TestHubTaskPanicDoesNotStopLoop(t *testing.T) {
	hub, _ := startHub(t)

	require.NoError(t, hub.Do(context.Background(), func() { panic("boom") }))
	require.NoError(t, hub.Do(context.Background(), func() {}))
}

func TestHubDoAfterShutdown(t *testing.T) {
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx, &recordingDispatcher{})
		close(stopped)
	}()
	cancel()
	<-stopped

	require.ErrorIs(t, hub.Do(context.Background(), func() {}), ErrHubClosed)
	hub.Schedule(func() {})
}
