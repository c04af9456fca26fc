package collab

import (
	"encoding/json"
	"slices"
	"sync"
)

type sent struct {
	To      string
	Event   string
	Payload any
}

// fakeTransport records emissions and keeps room groups in join order.
type fakeTransport struct {
	mu        sync.Mutex
	connected map[string]bool
	rooms     map[string][]string
	outbox    []sent
	closed    []string
	scheduled []func()
}

func newFakeTransport(channels ...string) *fakeTransport {
	ft := &fakeTransport{connected: map[string]bool{}, rooms: map[string][]string{}}
	for _, id := range channels {
		ft.connected[id] = true
	}
	return ft
}

func (f *fakeTransport) Join(channelID, roomID string) {
	if !f.connected[channelID] || slices.Contains(f.rooms[roomID], channelID) {
		return
	}
	f.rooms[roomID] = append(f.rooms[roomID], channelID)
}

func (f *fakeTransport) Leave(channelID, roomID string) {
	f.rooms[roomID] = slices.DeleteFunc(slices.Clone(f.rooms[roomID]), func(id string) bool { return id == channelID })
}

func (f *fakeTransport) Channels(roomID string) []string {
	return slices.Clone(f.rooms[roomID])
}

func (f *fakeTransport) Connected(channelID string) bool {
	return f.connected[channelID]
}

func (f *fakeTransport) Emit(channelID, event string, payload any) {
	if !f.connected[channelID] {
		return
	}
	f.outbox = append(f.outbox, sent{To: channelID, Event: event, Payload: payload})
}

func (f *fakeTransport) Close(channelID string) {
	f.closed = append(f.closed, channelID)
}

func (f *fakeTransport) Schedule(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduled = append(f.scheduled, fn)
}

// disconnect simulates the channel going away at the transport layer.
func (f *fakeTransport) disconnect(channelID string) {
	delete(f.connected, channelID)
	for roomID := range f.rooms {
		f.Leave(channelID, roomID)
	}
}

func (f *fakeTransport) runScheduled() {
	f.mu.Lock()
	tasks := f.scheduled
	f.scheduled = nil
	f.mu.Unlock()
	for _, fn := range tasks {
		fn()
	}
}

// received returns what channelID got, in order.
func (f *fakeTransport) received(channelID string) []sent {
	var out []sent
	for _, s := range f.outbox {
		if s.To == channelID {
			out = append(out, s)
		}
	}
	return out
}

func (f *fakeTransport) reset() {
	f.outbox = nil
}

func raw(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
