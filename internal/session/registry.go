// Package session tracks which participant sits behind each channel and which room it joined.
package session

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrMissingChannel = errors.New("channel id is required")
	ErrMissingName    = errors.New("display name is required")
	ErrMissingRoom    = errors.New("room id is required")
)

// Participant binds one channel to a display name and a room. A registered
// participant always carries all three.
type Participant struct {
	ChannelID string    `json:"socketId"`
	Name      string    `json:"username"`
	RoomID    string    `json:"roomId"`
	JoinedAt  time.Time `json:"joinedAt"`
}

// Registry is the single source of truth for who is where.
type Registry struct {
	participants map[string]Participant
	now          func() time.Time
	mu           sync.RWMutex
}

func NewRegistry() *Registry {
	return &Registry{
		participants: make(map[string]Participant),
		now:          time.Now,
	}
}

// Register records the channel/name/room triple, replacing any previous binding for the channel.
func (r *Registry) Register(channelID, name, roomID string) (Participant, error) {
	switch {
	case channelID == "":
		return Participant{}, ErrMissingChannel
	case name == "":
		return Participant{}, ErrMissingName
	case roomID == "":
		return Participant{}, ErrMissingRoom
	}

	p := Participant{
		ChannelID: channelID,
		Name:      name,
		RoomID:    roomID,
		JoinedAt:  r.now(),
	}

	r.mu.Lock()
	r.participants[channelID] = p
	r.mu.Unlock()
	return p, nil
}

// Unregister removes the channel's binding. The boolean is false when the channel was never registered.
func (r *Registry) Unregister(channelID string) (Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[channelID]
	if ok {
		delete(r.participants, channelID)
	}
	return p, ok
}

func (r *Registry) Lookup(channelID string) (Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.participants[channelID]
	return p, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.participants)
}

// CountByRoom returns the number of registered participants per room.
func (r *Registry) CountByRoom() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[string]int)
	for _, p := range r.participants {
		counts[p.RoomID]++
	}
	return counts
}
