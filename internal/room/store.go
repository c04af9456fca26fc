package room

import (
	"sync"
	"time"
)

// State is the shared view of one room. Every field is last-write-wins.
type State struct {
	ID        string    `json:"id"`
	Code      string    `json:"code"`
	Language  string    `json:"language"`
	Output    string    `json:"output"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store holds the state of every room joined since the process started.
//
// Rooms are created on first join and never removed by the sync protocol,
// so a room abandoned by all members stays in memory until the process exits
// or Evict is called explicitly.
type Store struct {
	rooms           map[string]*State
	defaultLanguage string
	now             func() time.Time
	mu              sync.RWMutex
}

func NewStore(defaultLanguage string) *Store {
	if !IsSupported(defaultLanguage) {
		defaultLanguage = DefaultLanguage
	}
	return &Store{
		rooms:           make(map[string]*State),
		defaultLanguage: defaultLanguage,
		now:             time.Now,
	}
}

// Ensure returns the room's state, initializing it to defaults if absent.
func (s *Store) Ensure(id string) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.rooms[id]; ok {
		return *st, false
	}
	now := s.now()
	st := &State{
		ID:        id,
		Language:  s.defaultLanguage,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.rooms[id] = st
	return *st, true
}

func (s *Store) Get(id string) (State, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.rooms[id]
	if !ok {
		return State{}, false
	}
	return *st, true
}

func (s *Store) SetCode(id, code string) bool {
	return s.update(id, func(st *State) { st.Code = code })
}

func (s *Store) SetLanguage(id, language string) error {
	if !IsSupported(language) {
		return ErrUnsupportedLanguage
	}
	s.update(id, func(st *State) { st.Language = language })
	return nil
}

func (s *Store) SetOutput(id, output string) bool {
	return s.update(id, func(st *State) { st.Output = output })
}

// update applies fn to an existing room. Unknown rooms are left alone.
func (s *Store) update(id string, fn func(*State)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.rooms[id]
	if !ok {
		return false
	}
	fn(st)
	st.UpdatedAt = s.now()
	return true
}

// Snapshot returns a copy of every room state.
func (s *Store) Snapshot() []State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	states := make([]State, 0, len(s.rooms))
	for _, st := range s.rooms {
		states = append(states, *st)
	}
	return states
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms)
}

// Evict drops a room's state. Only the janitor calls this, and only when idle-room eviction is enabled.
func (s *Store) Evict(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, id)
}
