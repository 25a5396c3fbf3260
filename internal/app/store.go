package app

import (
	"sync"
	"time"

	"github.com/dkeye/CanvasShare/internal/core"
	"github.com/dkeye/CanvasShare/internal/domain"
)

// hosted is the relay-side state of one shared session. mu orders publishes
// against subscriptions so pushes leave in version order.
type hosted struct {
	mu         sync.Mutex
	id         domain.SessionID
	payload    core.Payload
	maxViewers int
	ended      bool
	endedAt    time.Time
	touched    time.Time
	channel    core.ChannelService
}

// SessionInfo is the listing view of a hosted session.
type SessionInfo struct {
	ID          domain.SessionID `json:"id"`
	Title       string           `json:"title"`
	Version     uint64           `json:"version"`
	Viewers     int              `json:"viewers"`
	Subscribers int              `json:"subscribers"`
	Ended       bool             `json:"ended"`
	LastUpdate  time.Time        `json:"lastUpdate"`
}

// Store owns the hosted sessions of the relay.
type Store struct {
	mu       sync.RWMutex
	sessions map[domain.SessionID]*hosted
}

func NewStore() *Store {
	return &Store{sessions: make(map[domain.SessionID]*hosted)}
}

func (s *Store) Get(id domain.SessionID) (*hosted, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.sessions[id]
	return h, ok
}

// GetOrCreate returns the entry for id and whether it was created.
func (s *Store) GetOrCreate(id domain.SessionID, now time.Time) (*hosted, bool) {
	s.mu.RLock()
	h, ok := s.sessions[id]
	s.mu.RUnlock()
	if ok {
		return h, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok = s.sessions[id]; ok {
		return h, false
	}
	h = &hosted{id: id, touched: now, channel: core.NewChannelService(id)}
	s.sessions[id] = h
	return h, true
}

func (s *Store) Delete(id domain.SessionID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

func (s *Store) All() []*hosted {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*hosted, 0, len(s.sessions))
	for _, h := range s.sessions {
		out = append(out, h)
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
