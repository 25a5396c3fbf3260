package app

import (
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/CanvasShare/internal/domain"
)

// Registry tracks which viewers are present in which hosted session.
type Registry struct {
	mu       sync.RWMutex
	sessions map[domain.SessionID]map[domain.ViewerID]time.Time
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[domain.SessionID]map[domain.ViewerID]time.Time)}
}

// Touch marks v present at now. A viewer not yet known is only admitted
// while the session has fewer than limit viewers (limit <= 0 is unlimited).
func (r *Registry) Touch(sid domain.SessionID, v domain.ViewerID, now time.Time, limit int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	viewers, ok := r.sessions[sid]
	if !ok {
		viewers = make(map[domain.ViewerID]time.Time)
		r.sessions[sid] = viewers
	}
	if _, known := viewers[v]; !known {
		if limit > 0 && len(viewers) >= limit {
			log.Warn().Str("module", "app.registry").Str("sid", string(sid)).Str("viewer", string(v)).Msg("viewer limit reached")
			return false
		}
		log.Info().Str("module", "app.registry").Str("sid", string(sid)).Str("viewer", string(v)).Msg("viewer joined")
	}
	viewers[v] = now
	return true
}

func (r *Registry) Remove(sid domain.SessionID, v domain.ViewerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if viewers, ok := r.sessions[sid]; ok {
		delete(viewers, v)
		log.Info().Str("module", "app.registry").Str("sid", string(sid)).Str("viewer", string(v)).Msg("viewer left")
	}
}

// Viewers lists the present viewers of sid in stable order.
func (r *Registry) Viewers(sid domain.SessionID) []domain.ViewerID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.sessions[sid]))
}

func (r *Registry) DropSession(sid domain.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sid)
}

// Expire forgets viewers not seen since cutoff, except those keep reports
// as still connected. It returns how many were removed.
func (r *Registry) Expire(cutoff time.Time, keep func(domain.SessionID, domain.ViewerID) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for sid, viewers := range r.sessions {
		for v, seen := range viewers {
			if seen.Before(cutoff) && (keep == nil || !keep(sid, v)) {
				delete(viewers, v)
				n++
			}
		}
	}
	if n > 0 {
		log.Debug().Str("module", "app.registry").Int("expired", n).Msg("expired idle viewers")
	}
	return n
}
