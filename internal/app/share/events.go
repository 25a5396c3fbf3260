package share

import (
	"github.com/dkeye/CanvasShare/internal/app/reconnect"
	"github.com/dkeye/CanvasShare/internal/domain"
)

type EventKind string

const (
	EventCreated     EventKind = "created"
	EventJoined      EventKind = "joined"
	EventUpdated     EventKind = "updated"
	EventModeChanged EventKind = "mode_changed"
	EventStatus      EventKind = "status"
	EventFailed      EventKind = "failed"
	EventEnded       EventKind = "ended"
)

// Event is delivered to listeners outside the manager lock. Session is a
// private copy.
type Event struct {
	Kind    EventKind
	Session *domain.Session
	Err     error
}

type Listener func(Event)

// Status is the read-only connection view for the UI.
type Status struct {
	IsConnected       bool
	Mode              domain.ConnectionMode
	Quality           domain.Quality
	ReconnectAttempts int
	State             reconnect.State
	LastError         error
}
