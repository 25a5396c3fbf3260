package core

import (
	"context"

	"github.com/dkeye/CanvasShare/internal/domain"
)

// Payload is one encoded canvas snapshot as it travels through the relay.
type Payload struct {
	Version    uint64 `json:"version"`
	Title      string `json:"title,omitempty"`
	MaxViewers int    `json:"maxViewers,omitempty"`
	Data       []byte `json:"data"`
}

// Ack confirms a Send. Version is the newest version the relay holds, which
// can be higher than the one sent when a stale payload was ignored.
type Ack struct {
	Version uint64            `json:"version"`
	Viewers []domain.ViewerID `json:"viewers"`
}

// FetchResult carries a payload newer than the requested version, or none.
type FetchResult struct {
	Payload *Payload
	Viewers []domain.ViewerID
}

// Pinger is the probe surface of a transport. It returns the number of bytes
// read so the caller can estimate bandwidth.
type Pinger interface {
	Ping(ctx context.Context) (int, error)
}

// Backend is the relay the core publishes to and fetches from.
// Errors wrap domain.ErrTransient for network trouble and
// domain.ErrRemoteUnavailable for unknown or ended sessions.
type Backend interface {
	Pinger
	Send(ctx context.Context, sid domain.SessionID, p Payload) (Ack, error)
	Fetch(ctx context.Context, sid domain.SessionID, viewer domain.ViewerID, since uint64) (FetchResult, error)
	End(ctx context.Context, sid domain.SessionID) error
}

// Subscription is a live push channel; Close is idempotent.
type Subscription interface {
	Close()
}

// Pusher is implemented by backends able to push payloads to viewers.
// fn runs on the subscription's goroutine; it must not block for long.
// onClose fires once when the channel drops for any reason other than Close.
type Pusher interface {
	Subscribe(ctx context.Context, sid domain.SessionID, viewer domain.ViewerID, since uint64,
		fn func(Payload), onClose func(error)) (Subscription, error)
}
