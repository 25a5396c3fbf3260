package core

import "github.com/dkeye/CanvasShare/internal/domain"

// PublishResult reports delivery stats/backpressure to the hub.
type PublishResult struct {
	SentTo  int
	Dropped []domain.ViewerID
}

// ChannelService is the push fan-out of one hosted session.
// It owns the subscriber set but never closes transport resources itself.
type ChannelService interface {
	SessionID() domain.SessionID
	SubscriberCount() int
	Subscribers() []domain.ViewerID

	AddSubscriber(v domain.ViewerID, conn SignalConnection) (replaced SignalConnection)
	// RemoveSubscriber drops v. A non-nil conn only removes v while it is
	// still bound to that connection.
	RemoveSubscriber(v domain.ViewerID, conn SignalConnection) SignalConnection
	Broadcast(data Frame) PublishResult
	// Drain removes and returns every subscriber connection.
	Drain() []SignalConnection
}
