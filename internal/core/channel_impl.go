package core

import (
	"sync"

	"github.com/dkeye/CanvasShare/internal/domain"
	"github.com/rs/zerolog/log"
)

// channelImpl is a threadsafe in-memory subscriber set.
// It never closes adapter-owned resources.
type channelImpl struct {
	sid  domain.SessionID
	mu   sync.RWMutex
	subs map[domain.ViewerID]SignalConnection
}

func NewChannelService(sid domain.SessionID) ChannelService {
	return &channelImpl{
		sid:  sid,
		subs: make(map[domain.ViewerID]SignalConnection),
	}
}

func (c *channelImpl) SessionID() domain.SessionID { return c.sid }

func (c *channelImpl) SubscriberCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subs)
}

func (c *channelImpl) Subscribers() []domain.ViewerID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]domain.ViewerID, 0, len(c.subs))
	for v := range c.subs {
		out = append(out, v)
	}
	return out
}

func (c *channelImpl) AddSubscriber(v domain.ViewerID, conn SignalConnection) SignalConnection {
	c.mu.Lock()
	defer c.mu.Unlock()
	old := c.subs[v]
	c.subs[v] = conn
	log.Info().Str("module", "core.channel").Str("sid", string(c.sid)).Str("viewer", string(v)).Msg("subscriber added")
	return old
}

func (c *channelImpl) RemoveSubscriber(v domain.ViewerID, only SignalConnection) SignalConnection {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn, ok := c.subs[v]
	if !ok || (only != nil && conn != only) {
		return nil
	}
	delete(c.subs, v)
	log.Info().Str("module", "core.channel").Str("sid", string(c.sid)).Str("viewer", string(v)).Msg("subscriber removed")
	return conn
}

func (c *channelImpl) Broadcast(data Frame) PublishResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	res := PublishResult{}
	for v, conn := range c.subs {
		if err := conn.TrySend(data); err != nil {
			res.Dropped = append(res.Dropped, v)
			continue
		}
		res.SentTo++
	}
	log.Debug().Str("module", "core.channel").Str("sid", string(c.sid)).Int("sent_to", res.SentTo).Int("dropped", len(res.Dropped)).Msg("broadcast result")
	return res
}

func (c *channelImpl) Drain() []SignalConnection {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]SignalConnection, 0, len(c.subs))
	for v, conn := range c.subs {
		out = append(out, conn)
		delete(c.subs, v)
	}
	return out
}
