package core

import (
	"errors"
	"testing"

	"github.com/dkeye/CanvasShare/internal/domain"
	"github.com/stretchr/testify/assert"
)

type recordingConn struct {
	frames []Frame
	full   bool
	closed bool
}

func (c *recordingConn) TrySend(f Frame) error {
	if c.full {
		return errors.New("backpressure")
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *recordingConn) Close() { c.closed = true }

func TestChannelBroadcastReportsDropped(t *testing.T) {
	ch := NewChannelService("s1")
	fast := &recordingConn{}
	slow := &recordingConn{full: true}
	ch.AddSubscriber("v1", fast)
	ch.AddSubscriber("v2", slow)

	res := ch.Broadcast(Frame("hello"))
	assert.Equal(t, 1, res.SentTo)
	assert.Equal(t, []domain.ViewerID{"v2"}, res.Dropped)
	assert.Equal(t, []Frame{Frame("hello")}, fast.frames)
}

func TestChannelReplaceAndRemove(t *testing.T) {
	ch := NewChannelService("s1")
	first := &recordingConn{}
	second := &recordingConn{}

	assert.Nil(t, ch.AddSubscriber("v1", first))
	assert.Same(t, first, ch.AddSubscriber("v1", second))
	assert.Equal(t, 1, ch.SubscriberCount())

	assert.Nil(t, ch.RemoveSubscriber("v1", first), "a replaced connection cannot remove its successor")
	assert.Same(t, second, ch.RemoveSubscriber("v1", nil))
	assert.Nil(t, ch.RemoveSubscriber("v1", nil))
	assert.Equal(t, 0, ch.SubscriberCount())
	// the channel never closes connections on its own
	assert.False(t, first.closed)
	assert.False(t, second.closed)
}

func TestChannelDrain(t *testing.T) {
	ch := NewChannelService("s1")
	ch.AddSubscriber("v1", &recordingConn{})
	ch.AddSubscriber("v2", &recordingConn{})

	conns := ch.Drain()
	assert.Len(t, conns, 2)
	assert.Equal(t, 0, ch.SubscriberCount())
	assert.Empty(t, ch.Subscribers())
}
