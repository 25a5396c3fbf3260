package relayclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dkeye/CanvasShare/internal/core"
	"github.com/dkeye/CanvasShare/internal/domain"
)

const controlWait = time.Second

// Subscribe opens the push socket of sid. fn and onClose run on the reader
// goroutine; onClose is not called after Close.
func (c *Client) Subscribe(ctx context.Context, sid domain.SessionID, viewer domain.ViewerID, since uint64,
	fn func(core.Payload), onClose func(error)) (core.Subscription, error) {
	if viewer == "" {
		return nil, fmt.Errorf("relayclient: subscribe: %w: viewer required", domain.ErrInvalidInput)
	}
	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = c.base.Path + "/api/ws/sessions/" + url.PathEscape(string(sid))
	u.RawQuery = url.Values{"viewer": {string(viewer)}, "since": {strconv.FormatUint(since, 10)}}.Encode()

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusSwitchingProtocols {
				return nil, fmt.Errorf("relayclient: subscribe: %w", statusError(resp))
			}
		}
		return nil, fmt.Errorf("relayclient: subscribe: %w: %w", domain.ErrTransient, err)
	}

	s := &subscription{conn: conn}
	l := c.log.With().Str("sid", string(sid)).Str("viewer", string(viewer)).Logger()
	l.Debug().Msg("push socket open")
	go s.read(c.readTimeout, fn, func(err error) {
		l.Debug().Err(err).Msg("push socket dropped")
		onClose(err)
	})
	return s, nil
}

type subscription struct {
	conn      *websocket.Conn
	closed    atomic.Bool
	closeOnce sync.Once
}

// Close is idempotent and safe from inside the subscription callbacks.
func (s *subscription) Close() {
	s.closed.Store(true)
	s.closeOnce.Do(func() {
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(controlWait))
		_ = s.conn.Close()
	})
}

func (s *subscription) read(timeout time.Duration, fn func(core.Payload), onClose func(error)) {
	extend := func() { _ = s.conn.SetReadDeadline(time.Now().Add(timeout)) }
	extend()
	s.conn.SetPingHandler(func(data string) error {
		extend()
		err := s.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(controlWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	fail := func(err error) {
		if s.closed.Load() {
			return
		}
		s.Close()
		onClose(err)
	}

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			fail(closeError(err))
			return
		}
		extend()
		msg, err := core.DecodePush(data)
		if err != nil {
			// one bad frame does not end the stream
			continue
		}
		switch msg.Type {
		case core.PushPayload:
			if !s.closed.Load() {
				fn(*msg.Payload)
			}
		case core.PushEnded:
			fail(fmt.Errorf("%w: %s", domain.ErrRemoteUnavailable, msg.Reason))
			return
		}
	}
}

func closeError(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		switch ce.Code {
		case core.CloseGone:
			return fmt.Errorf("%w: %s", domain.ErrRemoteUnavailable, ce.Text)
		case core.CloseExhausted:
			return fmt.Errorf("%w: %s", domain.ErrResourceExhausted, ce.Text)
		}
	}
	return fmt.Errorf("%w: push socket: %w", domain.ErrTransient, err)
}
