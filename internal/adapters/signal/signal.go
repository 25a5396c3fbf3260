package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/CanvasShare/internal/app"
	"github.com/dkeye/CanvasShare/internal/core"
	"github.com/dkeye/CanvasShare/internal/domain"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

const sendBuffer = 32

// PushController serves the websocket push endpoint of the relay.
type PushController struct {
	Hub        *app.Hub
	ReadLimit  int64
	PingPeriod time.Duration
}

func NewPushController(hub *app.Hub, readLimit int64, pingPeriod time.Duration) *PushController {
	if pingPeriod <= 0 {
		pingPeriod = 54 * time.Second
	}
	return &PushController{Hub: hub, ReadLimit: readLimit, PingPeriod: pingPeriod}
}

// WsSignalConn is one push subscriber. Close only stops accepting frames;
// the write pump drains what is queued and then closes the socket.
type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandlePush upgrades the request and subscribes viewer to sid. The session
// must have been checked before the call so that refusals can still be
// answered with a plain HTTP status.
func (ctl *PushController) HandlePush(ctx context.Context, c *gin.Context, sid domain.SessionID, viewer domain.ViewerID, since uint64) {
	l := log.With().Str("module", "signal").Str("sid", string(sid)).Str("viewer", string(viewer)).Logger()

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		l.Error().Err(err).Msg("ws upgrade")
		return
	}

	conn := &WsSignalConn{
		conn: ws,
		send: make(chan core.Frame, sendBuffer),
	}
	go ctl.writePump(ctx, conn)

	if err := ctl.Hub.Subscribe(sid, viewer, since, conn); err != nil {
		l.Warn().Err(err).Msg("push subscription refused")
		code := core.CloseGone
		if errors.Is(err, domain.ErrResourceExhausted) {
			code = core.CloseExhausted
		}
		_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, err.Error()), time.Now().Add(writeWait))
		conn.Close()
		return
	}
	l.Info().Uint64("since", since).Msg("push subscriber attached")
	go ctl.readPump(ctx, sid, viewer, conn)
}
