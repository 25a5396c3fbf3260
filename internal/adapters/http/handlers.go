package http

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/CanvasShare/internal/adapters/signal"
	"github.com/dkeye/CanvasShare/internal/app"
	"github.com/dkeye/CanvasShare/internal/core"
	"github.com/dkeye/CanvasShare/internal/domain"
)

const (
	defaultPingBytes = 16 << 10
	maxPingBytes     = 1 << 20
	maxViewerIDLen   = 128
)

var pingBlock = make([]byte, maxPingBytes)

type relayHandlers struct {
	ctx     context.Context
	hub     *app.Hub
	limiter *PublishLimiter
	push    *signal.PushController
}

// statusFor maps the relay error taxonomy onto HTTP.
func statusFor(err error) int {
	switch {
	case errors.Is(err, app.ErrEnded):
		return http.StatusGone
	case errors.Is(err, domain.ErrRemoteUnavailable):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrResourceExhausted):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func abort(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("module", "adapters.http").Str("path", c.FullPath()).Msg("relay error")
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

func sessionParam(c *gin.Context) (domain.SessionID, bool) {
	sid, err := domain.ParseSessionID(c.Param("id"))
	if err != nil {
		abort(c, err)
		return "", false
	}
	return sid, true
}

func sinceParam(c *gin.Context) (uint64, bool) {
	raw := c.Query("since")
	if raw == "" {
		return 0, true
	}
	since, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid since"})
		return 0, false
	}
	return since, true
}

// viewerParam resolves who is asking: the host heartbeat, an explicit viewer
// id, or the client token of the browser.
func viewerParam(c *gin.Context) (domain.ViewerID, bool) {
	if c.Query("role") == core.RoleHost {
		return "", true
	}
	v := c.Query("viewer")
	if v == "" {
		v = c.GetString("client_token")
	}
	if len(v) > maxViewerIDLen || strings.ContainsAny(v, ", ") {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid viewer"})
		return "", false
	}
	return domain.ViewerID(v), true
}

func joinViewers(vs []domain.ViewerID) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = string(v)
	}
	return strings.Join(parts, ",")
}

// GET /api/ping?size=N
func (h *relayHandlers) ping(c *gin.Context) {
	size := defaultPingBytes
	if raw := c.Query("size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid size"})
			return
		}
		size = min(n, maxPingBytes)
	}
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "application/octet-stream", pingBlock[:size])
}

// GET /api/sessions
func (h *relayHandlers) list(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": h.hub.List()})
}

// PUT /api/sessions/:id/payload
func (h *relayHandlers) publish(c *gin.Context) {
	sid, ok := sessionParam(c)
	if !ok {
		return
	}
	version, err := strconv.ParseUint(c.GetHeader(core.HeaderVersion), 10, 64)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid " + core.HeaderVersion})
		return
	}
	title, err := url.QueryUnescape(c.GetHeader(core.HeaderTitle))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid " + core.HeaderTitle})
		return
	}
	maxViewers := 0
	if raw := c.GetHeader(core.HeaderMaxViewers); raw != "" {
		if maxViewers, err = strconv.Atoi(raw); err != nil || maxViewers < 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid " + core.HeaderMaxViewers})
			return
		}
	}

	data, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, int64(h.hub.Config().MaxPayloadBytes)))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload too large"})
			return
		}
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "read body: " + err.Error()})
		return
	}

	if !h.limiter.Allow(sid) {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "publish rate exceeded"})
		return
	}
	ack, err := h.hub.Publish(sid, core.Payload{Version: version, Title: title, MaxViewers: maxViewers, Data: data})
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, ack)
}

// GET /api/sessions/:id/payload?since=&viewer=
func (h *relayHandlers) snapshot(c *gin.Context) {
	sid, ok := sessionParam(c)
	if !ok {
		return
	}
	since, ok := sinceParam(c)
	if !ok {
		return
	}
	viewer, ok := viewerParam(c)
	if !ok {
		return
	}

	res, err := h.hub.Snapshot(sid, viewer, since)
	if err != nil {
		abort(c, err)
		return
	}
	c.Header(core.HeaderViewers, joinViewers(res.Viewers))
	if res.Payload == nil {
		c.Status(http.StatusNoContent)
		return
	}
	c.Header(core.HeaderVersion, strconv.FormatUint(res.Payload.Version, 10))
	c.Header(core.HeaderTitle, url.QueryEscape(res.Payload.Title))
	c.Header(core.HeaderMaxViewers, strconv.Itoa(res.Payload.MaxViewers))
	c.Data(http.StatusOK, "application/octet-stream", res.Payload.Data)
}

// DELETE /api/sessions/:id
func (h *relayHandlers) end(c *gin.Context) {
	sid, ok := sessionParam(c)
	if !ok {
		return
	}
	if err := h.hub.End(sid); err != nil {
		abort(c, err)
		return
	}
	h.limiter.Forget(sid)
	c.Status(http.StatusNoContent)
}

// GET /api/ws/sessions/:id?viewer=&since=
func (h *relayHandlers) subscribe(c *gin.Context) {
	sid, ok := sessionParam(c)
	if !ok {
		return
	}
	since, ok := sinceParam(c)
	if !ok {
		return
	}
	viewer, ok := viewerParam(c)
	if !ok {
		return
	}
	if viewer == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "push is for viewers"})
		return
	}
	if err := h.hub.Status(sid); err != nil {
		abort(c, err)
		return
	}
	h.push.HandlePush(h.ctx, c, sid, viewer, since)
}
