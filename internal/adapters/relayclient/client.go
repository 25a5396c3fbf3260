// Package relayclient talks to the relay over HTTP and websocket push. It
// implements core.Backend and core.Pusher.
package relayclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/CanvasShare/internal/app"
	"github.com/dkeye/CanvasShare/internal/core"
	"github.com/dkeye/CanvasShare/internal/domain"
)

const (
	DefaultPingBytes   = 16 << 10
	DefaultReadTimeout = 75 * time.Second
	maxBodyBytes       = 64 << 20
	maxErrorBytes      = 4 << 10
)

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.http = hc } }

func WithDialer(d *websocket.Dialer) Option { return func(c *Client) { c.dialer = d } }

// WithPingBytes sets how much data a quality probe downloads.
func WithPingBytes(n int) Option { return func(c *Client) { c.pingBytes = n } }

// WithReadTimeout bounds the silence tolerated on a push socket; relay pings
// keep it alive.
func WithReadTimeout(d time.Duration) Option { return func(c *Client) { c.readTimeout = d } }

type Client struct {
	base        *url.URL
	http        *http.Client
	dialer      *websocket.Dialer
	pingBytes   int
	readTimeout time.Duration
	log         zerolog.Logger
}

func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("relayclient: %w: bad relay url %q", domain.ErrInvalidInput, baseURL)
	}
	c := &Client{
		base:        u,
		http:        &http.Client{},
		dialer:      websocket.DefaultDialer,
		pingBytes:   DefaultPingBytes,
		readTimeout: DefaultReadTimeout,
		log:         log.With().Str("module", "relayclient").Str("relay", u.Host).Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) endpoint(path string, q url.Values) string {
	u := *c.base
	u.Path = c.base.Path + path
	u.RawQuery = q.Encode()
	return u.String()
}

func sessionPath(sid domain.SessionID) string {
	return "/api/sessions/" + url.PathEscape(string(sid))
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrTransient, err)
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, statusError(resp)
	}
	return resp, nil
}

// statusError maps a relay response onto the error taxonomy.
func statusError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBytes))
	if json.Unmarshal(raw, &body) != nil || body.Error == "" {
		body.Error = http.StatusText(resp.StatusCode)
	}
	return fmt.Errorf("%w: relay %d: %s", classifyStatus(resp.StatusCode), resp.StatusCode, body.Error)
}

func classifyStatus(code int) error {
	switch code {
	case http.StatusNotFound, http.StatusGone:
		return domain.ErrRemoteUnavailable
	case http.StatusBadRequest:
		return domain.ErrInvalidInput
	case http.StatusRequestEntityTooLarge, http.StatusTooManyRequests:
		return domain.ErrResourceExhausted
	default:
		return domain.ErrTransient
	}
}

func (c *Client) Ping(ctx context.Context) (int, error) {
	q := url.Values{"size": {strconv.Itoa(c.pingBytes)}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/api/ping", q), nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	n, err := io.Copy(io.Discard, resp.Body)
	if err != nil {
		return int(n), fmt.Errorf("%w: %w", domain.ErrTransient, err)
	}
	return int(n), nil
}

func (c *Client) Send(ctx context.Context, sid domain.SessionID, p core.Payload) (core.Ack, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.endpoint(sessionPath(sid)+"/payload", nil), bytes.NewReader(p.Data))
	if err != nil {
		return core.Ack{}, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set(core.HeaderVersion, strconv.FormatUint(p.Version, 10))
	req.Header.Set(core.HeaderTitle, url.QueryEscape(p.Title))
	if p.MaxViewers > 0 {
		req.Header.Set(core.HeaderMaxViewers, strconv.Itoa(p.MaxViewers))
	}

	resp, err := c.do(req)
	if err != nil {
		return core.Ack{}, err
	}
	defer resp.Body.Close()
	var ack core.Ack
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxErrorBytes*16)).Decode(&ack); err != nil {
		return core.Ack{}, fmt.Errorf("%w: decode ack: %w", domain.ErrTransient, err)
	}
	return ack, nil
}

// Fetch polls the newest payload. An empty viewer is the host heartbeat.
func (c *Client) Fetch(ctx context.Context, sid domain.SessionID, viewer domain.ViewerID, since uint64) (core.FetchResult, error) {
	q := url.Values{"since": {strconv.FormatUint(since, 10)}}
	if viewer == "" {
		q.Set("role", core.RoleHost)
	} else {
		q.Set("viewer", string(viewer))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(sessionPath(sid)+"/payload", q), nil)
	if err != nil {
		return core.FetchResult{}, err
	}
	resp, err := c.do(req)
	if err != nil {
		return core.FetchResult{}, err
	}
	defer resp.Body.Close()

	res := core.FetchResult{Viewers: parseViewers(resp.Header.Get(core.HeaderViewers))}
	if resp.StatusCode == http.StatusNoContent {
		return res, nil
	}
	p, err := payloadFrom(resp)
	if err != nil {
		return core.FetchResult{}, err
	}
	res.Payload = &p
	return res, nil
}

func payloadFrom(resp *http.Response) (core.Payload, error) {
	version, err := strconv.ParseUint(resp.Header.Get(core.HeaderVersion), 10, 64)
	if err != nil {
		return core.Payload{}, fmt.Errorf("%w: bad %s header", domain.ErrTransient, core.HeaderVersion)
	}
	title, err := url.QueryUnescape(resp.Header.Get(core.HeaderTitle))
	if err != nil {
		title = resp.Header.Get(core.HeaderTitle)
	}
	maxViewers, _ := strconv.Atoi(resp.Header.Get(core.HeaderMaxViewers))
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return core.Payload{}, fmt.Errorf("%w: read payload: %w", domain.ErrTransient, err)
	}
	return core.Payload{Version: version, Title: title, MaxViewers: maxViewers, Data: data}, nil
}

func parseViewers(h string) []domain.ViewerID {
	out := []domain.ViewerID{}
	for _, v := range strings.Split(h, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, domain.ViewerID(v))
		}
	}
	return out
}

func (c *Client) End(ctx context.Context, sid domain.SessionID) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.endpoint(sessionPath(sid), nil), nil)
	if err != nil {
		return err
	}
	resp, err := c.do(req)
	if err != nil {
		if errors.Is(err, domain.ErrRemoteUnavailable) {
			return nil
		}
		return err
	}
	_ = resp.Body.Close()
	return nil
}

// Sessions lists what the relay currently hosts.
func (c *Client) Sessions(ctx context.Context) ([]app.SessionInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/api/sessions", nil), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var body struct {
		Sessions []app.SessionInfo `json:"sessions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: decode sessions: %w", domain.ErrTransient, err)
	}
	return body.Sessions, nil
}

var (
	_ core.Backend = (*Client)(nil)
	_ core.Pusher  = (*Client)(nil)
)
