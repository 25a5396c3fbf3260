package share

import (
	"time"

	"github.com/dkeye/CanvasShare/internal/app/codec"
	"github.com/dkeye/CanvasShare/internal/app/quality"
	"github.com/dkeye/CanvasShare/internal/app/reconnect"
	"github.com/dkeye/CanvasShare/internal/clock"
	"github.com/dkeye/CanvasShare/internal/core"
	"github.com/dkeye/CanvasShare/internal/domain"
)

const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultJoinTimeout      = 10 * time.Second
	DefaultEndTimeout       = 3 * time.Second
	DefaultQualityInterval  = 30 * time.Second
	DefaultMaxPayloadBytes  = 4 << 20
	DefaultShareBaseURL     = "http://localhost:8080"

	// fallbackAfter consecutive failures drop a push mode to polling.
	fallbackAfter = 2
)

type options struct {
	clock            clock.Clock
	diag             core.Diagnostics
	pusher           core.Pusher
	codec            *codec.Codec
	prober           *quality.Prober
	settings         domain.Settings
	reconnect        reconnect.Config
	shareBaseURL     string
	handshakeTimeout time.Duration
	joinTimeout      time.Duration
	endTimeout       time.Duration
	qualityInterval  time.Duration
	maxPayloadBytes  int
}

func defaultOptions() options {
	return options{
		clock:            clock.New(),
		diag:             core.NopDiagnostics{},
		settings:         domain.DefaultSettings(),
		reconnect:        reconnect.DefaultConfig(),
		shareBaseURL:     DefaultShareBaseURL,
		handshakeTimeout: DefaultHandshakeTimeout,
		joinTimeout:      DefaultJoinTimeout,
		endTimeout:       DefaultEndTimeout,
		qualityInterval:  DefaultQualityInterval,
		maxPayloadBytes:  DefaultMaxPayloadBytes,
	}
}

// Option configures a Manager.
type Option func(*options)

func WithClock(c clock.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

func WithDiagnostics(d core.Diagnostics) Option {
	return func(o *options) {
		if d != nil {
			o.diag = d
		}
	}
}

// WithPusher sets the push channel explicitly. By default the backend is used
// when it implements core.Pusher.
func WithPusher(p core.Pusher) Option {
	return func(o *options) { o.pusher = p }
}

// WithCodec shares a codec; the Manager will not close it.
func WithCodec(c *codec.Codec) Option {
	return func(o *options) { o.codec = c }
}

func WithProber(p *quality.Prober) Option {
	return func(o *options) { o.prober = p }
}

func WithSettings(s domain.Settings) Option {
	return func(o *options) { o.settings = s }
}

func WithReconnect(c reconnect.Config) Option {
	return func(o *options) { o.reconnect = c }
}

func WithShareBaseURL(u string) Option {
	return func(o *options) { o.shareBaseURL = u }
}

func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.handshakeTimeout = d
		}
	}
}

func WithJoinTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.joinTimeout = d
		}
	}
}

func WithQualityInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.qualityInterval = d
		}
	}
}

func WithMaxPayloadBytes(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxPayloadBytes = n
		}
	}
}
