package domain

import (
	"slices"
	"time"
)

type Role string

const (
	RoleHost   Role = "host"
	RoleViewer Role = "viewer"
)

type QualityLevel string

const (
	QualityExcellent QualityLevel = "excellent"
	QualityGood      QualityLevel = "good"
	QualityFair      QualityLevel = "fair"
	QualityPoor      QualityLevel = "poor"
)

// Quality is one classified link measurement.
type Quality struct {
	Level         QualityLevel `json:"level"`
	LatencyMs     float64      `json:"latencyMs"`
	BandwidthKbps float64      `json:"bandwidthKbps"`
	Stability     float64      `json:"stability"`
	MeasuredAt    time.Time    `json:"measuredAt"`
}

type TransportType string

const (
	TransportWebSocket TransportType = "websocket"
	TransportHybrid    TransportType = "hybrid"
	TransportPolling   TransportType = "polling"
)

type TransportConfig struct {
	IntervalMs    int `json:"intervalMs"`
	TimeoutMs     int `json:"timeoutMs"`
	RetryAttempts int `json:"retryAttempts"`
}

func (c TransportConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMs) * time.Millisecond
}

func (c TransportConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// ConnectionMode describes the transport strategy currently in use.
type ConnectionMode struct {
	Type     TransportType   `json:"type"`
	Priority int             `json:"priority"`
	Config   TransportConfig `json:"config"`
}

type Settings struct {
	MaxViewers         int  `json:"maxViewers" mapstructure:"max_viewers"`
	AutoReconnect      bool `json:"autoReconnect" mapstructure:"auto_reconnect"`
	CompressionEnabled bool `json:"compressionEnabled" mapstructure:"compression_enabled"`
	UpdateThrottleMs   int  `json:"updateThrottleMs" mapstructure:"update_throttle_ms"`
	QualityAdaptive    bool `json:"qualityAdaptive" mapstructure:"quality_adaptive"`
}

func DefaultSettings() Settings {
	return Settings{
		MaxViewers:         10,
		AutoReconnect:      true,
		CompressionEnabled: true,
		UpdateThrottleMs:   100,
		QualityAdaptive:    true,
	}
}

func (s Settings) UpdateThrottle() time.Duration {
	return time.Duration(s.UpdateThrottleMs) * time.Millisecond
}

// Session is a point-in-time copy of the active share. Mutating it has no
// effect on the manager that produced it.
type Session struct {
	ID             SessionID      `json:"id"`
	Title          string         `json:"title"`
	Role           Role           `json:"role"`
	CanvasState    CanvasState    `json:"canvasState"`
	IsActive       bool           `json:"isActive"`
	CreatedAt      time.Time      `json:"createdAt"`
	LastUpdate     time.Time      `json:"lastUpdate"`
	Version        uint64         `json:"version"`
	Viewers        []ViewerID     `json:"viewers"`
	ConnectionMode ConnectionMode `json:"connectionMode"`
	Quality        Quality        `json:"quality"`
	Settings       Settings       `json:"settings"`
	ShareURL       string         `json:"shareUrl,omitempty"`
}

// Copy deep-copies the session.
func (s *Session) Copy() *Session {
	out := *s
	out.CanvasState = s.CanvasState.Clone()
	out.Viewers = slices.Clone(s.Viewers)
	return &out
}
