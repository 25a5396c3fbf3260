// Package transport holds the transport strategy table and the rules that
// pick a strategy from a quality reading.
package transport

import (
	"fmt"

	"github.com/dkeye/CanvasShare/internal/domain"
)

var strategies = []domain.ConnectionMode{
	{
		Type:     domain.TransportWebSocket,
		Priority: 1,
		Config:   domain.TransportConfig{IntervalMs: 5000, TimeoutMs: 5000, RetryAttempts: 5},
	},
	{
		Type:     domain.TransportHybrid,
		Priority: 2,
		Config:   domain.TransportConfig{IntervalMs: 2000, TimeoutMs: 8000, RetryAttempts: 5},
	},
	{
		Type:     domain.TransportPolling,
		Priority: 3,
		Config:   domain.TransportConfig{IntervalMs: 1000, TimeoutMs: 10000, RetryAttempts: 5},
	},
}

// All returns the supported strategies ordered by priority.
func All() []domain.ConnectionMode {
	out := make([]domain.ConnectionMode, len(strategies))
	copy(out, strategies)
	return out
}

func Lookup(t domain.TransportType) (domain.ConnectionMode, error) {
	for _, s := range strategies {
		if s.Type == t {
			return s, nil
		}
	}
	return domain.ConnectionMode{}, fmt.Errorf("%w: unsupported transport %q", domain.ErrInvalidInput, t)
}

func mustLookup(t domain.TransportType) domain.ConnectionMode {
	m, err := Lookup(t)
	if err != nil {
		panic(err)
	}
	return m
}

// ForQuality picks the push socket for excellent and good links, hybrid for
// fair ones and polling for everything else.
func ForQuality(level domain.QualityLevel) domain.ConnectionMode {
	switch level {
	case domain.QualityExcellent, domain.QualityGood:
		return mustLookup(domain.TransportWebSocket)
	case domain.QualityFair:
		return mustLookup(domain.TransportHybrid)
	default:
		return mustLookup(domain.TransportPolling)
	}
}

// Fallback is the strategy used when push setup fails.
func Fallback() domain.ConnectionMode {
	return mustLookup(domain.TransportPolling)
}

// UsesPush reports whether viewers in this mode hold a push subscription.
func UsesPush(m domain.ConnectionMode) bool {
	return m.Type == domain.TransportWebSocket || m.Type == domain.TransportHybrid
}

// UsesPolling reports whether viewers in this mode poll the relay.
func UsesPolling(m domain.ConnectionMode) bool {
	return m.Type == domain.TransportPolling || m.Type == domain.TransportHybrid
}
