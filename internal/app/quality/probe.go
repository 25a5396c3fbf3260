// Package quality measures link round-trips and classifies them.
package quality

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/dkeye/CanvasShare/internal/clock"
	"github.com/dkeye/CanvasShare/internal/core"
	"github.com/dkeye/CanvasShare/internal/domain"
	"github.com/rs/zerolog/log"
)

const (
	ExcellentLatency  = 100 * time.Millisecond
	GoodLatency       = 300 * time.Millisecond
	FairLatency       = 1000 * time.Millisecond
	HighBandwidthKbps = 1000.0
	// ProbeCeiling bounds a single measurement; slower probes read as poor.
	ProbeCeiling = 10 * time.Second

	stabilityWindow = 5
)

// Prober keeps a short latency history so it can report stability.
type Prober struct {
	clock   clock.Clock
	ceiling time.Duration

	mu      sync.Mutex
	samples []float64 // latency in ms; negative marks a failed probe
}

func NewProber(c clock.Clock) *Prober {
	return &Prober{clock: c, ceiling: ProbeCeiling}
}

// WithCeiling overrides the hard probe timeout.
func (p *Prober) WithCeiling(d time.Duration) *Prober {
	p.ceiling = d
	return p
}

// Measure never fails: errors, panics and timeouts come back as a poor reading.
func (p *Prober) Measure(ctx context.Context, target core.Pinger) (q domain.Quality) {
	ctx, cancel := context.WithTimeout(ctx, p.ceiling)
	defer cancel()

	start := p.clock.Now()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("module", "quality").Interface("panic", r).Msg("probe panicked")
			q = p.failed(start)
		}
	}()

	n, err := target.Ping(ctx)
	elapsed := p.clock.Now().Sub(start)
	if err != nil || ctx.Err() != nil || elapsed >= p.ceiling {
		log.Debug().Str("module", "quality").Err(err).Dur("elapsed", elapsed).Msg("probe failed")
		return p.failed(start)
	}

	latencyMs := float64(elapsed) / float64(time.Millisecond)
	var kbps float64
	if n > 0 {
		// bits per millisecond is kbit/s; sub-millisecond probes count as 1ms
		kbps = float64(n*8) / math.Max(latencyMs, 1)
	}
	q = domain.Quality{
		Level:         Classify(elapsed, kbps),
		LatencyMs:     latencyMs,
		BandwidthKbps: kbps,
		Stability:     p.record(latencyMs),
		MeasuredAt:    p.clock.Now(),
	}
	return q
}

func (p *Prober) failed(start time.Time) domain.Quality {
	return domain.Quality{
		Level:      domain.QualityPoor,
		LatencyMs:  float64(p.ceiling) / float64(time.Millisecond),
		Stability:  p.record(-1),
		MeasuredAt: start,
	}
}

// Classify maps a latency and bandwidth estimate onto the ordinal scale.
func Classify(latency time.Duration, bandwidthKbps float64) domain.QualityLevel {
	switch {
	case latency < ExcellentLatency && bandwidthKbps >= HighBandwidthKbps:
		return domain.QualityExcellent
	case latency < GoodLatency:
		return domain.QualityGood
	case latency < FairLatency:
		return domain.QualityFair
	default:
		return domain.QualityPoor
	}
}

func (p *Prober) record(sample float64) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.samples = append(p.samples, sample)
	if len(p.samples) > stabilityWindow {
		p.samples = p.samples[len(p.samples)-stabilityWindow:]
	}
	return stability(p.samples)
}

// stability is 1 minus the coefficient of variation of the successful samples,
// scaled by the share of successful probes in the window.
func stability(samples []float64) float64 {
	var ok []float64
	for _, s := range samples {
		if s >= 0 {
			ok = append(ok, s)
		}
	}
	if len(ok) == 0 {
		return 0
	}
	var sum float64
	for _, s := range ok {
		sum += s
	}
	mean := sum / float64(len(ok))
	var cv float64
	if mean > 0 {
		var sq float64
		for _, s := range ok {
			sq += (s - mean) * (s - mean)
		}
		cv = math.Sqrt(sq/float64(len(ok))) / mean
	}
	st := (1 - math.Min(cv, 1)) * float64(len(ok)) / float64(len(samples))
	return math.Max(0, math.Min(1, st))
}
