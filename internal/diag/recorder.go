// Package diag is the share diagnostics sink: a bounded, non-blocking event
// queue fanned out to logging and metrics sinks.
package diag

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Event struct {
	Name string
	Meta map[string]any
	At   time.Time
}

// Sink consumes events on the recorder goroutine.
type Sink interface {
	Consume(Event)
}

type SinkFunc func(Event)

func (f SinkFunc) Consume(e Event) { f(e) }

const DefaultQueueSize = 256

// Recorder implements core.Diagnostics.
type Recorder struct {
	queue   chan Event
	sinks   []Sink
	dropped atomic.Uint64
	logger  zerolog.Logger

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
	done      chan struct{}
}

func NewRecorder(queueSize int, sinks ...Sink) *Recorder {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	r := &Recorder{
		queue:  make(chan Event, queueSize),
		sinks:  sinks,
		logger: log.With().Str("module", "diag").Logger(),
		done:   make(chan struct{}),
	}
	go r.loop()
	return r
}

// Record enqueues an event; when the queue is full the event is dropped.
func (r *Recorder) Record(event string, meta map[string]any) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- Event{Name: event, Meta: meta, At: time.Now()}:
	default:
		r.dropped.Add(1)
	}
}

// Dropped reports events lost to a full queue.
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

// Close drains queued events and stops the recorder.
func (r *Recorder) Close() {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		close(r.queue)
		r.mu.Unlock()
		<-r.done
	})
}

func (r *Recorder) loop() {
	defer close(r.done)
	for ev := range r.queue {
		for _, s := range r.sinks {
			r.deliver(s, ev)
		}
	}
}

func (r *Recorder) deliver(s Sink, ev Event) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error().Interface("panic", p).Str("event", ev.Name).Msg("diagnostic sink panicked")
		}
	}()
	s.Consume(ev)
}

// LogSink writes every event through zerolog.
func LogSink(logger zerolog.Logger) Sink {
	return SinkFunc(func(e Event) {
		evt := logger.Info()
		if _, failed := e.Meta["error"]; failed {
			evt = logger.Warn()
		}
		evt.Str("event", e.Name).Fields(e.Meta).Time("at", e.At).Msg("share event")
	})
}
