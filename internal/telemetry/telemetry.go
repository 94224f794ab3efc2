// Package telemetry records best-effort operation events. A failing sink
// never fails the operation being tracked.
package telemetry

import (
	"fmt"
	"time"

	"github.com/OpenAgentsInc/commander/internal/utils/log"

	"go.uber.org/zap"
)

type (
	Event struct {
		Category  string
		Action    string
		Label     string
		Value     *float64
		Timestamp time.Time
	}

	Sink interface {
		Emit(Event) error
	}

	Option func(*Event)

	// Tracker fans events out to its sinks. A nil *Tracker is valid and drops everything.
	Tracker struct {
		sinks []Sink
		now   func() time.Time
	}
)

func NewTracker(sinks ...Sink) *Tracker {
	return &Tracker{
		sinks: sinks,
		now:   time.Now,
	}
}

func WithLabel(label string) Option {
	return func(e *Event) {
		e.Label = label
	}
}

func WithValue(v float64) Option {
	return func(e *Event) {
		e.Value = &v
	}
}

func (t *Tracker) Track(category, action string, opts ...Option) {
	if t == nil || len(t.sinks) == 0 {
		return
	}

	ev := Event{
		Category:  category,
		Action:    action,
		Timestamp: t.now(),
	}
	for _, opt := range opts {
		opt(&ev)
	}

	for _, s := range t.sinks {
		if err := emit(s, ev); err != nil {
			log.Debug("telemetry sink failed",
				zap.String("category", category),
				zap.String("action", action),
				zap.Error(err))
		}
	}
}

func emit(s Sink, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panicked: %v", r)
		}
	}()
	return s.Emit(ev)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event) error

func (f SinkFunc) Emit(ev Event) error {
	return f(ev)
}
