package telemetry

import (
	"errors"

	"github.com/OpenAgentsInc/commander/internal/utils/log"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// LogSink writes events to the process logger at debug level.
type LogSink struct{}

func (LogSink) Emit(ev Event) error {
	fields := []zap.Field{
		zap.String("category", ev.Category),
		zap.String("action", ev.Action),
		zap.Time("timestamp", ev.Timestamp),
	}
	if ev.Label != "" {
		fields = append(fields, zap.String("label", ev.Label))
	}
	if ev.Value != nil {
		fields = append(fields, zap.Float64("value", *ev.Value))
	}
	log.Debug("telemetry", fields...)
	return nil
}

type MetricsSink struct {
	events *prometheus.CounterVec
	values *prometheus.SummaryVec
}

// NewMetricsSink registers the telemetry collectors on reg, reusing
// collectors that are already registered.
func NewMetricsSink(reg prometheus.Registerer) (*MetricsSink, error) {
	events := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "commander_telemetry_events_total",
			Help: "Number of telemetry events by category and action",
		},
		[]string{"category", "action"},
	)
	values := prometheus.NewSummaryVec(
		prometheus.SummaryOpts{
			Name: "commander_telemetry_event_value",
			Help: "Values attached to telemetry events",
		},
		[]string{"category", "action"},
	)

	var err error
	if events, err = register(reg, events); err != nil {
		return nil, err
	}
	if values, err = register(reg, values); err != nil {
		return nil, err
	}

	return &MetricsSink{events: events, values: values}, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (m *MetricsSink) Emit(ev Event) error {
	m.events.WithLabelValues(ev.Category, ev.Action).Inc()
	if ev.Value != nil {
		m.values.WithLabelValues(ev.Category, ev.Action).Observe(*ev.Value)
	}
	return nil
}
