package telemetry

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackerBuildsEvent(t *testing.T) {
	var got []Event
	tr := NewTracker(SinkFunc(func(ev Event) error {
		got = append(got, ev)
		return nil
	}))
	fixed := time.Unix(1700000000, 0)
	tr.now = func() time.Time { return fixed }

	tr.Track("relay", "publish_ok", WithLabel("wss://a"), WithValue(3))

	require.Len(t, got, 1)
	assert.Equal(t, "relay", got[0].Category)
	assert.Equal(t, "publish_ok", got[0].Action)
	assert.Equal(t, "wss://a", got[0].Label)
	require.NotNil(t, got[0].Value)
	assert.Equal(t, 3.0, *got[0].Value)
	assert.Equal(t, fixed, got[0].Timestamp)
}

func TestTrackerSwallowsSinkFailures(t *testing.T) {
	delivered := 0
	tr := NewTracker(
		SinkFunc(func(Event) error { return errors.New("collector down") }),
		SinkFunc(func(Event) error { panic("boom") }),
		SinkFunc(func(Event) error { delivered++; return nil }),
	)

	assert.NotPanics(t, func() { tr.Track("cipher", "encrypt") })
	assert.Equal(t, 1, delivered)
}

func TestNilTrackerIsNoop(t *testing.T) {
	var tr *Tracker
	assert.NotPanics(t, func() { tr.Track("dvm", "match") })
}

func TestMetricsSinkCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink, err := NewMetricsSink(reg)
	require.NoError(t, err)

	// a second sink on the same registry shares the collectors
	again, err := NewMetricsSink(reg)
	require.NoError(t, err)

	tr := NewTracker(sink, again)
	tr.Track("relay", "fetch_ok", WithValue(2))

	assert.Equal(t, 2.0, testutil.ToFloat64(sink.events.WithLabelValues("relay", "fetch_ok")))
	assert.NoError(t, LogSink{}.Emit(Event{Category: "relay", Action: "fetch_ok"}))
}
