package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func newTestSink(t *testing.T) (*PrometheusSink, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	sink := NewPrometheusSink(reg)
	return sink, reg
}

func getCounterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			for _, m := range mf.GetMetric() {
				if m.GetCounter() != nil {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func getGaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			for _, m := range mf.GetMetric() {
				if m.GetGauge() != nil {
					return m.GetGauge().GetValue()
				}
			}
		}
	}
	return 0
}

func getCounterVecValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			for _, m := range mf.GetMetric() {
				if matchLabels(m.GetLabel(), labels) {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func matchLabels(pairs []*dto.LabelPair, want map[string]string) bool {
	if len(pairs) != len(want) {
		return false
	}
	for _, p := range pairs {
		if v, ok := want[p.GetName()]; !ok || v != p.GetValue() {
			return false
		}
	}
	return true
}

func TestPrometheusSink_Registration(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink := NewPrometheusSink(reg)
	if sink == nil {
		t.Fatal("NewPrometheusSink returned nil")
	}
}

func TestPrometheusSink_EventsDropped(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.EventReceived()
	sink.EventReceived()
	sink.EventReceived()
	sink.EventDropped(ReasonMalformed)
	sink.EventDropped(ReasonFiltered)
	sink.EventDropped(ReasonFiltered)

	if val := getCounterValue(t, reg, "abacist_feed_events_received_total"); val != 3 {
		t.Errorf("events_received_total = %v, want 3", val)
	}
	malformed := getCounterVecValue(t, reg, "abacist_events_dropped_total",
		map[string]string{"reason": "malformed"})
	if malformed != 1 {
		t.Errorf("reason=malformed = %v, want 1", malformed)
	}
	filtered := getCounterVecValue(t, reg, "abacist_events_dropped_total",
		map[string]string{"reason": "filtered"})
	if filtered != 2 {
		t.Errorf("reason=filtered = %v, want 2", filtered)
	}
}

func TestPrometheusSink_BatchSubmittedLabels(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.BatchSubmitted(1, ErrorClassConnectionError, 18, 2*time.Millisecond)
	sink.BatchSubmitted(2, ErrorClassNone, 18, time.Millisecond)

	val1 := getCounterVecValue(t, reg, "abacist_updater_batches_total",
		map[string]string{"attempt": "1", "error_class": "connection_error"})
	if val1 != 1 {
		t.Errorf("attempt=1,error_class=connection_error = %v, want 1", val1)
	}
	val2 := getCounterVecValue(t, reg, "abacist_updater_batches_total",
		map[string]string{"attempt": "2", "error_class": "none"})
	if val2 != 1 {
		t.Errorf("attempt=2,error_class=none = %v, want 1", val2)
	}
	if ops := getCounterValue(t, reg, "abacist_updater_bucket_ops_total"); ops != 18 {
		t.Errorf("bucket_ops_total = %v, want 18 (failed batch must not count)", ops)
	}
}

func TestPrometheusSink_EventOutcome(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.EventOutcome(OutcomeCounted)
	sink.EventOutcome(OutcomeFailed)
	sink.EventOutcome(OutcomeCounted)

	counted := getCounterVecValue(t, reg, "abacist_updater_event_outcomes_total",
		map[string]string{"outcome": "counted"})
	if counted != 2 {
		t.Errorf("outcome=counted = %v, want 2", counted)
	}
	failed := getCounterVecValue(t, reg, "abacist_updater_event_outcomes_total",
		map[string]string{"outcome": "failed"})
	if failed != 1 {
		t.Errorf("outcome=failed = %v, want 1", failed)
	}
}

func TestPrometheusSink_EventsInFlight(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.EventsInFlightIncr()
	sink.EventsInFlightIncr()
	sink.EventsInFlightDecr()

	val := getGaugeValue(t, reg, "abacist_updater_events_in_flight")
	if val != 1 {
		t.Errorf("events_in_flight = %v, want 1", val)
	}
}

func TestPrometheusSink_CircuitOpen(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.CircuitOpen(true)
	if val := getGaugeValue(t, reg, "abacist_updater_store_circuit_open"); val != 1 {
		t.Errorf("store_circuit_open = %v, want 1", val)
	}
	sink.CircuitOpen(false)
	if val := getGaugeValue(t, reg, "abacist_updater_store_circuit_open"); val != 0 {
		t.Errorf("store_circuit_open = %v, want 0", val)
	}
}

func TestPrometheusSink_BufferMetrics(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.BufferCapacitySet(100)
	sink.BufferSizeUpdate(42)
	sink.BufferSaturationUpdate(0.42)

	capVal := getGaugeValue(t, reg, "abacist_eventbus_buffer_capacity")
	if capVal != 100 {
		t.Errorf("buffer_capacity = %v, want 100", capVal)
	}

	sizeVal := getGaugeValue(t, reg, "abacist_eventbus_buffer_size")
	if sizeVal != 42 {
		t.Errorf("buffer_size = %v, want 42", sizeVal)
	}

	satVal := getGaugeValue(t, reg, "abacist_eventbus_buffer_saturation")
	if satVal != 0.42 {
		t.Errorf("buffer_saturation = %v, want 0.42", satVal)
	}
}

func TestPrometheusSink_DuplicateRegistration_NoPanic(t *testing.T) {
	reg := prometheus.NewRegistry()

	sink1 := NewPrometheusSink(reg)
	if sink1 == nil {
		t.Fatal("first NewPrometheusSink returned nil")
	}

	// Second registration fails for every collector but must stay usable.
	sink2 := NewPrometheusSink(reg)
	if sink2 == nil {
		t.Fatal("second NewPrometheusSink returned nil")
	}
	sink2.EventReceived()
}

// Verify PrometheusSink implements Sink interface.
var _ Sink = (*PrometheusSink)(nil)
