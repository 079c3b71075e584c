package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// PrometheusSink implements Sink using Prometheus client library.
// All methods are non-blocking and fire-and-forget.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	// Feed metrics
	eventsReceivedTotal prometheus.Counter
	eventsDroppedTotal  *prometheus.CounterVec
	feedReconnectsTotal prometheus.Counter

	// Updater metrics
	batchesTotal       *prometheus.CounterVec
	batchDuration      prometheus.Histogram
	bucketOpsTotal     prometheus.Counter
	eventOutcomesTotal *prometheus.CounterVec
	retryAttemptsTotal prometheus.Counter
	eventsInFlight     prometheus.Gauge
	storeCircuitOpen   prometheus.Gauge

	// EventBus metrics
	bufferSize       prometheus.Gauge
	bufferCapacity   prometheus.Gauge
	bufferSaturation prometheus.Gauge
	emitErrorsTotal  prometheus.Counter
}

// NewPrometheusSink creates a new Prometheus metrics sink.
// If registration fails, it logs a warning and returns a functional sink.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{}
	s.initFeedMetrics(reg)
	s.initUpdaterMetrics(reg)
	s.initEventBusMetrics(reg)
	return s
}

func (s *PrometheusSink) initFeedMetrics(reg prometheus.Registerer) {
	s.eventsReceivedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "abacist_feed_events_received_total",
		Help: "Total number of messages received from the event feed.",
	})
	s.eventsDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "abacist_events_dropped_total",
		Help: "Total number of events dropped without being counted.",
	}, []string{"reason"})
	s.feedReconnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "abacist_feed_reconnects_total",
		Help: "Total number of event feed reconnections.",
	})

	s.register(reg, s.eventsReceivedTotal, "abacist_feed_events_received_total")
	s.register(reg, s.eventsDroppedTotal, "abacist_events_dropped_total")
	s.register(reg, s.feedReconnectsTotal, "abacist_feed_reconnects_total")
}

func (s *PrometheusSink) initUpdaterMetrics(reg prometheus.Registerer) {
	s.batchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "abacist_updater_batches_total",
		Help: "Total number of counter batch submissions.",
	}, []string{"attempt", "error_class"})

	s.batchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "abacist_updater_batch_duration_seconds",
		Help:    "Counter store batch latency in seconds (excludes backoff wait).",
		Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.1, 0.5, 1, 5},
	})

	s.bucketOpsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "abacist_updater_bucket_ops_total",
		Help: "Total number of increment and expiry operations committed.",
	})

	s.eventOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "abacist_updater_event_outcomes_total",
		Help: "Total number of final outcomes per event.",
	}, []string{"outcome"})

	s.retryAttemptsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "abacist_updater_retry_attempts_total",
		Help: "Total number of batch retries (excludes first attempt).",
	})

	s.eventsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "abacist_updater_events_in_flight",
		Help: "Number of events currently being applied.",
	})

	s.storeCircuitOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "abacist_updater_store_circuit_open",
		Help: "1 while the counter store circuit breaker is open.",
	})

	s.register(reg, s.batchesTotal, "abacist_updater_batches_total")
	s.register(reg, s.batchDuration, "abacist_updater_batch_duration_seconds")
	s.register(reg, s.bucketOpsTotal, "abacist_updater_bucket_ops_total")
	s.register(reg, s.eventOutcomesTotal, "abacist_updater_event_outcomes_total")
	s.register(reg, s.retryAttemptsTotal, "abacist_updater_retry_attempts_total")
	s.register(reg, s.eventsInFlight, "abacist_updater_events_in_flight")
	s.register(reg, s.storeCircuitOpen, "abacist_updater_store_circuit_open")
}

func (s *PrometheusSink) initEventBusMetrics(reg prometheus.Registerer) {
	s.bufferSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "abacist_eventbus_buffer_size",
		Help: "Current number of events in the event bus buffer.",
	})
	s.bufferCapacity = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "abacist_eventbus_buffer_capacity",
		Help: "Capacity of the event bus buffer.",
	})
	s.bufferSaturation = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "abacist_eventbus_buffer_saturation",
		Help: "Fraction of the event bus buffer in use (0-1).",
	})
	s.emitErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "abacist_eventbus_emit_errors_total",
		Help: "Total number of emits abandoned on shutdown.",
	})

	s.register(reg, s.bufferSize, "abacist_eventbus_buffer_size")
	s.register(reg, s.bufferCapacity, "abacist_eventbus_buffer_capacity")
	s.register(reg, s.bufferSaturation, "abacist_eventbus_buffer_saturation")
	s.register(reg, s.emitErrorsTotal, "abacist_eventbus_emit_errors_total")
}

// register attempts to register a collector, logging any errors without propagating them.
func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		log.Warn().Err(err).Str("component", "metrics").Str("metric", name).Msg("failed to register collector")
	}
}

// Feed metrics implementation

func (s *PrometheusSink) EventReceived() {
	s.eventsReceivedTotal.Inc()
}

func (s *PrometheusSink) EventDropped(reason string) {
	s.eventsDroppedTotal.WithLabelValues(reason).Inc()
}

func (s *PrometheusSink) FeedReconnect() {
	s.feedReconnectsTotal.Inc()
}

// Updater metrics implementation

func (s *PrometheusSink) BatchSubmitted(attempt int, errorClass string, ops int, duration time.Duration) {
	s.batchesTotal.WithLabelValues(strconv.Itoa(attempt), errorClass).Inc()
	s.batchDuration.Observe(duration.Seconds())
	if errorClass == ErrorClassNone {
		s.bucketOpsTotal.Add(float64(ops))
	}
}

func (s *PrometheusSink) EventOutcome(outcome string) {
	s.eventOutcomesTotal.WithLabelValues(outcome).Inc()
}

func (s *PrometheusSink) RetryAttempt() {
	s.retryAttemptsTotal.Inc()
}

func (s *PrometheusSink) EventsInFlightIncr() {
	s.eventsInFlight.Inc()
}

func (s *PrometheusSink) EventsInFlightDecr() {
	s.eventsInFlight.Dec()
}

func (s *PrometheusSink) CircuitOpen(open bool) {
	if open {
		s.storeCircuitOpen.Set(1)
		return
	}
	s.storeCircuitOpen.Set(0)
}

// EventBus metrics implementation

func (s *PrometheusSink) BufferSizeUpdate(size int) {
	s.bufferSize.Set(float64(size))
}

func (s *PrometheusSink) BufferCapacitySet(capacity int) {
	s.bufferCapacity.Set(float64(capacity))
}

func (s *PrometheusSink) BufferSaturationUpdate(saturation float64) {
	s.bufferSaturation.Set(saturation)
}

func (s *PrometheusSink) EmitError() {
	s.emitErrorsTotal.Inc()
}
