package metrics

import "time"

// NoopSink is a no-op implementation of Sink.
// Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

// NewNoopSink returns a no-op metrics sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) EventReceived()                                                     {}
func (n *NoopSink) EventDropped(reason string)                                         {}
func (n *NoopSink) FeedReconnect()                                                     {}
func (n *NoopSink) BatchSubmitted(attempt int, class string, ops int, d time.Duration) {}
func (n *NoopSink) EventOutcome(outcome string)                                        {}
func (n *NoopSink) RetryAttempt()                                                      {}
func (n *NoopSink) EventsInFlightIncr()                                                {}
func (n *NoopSink) EventsInFlightDecr()                                                {}
func (n *NoopSink) CircuitOpen(open bool)                                              {}
func (n *NoopSink) BufferSizeUpdate(size int)                                          {}
func (n *NoopSink) BufferCapacitySet(capacity int)                                     {}
func (n *NoopSink) BufferSaturationUpdate(saturation float64)                          {}
func (n *NoopSink) EmitError()                                                         {}
