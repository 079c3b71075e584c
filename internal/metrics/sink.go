package metrics

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/wikimedia/analytics-abacist/internal/counter"
)

// Sink defines the interface for recording metrics.
// All methods are fire-and-forget: implementations MUST NOT block or propagate errors.
type Sink interface {
	// Feed metrics
	EventReceived()
	EventDropped(reason string)
	FeedReconnect()

	// Updater metrics
	BatchSubmitted(attempt int, errorClass string, ops int, duration time.Duration)
	EventOutcome(outcome string)
	RetryAttempt()
	EventsInFlightIncr()
	EventsInFlightDecr()
	CircuitOpen(open bool)

	// EventBus metrics
	BufferSizeUpdate(size int)
	BufferCapacitySet(capacity int)
	BufferSaturationUpdate(saturation float64)
	EmitError()
}

// Drop reasons for EventDropped.
const (
	ReasonMalformed  = "malformed"
	ReasonFiltered   = "filtered"
	ReasonBufferFull = "buffer_full"
)

// Outcome constants for EventOutcome.
const (
	OutcomeCounted   = "counted"
	OutcomeDropped   = "dropped"
	OutcomeFailed    = "failed"
	OutcomeAbandoned = "abandoned"
	OutcomeRejected  = "rejected"
)

// Error class constants for BatchSubmitted.
const (
	ErrorClassNone            = "none"
	ErrorClassTimeout         = "timeout"
	ErrorClassConnectionError = "connection_error"
	ErrorClassRejected        = "rejected"
	ErrorClassOtherError      = "other_error"
)

// ClassifyError maps a store error to a bounded-cardinality label.
func ClassifyError(err error) string {
	if err == nil {
		return ErrorClassNone
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassTimeout
	}
	if errors.Is(err, counter.ErrRejected) {
		return ErrorClassRejected
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		return ErrorClassTimeout
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "network is unreachable"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "dial"):
		return ErrorClassConnectionError
	default:
		return ErrorClassOtherError
	}
}
