// Package updater turns page views into counter store batches.
//
// Each event becomes one atomic batch: for every counted field and every
// configured interval, increment the field's value within the bucket hash
// and re-arm the bucket's expiry. Batches are retried a bounded number of
// times; repeated exhaustion trips a circuit breaker and, if the store is
// still unreachable after the cooldown, Run returns so the process can be
// restarted.
package updater

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/wikimedia/analytics-abacist/internal/counter"
	"github.com/wikimedia/analytics-abacist/internal/domain"
	"github.com/wikimedia/analytics-abacist/internal/interval"
	"github.com/wikimedia/analytics-abacist/internal/metrics"
)

var defaultBackoff = []time.Duration{
	0,
	250 * time.Millisecond,
	time.Second,
	5 * time.Second,
}

const defaultMaxAttempts = 4

// DefaultDrainTimeout is the maximum time spent on buffered events after
// shutdown was requested.
const DefaultDrainTimeout = 30 * time.Second

// RetryWindow returns the longest time Apply waits between submissions of
// one batch with the default schedule and maxAttempts attempts. Values
// below one mean the default attempt count.
func RetryWindow(maxAttempts int) time.Duration {
	if maxAttempts < 1 {
		maxAttempts = defaultMaxAttempts
	}
	var total time.Duration
	for attempt := 2; attempt <= maxAttempts; attempt++ {
		total += backoffFor(defaultBackoff, attempt)
	}
	return total
}

// backoffFor returns the wait before attempt; attempts past the end of
// schedule reuse its last entry.
func backoffFor(schedule []time.Duration, attempt int) time.Duration {
	idx := attempt - 1
	if idx >= len(schedule) {
		idx = len(schedule) - 1
	}
	return schedule[idx]
}

// ErrStoreUnavailable is returned when a batch could not be submitted
// within the retry budget. It wraps the last store error.
var ErrStoreUnavailable = errors.New("counter store unavailable")

// Breaker gates submissions to a store target after repeated failures.
type Breaker interface {
	Allow(target string) error
	RecordSuccess(target string)
	RecordFailure(target string)
	Cooldown() time.Duration
}

// MetricsSink defines the interface for recording updater metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	EventDropped(reason string)
	BatchSubmitted(attempt int, errorClass string, ops int, duration time.Duration)
	EventOutcome(outcome string)
	RetryAttempt()
	EventsInFlightIncr()
	EventsInFlightDecr()
	CircuitOpen(open bool)
}

type Updater struct {
	store     counter.Store
	intervals *interval.Set
	namespace string

	metrics MetricsSink // optional, nil = disabled
	breaker Breaker     // optional, nil = escalate on first exhaustion
	target  string

	backoff      []time.Duration
	maxAttempts  int
	drainTimeout time.Duration
	logger       zerolog.Logger
}

func New(store counter.Store, intervals *interval.Set) *Updater {
	return &Updater{
		store:        store,
		intervals:    intervals,
		backoff:      defaultBackoff,
		maxAttempts:  defaultMaxAttempts,
		drainTimeout: DefaultDrainTimeout,
		logger:       log.With().Str("component", "updater").Logger(),
	}
}

// WithMetrics attaches a metrics sink to the updater.
func (u *Updater) WithMetrics(sink MetricsSink) *Updater {
	u.metrics = sink
	return u
}

// WithBackoff replaces the retry schedule. backoff[i] is the wait before
// attempt i+1; attempts past the end reuse the last entry.
func (u *Updater) WithBackoff(backoff []time.Duration, maxAttempts int) *Updater {
	if len(backoff) > 0 {
		u.backoff = backoff
	}
	if maxAttempts > 0 {
		u.maxAttempts = maxAttempts
	}
	return u
}

// WithBreaker escalates through cb. target names the store in the
// breaker and in logs.
func (u *Updater) WithBreaker(cb Breaker, target string) *Updater {
	u.breaker = cb
	u.target = target
	return u
}

func (u *Updater) WithDrainTimeout(d time.Duration) *Updater {
	u.drainTimeout = d
	return u
}

// WithNamespace prefixes every bucket key with ns and a colon.
func (u *Updater) WithNamespace(ns string) *Updater {
	u.namespace = ns
	return u
}

func (u *Updater) WithLogger(l zerolog.Logger) *Updater {
	u.logger = l
	return u
}

// Key returns the bucket key of field for the given interval ordinal.
// The lifetime interval has a single bucket whose key carries no ordinal.
func (u *Updater) Key(field domain.Field, iv interval.Interval, ordinal int64) string {
	var sb strings.Builder
	if u.namespace != "" {
		sb.WriteString(u.namespace)
		sb.WriteByte(':')
	}
	sb.WriteString(field.Prefix)
	sb.WriteByte(':')
	sb.WriteString(iv.Name)
	if !iv.IsLifetime() {
		sb.WriteByte(':')
		sb.WriteString(strconv.FormatInt(ordinal, 10))
	}
	return sb.String()
}

// Plan builds the batch for ev without touching the store. It returns an
// error wrapping domain.ErrMalformedEvent when ev cannot be counted.
func (u *Updater) Plan(ev domain.PageView) (counter.Batch, error) {
	if err := ev.Validate(); err != nil {
		return counter.Batch{}, err
	}

	var b counter.Batch
	for _, cv := range ev.Counted() {
		for _, iv := range u.intervals.Intervals() {
			ord := iv.Ordinal(ev.Timestamp)
			key := u.Key(cv.Field, iv, ord)
			b.Increment(key, cv.Value, 1)
			if at, ok := iv.Expiry(ord); ok {
				b.ExpireAt(key, at)
			}
		}
	}
	return b, nil
}

// Apply plans ev and submits the batch, retrying per the backoff schedule.
// Malformed events are dropped and reported; the returned error wraps
// domain.ErrMalformedEvent. A batch the store rejected after applying part
// of it is not retried; the error wraps counter.ErrRejected. An exhausted
// retry budget returns ErrStoreUnavailable.
func (u *Updater) Apply(ctx context.Context, ev domain.PageView) error {
	batch, err := u.Plan(ev)
	if err != nil {
		u.logger.Warn().Err(err).Str("event_id", ev.ID.String()).Msg("dropping event")
		if u.metrics != nil {
			u.metrics.EventDropped(metrics.ReasonMalformed)
			u.metrics.EventOutcome(metrics.OutcomeDropped)
		}
		return err
	}

	var lastErr error
	for attempt := 1; attempt <= u.maxAttempts; attempt++ {
		if attempt > 1 {
			if u.metrics != nil {
				u.metrics.RetryAttempt()
			}

			if err := sleep(ctx, backoffFor(u.backoff, attempt)); err != nil {
				return err
			}
		}

		start := time.Now()
		err := u.store.Submit(ctx, batch)
		if u.metrics != nil {
			u.metrics.BatchSubmitted(attempt, metrics.ClassifyError(err), batch.Len(), time.Since(start))
		}
		if err == nil {
			u.logger.Debug().
				Str("event_id", ev.ID.String()).
				Int("ops", batch.Len()).
				Int("attempt", attempt).
				Msg("counted")
			if u.metrics != nil {
				u.metrics.EventOutcome(metrics.OutcomeCounted)
			}
			return nil
		}
		if errors.Is(err, counter.ErrRejected) {
			// part of the batch is already applied; resubmitting would count it twice
			u.logger.Error().Err(err).
				Str("event_id", ev.ID.String()).
				Int("attempt", attempt).
				Msg("batch rejected, event partially counted")
			if u.metrics != nil {
				u.metrics.EventOutcome(metrics.OutcomeRejected)
			}
			return err
		}
		lastErr = err

		u.logger.Warn().Err(err).
			Str("event_id", ev.ID.String()).
			Int("attempt", attempt).
			Msg("batch submit failed")
	}

	if u.metrics != nil {
		u.metrics.EventOutcome(metrics.OutcomeFailed)
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrStoreUnavailable, u.maxAttempts, lastErr)
}

// Run applies events from ch in arrival order until ctx is cancelled or ch
// is closed. After cancellation it drains buffered events for at most the
// drain timeout. A batch already being submitted always runs to completion.
//
// Run returns a non-nil error only when the store stays unavailable past
// the circuit breaker's cooldown (or immediately after retry exhaustion
// when no breaker is configured).
func (u *Updater) Run(ctx context.Context, ch <-chan domain.PageView) error {
	for {
		// select picks at random when both are ready
		if ctx.Err() != nil {
			return u.drain(ch)
		}
		select {
		case <-ctx.Done():
			return u.drain(ch)
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if err := u.process(ctx, ev); err != nil {
				return err
			}
		}
	}
}

// drain processes remaining events in the channel buffer after shutdown signal.
func (u *Updater) drain(ch <-chan domain.PageView) error {
	drainCtx, cancel := context.WithTimeout(context.Background(), u.drainTimeout)
	defer cancel()

	count := 0
	for {
		if drainCtx.Err() != nil {
			u.logger.Warn().Int("processed", count).Msg("drain timeout")
			return nil
		}
		select {
		case <-drainCtx.Done():
			u.logger.Warn().Int("processed", count).Msg("drain timeout")
			return nil
		case ev, ok := <-ch:
			if !ok {
				u.logger.Info().Int("processed", count).Msg("drain complete")
				return nil
			}
			if err := u.process(drainCtx, ev); err != nil {
				return err
			}
			count++
		default:
			if count > 0 {
				u.logger.Info().Int("processed", count).Msg("drain complete")
			}
			return nil
		}
	}
}

// process applies one event, escalating through the breaker on repeated
// store failures. ctx only bounds waiting for the breaker cooldown;
// submissions themselves are not cancelled.
func (u *Updater) process(ctx context.Context, ev domain.PageView) error {
	if u.metrics != nil {
		u.metrics.EventsInFlightIncr()
		defer u.metrics.EventsInFlightDecr()
	}
	submitCtx := context.WithoutCancel(ctx)

	for {
		err := u.Apply(submitCtx, ev)
		switch {
		case err == nil:
			if u.breaker != nil {
				u.breaker.RecordSuccess(u.target)
			}
			return nil
		case errors.Is(err, domain.ErrMalformedEvent):
			return nil
		case errors.Is(err, counter.ErrRejected):
			// the store answered, so it is not an outage
			if u.breaker != nil {
				u.breaker.RecordSuccess(u.target)
			}
			return nil
		case !errors.Is(err, ErrStoreUnavailable):
			u.logger.Error().Err(err).Str("event_id", ev.ID.String()).Msg("abandoning event")
			u.abandoned()
			return nil
		}

		if u.breaker == nil {
			return err
		}
		u.breaker.RecordFailure(u.target)
		if u.breaker.Allow(u.target) == nil {
			continue
		}
		return u.retryAfterCooldown(ctx, submitCtx, ev)
	}
}

func (u *Updater) retryAfterCooldown(ctx, submitCtx context.Context, ev domain.PageView) error {
	cooldown := u.breaker.Cooldown()
	u.logger.Error().
		Str("target", u.target).
		Dur("cooldown", cooldown).
		Msg("circuit open, pausing consumption")
	if u.metrics != nil {
		u.metrics.CircuitOpen(true)
	}

	if err := sleep(ctx, cooldown); err != nil {
		u.logger.Warn().Str("event_id", ev.ID.String()).Msg("shutdown while circuit open, event not counted")
		u.abandoned()
		return nil
	}
	// moves the target to half-open
	_ = u.breaker.Allow(u.target)

	err := u.Apply(submitCtx, ev)
	if err == nil || errors.Is(err, counter.ErrRejected) {
		u.breaker.RecordSuccess(u.target)
		if u.metrics != nil {
			u.metrics.CircuitOpen(false)
		}
		u.logger.Info().Str("target", u.target).Msg("circuit closed")
		return nil
	}
	if errors.Is(err, domain.ErrMalformedEvent) {
		return nil
	}
	u.breaker.RecordFailure(u.target)
	return fmt.Errorf("store %s unavailable after %s cooldown: %w", u.target, cooldown, err)
}

func (u *Updater) abandoned() {
	if u.metrics != nil {
		u.metrics.EventOutcome(metrics.OutcomeAbandoned)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	select {
	case <-ctx.Done():
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
