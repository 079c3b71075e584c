// Package feed subscribes to an EventLogging publisher and turns its
// capsules into page views.
package feed

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/wikimedia/analytics-abacist/internal/domain"
	"github.com/wikimedia/analytics-abacist/internal/metrics"
)

// MaxReconnectInterval caps the wait between reconnect attempts.
const MaxReconnectInterval = 30 * time.Second

// EmitFunc hands a decoded page view downstream. It may block.
type EmitFunc func(ctx context.Context, pv domain.PageView) error

// MetricsSink receives feed measurements.
type MetricsSink interface {
	EventReceived()
	EventDropped(reason string)
	FeedReconnect()
}

type Feed struct {
	dial       DialFunc
	decoder    Decoder
	metrics    MetricsSink
	newBackoff func() backoff.BackOff
	logger     zerolog.Logger
}

func New(dial DialFunc, decoder Decoder) *Feed {
	return &Feed{
		dial:    dial,
		decoder: decoder,
		newBackoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxInterval = MaxReconnectInterval
			b.MaxElapsedTime = 0
			return b
		},
		logger: log.With().Str("component", "feed").Logger(),
	}
}

func (f *Feed) WithMetrics(sink MetricsSink) *Feed {
	f.metrics = sink
	return f
}

// WithBackoff replaces the reconnect policy. The policy must not give up
// (NextBackOff never returns backoff.Stop), as the feed runs until
// cancelled.
func (f *Feed) WithBackoff(newBackoff func() backoff.BackOff) *Feed {
	f.newBackoff = newBackoff
	return f
}

// Run receives capsules and emits page views until ctx is cancelled.
// Lost connections are re-established with exponential backoff. Run
// returns nil on cancellation and a non-nil error only if emit fails for
// another reason.
func (f *Feed) Run(ctx context.Context, emit EmitFunc) error {
	bo := f.newBackoff()
	for {
		sub, err := f.dial(ctx)
		if err != nil {
			err = disconnected(err)
		} else {
			err = f.consume(ctx, sub, emit, bo)
			if cerr := sub.Close(); cerr != nil {
				f.logger.Debug().Err(cerr).Msg("close subscriber")
			}
		}
		if ctx.Err() != nil {
			return nil
		}
		if err != nil && !errors.Is(err, ErrFeedDisconnected) {
			return err
		}

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			wait = MaxReconnectInterval
		}
		f.logger.Warn().Err(err).Dur("retry_in", wait).Msg("feed connection lost")
		if f.metrics != nil {
			f.metrics.FeedReconnect()
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// consume reads from sub until it fails. Connection errors wrap
// ErrFeedDisconnected; any other error comes from emit.
func (f *Feed) consume(ctx context.Context, sub Subscriber, emit EmitFunc, bo backoff.BackOff) error {
	f.logger.Info().Msg("feed connected")
	for {
		data, err := sub.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return disconnected(err)
		}
		bo.Reset()
		if len(data) == 0 {
			continue
		}
		if f.metrics != nil {
			f.metrics.EventReceived()
		}

		pv, err := f.decoder.Decode(data)
		switch {
		case errors.Is(err, ErrFiltered):
			if f.metrics != nil {
				f.metrics.EventDropped(metrics.ReasonFiltered)
			}
			continue
		case err != nil:
			f.logger.Warn().Err(err).Msg("dropping malformed capsule")
			if f.metrics != nil {
				f.metrics.EventDropped(metrics.ReasonMalformed)
			}
			continue
		}

		if err := emit(ctx, pv); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func disconnected(err error) error {
	if errors.Is(err, ErrFeedDisconnected) {
		return err
	}
	return errors.Join(ErrFeedDisconnected, err)
}
