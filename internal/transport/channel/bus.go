package channel

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/wikimedia/analytics-abacist/internal/domain"
)

// ErrBufferFull is returned by Emit when an emit timeout is configured and
// the buffer stayed full for that long.
var ErrBufferFull = errors.New("event bus buffer full")

// ErrClosed is returned by Emit after Close.
var ErrClosed = errors.New("event bus closed")

// MetricsSink receives event bus measurements.
type MetricsSink interface {
	BufferSizeUpdate(size int)
	BufferCapacitySet(capacity int)
	BufferSaturationUpdate(saturation float64)
	EmitError()
}

type Option func(*EventBus)

// WithEmitTimeout bounds how long Emit waits for buffer space. Zero (the
// default) waits until the context is done, so a slow store slows down
// the feed instead of losing events.
func WithEmitTimeout(d time.Duration) Option {
	return func(b *EventBus) {
		b.emitTimeout = d
	}
}

func WithMetrics(m MetricsSink) Option {
	return func(b *EventBus) {
		b.metrics = m
	}
}

// EventBus is a bounded FIFO of page views between the feed and the updater.
type EventBus struct {
	ch          chan domain.PageView
	emitTimeout time.Duration
	metrics     MetricsSink

	mu        sync.RWMutex
	closed    bool
	done      chan struct{}
	closeDone sync.Once
}

func NewEventBus(buffer int, opts ...Option) *EventBus {
	b := &EventBus{
		ch:   make(chan domain.PageView, buffer),
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.metrics != nil {
		b.metrics.BufferCapacitySet(buffer)
	}
	return b
}

func (b *EventBus) Emit(ctx context.Context, event domain.PageView) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	var timeout <-chan time.Time
	if b.emitTimeout > 0 {
		timer := time.NewTimer(b.emitTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case b.ch <- event:
		b.reportSize()
		return nil
	case <-b.done:
		return ErrClosed
	case <-timeout:
		b.emitError()
		return ErrBufferFull
	case <-ctx.Done():
		b.emitError()
		return ctx.Err()
	}
}

// Close stops accepting events. Buffered events stay readable; the channel
// is closed once they are consumed. Emitters blocked on a full buffer
// return ErrClosed.
func (b *EventBus) Close() {
	// wake blocked emitters so they release the read lock
	b.closeDone.Do(func() { close(b.done) })

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.ch)
}

func (b *EventBus) Channel() <-chan domain.PageView {
	return b.ch
}

func (b *EventBus) reportSize() {
	if b.metrics == nil {
		return
	}
	size := len(b.ch)
	b.metrics.BufferSizeUpdate(size)
	if c := cap(b.ch); c > 0 {
		b.metrics.BufferSaturationUpdate(float64(size) / float64(c))
	}
}

func (b *EventBus) emitError() {
	if b.metrics != nil {
		b.metrics.EmitError()
	}
}
