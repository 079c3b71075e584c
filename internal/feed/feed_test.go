package feed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/wikimedia/analytics-abacist/internal/domain"
	"github.com/wikimedia/analytics-abacist/internal/metrics"
)

// scriptedSubscriber returns its messages in order, then fails with
// ErrFeedDisconnected (or blocks until ctx is done when hold is set).
type scriptedSubscriber struct {
	msgs   [][]byte
	hold   bool
	closed bool
}

func (s *scriptedSubscriber) Receive(ctx context.Context) ([]byte, error) {
	if len(s.msgs) > 0 {
		m := s.msgs[0]
		s.msgs = s.msgs[1:]
		return m, nil
	}
	if s.hold {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return nil, ErrFeedDisconnected
}

func (s *scriptedSubscriber) Close() error {
	s.closed = true
	return nil
}

type feedMetrics struct {
	mu         sync.Mutex
	received   int
	dropped    map[string]int
	reconnects int
}

func newFeedMetrics() *feedMetrics {
	return &feedMetrics{dropped: make(map[string]int)}
}

func (m *feedMetrics) EventReceived() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.received++
}

func (m *feedMetrics) EventDropped(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropped[reason]++
}

func (m *feedMetrics) FeedReconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconnects++
}

func capsule(ts, url string) []byte {
	return []byte(`{"schema": "WikimediaBlogVisit", "webHost": "blog.wikimedia.org", "timestamp": ` +
		ts + `, "event": {"requestUrl": "` + url + `"}}`)
}

func fastBackoff() backoff.BackOff {
	return backoff.NewConstantBackOff(time.Millisecond)
}

// collector records emitted page views and cancels ctx after want of them.
type collector struct {
	mu     sync.Mutex
	got    []domain.PageView
	want   int
	cancel context.CancelFunc
}

func (c *collector) emit(ctx context.Context, pv domain.PageView) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, pv)
	if len(c.got) == c.want {
		c.cancel()
	}
	return nil
}

func TestFeed_DecodesAndSkips(t *testing.T) {
	sub := &scriptedSubscriber{
		hold: true,
		msgs: [][]byte{
			capsule("7200", "/a"),
			[]byte(`{"schema": "Other", "webHost": "blog.wikimedia.org", "timestamp": 1, "event": {"requestUrl": "/x"}}`),
			[]byte(`{"schema": "WikimediaBlogVisit", "webHost": "blog.wikimedia.org", "event": {"requestUrl": "/x"}}`),
			capsule("7300", "/b"),
		},
	}
	m := newFeedMetrics()
	f := New(func(ctx context.Context) (Subscriber, error) { return sub, nil }, blogDecoder).
		WithMetrics(m).
		WithBackoff(fastBackoff)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c := &collector{want: 2, cancel: cancel}

	if err := f.Run(ctx, c.emit); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(c.got) != 2 || c.got[0].RequestURL != "/a" || c.got[1].RequestURL != "/b" {
		t.Fatalf("unexpected page views: %+v", c.got)
	}
	if m.received != 4 {
		t.Errorf("expected 4 received, got %d", m.received)
	}
	if m.dropped[metrics.ReasonFiltered] != 1 || m.dropped[metrics.ReasonMalformed] != 1 {
		t.Errorf("unexpected drops: %v", m.dropped)
	}
	if !sub.closed {
		t.Error("expected subscriber to be closed")
	}
}

func TestFeed_ReconnectsAfterDisconnect(t *testing.T) {
	var mu sync.Mutex
	dials := 0
	dial := func(ctx context.Context) (Subscriber, error) {
		mu.Lock()
		defer mu.Unlock()
		dials++
		switch dials {
		case 1:
			return &scriptedSubscriber{msgs: [][]byte{capsule("1", "/first")}}, nil
		case 2:
			return nil, errors.New("connection refused")
		default:
			return &scriptedSubscriber{hold: true, msgs: [][]byte{capsule("2", "/second")}}, nil
		}
	}
	m := newFeedMetrics()
	f := New(dial, blogDecoder).WithMetrics(m).WithBackoff(fastBackoff)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c := &collector{want: 2, cancel: cancel}

	if err := f.Run(ctx, c.emit); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(c.got) != 2 || c.got[1].RequestURL != "/second" {
		t.Fatalf("unexpected page views: %+v", c.got)
	}
	if dials != 3 {
		t.Errorf("expected 3 dials, got %d", dials)
	}
	if m.reconnects != 2 {
		t.Errorf("expected 2 reconnects, got %d", m.reconnects)
	}
}

func TestFeed_EmitErrorStopsRun(t *testing.T) {
	sub := &scriptedSubscriber{hold: true, msgs: [][]byte{capsule("1", "/a")}}
	f := New(func(ctx context.Context) (Subscriber, error) { return sub, nil }, blogDecoder).
		WithBackoff(fastBackoff)

	errClosed := errors.New("bus closed")
	err := f.Run(context.Background(), func(ctx context.Context, pv domain.PageView) error {
		return errClosed
	})
	if !errors.Is(err, errClosed) {
		t.Fatalf("expected emit error, got %v", err)
	}
}

func TestFeed_CancelWhileWaitingToReconnect(t *testing.T) {
	f := New(func(ctx context.Context) (Subscriber, error) {
		return nil, ErrFeedDisconnected
	}, blogDecoder).WithBackoff(func() backoff.BackOff {
		return backoff.NewConstantBackOff(time.Hour)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- f.Run(ctx, func(context.Context, domain.PageView) error { return nil }) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
