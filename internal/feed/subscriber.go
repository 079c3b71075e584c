package feed

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrFeedDisconnected marks a lost or failed connection to the publisher.
var ErrFeedDisconnected = errors.New("feed disconnected")

// Subscriber yields raw capsules from a publisher.
type Subscriber interface {
	// Receive blocks until the next message, ctx is done or the connection
	// fails.
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// DialFunc connects a new Subscriber.
type DialFunc func(ctx context.Context) (Subscriber, error)

// DialOptions carries transport settings not expressed in the endpoint.
type DialOptions struct {
	GroupID string // kafka consumer group
}

// NewDialer returns a DialFunc for endpoint, selected by scheme:
//
//	tcp://host:port, ipc:///path   ZeroMQ SUB
//	redis://host:port/channel      Redis pub/sub
//	kafka://broker[,broker]/topic  Kafka consumer group
func NewDialer(endpoint string, opts DialOptions) (DialFunc, error) {
	scheme, rest, ok := strings.Cut(endpoint, "://")
	if !ok || rest == "" {
		return nil, fmt.Errorf("feed endpoint %q: expected scheme://address", endpoint)
	}

	switch scheme {
	case "tcp", "ipc":
		return func(ctx context.Context) (Subscriber, error) {
			return dialZMQ(ctx, endpoint)
		}, nil
	case "redis":
		addr, channel, err := splitTarget(rest)
		if err != nil {
			return nil, fmt.Errorf("feed endpoint %q: %w", endpoint, err)
		}
		return func(ctx context.Context) (Subscriber, error) {
			return dialRedis(ctx, addr, channel)
		}, nil
	case "kafka":
		brokers, topic, err := splitTarget(rest)
		if err != nil {
			return nil, fmt.Errorf("feed endpoint %q: %w", endpoint, err)
		}
		if opts.GroupID == "" {
			return nil, fmt.Errorf("feed endpoint %q: kafka requires a consumer group", endpoint)
		}
		return func(ctx context.Context) (Subscriber, error) {
			return dialKafka(brokers, topic, opts.GroupID)
		}, nil
	default:
		return nil, fmt.Errorf("feed endpoint %q: unsupported scheme %q", endpoint, scheme)
	}
}

// splitTarget splits "address/name" at the first slash.
func splitTarget(s string) (addr, name string, err error) {
	addr, name, _ = strings.Cut(s, "/")
	if addr == "" {
		return "", "", errors.New("missing address")
	}
	if name == "" || strings.Contains(name, "/") {
		return "", "", errors.New("expected exactly one channel or topic name after the address")
	}
	return addr, name, nil
}
