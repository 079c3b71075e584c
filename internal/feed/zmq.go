package feed

import (
	"context"
	"fmt"

	"github.com/go-zeromq/zmq4"
)

// zmqSubscriber reads from an EventLogging ZeroMQ publisher, subscribed to
// every topic.
type zmqSubscriber struct {
	sock zmq4.Socket
}

func dialZMQ(ctx context.Context, endpoint string) (Subscriber, error) {
	sock := zmq4.NewSub(ctx)
	if err := sock.Dial(endpoint); err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("%w: zmq dial %s: %v", ErrFeedDisconnected, endpoint, err)
	}
	if err := sock.SetOption(zmq4.OptionSubscribe, ""); err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("zmq subscribe: %w", err)
	}
	return &zmqSubscriber{sock: sock}, nil
}

// Receive returns the last frame of the next message. The socket is bound
// to the dial context, so cancelling it unblocks Recv.
func (s *zmqSubscriber) Receive(ctx context.Context) ([]byte, error) {
	msg, err := s.sock.Recv()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: zmq recv: %v", ErrFeedDisconnected, err)
	}
	if len(msg.Frames) == 0 {
		return nil, nil
	}
	return msg.Frames[len(msg.Frames)-1], nil
}

func (s *zmqSubscriber) Close() error {
	return s.sock.Close()
}
