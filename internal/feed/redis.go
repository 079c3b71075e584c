package feed

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

type redisSubscriber struct {
	client *redis.Client
	pubsub *redis.PubSub
}

func dialRedis(ctx context.Context, addr, channel string) (Subscriber, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	ps := client.Subscribe(ctx, channel)

	// wait for the subscription confirmation so connection errors surface here
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		_ = client.Close()
		return nil, fmt.Errorf("%w: redis subscribe %s/%s: %v", ErrFeedDisconnected, addr, channel, err)
	}
	return &redisSubscriber{client: client, pubsub: ps}, nil
}

func (s *redisSubscriber) Receive(ctx context.Context) ([]byte, error) {
	msg, err := s.pubsub.ReceiveMessage(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: redis receive: %v", ErrFeedDisconnected, err)
	}
	return []byte(msg.Payload), nil
}

func (s *redisSubscriber) Close() error {
	psErr := s.pubsub.Close()
	if err := s.client.Close(); err != nil {
		return err
	}
	return psErr
}
