// Package redis implements counter.Store on Redis hashes.
//
// A bucket is a hash: field = counted value, value = hit count. Bucket
// rotation is delegated to Redis key expiry.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wikimedia/analytics-abacist/internal/counter"
)

// Store implements counter.Store using MULTI/EXEC transactions.
type Store struct {
	client    redis.UniversalClient
	opTimeout time.Duration
}

// New creates a store on top of client. opTimeout bounds every call; zero
// means the caller's context alone decides.
func New(client redis.UniversalClient, opTimeout time.Duration) *Store {
	return &Store{client: client, opTimeout: opTimeout}
}

// Options describes how to reach the counter store.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// Dial creates a client for opts. The connection is established lazily.
func Dial(opts Options) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.opTimeout)
}

// Submit applies b inside a single transaction.
func (s *Store) Submit(ctx context.Context, b counter.Batch) error {
	if b.Len() == 0 {
		return nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cmds, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, op := range b.Ops() {
			switch op.Kind {
			case counter.OpIncrement:
				pipe.HIncrBy(ctx, op.Key, op.Field, op.Delta)
			case counter.OpExpireAt:
				pipe.ExpireAt(ctx, op.Key, op.At)
			default:
				return fmt.Errorf("unsupported op %v on %s", op.Kind, op.Key)
			}
		}
		return nil
	})
	if err != nil {
		if partiallyApplied(cmds, err) {
			return fmt.Errorf("%w: redis transaction: %w", counter.ErrRejected, err)
		}
		return fmt.Errorf("redis transaction: %w", err)
	}
	return nil
}

// partiallyApplied reports whether EXEC ran and some commands of the
// transaction succeeded while another one failed. Redis does not roll back
// in that case. Network errors and refused transactions never count.
func partiallyApplied(cmds []redis.Cmder, err error) bool {
	var rerr redis.Error
	if !errors.As(err, &rerr) {
		return false
	}
	var ok, failed bool
	for _, cmd := range cmds {
		if cmd.Err() == nil {
			ok = true
		} else {
			failed = true
		}
	}
	return ok && failed
}

// IncrementField adds delta to field within key and returns the new count.
func (s *Store) IncrementField(ctx context.Context, key, field string, delta int64) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	n, err := s.client.HIncrBy(ctx, key, field, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("redis hincrby %s: %w", key, err)
	}
	return n, nil
}

// SetExpiryAt sets or overwrites the expiry of key.
func (s *Store) SetExpiryAt(ctx context.Context, key string, at time.Time) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.client.ExpireAt(ctx, key, at).Err(); err != nil {
		return fmt.Errorf("redis expireat %s: %w", key, err)
	}
	return nil
}

// PingContext reports whether the store is reachable.
func (s *Store) PingContext(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.client.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.client.Close()
}
