// Package counter defines the operations the updater issues against a
// counter store and the store contract itself.
package counter

import (
	"context"
	"errors"
	"time"
)

// ErrRejected is returned by Store.Submit when the store refused part of a
// batch after applying the rest. Resubmitting would apply those parts again.
var ErrRejected = errors.New("batch rejected by store")

type OpKind int

const (
	// OpIncrement adds Delta to Field within the mapping at Key.
	OpIncrement OpKind = iota + 1
	// OpExpireAt makes Key and all its fields disappear at At.
	OpExpireAt
)

func (k OpKind) String() string {
	switch k {
	case OpIncrement:
		return "increment"
	case OpExpireAt:
		return "expire_at"
	default:
		return "unknown"
	}
}

type Op struct {
	Kind  OpKind
	Key   string
	Field string
	Delta int64
	At    time.Time
}

// Batch is an ordered list of operations applied all-or-nothing.
type Batch struct {
	ops []Op
}

func (b *Batch) Increment(key, field string, delta int64) {
	b.ops = append(b.ops, Op{Kind: OpIncrement, Key: key, Field: field, Delta: delta})
}

func (b *Batch) ExpireAt(key string, at time.Time) {
	b.ops = append(b.ops, Op{Kind: OpExpireAt, Key: key, At: at})
}

// Ops returns a copy of the queued operations.
func (b Batch) Ops() []Op {
	return append([]Op(nil), b.ops...)
}

func (b Batch) Len() int {
	return len(b.ops)
}

// Store applies batches atomically: either every operation of a batch
// becomes visible to readers or none does. A store that cannot uphold this
// for a particular batch returns an error wrapping ErrRejected.
type Store interface {
	Submit(ctx context.Context, b Batch) error
}
