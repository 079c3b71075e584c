package counter

import (
	"testing"
	"time"
)

func TestBatch_PreservesOrder(t *testing.T) {
	var b Batch
	b.Increment("hits:hour:2", "/a", 1)
	b.ExpireAt("hits:hour:2", time.Unix(93600, 0))
	b.Increment("hits:total", "/a", 1)

	ops := b.Ops()
	if len(ops) != 3 || b.Len() != 3 {
		t.Fatalf("expected 3 ops, got %d", len(ops))
	}
	want := []OpKind{OpIncrement, OpExpireAt, OpIncrement}
	for i, op := range ops {
		if op.Kind != want[i] {
			t.Errorf("op %d: expected %v, got %v", i, want[i], op.Kind)
		}
	}
	if ops[1].At.Unix() != 93600 {
		t.Errorf("expected expiry 93600, got %d", ops[1].At.Unix())
	}
}

func TestBatch_OpsIsCopy(t *testing.T) {
	var b Batch
	b.Increment("k", "f", 1)
	ops := b.Ops()
	ops[0].Key = "mutated"
	if b.Ops()[0].Key != "k" {
		t.Error("batch mutated through Ops()")
	}
}

func TestOpKind_String(t *testing.T) {
	if OpIncrement.String() != "increment" || OpExpireAt.String() != "expire_at" || OpKind(0).String() != "unknown" {
		t.Error("unexpected OpKind names")
	}
}
