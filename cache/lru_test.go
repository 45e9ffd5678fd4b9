package cache

import (
	"testing"

	"github.com/swarmguard/lambdapack/tile"
)

func ref(n int) tile.Ref {
	return tile.Ref{MatrixID: "m", Bucket: "b", Index: [2]int{n, 0}}
}

func TestLRUGetPutHitMiss(t *testing.T) {
	c := New(2)
	if _, ok := c.Get(ref(0)); ok {
		t.Fatalf("expected miss on empty cache")
	}
	c.Put(ref(0), tile.NewDense(1, 1))
	if _, ok := c.Get(ref(0)); !ok {
		t.Fatalf("expected hit after put")
	}
	hits, misses := c.Stats()
	if hits != 1 || misses != 1 {
		t.Fatalf("expected 1 hit 1 miss, got hits=%d misses=%d", hits, misses)
	}
}

func TestLRUEvictsLeastRecentlyUsed(t *testing.T) {
	c := New(2)
	c.Put(ref(0), tile.NewDense(1, 1))
	c.Put(ref(1), tile.NewDense(1, 1))
	// touch 0 so 1 becomes the least-recently-used entry.
	if _, ok := c.Get(ref(0)); !ok {
		t.Fatalf("expected hit for ref 0")
	}
	c.Put(ref(2), tile.NewDense(1, 1))

	if _, ok := c.Get(ref(1)); ok {
		t.Fatalf("expected ref 1 evicted")
	}
	if _, ok := c.Get(ref(0)); !ok {
		t.Fatalf("expected ref 0 still cached")
	}
	if _, ok := c.Get(ref(2)); !ok {
		t.Fatalf("expected ref 2 cached")
	}
	if c.Len() != 2 {
		t.Fatalf("expected capacity-bounded length 2, got %d", c.Len())
	}
}

func TestLRUZeroCapacityDisablesCaching(t *testing.T) {
	c := New(0)
	c.Put(ref(0), tile.NewDense(1, 1))
	if _, ok := c.Get(ref(0)); ok {
		t.Fatalf("expected zero-capacity cache to never hit")
	}
}

func TestLRUPurgeByMatrix(t *testing.T) {
	c := New(4)
	a := tile.Ref{MatrixID: "matA", Bucket: "b", Index: [2]int{0, 0}}
	b := tile.Ref{MatrixID: "matB", Bucket: "b", Index: [2]int{0, 0}}
	c.Put(a, tile.NewDense(1, 1))
	c.Put(b, tile.NewDense(1, 1))
	c.Purge("matA")
	if _, ok := c.Get(a); ok {
		t.Fatalf("expected matA entries purged")
	}
	if _, ok := c.Get(b); !ok {
		t.Fatalf("expected matB entries to survive purge")
	}
}
