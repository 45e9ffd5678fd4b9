// Package kv is the shared state store backing program/node/edge status,
// counters, and the single correctness-critical primitive in the whole
// system: a conditional increment used to guarantee each DAG edge is
// counted toward its child's readiness exactly once, no matter how many
// times the producing message is redelivered.
package kv

import "context"

// Store is the narrow interface the scheduler needs from a shared,
// process-external key/value store.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, val []byte) error
	Delete(ctx context.Context, key string) error

	// Incr applies a signed delta (negative to decrement) to an
	// integer-valued key, treating an absent key as 0, and returns the
	// new value.
	Incr(ctx context.Context, key string, delta int64) (int64, error)

	// ConditionalIncrement increments sumKey by amount and returns the
	// resulting value, but only the FIRST caller for a given flagKey
	// across the store's lifetime actually applies the increment; every
	// later caller observes the same flagKey already set and returns
	// sumKey's current value without incrementing again.
	//
	// This is the exactly-once edge-delivery primitive (spec §4.5): a
	// post-op handler calls it once per (edge, child) pair every time
	// the message carrying that edge's parent-completion is processed,
	// including redeliveries, and relies on it to never double-count.
	//
	// Implementations must bound their own retry/contention handling
	// and return an error rather than block forever if they cannot
	// make progress within a reasonable deadline.
	ConditionalIncrement(ctx context.Context, sumKey, flagKey string, amount int64) (int64, error)

	// ListKeys returns every key with the given prefix, used by the
	// janitor to enumerate a program's state before pruning it.
	ListKeys(ctx context.Context, prefix string) ([]string, error)

	Close() error
}

// ErrNotFound describes an absent key. The Store methods in this
// package report absence with ok=false and do not return it.
type ErrNotFound struct{ Key string }

func (e *ErrNotFound) Error() string { return "kv: key not found: " + e.Key }
