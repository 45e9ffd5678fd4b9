// Package queue is the at-least-once priority message transport between
// a program's post-op protocol and the workers pulling ready blocks.
// One Service carries every priority level of a program, one logical
// queue per level, standing in for the original scheduler's
// per-priority SQS queues.
package queue

import "context"

// Message is one queue delivery: Body carries the serialized program
// hash + block index, ReceiptHandle identifies this specific delivery
// for Delete/ChangeVisibility.
type Message struct {
	Body           []byte
	ReceiptHandle  string
	ApproxReceives int
}

// Service is the narrow queue abstraction the worker and post-op
// protocol need. Implementations must provide at-least-once delivery
// and a visibility timeout: a received-but-undeleted message becomes
// available again after the visibility timeout elapses unless the holder
// extends it with ChangeVisibility.
type Service interface {
	// Send enqueues body onto the named priority subject.
	Send(ctx context.Context, priority int, body []byte) error

	// Receive long-polls for up to one message on the given priority,
	// waiting at most waitTimeout. Returns ok=false on an empty queue.
	Receive(ctx context.Context, priority int, waitTimeout int) (Message, bool, error)

	// Delete acknowledges and removes a message, identified by the
	// ReceiptHandle returned from Receive.
	Delete(ctx context.Context, priority int, receiptHandle string) error

	// ChangeVisibility extends (or shortens) how long a received
	// message stays invisible to other receivers, in seconds. This
	// backs the worker's visibility-heartbeat task.
	ChangeVisibility(ctx context.Context, priority int, receiptHandle string, timeoutSeconds int) error

	// Purge drops every pending message across all priorities for this
	// queue set, used by Program.Free at end-of-life.
	Purge(ctx context.Context) error

	Close() error
}
