package queue

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemQueue is an in-memory Service implementing the same at-least-once,
// visibility-timeout contract as NATSQueue, used by tests that need a
// deterministic queue without standing up a NATS server. Grounded on
// tilestore.MemStore's role as the in-memory stand-in for its own
// external collaborator.
type MemQueue struct {
	mu         sync.Mutex
	numPrio    int
	visTimeout time.Duration
	nextID     int64

	pending  map[int][]memEntry // priority -> FIFO of visible messages
	inFlight map[string]*memEntry
}

type memEntry struct {
	handle    string
	priority  int
	body      []byte
	deliveries int
	visibleAt time.Time
}

// NewMemQueue creates an empty in-memory queue with numPriorities levels.
func NewMemQueue(numPriorities int, visTimeout time.Duration) *MemQueue {
	return &MemQueue{
		numPrio:    numPriorities,
		visTimeout: visTimeout,
		pending:    make(map[int][]memEntry),
		inFlight:   make(map[string]*memEntry),
	}
}

func (q *MemQueue) Send(ctx context.Context, priority int, body []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextID++
	e := memEntry{
		handle:   fmt.Sprintf("%d:%d", priority, q.nextID),
		priority: priority,
		body:     append([]byte(nil), body...),
	}
	q.pending[priority] = append(q.pending[priority], e)
	return nil
}

// Receive pops the oldest visible message for priority, if any; it
// never actually blocks for waitTimeout (tests don't need real long
// polling), it just reports an empty queue immediately.
func (q *MemQueue) Receive(ctx context.Context, priority int, waitTimeout int) (Message, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.requeueExpiredLocked()
	queue := q.pending[priority]
	if len(queue) == 0 {
		return Message{}, false, nil
	}
	e := queue[0]
	q.pending[priority] = queue[1:]
	e.deliveries++
	e.visibleAt = time.Now().Add(q.visTimeout)
	q.inFlight[e.handle] = &e
	return Message{Body: e.body, ReceiptHandle: e.handle, ApproxReceives: e.deliveries}, true, nil
}

// requeueExpiredLocked moves any in-flight message whose visibility
// has lapsed back onto its priority's pending queue, modeling SQS-style
// redelivery after an unrenewed visibility timeout. Caller must hold mu.
func (q *MemQueue) requeueExpiredLocked() {
	now := time.Now()
	for handle, e := range q.inFlight {
		if now.After(e.visibleAt) {
			delete(q.inFlight, handle)
			q.pending[e.priority] = append(q.pending[e.priority], *e)
		}
	}
}

func (q *MemQueue) Delete(ctx context.Context, priority int, receiptHandle string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inFlight[receiptHandle]; !ok {
		return fmt.Errorf("queue: delete: unknown receipt handle %q", receiptHandle)
	}
	delete(q.inFlight, receiptHandle)
	return nil
}

func (q *MemQueue) ChangeVisibility(ctx context.Context, priority int, receiptHandle string, timeoutSeconds int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.inFlight[receiptHandle]
	if !ok {
		return fmt.Errorf("queue: change visibility: unknown receipt handle %q", receiptHandle)
	}
	e.visibleAt = time.Now().Add(time.Duration(timeoutSeconds) * time.Second)
	return nil
}

func (q *MemQueue) Purge(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = make(map[int][]memEntry)
	q.inFlight = make(map[string]*memEntry)
	return nil
}

func (q *MemQueue) Close() error { return nil }

// Depth reports the number of currently-visible (pending) messages
// across all priorities, a test hook for asserting eager fusion skips
// a queue round-trip (spec scenario S6).
func (q *MemQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, msgs := range q.pending {
		n += len(msgs)
	}
	return n
}
