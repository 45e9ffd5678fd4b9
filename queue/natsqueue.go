package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

var propagator = propagation.TraceContext{}

// NATSQueue implements Service as one JetStream stream per program hash,
// with one durable pull consumer per priority subject
// (<hash>.priority.<n>). AckWait stands in for SQS's visibility timeout,
// msg.InProgress() for change_message_visibility, and Ack for delete;
// a message that is never acked is redelivered once AckWait expires.
//
// Grounded on the teacher's natsctx package (trace-context propagation
// over NATS headers via publish/subscribe helpers), extended here with
// JetStream's pull-consumer API for the receive/ack/visibility
// semantics the original scheduler got from SQS.
type NATSQueue struct {
	nc   *nats.Conn
	js   nats.JetStreamContext
	hash string

	numPriorities int
	visTimeout    time.Duration

	mu      sync.Mutex
	inFlight map[string]*nats.Msg
}

// NewNATSQueue connects to natsURL, creates (or reuses) a stream for
// hash with numPriorities subjects, and a durable pull consumer on each.
func NewNATSQueue(natsURL, hash string, numPriorities int, visTimeout time.Duration) (*NATSQueue, error) {
	nc, err := nats.Connect(natsURL)
	if err != nil {
		return nil, fmt.Errorf("queue: connect nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("queue: jetstream context: %w", err)
	}
	streamName := "lambdapack-" + hash
	subjects := make([]string, numPriorities)
	for p := 0; p < numPriorities; p++ {
		subjects[p] = subjectFor(hash, p)
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:      streamName,
		Subjects:  subjects,
		Retention: nats.WorkQueuePolicy,
	})
	if err != nil && err != nats.ErrStreamNameAlreadyInUse {
		nc.Close()
		return nil, fmt.Errorf("queue: create stream: %w", err)
	}
	q := &NATSQueue{
		nc:            nc,
		js:            js,
		hash:          hash,
		numPriorities: numPriorities,
		visTimeout:    visTimeout,
		inFlight:      make(map[string]*nats.Msg),
	}
	for p := 0; p < numPriorities; p++ {
		durable := fmt.Sprintf("priority-%d", p)
		_, err := js.PullSubscribe(subjects[p], durable, nats.AckWait(visTimeout))
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("queue: pull subscribe priority %d: %w", p, err)
		}
	}
	return q, nil
}

func subjectFor(hash string, priority int) string {
	return fmt.Sprintf("%s.priority.%d", hash, priority)
}

func (q *NATSQueue) Send(ctx context.Context, priority int, body []byte) error {
	tr := otel.Tracer("lambdapack-queue")
	ctx, span := tr.Start(ctx, "queue.send", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()
	hdr := nats.Header{}
	propagator.Inject(ctx, propagation.HeaderCarrier(hdr))
	msg := &nats.Msg{Subject: subjectFor(q.hash, priority), Data: body, Header: hdr}
	if _, err := q.js.PublishMsg(msg); err != nil {
		return fmt.Errorf("queue: send priority %d: %w", priority, err)
	}
	return nil
}

func (q *NATSQueue) Receive(ctx context.Context, priority int, waitSeconds int) (Message, bool, error) {
	sub, err := q.js.PullSubscribe(subjectFor(q.hash, priority), fmt.Sprintf("priority-%d", priority), nats.AckWait(q.visTimeout))
	if err != nil {
		return Message{}, false, fmt.Errorf("queue: subscribe priority %d: %w", priority, err)
	}
	msgs, err := sub.Fetch(1, nats.MaxWait(time.Duration(waitSeconds)*time.Second))
	if err != nil {
		if err == nats.ErrTimeout || err == context.DeadlineExceeded {
			return Message{}, false, nil
		}
		return Message{}, false, fmt.Errorf("queue: fetch priority %d: %w", priority, err)
	}
	if len(msgs) == 0 {
		return Message{}, false, nil
	}
	m := msgs[0]
	meta, _ := m.Metadata()
	handle := fmt.Sprintf("%d:%d", priority, metaSeq(meta))
	q.mu.Lock()
	q.inFlight[handle] = m
	q.mu.Unlock()
	return Message{Body: m.Data, ReceiptHandle: handle, ApproxReceives: approxDeliveries(meta)}, true, nil
}

func metaSeq(meta *nats.MsgMetadata) uint64 {
	if meta == nil {
		return 0
	}
	return meta.Sequence.Stream
}

func approxDeliveries(meta *nats.MsgMetadata) int {
	if meta == nil {
		return 1
	}
	return int(meta.NumDelivered)
}

func (q *NATSQueue) Delete(ctx context.Context, priority int, receiptHandle string) error {
	q.mu.Lock()
	m, ok := q.inFlight[receiptHandle]
	if ok {
		delete(q.inFlight, receiptHandle)
	}
	q.mu.Unlock()
	if !ok {
		return fmt.Errorf("queue: delete: unknown receipt handle %q", receiptHandle)
	}
	if err := m.Ack(); err != nil {
		return fmt.Errorf("queue: ack %q: %w", receiptHandle, err)
	}
	return nil
}

// ChangeVisibility resets the message's redelivery timer to the
// consumer's AckWait via InProgress; timeoutSeconds is ignored.
func (q *NATSQueue) ChangeVisibility(ctx context.Context, priority int, receiptHandle string, timeoutSeconds int) error {
	q.mu.Lock()
	m, ok := q.inFlight[receiptHandle]
	q.mu.Unlock()
	if !ok {
		return fmt.Errorf("queue: change visibility: unknown receipt handle %q", receiptHandle)
	}
	if err := m.InProgress(); err != nil {
		return fmt.Errorf("queue: extend visibility %q: %w", receiptHandle, err)
	}
	return nil
}

func (q *NATSQueue) Purge(ctx context.Context) error {
	streamName := "lambdapack-" + q.hash
	if err := q.js.PurgeStream(streamName); err != nil {
		return fmt.Errorf("queue: purge stream %s: %w", streamName, err)
	}
	return nil
}

func (q *NATSQueue) Close() error {
	q.nc.Close()
	return nil
}
