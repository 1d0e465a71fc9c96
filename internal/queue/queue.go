package queue

import "context"

// Message is one delivered payload.
type Message struct {
	// ID is the transport's delivery id (stream entry id for Redis).
	ID   string
	Body []byte
}

// Delivery is a received message plus its settlement operations. While the
// delivery is outstanding no other consumer sees the message; Renew extends
// that lock for long-running work. Exactly one of Ack / Abandon / DeadLetter
// should be called.
type Delivery struct {
	Msg Message

	// Ack removes the message from normal flow after successful processing.
	Ack func(ctx context.Context) error
	// Abandon returns the message for redelivery to any consumer.
	Abandon func(ctx context.Context) error
	// DeadLetter routes the message out of normal flow.
	DeadLetter func(ctx context.Context) error
	// Renew extends the message lock. No-op on transports without expiring
	// locks.
	Renew func(ctx context.Context) error
}

// Queue is the at-least-once transport port. Two logical queues exist: the
// job queue and the task queue; both ride the same transport. Transport-level
// retry is disabled — redelivery only happens through lock expiry or an
// explicit Abandon, and retry counting is the kernel's concern.
type Queue interface {
	Send(ctx context.Context, queue string, body []byte) error
	SendBatch(ctx context.Context, queue string, bodies [][]byte) error

	// Receive returns the next available delivery, or (nil, nil) when the
	// queue is empty after the transport's poll window.
	Receive(ctx context.Context, queue string) (*Delivery, error)

	Close() error
}
