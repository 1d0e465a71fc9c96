package queue

import (
	"context"
	"fmt"
	"sync"
)

// MemoryQueue is a process-local Queue with the same settlement semantics as
// the Redis transport. Tests drive it directly; abandoned messages go back to
// the front of the ready list so redelivery is immediate.
type MemoryQueue struct {
	mu     sync.Mutex
	nextID int
	ready  map[string][][]byte
	dead   map[string][][]byte
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		ready: map[string][][]byte{},
		dead:  map[string][][]byte{},
	}
}

func (q *MemoryQueue) Send(ctx context.Context, queue string, body []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ready[queue] = append(q.ready[queue], append([]byte(nil), body...))
	return nil
}

func (q *MemoryQueue) SendBatch(ctx context.Context, queue string, bodies [][]byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, b := range bodies {
		q.ready[queue] = append(q.ready[queue], append([]byte(nil), b...))
	}
	return nil
}

func (q *MemoryQueue) Receive(ctx context.Context, queue string) (*Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	list := q.ready[queue]
	if len(list) == 0 {
		return nil, nil
	}
	body := list[0]
	q.ready[queue] = list[1:]
	q.nextID++
	id := fmt.Sprintf("%d", q.nextID)

	noop := func(context.Context) error { return nil }
	return &Delivery{
		Msg: Message{ID: id, Body: body},
		Ack: noop,
		Abandon: func(context.Context) error {
			q.mu.Lock()
			defer q.mu.Unlock()
			q.ready[queue] = append([][]byte{body}, q.ready[queue]...)
			return nil
		},
		DeadLetter: func(context.Context) error {
			q.mu.Lock()
			defer q.mu.Unlock()
			q.dead[queue] = append(q.dead[queue], body)
			return nil
		},
		Renew: noop,
	}, nil
}

func (q *MemoryQueue) Close() error { return nil }

// Len reports how many messages are ready on a queue.
func (q *MemoryQueue) Len(queue string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready[queue])
}

// DeadLetters returns the dead-lettered bodies for a queue.
func (q *MemoryQueue) DeadLetters(queue string) [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([][]byte, len(q.dead[queue]))
	copy(out, q.dead[queue])
	return out
}
