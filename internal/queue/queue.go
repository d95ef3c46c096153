// Package queue buffers inbound mesh messages between the transports and the
// gateway's dispatch workers.
package queue

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/mattjoyce/meshgate/internal/mesh"
)

// DefaultCapacity is used when New is given a non-positive capacity.
const DefaultCapacity = 256

// Queue is a bounded FIFO of messages. Submit never blocks: a full queue
// sheds the new message.
type Queue struct {
	ch chan mesh.Message

	// mu orders Submit against Close so a send never hits a closed channel.
	mu     sync.RWMutex
	closed bool

	received atomic.Uint64
	dropped  atomic.Uint64
}

func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{ch: make(chan mesh.Message, capacity)}
}

// Submit enqueues msg.
func (q *Queue) Submit(msg mesh.Message) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		q.dropped.Add(1)
		return ErrClosed
	}
	select {
	case q.ch <- msg:
		q.received.Add(1)
		return nil
	default:
		q.dropped.Add(1)
		return ErrFull
	}
}

// Next blocks for the oldest message. After Close it keeps returning
// buffered messages, then ErrClosed.
func (q *Queue) Next(ctx context.Context) (mesh.Message, error) {
	select {
	case msg, ok := <-q.ch:
		if !ok {
			return mesh.Message{}, ErrClosed
		}
		return msg, nil
	case <-ctx.Done():
		return mesh.Message{}, ctx.Err()
	}
}

// Close stops intake. Idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}

func (q *Queue) Stats() Stats {
	return Stats{
		Received: q.received.Load(),
		Dropped:  q.dropped.Load(),
		Depth:    len(q.ch),
		Capacity: cap(q.ch),
	}
}
