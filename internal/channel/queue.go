package channel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned by Next once the queue is closed.
var ErrClosed = errors.New("queue closed")

// OverflowPolicy decides what Send does when the queue is full.
type OverflowPolicy uint8

const (
	// DropNewest discards the incoming item.
	DropNewest OverflowPolicy = iota
	// DropOldest discards the oldest queued item to make room.
	DropOldest
)

func (p OverflowPolicy) String() string {
	if p == DropOldest {
		return "drop_oldest"
	}
	return "drop_newest"
}

type Stats struct {
	Sent    int64
	Dropped int64
	Len     int
	Cap     int
}

// Queue hands updates from a feed callback to exactly one consumer. Send
// never blocks so a slow watcher cannot stall the websocket reader.
type Queue[T any] struct {
	items  chan T
	policy OverflowPolicy
	onDrop func()

	sent    atomic.Int64
	dropped atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
}

// NewQueue creates a queue with the given capacity. onDrop, when not nil, is
// called once per discarded item.
func NewQueue[T any](capacity int, policy OverflowPolicy, onDrop func()) *Queue[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue[T]{
		items:  make(chan T, capacity),
		policy: policy,
		onDrop: onDrop,
		done:   make(chan struct{}),
	}
}

// Send enqueues v and reports whether it was accepted.
func (q *Queue[T]) Send(ctx context.Context, v T) bool {
	select {
	case <-q.done:
		return false
	case <-ctx.Done():
		return false
	default:
	}

	for {
		select {
		case q.items <- v:
			q.sent.Add(1)
			return true
		default:
		}

		if q.policy != DropOldest {
			q.drop()
			return false
		}
		select {
		case <-q.items:
			q.drop()
		default:
		}
	}
}

func (q *Queue[T]) drop() {
	q.dropped.Add(1)
	if q.onDrop != nil {
		q.onDrop()
	}
}

// Next blocks until an item is available, ctx is done or the queue is
// closed. Items queued before Close are still delivered.
func (q *Queue[T]) Next(ctx context.Context) (T, error) {
	var zero T
	select {
	case v := <-q.items:
		return v, nil
	default:
	}

	select {
	case v := <-q.items:
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-q.done:
		select {
		case v := <-q.items:
			return v, nil
		default:
			return zero, ErrClosed
		}
	}
}

func (q *Queue[T]) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}

func (q *Queue[T]) Closed() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}

func (q *Queue[T]) Stats() Stats {
	return Stats{
		Sent:    q.sent.Load(),
		Dropped: q.dropped.Load(),
		Len:     len(q.items),
		Cap:     cap(q.items),
	}
}
