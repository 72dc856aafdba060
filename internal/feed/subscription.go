package feed

import (
	"context"
	"errors"
	"sync"

	"marketrecorder/internal/channel"
	"marketrecorder/internal/metrics"
	"marketrecorder/logger"
)

// Update is one queued payload or the failure that interrupted the stream.
type Update[T any] struct {
	Value T
	Err   error
}

// Publisher is handed to a producer to push updates towards Watch callers.
type Publisher[T any] struct {
	ctx   context.Context
	queue *channel.Queue[Update[T]]
}

func (p Publisher[T]) Publish(v T) {
	p.queue.Send(p.ctx, Update[T]{Value: v})
}

// Fail surfaces err to the next Watch call; the producer keeps running.
func (p Publisher[T]) Fail(err error) {
	if err == nil {
		return
	}
	p.queue.Send(p.ctx, Update[T]{Err: err})
}

// Starter opens the upstream subscription for key and returns once it is
// running. ctx lives as long as the feed.
type Starter[T any] func(ctx context.Context, key string, pub Publisher[T]) error

// Subscriptions lazily starts one producer per key and hands its updates to
// Watch callers in delivery order.
type Subscriptions[T any] struct {
	exchange string
	stream   string
	capacity int
	start    Starter[T]

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	queues map[string]*channel.Queue[Update[T]]
}

func NewSubscriptions[T any](exchange, stream string, capacity int, start Starter[T]) *Subscriptions[T] {
	ctx, cancel := context.WithCancel(context.Background())
	return &Subscriptions[T]{
		exchange: exchange,
		stream:   stream,
		capacity: capacity,
		start:    start,
		ctx:      ctx,
		cancel:   cancel,
		queues:   make(map[string]*channel.Queue[Update[T]]),
	}
}

// Watch returns the next update for key, starting the producer on first
// use. A producer that fails to start is retried on the next call.
func (s *Subscriptions[T]) Watch(ctx context.Context, key, symbol string) (T, error) {
	var zero T
	q, err := s.queue(key, symbol)
	if err != nil {
		return zero, err
	}

	u, err := q.Next(ctx)
	if err != nil {
		if errors.Is(err, channel.ErrClosed) {
			return zero, ErrClosed
		}
		return zero, err
	}
	if u.Err != nil {
		return zero, u.Err
	}
	return u.Value, nil
}

func (s *Subscriptions[T]) queue(key, symbol string) (*channel.Queue[Update[T]], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx.Err() != nil {
		return nil, ErrClosed
	}
	if q, ok := s.queues[key]; ok {
		return q, nil
	}

	log := logger.GetLogger()
	q := channel.NewQueue[Update[T]](s.capacity, channel.DropOldest, func() {
		metrics.EmitDropMetric(log, metrics.DropMetricFor(s.stream), s.exchange, s.stream, symbol, channel.DropOldest.String())
	})
	if err := s.start(s.ctx, key, Publisher[T]{ctx: s.ctx, queue: q}); err != nil {
		q.Close()
		return nil, err
	}
	s.queues[key] = q

	log.WithComponent(s.exchange+"_feed").WithFields(logger.Fields{
		"stream": s.stream,
		"key":    key,
	}).Info("subscription started")
	return q, nil
}

// Close stops every producer and unblocks pending Watch calls.
func (s *Subscriptions[T]) Close() {
	s.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, q := range s.queues {
		q.Close()
	}
}

// Stats reports queue statistics per key.
func (s *Subscriptions[T]) Stats() map[string]channel.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]channel.Stats, len(s.queues))
	for k, q := range s.queues {
		out[k] = q.Stats()
	}
	return out
}
