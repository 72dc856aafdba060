package channel

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestQueueDropNewest(t *testing.T) {
	drops := 0
	q := NewQueue[int](2, DropNewest, func() { drops++ })
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		q.Send(ctx, i)
	}
	if drops != 1 {
		t.Fatalf("expected 1 drop, got %d", drops)
	}
	for _, want := range []int{1, 2} {
		got, err := q.Next(ctx)
		if err != nil || got != want {
			t.Fatalf("Next() = %d, %v; want %d", got, err, want)
		}
	}
	if s := q.Stats(); s.Sent != 2 || s.Dropped != 1 || s.Cap != 2 {
		t.Fatalf("unexpected stats: %+v", s)
	}
}

func TestQueueDropOldest(t *testing.T) {
	q := NewQueue[int](2, DropOldest, nil)
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		if !q.Send(ctx, i) {
			t.Fatalf("send %d rejected", i)
		}
	}
	for _, want := range []int{3, 4} {
		got, err := q.Next(ctx)
		if err != nil || got != want {
			t.Fatalf("Next() = %d, %v; want %d", got, err, want)
		}
	}
	if s := q.Stats(); s.Dropped != 2 {
		t.Fatalf("expected 2 drops, got %d", s.Dropped)
	}
}

func TestQueueNextHonoursContext(t *testing.T) {
	q := NewQueue[string](1, DropNewest, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := q.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestQueueCloseDrainsThenFails(t *testing.T) {
	q := NewQueue[int](4, DropNewest, nil)
	ctx := context.Background()
	q.Send(ctx, 7)
	q.Close()

	if q.Send(ctx, 8) {
		t.Fatalf("send after close should be rejected")
	}
	if v, err := q.Next(ctx); err != nil || v != 7 {
		t.Fatalf("expected queued item, got %d, %v", v, err)
	}
	if _, err := q.Next(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if !q.Closed() {
		t.Fatalf("Closed() = false")
	}
}

func TestQueueNextUnblocksOnClose(t *testing.T) {
	q := NewQueue[int](1, DropNewest, nil)
	errc := make(chan error, 1)
	go func() {
		_, err := q.Next(context.Background())
		errc <- err
	}()

	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case err := <-errc:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Next did not unblock")
	}
}
