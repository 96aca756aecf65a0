package containers

import (
	"testing"

	"github.com/cockroachdb/errors"
)

func TestRingQueueFixed(t *testing.T) {
	rq := NewRingQueue[int](3)
	if _, err := rq.Dequeue(); !errors.Is(err, ErrQueueEmpty) {
		t.Fatalf("Dequeue on empty = %v", err)
	}
	for i := 1; i <= 3; i++ {
		if err := rq.Enqueue(i); err != nil {
			t.Fatalf("Enqueue(%d): %v", i, err)
		}
	}
	if err := rq.Enqueue(4); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Enqueue on full = %v", err)
	}
	if v, _ := rq.Peek(); v != 1 {
		t.Errorf("Peek = %d, want 1", v)
	}
	if v, _ := rq.PeekBack(); v != 3 {
		t.Errorf("PeekBack = %d, want 3", v)
	}

	// Wrap the write index around.
	if v, _ := rq.Dequeue(); v != 1 {
		t.Fatalf("Dequeue = %d, want 1", v)
	}
	if err := rq.Enqueue(4); err != nil {
		t.Fatalf("Enqueue after Dequeue: %v", err)
	}
	if v, _ := rq.PeekBack(); v != 4 {
		t.Errorf("PeekBack after wrap = %d, want 4", v)
	}
	for _, want := range []int{2, 3, 4} {
		if v, err := rq.Dequeue(); err != nil || v != want {
			t.Fatalf("Dequeue = %d, %v, want %d", v, err, want)
		}
	}
	if !rq.IsEmpty() {
		t.Error("queue not empty after draining")
	}
}

func TestRingQueueGrowKeepsOrder(t *testing.T) {
	rq := NewGrowableRingQueue[int](2)
	rq.Enqueue(0)
	rq.Enqueue(1)
	rq.Dequeue()
	// Storage now wraps; growing must unroll it in FIFO order.
	for i := 2; i < 20; i++ {
		if err := rq.Enqueue(i); err != nil {
			t.Fatalf("Enqueue(%d): %v", i, err)
		}
	}
	if rq.Len() != 19 {
		t.Fatalf("Len = %d, want 19", rq.Len())
	}
	for want := 1; want < 20; want++ {
		v, err := rq.Dequeue()
		if err != nil || v != want {
			t.Fatalf("Dequeue = %d, %v, want %d", v, err, want)
		}
	}
}
