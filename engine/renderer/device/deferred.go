package device

import (
	"sync"
	"sync/atomic"

	"github.com/spaghettifunk/anima-gpu/engine/containers"
	"github.com/spaghettifunk/anima-gpu/engine/core"
	"github.com/spaghettifunk/anima-gpu/engine/renderer/metadata"
)

// DestroyFunc frees one object of a given kind. The handle is a native handle for
// GPU objects and a slot index for bindless kinds.
type DestroyFunc func(handle uint64)

type deferredEntry struct {
	handle uint64
	frame  uint64
}

/**
 * @brief Frame-tagged FIFO per resource kind. An entry pushed at frame F is destroyed
 * by the first Drain whose current frame is greater than F + bufferCount.
 */
type DeferredDestructionQueue struct {
	mu          sync.Mutex
	bufferCount uint64
	queues      [metadata.RESOURCE_KIND_COUNT]*containers.RingQueue[deferredEntry]
	destroy     [metadata.RESOURCE_KIND_COUNT]DestroyFunc

	destroyed atomic.Uint64
}

func NewDeferredDestructionQueue(bufferCount uint32) *DeferredDestructionQueue {
	q := &DeferredDestructionQueue{
		bufferCount: uint64(bufferCount),
	}
	for i := range q.queues {
		q.queues[i] = containers.NewGrowableRingQueue[deferredEntry](64)
	}
	return q
}

// Register sets the function Drain calls for entries of kind. Registering twice replaces
// the previous function.
func (q *DeferredDestructionQueue) Register(kind metadata.ResourceKind, fn DestroyFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.destroy[kind] = fn
}

// Push may be called from any goroutine.
func (q *DeferredDestructionQueue) Push(kind metadata.ResourceKind, handle uint64, frameTag uint64) {
	if kind >= metadata.RESOURCE_KIND_COUNT {
		core.LogError("deferred destroy of unknown resource kind %d", kind)
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	rq := q.queues[kind]
	if back, err := rq.PeekBack(); err == nil && back.frame > frameTag {
		// Keep the queue ordered so Drain can stop at the first young entry.
		frameTag = back.frame
	}
	_ = rq.Enqueue(deferredEntry{handle: handle, frame: frameTag})
}

type pendingDestroy struct {
	fn     DestroyFunc
	handle uint64
}

// Drain destroys every entry old enough to be unreachable from in-flight frames and
// returns how many were destroyed. Destroy functions run outside the queue lock.
func (q *DeferredDestructionQueue) Drain(currentFrame uint64) int {
	q.mu.Lock()
	var ready []pendingDestroy
	for kind, rq := range q.queues {
		for !rq.IsEmpty() {
			e, _ := rq.Peek()
			if e.frame+q.bufferCount >= currentFrame {
				break
			}
			_, _ = rq.Dequeue()
			ready = append(ready, pendingDestroy{fn: q.destroy[kind], handle: e.handle})
		}
	}
	q.mu.Unlock()

	return q.run(ready)
}

// Flush destroys every entry regardless of age. Only valid once the GPU is idle.
func (q *DeferredDestructionQueue) Flush() int {
	q.mu.Lock()
	var ready []pendingDestroy
	for kind, rq := range q.queues {
		for !rq.IsEmpty() {
			e, _ := rq.Dequeue()
			ready = append(ready, pendingDestroy{fn: q.destroy[kind], handle: e.handle})
		}
	}
	q.mu.Unlock()

	return q.run(ready)
}

func (q *DeferredDestructionQueue) run(ready []pendingDestroy) int {
	for _, p := range ready {
		if p.fn != nil {
			p.fn(p.handle)
		}
	}
	q.destroyed.Add(uint64(len(ready)))
	return len(ready)
}

func (q *DeferredDestructionQueue) Pending(kind metadata.ResourceKind) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queues[kind].Len()
}

// Destroyed is the total number of entries destroyed so far.
func (q *DeferredDestructionQueue) Destroyed() uint64 {
	return q.destroyed.Load()
}
