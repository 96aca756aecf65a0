package device

import (
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/spaghettifunk/anima-gpu/engine/core"
	"github.com/spaghettifunk/anima-gpu/engine/renderer/metadata"
	"github.com/spaghettifunk/anima-gpu/engine/renderer/software"
	"golang.org/x/sync/errgroup"
)

func newTestHeap(t *testing.T, capacity uint32, bufferCount uint32, events *core.EventBus) (*BindlessDescriptorHeap, *DeferredDestructionQueue) {
	t.Helper()
	destroyer := NewDeferredDestructionQueue(bufferCount)
	heap, err := NewBindlessDescriptorHeap(software.New(), metadata.BindlessSampledImage, capacity, destroyer, events)
	if err != nil {
		t.Fatalf("NewBindlessDescriptorHeap: %v", err)
	}
	return heap, destroyer
}

func TestBindlessAllocatesSmallestFreeIndex(t *testing.T) {
	heap, destroyer := newTestHeap(t, 130, 1, nil)
	for want := int32(0); want < 130; want++ {
		if got := heap.Allocate(); got != want {
			t.Fatalf("Allocate = %d, want %d", got, want)
		}
	}
	heap.Free(100, 0)
	heap.Free(65, 0)
	heap.Free(3, 0)
	destroyer.Drain(2)

	for _, want := range []int32{3, 65, 100, -1} {
		if got := heap.Allocate(); got != want {
			t.Errorf("Allocate = %d, want %d", got, want)
		}
	}
}

func TestBindlessConcurrentAllocateIsUnique(t *testing.T) {
	const workers, perWorker = 8, 128
	heap, _ := newTestHeap(t, workers*perWorker, 2, nil)

	var mu sync.Mutex
	seen := make(map[int32]bool, workers*perWorker)
	var g errgroup.Group
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for i := 0; i < perWorker; i++ {
				index := heap.Allocate()
				if index < 0 {
					return errors.New("heap exhausted early")
				}
				mu.Lock()
				dup := seen[index]
				seen[index] = true
				mu.Unlock()
				if dup {
					return errors.Newf("index %d handed out twice", index)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if got := heap.Live(); got != workers*perWorker {
		t.Errorf("Live = %d, want %d", got, workers*perWorker)
	}
}

func TestBindlessIndexReusedAfterBufferCountFrames(t *testing.T) {
	const bufferCount = 2
	heap, destroyer := newTestHeap(t, 8, bufferCount, nil)

	index := heap.Allocate()
	heap.Free(index, 0)
	for frame := uint64(1); frame <= bufferCount; frame++ {
		destroyer.Drain(frame)
		if heap.Live() != 1 {
			t.Fatalf("index released at frame %d, before %d frames passed", frame, bufferCount+1)
		}
	}
	destroyer.Drain(bufferCount + 1)
	if got := heap.Allocate(); got != index {
		t.Errorf("Allocate after %d frames = %d, want reused %d", bufferCount+1, got, index)
	}
}

func TestBindlessExhaustionFiresOnce(t *testing.T) {
	events := core.NewEventBus()
	fired := 0
	events.Register(core.EVENT_CODE_DESCRIPTOR_HEAP_EXHAUSTED, t, func(code core.SystemEventCode, sender, listener interface{}, data core.EventContext) bool {
		fired++
		if data.Data.U32[1] != 2 {
			t.Errorf("event capacity = %d, want 2", data.Data.U32[1])
		}
		return true
	})
	heap, _ := newTestHeap(t, 2, 1, events)

	heap.Allocate()
	heap.Allocate()
	for i := 0; i < 3; i++ {
		if got := heap.Allocate(); got != -1 {
			t.Fatalf("Allocate on a full heap = %d, want -1", got)
		}
	}
	if fired != 1 {
		t.Errorf("exhausted event fired %d times, want 1", fired)
	}
}

func TestBindlessCapacity(t *testing.T) {
	destroyer := NewDeferredDestructionQueue(2)
	_, err := NewBindlessDescriptorHeap(software.New(), metadata.BindlessSampler, 0, destroyer, nil)
	if !errors.Is(err, core.ErrInvalidConfig) {
		t.Errorf("capacity 0: err = %v, want ErrInvalidConfig", err)
	}
	heap, err := NewBindlessDescriptorHeap(software.New(), metadata.BindlessSampler, core.BINDLESS_MAX_CAPACITY+1, destroyer, nil)
	if err != nil {
		t.Fatalf("NewBindlessDescriptorHeap: %v", err)
	}
	if heap.Capacity() != core.BINDLESS_MAX_CAPACITY {
		t.Errorf("Capacity = %d, want %d", heap.Capacity(), core.BINDLESS_MAX_CAPACITY)
	}
}

func TestBindlessWriteReachesBackend(t *testing.T) {
	be := software.New()
	heap, err := NewBindlessDescriptorHeap(be, metadata.BindlessStorageBuffer, 4, NewDeferredDestructionQueue(1), nil)
	if err != nil {
		t.Fatalf("NewBindlessDescriptorHeap: %v", err)
	}
	index := heap.Allocate()
	if err := heap.Write(index, 77); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := be.Descriptor(heap.Native(), uint32(index)); got != 77 {
		t.Errorf("descriptor %d = %d, want 77", index, got)
	}
	if err := heap.Write(4, 77); !errors.Is(err, core.ErrInvalidHandle) {
		t.Errorf("out of range Write = %v, want ErrInvalidHandle", err)
	}
}
