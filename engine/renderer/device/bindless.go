package device

import (
	"math/bits"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/spaghettifunk/anima-gpu/engine/core"
	"github.com/spaghettifunk/anima-gpu/engine/renderer/metadata"
)

/**
 * @brief Fixed-capacity index allocator for one bindless descriptor category.
 * Allocate always hands out the smallest free index. Freed indices go through the
 * deferred destruction queue and only become allocatable once it drains them.
 */
type BindlessDescriptorHeap struct {
	kind     metadata.BindlessKind
	capacity uint32
	native   metadata.NativeHandle
	backend  metadata.Resources

	destroyer *DeferredDestructionQueue
	events    *core.EventBus

	mu sync.Mutex
	// One bit per index, set while the index is free.
	free []uint64
	// No free bit lives below this word.
	hint int
	live uint32

	exhausted atomic.Bool
}

func NewBindlessDescriptorHeap(backend metadata.Resources, kind metadata.BindlessKind, capacity uint32, destroyer *DeferredDestructionQueue, events *core.EventBus) (*BindlessDescriptorHeap, error) {
	if capacity == 0 {
		return nil, errors.Mark(errors.Newf("bindless %s heap needs a capacity", kind), core.ErrInvalidConfig)
	}
	if capacity > core.BINDLESS_MAX_CAPACITY {
		core.LogWarn("bindless %s heap capacity %d clamped to %d", kind, capacity, core.BINDLESS_MAX_CAPACITY)
		capacity = core.BINDLESS_MAX_CAPACITY
	}

	native, err := backend.CreateDescriptorHeap(kind, capacity)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "creating bindless %s heap", kind), core.ErrCreationFailed)
	}

	h := &BindlessDescriptorHeap{
		kind:      kind,
		capacity:  capacity,
		native:    native,
		backend:   backend,
		destroyer: destroyer,
		events:    events,
		free:      make([]uint64, (capacity+63)/64),
	}
	for i := range h.free {
		h.free[i] = ^uint64(0)
	}
	if tail := capacity % 64; tail != 0 {
		h.free[len(h.free)-1] = 1<<tail - 1
	}
	destroyer.Register(kind.ResourceKind(), func(index uint64) {
		h.release(uint32(index))
	})
	return h, nil
}

// Allocate returns the smallest free index, or -1 when every index is live.
func (h *BindlessDescriptorHeap) Allocate() int32 {
	h.mu.Lock()
	for w := h.hint; w < len(h.free); w++ {
		if h.free[w] == 0 {
			continue
		}
		bit := bits.TrailingZeros64(h.free[w])
		h.free[w] &^= 1 << bit
		h.hint = w
		h.live++
		h.mu.Unlock()
		return int32(w*64 + bit)
	}
	h.hint = len(h.free)
	h.mu.Unlock()

	h.onExhausted()
	return -1
}

func (h *BindlessDescriptorHeap) onExhausted() {
	core.LogWarnOnce("bindless-exhausted-"+h.kind.String(),
		"bindless %s heap exhausted (capacity %d), falling back to the default descriptor", h.kind, h.capacity)
	if h.exhausted.CompareAndSwap(false, true) && h.events != nil {
		ctx := core.EventContext{}
		ctx.Data.U32[0] = uint32(h.kind)
		ctx.Data.U32[1] = h.capacity
		h.events.Fire(core.EVENT_CODE_DESCRIPTOR_HEAP_EXHAUSTED, h, ctx)
	}
}

// Write points index at resource. The index must be live.
func (h *BindlessDescriptorHeap) Write(index int32, resource metadata.NativeHandle) error {
	if index < 0 || uint32(index) >= h.capacity {
		return errors.Wrapf(core.ErrInvalidHandle, "bindless %s index %d out of range", h.kind, index)
	}
	return h.backend.WriteDescriptor(h.native, uint32(index), resource)
}

// Free schedules index for reuse once frames up to frameTag are retired.
func (h *BindlessDescriptorHeap) Free(index int32, frameTag uint64) {
	if index < 0 {
		return
	}
	h.destroyer.Push(h.kind.ResourceKind(), uint64(index), frameTag)
}

func (h *BindlessDescriptorHeap) release(index uint32) {
	if index >= h.capacity {
		core.LogError("bindless %s release of index %d out of range", h.kind, index)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	w, bit := int(index/64), index%64
	if h.free[w]&(1<<bit) != 0 {
		core.LogError("bindless %s index %d released twice", h.kind, index)
		return
	}
	h.free[w] |= 1 << bit
	h.hint = min(h.hint, w)
	h.live--
}

func (h *BindlessDescriptorHeap) Kind() metadata.BindlessKind   { return h.kind }
func (h *BindlessDescriptorHeap) Capacity() uint32              { return h.capacity }
func (h *BindlessDescriptorHeap) Native() metadata.NativeHandle { return h.native }

func (h *BindlessDescriptorHeap) Live() uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.live
}
