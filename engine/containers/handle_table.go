package containers

import "sync"

// Handle addresses a HandleTable slot. The generation changes every time the slot
// is released, so a handle kept past Remove no longer resolves.
type Handle struct {
	Index      uint32
	Generation uint32
}

// Generation 0 is never issued.
var InvalidHandle = Handle{}

func (h Handle) IsValid() bool {
	return h.Generation != 0
}

type handleSlot[T any] struct {
	value      T
	generation uint32
	live       bool
}

// HandleTable stores values behind generation-checked handles. Released slots are
// reused in LIFO order. Safe for concurrent use.
type HandleTable[T any] struct {
	mu    sync.RWMutex
	slots []handleSlot[T]
	free  []uint32
	live  int
}

func NewHandleTable[T any](capacity int) *HandleTable[T] {
	return &HandleTable[T]{
		slots: make([]handleSlot[T], 0, capacity),
	}
}

func (t *HandleTable[T]) Insert(value T) Handle {
	t.mu.Lock()
	defer t.mu.Unlock()

	var index uint32
	if n := len(t.free); n > 0 {
		index = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		index = uint32(len(t.slots))
		t.slots = append(t.slots, handleSlot[T]{})
	}
	slot := &t.slots[index]
	slot.generation++
	if slot.generation == 0 {
		slot.generation = 1
	}
	slot.value = value
	slot.live = true
	t.live++
	return Handle{Index: index, Generation: slot.generation}
}

func (t *HandleTable[T]) Get(h Handle) (T, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var zero T
	if !h.IsValid() || int(h.Index) >= len(t.slots) {
		return zero, false
	}
	slot := &t.slots[h.Index]
	if !slot.live || slot.generation != h.Generation {
		return zero, false
	}
	return slot.value, true
}

// Remove releases the slot and returns the value it held.
func (t *HandleTable[T]) Remove(h Handle) (T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var zero T
	if !h.IsValid() || int(h.Index) >= len(t.slots) {
		return zero, false
	}
	slot := &t.slots[h.Index]
	if !slot.live || slot.generation != h.Generation {
		return zero, false
	}
	value := slot.value
	slot.value = zero
	slot.live = false
	t.free = append(t.free, h.Index)
	t.live--
	return value, true
}

func (t *HandleTable[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.live
}

// Each calls fn for every live value until fn returns false. fn must not modify the table.
func (t *HandleTable[T]) Each(fn func(Handle, T) bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for i := range t.slots {
		slot := &t.slots[i]
		if !slot.live {
			continue
		}
		if !fn(Handle{Index: uint32(i), Generation: slot.generation}, slot.value) {
			return
		}
	}
}
