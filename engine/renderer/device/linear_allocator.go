package device

import (
	"github.com/cockroachdb/errors"
	"github.com/gogpu/gputypes"
	"github.com/google/uuid"
	"github.com/spaghettifunk/anima-gpu/engine/core"
	"github.com/spaghettifunk/anima-gpu/engine/math"
	"github.com/spaghettifunk/anima-gpu/engine/renderer/metadata"
)

// Offsets handed out by a LinearAllocator satisfy constant and storage buffer alignment.
const LINEAR_ALLOCATOR_ALIGNMENT uint64 = 256

// Largest single transient allocation.
const LINEAR_ALLOCATOR_MAX_ALLOCATION uint64 = 1 << 32

// GPUAllocation is transient upload memory valid until the owning command list's frame
// slot is reused.
type GPUAllocation struct {
	Buffer metadata.NativeHandle
	Offset uint64
	Data   []byte
}

/**
 * @brief Bump allocator over one persistently mapped upload buffer, one per command list
 * and buffered frame. Reset rewinds it at BeginCommandList; running out grows it into a
 * bigger buffer and retires the old one through deferred destruction.
 */
type LinearAllocator struct {
	backend   metadata.Resources
	destroyer *DeferredDestructionQueue

	buffer metadata.NativeBuffer
	size   uint64
	offset uint64
}

func NewLinearAllocator(backend metadata.Resources, destroyer *DeferredDestructionQueue, initialSize uint64) *LinearAllocator {
	return &LinearAllocator{
		backend:   backend,
		destroyer: destroyer,
		size:      math.NextPowerOfTwo(max(initialSize, LINEAR_ALLOCATOR_ALIGNMENT)),
	}
}

func (l *LinearAllocator) Reset() {
	l.offset = 0
}

// Allocate reserves size bytes. frame tags the old buffer if the allocator has to grow.
func (l *LinearAllocator) Allocate(size uint64, frame uint64) (GPUAllocation, error) {
	if size == 0 {
		return GPUAllocation{}, errors.AssertionFailedf("zero sized transient allocation")
	}
	if size > LINEAR_ALLOCATOR_MAX_ALLOCATION {
		return GPUAllocation{}, errors.Wrapf(core.ErrOutOfMemory, "transient allocation of %d bytes", size)
	}
	offset := math.AlignUp(l.offset, LINEAR_ALLOCATOR_ALIGNMENT)
	if l.buffer.Handle.IsNull() || offset+size > l.size {
		if err := l.grow(offset+size, frame); err != nil {
			return GPUAllocation{}, err
		}
		offset = 0
	}
	l.offset = offset + size
	return GPUAllocation{
		Buffer: l.buffer.Handle,
		Offset: offset,
		Data:   l.buffer.Mapped[offset : offset+size],
	}, nil
}

func (l *LinearAllocator) grow(required uint64, frame uint64) error {
	newSize := l.size
	if !l.buffer.Handle.IsNull() {
		newSize *= 2
	}
	newSize = max(newSize, math.NextPowerOfTwo(required))

	desc := gputypes.BufferDescriptor{
		Label: "transient-" + uuid.NewString(),
		Size:  newSize,
		Usage: gputypes.BufferUsageUniform | gputypes.BufferUsageStorage | gputypes.BufferUsageVertex |
			gputypes.BufferUsageIndex | gputypes.BufferUsageCopySrc | gputypes.BufferUsageMapWrite,
	}
	buf, err := l.backend.CreateBuffer(&desc, metadata.MemoryUpload)
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "growing transient allocator to %d bytes", newSize), core.ErrOutOfMemory)
	}
	if !l.buffer.Handle.IsNull() {
		core.LogDebug("transient allocator grew from %d to %d bytes", l.size, newSize)
		l.destroyer.Push(metadata.ResourceKindBuffer, uint64(l.buffer.Handle), frame)
	}
	l.buffer = buf
	l.size = newSize
	l.offset = 0
	return nil
}

// Release retires the backing buffer.
func (l *LinearAllocator) Release(frame uint64) {
	if l.buffer.Handle.IsNull() {
		return
	}
	l.destroyer.Push(metadata.ResourceKindBuffer, uint64(l.buffer.Handle), frame)
	l.buffer = metadata.NativeBuffer{}
	l.offset = 0
}

func (l *LinearAllocator) Size() uint64 { return l.size }
