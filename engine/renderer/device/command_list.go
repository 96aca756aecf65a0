package device

import (
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/spaghettifunk/anima-gpu/engine/containers"
	"github.com/spaghettifunk/anima-gpu/engine/renderer/metadata"
)

// CommandList is an opaque handle returned by BeginCommandList. It is valid until the
// next SubmitCommandLists.
type CommandList struct {
	// Pool index + 1, so the zero value is NoCommandList.
	id    uint32
	frame uint64
}

// NoCommandList routes copies through the copy allocator instead of a command list.
var NoCommandList = CommandList{}

func (c CommandList) IsValid() bool {
	return c.id != 0
}

type listFrame struct {
	pools     [metadata.QUEUE_COUNT]metadata.NativeHandle
	buffers   [metadata.QUEUE_COUNT]metadata.NativeHandle
	allocator *LinearAllocator
}

type commandListRecord struct {
	id    uint32
	queue metadata.QueueType
	// Read without the pool lock to reject stale handles.
	frame atomic.Uint64
	slot  uint32

	frames []listFrame
	binder DescriptorBinder

	waits       []CommandList
	uploadWaits []uint64

	pipeline         metadata.NativeHandle
	pipelineBound    bool
	bindPoint        metadata.PipelineBindPoint
	renderPassActive bool
	// Reapplied at every render pass begin, which resets both to the full extent.
	viewports []metadata.Viewport
	scissors  []metadata.Rect
}

func (r *commandListRecord) cmd() metadata.NativeHandle {
	return r.frames[r.slot].buffers[r.queue]
}

func (r *commandListRecord) allocator() *LinearAllocator {
	return r.frames[r.slot].allocator
}

func (r *commandListRecord) hasWaits() bool {
	return len(r.waits) > 0 || len(r.uploadWaits) > 0
}

/**
 * @brief Growable table of command list records. Records are reused every frame in the
 * order they were handed out; the native pool and buffer of a record are created lazily
 * per buffered frame and queue.
 *
 * Only begin takes the spinlock. Growth publishes a new slice of the same record pointers,
 * so get resolves a handle with one atomic load.
 */
type CommandListPool struct {
	backend     metadata.Backend
	destroyer   *DeferredDestructionQueue
	bufferCount uint32
	linearSize  uint64

	lock    containers.SpinLock
	count   uint32
	records atomic.Pointer[[]*commandListRecord]
}

func NewCommandListPool(backend metadata.Backend, destroyer *DeferredDestructionQueue, bufferCount uint32, linearSize uint64) *CommandListPool {
	return &CommandListPool{
		backend:     backend,
		destroyer:   destroyer,
		bufferCount: bufferCount,
		linearSize:  linearSize,
	}
}

// begin hands out the next record and readies it for recording on queue in frame.
func (p *CommandListPool) begin(queue metadata.QueueType, frame uint64) (*commandListRecord, error) {
	p.lock.Lock()
	index := p.count
	p.count++
	records := p.load()
	if int(index) == len(records) {
		grown := make([]*commandListRecord, len(records), max(2*len(records), 8))
		copy(grown, records)
		grown = append(grown, &commandListRecord{
			id:     index + 1,
			frames: make([]listFrame, p.bufferCount),
		})
		p.records.Store(&grown)
		records = grown
	}
	rec := records[index]
	p.lock.Unlock()

	rec.queue = queue
	rec.frame.Store(frame)
	rec.slot = uint32(frame % uint64(p.bufferCount))
	rec.waits = rec.waits[:0]
	rec.uploadWaits = rec.uploadWaits[:0]
	rec.pipeline = metadata.NullHandle
	rec.pipelineBound = false
	rec.bindPoint = metadata.BindPointGraphics
	rec.renderPassActive = false
	rec.viewports = rec.viewports[:0]
	rec.scissors = rec.scissors[:0]
	rec.binder.Reset()

	lf := &rec.frames[rec.slot]
	if lf.pools[queue].IsNull() {
		pool, err := p.backend.CreateCommandPool(queue)
		if err != nil {
			return nil, errors.Wrapf(err, "creating %s command pool", queue)
		}
		cmd, err := p.backend.AllocateCommandBuffer(pool)
		if err != nil {
			p.backend.Destroy(metadata.ResourceKindCommandPool, pool)
			return nil, errors.Wrapf(err, "allocating %s command buffer", queue)
		}
		lf.pools[queue], lf.buffers[queue] = pool, cmd
	} else if err := p.backend.ResetCommandPool(lf.pools[queue]); err != nil {
		return nil, errors.Wrapf(err, "resetting %s command pool", queue)
	}
	if lf.allocator == nil {
		lf.allocator = NewLinearAllocator(p.backend, p.destroyer, p.linearSize)
	}
	lf.allocator.Reset()

	if err := p.backend.BeginCommandBuffer(lf.buffers[queue]); err != nil {
		return nil, errors.Wrapf(err, "beginning %s command buffer", queue)
	}
	return rec, nil
}

func (p *CommandListPool) load() []*commandListRecord {
	if records := p.records.Load(); records != nil {
		return *records
	}
	return nil
}

// get resolves cmd without locking. A handle from an earlier frame fails the frame check
// even when its record has been handed out again.
func (p *CommandListPool) get(cmd CommandList) (*commandListRecord, bool) {
	records := p.load()
	if !cmd.IsValid() || int(cmd.id) > len(records) {
		return nil, false
	}
	rec := records[cmd.id-1]
	if rec.frame.Load() != cmd.frame {
		return nil, false
	}
	return rec, true
}

// active returns the records begun since the last reset, in begin order.
func (p *CommandListPool) active() []*commandListRecord {
	p.lock.Lock()
	defer p.lock.Unlock()
	return append([]*commandListRecord(nil), p.load()[:p.count]...)
}

func (p *CommandListPool) reset() {
	p.lock.Lock()
	p.count = 0
	p.lock.Unlock()
}

func (p *CommandListPool) destroy(frame uint64) {
	p.lock.Lock()
	defer p.lock.Unlock()
	for _, rec := range p.load() {
		for i := range rec.frames {
			lf := &rec.frames[i]
			for _, pool := range lf.pools {
				if !pool.IsNull() {
					p.backend.Destroy(metadata.ResourceKindCommandPool, pool)
				}
			}
			if lf.allocator != nil {
				lf.allocator.Release(frame)
			}
		}
	}
	p.records.Store(nil)
	p.count = 0
}
