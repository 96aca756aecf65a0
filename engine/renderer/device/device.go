package device

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/spaghettifunk/anima-gpu/engine/containers"
	"github.com/spaghettifunk/anima-gpu/engine/core"
	"github.com/spaghettifunk/anima-gpu/engine/renderer/metadata"
)

// Stats is a snapshot of the device counters.
type Stats struct {
	FrameCount        uint64
	CommandListsBegun uint64
	Submissions       uint64
	DescriptorUpdates uint64
	OffsetUpdates     uint64
	DeferredDestroys  uint64
	CopyFlushes       uint64
	LiveResources     int
	BindlessLive      [metadata.BINDLESS_KIND_COUNT]uint32
}

type deviceCounters struct {
	listsBegun    atomic.Uint64
	submissions   atomic.Uint64
	updates       atomic.Uint64
	offsetUpdates atomic.Uint64
	copyFlushes   atomic.Uint64
}

/**
 * @brief The GPU command and resource lifecycle manager. Owns the bindless heaps, the
 * deferred destruction queue, the copy allocator, the frame ring and the command list
 * pool, and forwards native work to a Backend. All methods are safe for concurrent use
 * except recording on the same CommandList and SubmitCommandLists, which must not race
 * with BeginCommandList or recording.
 */
type Device struct {
	id          uuid.UUID
	backend     metadata.Backend
	bufferCount uint32
	validation  bool
	timeout     time.Duration
	events      *core.EventBus

	frameCount atomic.Uint64

	// Guards the frame init command buffers and serializes submission.
	initMu sync.Mutex
	frames []FrameResources

	queueTimelines [metadata.QUEUE_COUNT]metadata.NativeHandle
	queueValues    [metadata.QUEUE_COUNT]uint64
	pendingUpload  atomic.Uint64

	heaps     [metadata.BINDLESS_KIND_COUNT]*BindlessDescriptorHeap
	destroyer *DeferredDestructionQueue
	copies    *CopyAllocator
	lists     *CommandListPool
	resources *containers.HandleTable[nativeResource]
	nulls     nullResources

	lost     atomic.Bool
	counters deviceCounters
}

// New initializes backend and builds a device on top of it according to cfg.
// events may be nil.
func New(backend metadata.Backend, cfg *core.Config, events *core.EventBus) (*Device, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := backend.Initialize(); err != nil {
		return nil, errors.Wrapf(err, "initializing %s backend", backend.Name())
	}

	d := &Device{
		id:          uuid.New(),
		backend:     backend,
		bufferCount: cfg.Device.BufferCount,
		validation:  cfg.Device.Validation,
		timeout:     time.Duration(cfg.Device.GPUWaitTimeoutMS) * time.Millisecond,
		events:      events,
		frames:      make([]FrameResources, cfg.Device.BufferCount),
		destroyer:   NewDeferredDestructionQueue(cfg.Device.BufferCount),
		resources:   containers.NewHandleTable[nativeResource](1024),
	}
	d.registerDestroyers()

	if err := d.init(cfg); err != nil {
		_ = backend.Shutdown()
		return nil, err
	}
	core.LogInfo("device %s ready: backend=%s buffers=%d validation=%t", d.id, backend.Name(), d.bufferCount, d.validation)
	return d, nil
}

func (d *Device) registerDestroyers() {
	native := []metadata.ResourceKind{
		metadata.ResourceKindBuffer,
		metadata.ResourceKindTexture,
		metadata.ResourceKindSampler,
		metadata.ResourceKindShader,
		metadata.ResourceKindPipeline,
		metadata.ResourceKindCommandPool,
		metadata.ResourceKindDescriptorHeap,
		metadata.ResourceKindTimeline,
		metadata.ResourceKindQueryHeap,
	}
	for _, kind := range native {
		d.destroyer.Register(kind, func(handle uint64) {
			d.backend.Destroy(kind, metadata.NativeHandle(handle))
		})
	}
}

func (d *Device) init(cfg *core.Config) error {
	for q := range d.queueTimelines {
		tl, err := d.backend.CreateTimeline(0)
		if err != nil {
			return errors.Mark(errors.Wrapf(err, "creating %s timeline", metadata.QueueType(q)), core.ErrCreationFailed)
		}
		d.queueTimelines[q] = tl
	}

	capacities := [metadata.BINDLESS_KIND_COUNT]uint32{
		metadata.BindlessSampledImage:  cfg.Bindless.SampledImages,
		metadata.BindlessStorageImage:  cfg.Bindless.StorageImages,
		metadata.BindlessStorageBuffer: cfg.Bindless.StorageBuffers,
		metadata.BindlessSampler:       cfg.Bindless.Samplers,
	}
	for kind, capacity := range capacities {
		heap, err := NewBindlessDescriptorHeap(d.backend, metadata.BindlessKind(kind), capacity, d.destroyer, d.events)
		if err != nil {
			return err
		}
		d.heaps[kind] = heap
	}

	copies, err := NewCopyAllocator(d.backend, cfg.Copy.MinStagingSize, d.timeout)
	if err != nil {
		return err
	}
	d.copies = copies
	d.lists = NewCommandListPool(d.backend, d.destroyer, d.bufferCount, cfg.Frame.LinearAllocatorSize)

	return d.createNullResources()
}

func (d *Device) assert(format string, args ...interface{}) {
	err := errors.AssertionFailedf(format, args...)
	if d.validation {
		panic(err)
	}
	core.LogError("%v", err)
}

// checkLost records device loss once and notifies listeners.
func (d *Device) checkLost(err error) error {
	if err == nil || !core.IsDeviceLost(err) {
		return err
	}
	if d.lost.CompareAndSwap(false, true) {
		core.LogError("device %s lost at frame %d: %v", d.id, d.GetFrameCount(), err)
		if d.events != nil {
			ctx := core.EventContext{}
			ctx.Data.U64[0] = d.GetFrameCount()
			ctx.Data.C[0] = err.Error()
			d.events.Fire(core.EVENT_CODE_DEVICE_LOST, d, ctx)
		}
	}
	return err
}

func (d *Device) IsLost() bool { return d.lost.Load() }

// WaitForGPU blocks until every queue is idle. Not meant for steady-state frames.
func (d *Device) WaitForGPU() error {
	if err := d.backend.WaitIdle(d.timeout); err != nil {
		return d.checkLost(errors.Wrap(err, "waiting for the GPU"))
	}
	return nil
}

// Shutdown waits for the GPU and destroys everything the device still owns.
// Resources the caller did not release are destroyed as well.
func (d *Device) Shutdown() error {
	waitErr := d.WaitForGPU()
	if waitErr != nil {
		core.LogError("shutting down without an idle GPU: %v", waitErr)
	}

	d.initMu.Lock()
	defer d.initMu.Unlock()

	frame := d.GetFrameCount()
	d.nulls.release()
	var leaked []containers.Handle
	d.resources.Each(func(h containers.Handle, r nativeResource) bool {
		core.LogWarn("%s %q still alive at shutdown", r.kind, r.label)
		leaked = append(leaked, h)
		return true
	})
	for _, h := range leaked {
		d.release(h)
	}

	d.lists.destroy(frame)
	for i := range d.frames {
		d.frames[i].destroy(d.backend)
	}
	d.copies.Shutdown()
	for _, heap := range d.heaps {
		if heap != nil {
			d.destroyer.Push(metadata.ResourceKindDescriptorHeap, uint64(heap.Native()), frame)
		}
	}
	n := d.destroyer.Flush()
	core.LogDebug("device %s destroyed %d deferred objects at shutdown", d.id, n)
	for q, tl := range d.queueTimelines {
		if !tl.IsNull() {
			d.backend.Destroy(metadata.ResourceKindTimeline, tl)
			d.queueTimelines[q] = metadata.NullHandle
		}
	}

	if err := d.backend.Shutdown(); err != nil {
		return errors.Wrapf(err, "shutting down %s backend", d.backend.Name())
	}
	return waitErr
}

// GetFrameCount is the number of SubmitCommandLists calls so far.
func (d *Device) GetFrameCount() uint64 { return d.frameCount.Load() }

// GetBufferIndex is the frame slot commands are currently recorded into.
func (d *Device) GetBufferIndex() uint32 {
	return uint32(d.GetFrameCount() % uint64(d.bufferCount))
}

func (d *Device) GetBufferCount() uint32 { return d.bufferCount }

func (d *Device) Backend() metadata.Backend { return d.backend }

func (d *Device) ID() uuid.UUID { return d.id }

// IsUploadComplete reports whether the upload value returned by a copy has been reached.
func (d *Device) IsUploadComplete(value uint64) bool {
	return d.copies.IsComplete(value)
}

// WaitUploadComplete blocks the CPU until value is reached.
func (d *Device) WaitUploadComplete(value uint64) error {
	return d.checkLost(d.copies.Wait(value))
}

func (d *Device) Heap(kind metadata.BindlessKind) *BindlessDescriptorHeap {
	return d.heaps[kind]
}

func (d *Device) Stats() Stats {
	s := Stats{
		FrameCount:        d.GetFrameCount(),
		CommandListsBegun: d.counters.listsBegun.Load(),
		Submissions:       d.counters.submissions.Load(),
		DescriptorUpdates: d.counters.updates.Load(),
		OffsetUpdates:     d.counters.offsetUpdates.Load(),
		DeferredDestroys:  d.destroyer.Destroyed(),
		CopyFlushes:       d.counters.copyFlushes.Load(),
		LiveResources:     d.resources.Len(),
	}
	for kind, heap := range d.heaps {
		s.BindlessLive[kind] = heap.Live()
	}
	return s
}

// notePendingUpload makes the next submission of every queue wait for value.
func (d *Device) notePendingUpload(value uint64) {
	for {
		cur := d.pendingUpload.Load()
		if value <= cur || d.pendingUpload.CompareAndSwap(cur, value) {
			return
		}
	}
}
