package device

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gogpu/gputypes"
	"github.com/google/uuid"
	"github.com/spaghettifunk/anima-gpu/engine/core"
	"github.com/spaghettifunk/anima-gpu/engine/math"
	"github.com/spaghettifunk/anima-gpu/engine/renderer/metadata"
)

/**
 * @brief A recording-ready copy command buffer with its staging buffer. Write the source
 * bytes into Data, record copies from Staging() and hand it back with Submit.
 */
type CopyCMD struct {
	pool        metadata.NativeHandle
	cmd         metadata.NativeHandle
	fenceValue  uint64
	staging     metadata.NativeBuffer
	stagingSize uint64

	// Host view of the staging buffer, trimmed to the requested size.
	Data []byte
}

func (c *CopyCMD) CommandBuffer() metadata.NativeHandle { return c.cmd }
func (c *CopyCMD) Staging() metadata.NativeHandle       { return c.staging.Handle }

// FenceValue is the upload timeline value signaled when this copy completes. Zero until submitted.
func (c *CopyCMD) FenceValue() uint64 { return c.fenceValue }

/**
 * @brief Pool of copy command buffers with staging memory, running on the copy queue
 * against its own upload timeline.
 */
type CopyAllocator struct {
	backend    metadata.Backend
	minStaging uint64
	timeout    time.Duration

	mu       sync.Mutex
	timeline metadata.NativeHandle
	// Last value handed out by Submit.
	nextValue uint64
	// Last value handed to the copy queue.
	flushedValue uint64
	freeList     []*CopyCMD
	pending      []*CopyCMD
	inflight     []*CopyCMD
}

func NewCopyAllocator(backend metadata.Backend, minStaging uint64, timeout time.Duration) (*CopyAllocator, error) {
	timeline, err := backend.CreateTimeline(0)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "creating upload timeline"), core.ErrCreationFailed)
	}
	return &CopyAllocator{
		backend:    backend,
		minStaging: max(minStaging, 1),
		timeout:    timeout,
		timeline:   timeline,
	}, nil
}

func (a *CopyAllocator) Timeline() metadata.NativeHandle { return a.timeline }

// Completed returns the last upload value the GPU signaled.
func (a *CopyAllocator) Completed() (uint64, error) {
	return a.backend.TimelineValue(a.timeline)
}

// reclaim moves finished in-flight entries back to the free list. Caller holds mu.
func (a *CopyAllocator) reclaim(completed uint64) {
	kept := a.inflight[:0]
	for _, c := range a.inflight {
		if c.fenceValue <= completed {
			a.freeList = append(a.freeList, c)
		} else {
			kept = append(kept, c)
		}
	}
	for i := len(kept); i < len(a.inflight); i++ {
		a.inflight[i] = nil
	}
	a.inflight = kept
}

// Allocate returns a command buffer in the recording state with at least size bytes of staging.
func (a *CopyAllocator) Allocate(size uint64) (*CopyCMD, error) {
	completed, err := a.Completed()
	if err != nil {
		return nil, errors.Wrap(err, "reading upload timeline")
	}

	a.mu.Lock()
	a.reclaim(completed)
	var cmd *CopyCMD
	for i, c := range a.freeList {
		if c.stagingSize >= size && c.fenceValue <= completed {
			cmd = c
			last := len(a.freeList) - 1
			a.freeList[i] = a.freeList[last]
			a.freeList[last] = nil
			a.freeList = a.freeList[:last]
			break
		}
	}
	a.mu.Unlock()

	if cmd != nil {
		if err := a.backend.ResetCommandPool(cmd.pool); err != nil {
			a.destroy(cmd)
			return nil, errors.Wrap(err, "resetting copy command pool")
		}
	} else {
		if cmd, err = a.create(size); err != nil {
			return nil, err
		}
	}

	if err := a.backend.BeginCommandBuffer(cmd.cmd); err != nil {
		a.destroy(cmd)
		return nil, errors.Wrap(err, "beginning copy command buffer")
	}
	cmd.fenceValue = 0
	cmd.Data = cmd.staging.Mapped[:size]
	return cmd, nil
}

func (a *CopyAllocator) create(size uint64) (*CopyCMD, error) {
	stagingSize := math.NextPowerOfTwo(max(size, a.minStaging))
	cmd := &CopyCMD{stagingSize: stagingSize}

	var err error
	if cmd.pool, err = a.backend.CreateCommandPool(metadata.QueueCopy); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "creating copy command pool"), core.ErrCreationFailed)
	}
	if cmd.cmd, err = a.backend.AllocateCommandBuffer(cmd.pool); err != nil {
		a.backend.Destroy(metadata.ResourceKindCommandPool, cmd.pool)
		return nil, errors.Mark(errors.Wrap(err, "allocating copy command buffer"), core.ErrCreationFailed)
	}

	desc := gputypes.BufferDescriptor{
		Label: "staging-" + uuid.NewString(),
		Size:  stagingSize,
		Usage: gputypes.BufferUsageCopySrc | gputypes.BufferUsageMapWrite,
	}
	if cmd.staging, err = a.backend.CreateBuffer(&desc, metadata.MemoryUpload); err != nil {
		a.backend.Destroy(metadata.ResourceKindCommandPool, cmd.pool)
		return nil, errors.Mark(errors.Wrapf(err, "allocating %d bytes of staging memory", stagingSize), core.ErrOutOfMemory)
	}
	if uint64(len(cmd.staging.Mapped)) < size {
		a.destroy(cmd)
		return nil, errors.AssertionFailedf("staging buffer of %d bytes is not host visible", stagingSize)
	}
	return cmd, nil
}

func (a *CopyAllocator) destroy(cmd *CopyCMD) {
	if !cmd.staging.Handle.IsNull() {
		a.backend.Destroy(metadata.ResourceKindBuffer, cmd.staging.Handle)
	}
	a.backend.Destroy(metadata.ResourceKindCommandPool, cmd.pool)
}

// Submit ends recording and queues cmd for the next Flush. It returns the upload value
// that will be signaled once the copy is done. It never blocks on the GPU.
func (a *CopyAllocator) Submit(cmd *CopyCMD) (uint64, error) {
	if err := a.backend.EndCommandBuffer(cmd.cmd); err != nil {
		a.mu.Lock()
		a.freeList = append(a.freeList, cmd)
		a.mu.Unlock()
		return 0, errors.Wrap(err, "ending copy command buffer")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextValue++
	cmd.fenceValue = a.nextValue
	cmd.Data = nil
	a.pending = append(a.pending, cmd)
	return cmd.fenceValue, nil
}

// Flush submits everything pending in one batch to the copy queue and returns the value
// consumers must wait on.
func (a *CopyAllocator) Flush() (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.pending) == 0 {
		return a.flushedValue, nil
	}
	batch := metadata.SubmitBatch{
		CommandBuffers: make([]metadata.NativeHandle, 0, len(a.pending)),
		Signal:         metadata.SyncPoint{Timeline: a.timeline, Value: a.nextValue},
	}
	for _, c := range a.pending {
		batch.CommandBuffers = append(batch.CommandBuffers, c.cmd)
	}
	if err := a.backend.Submit(metadata.QueueCopy, []metadata.SubmitBatch{batch}); err != nil {
		return 0, errors.Wrap(err, "submitting uploads")
	}
	a.inflight = append(a.inflight, a.pending...)
	a.pending = a.pending[:0]
	a.flushedValue = a.nextValue
	return a.flushedValue, nil
}

func (a *CopyAllocator) IsComplete(value uint64) bool {
	completed, err := a.Completed()
	return err == nil && completed >= value
}

// Wait blocks until value is signaled on the upload timeline.
func (a *CopyAllocator) Wait(value uint64) error {
	return a.backend.WaitTimeline(a.timeline, value, a.timeout)
}

// Shutdown frees every command buffer and staging buffer. The copy queue must be idle.
func (a *CopyAllocator) Shutdown() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, list := range [][]*CopyCMD{a.freeList, a.pending, a.inflight} {
		for _, c := range list {
			a.destroy(c)
		}
	}
	a.freeList, a.pending, a.inflight = nil, nil, nil
	a.backend.Destroy(metadata.ResourceKindTimeline, a.timeline)
}

// Len reports free, pending and in-flight entry counts.
func (a *CopyAllocator) Len() (free, pending, inflight int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.freeList), len(a.pending), len(a.inflight)
}
