package device

import (
	"github.com/cockroachdb/errors"
	"github.com/spaghettifunk/anima-gpu/engine/renderer/metadata"
)

/**
 * @brief State of one buffered frame slot. fences holds, per queue, the timeline value
 * signaled by the last submission made while this slot was current; the slot is reused
 * only after all of them are reached.
 */
type FrameResources struct {
	fences [metadata.QUEUE_COUNT]uint64

	// Commands recorded outside command lists, such as texture initialization.
	// Submitted first on the graphics queue.
	initPool      metadata.NativeHandle
	initCmd       metadata.NativeHandle
	initRecording bool
}

func (f *FrameResources) Fence(queue metadata.QueueType) uint64 {
	return f.fences[queue]
}

// beginInit makes sure the init command buffer is recording. Caller holds the device init lock.
func (f *FrameResources) beginInit(backend metadata.Backend) (metadata.NativeHandle, error) {
	if f.initRecording {
		return f.initCmd, nil
	}
	if f.initPool.IsNull() {
		pool, err := backend.CreateCommandPool(metadata.QueueGraphics)
		if err != nil {
			return metadata.NullHandle, errors.Wrap(err, "creating frame init pool")
		}
		cmd, err := backend.AllocateCommandBuffer(pool)
		if err != nil {
			backend.Destroy(metadata.ResourceKindCommandPool, pool)
			return metadata.NullHandle, errors.Wrap(err, "allocating frame init command buffer")
		}
		f.initPool, f.initCmd = pool, cmd
	} else if err := backend.ResetCommandPool(f.initPool); err != nil {
		return metadata.NullHandle, errors.Wrap(err, "resetting frame init pool")
	}
	if err := backend.BeginCommandBuffer(f.initCmd); err != nil {
		return metadata.NullHandle, errors.Wrap(err, "beginning frame init command buffer")
	}
	f.initRecording = true
	return f.initCmd, nil
}

// endInit closes the init command buffer and reports whether it has to be submitted.
func (f *FrameResources) endInit(backend metadata.Backend) (bool, error) {
	if !f.initRecording {
		return false, nil
	}
	f.initRecording = false
	if err := backend.EndCommandBuffer(f.initCmd); err != nil {
		return false, errors.Wrap(err, "ending frame init command buffer")
	}
	return true, nil
}

func (f *FrameResources) destroy(backend metadata.Backend) {
	if !f.initPool.IsNull() {
		backend.Destroy(metadata.ResourceKindCommandPool, f.initPool)
		f.initPool, f.initCmd = metadata.NullHandle, metadata.NullHandle
	}
}
