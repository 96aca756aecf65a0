package vulkan

import (
	"runtime"
	"time"
	"unsafe"

	"github.com/cockroachdb/errors"
	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/anima-gpu/engine/core"
	"github.com/spaghettifunk/anima-gpu/engine/renderer/metadata"
)

func (vb *VulkanBackend) CreateTimeline(initial uint64) (metadata.NativeHandle, error) {
	t, err := NewTimeline(vb.context, initial)
	if err != nil {
		return metadata.NullHandle, err
	}
	return vb.insert(t), nil
}

func (vb *VulkanBackend) TimelineValue(timeline metadata.NativeHandle) (uint64, error) {
	t, err := lookup[*VulkanTimeline](vb, timeline)
	if err != nil {
		return 0, err
	}
	return t.Value(vb.context)
}

func (vb *VulkanBackend) WaitTimeline(timeline metadata.NativeHandle, value uint64, timeout time.Duration) error {
	t, err := lookup[*VulkanTimeline](vb, timeline)
	if err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = -1
	}
	if err := t.Wait(vb.context, value, timeout); err != nil {
		return errors.Wrapf(err, "waiting for timeline value %d", value)
	}
	return nil
}

// Submit turns every batch into one VkSubmitInfo with a timeline semaphore chain and
// submits them together while holding the queue family's mutex.
func (vb *VulkanBackend) Submit(queue metadata.QueueType, batches []metadata.SubmitBatch) error {
	if !queue.IsValid() {
		return errors.AssertionFailedf("submit to invalid queue %d", queue)
	}
	if len(batches) == 0 {
		return nil
	}

	submitInfos := make([]vk.SubmitInfo, len(batches))
	timelineInfos := make([]vk.TimelineSemaphoreSubmitInfo, len(batches))
	var submitted []*VulkanCommandBuffer
	for i, batch := range batches {
		commandBuffers := make([]vk.CommandBuffer, 0, len(batch.CommandBuffers))
		for _, h := range batch.CommandBuffers {
			cb, err := lookup[*VulkanCommandBuffer](vb, h)
			if err != nil {
				return errors.Wrapf(err, "batch %d", i)
			}
			if cb.State != COMMAND_BUFFER_STATE_RECORDING_ENDED {
				return errors.AssertionFailedf("batch %d: command buffer in state %s", i, cb.State)
			}
			commandBuffers = append(commandBuffers, cb.Handle)
			submitted = append(submitted, cb)
		}

		waitSemaphores := make([]vk.Semaphore, len(batch.Waits))
		waitValues := make([]uint64, len(batch.Waits))
		waitStages := make([]vk.PipelineStageFlags, len(batch.Waits))
		for j, wait := range batch.Waits {
			t, err := lookup[*VulkanTimeline](vb, wait.Timeline)
			if err != nil {
				return errors.Wrapf(err, "batch %d wait %d", i, j)
			}
			waitSemaphores[j] = t.Handle
			waitValues[j] = wait.Value
			waitStages[j] = vk.PipelineStageFlags(vk.PipelineStageAllCommandsBit)
		}

		var signalSemaphores []vk.Semaphore
		var signalValues []uint64
		if !batch.Signal.Timeline.IsNull() {
			t, err := lookup[*VulkanTimeline](vb, batch.Signal.Timeline)
			if err != nil {
				return errors.Wrapf(err, "batch %d signal", i)
			}
			signalSemaphores = []vk.Semaphore{t.Handle}
			signalValues = []uint64{batch.Signal.Value}
		}

		timelineInfos[i] = vk.TimelineSemaphoreSubmitInfo{
			SType:                     vk.StructureTypeTimelineSemaphoreSubmitInfo,
			WaitSemaphoreValueCount:   uint32(len(waitValues)),
			PWaitSemaphoreValues:      waitValues,
			SignalSemaphoreValueCount: uint32(len(signalValues)),
			PSignalSemaphoreValues:    signalValues,
		}
		timelineRef, _ := timelineInfos[i].PassRef()
		submitInfos[i] = vk.SubmitInfo{
			SType:                vk.StructureTypeSubmitInfo,
			PNext:                unsafe.Pointer(timelineRef),
			WaitSemaphoreCount:   uint32(len(waitSemaphores)),
			PWaitSemaphores:      waitSemaphores,
			PWaitDstStageMask:    waitStages,
			CommandBufferCount:   uint32(len(commandBuffers)),
			PCommandBuffers:      commandBuffers,
			SignalSemaphoreCount: uint32(len(signalSemaphores)),
			PSignalSemaphores:    signalSemaphores,
		}
	}

	device := vb.context.Device
	err := vb.context.Locks.SafeQueueCall(device.QueueFamilies[queue], func() error {
		res := vk.QueueSubmit(device.Queues[queue], uint32(len(submitInfos)), submitInfos, vk.NullFence)
		return vulkanError(res, "vkQueueSubmit")
	})
	runtime.KeepAlive(timelineInfos)
	if err != nil {
		if core.IsDeviceLost(err) {
			core.LogError("device lost while submitting to the %s queue", queue)
		}
		return errors.Wrapf(err, "submitting %d batches to the %s queue", len(batches), queue)
	}
	for _, cb := range submitted {
		cb.UpdateSubmitted()
	}
	return nil
}

func (vb *VulkanBackend) CreateCommandPool(queue metadata.QueueType) (metadata.NativeHandle, error) {
	if !queue.IsValid() {
		return metadata.NullHandle, errors.AssertionFailedf("command pool for invalid queue %d", queue)
	}
	pool, err := NewVulkanCommandPool(vb.context, queue)
	if err != nil {
		return metadata.NullHandle, errors.Wrapf(err, "%s command pool", queue)
	}
	return vb.insert(pool), nil
}

func (vb *VulkanBackend) ResetCommandPool(pool metadata.NativeHandle) error {
	p, err := lookup[*VulkanCommandPool](vb, pool)
	if err != nil {
		return err
	}
	return p.Reset(vb.context)
}

func (vb *VulkanBackend) AllocateCommandBuffer(pool metadata.NativeHandle) (metadata.NativeHandle, error) {
	p, err := lookup[*VulkanCommandPool](vb, pool)
	if err != nil {
		return metadata.NullHandle, err
	}
	cb, err := NewVulkanCommandBuffer(vb.context, p, true)
	if err != nil {
		return metadata.NullHandle, err
	}
	cb.native = vb.insert(cb)
	return cb.native, nil
}

func (vb *VulkanBackend) BeginCommandBuffer(cmd metadata.NativeHandle) error {
	cb, err := lookup[*VulkanCommandBuffer](vb, cmd)
	if err != nil {
		return err
	}
	return cb.Begin(true, false, false)
}

func (vb *VulkanBackend) EndCommandBuffer(cmd metadata.NativeHandle) error {
	cb, err := lookup[*VulkanCommandBuffer](vb, cmd)
	if err != nil {
		return err
	}
	return cb.End()
}
