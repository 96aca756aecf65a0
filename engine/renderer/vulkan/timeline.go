package vulkan

import (
	"runtime"
	"time"
	"unsafe"

	vk "github.com/goki/vulkan"
)

/** @brief A timeline semaphore. The GPU signals increasing values; the host reads or waits. */
type VulkanTimeline struct {
	Handle vk.Semaphore
}

func NewTimeline(context *VulkanContext, initial uint64) (*VulkanTimeline, error) {
	typeInfo := vk.SemaphoreTypeCreateInfo{
		SType:         vk.StructureTypeSemaphoreTypeCreateInfo,
		SemaphoreType: vk.SemaphoreTypeTimeline,
		InitialValue:  initial,
	}
	typeRef, _ := typeInfo.PassRef()

	createInfo := vk.SemaphoreCreateInfo{
		SType: vk.StructureTypeSemaphoreCreateInfo,
		PNext: unsafe.Pointer(typeRef),
	}
	var semaphore vk.Semaphore
	res := vk.CreateSemaphore(context.Device.LogicalDevice, &createInfo, context.Allocator, &semaphore)
	runtime.KeepAlive(&typeInfo)
	if err := creationError(res, "vkCreateSemaphore"); err != nil {
		return nil, err
	}
	return &VulkanTimeline{Handle: semaphore}, nil
}

func (t *VulkanTimeline) Value(context *VulkanContext) (uint64, error) {
	var value uint64
	if res := vk.GetSemaphoreCounterValue(context.Device.LogicalDevice, t.Handle, &value); res != vk.Success {
		return 0, vulkanError(res, "vkGetSemaphoreCounterValue")
	}
	return value, nil
}

// Wait blocks until the timeline reaches value. A negative timeout waits forever.
func (t *VulkanTimeline) Wait(context *VulkanContext, value uint64, timeout time.Duration) error {
	timeoutNs := ^uint64(0)
	if timeout >= 0 {
		timeoutNs = uint64(timeout.Nanoseconds())
	}
	waitInfo := vk.SemaphoreWaitInfo{
		SType:          vk.StructureTypeSemaphoreWaitInfo,
		SemaphoreCount: 1,
		PSemaphores:    []vk.Semaphore{t.Handle},
		PValues:        []uint64{value},
	}
	return vulkanError(vk.WaitSemaphores(context.Device.LogicalDevice, &waitInfo, timeoutNs), "vkWaitSemaphores")
}

func (t *VulkanTimeline) Destroy(context *VulkanContext) {
	if t.Handle != nil {
		vk.DestroySemaphore(context.Device.LogicalDevice, t.Handle, context.Allocator)
		t.Handle = nil
	}
}
