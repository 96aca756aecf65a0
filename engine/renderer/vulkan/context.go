package vulkan

import (
	"github.com/cockroachdb/errors"
	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/anima-gpu/engine/core"
	"github.com/spaghettifunk/anima-gpu/engine/renderer/metadata"
)

type VulkanContext struct {
	Instance  vk.Instance
	Allocator *vk.AllocationCallbacks

	debugMessenger vk.DebugReportCallback
	hasDebug       bool

	Device *VulkanDevice
	Locks  *VulkanLockPool
}

// FindMemoryIndex returns the first memory type allowed by typeFilter that has every
// flag in propertyFlags.
func (vc *VulkanContext) FindMemoryIndex(typeFilter uint32, propertyFlags vk.MemoryPropertyFlags) (uint32, error) {
	memoryProperties := vc.Device.Memory
	for i := uint32(0); i < memoryProperties.MemoryTypeCount; i++ {
		memoryType := memoryProperties.MemoryTypes[i]
		memoryType.Deref()
		if (typeFilter&(1<<i)) != 0 && (memoryType.PropertyFlags&propertyFlags) == propertyFlags {
			return i, nil
		}
	}
	return 0, errors.Wrapf(core.ErrOutOfMemory, "no memory type with flags %#x in filter %#x", uint32(propertyFlags), typeFilter)
}

// memoryFlags lists the property flag sets acceptable for usage, best first.
func memoryFlags(usage metadata.MemoryUsage) []vk.MemoryPropertyFlags {
	visible := vk.MemoryPropertyFlags(vk.MemoryPropertyHostVisibleBit | vk.MemoryPropertyHostCoherentBit)
	switch usage {
	case metadata.MemoryUpload:
		return []vk.MemoryPropertyFlags{
			visible | vk.MemoryPropertyFlags(vk.MemoryPropertyDeviceLocalBit),
			visible,
		}
	case metadata.MemoryReadback:
		return []vk.MemoryPropertyFlags{
			visible | vk.MemoryPropertyFlags(vk.MemoryPropertyHostCachedBit),
			visible,
		}
	}
	return []vk.MemoryPropertyFlags{vk.MemoryPropertyFlags(vk.MemoryPropertyDeviceLocalBit)}
}

// allocateMemory allocates memory satisfying requirements for the given usage.
func (vc *VulkanContext) allocateMemory(requirements vk.MemoryRequirements, usage metadata.MemoryUsage) (vk.DeviceMemory, error) {
	var index uint32
	var err error
	for _, flags := range memoryFlags(usage) {
		if index, err = vc.FindMemoryIndex(requirements.MemoryTypeBits, flags); err == nil {
			break
		}
	}
	if err != nil {
		return nil, err
	}

	allocateInfo := vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  requirements.Size,
		MemoryTypeIndex: index,
	}
	var memory vk.DeviceMemory
	if res := vk.AllocateMemory(vc.Device.LogicalDevice, &allocateInfo, vc.Allocator, &memory); res != vk.Success {
		return nil, vulkanError(res, "vkAllocateMemory")
	}
	return memory, nil
}
