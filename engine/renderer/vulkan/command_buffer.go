package vulkan

import (
	"github.com/cockroachdb/errors"
	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/anima-gpu/engine/core"
	"github.com/spaghettifunk/anima-gpu/engine/renderer/metadata"
)

type VulkanCommandBufferState int

const (
	COMMAND_BUFFER_STATE_READY VulkanCommandBufferState = iota
	COMMAND_BUFFER_STATE_RECORDING
	COMMAND_BUFFER_STATE_IN_RENDER_PASS
	COMMAND_BUFFER_STATE_RECORDING_ENDED
	COMMAND_BUFFER_STATE_SUBMITTED
	COMMAND_BUFFER_STATE_NOT_ALLOCATED
)

func (s VulkanCommandBufferState) String() string {
	switch s {
	case COMMAND_BUFFER_STATE_READY:
		return "ready"
	case COMMAND_BUFFER_STATE_RECORDING:
		return "recording"
	case COMMAND_BUFFER_STATE_IN_RENDER_PASS:
		return "in_render_pass"
	case COMMAND_BUFFER_STATE_RECORDING_ENDED:
		return "recording_ended"
	case COMMAND_BUFFER_STATE_SUBMITTED:
		return "submitted"
	}
	return "not_allocated"
}

/**
 * @brief A command pool and the buffers allocated from it. The device layer gives every
 * command buffer its own pool, so a pool is only touched by the goroutine recording into it.
 */
type VulkanCommandPool struct {
	Handle vk.CommandPool
	Queue  metadata.QueueType
	Family uint32

	buffers []*VulkanCommandBuffer
	arena   descriptorArena
}

func NewVulkanCommandPool(context *VulkanContext, queue metadata.QueueType) (*VulkanCommandPool, error) {
	family := context.Device.QueueFamilies[queue]
	createInfo := vk.CommandPoolCreateInfo{
		SType:            vk.StructureTypeCommandPoolCreateInfo,
		QueueFamilyIndex: family,
		Flags:            vk.CommandPoolCreateFlags(vk.CommandPoolCreateTransientBit),
	}
	var handle vk.CommandPool
	if res := vk.CreateCommandPool(context.Device.LogicalDevice, &createInfo, context.Allocator, &handle); res != vk.Success {
		return nil, creationError(res, "vkCreateCommandPool")
	}
	return &VulkanCommandPool{Handle: handle, Queue: queue, Family: family}, nil
}

// Reset recycles every buffer of the pool and the descriptor sets they allocated.
func (p *VulkanCommandPool) Reset(context *VulkanContext) error {
	if res := vk.ResetCommandPool(context.Device.LogicalDevice, p.Handle, 0); res != vk.Success {
		return vulkanError(res, "vkResetCommandPool")
	}
	for _, cb := range p.buffers {
		cb.Reset()
	}
	return p.arena.reset(context)
}

func (p *VulkanCommandPool) Destroy(context *VulkanContext) {
	p.arena.destroy(context)
	if p.Handle != nil {
		vk.DestroyCommandPool(context.Device.LogicalDevice, p.Handle, context.Allocator)
		p.Handle = nil
	}
	for _, cb := range p.buffers {
		cb.Handle = nil
		cb.State = COMMAND_BUFFER_STATE_NOT_ALLOCATED
	}
	p.buffers = nil
}

// boundSet is the binder descriptor set last bound at one bind point.
type boundSet struct {
	set   vk.DescriptorSet
	valid bool
}

type VulkanCommandBuffer struct {
	Handle vk.CommandBuffer
	// Command buffer state.
	State VulkanCommandBufferState

	native metadata.NativeHandle
	pool   *VulkanCommandPool
	bound  [2]boundSet
	// Bindless heap sets are bound once per bind point.
	heapsBound [2]bool
}

func NewVulkanCommandBuffer(
	context *VulkanContext,
	pool *VulkanCommandPool,
	isPrimary bool,
) (*VulkanCommandBuffer, error) {
	cb := &VulkanCommandBuffer{
		State: COMMAND_BUFFER_STATE_NOT_ALLOCATED,
		pool:  pool,
	}

	level := vk.CommandBufferLevelSecondary
	if isPrimary {
		level = vk.CommandBufferLevelPrimary
	}

	allocateInfo := vk.CommandBufferAllocateInfo{
		SType:              vk.StructureTypeCommandBufferAllocateInfo,
		CommandPool:        pool.Handle,
		CommandBufferCount: 1,
		Level:              level,
	}
	handles := make([]vk.CommandBuffer, 1)
	if res := vk.AllocateCommandBuffers(context.Device.LogicalDevice, &allocateInfo, handles); res != vk.Success {
		return nil, creationError(res, "vkAllocateCommandBuffers")
	}
	cb.Handle = handles[0]
	cb.State = COMMAND_BUFFER_STATE_READY
	pool.buffers = append(pool.buffers, cb)
	return cb, nil
}

func (v *VulkanCommandBuffer) Free(context *VulkanContext) {
	vk.FreeCommandBuffers(context.Device.LogicalDevice, v.pool.Handle, 1, []vk.CommandBuffer{v.Handle})
	v.Handle = nil
	v.State = COMMAND_BUFFER_STATE_NOT_ALLOCATED
}

func (v *VulkanCommandBuffer) Begin(isSingleUse, isRenderpassContinue, isSimultaneousUse bool) error {
	if v.State != COMMAND_BUFFER_STATE_READY {
		return errors.AssertionFailedf("begin on a command buffer in state %s", v.State)
	}
	beginInfo := &vk.CommandBufferBeginInfo{
		SType: vk.StructureTypeCommandBufferBeginInfo,
		Flags: 0,
	}
	if isSingleUse {
		beginInfo.Flags |= vk.CommandBufferUsageFlags(vk.CommandBufferUsageOneTimeSubmitBit)
	}
	if isRenderpassContinue {
		beginInfo.Flags |= vk.CommandBufferUsageFlags(vk.CommandBufferUsageRenderPassContinueBit)
	}
	if isSimultaneousUse {
		beginInfo.Flags |= vk.CommandBufferUsageFlags(vk.CommandBufferUsageSimultaneousUseBit)
	}

	if res := vk.BeginCommandBuffer(v.Handle, beginInfo); res != vk.Success {
		return vulkanError(res, "vkBeginCommandBuffer")
	}
	v.State = COMMAND_BUFFER_STATE_RECORDING
	v.bound = [2]boundSet{}
	v.heapsBound = [2]bool{}
	return nil
}

func (v *VulkanCommandBuffer) End() error {
	if v.State == COMMAND_BUFFER_STATE_IN_RENDER_PASS {
		core.LogWarn("command buffer ended inside a render pass, closing it")
		vk.CmdEndRenderPass(v.Handle)
	}
	if res := vk.EndCommandBuffer(v.Handle); res != vk.Success {
		return vulkanError(res, "vkEndCommandBuffer")
	}
	v.State = COMMAND_BUFFER_STATE_RECORDING_ENDED
	return nil
}

func (v *VulkanCommandBuffer) UpdateSubmitted() {
	v.State = COMMAND_BUFFER_STATE_SUBMITTED
}

func (v *VulkanCommandBuffer) Reset() {
	v.State = COMMAND_BUFFER_STATE_READY
	v.bound = [2]boundSet{}
	v.heapsBound = [2]bool{}
}

func (v *VulkanCommandBuffer) recording() bool {
	return v.State == COMMAND_BUFFER_STATE_RECORDING || v.State == COMMAND_BUFFER_STATE_IN_RENDER_PASS
}

/**
 * Allocates a transient pool and command buffer on queue and begins recording.
 */
func AllocateAndBeginSingleUse(context *VulkanContext, queue metadata.QueueType) (*VulkanCommandBuffer, error) {
	pool, err := NewVulkanCommandPool(context, queue)
	if err != nil {
		return nil, err
	}
	cb, err := NewVulkanCommandBuffer(context, pool, true)
	if err != nil {
		pool.Destroy(context)
		return nil, err
	}
	if err := cb.Begin(true, false, false); err != nil {
		pool.Destroy(context)
		return nil, err
	}
	return cb, nil
}

/**
 * Ends recording, submits, waits for the queue to drain and destroys the buffer's pool.
 */
func (v *VulkanCommandBuffer) EndSingleUse(context *VulkanContext) error {
	pool := v.pool
	defer pool.Destroy(context)

	if err := v.End(); err != nil {
		return err
	}

	queue := context.Device.Queues[pool.Queue]
	submitInfo := vk.SubmitInfo{
		SType:              vk.StructureTypeSubmitInfo,
		CommandBufferCount: 1,
		PCommandBuffers:    []vk.CommandBuffer{v.Handle},
	}
	return context.Locks.SafeQueueCall(pool.Family, func() error {
		if res := vk.QueueSubmit(queue, 1, []vk.SubmitInfo{submitInfo}, vk.NullFence); res != vk.Success {
			return vulkanError(res, "vkQueueSubmit")
		}
		return vulkanError(vk.QueueWaitIdle(queue), "vkQueueWaitIdle")
	})
}

/**
 * @brief Descriptor pools a command pool allocates binder sets from. Sets live until the
 * command pool is reset; a full pool is followed by a fresh one.
 */
type descriptorArena struct {
	pools   []vk.DescriptorPool
	current int
}

func binderPoolSizes(sets uint32) []vk.DescriptorPoolSize {
	return []vk.DescriptorPoolSize{
		{Type: vk.DescriptorTypeUniformBufferDynamic, DescriptorCount: sets * metadata.BINDER_CBV_COUNT},
		{Type: vk.DescriptorTypeStorageBuffer, DescriptorCount: sets * (metadata.BINDER_SRV_COUNT + metadata.BINDER_UAV_COUNT)},
		{Type: vk.DescriptorTypeSampler, DescriptorCount: sets * metadata.BINDER_SAMPLER_COUNT},
		{Type: vk.DescriptorTypeSampledImage, DescriptorCount: sets * metadata.BINDER_SRV_COUNT},
		{Type: vk.DescriptorTypeStorageImage, DescriptorCount: sets * metadata.BINDER_UAV_COUNT},
	}
}

func (a *descriptorArena) grow(context *VulkanContext) error {
	sizes := binderPoolSizes(DESCRIPTOR_ARENA_SETS)
	createInfo := vk.DescriptorPoolCreateInfo{
		SType:         vk.StructureTypeDescriptorPoolCreateInfo,
		MaxSets:       DESCRIPTOR_ARENA_SETS,
		PoolSizeCount: uint32(len(sizes)),
		PPoolSizes:    sizes,
	}
	var pool vk.DescriptorPool
	if res := vk.CreateDescriptorPool(context.Device.LogicalDevice, &createInfo, context.Allocator, &pool); res != vk.Success {
		return creationError(res, "vkCreateDescriptorPool")
	}
	a.pools = append(a.pools, pool)
	a.current = len(a.pools) - 1
	return nil
}

func (a *descriptorArena) allocate(context *VulkanContext, layout vk.DescriptorSetLayout) (vk.DescriptorSet, error) {
	if len(a.pools) == 0 {
		if err := a.grow(context); err != nil {
			return nil, err
		}
	}
	for {
		allocateInfo := vk.DescriptorSetAllocateInfo{
			SType:              vk.StructureTypeDescriptorSetAllocateInfo,
			DescriptorPool:     a.pools[a.current],
			DescriptorSetCount: 1,
			PSetLayouts:        []vk.DescriptorSetLayout{layout},
		}
		var set vk.DescriptorSet
		res := vk.AllocateDescriptorSets(context.Device.LogicalDevice, &allocateInfo, &set)
		switch res {
		case vk.Success:
			return set, nil
		case vk.ErrorOutOfPoolMemory, vk.ErrorFragmentedPool:
			if a.current+1 < len(a.pools) {
				a.current++
				continue
			}
			if err := a.grow(context); err != nil {
				return nil, err
			}
		default:
			return nil, vulkanError(res, "vkAllocateDescriptorSets")
		}
	}
}

func (a *descriptorArena) reset(context *VulkanContext) error {
	for _, pool := range a.pools {
		if res := vk.ResetDescriptorPool(context.Device.LogicalDevice, pool, 0); res != vk.Success {
			return vulkanError(res, "vkResetDescriptorPool")
		}
	}
	a.current = 0
	return nil
}

func (a *descriptorArena) destroy(context *VulkanContext) {
	for _, pool := range a.pools {
		vk.DestroyDescriptorPool(context.Device.LogicalDevice, pool, context.Allocator)
	}
	a.pools = nil
	a.current = 0
}
