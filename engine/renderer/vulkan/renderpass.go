package vulkan

import (
	"sync"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/anima-gpu/engine/core"
)

type attachmentKey struct {
	format vk.Format
	load   vk.AttachmentLoadOp
	store  vk.AttachmentStoreOp
}

// renderPassKey describes a single subpass render pass. A zero depth format means no
// depth attachment.
type renderPassKey struct {
	colors     [MAX_COLOR_ATTACHMENTS]attachmentKey
	colorCount int
	depth      attachmentKey
}

func (k *renderPassKey) hasDepth() bool {
	return k.depth.format != vk.FormatUndefined
}

func (k *renderPassKey) attachmentCount() int {
	if k.hasDepth() {
		return k.colorCount + 1
	}
	return k.colorCount
}

/**
 * @brief Render passes by attachment set. Every attachment stays in the general layout
 * before, during and after the pass, so passes with the same formats are compatible no
 * matter where they are used.
 */
type renderPassCache struct {
	mu     sync.Mutex
	passes map[renderPassKey]vk.RenderPass
}

func newRenderPassCache() *renderPassCache {
	return &renderPassCache{passes: make(map[renderPassKey]vk.RenderPass)}
}

func (c *renderPassCache) get(context *VulkanContext, key renderPassKey) (vk.RenderPass, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if pass, ok := c.passes[key]; ok {
		return pass, nil
	}
	pass, err := RenderpassCreate(context, &key)
	if err != nil {
		return nil, err
	}
	c.passes[key] = pass
	return pass, nil
}

func (c *renderPassCache) destroyAll(context *VulkanContext) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, pass := range c.passes {
		vk.DestroyRenderPass(context.Device.LogicalDevice, pass, context.Allocator)
		delete(c.passes, key)
	}
}

func RenderpassCreate(context *VulkanContext, key *renderPassKey) (vk.RenderPass, error) {
	attachmentDescriptions := make([]vk.AttachmentDescription, 0, key.attachmentCount())
	colorAttachmentReferences := make([]vk.AttachmentReference, key.colorCount)
	for i := 0; i < key.colorCount; i++ {
		color := key.colors[i]
		attachmentDescriptions = append(attachmentDescriptions, vk.AttachmentDescription{
			Format:         color.format,
			Samples:        vk.SampleCount1Bit,
			LoadOp:         color.load,
			StoreOp:        color.store,
			StencilLoadOp:  vk.AttachmentLoadOpDontCare,
			StencilStoreOp: vk.AttachmentStoreOpDontCare,
			InitialLayout:  vk.ImageLayoutGeneral,
			FinalLayout:    vk.ImageLayoutGeneral,
		})
		colorAttachmentReferences[i] = vk.AttachmentReference{
			Attachment: uint32(i),
			Layout:     vk.ImageLayoutGeneral,
		}
	}

	// Main subpass
	subpass := vk.SubpassDescription{
		PipelineBindPoint:    vk.PipelineBindPointGraphics,
		ColorAttachmentCount: uint32(key.colorCount),
		PColorAttachments:    colorAttachmentReferences,
	}

	if key.hasDepth() {
		stencilLoad, stencilStore := vk.AttachmentLoadOpDontCare, vk.AttachmentStoreOpDontCare
		if hasStencil(key.depth.format) {
			stencilLoad, stencilStore = key.depth.load, key.depth.store
		}
		attachmentDescriptions = append(attachmentDescriptions, vk.AttachmentDescription{
			Format:         key.depth.format,
			Samples:        vk.SampleCount1Bit,
			LoadOp:         key.depth.load,
			StoreOp:        key.depth.store,
			StencilLoadOp:  stencilLoad,
			StencilStoreOp: stencilStore,
			InitialLayout:  vk.ImageLayoutGeneral,
			FinalLayout:    vk.ImageLayoutGeneral,
		})
		subpass.PDepthStencilAttachment = &vk.AttachmentReference{
			Attachment: uint32(key.colorCount),
			Layout:     vk.ImageLayoutGeneral,
		}
	}

	// Work before and after the pass may come from any stage, including compute and copies.
	memoryAccess := vk.AccessFlags(vk.AccessMemoryReadBit) | vk.AccessFlags(vk.AccessMemoryWriteBit)
	dependencies := []vk.SubpassDependency{
		{
			SrcSubpass:    vk.SubpassExternal,
			DstSubpass:    0,
			SrcStageMask:  vk.PipelineStageFlags(vk.PipelineStageAllCommandsBit),
			SrcAccessMask: vk.AccessFlags(vk.AccessMemoryWriteBit),
			DstStageMask:  vk.PipelineStageFlags(vk.PipelineStageAllGraphicsBit),
			DstAccessMask: memoryAccess,
		},
		{
			SrcSubpass:    0,
			DstSubpass:    vk.SubpassExternal,
			SrcStageMask:  vk.PipelineStageFlags(vk.PipelineStageAllGraphicsBit),
			SrcAccessMask: vk.AccessFlags(vk.AccessMemoryWriteBit),
			DstStageMask:  vk.PipelineStageFlags(vk.PipelineStageAllCommandsBit),
			DstAccessMask: memoryAccess,
		},
	}

	renderpassCreateInfo := vk.RenderPassCreateInfo{
		SType:           vk.StructureTypeRenderPassCreateInfo,
		AttachmentCount: uint32(len(attachmentDescriptions)),
		PAttachments:    attachmentDescriptions,
		SubpassCount:    1,
		PSubpasses:      []vk.SubpassDescription{subpass},
		DependencyCount: uint32(len(dependencies)),
		PDependencies:   dependencies,
	}

	var pass vk.RenderPass
	if err := context.Locks.SafeCall(RenderpassManagement, func() error {
		return creationError(vk.CreateRenderPass(context.Device.LogicalDevice, &renderpassCreateInfo, context.Allocator, &pass), "vkCreateRenderPass")
	}); err != nil {
		return nil, err
	}
	core.LogDebug("Render pass created with %d color attachments, depth %t.", key.colorCount, key.hasDepth())
	return pass, nil
}
