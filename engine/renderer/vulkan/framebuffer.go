package vulkan

import (
	"slices"
	"sync"

	vk "github.com/goki/vulkan"
)

type framebufferKey struct {
	renderPass vk.RenderPass
	views      [MAX_COLOR_ATTACHMENTS + 1]vk.ImageView
	count      int
	width      uint32
	height     uint32
}

type VulkanFramebuffer struct {
	Handle      vk.Framebuffer
	Attachments []vk.ImageView
}

func FramebufferCreate(context *VulkanContext, renderpass vk.RenderPass, width uint32, height uint32, attachments []vk.ImageView) (*VulkanFramebuffer, error) {
	out := &VulkanFramebuffer{
		Attachments: slices.Clone(attachments),
	}

	createInfo := vk.FramebufferCreateInfo{
		SType:           vk.StructureTypeFramebufferCreateInfo,
		RenderPass:      renderpass,
		AttachmentCount: uint32(len(out.Attachments)),
		PAttachments:    out.Attachments,
		Width:           width,
		Height:          height,
		Layers:          1,
	}
	if res := vk.CreateFramebuffer(context.Device.LogicalDevice, &createInfo, context.Allocator, &out.Handle); res != vk.Success {
		return nil, creationError(res, "vkCreateFramebuffer")
	}
	return out, nil
}

func (vfb *VulkanFramebuffer) Destroy(context *VulkanContext) {
	if vfb.Handle != nil {
		vk.DestroyFramebuffer(context.Device.LogicalDevice, vfb.Handle, context.Allocator)
		vfb.Handle = nil
	}
	vfb.Attachments = nil
}

/**
 * @brief Framebuffers by render pass, attachment views and size. Entries that use a view
 * are dropped when its texture is destroyed.
 */
type framebufferCache struct {
	mu      sync.Mutex
	entries map[framebufferKey]*VulkanFramebuffer
}

func newFramebufferCache() *framebufferCache {
	return &framebufferCache{entries: make(map[framebufferKey]*VulkanFramebuffer)}
}

func (c *framebufferCache) get(context *VulkanContext, renderPass vk.RenderPass, views []vk.ImageView, width, height uint32) (vk.Framebuffer, error) {
	key := framebufferKey{renderPass: renderPass, count: len(views), width: width, height: height}
	copy(key.views[:], views)

	c.mu.Lock()
	defer c.mu.Unlock()
	if fb, ok := c.entries[key]; ok {
		return fb.Handle, nil
	}
	fb, err := FramebufferCreate(context, renderPass, width, height, views)
	if err != nil {
		return nil, err
	}
	c.entries[key] = fb
	return fb.Handle, nil
}

func (c *framebufferCache) evict(context *VulkanContext, view vk.ImageView) {
	if view == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, fb := range c.entries {
		if slices.Contains(key.views[:key.count], view) {
			fb.Destroy(context)
			delete(c.entries, key)
		}
	}
}

func (c *framebufferCache) destroyAll(context *VulkanContext) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, fb := range c.entries {
		fb.Destroy(context)
		delete(c.entries, key)
	}
}
