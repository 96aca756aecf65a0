package vulkan

import (
	"unsafe"

	"github.com/gogpu/gputypes"
	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/anima-gpu/engine/core"
	"github.com/spaghettifunk/anima-gpu/engine/renderer/metadata"
)

// recorder resolves a command buffer that is currently recording.
func (vb *VulkanBackend) recorder(cmd metadata.NativeHandle, what string) (*VulkanCommandBuffer, bool) {
	cb, ok := mustLookup[*VulkanCommandBuffer](vb, cmd, what)
	if !ok {
		return nil, false
	}
	if !cb.recording() {
		core.LogWarnOnce("vulkan:state:"+what, "%s on a command buffer in state %s", what, cb.State)
		return nil, false
	}
	return cb, true
}

func (vb *VulkanBackend) CmdUpdateBindings(cmd metadata.NativeHandle, bindPoint metadata.PipelineBindPoint, table *metadata.BindingTable, dirty uint64) {
	cb, ok := vb.recorder(cmd, "CmdUpdateBindings")
	if !ok {
		return
	}
	if dirty == 0 && cb.bound[bindPoint].valid {
		return
	}
	layout, err := vb.sharedLayout()
	if err != nil {
		core.LogError("binding update skipped: %s", err)
		return
	}
	set, err := cb.pool.arena.allocate(vb.context, vb.binderLayout)
	if err != nil {
		core.LogError("allocating binder set: %s", err)
		return
	}
	writes := vb.binderWrites(set, table)
	vk.UpdateDescriptorSets(vb.context.Device.LogicalDevice, uint32(len(writes)), writes, 0, nil)

	offsets := dynamicOffsets(table)
	vk.CmdBindDescriptorSets(cb.Handle, vkBindPoint(bindPoint), layout, BINDER_SET, 1,
		[]vk.DescriptorSet{set}, uint32(len(offsets)), offsets)
	cb.bound[bindPoint] = boundSet{set: set, valid: true}
}

// CmdBindDynamicOffsets rebinds the last written set with the table's current offsets.
func (vb *VulkanBackend) CmdBindDynamicOffsets(cmd metadata.NativeHandle, bindPoint metadata.PipelineBindPoint, table *metadata.BindingTable) {
	cb, ok := vb.recorder(cmd, "CmdBindDynamicOffsets")
	if !ok {
		return
	}
	if !cb.bound[bindPoint].valid {
		vb.CmdUpdateBindings(cmd, bindPoint, table, metadata.BINDER_ALL_SLOTS)
		return
	}
	offsets := dynamicOffsets(table)
	vk.CmdBindDescriptorSets(cb.Handle, vkBindPoint(bindPoint), vb.pipelineLayout, BINDER_SET, 1,
		[]vk.DescriptorSet{cb.bound[bindPoint].set}, uint32(len(offsets)), offsets)
}

func (vb *VulkanBackend) CmdBindPipeline(cmd metadata.NativeHandle, pipeline metadata.NativeHandle, bindPoint metadata.PipelineBindPoint) {
	cb, ok := vb.recorder(cmd, "CmdBindPipeline")
	if !ok {
		return
	}
	p, ok := mustLookup[*VulkanPipeline](vb, pipeline, "CmdBindPipeline")
	if !ok {
		return
	}
	vk.CmdBindPipeline(cb.Handle, p.BindPoint, p.Handle)
	if !cb.heapsBound[bindPoint] {
		if sets := vb.heapSets(); sets != nil {
			vk.CmdBindDescriptorSets(cb.Handle, p.BindPoint, p.PipelineLayout, BINDLESS_SET_BASE,
				uint32(len(sets)), sets, 0, nil)
			cb.heapsBound[bindPoint] = true
		}
	}
}

func (vb *VulkanBackend) CmdBindVertexBuffers(cmd metadata.NativeHandle, firstSlot uint32, buffers []metadata.NativeHandle, offsets []uint64) {
	cb, ok := vb.recorder(cmd, "CmdBindVertexBuffers")
	if !ok || len(buffers) == 0 {
		return
	}
	handles := make([]vk.Buffer, len(buffers))
	deviceOffsets := make([]vk.DeviceSize, len(buffers))
	for i, h := range buffers {
		handles[i] = vb.nullBuffer.Handle
		if b, ok := mustLookup[*vulkanBuffer](vb, h, "CmdBindVertexBuffers"); ok {
			handles[i] = b.Handle
		}
		if i < len(offsets) {
			deviceOffsets[i] = vk.DeviceSize(offsets[i])
		}
	}
	vk.CmdBindVertexBuffers(cb.Handle, firstSlot, uint32(len(handles)), handles, deviceOffsets)
}

func (vb *VulkanBackend) CmdBindIndexBuffer(cmd metadata.NativeHandle, buffer metadata.NativeHandle, offset uint64, format gputypes.IndexFormat) {
	cb, ok := vb.recorder(cmd, "CmdBindIndexBuffer")
	if !ok {
		return
	}
	if b, ok := mustLookup[*vulkanBuffer](vb, buffer, "CmdBindIndexBuffer"); ok {
		vk.CmdBindIndexBuffer(cb.Handle, b.Handle, vk.DeviceSize(offset), indexType(format))
	}
}

func (vb *VulkanBackend) CmdPushConstants(cmd metadata.NativeHandle, bindPoint metadata.PipelineBindPoint, data []byte) {
	cb, ok := vb.recorder(cmd, "CmdPushConstants")
	if !ok || len(data) == 0 {
		return
	}
	if len(data) > metadata.MAX_PUSH_CONSTANT_SIZE {
		core.LogWarnOnce("vulkan:push", "push constants truncated from %d to %d bytes", len(data), metadata.MAX_PUSH_CONSTANT_SIZE)
		data = data[:metadata.MAX_PUSH_CONSTANT_SIZE]
	}
	layout, err := vb.sharedLayout()
	if err != nil {
		core.LogError("push constants skipped: %s", err)
		return
	}
	// Sizes must be a multiple of 4.
	padded := make([]byte, (len(data)+3)&^3)
	copy(padded, data)
	vk.CmdPushConstants(cb.Handle, layout, vk.ShaderStageFlags(vk.ShaderStageAll), 0, uint32(len(padded)), unsafe.Pointer(&padded[0]))
}

func (vb *VulkanBackend) CmdBeginRenderPass(cmd metadata.NativeHandle, pass *metadata.RenderPassBeginInfo) {
	cb, ok := vb.recorder(cmd, "CmdBeginRenderPass")
	if !ok {
		return
	}
	if cb.State == COMMAND_BUFFER_STATE_IN_RENDER_PASS {
		core.LogWarnOnce("vulkan:nested-pass", "render pass begun inside another render pass")
		return
	}
	if len(pass.Color) > MAX_COLOR_ATTACHMENTS {
		core.LogError("render pass with %d color attachments", len(pass.Color))
		return
	}

	key := renderPassKey{colorCount: len(pass.Color)}
	views := make([]vk.ImageView, 0, len(pass.Color)+1)
	clearValues := make([]vk.ClearValue, 0, len(pass.Color)+1)
	width, height := pass.Width, pass.Height
	attach := func(a *metadata.RenderPassAttachment) (*vulkanTexture, bool) {
		t, ok := mustLookup[*vulkanTexture](vb, a.Texture, "CmdBeginRenderPass")
		if !ok {
			return nil, false
		}
		vb.transitionToGeneral(cb.Handle, t)
		views = append(views, t.View)
		if width == 0 || height == 0 {
			width, height = t.Desc.Size.Width, t.Desc.Size.Height
		}
		return t, true
	}

	for i := range pass.Color {
		t, ok := attach(&pass.Color[i])
		if !ok {
			return
		}
		key.colors[i] = attachmentKey{format: t.Format, load: loadOp(pass.Color[i].LoadOp), store: storeOp(pass.Color[i].StoreOp)}
		var clear vk.ClearValue
		clear.SetColor([]float32{float32(pass.ClearColor.R), float32(pass.ClearColor.G), float32(pass.ClearColor.B), float32(pass.ClearColor.A)})
		clearValues = append(clearValues, clear)
	}
	if pass.Depth != nil {
		t, ok := attach(pass.Depth)
		if !ok {
			return
		}
		key.depth = attachmentKey{format: t.Format, load: loadOp(pass.Depth.LoadOp), store: storeOp(pass.Depth.StoreOp)}
		var clear vk.ClearValue
		clear.SetDepthStencil(pass.ClearDepth, pass.ClearStencil)
		clearValues = append(clearValues, clear)
	}

	renderPass, err := vb.renderPasses.get(vb.context, key)
	if err != nil {
		core.LogError("render pass: %s", err)
		return
	}
	framebuffer, err := vb.framebuffers.get(vb.context, renderPass, views, width, height)
	if err != nil {
		core.LogError("framebuffer: %s", err)
		return
	}

	extent := vk.Extent2D{Width: width, Height: height}
	beginInfo := vk.RenderPassBeginInfo{
		SType:           vk.StructureTypeRenderPassBeginInfo,
		RenderPass:      renderPass,
		Framebuffer:     framebuffer,
		RenderArea:      vk.Rect2D{Offset: vk.Offset2D{X: 0, Y: 0}, Extent: extent},
		ClearValueCount: uint32(len(clearValues)),
		PClearValues:    clearValues,
	}
	vk.CmdBeginRenderPass(cb.Handle, &beginInfo, vk.SubpassContentsInline)
	cb.State = COMMAND_BUFFER_STATE_IN_RENDER_PASS

	viewport := vk.Viewport{X: 0, Y: 0, Width: float32(width), Height: float32(height), MinDepth: 0, MaxDepth: 1}
	vk.CmdSetViewport(cb.Handle, 0, 1, []vk.Viewport{viewport})
	vk.CmdSetScissor(cb.Handle, 0, 1, []vk.Rect2D{beginInfo.RenderArea})
}

func (vb *VulkanBackend) CmdEndRenderPass(cmd metadata.NativeHandle) {
	cb, ok := vb.recorder(cmd, "CmdEndRenderPass")
	if !ok || cb.State != COMMAND_BUFFER_STATE_IN_RENDER_PASS {
		return
	}
	vk.CmdEndRenderPass(cb.Handle)
	cb.State = COMMAND_BUFFER_STATE_RECORDING
}

func (vb *VulkanBackend) CmdDraw(cmd metadata.NativeHandle, vertexCount, instanceCount, firstVertex, firstInstance uint32) {
	if cb, ok := vb.recorder(cmd, "CmdDraw"); ok {
		vk.CmdDraw(cb.Handle, vertexCount, instanceCount, firstVertex, firstInstance)
	}
}

func (vb *VulkanBackend) CmdDrawIndexed(cmd metadata.NativeHandle, indexCount, instanceCount, firstIndex uint32, baseVertex int32, firstInstance uint32) {
	if cb, ok := vb.recorder(cmd, "CmdDrawIndexed"); ok {
		vk.CmdDrawIndexed(cb.Handle, indexCount, instanceCount, firstIndex, baseVertex, firstInstance)
	}
}

func (vb *VulkanBackend) CmdDrawIndirect(cmd metadata.NativeHandle, args metadata.NativeHandle, offset uint64, indexed bool) {
	cb, ok := vb.recorder(cmd, "CmdDrawIndirect")
	if !ok {
		return
	}
	b, ok := mustLookup[*vulkanBuffer](vb, args, "CmdDrawIndirect")
	if !ok {
		return
	}
	if indexed {
		vk.CmdDrawIndexedIndirect(cb.Handle, b.Handle, vk.DeviceSize(offset), 1, 0)
		return
	}
	vk.CmdDrawIndirect(cb.Handle, b.Handle, vk.DeviceSize(offset), 1, 0)
}

func (vb *VulkanBackend) CmdDispatch(cmd metadata.NativeHandle, x, y, z uint32) {
	if cb, ok := vb.recorder(cmd, "CmdDispatch"); ok {
		vk.CmdDispatch(cb.Handle, x, y, z)
	}
}

func (vb *VulkanBackend) CmdDispatchIndirect(cmd metadata.NativeHandle, args metadata.NativeHandle, offset uint64) {
	cb, ok := vb.recorder(cmd, "CmdDispatchIndirect")
	if !ok {
		return
	}
	if b, ok := mustLookup[*vulkanBuffer](vb, args, "CmdDispatchIndirect"); ok {
		vk.CmdDispatchIndirect(cb.Handle, b.Handle, vk.DeviceSize(offset))
	}
}

func (vb *VulkanBackend) CmdCopyBuffer(cmd metadata.NativeHandle, dst metadata.NativeHandle, dstOffset uint64, src metadata.NativeHandle, srcOffset uint64, size uint64) {
	cb, ok := vb.recorder(cmd, "CmdCopyBuffer")
	if !ok || size == 0 {
		return
	}
	d, ok := mustLookup[*vulkanBuffer](vb, dst, "CmdCopyBuffer")
	if !ok {
		return
	}
	s, ok := mustLookup[*vulkanBuffer](vb, src, "CmdCopyBuffer")
	if !ok {
		return
	}
	region := vk.BufferCopy{SrcOffset: vk.DeviceSize(srcOffset), DstOffset: vk.DeviceSize(dstOffset), Size: vk.DeviceSize(size)}
	vk.CmdCopyBuffer(cb.Handle, s.Handle, d.Handle, 1, []vk.BufferCopy{region})
}

// CmdCopyBufferToTexture copies one tightly packed mip level starting at srcOffset.
func (vb *VulkanBackend) CmdCopyBufferToTexture(cmd metadata.NativeHandle, dst metadata.NativeHandle, mip uint32, src metadata.NativeHandle, srcOffset uint64) {
	cb, ok := vb.recorder(cmd, "CmdCopyBufferToTexture")
	if !ok {
		return
	}
	t, ok := mustLookup[*vulkanTexture](vb, dst, "CmdCopyBufferToTexture")
	if !ok {
		return
	}
	s, ok := mustLookup[*vulkanBuffer](vb, src, "CmdCopyBufferToTexture")
	if !ok {
		return
	}
	vb.transitionToGeneral(cb.Handle, t)

	extent, layers := mipExtent(&t.Desc, mip)
	region := vk.BufferImageCopy{
		BufferOffset:      vk.DeviceSize(srcOffset),
		BufferRowLength:   0,
		BufferImageHeight: 0,
		ImageSubresource: vk.ImageSubresourceLayers{
			AspectMask:     t.Aspect,
			MipLevel:       mip,
			BaseArrayLayer: 0,
			LayerCount:     layers,
		},
		ImageExtent: extent,
	}
	vk.CmdCopyBufferToImage(cb.Handle, s.Handle, t.Image, vk.ImageLayoutGeneral, 1, []vk.BufferImageCopy{region})
}

// CmdCopyTexture copies every mip level of src into dst. Both must have matching sizes.
func (vb *VulkanBackend) CmdCopyTexture(cmd metadata.NativeHandle, dst metadata.NativeHandle, src metadata.NativeHandle) {
	cb, ok := vb.recorder(cmd, "CmdCopyTexture")
	if !ok {
		return
	}
	d, ok := mustLookup[*vulkanTexture](vb, dst, "CmdCopyTexture")
	if !ok {
		return
	}
	s, ok := mustLookup[*vulkanTexture](vb, src, "CmdCopyTexture")
	if !ok {
		return
	}
	vb.transitionToGeneral(cb.Handle, d)
	vb.transitionToGeneral(cb.Handle, s)

	mips := min(max(s.Desc.MipLevelCount, 1), max(d.Desc.MipLevelCount, 1))
	regions := make([]vk.ImageCopy, mips)
	for mip := uint32(0); mip < mips; mip++ {
		extent, layers := mipExtent(&s.Desc, mip)
		regions[mip] = vk.ImageCopy{
			SrcSubresource: vk.ImageSubresourceLayers{AspectMask: s.Aspect, MipLevel: mip, LayerCount: layers},
			DstSubresource: vk.ImageSubresourceLayers{AspectMask: d.Aspect, MipLevel: mip, LayerCount: layers},
			Extent:         extent,
		}
	}
	vk.CmdCopyImage(cb.Handle, s.Image, vk.ImageLayoutGeneral, d.Image, vk.ImageLayoutGeneral, uint32(len(regions)), regions)
}

func (vb *VulkanBackend) CmdInitializeTexture(cmd metadata.NativeHandle, texture metadata.NativeHandle) {
	cb, ok := vb.recorder(cmd, "CmdInitializeTexture")
	if !ok {
		return
	}
	if t, ok := mustLookup[*vulkanTexture](vb, texture, "CmdInitializeTexture"); ok {
		vb.transitionToGeneral(cb.Handle, t)
	}
}

func (vb *VulkanBackend) CmdBarrier(cmd metadata.NativeHandle) {
	cb, ok := vb.recorder(cmd, "CmdBarrier")
	if !ok {
		return
	}
	if cb.State == COMMAND_BUFFER_STATE_IN_RENDER_PASS {
		core.LogWarnOnce("vulkan:barrier-in-pass", "barrier inside a render pass ignored")
		return
	}
	barrier := vk.MemoryBarrier{
		SType:         vk.StructureTypeMemoryBarrier,
		SrcAccessMask: vk.AccessFlags(vk.AccessMemoryWriteBit),
		DstAccessMask: vk.AccessFlags(vk.AccessMemoryReadBit) | vk.AccessFlags(vk.AccessMemoryWriteBit),
	}
	allCommands := vk.PipelineStageFlags(vk.PipelineStageAllCommandsBit)
	vk.CmdPipelineBarrier(cb.Handle, allCommands, allCommands, 0, 1, []vk.MemoryBarrier{barrier}, 0, nil, 0, nil)
}

// transitionToGeneral moves a texture out of the undefined layout the first time it is
// used. Every later use relies on the general layout.
func (vb *VulkanBackend) transitionToGeneral(cmd vk.CommandBuffer, t *vulkanTexture) {
	if !t.initialized.CompareAndSwap(false, true) {
		return
	}
	barrier := vk.ImageMemoryBarrier{
		SType:               vk.StructureTypeImageMemoryBarrier,
		SrcAccessMask:       0,
		DstAccessMask:       vk.AccessFlags(vk.AccessMemoryReadBit) | vk.AccessFlags(vk.AccessMemoryWriteBit),
		OldLayout:           vk.ImageLayoutUndefined,
		NewLayout:           vk.ImageLayoutGeneral,
		SrcQueueFamilyIndex: vk.QueueFamilyIgnored,
		DstQueueFamilyIndex: vk.QueueFamilyIgnored,
		Image:               t.Image,
		SubresourceRange: vk.ImageSubresourceRange{
			AspectMask:     t.Aspect,
			BaseMipLevel:   0,
			LevelCount:     vk.RemainingMipLevels,
			BaseArrayLayer: 0,
			LayerCount:     vk.RemainingArrayLayers,
		},
	}
	vk.CmdPipelineBarrier(cmd,
		vk.PipelineStageFlags(vk.PipelineStageTopOfPipeBit),
		vk.PipelineStageFlags(vk.PipelineStageAllCommandsBit),
		0, 0, nil, 0, nil, 1, []vk.ImageMemoryBarrier{barrier})
}

// mipExtent returns the size of one mip level and the number of array layers it spans.
func mipExtent(desc *gputypes.TextureDescriptor, mip uint32) (vk.Extent3D, uint32) {
	extent := vk.Extent3D{
		Width:  max(desc.Size.Width>>mip, 1),
		Height: max(desc.Size.Height>>mip, 1),
		Depth:  1,
	}
	layers := max(desc.Size.DepthOrArrayLayers, 1)
	if desc.Dimension == gputypes.TextureDimension3D {
		extent.Depth = max(layers>>mip, 1)
		layers = 1
	}
	return extent, layers
}
