package vulkan

import (
	"runtime"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/gogpu/gputypes"
	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/anima-gpu/engine/core"
	"github.com/spaghettifunk/anima-gpu/engine/renderer/metadata"
)

var bindlessDescriptorTypes = [metadata.BINDLESS_KIND_COUNT]vk.DescriptorType{
	metadata.BindlessSampledImage:  vk.DescriptorTypeSampledImage,
	metadata.BindlessStorageImage:  vk.DescriptorTypeStorageImage,
	metadata.BindlessStorageBuffer: vk.DescriptorTypeStorageBuffer,
	metadata.BindlessSampler:       vk.DescriptorTypeSampler,
}

/**
 * @brief One bindless heap: a single descriptor set with one runtime sized array at
 * binding 0. Slots may be written while the set is bound (update after bind) and slots
 * never written stay invalid (partially bound).
 */
type descriptorHeap struct {
	Kind     metadata.BindlessKind
	Capacity uint32
	Layout   vk.DescriptorSetLayout
	Pool     vk.DescriptorPool
	Set      vk.DescriptorSet
}

func newDescriptorHeap(context *VulkanContext, kind metadata.BindlessKind, capacity uint32) (*descriptorHeap, error) {
	logical := context.Device.LogicalDevice
	descriptorType := bindlessDescriptorTypes[kind]
	heap := &descriptorHeap{Kind: kind, Capacity: capacity}

	flagsInfo := vk.DescriptorSetLayoutBindingFlagsCreateInfo{
		SType:         vk.StructureTypeDescriptorSetLayoutBindingFlagsCreateInfo,
		BindingCount:  1,
		PBindingFlags: []vk.DescriptorBindingFlags{vk.DescriptorBindingFlags(vk.DescriptorBindingUpdateAfterBindBit | vk.DescriptorBindingPartiallyBoundBit)},
	}
	flagsRef, _ := flagsInfo.PassRef()
	layoutInfo := vk.DescriptorSetLayoutCreateInfo{
		SType:        vk.StructureTypeDescriptorSetLayoutCreateInfo,
		PNext:        unsafe.Pointer(flagsRef),
		Flags:        vk.DescriptorSetLayoutCreateFlags(vk.DescriptorSetLayoutCreateUpdateAfterBindPoolBit),
		BindingCount: 1,
		PBindings: []vk.DescriptorSetLayoutBinding{{
			Binding:         0,
			DescriptorType:  descriptorType,
			DescriptorCount: capacity,
			StageFlags:      vk.ShaderStageFlags(vk.ShaderStageAll),
		}},
	}
	res := vk.CreateDescriptorSetLayout(logical, &layoutInfo, context.Allocator, &heap.Layout)
	runtime.KeepAlive(&flagsInfo)
	if res != vk.Success {
		return nil, creationError(res, "vkCreateDescriptorSetLayout")
	}

	poolInfo := vk.DescriptorPoolCreateInfo{
		SType:         vk.StructureTypeDescriptorPoolCreateInfo,
		Flags:         vk.DescriptorPoolCreateFlags(vk.DescriptorPoolCreateUpdateAfterBindBit),
		MaxSets:       1,
		PoolSizeCount: 1,
		PPoolSizes:    []vk.DescriptorPoolSize{{Type: descriptorType, DescriptorCount: capacity}},
	}
	if res := vk.CreateDescriptorPool(logical, &poolInfo, context.Allocator, &heap.Pool); res != vk.Success {
		heap.destroy(context)
		return nil, creationError(res, "vkCreateDescriptorPool")
	}

	allocateInfo := vk.DescriptorSetAllocateInfo{
		SType:              vk.StructureTypeDescriptorSetAllocateInfo,
		DescriptorPool:     heap.Pool,
		DescriptorSetCount: 1,
		PSetLayouts:        []vk.DescriptorSetLayout{heap.Layout},
	}
	if res := vk.AllocateDescriptorSets(logical, &allocateInfo, &heap.Set); res != vk.Success {
		heap.destroy(context)
		return nil, creationError(res, "vkAllocateDescriptorSets")
	}
	return heap, nil
}

func (h *descriptorHeap) destroy(context *VulkanContext) {
	logical := context.Device.LogicalDevice
	if h.Pool != nil {
		vk.DestroyDescriptorPool(logical, h.Pool, context.Allocator)
		h.Pool = nil
		h.Set = nil
	}
	if h.Layout != nil {
		vk.DestroyDescriptorSetLayout(logical, h.Layout, context.Allocator)
		h.Layout = nil
	}
}

func (vb *VulkanBackend) CreateDescriptorHeap(kind metadata.BindlessKind, capacity uint32) (metadata.NativeHandle, error) {
	if kind >= metadata.BINDLESS_KIND_COUNT || capacity == 0 {
		return metadata.NullHandle, errors.Wrapf(core.ErrCreationFailed, "descriptor heap %s with capacity %d", kind, capacity)
	}
	heap, err := newDescriptorHeap(vb.context, kind, capacity)
	if err != nil {
		return metadata.NullHandle, errors.Wrapf(err, "%s heap", kind)
	}

	vb.heapMu.Lock()
	if vb.heaps[kind] == nil {
		vb.heaps[kind] = heap
	} else {
		core.LogWarn("a %s heap already exists; only the first one is bound to pipelines", kind)
	}
	vb.heapMu.Unlock()
	return vb.insert(heap), nil
}

func (vb *VulkanBackend) releaseHeap(heap *descriptorHeap) {
	vb.heapMu.Lock()
	if vb.heaps[heap.Kind] == heap {
		vb.heaps[heap.Kind] = nil
	}
	vb.heapMu.Unlock()
	heap.destroy(vb.context)
}

func (vb *VulkanBackend) WriteDescriptor(heapHandle metadata.NativeHandle, index uint32, resource metadata.NativeHandle) error {
	heap, err := lookup[*descriptorHeap](vb, heapHandle)
	if err != nil {
		return err
	}
	if index >= heap.Capacity {
		return errors.AssertionFailedf("%s heap slot %d out of range (capacity %d)", heap.Kind, index, heap.Capacity)
	}

	write := vk.WriteDescriptorSet{
		SType:           vk.StructureTypeWriteDescriptorSet,
		DstSet:          heap.Set,
		DstBinding:      0,
		DstArrayElement: index,
		DescriptorCount: 1,
		DescriptorType:  bindlessDescriptorTypes[heap.Kind],
	}
	switch heap.Kind {
	case metadata.BindlessSampledImage, metadata.BindlessStorageImage:
		view := vb.nullTexture.View
		if !resource.IsNull() {
			t, err := lookup[*vulkanTexture](vb, resource)
			if err != nil {
				return err
			}
			view = t.View
		}
		write.PImageInfo = []vk.DescriptorImageInfo{{ImageView: view, ImageLayout: vk.ImageLayoutGeneral}}
	case metadata.BindlessStorageBuffer:
		buffer := vb.nullBuffer.Handle
		if !resource.IsNull() {
			b, err := lookup[*vulkanBuffer](vb, resource)
			if err != nil {
				return err
			}
			buffer = b.Handle
		}
		write.PBufferInfo = []vk.DescriptorBufferInfo{{Buffer: buffer, Offset: 0, Range: vk.DeviceSize(vk.WholeSize)}}
	case metadata.BindlessSampler:
		sampler := vb.nullSampler
		if !resource.IsNull() {
			s, err := lookup[vk.Sampler](vb, resource)
			if err != nil {
				return err
			}
			sampler = s
		}
		write.PImageInfo = []vk.DescriptorImageInfo{{Sampler: sampler}}
	}

	return vb.context.Locks.SafeCall(DescriptorManagement, func() error {
		vk.UpdateDescriptorSets(vb.context.Device.LogicalDevice, 1, []vk.WriteDescriptorSet{write}, 0, nil)
		return nil
	})
}

// newBinderLayout builds set 0, the layout every binding table is written into.
func newBinderLayout(context *VulkanContext) (vk.DescriptorSetLayout, error) {
	bindings := make([]vk.DescriptorSetLayoutBinding, 0, BINDER_BINDING_COUNT)
	add := func(first, count uint32, descriptorType vk.DescriptorType) {
		for i := uint32(0); i < count; i++ {
			bindings = append(bindings, vk.DescriptorSetLayoutBinding{
				Binding:         first + i,
				DescriptorType:  descriptorType,
				DescriptorCount: 1,
				StageFlags:      vk.ShaderStageFlags(vk.ShaderStageAll),
			})
		}
	}
	add(metadata.BINDER_CBV_SHIFT, metadata.BINDER_CBV_COUNT, vk.DescriptorTypeUniformBufferDynamic)
	add(metadata.BINDER_SRV_SHIFT, metadata.BINDER_SRV_COUNT, vk.DescriptorTypeStorageBuffer)
	add(metadata.BINDER_UAV_SHIFT, metadata.BINDER_UAV_COUNT, vk.DescriptorTypeStorageBuffer)
	add(metadata.BINDER_SAMPLER_SHIFT, metadata.BINDER_SAMPLER_COUNT, vk.DescriptorTypeSampler)
	add(BINDER_SRV_TEXTURE_BINDING, metadata.BINDER_SRV_COUNT, vk.DescriptorTypeSampledImage)
	add(BINDER_UAV_TEXTURE_BINDING, metadata.BINDER_UAV_COUNT, vk.DescriptorTypeStorageImage)

	createInfo := vk.DescriptorSetLayoutCreateInfo{
		SType:        vk.StructureTypeDescriptorSetLayoutCreateInfo,
		BindingCount: uint32(len(bindings)),
		PBindings:    bindings,
	}
	var layout vk.DescriptorSetLayout
	if res := vk.CreateDescriptorSetLayout(context.Device.LogicalDevice, &createInfo, context.Allocator, &layout); res != vk.Success {
		return nil, creationError(res, "vkCreateDescriptorSetLayout")
	}
	return layout, nil
}

// binderWrites turns a binding table into one write per binding of set 0. Empty slots and
// the unused half of each SRV/UAV pair point at the null objects.
func (vb *VulkanBackend) binderWrites(set vk.DescriptorSet, table *metadata.BindingTable) []vk.WriteDescriptorSet {
	writes := make([]vk.WriteDescriptorSet, 0, BINDER_BINDING_COUNT)
	bufferWrite := func(binding uint32, descriptorType vk.DescriptorType, info vk.DescriptorBufferInfo) {
		writes = append(writes, vk.WriteDescriptorSet{
			SType:           vk.StructureTypeWriteDescriptorSet,
			DstSet:          set,
			DstBinding:      binding,
			DescriptorCount: 1,
			DescriptorType:  descriptorType,
			PBufferInfo:     []vk.DescriptorBufferInfo{info},
		})
	}
	imageWrite := func(binding uint32, descriptorType vk.DescriptorType, info vk.DescriptorImageInfo) {
		writes = append(writes, vk.WriteDescriptorSet{
			SType:           vk.StructureTypeWriteDescriptorSet,
			DstSet:          set,
			DstBinding:      binding,
			DescriptorCount: 1,
			DescriptorType:  descriptorType,
			PImageInfo:      []vk.DescriptorImageInfo{info},
		})
	}
	nullBuffer := vk.DescriptorBufferInfo{Buffer: vb.nullBuffer.Handle, Offset: 0, Range: NULL_BUFFER_SIZE}
	nullImage := vk.DescriptorImageInfo{ImageView: vb.nullTexture.View, ImageLayout: vk.ImageLayoutGeneral}
	maxUniformRange := uint64(vb.context.Device.Properties.Limits.MaxUniformBufferRange)

	for i, entry := range table.CBV {
		info := nullBuffer
		if b, ok := vb.bindingBuffer(entry); ok {
			// Offset travels as a dynamic offset so rebinding a new offset needs no write.
			size := entry.Size
			if size == 0 {
				size = b.Size - entry.Offset
			}
			info = vk.DescriptorBufferInfo{Buffer: b.Handle, Offset: 0, Range: vk.DeviceSize(min(size, maxUniformRange))}
		}
		bufferWrite(metadata.BINDER_CBV_SHIFT+uint32(i), vk.DescriptorTypeUniformBufferDynamic, info)
	}

	views := func(entries []metadata.BindingEntry, bufferBase, textureBase uint32, textureType vk.DescriptorType) {
		for i, entry := range entries {
			bufferInfo, imageInfo := nullBuffer, nullImage
			if b, ok := vb.bindingBuffer(entry); ok {
				size := vk.DeviceSize(vk.WholeSize)
				if entry.Size != 0 {
					size = vk.DeviceSize(entry.Size)
				}
				bufferInfo = vk.DescriptorBufferInfo{Buffer: b.Handle, Offset: vk.DeviceSize(entry.Offset), Range: size}
			} else if t, ok := vb.bindingTexture(entry); ok {
				imageInfo = vk.DescriptorImageInfo{ImageView: t.View, ImageLayout: vk.ImageLayoutGeneral}
			}
			bufferWrite(bufferBase+uint32(i), vk.DescriptorTypeStorageBuffer, bufferInfo)
			imageWrite(textureBase+uint32(i), textureType, imageInfo)
		}
	}
	views(table.SRV[:], metadata.BINDER_SRV_SHIFT, BINDER_SRV_TEXTURE_BINDING, vk.DescriptorTypeSampledImage)
	views(table.UAV[:], metadata.BINDER_UAV_SHIFT, BINDER_UAV_TEXTURE_BINDING, vk.DescriptorTypeStorageImage)

	for i, entry := range table.Sampler {
		sampler := vb.nullSampler
		if !entry.Resource.IsNull() {
			if s, ok := mustLookup[vk.Sampler](vb, entry.Resource, "binding sampler"); ok {
				sampler = s
			}
		}
		imageWrite(metadata.BINDER_SAMPLER_SHIFT+uint32(i), vk.DescriptorTypeSampler, vk.DescriptorImageInfo{Sampler: sampler})
	}
	return writes
}

func (vb *VulkanBackend) bindingBuffer(entry metadata.BindingEntry) (*vulkanBuffer, bool) {
	if entry.Resource.IsNull() || entry.Kind != metadata.ResourceKindBuffer {
		return nil, false
	}
	return mustLookup[*vulkanBuffer](vb, entry.Resource, "binding buffer")
}

func (vb *VulkanBackend) bindingTexture(entry metadata.BindingEntry) (*vulkanTexture, bool) {
	if entry.Resource.IsNull() || entry.Kind != metadata.ResourceKindTexture {
		return nil, false
	}
	return mustLookup[*vulkanTexture](vb, entry.Resource, "binding texture")
}

// dynamicOffsets returns the CBV offsets in binding order.
func dynamicOffsets(table *metadata.BindingTable) []uint32 {
	offsets := make([]uint32, metadata.BINDER_CBV_COUNT)
	for i, entry := range table.CBV {
		if !entry.Resource.IsNull() {
			offsets[i] = uint32(entry.Offset)
		}
	}
	return offsets
}

// createNullObjects builds what empty descriptor slots point at.
func (vb *VulkanBackend) createNullObjects() error {
	usage := vk.BufferUsageFlags(vk.BufferUsageUniformBufferBit | vk.BufferUsageStorageBufferBit)
	buffer, err := vb.newBuffer(NULL_BUFFER_SIZE, usage, metadata.MemoryDefault)
	if err != nil {
		return err
	}
	vb.nullBuffer = buffer

	texture, err := vb.newTexture(&gputypes.TextureDescriptor{
		Label:         "null",
		Size:          gputypes.Extent3D{Width: 1, Height: 1, DepthOrArrayLayers: 1},
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     gputypes.TextureDimension2D,
		Format:        gputypes.TextureFormatRGBA8Unorm,
		Usage:         gputypes.TextureUsageTextureBinding | gputypes.TextureUsageStorageBinding,
	})
	if err != nil {
		return err
	}
	vb.nullTexture = texture

	samplerDesc := gputypes.DefaultSamplerDescriptor()
	if vb.nullSampler, err = vb.newSampler(&samplerDesc); err != nil {
		return err
	}

	cb, err := AllocateAndBeginSingleUse(vb.context, metadata.QueueGraphics)
	if err != nil {
		return err
	}
	vb.transitionToGeneral(cb.Handle, texture)
	return cb.EndSingleUse(vb.context)
}

func (vb *VulkanBackend) destroyNullObjects() {
	if vb.nullBuffer != nil {
		vb.destroyBuffer(vb.nullBuffer)
		vb.nullBuffer = nil
	}
	if vb.nullTexture != nil {
		vb.destroyTexture(vb.nullTexture)
		vb.nullTexture = nil
	}
	if vb.nullSampler != nil {
		vk.DestroySampler(vb.context.Device.LogicalDevice, vb.nullSampler, vb.context.Allocator)
		vb.nullSampler = nil
	}
}
